package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerWithHealth(t *testing.T, svc *Service, name, healthURL string) *Registration {
	t.Helper()
	req := testRegisterRequest(name, "accounts")
	req.Endpoints.Health = healthURL
	reg, _, err := svc.Register(context.Background(), req)
	require.NoError(t, err)
	return reg
}

func TestMonitorDegradesUnhealthyAgent(t *testing.T) {
	svc := newTestService(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unhealthy", http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := registerWithHealth(t, svc, "Account Agent", server.URL)
	monitor := NewMonitor(svc, MonitorConfig{})

	require.NoError(t, monitor.CheckOnce(context.Background()))

	got, err := svc.Get(context.Background(), reg.AgentID)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, got.Status)
}

func TestMonitorReactivatesHealthyAgent(t *testing.T) {
	svc := newTestService(t)
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !healthy.Load() {
			http.Error(w, "unhealthy", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reg := registerWithHealth(t, svc, "Account Agent", server.URL)
	monitor := NewMonitor(svc, MonitorConfig{})

	require.NoError(t, monitor.CheckOnce(context.Background()))
	got, err := svc.Get(context.Background(), reg.AgentID)
	require.NoError(t, err)
	require.Equal(t, StatusDegraded, got.Status)

	healthy.Store(true)
	require.NoError(t, monitor.CheckOnce(context.Background()))
	got, err = svc.Get(context.Background(), reg.AgentID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestMonitorSkipsMaintenanceAgents(t *testing.T) {
	svc := newTestService(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unhealthy", http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := registerWithHealth(t, svc, "Account Agent", server.URL)
	require.NoError(t, svc.UpdateStatus(context.Background(), reg.AgentID, StatusMaintenance))

	monitor := NewMonitor(svc, MonitorConfig{})
	require.NoError(t, monitor.CheckOnce(context.Background()))

	got, err := svc.Get(context.Background(), reg.AgentID)
	require.NoError(t, err)
	assert.Equal(t, StatusMaintenance, got.Status)
}

func TestMonitorEvictsStaleAgent(t *testing.T) {
	svc := newTestService(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	reg := registerWithHealth(t, svc, "Account Agent", server.URL)

	monitor := NewMonitor(svc, MonitorConfig{StaleThreshold: 5 * time.Minute})
	monitor.now = func() time.Time { return reg.LastHeartbeat.Add(6 * time.Minute) }

	require.NoError(t, monitor.CheckOnce(context.Background()))

	_, err := svc.Get(context.Background(), reg.AgentID)
	assert.ErrorIs(t, err, ErrAgentNotFound)

	found, err := svc.Discover(context.Background(), DiscoverQuery{Capability: "accounts", Status: StatusAny})
	require.NoError(t, err)
	assert.Empty(t, found)
}
