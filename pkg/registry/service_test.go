package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvault/fabric/pkg/auth"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	tokens, err := auth.NewTokenService(auth.Config{Secret: "test-secret"})
	require.NoError(t, err)

	store, err := NewTieredStore(newHotStore(t), nil)
	require.NoError(t, err)
	return NewService(store, tokens)
}

func testRegisterRequest(name string, caps ...string) *RegisterRequest {
	return &RegisterRequest{
		AgentName:    name,
		AgentType:    AgentTypeDomain,
		Version:      "1.0.0",
		Capabilities: caps,
		Endpoints: Endpoints{
			HTTP:   "http://agent:8600",
			Health: "http://agent:8600/health",
			A2A:    "http://agent:8600/a2a/invoke",
		},
	}
}

func TestRegisterDiscoverGetRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	reg, token, err := svc.Register(ctx, testRegisterRequest("Account Agent", "accounts"))
	require.NoError(t, err)
	require.NotEmpty(t, reg.AgentID)
	require.NotEmpty(t, token)
	assert.Equal(t, StatusActive, reg.Status)
	assert.Equal(t, reg.RegisteredAt, reg.LastHeartbeat)

	found, err := svc.Discover(ctx, DiscoverQuery{Capability: "accounts"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, reg.AgentID, found[0].AgentID)

	got, err := svc.Get(ctx, reg.AgentID)
	require.NoError(t, err)
	assert.Equal(t, reg.AgentName, got.AgentName)
	assert.Equal(t, reg.Capabilities, got.Capabilities)
	assert.Equal(t, reg.Endpoints, got.Endpoints)
}

func TestRegisterRejectsInvalidRequest(t *testing.T) {
	svc := newTestService(t)

	_, _, err := svc.Register(context.Background(), &RegisterRequest{AgentName: "No Capabilities"})
	assert.Error(t, err)
}

func TestDeregisterRemovesFromDiscovery(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	reg, _, err := svc.Register(ctx, testRegisterRequest("Account Agent", "accounts"))
	require.NoError(t, err)

	require.NoError(t, svc.Deregister(ctx, reg.AgentID))

	found, err := svc.Discover(ctx, DiscoverQuery{Capability: "accounts", Status: StatusAny})
	require.NoError(t, err)
	assert.Empty(t, found)

	// The per-agent write lock goes with the registration.
	svc.locksMu.Lock()
	_, held := svc.locks[reg.AgentID]
	svc.locksMu.Unlock()
	assert.False(t, held)

	// Second deregister is a clean not-found, no side effects.
	assert.ErrorIs(t, svc.Deregister(ctx, reg.AgentID), ErrAgentNotFound)
}

func TestHeartbeatIsMonotonic(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	reg, _, err := svc.Register(ctx, testRegisterRequest("Account Agent", "accounts"))
	require.NoError(t, err)

	clock = clock.Add(30 * time.Second)
	beat, err := svc.Heartbeat(ctx, reg.AgentID, nil)
	require.NoError(t, err)
	assert.Equal(t, clock, beat)

	// A clock step backwards must not move last_heartbeat back.
	clock = clock.Add(-5 * time.Minute)
	beat2, err := svc.Heartbeat(ctx, reg.AgentID, nil)
	require.NoError(t, err)
	assert.Equal(t, beat, beat2)
}

func TestHeartbeatUpdatesStatus(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	reg, _, err := svc.Register(ctx, testRegisterRequest("Account Agent", "accounts"))
	require.NoError(t, err)

	maintenance := StatusMaintenance
	_, err = svc.Heartbeat(ctx, reg.AgentID, &maintenance)
	require.NoError(t, err)

	got, err := svc.Get(ctx, reg.AgentID)
	require.NoError(t, err)
	assert.Equal(t, StatusMaintenance, got.Status)

	bogus := AgentStatus("sleeping")
	_, err = svc.Heartbeat(ctx, reg.AgentID, &bogus)
	assert.Error(t, err)
}

func TestUpdateStatusIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	reg, _, err := svc.Register(ctx, testRegisterRequest("Account Agent", "accounts"))
	require.NoError(t, err)

	require.NoError(t, svc.UpdateStatus(ctx, reg.AgentID, StatusDegraded))
	require.NoError(t, svc.UpdateStatus(ctx, reg.AgentID, StatusDegraded))

	got, err := svc.Get(ctx, reg.AgentID)
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, got.Status)
}

func TestMetrics(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, testRegisterRequest("Account Agent", "accounts"))
	require.NoError(t, err)
	reg2, _, err := svc.Register(ctx, testRegisterRequest("Payment Agent", "payments"))
	require.NoError(t, err)
	require.NoError(t, svc.UpdateStatus(ctx, reg2.AgentID, StatusDegraded))

	m, err := svc.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Total)
	assert.Equal(t, 1, m.ByStatus["active"])
	assert.Equal(t, 1, m.ByStatus["degraded"])
	assert.Equal(t, 2, m.ByType["domain"])
}
