package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// MonitorConfig tunes the background health monitor.
type MonitorConfig struct {
	CheckInterval  time.Duration
	ProbeTimeout   time.Duration
	StaleThreshold time.Duration
}

func (c *MonitorConfig) setDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 5 * time.Minute
	}
}

// Monitor probes registered agents' health endpoints in the background,
// flipping agents between active and degraded, and evicts agents whose
// heartbeats have gone stale.
type Monitor struct {
	service    *Service
	cfg        MonitorConfig
	httpClient *http.Client
	logger     *slog.Logger

	// now is injectable for tests.
	now func() time.Time
}

// NewMonitor creates a health monitor over the registry service.
func NewMonitor(service *Service, cfg MonitorConfig) *Monitor {
	cfg.setDefaults()
	return &Monitor{
		service:    service,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.ProbeTimeout},
		logger:     slog.Default(),
		now:        time.Now,
	}
}

// Run executes the probe loop until ctx is cancelled. Probe failures are
// never fatal to the loop.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("health monitor started",
		"interval", m.cfg.CheckInterval,
		"stale_threshold", m.cfg.StaleThreshold)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			if err := m.CheckOnce(ctx); err != nil {
				m.logger.Warn("health check cycle failed", "error", err)
			}
		}
	}
}

// CheckOnce runs one full probe cycle: evict stale agents, then probe the
// rest in parallel.
func (m *Monitor) CheckOnce(ctx context.Context) error {
	regs, err := m.service.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list registrations: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, reg := range regs {
		reg := reg
		g.Go(func() error {
			m.checkAgent(gctx, reg)
			return nil
		})
	}
	return g.Wait()
}

func (m *Monitor) checkAgent(ctx context.Context, reg *Registration) {
	if m.now().Sub(reg.LastHeartbeat) > m.cfg.StaleThreshold {
		m.logger.Warn("evicting stale agent",
			"agent_id", reg.AgentID,
			"agent_name", reg.AgentName,
			"last_heartbeat", reg.LastHeartbeat)
		if err := m.service.Deregister(ctx, reg.AgentID); err != nil {
			m.logger.Warn("stale eviction failed", "agent_id", reg.AgentID, "error", err)
		}
		return
	}

	// Maintenance and inactive agents are left alone.
	if reg.Status == StatusMaintenance || reg.Status == StatusInactive {
		return
	}

	healthy := m.probe(ctx, reg.Endpoints.Health)
	switch {
	case healthy && reg.Status == StatusDegraded:
		if err := m.service.UpdateStatus(ctx, reg.AgentID, StatusActive); err != nil {
			m.logger.Warn("failed to mark agent active", "agent_id", reg.AgentID, "error", err)
		}
	case !healthy && reg.Status == StatusActive:
		m.logger.Warn("health probe failed, degrading agent",
			"agent_id", reg.AgentID, "agent_name", reg.AgentName)
		if err := m.service.UpdateStatus(ctx, reg.AgentID, StatusDegraded); err != nil {
			m.logger.Warn("failed to mark agent degraded", "agent_id", reg.AgentID, "error", err)
		}
	}
}

func (m *Monitor) probe(ctx context.Context, healthURL string) bool {
	if healthURL == "" {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		return false
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
