package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/finvault/fabric/pkg/auth"
)

// Service owns the registration lifecycle. Writes for one agent are
// serialized behind a per-agent lock so the document and its index sets
// never diverge; reads go straight to the store.
type Service struct {
	store  Store
	tokens *auth.TokenService
	logger *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// now is injectable for tests.
	now func() time.Time
}

// NewService creates the registry service. tokens may be nil when auth is
// disabled; Register then returns an empty token.
func NewService(store Store, tokens *auth.TokenService) *Service {
	return &Service{
		store:  store,
		tokens: tokens,
		logger: slog.Default(),
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

func (s *Service) lockFor(agentID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[agentID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[agentID] = mu
	}
	return mu
}

// Register creates a fresh registration. Register is never idempotent: each
// call assigns a new agent id and issues a bearer token bound to it.
func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*Registration, string, error) {
	if err := req.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid registration: %w", err)
	}

	now := s.now().UTC()
	reg := &Registration{
		AgentID:       uuid.NewString(),
		AgentName:     req.AgentName,
		AgentType:     req.AgentType,
		Version:       req.Version,
		Capabilities:  req.Capabilities,
		Endpoints:     req.Endpoints,
		Status:        StatusActive,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Tags:          req.Tags,
		Metadata:      req.Metadata,
	}

	mu := s.lockFor(reg.AgentID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.Put(ctx, reg); err != nil {
		return nil, "", err
	}

	var token string
	if s.tokens != nil {
		var err error
		token, err = s.tokens.IssueAgentToken(reg.AgentID)
		if err != nil {
			return nil, "", fmt.Errorf("failed to issue agent token: %w", err)
		}
	}

	s.logger.Info("agent registered",
		"agent_id", reg.AgentID,
		"agent_name", reg.AgentName,
		"agent_type", reg.AgentType,
		"capabilities", len(reg.Capabilities))

	return reg, token, nil
}

// Discover returns all agents matching the query. Status defaults to
// active.
func (s *Service) Discover(ctx context.Context, query DiscoverQuery) ([]*Registration, error) {
	return s.store.Discover(ctx, query)
}

// Get returns a single registration.
func (s *Service) Get(ctx context.Context, agentID string) (*Registration, error) {
	return s.store.Get(ctx, agentID)
}

// List returns every registration.
func (s *Service) List(ctx context.Context) ([]*Registration, error) {
	return s.store.List(ctx)
}

// Heartbeat refreshes last_heartbeat (monotonically) and optionally updates
// the agent's status in the same write.
func (s *Service) Heartbeat(ctx context.Context, agentID string, status *AgentStatus) (time.Time, error) {
	mu := s.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	reg, err := s.store.Get(ctx, agentID)
	if err != nil {
		return time.Time{}, err
	}

	now := s.now().UTC()
	if now.After(reg.LastHeartbeat) {
		reg.LastHeartbeat = now
	}
	if status != nil {
		if !ValidStatus(*status) {
			return time.Time{}, fmt.Errorf("invalid status %q", *status)
		}
		reg.Status = *status
	}

	if err := s.store.Put(ctx, reg); err != nil {
		return time.Time{}, err
	}
	return reg.LastHeartbeat, nil
}

// UpdateStatus sets the agent's status. Idempotent.
func (s *Service) UpdateStatus(ctx context.Context, agentID string, status AgentStatus) error {
	if !ValidStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}

	mu := s.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	reg, err := s.store.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if reg.Status == status {
		return nil
	}

	prev := reg.Status
	reg.Status = status
	if err := s.store.Put(ctx, reg); err != nil {
		return err
	}

	s.logger.Info("agent status updated",
		"agent_id", agentID, "from", prev, "to", status)
	return nil
}

// Deregister removes the registration. A second call on an unknown agent
// returns ErrAgentNotFound with no side effects.
func (s *Service) Deregister(ctx context.Context, agentID string) error {
	mu := s.lockFor(agentID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.Delete(ctx, agentID); err != nil {
		return err
	}

	s.locksMu.Lock()
	delete(s.locks, agentID)
	s.locksMu.Unlock()

	s.logger.Info("agent deregistered", "agent_id", agentID)
	return nil
}

// Metrics summarizes the current registration population.
func (s *Service) Metrics(ctx context.Context) (*Metrics, error) {
	regs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		Total:    len(regs),
		ByStatus: make(map[string]int),
		ByType:   make(map[string]int),
	}
	for _, reg := range regs {
		m.ByStatus[string(reg.Status)]++
		m.ByType[string(reg.AgentType)]++
	}
	return m, nil
}

// Ping reports store reachability for the registry health endpoint.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
