package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Store is the persistence contract for registrations.
type Store interface {
	Put(ctx context.Context, reg *Registration) error
	Get(ctx context.Context, agentID string) (*Registration, error)
	Delete(ctx context.Context, agentID string) error
	List(ctx context.Context) ([]*Registration, error)
	Discover(ctx context.Context, query DiscoverQuery) ([]*Registration, error)
	Ping(ctx context.Context) error
	Close() error
}

// TieredStore layers the hot index over the durable store. Either tier may
// be absent, but not both.
//
// Reads go hot first; a miss falls through to the durable store and
// repopulates the hot index. Writes go to both tiers; hot failures are
// logged and tolerated, durable failures are returned to the caller.
type TieredStore struct {
	hot     Store
	durable Store
	logger  *slog.Logger
}

// NewTieredStore composes the two tiers. hot and durable may each be nil;
// at least one is required.
func NewTieredStore(hot, durable Store) (*TieredStore, error) {
	if hot == nil && durable == nil {
		return nil, fmt.Errorf("registry store requires at least one tier")
	}
	return &TieredStore{
		hot:     hot,
		durable: durable,
		logger:  slog.Default(),
	}, nil
}

func (s *TieredStore) Put(ctx context.Context, reg *Registration) error {
	if s.durable != nil {
		if err := s.durable.Put(ctx, reg); err != nil {
			return fmt.Errorf("durable store write failed: %w", err)
		}
	}
	if s.hot != nil {
		if err := s.hot.Put(ctx, reg); err != nil {
			if s.durable == nil {
				return fmt.Errorf("hot index write failed: %w", err)
			}
			s.logger.Warn("hot index write failed, durable copy is authoritative",
				"agent_id", reg.AgentID, "error", err)
		}
	}
	return nil
}

func (s *TieredStore) Get(ctx context.Context, agentID string) (*Registration, error) {
	if s.hot != nil {
		reg, err := s.hot.Get(ctx, agentID)
		if err == nil {
			return reg, nil
		}
		if !errors.Is(err, ErrAgentNotFound) {
			s.logger.Warn("hot index read failed", "agent_id", agentID, "error", err)
		}
	}

	if s.durable == nil {
		return nil, ErrAgentNotFound
	}

	reg, err := s.durable.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}

	// Repopulate the hot index on a durable hit.
	if s.hot != nil {
		if herr := s.hot.Put(ctx, reg); herr != nil {
			s.logger.Warn("hot index repopulation failed", "agent_id", agentID, "error", herr)
		}
	}
	return reg, nil
}

func (s *TieredStore) Delete(ctx context.Context, agentID string) error {
	var durableErr error
	if s.durable != nil {
		durableErr = s.durable.Delete(ctx, agentID)
		if durableErr != nil && !errors.Is(durableErr, ErrAgentNotFound) {
			return durableErr
		}
	}
	// Clear the hot tier even when the durable row was already gone, so a
	// half-deleted agent cannot linger in the index.
	if s.hot != nil {
		err := s.hot.Delete(ctx, agentID)
		if s.durable == nil {
			return err
		}
		if err != nil && !errors.Is(err, ErrAgentNotFound) {
			s.logger.Warn("hot index delete failed", "agent_id", agentID, "error", err)
		}
	}
	return durableErr
}

func (s *TieredStore) List(ctx context.Context) ([]*Registration, error) {
	if s.durable != nil {
		return s.durable.List(ctx)
	}
	return s.hot.List(ctx)
}

func (s *TieredStore) Discover(ctx context.Context, query DiscoverQuery) ([]*Registration, error) {
	if s.hot != nil {
		regs, err := s.hot.Discover(ctx, query)
		if err == nil {
			return regs, nil
		}
		s.logger.Warn("hot index discovery failed, falling back to durable", "error", err)
	}
	if s.durable == nil {
		return nil, fmt.Errorf("discovery unavailable: hot index failed and no durable store")
	}
	return s.durable.Discover(ctx, query)
}

// Ping reports reachability of all configured tiers.
func (s *TieredStore) Ping(ctx context.Context) error {
	if s.hot != nil {
		if err := s.hot.Ping(ctx); err != nil {
			return fmt.Errorf("hot index unreachable: %w", err)
		}
	}
	if s.durable != nil {
		if err := s.durable.Ping(ctx); err != nil {
			return fmt.Errorf("durable store unreachable: %w", err)
		}
	}
	return nil
}

func (s *TieredStore) Close() error {
	var err error
	if s.hot != nil {
		err = errors.Join(err, s.hot.Close())
	}
	if s.durable != nil {
		err = errors.Join(err, s.durable.Close())
	}
	return err
}

// RestoreHot reloads the hot index from the durable store. Used at registry
// boot so discovery does not depend on cold reads.
func (s *TieredStore) RestoreHot(ctx context.Context) error {
	if s.hot == nil || s.durable == nil {
		return nil
	}
	regs, err := s.durable.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list durable registrations: %w", err)
	}
	for _, reg := range regs {
		if err := s.hot.Put(ctx, reg); err != nil {
			s.logger.Warn("hot index restore failed for agent", "agent_id", reg.AgentID, "error", err)
		}
	}
	return nil
}
