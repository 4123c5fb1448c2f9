package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	agentKeyPrefix      = "agent:"
	capabilityKeyPrefix = "agents:capability:"
	typeKeyPrefix       = "agents:type:"
	statusKeyPrefix     = "agents:status:"
)

// HotStore is the Redis-backed hot index: TTL'd registration documents plus
// set-valued secondary indexes per capability, type and status. Primary key
// and all index sets are kept consistent on every write.
type HotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewHotStore creates a hot index over the given Redis client.
func NewHotStore(client *redis.Client, ttl time.Duration) *HotStore {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &HotStore{client: client, ttl: ttl}
}

func agentKey(agentID string) string { return agentKeyPrefix + agentID }

func (s *HotStore) indexKeys(reg *Registration) []string {
	keys := make([]string, 0, len(reg.Capabilities)+2)
	for _, cap := range reg.Capabilities {
		keys = append(keys, capabilityKeyPrefix+cap)
	}
	keys = append(keys, typeKeyPrefix+string(reg.AgentType))
	keys = append(keys, statusKeyPrefix+string(reg.Status))
	return keys
}

// Put writes the document and refreshes every index set. A previous version
// of the registration is removed from indexes it no longer belongs to
// (status changes move the agent between status sets).
func (s *HotStore) Put(ctx context.Context, reg *Registration) error {
	doc, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}

	prev, _ := s.Get(ctx, reg.AgentID)

	pipe := s.client.TxPipeline()
	if prev != nil {
		for _, key := range s.indexKeys(prev) {
			pipe.SRem(ctx, key, prev.AgentID)
		}
	}
	pipe.Set(ctx, agentKey(reg.AgentID), doc, s.ttl)
	for _, key := range s.indexKeys(reg) {
		pipe.SAdd(ctx, key, reg.AgentID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hot index write failed: %w", err)
	}
	return nil
}

func (s *HotStore) Get(ctx context.Context, agentID string) (*Registration, error) {
	doc, err := s.client.Get(ctx, agentKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hot index read failed: %w", err)
	}

	var reg Registration
	if err := json.Unmarshal(doc, &reg); err != nil {
		return nil, fmt.Errorf("corrupt registration document for %s: %w", agentID, err)
	}
	return &reg, nil
}

// Delete removes the document and all index memberships.
func (s *HotStore) Delete(ctx context.Context, agentID string) error {
	reg, err := s.Get(ctx, agentID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, agentKey(agentID))
	for _, key := range s.indexKeys(reg) {
		pipe.SRem(ctx, key, agentID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hot index delete failed: %w", err)
	}
	return nil
}

func (s *HotStore) List(ctx context.Context) ([]*Registration, error) {
	var regs []*Registration
	iter := s.client.Scan(ctx, 0, agentKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		doc, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("hot index scan failed: %w", err)
		}
		var reg Registration
		if err := json.Unmarshal(doc, &reg); err != nil {
			continue
		}
		regs = append(regs, &reg)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("hot index scan failed: %w", err)
	}
	return regs, nil
}

// Discover intersects the index sets matching the query, then loads and
// post-filters the surviving documents. Tag filtering is a post-filter
// because tags are not indexed.
func (s *HotStore) Discover(ctx context.Context, query DiscoverQuery) ([]*Registration, error) {
	status := query.Status
	if status == "" {
		status = StatusActive
	}

	var setKeys []string
	if query.Capability != "" {
		setKeys = append(setKeys, capabilityKeyPrefix+query.Capability)
	}
	if query.AgentType != "" {
		setKeys = append(setKeys, typeKeyPrefix+string(query.AgentType))
	}
	if status != StatusAny {
		setKeys = append(setKeys, statusKeyPrefix+string(status))
	}

	var ids []string
	var err error
	if len(setKeys) == 0 {
		// Unfiltered query: fall back to a full scan.
		regs, err := s.List(ctx)
		if err != nil {
			return nil, err
		}
		var out []*Registration
		for _, reg := range regs {
			if query.Matches(reg) {
				out = append(out, reg)
			}
		}
		return out, nil
	}

	ids, err = s.client.SInter(ctx, setKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("hot index intersection failed: %w", err)
	}

	var out []*Registration
	for _, id := range ids {
		reg, err := s.Get(ctx, id)
		if errors.Is(err, ErrAgentNotFound) {
			// Document expired; drop the dangling index membership.
			for _, key := range setKeys {
				s.client.SRem(ctx, key, id)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if !query.Matches(reg) {
			continue
		}
		out = append(out, reg)
	}
	return out, nil
}

func (s *HotStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *HotStore) Close() error {
	return s.client.Close()
}

var _ Store = (*HotStore)(nil)
