package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DurableStore is the authoritative registration store: one JSON document
// per agent in SQLite, partitioned by agent id.
type DurableStore struct {
	db *sql.DB
}

const durableSchema = `
CREATE TABLE IF NOT EXISTS agents (
	agent_id   TEXT PRIMARY KEY,
	doc        TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// OpenDurableStore opens (and migrates) the SQLite-backed durable store.
func OpenDurableStore(path string) (*DurableStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open durable store: %w", err)
	}
	// SQLite handles one writer at a time; the registry service serializes
	// per-agent writes above this layer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(durableSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate durable store: %w", err)
	}
	return &DurableStore{db: db}, nil
}

func (s *DurableStore) Put(ctx context.Context, reg *Registration) error {
	doc, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, doc, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(agent_id) DO UPDATE SET doc = excluded.doc, updated_at = CURRENT_TIMESTAMP`,
		reg.AgentID, string(doc))
	if err != nil {
		return fmt.Errorf("durable write failed for %s: %w", reg.AgentID, err)
	}
	return nil
}

func (s *DurableStore) Get(ctx context.Context, agentID string) (*Registration, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM agents WHERE agent_id = ?`, agentID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("durable read failed for %s: %w", agentID, err)
	}

	var reg Registration
	if err := json.Unmarshal([]byte(doc), &reg); err != nil {
		return nil, fmt.Errorf("corrupt registration document for %s: %w", agentID, err)
	}
	return &reg, nil
}

func (s *DurableStore) Delete(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("durable delete failed for %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (s *DurableStore) List(ctx context.Context) ([]*Registration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("durable list failed: %w", err)
	}
	defer rows.Close()

	var regs []*Registration
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var reg Registration
		if err := json.Unmarshal([]byte(doc), &reg); err != nil {
			continue
		}
		regs = append(regs, &reg)
	}
	return regs, rows.Err()
}

// Discover scans all documents and filters in memory. The durable store
// serves queries the hot index cannot, so correctness beats speed here.
func (s *DurableStore) Discover(ctx context.Context, query DiscoverQuery) ([]*Registration, error) {
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

func (s *DurableStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *DurableStore) Close() error {
	return s.db.Close()
}

var _ Store = (*DurableStore)(nil)
