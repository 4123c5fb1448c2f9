// Package cache manages per-customer JSON snapshots of read-mostly banking
// data. Snapshots are written atomically and served only while fresh; the
// supervisor's read path consults this cache before dispatching to an agent.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/finvault/fabric/pkg/mcp"
)

const (
	// DefaultTTL is how long a snapshot is served after being written.
	DefaultTTL = 300 * time.Second

	// DefaultCleanupAge is the age past which snapshot files are deleted
	// by the background sweep.
	DefaultCleanupAge = time.Hour

	// initializeWait bounds how long a coalesced caller waits for an
	// in-flight initialization of the same customer.
	initializeWait = 25 * time.Second

	readRetries    = 3
	readRetryDelay = 100 * time.Millisecond
)

// Data keys within a snapshot.
const (
	KeyBalance        = "balance"
	KeyAccountDetails = "account_details"
	KeyTransactions   = "last_5_transactions"
	KeyBeneficiaries  = "beneficiaries"
	KeyLimits         = "limits"
)

// Entry is one customer's cached snapshot.
type Entry struct {
	CustomerID string         `json:"customer_id"`
	CachedAt   time.Time      `json:"cached_at"`
	TTLSeconds int            `json:"ttl_seconds"`
	Data       map[string]any `json:"data"`
}

// ToolSet names the tool clients Initialize needs. The zero value of an
// unused field is allowed only if the corresponding fetch is not needed.
type ToolSet struct {
	Accounts     mcp.ToolCaller
	Transactions mcp.ToolCaller
	Payments     mcp.ToolCaller
}

// Manager owns the snapshot directory. One writer per customer; readers
// tolerate in-flight writes because writes go through temp-file + rename.
type Manager struct {
	dir    string
	ttl    time.Duration
	logger *slog.Logger

	// flight coalesces concurrent initializations per customer.
	flight singleflight.Group

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// now is injectable for tests.
	now func() time.Time
}

// NewManager creates a cache manager rooted at dir, creating it if needed.
func NewManager(dir string, ttl time.Duration) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		dir:    dir,
		ttl:    ttl,
		logger: slog.Default(),
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}, nil
}

// Initialize builds the customer's snapshot from live tool data: the primary
// account first (everything else keys off it), then transactions,
// beneficiaries and limits in parallel. Concurrent initializations for the
// same customer are coalesced; a second caller waits on the first.
func (m *Manager) Initialize(ctx context.Context, customerID, userEmail string, tools ToolSet) (*Entry, error) {
	ch := m.flight.DoChan(customerID, func() (any, error) {
		return m.initialize(ctx, customerID, userEmail, tools)
	})

	wait := time.NewTimer(initializeWait)
	defer wait.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Entry), nil
	case <-wait.C:
		return nil, fmt.Errorf("cache initialization for customer %s timed out", customerID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) initialize(ctx context.Context, customerID, userEmail string, tools ToolSet) (*Entry, error) {
	account, err := callMap(ctx, tools.Accounts, "get_account_by_email", map[string]any{"email": userEmail})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch primary account: %w", err)
	}
	accountID, _ := account["account_id"].(string)

	var transactions, beneficiaries, limits any
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		transactions, err = tools.Transactions.CallTool(gctx, "get_last_transactions", map[string]any{
			"account_id": accountID,
			"limit":      5,
		})
		return err
	})
	g.Go(func() error {
		var err error
		beneficiaries, err = tools.Payments.CallTool(gctx, "get_beneficiaries", map[string]any{
			"customer_id": customerID,
		})
		return err
	})
	g.Go(func() error {
		var err error
		limits, err = tools.Accounts.CallTool(gctx, "get_account_limits", map[string]any{
			"account_id": accountID,
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to fetch customer data: %w", err)
	}

	entry := &Entry{
		CustomerID: customerID,
		CachedAt:   m.now().UTC(),
		TTLSeconds: int(m.ttl.Seconds()),
		Data: map[string]any{
			KeyBalance:        account["balance"],
			KeyAccountDetails: account,
			KeyTransactions:   transactions,
			KeyBeneficiaries:  beneficiaries,
			KeyLimits:         limits,
		},
	}
	if err := m.writeEntry(customerID, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns the cached value under key, or nil when the snapshot is
// missing, expired, or the key is absent. A balance of zero is treated as a
// stale sentinel and reported as a miss. An empty key returns the whole data
// map.
func (m *Manager) Get(customerID, key string) any {
	entry, err := m.readEntry(customerID)
	if err != nil {
		return nil
	}

	ttl := time.Duration(entry.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = m.ttl
	}
	if m.now().Sub(entry.CachedAt) >= ttl {
		return nil
	}

	if key == "" {
		return entry.Data
	}
	value, ok := entry.Data[normalizeKey(key)]
	if !ok || value == nil {
		return nil
	}
	if normalizeKey(key) == KeyBalance && isZeroBalance(value) {
		return nil
	}
	return value
}

// Update merges partial into the customer's snapshot and refreshes
// cached_at. A missing snapshot becomes a new one holding only partial.
func (m *Manager) Update(customerID string, partial map[string]any) error {
	lock := m.lockFor(customerID)
	lock.Lock()
	defer lock.Unlock()

	entry, err := m.readEntry(customerID)
	if err != nil {
		entry = &Entry{
			CustomerID: customerID,
			TTLSeconds: int(m.ttl.Seconds()),
			Data:       make(map[string]any),
		}
	}
	for key, value := range partial {
		entry.Data[normalizeKey(key)] = value
	}
	entry.CachedAt = m.now().UTC()
	return m.writeEntry(customerID, entry)
}

// Invalidate deletes the customer's snapshot. Missing snapshots are not an
// error.
func (m *Manager) Invalidate(customerID string) error {
	err := os.Remove(m.pathFor(customerID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to invalidate cache for customer %s: %w", customerID, err)
	}
	return nil
}

// CleanupOld deletes snapshot files whose last write is older than maxAge.
func (m *Manager) CleanupOld(maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = DefaultCleanupAge
	}
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("failed to scan cache directory: %w", err)
	}

	cutoff := m.now().Add(-maxAge)
	for _, dirEntry := range entries {
		if dirEntry.IsDir() || !strings.HasSuffix(dirEntry.Name(), ".json") {
			continue
		}
		info, err := dirEntry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(m.dir, dirEntry.Name())
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				m.logger.Warn("cache cleanup failed to remove file", "path", path, "error", err)
			}
		}
	}

	// A lock whose snapshot is gone has nothing left to guard.
	m.mu.Lock()
	for customerID := range m.locks {
		if _, err := os.Stat(m.pathFor(customerID)); errors.Is(err, os.ErrNotExist) {
			delete(m.locks, customerID)
		}
	}
	m.mu.Unlock()
	return nil
}

// RunCleanup sweeps old snapshots every interval until ctx is cancelled.
func (m *Manager) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.CleanupOld(maxAge); err != nil {
				m.logger.Warn("cache cleanup sweep failed", "error", err)
			}
		}
	}
}

// ============================================================================
// FILE I/O
// ============================================================================

func (m *Manager) pathFor(customerID string) string {
	return filepath.Join(m.dir, "user_"+sanitizeID(customerID)+".json")
}

// readEntry reads the snapshot without locking; the atomic rename on the
// write side means a reader sees either the old file or the new one. Reads
// retry a few times to ride out OS-level contention.
func (m *Manager) readEntry(customerID string) (*Entry, error) {
	path := m.pathFor(customerID)

	var lastErr error
	for attempt := 0; attempt < readRetries; attempt++ {
		raw, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
			lastErr = err
			time.Sleep(readRetryDelay)
			continue
		}

		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			lastErr = err
			time.Sleep(readRetryDelay)
			continue
		}
		if entry.Data == nil {
			entry.Data = make(map[string]any)
		}
		return &entry, nil
	}
	return nil, fmt.Errorf("failed to read cache for customer %s: %w", customerID, lastErr)
}

func (m *Manager) writeEntry(customerID string, entry *Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	path := m.pathFor(customerID)
	tmp, err := os.CreateTemp(m.dir, "user_*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create cache temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close cache temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}
	return nil
}

func (m *Manager) lockFor(customerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[customerID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[customerID] = lock
	}
	return lock
}

func callMap(ctx context.Context, caller mcp.ToolCaller, tool string, args map[string]any) (map[string]any, error) {
	result, err := caller.CallTool(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	asMap, ok := result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("tool %s returned %T, expected object", tool, result)
	}
	return asMap, nil
}

// normalizeKey maps the classifier's data-type names onto snapshot keys.
func normalizeKey(key string) string {
	if key == "transactions" {
		return KeyTransactions
	}
	return key
}

func isZeroBalance(value any) bool {
	switch v := value.(type) {
	case float64:
		return v == 0
	case float32:
		return v == 0
	case int:
		return v == 0
	case int64:
		return v == 0
	case json.Number:
		f, err := v.Float64()
		return err == nil && f == 0
	}
	return false
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
