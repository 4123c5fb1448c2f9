package cache

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTools struct {
	mu    sync.Mutex
	calls map[string]int

	account map[string]any
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		calls: make(map[string]int),
		account: map[string]any{
			"account_id": "ACC-1",
			"balance":    89850.00,
			"currency":   "THB",
		},
	}
}

func (f *fakeTools) ServerName() string { return "fake" }

func (f *fakeTools) CallTool(_ context.Context, toolName string, _ map[string]any) (any, error) {
	f.mu.Lock()
	f.calls[toolName]++
	f.mu.Unlock()

	switch toolName {
	case "get_account_by_email":
		return f.account, nil
	case "get_last_transactions":
		return []any{map[string]any{"id": "tx-1", "amount": -120.0}}, nil
	case "get_beneficiaries":
		return []any{map[string]any{"name": "Apichat"}}, nil
	case "get_account_limits":
		return map[string]any{"daily_transfer": 100000.0}, nil
	}
	return nil, nil
}

func (f *fakeTools) count(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[tool]
}

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), ttl)
	require.NoError(t, err)
	return m
}

func toolSet(f *fakeTools) ToolSet {
	return ToolSet{Accounts: f, Transactions: f, Payments: f}
}

func TestInitializeAndGet(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	tools := newFakeTools()

	entry, err := m.Initialize(context.Background(), "cust-1", "user@example.com", toolSet(tools))
	require.NoError(t, err)
	assert.Equal(t, "cust-1", entry.CustomerID)

	balance := m.Get("cust-1", "balance")
	assert.Equal(t, 89850.00, balance)

	// The classifier's "transactions" data type maps onto the stored key.
	assert.NotNil(t, m.Get("cust-1", "transactions"))
	assert.NotNil(t, m.Get("cust-1", "beneficiaries"))
	assert.NotNil(t, m.Get("cust-1", "limits"))
	assert.NotNil(t, m.Get("cust-1", "account_details"))

	assert.Nil(t, m.Get("cust-1", "unknown_key"))
	assert.Nil(t, m.Get("other-customer", "balance"))
}

func TestGetTTLBoundary(t *testing.T) {
	m := newTestManager(t, 300*time.Second)
	tools := newFakeTools()

	_, err := m.Initialize(context.Background(), "cust-1", "user@example.com", toolSet(tools))
	require.NoError(t, err)

	base := time.Now()
	m.now = func() time.Time { return base.Add(299 * time.Second) }
	assert.NotNil(t, m.Get("cust-1", "balance"), "just inside the TTL is a hit")

	m.now = func() time.Time { return base.Add(301 * time.Second) }
	assert.Nil(t, m.Get("cust-1", "balance"), "just past the TTL is a miss")
}

func TestZeroBalanceIsAMiss(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	tools := newFakeTools()
	tools.account["balance"] = 0.0

	_, err := m.Initialize(context.Background(), "cust-1", "user@example.com", toolSet(tools))
	require.NoError(t, err)

	assert.Nil(t, m.Get("cust-1", "balance"))
	// Other keys are unaffected by the balance sentinel.
	assert.NotNil(t, m.Get("cust-1", "account_details"))
}

func TestConcurrentInitializationsCoalesce(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	tools := newFakeTools()

	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Initialize(context.Background(), "cust-1", "user@example.com", toolSet(tools)); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 1, tools.count("get_account_by_email"),
		"concurrent initializations for one customer must issue one set of tool calls")
	assert.Equal(t, 1, tools.count("get_beneficiaries"))
}

func TestUpdateMergesAndRefreshes(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	tools := newFakeTools()

	_, err := m.Initialize(context.Background(), "cust-1", "user@example.com", toolSet(tools))
	require.NoError(t, err)

	require.NoError(t, m.Update("cust-1", map[string]any{"balance": 120.5}))
	assert.Equal(t, 120.5, m.Get("cust-1", "balance"))
	assert.NotNil(t, m.Get("cust-1", "limits"), "untouched keys survive a merge")
}

func TestInvalidate(t *testing.T) {
	m := newTestManager(t, 5*time.Minute)
	tools := newFakeTools()

	_, err := m.Initialize(context.Background(), "cust-1", "user@example.com", toolSet(tools))
	require.NoError(t, err)

	require.NoError(t, m.Invalidate("cust-1"))
	assert.Nil(t, m.Get("cust-1", "balance"))

	// Invalidating a missing snapshot is not an error.
	require.NoError(t, m.Invalidate("cust-1"))
}

func TestCleanupOld(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, 5*time.Minute)
	require.NoError(t, err)

	tools := newFakeTools()
	_, err = m.Initialize(context.Background(), "cust-1", "user@example.com", toolSet(tools))
	require.NoError(t, err)
	require.NoError(t, m.Update("cust-1", map[string]any{"balance": 1.0}))

	// Age the snapshot file past the cleanup threshold.
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(m.pathFor("cust-1"), old, old))

	require.NoError(t, m.CleanupOld(time.Hour))
	assert.Nil(t, m.Get("cust-1", "balance"))

	// The per-customer lock goes with the snapshot.
	m.mu.Lock()
	_, held := m.locks["cust-1"]
	m.mu.Unlock()
	assert.False(t, held)
}
