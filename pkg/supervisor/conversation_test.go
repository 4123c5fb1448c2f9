package supervisor

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvault/fabric/pkg/llm"
)

func newTestStore(t *testing.T) *ConversationStore {
	t.Helper()
	s, err := NewConversationStore("")
	require.NoError(t, err)
	return s
}

func TestCreateAndEnsureSession(t *testing.T) {
	s := newTestStore(t)

	id := s.CreateSession("cust-1")
	require.NotEmpty(t, id)
	assert.Equal(t, "cust-1", s.Get(id).CustomerID)

	// Ensure with a known id returns the existing session.
	assert.Same(t, s.Get(id), s.Ensure("cust-1", id))

	// Ensure with a front-end-minted id creates under that id.
	session := s.Ensure("cust-1", "thread-abc")
	assert.Equal(t, "thread-abc", session.SessionID)
	assert.Same(t, session, s.Ensure("cust-1", "thread-abc"))
}

func TestHistoryIsACopy(t *testing.T) {
	s := newTestStore(t)
	id := s.CreateSession("cust-1")

	s.AddMessage(id, "user", "hello")
	s.AddMessage(id, "assistant", "hi there")

	history := s.History(id)
	require.Len(t, history, 2)
	history[0].Content = "mutated"
	assert.Equal(t, "hello", s.History(id)[0].Content)

	assert.Nil(t, s.History("unknown"))
}

func TestActiveAgentSameSession(t *testing.T) {
	s := newTestStore(t)
	id := s.CreateSession("cust-1")

	_, ok := s.ActiveAgent("cust-1", id)
	assert.False(t, ok, "a new session has no continuation target")

	s.SetActiveAgent(id, llm.AgentPayment, "payments")
	ref, ok := s.ActiveAgent("cust-1", id)
	require.True(t, ok)
	assert.Equal(t, llm.AgentPayment, ref.AgentName)
	assert.Equal(t, "payments", ref.Endpoint)
	assert.Equal(t, id, ref.SessionID)
}

func TestActiveAgentFallsBackToRecentSession(t *testing.T) {
	s := newTestStore(t)

	first := s.CreateSession("cust-1")
	s.SetActiveAgent(first, llm.AgentProductInfo, "product_info")

	// The follow-up arrives on a brand new thread id.
	fresh := s.Ensure("cust-1", "thread-2")
	ref, ok := s.ActiveAgent("cust-1", fresh.SessionID)
	require.True(t, ok)
	assert.Equal(t, llm.AgentProductInfo, ref.AgentName)
	assert.Equal(t, first, ref.SessionID)

	// Another customer never inherits the target.
	_, ok = s.ActiveAgent("cust-2", "thread-3")
	assert.False(t, ok)
}

func TestEndSessionClearsContinuation(t *testing.T) {
	s := newTestStore(t)
	id := s.CreateSession("cust-1")
	s.SetActiveAgent(id, llm.AgentPayment, "payments")

	s.EndSession(id)

	_, ok := s.ActiveAgent("cust-1", id)
	assert.False(t, ok)
	assert.True(t, s.Get(id).Ended)
}

func TestSweepRemovesEndedAndIdleSessions(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	idle := s.CreateSession("cust-1")
	s.SetActiveAgent(idle, llm.AgentPayment, "payments")

	ended := s.CreateSession("cust-2")
	s.EndSession(ended)

	// A day later a third session is still active.
	s.now = func() time.Time { return base.Add(24 * time.Hour) }
	fresh := s.CreateSession("cust-3")
	s.SetActiveAgent(fresh, llm.AgentAccount, "accounts")

	removed := s.Sweep(time.Hour)
	assert.ElementsMatch(t, []string{idle, ended}, removed)

	assert.Nil(t, s.Get(idle))
	assert.Nil(t, s.Get(ended))
	require.NotNil(t, s.Get(fresh))

	// The continuation index no longer points at swept sessions.
	_, ok := s.ActiveAgent("cust-1", "new-thread")
	assert.False(t, ok)
	_, ok = s.ActiveAgent("cust-3", fresh)
	assert.True(t, ok)
}

func TestLogTurnAppendsNDJSON(t *testing.T) {
	dir := t.TempDir()
	s, err := NewConversationStore(dir)
	require.NoError(t, err)
	defer s.Close()

	id := s.CreateSession("cust-1")
	s.LogTurn(id, "cust-1", llm.AgentAccount, "what is my balance?", "89,850.00 THB")
	s.LogTurn(id, "cust-1", llm.AgentAccount, "and my limits?", "100,000 THB daily")

	f, err := os.Open(filepath.Join(dir, "conversations.ndjson"))
	require.NoError(t, err)
	defer f.Close()

	var records []turnRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec turnRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, records, 2)
	assert.Equal(t, id, records[0].SessionID)
	assert.Equal(t, "what is my balance?", records[0].Question)
	assert.Equal(t, "89,850.00 THB", records[0].Answer)
	assert.Equal(t, llm.AgentAccount, records[1].Agent)
}
