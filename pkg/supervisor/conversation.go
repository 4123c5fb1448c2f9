package supervisor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// CONVERSATION STATE
// Sessions are keyed by (customer_id, session_id) with a secondary index by
// customer, because the front-end may mint fresh thread ids between turns
// and a follow-up "yes" still has to find the active agent.
// ============================================================================

// StoredMessage is one message in a session's history.
type StoredMessage struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	TS      time.Time `json:"ts"`
}

// Session is one customer conversation.
type Session struct {
	SessionID  string
	CustomerID string

	// ActiveAgent is the agent a short affirmation continues with.
	ActiveAgent    string
	ActiveEndpoint string

	Messages  []StoredMessage
	CreatedAt time.Time
	UpdatedAt time.Time
	Ended     bool
}

// ActiveAgentRef locates the agent a customer's continuation should reach.
type ActiveAgentRef struct {
	AgentName string
	Endpoint  string
	SessionID string
}

// ConversationStore holds sessions in memory and appends every turn to a
// durable NDJSON log.
type ConversationStore struct {
	logger *slog.Logger

	mu         sync.RWMutex
	sessions   map[string]*Session
	byCustomer map[string]string // customer_id -> most recent session with an active agent

	logMu   sync.Mutex
	logFile *os.File

	// now is injectable for tests.
	now func() time.Time
}

// NewConversationStore creates the store. logDir may be empty to disable the
// durable turn log.
func NewConversationStore(logDir string) (*ConversationStore, error) {
	s := &ConversationStore{
		logger:     slog.Default(),
		sessions:   make(map[string]*Session),
		byCustomer: make(map[string]string),
		now:        time.Now,
	}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create conversation log directory: %w", err)
		}
		path := filepath.Join(logDir, "conversations.ndjson")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open conversation log: %w", err)
		}
		s.logFile = f
	}
	return s, nil
}

// Close closes the durable log.
func (s *ConversationStore) Close() error {
	if s.logFile == nil {
		return nil
	}
	return s.logFile.Close()
}

// CreateSession mints a new session for the customer and indexes it.
func (s *ConversationStore) CreateSession(customerID string) string {
	now := s.now().UTC()
	session := &Session{
		SessionID:  uuid.NewString(),
		CustomerID: customerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
	return session.SessionID
}

// Get returns the session, or nil if unknown.
func (s *ConversationStore) Get(sessionID string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// Ensure returns the session, creating it under the supplied id when the
// front-end minted its own thread id.
func (s *ConversationStore) Ensure(customerID, sessionID string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[sessionID]; ok {
		return session
	}
	now := s.now().UTC()
	session := &Session{
		SessionID:  sessionID,
		CustomerID: customerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.sessions[sessionID] = session
	return session
}

// SetActiveAgent binds the session to an agent for continuations and
// refreshes the customer index.
func (s *ConversationStore) SetActiveAgent(sessionID, agentName, endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	session.ActiveAgent = agentName
	session.ActiveEndpoint = endpoint
	session.UpdatedAt = s.now().UTC()
	s.byCustomer[session.CustomerID] = sessionID
}

// ActiveAgent returns the continuation target for the session, falling back
// to the customer's most recent session when the session itself has none.
func (s *ConversationStore) ActiveAgent(customerID, sessionID string) (ActiveAgentRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if session, ok := s.sessions[sessionID]; ok && session.ActiveAgent != "" && !session.Ended {
		return ActiveAgentRef{
			AgentName: session.ActiveAgent,
			Endpoint:  session.ActiveEndpoint,
			SessionID: session.SessionID,
		}, true
	}

	recentID, ok := s.byCustomer[customerID]
	if !ok {
		return ActiveAgentRef{}, false
	}
	session, ok := s.sessions[recentID]
	if !ok || session.ActiveAgent == "" || session.Ended {
		return ActiveAgentRef{}, false
	}
	return ActiveAgentRef{
		AgentName: session.ActiveAgent,
		Endpoint:  session.ActiveEndpoint,
		SessionID: session.SessionID,
	}, true
}

// AddMessage appends a message to the session's history.
func (s *ConversationStore) AddMessage(sessionID, role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	session.Messages = append(session.Messages, StoredMessage{
		Role:    role,
		Content: content,
		TS:      s.now().UTC(),
	})
	session.UpdatedAt = s.now().UTC()
}

// History returns a copy of the session's message history.
func (s *ConversationStore) History(sessionID string) []StoredMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]StoredMessage, len(session.Messages))
	copy(out, session.Messages)
	return out
}

// EndSession marks the session finished; continuations no longer find it.
func (s *ConversationStore) EndSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	session.Ended = true
	session.ActiveAgent = ""
	session.ActiveEndpoint = ""
	session.UpdatedAt = s.now().UTC()
}

// Sweep removes ended sessions and sessions idle for longer than maxAge,
// returning the removed ids so callers can drop their own per-session
// state. The NDJSON turn log is unaffected.
func (s *ConversationStore) Sweep(maxAge time.Duration) []string {
	cutoff := s.now().UTC().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, session := range s.sessions {
		if !session.Ended && !session.UpdatedAt.Before(cutoff) {
			continue
		}
		delete(s.sessions, id)
		if s.byCustomer[session.CustomerID] == id {
			delete(s.byCustomer, session.CustomerID)
		}
		removed = append(removed, id)
	}
	return removed
}

// turnRecord is one durable Q&A log line.
type turnRecord struct {
	TS         time.Time `json:"ts"`
	SessionID  string    `json:"session_id"`
	CustomerID string    `json:"customer_id"`
	Agent      string    `json:"agent,omitempty"`
	Question   string    `json:"question"`
	Answer     string    `json:"answer"`
}

// LogTurn appends one completed turn to the durable log. Failures are
// logged, never propagated.
func (s *ConversationStore) LogTurn(sessionID, customerID, agent, question, answer string) {
	if s.logFile == nil {
		return
	}
	line, err := json.Marshal(turnRecord{
		TS:         s.now().UTC(),
		SessionID:  sessionID,
		CustomerID: customerID,
		Agent:      agent,
		Question:   question,
		Answer:     answer,
	})
	if err != nil {
		s.logger.Warn("failed to encode turn record", "error", err)
		return
	}

	s.logMu.Lock()
	defer s.logMu.Unlock()
	if _, err := s.logFile.Write(append(line, '\n')); err != nil {
		s.logger.Warn("failed to append turn record", "error", err)
	}
}
