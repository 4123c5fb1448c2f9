package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/finvault/fabric/pkg/a2a"
	"github.com/finvault/fabric/pkg/llm"
	"github.com/finvault/fabric/pkg/telemetry"
)

// ============================================================================
// SUPERVISOR ROUTER
// One turn: bootstrap the session, check continuation, try the cache, pick
// an agent (keywords first, LLM on low confidence), dispatch over A2A, and
// stream the reply with ordered progress events.
// ============================================================================

// ErrBusy is returned when the router is at its concurrent-turn limit.
var ErrBusy = errors.New("supervisor at capacity")

// IntentProcessMessage is the A2A intent for forwarding a customer turn.
const IntentProcessMessage = "process_message"

const emailPrefixFormat = "my username is %s, %s"

// Session sweep tuning for RunCleanup.
const (
	DefaultSessionSweepInterval = time.Hour
	DefaultSessionMaxAge        = 24 * time.Hour
)

// agentCapabilities maps routing agent names to the registry capability
// used to discover them.
var agentCapabilities = map[string]string{
	llm.AgentPayment:     "payments",
	llm.AgentTransaction: "transactions",
	llm.AgentAccount:     "accounts",
	llm.AgentProductInfo: "product_info",
	llm.AgentMoneyCoach:  "financial_advice",
	llm.AgentEscalation:  "escalation",
}

// Agents that reach downstream tool servers; their progress shows as tool
// invocation rather than plain data gathering.
var toolUsingAgents = map[string]bool{
	llm.AgentPayment:     true,
	llm.AgentTransaction: true,
	llm.AgentAccount:     true,
}

// cachePseudoAgent attributes a cache-served answer to the agent that would
// have produced it live, so the UI renders it consistently.
var cachePseudoAgent = map[string]string{
	"balance":         llm.AgentAccount,
	"account_details": llm.AgentAccount,
	"limits":          llm.AgentAccount,
	"transactions":    llm.AgentTransaction,
	"beneficiaries":   llm.AgentPayment,
}

// Sender dispatches one A2A exchange. The a2a client implements it.
type Sender interface {
	Send(ctx context.Context, req a2a.SendRequest) (*a2a.Response, error)
}

// CacheReader is the read side of the per-customer cache.
type CacheReader interface {
	Get(customerID, key string) any
}

// Classifier is the LLM fallback for cache and routing decisions.
type Classifier interface {
	ClassifyForCache(ctx context.Context, query string) llm.CacheDecision
	ClassifyForRouting(ctx context.Context, query string) string
}

// CacheFormatter renders a cache hit into a customer answer.
type CacheFormatter interface {
	FormatCachedData(ctx context.Context, dataType string, value any, query string) string
}

// TurnMessage is one message in the client's request.
type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnRequest is one customer turn.
type TurnRequest struct {
	CustomerID string
	Email      string
	SessionID  string
	Messages   []TurnMessage
}

// TurnResult is the completed turn.
type TurnResult struct {
	SessionID string
	Content   string
	Agent     string
}

// RouterConfig tunes the router.
type RouterConfig struct {
	// MaxConcurrentTurns bounds in-flight turns; beyond it callers get
	// ErrBusy instead of queueing.
	MaxConcurrentTurns int
}

// Router is the supervisor's turn engine.
type Router struct {
	conversations *ConversationStore
	cache         CacheReader
	classifier    Classifier
	formatter     CacheFormatter
	sender        Sender
	sink          telemetry.Sink
	logger        *slog.Logger

	slots chan struct{}

	mu       sync.Mutex
	sessions map[string]*sync.Mutex

	// now is injectable for tests.
	now func() time.Time
}

// NewRouter wires the turn engine.
func NewRouter(conversations *ConversationStore, cache CacheReader, classifier Classifier, formatter CacheFormatter, sender Sender, sink telemetry.Sink, cfg RouterConfig) *Router {
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = 64
	}
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &Router{
		conversations: conversations,
		cache:         cache,
		classifier:    classifier,
		formatter:     formatter,
		sender:        sender,
		sink:          sink,
		logger:        slog.Default(),
		slots:         make(chan struct{}, cfg.MaxConcurrentTurns),
		sessions:      make(map[string]*sync.Mutex),
		now:           time.Now,
	}
}

// HandleTurn runs one customer turn, emitting progress and content on the
// emitter. Internal failures become a user-visible apology, never an error;
// only capacity exhaustion and cancellation are returned as errors.
func (r *Router) HandleTurn(ctx context.Context, req TurnRequest, emit Emitter) (*TurnResult, error) {
	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	default:
		return nil, ErrBusy
	}

	var sessionID string
	if req.SessionID == "" {
		sessionID = r.conversations.CreateSession(req.CustomerID)
	} else {
		sessionID = r.conversations.Ensure(req.CustomerID, req.SessionID).SessionID
	}

	// Turns within a session are strictly serialized.
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	query := lastUserMessage(req.Messages)
	started := r.now()

	result, err := r.runTurn(ctx, req, sessionID, query, emit)
	if err != nil {
		return nil, err
	}

	r.sink.UserMessage(ctx, telemetry.UserMessageEvent{
		SessionID:       sessionID,
		CustomerID:      req.CustomerID,
		Query:           query,
		ResponsePreview: preview(result.Content),
		DurationS:       r.now().Sub(started).Seconds(),
	})
	return result, nil
}

func (r *Router) runTurn(ctx context.Context, req TurnRequest, sessionID, query string, emit Emitter) (*TurnResult, error) {
	emit.Thinking(NewThinking(StepAnalyzing, StatusInProgress, "Analyzing your request"))
	emit.Thinking(NewThinking(StepAnalyzing, StatusCompleted, ""))

	// A short affirmation continues with the session's active agent,
	// bypassing cache and classification entirely.
	if IsContinuation(query) {
		if ref, ok := r.conversations.ActiveAgent(req.CustomerID, sessionID); ok {
			ev := NewThinking(StepContinuation, StatusCompleted, "Continuing with "+ref.AgentName)
			ev.AgentName = ref.AgentName
			emit.Thinking(ev)
			return r.dispatch(ctx, req, sessionID, query, ref.AgentName, "continuation", emit)
		}
	}

	if IsEscalation(query) {
		r.sink.TriageRule(ctx, telemetry.TriageRuleEvent{
			RuleName:    "escalation_phrase",
			TargetAgent: llm.AgentEscalation,
			Confidence:  1,
			Query:       query,
		})
		return r.routeAndDispatch(ctx, req, sessionID, query, llm.AgentEscalation, "escalation_phrase", emit)
	}

	// Knowledge-only queries skip the cache and force their path.
	switch {
	case WantsAdvice(query):
		return r.routeAndDispatch(ctx, req, sessionID, query, llm.AgentMoneyCoach, "advice_keywords", emit)
	case WantsProductInfo(query):
		return r.routeAndDispatch(ctx, req, sessionID, query, llm.AgentProductInfo, "product_keywords", emit)
	}

	if !HasWriteIntent(query) {
		if result, served := r.tryCache(ctx, req, sessionID, query, emit); served {
			return result, nil
		}
	}

	emit.Thinking(NewThinking(StepRouting, StatusInProgress, "Selecting the right agent"))

	agent, rule := r.classify(ctx, query)
	emit.Thinking(NewThinking(StepRouting, StatusCompleted, ""))
	return r.dispatchSelected(ctx, req, sessionID, query, agent, rule, emit)
}

// classify picks an agent: keyword scores when confident, LLM otherwise.
func (r *Router) classify(ctx context.Context, query string) (agent, rule string) {
	score := ScoreKeywords(query)
	if score.Confident() {
		r.sink.TriageRule(ctx, telemetry.TriageRuleEvent{
			RuleName:    "keyword_score",
			TargetAgent: score.Agent,
			Confidence:  float64(score.Score),
			Query:       query,
		})
		return score.Agent, "keyword_score"
	}
	return r.classifier.ClassifyForRouting(ctx, query), "llm_classifier"
}

// routeAndDispatch emits the routing events for a forced path and hands off.
func (r *Router) routeAndDispatch(ctx context.Context, req TurnRequest, sessionID, query, agent, rule string, emit Emitter) (*TurnResult, error) {
	emit.Thinking(NewThinking(StepRouting, StatusInProgress, "Selecting the right agent"))
	emit.Thinking(NewThinking(StepRouting, StatusCompleted, ""))
	return r.dispatchSelected(ctx, req, sessionID, query, agent, rule, emit)
}

func (r *Router) dispatchSelected(ctx context.Context, req TurnRequest, sessionID, query, agent, rule string, emit Emitter) (*TurnResult, error) {
	ev := NewThinking(StepAgentSelected, StatusCompleted, "Routing to "+agent)
	ev.AgentName = agent
	emit.Thinking(ev)
	return r.dispatch(ctx, req, sessionID, query, agent, rule, emit)
}

// tryCache runs the cache probe. Returns the served result and true when
// the turn was fully answered from the cache.
func (r *Router) tryCache(ctx context.Context, req TurnRequest, sessionID, query string, emit Emitter) (*TurnResult, bool) {
	emit.Thinking(NewThinking(StepCheckingCache, StatusInProgress, "Checking your cached data"))

	decision := r.classifier.ClassifyForCache(ctx, query)
	if !decision.CanUseCache {
		emit.Thinking(NewThinking(StepCheckingCache, StatusCompleted, "miss"))
		return nil, false
	}

	value := r.cache.Get(req.CustomerID, decision.DataType)
	if value == nil {
		emit.Thinking(NewThinking(StepCheckingCache, StatusCompleted, "miss"))
		return nil, false
	}
	emit.Thinking(NewThinking(StepCheckingCache, StatusCompleted, "hit"))

	// Synthetic routing event so the UI can attribute the answer.
	pseudo := cachePseudoAgent[decision.DataType]
	if pseudo == "" {
		pseudo = llm.AgentAccount
	}
	routed := NewThinking(StepRouting, StatusCompleted, "Served from cache")
	routed.AgentName = pseudo
	emit.Thinking(routed)

	emit.Thinking(NewThinking(StepGenerating, StatusInProgress, ""))
	content := r.formatter.FormatCachedData(ctx, decision.DataType, value, query)
	r.stream(ctx, content, emit)
	emit.Thinking(NewThinking(StepGenerating, StatusCompleted, ""))

	r.conversations.AddMessage(sessionID, "user", query)
	r.conversations.AddMessage(sessionID, "assistant", content)
	r.conversations.LogTurn(sessionID, req.CustomerID, pseudo, query, content)
	r.sink.AgentDecision(ctx, telemetry.AgentDecisionEvent{
		Agent:        pseudo,
		SessionID:    sessionID,
		UserQuery:    query,
		TriageRule:   "cache_hit",
		Reasoning:    decision.Reasoning,
		ResultStatus: "success",
		Context:      map[string]any{"data_type": decision.DataType},
	})
	return &TurnResult{SessionID: sessionID, Content: content, Agent: pseudo}, true
}

// dispatch sends the turn to the selected agent and streams its reply.
func (r *Router) dispatch(ctx context.Context, req TurnRequest, sessionID, query, agent, rule string, emit Emitter) (*TurnResult, error) {
	capability, ok := agentCapabilities[agent]
	if !ok {
		capability = agentCapabilities[llm.AgentAccount]
		agent = llm.AgentAccount
	}

	message := query
	history := r.forwardHistory(sessionID)
	if agent == llm.AgentPayment {
		// The payment agent authenticates the caller from the message
		// text itself, so the supervisor injects the user's email.
		message = prependEmail(message, req.Email)
		for i, h := range history {
			if h["role"] == "user" {
				history[i]["content"] = prependEmail(h["content"].(string), req.Email)
			}
		}
	}

	dataStep := StepGatheringData
	if toolUsingAgents[agent] {
		dataStep = StepMCPTools
	}
	emit.Thinking(NewThinking(dataStep, StatusInProgress, "Contacting "+agent))

	started := r.now()
	resp, err := r.sender.Send(ctx, a2a.SendRequest{
		Capability: capability,
		Intent:     IntentProcessMessage,
		Payload: map[string]any{
			"message":     message,
			"history":     history,
			"session_id":  sessionID,
			"customer_id": req.CustomerID,
		},
	})
	duration := r.now().Sub(started)

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		emit.Thinking(NewThinking(dataStep, StatusCompleted, ""))
		content := r.failureMessage(agent, err)
		r.sink.Error(ctx, telemetry.ErrorEvent{
			Type:    "dispatch_failure",
			Message: err.Error(),
			Details: map[string]any{"agent": agent, "session_id": sessionID},
		})
		r.sink.AgentDecision(ctx, telemetry.AgentDecisionEvent{
			Agent:        agent,
			SessionID:    sessionID,
			UserQuery:    query,
			TriageRule:   rule,
			ResultStatus: "error",
			DurationS:    duration.Seconds(),
		})
		r.emitAnswer(ctx, content, emit)
		r.conversations.AddMessage(sessionID, "user", query)
		r.conversations.AddMessage(sessionID, "assistant", content)
		r.conversations.LogTurn(sessionID, req.CustomerID, agent, query, content)
		return &TurnResult{SessionID: sessionID, Content: content, Agent: agent}, nil
	}

	completed := NewThinking(dataStep, StatusCompleted, "")
	completed.Duration = duration.Seconds()
	emit.Thinking(completed)

	content := replyText(resp)
	r.emitAnswer(ctx, content, emit)

	r.conversations.AddMessage(sessionID, "user", query)
	r.conversations.AddMessage(sessionID, "assistant", content)
	r.conversations.SetActiveAgent(sessionID, agent, capability)
	r.conversations.LogTurn(sessionID, req.CustomerID, agent, query, content)
	r.sink.AgentDecision(ctx, telemetry.AgentDecisionEvent{
		Agent:        agent,
		SessionID:    sessionID,
		UserQuery:    query,
		TriageRule:   rule,
		ResultStatus: string(resp.Status),
		DurationS:    duration.Seconds(),
	})
	return &TurnResult{SessionID: sessionID, Content: content, Agent: agent}, nil
}

func (r *Router) emitAnswer(ctx context.Context, content string, emit Emitter) {
	emit.Thinking(NewThinking(StepGenerating, StatusInProgress, ""))
	r.stream(ctx, content, emit)
	emit.Thinking(NewThinking(StepGenerating, StatusCompleted, ""))
}

// stream emits the answer word by word, stopping at cancellation.
func (r *Router) stream(ctx context.Context, content string, emit Emitter) {
	words := strings.Fields(content)
	for i, word := range words {
		if ctx.Err() != nil {
			return
		}
		if i < len(words)-1 {
			word += " "
		}
		emit.Chunk(word)
	}
}

// failureMessage maps a dispatch failure to the customer-facing apology.
// Payment failures must say that no funds moved.
func (r *Router) failureMessage(agent string, err error) string {
	var msg string
	switch {
	case errors.Is(err, a2a.ErrCircuitOpen):
		msg = "I'm sorry, that service is temporarily unavailable. Please try again in a minute."
	case errors.Is(err, a2a.ErrNoAgent):
		msg = "I'm sorry, that service is unavailable right now. Please try again later."
	default:
		msg = "I'm sorry, something went wrong while handling your request. Please try again."
	}
	if agent == llm.AgentPayment {
		msg += " No funds have been moved."
	}
	return msg
}

func (r *Router) forwardHistory(sessionID string) []map[string]any {
	stored := r.conversations.History(sessionID)
	history := make([]map[string]any, 0, len(stored))
	for _, m := range stored {
		history = append(history, map[string]any{
			"role":    m.Role,
			"content": m.Content,
		})
	}
	return history
}

// sweepSessions drops ended and idle conversations together with their
// turn locks, keeping both maps bounded.
func (r *Router) sweepSessions(maxAge time.Duration) {
	removed := r.conversations.Sweep(maxAge)
	if len(removed) == 0 {
		return
	}
	r.mu.Lock()
	for _, id := range removed {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	r.logger.Debug("swept idle sessions", "count", len(removed))
}

// RunCleanup sweeps idle sessions every interval until ctx is cancelled.
func (r *Router) RunCleanup(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultSessionSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultSessionMaxAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepSessions(maxAge)
		}
	}
}

func (r *Router) sessionLock(sessionID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.sessions[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		r.sessions[sessionID] = lock
	}
	return lock
}

// prependEmail injects the email marker once; a message already carrying it
// is returned unchanged.
func prependEmail(content, email string) string {
	if email == "" || strings.HasPrefix(content, "my username is ") {
		return content
	}
	return fmt.Sprintf(emailPrefixFormat, email, content)
}

// replyText extracts the agent's answer from an A2A response payload.
func replyText(resp *a2a.Response) string {
	for _, key := range []string{"message", "content", "response", "answer"} {
		if text, ok := resp.Response[key].(string); ok && text != "" {
			return text
		}
	}
	if len(resp.Response) == 0 {
		return ""
	}
	encoded, err := json.Marshal(resp.Response)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func lastUserMessage(messages []TurnMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}

func preview(content string) string {
	const max = 120
	if len(content) <= max {
		return content
	}
	return content[:max] + "…"
}
