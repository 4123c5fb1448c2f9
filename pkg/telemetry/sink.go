// Package telemetry emits the fabric's structured analytics events:
// user turns, routing decisions, triage rule matches, tool invocations,
// errors and compliance audit records.
package telemetry

import (
	"context"
	"time"
)

// Event categories. Each category has a required payload shape; the file
// sink writes one newline-delimited JSON file per day per category.
const (
	CategoryUserMessage    = "user_message"
	CategoryAgentDecision  = "agent_decision"
	CategoryTriageRule     = "triage_rule_match"
	CategoryToolInvocation = "tool_invocation"
	CategoryError          = "error"
	CategoryAudit          = "audit"
)

// UserMessageEvent records one completed user turn.
type UserMessageEvent struct {
	TS              time.Time `json:"ts"`
	SessionID       string    `json:"session_id"`
	CustomerID      string    `json:"customer_id"`
	Query           string    `json:"query"`
	ResponsePreview string    `json:"response_preview"`
	DurationS       float64   `json:"duration_s"`
}

// AgentDecisionEvent records one routing decision and its outcome.
type AgentDecisionEvent struct {
	TS              time.Time      `json:"ts"`
	Agent           string         `json:"agent"`
	SessionID       string         `json:"session_id"`
	UserQuery       string         `json:"user_query"`
	TriageRule      string         `json:"triage_rule"`
	Reasoning       string         `json:"reasoning"`
	ToolsConsidered []string       `json:"tools_considered"`
	ToolsInvoked    []string       `json:"tools_invoked"`
	ResultStatus    string         `json:"result_status"`
	DurationS       float64        `json:"duration_s"`
	Context         map[string]any `json:"context,omitempty"`
}

// TriageRuleEvent records a symbolic triage rule firing.
type TriageRuleEvent struct {
	TS          time.Time `json:"ts"`
	RuleName    string    `json:"rule_name"`
	TargetAgent string    `json:"target_agent"`
	Confidence  float64   `json:"confidence"`
	Query       string    `json:"query"`
}

// ToolInvocationEvent records a downstream tool call (sanitized params).
type ToolInvocationEvent struct {
	TS            time.Time      `json:"ts"`
	Tool          string         `json:"tool"`
	Agent         string         `json:"agent"`
	Params        map[string]any `json:"params"`
	ResultSummary string         `json:"result_summary"`
}

// ErrorEvent records an operational error.
type ErrorEvent struct {
	TS      time.Time      `json:"ts"`
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Sink receives structured events. Implementations must be safe for
// concurrent use; emission failures must never propagate to callers.
type Sink interface {
	UserMessage(ctx context.Context, ev UserMessageEvent)
	AgentDecision(ctx context.Context, ev AgentDecisionEvent)
	TriageRule(ctx context.Context, ev TriageRuleEvent)
	ToolInvocation(ctx context.Context, ev ToolInvocationEvent)
	Error(ctx context.Context, ev ErrorEvent)

	// Audit receives compliance audit records (see pkg/mcp).
	Audit(ctx context.Context, record any)
}

// Nop is a Sink that discards everything. Useful in tests.
type Nop struct{}

func (Nop) UserMessage(context.Context, UserMessageEvent)       {}
func (Nop) AgentDecision(context.Context, AgentDecisionEvent)   {}
func (Nop) TriageRule(context.Context, TriageRuleEvent)         {}
func (Nop) ToolInvocation(context.Context, ToolInvocationEvent) {}
func (Nop) Error(context.Context, ErrorEvent)                   {}
func (Nop) Audit(context.Context, any)                          {}

var _ Sink = Nop{}
