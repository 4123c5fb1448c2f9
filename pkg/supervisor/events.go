// Package supervisor is the front door of the fabric: it classifies each
// customer turn, serves cache hits directly, and otherwise dispatches the
// turn to exactly one specialist agent over A2A while streaming progress
// events back to the client.
package supervisor

import "time"

// Progress step names, in the only order they may appear within a turn.
const (
	StepAnalyzing     = "analyzing"
	StepCheckingCache = "checking_cache"
	StepContinuation  = "continuation"
	StepRouting       = "routing"
	StepAgentSelected = "agent_selected"
	StepMCPTools      = "mcp_tools_invoked"
	StepGatheringData = "gathering_data"
	StepGenerating    = "generating"
)

// stepOrder fixes the relative order of progress steps; a turn emits a
// subsequence of this list.
var stepOrder = []string{
	StepAnalyzing,
	StepCheckingCache,
	StepContinuation,
	StepRouting,
	StepAgentSelected,
	StepMCPTools,
	StepGatheringData,
	StepGenerating,
}

// Progress statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// ThinkingEvent is one progress event on the turn stream.
type ThinkingEvent struct {
	Type      string  `json:"type"`
	Step      string  `json:"step"`
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	AgentName string  `json:"agent_name,omitempty"`
	Timestamp string  `json:"timestamp"`
	Duration  float64 `json:"duration,omitempty"`
}

// NewThinking builds a progress event stamped with the current time.
func NewThinking(step, status, message string) ThinkingEvent {
	return ThinkingEvent{
		Type:      "thinking",
		Step:      step,
		Status:    status,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Emitter receives the turn's output as it is produced. The HTTP edge
// translates it to SSE; tests collect it.
type Emitter interface {
	Thinking(ev ThinkingEvent)
	Chunk(content string)
}

// NopEmitter discards everything; used for non-streaming turns where only
// the final result matters.
type NopEmitter struct{}

func (NopEmitter) Thinking(ThinkingEvent) {}
func (NopEmitter) Chunk(string)           {}
