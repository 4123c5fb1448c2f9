// Package a2a implements the Agent-to-Agent (A2A) message protocol used
// between the supervisor and specialist agents: the JSON envelope, the
// HTTP+JSON transport client with retries and circuit breaking, and the
// server side of the invoke endpoint.
package a2a

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// PROTOCOL VERSION
// ============================================================================

const (
	ProtocolVersion = "1.0"

	// InvokePath is the conventional path an agent serves A2A requests on.
	InvokePath = "/a2a/invoke"
)

// ============================================================================
// AGENT IDENTITY
// ============================================================================

// AgentIdentifier identifies an agent on the wire. AgentID is the opaque
// registry-assigned identifier; AgentName is a human label and not unique.
type AgentIdentifier struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name,omitempty"`
}

// ============================================================================
// MESSAGE ENVELOPE
// ============================================================================

// Priority of a message.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Message is the A2A request envelope.
type Message struct {
	MessageID       string          `json:"message_id"`
	CorrelationID   string          `json:"correlation_id,omitempty"`
	ProtocolVersion string          `json:"protocol_version"`
	Timestamp       time.Time       `json:"timestamp"`
	Source          AgentIdentifier `json:"source"`
	Target          AgentIdentifier `json:"target"`
	Intent          string          `json:"intent"`
	Payload         map[string]any  `json:"payload"`
	Metadata        MessageMetadata `json:"metadata"`
}

// MessageMetadata carries delivery hints. Unknown fields in incoming
// metadata are tolerated (forward compatibility).
type MessageMetadata struct {
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	RetryCount     int      `json:"retry_count,omitempty"`
	TraceID        string   `json:"trace_id,omitempty"`
	SpanID         string   `json:"span_id,omitempty"`
	Priority       Priority `json:"priority,omitempty"`
}

// NewMessage builds an envelope with a fresh message id and timestamp.
func NewMessage(source, target AgentIdentifier, intent string, payload map[string]any) *Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Message{
		MessageID:       uuid.NewString(),
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UTC(),
		Source:          source,
		Target:          target,
		Intent:          intent,
		Payload:         payload,
		Metadata: MessageMetadata{
			Priority: PriorityNormal,
		},
	}
}

// ============================================================================
// RESPONSE ENVELOPE
// ============================================================================

// ResponseStatus is the terminal status of an A2A exchange.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusError   ResponseStatus = "error"
	StatusTimeout ResponseStatus = "timeout"
)

// Response is the A2A response envelope. CorrelationID always carries the
// request's message id.
type Response struct {
	MessageID     string           `json:"message_id"`
	CorrelationID string           `json:"correlation_id"`
	Status        ResponseStatus   `json:"status"`
	Response      map[string]any   `json:"response,omitempty"`
	Error         *ErrorDetail     `json:"error,omitempty"`
	Metadata      ResponseMetadata `json:"metadata"`
}

// ErrorDetail is the structured error block of a failed exchange.
type ErrorDetail struct {
	Code              string         `json:"code"`
	Message           string         `json:"message"`
	Details           map[string]any `json:"details,omitempty"`
	RetryAfterSeconds int            `json:"retry_after_seconds,omitempty"`
}

// ResponseMetadata carries server-side execution information.
type ResponseMetadata struct {
	ProcessingTimeMS int64 `json:"processing_time_ms"`
}

// NewSuccessResponse builds a success response correlated to req.
func NewSuccessResponse(req *Message, result map[string]any) *Response {
	return &Response{
		MessageID:     uuid.NewString(),
		CorrelationID: req.MessageID,
		Status:        StatusSuccess,
		Response:      result,
	}
}

// NewErrorResponse builds an error response correlated to req.
func NewErrorResponse(req *Message, code, message string) *Response {
	return &Response{
		MessageID:     uuid.NewString(),
		CorrelationID: req.MessageID,
		Status:        StatusError,
		Error: &ErrorDetail{
			Code:    code,
			Message: message,
		},
	}
}

// ============================================================================
// CODEC
// ============================================================================

// ValidationError reports an envelope that fails protocol validation.
// Validation failures are protocol errors and are never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid a2a envelope: %s %s", e.Field, e.Reason)
}

// Validate checks the structural envelope invariants: source, target and
// intent must be present, and the protocol major version must match ours.
func (m *Message) Validate() error {
	if m.Source.AgentID == "" && m.Source.AgentName == "" {
		return &ValidationError{Field: "source", Reason: "is required"}
	}
	if m.Target.AgentID == "" && m.Target.AgentName == "" {
		return &ValidationError{Field: "target", Reason: "is required"}
	}
	if m.Intent == "" {
		return &ValidationError{Field: "intent", Reason: "is required"}
	}
	if !sameMajorVersion(m.ProtocolVersion, ProtocolVersion) {
		return &ValidationError{
			Field:  "protocol_version",
			Reason: fmt.Sprintf("%q is incompatible with %q", m.ProtocolVersion, ProtocolVersion),
		}
	}
	return nil
}

// EncodeMessage serializes an envelope after validating it.
func EncodeMessage(m *Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeMessage parses and validates an envelope. Unknown fields in payload
// and metadata are tolerated.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode a2a message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// DecodeResponse parses a response envelope.
func DecodeResponse(data []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode a2a response: %w", err)
	}
	return &r, nil
}

func sameMajorVersion(a, b string) bool {
	return majorOf(a) == majorOf(b)
}

func majorOf(version string) string {
	if version == "" {
		return ""
	}
	if idx := strings.Index(version, "."); idx >= 0 {
		return version[:idx]
	}
	return version
}
