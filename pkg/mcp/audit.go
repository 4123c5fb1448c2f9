package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/finvault/fabric/pkg/telemetry"
)

// ============================================================================
// COMPLIANCE AUDIT WRAPPER
// Every tool invocation is wrapped in an audit record before and after the
// call. Sensitive argument values are redacted before logging.
// ============================================================================

// Operation classification of a tool call, derived from the tool name.
const (
	OperationRead     = "read"
	OperationValidate = "validate"
	OperationExecute  = "execute"
	OperationGeneric  = "operation"
)

// Data scope classification of a tool call.
const (
	ScopeAccountData = "account_data"
	ScopeContactData = "contact_data"
	ScopePaymentData = "payment_data"
	ScopeGeneral     = "general"
)

// Compliance flags attached to audit records.
const (
	FlagPCIDSS          = "PCI_DSS"
	FlagGDPRPersonal    = "GDPR_PERSONAL_DATA"
	FlagHighValue       = "HIGH_VALUE_TRANSACTION"
	highValueThreshold  = 10_000.0
	redactedPlaceholder = "***REDACTED***"
)

// Result statuses of an audited call.
const (
	ResultSuccess   = "success"
	ResultError     = "error"
	ResultCancelled = "cancelled"
)

var sensitiveKeyMarkers = []string{
	"password", "token", "secret", "api_key", "auth", "credential",
}

// AuditRecord is one compliance audit entry per tool invocation.
type AuditRecord struct {
	Timestamp           time.Time      `json:"timestamp"`
	OperationType       string         `json:"operation_type"`
	MCPServer           string         `json:"mcp_server"`
	ToolName            string         `json:"tool_name"`
	UserID              string         `json:"user_id"`
	ThreadID            string         `json:"thread_id"`
	SanitizedParameters map[string]any `json:"sanitized_parameters"`
	DataAccessed        []string       `json:"data_accessed"`
	DataScope           string         `json:"data_scope"`
	ResultStatus        string         `json:"result_status"`
	DurationMS          int64          `json:"duration_ms"`
	ComplianceFlags     []string       `json:"compliance_flags"`
}

// AuditedClient wraps a ToolCaller with compliance auditing. The audit
// record is emitted on success and on failure; failures are re-raised.
type AuditedClient struct {
	inner ToolCaller
	sink  telemetry.Sink

	// PaymentServer marks the wrapped server as a payment server, which
	// forces the PCI_DSS flag on every call.
	paymentServer bool

	userID   string
	threadID string

	// now is injectable for tests.
	now func() time.Time
}

// NewAuditedClient wraps a tool client with audit logging.
func NewAuditedClient(inner ToolCaller, sink telemetry.Sink, paymentServer bool) *AuditedClient {
	return &AuditedClient{
		inner:         inner,
		sink:          sink,
		paymentServer: paymentServer,
		now:           time.Now,
	}
}

// ForUser returns a copy of the client bound to a user and thread for
// attribution in audit records.
func (c *AuditedClient) ForUser(userID, threadID string) *AuditedClient {
	clone := *c
	clone.userID = userID
	clone.threadID = threadID
	return &clone
}

// ServerName returns the wrapped server's name.
func (c *AuditedClient) ServerName() string { return c.inner.ServerName() }

// CallTool invokes the wrapped tool, measuring duration and emitting one
// audit record whatever the outcome.
func (c *AuditedClient) CallTool(ctx context.Context, toolName string, args map[string]any) (any, error) {
	started := c.now()

	result, err := c.inner.CallTool(ctx, toolName, args)
	duration := c.now().Sub(started)

	status := ResultSuccess
	switch {
	case errors.Is(err, context.Canceled):
		status = ResultCancelled
	case err != nil:
		status = ResultError
	}

	record := AuditRecord{
		Timestamp:           started.UTC(),
		OperationType:       ClassifyOperation(toolName),
		MCPServer:           c.inner.ServerName(),
		ToolName:            toolName,
		UserID:              c.userID,
		ThreadID:            c.threadID,
		SanitizedParameters: Sanitize(args),
		DataAccessed:        dataAccessed(toolName),
		DataScope:           ClassifyScope(toolName),
		ResultStatus:        status,
		DurationMS:          duration.Milliseconds(),
		ComplianceFlags:     c.complianceFlags(toolName, args),
	}
	c.sink.Audit(ctx, record)

	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClassifyOperation derives the audit operation type from the tool name.
func ClassifyOperation(toolName string) string {
	name := strings.ToLower(toolName)
	switch {
	case containsAny(name, "get", "read", "list"):
		return OperationRead
	case containsAny(name, "check", "validate"):
		return OperationValidate
	case containsAny(name, "execute", "transfer"):
		return OperationExecute
	default:
		return OperationGeneric
	}
}

// ClassifyScope derives the audit data scope from the tool name.
func ClassifyScope(toolName string) string {
	name := strings.ToLower(toolName)
	switch {
	case strings.Contains(name, "account"):
		return ScopeAccountData
	case strings.Contains(name, "beneficiary"):
		return ScopeContactData
	case containsAny(name, "transfer", "execute"):
		return ScopePaymentData
	default:
		return ScopeGeneral
	}
}

func (c *AuditedClient) complianceFlags(toolName string, args map[string]any) []string {
	var flags []string
	if c.paymentServer {
		flags = append(flags, FlagPCIDSS)
	}

	name := strings.ToLower(toolName)
	if strings.Contains(name, "account") || strings.Contains(name, "beneficiary") {
		flags = append(flags, FlagGDPRPersonal)
	}

	if amount, ok := amountOf(args); ok && amount > highValueThreshold {
		flags = append(flags, FlagHighValue)
	}
	return flags
}

func amountOf(args map[string]any) (float64, bool) {
	raw, ok := args["amount"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// Sanitize replaces the value of any key containing a sensitive marker
// (password, token, secret, api_key, auth, credential) with an opaque
// placeholder. Nested maps are sanitized recursively.
func Sanitize(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(args))
	for key, value := range args {
		if isSensitiveKey(key) {
			out[key] = redactedPlaceholder
			continue
		}
		if nested, ok := value.(map[string]any); ok {
			out[key] = Sanitize(nested)
			continue
		}
		out[key] = value
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func dataAccessed(toolName string) []string {
	switch ClassifyScope(toolName) {
	case ScopeAccountData:
		return []string{"account"}
	case ScopeContactData:
		return []string{"beneficiary"}
	case ScopePaymentData:
		return []string{"payment"}
	default:
		return []string{}
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var _ ToolCaller = (*AuditedClient)(nil)
