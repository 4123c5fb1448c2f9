package mcp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvault/fabric/pkg/telemetry"
)

type fakeTool struct {
	name   string
	result any
	err    error
}

func (f *fakeTool) ServerName() string { return f.name }
func (f *fakeTool) CallTool(context.Context, string, map[string]any) (any, error) {
	return f.result, f.err
}

type recordingSink struct {
	telemetry.Nop
	records []AuditRecord
}

func (s *recordingSink) Audit(_ context.Context, record any) {
	s.records = append(s.records, record.(AuditRecord))
}

func TestAuditRecordOnSuccess(t *testing.T) {
	sink := &recordingSink{}
	client := NewAuditedClient(&fakeTool{name: "payments", result: "ok"}, sink, true).
		ForUser("cust-1", "thread-1")

	result, err := client.CallTool(context.Background(), "execute_transfer", map[string]any{
		"amount":   250.0,
		"password": "hunter2",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, OperationExecute, rec.OperationType)
	assert.Equal(t, ScopePaymentData, rec.DataScope)
	assert.Equal(t, "payments", rec.MCPServer)
	assert.Equal(t, "cust-1", rec.UserID)
	assert.Equal(t, "thread-1", rec.ThreadID)
	assert.Equal(t, ResultSuccess, rec.ResultStatus)
	assert.Equal(t, redactedPlaceholder, rec.SanitizedParameters["password"])
	assert.Equal(t, 250.0, rec.SanitizedParameters["amount"])
	assert.Contains(t, rec.ComplianceFlags, FlagPCIDSS)
}

func TestAuditRecordOnFailure(t *testing.T) {
	sink := &recordingSink{}
	client := NewAuditedClient(&fakeTool{name: "accounts", err: errors.New("boom")}, sink, false)

	_, err := client.CallTool(context.Background(), "get_account_details", nil)
	require.Error(t, err)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, ResultError, rec.ResultStatus)
	assert.Equal(t, OperationRead, rec.OperationType)
	assert.Equal(t, ScopeAccountData, rec.DataScope)
	assert.Contains(t, rec.ComplianceFlags, FlagGDPRPersonal)
}

func TestAuditRecordOnCancellation(t *testing.T) {
	sink := &recordingSink{}
	client := NewAuditedClient(&fakeTool{name: "accounts", err: context.Canceled}, sink, false)

	_, err := client.CallTool(context.Background(), "get_balance", nil)
	require.Error(t, err)

	require.Len(t, sink.records, 1)
	assert.Equal(t, ResultCancelled, sink.records[0].ResultStatus)
}

func TestClassifyOperation(t *testing.T) {
	tests := []struct {
		tool string
		want string
	}{
		{"get_balance", OperationRead},
		{"list_beneficiaries", OperationRead},
		{"check_limits", OperationValidate},
		{"validate_beneficiary", OperationValidate},
		{"execute_transfer", OperationExecute},
		{"send_notification", OperationGeneric},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyOperation(tt.tool), tt.tool)
	}
}

func TestClassifyScope(t *testing.T) {
	tests := []struct {
		tool string
		want string
	}{
		{"get_account_details", ScopeAccountData},
		{"add_beneficiary", ScopeContactData},
		{"execute_transfer", ScopePaymentData},
		{"get_exchange_rate", ScopeGeneral},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyScope(tt.tool), tt.tool)
	}
}

func TestHighValueThresholdIsStrict(t *testing.T) {
	sink := &recordingSink{}
	client := NewAuditedClient(&fakeTool{name: "payments", result: "ok"}, sink, false)

	_, err := client.CallTool(context.Background(), "execute_transfer", map[string]any{"amount": 10_000.00})
	require.NoError(t, err)
	assert.NotContains(t, sink.records[0].ComplianceFlags, FlagHighValue,
		"amount exactly at the threshold must not flag")

	_, err = client.CallTool(context.Background(), "execute_transfer", map[string]any{"amount": 10_000.01})
	require.NoError(t, err)
	assert.Contains(t, sink.records[1].ComplianceFlags, FlagHighValue)
}

func TestSanitize(t *testing.T) {
	out := Sanitize(map[string]any{
		"account_id":  "ACC-1",
		"api_key":     "sk-123",
		"authToken":   "tok",
		"credentials": map[string]any{"user": "x"},
		"nested":      map[string]any{"client_secret": "shh", "note": "fine"},
		"plainAmount": 50.0,
	})

	assert.Equal(t, "ACC-1", out["account_id"])
	assert.Equal(t, redactedPlaceholder, out["api_key"])
	assert.Equal(t, redactedPlaceholder, out["authToken"])
	assert.Equal(t, redactedPlaceholder, out["credentials"])
	assert.Equal(t, 50.0, out["plainAmount"])

	nested := out["nested"].(map[string]any)
	assert.Equal(t, redactedPlaceholder, nested["client_secret"])
	assert.Equal(t, "fine", nested["note"])
}

func TestSanitizeNil(t *testing.T) {
	assert.NotNil(t, Sanitize(nil))
}
