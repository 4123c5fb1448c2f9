package a2a

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage() *Message {
	return NewMessage(
		AgentIdentifier{AgentID: "supervisor"},
		AgentIdentifier{AgentID: "agent-1", AgentName: "Account Agent"},
		"process_message",
		map[string]any{"message": "what is my balance?"},
	)
}

func TestMessageRoundTrip(t *testing.T) {
	msg := testMessage()
	msg.Metadata.TimeoutSeconds = 30
	msg.Metadata.TraceID = "trace-1"

	data, err := EncodeMessage(msg)
	require.NoError(t, err)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)

	assert.Equal(t, msg.MessageID, decoded.MessageID)
	assert.Equal(t, msg.ProtocolVersion, decoded.ProtocolVersion)
	assert.Equal(t, msg.Source, decoded.Source)
	assert.Equal(t, msg.Target, decoded.Target)
	assert.Equal(t, msg.Intent, decoded.Intent)
	assert.Equal(t, msg.Payload, decoded.Payload)
	assert.Equal(t, msg.Metadata, decoded.Metadata)
}

func TestMessageValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Message)
		field  string
	}{
		{
			name:   "missing source",
			mutate: func(m *Message) { m.Source = AgentIdentifier{} },
			field:  "source",
		},
		{
			name:   "missing target",
			mutate: func(m *Message) { m.Target = AgentIdentifier{} },
			field:  "target",
		},
		{
			name:   "missing intent",
			mutate: func(m *Message) { m.Intent = "" },
			field:  "intent",
		},
		{
			name:   "incompatible major version",
			mutate: func(m *Message) { m.ProtocolVersion = "2.0" },
			field:  "protocol_version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := testMessage()
			tt.mutate(msg)

			err := msg.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestMinorVersionDifferenceIsCompatible(t *testing.T) {
	msg := testMessage()
	msg.ProtocolVersion = "1.9"
	assert.NoError(t, msg.Validate())
}

func TestResponsesCorrelateToRequest(t *testing.T) {
	msg := testMessage()

	success := NewSuccessResponse(msg, map[string]any{"balance": 100.0})
	assert.Equal(t, msg.MessageID, success.CorrelationID)
	assert.Equal(t, StatusSuccess, success.Status)
	assert.NotEqual(t, msg.MessageID, success.MessageID)

	failure := NewErrorResponse(msg, "TOOL_FAILURE", "downstream unavailable")
	assert.Equal(t, msg.MessageID, failure.CorrelationID)
	assert.Equal(t, StatusError, failure.Status)
	require.NotNil(t, failure.Error)
	assert.Equal(t, "TOOL_FAILURE", failure.Error.Code)
}

func TestDecodeMessageRejectsGarbage(t *testing.T) {
	_, err := DecodeMessage([]byte("{not json"))
	assert.Error(t, err)
}
