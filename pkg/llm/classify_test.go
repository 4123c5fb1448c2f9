package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeChatter struct {
	reply string
	err   error
}

func (f *fakeChatter) Chat(context.Context, []ChatMessage) (string, error) {
	return f.reply, f.err
}

func (f *fakeChatter) ChatJSON(context.Context, []ChatMessage) (string, error) {
	return f.reply, f.err
}

func TestClassifyForCacheHit(t *testing.T) {
	c := NewClassifier(&fakeChatter{reply: `{"can_use_cache": true, "data_type": "balance", "reasoning": "read-only balance query"}`})

	decision := c.ClassifyForCache(context.Background(), "what is my balance?")
	assert.True(t, decision.CanUseCache)
	assert.Equal(t, "balance", decision.DataType)
}

func TestClassifyForCacheFailureIsNegative(t *testing.T) {
	tests := []struct {
		name    string
		chatter Chatter
	}{
		{"transport error", &fakeChatter{err: errors.New("timeout")}},
		{"invalid json", &fakeChatter{reply: "not json"}},
		{"unknown data type", &fakeChatter{reply: `{"can_use_cache": true, "data_type": "mortgage"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := NewClassifier(tt.chatter).ClassifyForCache(context.Background(), "query")
			assert.False(t, decision.CanUseCache)
			assert.Empty(t, decision.DataType)
		})
	}
}

func TestClassifyForRouting(t *testing.T) {
	c := NewClassifier(&fakeChatter{reply: `{"agent": "Payment Agent"}`})
	assert.Equal(t, AgentPayment, c.ClassifyForRouting(context.Background(), "send 50 to Apichat"))

	// Case differences still resolve to the canonical name.
	c = NewClassifier(&fakeChatter{reply: `{"agent": "payment agent"}`})
	assert.Equal(t, AgentPayment, c.ClassifyForRouting(context.Background(), "send 50 to Apichat"))
}

func TestClassifyForRoutingFailureDefaultsToAccount(t *testing.T) {
	tests := []struct {
		name    string
		chatter Chatter
	}{
		{"transport error", &fakeChatter{err: errors.New("timeout")}},
		{"invalid json", &fakeChatter{reply: "oops"}},
		{"unknown agent", &fakeChatter{reply: `{"agent": "Crypto Agent"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := NewClassifier(tt.chatter).ClassifyForRouting(context.Background(), "query")
			assert.Equal(t, AgentAccount, agent)
		})
	}
}

func TestFormatterFallsBackToRawData(t *testing.T) {
	f := NewFormatter(&fakeChatter{err: errors.New("down")})
	out := f.FormatCachedData(context.Background(), "balance", 89850.0, "what is my balance?")
	assert.Equal(t, "89850", out)
}

func TestFormatterUsesCompletion(t *testing.T) {
	f := NewFormatter(&fakeChatter{reply: "Your balance is 89,850.00 THB."})
	out := f.FormatCachedData(context.Background(), "balance", 89850.0, "what is my balance?")
	assert.Equal(t, "Your balance is 89,850.00 THB.", out)
}
