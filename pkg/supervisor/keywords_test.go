package supervisor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/finvault/fabric/pkg/llm"
)

func TestScoreKeywords(t *testing.T) {
	tests := []struct {
		query     string
		agent     string
		confident bool
	}{
		{"transfer 50 THB to Apichat", llm.AgentPayment, true},
		{"show my transaction history", llm.AgentTransaction, true},
		{"what are the fees and interest rate for this card", llm.AgentProductInfo, true},
		{"help me budget and save for a financial plan", llm.AgentMoneyCoach, true},
		{"hello there", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			result := ScoreKeywords(tt.query)
			assert.Equal(t, tt.confident, result.Confident())
			if tt.confident {
				assert.Equal(t, tt.agent, result.Agent)
			}
		})
	}
}

func TestScoreKeywordsTransferTypos(t *testing.T) {
	for _, q := range []string{"trnasfer 100 baht", "trasfer money please", "tranfer funds"} {
		result := ScoreKeywords(q)
		assert.Equal(t, llm.AgentPayment, result.Agent, q)
		assert.GreaterOrEqual(t, result.Score, 2, q)
	}
}

func TestScoreKeywordsAmountToNamePattern(t *testing.T) {
	result := ScoreKeywords("500 THB to Somchai please")
	assert.Equal(t, llm.AgentPayment, result.Agent)
	assert.GreaterOrEqual(t, result.Score, 3)
}

func TestScoreKeywordsLowConfidence(t *testing.T) {
	// A single keyword hit is below the confidence floor.
	result := ScoreKeywords("something about my account")
	assert.False(t, result.Confident())
}

func TestIsContinuation(t *testing.T) {
	for _, q := range []string{"yes", "Yes!", " ok ", "sure", "proceed", "create ticket", "go ahead."} {
		assert.True(t, IsContinuation(q), q)
	}
	for _, q := range []string{"yes, and also show my balance", "no", "what is my balance?"} {
		assert.False(t, IsContinuation(q), q)
	}
}

func TestIsEscalation(t *testing.T) {
	for _, q := range []string{
		"I want to speak to someone",
		"let me talk to a human",
		"I have a complaint about fees",
		"please escalate this",
	} {
		assert.True(t, IsEscalation(q), q)
	}
	assert.False(t, IsEscalation("what is my balance?"))
}

func TestHasWriteIntent(t *testing.T) {
	for _, q := range []string{"pay my bill", "transfer 50", "send money to mom", "add a beneficiary", "create a standing order"} {
		assert.True(t, HasWriteIntent(q), q)
	}
	for _, q := range []string{"what is my balance?", "show my transactions"} {
		assert.False(t, HasWriteIntent(q), q)
	}
}
