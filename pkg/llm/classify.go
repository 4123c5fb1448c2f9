package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// ============================================================================
// CLASSIFIERS
// Two single-turn classification calls. Both degrade safely: a failed
// cache classification means "don't use the cache", a failed routing
// classification means "Account Agent".
// ============================================================================

// Agent names the router can select. The set is closed: a classification
// outside it falls back to the default.
const (
	AgentPayment     = "Payment Agent"
	AgentTransaction = "Transaction Agent"
	AgentAccount     = "Account Agent"
	AgentProductInfo = "Product Info Agent"
	AgentMoneyCoach  = "AI Money Coach"
	AgentEscalation  = "Escalation Agent"
)

// KnownAgents is the closed routing set.
var KnownAgents = []string{
	AgentPayment,
	AgentTransaction,
	AgentAccount,
	AgentProductInfo,
	AgentMoneyCoach,
	AgentEscalation,
}

// Cacheable data types the cache classifier may select.
var cacheableDataTypes = map[string]bool{
	"balance":         true,
	"account_details": true,
	"transactions":    true,
	"beneficiaries":   true,
	"limits":          true,
}

// CacheDecision is the cache classifier's verdict on one query.
type CacheDecision struct {
	CanUseCache bool   `json:"can_use_cache"`
	DataType    string `json:"data_type,omitempty"`
	Reasoning   string `json:"reasoning"`
}

// Classifier wraps a Chatter with the two classification prompts.
type Classifier struct {
	chatter Chatter
	logger  *slog.Logger
}

// NewClassifier creates a classifier on top of a chat client.
func NewClassifier(chatter Chatter) *Classifier {
	return &Classifier{chatter: chatter, logger: slog.Default()}
}

const cacheSystemPrompt = `You classify a banking customer's query for cache eligibility.
The cache holds read-only snapshots of: balance, account_details, transactions, beneficiaries, limits.
Rules:
- Any write intent (transfer, payment, create, update, delete) is NOT cacheable.
- Only pick a data_type when the query asks to read exactly that data.
Answer with a JSON object: {"can_use_cache": bool, "data_type": "balance|account_details|transactions|beneficiaries|limits", "reasoning": "..."}.
Omit data_type when can_use_cache is false.`

// ClassifyForCache decides whether the query can be answered from the
// per-customer cache. Any failure returns a negative decision.
func (c *Classifier) ClassifyForCache(ctx context.Context, query string) CacheDecision {
	raw, err := c.chatter.ChatJSON(ctx, []ChatMessage{
		{Role: "system", Content: cacheSystemPrompt},
		{Role: "user", Content: query},
	})
	if err != nil {
		c.logger.Warn("cache classification failed, treating as miss", "error", err)
		return CacheDecision{CanUseCache: false, Reasoning: "classifier unavailable"}
	}

	var decision CacheDecision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		c.logger.Warn("cache classification returned invalid JSON, treating as miss", "error", err)
		return CacheDecision{CanUseCache: false, Reasoning: "classifier returned invalid response"}
	}
	if decision.CanUseCache && !cacheableDataTypes[decision.DataType] {
		decision.CanUseCache = false
		decision.Reasoning = "unknown data type: " + decision.DataType
		decision.DataType = ""
	}
	return decision
}

const routingSystemPrompt = `You route a banking customer's query to exactly one agent.
Agents:
- Payment Agent: transfers, sending money, beneficiaries, payment execution.
- Transaction Agent: transaction history, statements, spending lookups.
- Account Agent: balances, account details, limits, account settings.
- Product Info Agent: product features, fees, rates, card and account offerings.
- AI Money Coach: budgeting, saving, financial advice.
- Escalation Agent: complaints, human handoff, support tickets.
Answer with a JSON object: {"agent": "<exact agent name>"}.`

// ClassifyForRouting picks one agent from the closed set. Any failure, or a
// name outside the set, falls back to the Account Agent.
func (c *Classifier) ClassifyForRouting(ctx context.Context, query string) string {
	raw, err := c.chatter.ChatJSON(ctx, []ChatMessage{
		{Role: "system", Content: routingSystemPrompt},
		{Role: "user", Content: query},
	})
	if err != nil {
		c.logger.Warn("routing classification failed, defaulting to account agent", "error", err)
		return AgentAccount
	}

	var decision struct {
		Agent string `json:"agent"`
	}
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		c.logger.Warn("routing classification returned invalid JSON, defaulting to account agent", "error", err)
		return AgentAccount
	}

	name := strings.TrimSpace(decision.Agent)
	for _, known := range KnownAgents {
		if strings.EqualFold(name, known) {
			return known
		}
	}
	c.logger.Warn("routing classification returned unknown agent, defaulting to account agent", "agent", name)
	return AgentAccount
}
