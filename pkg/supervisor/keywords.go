package supervisor

import (
	"regexp"
	"strings"

	"github.com/finvault/fabric/pkg/llm"
)

// ============================================================================
// KEYWORD CLASSIFIER
// First-line routing: score each agent by keyword hits plus a few fuzzy
// patterns. Low-confidence results (max score below 2, or a tie) fall back
// to the LLM routing classifier.
// ============================================================================

// minConfidentScore is the keyword score below which the result is treated
// as low confidence.
const minConfidentScore = 2

var agentKeywords = map[string][]string{
	llm.AgentPayment: {
		"transfer", "pay", "payment", "send money", "beneficiary",
		"recipient", "wire",
	},
	llm.AgentTransaction: {
		"transaction", "transactions", "history", "statement", "spent",
		"spending", "purchases", "charges",
	},
	llm.AgentAccount: {
		"balance", "account", "limit", "limits", "details", "iban",
	},
	llm.AgentProductInfo: {
		"product", "card", "fee", "fees", "rate", "interest", "offer",
		"feature", "features", "eligibility",
	},
	llm.AgentMoneyCoach: {
		"budget", "save", "saving", "savings", "advice", "invest",
		"investing", "plan", "coach", "afford",
	},
	llm.AgentEscalation: {
		"complaint", "human", "escalate", "support ticket", "supervisor",
	},
}

// Common misspellings of "transfer" still mean the Payment Agent.
var transferTypoPattern = regexp.MustCompile(`\b(?:trnasfer|trasfer|tranfer)\b`)

// An amount followed by "to <name>" strongly implies a payment, e.g.
// "send 50 THB to Apichat".
var amountToNamePattern = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?\s*(?:thb|baht|usd|eur|gbp|\$|€|£)?\s+to\s+\p{L}`)

// ScoreResult is the outcome of keyword scoring over one query.
type ScoreResult struct {
	Agent  string
	Score  int
	Unique bool
}

// Confident reports whether the score is high enough and unambiguous enough
// to route without the LLM.
func (r ScoreResult) Confident() bool {
	return r.Score >= minConfidentScore && r.Unique
}

// ScoreKeywords scores every agent against the query and returns the best.
func ScoreKeywords(query string) ScoreResult {
	q := strings.ToLower(query)

	scores := make(map[string]int, len(agentKeywords))
	for agent, keywords := range agentKeywords {
		for _, kw := range keywords {
			if containsWord(q, kw) {
				scores[agent]++
			}
		}
	}
	if transferTypoPattern.MatchString(q) {
		scores[llm.AgentPayment] += 2
	}
	if amountToNamePattern.MatchString(q) {
		scores[llm.AgentPayment] += 3
	}

	best := ScoreResult{Unique: true}
	for agent, score := range scores {
		switch {
		case score > best.Score:
			best.Agent = agent
			best.Score = score
			best.Unique = true
		case score == best.Score && score > 0:
			best.Unique = false
		}
	}
	return best
}

// containsWord matches kw in q on word boundaries; multi-word keywords use
// a plain substring match.
func containsWord(q, kw string) bool {
	if strings.Contains(kw, " ") {
		return strings.Contains(q, kw)
	}
	idx := 0
	for {
		i := strings.Index(q[idx:], kw)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(kw)
		beforeOK := start == 0 || !isWordChar(q[start-1])
		afterOK := end == len(q) || !isWordChar(q[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}

// ============================================================================
// TURN PREDICATES
// ============================================================================

var continuationAffirmations = map[string]bool{
	"yes":           true,
	"yes please":    true,
	"yeah":          true,
	"yep":           true,
	"confirm":       true,
	"confirmed":     true,
	"proceed":       true,
	"ok":            true,
	"okay":          true,
	"sure":          true,
	"go ahead":      true,
	"do it":         true,
	"create ticket": true,
	"please do":     true,
}

// IsContinuation reports whether the message is a short affirmation that
// should continue with the session's active agent.
func IsContinuation(message string) bool {
	normalized := strings.ToLower(strings.TrimSpace(message))
	normalized = strings.TrimRight(normalized, ".!?")
	return continuationAffirmations[normalized]
}

var escalationPhrases = []string{
	"speak to someone",
	"speak to a human",
	"talk to human",
	"talk to a human",
	"human agent",
	"real person",
	"customer service",
	"support ticket",
	"escalate",
	"complaint",
	"file a complaint",
}

// IsEscalation reports whether the query asks for a human or a complaint
// path.
func IsEscalation(query string) bool {
	q := strings.ToLower(query)
	for _, phrase := range escalationPhrases {
		if strings.Contains(q, phrase) {
			return true
		}
	}
	return false
}

var writeIntentMarkers = []string{
	"pay", "transfer", "send money", "create", "add", "delete", "remove",
	"update", "change",
}

// HasWriteIntent reports whether the query asks to mutate state; such
// queries never touch the cache.
func HasWriteIntent(query string) bool {
	q := strings.ToLower(query)
	for _, marker := range writeIntentMarkers {
		if containsWord(q, marker) {
			return true
		}
	}
	return false
}

var adviceMarkers = []string{
	"advice", "budget", "budgeting", "how should i", "saving tips",
	"financial plan", "invest",
}

// WantsAdvice reports whether the query is a financial-advice question,
// which bypasses the cache and routes straight to the money coach.
func WantsAdvice(query string) bool {
	q := strings.ToLower(query)
	for _, marker := range adviceMarkers {
		if strings.Contains(q, marker) {
			return true
		}
	}
	return false
}

var productInfoMarkers = []string{
	"what is a", "what are the fees", "interest rate", "product",
	"credit card offer", "how do i open", "eligibility",
}

// WantsProductInfo reports whether the query is a product-knowledge
// question, which bypasses the cache and routes to product info.
func WantsProductInfo(query string) bool {
	q := strings.ToLower(query)
	for _, marker := range productInfoMarkers {
		if strings.Contains(q, marker) {
			return true
		}
	}
	return false
}
