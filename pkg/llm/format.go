package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Per-data-type system prompts for rendering a cache hit into a customer
// answer. Kept terse so the formatting call stays cheap.
var formatPrompts = map[string]string{
	"balance": `You present a customer's account balance.
Format the amount with thousands separators and two decimals, include the currency, and answer in one short sentence.`,
	"account_details": `You present a customer's account details.
Show account number (masked except the last 4 digits), type and status as a short readable summary.`,
	"transactions": `You present a customer's recent transactions.
List them newest first, one per line: date, description, signed amount with thousands separators.`,
	"beneficiaries": `You present a customer's saved beneficiaries.
List them one per line: name and masked account number.`,
	"limits": `You present a customer's account limits.
List each limit on its own line with the amount formatted with thousands separators.`,
}

const defaultFormatPrompt = `You present a customer's banking data.
Answer the customer's question using only the data provided, formatted for readability.`

// Formatter renders cached data into a customer-facing answer using one
// LLM call with a data-type-specific prompt.
type Formatter struct {
	chatter Chatter
	logger  *slog.Logger
}

// NewFormatter creates a cache-hit formatter.
func NewFormatter(chatter Chatter) *Formatter {
	return &Formatter{chatter: chatter, logger: slog.Default()}
}

// FormatCachedData renders value as the answer to query. On any failure it
// falls back to a plain JSON rendering so a cache hit still produces an
// answer.
func (f *Formatter) FormatCachedData(ctx context.Context, dataType string, value any, query string) string {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("%v", value)
	}

	prompt, ok := formatPrompts[dataType]
	if !ok {
		prompt = defaultFormatPrompt
	}

	answer, err := f.chatter.Chat(ctx, []ChatMessage{
		{Role: "system", Content: prompt},
		{Role: "user", Content: fmt.Sprintf("Customer question: %s\n\nData: %s", query, encoded)},
	})
	if err != nil {
		f.logger.Warn("cache hit formatting failed, returning raw data", "data_type", dataType, "error", err)
		return string(encoded)
	}
	return answer
}
