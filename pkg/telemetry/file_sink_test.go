package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		out = append(out, line)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestFileSinkWritesPerCategoryFiles(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return base }

	ctx := context.Background()
	sink.UserMessage(ctx, UserMessageEvent{SessionID: "s-1", CustomerID: "cust-1", Query: "balance?"})
	sink.TriageRule(ctx, TriageRuleEvent{RuleName: "keyword_score", TargetAgent: "Account Agent"})
	sink.Error(ctx, ErrorEvent{Type: "dispatch_failure", Message: "boom"})

	day := base.Format("2006-01-02")
	messages := readLines(t, filepath.Join(dir, "user_message-"+day+".ndjson"))
	require.Len(t, messages, 1)
	assert.Equal(t, "s-1", messages[0]["session_id"])
	assert.Equal(t, "2026-03-14T10:00:00Z", messages[0]["ts"])

	triage := readLines(t, filepath.Join(dir, "triage_rule_match-"+day+".ndjson"))
	require.Len(t, triage, 1)
	assert.Equal(t, "keyword_score", triage[0]["rule_name"])

	errs := readLines(t, filepath.Join(dir, "error-"+day+".ndjson"))
	require.Len(t, errs, 1)
	assert.Equal(t, "boom", errs[0]["message"])
}

func TestFileSinkRotatesAtDayBoundary(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	day1 := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	sink.now = func() time.Time { return day1 }
	sink.UserMessage(context.Background(), UserMessageEvent{SessionID: "s-1"})

	day2 := day1.Add(2 * time.Minute)
	sink.now = func() time.Time { return day2 }
	sink.UserMessage(context.Background(), UserMessageEvent{SessionID: "s-2"})

	first := readLines(t, filepath.Join(dir, "user_message-2026-03-14.ndjson"))
	second := readLines(t, filepath.Join(dir, "user_message-2026-03-15.ndjson"))
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, "s-1", first[0]["session_id"])
	assert.Equal(t, "s-2", second[0]["session_id"])
}

func TestFileSinkAuditPassthrough(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return base }

	sink.Audit(context.Background(), map[string]any{"tool_name": "execute_transfer", "result_status": "success"})

	records := readLines(t, filepath.Join(dir, "audit-2026-03-14.ndjson"))
	require.Len(t, records, 1)
	assert.Equal(t, "execute_transfer", records[0]["tool_name"])
}

func TestFileSinkAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	sink, err := NewFileSink(dir)
	require.NoError(t, err)
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return base }
	sink.Error(context.Background(), ErrorEvent{Message: "first"})
	require.NoError(t, sink.Close())

	sink, err = NewFileSink(dir)
	require.NoError(t, err)
	sink.now = func() time.Time { return base }
	sink.Error(context.Background(), ErrorEvent{Message: "second"})
	require.NoError(t, sink.Close())

	lines := readLines(t, filepath.Join(dir, "error-2026-03-14.ndjson"))
	require.Len(t, lines, 2)
	assert.Equal(t, "first", lines[0]["message"])
	assert.Equal(t, "second", lines[1]["message"])
}
