package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink writes newline-delimited JSON, one file per day per category,
// under a base directory. It is the default local sink.
type FileSink struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File

	// now is injectable for tests.
	now func() time.Time
}

// NewFileSink creates the sink, creating the directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create telemetry directory: %w", err)
	}
	return &FileSink{
		dir:    dir,
		logger: slog.Default(),
		files:  make(map[string]*os.File),
		now:    time.Now,
	}, nil
}

// Close closes all open category files.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.files {
		f.Close()
	}
	s.files = make(map[string]*os.File)
	return nil
}

func (s *FileSink) UserMessage(ctx context.Context, ev UserMessageEvent) {
	if ev.TS.IsZero() {
		ev.TS = s.now().UTC()
	}
	s.write(CategoryUserMessage, ev)
}

func (s *FileSink) AgentDecision(ctx context.Context, ev AgentDecisionEvent) {
	if ev.TS.IsZero() {
		ev.TS = s.now().UTC()
	}
	s.write(CategoryAgentDecision, ev)
}

func (s *FileSink) TriageRule(ctx context.Context, ev TriageRuleEvent) {
	if ev.TS.IsZero() {
		ev.TS = s.now().UTC()
	}
	s.write(CategoryTriageRule, ev)
}

func (s *FileSink) ToolInvocation(ctx context.Context, ev ToolInvocationEvent) {
	if ev.TS.IsZero() {
		ev.TS = s.now().UTC()
	}
	s.write(CategoryToolInvocation, ev)
}

func (s *FileSink) Error(ctx context.Context, ev ErrorEvent) {
	if ev.TS.IsZero() {
		ev.TS = s.now().UTC()
	}
	s.write(CategoryError, ev)
}

func (s *FileSink) Audit(ctx context.Context, record any) {
	s.write(CategoryAudit, record)
}

func (s *FileSink) write(category string, payload any) {
	line, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("telemetry encode failed", "category", category, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.fileFor(category)
	if err != nil {
		s.logger.Warn("telemetry file open failed", "category", category, "error", err)
		return
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		s.logger.Warn("telemetry write failed", "category", category, "error", err)
	}
}

// fileFor returns the open file for today's category file, rotating when
// the day changes. Caller holds the lock.
func (s *FileSink) fileFor(category string) (*os.File, error) {
	day := s.now().UTC().Format("2006-01-02")
	name := fmt.Sprintf("%s-%s.ndjson", category, day)
	path := filepath.Join(s.dir, name)

	if f, ok := s.files[category]; ok {
		if f.Name() == path {
			return f, nil
		}
		f.Close()
		delete(s.files, category)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s.files[category] = f
	return f, nil
}

var _ Sink = (*FileSink)(nil)
