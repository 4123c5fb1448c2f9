package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// ============================================================================
// A2A SERVER - HTTP+JSON invoke endpoint hosted by specialist agents
// ============================================================================

// Handler executes one intent. A returned error becomes a status=error
// response envelope; it never surfaces as an HTTP failure.
type Handler interface {
	Handle(ctx context.Context, msg *Message) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) (map[string]any, error) {
	return f(ctx, msg)
}

// HandlerError carries a structured error code back to the caller.
type HandlerError struct {
	Code    string
	Message string
	Details map[string]any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TokenVerifier validates bearer tokens on incoming invocations. Optional.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) error
}

// ServerConfig configures the A2A server.
type ServerConfig struct {
	Host string
	Port int
}

// Server hosts the A2A invoke endpoint for one agent and dispatches
// incoming envelopes to per-intent handlers.
type Server struct {
	cfg      ServerConfig
	identity AgentIdentifier
	verifier TokenVerifier
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler

	httpServer *http.Server
}

// NewServer creates an A2A server for the given agent identity.
func NewServer(cfg ServerConfig, identity AgentIdentifier) *Server {
	return &Server{
		cfg:      cfg,
		identity: identity,
		logger:   slog.Default(),
		handlers: make(map[string]Handler),
	}
}

// SetTokenVerifier enables bearer-token validation on the invoke endpoint.
func (s *Server) SetTokenVerifier(v TokenVerifier) {
	s.verifier = v
}

// HandleIntent registers a handler for one intent.
func (s *Server) HandleIntent(intent string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[intent] = h
}

// HandleDefault registers the fallback handler for unmapped intents.
func (s *Server) HandleDefault(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = h
}

// Router returns the chi router serving the invoke and health endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post(InvokePath, s.handleInvoke)
	r.Get("/health", s.handleHealth)
	return r
}

// Start begins serving and blocks until the listener fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("a2a server listening", "addr", addr, "agent", s.identity.AgentName)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"agent":  s.identity.AgentName,
	})
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.verifier != nil {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing bearer token"})
			return
		}
		if err := s.verifier.VerifyToken(r.Context(), token); err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
			return
		}
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read body"})
		return
	}

	msg, err := DecodeMessage(body)
	if err != nil {
		// Protocol failures are not retried by callers, so 400 not 500.
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	started := time.Now()
	handler := s.handlerFor(msg.Intent)
	if handler == nil {
		resp := NewErrorResponse(msg, "unknown_intent", fmt.Sprintf("no handler for intent %q", msg.Intent))
		resp.Metadata.ProcessingTimeMS = time.Since(started).Milliseconds()
		writeJSON(w, http.StatusOK, resp)
		return
	}

	ctx := r.Context()
	if msg.Metadata.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(msg.Metadata.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	result, err := handler.Handle(ctx, msg)
	elapsed := time.Since(started)

	var resp *Response
	switch {
	case err == nil:
		resp = NewSuccessResponse(msg, result)
	case errors.Is(err, context.DeadlineExceeded):
		resp = NewErrorResponse(msg, "timeout", "intent execution timed out")
		resp.Status = StatusTimeout
	default:
		var herr *HandlerError
		if errors.As(err, &herr) {
			resp = NewErrorResponse(msg, herr.Code, herr.Message)
			resp.Error.Details = herr.Details
		} else {
			resp = NewErrorResponse(msg, "internal_error", err.Error())
		}
		s.logger.Error("intent handler failed",
			"intent", msg.Intent,
			"message_id", msg.MessageID,
			"error", err)
	}
	resp.Metadata.ProcessingTimeMS = elapsed.Milliseconds()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlerFor(intent string) Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if h, ok := s.handlers[intent]; ok {
		return h
	}
	return s.fallback
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
