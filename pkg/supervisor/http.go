package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// ============================================================================
// HTTP EDGE
// POST /chat translates a turn into either one JSON response or an SSE
// stream of thinking events, content deltas and a terminal message.
// ============================================================================

// ChatRequest is the client's turn request.
type ChatRequest struct {
	Messages []TurnMessage `json:"messages"`
	ThreadID string        `json:"threadId,omitempty"`
	Stream   bool          `json:"stream,omitempty"`
}

// API serves the supervisor's client surface.
type API struct {
	router *Router
	logger *slog.Logger
	server *http.Server
}

// NewAPI creates the HTTP edge over the turn engine.
func NewAPI(router *Router) *API {
	return &API{
		router: router,
		logger: slog.Default(),
	}
}

// Router builds the chi handler tree.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Post("/chat", a.handleChat)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	return r
}

// Start runs the HTTP server until Stop is called.
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.logger.Info("supervisor listening", "addr", addr)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down gracefully.
func (a *API) Stop(ctx context.Context) error {
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages is required"})
		return
	}

	turn := TurnRequest{
		CustomerID: r.Header.Get("X-Customer-ID"),
		Email:      r.Header.Get("X-User-Email"),
		SessionID:  req.ThreadID,
		Messages:   req.Messages,
	}
	if turn.CustomerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "X-Customer-ID header is required"})
		return
	}

	if !req.Stream {
		result, err := a.router.HandleTurn(r.Context(), turn, NopEmitter{})
		if err != nil {
			a.writeTurnError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, terminalPayload(result))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	emitter := &sseEmitter{w: w, flusher: flusher}
	result, err := a.router.HandleTurn(r.Context(), turn, emitter)
	if err != nil {
		// The stream is already open; all we can do is log and close.
		a.logger.Warn("turn failed mid-stream", "error", err)
		return
	}
	emitter.send(terminalPayload(result))
}

func (a *API) writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrBusy):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable, please retry"})
	case errors.Is(err, context.Canceled):
		// Client went away; nothing to write.
	default:
		a.logger.Error("turn failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func terminalPayload(result *TurnResult) map[string]any {
	return map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": result.Content, "role": "assistant"}},
		},
		"threadId": result.SessionID,
	}
}

// sseEmitter writes turn output as server-sent events.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (e *sseEmitter) Thinking(ev ThinkingEvent) {
	e.send(ev)
}

func (e *sseEmitter) Chunk(content string) {
	e.send(map[string]any{
		"choices": []map[string]any{
			{"delta": map[string]any{"content": content, "role": "assistant"}},
		},
	})
}

func (e *sseEmitter) send(payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(e.w, "data: %s\n\n", encoded)
	e.flusher.Flush()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
