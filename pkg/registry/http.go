package registry

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/finvault/fabric/pkg/auth"
)

// APIConfig configures the registry REST surface.
type APIConfig struct {
	AuthEnabled bool
}

// API serves the registry over HTTP at /api/v1/agents.
type API struct {
	service *Service
	tokens  *auth.TokenService
	cfg     APIConfig
}

// NewAPI creates the REST surface. tokens may be nil only when auth is
// disabled.
func NewAPI(service *Service, tokens *auth.TokenService, cfg APIConfig) *API {
	return &API{service: service, tokens: tokens, cfg: cfg}
}

// Router builds the chi router for the registry API.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/api/v1/agents", func(r chi.Router) {
		r.Post("/register", a.handleRegister)
		r.Get("/discover", a.handleDiscover)
		r.Get("/health", a.handleHealth)
		r.Get("/metrics", a.handleMetrics)
		r.Get("/", a.handleList)

		r.Group(func(r chi.Router) {
			if a.cfg.AuthEnabled {
				r.Use(auth.Middleware(a.tokens))
			}
			r.Post("/{agentID}/heartbeat", a.handleHeartbeat)
			r.Put("/{agentID}/status", a.handleUpdateStatus)
			r.Delete("/{agentID}", a.handleDeregister)
		})

		r.Get("/{agentID}", a.handleGet)
	})

	return r
}

// authorize checks that the request's token is bound to agentID or carries
// the admin scope. Always passes when auth is disabled.
func (a *API) authorize(r *http.Request, agentID string) error {
	if !a.cfg.AuthEnabled {
		return nil
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return auth.ErrInvalidToken
	}
	return claims.Authorize(agentID)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reg, token, err := a.service.Register(r.Context(), &req)
	if err != nil {
		if strings.Contains(err.Error(), "invalid registration") {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"agent_id":      reg.AgentID,
		"status":        reg.Status,
		"registered_at": reg.RegisteredAt,
		"token":         token,
	})
}

func (a *API) handleDiscover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := DiscoverQuery{
		Capability: q.Get("capability"),
		AgentType:  AgentType(q.Get("agent_type")),
		Status:     AgentStatus(q.Get("status")),
	}
	if tags := q.Get("tags"); tags != "" {
		query.Tags = strings.Split(tags, ",")
	}

	agents, err := a.service.Discover(r.Context(), query)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "discovery failed")
		return
	}
	if agents == nil {
		agents = []*Registration{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	agents, err := a.service.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if agents == nil {
		agents = []*Registration{}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	reg, err := a.service.Get(r.Context(), agentID)
	if errors.Is(err, ErrAgentNotFound) {
		respondError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	respondJSON(w, http.StatusOK, reg)
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := a.authorize(r, agentID); err != nil {
		respondError(w, http.StatusForbidden, "not authorized for this agent")
		return
	}

	var body struct {
		Status *AgentStatus `json:"status,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	last, err := a.service.Heartbeat(r.Context(), agentID, body.Status)
	if errors.Is(err, ErrAgentNotFound) {
		respondError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "heartbeat failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"last_heartbeat": last})
}

func (a *API) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := a.authorize(r, agentID); err != nil {
		respondError(w, http.StatusForbidden, "not authorized for this agent")
		return
	}

	status := AgentStatus(r.URL.Query().Get("new_status"))
	if !ValidStatus(status) {
		respondError(w, http.StatusBadRequest, "invalid status")
		return
	}

	err := a.service.UpdateStatus(r.Context(), agentID, status)
	if errors.Is(err, ErrAgentNotFound) {
		respondError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "status update failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"new_status": status})
}

func (a *API) handleDeregister(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if err := a.authorize(r, agentID); err != nil {
		respondError(w, http.StatusForbidden, "not authorized for this agent")
		return
	}

	err := a.service.Deregister(r.Context(), agentID)
	if errors.Is(err, ErrAgentNotFound) {
		respondError(w, http.StatusNotFound, "agent not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "deregister failed")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"status": "deregistered"})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := a.service.Metrics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	respondJSON(w, http.StatusOK, m)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
