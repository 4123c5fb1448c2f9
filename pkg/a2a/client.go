package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ============================================================================
// A2A CLIENT - discovery-driven send with retry, backoff and circuit breaking
// ============================================================================

var (
	// ErrNoAgent is returned when discovery yields no agent for the
	// requested capability.
	ErrNoAgent = errors.New("no agent available for capability")

	// ErrCircuitOpen is returned without a network attempt when the target's
	// breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open for target agent")

	// ErrProtocolRejected is returned when the target rejects the envelope
	// itself (HTTP 4xx: malformed message, version mismatch, auth failure).
	// Resending the same bytes cannot succeed, so rejections are terminal
	// and do not count against the target's breaker.
	ErrProtocolRejected = errors.New("a2a message rejected by target")
)

// AgentInfo is the discovery view of an agent the client needs to route
// a message.
type AgentInfo struct {
	AgentID      string
	AgentName    string
	A2AEndpoint  string
	Capabilities []string
}

// Discoverer resolves capabilities to live agents. The registry client
// implements it.
type Discoverer interface {
	Discover(ctx context.Context, capability string) ([]AgentInfo, error)
	GetAgent(ctx context.Context, agentID string) (*AgentInfo, error)
}

// StaticEndpoints overlays a fixed capability -> endpoint map on another
// Discoverer. Mapped capabilities resolve without a registry round trip;
// everything else falls through.
type StaticEndpoints struct {
	Endpoints map[string]string
	Fallback  Discoverer
}

func (s *StaticEndpoints) Discover(ctx context.Context, capability string) ([]AgentInfo, error) {
	if endpoint, ok := s.Endpoints[capability]; ok {
		return []AgentInfo{{
			AgentID:      "static-" + capability,
			AgentName:    capability,
			A2AEndpoint:  endpoint,
			Capabilities: []string{capability},
		}}, nil
	}
	if s.Fallback == nil {
		return nil, nil
	}
	return s.Fallback.Discover(ctx, capability)
}

func (s *StaticEndpoints) GetAgent(ctx context.Context, agentID string) (*AgentInfo, error) {
	if s.Fallback == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoAgent, agentID)
	}
	return s.Fallback.GetAgent(ctx, agentID)
}

// SelectionStrategy picks one agent from a non-empty discovery result.
type SelectionStrategy func(agents []AgentInfo) AgentInfo

// FirstAvailable is the default selection strategy.
func FirstAvailable(agents []AgentInfo) AgentInfo {
	return agents[0]
}

// ClientConfig tunes the A2A client.
type ClientConfig struct {
	TimeoutSeconds      int
	MaxRetries          int
	RetryBackoffSeconds int
	Breaker             BreakerConfig
	EnableTracing       bool
	BearerToken         string
}

// DefaultClientConfig returns the standard client tuning.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		TimeoutSeconds:      30,
		MaxRetries:          3,
		RetryBackoffSeconds: 2,
		Breaker:             DefaultBreakerConfig(),
		EnableTracing:       true,
	}
}

// SendRequest describes one outbound A2A exchange.
type SendRequest struct {
	Capability      string
	Intent          string
	Payload         map[string]any
	TargetAgentID   string
	TargetAgentName string
	TraceID         string
	SpanID          string
	TimeoutSeconds  int
	Priority        Priority
}

// SendError carries the terminal failure of a send together with the number
// of attempts made.
type SendError struct {
	Attempts int
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("a2a send failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Client sends A2A messages to specialist agents resolved through the
// registry, guarding each target with a circuit breaker.
type Client struct {
	source     AgentIdentifier
	discoverer Discoverer
	cfg        ClientConfig
	httpClient *http.Client
	breakers   *BreakerSet
	selection  SelectionStrategy
	tracer     trace.Tracer
	logger     *slog.Logger

	// sleep is injectable for tests.
	sleep func(time.Duration)
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithSelectionStrategy overrides the load-balancing policy.
func WithSelectionStrategy(s SelectionStrategy) ClientOption {
	return func(c *Client) { c.selection = s }
}

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTransitionFunc observes breaker transitions.
func WithTransitionFunc(fn TransitionFunc) ClientOption {
	return func(c *Client) { c.breakers = NewBreakerSet(c.cfg.Breaker, fn) }
}

// WithTracer overrides the tracer used for send spans.
func WithTracer(t trace.Tracer) ClientOption {
	return func(c *Client) { c.tracer = t }
}

// NewClient creates an A2A client for the given source agent.
func NewClient(source AgentIdentifier, discoverer Discoverer, cfg ClientConfig, opts ...ClientOption) *Client {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 30
	}
	if cfg.RetryBackoffSeconds <= 0 {
		cfg.RetryBackoffSeconds = 2
	}

	c := &Client{
		source:     source,
		discoverer: discoverer,
		cfg:        cfg,
		httpClient: &http.Client{},
		breakers:   NewBreakerSet(cfg.Breaker, nil),
		selection:  FirstAvailable,
		logger:     slog.Default(),
		sleep:      time.Sleep,
	}
	if cfg.EnableTracing {
		c.tracer = otel.Tracer("fabric.a2a")
	} else {
		c.tracer = tracenoop.NewTracerProvider().Tracer("fabric.a2a")
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breakers exposes the client's breaker set, mainly for tests and metrics.
func (c *Client) Breakers() *BreakerSet { return c.breakers }

// Send resolves the target, builds the envelope and attempts delivery with
// exponential backoff. The breaker for the target is consulted before any
// network attempt and updated after every attempt.
func (c *Client) Send(ctx context.Context, req SendRequest) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "a2a.send."+req.Intent,
		trace.WithAttributes(
			attribute.String("target.capability", req.Capability),
			attribute.String("intent", req.Intent),
		),
	)
	defer span.End()

	target, err := c.resolveTarget(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("target.agent_id", target.AgentID))

	breaker := c.breakers.For(target.AgentID)
	if !breaker.CanExecute() {
		span.SetStatus(codes.Error, "circuit open")
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, target.AgentID)
	}

	msg := NewMessage(c.source, AgentIdentifier{AgentID: target.AgentID, AgentName: target.AgentName}, req.Intent, req.Payload)
	msg.Metadata.TimeoutSeconds = req.TimeoutSeconds
	if msg.Metadata.TimeoutSeconds <= 0 {
		msg.Metadata.TimeoutSeconds = c.cfg.TimeoutSeconds
	}
	msg.Metadata.TraceID = req.TraceID
	msg.Metadata.SpanID = req.SpanID
	if req.Priority != "" {
		msg.Metadata.Priority = req.Priority
	}

	attempts := c.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(c.cfg.RetryBackoffSeconds) * time.Second << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, &SendError{Attempts: attempt, Err: ctx.Err()}
			default:
			}
			c.sleep(backoff)
		}

		msg.Metadata.RetryCount = attempt

		started := time.Now()
		resp, err := c.attempt(ctx, target.A2AEndpoint, msg)
		elapsed := time.Since(started)
		span.AddEvent("attempt", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.Int64("latency_ms", elapsed.Milliseconds()),
		))

		if err == nil && resp.Status == StatusSuccess {
			breaker.RecordSuccess()
			if resp.Metadata.ProcessingTimeMS == 0 {
				resp.Metadata.ProcessingTimeMS = elapsed.Milliseconds()
			}
			span.SetStatus(codes.Ok, "")
			span.SetAttributes(attribute.String("a2a.status", string(resp.Status)))
			return resp, nil
		}

		if errors.Is(err, ErrProtocolRejected) {
			// The target is healthy; it refused the message. Retrying the
			// same envelope cannot succeed, and the breaker tracks target
			// availability, not sender mistakes.
			c.logger.Error("a2a message rejected",
				"intent", req.Intent,
				"target", target.AgentID,
				"error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, &SendError{Attempts: attempt + 1, Err: err}
		}

		breaker.RecordFailure()
		if err != nil {
			lastErr = err
		} else {
			lastErr = responseError(resp)
		}
		c.logger.Warn("a2a attempt failed",
			"intent", req.Intent,
			"target", target.AgentID,
			"attempt", attempt,
			"error", lastErr)

		if ctx.Err() != nil {
			// Cancellation is terminal; do not retry.
			span.SetStatus(codes.Error, ctx.Err().Error())
			return nil, &SendError{Attempts: attempt + 1, Err: ctx.Err()}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, &SendError{Attempts: attempts, Err: lastErr}
}

// resolveTarget finds the agent to send to: the explicit target id if given,
// otherwise the first discovered agent for the capability.
func (c *Client) resolveTarget(ctx context.Context, req SendRequest) (*AgentInfo, error) {
	if req.TargetAgentID != "" {
		agent, err := c.discoverer.GetAgent(ctx, req.TargetAgentID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve target agent %s: %w", req.TargetAgentID, err)
		}
		return agent, nil
	}

	agents, err := c.discoverer.Discover(ctx, req.Capability)
	if err != nil {
		return nil, fmt.Errorf("discovery failed for capability %s: %w", req.Capability, err)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoAgent, req.Capability)
	}

	selected := c.selection(agents)
	return &selected, nil
}

// attempt performs a single POST of the envelope to the target's a2a
// endpoint. Transport errors, 5xx and undecodable bodies are retryable
// failures; a 4xx wraps ErrProtocolRejected and is terminal.
func (c *Client) attempt(ctx context.Context, endpoint string, msg *Message) (*Response, error) {
	body, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(msg.Metadata.TimeoutSeconds) * time.Second
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.BearerToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.BearerToken)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("a2a transport error: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("a2a server failure: %s - %s", httpResp.Status, string(respBody))
	}
	if httpResp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("%w: %s - %s", ErrProtocolRejected, httpResp.Status, string(respBody))
	}
	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("unexpected a2a status: %s - %s", httpResp.Status, string(respBody))
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode a2a response: %w", err)
	}
	return &resp, nil
}

func responseError(resp *Response) error {
	if resp.Error != nil {
		return fmt.Errorf("a2a %s: %s: %s", resp.Status, resp.Error.Code, resp.Error.Message)
	}
	return fmt.Errorf("a2a %s response", resp.Status)
}
