package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the fabric's instruments, exported in Prometheus format.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	a2aSends           metric.Int64Counter
	a2aSendDuration    metric.Float64Histogram
	breakerTransitions metric.Int64Counter
	toolCalls          metric.Int64Counter
	toolCallDuration   metric.Float64Histogram
	llmCalls           metric.Int64Counter
	cacheProbes        metric.Int64Counter
}

// NewMetrics builds the meter provider with a Prometheus reader.
func NewMetrics() (*Metrics, error) {
	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter))
	meter := provider.Meter("fabric")

	m := &Metrics{provider: provider}

	m.a2aSends, err = meter.Int64Counter(
		"fabric_a2a_sends_total",
		metric.WithDescription("Total A2A send attempts by intent and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create a2a sends counter: %w", err)
	}

	m.a2aSendDuration, err = meter.Float64Histogram(
		"fabric_a2a_send_duration_seconds",
		metric.WithDescription("A2A send duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create a2a duration histogram: %w", err)
	}

	m.breakerTransitions, err = meter.Int64Counter(
		"fabric_breaker_transitions_total",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create breaker transitions counter: %w", err)
	}

	m.toolCalls, err = meter.Int64Counter(
		"fabric_tool_calls_total",
		metric.WithDescription("Total MCP tool calls by tool and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	m.toolCallDuration, err = meter.Float64Histogram(
		"fabric_tool_call_duration_seconds",
		metric.WithDescription("MCP tool call duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	m.llmCalls, err = meter.Int64Counter(
		"fabric_llm_calls_total",
		metric.WithDescription("Total LLM completion calls by purpose and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm calls counter: %w", err)
	}

	m.cacheProbes, err = meter.Int64Counter(
		"fabric_cache_probes_total",
		metric.WithDescription("User cache probes by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache probes counter: %w", err)
	}

	return m, nil
}

// Handler exposes the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordA2ASend records one completed A2A send.
func (m *Metrics) RecordA2ASend(ctx context.Context, intent, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("intent", intent),
		attribute.String("outcome", outcome),
	)
	m.a2aSends.Add(ctx, 1, attrs)
	m.a2aSendDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordBreakerTransition records one breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, target, from, to string) {
	m.breakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordToolCall records one MCP tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.toolCalls.Add(ctx, 1, attrs)
	m.toolCallDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordLLMCall records one classifier or formatter completion call.
func (m *Metrics) RecordLLMCall(ctx context.Context, purpose, outcome string) {
	m.llmCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("purpose", purpose),
		attribute.String("outcome", outcome),
	))
}

// RecordCacheProbe records one cache probe outcome ("hit" or "miss").
func (m *Metrics) RecordCacheProbe(ctx context.Context, outcome string) {
	m.cacheProbes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}
