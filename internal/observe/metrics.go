// Package observe provides the OpenTelemetry metric instruments for the
// voice-agent pipeline and the HTTP middleware that records them.
//
// Metrics are recorded through the OTel Metrics API and exported via a
// Prometheus bridge set up in [InitProvider], so the standard /metrics
// endpoint keeps working. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all parley metrics.
const meterName = "github.com/parley-ai/parley"

// Metrics holds the metric instruments for the application. All fields are
// safe for concurrent use; the OTel types synchronise internally.
type Metrics struct {
	// STTDuration tracks latency from audio commit to final transcript.
	STTDuration metric.Float64Histogram

	// AgentDuration tracks full agent-turn latency including tool calls.
	AgentDuration metric.Float64Histogram

	// ToolExecutionDuration tracks single tool invocation latency.
	ToolExecutionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks control-surface request latency. Use with
	// attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram

	// MessagesReceived counts client messages by type.
	MessagesReceived metric.Int64Counter

	// AudioChunks counts received audio chunks.
	AudioChunks metric.Int64Counter

	// Transcriptions counts final transcripts.
	Transcriptions metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes: tool, status.
	ToolCalls metric.Int64Counter

	// Errors counts errors surfaced to clients by error code.
	Errors metric.Int64Counter

	// ActiveConnections tracks live WebSocket connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveSessions tracks live sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram boundaries (seconds) tuned for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised Metrics struct from the given
// MeterProvider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.STTDuration, err = m.Float64Histogram("parley.stt.duration",
		metric.WithDescription("Latency from audio commit to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AgentDuration, err = m.Float64Histogram("parley.agent.duration",
		metric.WithDescription("Full agent-turn latency including tool calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("parley.tool_execution.duration",
		metric.WithDescription("Latency of a single tool invocation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if met.MessagesReceived, err = m.Int64Counter("parley.messages.received",
		metric.WithDescription("Client messages received by type."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("parley.audio.chunks",
		metric.WithDescription("Audio chunks received."),
	); err != nil {
		return nil, err
	}
	if met.Transcriptions, err = m.Int64Counter("parley.stt.transcriptions",
		metric.WithDescription("Final transcripts produced."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("parley.tool.calls",
		metric.WithDescription("Tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.Errors, err = m.Int64Counter("parley.errors",
		metric.WithDescription("Errors surfaced to clients by error code."),
	); err != nil {
		return nil, err
	}

	if met.ActiveConnections, err = m.Int64UpDownCounter("parley.active_connections",
		metric.WithDescription("Live WebSocket connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Live sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level Metrics instance, creating it on
// first call from the global MeterProvider. Panics if instrument creation
// fails, which cannot happen with the global provider.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordToolCall increments the tool-call counter with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordError increments the error counter for one error code.
func (m *Metrics) RecordError(ctx context.Context, code string) {
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("error_code", code)))
}

// RecordMessage increments the received-message counter for one message type.
func (m *Metrics) RecordMessage(ctx context.Context, msgType string) {
	m.MessagesReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("type", msgType)))
}
