// Package observe provides observability primitives for voiceloop:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware
// for the local diagnostics server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from /metrics. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voiceloop metrics.
const meterName = "github.com/MrWong99/voiceloop"

// Metrics holds all OpenTelemetry metric instruments for the client.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Transport ---

	// DialDuration tracks websocket dial latency. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("status", ...)
	DialDuration metric.Float64Histogram

	// Reconnects counts scheduled reconnect attempts per channel.
	Reconnects metric.Int64Counter

	// TransportErrors counts connection failures. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("kind", ...)
	TransportErrors metric.Int64Counter

	// MessagesReceived counts decoded inbound messages. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("kind", ...)
	MessagesReceived metric.Int64Counter

	// ActiveSessions tracks the number of open websocket sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Capture ---

	// CaptureStartDuration tracks the time from a listen request until
	// frames start flowing, including the connection wait.
	CaptureStartDuration metric.Float64Histogram

	// FramesSent counts outbound audio frames written to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts outbound frames discarded before sending. Use
	// with attribute: attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// --- Playback ---

	// FramesPlayed counts inbound frames played to completion.
	FramesPlayed metric.Int64Counter

	// DecodeFailures counts inbound frames skipped because they could not be
	// decoded.
	DecodeFailures metric.Int64Counter

	// QueueDepth tracks frames waiting for playback.
	QueueDepth metric.Int64UpDownCounter

	// --- Agent activity ---

	// AgentTransitions counts sub-task status changes. Use with attribute:
	//   attribute.String("result", "applied"|"rejected")
	AgentTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks diagnostics HTTP request time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection and startup latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DialDuration, err = m.Float64Histogram("voiceloop.transport.dial.duration",
		metric.WithDescription("Latency of websocket dials."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptureStartDuration, err = m.Float64Histogram("voiceloop.capture.start.duration",
		metric.WithDescription("Time from listen request until capture is running."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Reconnects, err = m.Int64Counter("voiceloop.transport.reconnects",
		metric.WithDescription("Scheduled reconnect attempts by channel."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("voiceloop.transport.errors",
		metric.WithDescription("Connection failures by channel and kind."),
	); err != nil {
		return nil, err
	}
	if met.MessagesReceived, err = m.Int64Counter("voiceloop.transport.messages",
		metric.WithDescription("Inbound messages by channel and kind."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("voiceloop.capture.frames_sent",
		metric.WithDescription("Outbound audio frames sent."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voiceloop.capture.frames_dropped",
		metric.WithDescription("Outbound audio frames dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesPlayed, err = m.Int64Counter("voiceloop.playback.frames_played",
		metric.WithDescription("Inbound audio frames played."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("voiceloop.playback.decode_failures",
		metric.WithDescription("Inbound audio frames skipped after a decode failure."),
	); err != nil {
		return nil, err
	}
	if met.AgentTransitions, err = m.Int64Counter("voiceloop.agent.transitions",
		metric.WithDescription("Sub-task status changes by result."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voiceloop.transport.active_sessions",
		metric.WithDescription("Number of open websocket sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("voiceloop.playback.queue_depth",
		metric.WithDescription("Inbound frames waiting for playback."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voiceloop.http.request.duration",
		metric.WithDescription("Diagnostics HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransportError records a connection failure for channel.
func (m *Metrics) RecordTransportError(ctx context.Context, channel, kind string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("kind", kind),
		),
	)
}

// RecordMessage records one inbound message.
func (m *Metrics) RecordMessage(ctx context.Context, channel, kind string) {
	m.MessagesReceived.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("kind", kind),
		),
	)
}

// RecordFrameDropped records one outbound frame that was not sent.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAgentTransition records one applied or rejected sub-task change.
func (m *Metrics) RecordAgentTransition(ctx context.Context, applied bool) {
	result := "applied"
	if !applied {
		result = "rejected"
	}
	m.AgentTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
