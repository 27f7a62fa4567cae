// Package observe provides the observability primitives of voxloop:
// OpenTelemetry metrics, tracing, trace-aware structured logging, and HTTP
// middleware for the metrics and health endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxloop metrics.
const meterName = "github.com/MrWong99/voxloop"

// Turn outcomes used with [Metrics.RecordTurn].
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeAborted   = "aborted"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
type Metrics struct {
	// --- Session ---

	// StateTransitions counts state machine transitions. Attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// SetupFailures counts failed session setup attempts. Attribute:
	//   attribute.String("stage", ...)  // capture, dial, backend
	SetupFailures metric.Int64Counter

	// Turns counts finished turns by outcome. Attribute:
	//   attribute.String("outcome", ...)
	Turns metric.Int64Counter

	// ActiveTurns is 1 while a turn is recording or generating.
	ActiveTurns metric.Int64UpDownCounter

	// TurnLatency measures end of utterance to first audible reply.
	TurnLatency metric.Float64Histogram

	// --- Segmentation ---

	// SegmentsSent counts audio segments sent upstream. Attribute:
	//   attribute.String("kind", ...)  // chunk, final
	SegmentsSent metric.Int64Counter

	// SegmentDuration measures the talking duration of finished utterances.
	SegmentDuration metric.Float64Histogram

	// --- Transport ---

	// ConnectionFailures counts dial failures and abnormal closures.
	ConnectionFailures metric.Int64Counter

	// ProtocolViolations counts malformed messages dropped by the demuxer.
	ProtocolViolations metric.Int64Counter

	// --- Playback ---

	// ItemsPlayed counts playback queue items by kind and status.
	ItemsPlayed metric.Int64Counter

	// DecodeFailures counts undecodable audio payloads. Attribute:
	//   attribute.String("codec", ...)
	DecodeFailures metric.Int64Counter

	// --- Backend ---

	// BreakerTransitions counts circuit breaker state changes. Attribute:
	//   attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// conversational latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10,
}

// segmentBuckets covers utterance lengths up to the forced segment limit.
var segmentBuckets = []float64{
	0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.StateTransitions, err = m.Int64Counter("voxloop.session.transitions",
		metric.WithDescription("Session state machine transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.SetupFailures, err = m.Int64Counter("voxloop.session.setup_failures",
		metric.WithDescription("Failed session setup attempts by stage."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("voxloop.session.turns",
		metric.WithDescription("Finished conversation turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsSent, err = m.Int64Counter("voxloop.vad.segments_sent",
		metric.WithDescription("Audio segments sent to the backend by kind."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionFailures, err = m.Int64Counter("voxloop.transport.connection_failures",
		metric.WithDescription("Websocket dial failures and abnormal closures."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolViolations, err = m.Int64Counter("voxloop.transport.protocol_violations",
		metric.WithDescription("Malformed or unexpected messages received from the backend."),
	); err != nil {
		return nil, err
	}
	if met.ItemsPlayed, err = m.Int64Counter("voxloop.playback.items",
		metric.WithDescription("Playback queue items by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("voxloop.playback.decode_failures",
		metric.WithDescription("Audio payloads that could not be decoded, by codec."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voxloop.backend.breaker_transitions",
		metric.WithDescription("Backend circuit breaker state changes by target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTurns, err = m.Int64UpDownCounter("voxloop.session.active_turns",
		metric.WithDescription("Turns currently recording or generating."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.TurnLatency, err = m.Float64Histogram("voxloop.session.turn_latency",
		metric.WithDescription("Latency from end of utterance to the first audible reply."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("voxloop.vad.segment_duration",
		metric.WithDescription("Talking duration of finished utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxloop.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordTransition records one state machine transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(Attr("from", from), Attr("to", to)))
}

// RecordSetupFailure records a failed setup attempt at stage.
func (m *Metrics) RecordSetupFailure(ctx context.Context, stage string) {
	m.SetupFailures.Add(ctx, 1, metric.WithAttributes(Attr("stage", stage)))
}

// RecordTurn records a finished turn.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordSegment records a segment sent upstream. talking is only recorded
// for final segments.
func (m *Metrics) RecordSegment(ctx context.Context, final bool, talking time.Duration) {
	kind := "chunk"
	if final {
		kind = "final"
		m.SegmentDuration.Record(ctx, talking.Seconds())
	}
	m.SegmentsSent.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordPlayback records the outcome of one playback item.
func (m *Metrics) RecordPlayback(ctx context.Context, kind, status string) {
	m.ItemsPlayed.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("status", status)))
}

// RecordDecodeFailure records an undecodable payload.
func (m *Metrics) RecordDecodeFailure(ctx context.Context, codec string) {
	m.DecodeFailures.Add(ctx, 1, metric.WithAttributes(Attr("codec", codec)))
}
