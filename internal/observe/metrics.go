// Package observe provides the observability primitives of voicelink:
// OpenTelemetry metrics for the audio pipeline and session, tracing helpers,
// trace-aware structured logging, and HTTP middleware tying them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported for
// Prometheus scraping by [InitProvider]. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voicelink metrics.
const meterName = "github.com/MrWong99/voicelink"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// FramesProcessed counts frames that completed a pipeline pass. Use with
	// attribute path = "loopback" | "send" | "receive".
	FramesProcessed metric.Int64Counter

	// FramesDropped counts frames lost to a failing stage. Use with
	// attribute stage = "capture" | "playback" | "encode" | "decode" | "send".
	FramesDropped metric.Int64Counter

	// CodecErrors counts rejected encode/decode calls. Use with attribute
	// direction = "encode" | "decode".
	CodecErrors metric.Int64Counter

	// PayloadBytes tracks encoded packet sizes. Use with attribute direction.
	PayloadBytes metric.Int64Histogram

	// FrameDuration tracks how long one pipeline pass takes, excluding the
	// time spent blocked in the capture read.
	FrameDuration metric.Float64Histogram

	// SessionTransitions counts connectivity state changes by state.
	SessionTransitions metric.Int64Counter

	// SessionState is the current connectivity state as its numeric value.
	SessionState metric.Int64Gauge

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes breaker and state.
	BreakerTransitions metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes route and status.
	HTTPRequestDuration metric.Float64Histogram
}

// frameBuckets are histogram boundaries (in seconds) sized around a 10-60 ms
// frame budget.
var frameBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.04, 0.08,
}

// payloadBuckets are histogram boundaries (in bytes) for Opus packets.
var payloadBuckets = []float64{8, 16, 32, 64, 96, 128, 192, 256, 512, 1276}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesProcessed, err = m.Int64Counter("voicelink.frames.processed",
		metric.WithDescription("Frames that completed a pipeline pass, by path."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicelink.frames.dropped",
		metric.WithDescription("Frames dropped, by failing stage."),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("voicelink.codec.errors",
		metric.WithDescription("Codec failures, by direction."),
	); err != nil {
		return nil, err
	}
	if met.PayloadBytes, err = m.Int64Histogram("voicelink.payload.bytes",
		metric.WithDescription("Encoded payload size, by direction."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(payloadBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameDuration, err = m.Float64Histogram("voicelink.frame.duration",
		metric.WithDescription("Processing time of one frame, by path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("voicelink.session.transitions",
		metric.WithDescription("Connectivity state changes, by state."),
	); err != nil {
		return nil, err
	}
	if met.SessionState, err = m.Int64Gauge("voicelink.session.state",
		metric.WithDescription("Current connectivity state (0 new, 1 connecting, 2 connected, 3 disconnected, 4 closed, 5 failed)."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("voicelink.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes, by breaker and new state."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicelink.http.request.duration",
		metric.WithDescription("HTTP request latency, by route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame records one completed pipeline pass on path.
func (m *Metrics) RecordFrame(ctx context.Context, path string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("path", path))
	m.FramesProcessed.Add(ctx, 1, attrs)
	m.FrameDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordDrop records a frame lost at stage.
func (m *Metrics) RecordDrop(ctx context.Context, stage string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordCodecError records a codec failure in direction.
func (m *Metrics) RecordCodecError(ctx context.Context, direction string) {
	m.CodecErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordPayload records the size of an encoded packet moving in direction.
func (m *Metrics) RecordPayload(ctx context.Context, direction string, n int) {
	m.PayloadBytes.Record(ctx, int64(n), metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordSessionState records a connectivity transition to state, whose
// numeric value is code.
func (m *Metrics) RecordSessionState(ctx context.Context, state string, code int) {
	m.SessionTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
	m.SessionState.Record(ctx, int64(code))
}

// RecordBreakerState records breaker moving to state.
func (m *Metrics) RecordBreakerState(ctx context.Context, breaker, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", breaker),
		attribute.String("state", state),
	))
}
