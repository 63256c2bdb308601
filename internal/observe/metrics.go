// Package observe provides the observability primitives for avatarlink:
// OpenTelemetry metrics and tracing, a trace-aware slog helper, and HTTP
// middleware that ties them together.
//
// Metrics go through the OpenTelemetry Metrics API and are scraped through
// the Prometheus exporter bridge set up by [InitProvider]. [DefaultMetrics]
// uses the global provider; tests should call [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all avatarlink metrics.
const meterName = "github.com/MrWong99/avatarlink"

// Metrics holds every instrument the client records. The OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Session lifecycle ---

	// SessionStartDuration tracks the time from Start to Active. Use with
	// attribute.String("status", "ok"|<error kind>).
	SessionStartDuration metric.Float64Histogram

	// SessionErrors counts sessions that ended on an error, by kind.
	SessionErrors metric.Int64Counter

	// ActiveSessions is 1 while a session is Active.
	ActiveSessions metric.Int64UpDownCounter

	// --- Media ---

	// ChunksSent counts microphone chunks handed to the control channel.
	ChunksSent metric.Int64Counter

	// ChunkBytes counts encoded microphone bytes sent.
	ChunkBytes metric.Int64Counter

	// FramesPushed counts synthesized audio frames pushed to the renderer.
	// Use with attribute.String("source", "backend"|"silence").
	FramesPushed metric.Int64Counter

	// --- Control messages ---

	// ControlMessages counts handled control messages by type.
	ControlMessages metric.Int64Counter

	// DecodeErrors counts text payloads that were not valid JSON.
	DecodeErrors metric.Int64Counter

	// UnknownMessages counts well-formed control messages of unknown type.
	UnknownMessages metric.Int64Counter

	// --- HTTP control surface ---

	// HTTPRequestDuration tracks request processing time by method and route.
	HTTPRequestDuration metric.Float64Histogram
}

// startBuckets covers session setup: backend call, two dials and renderer
// token exchange.
var startBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30,
}

// NewMetrics creates a [Metrics] on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionStartDuration, err = m.Float64Histogram("avatarlink.session.start.duration",
		metric.WithDescription("Time from session start request until the session is active."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(startBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("avatarlink.session.errors",
		metric.WithDescription("Sessions that failed or ended on an error, by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("avatarlink.active_sessions",
		metric.WithDescription("Number of active avatar sessions."),
	); err != nil {
		return nil, err
	}

	if met.ChunksSent, err = m.Int64Counter("avatarlink.capture.chunks",
		metric.WithDescription("Microphone chunks sent to the backend."),
	); err != nil {
		return nil, err
	}
	if met.ChunkBytes, err = m.Int64Counter("avatarlink.capture.bytes",
		metric.WithDescription("Encoded microphone bytes sent to the backend."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FramesPushed, err = m.Int64Counter("avatarlink.renderer.frames",
		metric.WithDescription("Audio frames pushed to the avatar renderer, by source."),
	); err != nil {
		return nil, err
	}

	if met.ControlMessages, err = m.Int64Counter("avatarlink.control.messages",
		metric.WithDescription("Control messages handled, by type."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("avatarlink.control.decode_errors",
		metric.WithDescription("Control channel text payloads that failed to decode."),
	); err != nil {
		return nil, err
	}
	if met.UnknownMessages, err = m.Int64Counter("avatarlink.control.unknown",
		metric.WithDescription("Control messages of an unknown type, by type."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("avatarlink.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Panics if instrument creation fails.
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

// RecordSessionStart records how long a start attempt took. status is "ok"
// or the error kind.
func (m *Metrics) RecordSessionStart(ctx context.Context, d time.Duration, status string) {
	m.SessionStartDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionError counts a session failure of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordChunk counts one microphone chunk of n bytes.
func (m *Metrics) RecordChunk(ctx context.Context, n int) {
	m.ChunksSent.Add(ctx, 1)
	m.ChunkBytes.Add(ctx, int64(n))
}

// RecordFrame counts one frame pushed to the renderer.
func (m *Metrics) RecordFrame(ctx context.Context, source string) {
	m.FramesPushed.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordControlMessage counts a handled control message.
func (m *Metrics) RecordControlMessage(ctx context.Context, typ string) {
	m.ControlMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordUnknownMessage counts an ignored control message.
func (m *Metrics) RecordUnknownMessage(ctx context.Context, typ string) {
	m.UnknownMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}
