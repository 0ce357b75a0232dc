// Package observe provides application-wide observability primitives for
// the phone bridge: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// backs them with a Prometheus exporter on a private registry and serves it
// from [Provider.Handler]. Code running without a provider falls back to
// [DefaultMetrics] on the global meter provider and [MetricsHandler]; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/MrWong99/phonebridge"

// Frame directions used as the "direction" attribute.
const (
	DirectionInbound  = "inbound"  // caller → agent
	DirectionOutbound = "outbound" // agent → caller
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionDuration tracks how long calls stay bridged.
	SessionDuration metric.Float64Histogram

	// SessionsClosed counts finished sessions. Use with attributes:
	//   attribute.String("code", ...), attribute.String("reason", ...)
	SessionsClosed metric.Int64Counter

	// --- Frames ---

	// FramesReceived counts media frames accepted from either side. Use with
	// attribute.String("direction", ...).
	FramesReceived metric.Int64Counter

	// FramesForwarded counts frames handed to the opposite side.
	FramesForwarded metric.Int64Counter

	// FramesBuffered counts inbound frames parked until the agent is ready.
	FramesBuffered metric.Int64Counter

	// FramesDropped counts discarded frames. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// PendingDrained records how many buffered frames were flushed when the
	// agent signalled readiness.
	PendingDrained metric.Int64Histogram

	// --- Errors ---

	// DecodeErrors counts frames that failed to transcode.
	DecodeErrors metric.Int64Counter

	// ProtocolErrors counts unparseable control messages. Use with
	// attribute.String("side", ...).
	ProtocolErrors metric.Int64Counter

	// --- Agent dial ---

	// DialDuration tracks agent websocket handshake latency.
	DialDuration metric.Float64Histogram

	// DialErrors counts failed agent dials. Use with
	// attribute.String("kind", ...).
	DialErrors metric.Int64Counter

	// ReadyLatency tracks the time from dial to the agent's readiness
	// signal.
	ReadyLatency metric.Float64Histogram

	// --- HTTP ---

	// HTTPRequestDuration tracks plain (non-upgraded) HTTP requests. Use
	// with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	// where route is the matched ServeMux pattern, never the raw path.
	HTTPRequestDuration metric.Float64Histogram

	// StreamUpgrades counts requests upgraded to a websocket media stream.
	// The call itself is measured by SessionDuration. Use with
	// attribute.String("route", ...).
	StreamUpgrades metric.Int64Counter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for dial
// and readiness latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// callBuckets defines histogram bucket boundaries (in seconds) for call
// lengths.
var callBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("phonebridge.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("phonebridge.session.duration",
		metric.WithDescription("Duration of bridged calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(callBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionsClosed, err = m.Int64Counter("phonebridge.sessions.closed",
		metric.WithDescription("Total closed sessions by close code and reason."),
	); err != nil {
		return nil, err
	}

	// Frames.
	if met.FramesReceived, err = m.Int64Counter("phonebridge.frames.received",
		metric.WithDescription("Media frames received by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesForwarded, err = m.Int64Counter("phonebridge.frames.forwarded",
		metric.WithDescription("Media frames forwarded by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesBuffered, err = m.Int64Counter("phonebridge.frames.buffered",
		metric.WithDescription("Inbound frames buffered before agent readiness."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("phonebridge.frames.dropped",
		metric.WithDescription("Media frames dropped by direction and reason."),
	); err != nil {
		return nil, err
	}
	if met.PendingDrained, err = m.Int64Histogram("phonebridge.pending.drained",
		metric.WithDescription("Buffered frames flushed on agent readiness."),
		metric.WithExplicitBucketBoundaries(0, 1, 5, 10, 25, 50, 100, 250, 500),
	); err != nil {
		return nil, err
	}

	// Errors.
	if met.DecodeErrors, err = m.Int64Counter("phonebridge.decode.errors",
		metric.WithDescription("Frames that failed to transcode by direction."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("phonebridge.protocol.errors",
		metric.WithDescription("Unparseable control messages by side."),
	); err != nil {
		return nil, err
	}

	// Agent dial.
	if met.DialDuration, err = m.Float64Histogram("phonebridge.dial.duration",
		metric.WithDescription("Latency of the agent websocket handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DialErrors, err = m.Int64Counter("phonebridge.dial.errors",
		metric.WithDescription("Failed agent dials by kind."),
	); err != nil {
		return nil, err
	}
	if met.ReadyLatency, err = m.Float64Histogram("phonebridge.ready.latency",
		metric.WithDescription("Time from agent dial to readiness signal."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP.
	if met.HTTPRequestDuration, err = m.Float64Histogram("phonebridge.http.request.duration",
		metric.WithDescription("Latency of plain HTTP requests by method and route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StreamUpgrades, err = m.Int64Counter("phonebridge.http.upgrades",
		metric.WithDescription("Requests upgraded to a websocket media stream by route."),
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
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordFrame increments counter for one frame travelling in direction.
func (m *Metrics) RecordFrame(ctx context.Context, counter metric.Int64Counter, direction string) {
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordDrop records a dropped frame with the standard attribute set.
func (m *Metrics) RecordDrop(ctx context.Context, direction, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}

// RecordDecodeError records a transcoding failure.
func (m *Metrics) RecordDecodeError(ctx context.Context, direction string) {
	m.DecodeErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordProtocolError records an unparseable message from side.
func (m *Metrics) RecordProtocolError(ctx context.Context, side string) {
	m.ProtocolErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("side", side)),
	)
}

// RecordDialError records a failed agent dial.
func (m *Metrics) RecordDialError(ctx context.Context, kind string) {
	m.DialErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordSessionClosed records a finished session and its duration.
func (m *Metrics) RecordSessionClosed(ctx context.Context, code int, reason string, seconds float64) {
	m.SessionsClosed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("code", strconv.Itoa(code)),
			attribute.String("reason", reason),
		),
	)
	m.SessionDuration.Record(ctx, seconds)
}
