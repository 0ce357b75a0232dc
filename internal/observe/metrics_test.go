package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"phonebridge.session.duration", m.SessionDuration},
		{"phonebridge.dial.duration", m.DialDuration},
		{"phonebridge.ready.latency", m.ReadyLatency},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestFrameCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, m.FramesReceived, DirectionInbound)
	m.RecordFrame(ctx, m.FramesReceived, DirectionInbound)
	m.RecordFrame(ctx, m.FramesReceived, DirectionOutbound)
	m.RecordFrame(ctx, m.FramesForwarded, DirectionInbound)
	m.RecordFrame(ctx, m.FramesBuffered, DirectionInbound)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "phonebridge.frames.received", "direction", DirectionInbound); got != 2 {
		t.Errorf("received inbound = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "phonebridge.frames.received", "direction", DirectionOutbound); got != 1 {
		t.Errorf("received outbound = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "phonebridge.frames.forwarded", "direction", DirectionInbound); got != 1 {
		t.Errorf("forwarded inbound = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "phonebridge.frames.buffered", "direction", DirectionInbound); got != 1 {
		t.Errorf("buffered inbound = %d, want 1", got)
	}
}

func TestRecordDrop(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDrop(ctx, DirectionInbound, "backpressure")
	m.RecordDrop(ctx, DirectionInbound, "backpressure")
	m.RecordDrop(ctx, DirectionOutbound, "disabled")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "phonebridge.frames.dropped", "reason", "backpressure"); got != 2 {
		t.Errorf("dropped backpressure = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "phonebridge.frames.dropped", "reason", "disabled"); got != 1 {
		t.Errorf("dropped disabled = %d, want 1", got)
	}
}

func TestErrorCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDecodeError(ctx, DirectionInbound)
	m.RecordProtocolError(ctx, "upstream")
	m.RecordProtocolError(ctx, "downstream")
	m.RecordProtocolError(ctx, "downstream")
	m.RecordDialError(ctx, "circuit_open")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "phonebridge.decode.errors", "direction", DirectionInbound); got != 1 {
		t.Errorf("decode errors = %d, want 1", got)
	}
	if got := sumWhere(t, rm, "phonebridge.protocol.errors", "side", "downstream"); got != 2 {
		t.Errorf("downstream protocol errors = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "phonebridge.dial.errors", "kind", "circuit_open"); got != 1 {
		t.Errorf("dial errors = %d, want 1", got)
	}
}

func TestRecordSessionClosed(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.RecordSessionClosed(ctx, 1000, "stream stopped", 42)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "phonebridge.sessions.closed", "code", "1000"); got != 1 {
		t.Errorf("sessions closed = %d, want 1", got)
	}

	met := findMetric(rm, "phonebridge.active_sessions")
	if met == nil {
		t.Fatal("active_sessions not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	dur := findMetric(rm, "phonebridge.session.duration")
	if dur == nil {
		t.Fatal("session.duration not found")
	}
	hist := dur.Data.(metricdata.Histogram[float64])
	if got := hist.DataPoints[0].Sum; got != 42 {
		t.Errorf("duration sum = %v, want 42", got)
	}
}

func TestPendingDrained(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.PendingDrained.Record(context.Background(), 7)

	rm := collect(t, reader)
	met := findMetric(rm, "phonebridge.pending.drained")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[int64])
	if !ok {
		t.Fatal("metric is not an int64 histogram")
	}
	if got := hist.DataPoints[0].Sum; got != 7 {
		t.Errorf("sum = %d, want 7", got)
	}
}

func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	// The default registry always carries the Go runtime collector.
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("response does not look like Prometheus exposition format")
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
