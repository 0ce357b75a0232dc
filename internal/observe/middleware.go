package observe

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
	"go.opentelemetry.io/otel/trace"
)

// routeUnmatched labels requests no ServeMux pattern matched.
const routeUnmatched = "unmatched"

// responseTracker records the status a handler wrote and whether it took
// over the connection for a websocket.
type responseTracker struct {
	http.ResponseWriter
	status    int
	upgraded  bool
	onUpgrade func()
}

func (rt *responseTracker) WriteHeader(code int) {
	rt.status = code
	rt.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to a websocket library. A successful hijack
// marks the request as an upgrade.
func (rt *responseTracker) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(rt.ResponseWriter).Hijack()
	if err != nil {
		return nil, nil, err
	}
	rt.status = http.StatusSwitchingProtocols
	rt.upgraded = true
	if rt.onUpgrade != nil {
		rt.onUpgrade()
	}
	return conn, rw, nil
}

func (rt *responseTracker) Unwrap() http.ResponseWriter { return rt.ResponseWriter }

// routeOf returns the path part of the ServeMux pattern that matched r. The
// mux stores the pattern on the request it dispatches, so this is only
// meaningful once the mux has seen r.
func routeOf(r *http.Request) string {
	p := r.Pattern
	if p == "" {
		return routeUnmatched
	}
	if _, path, ok := strings.Cut(p, " "); ok {
		p = path
	}
	return p
}

// Middleware instruments the HTTP surface in front of a [http.ServeMux].
//
// Every request gets a server span continuing any W3C trace context it
// carries, and the trace ID is echoed in X-Correlation-ID. Metrics and logs
// are labelled with the matched route pattern so path parameters such as
// session IDs never become label values.
//
// Plain requests are recorded in [Metrics.HTTPRequestDuration] and logged
// through log on completion. Requests that upgrade to a websocket are
// counted in [Metrics.StreamUpgrades] at upgrade time and are not recorded
// as request latency; the bridged call is covered by the session metrics.
// A nil log uses [slog.Default].
func Middleware(m *Metrics, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(semconv.HTTPRequestMethodKey.String(r.Method)),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			r = r.WithContext(ctx)
			rt := &responseTracker{ResponseWriter: w, status: http.StatusOK}
			rt.onUpgrade = func() {
				route := routeOf(r)
				m.StreamUpgrades.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
				LoggerFrom(ctx, log).Debug("stream upgraded", "route", route, "remote", r.RemoteAddr)
			}

			next.ServeHTTP(rt, r)

			route := routeOf(r)
			span.SetName(r.Method + " " + route)
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(rt.status),
			)
			if rt.upgraded {
				return
			}

			elapsed := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", route),
			))
			LoggerFrom(ctx, log).LogAttrs(ctx, slog.LevelInfo, "request completed",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", rt.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
