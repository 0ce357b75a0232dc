package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// syncBuffer is a bytes.Buffer safe for a logger writing from server
// goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// instrumentedServer serves a mux shaped like the bridge's behind
// Middleware. served receives each request path once the middleware has
// finished with it.
type instrumentedServer struct {
	srv    *httptest.Server
	reader *sdkmetric.ManualReader
	logs   *syncBuffer
	served chan string
}

func newInstrumentedServer(t *testing.T) *instrumentedServer {
	t.Helper()
	m, reader := newTestMetrics(t)
	is := &instrumentedServer{reader: reader, logs: &syncBuffer{}, served: make(chan string, 16)}
	log := slog.New(slog.NewTextHandler(is.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /admin/sessions/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Hold the call open briefly so its length would show up as latency.
		time.Sleep(50 * time.Millisecond)
		conn.Close(websocket.StatusNormalClosure, "stream stopped")
	})

	h := Middleware(m, log)(mux)
	is.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
		is.served <- r.URL.Path
	}))
	t.Cleanup(is.srv.Close)
	return is
}

func (is *instrumentedServer) do(t *testing.T, method, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, is.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := is.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	resp.Body.Close()
	is.waitServed(t, path)
	return resp
}

func (is *instrumentedServer) waitServed(t *testing.T, path string) {
	t.Helper()
	select {
	case got := <-is.served:
		if got != path {
			t.Fatalf("served %s, want %s", got, path)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("middleware never finished %s", path)
	}
}

// durationRoutes returns the route label of every request-duration data
// point.
func durationRoutes(t *testing.T, rm metricdata.ResourceMetrics) map[string]uint64 {
	t.Helper()
	out := make(map[string]uint64)
	met := findMetric(rm, "phonebridge.http.request.duration")
	if met == nil {
		return out
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("request duration is not a float64 histogram")
	}
	for _, dp := range hist.DataPoints {
		route, _ := dp.Attributes.Value(attribute.Key("route"))
		out[route.AsString()] += dp.Count
	}
	return out
}

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	useTestTracer(t)
	is := newInstrumentedServer(t)

	for _, id := range []string{"3f1c", "9a2b", "77de"} {
		if resp := is.do(t, http.MethodDelete, "/admin/sessions/"+id); resp.StatusCode != http.StatusAccepted {
			t.Fatalf("DELETE status = %d", resp.StatusCode)
		}
	}
	if resp := is.do(t, http.MethodGet, "/nope"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET /nope status = %d", resp.StatusCode)
	}

	routes := durationRoutes(t, collect(t, is.reader))
	want := map[string]uint64{"/admin/sessions/{id}": 3, routeUnmatched: 1}
	if len(routes) != len(want) {
		t.Fatalf("route labels = %v, want %v", routes, want)
	}
	for route, n := range want {
		if routes[route] != n {
			t.Errorf("route %q count = %d, want %d", route, routes[route], n)
		}
	}

	logs := is.logs.String()
	if !strings.Contains(logs, "route=/admin/sessions/{id}") {
		t.Errorf("logs missing route pattern: %s", logs)
	}
	if strings.Contains(logs, "3f1c") {
		t.Errorf("logs carry a raw session id: %s", logs)
	}
}

func TestMiddleware_UpgradesCountedNotTimed(t *testing.T) {
	useTestTracer(t)
	is := newInstrumentedServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(is.srv.URL, "http")+"/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	if _, _, err := conn.Read(ctx); websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("read = %v, want normal closure", err)
	}
	is.waitServed(t, "/stream")
	is.do(t, http.MethodGet, "/healthz")

	rm := collect(t, is.reader)
	if got := sumWhere(t, rm, "phonebridge.http.upgrades", "route", "/stream"); got != 1 {
		t.Errorf("upgrades = %d, want 1", got)
	}
	routes := durationRoutes(t, rm)
	if _, ok := routes["/stream"]; ok {
		t.Errorf("upgraded stream recorded as request latency: %v", routes)
	}
	if routes["/healthz"] != 1 {
		t.Errorf("healthz count = %d, want 1", routes["/healthz"])
	}

	logs := is.logs.String()
	if !strings.Contains(logs, "stream upgraded") {
		t.Errorf("injected logger missed the upgrade: %s", logs)
	}
	for _, line := range strings.Split(logs, "\n") {
		if strings.Contains(line, "request completed") && strings.Contains(line, "route=/stream") {
			t.Errorf("upgraded stream logged as a completed request: %s", line)
		}
	}
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	exp := useTestTracer(t)
	is := newInstrumentedServer(t)
	is.do(t, http.MethodDelete, "/admin/sessions/3f1c")

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "DELETE /admin/sessions/{id}" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	attrs := map[string]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value
	}
	if attrs["http.route"].AsString() != "/admin/sessions/{id}" {
		t.Errorf("http.route = %q", attrs["http.route"].AsString())
	}
	if attrs["http.response.status_code"].AsInt64() != http.StatusAccepted {
		t.Errorf("status attribute = %d", attrs["http.response.status_code"].AsInt64())
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	useTestTracer(t)
	m, _ := newTestMetrics(t)
	log := slog.New(slog.NewTextHandler(&syncBuffer{}, nil))

	var seen string
	h := Middleware(m, log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationID(r.Context())
	}))

	t.Run("new trace", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if len(seen) != 32 || rec.Header().Get("X-Correlation-ID") != seen {
			t.Errorf("handler saw %q, header %q", seen, rec.Header().Get("X-Correlation-ID"))
		}
	})

	t.Run("continues traceparent", func(t *testing.T) {
		const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
		req := httptest.NewRequest(http.MethodGet, "/stream", nil)
		req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if seen != traceID || rec.Header().Get("X-Correlation-ID") != traceID {
			t.Errorf("handler saw %q, header %q, want %s", seen, rec.Header().Get("X-Correlation-ID"), traceID)
		}
	})
}
