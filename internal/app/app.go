// Package app wires the phone bridge subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the agent dialer,
// optional call-record store, health checks and HTTP routes; Run serves
// until its context ends; Shutdown drains live calls and tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithDialer,
// WithCallRecords, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/phonebridge/internal/bridge"
	"github.com/MrWong99/phonebridge/internal/callrecord"
	"github.com/MrWong99/phonebridge/internal/config"
	"github.com/MrWong99/phonebridge/internal/health"
	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/internal/resilience"
	"github.com/MrWong99/phonebridge/internal/transport"
)

// Banner is the body served on GET /.
const Banner = "phonebridge: AI receptionist bridge is online\n"

// recordSaveTimeout bounds writing one call record.
const recordSaveTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	sessCfg bridge.Config
	log     *slog.Logger
	metrics *observe.Metrics

	// metricsHandler serves GET /metrics.
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	dialer   bridge.Dialer
	breaker  *resilience.CircuitBreaker
	records  callrecord.Store
	sessions *SessionManager
	health   *health.Handler
	handler  http.Handler

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer replaces the agent dialer built from config.
func WithDialer(d bridge.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithCallRecords injects a call-record store instead of opening one from
// callrecords.postgres_dsn.
func WithCallRecords(s callrecord.Store) Option {
	return func(a *App) { a.records = s }
}

// WithLogger sets the logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithMetrics sets the metrics instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithTelemetry records into p's instruments and serves p's registry on
// GET /metrics.
func WithTelemetry(p *observe.Provider) Option {
	return func(a *App) {
		a.metrics = p.Metrics
		a.metricsHandler = p.Handler()
	}
}

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. It connects the call-record store (when a
// DSN is configured) synchronously, so a bad DSN fails startup.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	sessCfg, err := cfg.Bridge.Session()
	if err != nil {
		return nil, fmt.Errorf("app: bridge config: %w", err)
	}

	a := &App{
		cfg:      cfg,
		sessCfg:  sessCfg,
		sessions: NewSessionManager(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = observe.MetricsHandler()
	}

	// ── 1. Agent dialer ──────────────────────────────────────────────────
	if a.dialer == nil {
		a.initDialer()
	}

	// ── 2. Call records ──────────────────────────────────────────────────
	if err := a.initCallRecords(ctx); err != nil {
		return nil, fmt.Errorf("app: init call records: %w", err)
	}

	// ── 3. Health ────────────────────────────────────────────────────────
	var checkers []health.Checker
	if a.breaker != nil {
		checkers = append(checkers, health.Checker{Name: "agent", Check: a.breaker.Check})
	}
	if a.records != nil {
		checkers = append(checkers, health.Checker{Name: "callrecords", Check: a.records.Ping})
	}
	a.health = health.New(checkers...)

	// ── 4. Routes ────────────────────────────────────────────────────────
	a.handler = observe.Middleware(a.metrics, a.log)(a.routes())

	if cfg.Agent.AgentID == "" {
		a.log.Warn("agent.agent_id is not set; every call will be refused")
	}
	return a, nil
}

func (a *App) initDialer() {
	ac := a.cfg.Agent
	a.breaker = resilience.New(resilience.Config{
		Name:         "agent",
		MaxFailures:  ac.Breaker.MaxFailures,
		ResetTimeout: ac.Breaker.ResetTimeout,
		Logger:       a.log,
	})
	a.dialer = &transport.AgentDialer{
		URL:         ac.URL,
		AgentID:     ac.AgentID,
		APIKey:      ac.APIKey,
		DialTimeout: ac.DialTimeout,
		Breaker:     a.breaker,
	}
}

func (a *App) initCallRecords(ctx context.Context) error {
	if a.records != nil || a.cfg.CallRecords.PostgresDSN == "" {
		return nil
	}
	store, err := callrecord.Open(ctx, a.cfg.CallRecords.PostgresDSN)
	if err != nil {
		return err
	}
	a.records = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	a.log.Info("call records enabled")
	return nil
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the live-session registry.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Routes ──────────────────────────────────────────────────────────────────

func (a *App) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(Banner))
	})
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	mux.HandleFunc(a.cfg.Server.StreamPath, a.handleStream)

	if a.cfg.Server.AdminToken != "" {
		mux.Handle("GET /admin/sessions", a.requireAdmin(http.HandlerFunc(a.handleListSessions)))
		mux.Handle("DELETE /admin/sessions/{id}", a.requireAdmin(http.HandlerFunc(a.handleCloseSession)))
		if a.records != nil {
			mux.Handle("GET /admin/calls", a.requireAdmin(http.HandlerFunc(a.handleListCalls)))
		}
	}
	return mux
}

// handleStream upgrades a telephony media stream and bridges it to a new
// agent session until the call ends.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	log := observe.LoggerFrom(r.Context(), a.log)
	if a.health.Draining() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	up, err := transport.Accept(w, r, transport.AcceptOptions{
		OriginPatterns: a.cfg.Server.AllowedOrigins,
	})
	if err != nil {
		log.Warn("stream upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sess, err := bridge.New(up, a.dialer, a.sessCfg,
		bridge.WithLogger(a.log),
		bridge.WithMetrics(a.metrics),
		bridge.WithOnClosed(a.saveRecord),
	)
	if err != nil {
		log.Error("cannot create session", "err", err)
		_ = up.Close(bridge.ReasonConfig.Code, bridge.ReasonConfig.Text)
		return
	}
	if err := a.sessions.Add(sess); err != nil {
		_ = up.Close(bridge.ReasonShutdown.Code, bridge.ReasonShutdown.Text)
		return
	}
	defer a.sessions.Remove(sess.ID())

	if err := sess.Run(r.Context()); err != nil {
		var ce *bridge.ConfigError
		if errors.As(err, &ce) {
			log.Error("session refused", "session_id", sess.ID(), "err", err)
			return
		}
		log.Warn("session ended with error", "session_id", sess.ID(), "err", err)
	}
}

// saveRecord persists the final snapshot of a closed session. Failures are
// logged only.
func (a *App) saveRecord(snap bridge.Snapshot) {
	if a.records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordSaveTimeout)
	defer cancel()
	if err := a.records.Save(ctx, callrecord.FromSnapshot(snap)); err != nil {
		a.log.Warn("failed to save call record", "session_id", snap.ID, "err", err)
	}
}

// requireAdmin rejects requests without the configured bearer token.
func (a *App) requireAdmin(next http.Handler) http.Handler {
	want := []byte(a.cfg.Server.AdminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="phonebridge"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *App) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": a.sessions.List()})
}

func (a *App) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.sessions.Close(id, bridge.ReasonAdmin) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such session"})
		return
	}
	a.log.Info("session closed by admin", "session_id", id)
	w.WriteHeader(http.StatusAccepted)
}

// Limits of the ?limit= parameter of GET /admin/calls.
const (
	defaultCallsLimit = 50
	maxCallsLimit     = 500
)

// handleListCalls returns the most recent call records, newest first.
func (a *App) handleListCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultCallsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxCallsLimit {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": fmt.Sprintf("limit must be an integer in [1, %d]", maxCallsLimit),
			})
			return
		}
		limit = n
	}
	recs, err := a.records.List(r.Context(), limit)
	if err != nil {
		observe.LoggerFrom(r.Context(), a.log).Error("list call records", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "call records unavailable"})
		return
	}
	if recs == nil {
		recs = []callrecord.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"calls": recs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP until ctx is cancelled or the server fails. It returns
// ctx.Err() after a cancellation; call [App.Shutdown] afterwards to drain
// live calls.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	a.mu.Lock()
	ln := a.listener
	a.server = srv
	a.mu.Unlock()

	if ln == nil {
		var err error
		if ln, err = net.Listen("tcp", srv.Addr); err != nil {
			return fmt.Errorf("app: listen %s: %w", srv.Addr, err)
		}
	}

	tls := a.cfg.Server.TLS
	a.log.Info("server listening",
		"addr", ln.Addr().String(),
		"stream_path", a.cfg.Server.StreamPath,
		"tls", tls.Enabled(),
		"admin", a.cfg.Server.AdminToken != "",
	)

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if tls.Enabled() {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		} else if err != nil {
			err = fmt.Errorf("app: serve: %w", err)
		}
		serveErr <- err
	}()

	// Serve keeps running after a cancellation until Shutdown stops it.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-serveErr:
		return err
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting calls, closes every live session with
// [bridge.ReasonShutdown] and waits for them to finish. It respects the
// context deadline: if ctx expires first, the remaining steps still run but
// the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.health.SetDraining(true)
		n := a.sessions.CloseAll(bridge.ReasonShutdown)
		a.log.Info("shutting down", "sessions", n, "closers", len(a.closers))

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				a.log.Warn("http server shutdown", "err", err)
				shutdownErr = err
			}
		}

		if err := a.sessions.Wait(ctx); err != nil {
			a.log.Warn("shutdown deadline exceeded", "remaining_sessions", a.sessions.Count())
			shutdownErr = err
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
