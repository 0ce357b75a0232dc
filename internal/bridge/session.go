// Package bridge implements the per-call session that joins a telephony
// media stream (upstream) to a conversational agent (downstream).
//
// A [Session] owns both [Channel]s for the lifetime of one call. Inbound
// caller audio is transcoded and held in a bounded [PendingQueue] until the
// agent signals readiness; the queue is then flushed exactly once, in
// order, before any newer frame is forwarded. Agent audio and control
// events travel back to the caller according to [Config.OutboundAudio].
//
// All state transitions happen under one mutex and never across network
// I/O: operations enqueue onto per-side outboxes that dedicated writer
// goroutines drain with a bounded send timeout.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/phonebridge/internal/observe"
	"github.com/MrWong99/phonebridge/internal/protocol"
	"github.com/MrWong99/phonebridge/internal/transcode"
	"github.com/MrWong99/phonebridge/pkg/audio/g711"
)

// Compile-time assertions that Session consumes both protocol sides.
var (
	_ protocol.UpstreamHandler   = (*Session)(nil)
	_ protocol.DownstreamHandler = (*Session)(nil)
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Session.
type Option func(*Session)

// WithID sets the session identifier. Default: a random UUID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithLogger sets the base logger. Default: [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.baseLog = l }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithOnClosed registers fn to run once the session is fully closed, with
// its final snapshot.
func WithOnClosed(fn func(Snapshot)) Option {
	return func(s *Session) { s.onClosed = fn }
}

// ── Snapshot ───────────────────────────────────────────────────────────────────

// Stats counts what happened during a session.
type Stats struct {
	FramesIn        int `json:"frames_in"`
	FramesForwarded int `json:"frames_forwarded"`
	FramesBuffered  int `json:"frames_buffered"`
	FramesDropped   int `json:"frames_dropped"`
	AgentChunks     int `json:"agent_chunks"`
	AgentForwarded  int `json:"agent_forwarded"`
	AgentDropped    int `json:"agent_dropped"`
	DecodeErrors    int `json:"decode_errors"`
	ProtocolErrors  int `json:"protocol_errors"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID        string      `json:"id"`
	State     string      `json:"state"`
	StreamSid string      `json:"stream_sid,omitempty"`
	CallSid   string      `json:"call_sid,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	ClosedAt  time.Time   `json:"closed_at,omitzero"`
	Reason    CloseReason `json:"reason,omitzero"`
	Pending   int         `json:"pending"`
	Stats     Stats       `json:"stats"`
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session bridges one call. Create it with [New] and drive it with
// [Session.Run]; the protocol handler methods are invoked by Run's reader
// goroutines but may also be called directly.
type Session struct {
	id       string
	cfg      Config
	up       Channel
	dialer   Dialer
	baseLog  *slog.Logger
	metrics  *observe.Metrics
	onClosed func(Snapshot)

	upOut   *outbox
	downOut *outbox
	upDone  chan struct{}
	// downDone is closed by the downstream writer; it only exists once the
	// agent is connected.
	downDone chan struct{}
	readyCh  chan struct{}
	closing  chan struct{}
	done     chan struct{}

	mu                sync.Mutex
	ctx               context.Context
	log               *slog.Logger
	state             State
	ready             bool
	started           bool
	tc                *transcode.Transcoder
	pending           *PendingQueue
	down              Channel
	cancelDial        context.CancelFunc
	downWriterStarted bool
	streamSid         string
	callSid           string
	startedAt         time.Time
	dialedAt          time.Time
	closedAt          time.Time
	reason            CloseReason
	err               error
	stats             Stats
}

// New creates a session for the accepted upstream channel up. The agent is
// dialled through dialer once [Session.Run] starts. A nil channel, nil
// dialer or unusable cfg yields a [*ConfigError]; the caller must then close
// up with [ReasonConfig].
func New(up Channel, dialer Dialer, cfg Config, opts ...Option) (*Session, error) {
	if up == nil {
		return nil, &ConfigError{Field: "upstream", Msg: "channel is nil"}
	}
	if dialer == nil {
		return nil, &ConfigError{Field: "agent", Msg: "no dialer configured"}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Session{
		cfg:       cfg,
		up:        up,
		dialer:    dialer,
		upOut:     newOutbox(cfg.OutboundBuffer, cfg.Backpressure),
		downOut:   newOutbox(cfg.OutboundBuffer+cfg.MaxPendingFrames, cfg.Backpressure),
		upDone:    make(chan struct{}),
		downDone:  make(chan struct{}),
		readyCh:   make(chan struct{}),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       context.Background(),
		state:     Connecting,
		pending:   NewPendingQueue(cfg.MaxPendingFrames, cfg.Backpressure),
		startedAt: time.Now(),
		tc:        transcode.New(transcode.WithAgentRate(cfg.AgentSampleRate)),
	}
	for _, o := range opts {
		o(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.baseLog == nil {
		s.baseLog = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.log = s.baseLog.With("session_id", s.id)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches [Closed].
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the session-fatal error that caused the close, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Snapshot returns a consistent view of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        s.id,
		State:     s.state.String(),
		StreamSid: s.streamSid,
		CallSid:   s.callSid,
		StartedAt: s.startedAt,
		ClosedAt:  s.closedAt,
		Reason:    s.reason,
		Pending:   s.pending.Len(),
		Stats:     s.stats,
	}
}

// Close starts an orderly shutdown with reason. Queued messages are
// flushed for up to [Config.CloseTimeout] before both channels close.
func (s *Session) Close(reason CloseReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginCloseLocked(reason, nil)
}

// ── Run loop ───────────────────────────────────────────────────────────────────

// Run bridges the call until it ends. It dials the agent, pumps both
// channels, and returns once both channels are closed and the session is
// [Closed]. Cancelling ctx closes the session with [ReasonShutdown].
//
// The returned error is the session-fatal [*ChannelError] or
// [*ConfigError] that ended the call, or nil for an orderly close.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("bridge: session already running")
	}
	s.started = true
	s.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "bridge.session",
		trace.WithAttributes(attribute.String("session.id", s.id)),
	)
	defer span.End()

	liveCtx, liveCancel := context.WithCancel(ctx)
	defer liveCancel()
	// Writes outlive liveCtx so a closing session can still flush.
	writeCtx, abortWrites := context.WithCancel(context.WithoutCancel(ctx))
	defer abortWrites()
	dialCtx, cancelDial := context.WithCancel(liveCtx)
	defer cancelDial()

	s.mu.Lock()
	s.ctx = liveCtx
	s.log = observe.LoggerFrom(ctx, s.log)
	s.cancelDial = cancelDial
	if s.state.terminating() {
		cancelDial()
	}
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	s.logger().Info("session started")

	var g errgroup.Group
	g.Go(func() error { return s.readUpstream(liveCtx) })
	g.Go(func() error {
		return s.writeLoop(writeCtx, protocol.Upstream, s.up, s.upOut, s.upDone)
	})
	g.Go(func() error { return s.runDownstream(dialCtx, liveCtx, writeCtx, &g) })
	g.Go(func() error {
		select {
		case <-s.closing:
		case <-ctx.Done():
			s.Close(ReasonShutdown)
		}
		s.finish(abortWrites, liveCancel)
		return nil
	})
	runErr := g.Wait()

	mctx := context.WithoutCancel(ctx)
	snap := s.Snapshot()
	s.metrics.ActiveSessions.Add(mctx, -1)
	s.metrics.RecordSessionClosed(mctx, int(snap.Reason.Code), snap.Reason.Text,
		snap.ClosedAt.Sub(snap.StartedAt).Seconds())

	err := s.Err()
	if err == nil {
		err = runErr
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int("close.code", int(snap.Reason.Code)),
		attribute.Int("frames.in", snap.Stats.FramesIn),
		attribute.Int("frames.forwarded", snap.Stats.FramesForwarded),
	)
	s.logger().Info("session closed",
		"reason", snap.Reason.Text,
		"code", int(snap.Reason.Code),
		"duration", snap.ClosedAt.Sub(snap.StartedAt).Round(time.Millisecond),
		"frames_in", snap.Stats.FramesIn,
		"frames_forwarded", snap.Stats.FramesForwarded,
		"frames_dropped", snap.Stats.FramesDropped,
	)
	if s.onClosed != nil {
		s.onClosed(snap)
	}
	close(s.done)
	return err
}

// readUpstream pumps caller messages into the translator until the
// upstream channel ends.
func (s *Session) readUpstream(ctx context.Context) error {
	for {
		data, err := s.up.Receive(ctx)
		if err != nil {
			return s.onChannelDown(ctx, protocol.Upstream, err)
		}
		if _, err := protocol.TranslateUpstream(data, s); err != nil {
			s.onProtocolError(protocol.Upstream, err)
		}
	}
}

// runDownstream dials the agent and, once connected, starts its writer,
// reader and readiness watchdog on g.
func (s *Session) runDownstream(dialCtx, liveCtx, writeCtx context.Context, g *errgroup.Group) error {
	dctx, span := observe.StartSpan(dialCtx, "bridge.dial")
	start := time.Now()
	down, err := s.dialer.Dial(dctx)
	s.metrics.DialDuration.Record(dctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return s.onDialFailed(dialCtx, err)
	}
	span.End()

	s.mu.Lock()
	if s.state.terminating() {
		reason := s.reason
		s.mu.Unlock()
		_ = down.Close(reason.Code, reason.Text)
		return nil
	}
	s.down = down
	s.downWriterStarted = true
	s.dialedAt = time.Now()
	if s.state == Connecting {
		s.state = Buffering
	}
	s.log.Info("agent connected", "state", s.state.String(), "pending", s.pending.Len())
	s.mu.Unlock()

	g.Go(func() error {
		return s.writeLoop(writeCtx, protocol.Downstream, down, s.downOut, s.downDone)
	})
	g.Go(func() error {
		s.watchReady(liveCtx)
		return nil
	})
	return s.readDownstream(liveCtx, down)
}

func (s *Session) readDownstream(ctx context.Context, down Channel) error {
	for {
		data, err := down.Receive(ctx)
		if err != nil {
			return s.onChannelDown(ctx, protocol.Downstream, err)
		}
		if err := protocol.TranslateDownstream(data, s); err != nil {
			s.onProtocolError(protocol.Downstream, err)
		}
	}
}

// writeLoop drains ob onto ch until the outbox is closed and empty.
func (s *Session) writeLoop(ctx context.Context, side protocol.Side, ch Channel, ob *outbox, done chan struct{}) error {
	defer close(done)
	for {
		msg, ok := ob.next()
		if !ok {
			return nil
		}
		sctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := ch.Send(sctx, msg)
		cancel()
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			// Flush aborted after CloseTimeout.
			return nil
		}
		cerr := &ChannelError{Side: side, Op: "send", Err: err}
		reason := failedReason(side)
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonBackpressure
		}
		s.mu.Lock()
		already := s.state.terminating()
		s.beginCloseLocked(reason, cerr)
		s.mu.Unlock()
		if already {
			return nil
		}
		s.logger().Error("send failed", "side", string(side), "err", err)
		return cerr
	}
}

// watchReady warns when the agent is slow to become ready and closes the
// session when it never does.
func (s *Session) watchReady(ctx context.Context) {
	warn := time.NewTimer(s.cfg.ReadyWarnAfter)
	defer warn.Stop()
	timeout := time.NewTimer(s.cfg.ReadyTimeout)
	defer timeout.Stop()
	if s.cfg.ReadyWarnAfter <= 0 {
		warn.Stop()
	}
	for {
		select {
		case <-s.readyCh:
			return
		case <-s.closing:
			return
		case <-ctx.Done():
			return
		case <-warn.C:
			s.logger().Warn("agent still not ready", "after", s.cfg.ReadyWarnAfter, "pending", s.pendingLen())
		case <-timeout.C:
			s.logger().Error("agent never became ready; closing session", "after", s.cfg.ReadyTimeout)
			s.Close(ReasonReadyTimeout)
			return
		}
	}
}

// finish runs once the session is Closing: it waits for the outboxes to
// flush, closes both channels with the recorded reason and discards any
// frames still pending.
func (s *Session) finish(abortWrites, liveCancel context.CancelFunc) {
	s.mu.Lock()
	waitDown := s.downWriterStarted
	s.mu.Unlock()

	fctx, cancel := context.WithTimeout(context.Background(), s.cfg.CloseTimeout)
	defer cancel()
	flushed := waitFor(fctx, s.upDone)
	if waitDown {
		flushed = waitFor(fctx, s.downDone) && flushed
	}
	if !flushed {
		s.logger().Warn("outbox flush timed out", "timeout", s.cfg.CloseTimeout)
	}
	abortWrites()

	s.mu.Lock()
	reason, down := s.reason, s.down
	s.mu.Unlock()

	var wg sync.WaitGroup
	wg.Go(func() { s.closeChannel(protocol.Upstream, s.up, reason) })
	if down != nil {
		wg.Go(func() { s.closeChannel(protocol.Downstream, down, reason) })
	}
	wg.Wait()
	liveCancel()

	s.mu.Lock()
	discarded := s.pending.Discard()
	s.stats.FramesDropped += discarded
	s.state = Closed
	s.closedAt = time.Now()
	s.mu.Unlock()
	if discarded > 0 {
		s.logger().Warn("discarded buffered frames", "count", discarded)
		s.metrics.FramesDropped.Add(context.Background(), int64(discarded),
			metric.WithAttributes(
				observe.Attr("direction", observe.DirectionInbound),
				observe.Attr("reason", "closed"),
			),
		)
	}
}

func (s *Session) closeChannel(side protocol.Side, ch Channel, reason CloseReason) {
	if err := ch.Close(reason.Code, reason.Text); err != nil {
		s.logger().Debug("close channel", "side", string(side), "err", err)
	}
}

func waitFor(ctx context.Context, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// ── Failure paths ──────────────────────────────────────────────────────────────

// onChannelDown handles a failed Receive on side.
func (s *Session) onChannelDown(ctx context.Context, side protocol.Side, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminating() {
		return nil
	}
	if ctx.Err() != nil {
		s.beginCloseLocked(ReasonShutdown, nil)
		return nil
	}
	if errors.Is(err, ErrChannelClosed) {
		s.log.Info("peer closed channel", "side", string(side))
		s.beginCloseLocked(closedReason(side), nil)
		return nil
	}
	cerr := &ChannelError{Side: side, Op: "receive", Err: err}
	s.log.Error("channel failed", "side", string(side), "err", err)
	s.beginCloseLocked(failedReason(side), cerr)
	return cerr
}

func (s *Session) onDialFailed(ctx context.Context, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminating() {
		// Dial aborted because the session is already closing.
		return nil
	}
	if ctx.Err() != nil {
		s.beginCloseLocked(ReasonShutdown, nil)
		return nil
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		s.metrics.RecordDialError(s.ctx, "config")
		s.log.Error("agent dial refused", "err", err)
		s.beginCloseLocked(ReasonConfig, err)
		return err
	}
	s.metrics.RecordDialError(s.ctx, dialErrorKind(err))
	cerr := &ChannelError{Side: protocol.Downstream, Op: "dial", Err: err}
	s.log.Error("agent dial failed", "err", err)
	s.beginCloseLocked(ReasonDialFailed, cerr)
	return cerr
}

func (s *Session) onProtocolError(side protocol.Side, err error) {
	if !protocol.IsProtocolError(err) {
		s.logger().Error("translate message", "side", string(side), "err", err)
		return
	}
	s.mu.Lock()
	s.stats.ProtocolErrors++
	log := s.log
	s.mu.Unlock()
	s.metrics.RecordProtocolError(s.context(), string(side))
	log.Warn("dropping malformed message", "side", string(side), "err", err)
}

// onTranscodeError drops a frame that failed to transcode. Only a
// [transcode.DecodeError] counts against the session's decode errors.
func (s *Session) onTranscodeError(ctx context.Context, direction string, err error) {
	if !transcode.IsDecodeError(err) {
		s.logger().Error("transcode frame", "direction", direction, "err", err)
		return
	}
	s.mu.Lock()
	s.stats.DecodeErrors++
	log := s.log
	s.mu.Unlock()
	s.metrics.RecordDecodeError(ctx, direction)
	log.Warn("dropping undecodable frame", "direction", direction, "err", err)
}

// beginCloseLocked moves the session to Closing exactly once. The first
// reason and the first fatal error win.
func (s *Session) beginCloseLocked(reason CloseReason, err error) {
	if s.state.terminating() {
		return
	}
	prev := s.state
	s.state = Closing
	s.reason = reason
	s.err = err
	s.upOut.close()
	s.downOut.close()
	if s.cancelDial != nil && s.down == nil {
		s.cancelDial()
	}
	close(s.closing)
	s.log.Info("session closing", "from", prev.String(), "reason", reason.Text, "code", int(reason.Code))
}

func closedReason(side protocol.Side) CloseReason {
	if side == protocol.Upstream {
		return ReasonUpstreamClosed
	}
	return ReasonDownstreamClosed
}

func failedReason(side protocol.Side) CloseReason {
	if side == protocol.Upstream {
		return ReasonUpstreamFailed
	}
	return ReasonDownstreamFailed
}

// dialErrorKind buckets dial failures for the dial error counter.
func dialErrorKind(err error) string {
	var kinder interface{ DialErrorKind() string }
	switch {
	case errors.As(err, &kinder):
		return kinder.DialErrorKind()
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// ── Upstream handlers ──────────────────────────────────────────────────────────

// OnUpstreamStart records the stream identity and selects the inbound
// codec from the negotiated media format.
func (s *Session) OnUpstreamStart(start protocol.StartEvent) {
	enc, err := g711.ParseEncoding(start.MediaFormat.Encoding)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminating() {
		return
	}
	s.streamSid = start.StreamSid
	s.callSid = start.CallSid
	s.log = s.log.With("stream_sid", start.StreamSid, "call_sid", start.CallSid)
	if err != nil {
		s.log.Warn("unsupported media encoding; assuming μ-law", "encoding", start.MediaFormat.Encoding)
		enc = g711.MuLaw
	}
	if rate := start.MediaFormat.SampleRate; rate != 0 && rate != 8000 {
		s.log.Warn("unexpected media sample rate; treating as 8000 Hz", "sample_rate", rate)
	}
	s.tc = transcode.New(transcode.WithEncoding(enc), transcode.WithAgentRate(s.cfg.AgentSampleRate))
	s.log.Info("stream started",
		"encoding", s.tc.Encoding().String(),
		"agent_format", s.tc.AgentFormat().String(),
		"state", s.state.String(),
	)
}

// OnUpstreamFrame transcodes one caller media payload and forwards it to
// the agent, or queues it while the agent is not yet ready. Frames that
// fail to transcode are dropped; the session continues.
func (s *Session) OnUpstreamFrame(payload string) {
	s.mu.Lock()
	if s.state.terminating() {
		s.mu.Unlock()
		return
	}
	s.stats.FramesIn++
	tc, ctx := s.tc, s.ctx
	s.mu.Unlock()
	s.metrics.RecordFrame(ctx, s.metrics.FramesReceived, observe.DirectionInbound)

	pcm, err := tc.Inbound(payload)
	if err != nil {
		s.onTranscodeError(ctx, observe.DirectionInbound, err)
		return
	}
	msg, err := protocol.EncodeAppend(pcm)
	if err != nil {
		s.logger().Error("encode append", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueOrForwardLocked(msg)
}

// enqueueOrForwardLocked is the single point where inbound frames enter the
// downstream path. While not streaming every frame goes to the pending
// queue, so the drain in OnDownstreamReady always precedes newer frames.
func (s *Session) enqueueOrForwardLocked(msg []byte) {
	switch {
	case s.state.terminating():
		return
	case s.state == Streaming:
		s.forwardFrameLocked(msg)
	default:
		evicted, err := s.pending.Push(msg)
		if err != nil {
			s.dropLocked(observe.DirectionInbound, "backpressure")
			s.beginCloseLocked(ReasonBackpressure, fmt.Errorf("bridge: pending queue: %w", err))
			return
		}
		if evicted {
			s.dropLocked(observe.DirectionInbound, "queue_overflow")
		}
		s.stats.FramesBuffered++
		s.metrics.RecordFrame(s.ctx, s.metrics.FramesBuffered, observe.DirectionInbound)
		s.log.Debug("agent not ready; buffering frame", "pending", s.pending.Len())
	}
}

// forwardFrameLocked pushes one append message to the agent outbox.
func (s *Session) forwardFrameLocked(msg []byte) {
	if !s.pushLocked(protocol.Downstream, laneMedia, msg, observe.DirectionInbound) {
		return
	}
	s.stats.FramesForwarded++
	s.metrics.RecordFrame(s.ctx, s.metrics.FramesForwarded, observe.DirectionInbound)
}

// pushLocked enqueues msg for side on lane l and applies the backpressure
// policy. It reports whether msg was accepted.
func (s *Session) pushLocked(side protocol.Side, l lane, msg []byte, direction string) bool {
	ob := s.upOut
	if side == protocol.Downstream {
		ob = s.downOut
	}
	evicted, err := ob.push(msg, l)
	if evicted {
		s.dropLocked(direction, "outbox_overflow")
	}
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrQueueFull):
		s.dropLocked(direction, "backpressure")
		if s.cfg.Backpressure == CloseSession {
			s.log.Warn("outbox full; closing session", "side", string(side))
			s.beginCloseLocked(ReasonBackpressure, fmt.Errorf("bridge: %s outbox: %w", side, err))
		}
		return false
	default:
		return false
	}
}

func (s *Session) dropLocked(direction, reason string) {
	if direction == observe.DirectionInbound {
		s.stats.FramesDropped++
	} else {
		s.stats.AgentDropped++
	}
	s.metrics.RecordDrop(s.ctx, direction, reason)
}

// OnUpstreamStop finalises the caller's turn with the agent (commit then
// response.create) and begins closing the session. The turn is finalised
// whenever the agent is connected; frames still pending because the agent
// never became ready are discarded.
func (s *Session) OnUpstreamStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminating() {
		return
	}
	if s.state != Streaming {
		s.log.Warn("stream stopped before agent was ready", "pending", s.pending.Len())
	}
	if s.down != nil {
		for _, enc := range []func() ([]byte, error){protocol.EncodeCommit, protocol.EncodeResponseCreate} {
			msg, err := enc()
			if err != nil {
				s.log.Error("encode control message", "err", err)
				continue
			}
			s.pushLocked(protocol.Downstream, laneControl, msg, observe.DirectionInbound)
		}
	}
	s.log.Info("stream stopped")
	s.beginCloseLocked(ReasonUpstreamStop, nil)
}

// OnUpstreamMark logs the caller-side acknowledgement of a mark.
func (s *Session) OnUpstreamMark(name string) {
	s.logger().Debug("mark played", "name", name)
}

// OnUpstreamDTMF logs a keypad digit.
func (s *Session) OnUpstreamDTMF(digit string) {
	s.logger().Info("dtmf received", "digit", digit)
}

// ── Downstream handlers ────────────────────────────────────────────────────────

// OnDownstreamReady marks the agent ready and flushes every pending frame,
// in arrival order, ahead of any newer frame. Only the first call has an
// effect.
func (s *Session) OnDownstreamReady(metadata json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready || s.state.terminating() {
		return
	}
	s.ready = true
	s.state = Streaming
	close(s.readyCh)

	frames, _ := s.pending.Drain()
	for _, f := range frames {
		if s.state.terminating() {
			break
		}
		s.forwardFrameLocked(f)
	}

	s.metrics.PendingDrained.Record(s.ctx, int64(len(frames)))
	if !s.dialedAt.IsZero() {
		s.metrics.ReadyLatency.Record(s.ctx, time.Since(s.dialedAt).Seconds())
	}
	s.log.Info("agent ready", "drained", len(frames), "evicted", s.pending.Dropped())
	s.log.Debug("agent init metadata", "metadata", string(metadata))
}

// OnDownstreamAudio delivers agent speech to the caller according to
// [Config.OutboundAudio].
func (s *Session) OnDownstreamAudio(payload string) {
	s.mu.Lock()
	if s.state.terminating() {
		s.mu.Unlock()
		return
	}
	s.stats.AgentChunks++
	mode, tc, ctx := s.cfg.OutboundAudio, s.tc, s.ctx
	if mode == AudioOff {
		s.dropLocked(observe.DirectionOutbound, "disabled")
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.metrics.RecordFrame(ctx, s.metrics.FramesReceived, observe.DirectionOutbound)

	if mode == AudioTranscode {
		out, err := tc.Outbound(payload)
		if err != nil {
			s.onTranscodeError(ctx, observe.DirectionOutbound, err)
			return
		}
		payload = out
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminating() {
		return
	}
	msg, err := protocol.EncodeUpstreamMedia(s.streamSid, payload)
	if err != nil {
		s.log.Error("encode media", "err", err)
		return
	}
	if s.pushLocked(protocol.Upstream, laneMedia, msg, observe.DirectionOutbound) {
		s.stats.AgentForwarded++
		s.metrics.RecordFrame(s.ctx, s.metrics.FramesForwarded, observe.DirectionOutbound)
	}
}

// OnDownstreamAudioEnd sends the end-of-speech mark to the caller.
func (s *Session) OnDownstreamAudioEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminating() {
		return
	}
	msg, err := protocol.EncodeUpstreamMark(s.streamSid, s.cfg.EndOfSpeechMark)
	if err != nil {
		s.log.Error("encode mark", "err", err)
		return
	}
	s.pushLocked(protocol.Upstream, laneControl, msg, observe.DirectionOutbound)
	s.log.Debug("agent finished speaking")
}

// OnDownstreamPing answers an agent keep-alive.
func (s *Session) OnDownstreamPing(eventID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminating() {
		return
	}
	msg, err := protocol.EncodePong(eventID)
	if err != nil {
		s.log.Error("encode pong", "err", err)
		return
	}
	s.pushLocked(protocol.Downstream, laneControl, msg, observe.DirectionInbound)
}

// ── helpers ────────────────────────────────────────────────────────────────────

func (s *Session) logger() *slog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log
}

func (s *Session) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Session) pendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}
