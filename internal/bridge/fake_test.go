package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/phonebridge/internal/protocol"
	"github.com/MrWong99/phonebridge/internal/transcode"
)

// fakeChannel is an in-memory Channel. Tests feed inbound messages with
// deliver and inspect what the session sent with sent.
type fakeChannel struct {
	in       chan []byte
	peerGone chan struct{}
	closed   chan struct{}

	peerOnce  sync.Once
	closeOnce sync.Once

	mu        sync.Mutex
	msgs      [][]byte
	sendErr   error
	blockSend bool
	closeCode CloseCode
	closeText string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:       make(chan []byte, 64),
		peerGone: make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (f *fakeChannel) Send(ctx context.Context, msg []byte) error {
	f.mu.Lock()
	err, block := f.sendErr, f.blockSend
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	select {
	case <-f.closed:
		return errors.New("fake: send on closed channel")
	default:
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-f.in:
		return msg, nil
	case <-f.peerGone:
		return nil, fmt.Errorf("fake: %w", ErrChannelClosed)
	case <-f.closed:
		return nil, errors.New("fake: receive on closed channel")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeChannel) Close(code CloseCode, reason string) error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode, f.closeText = code, reason
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

// deliver queues an inbound message for the session to receive.
func (f *fakeChannel) deliver(msg string) { f.in <- []byte(msg) }

// hangUp simulates the peer closing the connection cleanly.
func (f *fakeChannel) hangUp() { f.peerOnce.Do(func() { close(f.peerGone) }) }

func (f *fakeChannel) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = string(m)
	}
	return out
}

func (f *fakeChannel) closeReason() (CloseCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeText
}

func (f *fakeChannel) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// ── helpers ────────────────────────────────────────────────────────────────────

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SendTimeout = 500 * time.Millisecond
	cfg.CloseTimeout = 500 * time.Millisecond
	cfg.ReadyWarnAfter = 0
	cfg.ReadyTimeout = 5 * time.Second
	return cfg
}

func newTestSession(t *testing.T, up Channel, dialer Dialer, cfg Config) *Session {
	t.Helper()
	if dialer == nil {
		dialer = DialerFunc(func(ctx context.Context) (Channel, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	}
	s, err := New(up, dialer, cfg, WithLogger(discardLogger()), WithID("test-session"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// mediaPayload returns a 20 ms base64 μ-law frame filled with v.
func mediaPayload(v byte) string {
	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = v
	}
	return base64.StdEncoding.EncodeToString(frame)
}

// appendFor returns the downstream message the session emits for payload.
func appendFor(t *testing.T, payload string) string {
	t.Helper()
	pcm, err := transcode.New().Inbound(payload)
	if err != nil {
		t.Fatalf("Inbound: %v", err)
	}
	msg, err := protocol.EncodeAppend(pcm)
	if err != nil {
		t.Fatalf("EncodeAppend: %v", err)
	}
	return string(msg)
}

// drainOutbox returns every message currently queued in ob without
// blocking.
func drainOutbox(ob *outbox) []string {
	var out []string
	for {
		msg, ok, _ := ob.take()
		if !ok {
			return out
		}
		out = append(out, string(msg))
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not close; state %s", s.State())
	}
}
