package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

var errDial = errors.New("dial refused")

// fakeClock drives the breaker's notion of time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *fakeClock) {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cb := New(cfg)
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb.now = clk.Now
	return cb, clk
}

func fail(context.Context) error { return errDial }
func ok(context.Context) error   { return nil }

func trip(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for range n {
		_ = cb.Do(context.Background(), fail)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v after %d failures, want open", cb.State(), n)
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	cb := New(Config{Name: "agent"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 1 {
		t.Errorf("halfOpenMax = %d, want 1", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_ClosedToOpen(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(Config{Name: "agent", MaxFailures: 3})
	trip(t, cb, 3)

	called := false
	err := cb.Do(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("fn ran while breaker was open")
	}
	if err := cb.Check(context.Background()); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Check = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(Config{Name: "agent", MaxFailures: 3})

	_ = cb.Do(context.Background(), fail)
	_ = cb.Do(context.Background(), fail)
	_ = cb.Do(context.Background(), ok)
	_ = cb.Do(context.Background(), fail)
	_ = cb.Do(context.Background(), fail)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_IgnoresCancellation(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(Config{Name: "agent", MaxFailures: 2})
	for range 5 {
		_ = cb.Do(context.Background(), func(context.Context) error {
			return fmt.Errorf("dial: %w", context.Canceled)
		})
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed; cancellations must not trip", cb.State())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := cb.Do(ctx, fail); !errors.Is(err, context.Canceled) {
		t.Errorf("Do with done ctx = %v, want context.Canceled", err)
	}
}

func TestCircuitBreaker_CustomClassifier(t *testing.T) {
	t.Parallel()
	errBadConfig := errors.New("bad config")
	cb, _ := newTestBreaker(Config{
		Name:        "agent",
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return err != nil && !errors.Is(err, errBadConfig) },
	})
	_ = cb.Do(context.Background(), func(context.Context) error { return errBadConfig })
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenLifecycle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		probes []func(context.Context) error
		want   State
	}{
		{"success closes", []func(context.Context) error{ok, ok}, StateClosed},
		{"failure reopens", []func(context.Context) error{ok, fail}, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb, clk := newTestBreaker(Config{Name: "agent", MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMax: 2})
			trip(t, cb, 2)

			clk.Advance(59 * time.Second)
			if cb.State() != StateOpen {
				t.Fatalf("state = %v before reset timeout, want open", cb.State())
			}
			clk.Advance(time.Second)
			if cb.State() != StateHalfOpen {
				t.Fatalf("state = %v after reset timeout, want half-open", cb.State())
			}

			for _, p := range tt.probes {
				_ = cb.Do(context.Background(), p)
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenProbeBudget(t *testing.T) {
	t.Parallel()
	cb, clk := newTestBreaker(Config{Name: "agent", MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMax: 1})
	trip(t, cb, 1)
	clk.Advance(time.Second)

	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Do(context.Background(), func(context.Context) error {
			close(inProbe)
			<-release
			return nil
		})
	}()
	<-inProbe

	if err := cb.Do(context.Background(), ok); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second probe err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var transitions []string
	cb, clk := newTestBreaker(Config{
		Name:         "agent",
		MaxFailures:  1,
		ResetTimeout: time.Second,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	trip(t, cb, 1)
	clk.Advance(time.Second)
	_ = cb.Do(context.Background(), ok)

	want := []string{"agent:closed->open", "agent:open->half-open", "agent:half-open->closed"}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb, _ := newTestBreaker(Config{Name: "agent", MaxFailures: 2, ResetTimeout: time.Hour})
	trip(t, cb, 2)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Do(context.Background(), ok); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
