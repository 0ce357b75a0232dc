package bridge

import (
	"errors"
	"fmt"

	"github.com/MrWong99/phonebridge/internal/protocol"
)

var (
	// ErrQueueFull is returned when a bounded queue rejects a frame under
	// the close backpressure policy.
	ErrQueueFull = errors.New("bridge: queue full")

	// ErrSessionClosed is returned by operations on a session that has
	// begun closing.
	ErrSessionClosed = errors.New("bridge: session closed")
)

// ChannelError reports a failed send, receive or dial on one side. It is
// always session-fatal.
type ChannelError struct {
	Side protocol.Side
	Op   string
	Err  error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("bridge: %s %s: %v", e.Side, e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// ConfigError reports a missing or invalid parameter required to bridge a
// call. A session refuses to start when it sees one.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("bridge: config %s: %s", e.Field, e.Msg)
}
