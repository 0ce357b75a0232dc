package bridge

import (
	"context"
	"errors"
)

// Channel is one side of a call: a message-oriented, bidirectional
// connection. Implementations must allow Send and Receive to be called
// concurrently with each other and with Close.
type Channel interface {
	// Send delivers one message. It must honour ctx cancellation.
	Send(ctx context.Context, msg []byte) error

	// Receive blocks until the next message arrives. When the peer closed
	// the channel cleanly the returned error wraps [ErrChannelClosed].
	Receive(ctx context.Context) ([]byte, error)

	// Close tells the peer the channel is going away. It is safe to call
	// more than once.
	Close(code CloseCode, reason string) error
}

// Dialer opens the downstream channel for a new session.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context) (Channel, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Channel, error) { return f(ctx) }

// ErrChannelClosed is wrapped by [Channel.Receive] errors when the peer
// ended the connection normally.
var ErrChannelClosed = errors.New("bridge: channel closed by peer")

// CloseCode is an RFC 6455 close status code.
type CloseCode int

const (
	CloseNormal          CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	ClosePolicyViolation CloseCode = 1008
	CloseInternalError   CloseCode = 1011
	CloseTryAgainLater   CloseCode = 1013
)

// CloseReason is the code and text a session closes both channels with.
type CloseReason struct {
	Code CloseCode `json:"code"`
	Text string    `json:"text"`
}

func (r CloseReason) String() string { return r.Text }

// Close reasons used by the session.
var (
	ReasonUpstreamStop     = CloseReason{CloseNormal, "stream stopped"}
	ReasonUpstreamClosed   = CloseReason{CloseNormal, "caller disconnected"}
	ReasonUpstreamFailed   = CloseReason{CloseInternalError, "caller connection failed"}
	ReasonDownstreamClosed = CloseReason{CloseNormal, "agent disconnected"}
	ReasonDownstreamFailed = CloseReason{CloseInternalError, "agent connection failed"}
	ReasonDialFailed       = CloseReason{CloseTryAgainLater, "agent unavailable"}
	ReasonReadyTimeout     = CloseReason{CloseTryAgainLater, "agent not ready"}
	ReasonBackpressure     = CloseReason{CloseTryAgainLater, "peer too slow"}
	ReasonConfig           = CloseReason{ClosePolicyViolation, "bridge misconfigured"}
	ReasonShutdown         = CloseReason{CloseGoingAway, "server shutting down"}
	ReasonAdmin            = CloseReason{CloseGoingAway, "administrative shutdown"}
)
