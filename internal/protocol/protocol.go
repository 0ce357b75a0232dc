// Package protocol defines the JSON wire formats spoken on either side of
// the bridge and translates inbound messages into bridge operations.
//
// The upstream side is a Twilio Media Streams websocket: messages are tagged
// by their "event" field. The downstream side is a conversational agent
// websocket whose inbound events are recognised by the presence of a
// top-level key rather than by a tag.
package protocol

import (
	"errors"
	"fmt"
)

// Side names the end of the bridge a message belongs to.
type Side string

const (
	// Upstream is the caller-facing telephony side.
	Upstream Side = "upstream"
	// Downstream is the agent-facing side.
	Downstream Side = "downstream"
)

// ProtocolError reports an inbound message that could not be parsed. The
// session drops the message and continues.
type ProtocolError struct {
	Side Side
	// Event is the message tag when it could be determined.
	Event string
	Err   error
}

func (e *ProtocolError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("protocol: %s %q message: %v", e.Side, e.Event, e.Err)
	}
	return fmt.Sprintf("protocol: %s message: %v", e.Side, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err is or wraps a [*ProtocolError].
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

var (
	errMissingTag  = errors.New("missing event tag")
	errMissingBody = errors.New("missing event body")
)
