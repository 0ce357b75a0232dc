// Package transport carries bridge sessions over WebSockets.
//
// [Conn] adapts a github.com/coder/websocket connection to
// [bridge.Channel]; it is used both for calls accepted from the telephony
// provider ([Accept]) and for connections dialled to the agent service
// ([AgentDialer]).
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/phonebridge/internal/bridge"
)

// DefaultReadLimit bounds a single inbound message. Agent audio chunks are
// base64 PCM and can exceed the library's 32 KiB default.
const DefaultReadLimit = 1 << 20

// maxCloseReason is the longest close reason RFC 6455 allows in a control
// frame.
const maxCloseReason = 123

var _ bridge.Channel = (*Conn)(nil)

// Conn is a [bridge.Channel] over a WebSocket connection. Messages are sent
// as text frames; both text and binary frames are accepted on receive.
type Conn struct {
	ws   *websocket.Conn
	name string

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps ws. name labels errors ("upstream", "downstream").
func NewConn(ws *websocket.Conn, name string, readLimit int64) *Conn {
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws, name: name}
}

// Send writes msg as one text frame.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageText, msg); err != nil {
		return fmt.Errorf("transport: %s write: %w", c.name, err)
	}
	return nil
}

// Receive reads the next message. A close frame with status 1000 or 1001
// from the peer is reported as [bridge.ErrChannelClosed].
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err == nil {
		return data, nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil, fmt.Errorf("transport: %s: %w", c.name, bridge.ErrChannelClosed)
	}
	return nil, fmt.Errorf("transport: %s read: %w", c.name, err)
}

// Close performs the closing handshake with code and reason. Only the first
// call has an effect; later calls return its result.
func (c *Conn) Close(code bridge.CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		if err := c.ws.Close(websocket.StatusCode(code), reason); err != nil {
			c.closeErr = fmt.Errorf("transport: %s close: %w", c.name, err)
		}
	})
	return c.closeErr
}

// AcceptOptions configures [Accept].
type AcceptOptions struct {
	// OriginPatterns lists additional hosts allowed to open the stream
	// cross-origin. Telephony providers usually send no Origin header.
	OriginPatterns []string

	// ReadLimit bounds inbound messages. Default: [DefaultReadLimit].
	ReadLimit int64
}

// Accept upgrades an HTTP request to a WebSocket and wraps it as the
// upstream side of a call.
func Accept(w http.ResponseWriter, r *http.Request, opts AcceptOptions) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: opts.OriginPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return NewConn(ws, "upstream", opts.ReadLimit), nil
}
