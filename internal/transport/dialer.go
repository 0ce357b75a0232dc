package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/phonebridge/internal/bridge"
	"github.com/MrWong99/phonebridge/internal/resilience"
)

// DefaultAgentURL is the conversational agent WebSocket endpoint.
const DefaultAgentURL = "wss://api.elevenlabs.io/v1/convai/conversation"

// apiKeyHeader carries the agent service credential.
const apiKeyHeader = "xi-api-key"

var _ bridge.Dialer = (*AgentDialer)(nil)

// DialError reports a failed agent handshake. Kind buckets the failure for
// metrics: "circuit_open", "timeout", "handshake" (the server answered with
// a non-101 status) or "network".
type DialError struct {
	Kind   string
	Status int
	Err    error
}

func (e *DialError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport: dial agent: %s (HTTP %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("transport: dial agent: %s: %v", e.Kind, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// DialErrorKind returns Kind.
func (e *DialError) DialErrorKind() string { return e.Kind }

// AgentDialer opens the downstream side of a call: a WebSocket to
// <URL>?agent_id=<AgentID> authenticated with the xi-api-key header.
type AgentDialer struct {
	// URL is the agent endpoint. Default: [DefaultAgentURL].
	URL string

	// AgentID selects the agent. Required.
	AgentID string

	// APIKey, when set, is sent in the xi-api-key header.
	APIKey string

	// DialTimeout bounds the handshake. Zero means only the caller's ctx
	// applies.
	DialTimeout time.Duration

	// Breaker, when set, guards every handshake.
	Breaker *resilience.CircuitBreaker

	// HTTPClient is used for the handshake. Default: http.DefaultClient.
	HTTPClient *http.Client

	// ReadLimit bounds inbound agent messages. Default: [DefaultReadLimit].
	ReadLimit int64
}

// Endpoint returns the URL the dialer connects to, or a [*bridge.ConfigError]
// when the agent cannot be addressed.
func (d *AgentDialer) Endpoint() (string, error) {
	if d.AgentID == "" {
		return "", &bridge.ConfigError{Field: "agent.agent_id", Msg: "is required"}
	}
	raw := d.URL
	if raw == "" {
		raw = DefaultAgentURL
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return "", &bridge.ConfigError{Field: "agent.url", Msg: fmt.Sprintf("invalid websocket url %q", raw)}
	}
	q := u.Query()
	q.Set("agent_id", d.AgentID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial connects to the agent. Configuration problems are returned as
// [*bridge.ConfigError] without touching the network; handshake failures as
// [*DialError].
func (d *AgentDialer) Dial(ctx context.Context) (bridge.Channel, error) {
	endpoint, err := d.Endpoint()
	if err != nil {
		return nil, err
	}

	var ws *websocket.Conn
	dial := func(ctx context.Context) error {
		if d.DialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.DialTimeout)
			defer cancel()
		}
		opts := &websocket.DialOptions{HTTPClient: d.HTTPClient}
		if d.APIKey != "" {
			opts.HTTPHeader = http.Header{apiKeyHeader: []string{d.APIKey}}
		}
		conn, resp, err := websocket.Dial(ctx, endpoint, opts)
		if err != nil {
			return classifyDialError(err, resp)
		}
		ws = conn
		return nil
	}

	if d.Breaker != nil {
		err = d.Breaker.Do(ctx, dial)
	} else {
		err = dial(ctx)
	}
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return nil, &DialError{Kind: "circuit_open", Err: err}
	case err != nil:
		return nil, err
	}
	return NewConn(ws, "downstream", d.ReadLimit), nil
}

func classifyDialError(err error, resp *http.Response) error {
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("transport: dial agent: %w", err)
	case errors.Is(err, context.DeadlineExceeded):
		return &DialError{Kind: "timeout", Err: err}
	case resp != nil && resp.StatusCode != http.StatusSwitchingProtocols:
		return &DialError{Kind: "handshake", Status: resp.StatusCode, Err: err}
	default:
		return &DialError{Kind: "network", Err: err}
	}
}
