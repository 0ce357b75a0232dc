package bridge

// State is the lifecycle position of a [Session].
type State int

const (
	// Connecting: upstream accepted, downstream dial in flight.
	Connecting State = iota
	// Buffering: downstream connected, waiting for its readiness signal.
	Buffering
	// Streaming: readiness received, frames forwarded live.
	Streaming
	// Closing: a stop, close or error was seen; outboxes are flushing.
	Closing
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Buffering:
		return "buffering"
	case Streaming:
		return "streaming"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// terminating reports whether s no longer accepts frames.
func (s State) terminating() bool { return s >= Closing }
