package bridge

import "fmt"

// Policy decides what a full queue does with one more frame.
type Policy int

const (
	// DropOldest evicts the oldest queued frame to make room.
	DropOldest Policy = iota
	// CloseSession rejects the frame with [ErrQueueFull]; the session then
	// closes.
	CloseSession
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop_oldest"
	case CloseSession:
		return "close"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy maps a configuration value to a [Policy].
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, nil
	case "close":
		return CloseSession, nil
	default:
		return 0, fmt.Errorf("bridge: unknown backpressure policy %q", s)
	}
}

// PendingQueue holds transcoded frames until the downstream side is ready.
// It is bounded, FIFO, and can be drained exactly once. It is not safe for
// concurrent use; the owning session serialises access.
type PendingQueue struct {
	items   [][]byte
	limit   int
	policy  Policy
	drained bool
	dropped int
}

// NewPendingQueue returns an empty queue holding at most limit frames.
func NewPendingQueue(limit int, policy Policy) *PendingQueue {
	if limit < 1 {
		limit = 1
	}
	return &PendingQueue{limit: limit, policy: policy}
}

// Push appends frame. On overflow under [DropOldest] the oldest frame is
// evicted and evicted is true; under [CloseSession] the frame is rejected
// with [ErrQueueFull]. Pushing after [PendingQueue.Drain] returns
// [ErrSessionClosed] since the queue no longer buffers.
func (q *PendingQueue) Push(frame []byte) (evicted bool, err error) {
	if q.drained {
		return false, ErrSessionClosed
	}
	if len(q.items) >= q.limit {
		if q.policy == CloseSession {
			return false, ErrQueueFull
		}
		q.items[0] = nil
		q.items = q.items[1:]
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, frame)
	return evicted, nil
}

// Drain returns every queued frame in arrival order and empties the queue.
// Only the first call returns frames and ok=true; later calls return
// (nil, false).
func (q *PendingQueue) Drain() (frames [][]byte, ok bool) {
	if q.drained {
		return nil, false
	}
	q.drained = true
	frames, q.items = q.items, nil
	return frames, true
}

// Discard empties the queue without delivering it and disables further
// draining. It returns the number of frames thrown away.
func (q *PendingQueue) Discard() int {
	n := len(q.items)
	q.items = nil
	q.drained = true
	return n
}

// Len returns the number of queued frames.
func (q *PendingQueue) Len() int { return len(q.items) }

// Dropped returns how many frames [DropOldest] has evicted.
func (q *PendingQueue) Dropped() int { return q.dropped }
