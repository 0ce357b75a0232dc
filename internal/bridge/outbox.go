package bridge

import "sync"

// lane classifies outbox entries for eviction.
type lane uint8

const (
	// laneMedia carries audio (append and media messages). Only media is
	// evicted under [DropOldest].
	laneMedia lane = iota
	// laneControl carries commit, response.create, pong and mark messages.
	laneControl
)

type outMsg struct {
	data []byte
	lane lane
}

// outbox is a bounded per-side send queue. push never blocks so the session
// lock is never held across network I/O; a writer goroutine drains it with
// next. Entries leave in push order regardless of lane.
type outbox struct {
	mu     sync.Mutex
	items  []outMsg
	limit  int
	policy Policy
	closed bool
	wake   chan struct{}
}

func newOutbox(size int, policy Policy) *outbox {
	if size < 1 {
		size = 1
	}
	return &outbox{limit: size, policy: policy, wake: make(chan struct{}, 1)}
}

// push enqueues msg on lane l. It reports whether an older media message
// was evicted to make room.
//
// When the outbox is full, [CloseSession] fails with [ErrQueueFull].
// [DropOldest] evicts the oldest media entry; a control message with no
// media left to evict is queued past the limit, a media message is refused
// with [ErrQueueFull]. After close push fails with [ErrSessionClosed].
func (o *outbox) push(msg []byte, l lane) (evicted bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false, ErrSessionClosed
	}
	if len(o.items) >= o.limit {
		if o.policy == CloseSession {
			return false, ErrQueueFull
		}
		if i := o.oldestMediaLocked(); i >= 0 {
			o.items = append(o.items[:i], o.items[i+1:]...)
			evicted = true
		} else if l == laneMedia {
			return false, ErrQueueFull
		}
	}
	o.items = append(o.items, outMsg{data: msg, lane: l})
	o.signal()
	return evicted, nil
}

func (o *outbox) oldestMediaLocked() int {
	for i, m := range o.items {
		if m.lane == laneMedia {
			return i
		}
	}
	return -1
}

// take removes and returns the oldest entry without blocking. done is true
// once the outbox is closed and empty.
func (o *outbox) take() (msg []byte, ok, done bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.items) > 0 {
		msg = o.items[0].data
		o.items[0] = outMsg{}
		o.items = o.items[1:]
		return msg, true, false
	}
	return nil, false, o.closed
}

// next blocks until an entry is available and returns it, or returns false
// once the outbox is closed and empty.
func (o *outbox) next() ([]byte, bool) {
	for {
		msg, ok, done := o.take()
		if ok {
			return msg, true
		}
		if done {
			return nil, false
		}
		<-o.wake
	}
}

// close stops accepting messages. Messages already queued remain readable
// so the writer can flush them.
func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
