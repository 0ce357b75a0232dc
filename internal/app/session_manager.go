package app

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/MrWong99/phonebridge/internal/bridge"
)

// ErrDraining is returned by [SessionManager.Add] once [SessionManager.CloseAll]
// has been called.
var ErrDraining = errors.New("app: server is shutting down")

// SessionManager tracks the live call sessions so they can be listed and
// closed administratively. All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*bridge.Session
	draining bool
	wg       sync.WaitGroup
}

// NewSessionManager creates an empty SessionManager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*bridge.Session)}
}

// Add registers s. Every successful Add must be paired with a [SessionManager.Remove]
// of the same ID once the session has finished.
func (sm *SessionManager) Add(s *bridge.Session) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.draining {
		return ErrDraining
	}
	if _, ok := sm.sessions[s.ID()]; ok {
		return errors.New("app: duplicate session id " + s.ID())
	}
	sm.sessions[s.ID()] = s
	sm.wg.Add(1)
	return nil
}

// Remove unregisters the session with the given id. Unknown ids are ignored.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.sessions[id]; !ok {
		return
	}
	delete(sm.sessions, id)
	sm.wg.Done()
}

// Get returns the live session with the given id.
func (sm *SessionManager) Get(id string) (*bridge.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// List returns a snapshot of every live session, oldest first.
func (sm *SessionManager) List() []bridge.Snapshot {
	sm.mu.Lock()
	live := make([]*bridge.Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		live = append(live, s)
	}
	sm.mu.Unlock()

	// Snapshots take each session's own lock, so build them outside ours.
	out := make([]bridge.Snapshot, 0, len(live))
	for _, s := range live {
		out = append(out, s.Snapshot())
	}
	slices.SortFunc(out, func(a, b bridge.Snapshot) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Close starts an orderly close of the session with the given id. It
// reports whether such a session was live.
func (sm *SessionManager) Close(id string, reason bridge.CloseReason) bool {
	s, ok := sm.Get(id)
	if !ok {
		return false
	}
	s.Close(reason)
	return true
}

// CloseAll refuses further sessions and starts closing every live one with
// reason. It returns how many sessions were asked to close.
func (sm *SessionManager) CloseAll(reason bridge.CloseReason) int {
	sm.mu.Lock()
	sm.draining = true
	live := make([]*bridge.Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		live = append(live, s)
	}
	sm.mu.Unlock()

	for _, s := range live {
		s.Close(reason)
	}
	return len(live)
}

// Wait blocks until every registered session has been removed or ctx is done.
func (sm *SessionManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
