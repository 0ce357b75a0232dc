// Package callrecord persists a one-row summary of every finished call.
//
// Records are written after the session has closed both channels, so a slow
// or unavailable database never affects audio. Failures are logged by the
// caller and otherwise ignored.
package callrecord

import (
	"context"
	"time"

	"github.com/MrWong99/phonebridge/internal/bridge"
)

// Record summarises one finished session.
type Record struct {
	ID              string    `json:"id"`
	StreamSid       string    `json:"stream_sid,omitempty"`
	CallSid         string    `json:"call_sid,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at,omitzero"`
	CloseCode       int       `json:"close_code"`
	CloseReason     string    `json:"close_reason"`
	FramesIn        int       `json:"frames_in"`
	FramesForwarded int       `json:"frames_forwarded"`
	FramesDropped   int       `json:"frames_dropped"`
	DecodeErrors    int       `json:"decode_errors"`
	ProtocolErrors  int       `json:"protocol_errors"`
}

// Duration returns how long the call lasted. Zero if the end is unknown.
func (r Record) Duration() time.Duration {
	if r.EndedAt.IsZero() || r.EndedAt.Before(r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// FromSnapshot builds a Record from the final snapshot of a closed session.
func FromSnapshot(s bridge.Snapshot) Record {
	return Record{
		ID:              s.ID,
		StreamSid:       s.StreamSid,
		CallSid:         s.CallSid,
		StartedAt:       s.StartedAt,
		EndedAt:         s.ClosedAt,
		CloseCode:       int(s.Reason.Code),
		CloseReason:     s.Reason.Text,
		FramesIn:        s.Stats.FramesIn,
		FramesForwarded: s.Stats.FramesForwarded,
		FramesDropped:   s.Stats.FramesDropped,
		DecodeErrors:    s.Stats.DecodeErrors,
		ProtocolErrors:  s.Stats.ProtocolErrors,
	}
}

// Store persists call records.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Save writes r. Saving an ID twice overwrites the earlier row.
	Save(ctx context.Context, r Record) error

	// List returns at most limit records, newest first.
	List(ctx context.Context, limit int) ([]Record, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}
