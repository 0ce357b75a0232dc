package callrecord

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the call_records table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_records (
    id               TEXT PRIMARY KEY,
    stream_sid       TEXT NOT NULL DEFAULT '',
    call_sid         TEXT NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ NOT NULL,
    ended_at         TIMESTAMPTZ,
    close_code       INTEGER NOT NULL DEFAULT 0,
    close_reason     TEXT NOT NULL DEFAULT '',
    frames_in        INTEGER NOT NULL DEFAULT 0,
    frames_forwarded INTEGER NOT NULL DEFAULT 0,
    frames_dropped   INTEGER NOT NULL DEFAULT 0,
    decode_errors    INTEGER NOT NULL DEFAULT 0,
    protocol_errors  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_call_records_started ON call_records(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_call_records_call_sid ON call_records(call_sid);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db    DB
	ping  func(ctx context.Context) error
	close func()
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] that uses the given connection
// or pool. The caller is responsible for calling [PostgresStore.Migrate].
func NewPostgresStore(db DB) *PostgresStore {
	s := &PostgresStore{db: db, close: func() {}}
	if p, ok := db.(interface{ Ping(context.Context) error }); ok {
		s.ping = p.Ping
	}
	return s
}

// Open connects a pool to dsn, verifies the connection and applies [Schema].
// Call [PostgresStore.Close] to release the pool.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("callrecord: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("callrecord: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("callrecord: ping: %w", err)
	}

	s := NewPostgresStore(pool)
	s.close = pool.Close
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("callrecord: migrate: %w", err)
	}
	return nil
}

// Save upserts r by ID.
func (s *PostgresStore) Save(ctx context.Context, r Record) error {
	const query = `
		INSERT INTO call_records (
			id, stream_sid, call_sid, started_at, ended_at,
			close_code, close_reason, frames_in, frames_forwarded,
			frames_dropped, decode_errors, protocol_errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			stream_sid = EXCLUDED.stream_sid,
			call_sid = EXCLUDED.call_sid,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			close_code = EXCLUDED.close_code,
			close_reason = EXCLUDED.close_reason,
			frames_in = EXCLUDED.frames_in,
			frames_forwarded = EXCLUDED.frames_forwarded,
			frames_dropped = EXCLUDED.frames_dropped,
			decode_errors = EXCLUDED.decode_errors,
			protocol_errors = EXCLUDED.protocol_errors`

	var ended any
	if !r.EndedAt.IsZero() {
		ended = r.EndedAt
	}
	_, err := s.db.Exec(ctx, query,
		r.ID, r.StreamSid, r.CallSid, r.StartedAt, ended,
		r.CloseCode, r.CloseReason, r.FramesIn, r.FramesForwarded,
		r.FramesDropped, r.DecodeErrors, r.ProtocolErrors,
	)
	if err != nil {
		return fmt.Errorf("callrecord: save %q: %w", r.ID, err)
	}
	return nil
}

// List returns at most limit records ordered by start time, newest first.
// A non-positive limit returns every record.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	const base = `
		SELECT id, stream_sid, call_sid, started_at, ended_at,
		       close_code, close_reason, frames_in, frames_forwarded,
		       frames_dropped, decode_errors, protocol_errors
		FROM call_records
		ORDER BY started_at DESC`

	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(ctx, base+" LIMIT $1", limit)
	} else {
		rows, err = s.db.Query(ctx, base)
	}
	if err != nil {
		return nil, fmt.Errorf("callrecord: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r     Record
			ended *time.Time
		)
		if err := rows.Scan(
			&r.ID, &r.StreamSid, &r.CallSid, &r.StartedAt, &ended,
			&r.CloseCode, &r.CloseReason, &r.FramesIn, &r.FramesForwarded,
			&r.FramesDropped, &r.DecodeErrors, &r.ProtocolErrors,
		); err != nil {
			return nil, fmt.Errorf("callrecord: list scan: %w", err)
		}
		if ended != nil {
			r.EndedAt = *ended
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callrecord: list rows: %w", err)
	}
	return out, nil
}

// Ping checks database connectivity. Stores built on a DB without a Ping
// method always report healthy.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	if err := s.ping(ctx); err != nil {
		return fmt.Errorf("callrecord: ping: %w", err)
	}
	return nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores built
// with [NewPostgresStore].
func (s *PostgresStore) Close() {
	s.close()
}
