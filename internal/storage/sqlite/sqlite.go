// Package sqlite implements storage.Store on an embedded SQLite database
// (modernc.org/sqlite, pure Go) for single-node deployments and tests.
//
// The pool is limited to one connection, so every statement and
// transaction is serialized. That gives the same exactly-once guarantees
// the Postgres store gets from row locks.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/shikake/internal/storage"
)

// timeFormat sorts lexically in chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS units (
	id              TEXT PRIMARY KEY,
	owner_id        TEXT NOT NULL,
	name            TEXT NOT NULL,
	raw_when        TEXT NOT NULL DEFAULT '',
	raw_if          TEXT NOT NULL DEFAULT '',
	raw_then        TEXT NOT NULL DEFAULT '',
	compiled_when   TEXT NOT NULL,
	compiled_if     TEXT NOT NULL DEFAULT '[]',
	compiled_then   TEXT NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL DEFAULT 'active',
	trigger_source  TEXT NOT NULL,
	trigger_event   TEXT NOT NULL,
	run_count       INTEGER NOT NULL DEFAULT 0,
	last_run_at     TEXT,
	last_run_status TEXT,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_units_trigger_active
	ON units (trigger_source, trigger_event) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	unit_id       TEXT NOT NULL REFERENCES units (id) ON DELETE CASCADE,
	event_id      TEXT NOT NULL,
	user_id       TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	current_step  INTEGER NOT NULL DEFAULT 0,
	context       TEXT NOT NULL DEFAULT '{}',
	event_payload TEXT NOT NULL DEFAULT '{}',
	started_at    TEXT,
	completed_at  TEXT,
	resume_at     TEXT,
	error         TEXT,
	locked_by     TEXT,
	locked_until  TEXT,
	created_at    TEXT NOT NULL,
	UNIQUE (unit_id, event_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_runnable
	ON runs (created_at) WHERE status IN ('pending', 'running');

CREATE TABLE IF NOT EXISTS run_steps (
	run_id        TEXT NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
	step_index    INTEGER NOT NULL,
	action_type   TEXT NOT NULL,
	action_config TEXT NOT NULL DEFAULT '{}',
	status        TEXT NOT NULL DEFAULT 'pending',
	result        TEXT,
	error         TEXT,
	started_at    TEXT,
	completed_at  TEXT,
	PRIMARY KEY (run_id, step_index)
);
`

// Store implements storage.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens or creates the database at path (":memory:" for a private
// in-memory database) and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// leased runs fn in a transaction after checking that owner holds the run's
// lease. The pool has one connection, so no claim can interleave before
// the transaction ends.
func (s *Store) leased(ctx context.Context, id uuid.UUID, owner string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var lockedBy sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT locked_by FROM runs WHERE id = ?`, id.String()).Scan(&lockedBy)
	if isNoRows(err) {
		return notFound("run", id)
	}
	if err != nil {
		return err
	}
	if !lockedBy.Valid || lockedBy.String != owner {
		return fmt.Errorf("sqlite: run %s: %w", id, storage.ErrRunLocked)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func notFound(kind string, id uuid.UUID) error {
	return fmt.Errorf("sqlite: %s %s: %w", kind, id, storage.ErrNotFound)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
