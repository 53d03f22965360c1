package storage

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Run transactions that lose a serialization or deadlock race are re-run
// this many times in total before the error is returned.
const (
	runTxAttempts  = 4
	runTxBaseDelay = 10 * time.Millisecond
)

// transientConflict reports whether err is a Postgres conflict that a fresh
// transaction can succeed after.
func transientConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// runTx executes fn in a transaction on runID's behalf, re-running the whole
// transaction after a transient conflict.
func (db *DB) runTx(ctx context.Context, runID uuid.UUID, op string, fn func(pgx.Tx) error) error {
	return retryRunTx(ctx, db.logger, runID, op, runTxBaseDelay, func() error {
		return pgx.BeginFunc(ctx, db.pool, fn)
	})
}

// retryRunTx calls attempt up to runTxAttempts times. Only transient
// conflicts are retried; the wait doubles each time with up to 100% jitter
// and is cut short by ctx.
func retryRunTx(ctx context.Context, logger *slog.Logger, runID uuid.UUID, op string, delay time.Duration, attempt func() error) error {
	for n := 1; ; n++ {
		err := attempt()
		if err == nil || !transientConflict(err) || n == runTxAttempts {
			return err
		}
		logger.Warn("storage: run transaction conflict, retrying",
			"op", op, "run_id", runID, "attempt", n, "error", err)

		wait := delay + time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}
