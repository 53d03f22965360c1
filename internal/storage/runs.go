package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shikake/internal/model"
)

const runColumns = `id, unit_id, event_id, user_id, status, current_step, context, event_payload,
	started_at, completed_at, resume_at, error, created_at`

// CreateRun inserts a pending run seeded with context {payload}. The
// (unit_id, event_id) unique constraint makes redelivery of the same event
// a no-op: created is false and the zero Run is returned.
func (db *DB) CreateRun(ctx context.Context, req model.CreateRunRequest) (model.Run, bool, error) {
	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	run := model.Run{
		ID:           uuid.New(),
		UnitID:       req.UnitID,
		EventID:      req.EventID,
		UserID:       req.UserID,
		Status:       model.RunStatusPending,
		CurrentStep:  0,
		Context:      map[string]any{"payload": payload},
		EventPayload: payload,
		CreatedAt:    time.Now().UTC(),
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, unit_id, event_id, user_id, status, current_step, context, event_payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)
		 ON CONFLICT (unit_id, event_id) DO NOTHING`,
		run.ID, run.UnitID, run.EventID, run.UserID, string(run.Status),
		run.Context, run.EventPayload, run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("storage: create run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Run{}, false, nil
	}
	return run, true, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ClaimRun takes a lease on a run for owner until now+lease. The lease is
// granted when the run is unclaimed, the previous lease has expired, or
// owner already holds it.
func (db *DB) ClaimRun(ctx context.Context, id uuid.UUID, owner string, now time.Time, lease time.Duration) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET locked_by = $2, locked_until = $4
		 WHERE id = $1
		   AND (locked_until IS NULL OR locked_until < $3 OR locked_by = $2)`,
		id, owner, now, now.Add(lease))
	if err != nil {
		return fmt.Errorf("storage: claim run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := db.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("storage: claim run: %w", err)
	}
	if !exists {
		return fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("storage: run %s: %w", id, ErrRunLocked)
}

// ReleaseRun drops owner's lease. Releasing a lease held by someone else
// is a no-op.
func (db *DB) ReleaseRun(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE runs SET locked_by = NULL, locked_until = NULL WHERE id = $1 AND locked_by = $2`,
		id, owner)
	if err != nil {
		return fmt.Errorf("storage: release run: %w", err)
	}
	return nil
}

// StartRun moves a pending run to running.
func (db *DB) StartRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = 'running', started_at = COALESCE(started_at, $2)
		 WHERE id = $1 AND status = 'pending'`, id, at)
	if err != nil {
		return fmt.Errorf("storage: start run: %w", err)
	}
	return nil
}

// UpdateRunProgress records that steps before currentStep have succeeded.
// current_step never moves backwards and terminal runs are left alone. The
// write only lands while owner holds the run's lease; otherwise it returns
// ErrRunLocked.
func (db *DB) UpdateRunProgress(ctx context.Context, id uuid.UUID, owner string, currentStep int, runContext map[string]any) error {
	err := db.runTx(ctx, id, "update_progress", func(tx pgx.Tx) error {
		if err := holdLease(ctx, tx, id, owner); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE runs SET current_step = $2, context = $3, resume_at = NULL
			 WHERE id = $1 AND current_step <= $2 AND status NOT IN ('success', 'failed')`,
			id, currentStep, runContext)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: update run progress: %w", err)
	}
	return nil
}

// ParkRun sets resume_at on a non-terminal run.
func (db *DB) ParkRun(ctx context.Context, id uuid.UUID, resumeAt time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE runs SET resume_at = $2 WHERE id = $1 AND status NOT IN ('success', 'failed')`,
		id, resumeAt)
	if err != nil {
		return fmt.Errorf("storage: park run: %w", err)
	}
	return nil
}

// CompleteRun writes a terminal status and bumps the unit statistics in one
// transaction. The run UPDATE only matches non-terminal rows, so a second
// completion changes nothing and the statistics are counted exactly once.
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus, errMsg *string, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("storage: complete run: %q is not a terminal status", status)
	}

	var changed bool
	err := db.runTx(ctx, id, "complete", func(tx pgx.Tx) error {
		changed = false
		var unitID uuid.UUID
		err := tx.QueryRow(ctx,
			`UPDATE runs SET status = $2, completed_at = $3, error = $4, resume_at = NULL
			 WHERE id = $1 AND status NOT IN ('success', 'failed')
			 RETURNING unit_id`,
			id, string(status), at, errMsg,
		).Scan(&unitID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE units SET run_count = run_count + 1, last_run_at = $2, last_run_status = $3
			 WHERE id = $1`,
			unitID, at, string(status)); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: complete run: %w", err)
	}
	return changed, nil
}

// holdLease row-locks the run for the rest of tx and fails with
// ErrRunLocked unless owner holds its lease. A concurrent ClaimRun blocks
// on the row lock until tx ends.
func holdLease(ctx context.Context, tx pgx.Tx, id uuid.UUID, owner string) error {
	var lockedBy *string
	err := tx.QueryRow(ctx, `SELECT locked_by FROM runs WHERE id = $1 FOR UPDATE`, id).Scan(&lockedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if lockedBy == nil || *lockedBy != owner {
		return fmt.Errorf("run %s: %w", id, ErrRunLocked)
	}
	return nil
}

// ListRunnableRuns returns ids of non-terminal runs that are due and not
// leased, oldest first.
func (db *DB) ListRunnableRuns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM runs
		 WHERE status IN ('pending', 'running')
		   AND (resume_at IS NULL OR resume_at <= $1)
		   AND (locked_until IS NULL OR locked_until < $1)
		 ORDER BY created_at
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list runnable runs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		r      model.Run
		status string
	)
	err := row.Scan(
		&r.ID, &r.UnitID, &r.EventID, &r.UserID, &status, &r.CurrentStep,
		&r.Context, &r.EventPayload, &r.StartedAt, &r.CompletedAt, &r.ResumeAt,
		&r.Error, &r.CreatedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	return r, nil
}
