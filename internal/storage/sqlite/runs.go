package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/storage"
)

const runColumns = `id, unit_id, event_id, user_id, status, current_step, context, event_payload,
	started_at, completed_at, resume_at, error, created_at`

// CreateRun inserts a pending run. A second run for the same (unit_id,
// event_id) is ignored and reported with created=false.
func (s *Store) CreateRun(ctx context.Context, req model.CreateRunRequest) (model.Run, bool, error) {
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
		Context:      map[string]any{"payload": payload},
		EventPayload: payload,
		CreatedAt:    time.Now().UTC(),
	}
	runCtx, err := marshalJSON(run.Context)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("sqlite: create run: %w", err)
	}
	eventPayload, err := marshalJSON(run.EventPayload)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("sqlite: create run: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, unit_id, event_id, user_id, status, current_step, context, event_payload, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT (unit_id, event_id) DO NOTHING`,
		run.ID.String(), run.UnitID.String(), run.EventID, run.UserID, string(run.Status),
		runCtx, eventPayload, formatTime(run.CreatedAt),
	)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("sqlite: create run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Run{}, false, nil
	}
	return run, true, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id.String()))
	if err != nil {
		if isNoRows(err) {
			return model.Run{}, notFound("run", id)
		}
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return r, nil
}

// ClaimRun takes a lease on a run for owner until now+lease.
func (s *Store) ClaimRun(ctx context.Context, id uuid.UUID, owner string, now time.Time, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET locked_by = ?, locked_until = ?
		 WHERE id = ? AND (locked_until IS NULL OR locked_until < ? OR locked_by = ?)`,
		owner, formatTime(now.Add(lease)), id.String(), formatTime(now), owner)
	if err != nil {
		return fmt.Errorf("sqlite: claim run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, id.String()).Scan(&exists); err != nil {
		return fmt.Errorf("sqlite: claim run: %w", err)
	}
	if exists == 0 {
		return notFound("run", id)
	}
	return fmt.Errorf("sqlite: run %s: %w", id, storage.ErrRunLocked)
}

// ReleaseRun drops owner's lease.
func (s *Store) ReleaseRun(ctx context.Context, id uuid.UUID, owner string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET locked_by = NULL, locked_until = NULL WHERE id = ? AND locked_by = ?`,
		id.String(), owner); err != nil {
		return fmt.Errorf("sqlite: release run: %w", err)
	}
	return nil
}

// StartRun moves a pending run to running.
func (s *Store) StartRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = 'running', started_at = COALESCE(started_at, ?)
		 WHERE id = ? AND status = 'pending'`, formatTime(at), id.String()); err != nil {
		return fmt.Errorf("sqlite: start run: %w", err)
	}
	return nil
}

// UpdateRunProgress advances current_step and stores the context while
// owner holds the lease.
func (s *Store) UpdateRunProgress(ctx context.Context, id uuid.UUID, owner string, currentStep int, runContext map[string]any) error {
	data, err := marshalJSON(runContext)
	if err != nil {
		return fmt.Errorf("sqlite: update run progress: %w", err)
	}
	err = s.leased(ctx, id, owner, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE runs SET current_step = ?, context = ?, resume_at = NULL
			 WHERE id = ? AND current_step <= ? AND status NOT IN ('success', 'failed')`,
			currentStep, data, id.String(), currentStep)
		return err
	})
	if err != nil {
		return fmt.Errorf("sqlite: update run progress: %w", err)
	}
	return nil
}

// ParkRun sets resume_at on a non-terminal run.
func (s *Store) ParkRun(ctx context.Context, id uuid.UUID, resumeAt time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE runs SET resume_at = ? WHERE id = ? AND status NOT IN ('success', 'failed')`,
		formatTime(resumeAt), id.String()); err != nil {
		return fmt.Errorf("sqlite: park run: %w", err)
	}
	return nil
}

// CompleteRun writes a terminal status and the unit statistics in one
// transaction; an already-terminal run is left untouched.
func (s *Store) CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus, errMsg *string, at time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("sqlite: complete run: %q is not a terminal status", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("sqlite: complete run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var unitID string
	err = tx.QueryRowContext(ctx,
		`UPDATE runs SET status = ?, completed_at = ?, error = ?, resume_at = NULL
		 WHERE id = ? AND status NOT IN ('success', 'failed')
		 RETURNING unit_id`,
		string(status), formatTime(at), errMsg, id.String(),
	).Scan(&unitID)
	if isNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlite: complete run: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE units SET run_count = run_count + 1, last_run_at = ?, last_run_status = ? WHERE id = ?`,
		formatTime(at), string(status), unitID); err != nil {
		return false, fmt.Errorf("sqlite: update unit stats: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("sqlite: complete run: %w", err)
	}
	return true, nil
}

// ListRunnableRuns returns ids of due, unleased, non-terminal runs.
func (s *Store) ListRunnableRuns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 100
	}
	ts := formatTime(now)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs
		 WHERE status IN ('pending', 'running')
		   AND (resume_at IS NULL OR resume_at <= ?)
		   AND (locked_until IS NULL OR locked_until < ?)
		 ORDER BY created_at
		 LIMIT ?`, ts, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runnable runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan run id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("sqlite: parse run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRun(row scanner) (model.Run, error) {
	var (
		r                                model.Run
		id, unitID, status               string
		runCtx, payload, createdAt       string
		startedAt, completedAt, resumeAt sql.NullString
		errMsg                           sql.NullString
	)
	if err := row.Scan(&id, &unitID, &r.EventID, &r.UserID, &status, &r.CurrentStep,
		&runCtx, &payload, &startedAt, &completedAt, &resumeAt, &errMsg, &createdAt); err != nil {
		return model.Run{}, err
	}

	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.Run{}, err
	}
	if r.UnitID, err = uuid.Parse(unitID); err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	if err := json.Unmarshal([]byte(runCtx), &r.Context); err != nil {
		return model.Run{}, fmt.Errorf("context: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &r.EventPayload); err != nil {
		return model.Run{}, fmt.Errorf("event_payload: %w", err)
	}
	if r.StartedAt, err = parseNullTime(startedAt); err != nil {
		return model.Run{}, err
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return model.Run{}, err
	}
	if r.ResumeAt, err = parseNullTime(resumeAt); err != nil {
		return model.Run{}, err
	}
	r.Error = nullString(errMsg)
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Run{}, err
	}
	return r, nil
}
