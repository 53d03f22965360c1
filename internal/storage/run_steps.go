package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shikake/internal/model"
)

// ListRunSteps returns a run's steps ordered by step_index.
func (db *DB) ListRunSteps(ctx context.Context, runID uuid.UUID) ([]model.RunStep, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, step_index, action_type, action_config, status, result, error, started_at, completed_at
		 FROM run_steps WHERE run_id = $1
		 ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list run steps: %w", err)
	}
	defer rows.Close()

	var steps []model.RunStep
	for rows.Next() {
		var (
			s      model.RunStep
			status string
		)
		if err := rows.Scan(&s.RunID, &s.StepIndex, &s.ActionType, &s.ActionConfig, &status,
			&s.Result, &s.Error, &s.StartedAt, &s.CompletedAt); err != nil {
			return nil, fmt.Errorf("storage: scan run step: %w", err)
		}
		s.Status = model.RunStatus(status)
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// SaveRunStep upserts a step keyed by (run_id, step_index) on behalf of
// owner, who must hold the run's lease or ErrRunLocked is returned. The
// conflict branch only fires while the stored step is non-terminal.
func (db *DB) SaveRunStep(ctx context.Context, owner string, s model.RunStep) error {
	if s.ActionConfig == nil {
		s.ActionConfig = map[string]any{}
	}
	err := db.runTx(ctx, s.RunID, "save_step", func(tx pgx.Tx) error {
		if err := holdLease(ctx, tx, s.RunID, owner); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO run_steps (run_id, step_index, action_type, action_config, status, result, error, started_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (run_id, step_index) DO UPDATE SET
			     status = EXCLUDED.status,
			     result = EXCLUDED.result,
			     error = EXCLUDED.error,
			     started_at = COALESCE(run_steps.started_at, EXCLUDED.started_at),
			     completed_at = EXCLUDED.completed_at
			 WHERE run_steps.status NOT IN ('success', 'failed')`,
			s.RunID, s.StepIndex, s.ActionType, s.ActionConfig, string(s.Status),
			s.Result, s.Error, s.StartedAt, s.CompletedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: save run step %d: %w", s.StepIndex, err)
	}
	return nil
}
