package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/shikake/internal/model"
)

// ListRunSteps returns a run's steps ordered by step_index.
func (s *Store) ListRunSteps(ctx context.Context, runID uuid.UUID) ([]model.RunStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_index, action_type, action_config, status, result, error, started_at, completed_at
		 FROM run_steps WHERE run_id = ?
		 ORDER BY step_index`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list run steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []model.RunStep
	for rows.Next() {
		var (
			st                     model.RunStep
			config, status         string
			result, errMsg         sql.NullString
			startedAt, completedAt sql.NullString
		)
		if err := rows.Scan(&st.StepIndex, &st.ActionType, &config, &status, &result, &errMsg,
			&startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan run step: %w", err)
		}
		st.RunID = runID
		st.Status = model.RunStatus(status)
		if err := json.Unmarshal([]byte(config), &st.ActionConfig); err != nil {
			return nil, fmt.Errorf("sqlite: decode action_config: %w", err)
		}
		if result.Valid {
			if err := json.Unmarshal([]byte(result.String), &st.Result); err != nil {
				return nil, fmt.Errorf("sqlite: decode result: %w", err)
			}
		}
		st.Error = nullString(errMsg)
		if st.StartedAt, err = parseNullTime(startedAt); err != nil {
			return nil, fmt.Errorf("sqlite: started_at: %w", err)
		}
		if st.CompletedAt, err = parseNullTime(completedAt); err != nil {
			return nil, fmt.Errorf("sqlite: completed_at: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// SaveRunStep upserts a step while owner holds the run's lease; terminal
// steps are never overwritten.
func (s *Store) SaveRunStep(ctx context.Context, owner string, st model.RunStep) error {
	if st.ActionConfig == nil {
		st.ActionConfig = map[string]any{}
	}
	config, err := marshalJSON(st.ActionConfig)
	if err != nil {
		return fmt.Errorf("sqlite: save run step %d: %w", st.StepIndex, err)
	}
	var result any
	if st.Result != nil {
		if result, err = marshalJSON(st.Result); err != nil {
			return fmt.Errorf("sqlite: save run step %d: %w", st.StepIndex, err)
		}
	}

	err = s.leased(ctx, st.RunID, owner, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_steps (run_id, step_index, action_type, action_config, status, result, error, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (run_id, step_index) DO UPDATE SET
			     status = excluded.status,
			     result = excluded.result,
			     error = excluded.error,
			     started_at = COALESCE(run_steps.started_at, excluded.started_at),
			     completed_at = excluded.completed_at
			 WHERE run_steps.status NOT IN ('success', 'failed')`,
			st.RunID.String(), st.StepIndex, st.ActionType, config, string(st.Status),
			result, st.Error, formatTimePtr(st.StartedAt), formatTimePtr(st.CompletedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("sqlite: save run step %d: %w", st.StepIndex, err)
	}
	return nil
}
