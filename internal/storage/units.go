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

const unitColumns = `id, owner_id, name, raw_when, raw_if, raw_then,
	compiled_when, compiled_if, compiled_then, status, trigger_source, trigger_event,
	run_count, last_run_at, last_run_status, created_at, updated_at`

// CreateUnit inserts a unit. trigger_source/trigger_event are copied from
// the compiled trigger; status defaults to active.
func (db *DB) CreateUnit(ctx context.Context, req model.CreateUnitRequest) (model.Unit, error) {
	now := time.Now().UTC()
	u := model.Unit{
		ID:            uuid.New(),
		OwnerID:       req.OwnerID,
		Name:          req.Name,
		RawWhen:       req.RawWhen,
		RawIf:         req.RawIf,
		RawThen:       req.RawThen,
		CompiledWhen:  req.CompiledWhen,
		CompiledIf:    req.CompiledIf,
		CompiledThen:  req.CompiledThen,
		Status:        req.Status,
		TriggerSource: req.CompiledWhen.Source,
		TriggerEvent:  req.CompiledWhen.Event,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if u.Status == "" {
		u.Status = model.UnitStatusActive
	}
	if u.CompiledWhen.Type == "" {
		u.CompiledWhen.Type = model.TriggerTypeEvent
	}
	if u.CompiledIf == nil {
		u.CompiledIf = []model.Condition{}
	}
	if u.CompiledThen == nil {
		u.CompiledThen = []model.Action{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO units (id, owner_id, name, raw_when, raw_if, raw_then,
		     compiled_when, compiled_if, compiled_then, status, trigger_source, trigger_event,
		     created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		u.ID, u.OwnerID, u.Name, u.RawWhen, u.RawIf, u.RawThen,
		u.CompiledWhen, u.CompiledIf, u.CompiledThen, string(u.Status),
		u.TriggerSource, u.TriggerEvent, u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		return model.Unit{}, fmt.Errorf("storage: create unit: %w", err)
	}
	return u, nil
}

// GetUnit retrieves a unit by ID.
func (db *DB) GetUnit(ctx context.Context, id uuid.UUID) (model.Unit, error) {
	u, err := scanUnit(db.pool.QueryRow(ctx, `SELECT `+unitColumns+` FROM units WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Unit{}, fmt.Errorf("storage: unit %s: %w", id, ErrNotFound)
		}
		return model.Unit{}, fmt.Errorf("storage: get unit: %w", err)
	}
	return u, nil
}

// UpdateUnitStatus changes a unit's lifecycle status.
func (db *DB) UpdateUnitStatus(ctx context.Context, id uuid.UUID, status model.UnitStatus) (model.Unit, error) {
	if !status.Valid() {
		return model.Unit{}, fmt.Errorf("storage: invalid unit status %q", status)
	}
	u, err := scanUnit(db.pool.QueryRow(ctx,
		`UPDATE units SET status = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+unitColumns, id, string(status)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Unit{}, fmt.Errorf("storage: unit %s: %w", id, ErrNotFound)
		}
		return model.Unit{}, fmt.Errorf("storage: update unit status: %w", err)
	}
	return u, nil
}

// DeleteUnit removes a unit. Its runs and run steps are removed by the
// ON DELETE CASCADE foreign keys.
func (db *DB) DeleteUnit(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM units WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: unit %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListActiveUnitsByTrigger returns active units for (source, event). The
// query is served by idx_units_trigger_active.
func (db *DB) ListActiveUnitsByTrigger(ctx context.Context, source, event, ownerID string) ([]model.Unit, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+unitColumns+` FROM units
		 WHERE trigger_source = $1 AND trigger_event = $2 AND status = 'active'
		   AND ($3 = '' OR owner_id = $3)
		 ORDER BY created_at`, source, event, ownerID)
	if err != nil {
		return nil, fmt.Errorf("storage: list units by trigger: %w", err)
	}
	defer rows.Close()

	var units []model.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

func scanUnit(row pgx.Row) (model.Unit, error) {
	var (
		u          model.Unit
		status     string
		lastStatus *string
	)
	err := row.Scan(
		&u.ID, &u.OwnerID, &u.Name, &u.RawWhen, &u.RawIf, &u.RawThen,
		&u.CompiledWhen, &u.CompiledIf, &u.CompiledThen, &status,
		&u.TriggerSource, &u.TriggerEvent, &u.RunCount, &u.LastRunAt, &lastStatus,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return model.Unit{}, err
	}
	u.Status = model.UnitStatus(status)
	if lastStatus != nil {
		s := model.RunStatus(*lastStatus)
		u.LastRunStatus = &s
	}
	return u, nil
}
