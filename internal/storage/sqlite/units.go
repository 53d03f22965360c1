package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shikake/internal/model"
)

const unitColumns = `id, owner_id, name, raw_when, raw_if, raw_then,
	compiled_when, compiled_if, compiled_then, status, trigger_source, trigger_event,
	run_count, last_run_at, last_run_status, created_at, updated_at`

// CreateUnit inserts a unit; status defaults to active.
func (s *Store) CreateUnit(ctx context.Context, req model.CreateUnitRequest) (model.Unit, error) {
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

	when, err := marshalJSON(u.CompiledWhen)
	if err != nil {
		return model.Unit{}, fmt.Errorf("sqlite: create unit: %w", err)
	}
	ifs, err := marshalJSON(u.CompiledIf)
	if err != nil {
		return model.Unit{}, fmt.Errorf("sqlite: create unit: %w", err)
	}
	thens, err := marshalJSON(u.CompiledThen)
	if err != nil {
		return model.Unit{}, fmt.Errorf("sqlite: create unit: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO units (id, owner_id, name, raw_when, raw_if, raw_then,
		     compiled_when, compiled_if, compiled_then, status, trigger_source, trigger_event,
		     created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID.String(), u.OwnerID, u.Name, u.RawWhen, u.RawIf, u.RawThen,
		when, ifs, thens, string(u.Status), u.TriggerSource, u.TriggerEvent,
		formatTime(u.CreatedAt), formatTime(u.UpdatedAt),
	)
	if err != nil {
		return model.Unit{}, fmt.Errorf("sqlite: create unit: %w", err)
	}
	return u, nil
}

// GetUnit retrieves a unit by ID.
func (s *Store) GetUnit(ctx context.Context, id uuid.UUID) (model.Unit, error) {
	u, err := scanUnit(s.db.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM units WHERE id = ?`, id.String()))
	if err != nil {
		if isNoRows(err) {
			return model.Unit{}, notFound("unit", id)
		}
		return model.Unit{}, fmt.Errorf("sqlite: get unit: %w", err)
	}
	return u, nil
}

// UpdateUnitStatus changes a unit's lifecycle status.
func (s *Store) UpdateUnitStatus(ctx context.Context, id uuid.UUID, status model.UnitStatus) (model.Unit, error) {
	if !status.Valid() {
		return model.Unit{}, fmt.Errorf("sqlite: invalid unit status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE units SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id.String())
	if err != nil {
		return model.Unit{}, fmt.Errorf("sqlite: update unit status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Unit{}, notFound("unit", id)
	}
	return s.GetUnit(ctx, id)
}

// DeleteUnit removes a unit together with its runs and steps.
func (s *Store) DeleteUnit(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM units WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("sqlite: delete unit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("unit", id)
	}
	return nil
}

// ListActiveUnitsByTrigger returns active units for (source, event).
func (s *Store) ListActiveUnitsByTrigger(ctx context.Context, source, event, ownerID string) ([]model.Unit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+unitColumns+` FROM units
		 WHERE trigger_source = ? AND trigger_event = ? AND status = 'active'
		   AND (? = '' OR owner_id = ?)
		 ORDER BY created_at`, source, event, ownerID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list units by trigger: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var units []model.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUnit(row scanner) (model.Unit, error) {
	var (
		u                     model.Unit
		id, status            string
		when, ifs, thens      string
		lastRunAt, lastStatus sql.NullString
		createdAt, updatedAt  string
	)
	if err := row.Scan(
		&id, &u.OwnerID, &u.Name, &u.RawWhen, &u.RawIf, &u.RawThen,
		&when, &ifs, &thens, &status, &u.TriggerSource, &u.TriggerEvent,
		&u.RunCount, &lastRunAt, &lastStatus, &createdAt, &updatedAt,
	); err != nil {
		return model.Unit{}, err
	}

	var err error
	if u.ID, err = uuid.Parse(id); err != nil {
		return model.Unit{}, err
	}
	if err := json.Unmarshal([]byte(when), &u.CompiledWhen); err != nil {
		return model.Unit{}, fmt.Errorf("compiled_when: %w", err)
	}
	if err := json.Unmarshal([]byte(ifs), &u.CompiledIf); err != nil {
		return model.Unit{}, fmt.Errorf("compiled_if: %w", err)
	}
	if err := json.Unmarshal([]byte(thens), &u.CompiledThen); err != nil {
		return model.Unit{}, fmt.Errorf("compiled_then: %w", err)
	}
	u.Status = model.UnitStatus(status)
	if u.LastRunAt, err = parseNullTime(lastRunAt); err != nil {
		return model.Unit{}, err
	}
	if lastStatus.Valid {
		st := model.RunStatus(lastStatus.String)
		u.LastRunStatus = &st
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Unit{}, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Unit{}, err
	}
	return u, nil
}
