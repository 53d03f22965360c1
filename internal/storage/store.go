package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shikake/internal/model"
)

// Store is the persistence contract shared by the Postgres and SQLite
// backends.
type Store interface {
	// Units
	CreateUnit(ctx context.Context, req model.CreateUnitRequest) (model.Unit, error)
	GetUnit(ctx context.Context, id uuid.UUID) (model.Unit, error)
	UpdateUnitStatus(ctx context.Context, id uuid.UUID, status model.UnitStatus) (model.Unit, error)
	DeleteUnit(ctx context.Context, id uuid.UUID) error
	// ListActiveUnitsByTrigger returns active units subscribed to
	// (source, event). A non-empty ownerID restricts the result to that
	// owner's units.
	ListActiveUnitsByTrigger(ctx context.Context, source, event, ownerID string) ([]model.Unit, error)

	// Runs
	// CreateRun inserts a pending run. created is false, with no error,
	// when a run already exists for (unit_id, event_id).
	CreateRun(ctx context.Context, req model.CreateRunRequest) (run model.Run, created bool, err error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ClaimRun(ctx context.Context, id uuid.UUID, owner string, now time.Time, lease time.Duration) error
	ReleaseRun(ctx context.Context, id uuid.UUID, owner string) error
	StartRun(ctx context.Context, id uuid.UUID, at time.Time) error
	// UpdateRunProgress and SaveRunStep are fenced on the run's lease: they
	// return ErrRunLocked unless owner is the current lease holder.
	UpdateRunProgress(ctx context.Context, id uuid.UUID, owner string, currentStep int, runContext map[string]any) error
	ParkRun(ctx context.Context, id uuid.UUID, resumeAt time.Time) error
	// CompleteRun moves a non-terminal run to status and, in the same
	// transaction, updates the owning unit's statistics. It reports false
	// when the run was already terminal, in which case nothing changes.
	CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus, errMsg *string, at time.Time) (bool, error)
	ListRunnableRuns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)

	// Run steps
	ListRunSteps(ctx context.Context, runID uuid.UUID) ([]model.RunStep, error)
	// SaveRunStep inserts or updates a step. A step already in a terminal
	// status is never overwritten.
	SaveRunStep(ctx context.Context, owner string, step model.RunStep) error

	Ping(ctx context.Context) error
}

var _ Store = (*DB)(nil)
