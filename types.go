package shikake

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Event is the public representation of an inbound event.
// No internal package imports, safe to use from outside the module.
type Event struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Event     string         `json:"event"`
	UserID    string         `json:"user_id"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// RunStatusChange is delivered to status listeners when a run starts,
// finishes a step, parks or completes.
type RunStatusChange struct {
	RunID      uuid.UUID
	UnitID     uuid.UUID
	UserID     string
	Status     RunStatus
	StepIndex  int
	ResumeAt   *time.Time
	Error      string
	OccurredAt time.Time
}
