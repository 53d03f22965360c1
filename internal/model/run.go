package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run or a run step.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// Event is an inbound occurrence from an external system. It is never
// persisted by the engine itself; runs keep a copy of its payload.
type Event struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Event     string         `json:"event"`
	UserID    string         `json:"user_id"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Run is one execution of one unit against one event.
type Run struct {
	ID           uuid.UUID      `json:"id"`
	UnitID       uuid.UUID      `json:"unit_id"`
	EventID      string         `json:"event_id"`
	UserID       string         `json:"user_id"`
	Status       RunStatus      `json:"status"`
	CurrentStep  int            `json:"current_step"`
	Context      map[string]any `json:"context"`
	EventPayload map[string]any `json:"event_payload"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ResumeAt     *time.Time     `json:"resume_at,omitempty"`
	Error        *string        `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// CreateRunRequest is the input for inserting a new pending run.
type CreateRunRequest struct {
	UnitID  uuid.UUID
	EventID string
	UserID  string
	Payload map[string]any
}

// RunStep is one executed action within a run.
type RunStep struct {
	RunID        uuid.UUID      `json:"run_id"`
	StepIndex    int            `json:"step_index"`
	ActionType   string         `json:"action_type"`
	ActionConfig map[string]any `json:"action_config"`
	Status       RunStatus      `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Error        *string        `json:"error,omitempty"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// RunStatusChange is published whenever a run moves to a new state or is
// parked. Listeners receive these over a broker subscription.
type RunStatusChange struct {
	RunID      uuid.UUID  `json:"run_id"`
	UnitID     uuid.UUID  `json:"unit_id"`
	UserID     string     `json:"user_id"`
	Status     RunStatus  `json:"status"`
	StepIndex  int        `json:"step_index"`
	ResumeAt   *time.Time `json:"resume_at,omitempty"`
	Error      string     `json:"error,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// RunDetail is a run together with its recorded steps.
type RunDetail struct {
	Run   Run       `json:"run"`
	Steps []RunStep `json:"steps"`
}
