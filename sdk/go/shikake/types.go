package shikake

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a run or one of its steps.
type RunStatus string

const (
	RunStatusPending RunStatus = "pending"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the run can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// UnitStatus is the lifecycle state of a unit.
type UnitStatus string

const (
	UnitStatusActive   UnitStatus = "active"
	UnitStatusPaused   UnitStatus = "paused"
	UnitStatusArchived UnitStatus = "archived"
)

// Event is an occurrence reported by an integration.
type Event struct {
	ID        string         `json:"id"`
	Source    string         `json:"source"`
	Event     string         `json:"event"`
	UserID    string         `json:"user_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitzero"`
}

// MatchResponse lists the runs an ingested event started.
type MatchResponse struct {
	EventID string      `json:"event_id"`
	RunIDs  []uuid.UUID `json:"run_ids"`
}

// Trigger is the "when" part of a unit.
type Trigger struct {
	Type   string `json:"type"`
	Source string `json:"source"`
	Event  string `json:"event"`
	Filter string `json:"filter,omitempty"`
}

// Condition is one "if" entry. Type is "eval" (Expression) or "semantic"
// (InputTemplate, Prompt, Expected).
type Condition struct {
	Type          string   `json:"type"`
	Expression    string   `json:"expression,omitempty"`
	InputTemplate string   `json:"input_template,omitempty"`
	Prompt        string   `json:"prompt,omitempty"`
	Expected      []string `json:"expected,omitempty"`
}

// Action is one "then" step.
type Action struct {
	ID   string         `json:"id,omitempty"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// CreateUnitRequest is the body of POST /v1/units.
type CreateUnitRequest struct {
	OwnerID      string      `json:"owner_id"`
	Name         string      `json:"name"`
	RawWhen      string      `json:"raw_when,omitempty"`
	RawIf        string      `json:"raw_if,omitempty"`
	RawThen      string      `json:"raw_then,omitempty"`
	CompiledWhen Trigger     `json:"compiled_when"`
	CompiledIf   []Condition `json:"compiled_if,omitempty"`
	CompiledThen []Action    `json:"compiled_then,omitempty"`
	Status       UnitStatus  `json:"status,omitempty"`
}

// Unit is a stored automation rule with its run statistics.
type Unit struct {
	ID            uuid.UUID   `json:"id"`
	OwnerID       string      `json:"owner_id"`
	Name          string      `json:"name"`
	CompiledWhen  Trigger     `json:"compiled_when"`
	CompiledIf    []Condition `json:"compiled_if"`
	CompiledThen  []Action    `json:"compiled_then"`
	Status        UnitStatus  `json:"status"`
	RunCount      int64       `json:"run_count"`
	LastRunAt     *time.Time  `json:"last_run_at,omitempty"`
	LastRunStatus *RunStatus  `json:"last_run_status,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// UnmarshalJSON accepts a semantic condition's expected answers as either a
// string or a list.
func (c *Condition) UnmarshalJSON(data []byte) error {
	type plain Condition
	var raw struct {
		plain
		Expected json.RawMessage `json:"expected,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = Condition(raw.plain)
	c.Expected = nil
	if len(raw.Expected) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw.Expected, &single); err == nil {
		c.Expected = []string{single}
		return nil
	}
	return json.Unmarshal(raw.Expected, &c.Expected)
}

// Run is one execution of a unit for one event.
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

// RunStep is the persisted record of one executed action.
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

// RunDetail is a run with its steps in order.
type RunDetail struct {
	Run   Run       `json:"run"`
	Steps []RunStep `json:"steps"`
}

// AdvanceResponse reports a run's status after one advance call.
type AdvanceResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Status RunStatus `json:"status"`
}

// RunStatusChange is one message on the status stream.
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

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Store      string `json:"store"`
	QueueDepth int    `json:"queue_depth"`
	Uptime     int64  `json:"uptime_seconds"`
}

type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
