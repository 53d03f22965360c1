// Package model defines the core domain types for shikake.
//
// Types map directly onto the units, runs and run_steps tables and onto the
// inbound event shape delivered by the ingestion layer. Compiled rule parts
// (trigger, conditions, actions) are stored as JSONB and round-trip through
// these structs unchanged.
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UnitStatus is the lifecycle state of a unit.
type UnitStatus string

const (
	UnitStatusActive   UnitStatus = "active"
	UnitStatusPaused   UnitStatus = "paused"
	UnitStatusArchived UnitStatus = "archived"
)

// Valid reports whether s is a known unit status.
func (s UnitStatus) Valid() bool {
	switch s {
	case UnitStatusActive, UnitStatusPaused, UnitStatusArchived:
		return true
	}
	return false
}

// TriggerTypeEvent is the only trigger type currently compiled.
const TriggerTypeEvent = "event"

// Trigger is the compiled "when" part of a unit.
type Trigger struct {
	Type   string `json:"type" yaml:"type"`
	Source string `json:"source" yaml:"source"`
	Event  string `json:"event" yaml:"event"`
	Filter string `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// ConditionType tags a Condition variant.
type ConditionType string

const (
	ConditionEval     ConditionType = "eval"
	ConditionSemantic ConditionType = "semantic"
)

// Condition is one compiled "if" entry. Only the fields relevant to Type
// are populated.
type Condition struct {
	Type ConditionType `json:"type" yaml:"type"`

	// eval
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// semantic
	InputTemplate string   `json:"input_template,omitempty" yaml:"input_template,omitempty"`
	Prompt        string   `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Expected      Expected `json:"expected,omitempty" yaml:"expected,omitempty"`
}

// Expected holds the accepted classifier answers. It decodes from either a
// single JSON string or an array of strings.
type Expected []string

// UnmarshalJSON accepts "x" as well as ["x", "y"].
func (e *Expected) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*e = Expected{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected must be a string or a list of strings: %w", err)
	}
	*e = many
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence.
func (e *Expected) UnmarshalYAML(unmarshal func(any) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*e = Expected{single}
		return nil
	}
	var many []string
	if err := unmarshal(&many); err != nil {
		return fmt.Errorf("expected must be a string or a list of strings: %w", err)
	}
	*e = many
	return nil
}

// Action is one compiled "then" step: the tool to call and its argument
// template. Args may contain {{path}} placeholders resolved against the
// run context when the step starts.
type Action struct {
	ID   string         `json:"id,omitempty" yaml:"id,omitempty"`
	Tool string         `json:"tool" yaml:"tool"`
	Args map[string]any `json:"args,omitempty" yaml:"args,omitempty"`
}

// Unit is a compiled automation rule.
type Unit struct {
	ID            uuid.UUID   `json:"id"`
	OwnerID       string      `json:"owner_id"`
	Name          string      `json:"name"`
	RawWhen       string      `json:"raw_when,omitempty"`
	RawIf         string      `json:"raw_if,omitempty"`
	RawThen       string      `json:"raw_then,omitempty"`
	CompiledWhen  Trigger     `json:"compiled_when"`
	CompiledIf    []Condition `json:"compiled_if"`
	CompiledThen  []Action    `json:"compiled_then"`
	Status        UnitStatus  `json:"status"`
	TriggerSource string      `json:"trigger_source"`
	TriggerEvent  string      `json:"trigger_event"`
	RunCount      int64       `json:"run_count"`
	LastRunAt     *time.Time  `json:"last_run_at,omitempty"`
	LastRunStatus *RunStatus  `json:"last_run_status,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// CreateUnitRequest is the input for creating a unit. The trigger
// source/event columns are always derived from CompiledWhen.
type CreateUnitRequest struct {
	OwnerID      string      `json:"owner_id"`
	Name         string      `json:"name"`
	RawWhen      string      `json:"raw_when,omitempty"`
	RawIf        string      `json:"raw_if,omitempty"`
	RawThen      string      `json:"raw_then,omitempty"`
	CompiledWhen Trigger     `json:"compiled_when"`
	CompiledIf   []Condition `json:"compiled_if"`
	CompiledThen []Action    `json:"compiled_then"`
	Status       UnitStatus  `json:"status,omitempty"`
}

// Validate checks the structural requirements of a compiled unit.
func (r CreateUnitRequest) Validate() error {
	if r.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}
	if r.CompiledWhen.Type != "" && r.CompiledWhen.Type != TriggerTypeEvent {
		return fmt.Errorf("compiled_when.type %q is not supported", r.CompiledWhen.Type)
	}
	if r.CompiledWhen.Source == "" || r.CompiledWhen.Event == "" {
		return fmt.Errorf("compiled_when.source and compiled_when.event are required")
	}
	if r.Status != "" && !r.Status.Valid() {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	for i, a := range r.CompiledThen {
		if a.Tool == "" {
			return fmt.Errorf("compiled_then[%d].tool is required", i)
		}
	}
	return nil
}
