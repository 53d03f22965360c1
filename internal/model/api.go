package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for inbound events. These keep a single oversized
// event from bloating the runs table or the classifier input.
const (
	MaxEventIDLen     = 256
	MaxSourceLen      = 128
	MaxEventTypeLen   = 128
	MaxUserIDLen      = 256
	MaxUnitNameLen    = 200
	MaxTriggerLen     = 4 * 1024
	MaxUnitConditions = 64
	MaxUnitActions    = 64
)

// ValidateEvent checks the required fields and length limits of an event.
func ValidateEvent(e Event) error {
	switch {
	case e.ID == "":
		return fmt.Errorf("id is required")
	case e.Source == "":
		return fmt.Errorf("source is required")
	case e.Event == "":
		return fmt.Errorf("event is required")
	}
	if len(e.ID) > MaxEventIDLen {
		return fmt.Errorf("id exceeds maximum length of %d characters", MaxEventIDLen)
	}
	if len(e.Source) > MaxSourceLen {
		return fmt.Errorf("source exceeds maximum length of %d characters", MaxSourceLen)
	}
	if len(e.Event) > MaxEventTypeLen {
		return fmt.Errorf("event exceeds maximum length of %d characters", MaxEventTypeLen)
	}
	if len(e.UserID) > MaxUserIDLen {
		return fmt.Errorf("user_id exceeds maximum length of %d characters", MaxUserIDLen)
	}
	return nil
}

// ValidateUnitLimits checks size limits on a unit definition in addition to
// the structural checks of CreateUnitRequest.Validate.
func ValidateUnitLimits(r CreateUnitRequest) error {
	if len(r.Name) > MaxUnitNameLen {
		return fmt.Errorf("name exceeds maximum length of %d characters", MaxUnitNameLen)
	}
	if len(r.CompiledWhen.Filter) > MaxTriggerLen {
		return fmt.Errorf("compiled_when.filter exceeds maximum length of %d bytes", MaxTriggerLen)
	}
	if len(r.CompiledIf) > MaxUnitConditions {
		return fmt.Errorf("compiled_if exceeds maximum of %d conditions", MaxUnitConditions)
	}
	if len(r.CompiledThen) > MaxUnitActions {
		return fmt.Errorf("compiled_then exceeds maximum of %d actions", MaxUnitActions)
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// MatchResponse is the response for POST /v1/events.
type MatchResponse struct {
	EventID string      `json:"event_id"`
	RunIDs  []uuid.UUID `json:"run_ids"`
}

// UpdateUnitStatusRequest is the request body for POST /v1/units/{unit_id}/status.
type UpdateUnitStatusRequest struct {
	Status UnitStatus `json:"status"`
}

// AdvanceResponse is the response for POST /v1/runs/{run_id}/advance.
type AdvanceResponse struct {
	RunID  uuid.UUID `json:"run_id"`
	Status RunStatus `json:"status"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Store      string `json:"store"`
	QueueDepth int    `json:"queue_depth"`
	Uptime     int64  `json:"uptime_seconds"`
}
