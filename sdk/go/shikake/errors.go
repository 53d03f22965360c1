// Package shikake provides a Go client for the shikake automation API.
package shikake

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response from the shikake API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("shikake: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

// IsRateLimited returns true if the error is a 429.
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

// IsConflict returns true if the error is a 409, which the advance endpoint
// returns while another worker holds the run.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }
