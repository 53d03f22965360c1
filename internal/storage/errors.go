package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrRunLocked is returned by ClaimRun when another worker holds an
// unexpired lease on the run, and by fenced writes from a caller that no
// longer holds the lease.
var ErrRunLocked = errors.New("storage: run is claimed by another worker")
