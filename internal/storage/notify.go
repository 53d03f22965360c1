package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shikake/internal/model"
)

// RunStatusChannel is the NOTIFY channel that carries run status changes
// between nodes.
const RunStatusChannel = "shikake_runs"

// maxNoticeError bounds the error text carried in a notice. NOTIFY payloads
// are limited to 8000 bytes.
const maxNoticeError = 1024

// ErrMalformedNotice is returned by WaitForRunStatus when a payload on
// RunStatusChannel does not decode into a RunStatusNotice.
var ErrMalformedNotice = errors.New("storage: malformed run status notice")

// RunStatusNotice is the payload of a RunStatusChannel notification. Origin
// identifies the publishing node so it can ignore its own echo.
type RunStatusNotice struct {
	Origin uuid.UUID             `json:"origin"`
	Change model.RunStatusChange `json:"change"`
}

// ListenRunStatus subscribes the dedicated notify connection to
// RunStatusChannel.
func (db *DB) ListenRunStatus(ctx context.Context) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	if _, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{RunStatusChannel}.Sanitize()); err != nil {
		return fmt.Errorf("storage: listen %s: %w", RunStatusChannel, err)
	}
	return nil
}

// NotifyRunStatus publishes n on RunStatusChannel through the pool, so it
// works without a notify connection.
func (db *DB) NotifyRunStatus(ctx context.Context, n RunStatusNotice) error {
	payload, err := encodeNotice(n)
	if err != nil {
		return err
	}
	if _, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", RunStatusChannel, payload); err != nil {
		return fmt.Errorf("storage: notify run %s: %w", n.Change.RunID, err)
	}
	return nil
}

// WaitForRunStatus blocks until a notice arrives on RunStatusChannel.
// Notifications on other channels are skipped. A payload that does not
// decode yields ErrMalformedNotice; the connection stays usable.
func (db *DB) WaitForRunStatus(ctx context.Context) (RunStatusNotice, error) {
	if db.notifyConn == nil {
		return RunStatusNotice{}, fmt.Errorf("storage: notify connection not configured")
	}
	for {
		n, err := db.notifyConn.WaitForNotification(ctx)
		if err != nil {
			return RunStatusNotice{}, fmt.Errorf("storage: wait for run status: %w", err)
		}
		if n.Channel != RunStatusChannel {
			continue
		}
		return decodeNotice(n.Payload)
	}
}

func encodeNotice(n RunStatusNotice) (string, error) {
	if len(n.Change.Error) > maxNoticeError {
		n.Change.Error = n.Change.Error[:maxNoticeError]
	}
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("storage: encode run status notice: %w", err)
	}
	return string(data), nil
}

func decodeNotice(payload string) (RunStatusNotice, error) {
	var n RunStatusNotice
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return RunStatusNotice{}, fmt.Errorf("%w: %v", ErrMalformedNotice, err)
	}
	if n.Change.RunID == uuid.Nil {
		return RunStatusNotice{}, fmt.Errorf("%w: missing run id", ErrMalformedNotice)
	}
	return n, nil
}
