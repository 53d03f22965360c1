package shikake

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// SubscribeFilter narrows the status stream. Zero fields match everything.
type SubscribeFilter struct {
	UserID string
	UnitID uuid.UUID
	RunID  uuid.UUID
}

func (f SubscribeFilter) query() string {
	params := url.Values{}
	if f.UserID != "" {
		params.Set("user_id", f.UserID)
	}
	if f.UnitID != uuid.Nil {
		params.Set("unit_id", f.UnitID.String())
	}
	if f.RunID != uuid.Nil {
		params.Set("run_id", f.RunID.String())
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}

// Subscribe streams run status changes to fn until ctx ends, the server
// closes the stream, or fn returns an error. A cancelled ctx is reported as
// ctx.Err(); a stream closed by the server returns io.EOF.
func (c *Client) Subscribe(ctx context.Context, filter SubscribeFilter, fn func(RunStatusChange) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/subscribe"+filter.query(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any per-request timeout.
	streaming := *c.client
	streaming.Timeout = 0

	resp, err := streaming.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("shikake: GET /v1/subscribe: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return parseErrorResponse(resp.StatusCode, body)
	}

	err = readSSE(resp.Body, func(event string, data []byte) error {
		if event != "run.status" {
			return nil
		}
		var change RunStatusChange
		if err := json.Unmarshal(data, &change); err != nil {
			return fmt.Errorf("shikake: decode status change: %w", err)
		}
		return fn(change)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readSSE parses a server-sent event stream, calling emit once per event.
// Comment lines are skipped; multiple data lines are joined with "\n".
func readSSE(r io.Reader, emit func(event string, data []byte) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				if err := emit(event, []byte(strings.Join(data, "\n"))); err != nil {
					return err
				}
			}
			event, data = "", nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shikake: read stream: %w", err)
	}
	return io.EOF
}
