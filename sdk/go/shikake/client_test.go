package shikake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the shikake API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL + "/",
		APIKey:  "test-key",
		UserID:  "user-1",
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty BaseURL")
	}
}

func TestIngestEventSendsCredentialsAndUnwrapsEnvelope(t *testing.T) {
	runID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/events": func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
				t.Errorf("Authorization = %q", got)
			}
			if got := r.Header.Get("X-Shikake-User"); got != "user-1" {
				t.Errorf("X-Shikake-User = %q", got)
			}
			var ev Event
			if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if ev.ID != "evt-1" || ev.Payload["subject"] != "hi" {
				t.Errorf("unexpected event %+v", ev)
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"data": MatchResponse{EventID: ev.ID, RunIDs: []uuid.UUID{runID}},
				"meta": map[string]any{"request_id": "r1"},
			})
		},
	})

	c := newTestClient(t, srv.URL)
	resp, err := c.IngestEvent(context.Background(), Event{
		ID: "evt-1", Source: "gmail", Event: "message.received",
		Payload: map[string]any{"subject": "hi"},
	})
	if err != nil {
		t.Fatalf("IngestEvent failed: %v", err)
	}
	if resp.EventID != "evt-1" || len(resp.RunIDs) != 1 || resp.RunIDs[0] != runID {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestUnitCalls(t *testing.T) {
	unitID := uuid.New()
	var deleted atomic.Bool
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/units": func(w http.ResponseWriter, r *http.Request) {
			var req CreateUnitRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			writeJSON(w, http.StatusCreated, map[string]any{"data": map[string]any{
				"id": unitID, "owner_id": req.OwnerID, "name": req.Name, "status": "active",
				"compiled_when": req.CompiledWhen,
				"compiled_if":   []any{map[string]any{"type": "semantic", "prompt": "urgent", "expected": "yes"}},
			}})
		},
		"GET /v1/units/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"id": r.PathValue("id"), "status": "active", "run_count": 3,
			}})
		},
		"POST /v1/units/{id}/status": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			_ = json.NewDecoder(r.Body).Decode(&body)
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"id": r.PathValue("id"), "status": body["status"],
			}})
		},
		"DELETE /v1/units/{id}": func(w http.ResponseWriter, r *http.Request) {
			deleted.Store(true)
			w.WriteHeader(http.StatusNoContent)
		},
	})
	c := newTestClient(t, srv.URL)
	ctx := context.Background()

	unit, err := c.CreateUnit(ctx, CreateUnitRequest{
		OwnerID:      "user-1",
		Name:         "urgent mail",
		CompiledWhen: Trigger{Type: "event", Source: "gmail", Event: "message.received"},
	})
	if err != nil {
		t.Fatalf("CreateUnit failed: %v", err)
	}
	if unit.ID != unitID || unit.CompiledWhen.Source != "gmail" {
		t.Errorf("unexpected unit %+v", unit)
	}
	if len(unit.CompiledIf) != 1 || len(unit.CompiledIf[0].Expected) != 1 || unit.CompiledIf[0].Expected[0] != "yes" {
		t.Errorf("expected scalar 'expected' to decode as a list, got %+v", unit.CompiledIf)
	}

	got, err := c.GetUnit(ctx, unitID)
	if err != nil {
		t.Fatalf("GetUnit failed: %v", err)
	}
	if got.RunCount != 3 {
		t.Errorf("RunCount = %d, want 3", got.RunCount)
	}

	paused, err := c.SetUnitStatus(ctx, unitID, UnitStatusPaused)
	if err != nil {
		t.Fatalf("SetUnitStatus failed: %v", err)
	}
	if paused.Status != UnitStatusPaused {
		t.Errorf("Status = %q, want paused", paused.Status)
	}

	if err := c.DeleteUnit(ctx, unitID); err != nil {
		t.Fatalf("DeleteUnit failed: %v", err)
	}
	if !deleted.Load() {
		t.Error("delete handler was not called")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		code   string
		check  func(error) bool
	}{
		{http.StatusNotFound, "NOT_FOUND", IsNotFound},
		{http.StatusUnauthorized, "UNAUTHORIZED", IsUnauthorized},
		{http.StatusConflict, "CONFLICT", IsConflict},
		{http.StatusTooManyRequests, "RATE_LIMITED", IsRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv := mockServer(t, map[string]http.HandlerFunc{
				"POST /v1/runs/{id}/advance": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tt.status, map[string]any{
						"error": map[string]any{"code": tt.code, "message": "nope"},
					})
				},
			})
			_, err := newTestClient(t, srv.URL).AdvanceRun(context.Background(), uuid.New())
			if !tt.check(err) {
				t.Fatalf("classifier rejected %v", err)
			}
			var apiErr *Error
			if !errors.As(err, &apiErr) || apiErr.Code != tt.code || apiErr.Message != "nope" {
				t.Errorf("unexpected error %#v", err)
			}
		})
	}
}

func TestErrorWithoutEnvelopeKeepsBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{id}": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream broke", http.StatusBadGateway)
		},
	})
	_, err := newTestClient(t, srv.URL).GetRun(context.Background(), uuid.New())
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Code != "Bad Gateway" || !strings.Contains(apiErr.Message, "upstream broke") {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestWaitForRunPollsUntilTerminal(t *testing.T) {
	runID := uuid.New()
	var calls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{id}": func(w http.ResponseWriter, r *http.Request) {
			status := RunStatusRunning
			if calls.Add(1) >= 3 {
				status = RunStatusSuccess
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": RunDetail{
				Run:   Run{ID: runID, Status: status},
				Steps: []RunStep{{RunID: runID, StepIndex: 0, Status: RunStatusSuccess}},
			}})
		},
	})

	detail, err := newTestClient(t, srv.URL).WaitForRun(context.Background(), runID, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForRun failed: %v", err)
	}
	if detail.Run.Status != RunStatusSuccess || calls.Load() != 3 {
		t.Errorf("status %q after %d calls", detail.Run.Status, calls.Load())
	}
}

func TestWaitForRunHonoursContext(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/runs/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": RunDetail{Run: Run{Status: RunStatusPending}}})
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t, srv.URL).WaitForRun(ctx, uuid.New(), 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestHealthSendsNoCredentials(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "" {
				t.Error("health check sent credentials")
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": HealthResponse{Status: "healthy", Store: "sqlite:connected"}})
		},
	})
	h, err := newTestClient(t, srv.URL).Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if h.Status != "healthy" || h.Store != "sqlite:connected" {
		t.Errorf("unexpected health %+v", h)
	}
}

func TestSubscribeDecodesStream(t *testing.T) {
	runID := uuid.New()
	unitID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/subscribe": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("unit_id"); got != unitID.String() {
				t.Errorf("unit_id = %q", got)
			}
			if r.URL.Query().Has("run_id") {
				t.Error("zero run_id should not be sent")
			}
			w.Header().Set("Content-Type", "text/event-stream")
			for _, status := range []RunStatus{RunStatusRunning, RunStatusSuccess} {
				data, _ := json.Marshal(RunStatusChange{RunID: runID, UnitID: unitID, Status: status})
				_, _ = fmt.Fprintf(w, ":keepalive\n\nevent: run.status\ndata: %s\n\n", data)
			}
			_, _ = io.WriteString(w, "event: other\ndata: {}\n\n")
		},
	})

	var got []RunStatus
	err := newTestClient(t, srv.URL).Subscribe(context.Background(), SubscribeFilter{UnitID: unitID}, func(c RunStatusChange) error {
		if c.RunID != runID {
			t.Errorf("RunID = %s", c.RunID)
		}
		got = append(got, c.Status)
		return nil
	})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF when the server closes, got %v", err)
	}
	if len(got) != 2 || got[0] != RunStatusRunning || got[1] != RunStatusSuccess {
		t.Errorf("statuses = %v", got)
	}
}

func TestSubscribeStopsOnCallbackError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/subscribe": func(w http.ResponseWriter, r *http.Request) {
			for range 3 {
				_, _ = io.WriteString(w, "event: run.status\ndata: {\"status\":\"running\"}\n\n")
			}
		},
	})
	stop := errors.New("stop")
	calls := 0
	err := newTestClient(t, srv.URL).Subscribe(context.Background(), SubscribeFilter{}, func(RunStatusChange) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestSubscribeUnavailable(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/subscribe": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error": map[string]any{"code": "INTERNAL_ERROR", "message": "status stream not available"},
			})
		},
	})
	err := newTestClient(t, srv.URL).Subscribe(context.Background(), SubscribeFilter{}, func(RunStatusChange) error { return nil })
	var apiErr *Error
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 error, got %v", err)
	}
}

func TestReadSSEJoinsDataLines(t *testing.T) {
	var got string
	err := readSSE(strings.NewReader("event: x\ndata: a\ndata: b\n\n"), func(event string, data []byte) error {
		got = event + "|" + string(data)
		return nil
	})
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v", err)
	}
	if got != "x|a\nb" {
		t.Errorf("got %q", got)
	}
}
