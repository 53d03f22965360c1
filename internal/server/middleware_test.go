package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated when absent", "", false},
		{"client id kept", "req-abc-123", true},
		{"too long replaced", strings.Repeat("a", 129), false},
		{"control characters replaced", "bad\x01id", false},
		{"spaces replaced", "has space", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tt.incoming != "" {
				req.Header.Set("X-Request-ID", tt.incoming)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.NotEmpty(t, seen)
			assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
			if tt.keep {
				assert.Equal(t, tt.incoming, seen)
			} else {
				assert.NotEqual(t, tt.incoming, seen)
			}
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name   string
		key    string
		path   string
		header string
		want   int
	}{
		{"disabled without key", "", "/v1/events", "", http.StatusNoContent},
		{"health is open", "k", "/health", "", http.StatusNoContent},
		{"missing header", "k", "/v1/events", "", http.StatusUnauthorized},
		{"wrong scheme", "k", "/v1/events", "Token k", http.StatusUnauthorized},
		{"wrong key", "k", "/v1/events", "Bearer nope", http.StatusUnauthorized},
		{"bearer is case-insensitive", "k", "/v1/events", "bearer k", http.StatusNoContent},
		{"valid", "k", "/v1/runs/x", "Bearer k", http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			authMiddleware(tt.key, ok).ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(discard(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
}

func TestStatusWriter_FlushAndUnwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	sw.WriteHeader(http.StatusAccepted)
	sw.Flush()

	assert.Equal(t, http.StatusAccepted, sw.statusCode)
	assert.True(t, rec.Flushed)
	assert.Same(t, rec, sw.Unwrap())
}

func TestTracingMiddleware_PassesThrough(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/runs/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.PathValue("run_id")))
	})
	rec := httptest.NewRecorder()
	tracingMiddleware(mux).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/abc", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", rec.Body.String())
}

func TestFormatSSE(t *testing.T) {
	assert.Equal(t, "event: run.status\ndata: {\"a\":1}\n\n", string(formatSSE("run.status", []byte(`{"a":1}`))))
}
