package server

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/redact"
	"github.com/ashita-ai/shikake/internal/service/runs"
	"github.com/ashita-ai/shikake/internal/storage"
)

// HandleGetRun handles GET /v1/runs/{run_id}. Sensitive action arguments
// are masked before the steps leave the process.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	detail, err := h.runs.Get(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, "run", err)
		return
	}
	for i := range detail.Steps {
		detail.Steps[i].ActionConfig = redact.Map(detail.Steps[i].ActionConfig)
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleAdvanceRun handles POST /v1/runs/{run_id}/advance. It drives the
// run synchronously until it completes, fails or parks.
func (h *Handlers) HandleAdvanceRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("shikake.run_id", id.String()))

	status, err := h.runs.Advance(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	case errors.Is(err, runs.ErrRunBusy):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is being advanced by another worker")
		return
	case err != nil:
		h.writeInternalError(w, r, "failed to advance run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.AdvanceResponse{RunID: id, Status: status})
}
