package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/service/matcher"
)

// HandleEvent handles POST /v1/events. Matching runs synchronously; the
// created runs are handed to the dispatcher and the response returns as
// soon as they are queued.
func (h *Handlers) HandleEvent(w http.ResponseWriter, r *http.Request) {
	var event model.Event
	if err := decodeJSON(w, r, &event, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("shikake.event.source", event.Source),
		attribute.String("shikake.event.type", event.Event),
	)

	runs, err := h.matcher.Match(r.Context(), event)
	if errors.Is(err, matcher.ErrInvalidEvent) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Runs created before a partial store failure still get dispatched.
	ids := make([]uuid.UUID, 0, len(runs))
	for _, run := range runs {
		ids = append(ids, run.ID)
		if h.dispatcher != nil && !h.dispatcher.Enqueue(run.ID) {
			h.logger.Warn("dispatch queue full, run left for the poller", "run_id", run.ID)
		}
	}

	if err != nil {
		h.writeInternalError(w, r, "failed to match event", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.MatchResponse{EventID: event.ID, RunIDs: ids})
}
