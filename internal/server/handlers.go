package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shikake/internal/broker"
	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	storeName           string
	matcher             Matcher
	runs                RunService
	dispatcher          Dispatcher
	broker              *broker.Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// NewHandlers creates Handlers from the server configuration.
func NewHandlers(cfg ServerConfig) *Handlers {
	return &Handlers{
		store:               cfg.Store,
		storeName:           cfg.StoreName,
		matcher:             cfg.Matcher,
		runs:                cfg.Runs,
		dispatcher:          cfg.Dispatcher,
		broker:              cfg.Broker,
		logger:              cfg.Logger,
		startedAt:           time.Now(),
		version:             cfg.Version,
		maxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		openapiSpec:         cfg.OpenAPISpec,
	}
}

// HandleSubscribe handles GET /v1/subscribe (SSE). The optional user_id,
// unit_id and run_id query parameters narrow the stream.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "status stream not available")
		return
	}

	filter := broker.Filter{UserID: r.URL.Query().Get("user_id")}
	for key, dst := range map[string]*uuid.UUID{"unit_id": &filter.UnitID, "run_id": &filter.RunID} {
		if v := r.URL.Query().Get(key); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+key)
				return
			}
			*dst = id
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	// Subscribed before the headers flush so the first change is not missed.
	sub := h.broker.Subscribe(filter)
	defer h.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Without this, idle streams are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case change, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(change)
			if err != nil {
				h.logger.Error("subscribe: encode change", "error", err)
				continue
			}
			if _, err := w.Write(formatSSE("run.status", data)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatSSE formats one Server-Sent Events message.
func formatSSE(eventType string, data []byte) []byte {
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	return append(out, "\n\n"...)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	depth := 0
	if h.dispatcher != nil {
		depth = h.dispatcher.QueueDepth()
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:     status,
		Version:    h.version,
		Store:      h.storeName + ":" + storeStatus,
		QueueDepth: depth,
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	})
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// writeStoreError maps storage.ErrNotFound to 404 and everything else to 500.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, what string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, what+" not found")
		return
	}
	h.writeInternalError(w, r, "failed to load "+what, err)
}

// pathUUID parses a UUID path parameter, writing a 400 when it is invalid.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
