package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shikake/internal/broker"
	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/ratelimit"
	"github.com/ashita-ai/shikake/internal/storage"
)

// Matcher turns an event into pending runs. *matcher.Service implements it.
type Matcher interface {
	Match(ctx context.Context, event model.Event) ([]model.Run, error)
}

// RunService advances and inspects runs. *runs.Manager implements it.
type RunService interface {
	Advance(ctx context.Context, runID uuid.UUID) (model.RunStatus, error)
	Get(ctx context.Context, runID uuid.UUID) (model.RunDetail, error)
}

// Dispatcher queues runs for background advancement.
// *scheduler.Scheduler implements it.
type Dispatcher interface {
	Enqueue(runID uuid.UUID) bool
	QueueDepth() int
}

// Server is the shikake HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a
// Server. Dispatcher and Broker are optional: without a dispatcher, created
// runs wait for an explicit advance call or the resume poller; without a
// broker, /v1/subscribe answers 503.
type ServerConfig struct {
	Store      storage.Store
	StoreName  string
	Matcher    Matcher
	Runs       RunService
	Dispatcher Dispatcher
	Broker     *broker.Broker
	Logger     *slog.Logger

	// RateLimiter throttles event ingestion; nil disables it.
	RateLimiter ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	APIKey              string
	OpenAPISpec         []byte // served at GET /openapi.yaml; nil answers 404
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg)

	mux := http.NewServeMux()
	var events http.Handler = http.HandlerFunc(h.HandleEvent)
	if cfg.RateLimiter != nil {
		events = ratelimit.Middleware(cfg.RateLimiter, ratelimit.ClientKey, cfg.Logger, rejectRateLimited)(events)
	}
	mux.Handle("POST /v1/events", events)

	mux.HandleFunc("POST /v1/units", h.HandleCreateUnit)
	mux.HandleFunc("GET /v1/units/{unit_id}", h.HandleGetUnit)
	mux.HandleFunc("DELETE /v1/units/{unit_id}", h.HandleDeleteUnit)
	mux.HandleFunc("POST /v1/units/{unit_id}/status", h.HandleUpdateUnitStatus)

	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/advance", h.HandleAdvanceRun)

	// Long-lived; WriteTimeout is lifted inside the handler.
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.APIKey, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

func rejectRateLimited(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests")
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
