// Package shikake is the public API for embedding the shikake automation
// engine.
//
// Consumers import this package to construct and extend the engine without
// forking it:
//
//	app, err := shikake.New(
//	    shikake.WithVersion(version),
//	    shikake.WithLogger(logger),
//	    shikake.WithAction("slack.post", postToSlack),
//	    shikake.WithStatusListener(auditLog),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: shikake (root) imports
// internal/*, but internal/* never imports shikake (root). Public types are
// standalone structs; conversion helpers live here because this is the only
// file that sees both sides of the boundary.
package shikake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shikake/api"
	"github.com/ashita-ai/shikake/internal/action"
	"github.com/ashita-ai/shikake/internal/broker"
	"github.com/ashita-ai/shikake/internal/classify"
	"github.com/ashita-ai/shikake/internal/conditions"
	"github.com/ashita-ai/shikake/internal/config"
	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/ratelimit"
	"github.com/ashita-ai/shikake/internal/redact"
	"github.com/ashita-ai/shikake/internal/server"
	"github.com/ashita-ai/shikake/internal/service/matcher"
	"github.com/ashita-ai/shikake/internal/service/runs"
	"github.com/ashita-ai/shikake/internal/service/scheduler"
	"github.com/ashita-ai/shikake/internal/storage"
	"github.com/ashita-ai/shikake/internal/storage/sqlite"
	"github.com/ashita-ai/shikake/internal/telemetry"
	"github.com/ashita-ai/shikake/internal/unitfile"
	"github.com/ashita-ai/shikake/migrations"
)

// shutdownTimeout bounds each shutdown phase when the caller's context has
// no deadline.
const shutdownTimeout = 30 * time.Second

// App is the shikake engine lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	store        storage.Store
	closeStore   func()
	srv          *server.Server
	matcher      *matcher.Service
	runs         *runs.Manager
	sched        *scheduler.Scheduler
	broker       *broker.Broker
	limiter      *ratelimit.MemoryLimiter
	listeners    []listenerSub
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	listenerWG sync.WaitGroup
	closeOnce  sync.Once
}

// New initialises the engine. It loads configuration, opens the store,
// applies migrations and wires all subsystems. It does NOT start any
// goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.store != "" {
		cfg.Store = o.store
		cfg.SQLitePath = o.sqlitePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx := context.Background()
	logger.Info("shikake starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Insecure:       cfg.OTELInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	if cfg.RedactKey != "" {
		redact.SetDefaultKey([]byte(cfg.RedactKey))
	}

	store, relay, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	var classifier classify.Classifier
	if o.classifier != nil {
		classifier = o.classifier
		logger.Info("classifier: provided by embedder")
	} else {
		classifier = classify.Select(ctx, classify.ProviderConfig{
			Provider:     cfg.ClassifierProvider,
			OpenAIAPIKey: cfg.OpenAIAPIKey,
			OpenAIModel:  cfg.ClassifierModel,
			OllamaURL:    cfg.OllamaURL,
			OllamaModel:  cfg.OllamaModel,
		}, logger)
	}
	prompts := classify.DefaultPrompts().With(o.prompts)
	evaluator := conditions.New(classifier, prompts, conditions.UnknownPolicy(cfg.UnknownCondition), logger)

	registry := action.NewRegistry(cfg.ActionTimeout, logger)
	action.RegisterBuiltins(registry, action.BuiltinOptions{})
	for actionType, fn := range o.actions {
		registry.Register(actionType, action.Func(fn))
	}
	logger.Info("actions registered", "types", registry.Types())

	b := broker.New(relay, logger)
	if relay == nil {
		logger.Info("status broker: local only (no notify connection)")
	}

	runMgr := runs.New(store, registry, logger,
		runs.WithLease(cfg.RunLease),
		runs.WithPublisher(b),
	)
	sched := scheduler.New(runMgr, store, logger, scheduler.Config{
		Workers:      cfg.RunWorkers,
		QueueSize:    cfg.RunQueueSize,
		PollInterval: cfg.ResumePollInterval,
		BatchSize:    cfg.ResumeBatchSize,
		RunTimeout:   cfg.RunLease,
	})
	match := matcher.New(store, evaluator, logger, cfg.MatchConcurrency)

	var limiter *ratelimit.MemoryLimiter
	var rl ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		rl = limiter
	}

	srv := server.New(server.ServerConfig{
		Store:               store,
		StoreName:           cfg.Store,
		Matcher:             match,
		Runs:                runMgr,
		Dispatcher:          sched,
		Broker:              b,
		Logger:              logger,
		RateLimiter:         rl,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		APIKey:              cfg.APIKey,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		closeStore:   closeStore,
		srv:          srv,
		matcher:      match,
		runs:         runMgr,
		sched:        sched,
		broker:       b,
		limiter:      limiter,
		listeners:    subscribeListeners(b, o.listeners),
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// openStore opens the configured backend. relay is nil unless Postgres has
// a dedicated notify connection.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, broker.Relay, func(), error) {
	if cfg.Store == config.StoreSQLite {
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("storage: %w", err)
		}
		return s, nil, func() { _ = s.Close() }, nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, nil, nil, fmt.Errorf("migrations: %w", err)
	}
	var relay broker.Relay
	if db.HasNotify() {
		relay = db
	}
	return db, relay, func() { db.Close(context.Background()) }, nil
}

// Handler returns the root HTTP handler, for mounting the API in an
// existing server or for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the broker relay, status listeners, scheduler and HTTP server,
// then blocks until ctx is cancelled or a fatal server error occurs. On
// return, Shutdown has been called.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.broker.Start(ctx)
	a.startListeners(ctx)
	a.sched.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	cancel()

	return errors.Join(runErr, a.Shutdown(context.WithoutCancel(ctx)))
}

// Shutdown performs a graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) drain the scheduler so in-progress steps finish,
// then stops listeners and closes the store and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shikake shutting down")

	httpCtx, httpCancel := contextWithDefaultTimeout(ctx, shutdownTimeout)
	err := a.srv.Shutdown(httpCtx)
	httpCancel()
	if err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	drainCtx, drainCancel := contextWithDefaultTimeout(ctx, a.cfg.RunLease)
	a.sched.Drain(drainCtx)
	drainCancel()

	a.Close(ctx)
	a.logger.Info("shikake stopped")
	return err
}

// Close releases the store, status listeners and telemetry without
// touching the HTTP server. Used by one-shot commands that never call Run.
func (a *App) Close(ctx context.Context) {
	a.closeOnce.Do(func() {
		a.listenerWG.Wait()
		for _, ls := range a.listeners {
			a.broker.Unsubscribe(ls.sub)
		}
		if a.limiter != nil {
			_ = a.limiter.Close()
		}
		a.closeStore()
		if err := a.otelShutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
	})
}

// Match evaluates event against all subscribed units and returns the IDs
// of the runs it created. It does not dispatch them.
func (a *App) Match(ctx context.Context, event Event) ([]uuid.UUID, error) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	created, err := a.matcher.Match(ctx, toModelEvent(event))
	ids := make([]uuid.UUID, len(created))
	for i, r := range created {
		ids[i] = r.ID
	}
	return ids, err
}

// Advance drives a run until it completes, fails or parks.
func (a *App) Advance(ctx context.Context, runID uuid.UUID) (RunStatus, error) {
	status, err := a.runs.Advance(ctx, runID)
	return RunStatus(status), err
}

// ImportUnits loads a YAML unit file and creates every unit in it. Nothing
// is stored unless every unit validates.
func (a *App) ImportUnits(ctx context.Context, path string) ([]uuid.UUID, error) {
	f, err := unitfile.Load(path)
	if err != nil {
		return nil, err
	}
	units, err := unitfile.Import(ctx, a.store, f)
	ids := make([]uuid.UUID, len(units))
	for i, u := range units {
		ids[i] = u.ID
	}
	return ids, err
}

// listenerSub pairs a status listener with its subscription. Subscribing
// at construction means changes published before Run are buffered.
type listenerSub struct {
	listener StatusListener
	sub      *broker.Subscription
}

func subscribeListeners(b *broker.Broker, ls []StatusListener) []listenerSub {
	out := make([]listenerSub, len(ls))
	for i, l := range ls {
		out[i] = listenerSub{listener: l, sub: b.Subscribe(broker.Filter{})}
	}
	return out
}

// startListeners runs one goroutine per status listener until ctx is
// cancelled.
func (a *App) startListeners(ctx context.Context) {
	for _, ls := range a.listeners {
		a.listenerWG.Add(1)
		go func() {
			defer a.listenerWG.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case c, ok := <-ls.sub.C:
					if !ok {
						return
					}
					a.notify(ctx, ls.listener, c)
				}
			}
		}()
	}
}

func (a *App) notify(ctx context.Context, l StatusListener, c model.RunStatusChange) {
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error("status listener panic", "run_id", c.RunID, "panic", fmt.Sprint(p))
		}
	}()
	l.OnRunStatus(ctx, toPublicChange(c))
}

func toModelEvent(e Event) model.Event {
	return model.Event{
		ID:        e.ID,
		Source:    e.Source,
		Event:     e.Event,
		UserID:    e.UserID,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	}
}

func toPublicChange(c model.RunStatusChange) RunStatusChange {
	return RunStatusChange{
		RunID:      c.RunID,
		UnitID:     c.UnitID,
		UserID:     c.UserID,
		Status:     RunStatus(c.Status),
		StepIndex:  c.StepIndex,
		ResumeAt:   c.ResumeAt,
		Error:      c.Error,
		OccurredAt: c.OccurredAt,
	}
}

// contextWithDefaultTimeout applies timeout only when parent has no deadline.
func contextWithDefaultTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := parent.Deadline(); ok || timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
