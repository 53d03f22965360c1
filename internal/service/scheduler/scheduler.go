// Package scheduler dispatches runs to a bounded pool of workers.
//
// Newly matched runs are enqueued directly. A poll loop picks up everything
// else that is runnable: parked runs whose resume_at has passed, runs whose
// lease expired with their worker, and runs dropped because the queue was
// full. The store is the source of truth, so losing the in-memory queue on
// shutdown loses no work.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/service/runs"
	"github.com/ashita-ai/shikake/internal/telemetry"
)

// Advancer advances one run. *runs.Manager implements it.
type Advancer interface {
	Advance(ctx context.Context, runID uuid.UUID) (model.RunStatus, error)
}

// Source lists runs that are due for advancement.
type Source interface {
	ListRunnableRuns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Config sizes the scheduler. Zero fields take the defaults in New.
type Config struct {
	Workers      int
	QueueSize    int
	PollInterval time.Duration
	BatchSize    int
	// RunTimeout bounds one Advance call made by a worker.
	RunTimeout time.Duration
}

// Scheduler owns the run queue and its workers.
type Scheduler struct {
	advancer Advancer
	source   Source
	logger   *slog.Logger
	cfg      Config

	mu     sync.RWMutex // guards closed and sends on queue
	closed bool
	queue  chan uuid.UUID
	queued sync.Map // run id -> struct{}, ids currently in queue or being advanced

	started    atomic.Bool
	cancelLoop context.CancelFunc
	workCtx    context.Context
	workers    sync.WaitGroup
	done       chan struct{}
	once       sync.Once

	advanced metric.Int64Counter
	dropped  metric.Int64Counter
}

// New creates a scheduler. Call Start to begin processing.
func New(advancer Advancer, source Source, logger *slog.Logger, cfg Config) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = runs.DefaultLease
	}
	meter := telemetry.Meter("shikake/scheduler")
	advanced, _ := meter.Int64Counter("shikake.scheduler.advanced",
		metric.WithDescription("Advance calls made by scheduler workers"),
	)
	dropped, _ := meter.Int64Counter("shikake.scheduler.dropped",
		metric.WithDescription("Runs not enqueued because the queue was full"),
	)
	return &Scheduler{
		advancer: advancer,
		source:   source,
		logger:   logger,
		cfg:      cfg,
		queue:    make(chan uuid.UUID, cfg.QueueSize),
		done:     make(chan struct{}),
		advanced: advanced,
		dropped:  dropped,
	}
}

// Start launches the workers and the poll loop. Only the first call has an
// effect.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("scheduler: Start called more than once, ignoring")
		return
	}
	s.registerMetrics()

	// Workers finish the run they hold even after ctx is cancelled; Drain
	// bounds how long shutdown waits for them.
	s.workCtx = context.WithoutCancel(ctx)
	for i := range s.cfg.Workers {
		s.workers.Add(1)
		go s.worker(i)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	go s.pollLoop(loopCtx)
}

// Enqueue hands a run to the workers without blocking. It reports false
// when the queue is full or the scheduler is draining; the poll loop picks
// such runs up later. Enqueueing a run that is already queued is a no-op.
func (s *Scheduler) Enqueue(runID uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	if _, dup := s.queued.LoadOrStore(runID, struct{}{}); dup {
		return true
	}
	select {
	case s.queue <- runID:
		return true
	default:
		s.queued.Delete(runID)
		s.dropped.Add(context.Background(), 1)
		s.logger.Warn("scheduler: queue full, run deferred to poller", "run_id", runID, "queue_size", s.cfg.QueueSize)
		return false
	}
}

// QueueDepth returns the number of runs waiting for a worker.
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

// Poll enqueues every runnable run once. The poll loop calls it on each
// tick; it is exported for the CLI's one-shot mode and for tests.
func (s *Scheduler) Poll(ctx context.Context) int {
	ids, err := s.source.ListRunnableRuns(ctx, time.Now().UTC(), s.cfg.BatchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("scheduler: list runnable runs", "error", err)
		}
		return 0
	}
	n := 0
	for _, id := range ids {
		if s.Enqueue(id) {
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("scheduler: enqueued runnable runs", "count", n)
	}
	return n
}

// Drain stops the poll loop, lets workers finish what is queued and blocks
// until they exit or ctx expires.
func (s *Scheduler) Drain(ctx context.Context) {
	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	go func() {
		s.workers.Wait()
		s.once.Do(func() { close(s.done) })
	}()

	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn("scheduler: drain timed out", "queued", len(s.queue))
	}
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	// Resume whatever a previous process left behind.
	s.Poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

func (s *Scheduler) worker(n int) {
	defer s.workers.Done()
	for id := range s.queue {
		s.advance(id, n)
	}
}

func (s *Scheduler) advance(id uuid.UUID, worker int) {
	defer s.queued.Delete(id)
	ctx, cancel := context.WithTimeout(s.workCtx, s.cfg.RunTimeout)
	defer cancel()

	status, err := s.advancer.Advance(ctx, id)
	outcome := string(status)
	switch {
	case errors.Is(err, runs.ErrRunBusy):
		outcome = "busy"
		s.logger.Debug("scheduler: run busy elsewhere", "run_id", id)
	case err != nil:
		outcome = "error"
		s.logger.Error("scheduler: advance failed", "run_id", id, "worker", worker, "error", err)
	}
	s.advanced.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (s *Scheduler) registerMetrics() {
	meter := telemetry.Meter("shikake/scheduler")
	_, _ = meter.Int64ObservableGauge("shikake.scheduler.queue_depth",
		metric.WithDescription("Runs waiting for a scheduler worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(len(s.queue)))
			return nil
		}),
	)
}
