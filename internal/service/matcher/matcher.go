// Package matcher turns an inbound event into pending runs for every active
// unit whose trigger and conditions accept it.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/shikake/internal/conditions"
	"github.com/ashita-ai/shikake/internal/expr"
	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/telemetry"
)

// DefaultConcurrency bounds per-event unit evaluation when none is given.
const DefaultConcurrency = 8

// ErrInvalidEvent wraps event validation failures.
var ErrInvalidEvent = errors.New("matcher: invalid event")

// Store is the subset of storage.Store the matcher needs.
type Store interface {
	ListActiveUnitsByTrigger(ctx context.Context, source, event, ownerID string) ([]model.Unit, error)
	CreateRun(ctx context.Context, req model.CreateRunRequest) (model.Run, bool, error)
}

// Service matches events against units.
type Service struct {
	store       Store
	conds       *conditions.Evaluator
	logger      *slog.Logger
	concurrency int
	tracer      trace.Tracer

	// lookups collapses identical trigger queries from events arriving
	// at the same time.
	lookups singleflight.Group

	matchDuration metric.Float64Histogram
	runsCreated   metric.Int64Counter
	unitsSkipped  metric.Int64Counter
}

// New creates a matcher. concurrency <= 0 uses DefaultConcurrency.
func New(store Store, conds *conditions.Evaluator, logger *slog.Logger, concurrency int) *Service {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	meter := telemetry.Meter("shikake/matcher")
	matchDuration, _ := meter.Float64Histogram("shikake.match.duration",
		metric.WithDescription("Time to match one event against its candidate units"),
		metric.WithUnit("ms"),
	)
	runsCreated, _ := meter.Int64Counter("shikake.runs.created",
		metric.WithDescription("Runs created by event matching"),
	)
	unitsSkipped, _ := meter.Int64Counter("shikake.match.units_skipped",
		metric.WithDescription("Candidate units rejected by filter, conditions or an evaluation fault"),
	)
	return &Service{
		store:         store,
		conds:         conds,
		logger:        logger,
		concurrency:   concurrency,
		tracer:        telemetry.Tracer("shikake/matcher"),
		matchDuration: matchDuration,
		runsCreated:   runsCreated,
		unitsSkipped:  unitsSkipped,
	}
}

// Match evaluates event against every active unit subscribed to its
// (source, event) pair and creates one pending run per accepting unit.
//
// Units are evaluated concurrently and independently: a failing filter,
// condition or panic skips only that unit. Store failures are fatal to the
// affected unit and are returned joined, together with the runs that were
// created, so the caller can retry delivery. A unit that already has a run
// for this event id yields nothing.
func (s *Service) Match(ctx context.Context, event model.Event) ([]model.Run, error) {
	if err := model.ValidateEvent(event); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}

	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "matcher.Match", trace.WithAttributes(
		attribute.String("shikake.event.source", event.Source),
		attribute.String("shikake.event.type", event.Event),
		attribute.String("shikake.event.id", event.ID),
	))
	defer span.End()

	units, err := s.candidates(ctx, event)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("shikake.match.candidates", len(units)))
	if len(units) == 0 {
		s.record(ctx, event, start, 0)
		return nil, nil
	}

	// Slots keep the result in candidate order regardless of completion order.
	slots := make([]*model.Run, len(units))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i := range units {
		unit := units[i]
		g.Go(func() error {
			run, err := s.matchUnit(ctx, unit, event)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			slots[i] = run
			return nil
		})
	}
	_ = g.Wait()

	runs := make([]model.Run, 0, len(units))
	for _, r := range slots {
		if r != nil {
			runs = append(runs, *r)
		}
	}
	s.record(ctx, event, start, len(runs))
	span.SetAttributes(attribute.Int("shikake.match.runs_created", len(runs)))

	if len(errs) > 0 {
		err := errors.Join(errs...)
		span.RecordError(err)
		return runs, err
	}
	return runs, nil
}

func (s *Service) candidates(ctx context.Context, event model.Event) ([]model.Unit, error) {
	key := event.Source + "\x00" + event.Event + "\x00" + event.UserID
	// The query is shared by every caller that joins it, so it must not die
	// with whichever caller started it. Each caller still stops waiting
	// when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	ch := s.lookups.DoChan(key, func() (any, error) {
		return s.store.ListActiveUnitsByTrigger(shared, event.Source, event.Event, event.UserID)
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("matcher: list units for %s/%s: %w", event.Source, event.Event, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, fmt.Errorf("matcher: list units for %s/%s: %w", event.Source, event.Event, res.Err)
	}
	// The slice may be shared with concurrent callers; it is only read.
	return res.Val.([]model.Unit), nil
}

// matchUnit evaluates one unit. It returns (nil, nil) when the unit does
// not accept the event and an error only for store failures.
func (s *Service) matchUnit(ctx context.Context, unit model.Unit, event model.Event) (run *model.Run, err error) {
	log := s.logger.With("unit_id", unit.ID, "event_id", event.ID)
	defer func() {
		if p := recover(); p != nil {
			log.Error("matcher: unit evaluation panicked", "panic", p, "stack", string(debug.Stack()))
			s.skip(ctx, "panic")
			run, err = nil, nil
		}
	}()

	// Lookup already filters by status; units edited between the query
	// and now are re-checked here.
	if unit.Status != model.UnitStatusActive {
		return nil, nil
	}

	if f := unit.CompiledWhen.Filter; f != "" {
		ok, err := expr.Evaluate(f, conditions.PayloadContext(event.Payload))
		if err != nil {
			log.Debug("matcher: trigger filter error", "error", err)
		}
		if !ok {
			s.skip(ctx, "filter")
			return nil, nil
		}
	}

	if !s.conds.EvaluateAll(ctx, unit.CompiledIf, event) {
		s.skip(ctx, "conditions")
		return nil, nil
	}

	created, ok, err := s.store.CreateRun(ctx, model.CreateRunRequest{
		UnitID:  unit.ID,
		EventID: event.ID,
		UserID:  event.UserID,
		Payload: event.Payload,
	})
	if err != nil {
		log.Error("matcher: create run failed", "error", err)
		return nil, fmt.Errorf("matcher: create run for unit %s: %w", unit.ID, err)
	}
	if !ok {
		log.Debug("matcher: run already exists for event", "run_id", created.ID)
		return nil, nil
	}
	log.Info("matcher: run created", "run_id", created.ID, "unit_name", unit.Name)
	return &created, nil
}

func (s *Service) skip(ctx context.Context, reason string) {
	s.unitsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (s *Service) record(ctx context.Context, event model.Event, start time.Time, created int) {
	attrs := metric.WithAttributes(attribute.String("source", event.Source), attribute.String("event", event.Event))
	s.matchDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000.0, attrs)
	if created > 0 {
		s.runsCreated.Add(ctx, int64(created), attrs)
	}
}
