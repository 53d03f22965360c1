// Package runs drives a run through its compiled action list.
//
// A run moves pending → running → success|failed. Each step is persisted as
// running before its action executes and as success or failed afterwards,
// so a restarted process resumes from the last durable current_step without
// repeating a successful step. An action may park its run with
// action.Suspend; the run keeps its status and the step is retried once
// resume_at has passed.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shikake/internal/action"
	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/redact"
	"github.com/ashita-ai/shikake/internal/storage"
	"github.com/ashita-ai/shikake/internal/telemetry"
	"github.com/ashita-ai/shikake/internal/template"
)

// DefaultLease is how long one Advance call owns a run.
const DefaultLease = 5 * time.Minute

// ErrRunBusy is returned when another worker currently owns the run.
var ErrRunBusy = errors.New("runs: run is being advanced by another worker")

// Store is the subset of storage.Store the run manager needs.
type Store interface {
	GetUnit(ctx context.Context, id uuid.UUID) (model.Unit, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ClaimRun(ctx context.Context, id uuid.UUID, owner string, now time.Time, lease time.Duration) error
	ReleaseRun(ctx context.Context, id uuid.UUID, owner string) error
	StartRun(ctx context.Context, id uuid.UUID, at time.Time) error
	UpdateRunProgress(ctx context.Context, id uuid.UUID, owner string, currentStep int, runContext map[string]any) error
	ParkRun(ctx context.Context, id uuid.UUID, resumeAt time.Time) error
	CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus, errMsg *string, at time.Time) (bool, error)
	ListRunSteps(ctx context.Context, runID uuid.UUID) ([]model.RunStep, error)
	SaveRunStep(ctx context.Context, owner string, step model.RunStep) error
}

// Publisher receives run status changes. *broker.Broker implements it.
type Publisher interface {
	Publish(ctx context.Context, change model.RunStatusChange)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLease sets the claim lease. It must exceed the action timeout.
func WithLease(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lease = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWorkerID sets the lease owner prefix recorded on claimed runs.
func WithWorkerID(id string) Option {
	return func(m *Manager) { m.workerID = id }
}

// WithPublisher sets where status changes are published.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// Manager advances runs. It is safe for concurrent use; per-run mutual
// exclusion comes from the store lease, not from in-process locks.
type Manager struct {
	store     Store
	executor  action.Executor
	publisher Publisher
	logger    *slog.Logger
	lease     time.Duration
	now       func() time.Time
	workerID  string
	tracer    trace.Tracer

	runsCompleted metric.Int64Counter
	stepDuration  metric.Float64Histogram
}

// New creates a run manager.
func New(store Store, executor action.Executor, logger *slog.Logger, opts ...Option) *Manager {
	meter := telemetry.Meter("shikake/runs")
	runsCompleted, _ := meter.Int64Counter("shikake.runs.completed",
		metric.WithDescription("Runs that reached a terminal status"),
	)
	stepDuration, _ := meter.Float64Histogram("shikake.steps.duration",
		metric.WithDescription("Action execution time per run step"),
		metric.WithUnit("ms"),
	)
	m := &Manager{
		store:         store,
		executor:      executor,
		logger:        logger,
		lease:         DefaultLease,
		now:           func() time.Time { return time.Now().UTC() },
		workerID:      "shikake-" + uuid.NewString()[:8],
		tracer:        telemetry.Tracer("shikake/runs"),
		runsCompleted: runsCompleted,
		stepDuration:  stepDuration,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Get returns a run with its steps ordered by step index.
func (m *Manager) Get(ctx context.Context, runID uuid.UUID) (model.RunDetail, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunDetail{}, err
	}
	steps, err := m.store.ListRunSteps(ctx, runID)
	if err != nil {
		return model.RunDetail{}, err
	}
	if steps == nil {
		steps = []model.RunStep{}
	}
	return model.RunDetail{Run: run, Steps: steps}, nil
}

// Advance executes the run's remaining steps and returns its status
// afterwards. A terminal run is returned unchanged. A parked run whose
// resume_at lies in the future is left alone. If the action signals
// suspension the run is parked and Advance returns its current
// (non-terminal) status with a nil error.
//
// The lease is renewed before every step and all step and progress writes
// are fenced on it. ErrRunBusy means another worker owns the run, including
// when it took over an expired lease mid-run; storage.ErrNotFound means the
// run does not exist.
func (m *Manager) Advance(ctx context.Context, runID uuid.UUID) (model.RunStatus, error) {
	ctx, span := m.tracer.Start(ctx, "runs.Advance", trace.WithAttributes(
		attribute.String("shikake.run.id", runID.String()),
	))
	defer span.End()

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("runs: advance %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return run.Status, nil
	}

	// Each call claims under its own token so two calls in the same process
	// exclude each other too.
	owner := m.workerID + "/" + uuid.NewString()
	if err := m.store.ClaimRun(ctx, runID, owner, m.now(), m.lease); err != nil {
		if errors.Is(err, storage.ErrRunLocked) {
			return run.Status, ErrRunBusy
		}
		return "", fmt.Errorf("runs: claim %s: %w", runID, err)
	}
	defer func() {
		if err := m.store.ReleaseRun(context.WithoutCancel(ctx), runID, owner); err != nil {
			m.logger.Warn("runs: release lease failed", "run_id", runID, "error", err)
		}
	}()

	// Re-read under the lease; the previous owner may have finished.
	run, err = m.store.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("runs: advance %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		return run.Status, nil
	}
	if run.ResumeAt != nil && m.now().Before(*run.ResumeAt) {
		return run.Status, nil
	}

	status, err := m.advance(ctx, run, owner)
	if errors.Is(err, storage.ErrRunLocked) {
		m.logger.Warn("runs: lease lost mid-run", "run_id", runID, "error", err)
		err = ErrRunBusy
	}
	span.SetAttributes(attribute.String("shikake.run.status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return status, err
}

func (m *Manager) advance(ctx context.Context, run model.Run, owner string) (model.RunStatus, error) {
	log := m.logger.With("run_id", run.ID, "unit_id", run.UnitID)

	unit, err := m.store.GetUnit(ctx, run.UnitID)
	if err != nil {
		return run.Status, fmt.Errorf("runs: load unit for run %s: %w", run.ID, err)
	}

	if run.Status == model.RunStatusPending {
		if err := m.store.StartRun(ctx, run.ID, m.now()); err != nil {
			return run.Status, fmt.Errorf("runs: start %s: %w", run.ID, err)
		}
		run.Status = model.RunStatusRunning
		m.publish(ctx, run, run.CurrentStep, nil, "")
		log.Info("runs: started", "steps", len(unit.CompiledThen))
	}

	steps, err := m.store.ListRunSteps(ctx, run.ID)
	if err != nil {
		return run.Status, fmt.Errorf("runs: list steps for %s: %w", run.ID, err)
	}
	recorded := make(map[int]model.RunStep, len(steps))
	for _, st := range steps {
		recorded[st.StepIndex] = st
	}

	runCtx := maps.Clone(run.Context)
	if runCtx == nil {
		runCtx = map[string]any{}
	}
	if _, ok := runCtx["payload"]; !ok {
		runCtx["payload"] = run.EventPayload
	}

	for i := run.CurrentStep; i < len(unit.CompiledThen); i++ {
		act := unit.CompiledThen[i]
		prev, seen := recorded[i]

		switch {
		case seen && prev.Status == model.RunStatusSuccess:
			// Recorded before a crash that preceded the progress write.
			mergeResult(runCtx, i, act, prev.Result)
			if err := m.store.UpdateRunProgress(ctx, run.ID, owner, i+1, runCtx); err != nil {
				return run.Status, fmt.Errorf("runs: update progress for %s: %w", run.ID, err)
			}
			continue
		case seen && prev.Status == model.RunStatusFailed:
			msg := "step failed"
			if prev.Error != nil {
				msg = *prev.Error
			}
			return m.complete(ctx, run, i, model.RunStatusFailed, msg)
		}

		// A step left pending or running is retried with the config it was
		// first resolved with, under the same idempotency key.
		var config map[string]any
		if seen {
			config = prev.ActionConfig
		} else {
			config = template.ResolveArgs(act.Args, runCtx)
		}

		// The lease must outlast the action about to run.
		if err := m.store.ClaimRun(ctx, run.ID, owner, m.now(), m.lease); err != nil {
			return run.Status, fmt.Errorf("runs: renew lease on %s: %w", run.ID, err)
		}

		outcome, err := m.executeStep(ctx, log, run, owner, i, act, config)
		if err != nil {
			return run.Status, err
		}
		switch outcome.kind {
		case stepParked:
			return run.Status, nil
		case stepFailed:
			return m.complete(ctx, run, i, model.RunStatusFailed, outcome.errMsg)
		}

		mergeResult(runCtx, i, act, outcome.result)
		if err := m.store.UpdateRunProgress(ctx, run.ID, owner, i+1, runCtx); err != nil {
			return run.Status, fmt.Errorf("runs: update progress for %s: %w", run.ID, err)
		}
		run.CurrentStep = i + 1
		m.publish(ctx, run, run.CurrentStep, nil, "")
	}

	return m.complete(ctx, run, len(unit.CompiledThen), model.RunStatusSuccess, "")
}

type stepKind int

const (
	stepSucceeded stepKind = iota
	stepFailed
	stepParked
)

type stepOutcome struct {
	kind   stepKind
	result map[string]any
	errMsg string
}

// executeStep persists the step as running, executes it and records the
// outcome. A returned error is a persistence failure, a lost lease or
// cancellation of ctx; in each case the step stays non-terminal and is
// retried on resume.
func (m *Manager) executeStep(ctx context.Context, log *slog.Logger, run model.Run, owner string, index int, act model.Action, config map[string]any) (stepOutcome, error) {
	started := m.now()
	step := model.RunStep{
		RunID:        run.ID,
		StepIndex:    index,
		ActionType:   act.Tool,
		ActionConfig: config,
		Status:       model.RunStatusRunning,
		StartedAt:    &started,
	}
	if err := m.store.SaveRunStep(ctx, owner, step); err != nil {
		return stepOutcome{}, fmt.Errorf("runs: save step %d of %s: %w", index, run.ID, err)
	}

	log.Debug("runs: executing step", "step_index", index, "action_type", act.Tool, "config", redact.Map(config))
	execCtx := action.WithIdempotencyKey(ctx, fmt.Sprintf("%s:%d", run.ID, index))
	result, execErr := m.executor.Execute(execCtx, act.Tool, config)
	m.stepDuration.Record(ctx, float64(time.Since(started).Microseconds())/1000.0,
		metric.WithAttributes(attribute.String("action_type", act.Tool)))

	if se, ok := action.AsSuspend(execErr); ok {
		step.Status = model.RunStatusPending
		if err := m.store.SaveRunStep(ctx, owner, step); err != nil {
			return stepOutcome{}, fmt.Errorf("runs: save step %d of %s: %w", index, run.ID, err)
		}
		if err := m.store.ParkRun(ctx, run.ID, se.Until); err != nil {
			return stepOutcome{}, fmt.Errorf("runs: park %s: %w", run.ID, err)
		}
		until := se.Until
		m.publish(ctx, run, index, &until, "")
		log.Info("runs: parked", "step_index", index, "resume_at", se.Until, "reason", se.Reason)
		return stepOutcome{kind: stepParked}, nil
	}

	if execErr != nil && ctx.Err() != nil {
		return stepOutcome{}, fmt.Errorf("runs: step %d of %s interrupted: %w", index, run.ID, ctx.Err())
	}

	done := m.now()
	step.CompletedAt = &done
	if execErr != nil {
		msg := redact.Text(execErr.Error())
		step.Status = model.RunStatusFailed
		step.Error = &msg
		if err := m.store.SaveRunStep(ctx, owner, step); err != nil {
			return stepOutcome{}, fmt.Errorf("runs: save step %d of %s: %w", index, run.ID, err)
		}
		log.Warn("runs: step failed", "step_index", index, "action_type", act.Tool, "error", msg)
		return stepOutcome{kind: stepFailed, errMsg: msg}, nil
	}

	result, err := normalizeResult(result)
	if err != nil {
		msg := fmt.Sprintf("action %s returned a result that is not JSON: %v", act.Tool, err)
		step.Status = model.RunStatusFailed
		step.Error = &msg
		if err := m.store.SaveRunStep(ctx, owner, step); err != nil {
			return stepOutcome{}, fmt.Errorf("runs: save step %d of %s: %w", index, run.ID, err)
		}
		log.Warn("runs: step failed", "step_index", index, "action_type", act.Tool, "error", msg)
		return stepOutcome{kind: stepFailed, errMsg: msg}, nil
	}
	step.Status = model.RunStatusSuccess
	step.Result = result
	if err := m.store.SaveRunStep(ctx, owner, step); err != nil {
		return stepOutcome{}, fmt.Errorf("runs: save step %d of %s: %w", index, run.ID, err)
	}
	return stepOutcome{kind: stepSucceeded, result: result}, nil
}

// complete writes the terminal status. The store applies it, and the unit
// statistics, only if the run was not already terminal.
func (m *Manager) complete(ctx context.Context, run model.Run, stepIndex int, status model.RunStatus, errMsg string) (model.RunStatus, error) {
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	changed, err := m.store.CompleteRun(ctx, run.ID, status, errPtr, m.now())
	if err != nil {
		return run.Status, fmt.Errorf("runs: complete %s: %w", run.ID, err)
	}
	if !changed {
		current, err := m.store.GetRun(ctx, run.ID)
		if err != nil {
			return run.Status, fmt.Errorf("runs: complete %s: %w", run.ID, err)
		}
		return current.Status, nil
	}

	run.Status = status
	m.runsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	m.publish(ctx, run, stepIndex, nil, errMsg)
	m.logger.Info("runs: completed", "run_id", run.ID, "unit_id", run.UnitID, "status", string(status), "step_index", stepIndex)
	return status, nil
}

func (m *Manager) publish(ctx context.Context, run model.Run, stepIndex int, resumeAt *time.Time, errMsg string) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(ctx, model.RunStatusChange{
		RunID:      run.ID,
		UnitID:     run.UnitID,
		UserID:     run.UserID,
		Status:     run.Status,
		StepIndex:  stepIndex,
		ResumeAt:   resumeAt,
		Error:      errMsg,
		OccurredAt: m.now(),
	})
}

// normalizeResult gives result the shape it has once stored and reloaded,
// so templates in later steps see the same values whether or not the run
// was resumed in between. Typed slices and maps become []any and
// map[string]any; numbers become float64.
func normalizeResult(result map[string]any) (map[string]any, error) {
	if result == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeResult exposes a step result to later steps as stepN and, when the
// action has an id, under that id as well.
func mergeResult(runCtx map[string]any, index int, act model.Action, result map[string]any) {
	entry := map[string]any{"result": result, "action": act.Tool}
	runCtx[fmt.Sprintf("step%d", index)] = entry
	if act.ID != "" {
		runCtx[act.ID] = entry
	}
}
