package runs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shikake/internal/action"
	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/storage"
	"github.com/ashita-ai/shikake/internal/storage/sqlite"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

// Now ticks one millisecond per call so successive timestamps are ordered.
func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu      sync.Mutex
	changes []model.RunStatusChange
}

func (r *recorder) Publish(_ context.Context, c model.RunStatusChange) {
	r.mu.Lock()
	r.changes = append(r.changes, c)
	r.mu.Unlock()
}

func (r *recorder) statuses() []model.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.RunStatus, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.Status
	}
	return out
}

type fixture struct {
	store *sqlite.Store
	reg   *action.Registry
	clock *clock
	pub   *recorder
	mgr   *Manager
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "runs.db"), discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{
		store: store,
		reg:   action.NewRegistry(0, discard()),
		clock: newClock(),
		pub:   &recorder{},
	}
	f.reg.Register("echo", func(_ context.Context, cfg map[string]any) (map[string]any, error) {
		return map[string]any{"echo": cfg["value"], "id": "obj_1"}, nil
	})
	f.reg.Register("boom", func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("upstream rejected request: Bearer sk-secret-token")
	})
	f.mgr = New(store, f.reg, discard(), WithClock(f.clock.Now), WithPublisher(f.pub), WithWorkerID("test"))
	return f
}

func (f *fixture) pendingRun(t *testing.T, actions ...model.Action) (model.Unit, model.Run) {
	t.Helper()
	ctx := context.Background()
	unit, err := f.store.CreateUnit(ctx, model.CreateUnitRequest{
		OwnerID:      "user-1",
		Name:         "pipeline",
		CompiledWhen: model.Trigger{Type: model.TriggerTypeEvent, Source: "crm", Event: "deal.updated"},
		CompiledThen: actions,
	})
	require.NoError(t, err)
	run, created, err := f.store.CreateRun(ctx, model.CreateRunRequest{
		UnitID:  unit.ID,
		EventID: "evt-" + uuid.NewString()[:8],
		UserID:  "user-1",
		Payload: map[string]any{"deal": map[string]any{"name": "Globex", "amount": float64(5000)}},
	})
	require.NoError(t, err)
	require.True(t, created)
	return unit, run
}

func TestAdvance_RunsAllStepsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	unit, run := f.pendingRun(t,
		model.Action{Tool: "echo", Args: map[string]any{"value": "{{payload.deal.name}}"}},
		model.Action{ID: "lookup", Tool: "echo", Args: map[string]any{"value": "{{step0.result.echo}}"}},
		model.Action{Tool: "echo", Args: map[string]any{"value": "{{lookup.result.id}} for {{payload.deal.amount}}"}},
	)

	status, err := f.mgr.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, status)

	detail, err := f.mgr.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, detail.Run.Status)
	assert.Equal(t, 3, detail.Run.CurrentStep)
	require.NotNil(t, detail.Run.StartedAt)
	require.NotNil(t, detail.Run.CompletedAt)
	assert.Nil(t, detail.Run.Error)

	require.Len(t, detail.Steps, 3)
	var last time.Time
	for i, st := range detail.Steps {
		assert.Equal(t, i, st.StepIndex)
		assert.Equal(t, model.RunStatusSuccess, st.Status)
		require.NotNil(t, st.CompletedAt)
		assert.False(t, st.CompletedAt.Before(last), "completed_at must not decrease")
		last = *st.CompletedAt
	}
	assert.Equal(t, "Globex", detail.Steps[1].ActionConfig["value"])
	assert.Equal(t, "obj_1 for 5000", detail.Steps[2].ActionConfig["value"])
	assert.Contains(t, detail.Run.Context, "step0")
	assert.Contains(t, detail.Run.Context, "lookup")

	u, err := f.store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.RunCount)
	require.NotNil(t, u.LastRunStatus)
	assert.Equal(t, model.RunStatusSuccess, *u.LastRunStatus)

	assert.Equal(t, model.RunStatusRunning, f.pub.statuses()[0])
	assert.Equal(t, model.RunStatusSuccess, f.pub.statuses()[len(f.pub.statuses())-1])
}

func TestAdvance_StepFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	unit, run := f.pendingRun(t,
		model.Action{Tool: "echo"},
		model.Action{Tool: "echo"},
		model.Action{Tool: "boom"},
		model.Action{Tool: "echo"},
	)

	status, err := f.mgr.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, status)

	detail, err := f.mgr.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, detail.Run.CurrentStep)
	require.NotNil(t, detail.Run.CompletedAt)
	require.NotNil(t, detail.Run.Error)
	assert.Contains(t, *detail.Run.Error, "upstream rejected request")
	assert.NotContains(t, *detail.Run.Error, "sk-secret-token")

	require.Len(t, detail.Steps, 3, "no step after the failing one is recorded")
	assert.Equal(t, model.RunStatusFailed, detail.Steps[2].Status)
	require.NotNil(t, detail.Steps[2].Error)

	u, err := f.store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.RunCount)
	assert.Equal(t, model.RunStatusFailed, *u.LastRunStatus)
}

func TestAdvance_UnknownActionFailsRun(t *testing.T) {
	f := newFixture(t)
	_, run := f.pendingRun(t, model.Action{Tool: "does.not.exist"})

	status, err := f.mgr.Advance(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, status)

	got, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Contains(t, *got.Error, "unknown action type")
}

func TestAdvance_TerminalRunIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.Register("count", func(context.Context, map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	})
	unit, run := f.pendingRun(t, model.Action{Tool: "count"})

	for range 2 {
		status, err := f.mgr.Advance(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusSuccess, status)
	}
	published := len(f.pub.statuses())
	status, err := f.mgr.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, status)

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, f.pub.statuses(), published)
	steps, err := f.store.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
	u, err := f.store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.RunCount)
}

func TestAdvance_EmptyActionListSucceeds(t *testing.T) {
	f := newFixture(t)
	_, run := f.pendingRun(t)
	status, err := f.mgr.Advance(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, status)
}

func TestAdvance_ConcurrentCallsExecuteStepOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.Register("slow", func(context.Context, map[string]any) (map[string]any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return map[string]any{"ok": true}, nil
	})
	_, run := f.pendingRun(t, model.Action{Tool: "slow"}, model.Action{Tool: "slow"})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := f.mgr.Advance(ctx, run.ID)
			if err != nil {
				assert.ErrorIs(t, err, ErrRunBusy)
				return
			}
			assert.Equal(t, model.RunStatusSuccess, status)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), calls.Load())
	steps, err := f.store.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}

func TestAdvance_SuspendParksAndResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var (
		keys  []string
		calls atomic.Int32
	)
	f.reg.Register("rate.limited", func(ctx context.Context, cfg map[string]any) (map[string]any, error) {
		keys = append(keys, action.IdempotencyKey(ctx))
		if calls.Add(1) == 1 {
			return nil, action.Suspend(f.clock.Now().Add(time.Minute), "429")
		}
		return map[string]any{"sent": cfg["to"]}, nil
	})
	_, run := f.pendingRun(t,
		model.Action{Tool: "echo"},
		model.Action{Tool: "rate.limited", Args: map[string]any{"to": "{{payload.deal.name}}"}},
	)

	status, err := f.mgr.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, status)

	parked, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, parked.ResumeAt)
	assert.Equal(t, 1, parked.CurrentStep)
	steps, err := f.store.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.RunStatusPending, steps[1].Status)

	// Not yet due.
	status, err = f.mgr.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, status)
	assert.Equal(t, int32(1), calls.Load())

	f.clock.Advance(2 * time.Minute)
	status, err = f.mgr.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, status)

	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1], "a retried step keeps its idempotency key")
	assert.Equal(t, run.ID.String()+":1", keys[0])

	detail, err := f.mgr.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Nil(t, detail.Run.ResumeAt)
	assert.Equal(t, "Globex", detail.Steps[1].Result["sent"])
}

func TestAdvance_SkipsStepRecordedBeforeCrash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.Register("count", func(context.Context, map[string]any) (map[string]any, error) {
		calls.Add(1)
		return map[string]any{"n": 1}, nil
	})
	_, run := f.pendingRun(t,
		model.Action{Tool: "count"},
		model.Action{Tool: "echo", Args: map[string]any{"value": "{{step0.result.id}}"}},
	)

	// Step 0 finished but the process died before current_step moved on.
	require.NoError(t, f.store.StartRun(ctx, run.ID, f.clock.Now()))
	done := f.clock.Now()
	require.NoError(t, f.store.ClaimRun(ctx, run.ID, "crashed", done, time.Minute))
	require.NoError(t, f.store.SaveRunStep(ctx, "crashed", model.RunStep{
		RunID: run.ID, StepIndex: 0, ActionType: "count", Status: model.RunStatusSuccess,
		Result: map[string]any{"id": "from_before"}, StartedAt: &done, CompletedAt: &done,
	}))
	f.clock.Advance(2 * time.Minute) // the dead worker's lease expires

	status, err := f.mgr.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, status)
	assert.Equal(t, int32(0), calls.Load())

	steps, err := f.store.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "from_before", steps[1].ActionConfig["value"])
}

func TestAdvance_CancellationLeavesStepRetryable(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.reg.Register("blocking", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]any{"ok": true}, nil
	})
	_, run := f.pendingRun(t, model.Action{Tool: "blocking"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := f.mgr.Advance(ctx, run.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	got, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)

	status, err := f.mgr.Advance(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, status)
}

func TestAdvance_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.Advance(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAdvance_RenewsLeaseBeforeEachStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mgr := New(f.store, f.reg, discard(), WithClock(f.clock.Now), WithWorkerID("test"), WithLease(time.Minute))

	// Each step uses most of the lease; together they outlast it many times.
	f.reg.Register("slow", func(context.Context, map[string]any) (map[string]any, error) {
		f.clock.Advance(55 * time.Second)
		return map[string]any{"ok": true}, nil
	})
	var finals atomic.Int32
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	f.reg.Register("final", func(context.Context, map[string]any) (map[string]any, error) {
		finals.Add(1)
		entered <- struct{}{}
		<-release
		return map[string]any{"done": true}, nil
	})

	actions := make([]model.Action, 0, 7)
	for range 6 {
		actions = append(actions, model.Action{Tool: "slow"})
	}
	actions = append(actions, model.Action{Tool: "final"})
	_, run := f.pendingRun(t, actions...)

	type result struct {
		status model.RunStatus
		err    error
	}
	first := make(chan result, 1)
	go func() {
		status, err := mgr.Advance(ctx, run.ID)
		first <- result{status, err}
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("final step never started")
	}

	_, err := mgr.Advance(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunBusy)

	close(release)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, model.RunStatusSuccess, got.status)
	assert.Equal(t, int32(1), finals.Load(), "final step executed once")
}

func TestAdvance_LostLeaseStopsWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var run model.Run
	f.reg.Register("stalled", func(context.Context, map[string]any) (map[string]any, error) {
		// Another worker finds the lease expired and takes the run.
		return map[string]any{"late": true}, f.store.ClaimRun(ctx, run.ID, "other", f.clock.Now().Add(time.Hour), DefaultLease)
	})
	_, run = f.pendingRun(t, model.Action{Tool: "stalled"}, model.Action{Tool: "echo"})

	status, err := f.mgr.Advance(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunBusy)
	assert.Equal(t, model.RunStatusRunning, status)

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	steps, err := f.store.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.RunStatusRunning, steps[0].Status, "the stale result is not recorded")
	assert.Nil(t, steps[0].Result)
}

func TestAdvance_TypedResultsResolveInLaterSteps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reg.Register("list", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{
			"ids":    []string{"a1", "b2"},
			"totals": map[string]int{"open": 3},
		}, nil
	})
	_, run := f.pendingRun(t,
		model.Action{Tool: "list"},
		model.Action{Tool: "echo", Args: map[string]any{"value": "{{step0.result.ids.1}}/{{step0.result.totals.open}}"}},
	)

	status, err := f.mgr.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, status)

	steps, err := f.store.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "b2/3", steps[1].ActionConfig["value"])
	assert.Equal(t, []any{"a1", "b2"}, steps[0].Result["ids"])
}

func TestAdvance_NonJSONResultFailsStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.reg.Register("chan", func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"c": make(chan int)}, nil
	})
	_, run := f.pendingRun(t, model.Action{Tool: "chan"})

	status, err := f.mgr.Advance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, status)

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "not JSON")
}
