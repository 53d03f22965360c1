// Package storetest is a conformance suite for storage.Store
// implementations. Each backend's tests call Run with a live store.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/storage"
)

// Run exercises s against the Store contract. s must be migrated; the
// suite creates its own uniquely named rows and may share a database with
// other tests.
func Run(t *testing.T, s storage.Store) {
	t.Run("UnitLifecycle", func(t *testing.T) { testUnitLifecycle(t, s) })
	t.Run("TriggerLookupOnlyActive", func(t *testing.T) { testTriggerLookup(t, s) })
	t.Run("CreateRunDedupes", func(t *testing.T) { testCreateRunDedupes(t, s) })
	t.Run("ClaimRun", func(t *testing.T) { testClaimRun(t, s) })
	t.Run("ProgressIsMonotonic", func(t *testing.T) { testProgress(t, s) })
	t.Run("CompleteRunCountsOnce", func(t *testing.T) { testCompleteRunCountsOnce(t, s) })
	t.Run("ConcurrentCompleteCountsOnce", func(t *testing.T) { testConcurrentComplete(t, s) })
	t.Run("RunStepsTerminalImmutable", func(t *testing.T) { testRunSteps(t, s) })
	t.Run("WritesFencedByLease", func(t *testing.T) { testWritesFenced(t, s) })
	t.Run("RunnableRuns", func(t *testing.T) { testRunnable(t, s) })
	t.Run("DeleteUnitCascades", func(t *testing.T) { testDeleteCascade(t, s) })
}

func unitRequest(source, event string) model.CreateUnitRequest {
	return model.CreateUnitRequest{
		OwnerID: "owner-" + uuid.NewString()[:8],
		Name:    "Forward invoices",
		RawWhen: "when an invoice email arrives",
		CompiledWhen: model.Trigger{
			Source: source,
			Event:  event,
			Filter: `subject contains "invoice"`,
		},
		CompiledIf: []model.Condition{
			{Type: model.ConditionSemantic, InputTemplate: "{{payload.subject}}", Prompt: "urgent", Expected: model.Expected{"urgent"}},
		},
		CompiledThen: []model.Action{
			{ID: "notify", Tool: "http.request", Args: map[string]any{"url": "https://example.com/hook"}},
		},
	}
}

func uniqueTrigger() (string, string) {
	s := uuid.NewString()[:8]
	return "src-" + s, "evt-" + s
}

func newRun(t *testing.T, s storage.Store) (model.Unit, model.Run) {
	t.Helper()
	ctx := context.Background()
	src, evt := uniqueTrigger()
	u, err := s.CreateUnit(ctx, unitRequest(src, evt))
	require.NoError(t, err)
	r, created, err := s.CreateRun(ctx, model.CreateRunRequest{
		UnitID: u.ID, EventID: "e-" + uuid.NewString(), UserID: u.OwnerID,
		Payload: map[string]any{"subject": "invoice 42"},
	})
	require.NoError(t, err)
	require.True(t, created)
	return u, r
}

func testUnitLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	src, evt := uniqueTrigger()

	u, err := s.CreateUnit(ctx, unitRequest(src, evt))
	require.NoError(t, err)
	assert.Equal(t, model.UnitStatusActive, u.Status)
	assert.Equal(t, src, u.TriggerSource)
	assert.Equal(t, evt, u.TriggerEvent)
	assert.Equal(t, model.TriggerTypeEvent, u.CompiledWhen.Type)

	got, err := s.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.Name, got.Name)
	assert.Equal(t, u.CompiledWhen, got.CompiledWhen)
	assert.Equal(t, u.CompiledIf, got.CompiledIf)
	assert.Equal(t, "https://example.com/hook", got.CompiledThen[0].Args["url"])
	assert.Equal(t, int64(0), got.RunCount)
	assert.Nil(t, got.LastRunAt)

	paused, err := s.UpdateUnitStatus(ctx, u.ID, model.UnitStatusPaused)
	require.NoError(t, err)
	assert.Equal(t, model.UnitStatusPaused, paused.Status)

	_, err = s.UpdateUnitStatus(ctx, u.ID, "deleted")
	assert.Error(t, err)

	_, err = s.GetUnit(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.UpdateUnitStatus(ctx, uuid.New(), model.UnitStatusActive)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testTriggerLookup(t *testing.T, s storage.Store) {
	ctx := context.Background()
	src, evt := uniqueTrigger()

	active, err := s.CreateUnit(ctx, unitRequest(src, evt))
	require.NoError(t, err)
	paused := unitRequest(src, evt)
	paused.Status = model.UnitStatusPaused
	_, err = s.CreateUnit(ctx, paused)
	require.NoError(t, err)
	archived := unitRequest(src, evt)
	archived.Status = model.UnitStatusArchived
	_, err = s.CreateUnit(ctx, archived)
	require.NoError(t, err)
	_, err = s.CreateUnit(ctx, unitRequest(src, evt+"-other"))
	require.NoError(t, err)

	units, err := s.ListActiveUnitsByTrigger(ctx, src, evt, "")
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, active.ID, units[0].ID)

	units, err = s.ListActiveUnitsByTrigger(ctx, src, evt, active.OwnerID)
	require.NoError(t, err)
	assert.Len(t, units, 1)

	units, err = s.ListActiveUnitsByTrigger(ctx, src, evt, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, units)

	units, err = s.ListActiveUnitsByTrigger(ctx, "nobody", "nothing", "")
	require.NoError(t, err)
	assert.Empty(t, units)
}

func testCreateRunDedupes(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u, r := newRun(t, s)

	assert.Equal(t, model.RunStatusPending, r.Status)
	assert.Equal(t, 0, r.CurrentStep)
	assert.Equal(t, map[string]any{"payload": map[string]any{"subject": "invoice 42"}}, r.Context)

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.Context, got.Context)
	assert.Equal(t, r.EventPayload, got.EventPayload)
	assert.Equal(t, u.ID, got.UnitID)

	_, created, err := s.CreateRun(ctx, model.CreateRunRequest{UnitID: u.ID, EventID: r.EventID, UserID: u.OwnerID})
	require.NoError(t, err)
	assert.False(t, created, "same (unit, event) must not create a second run")

	_, err = s.GetRun(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testClaimRun(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, r := newRun(t, s)
	now := time.Now().UTC()

	require.NoError(t, s.ClaimRun(ctx, r.ID, "worker-a", now, time.Minute))
	require.NoError(t, s.ClaimRun(ctx, r.ID, "worker-a", now, time.Minute), "re-entrant for the same owner")
	assert.ErrorIs(t, s.ClaimRun(ctx, r.ID, "worker-b", now, time.Minute), storage.ErrRunLocked)

	// Expired lease can be taken over.
	require.NoError(t, s.ClaimRun(ctx, r.ID, "worker-b", now.Add(2*time.Minute), time.Minute))

	// Releasing someone else's lease is a no-op.
	require.NoError(t, s.ReleaseRun(ctx, r.ID, "worker-a"))
	assert.ErrorIs(t, s.ClaimRun(ctx, r.ID, "worker-a", now.Add(2*time.Minute), time.Minute), storage.ErrRunLocked)

	require.NoError(t, s.ReleaseRun(ctx, r.ID, "worker-b"))
	require.NoError(t, s.ClaimRun(ctx, r.ID, "worker-a", now, time.Minute))

	assert.ErrorIs(t, s.ClaimRun(ctx, uuid.New(), "worker-a", now, time.Minute), storage.ErrNotFound)
}

func testProgress(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, r := newRun(t, s)
	now := time.Now().UTC()

	require.NoError(t, s.StartRun(ctx, r.ID, now))
	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, s.ClaimRun(ctx, r.ID, "worker-a", now, time.Minute))
	runCtx := map[string]any{"payload": map[string]any{}, "step0": map[string]any{"result": map[string]any{"id": "x"}}}
	require.NoError(t, s.UpdateRunProgress(ctx, r.ID, "worker-a", 2, runCtx))
	require.NoError(t, s.UpdateRunProgress(ctx, r.ID, "worker-a", 1, map[string]any{}))

	got, err = s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep, "current_step never decreases")
	assert.Equal(t, "x", got.Context["step0"].(map[string]any)["result"].(map[string]any)["id"])

	resume := now.Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, s.ParkRun(ctx, r.ID, resume))
	got, err = s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResumeAt)
	assert.WithinDuration(t, resume, *got.ResumeAt, time.Millisecond)
}

func testCompleteRunCountsOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u, r := newRun(t, s)
	at := time.Now().UTC()

	changed, err := s.CompleteRun(ctx, r.ID, model.RunStatusSuccess, nil, at)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.CompleteRun(ctx, r.ID, model.RunStatusSuccess, nil, at.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, changed)

	msg := "late failure"
	changed, err = s.CompleteRun(ctx, r.ID, model.RunStatusFailed, &msg, at.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, got.Status)
	assert.Nil(t, got.Error)
	require.NotNil(t, got.CompletedAt)

	unit, err := s.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unit.RunCount)
	require.NotNil(t, unit.LastRunStatus)
	assert.Equal(t, model.RunStatusSuccess, *unit.LastRunStatus)
	require.NotNil(t, unit.LastRunAt)

	_, err = s.CompleteRun(ctx, r.ID, model.RunStatusRunning, nil, at)
	assert.Error(t, err, "non-terminal status is rejected")

	// Non-terminal writes never touch statistics.
	r2, created, err := s.CreateRun(ctx, model.CreateRunRequest{UnitID: u.ID, EventID: "e-" + uuid.NewString()})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, s.StartRun(ctx, r2.ID, at))
	require.NoError(t, s.ClaimRun(ctx, r2.ID, "worker-a", at, time.Minute))
	require.NoError(t, s.UpdateRunProgress(ctx, r2.ID, "worker-a", 1, map[string]any{}))
	unit, err = s.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unit.RunCount)
}

func testConcurrentComplete(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u, r := newRun(t, s)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		changes int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := fmt.Sprintf("attempt %d", i)
			changed, err := s.CompleteRun(ctx, r.ID, model.RunStatusFailed, &msg, time.Now().UTC())
			if !assert.NoError(t, err) {
				return
			}
			if changed {
				mu.Lock()
				changes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, changes)
	unit, err := s.GetUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unit.RunCount)
}

func testRunSteps(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, r := newRun(t, s)
	now := time.Now().UTC()
	require.NoError(t, s.ClaimRun(ctx, r.ID, "worker-a", now, time.Minute))

	for _, idx := range []int{1, 0} {
		require.NoError(t, s.SaveRunStep(ctx, "worker-a", model.RunStep{
			RunID: r.ID, StepIndex: idx, ActionType: "noop",
			ActionConfig: map[string]any{"i": float64(idx)},
			Status:       model.RunStatusRunning, StartedAt: &now,
		}))
	}

	done := now.Add(time.Second)
	require.NoError(t, s.SaveRunStep(ctx, "worker-a", model.RunStep{
		RunID: r.ID, StepIndex: 0, ActionType: "noop", Status: model.RunStatusSuccess,
		Result: map[string]any{"ok": true}, StartedAt: &now, CompletedAt: &done,
	}))

	// A terminal step is never overwritten.
	oops := "should not land"
	require.NoError(t, s.SaveRunStep(ctx, "worker-a", model.RunStep{
		RunID: r.ID, StepIndex: 0, ActionType: "noop", Status: model.RunStatusFailed, Error: &oops,
	}))

	steps, err := s.ListRunSteps(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 0, steps[0].StepIndex)
	assert.Equal(t, 1, steps[1].StepIndex)
	assert.Equal(t, model.RunStatusSuccess, steps[0].Status)
	assert.Nil(t, steps[0].Error)
	assert.Equal(t, map[string]any{"ok": true}, steps[0].Result)
	assert.Equal(t, map[string]any{"i": float64(0)}, steps[0].ActionConfig)
	assert.Equal(t, model.RunStatusRunning, steps[1].Status)
	require.NotNil(t, steps[0].CompletedAt)

	empty, err := s.ListRunSteps(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testWritesFenced(t *testing.T, s storage.Store) {
	ctx := context.Background()
	_, r := newRun(t, s)
	now := time.Now().UTC()
	step := model.RunStep{RunID: r.ID, StepIndex: 0, ActionType: "noop", Status: model.RunStatusRunning, StartedAt: &now}

	// Nobody holds the lease yet.
	assert.ErrorIs(t, s.SaveRunStep(ctx, "worker-a", step), storage.ErrRunLocked)
	assert.ErrorIs(t, s.UpdateRunProgress(ctx, r.ID, "worker-a", 1, map[string]any{}), storage.ErrRunLocked)

	require.NoError(t, s.ClaimRun(ctx, r.ID, "worker-a", now, time.Minute))
	require.NoError(t, s.SaveRunStep(ctx, "worker-a", step))

	// worker-a's lease expires and worker-b takes the run over.
	require.NoError(t, s.ClaimRun(ctx, r.ID, "worker-b", now.Add(2*time.Minute), time.Minute))

	done := now.Add(time.Second)
	stale := step
	stale.Status = model.RunStatusSuccess
	stale.Result = map[string]any{"from": "worker-a"}
	stale.CompletedAt = &done
	assert.ErrorIs(t, s.SaveRunStep(ctx, "worker-a", stale), storage.ErrRunLocked)
	assert.ErrorIs(t, s.UpdateRunProgress(ctx, r.ID, "worker-a", 1, map[string]any{"from": "worker-a"}), storage.ErrRunLocked)

	steps, err := s.ListRunSteps(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.RunStatusRunning, steps[0].Status)
	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStep)

	require.NoError(t, s.UpdateRunProgress(ctx, r.ID, "worker-b", 1, map[string]any{"from": "worker-b"}))
	got, err = s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, "worker-b", got.Context["from"])

	assert.ErrorIs(t, s.SaveRunStep(ctx, "worker-b", model.RunStep{RunID: uuid.New(), ActionType: "noop", Status: model.RunStatusRunning}), storage.ErrNotFound)
}

func testRunnable(t *testing.T, s storage.Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	_, due := newRun(t, s)
	_, parked := newRun(t, s)
	_, leased := newRun(t, s)
	_, done := newRun(t, s)

	require.NoError(t, s.ParkRun(ctx, parked.ID, now.Add(time.Hour)))
	require.NoError(t, s.ClaimRun(ctx, leased.ID, "w", now, time.Hour))
	_, err := s.CompleteRun(ctx, done.ID, model.RunStatusSuccess, nil, now)
	require.NoError(t, err)

	ids, err := s.ListRunnableRuns(ctx, now, 10000)
	require.NoError(t, err)
	assert.Contains(t, ids, due.ID)
	assert.NotContains(t, ids, parked.ID)
	assert.NotContains(t, ids, leased.ID)
	assert.NotContains(t, ids, done.ID)

	ids, err = s.ListRunnableRuns(ctx, now.Add(2*time.Hour), 10000)
	require.NoError(t, err)
	assert.Contains(t, ids, parked.ID)
	assert.Contains(t, ids, leased.ID)
}

func testDeleteCascade(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u, r := newRun(t, s)
	require.NoError(t, s.ClaimRun(ctx, r.ID, "worker-a", time.Now().UTC(), time.Minute))
	require.NoError(t, s.SaveRunStep(ctx, "worker-a", model.RunStep{RunID: r.ID, StepIndex: 0, ActionType: "noop", Status: model.RunStatusPending}))

	require.NoError(t, s.DeleteUnit(ctx, u.ID))
	_, err := s.GetRun(ctx, r.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	steps, err := s.ListRunSteps(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)

	assert.ErrorIs(t, s.DeleteUnit(ctx, u.ID), storage.ErrNotFound)
}
