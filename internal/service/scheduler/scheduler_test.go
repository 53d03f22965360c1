package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/service/runs"
)

type fakeAdvancer struct {
	mu      sync.Mutex
	calls   map[uuid.UUID]int
	block   chan struct{}
	started chan uuid.UUID
	err     error
}

func newFakeAdvancer() *fakeAdvancer {
	return &fakeAdvancer{calls: map[uuid.UUID]int{}, started: make(chan uuid.UUID, 64)}
}

func (f *fakeAdvancer) Advance(_ context.Context, id uuid.UUID) (model.RunStatus, error) {
	f.started <- id
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls[id]++
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return model.RunStatusSuccess, nil
}

func (f *fakeAdvancer) count(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeSource struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (f *fakeSource) ListRunnableRuns(context.Context, time.Time, int) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uuid.UUID(nil), f.ids...), f.err
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestScheduler_AdvancesEnqueuedRuns(t *testing.T) {
	adv := newFakeAdvancer()
	s := New(adv, &fakeSource{}, discard(), Config{Workers: 2, PollInterval: time.Hour})
	s.Start(context.Background())

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		assert.True(t, s.Enqueue(id))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Drain(ctx)

	for _, id := range ids {
		assert.Equal(t, 1, adv.count(id))
	}
}

func TestScheduler_PollPicksUpRunnableRuns(t *testing.T) {
	adv := newFakeAdvancer()
	id := uuid.New()
	s := New(adv, &fakeSource{ids: []uuid.UUID{id}}, discard(), Config{Workers: 1, PollInterval: time.Hour})
	s.Start(context.Background())

	select {
	case got := <-adv.started:
		assert.Equal(t, id, got)
	case <-time.After(5 * time.Second):
		t.Fatal("initial poll did not enqueue the runnable run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Drain(ctx)
}

func TestScheduler_FullQueueDropsAndDedupes(t *testing.T) {
	adv := newFakeAdvancer()
	adv.block = make(chan struct{})
	s := New(adv, &fakeSource{}, discard(), Config{Workers: 1, QueueSize: 1, PollInterval: time.Hour})
	s.Start(context.Background())

	first, second, third := uuid.New(), uuid.New(), uuid.New()
	require.True(t, s.Enqueue(first))
	<-adv.started // the worker holds first

	assert.True(t, s.Enqueue(second))
	assert.True(t, s.Enqueue(second), "a queued run is not queued twice")
	assert.Equal(t, 1, s.QueueDepth())
	assert.False(t, s.Enqueue(third), "a full queue defers to the poller")

	close(adv.block)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Drain(ctx)

	assert.Equal(t, 1, adv.count(first))
	assert.Equal(t, 1, adv.count(second))
	assert.Equal(t, 0, adv.count(third))
	assert.False(t, s.Enqueue(uuid.New()), "no enqueue after drain")
}

func TestScheduler_ErrorsDoNotStopWorkers(t *testing.T) {
	adv := newFakeAdvancer()
	adv.err = runs.ErrRunBusy
	s := New(adv, &fakeSource{err: errors.New("db down")}, discard(), Config{Workers: 1, PollInterval: time.Hour})
	s.Start(context.Background())

	a, b := uuid.New(), uuid.New()
	s.Enqueue(a)
	s.Enqueue(b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Drain(ctx)

	assert.Equal(t, 1, adv.count(a))
	assert.Equal(t, 1, adv.count(b))
}

func TestScheduler_StartTwiceIsNoop(t *testing.T) {
	s := New(newFakeAdvancer(), &fakeSource{}, discard(), Config{Workers: 1, PollInterval: time.Hour})
	s.Start(context.Background())
	s.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Drain(ctx)
}
