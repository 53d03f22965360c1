package shikake_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shikake"
)

const unitsYAML = `units:
  - name: Label urgent tickets
    owner_id: user-7
    when:
      source: zendesk
      event: ticket.created
    if:
      - type: semantic
        input_template: "{{payload.body}}"
        prompt: urgent
        expected: [yes]
    then:
      - id: tag
        tool: tag.apply
        args:
          ticket: "{{payload.ticket_id}}"
          tag: urgent
      - tool: noop
`

type answer string

func (a answer) Classify(context.Context, string, string) (string, error) { return string(a), nil }

type listener struct {
	mu      sync.Mutex
	changes []shikake.RunStatusChange
	done    chan struct{}
	once    sync.Once
}

func (l *listener) OnRunStatus(_ context.Context, c shikake.RunStatusChange) {
	l.mu.Lock()
	l.changes = append(l.changes, c)
	l.mu.Unlock()
	if c.Status == shikake.RunStatusSuccess {
		l.once.Do(func() { close(l.done) })
	}
}

func newApp(t *testing.T, opts ...shikake.Option) *shikake.App {
	t.Helper()
	dir := t.TempDir()
	base := []shikake.Option{
		shikake.WithSQLite(filepath.Join(dir, "app.db")),
		shikake.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		shikake.WithVersion("test"),
		shikake.WithPort(0),
	}
	app, err := shikake.New(append(base, opts...)...)
	require.NoError(t, err)
	return app
}

func writeUnits(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "units.yaml")
	require.NoError(t, os.WriteFile(path, []byte(unitsYAML), 0o600))
	return path
}

func TestApp_ImportMatchAdvance(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var tagged []map[string]any
	app := newApp(t,
		shikake.WithClassifier(answer("Yes")),
		shikake.WithAction("tag.apply", func(_ context.Context, cfg map[string]any) (map[string]any, error) {
			mu.Lock()
			tagged = append(tagged, cfg)
			mu.Unlock()
			return map[string]any{"applied": true}, nil
		}),
	)
	t.Cleanup(func() { app.Close(context.Background()) })

	ids, err := app.ImportUnits(ctx, writeUnits(t))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	runIDs, err := app.Match(ctx, shikake.Event{
		ID:      "tkt-100",
		Source:  "zendesk",
		Event:   "ticket.created",
		UserID:  "user-7",
		Payload: map[string]any{"ticket_id": "100", "body": "Production is down"},
	})
	require.NoError(t, err)
	require.Len(t, runIDs, 1)

	status, err := app.Advance(ctx, runIDs[0])
	require.NoError(t, err)
	assert.Equal(t, shikake.RunStatusSuccess, status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, tagged, 1)
	assert.Equal(t, map[string]any{"ticket": "100", "tag": "urgent"}, tagged[0])
}

func TestApp_ClassifierMismatchCreatesNoRun(t *testing.T) {
	ctx := context.Background()
	app := newApp(t, shikake.WithClassifier(answer("no")))
	t.Cleanup(func() { app.Close(context.Background()) })

	_, err := app.ImportUnits(ctx, writeUnits(t))
	require.NoError(t, err)

	runIDs, err := app.Match(ctx, shikake.Event{ID: "tkt-1", Source: "zendesk", Event: "ticket.created", Payload: map[string]any{"body": "thanks!"}})
	require.NoError(t, err)
	assert.Empty(t, runIDs)
}

func TestApp_RunDeliversStatusChanges(t *testing.T) {
	l := &listener{done: make(chan struct{})}
	app := newApp(t,
		shikake.WithClassifier(answer("yes")),
		shikake.WithAction("tag.apply", func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{}, nil
		}),
		shikake.WithStatusListener(l),
	)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- app.Run(ctx) }()

	_, err := app.ImportUnits(ctx, writeUnits(t))
	require.NoError(t, err)
	runIDs, err := app.Match(ctx, shikake.Event{ID: "tkt-2", Source: "zendesk", Event: "ticket.created", Payload: map[string]any{"body": "down"}})
	require.NoError(t, err)
	require.Len(t, runIDs, 1)

	// The scheduler's poller and this call may race; either advances it.
	_, _ = app.Advance(ctx, runIDs[0])

	select {
	case <-l.done:
	case <-time.After(10 * time.Second):
		t.Fatal("listener never saw the run complete")
	}

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	last := l.changes[len(l.changes)-1]
	assert.Equal(t, runIDs[0], last.RunID)
	assert.Equal(t, shikake.RunStatusSuccess, last.Status)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Setenv("SHIKAKE_UNKNOWN_CONDITION", "maybe")
	_, err := shikake.New(shikake.WithSQLite(filepath.Join(t.TempDir(), "x.db")))
	assert.Error(t, err)
}
