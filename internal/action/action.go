// Package action executes resolved run steps against external systems.
//
// A Registry maps action types ("http.request", "records.filter", ...) to
// executor funcs and applies a per-call timeout. Actions report failure
// with an ordinary error, or ask for their run to be parked with Suspend.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashita-ai/shikake/internal/redact"
)

// ErrUnknownAction is returned when no executor is registered for a type.
var ErrUnknownAction = errors.New("action: unknown action type")

// Executor runs one resolved action. It is the interface the run manager
// depends on.
type Executor interface {
	Execute(ctx context.Context, actionType string, config map[string]any) (map[string]any, error)
}

// Func executes a single action type.
type Func func(ctx context.Context, config map[string]any) (map[string]any, error)

// SuspendError asks the run manager to park the run until Until and retry
// the same step afterwards.
type SuspendError struct {
	Until  time.Time
	Reason string
}

func (e *SuspendError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("action: suspended until %s", e.Until.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("action: suspended until %s: %s", e.Until.UTC().Format(time.RFC3339), e.Reason)
}

// Suspend returns a *SuspendError.
func Suspend(until time.Time, reason string) error {
	return &SuspendError{Until: until, Reason: reason}
}

// AsSuspend extracts a *SuspendError from err's chain.
func AsSuspend(err error) (*SuspendError, bool) {
	var se *SuspendError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches the step's idempotency key to ctx. Executors
// that call external APIs forward it so a re-executed step is not applied
// twice.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key attached by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) string {
	s, _ := ctx.Value(idempotencyKey{}).(string)
	return s
}

// Registry dispatches actions by type.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Func
	timeout time.Duration
	logger  *slog.Logger
}

// NewRegistry creates an empty registry. timeout bounds each Execute call;
// zero disables the bound.
func NewRegistry(timeout time.Duration, logger *slog.Logger) *Registry {
	return &Registry{
		actions: make(map[string]Func),
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds or replaces the executor for actionType.
func (r *Registry) Register(actionType string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[actionType] = fn
}

// Types returns the registered action types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for k := range r.actions {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Has reports whether actionType is registered.
func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[actionType]
	return ok
}

// Execute runs the executor for actionType. Panics are converted to errors
// and a deadline overrun is reported as a timeout failure.
func (r *Registry) Execute(ctx context.Context, actionType string, config map[string]any) (result map[string]any, err error) {
	r.mu.RLock()
	fn, ok := r.actions[actionType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, actionType)
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.logger.Debug("action: execute", "action_type", actionType, "config", redact.Map(config))

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("action: panic", "action_type", actionType, "panic", fmt.Sprint(p))
			result, err = nil, fmt.Errorf("action: %s panicked", actionType)
		}
	}()

	start := time.Now()
	result, err = fn(ctx, config)
	if err != nil {
		if _, suspended := AsSuspend(err); suspended {
			return nil, err
		}
		if r.timeout > 0 && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("action: %s timed out after %s", actionType, r.timeout)
		}
		return nil, err
	}
	r.logger.Debug("action: done", "action_type", actionType, "duration_ms", time.Since(start).Milliseconds())
	if result == nil {
		result = map[string]any{}
	}
	return result, nil
}
