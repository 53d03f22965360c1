package shikake

import "context"

// Classifier answers a classification prompt for a semantic condition.
// When provided via WithClassifier, replaces the auto-detected
// OpenAI/Ollama/noop provider. Implementations should return a short label;
// matching against the expected answers is case-insensitive.
type Classifier interface {
	Classify(ctx context.Context, systemPrompt, text string) (string, error)
}

// ActionFunc executes one run step. config is the step's argument template
// after placeholder resolution; the returned map becomes the step result
// and is visible to later steps as stepN.result.
type ActionFunc func(ctx context.Context, config map[string]any) (map[string]any, error)

// StatusListener receives run status changes. Methods run on a dedicated
// goroutine per listener and must not block indefinitely; a slow listener
// misses changes rather than stalling runs.
type StatusListener interface {
	OnRunStatus(ctx context.Context, change RunStatusChange)
}
