// Package classify provides short-answer text classification for semantic
// conditions.
//
// Defines a Classifier interface plus Ollama, OpenAI and no-op
// implementations. Calls use a fixed low-temperature, short-output
// configuration so the same input yields the same label.
package classify

import (
	"context"
	"errors"
	"maps"
)

// ErrNoClassifier is returned by NoopClassifier. Semantic conditions treat
// it like any other classifier failure.
var ErrNoClassifier = errors.New("classify: no classifier configured")

// MaxOutputTokens bounds the length of every classification answer.
const MaxOutputTokens = 16

// Classifier returns a short label for text under a system prompt.
type Classifier interface {
	Classify(ctx context.Context, systemPrompt, text string) (string, error)
}

// Prompts maps prompt keys to system prompt text. A Prompts value is never
// mutated after construction; use With to derive an extended copy.
type Prompts struct {
	m map[string]string
}

// NewPrompts copies m into an immutable prompt library.
func NewPrompts(m map[string]string) Prompts {
	return Prompts{m: maps.Clone(m)}
}

// DefaultPrompts returns the built-in prompt library.
func DefaultPrompts() Prompts {
	return NewPrompts(map[string]string{
		"urgent": "You decide whether a message is urgent. Answer with exactly one word: " +
			"\"urgent\" if it needs attention within hours, otherwise \"not_urgent\".",
		"sentiment": "Classify the sentiment of the message. Answer with exactly one word: " +
			"\"positive\", \"negative\" or \"neutral\".",
		"question": "Decide whether the message asks the reader a question. Answer with exactly " +
			"one word: \"yes\" or \"no\".",
		"spam": "Decide whether the message is unsolicited bulk or promotional mail. Answer with " +
			"exactly one word: \"spam\" or \"ham\".",
		"needs_reply": "Decide whether the message expects a reply from the recipient. Answer " +
			"with exactly one word: \"yes\" or \"no\".",
		"language": "Identify the language of the message. Answer with its ISO 639-1 code only, " +
			"for example \"en\".",
	})
}

// Resolve returns the prompt stored under keyOrPrompt, or keyOrPrompt itself
// when it is not a known key.
func (p Prompts) Resolve(keyOrPrompt string) string {
	if s, ok := p.m[keyOrPrompt]; ok {
		return s
	}
	return keyOrPrompt
}

// Lookup returns the prompt registered under key.
func (p Prompts) Lookup(key string) (string, bool) {
	s, ok := p.m[key]
	return s, ok
}

// With returns a copy of p with extra entries added or replaced.
func (p Prompts) With(extra map[string]string) Prompts {
	m := maps.Clone(p.m)
	if m == nil {
		m = make(map[string]string, len(extra))
	}
	maps.Copy(m, extra)
	return Prompts{m: m}
}

// Len returns the number of registered prompts.
func (p Prompts) Len() int { return len(p.m) }

// NoopClassifier always fails. Used when no provider is configured so that
// semantic conditions fail closed.
type NoopClassifier struct{}

// NewNoopClassifier creates a classifier that always returns ErrNoClassifier.
func NewNoopClassifier() *NoopClassifier { return &NoopClassifier{} }

// Classify returns ErrNoClassifier.
func (NoopClassifier) Classify(context.Context, string, string) (string, error) {
	return "", ErrNoClassifier
}
