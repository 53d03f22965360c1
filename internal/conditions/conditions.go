// Package conditions evaluates the "if" list of a unit against an inbound
// event. Every check fails closed: evaluation errors and classifier
// failures count as "not satisfied" and never propagate.
package conditions

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/ashita-ai/shikake/internal/classify"
	"github.com/ashita-ai/shikake/internal/expr"
	"github.com/ashita-ai/shikake/internal/model"
	"github.com/ashita-ai/shikake/internal/template"
)

// MaxClassifierInput is the maximum number of characters sent to the
// classifier for one semantic condition.
const MaxClassifierInput = 2000

// UnknownPolicy decides the outcome of a condition whose type is not
// recognised.
type UnknownPolicy string

const (
	UnknownDeny  UnknownPolicy = "deny"
	UnknownAllow UnknownPolicy = "allow"
)

// Evaluator checks single conditions. It is safe for concurrent use.
type Evaluator struct {
	classifier classify.Classifier
	prompts    classify.Prompts
	unknown    UnknownPolicy
	logger     *slog.Logger
}

// New creates an Evaluator. A nil classifier is replaced by the no-op
// classifier, so semantic conditions never pass.
func New(classifier classify.Classifier, prompts classify.Prompts, unknown UnknownPolicy, logger *slog.Logger) *Evaluator {
	if classifier == nil {
		classifier = classify.NewNoopClassifier()
	}
	if unknown != UnknownAllow {
		unknown = UnknownDeny
	}
	return &Evaluator{
		classifier: classifier,
		prompts:    prompts,
		unknown:    unknown,
		logger:     logger,
	}
}

// PayloadContext builds the evaluation context for payload predicates.
// Payload fields are addressable at the root ("from.email") and under
// "payload" ("payload.from.email"). A payload field named "payload" wins
// over the alias.
func PayloadContext(payload map[string]any) map[string]any {
	ctx := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		ctx[k] = v
	}
	if _, ok := ctx["payload"]; !ok {
		ctx["payload"] = payload
	}
	return ctx
}

// Evaluate reports whether cond is satisfied by event.
func (e *Evaluator) Evaluate(ctx context.Context, cond model.Condition, event model.Event) bool {
	switch cond.Type {
	case model.ConditionEval:
		ok, err := expr.Evaluate(cond.Expression, PayloadContext(event.Payload))
		if err != nil {
			e.logger.Debug("conditions: eval not satisfied", "event_id", event.ID, "error", err)
			return false
		}
		return ok

	case model.ConditionSemantic:
		return e.semantic(ctx, cond, event)
	}

	e.logger.Warn("conditions: unknown condition type",
		"type", string(cond.Type), "event_id", event.ID, "policy", string(e.unknown))
	return e.unknown == UnknownAllow
}

// EvaluateAll reports whether every condition passes. It stops at the
// first failing condition; an empty list is satisfied.
func (e *Evaluator) EvaluateAll(ctx context.Context, conds []model.Condition, event model.Event) bool {
	for _, c := range conds {
		if !e.Evaluate(ctx, c, event) {
			return false
		}
	}
	return true
}

func (e *Evaluator) semantic(ctx context.Context, cond model.Condition, event model.Event) bool {
	if len(cond.Expected) == 0 {
		e.logger.Warn("conditions: semantic condition has no expected answers", "event_id", event.ID)
		return false
	}

	text := Truncate(template.Render(cond.InputTemplate, map[string]any{"payload": event.Payload}), MaxClassifierInput)
	prompt := e.prompts.Resolve(cond.Prompt)

	answer, err := e.classifier.Classify(ctx, prompt, text)
	if err != nil {
		e.logger.Warn("conditions: classifier failed", "event_id", event.ID, "error", err)
		return false
	}
	return Matches(answer, cond.Expected)
}

// Matches reports whether the normalized answer contains any expected
// token, ignoring case. Blank tokens never match.
func Matches(answer string, expected []string) bool {
	norm := strings.ToLower(strings.TrimSpace(answer))
	for _, want := range expected {
		want = strings.ToLower(strings.TrimSpace(want))
		if want != "" && strings.Contains(norm, want) {
			return true
		}
	}
	return false
}

// Truncate cuts s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
