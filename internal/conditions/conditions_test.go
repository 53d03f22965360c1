package conditions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashita-ai/shikake/internal/classify"
	"github.com/ashita-ai/shikake/internal/model"
)

type fakeClassifier struct {
	mu     sync.Mutex
	answer string
	err    error
	calls  []call
}

type call struct{ prompt, text string }

func (f *fakeClassifier) Classify(_ context.Context, prompt, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{prompt, text})
	return f.answer, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func emailEvent() model.Event {
	return model.Event{
		ID:     "evt_1",
		Source: "gmail",
		Event:  "email.received",
		Payload: map[string]any{
			"subject": "Server down",
			"from":    map[string]any{"email": "ops@acme.io"},
			"size":    float64(1200),
		},
	}
}

func TestEvaluate_Eval(t *testing.T) {
	t.Parallel()
	ev := New(nil, classify.DefaultPrompts(), UnknownDeny, testLogger())

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"root field", `from.email == "ops@acme.io"`, true},
		{"payload alias", `payload.subject contains "down"`, true},
		{"false predicate", `size < 100`, false},
		{"missing field", `to.email == "x"`, false},
		{"malformed", `size >>> 1`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ev.Evaluate(context.Background(), model.Condition{Type: model.ConditionEval, Expression: tt.expr}, emailEvent())
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_SemanticRendersAndResolvesPrompt(t *testing.T) {
	fc := &fakeClassifier{answer: " URGENT "}
	ev := New(fc, classify.DefaultPrompts(), UnknownDeny, testLogger())

	cond := model.Condition{
		Type:          model.ConditionSemantic,
		InputTemplate: "Subject: {{payload.subject}} size={{payload.size}} cc={{payload.cc}}",
		Prompt:        "urgent",
		Expected:      model.Expected{"urgent"},
	}
	assert.True(t, ev.Evaluate(context.Background(), cond, emailEvent()))

	want, _ := classify.DefaultPrompts().Lookup("urgent")
	assert.Len(t, fc.calls, 1)
	assert.Equal(t, want, fc.calls[0].prompt)
	assert.Equal(t, "Subject: Server down size=1200 cc=", fc.calls[0].text)
}

func TestEvaluate_SemanticVerbatimPromptAndAnyExpected(t *testing.T) {
	fc := &fakeClassifier{answer: "Neutral."}
	ev := New(fc, classify.DefaultPrompts(), UnknownDeny, testLogger())

	cond := model.Condition{
		Type:          model.ConditionSemantic,
		InputTemplate: "{{payload.subject}}",
		Prompt:        "Answer positive, negative or neutral.",
		Expected:      model.Expected{"negative", "neutral"},
	}
	assert.True(t, ev.Evaluate(context.Background(), cond, emailEvent()))
	assert.Equal(t, "Answer positive, negative or neutral.", fc.calls[0].prompt)

	cond.Expected = model.Expected{"positive"}
	assert.False(t, ev.Evaluate(context.Background(), cond, emailEvent()))
}

func TestEvaluate_ClassifierErrorIsFalse(t *testing.T) {
	cond := model.Condition{
		Type:          model.ConditionSemantic,
		InputTemplate: "{{payload.subject}}",
		Prompt:        "urgent",
		Expected:      model.Expected{"urgent"},
	}

	failing := New(&fakeClassifier{answer: "urgent", err: errors.New("connection reset")}, classify.DefaultPrompts(), UnknownDeny, testLogger())
	rejecting := New(&fakeClassifier{answer: "not relevant"}, classify.DefaultPrompts(), UnknownDeny, testLogger())

	assert.Equal(t,
		rejecting.Evaluate(context.Background(), cond, emailEvent()),
		failing.Evaluate(context.Background(), cond, emailEvent()))
	assert.False(t, failing.Evaluate(context.Background(), cond, emailEvent()))

	noop := New(nil, classify.DefaultPrompts(), UnknownDeny, testLogger())
	assert.False(t, noop.Evaluate(context.Background(), cond, emailEvent()))
}

func TestEvaluate_SemanticEmptyExpected(t *testing.T) {
	fc := &fakeClassifier{answer: "anything"}
	ev := New(fc, classify.DefaultPrompts(), UnknownDeny, testLogger())
	cond := model.Condition{Type: model.ConditionSemantic, InputTemplate: "x", Prompt: "urgent"}
	assert.False(t, ev.Evaluate(context.Background(), cond, emailEvent()))
	assert.Empty(t, fc.calls, "classifier is not called without expected answers")
}

func TestEvaluate_SemanticTruncatesInput(t *testing.T) {
	fc := &fakeClassifier{answer: "yes"}
	ev := New(fc, classify.DefaultPrompts(), UnknownDeny, testLogger())

	e := emailEvent()
	e.Payload["body"] = strings.Repeat("é", MaxClassifierInput+500)
	cond := model.Condition{Type: model.ConditionSemantic, InputTemplate: "{{payload.body}}", Prompt: "question", Expected: model.Expected{"yes"}}

	assert.True(t, ev.Evaluate(context.Background(), cond, e))
	assert.Equal(t, MaxClassifierInput, len([]rune(fc.calls[0].text)))
}

func TestEvaluate_UnknownTypePolicy(t *testing.T) {
	cond := model.Condition{Type: "geo_fence"}

	deny := New(nil, classify.DefaultPrompts(), UnknownDeny, testLogger())
	assert.False(t, deny.Evaluate(context.Background(), cond, emailEvent()))

	allow := New(nil, classify.DefaultPrompts(), UnknownAllow, testLogger())
	assert.True(t, allow.Evaluate(context.Background(), cond, emailEvent()))

	unset := New(nil, classify.DefaultPrompts(), "", testLogger())
	assert.False(t, unset.Evaluate(context.Background(), cond, emailEvent()))
}

func TestEvaluateAll(t *testing.T) {
	fc := &fakeClassifier{answer: "urgent"}
	ev := New(fc, classify.DefaultPrompts(), UnknownDeny, testLogger())
	ctx := context.Background()

	assert.True(t, ev.EvaluateAll(ctx, nil, emailEvent()), "empty list is satisfied")

	pass := model.Condition{Type: model.ConditionEval, Expression: `size > 1000`}
	fail := model.Condition{Type: model.ConditionEval, Expression: `size > 5000`}
	semantic := model.Condition{Type: model.ConditionSemantic, InputTemplate: "{{payload.subject}}", Prompt: "urgent", Expected: model.Expected{"urgent"}}

	assert.True(t, ev.EvaluateAll(ctx, []model.Condition{pass, semantic}, emailEvent()))
	assert.False(t, ev.EvaluateAll(ctx, []model.Condition{fail, semantic}, emailEvent()))
	assert.Len(t, fc.calls, 1, "evaluation stops at the first failing condition")
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("  Yes, definitely ", []string{"YES"}))
	assert.False(t, Matches("no", []string{"yes", ""}))
	assert.False(t, Matches("", []string{" "}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "héllo", Truncate("héllo", 10))
	assert.Equal(t, "hé", Truncate("héllo", 2))
	assert.Equal(t, "", Truncate("abc", 0))
}
