package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func runContext() map[string]any {
	return map[string]any{
		"payload": map[string]any{
			"subject": "Quarterly numbers",
			"from":    map[string]any{"email": "cfo@acme.io"},
			"size":    float64(42),
			"tags":    []any{"finance", "q3"},
		},
		"step0": map[string]any{
			"result": map[string]any{
				"id":  "msg_123",
				"ids": []any{"a", "b"},
			},
		},
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"plain text", "no placeholders", "no placeholders"},
		{"nested string", "From {{payload.from.email}}", "From cfo@acme.io"},
		{"whitespace inside braces", "{{ payload.subject }}", "Quarterly numbers"},
		{"number renders as json", "size={{payload.size}}", "size=42"},
		{"list renders as json", "{{payload.tags}}", `["finance","q3"]`},
		{"slice index", "{{payload.tags.1}}", "q3"},
		{"unresolved renders empty", "[{{payload.missing.deep}}]", "[]"},
		{"multiple tokens", "{{payload.subject}} / {{step0.result.id}}", "Quarterly numbers / msg_123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Render(tt.tmpl, runContext()))
		})
	}
}

func TestLookup(t *testing.T) {
	v, ok := Lookup(runContext(), "step0.result.ids.0")
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	_, ok = Lookup(runContext(), "step0.result.ids.9")
	assert.False(t, ok)

	_, ok = Lookup(runContext(), "")
	assert.False(t, ok)
}

func TestLookup_TypedValues(t *testing.T) {
	type label string
	ctx := map[string]any{
		"step0": map[string]any{
			"result": map[string]any{
				"ids":    []string{"a1", "b2"},
				"pair":   [2]int{7, 9},
				"totals": map[string]int{"open": 3},
				"labels": map[label]string{"hot": "red"},
				"byID":   map[int]string{1: "x"},
			},
		},
	}

	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"step0.result.ids.0", "a1", true},
		{"step0.result.ids.2", nil, false},
		{"step0.result.ids.x", nil, false},
		{"step0.result.pair.1", 9, true},
		{"step0.result.totals.open", 3, true},
		{"step0.result.totals.closed", nil, false},
		{"step0.result.labels.hot", "red", true},
		{"step0.result.byID.1", nil, false},
		{"step0.result.ids.0.deeper", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			v, ok := Lookup(ctx, tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, v)
		})
	}

	assert.Equal(t, "a1 and 3", Render("{{step0.result.ids.0}} and {{step0.result.totals.open}}", ctx))
}

func TestResolveArgs_KeepsTypesForWholePlaceholders(t *testing.T) {
	args := map[string]any{
		"ids":     "{{step0.result.ids}}",
		"text":    "Re: {{payload.subject}}",
		"size":    "{{payload.size}}",
		"missing": "{{payload.nope}}",
		"nested":  map[string]any{"to": "{{payload.from.email}}"},
		"list":    []any{"{{step0.result.id}}", 7},
		"literal": true,
	}

	got := ResolveArgs(args, runContext())

	assert.Equal(t, []any{"a", "b"}, got["ids"])
	assert.Equal(t, "Re: Quarterly numbers", got["text"])
	assert.Equal(t, float64(42), got["size"])
	assert.Nil(t, got["missing"])
	assert.Equal(t, map[string]any{"to": "cfo@acme.io"}, got["nested"])
	assert.Equal(t, []any{"msg_123", 7}, got["list"])
	assert.Equal(t, true, got["literal"])

	// The template itself is not mutated.
	assert.Equal(t, "{{step0.result.ids}}", args["ids"])
}

func TestResolveArgs_Nil(t *testing.T) {
	assert.Equal(t, map[string]any{}, ResolveArgs(nil, runContext()))
}
