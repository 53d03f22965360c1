// Package recordfilter filters fetched records client-side with numbered
// field-level conditions combined by an indexed logic expression such as
// "1 AND (2 OR 3)".
package recordfilter

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/shikake/internal/expr"
	"github.com/ashita-ai/shikake/internal/template"
)

// FieldCondition compares one record field against a value. Conditions are
// referenced from the logic expression by their 1-based position.
type FieldCondition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
}

// Filter is a validated set of conditions and the logic combining them.
type Filter struct {
	conditions []FieldCondition
	logic      string
}

// New validates the logic expression against len(conds). An empty logic
// string ANDs every condition. Malformed logic returns an error wrapping
// expr.ErrInvalidLogic.
func New(conds []FieldCondition, logic string) (*Filter, error) {
	if len(conds) == 0 {
		return nil, fmt.Errorf("recordfilter: at least one condition is required")
	}
	for i, c := range conds {
		if strings.TrimSpace(c.Field) == "" {
			return nil, fmt.Errorf("recordfilter: condition %d: field is required", i+1)
		}
		if c.Operator == "" {
			return nil, fmt.Errorf("recordfilter: condition %d: operator is required", i+1)
		}
	}
	if strings.TrimSpace(logic) == "" {
		logic = expr.DefaultLogic(len(conds))
	}
	if err := expr.ValidateLogic(logic, len(conds)); err != nil {
		return nil, fmt.Errorf("recordfilter: %w", err)
	}
	return &Filter{conditions: conds, logic: logic}, nil
}

// Logic returns the effective logic expression.
func (f *Filter) Logic() string { return f.logic }

// Match reports whether record satisfies the filter. A condition on a
// missing field, or whose comparison fails, evaluates to false.
func (f *Filter) Match(record map[string]any) (bool, error) {
	results := make([]bool, len(f.conditions))
	for i, c := range f.conditions {
		v, ok := template.Lookup(record, c.Field)
		if !ok {
			continue
		}
		matched, err := expr.Compare(c.Operator, v, c.Value)
		if err != nil {
			continue
		}
		results[i] = matched
	}
	return expr.EvaluateLogic(f.logic, results)
}

// Apply returns the records that satisfy the filter, preserving order.
// Elements that are not objects never match.
func (f *Filter) Apply(records []any) ([]any, error) {
	out := make([]any, 0, len(records))
	for _, r := range records {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		matched, err := f.Match(m)
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, r)
		}
	}
	return out, nil
}
