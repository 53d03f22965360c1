package expr

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

type node interface {
	eval(ctx map[string]any) (any, error)
}

type literal struct{ v any }

func (l literal) eval(map[string]any) (any, error) { return l.v, nil }

type listNode struct{ items []node }

func (l listNode) eval(ctx map[string]any) (any, error) {
	out := make([]any, len(l.items))
	for i, item := range l.items {
		v, err := item.eval(ctx)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type segment struct {
	key     string
	index   int
	isIndex bool
}

type pathNode struct{ segs []segment }

func (p pathNode) String() string {
	var b strings.Builder
	for i, s := range p.segs {
		if s.isIndex {
			fmt.Fprintf(&b, "[%d]", s.index)
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.key)
	}
	return b.String()
}

func (p pathNode) eval(ctx map[string]any) (any, error) {
	var cur any = ctx
	for _, s := range p.segs {
		next, ok := step(cur, s)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, p)
		}
		cur = next
	}
	return cur, nil
}

// step descends one path segment into maps and slices.
func step(cur any, s segment) (any, bool) {
	if s.isIndex {
		switch v := cur.(type) {
		case []any:
			if s.index < len(v) {
				return v[s.index], true
			}
			return nil, false
		case nil:
			return nil, false
		}
		rv := reflect.ValueOf(cur)
		if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && s.index < rv.Len() {
			return rv.Index(s.index).Interface(), true
		}
		return nil, false
	}
	switch v := cur.(type) {
	case map[string]any:
		val, ok := v[s.key]
		return val, ok
	case map[string]string:
		val, ok := v[s.key]
		return val, ok
	case []any:
		if s.key == "length" {
			return float64(len(v)), true
		}
	case string:
		if s.key == "length" {
			return float64(len([]rune(v))), true
		}
	}
	return nil, false
}

type notNode struct{ x node }

func (n notNode) eval(ctx map[string]any) (any, error) {
	v, err := n.x.eval(ctx)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type andNode struct{ left, right node }

func (n andNode) eval(ctx map[string]any) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	if !truthy(l) {
		return false, nil
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type orNode struct{ left, right node }

func (n orNode) eval(ctx map[string]any) (any, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	if truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type compareNode struct {
	op     tokenKind
	opText string
	left   node
	right  node
}

func (c compareNode) eval(ctx map[string]any) (any, error) {
	l, err := c.left.eval(ctx)
	if err != nil {
		return nil, err
	}
	r, err := c.right.eval(ctx)
	if err != nil {
		return nil, err
	}
	return Compare(c.opText, l, r)
}

// Compare applies a comparison operator to two values. It is shared with
// field-level record filters so both evaluators agree on semantics.
func Compare(op string, l, r any) (bool, error) {
	switch op {
	case "==", "===", "eq", "equals":
		return equal(l, r), nil
	case "!=", "!==", "neq", "not_equals":
		return !equal(l, r), nil
	case "<", ">", "<=", ">=", "lt", "gt", "lte", "gte":
		c, err := order(l, r)
		if err != nil {
			return false, err
		}
		switch op {
		case "<", "lt":
			return c < 0, nil
		case ">", "gt":
			return c > 0, nil
		case "<=", "lte":
			return c <= 0, nil
		default:
			return c >= 0, nil
		}
	case "contains":
		return contains(l, r)
	case "in":
		return contains(r, l)
	case "startsWith", "starts_with":
		ls, lok := l.(string)
		rs, rok := r.(string)
		if !lok || !rok {
			return false, fmt.Errorf("expr: startsWith requires strings")
		}
		return strings.HasPrefix(ls, rs), nil
	case "endsWith", "ends_with":
		ls, lok := l.(string)
		rs, rok := r.(string)
		if !lok || !rok {
			return false, fmt.Errorf("expr: endsWith requires strings")
		}
		return strings.HasSuffix(ls, rs), nil
	}
	return false, fmt.Errorf("expr: unknown operator %q", op)
}

func equal(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		return ok && lf == rf
	}
	if ls, ok := l.(string); ok {
		rs, ok := r.(string)
		return ok && ls == rs
	}
	if lb, ok := l.(bool); ok {
		rb, ok := r.(bool)
		return ok && lb == rb
	}
	return reflect.DeepEqual(l, r)
}

func order(l, r any) (int, error) {
	if lf, ok := toFloat(l); ok {
		if rf, ok := toFloat(r); ok {
			switch {
			case lf < rf:
				return -1, nil
			case lf > rf:
				return 1, nil
			}
			return 0, nil
		}
	}
	if ls, ok := l.(string); ok {
		if rs, ok := r.(string); ok {
			return strings.Compare(ls, rs), nil
		}
	}
	return 0, fmt.Errorf("expr: cannot order %T and %T", l, r)
}

func contains(container, item any) (bool, error) {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("expr: contains on a string requires a string operand")
		}
		return strings.Contains(c, s), nil
	case []any:
		for _, el := range c {
			if equal(el, item) {
				return true, nil
			}
		}
		return false, nil
	case []string:
		s, ok := item.(string)
		if !ok {
			return false, nil
		}
		for _, el := range c {
			if el == s {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("expr: contains on an object requires a string key")
		}
		_, found := c[s]
		return found, nil
	case nil:
		return false, fmt.Errorf("expr: contains on null")
	}
	return false, fmt.Errorf("expr: contains not supported on %T", container)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}
