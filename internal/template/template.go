// Package template resolves {{path.to.value}} placeholders against a run or
// event context. It is used to render semantic-condition input text and to
// resolve action argument templates before a step executes.
package template

import (
	"encoding/json"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render replaces every {{path}} token in tmpl. Unresolved paths render as
// the empty string; strings render verbatim; any other value renders as
// its JSON text.
func Render(tmpl string, ctx map[string]any) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(tok string) string {
		m := placeholder.FindStringSubmatch(tok)
		v, ok := Lookup(ctx, m[1])
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

// Lookup resolves a dotted path such as "payload.from.email" or
// "step0.result.items.1.id". Numeric segments index into slices.
func Lookup(ctx map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	var cur any = ctx
	for _, seg := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			cur = v[i]
		default:
			next, ok := index(cur, seg)
			if !ok {
				return nil, false
			}
			cur = next
		}
	}
	return cur, true
}

// index steps into typed slices, arrays and string-keyed maps such as
// []string or map[string]int, which never come out of JSON decoding.
func index(v any, seg string) (any, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= rv.Len() {
			return nil, false
		}
		return rv.Index(i).Interface(), true
	case reflect.Map:
		key := rv.Type().Key()
		if key.Kind() != reflect.String {
			return nil, false
		}
		e := rv.MapIndex(reflect.ValueOf(seg).Convert(key))
		if !e.IsValid() {
			return nil, false
		}
		return e.Interface(), true
	default:
		return nil, false
	}
}

// ResolveValue walks an action argument template and resolves placeholders
// in every string. A string consisting of exactly one placeholder keeps the
// referenced value's type (so "{{step0.result.ids}}" yields a list); a
// placeholder that does not resolve yields nil in that case.
func ResolveValue(v any, ctx map[string]any) any {
	switch t := v.(type) {
	case string:
		if m := placeholder.FindStringSubmatchIndex(t); m != nil && m[0] == 0 && m[1] == len(t) {
			val, _ := Lookup(ctx, t[m[2]:m[3]])
			return val
		}
		return Render(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = ResolveValue(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = ResolveValue(val, ctx)
		}
		return out
	}
	return v
}

// ResolveArgs resolves a full argument map.
func ResolveArgs(args map[string]any, ctx map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return ResolveValue(args, ctx).(map[string]any)
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
