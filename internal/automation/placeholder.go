package automation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

// Lookup resolves a dotted path such as "task.list.name" against an event
// context. Numeric segments index into slices. The second return value is false
// when any segment is missing.
func Lookup(ctx map[string]interface{}, path string) (interface{}, bool) {
	path = strings.TrimSpace(path)
	if ctx == nil || path == "" {
		return nil, false
	}
	var cur interface{} = ctx
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		case []string:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Stringify renders a context value the way placeholders and string
// comparisons see it. nil renders as "".
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case *time.Time:
		if t == nil {
			return ""
		}
		return t.UTC().Format(time.RFC3339)
	case map[string]interface{}, []interface{}:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// RenderTemplate replaces every {{path}} token in s with the stringified value
// found in ctx. Unresolved tokens become "".
func RenderTemplate(s string, ctx map[string]interface{}) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(tok string) string {
		m := placeholderPattern.FindStringSubmatch(tok)
		if len(m) < 2 {
			return ""
		}
		v, ok := Lookup(ctx, m[1])
		if !ok {
			return ""
		}
		return Stringify(v)
	})
}

// ResolveValue renders placeholders in every string nested inside v.
func ResolveValue(v interface{}, ctx map[string]interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return RenderTemplate(t, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = ResolveValue(item, ctx)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = ResolveValue(item, ctx)
		}
		return out
	case []string:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = RenderTemplate(item, ctx)
		}
		return out
	default:
		return v
	}
}

// ResolveAction returns a copy of a with all string parameters rendered
// against ctx. The original action is not modified.
func ResolveAction(a Action, ctx map[string]interface{}) Action {
	out := Action{Kind: a.Kind, Params: make(map[string]interface{}, len(a.Params))}
	for k, v := range a.Params {
		out.Params[k] = ResolveValue(v, ctx)
	}
	return out
}

// NormalizeContext converts an arbitrary payload (structs, typed maps) into the
// generic JSON shape used for path lookups.
func NormalizeContext(v interface{}) (map[string]interface{}, error) {
	if v == nil {
		return map[string]interface{}{}, nil
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event context: %w", err)
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("event context must be an object: %w", err)
	}
	return out, nil
}

// cloneContext deep-copies a JSON-shaped context so that a snapshot cannot be
// mutated by later actions.
func cloneContext(ctx map[string]interface{}) map[string]interface{} {
	if ctx == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(ctx)
	if err != nil {
		out := make(map[string]interface{}, len(ctx))
		for k, v := range ctx {
			out[k] = v
		}
		return out
	}
	out := map[string]interface{}{}
	_ = json.Unmarshal(raw, &out)
	return out
}
