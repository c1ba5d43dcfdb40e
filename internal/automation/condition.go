package automation

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Condition operators for leaf nodes.
const (
	OpEquals     = "equals"
	OpNotEquals  = "not_equals"
	OpContains   = "contains"
	OpGreater    = "greater_than"
	OpLess       = "less_than"
	OpIsEmpty    = "is_empty"
	OpIsNotEmpty = "is_not_empty"
	OpInList     = "in_list"
)

// Composite operators.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// Condition is one node of a condition tree. A node is either a composite
// ({op, children}) or a leaf predicate ({field, operator, value}).
type Condition struct {
	Op       string      `json:"op,omitempty" yaml:"op,omitempty"`
	Children []Condition `json:"children,omitempty" yaml:"children,omitempty"`

	Field    string      `json:"field,omitempty" yaml:"field,omitempty"`
	Operator string      `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    interface{} `json:"value,omitempty" yaml:"value,omitempty"`
}

// IsComposite reports whether the node combines children.
func (c Condition) IsComposite() bool {
	return c.Op != ""
}

// And builds a composite AND node.
func And(children ...Condition) Condition {
	return Condition{Op: LogicAnd, Children: children}
}

// Or builds a composite OR node.
func Or(children ...Condition) Condition {
	return Condition{Op: LogicOr, Children: children}
}

// Leaf builds a predicate node.
func Leaf(field, operator string, value interface{}) Condition {
	return Condition{Field: field, Operator: operator, Value: value}
}

// ParseConditions decodes a stored condition tree. The stored form is either a
// single node object or an array of nodes combined with AND. Empty input, null
// and [] all mean "no gating" and return nil.
func ParseConditions(raw string) (*Condition, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var list []Condition
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, fmt.Errorf("invalid conditions: %w", err)
		}
		if len(list) == 0 {
			return nil, nil
		}
		root := And(list...)
		return &root, nil
	}
	var node Condition
	if err := json.Unmarshal([]byte(raw), &node); err != nil {
		return nil, fmt.Errorf("invalid conditions: %w", err)
	}
	if !node.IsComposite() && node.Field == "" && node.Operator == "" {
		return nil, nil
	}
	return &node, nil
}

// ValidateCondition checks a tree for structural problems at authoring time.
func ValidateCondition(c *Condition) error {
	if c == nil {
		return nil
	}
	if c.IsComposite() {
		switch strings.ToUpper(c.Op) {
		case LogicAnd, LogicOr:
		default:
			return fmt.Errorf("unknown composite op %q", c.Op)
		}
		for i := range c.Children {
			if err := ValidateCondition(&c.Children[i]); err != nil {
				return fmt.Errorf("children[%d]: %w", i, err)
			}
		}
		return nil
	}
	if c.Field == "" {
		return fmt.Errorf("condition field required")
	}
	if !knownOperator(normalizeOperator(c.Operator)) {
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	return nil
}

// Evaluate reports whether the event context satisfies the tree. A nil tree
// is always true. Malformed nodes evaluate to false; Evaluate never panics.
func Evaluate(tree *Condition, ctx map[string]interface{}) bool {
	if tree == nil {
		return true
	}
	return evalNode(*tree, ctx)
}

func evalNode(c Condition, ctx map[string]interface{}) bool {
	if c.IsComposite() {
		switch strings.ToUpper(c.Op) {
		case LogicAnd:
			for _, child := range c.Children {
				if !evalNode(child, ctx) {
					return false
				}
			}
			return true
		case LogicOr:
			for _, child := range c.Children {
				if evalNode(child, ctx) {
					return true
				}
			}
			return false
		default:
			return false
		}
	}
	if c.Field == "" {
		return false
	}
	actual, found := Lookup(ctx, c.Field)
	return evalLeaf(normalizeOperator(c.Operator), actual, found, c.Value)
}

func evalLeaf(op string, actual interface{}, found bool, expected interface{}) bool {
	switch op {
	case OpIsEmpty:
		return !found || isEmpty(actual)
	case OpIsNotEmpty:
		return found && !isEmpty(actual)
	case OpEquals:
		return found && valuesEqual(actual, expected)
	case OpNotEquals:
		return !found || !valuesEqual(actual, expected)
	case OpContains:
		return found && contains(actual, expected)
	case OpGreater:
		c, ok := compareOrdered(actual, expected)
		return found && ok && c > 0
	case OpLess:
		c, ok := compareOrdered(actual, expected)
		return found && ok && c < 0
	case OpInList:
		return found && inList(actual, expected)
	default:
		return false
	}
}

func normalizeOperator(op string) string {
	op = strings.ToLower(strings.TrimSpace(op))
	op = strings.ReplaceAll(op, "-", "_")
	switch op {
	case "eq", "==":
		return OpEquals
	case "neq", "ne", "!=":
		return OpNotEquals
	case "gt", ">":
		return OpGreater
	case "lt", "<":
		return OpLess
	case "in":
		return OpInList
	}
	return op
}

func knownOperator(op string) bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpGreater, OpLess, OpIsEmpty, OpIsNotEmpty, OpInList:
		return true
	}
	return false
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// asNumber reports a numeric value only for numeric Go types; strings are
// strings for equality purposes.
func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func valuesEqual(a, b interface{}) bool {
	if x, ok := asNumber(a); ok {
		if y, ok := asNumber(b); ok {
			return x == y
		}
	}
	return Stringify(a) == Stringify(b)
}

func contains(actual, expected interface{}) bool {
	needle := Stringify(expected)
	if list, ok := toList(actual); ok {
		for _, item := range list {
			if valuesEqual(item, expected) {
				return true
			}
		}
		return false
	}
	return strings.Contains(Stringify(actual), needle)
}

func inList(actual, expected interface{}) bool {
	candidates, ok := toList(expected)
	if !ok {
		s, isStr := expected.(string)
		if !isStr {
			return false
		}
		for _, part := range strings.Split(s, ",") {
			candidates = append(candidates, strings.TrimSpace(part))
		}
	}
	values, isList := toList(actual)
	if !isList {
		values = []interface{}{actual}
	}
	for _, v := range values {
		for _, c := range candidates {
			if valuesEqual(v, c) {
				return true
			}
		}
	}
	return false
}

func toList(v interface{}) ([]interface{}, bool) {
	switch t := v.(type) {
	case []interface{}:
		return t, true
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func asOrderedNumber(v interface{}) (float64, bool) {
	if n, ok := asNumber(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

// compareOrdered compares numerically first, then as dates. ok is false when
// neither interpretation applies to both operands.
func compareOrdered(a, b interface{}) (int, bool) {
	if x, ok := asOrderedNumber(a); ok {
		if y, ok := asOrderedNumber(b); ok {
			switch {
			case x > y:
				return 1, true
			case x < y:
				return -1, true
			}
			return 0, true
		}
	}
	if x, ok := asTime(a); ok {
		if y, ok := asTime(b); ok {
			return x.Compare(y), true
		}
	}
	return 0, false
}
