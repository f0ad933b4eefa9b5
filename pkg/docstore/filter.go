package docstore

import (
	"encoding/json"
	"reflect"
	"strings"
)

// Op is a query comparison operator.
type Op string

const (
	OpEqual         Op = "=="
	OpNotEqual      Op = "!="
	OpArrayContains Op = "array-contains"
)

// Filter restricts a query to documents whose field matches Value.
// Field may address nested objects with dots ("gcInfo.id").
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where builds a Filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Match reports whether the decoded document body satisfies the filter.
func (f Filter) Match(body map[string]any) bool {
	want, ok := normalize(f.Value)
	if !ok {
		return false
	}
	got, present := lookup(body, f.Field)

	switch f.Op {
	case OpEqual:
		return present && reflect.DeepEqual(got, want)
	case OpNotEqual:
		return !present || !reflect.DeepEqual(got, want)
	case OpArrayContains:
		items, isArray := got.([]any)
		if !present || !isArray {
			return false
		}
		for _, item := range items {
			if reflect.DeepEqual(item, want) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// containment renders the filter as a JSON object usable with the postgres
// @> operator, or nil if the operator cannot be expressed that way.
func (f Filter) containment() map[string]any {
	var leaf any
	switch f.Op {
	case OpEqual:
		leaf = f.Value
	case OpArrayContains:
		leaf = []any{f.Value}
	default:
		return nil
	}

	parts := strings.Split(f.Field, ".")
	out := map[string]any{parts[len(parts)-1]: leaf}
	for i := len(parts) - 2; i >= 0; i-- {
		out = map[string]any{parts[i]: out}
	}
	return out
}

func matchAll(raw json.RawMessage, filters []Filter) bool {
	if len(filters) == 0 {
		return true
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return false
	}
	for _, f := range filters {
		if !f.Match(body) {
			return false
		}
	}
	return true
}

// normalize round-trips v through JSON so it compares equal to decoded bodies.
func normalize(v any) (any, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	return out, true
}

func lookup(body map[string]any, field string) (any, bool) {
	var current any = body
	for _, part := range strings.Split(field, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
