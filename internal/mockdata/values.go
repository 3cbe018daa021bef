package mockdata

import (
	"fmt"
	"strings"
)

// Values decoded from JSON, YAML and the script VM disagree on numeric types
// (float64, int, int64, ...). Comparisons go through float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
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
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
}

// compareValues orders numbers numerically and everything else by its string
// form. Missing values sort first.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func cloneRecords(in []Record) []Record {
	if in == nil {
		return []Record{}
	}
	out := make([]Record, len(in))
	for i, rec := range in {
		out[i] = cloneRecord(rec)
	}
	return out
}

func cloneRecord(in Record) Record {
	if in == nil {
		return nil
	}
	out := make(Record, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices so callers never share mutable state
// with the store.
func CloneValue(v any) any {
	return cloneValue(v)
}

// cloneValue copies a field value. Nested objects always come back as plain
// map[string]any, whatever named map type the decoder produced.
func cloneValue(v any) any {
	switch t := v.(type) {
	case Record:
		return cloneValue(map[string]any(t))
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	case []Record:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

// ApproxSize estimates the in-memory footprint of a decoded value. It is used
// for memory accounting, not for exact sizing.
func ApproxSize(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 8
	case string:
		return int64(len(t)) + 16
	case Record:
		return ApproxSize(map[string]any(t))
	case map[string]any:
		size := int64(48)
		for k, inner := range t {
			size += int64(len(k)) + 16 + ApproxSize(inner)
		}
		return size
	case []any:
		size := int64(24)
		for _, inner := range t {
			size += ApproxSize(inner)
		}
		return size
	case []Record:
		size := int64(24)
		for _, inner := range t {
			size += ApproxSize(inner)
		}
		return size
	default:
		return 16
	}
}
