package models

import (
	"encoding/json"

	"github.com/google/go-cmp/cmp"
)

// CloneValue deep-copies the JSON-like containers inside v.
// Other values are returned as they are.
func CloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		clone := make(map[string]any, len(value))
		for key, item := range value {
			clone[key] = CloneValue(item)
		}

		return clone
	case []any:
		clone := make([]any, len(value))
		for i, item := range value {
			clone[i] = CloneValue(item)
		}

		return clone
	case []byte:
		return append([]byte(nil), value...)
	default:
		return v
	}
}

// NormalizeJSON converts json.Number values decoded with UseNumber into
// int64 when integral and float64 otherwise.
func NormalizeJSON(v any) any {
	switch value := v.(type) {
	case json.Number:
		if i, err := value.Int64(); err == nil {
			return i
		}

		f, err := value.Float64()
		if err != nil {
			return value.String()
		}

		return f
	case map[string]any:
		for key, item := range value {
			value[key] = NormalizeJSON(item)
		}

		return value
	case []any:
		for i, item := range value {
			value[i] = NormalizeJSON(item)
		}

		return value
	default:
		return v
	}
}

// numbersEqual treats numbers of different Go types as equal when they hold
// the same value.
var numbersEqual = cmp.FilterValues(func(a, b any) bool {
	_, aIsNumber := asFloat(a)
	_, bIsNumber := asFloat(b)

	return aIsNumber && bIsNumber
}, cmp.Comparer(func(a, b any) bool {
	fa, _ := asFloat(a)
	fb, _ := asFloat(b)

	return fa == fb
}))

// ValuesEqual compares two param values structurally.
func ValuesEqual(a, b any) bool {
	return cmp.Equal(a, b, numbersEqual)
}

func asFloat(v any) (float64, bool) {
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
