package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"
	"unicode/utf16"
)

// NormalizeValue converts driver, JSON and interpreter values into the row
// value domain: nil, bool, int64, float64, string, []any, map[string]any.
//
// Integral float64 values are kept as float64; callers that need integer
// identity (row ids) use Row.ID. json.Number becomes int64 when it parses
// as an integer, float64 otherwise.
func NormalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("integer out of int64 range: %d", val)
		}
		return int64(val), nil
	case float32:
		return float64(val), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("non-finite number: %v", val)
		}
		return val, nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val, err)
		}
		return f, nil
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), nil
	case Row:
		return NormalizeMap(val)
	case map[string]any:
		return NormalizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			n, err := NormalizeValue(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(val))
		for i, elem := range val {
			n, err := NormalizeMap(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type: %T", v)
	}
}

// NormalizeMap normalizes every value of m into a new map.
func NormalizeMap(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		n, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// NormalizeRow normalizes a row in place semantics, returning a new Row.
func NormalizeRow(r map[string]any) (Row, error) {
	m, err := NormalizeMap(r)
	if err != nil {
		return nil, err
	}
	return Row(m), nil
}

// DecodeRow parses a JSON object into a normalized Row. Numbers are decoded
// with UseNumber so integer columns stay int64.
func DecodeRow(data []byte) (Row, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return NormalizeRow(raw)
}

// DecodeJSON parses any JSON value into the normalized value domain.
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return NormalizeValue(raw)
}

// SortedKeys returns map keys in RFC 8785 canonical order (UTF-16 code units).
// CRITICAL: Go's sort.Strings uses UTF-8 which produces DIFFERENT order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering
// as required by RFC 8785 (Canonical JSON).
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	// If all compared units are equal, shorter string comes first
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
