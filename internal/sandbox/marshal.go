package sandbox

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	lua "github.com/Shopify/go-lua"

	"github.com/roach88/capsule/internal/ir"
)

// maxDepth bounds table nesting in both directions; it also stops
// self-referencing tables.
const maxDepth = 32

// maxExactInt is the largest integer a Lua number holds exactly.
const maxExactInt = 1 << 53

func typeName(t lua.Type) string {
	switch t {
	case lua.TypeNil, lua.TypeNone:
		return "nil"
	case lua.TypeBoolean:
		return "boolean"
	case lua.TypeNumber:
		return "number"
	case lua.TypeString:
		return "string"
	case lua.TypeTable:
		return "table"
	case lua.TypeFunction:
		return "function"
	case lua.TypeUserData, lua.TypeLightUserData:
		return "userdata"
	case lua.TypeThread:
		return "thread"
	}
	return "unknown"
}

// toGo converts the value at index into nil, bool, int64, float64,
// string, []any or map[string]any. Functions and userdata are rejected.
func toGo(l *lua.State, index int) (any, error) {
	return toGoDepth(l, l.AbsIndex(index), 0)
}

func toGoDepth(l *lua.State, index, depth int) (any, error) {
	switch t := l.TypeOf(index); t {
	case lua.TypeNil, lua.TypeNone:
		return nil, nil
	case lua.TypeBoolean:
		return l.ToBoolean(index), nil
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return normalizeNumber(n), nil
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s, nil
	case lua.TypeTable:
		if depth >= maxDepth {
			return nil, fmt.Errorf("table nesting exceeds %d levels", maxDepth)
		}
		return tableToGo(l, index, depth+1)
	default:
		return nil, fmt.Errorf("cannot pass a %s to the host", typeName(t))
	}
}

// tableToGo returns a []any when the table's keys are exactly 1..n and a
// map otherwise. An empty table is an empty map.
func tableToGo(l *lua.State, index, depth int) (any, error) {
	fields := make(map[string]any)
	var seq []any
	ints := make(map[int]any)
	allInts := true

	l.PushNil()
	for l.Next(index) {
		// Copy the key before converting so ToString cannot disturb Next.
		var key string
		var intKey int
		isInt := false
		switch l.TypeOf(-2) {
		case lua.TypeString:
			key, _ = l.ToString(-2)
		case lua.TypeNumber:
			n, _ := l.ToNumber(-2)
			if n == math.Trunc(n) && n >= 1 && n <= maxExactInt {
				intKey, isInt = int(n), true
			}
			key = strconv.FormatFloat(n, 'f', -1, 64)
		default:
			t := l.TypeOf(-2)
			l.Pop(2)
			return nil, fmt.Errorf("table keys must be strings or numbers, got %s", typeName(t))
		}

		v, err := toGoDepth(l, l.AbsIndex(-1), depth)
		if err != nil {
			l.Pop(2)
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
		fields[key] = v
		if isInt {
			ints[intKey] = v
		} else {
			allInts = false
		}
		l.Pop(1)
	}

	if allInts && len(ints) > 0 {
		seq = make([]any, len(ints))
		for i := 1; i <= len(ints); i++ {
			v, ok := ints[i]
			if !ok {
				return fields, nil
			}
			seq[i-1] = v
		}
		return seq, nil
	}
	return fields, nil
}

// normalizeNumber returns int64 for integral values a float64 holds
// exactly.
func normalizeNumber(n float64) any {
	if n == math.Trunc(n) && math.Abs(n) <= maxExactInt {
		return int64(n)
	}
	return n
}

// toRow converts the table at index into a row.
func toRow(l *lua.State, index int) (ir.Row, error) {
	v, err := toGo(l, index)
	if err != nil {
		return nil, err
	}
	switch m := v.(type) {
	case map[string]any:
		return ir.Row(m), nil
	case nil:
		return nil, fmt.Errorf("expected a table, got nil")
	default:
		return nil, fmt.Errorf("expected a table with string keys")
	}
}

// pushInt pushes n as a Lua number. Lua numbers are doubles, so integers
// they cannot hold exactly are refused.
func pushInt(l *lua.State, n int64) error {
	if n > maxExactInt || n < -maxExactInt {
		return fmt.Errorf("integer %d is outside the exact range of a script number", n)
	}
	l.PushNumber(float64(n))
	return nil
}

// push converts a host value and pushes it. Values that are not plain
// data are converted through their JSON encoding.
func push(l *lua.State, v any) error {
	return pushDepth(l, v, 0)
}

func pushDepth(l *lua.State, v any, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("value nesting exceeds %d levels", maxDepth)
	}
	switch x := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(x)
	case int:
		return pushInt(l, int64(x))
	case int64:
		return pushInt(l, x)
	case float64:
		l.PushNumber(x)
	case string:
		l.PushString(x)
	case []byte:
		l.PushString(string(x))
	case time.Time:
		l.PushNumber(float64(x.UnixMilli()))
	case []any:
		l.CreateTable(len(x), 0)
		for i, e := range x {
			if err := pushDepth(l, e, depth+1); err != nil {
				l.Pop(1)
				return err
			}
			l.RawSetInt(-2, i+1)
		}
	case ir.Row:
		if x == nil {
			l.PushNil()
			return nil
		}
		return pushDepth(l, map[string]any(x), depth)
	case map[string]any:
		if x == nil {
			l.PushNil()
			return nil
		}
		l.CreateTable(0, len(x))
		for _, k := range ir.SortedKeys(x) {
			if err := pushDepth(l, x[k], depth+1); err != nil {
				l.Pop(1)
				return fmt.Errorf("field %s: %w", k, err)
			}
			l.SetField(-2, k)
		}
	case []ir.Row:
		l.CreateTable(len(x), 0)
		for i, r := range x {
			if err := pushDepth(l, map[string]any(r), depth+1); err != nil {
				l.Pop(1)
				return err
			}
			l.RawSetInt(-2, i+1)
		}
	case []int64:
		l.CreateTable(len(x), 0)
		for i, n := range x {
			if err := pushInt(l, n); err != nil {
				l.Pop(1)
				return err
			}
			l.RawSetInt(-2, i+1)
		}
	case ir.ChangeEvent:
		return pushDepth(l, eventToMap(x), depth)
	case []ir.ChangeEvent:
		l.CreateTable(len(x), 0)
		for i, ev := range x {
			if err := pushDepth(l, eventToMap(ev), depth+1); err != nil {
				l.Pop(1)
				return err
			}
			l.RawSetInt(-2, i+1)
		}
	default:
		n, err := ir.NormalizeValue(v)
		if err == nil {
			return pushDepth(l, n, depth)
		}
		encoded, jerr := json.Marshal(v)
		if jerr != nil {
			return fmt.Errorf("cannot pass %T to a script", v)
		}
		decoded, derr := ir.DecodeJSON(encoded)
		if derr != nil {
			return fmt.Errorf("cannot pass %T to a script: %w", v, derr)
		}
		return pushDepth(l, decoded, depth)
	}
	return nil
}

// eventToMap is the shape scripts see for a change event.
func eventToMap(ev ir.ChangeEvent) map[string]any {
	m := map[string]any{
		"watcherId":     ev.WatcherID,
		"operation":     string(ev.Operation),
		"tableName":     ev.TableName,
		"rowId":         ev.RowID,
		"timestamp":     ev.Timestamp.UnixMilli(),
		"transactionId": ev.TransactionID,
	}
	if ev.OldData != nil {
		m["oldData"] = map[string]any(ev.OldData)
	}
	if ev.NewData != nil {
		m["newData"] = map[string]any(ev.NewData)
	}
	return m
}
