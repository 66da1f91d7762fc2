package engine

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/jacentio/colonnade/store"
)

// toSQLite converts a store value into one of SQLite's storage types.
func toSQLite(v any) (any, error) {
	switch x := v.(type) {
	case nil, int64, float64, string, []byte:
		return v, nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case float32:
		return float64(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		return x.Float64()
	case fmt.Stringer:
		return x.String(), nil
	}
	switch store.KindOf(v) {
	case store.KindInt:
		return store.ToInt64(v)
	case store.KindJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", v, err)
		}
		return string(b), nil
	}
	return fmt.Sprint(v), nil
}

// fromSQLite restores a value read back from SQLite according to its column kind.
func fromSQLite(kind store.Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case store.KindBool:
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
	case store.KindTimestamp:
		if s, ok := v.(string); ok {
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return s, nil
			}
			return t, nil
		}
	case store.KindJSON:
		var s string
		switch x := v.(type) {
		case string:
			s = x
		case []byte:
			s = string(x)
		default:
			return v, nil
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("decode json cell: %w", err)
		}
		return out, nil
	case store.KindText:
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
	}
	return v, nil
}
