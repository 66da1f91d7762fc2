package store

import (
	"fmt"
	"math"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

// Kind is the coarse value type of a column.
type Kind int

const (
	KindUnknown Kind = iota
	KindInt
	KindFloat
	KindText
	KindBool
	KindTimestamp
	KindBlob
	KindJSON
	// KindFloat32 is a single-precision float column (CQL float).
	KindFloat32
	// KindNumber holds integers and floats alike (DynamoDB N).
	KindNumber
)

var kindNames = [...]string{
	KindUnknown:   "",
	KindInt:       "INTEGER",
	KindFloat:     "REAL",
	KindText:      "TEXT",
	KindBool:      "BOOLEAN",
	KindTimestamp: "TIMESTAMP",
	KindBlob:      "BLOB",
	KindJSON:      "JSON",
	KindFloat32:   "FLOAT",
	KindNumber:    "NUMERIC",
}

// String returns the SQL type name used when the kind is declared in the engine.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return ""
	}
	return kindNames[k]
}

// ParseKind maps a declared SQL type name back to a Kind.
func ParseKind(name string) Kind {
	switch upper(name) {
	case "INTEGER", "INT", "BIGINT", "SMALLINT", "TINYINT", "COUNTER", "VARINT":
		return KindInt
	case "REAL", "DOUBLE":
		return KindFloat
	case "FLOAT":
		return KindFloat32
	case "NUMERIC", "DECIMAL":
		return KindNumber
	case "TEXT", "VARCHAR", "ASCII", "UUID", "TIMEUUID", "INET":
		return KindText
	case "BOOLEAN", "BOOL":
		return KindBool
	case "TIMESTAMP", "DATE", "DATETIME":
		return KindTimestamp
	case "BLOB":
		return KindBlob
	case "JSON":
		return KindJSON
	}
	return KindUnknown
}

// Accepts reports whether a value of kind v can be stored in a column of kind k.
func (k Kind) Accepts(v Kind) bool {
	switch {
	case k == KindUnknown || v == KindUnknown || k == v:
		return true
	case k.numeric() && v.numeric():
		// integral floats come back from JSON payloads; Coerce rejects the rest
		return true
	case k == KindTimestamp && v == KindText:
		return true
	}
	return false
}

func (k Kind) numeric() bool {
	switch k {
	case KindInt, KindFloat, KindFloat32, KindNumber:
		return true
	}
	return false
}

// Column is a named, typed column of a Relation.
type Column struct {
	Name string
	Kind Kind
}

// Row is an ordered sequence of cell values aligned to a Relation's columns.
type Row []any

// Relation is a table-shaped set of rows.
type Relation struct {
	Columns []Column
	Rows    []Row

	// Open is set when the backend has no fixed schema: Columns lists only
	// the attributes seen so far, and writes may add new ones.
	Open bool
}

// ColumnNames returns the relation's column names in order.
func (r *Relation) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

// ColumnIndex returns the position of the named column, or -1.
func (r *Relation) ColumnIndex(name string) int {
	name = lower(name)
	for i, c := range r.Columns {
		if lower(c.Name) == name {
			return i
		}
	}
	return -1
}

// Len returns the number of rows.
func (r *Relation) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Rows)
}

// Maps returns each row as a column-name keyed map.
func (r *Relation) Maps() []map[string]any {
	out := make([]map[string]any, 0, len(r.Rows))
	for _, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for i, c := range r.Columns {
			if i < len(row) {
				m[c.Name] = row[i]
			}
		}
		out = append(out, m)
	}
	return out
}

// InferKinds fills in unknown column kinds from the first non-nil value in each column.
func (r *Relation) InferKinds() {
	for i := range r.Columns {
		if r.Columns[i].Kind != KindUnknown {
			continue
		}
		for _, row := range r.Rows {
			if i < len(row) && row[i] != nil {
				r.Columns[i].Kind = KindOf(row[i])
				break
			}
		}
	}
}

// Conform checks rows against the relation's schema: every row must have the
// relation's arity and each cell a kind the column accepts.
func (r *Relation) Conform(rows []Row) error {
	for n, row := range rows {
		if len(row) != len(r.Columns) {
			return fmt.Errorf("row %d has %d values, table has %d columns", n, len(row), len(r.Columns))
		}
		for i, v := range row {
			if v == nil {
				continue
			}
			if k := KindOf(v); !r.Columns[i].Kind.Accepts(k) {
				return fmt.Errorf("row %d column %q: %s value for %s column", n, r.Columns[i].Name, k, r.Columns[i].Kind)
			}
		}
	}
	return nil
}

// KindOf infers the Kind of a Go value as produced by the store drivers.
func KindOf(v any) Kind {
	switch x := v.(type) {
	case nil:
		return KindUnknown
	case int, int8, int16, int32, int64, uint8, uint16, uint32, uint64, uint:
		return KindInt
	case float32:
		return KindFloat32
	case float64:
		return KindFloat
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return KindInt
		}
		return KindFloat
	case string:
		return KindText
	case bool:
		return KindBool
	case time.Time:
		return KindTimestamp
	case []byte:
		return KindBlob
	case fmt.Stringer:
		return KindText
	case map[string]any, []any:
		return KindJSON
	}
	return KindJSON
}

// Coerce converts v into the Go type the store drivers expect for kind k.
// Values that come back from the engine lose some types (booleans become
// integers, timestamps become text); Coerce restores them.
func (k Kind) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch k {
	case KindInt:
		return toInt64(v)
	case KindFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		}
		n, err := toInt64(v)
		return float64(n), err
	case KindFloat32:
		switch x := v.(type) {
		case float32:
			return x, nil
		case float64:
			return float32(x), nil
		case json.Number:
			f, err := x.Float64()
			return float32(f), err
		}
		n, err := toInt64(v)
		return float32(n), err
	case KindNumber:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case json.Number:
			if n, err := x.Int64(); err == nil {
				return n, nil
			}
			return x.Float64()
		}
		return toInt64(v)
	case KindBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		}
		n, err := toInt64(v)
		return n != 0, err
	case KindTimestamp:
		if s, ok := v.(string); ok {
			return time.Parse(time.RFC3339Nano, s)
		}
	case KindText:
		if s, ok := v.(fmt.Stringer); ok {
			return s.String(), nil
		}
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
	}
	return v, nil
}

// ToInt64 converts an integer-like cell value into an int64.
func ToInt64(v any) (int64, error) {
	return toInt64(v)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case uint:
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("value %v is not integral", x)
		}
		return int64(x), nil
	case float32:
		return toInt64(float64(x))
	case json.Number:
		return x.Int64()
	case string:
		return strconv.ParseInt(x, 10, 64)
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("cannot convert %T to integer", v)
}
