// Package digest computes generation tokens for table contents.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Table accumulates rows and produces a token that changes whenever the set
// of rows changes. Row order does not affect the token.
type Table struct {
	columns string
	rows    []string
}

// New starts a digest over a table with the given columns. Column names are
// compared case-insensitively.
func New(columns []string) *Table {
	lowered := make([]string, len(columns))
	for i, c := range columns {
		lowered[i] = strings.ToLower(c)
	}
	return &Table{columns: strings.Join(lowered, "\x1f")}
}

// Add records one row.
func (t *Table) Add(row []any) {
	t.rows = append(t.rows, RowHash(row))
}

// Len returns the number of rows added.
func (t *Table) Len() int {
	return len(t.rows)
}

// Sum returns the token as 128 bits of hex.
func (t *Table) Sum() string {
	sorted := append([]string(nil), t.rows...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(t.columns))
	h.Write([]byte{'\n'})
	h.Write([]byte(strconv.Itoa(len(sorted))))
	for _, r := range sorted {
		h.Write([]byte{'\n'})
		h.Write([]byte(r))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// RowHash returns a stable hash of one row's values.
func RowHash(row []any) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = canonical(v)
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:16])
}

// canonical renders v so that equal cells read through different drivers
// hash the same.
func canonical(v any) string {
	switch x := v.(type) {
	case nil:
		return "n"
	case string:
		return "s:" + x
	case bool:
		return "b:" + strconv.FormatBool(x)
	case int:
		return "i:" + strconv.FormatInt(int64(x), 10)
	case int8:
		return "i:" + strconv.FormatInt(int64(x), 10)
	case int16:
		return "i:" + strconv.FormatInt(int64(x), 10)
	case int32:
		return "i:" + strconv.FormatInt(int64(x), 10)
	case int64:
		return "i:" + strconv.FormatInt(x, 10)
	case uint8:
		return "i:" + strconv.FormatUint(uint64(x), 10)
	case uint16:
		return "i:" + strconv.FormatUint(uint64(x), 10)
	case uint32:
		return "i:" + strconv.FormatUint(uint64(x), 10)
	case uint64:
		return "i:" + strconv.FormatUint(x, 10)
	case uint:
		return "i:" + strconv.FormatUint(uint64(x), 10)
	case float32:
		return canonical(float64(x))
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return "i:" + strconv.FormatInt(int64(x), 10)
		}
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64)
	case time.Time:
		return "t:" + x.UTC().Format(time.RFC3339Nano)
	case []byte:
		return "x:" + hex.EncodeToString(x)
	case fmt.Stringer:
		return "s:" + x.String()
	}
	return fmt.Sprintf("v:%v", v)
}
