package digest

import (
	"testing"
	"time"
)

func sum(columns []string, rows ...[]any) string {
	d := New(columns)
	for _, r := range rows {
		d.Add(r)
	}
	return d.Sum()
}

func TestSum_OrderInsensitive(t *testing.T) {
	cols := []string{"pk", "name"}
	a := sum(cols, []any{int64(1), "a"}, []any{int64(2), "b"}, []any{int64(3), "c"})
	b := sum(cols, []any{int64(3), "c"}, []any{int64(1), "a"}, []any{int64(2), "b"})
	if a != b {
		t.Errorf("expected same token for reordered rows, got %q and %q", a, b)
	}
}

func TestSum_DetectsChanges(t *testing.T) {
	cols := []string{"pk", "name"}
	base := sum(cols, []any{int64(1), "a"}, []any{int64(2), "b"})

	tests := []struct {
		name string
		cols []string
		rows [][]any
	}{
		{"row added", cols, [][]any{{int64(1), "a"}, {int64(2), "b"}, {int64(3), "c"}}},
		{"row removed", cols, [][]any{{int64(1), "a"}}},
		{"value changed", cols, [][]any{{int64(1), "a"}, {int64(2), "z"}}},
		{"duplicate row", cols, [][]any{{int64(1), "a"}, {int64(2), "b"}, {int64(2), "b"}}},
		{"column renamed", []string{"pk", "title"}, [][]any{{int64(1), "a"}, {int64(2), "b"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sum(tt.cols, tt.rows...); got == base {
				t.Errorf("expected token to change, got %q both times", got)
			}
		})
	}
}

func TestSum_Deterministic(t *testing.T) {
	cols := []string{"pk"}
	first := sum(cols, []any{int64(1)})
	for i := 0; i < 100; i++ {
		if got := sum(cols, []any{int64(1)}); got != first {
			t.Errorf("expected deterministic token %q, got %q on iteration %d", first, got, i)
		}
	}
}

func TestSum_HexFormat(t *testing.T) {
	result := sum([]string{"pk"}, []any{int64(1)})
	if len(result) != 32 {
		t.Errorf("expected 32-character hex, got %d characters: %q", len(result), result)
	}
	for _, c := range result {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Errorf("expected hex character, got %c", c)
		}
	}
}

func TestSum_ColumnCase(t *testing.T) {
	a := sum([]string{"PK"}, []any{int64(1)})
	b := sum([]string{"pk"}, []any{int64(1)})
	if a != b {
		t.Errorf("expected column names to compare case-insensitively")
	}
}

func TestRowHash_NumericForms(t *testing.T) {
	// The same integer read through different drivers must hash the same.
	forms := []any{int(7), int32(7), int64(7), uint16(7), float64(7)}
	want := RowHash([]any{forms[0]})
	for _, f := range forms[1:] {
		if got := RowHash([]any{f}); got != want {
			t.Errorf("RowHash(%T) = %q, want %q", f, got, want)
		}
	}
	if RowHash([]any{7.5}) == want {
		t.Error("expected fractional float to hash differently")
	}
}

func TestRowHash_DistinguishesTypes(t *testing.T) {
	tests := []struct {
		a, b any
	}{
		{"1", int64(1)},
		{"true", true},
		{nil, ""},
		{[]byte("a"), "a"},
	}

	for _, tt := range tests {
		if RowHash([]any{tt.a}) == RowHash([]any{tt.b}) {
			t.Errorf("expected %#v and %#v to hash differently", tt.a, tt.b)
		}
	}
}

func TestRowHash_TimeZones(t *testing.T) {
	utc := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	local := utc.In(time.FixedZone("X", 3600))
	if RowHash([]any{utc}) != RowHash([]any{local}) {
		t.Error("expected equal instants to hash the same")
	}
}

func TestLen(t *testing.T) {
	d := New([]string{"pk"})
	d.Add([]any{int64(1)})
	d.Add([]any{int64(2)})
	if d.Len() != 2 {
		t.Errorf("expected 2, got %d", d.Len())
	}
}
