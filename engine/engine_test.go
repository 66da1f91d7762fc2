package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jacentio/colonnade/engine"
	"github.com/jacentio/colonnade/store"
	"github.com/jacentio/colonnade/store/storetest"
)

// --- Helpers ---

func channels() *store.Relation {
	return &store.Relation{
		Columns: []store.Column{
			{Name: "pk", Kind: store.KindInt},
			{Name: "name", Kind: store.KindText},
		},
		Rows: []store.Row{
			{int64(1), "a"},
			{int64(2), "b"},
			{int64(3), "c"},
		},
	}
}

func newMemory(t *testing.T) *storetest.Memory {
	t.Helper()
	mem := storetest.NewMemory()
	mem.Seed("app", "channels", channels())
	if err := mem.UseKeyspace(context.Background(), "app"); err != nil {
		t.Fatalf("use keyspace: %v", err)
	}
	return mem
}

func openEngine(t *testing.T, src store.TableIO) *engine.Engine {
	t.Helper()
	e, err := engine.Open(src, engine.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

// --- Engine ---

func TestDefaultConfig(t *testing.T) {
	cfg := engine.DefaultConfig()
	if cfg.DSN != ":memory:" {
		t.Errorf("expected DSN ':memory:', got %q", cfg.DSN)
	}
}

func TestLoadTable(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newMemory(t))

	rel, err := e.LoadTable(ctx, "Channels")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rel.Len() != 3 {
		t.Errorf("expected 3 rows, got %d", rel.Len())
	}

	if _, err := e.LoadTable(ctx, "missing"); !errors.Is(err, store.ErrStatement) {
		t.Errorf("expected ErrStatement for missing table, got %v", err)
	}
	if _, err := e.LoadTable(ctx, "bad-name"); !errors.Is(err, store.ErrInvalidName) {
		t.Errorf("expected ErrInvalidName, got %v", err)
	}
}

func TestLoadTableFollowsActiveKeyspace(t *testing.T) {
	ctx := context.Background()
	mem := newMemory(t)
	mem.Seed("other", "channels", &store.Relation{
		Columns: []store.Column{{Name: "pk", Kind: store.KindInt}},
		Rows:    []store.Row{{int64(9)}},
	})
	e := openEngine(t, mem)
	if err := mem.UseKeyspace(ctx, "other"); err != nil {
		t.Fatalf("use keyspace: %v", err)
	}

	rel, err := e.LoadTable(ctx, "channels")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rel.Len() != 1 {
		t.Errorf("expected 1 row from keyspace 'other', got %d", rel.Len())
	}
}

func TestRegisterAndQuery(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newMemory(t))

	if err := e.RegisterTempView(ctx, "Channels", channels()); err != nil {
		t.Fatalf("register: %v", err)
	}
	rel, err := e.ExecuteSQL(ctx, "SELECT name FROM channels WHERE pk >= 2 ORDER BY pk")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rel.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", rel.Len())
	}
	if rel.Rows[0][0] != "b" || rel.Rows[1][0] != "c" {
		t.Errorf("unexpected rows %v", rel.Rows)
	}
	if got := e.Views(); len(got) != 1 || got[0] != "channels" {
		t.Errorf("expected views [channels], got %v", got)
	}
}

func TestRegisterReplacesView(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newMemory(t))

	if err := e.RegisterTempView(ctx, "channels", channels()); err != nil {
		t.Fatalf("register: %v", err)
	}
	smaller := &store.Relation{
		Columns: []store.Column{{Name: "pk", Kind: store.KindInt}},
		Rows:    []store.Row{{int64(7)}},
	}
	if err := e.RegisterTempView(ctx, "CHANNELS", smaller); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	rel, err := e.ExecuteSQL(ctx, "SELECT * FROM channels")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rel.Len() != 1 || len(rel.Columns) != 1 {
		t.Errorf("expected replaced view with 1 row and 1 column, got %d rows %d columns", rel.Len(), len(rel.Columns))
	}
	if n := len(e.Views()); n != 1 {
		t.Errorf("expected 1 view, got %d", n)
	}
}

func TestRegisterRejectsBadRelations(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newMemory(t))

	tests := []struct {
		name string
		view string
		rel  *store.Relation
		kind error
	}{
		{
			name: "invalid view name",
			view: "1channels",
			rel:  channels(),
			kind: store.ErrInvalidName,
		},
		{
			name: "no columns",
			view: "empty",
			rel:  &store.Relation{},
			kind: store.ErrSchemaMismatch,
		},
		{
			name: "short row",
			view: "short",
			rel: &store.Relation{
				Columns: []store.Column{{Name: "a"}, {Name: "b"}},
				Rows:    []store.Row{{int64(1)}},
			},
			kind: store.ErrSchemaMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.RegisterTempView(ctx, tt.view, tt.rel)
			if !errors.Is(err, tt.kind) {
				t.Errorf("expected %v, got %v", tt.kind, err)
			}
		})
	}
	if n := len(e.Views()); n != 0 {
		t.Errorf("expected no views after failed registrations, got %d", n)
	}
}

func TestExecuteSQLRestoresKinds(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newMemory(t))

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rel := &store.Relation{
		Columns: []store.Column{
			{Name: "pk", Kind: store.KindInt},
			{Name: "active", Kind: store.KindBool},
			{Name: "created", Kind: store.KindTimestamp},
			{Name: "score", Kind: store.KindFloat},
			{Name: "meta", Kind: store.KindJSON},
		},
		Rows: []store.Row{
			{int64(1), true, at, 1.5, map[string]any{"tag": "x"}},
		},
	}
	if err := e.RegisterTempView(ctx, "events", rel); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := e.ExecuteSQL(ctx, "SELECT pk, active, created, score, meta FROM events")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if out.Len() != 1 {
		t.Fatalf("expected 1 row, got %d", out.Len())
	}
	row := out.Rows[0]
	if row[0] != int64(1) {
		t.Errorf("expected pk int64(1), got %#v", row[0])
	}
	if row[1] != true {
		t.Errorf("expected active true, got %#v", row[1])
	}
	if ts, ok := row[2].(time.Time); !ok || !ts.Equal(at) {
		t.Errorf("expected created %v, got %#v", at, row[2])
	}
	if row[3] != 1.5 {
		t.Errorf("expected score 1.5, got %#v", row[3])
	}
	if m, ok := row[4].(map[string]any); !ok || m["tag"] != "x" {
		t.Errorf("expected meta {tag:x}, got %#v", row[4])
	}
}

func TestExecuteSQLBadQuery(t *testing.T) {
	e := openEngine(t, newMemory(t))

	_, err := e.ExecuteSQL(context.Background(), "SELECT * FROM nowhere")
	if !errors.Is(err, store.ErrStatement) {
		t.Errorf("expected ErrStatement, got %v", err)
	}
}

func TestDropViewAndClear(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, newMemory(t))

	if err := e.DropView(ctx, "never_registered"); err != nil {
		t.Errorf("dropping a missing view should succeed, got %v", err)
	}
	for _, v := range []string{"a", "b", "c"} {
		if err := e.RegisterTempView(ctx, v, channels()); err != nil {
			t.Fatalf("register %s: %v", v, err)
		}
	}
	if err := e.DropView(ctx, "B"); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if got := e.Views(); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("expected views [a c], got %v", got)
	}
	if err := e.ClearViewCache(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n := len(e.Views()); n != 0 {
		t.Errorf("expected no views after clear, got %d", n)
	}
	if _, err := e.ExecuteSQL(ctx, "SELECT * FROM a"); err == nil {
		t.Error("expected query over cleared view to fail")
	}
}
