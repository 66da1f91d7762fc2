package mutate_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/jacentio/colonnade/diag"
	"github.com/jacentio/colonnade/engine"
	"github.com/jacentio/colonnade/mutate"
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

type fixture struct {
	mem      *storetest.Memory
	engine   *engine.Engine
	mutator  *mutate.Mutator
	recorder *diag.Recorder
}

func newFixture(t *testing.T, config mutate.Config) *fixture {
	t.Helper()
	mem := storetest.NewMemory()
	mem.Seed("app", "channels", channels())
	if err := mem.UseKeyspace(context.Background(), "app"); err != nil {
		t.Fatalf("use keyspace: %v", err)
	}
	e, err := engine.Open(mem, engine.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	rec := &diag.Recorder{}
	router := engine.NewRouter(engine.NewBinder(e, nil), nil, rec)
	return &fixture{
		mem:      mem,
		engine:   e,
		mutator:  mutate.New(router, mem, config, nil, rec),
		recorder: rec,
	}
}

// contents renders a table as sorted "pk:name" strings.
func contents(rel *store.Relation) []string {
	out := make([]string, len(rel.Rows))
	for i, row := range rel.Rows {
		out[i] = fmt.Sprintf("%v:%v", row[0], row[1])
	}
	sort.Strings(out)
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDefaultConfig(t *testing.T) {
	cfg := mutate.DefaultConfig()
	if cfg.KeyColumn != "pk" {
		t.Errorf("expected KeyColumn 'pk', got %q", cfg.KeyColumn)
	}
	if cfg.Consistency != store.ConsistencyOne {
		t.Errorf("expected Consistency ONE, got %q", cfg.Consistency)
	}
	if !cfg.VerifyGeneration {
		t.Error("expected VerifyGeneration to be true by default")
	}
}

// --- Delete ---

func TestDeleteViaOverwrite(t *testing.T) {
	f := newFixture(t, mutate.DefaultConfig())

	res, err := f.mutator.Delete(context.Background(), "Channels", "pk = 2")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Deleted != 1 || res.Remaining != 2 {
		t.Errorf("expected 1 deleted and 2 remaining, got %d and %d", res.Deleted, res.Remaining)
	}
	if res.Generation == "" {
		t.Error("expected generation token")
	}

	got := contents(f.mem.Table("app", "channels"))
	want := []string{"1:a", "3:c"}
	if !equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	writes := f.mem.Writes()
	if len(writes) != 1 || writes[0].Mode != store.ModeOverwrite {
		t.Errorf("expected one overwrite, got %+v", writes)
	}
	if n := len(f.engine.Views()); n != 0 {
		t.Errorf("expected no views after delete, got %d", n)
	}
}

func TestDeleteNoMatch(t *testing.T) {
	f := newFixture(t, mutate.DefaultConfig())

	res, err := f.mutator.Delete(context.Background(), "channels", "name = 'zzz'")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Deleted != 0 || res.Remaining != 3 {
		t.Errorf("expected nothing deleted, got %+v", res)
	}
	if got := contents(f.mem.Table("app", "channels")); len(got) != 3 {
		t.Errorf("expected table unchanged, got %v", got)
	}
}

func TestDeleteDetectsConcurrentWrite(t *testing.T) {
	f := newFixture(t, mutate.DefaultConfig())
	f.mem.OnScan = func(table string, n int) {
		if n == 1 {
			f.mem.Put("app", "channels", store.Row{int64(4), "d"})
		}
	}

	_, err := f.mutator.Delete(context.Background(), "channels", "pk = 2")
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if n := len(f.mem.Writes()); n != 0 {
		t.Errorf("expected no overwrite after a detected race, got %d writes", n)
	}
	got := contents(f.mem.Table("app", "channels"))
	want := []string{"1:a", "2:b", "3:c", "4:d"}
	if !equal(got, want) {
		t.Errorf("expected concurrent row preserved, got %v", got)
	}
	if ops := f.recorder.Ops(); len(ops) == 0 || ops[len(ops)-1] != "table.delete" {
		t.Errorf("expected table.delete report, got %v", ops)
	}
}

func TestDeleteWithoutVerification(t *testing.T) {
	cfg := mutate.DefaultConfig()
	cfg.VerifyGeneration = false
	f := newFixture(t, cfg)
	f.mem.OnScan = func(table string, n int) {
		if n == 1 {
			f.mem.Put("app", "channels", store.Row{int64(4), "d"})
		}
	}

	if _, err := f.mutator.Delete(context.Background(), "channels", "pk = 2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// The concurrent row is lost: delete is best-effort.
	got := contents(f.mem.Table("app", "channels"))
	want := []string{"1:a", "3:c"}
	if !equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestDeleteErrors(t *testing.T) {
	tests := []struct {
		name  string
		table string
		where string
		kind  error
	}{
		{"empty condition", "channels", "  ", store.ErrStatement},
		{"invalid table", "chan-nels", "pk = 1", store.ErrInvalidName},
		{"bad condition", "channels", "nope = 1", store.ErrStatement},
		{"missing table", "missing", "pk = 1", store.ErrStatement},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, mutate.DefaultConfig())
			_, err := f.mutator.Delete(context.Background(), tt.table, tt.where)
			if !errors.Is(err, tt.kind) {
				t.Errorf("expected %v, got %v", tt.kind, err)
			}
			if n := len(f.mem.Writes()); n != 0 {
				t.Errorf("expected no writes, got %d", n)
			}
			if n := len(f.engine.Views()); n != 0 {
				t.Errorf("expected no views, got %d", n)
			}
		})
	}
}

func TestDeleteMissingKeyColumn(t *testing.T) {
	cfg := mutate.DefaultConfig()
	cfg.KeyColumn = "id"
	f := newFixture(t, cfg)

	_, err := f.mutator.Delete(context.Background(), "channels", "name = 'a'")
	if !errors.Is(err, store.ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch, got %v", err)
	}
}

// --- Insert ---

func TestInsertAppend(t *testing.T) {
	f := newFixture(t, mutate.DefaultConfig())

	res, err := f.mutator.Insert(context.Background(), "channels", []store.Row{{int64(4), "d"}}, store.ModeAppend)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.Written != 1 || res.Mode != store.ModeAppend {
		t.Errorf("unexpected result %+v", res)
	}
	got := contents(f.mem.Table("app", "channels"))
	want := []string{"1:a", "2:b", "3:c", "4:d"}
	if !equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	writes := f.mem.Writes()
	if len(writes) != 1 || writes[0].Consistency != store.ConsistencyOne {
		t.Errorf("expected one write at ONE, got %+v", writes)
	}
}

func TestInsertDefaultsToAppend(t *testing.T) {
	f := newFixture(t, mutate.DefaultConfig())

	res, err := f.mutator.Insert(context.Background(), "channels", []store.Row{{int64(4), "d"}}, "")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.Mode != store.ModeAppend {
		t.Errorf("expected append, got %q", res.Mode)
	}
}

func TestInsertOverwrite(t *testing.T) {
	f := newFixture(t, mutate.DefaultConfig())

	_, err := f.mutator.Insert(context.Background(), "channels", []store.Row{{int64(9), "z"}}, store.ModeOverwrite)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	got := contents(f.mem.Table("app", "channels"))
	if !equal(got, []string{"9:z"}) {
		t.Errorf("expected [9:z], got %v", got)
	}
}

func TestInsertSchemaMismatch(t *testing.T) {
	tests := []struct {
		name string
		rows []store.Row
	}{
		{"too few values", []store.Row{{int64(4)}}},
		{"too many values", []store.Row{{int64(4), "d", true}}},
		{"text for integer", []store.Row{{"four", "d"}}},
		{"bool for text", []store.Row{{int64(4), true}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, mutate.DefaultConfig())
			_, err := f.mutator.Insert(context.Background(), "channels", tt.rows, store.ModeAppend)
			if !errors.Is(err, store.ErrSchemaMismatch) {
				t.Errorf("expected ErrSchemaMismatch, got %v", err)
			}
			if n := len(f.mem.Writes()); n != 0 {
				t.Errorf("expected no writes, got %d", n)
			}
			if n := len(f.engine.Views()); n != 0 {
				t.Errorf("expected no views, got %d", n)
			}
		})
	}
}

func TestInsertDocuments(t *testing.T) {
	f := newFixture(t, mutate.DefaultConfig())

	docs := []string{`{"name": "d", "pk": 4}`, `{"pk": 5}`}
	res, err := f.mutator.InsertDocuments(context.Background(), "channels", docs, store.ModeAppend)
	if err != nil {
		t.Fatalf("insert documents: %v", err)
	}
	if res.Written != 2 {
		t.Errorf("expected 2 rows written, got %d", res.Written)
	}
	got := contents(f.mem.Table("app", "channels"))
	want := []string{"1:a", "2:b", "3:c", "4:d", "5:<nil>"}
	if !equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestInsertDocumentsUnknownField(t *testing.T) {
	f := newFixture(t, mutate.DefaultConfig())

	_, err := f.mutator.InsertDocuments(context.Background(), "channels", []string{`{"pk": 4, "color": "red"}`}, store.ModeAppend)
	if !errors.Is(err, store.ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestInsertDocumentsOpenSchema(t *testing.T) {
	f := newFixture(t, mutate.DefaultConfig())
	f.mem.Seed("app", "events", &store.Relation{
		Columns: []store.Column{{Name: "pk", Kind: store.KindNumber}},
		Open:    true,
	})

	docs := []string{`{"pk": 1, "price": 10}`, `{"pk": 2, "price": 7.25, "tag": "x"}`}
	res, err := f.mutator.InsertDocuments(context.Background(), "events", docs, store.ModeAppend)
	if err != nil {
		t.Fatalf("insert documents: %v", err)
	}
	if res.Written != 2 {
		t.Errorf("expected 2 rows written, got %d", res.Written)
	}

	rel := f.mem.Table("app", "events")
	if names := rel.ColumnNames(); len(names) != 3 || names[1] != "price" || names[2] != "tag" {
		t.Fatalf("expected columns [pk price tag], got %v", names)
	}
	if rel.Columns[1].Kind != store.KindNumber {
		t.Errorf("expected price to be a number column, got %v", rel.Columns[1].Kind)
	}
	if rel.Rows[1][1] != 7.25 || rel.Rows[1][2] != "x" {
		t.Errorf("unexpected second row %v", rel.Rows[1])
	}
}

func TestInsertOpenSchemaNeedsNamedFields(t *testing.T) {
	f := newFixture(t, mutate.DefaultConfig())
	f.mem.Seed("app", "events", &store.Relation{
		Columns: []store.Column{{Name: "pk", Kind: store.KindNumber}},
		Open:    true,
	})

	_, err := f.mutator.Insert(context.Background(), "events", []store.Row{{int64(1), "x"}}, store.ModeAppend)
	if !errors.Is(err, store.ErrSchemaMismatch) {
		t.Errorf("expected ErrSchemaMismatch for positional extra values, got %v", err)
	}
}

func TestDeleteUsesActiveKeyspace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mutate.DefaultConfig())
	f.mem.Seed("other", "channels", channels())

	if _, err := f.mutator.Delete(ctx, "channels", "pk = 1"); err != nil {
		t.Fatalf("delete in app: %v", err)
	}
	if err := f.mem.UseKeyspace(ctx, "other"); err != nil {
		t.Fatalf("use keyspace: %v", err)
	}
	if _, err := f.mutator.Delete(ctx, "channels", "pk = 3"); err != nil {
		t.Fatalf("delete in other: %v", err)
	}

	if got, want := contents(f.mem.Table("app", "channels")), []string{"2:b", "3:c"}; !equal(got, want) {
		t.Errorf("app: expected %v, got %v", want, got)
	}
	if got, want := contents(f.mem.Table("other", "channels")), []string{"1:a", "2:b"}; !equal(got, want) {
		t.Errorf("other: expected %v, got %v", want, got)
	}
}

// --- NextPK and RegisterRows ---

func TestNextPK(t *testing.T) {
	f := newFixture(t, mutate.DefaultConfig())

	n, err := f.mutator.NextPK(context.Background(), "channels")
	if err != nil {
		t.Fatalf("next pk: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4, got %d", n)
	}
}

func TestInsertThenDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mutate.DefaultConfig())

	next, err := f.mutator.NextPK(ctx, "channels")
	if err != nil {
		t.Fatalf("next pk: %v", err)
	}
	if _, err := f.mutator.Insert(ctx, "channels", []store.Row{{next, "d"}}, store.ModeAppend); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := f.mutator.Delete(ctx, "channels", fmt.Sprintf("pk = %d", next)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got := contents(f.mem.Table("app", "channels"))
	want := []string{"1:a", "2:b", "3:c"}
	if !equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestRegisterRows(t *testing.T) {
	f := newFixture(t, mutate.DefaultConfig())

	res, err := f.mutator.RegisterRows(context.Background(), "incoming",
		[]string{`{"pk": 1, "v": "x"}`, `{"pk": 2, "v": "y"}`},
		"SELECT v FROM incoming WHERE pk = 2", engine.FormatFlat)
	if err != nil {
		t.Fatalf("register rows: %v", err)
	}
	if len(res.Flat) != 1 || res.Flat[0] != "y" {
		t.Errorf("expected [y], got %v", res.Flat)
	}
	if n := len(f.engine.Views()); n != 0 {
		t.Errorf("expected no views, got %d", n)
	}
}
