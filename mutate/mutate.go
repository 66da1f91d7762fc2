// Package mutate emulates row-level inserts and deletes on top of whole-table
// reads and writes.
//
// Delete has no native form: it reads the complement of the matching rows
// and overwrites the table with it. A generation token taken before the read
// and checked again before the write catches most concurrent modifications,
// but a write that lands between the check and the overwrite is lost. Delete
// is best-effort.
package mutate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jacentio/colonnade/diag"
	"github.com/jacentio/colonnade/engine"
	"github.com/jacentio/colonnade/internal/digest"
	"github.com/jacentio/colonnade/internal/metrics"
	"github.com/jacentio/colonnade/pk"
	"github.com/jacentio/colonnade/store"
)

// Config holds configuration for a Mutator.
type Config struct {
	// KeyColumn identifies rows for Delete and NextPK.
	// Default: "pk"
	KeyColumn string

	// Consistency is the acknowledgement level of table writes.
	// Default: ONE
	Consistency store.Consistency

	// VerifyGeneration re-reads the table before a delete's overwrite and
	// fails with ErrConcurrentModification if it changed.
	// Default: true
	VerifyGeneration bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyColumn:        "pk",
		Consistency:      store.ConsistencyOne,
		VerifyGeneration: true,
	}
}

func (c *Config) validate() {
	if c.KeyColumn == "" {
		c.KeyColumn = "pk"
	}
	if c.Consistency == "" {
		c.Consistency = store.ConsistencyOne
	}
}

// InsertResult describes a completed insert.
type InsertResult struct {
	Table   string
	Mode    store.SaveMode
	Written int
}

// DeleteResult describes a completed delete.
type DeleteResult struct {
	Table      string
	Deleted    int
	Remaining  int
	Generation string
}

// Mutator inserts and deletes rows.
type Mutator struct {
	router   *engine.Router
	io       store.TableIO
	keys     *pk.MaxScan
	config   Config
	logger   *slog.Logger
	reporter diag.Reporter
}

// New creates a Mutator. Tables are read through router and written through io.
func New(router *engine.Router, io store.TableIO, config Config, logger *slog.Logger, reporter diag.Reporter) *Mutator {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = diag.NewLogReporter(logger, store.LocationOf)
	}
	return &Mutator{
		router:   router,
		io:       io,
		keys:     pk.NewMaxScan(router, pk.Config{KeyColumn: config.KeyColumn}),
		config:   config,
		logger:   logger,
		reporter: reporter,
	}
}

// Insert adds rows to table. Each row must match the table's inferred
// schema in arity and kind. ModeAppend upserts the rows; ModeOverwrite
// replaces the table's contents with exactly the rows.
func (m *Mutator) Insert(ctx context.Context, table string, rows []store.Row, mode store.SaveMode) (*InsertResult, error) {
	return m.insert(ctx, table, rows, nil, mode)
}

// insert writes rows laid out as the table's columns followed by extra,
// the columns an open table gains from the write.
func (m *Mutator) insert(ctx context.Context, table string, rows []store.Row, extra []store.Column, mode store.SaveMode) (res *InsertResult, err error) {
	start := time.Now()
	defer m.finish(ctx, "table.insert", start, &err)

	name, err := store.NormalizeName(table)
	if err != nil {
		return nil, store.NewError("table.insert", store.ErrInvalidName, err)
	}
	if mode == "" {
		mode = store.ModeAppend
	}

	var schema []store.Column
	err = m.router.Binder().With(ctx, []string{name}, func(ctx context.Context, s *engine.Scope) error {
		rel := s.Relation(name)
		schema = append(append([]store.Column(nil), rel.Columns...), extra...)
		if err := (&store.Relation{Columns: schema}).Conform(rows); err != nil {
			return store.NewError("table.insert", store.ErrSchemaMismatch, err)
		}
		return nil
	})
	if err != nil {
		return nil, store.NewError("table.insert", store.ErrStatement, err)
	}

	if err := m.write(ctx, name, schema, rows, mode); err != nil {
		return nil, err
	}
	m.logger.Info("rows inserted", "table", name, "mode", string(mode), "rows", len(rows))
	return &InsertResult{Table: name, Mode: mode, Written: len(rows)}, nil
}

// InsertDocuments inserts JSON objects into table, matching fields to
// columns by name. Missing fields are null. A field with no matching column
// is a schema mismatch, unless the table's schema is open, in which case the
// field becomes a new column.
func (m *Mutator) InsertDocuments(ctx context.Context, table string, docs []string, mode store.SaveMode) (*InsertResult, error) {
	name, err := store.NormalizeName(table)
	if err != nil {
		err = store.NewError("table.insert", store.ErrInvalidName, err)
		m.reporter.Report(ctx, "table.insert", err)
		return nil, err
	}
	incoming, err := engine.RelationFromJSON(docs)
	if err != nil {
		err = store.NewError("table.insert", store.ErrSchemaMismatch, err)
		m.reporter.Report(ctx, "table.insert", err)
		return nil, err
	}

	var (
		rows  []store.Row
		extra []store.Column
	)
	err = m.router.Binder().With(ctx, []string{name}, func(ctx context.Context, s *engine.Scope) error {
		rows, extra, err = align(s.Relation(name), incoming)
		return err
	})
	if err != nil {
		err = store.NewError("table.insert", store.ErrSchemaMismatch, err)
		m.reporter.Report(ctx, "table.insert", err)
		return nil, err
	}
	return m.insert(ctx, name, rows, extra, mode)
}

// Delete removes the rows of table matching where, a SQL condition over the
// table's columns, by overwriting the table with the remaining rows.
func (m *Mutator) Delete(ctx context.Context, table, where string) (res *DeleteResult, err error) {
	start := time.Now()
	defer m.finish(ctx, "table.delete", start, &err)

	name, err := store.NormalizeName(table)
	if err != nil {
		return nil, store.NewError("table.delete", store.ErrInvalidName, err)
	}
	key, err := store.NormalizeName(m.config.KeyColumn)
	if err != nil {
		return nil, store.NewError("table.delete", store.ErrInvalidName, err)
	}
	where = strings.TrimSpace(where)
	if where == "" {
		return nil, store.NewError("table.delete", store.ErrStatement, fmt.Errorf("delete from %s needs a condition", name))
	}

	// Phase one: token and complement from the same snapshot.
	var (
		token  string
		total  int
		schema []store.Column
		keep   []store.Row
	)
	query := fmt.Sprintf("SELECT * FROM %s WHERE %s NOT IN (SELECT %s FROM %s WHERE %s)", name, key, key, name, where)
	err = m.router.Binder().With(ctx, []string{name}, func(ctx context.Context, s *engine.Scope) error {
		rel := s.Relation(name)
		if rel.ColumnIndex(key) < 0 {
			return store.NewError("table.delete", store.ErrSchemaMismatch, fmt.Errorf("table %s has no %s column", name, key))
		}
		token, total, schema = generation(rel), rel.Len(), rel.Columns

		out, err := s.Query(ctx, query)
		if err != nil {
			return err
		}
		if len(out.Columns) != len(schema) {
			return store.NewError("table.delete", store.ErrSchemaMismatch,
				fmt.Errorf("complement has %d columns, table has %d", len(out.Columns), len(schema)))
		}
		keep = out.Rows
		return nil
	})
	if err != nil {
		return nil, store.NewError("table.delete", store.ErrStatement, err)
	}

	// Phase two: the table must not have moved since phase one.
	if m.config.VerifyGeneration {
		current, err := m.io.ScanTable(ctx, "", name)
		if err != nil {
			return nil, store.NewError("table.delete", store.ErrStatement, err)
		}
		if now := generation(current); now != token {
			return nil, store.NewError("table.delete", store.ErrConcurrentModification,
				fmt.Errorf("table %s generation moved from %s to %s", name, token, now))
		}
	}

	if err := m.write(ctx, name, schema, keep, store.ModeOverwrite); err != nil {
		return nil, err
	}
	res = &DeleteResult{
		Table:      name,
		Deleted:    total - len(keep),
		Remaining:  len(keep),
		Generation: token,
	}
	m.logger.Info("rows deleted", "table", name, "deleted", res.Deleted, "remaining", res.Remaining)
	return res, nil
}

// NextPK returns the next key for table by scanning for its largest key.
func (m *Mutator) NextPK(ctx context.Context, table string) (int64, error) {
	n, err := m.keys.Next(ctx, table)
	if err != nil {
		m.reporter.Report(ctx, "table.nextpk", err)
	}
	return n, err
}

// RegisterRows registers JSON objects as a view called name for the
// duration of one query, and returns the query's result.
func (m *Mutator) RegisterRows(ctx context.Context, name string, docs []string, query string, format engine.Format) (*engine.Result, error) {
	return m.router.SelectDocuments(ctx, name, docs, query, format)
}

func (m *Mutator) write(ctx context.Context, name string, schema []store.Column, rows []store.Row, mode store.SaveMode) error {
	rel := &store.Relation{Columns: schema, Rows: rows}
	opts := store.WriteOptions{Mode: mode, Consistency: m.config.Consistency}
	if err := m.io.WriteTable(ctx, "", name, rel, opts); err != nil {
		return store.NewError("table.write", store.ErrStatement, err)
	}
	metrics.RowsWritten.WithLabelValues(string(mode)).Add(float64(len(rows)))
	return nil
}

func (m *Mutator) finish(ctx context.Context, op string, start time.Time, err *error) {
	metrics.Observe(op, start, *err)
	if *err != nil {
		m.reporter.Report(ctx, op, *err)
	}
}

func generation(rel *store.Relation) string {
	d := digest.New(rel.ColumnNames())
	for _, row := range rel.Rows {
		d.Add(row)
	}
	return d.Sum()
}

// align orders incoming's rows by the columns of rel. Fields rel lacks are
// returned as extra columns, placed after rel's, when rel is open.
func align(rel, incoming *store.Relation) ([]store.Row, []store.Column, error) {
	var extra []store.Column
	idx := make([]int, len(incoming.Columns))
	for i, c := range incoming.Columns {
		idx[i] = rel.ColumnIndex(c.Name)
		if idx[i] >= 0 {
			continue
		}
		if !rel.Open {
			return nil, nil, fmt.Errorf("field %q is not a column of the table", c.Name)
		}
		name, err := store.NormalizeName(c.Name)
		if err != nil {
			return nil, nil, err
		}
		c.Name = name
		if c.Kind == store.KindInt || c.Kind == store.KindFloat {
			// a later document may carry a fraction
			c.Kind = store.KindNumber
		}
		idx[i] = len(rel.Columns) + len(extra)
		extra = append(extra, c)
	}
	rows := make([]store.Row, len(incoming.Rows))
	for r, src := range incoming.Rows {
		row := make(store.Row, len(rel.Columns)+len(extra))
		for i, j := range idx {
			row[j] = src[i]
		}
		rows[r] = row
	}
	return rows, extra, nil
}
