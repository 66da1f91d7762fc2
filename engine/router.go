package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/jacentio/colonnade/diag"
	"github.com/jacentio/colonnade/internal/metrics"
	"github.com/jacentio/colonnade/store"
)

// Format selects the shape of a query result.
type Format int

const (
	// FormatDefault returns rows.
	FormatDefault Format = iota
	// FormatJSON returns one JSON object per row, keyed by column name.
	// Null cells are omitted.
	FormatJSON
	// FormatFlat returns every cell of every row in one sequence.
	FormatFlat
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatFlat:
		return "flatMap"
	}
	return "default"
}

// ParseFormat parses "default", "json" or "flatMap" (case-insensitive).
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "default", "rows":
		return FormatDefault, nil
	case "json":
		return FormatJSON, nil
	case "flatmap", "flat":
		return FormatFlat, nil
	}
	return FormatDefault, fmt.Errorf("unknown result format %q", s)
}

// Result is a shaped query result. Exactly one of Rows, JSON or Flat is
// populated, according to Format.
type Result struct {
	Format  Format
	Columns []store.Column
	Rows    []store.Row
	JSON    []string
	Flat    []any
}

// Len returns the number of rows, JSON documents or flattened cells.
func (r *Result) Len() int {
	switch r.Format {
	case FormatJSON:
		return len(r.JSON)
	case FormatFlat:
		return len(r.Flat)
	}
	return len(r.Rows)
}

// Relation returns the result as a relation. Only valid for FormatDefault.
func (r *Result) Relation() *store.Relation {
	return &store.Relation{Columns: r.Columns, Rows: r.Rows}
}

// Router composes queries over bound views and shapes their results.
type Router struct {
	binder   *Binder
	logger   *slog.Logger
	reporter diag.Reporter
}

// NewRouter creates a Router over binder.
func NewRouter(binder *Binder, logger *slog.Logger, reporter diag.Reporter) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = diag.NewLogReporter(logger, store.LocationOf)
	}
	return &Router{
		binder:   binder,
		logger:   logger,
		reporter: reporter,
	}
}

// Binder returns the binder the router uses.
func (r *Router) Binder() *Binder {
	return r.binder
}

// Select binds every table, runs query against the views and shapes the
// result. All views bound for the call are released before Select returns,
// whether or not the query succeeded.
func (r *Router) Select(ctx context.Context, tables []string, query string, format Format) (res *Result, err error) {
	start := time.Now()
	defer func() {
		metrics.Observe("query.select", start, err)
		if err != nil {
			r.reporter.Report(ctx, "query.select", err)
		}
	}()

	names, err := store.NormalizeNames(tables)
	if err != nil {
		return nil, store.NewError("query.select", store.ErrInvalidName, err)
	}
	err = r.binder.With(ctx, names, func(ctx context.Context, s *Scope) error {
		rel, err := s.Query(ctx, query)
		if err != nil {
			return err
		}
		res, err = shape(rel, format)
		return err
	})
	if err != nil {
		return nil, store.NewError("query.select", store.ErrStatement, err)
	}
	r.logger.Debug("query executed",
		"tables", names,
		"format", format.String(),
		"results", res.Len(),
		"duration", time.Since(start),
	)
	return res, nil
}

// SelectDocuments registers JSON documents as a view called name, runs query
// and shapes the result. Columns are the union of the documents' top-level
// fields, sorted by name. The view is released before returning.
func (r *Router) SelectDocuments(ctx context.Context, name string, docs []string, query string, format Format) (res *Result, err error) {
	start := time.Now()
	defer func() {
		metrics.Observe("query.documents", start, err)
		if err != nil {
			r.reporter.Report(ctx, "query.documents", err)
		}
	}()

	rel, err := RelationFromJSON(docs)
	if err != nil {
		return nil, store.NewError("query.documents", store.ErrSchemaMismatch, err)
	}
	err = r.binder.With(ctx, nil, func(ctx context.Context, s *Scope) error {
		if err := s.Register(ctx, name, rel); err != nil {
			return err
		}
		out, err := s.Query(ctx, query)
		if err != nil {
			return err
		}
		res, err = shape(out, format)
		return err
	})
	if err != nil {
		return nil, store.NewError("query.documents", store.ErrStatement, err)
	}
	return res, nil
}

// RelationFromJSON builds a relation from JSON objects.
func RelationFromJSON(docs []string) (*store.Relation, error) {
	objs := make([]map[string]any, len(docs))
	seen := make(map[string]bool)
	var names []string
	for i, d := range docs {
		dec := json.NewDecoder(strings.NewReader(d))
		dec.UseNumber()
		if err := dec.Decode(&objs[i]); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		for k := range objs[i] {
			if !seen[k] {
				seen[k] = true
				names = append(names, k)
			}
		}
	}
	sort.Strings(names)

	rel := &store.Relation{Columns: make([]store.Column, len(names))}
	for i, n := range names {
		rel.Columns[i] = store.Column{Name: n}
	}
	for _, obj := range objs {
		row := make(store.Row, len(names))
		for i, n := range names {
			row[i] = fromNumber(obj[n])
		}
		rel.Rows = append(rel.Rows, row)
	}
	rel.InferKinds()
	return rel, nil
}

func fromNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func shape(rel *store.Relation, format Format) (*Result, error) {
	res := &Result{Format: format, Columns: rel.Columns}
	switch format {
	case FormatJSON:
		res.JSON = make([]string, 0, len(rel.Rows))
		for _, row := range rel.Rows {
			doc, err := encodeRow(rel.Columns, row)
			if err != nil {
				return nil, err
			}
			res.JSON = append(res.JSON, doc)
		}
	case FormatFlat:
		res.Flat = make([]any, 0, len(rel.Rows)*len(rel.Columns))
		for _, row := range rel.Rows {
			res.Flat = append(res.Flat, row...)
		}
	default:
		res.Rows = rel.Rows
	}
	return res, nil
}

// encodeRow writes one row as a JSON object with fields in column order.
func encodeRow(cols []store.Column, row store.Row) (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for i, c := range cols {
		if i >= len(row) || row[i] == nil {
			continue
		}
		key, err := json.Marshal(c.Name)
		if err != nil {
			return "", err
		}
		val, err := json.Marshal(row[i])
		if err != nil {
			return "", fmt.Errorf("encode column %q: %w", c.Name, err)
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.String(), nil
}
