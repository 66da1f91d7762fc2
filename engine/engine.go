package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/jacentio/colonnade/internal/metrics"
	"github.com/jacentio/colonnade/store"
)

// Config holds configuration for an Engine.
type Config struct {
	// DSN is the SQLite data source backing the engine.
	// Default: ":memory:"
	DSN string
}

// DefaultConfig returns an in-memory engine configuration.
func DefaultConfig() Config {
	return Config{DSN: ":memory:"}
}

func (c *Config) validate() {
	if c.DSN == "" {
		c.DSN = ":memory:"
	}
}

// Session is the query-engine surface the binder and router need.
type Session interface {
	// LoadTable reads a store table as a relation.
	LoadTable(ctx context.Context, table string) (*store.Relation, error)

	// RegisterTempView makes rel queryable under name, replacing any view of that name.
	RegisterTempView(ctx context.Context, name string, rel *store.Relation) error

	// ExecuteSQL runs a query over the registered views.
	ExecuteSQL(ctx context.Context, query string) (*store.Relation, error)

	// DropView removes one view.
	DropView(ctx context.Context, name string) error

	// ClearViewCache removes every view.
	ClearViewCache(ctx context.Context) error
}

// Engine is an in-process SQL engine. Views are SQLite temporary tables
// filled from the column store; they live on a single pinned connection.
type Engine struct {
	db     *sql.DB
	src    store.TableIO
	config Config
	logger *slog.Logger

	mu    sync.Mutex
	views map[string]bool
}

// Open creates an Engine loading tables from src.
func Open(src store.TableIO, config Config, logger *slog.Logger) (*Engine, error) {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", config.DSN)
	if err != nil {
		return nil, store.NewError("engine.open", store.ErrConnectivity, err)
	}
	// Temporary tables are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, store.NewError("engine.open", store.ErrConnectivity, err)
	}
	return &Engine{
		db:     db,
		src:    src,
		config: config,
		logger: logger,
		views:  make(map[string]bool),
	}, nil
}

// Close releases the SQLite database.
func (e *Engine) Close() error {
	e.mu.Lock()
	metrics.ViewsBound.Sub(float64(len(e.views)))
	e.views = map[string]bool{}
	e.mu.Unlock()
	return e.db.Close()
}

// LoadTable reads table from the store's active keyspace, the same keyspace
// table writes go to.
func (e *Engine) LoadTable(ctx context.Context, table string) (*store.Relation, error) {
	name, err := store.NormalizeName(table)
	if err != nil {
		return nil, store.NewError("engine.load", store.ErrInvalidName, err)
	}
	rel, err := e.src.ScanTable(ctx, "", name)
	if err != nil {
		return nil, store.NewError("engine.load", store.ErrStatement, err)
	}
	return rel, nil
}

// RegisterTempView loads rel into a temporary table called name.
func (e *Engine) RegisterTempView(ctx context.Context, name string, rel *store.Relation) error {
	view, err := store.NormalizeName(name)
	if err != nil {
		return store.NewError("engine.register", store.ErrInvalidName, err)
	}
	if len(rel.Columns) == 0 {
		return store.NewError("engine.register", store.ErrSchemaMismatch, fmt.Errorf("view %s has no columns", view))
	}

	defs := make([]string, len(rel.Columns))
	marks := make([]string, len(rel.Columns))
	for i, c := range rel.Columns {
		defs[i] = strings.TrimSpace(quoteIdent(c.Name) + " " + c.Kind.String())
		marks[i] = "?"
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return store.NewError("engine.register", store.ErrConnectivity, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS temp."+quoteIdent(view)); err != nil {
		return store.NewError("engine.register", store.ErrStatement, err)
	}
	create := fmt.Sprintf("CREATE TEMP TABLE %s (%s)", quoteIdent(view), strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return store.NewError("engine.register", store.ErrStatement, err)
	}
	if len(rel.Rows) > 0 {
		insert := fmt.Sprintf("INSERT INTO temp.%s VALUES (%s)", quoteIdent(view), strings.Join(marks, ", "))
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return store.NewError("engine.register", store.ErrStatement, err)
		}
		defer stmt.Close()
		args := make([]any, len(rel.Columns))
		for n, row := range rel.Rows {
			if len(row) != len(rel.Columns) {
				return store.NewError("engine.register", store.ErrSchemaMismatch,
					fmt.Errorf("row %d has %d values, view has %d columns", n, len(row), len(rel.Columns)))
			}
			for i, v := range row {
				if args[i], err = toSQLite(v); err != nil {
					return store.NewError("engine.register", store.ErrSchemaMismatch, err)
				}
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return store.NewError("engine.register", store.ErrStatement, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return store.NewError("engine.register", store.ErrStatement, err)
	}

	e.mu.Lock()
	if !e.views[view] {
		e.views[view] = true
		metrics.ViewsBound.Inc()
	}
	e.mu.Unlock()
	e.logger.Debug("registered view", "view", view, "rows", len(rel.Rows))
	return nil
}

// ExecuteSQL runs query and returns its result. Declared column types are
// used to restore booleans, timestamps and JSON values.
func (e *Engine) ExecuteSQL(ctx context.Context, query string) (*store.Relation, error) {
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, store.NewError("engine.sql", store.ErrStatement, err)
	}
	defer rows.Close()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, store.NewError("engine.sql", store.ErrStatement, err)
	}
	rel := &store.Relation{Columns: make([]store.Column, len(types))}
	for i, t := range types {
		rel.Columns[i] = store.Column{Name: t.Name(), Kind: store.ParseKind(t.DatabaseTypeName())}
	}

	for rows.Next() {
		cells := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, store.NewError("engine.sql", store.ErrStatement, err)
		}
		row := make(store.Row, len(cells))
		for i, v := range cells {
			if row[i], err = fromSQLite(rel.Columns[i].Kind, v); err != nil {
				return nil, store.NewError("engine.sql", store.ErrStatement, err)
			}
		}
		rel.Rows = append(rel.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, store.NewError("engine.sql", store.ErrStatement, err)
	}
	rel.InferKinds()
	return rel, nil
}

// DropView removes the named view. Dropping a missing view is not an error.
func (e *Engine) DropView(ctx context.Context, name string) error {
	view, err := store.NormalizeName(name)
	if err != nil {
		return store.NewError("engine.drop", store.ErrInvalidName, err)
	}
	if _, err := e.db.ExecContext(ctx, "DROP TABLE IF EXISTS temp."+quoteIdent(view)); err != nil {
		return store.NewError("engine.drop", store.ErrStatement, err)
	}
	e.mu.Lock()
	if e.views[view] {
		delete(e.views, view)
		metrics.ViewsBound.Dec()
	}
	e.mu.Unlock()
	return nil
}

// ClearViewCache drops every registered view.
func (e *Engine) ClearViewCache(ctx context.Context) error {
	for _, v := range e.Views() {
		if err := e.DropView(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// Views returns the names of the registered views, sorted.
func (e *Engine) Views() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.views))
	for v := range e.views {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var _ Session = (*Engine)(nil)
