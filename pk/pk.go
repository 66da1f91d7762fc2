// Package pk allocates integer primary keys for column-store tables.
//
// Two strategies are provided. Counter reads a per-table record in a counter
// table; MaxScan loads the table and takes the largest key. Both read and then
// decide, so concurrent callers can compute the same key. Neither is
// authoritative.
package pk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jacentio/colonnade/engine"
	"github.com/jacentio/colonnade/internal/metrics"
	"github.com/jacentio/colonnade/store"
)

// Allocator returns the next primary key for a table.
type Allocator interface {
	Next(ctx context.Context, table string) (int64, error)
}

// Config holds configuration for the allocators.
type Config struct {
	// CounterTable holds one (tablename, pk) record per table.
	// Default: "nextpk"
	CounterTable string

	// KeyColumn is the integer key column scanned by MaxScan.
	// Default: "pk"
	KeyColumn string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CounterTable: "nextpk",
		KeyColumn:    "pk",
	}
}

func (c *Config) validate() {
	if c.CounterTable == "" {
		c.CounterTable = "nextpk"
	}
	if c.KeyColumn == "" {
		c.KeyColumn = "pk"
	}
}

// Counter allocates keys from the counter table.
type Counter struct {
	exec   *store.Executor
	io     store.TableIO
	config Config
	logger *slog.Logger
}

// NewCounter creates a Counter. Reads go through exec; Advance writes the
// counter record through io.
func NewCounter(exec *store.Executor, io store.TableIO, config Config, logger *slog.Logger) *Counter {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{
		exec:   exec,
		io:     io,
		config: config,
		logger: logger,
	}
}

// Next returns the counter value recorded for table, or 1 when there is
// none. It does not advance the counter.
func (c *Counter) Next(ctx context.Context, table string) (n int64, err error) {
	start := time.Now()
	defer func() { metrics.Observe("pk.counter", start, err) }()

	n, _, err = c.Current(ctx, table)
	return n, err
}

// Current is Next, also reporting whether a counter record exists.
func (c *Counter) Current(ctx context.Context, table string) (int64, bool, error) {
	name, err := store.NormalizeName(table)
	if err != nil {
		return 0, false, store.NewError("pk.counter", store.ErrInvalidName, err)
	}
	stmt := fmt.Sprintf("SELECT pk FROM %s WHERE tablename = ?", c.exec.Session().Qualify(c.config.CounterTable))
	rel, err := c.exec.Query(ctx, stmt, name)
	if err != nil {
		return 0, false, store.NewError("pk.counter", store.ErrStatement, err)
	}
	if rel.Len() == 0 || len(rel.Rows[0]) == 0 || rel.Rows[0][0] == nil {
		return 1, false, nil
	}
	n, err := store.ToInt64(rel.Rows[0][0])
	if err != nil {
		return 0, false, store.NewError("pk.counter", store.ErrSchemaMismatch, err)
	}
	return n, true, nil
}

// Advance records next as the counter value for table.
func (c *Counter) Advance(ctx context.Context, table string, next int64) (err error) {
	start := time.Now()
	defer func() { metrics.Observe("pk.advance", start, err) }()

	name, err := store.NormalizeName(table)
	if err != nil {
		return store.NewError("pk.advance", store.ErrInvalidName, err)
	}
	rel := &store.Relation{
		Columns: []store.Column{
			{Name: "tablename", Kind: store.KindText},
			{Name: "pk", Kind: store.KindInt},
		},
		Rows: []store.Row{{name, next}},
	}
	opts := store.WriteOptions{Mode: store.ModeAppend, Consistency: store.ConsistencyOne}
	if err := c.io.WriteTable(ctx, "", c.config.CounterTable, rel, opts); err != nil {
		return store.NewError("pk.advance", store.ErrStatement, err)
	}
	c.logger.Debug("counter advanced", "table", name, "next", next)
	return nil
}

// MaxScan allocates keys by scanning the table for its largest key.
type MaxScan struct {
	router *engine.Router
	config Config
}

// NewMaxScan creates a MaxScan that queries through router.
func NewMaxScan(router *engine.Router, config Config) *MaxScan {
	config.validate()
	return &MaxScan{
		router: router,
		config: config,
	}
}

// Next returns one more than the largest key in table, or 1 when the table
// is empty or holds no positive key.
func (m *MaxScan) Next(ctx context.Context, table string) (n int64, err error) {
	start := time.Now()
	defer func() { metrics.Observe("pk.maxscan", start, err) }()

	name, err := store.NormalizeName(table)
	if err != nil {
		return 0, store.NewError("pk.maxscan", store.ErrInvalidName, err)
	}
	key, err := store.NormalizeName(m.config.KeyColumn)
	if err != nil {
		return 0, store.NewError("pk.maxscan", store.ErrInvalidName, err)
	}
	res, err := m.router.Select(ctx, []string{name}, fmt.Sprintf("SELECT MAX(%s) FROM %s", key, name), engine.FormatFlat)
	if err != nil {
		return 0, store.NewError("pk.maxscan", store.ErrStatement, err)
	}
	if len(res.Flat) == 0 || res.Flat[0] == nil {
		return 1, nil
	}
	max, err := store.ToInt64(res.Flat[0])
	if err != nil {
		return 0, store.NewError("pk.maxscan", store.ErrSchemaMismatch, err)
	}
	if max < 1 {
		return 1, nil
	}
	return max + 1, nil
}

var (
	_ Allocator = (*Counter)(nil)
	_ Allocator = (*MaxScan)(nil)
)
