// Package storetest provides an in-memory store.Backend for tests.
package storetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jacentio/colonnade/store"
)

// Call is one recorded Execute call.
type Call struct {
	Kind   store.OpKind
	Stmt   string
	Params []any
}

// Memory is an in-memory store.Backend. Tables are keyed by "keyspace.table"
// and upserts match rows on their first column. A table seeded with an open
// relation gains any new columns written to it, as a DynamoDB table does.
type Memory struct {
	// Handler answers Execute calls. When nil, reads return no rows and writes succeed.
	Handler func(kind store.OpKind, stmt string, params []any) (*store.Relation, error)

	// FailFragment is consulted for every batch fragment before anything is
	// applied; a non-nil error aborts the whole batch.
	FailFragment func(fragment string) error

	// OnScan runs after every ScanTable with the table name and the number of
	// scans of that table so far.
	OnScan func(table string, n int)

	// Err, when set, is returned by every call.
	Err error

	mu        sync.Mutex
	keyspace  string
	keyspaces map[string]store.Keyspace
	tables    map[string]*store.Relation
	scans     map[string]int
	calls     []Call
	applied   []string
	writes    []store.WriteOptions
}

// NewMemory creates an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{
		keyspaces: make(map[string]store.Keyspace),
		tables:    make(map[string]*store.Relation),
		scans:     make(map[string]int),
	}
}

// Seed stores rel as keyspace.table, replacing any previous contents.
func (m *Memory) Seed(keyspace, table string, rel *store.Relation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if keyspace != "" {
		m.keyspaces[keyspace] = store.Keyspace{Name: keyspace}
	}
	m.tables[m.name(keyspace, table)] = clone(rel)
}

// Table returns a copy of keyspace.table, or nil.
func (m *Memory) Table(keyspace, table string) *store.Relation {
	m.mu.Lock()
	defer m.mu.Unlock()
	rel, ok := m.tables[m.name(keyspace, table)]
	if !ok {
		return nil
	}
	return clone(rel)
}

// HasKeyspace reports whether the keyspace exists.
func (m *Memory) HasKeyspace(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keyspaces[name]
	return ok
}

// KeyspaceCount returns the number of keyspaces.
func (m *Memory) KeyspaceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keyspaces)
}

// Calls returns the recorded Execute calls.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Applied returns every batch fragment that was applied.
func (m *Memory) Applied() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.applied...)
}

// Writes returns the options of every WriteTable call.
func (m *Memory) Writes() []store.WriteOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.WriteOptions(nil), m.writes...)
}

func (m *Memory) Execute(_ context.Context, kind store.OpKind, stmt string, params ...any) (*store.Relation, error) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Kind: kind, Stmt: stmt, Params: params})
	handler, err := m.Handler, m.Err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if handler != nil {
		return handler(kind, stmt, params)
	}
	if kind == store.OpWrite {
		return nil, nil
	}
	return &store.Relation{}, nil
}

func (m *Memory) ExecuteBatch(_ context.Context, fragments []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if len(fragments) == 0 {
		return store.ErrEmptyBatch
	}
	if m.FailFragment != nil {
		for _, f := range fragments {
			if err := m.FailFragment(f); err != nil {
				return store.NewError("memory.batch", store.ErrStatement, err)
			}
		}
	}
	m.applied = append(m.applied, fragments...)
	return nil
}

func (m *Memory) CreateKeyspace(_ context.Context, ks store.Keyspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.keyspaces[ks.Name]; !ok {
		m.keyspaces[ks.Name] = ks
	}
	return nil
}

func (m *Memory) DropKeyspace(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.keyspaces, name)
	for t := range m.tables {
		if strings.HasPrefix(t, name+".") {
			delete(m.tables, t)
		}
	}
	return nil
}

func (m *Memory) UseKeyspace(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.keyspaces[name]; !ok {
		return store.NewError("memory.use", store.ErrStatement, fmt.Errorf("keyspace %q does not exist", name))
	}
	m.keyspace = name
	return nil
}

func (m *Memory) Keyspace() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyspace
}

func (m *Memory) Qualify(table string) string {
	return m.name(m.Keyspace(), table)
}

func (m *Memory) Close() {}

func (m *Memory) ScanTable(_ context.Context, keyspace, table string) (*store.Relation, error) {
	m.mu.Lock()
	if m.Err != nil {
		m.mu.Unlock()
		return nil, m.Err
	}
	name := m.name(m.orActive(keyspace), table)
	rel, ok := m.tables[name]
	if !ok {
		m.mu.Unlock()
		return nil, store.NewError("memory.scan", store.ErrStatement, fmt.Errorf("unconfigured table %s", name))
	}
	out := clone(rel)
	m.scans[name]++
	n, hook := m.scans[name], m.OnScan
	m.mu.Unlock()

	if hook != nil {
		hook(name, n)
	}
	return out, nil
}

func (m *Memory) WriteTable(_ context.Context, keyspace, table string, rel *store.Relation, opts store.WriteOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	name := m.name(m.orActive(keyspace), table)
	cur, ok := m.tables[name]
	if !ok {
		return store.NewError("memory.write", store.ErrStatement, fmt.Errorf("unconfigured table %s", name))
	}
	m.writes = append(m.writes, opts)

	if cur.Open {
		widen(cur, rel)
	}
	incoming, err := align(cur, rel)
	if err != nil {
		return store.NewError("memory.write", store.ErrSchemaMismatch, err)
	}
	if opts.Mode == store.ModeOverwrite {
		cur.Rows = nil
	}
	for _, row := range incoming {
		replaced := false
		for i, existing := range cur.Rows {
			if len(existing) > 0 && fmt.Sprint(existing[0]) == fmt.Sprint(row[0]) {
				cur.Rows[i] = row
				replaced = true
				break
			}
		}
		if !replaced {
			cur.Rows = append(cur.Rows, row)
		}
	}
	return nil
}

// Put appends rows to keyspace.table directly, as a concurrent writer would.
func (m *Memory) Put(keyspace, table string, rows ...store.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.tables[m.name(keyspace, table)]
	for _, row := range rows {
		cur.Rows = append(cur.Rows, append(store.Row(nil), row...))
	}
}

func (m *Memory) orActive(keyspace string) string {
	if keyspace == "" {
		return m.keyspace
	}
	return keyspace
}

func (m *Memory) name(keyspace, table string) string {
	table = strings.ToLower(table)
	if keyspace == "" {
		return table
	}
	return keyspace + "." + table
}

// widen appends rel's columns that cur lacks, padding cur's rows with nulls.
func widen(cur, rel *store.Relation) {
	for _, c := range rel.Columns {
		if cur.ColumnIndex(c.Name) >= 0 {
			continue
		}
		cur.Columns = append(cur.Columns, c)
		for i := range cur.Rows {
			cur.Rows[i] = append(cur.Rows[i], nil)
		}
	}
}

// align reorders rel's rows into cur's column order by column name and
// coerces each cell to its column's kind.
func align(cur, rel *store.Relation) ([]store.Row, error) {
	idx := make([]int, len(cur.Columns))
	for i, c := range cur.Columns {
		idx[i] = rel.ColumnIndex(c.Name)
		if idx[i] < 0 && !cur.Open {
			return nil, fmt.Errorf("column %q missing from written rows", c.Name)
		}
	}
	rows := make([]store.Row, len(rel.Rows))
	for r, src := range rel.Rows {
		row := make(store.Row, len(idx))
		for i, j := range idx {
			if j < 0 || j >= len(src) {
				continue
			}
			v, err := cur.Columns[i].Kind.Coerce(src[j])
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", cur.Columns[i].Name, err)
			}
			row[i] = v
		}
		rows[r] = row
	}
	return rows, nil
}

func clone(rel *store.Relation) *store.Relation {
	if rel == nil {
		return nil
	}
	out := &store.Relation{
		Columns: append([]store.Column(nil), rel.Columns...),
		Rows:    make([]store.Row, len(rel.Rows)),
		Open:    rel.Open,
	}
	for i, row := range rel.Rows {
		out.Rows[i] = append(store.Row(nil), row...)
	}
	return out
}

var _ store.Backend = (*Memory)(nil)
