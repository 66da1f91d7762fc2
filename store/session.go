package store

import (
	"context"
	"fmt"
)

// OpKind tells the executor what shape of result a statement produces.
type OpKind int

const (
	// OpRead statements return rows.
	OpRead OpKind = iota
	// OpWrite statements return an acknowledgement.
	OpWrite
)

func (k OpKind) String() string {
	if k == OpWrite {
		return "write"
	}
	return "read"
}

// SaveMode selects how WriteTable treats a table's existing contents.
type SaveMode string

const (
	// ModeAppend upserts the written rows and leaves other rows alone.
	ModeAppend SaveMode = "append"
	// ModeOverwrite replaces the table's contents with the written rows.
	ModeOverwrite SaveMode = "overwrite"
)

// ParseSaveMode parses "append" or "overwrite"; empty means append.
func ParseSaveMode(s string) (SaveMode, error) {
	switch SaveMode(lower(s)) {
	case "", ModeAppend:
		return ModeAppend, nil
	case ModeOverwrite:
		return ModeOverwrite, nil
	}
	return "", NewError("savemode.parse", ErrStatement, fmt.Errorf("unknown save mode %q", s))
}

// Consistency is a write-acknowledgement level.
type Consistency string

const (
	ConsistencyOne    Consistency = "ONE"
	ConsistencyQuorum Consistency = "QUORUM"
	ConsistencyAll    Consistency = "ALL"
)

// Keyspace describes a namespace and its replication.
type Keyspace struct {
	Name              string
	Strategy          string
	ReplicationFactor int
}

// Session is the statement-level connection to the column store.
type Session interface {
	// Execute runs one statement. Read statements return their rows; write
	// statements return a nil Relation.
	Execute(ctx context.Context, kind OpKind, stmt string, params ...any) (*Relation, error)

	// ExecuteBatch applies every fragment atomically or none of them.
	ExecuteBatch(ctx context.Context, fragments []string) error

	// CreateKeyspace creates the keyspace if it does not exist.
	CreateKeyspace(ctx context.Context, ks Keyspace) error

	// DropKeyspace drops the keyspace if it exists.
	DropKeyspace(ctx context.Context, name string) error

	// UseKeyspace makes name the active keyspace for unqualified statements.
	UseKeyspace(ctx context.Context, name string) error

	// Keyspace returns the active keyspace.
	Keyspace() string

	// Qualify returns table qualified by the active keyspace in the backend's dialect.
	Qualify(table string) string

	Close()
}

// WriteOptions configures WriteTable.
type WriteOptions struct {
	Mode        SaveMode
	Consistency Consistency
}

// TableIO moves whole tables between the store and the query engine.
type TableIO interface {
	// ScanTable reads every row of keyspace.table.
	ScanTable(ctx context.Context, keyspace, table string) (*Relation, error)

	// WriteTable writes rel into keyspace.table according to opts.Mode.
	WriteTable(ctx context.Context, keyspace, table string, rel *Relation, opts WriteOptions) error

	// Keyspace returns the active keyspace.
	Keyspace() string
}

// Backend is a store connection that serves both statements and table IO.
type Backend interface {
	Session
	TableIO
}
