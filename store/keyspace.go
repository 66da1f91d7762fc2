package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jacentio/colonnade/diag"
	"github.com/jacentio/colonnade/internal/metrics"
)

const (
	// DefaultStrategy is the replication strategy used when none is given.
	DefaultStrategy = "SimpleStrategy"

	// DefaultReplicationFactor is the replication factor used when none is given.
	DefaultReplicationFactor = 2
)

// KeyspaceManager creates and drops keyspaces.
type KeyspaceManager struct {
	session  Session
	logger   *slog.Logger
	reporter diag.Reporter
}

// NewKeyspaceManager creates a KeyspaceManager over session.
func NewKeyspaceManager(session Session, logger *slog.Logger, reporter diag.Reporter) *KeyspaceManager {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = diag.NewLogReporter(logger, LocationOf)
	}
	return &KeyspaceManager{
		session:  session,
		logger:   logger,
		reporter: reporter,
	}
}

// Create creates the keyspace if it does not exist and makes it active.
// Zero Strategy and ReplicationFactor take the defaults. There is no retry.
func (m *KeyspaceManager) Create(ctx context.Context, ks Keyspace) (err error) {
	start := time.Now()
	defer func() {
		metrics.Observe("keyspace.create", start, err)
		if err != nil {
			m.reporter.Report(ctx, "keyspace.create", err)
		}
	}()

	name, err := NormalizeName(ks.Name)
	if err != nil {
		return NewError("keyspace.create", ErrInvalidName, err)
	}
	ks.Name = name
	if ks.Strategy == "" {
		ks.Strategy = DefaultStrategy
	}
	if ks.ReplicationFactor < 1 {
		ks.ReplicationFactor = DefaultReplicationFactor
	}

	if err := m.session.CreateKeyspace(ctx, ks); err != nil {
		return NewError("keyspace.create", ErrStatement, err)
	}
	if err := m.session.UseKeyspace(ctx, name); err != nil {
		return NewError("keyspace.create", ErrStatement, err)
	}

	m.logger.Info("keyspace created",
		"keyspace", name,
		"strategy", ks.Strategy,
		"replicationFactor", ks.ReplicationFactor,
	)
	return nil
}

// Use makes an existing keyspace active.
func (m *KeyspaceManager) Use(ctx context.Context, name string) error {
	n, err := NormalizeName(name)
	if err != nil {
		err = NewError("keyspace.use", ErrInvalidName, err)
		m.reporter.Report(ctx, "keyspace.use", err)
		return err
	}
	if err := m.session.UseKeyspace(ctx, n); err != nil {
		err = NewError("keyspace.use", ErrStatement, err)
		m.reporter.Report(ctx, "keyspace.use", err)
		return err
	}
	return nil
}

// Drop drops the keyspace if it exists.
func (m *KeyspaceManager) Drop(ctx context.Context, name string) (err error) {
	start := time.Now()
	defer func() {
		metrics.Observe("keyspace.drop", start, err)
		if err != nil {
			m.reporter.Report(ctx, "keyspace.drop", err)
		}
	}()

	n, err := NormalizeName(name)
	if err != nil {
		return NewError("keyspace.drop", ErrInvalidName, err)
	}
	if err := m.session.DropKeyspace(ctx, n); err != nil {
		return NewError("keyspace.drop", ErrStatement, err)
	}
	m.logger.Info("keyspace dropped", "keyspace", n)
	return nil
}
