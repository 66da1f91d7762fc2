package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jacentio/colonnade/diag"
	"github.com/jacentio/colonnade/internal/metrics"
)

// Outcome is the result of one executed statement: an acknowledgement for
// writes, rows for reads.
type Outcome struct {
	Kind         OpKind
	Acknowledged bool
	Rows         *Relation
}

// Executor submits statements and batches to the column store.
type Executor struct {
	session  Session
	logger   *slog.Logger
	reporter diag.Reporter
}

// NewExecutor creates an Executor over session.
func NewExecutor(session Session, logger *slog.Logger, reporter diag.Reporter) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if reporter == nil {
		reporter = diag.NewLogReporter(logger, LocationOf)
	}
	return &Executor{
		session:  session,
		logger:   logger,
		reporter: reporter,
	}
}

// Session returns the underlying store session.
func (e *Executor) Session() Session {
	return e.session
}

// Execute submits one statement. kind decides the result shape: OpWrite
// yields an acknowledgement, OpRead yields rows.
func (e *Executor) Execute(ctx context.Context, kind OpKind, stmt string, params ...any) (*Outcome, error) {
	start := time.Now()
	rel, err := e.session.Execute(ctx, kind, stmt, params...)
	metrics.Statement(kind.String(), err)
	metrics.Observe("statement.execute", start, err)
	if err != nil {
		err = NewError("statement.execute", ErrStatement, err)
		e.reporter.Report(ctx, "statement.execute", err)
		return nil, err
	}

	e.logger.Debug("statement executed", "kind", kind.String(), "duration", time.Since(start))
	if kind == OpWrite {
		return &Outcome{Kind: OpWrite, Acknowledged: true}, nil
	}
	if rel == nil {
		rel = &Relation{}
	}
	return &Outcome{Kind: OpRead, Rows: rel}, nil
}

// Query runs a read statement and returns its rows.
func (e *Executor) Query(ctx context.Context, stmt string, params ...any) (*Relation, error) {
	out, err := e.Execute(ctx, OpRead, stmt, params...)
	if err != nil {
		return nil, err
	}
	return out.Rows, nil
}

// Exec runs a write statement.
func (e *Executor) Exec(ctx context.Context, stmt string, params ...any) error {
	_, err := e.Execute(ctx, OpWrite, stmt, params...)
	return err
}

// ExecuteBatch submits fragments as one atomic unit. Fragments cannot carry
// bound parameters; render values with RenderStatement first.
func (e *Executor) ExecuteBatch(ctx context.Context, fragments []string) error {
	start := time.Now()
	var err error
	if len(fragments) == 0 {
		err = NewError("statement.batch", ErrStatement, ErrEmptyBatch)
	} else if err = e.session.ExecuteBatch(ctx, fragments); err != nil {
		err = NewError("statement.batch", ErrStatement, err)
	}
	metrics.Statement("batch", err)
	metrics.Observe("statement.batch", start, err)
	if err != nil {
		e.reporter.Report(ctx, "statement.batch", err)
		return err
	}
	e.logger.Debug("batch executed", "statements", len(fragments), "duration", time.Since(start))
	return nil
}
