package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jacentio/colonnade/store"
)

// Binder manages the views of one engine session. Views belong to a Scope;
// only one scope is open at a time, so a view name is never shared between
// two invocations.
type Binder struct {
	session Session
	logger  *slog.Logger
	sem     chan struct{}
}

// NewBinder creates a Binder over session.
func NewBinder(session Session, logger *slog.Logger) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		session: session,
		logger:  logger,
		sem:     make(chan struct{}, 1),
	}
}

// Session returns the engine session the binder drives.
func (b *Binder) Session() Session {
	return b.session
}

// Acquire opens a scope, waiting for any open scope to be released.
// The caller must Release the scope.
func (b *Binder) Acquire(ctx context.Context) (*Scope, error) {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("view.acquire: %w", ctx.Err())
	}
	s := &Scope{
		id:     uuid.NewString(),
		binder: b,
		rels:   make(map[string]*store.Relation),
	}
	b.logger.Debug("view scope opened", "scope", s.id)
	return s, nil
}

// With opens a scope, binds tables and runs fn. The scope is released on
// every exit path, including a panic in fn. A release failure is returned
// only when nothing else failed.
func (b *Binder) With(ctx context.Context, tables []string, fn func(ctx context.Context, s *Scope) error) (err error) {
	s, err := b.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := s.Release(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}()

	for _, t := range tables {
		if _, err := s.Bind(ctx, t); err != nil {
			return err
		}
	}
	return fn(ctx, s)
}

// ClearAll evicts every view in the engine. It waits for the open scope, so
// it must not be called from inside one.
func (b *Binder) ClearAll(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("view.clear: %w", ctx.Err())
	}
	defer func() { <-b.sem }()
	if err := b.session.ClearViewCache(ctx); err != nil {
		return store.NewError("view.clear", store.ErrStatement, err)
	}
	return nil
}

// Scope is one invocation's set of bound views.
type Scope struct {
	id       string
	binder   *Binder
	order    []string
	rels     map[string]*store.Relation
	released bool
}

// ID identifies the scope in logs.
func (s *Scope) ID() string { return s.id }

// Bind loads table from the store and registers it as a view named by the
// lowercased table name. Binding the same name again replaces the view.
func (s *Scope) Bind(ctx context.Context, table string) (*store.Relation, error) {
	if s.released {
		return nil, store.NewError("view.bind", store.ErrStatement, errors.New("scope already released"))
	}
	name, err := store.NormalizeName(table)
	if err != nil {
		return nil, store.NewError("view.bind", store.ErrInvalidName, err)
	}
	rel, err := s.binder.session.LoadTable(ctx, name)
	if err != nil {
		return nil, store.NewError("view.bind", store.ErrStatement, err)
	}
	if err := s.register(ctx, name, rel); err != nil {
		return nil, err
	}
	return rel, nil
}

// Register binds caller-supplied rows as a view.
func (s *Scope) Register(ctx context.Context, name string, rel *store.Relation) error {
	if s.released {
		return store.NewError("view.register", store.ErrStatement, errors.New("scope already released"))
	}
	n, err := store.NormalizeName(name)
	if err != nil {
		return store.NewError("view.register", store.ErrInvalidName, err)
	}
	return s.register(ctx, n, rel)
}

func (s *Scope) register(ctx context.Context, name string, rel *store.Relation) error {
	if err := s.binder.session.RegisterTempView(ctx, name, rel); err != nil {
		return store.NewError("view.bind", store.ErrStatement, err)
	}
	if _, ok := s.rels[name]; !ok {
		s.order = append(s.order, name)
	}
	s.rels[name] = rel
	s.binder.logger.Debug("view bound", "scope", s.id, "view", name, "rows", rel.Len())
	return nil
}

// Relation returns the relation bound under table, or nil.
func (s *Scope) Relation(table string) *store.Relation {
	name, err := store.NormalizeName(table)
	if err != nil {
		return nil
	}
	return s.rels[name]
}

// Views returns the names bound in this scope, in bind order.
func (s *Scope) Views() []string {
	return append([]string(nil), s.order...)
}

// Query runs a query over the engine's views.
func (s *Scope) Query(ctx context.Context, query string) (*store.Relation, error) {
	if s.released {
		return nil, store.NewError("view.query", store.ErrStatement, errors.New("scope already released"))
	}
	return s.binder.session.ExecuteSQL(ctx, query)
}

// Release drops every view the scope bound and closes the scope. It is
// safe to call more than once and ignores cancellation of ctx.
func (s *Scope) Release(ctx context.Context) error {
	if s.released {
		return nil
	}
	s.released = true
	defer func() { <-s.binder.sem }()

	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(s.order) - 1; i >= 0; i-- {
		if err := s.binder.session.DropView(ctx, s.order[i]); err != nil {
			errs = append(errs, err)
		}
	}
	s.binder.logger.Debug("view scope released", "scope", s.id, "views", len(s.order))
	if err := errors.Join(errs...); err != nil {
		return store.NewError("view.release", store.ErrStatement, err)
	}
	return nil
}
