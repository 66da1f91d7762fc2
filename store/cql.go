package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	gocql "github.com/apache/cassandra-gocql-driver/v2"
)

// CQLSession is a Backend over a Cassandra cluster.
type CQLSession struct {
	cluster  *gocql.ClusterConfig
	config   Config
	throttle *throttle
	logger   *slog.Logger

	mu       sync.RWMutex
	session  *gocql.Session
	keyspace string
}

// NewCQLSession connects to the cluster. If config.Keyspace is set it becomes
// the active keyspace.
func NewCQLSession(cluster *gocql.ClusterConfig, config Config, logger *slog.Logger) (*CQLSession, error) {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	ks := ""
	if config.Keyspace != "" {
		n, err := NormalizeName(config.Keyspace)
		if err != nil {
			return nil, NewError("cql.connect", ErrInvalidName, err)
		}
		ks = n
	}
	cluster.Keyspace = ks
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, classifyCQL("cql.connect", err)
	}
	return &CQLSession{
		cluster:  cluster,
		config:   config,
		throttle: newThrottle(config.WriteBatchSize, config.WriteRate),
		logger:   logger,
		session:  session,
		keyspace: ks,
	}, nil
}

func (s *CQLSession) current() *gocql.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// Keyspace returns the active keyspace.
func (s *CQLSession) Keyspace() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyspace
}

// Qualify returns keyspace.table, or table when no keyspace is active.
func (s *CQLSession) Qualify(table string) string {
	if ks := s.Keyspace(); ks != "" {
		return ks + "." + table
	}
	return table
}

// Execute runs one statement.
func (s *CQLSession) Execute(ctx context.Context, kind OpKind, stmt string, params ...any) (*Relation, error) {
	q := s.current().Query(stmt, params...)
	if kind == OpWrite {
		return nil, classifyCQL("cql.execute", q.ExecContext(ctx))
	}
	rel, err := readIter(q.IterContext(ctx))
	if err != nil {
		return nil, classifyCQL("cql.execute", err)
	}
	return rel, nil
}

// ExecuteBatch submits the fragments as one logged batch statement.
func (s *CQLSession) ExecuteBatch(ctx context.Context, fragments []string) error {
	if len(fragments) == 0 {
		return NewError("cql.batch", ErrStatement, ErrEmptyBatch)
	}
	err := s.current().Query(BatchEnvelope(fragments, true)).ExecContext(ctx)
	return classifyCQL("cql.batch", err)
}

// CreateKeyspace creates the keyspace if it does not exist.
func (s *CQLSession) CreateKeyspace(ctx context.Context, ks Keyspace) error {
	stmt, err := createKeyspaceCQL(ks)
	if err != nil {
		return NewError("cql.keyspace.create", ErrStatement, err)
	}
	return classifyCQL("cql.keyspace.create", s.current().Query(stmt).ExecContext(ctx))
}

// DropKeyspace drops the keyspace if it exists.
func (s *CQLSession) DropKeyspace(ctx context.Context, name string) error {
	n, err := NormalizeName(name)
	if err != nil {
		return NewError("cql.keyspace.drop", ErrInvalidName, err)
	}
	return classifyCQL("cql.keyspace.drop", s.current().Query("DROP KEYSPACE IF EXISTS "+n).ExecContext(ctx))
}

// UseKeyspace reconnects with name as the session keyspace. The driver
// rejects USE statements, so switching means a new session.
func (s *CQLSession) UseKeyspace(ctx context.Context, name string) error {
	n, err := NormalizeName(name)
	if err != nil {
		return NewError("cql.keyspace.use", ErrInvalidName, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == s.keyspace {
		return nil
	}
	s.cluster.Keyspace = n
	session, err := s.cluster.CreateSession()
	if err != nil {
		s.cluster.Keyspace = s.keyspace
		return classifyCQL("cql.keyspace.use", err)
	}
	old := s.session
	s.session, s.keyspace = session, n
	old.Close()
	s.logger.Debug("switched keyspace", "keyspace", n)
	return nil
}

// ScanTable reads every row of keyspace.table.
func (s *CQLSession) ScanTable(ctx context.Context, keyspace, table string) (*Relation, error) {
	name, err := qualifiedName(keyspace, table)
	if err != nil {
		return nil, NewError("cql.scan", ErrInvalidName, err)
	}
	rel, err := readIter(s.current().Query("SELECT * FROM " + name).IterContext(ctx))
	if err != nil {
		return nil, classifyCQL("cql.scan", err)
	}
	s.logger.Debug("scanned table", "table", name, "rows", len(rel.Rows))
	return rel, nil
}

// WriteTable writes rel into keyspace.table in unlogged batches.
// Overwrite truncates first; the truncate and the inserts are not atomic.
func (s *CQLSession) WriteTable(ctx context.Context, keyspace, table string, rel *Relation, opts WriteOptions) error {
	name, err := qualifiedName(keyspace, table)
	if err != nil {
		return NewError("cql.write", ErrInvalidName, err)
	}
	consistency, err := cqlConsistency(opts.Consistency, s.config.WriteConsistency)
	if err != nil {
		return NewError("cql.write", ErrStatement, err)
	}
	session := s.current()

	if opts.Mode == ModeOverwrite {
		if err := session.Query("TRUNCATE " + name).ExecContext(ctx); err != nil {
			return classifyCQL("cql.write", err)
		}
	}
	if len(rel.Rows) == 0 {
		return nil
	}

	insert := insertCQL(name, rel.ColumnNames())
	written := 0
	err = s.throttle.each(ctx, rel.Rows, func(chunk []Row) error {
		fragments := make([]string, len(chunk))
		params := make([]any, 0, len(chunk)*len(rel.Columns))
		for i, row := range chunk {
			coerced, err := coerceRow(rel.Columns, row)
			if err != nil {
				return NewError("cql.write", ErrSchemaMismatch, err)
			}
			fragments[i] = insert
			params = append(params, coerced...)
		}
		q := session.Query(BatchEnvelope(fragments, false), params...).Consistency(consistency)
		if err := q.ExecContext(ctx); err != nil {
			return classifyCQL("cql.write", err)
		}
		written += len(chunk)
		return nil
	})
	if err != nil {
		return classifyCQL("cql.write", err)
	}
	s.logger.Debug("wrote table", "table", name, "mode", opts.Mode, "rows", written)
	return nil
}

// Close closes the underlying session.
func (s *CQLSession) Close() {
	s.current().Close()
}

func readIter(iter *gocql.Iter) (*Relation, error) {
	cols := iter.Columns()
	rel := &Relation{Columns: make([]Column, len(cols))}
	for i, c := range cols {
		rel.Columns[i] = Column{Name: c.Name, Kind: cqlKind(c.TypeInfo)}
	}
	for {
		m := make(map[string]any, len(cols))
		if !iter.MapScan(m) {
			break
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[i] = m[c.Name]
		}
		rel.Rows = append(rel.Rows, row)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return rel, nil
}

// cqlKind maps a declared CQL column type to a Kind. Types the layer cannot
// convert (varint, decimal, time, duration, custom) stay unknown and pass
// through to the driver untouched.
func cqlKind(info gocql.TypeInfo) Kind {
	if info == nil {
		return KindUnknown
	}
	switch info.Type() {
	case gocql.TypeBigInt, gocql.TypeInt, gocql.TypeSmallInt, gocql.TypeTinyInt, gocql.TypeCounter:
		return KindInt
	case gocql.TypeDouble:
		return KindFloat
	case gocql.TypeFloat:
		return KindFloat32
	case gocql.TypeText, gocql.TypeVarchar, gocql.TypeAscii, gocql.TypeUUID, gocql.TypeTimeUUID, gocql.TypeInet:
		return KindText
	case gocql.TypeBoolean:
		return KindBool
	case gocql.TypeTimestamp, gocql.TypeDate:
		return KindTimestamp
	case gocql.TypeBlob:
		return KindBlob
	case gocql.TypeList, gocql.TypeSet, gocql.TypeMap, gocql.TypeUDT, gocql.TypeTuple:
		return KindJSON
	}
	return KindUnknown
}

// BatchEnvelope wraps statement fragments into one CQL batch statement.
func BatchEnvelope(fragments []string, logged bool) string {
	var b strings.Builder
	if logged {
		b.WriteString("BEGIN BATCH\n")
	} else {
		b.WriteString("BEGIN UNLOGGED BATCH\n")
	}
	for _, f := range fragments {
		f = strings.TrimRight(strings.TrimSpace(f), ";")
		if f == "" {
			continue
		}
		b.WriteString("  ")
		b.WriteString(f)
		b.WriteString(";\n")
	}
	b.WriteString("APPLY BATCH;")
	return b.String()
}

func createKeyspaceCQL(ks Keyspace) (string, error) {
	name, err := NormalizeName(ks.Name)
	if err != nil {
		return "", err
	}
	strategy := ks.Strategy
	if strategy == "" {
		strategy = "SimpleStrategy"
	}
	for _, r := range strategy {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '.') {
			return "", fmt.Errorf("invalid replication strategy %q", strategy)
		}
	}
	rf := ks.ReplicationFactor
	if rf < 1 {
		rf = 2
	}
	return fmt.Sprintf(
		"CREATE KEYSPACE IF NOT EXISTS %s WITH replication = { 'class': '%s', 'replication_factor': '%d' }",
		name, strategy, rf,
	), nil
}

func insertCQL(table string, columns []string) string {
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(quoted, ", "), strings.Join(marks, ", "))
}

func qualifiedName(keyspace, table string) (string, error) {
	t, err := NormalizeName(table)
	if err != nil {
		return "", err
	}
	if keyspace == "" {
		return t, nil
	}
	ks, err := NormalizeName(keyspace)
	if err != nil {
		return "", err
	}
	return ks + "." + t, nil
}

// quoteIdent leaves plain lowercase identifiers bare and double-quotes the rest.
func quoteIdent(name string) string {
	if validIdentifier(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func cqlConsistency(c, fallback Consistency) (gocql.Consistency, error) {
	if c == "" {
		c = fallback
	}
	switch Consistency(upper(string(c))) {
	case ConsistencyOne:
		return gocql.One, nil
	case ConsistencyQuorum:
		return gocql.Quorum, nil
	case ConsistencyAll:
		return gocql.All, nil
	case "LOCAL_ONE":
		return gocql.LocalOne, nil
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum, nil
	case "TWO":
		return gocql.Two, nil
	case "THREE":
		return gocql.Three, nil
	}
	return 0, fmt.Errorf("unknown consistency %q", c)
}

// classifyCQL maps driver errors onto the connectivity and statement kinds.
func classifyCQL(op string, err error) error {
	if err == nil {
		return nil
	}
	var reqErr gocql.RequestError
	if errors.As(err, &reqErr) {
		return NewError(op, ErrStatement, err)
	}
	var netErr net.Error
	switch {
	case errors.Is(err, gocql.ErrNoConnections),
		errors.Is(err, gocql.ErrNoHosts),
		errors.Is(err, gocql.ErrSessionClosed),
		errors.Is(err, gocql.ErrConnectionClosed),
		errors.Is(err, gocql.ErrTimeoutNoResponse),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		return NewError(op, ErrConnectivity, err)
	}
	return NewError(op, ErrStatement, err)
}
