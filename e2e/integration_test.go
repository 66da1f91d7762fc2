//go:build e2e

// Package e2e contains end-to-end integration tests against a real Cassandra
// cluster and, optionally, real DynamoDB tables.
// Run with: COLONNADE_E2E_HOSTS=127.0.0.1 go test -tags=e2e -v ./e2e/...
// DynamoDB runs too when COLONNADE_E2E_AWS_PROFILE is set.
package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	gocql "github.com/apache/cassandra-gocql-driver/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/jacentio/colonnade/diag"
	"github.com/jacentio/colonnade/engine"
	"github.com/jacentio/colonnade/mutate"
	"github.com/jacentio/colonnade/pk"
	"github.com/jacentio/colonnade/store"
)

var (
	testID   string
	keyspace string

	cqlSession    *store.CQLSession
	dynamoSession *store.DynamoSession
	ddbClient     *dynamodb.Client
)

// --- Test Setup & Teardown ---

func TestMain(m *testing.M) {
	// Keyspace names are unique per run to avoid conflicts
	testID = strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	keyspace = "colonnade_e2e_" + testID
	fmt.Printf("Test ID: %s\nKeyspace: %s\n", testID, keyspace)

	ctx := context.Background()
	if hosts := os.Getenv("COLONNADE_E2E_HOSTS"); hosts != "" {
		if err := setupCassandra(ctx, strings.Split(hosts, ",")); err != nil {
			fmt.Printf("Failed to set up Cassandra: %v\n", err)
			os.Exit(1)
		}
	}
	if profile := os.Getenv("COLONNADE_E2E_AWS_PROFILE"); profile != "" {
		if err := setupDynamo(ctx, profile); err != nil {
			fmt.Printf("Failed to set up DynamoDB: %v\n", err)
			os.Exit(1)
		}
	}

	code := m.Run()

	if cqlSession != nil {
		if err := cqlSession.DropKeyspace(ctx, keyspace); err != nil {
			fmt.Printf("Warning: failed to drop keyspace: %v\n", err)
		}
		cqlSession.Close()
	}
	if dynamoSession != nil {
		if err := dynamoSession.DropKeyspace(ctx, keyspace); err != nil {
			fmt.Printf("Warning: failed to delete tables: %v\n", err)
		}
	}

	os.Exit(code)
}

func setupCassandra(ctx context.Context, hosts []string) error {
	cluster := gocql.NewCluster(hosts...)
	cluster.Timeout = 30 * time.Second

	s, err := store.NewCQLSession(cluster, store.DefaultConfig(), nil)
	if err != nil {
		return err
	}
	ks := store.NewKeyspaceManager(s, nil, diag.Nop{})
	if err := ks.Create(ctx, store.Keyspace{Name: keyspace, ReplicationFactor: 1}); err != nil {
		return err
	}
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS channels (pk bigint PRIMARY KEY, name text)",
		"CREATE TABLE IF NOT EXISTS nextpk (tablename text PRIMARY KEY, pk bigint)",
	} {
		if _, err := s.Execute(ctx, store.OpWrite, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	cqlSession = s
	return nil
}

func setupDynamo(ctx context.Context, profile string) error {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithSharedConfigProfile(profile))
	if err != nil {
		return err
	}
	ddbClient = dynamodb.NewFromConfig(cfg)

	tables := map[string]string{
		keyspace + ".channels": "pk",
		keyspace + ".nextpk":   "tablename",
	}
	for name, key := range tables {
		attrType := types.ScalarAttributeTypeN
		if key == "tablename" {
			attrType = types.ScalarAttributeTypeS
		}
		_, err := ddbClient.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName: aws.String(name),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(key), KeyType: types.KeyTypeHash},
			},
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String(key), AttributeType: attrType},
			},
			BillingMode: types.BillingModePayPerRequest,
		})
		if err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
	}
	for name := range tables {
		waiter := dynamodb.NewTableExistsWaiter(ddbClient)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, 2*time.Minute); err != nil {
			return fmt.Errorf("wait for table %s: %w", name, err)
		}
	}

	s, err := store.NewDynamoSession(ddbClient, store.Config{Keyspace: keyspace}, nil)
	if err != nil {
		return err
	}
	dynamoSession = s
	return nil
}

// --- Suite ---

// dialect renders the backend-specific statements the suite needs.
type dialect struct {
	insert func(table string, pk int, name string) string
}

var cqlDialect = dialect{
	insert: func(table string, pk int, name string) string {
		return fmt.Sprintf("INSERT INTO %s (pk, name) VALUES (%d, %s)", table, pk, store.RenderLiteral(name))
	},
}

var dynamoDialect = dialect{
	insert: func(table string, pk int, name string) string {
		return fmt.Sprintf(`INSERT INTO "%s.%s" VALUE {'pk': %d, 'name': %s}`, keyspace, table, pk, store.RenderLiteral(name))
	},
}

type fixture struct {
	backend store.Backend
	exec    *store.Executor
	router  *engine.Router
	mutator *mutate.Mutator
	counter *pk.Counter
	rec     *diag.Recorder
}

func newFixture(t *testing.T, backend store.Backend) *fixture {
	t.Helper()
	rec := &diag.Recorder{}
	eng, err := engine.Open(backend, engine.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	router := engine.NewRouter(engine.NewBinder(eng, nil), nil, rec)
	exec := store.NewExecutor(backend, nil, rec)
	return &fixture{
		backend: backend,
		exec:    exec,
		router:  router,
		mutator: mutate.New(router, backend, mutate.DefaultConfig(), nil, rec),
		counter: pk.NewCounter(exec, backend, pk.DefaultConfig(), nil),
		rec:     rec,
	}
}

func backends(t *testing.T) map[string]struct {
	backend store.Backend
	dialect dialect
} {
	out := map[string]struct {
		backend store.Backend
		dialect dialect
	}{}
	if cqlSession != nil {
		out["cassandra"] = struct {
			backend store.Backend
			dialect dialect
		}{cqlSession, cqlDialect}
	}
	if dynamoSession != nil {
		out["dynamodb"] = struct {
			backend store.Backend
			dialect dialect
		}{dynamoSession, dynamoDialect}
	}
	if len(out) == 0 {
		t.Skip("set COLONNADE_E2E_HOSTS or COLONNADE_E2E_AWS_PROFILE")
	}
	return out
}

func reset(t *testing.T, f *fixture, rows ...store.Row) {
	t.Helper()
	rel := &store.Relation{
		Columns: []store.Column{{Name: "pk", Kind: store.KindInt}, {Name: "name", Kind: store.KindText}},
		Rows:    rows,
	}
	err := f.backend.WriteTable(context.Background(), "", "channels", rel, store.WriteOptions{Mode: store.ModeOverwrite})
	if err != nil {
		t.Fatalf("reset channels: %v", err)
	}
}

func names(t *testing.T, f *fixture) string {
	t.Helper()
	res, err := f.router.Select(context.Background(), []string{"channels"}, "SELECT name FROM channels ORDER BY pk", engine.FormatFlat)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	parts := make([]string, len(res.Flat))
	for i, v := range res.Flat {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}

// --- Keyspace Tests ---

func TestKeyspace_CreateIdempotent(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			m := store.NewKeyspaceManager(b.backend, nil, diag.Nop{})
			for i := 0; i < 3; i++ {
				if err := m.Create(context.Background(), store.Keyspace{Name: keyspace, ReplicationFactor: 1}); err != nil {
					t.Fatalf("create %d: %v", i, err)
				}
			}
			if b.backend.Keyspace() != keyspace {
				t.Errorf("expected %s active, got %s", keyspace, b.backend.Keyspace())
			}
		})
	}
}

// --- Primary Key Tests ---

func TestPrimaryKey_MaxScan(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, b.backend)

			reset(t, f)
			n, err := f.mutator.NextPK(context.Background(), "channels")
			if err != nil || n != 1 {
				t.Errorf("expected 1 for empty table, got %d (%v)", n, err)
			}

			reset(t, f, store.Row{int64(1), "a"}, store.Row{int64(2), "b"}, store.Row{int64(5), "e"})
			n, err = f.mutator.NextPK(context.Background(), "channels")
			if err != nil || n != 6 {
				t.Errorf("expected 6, got %d (%v)", n, err)
			}
		})
	}
}

func TestPrimaryKey_Counter(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, b.backend)
			table := "t" + testID

			n, err := f.counter.Next(ctx, table)
			if err != nil || n != 1 {
				t.Fatalf("expected 1 without a record, got %d (%v)", n, err)
			}
			if err := f.counter.Advance(ctx, table, 7); err != nil {
				t.Fatalf("advance: %v", err)
			}
			if err := f.counter.Advance(ctx, table, 9); err != nil {
				t.Fatalf("advance: %v", err)
			}
			n, err = f.counter.Next(ctx, table)
			if err != nil || n != 9 {
				t.Errorf("expected 9, got %d (%v)", n, err)
			}
		})
	}
}

// --- Batch Tests ---

func TestBatch_AllOrNothing(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, b.backend)
			reset(t, f)

			good := []string{b.dialect.insert("channels", 1, "a"), b.dialect.insert("channels", 2, "b")}
			if err := f.exec.ExecuteBatch(ctx, good); err != nil {
				t.Fatalf("batch: %v", err)
			}
			if got := names(t, f); got != "a,b" {
				t.Errorf("expected a,b, got %s", got)
			}

			bad := []string{b.dialect.insert("channels", 3, "c"), "INSERT INTO nowhere_" + testID + " (x) VALUES (1)"}
			if err := f.exec.ExecuteBatch(ctx, bad); !errors.Is(err, store.ErrStatement) {
				t.Errorf("expected ErrStatement, got %v", err)
			}
			if got := names(t, f); got != "a,b" {
				t.Errorf("expected failed batch to apply nothing, got %s", got)
			}

			if err := f.exec.ExecuteBatch(ctx, nil); !errors.Is(err, store.ErrEmptyBatch) {
				t.Errorf("expected ErrEmptyBatch, got %v", err)
			}
		})
	}
}

// --- Mutation Tests ---

func TestDelete_ViaOverwrite(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, b.backend)
			reset(t, f, store.Row{int64(1), "a"}, store.Row{int64(2), "b"}, store.Row{int64(3), "c"})

			res, err := f.mutator.Delete(context.Background(), "channels", "pk = 2")
			if err != nil {
				t.Fatalf("delete: %v", err)
			}
			if res.Deleted != 1 || res.Remaining != 2 {
				t.Errorf("unexpected result %+v", res)
			}
			if got := names(t, f); got != "a,c" {
				t.Errorf("expected a,c, got %s", got)
			}
		})
	}
}

func TestInsert_AppendAndOverwrite(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, b.backend)
			reset(t, f, store.Row{int64(1), "a"})

			if _, err := f.mutator.InsertDocuments(ctx, "channels", []string{`{"pk":2,"name":"b"}`}, store.ModeAppend); err != nil {
				t.Fatalf("append: %v", err)
			}
			if got := names(t, f); got != "a,b" {
				t.Errorf("expected a,b, got %s", got)
			}

			if _, err := f.mutator.Insert(ctx, "channels", []store.Row{{int64(9), "z"}}, store.ModeOverwrite); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			if got := names(t, f); got != "z" {
				t.Errorf("expected z, got %s", got)
			}

			_, err := f.mutator.Insert(ctx, "channels", []store.Row{{"nine", "z"}}, store.ModeAppend)
			if !errors.Is(err, store.ErrSchemaMismatch) {
				t.Errorf("expected ErrSchemaMismatch, got %v", err)
			}
		})
	}
}

// --- Query Tests ---

func TestSelect_FormatsAgree(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, b.backend)
			reset(t, f, store.Row{int64(1), "a"}, store.Row{int64(2), nil})

			query := "SELECT pk, name FROM channels ORDER BY pk"
			rows, err := f.router.Select(ctx, []string{"channels"}, query, engine.FormatDefault)
			if err != nil {
				t.Fatalf("select: %v", err)
			}
			docs, err := f.router.Select(ctx, []string{"channels"}, query, engine.FormatJSON)
			if err != nil {
				t.Fatalf("select json: %v", err)
			}
			if rows.Len() != 2 || docs.Len() != 2 {
				t.Fatalf("expected 2 rows in both formats, got %d and %d", rows.Len(), docs.Len())
			}
			if docs.JSON[0] != `{"pk":1,"name":"a"}` || docs.JSON[1] != `{"pk":2}` {
				t.Errorf("unexpected documents %v", docs.JSON)
			}
		})
	}
}
