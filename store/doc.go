// Package store provides statement-level access to a partition-tolerant
// column store.
//
// Two backends implement [Backend]: [CQLSession] over Cassandra and
// [DynamoSession] over DynamoDB PartiQL. On DynamoDB a keyspace is a table
// name prefix, so table t in keyspace ks is the DynamoDB table "ks.t".
//
// # Key Features
//
//   - Idempotent keyspace creation with replication settings
//   - Read and write statements with the result shape chosen by the caller
//   - Atomic batches of pre-rendered statement fragments
//   - Whole-table scans and rate-limited whole-table writes
//
// # Statements
//
// The caller says what a statement produces; the text is never inspected:
//
//	exec := store.NewExecutor(session, logger, nil)
//	rows, err := exec.Query(ctx, "SELECT pk FROM nextpk WHERE tablename = ?", "channels")
//	err = exec.Exec(ctx, "UPDATE nextpk SET pk = ? WHERE tablename = ?", 7, "channels")
//
// Batch fragments cannot carry bound parameters. Render them first:
//
//	stmt, err := store.RenderStatement("INSERT INTO t (pk, name) VALUES (?, ?)", 1, "a")
//
// # Names
//
// Keyspace, table and view names are lowercased and must be plain
// identifiers. See [NormalizeName].
//
// # Errors
//
// Failures are [*Error] values carrying a kind that errors.Is matches:
//
//   - [ErrConnectivity] - the backend could not be reached
//   - [ErrStatement] - the backend rejected a statement or batch
//   - [ErrSchemaMismatch] - rows do not fit a table's schema
//
// Every failure is also passed to a [diag.Reporter].
package store
