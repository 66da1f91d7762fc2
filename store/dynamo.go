package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
)

// maxTransactStatements is DynamoDB's limit on statements per ExecuteTransaction.
const maxTransactStatements = 100

// maxBatchWrite is DynamoDB's limit on requests per BatchWriteItem.
const maxBatchWrite = 25

// DynamoAPI is the subset of the DynamoDB client used by DynamoSession.
type DynamoAPI interface {
	ExecuteStatement(ctx context.Context, in *dynamodb.ExecuteStatementInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ExecuteStatementOutput, error)
	ExecuteTransaction(ctx context.Context, in *dynamodb.ExecuteTransactionInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ExecuteTransactionOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	ListTables(ctx context.Context, in *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
	DeleteTable(ctx context.Context, in *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
}

// DynamoSession is a Backend over DynamoDB. Statements are PartiQL.
// DynamoDB has no keyspaces: keyspace ks maps to the table-name prefix "ks.",
// so table t in ks is the DynamoDB table "ks.t".
type DynamoSession struct {
	api      DynamoAPI
	config   Config
	throttle *throttle
	logger   *slog.Logger

	mu       sync.RWMutex
	keyspace string
	keys     map[string][]Column
}

// NewDynamoSession creates a DynamoSession over api.
func NewDynamoSession(api DynamoAPI, config Config, logger *slog.Logger) (*DynamoSession, error) {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	size := config.WriteBatchSize
	if size > maxBatchWrite {
		size = maxBatchWrite
	}
	s := &DynamoSession{
		api:      api,
		config:   config,
		throttle: newThrottle(size, config.WriteRate),
		logger:   logger,
		keys:     make(map[string][]Column),
	}
	if config.Keyspace != "" {
		ks, err := NormalizeName(config.Keyspace)
		if err != nil {
			return nil, NewError("dynamo.connect", ErrInvalidName, err)
		}
		s.keyspace = ks
	}
	return s, nil
}

// Keyspace returns the active keyspace.
func (s *DynamoSession) Keyspace() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keyspace
}

// Qualify returns the quoted PartiQL name of table in the active keyspace.
func (s *DynamoSession) Qualify(table string) string {
	return `"` + dynamoTableName(s.Keyspace(), table) + `"`
}

// Execute runs one PartiQL statement, following pagination for reads.
func (s *DynamoSession) Execute(ctx context.Context, kind OpKind, stmt string, params ...any) (*Relation, error) {
	avs := make([]types.AttributeValue, len(params))
	for i, p := range params {
		av, err := attributevalue.Marshal(p)
		if err != nil {
			return nil, NewError("dynamo.execute", ErrStatement, fmt.Errorf("param %d: %w", i, err))
		}
		avs[i] = av
	}
	in := &dynamodb.ExecuteStatementInput{Statement: aws.String(stmt)}
	if len(avs) > 0 {
		in.Parameters = avs
	}

	if kind == OpWrite {
		_, err := s.api.ExecuteStatement(ctx, in)
		return nil, classifyDynamo("dynamo.execute", err)
	}

	var items []map[string]types.AttributeValue
	for {
		out, err := s.api.ExecuteStatement(ctx, in)
		if err != nil {
			return nil, classifyDynamo("dynamo.execute", err)
		}
		items = append(items, out.Items...)
		if out.NextToken == nil {
			break
		}
		in.NextToken = out.NextToken
	}
	rel, err := relationFromItems(items, nil)
	if err != nil {
		return nil, NewError("dynamo.execute", ErrStatement, err)
	}
	return rel, nil
}

// ExecuteBatch submits the fragments as one ExecuteTransaction.
func (s *DynamoSession) ExecuteBatch(ctx context.Context, fragments []string) error {
	if len(fragments) == 0 {
		return NewError("dynamo.batch", ErrStatement, ErrEmptyBatch)
	}
	if len(fragments) > maxTransactStatements {
		return NewError("dynamo.batch", ErrStatement,
			fmt.Errorf("batch has %d statements, limit is %d", len(fragments), maxTransactStatements))
	}
	stmts := make([]types.ParameterizedStatement, len(fragments))
	for i, f := range fragments {
		stmts[i] = types.ParameterizedStatement{Statement: aws.String(strings.TrimRight(strings.TrimSpace(f), ";"))}
	}
	_, err := s.api.ExecuteTransaction(ctx, &dynamodb.ExecuteTransactionInput{TransactStatements: stmts})
	return classifyDynamo("dynamo.batch", mapTransactionError(err, fragments))
}

// mapTransactionError names the first fragment DynamoDB gave as the reason
// for cancelling a transaction. Nothing in a cancelled transaction was applied.
func mapTransactionError(err error, fragments []string) error {
	if err == nil {
		return nil
	}
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		return err
	}
	for i, reason := range txErr.CancellationReasons {
		code := aws.ToString(reason.Code)
		if code == "" || code == "None" {
			continue
		}
		if i < len(fragments) {
			return NewError("dynamo.batch", ErrStatement,
				fmt.Errorf("statement %d (%s) failed with %s: %w", i, fragments[i], code, err))
		}
		return NewError("dynamo.batch", ErrStatement, fmt.Errorf("statement %d failed with %s: %w", i, code, err))
	}
	return err
}

// CreateKeyspace only validates the name; prefixes need no creation.
func (s *DynamoSession) CreateKeyspace(_ context.Context, ks Keyspace) error {
	if _, err := NormalizeName(ks.Name); err != nil {
		return NewError("dynamo.keyspace.create", ErrInvalidName, err)
	}
	s.logger.Debug("keyspace is a table prefix, nothing to create",
		"keyspace", ks.Name,
		"replicationFactor", ks.ReplicationFactor,
	)
	return nil
}

// DropKeyspace deletes every table whose name carries the keyspace prefix.
func (s *DynamoSession) DropKeyspace(ctx context.Context, name string) error {
	ks, err := NormalizeName(name)
	if err != nil {
		return NewError("dynamo.keyspace.drop", ErrInvalidName, err)
	}
	prefix := ks + "."
	var doomed []string
	paginator := dynamodb.NewListTablesPaginator(s.api, &dynamodb.ListTablesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return classifyDynamo("dynamo.keyspace.drop", err)
		}
		for _, t := range page.TableNames {
			if strings.HasPrefix(t, prefix) {
				doomed = append(doomed, t)
			}
		}
	}
	for _, t := range doomed {
		if _, err := s.api.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(t)}); err != nil {
			var nf *types.ResourceNotFoundException
			if errors.As(err, &nf) {
				continue
			}
			return classifyDynamo("dynamo.keyspace.drop", err)
		}
		s.mu.Lock()
		delete(s.keys, t)
		s.mu.Unlock()
	}
	s.logger.Debug("dropped keyspace tables", "keyspace", ks, "tables", len(doomed))
	return nil
}

// UseKeyspace sets the active table prefix.
func (s *DynamoSession) UseKeyspace(_ context.Context, name string) error {
	ks, err := NormalizeName(name)
	if err != nil {
		return NewError("dynamo.keyspace.use", ErrInvalidName, err)
	}
	s.mu.Lock()
	s.keyspace = ks
	s.mu.Unlock()
	return nil
}

// ScanTable reads every item of keyspace.table. Key attributes come first in
// the column order, the remaining attributes follow sorted by name.
func (s *DynamoSession) ScanTable(ctx context.Context, keyspace, table string) (*Relation, error) {
	name, err := s.resolve(keyspace, table)
	if err != nil {
		return nil, NewError("dynamo.scan", ErrInvalidName, err)
	}
	keys, err := s.keySchema(ctx, name)
	if err != nil {
		return nil, err
	}
	items, err := s.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(name)})
	if err != nil {
		return nil, classifyDynamo("dynamo.scan", err)
	}
	rel, err := relationFromItems(items, keys)
	if err != nil {
		return nil, NewError("dynamo.scan", ErrStatement, err)
	}
	s.logger.Debug("scanned table", "table", name, "rows", len(rel.Rows))
	return rel, nil
}

// WriteTable puts rel's rows into keyspace.table. Overwrite deletes every
// existing item first. Writes are acknowledged by DynamoDB itself, so
// opts.Consistency has no effect here.
func (s *DynamoSession) WriteTable(ctx context.Context, keyspace, table string, rel *Relation, opts WriteOptions) error {
	name, err := s.resolve(keyspace, table)
	if err != nil {
		return NewError("dynamo.write", ErrInvalidName, err)
	}

	if opts.Mode == ModeOverwrite {
		if err := s.truncate(ctx, name); err != nil {
			return err
		}
	}

	err = s.throttle.each(ctx, rel.Rows, func(chunk []Row) error {
		reqs := make([]types.WriteRequest, 0, len(chunk))
		for _, row := range chunk {
			coerced, err := coerceRow(rel.Columns, row)
			if err != nil {
				return NewError("dynamo.write", ErrSchemaMismatch, err)
			}
			m := make(map[string]any, len(coerced))
			for i, v := range coerced {
				if v != nil {
					m[rel.Columns[i].Name] = v
				}
			}
			item, err := attributevalue.MarshalMap(m)
			if err != nil {
				return NewError("dynamo.write", ErrSchemaMismatch, err)
			}
			reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		}
		return s.batchWrite(ctx, name, reqs)
	})
	if err != nil {
		return classifyDynamo("dynamo.write", err)
	}
	s.logger.Debug("wrote table", "table", name, "mode", opts.Mode, "rows", len(rel.Rows))
	return nil
}

// Close is a no-op; the AWS client holds no session.
func (s *DynamoSession) Close() {}

func (s *DynamoSession) resolve(keyspace, table string) (string, error) {
	t, err := NormalizeName(table)
	if err != nil {
		return "", err
	}
	if keyspace == "" {
		return dynamoTableName(s.Keyspace(), t), nil
	}
	ks, err := NormalizeName(keyspace)
	if err != nil {
		return "", err
	}
	return dynamoTableName(ks, t), nil
}

func (s *DynamoSession) keySchema(ctx context.Context, name string) ([]Column, error) {
	s.mu.RLock()
	keys, ok := s.keys[name]
	s.mu.RUnlock()
	if ok {
		return keys, nil
	}

	out, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	if err != nil {
		return nil, classifyDynamo("dynamo.describe", err)
	}
	declared := make(map[string]types.ScalarAttributeType, len(out.Table.AttributeDefinitions))
	for _, d := range out.Table.AttributeDefinitions {
		declared[aws.ToString(d.AttributeName)] = d.AttributeType
	}
	keys = make([]Column, 0, 2)
	// HASH before RANGE
	for _, want := range []types.KeyType{types.KeyTypeHash, types.KeyTypeRange} {
		for _, k := range out.Table.KeySchema {
			if k.KeyType == want {
				name := aws.ToString(k.AttributeName)
				keys = append(keys, Column{Name: name, Kind: dynamoKind(declared[name])})
			}
		}
	}
	s.mu.Lock()
	s.keys[name] = keys
	s.mu.Unlock()
	return keys, nil
}

func (s *DynamoSession) scan(ctx context.Context, in *dynamodb.ScanInput) ([]map[string]types.AttributeValue, error) {
	var items []map[string]types.AttributeValue
	paginator := dynamodb.NewScanPaginator(s.api, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Items...)
	}
	return items, nil
}

// truncate deletes every item of the table by key.
func (s *DynamoSession) truncate(ctx context.Context, name string) error {
	keys, err := s.keySchema(ctx, name)
	if err != nil {
		return err
	}
	names := make(map[string]string, len(keys))
	proj := make([]string, len(keys))
	for i, k := range keys {
		placeholder := fmt.Sprintf("#k%d", i)
		names[placeholder] = k.Name
		proj[i] = placeholder
	}
	items, err := s.scan(ctx, &dynamodb.ScanInput{
		TableName:                aws.String(name),
		ProjectionExpression:     aws.String(strings.Join(proj, ", ")),
		ExpressionAttributeNames: names,
	})
	if err != nil {
		return classifyDynamo("dynamo.truncate", err)
	}
	for start := 0; start < len(items); start += maxBatchWrite {
		end := start + maxBatchWrite
		if end > len(items) {
			end = len(items)
		}
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, item := range items[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: item}})
		}
		if err := s.batchWrite(ctx, name, reqs); err != nil {
			return classifyDynamo("dynamo.truncate", err)
		}
	}
	s.logger.Debug("truncated table", "table", name, "items", len(items))
	return nil
}

// batchWrite submits reqs and resubmits whatever DynamoDB reports as unprocessed.
func (s *DynamoSession) batchWrite(ctx context.Context, name string, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{name: reqs}
	backoff := 50 * time.Millisecond
	for attempt := 0; len(pending[name]) > 0; attempt++ {
		if attempt == 8 {
			return fmt.Errorf("%d write requests left unprocessed on %s", len(pending[name]), name)
		}
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		out, err := s.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			return err
		}
		pending = out.UnprocessedItems
		if pending == nil {
			pending = map[string][]types.WriteRequest{}
		}
	}
	return nil
}

func dynamoTableName(keyspace, table string) string {
	if keyspace == "" {
		return table
	}
	return keyspace + "." + table
}

// dynamoKind maps a declared key attribute type to a Kind.
func dynamoKind(t types.ScalarAttributeType) Kind {
	switch t {
	case types.ScalarAttributeTypeN:
		return KindNumber
	case types.ScalarAttributeTypeS:
		return KindText
	case types.ScalarAttributeTypeB:
		return KindBlob
	}
	return KindUnknown
}

// relationFromItems converts items to a Relation. keys, if given, lead the
// column order and keep their declared kinds. Every number attribute is
// KindNumber, since DynamoDB does not tell integers from floats.
// The relation is open: items may carry attributes no other item has.
func relationFromItems(items []map[string]types.AttributeValue, keys []Column) (*Relation, error) {
	seen := make(map[string]bool)
	var rest []string
	for _, k := range keys {
		seen[k.Name] = true
	}
	for _, item := range items {
		for attr := range item {
			if !seen[attr] {
				seen[attr] = true
				rest = append(rest, attr)
			}
		}
	}
	sort.Strings(rest)

	rel := &Relation{Columns: make([]Column, 0, len(keys)+len(rest)), Open: true}
	rel.Columns = append(rel.Columns, keys...)
	for _, n := range rest {
		rel.Columns = append(rel.Columns, Column{Name: n})
	}
	names := rel.ColumnNames()
	for _, item := range items {
		var m map[string]any
		err := attributevalue.UnmarshalMapWithOptions(item, &m, func(o *attributevalue.DecoderOptions) {
			o.UseNumber = true
		})
		if err != nil {
			return nil, err
		}
		row := make(Row, len(names))
		for i, n := range names {
			row[i] = fromDynamo(m[n])
		}
		rel.Rows = append(rel.Rows, row)
	}
	for i, c := range rel.Columns {
		if c.Kind != KindUnknown {
			continue
		}
		for _, row := range rel.Rows {
			if row[i] == nil {
				continue
			}
			switch row[i].(type) {
			case int64, float64:
				rel.Columns[i].Kind = KindNumber
			}
			break
		}
	}
	rel.InferKinds()
	return rel, nil
}

// fromDynamo turns decoded numbers into int64 or float64, recursively.
func fromDynamo(v any) any {
	switch x := v.(type) {
	case attributevalue.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		f, err := x.Float64()
		if err != nil {
			return x.String()
		}
		return f
	case []any:
		for i := range x {
			x[i] = fromDynamo(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = fromDynamo(x[k])
		}
		return x
	}
	return v
}

// classifyDynamo maps AWS errors onto the connectivity and statement kinds.
// Throttling and service-side unavailability count as connectivity.
func classifyDynamo(op string, err error) error {
	if err == nil {
		return nil
	}
	if ErrorKind(err) != nil {
		return NewError(op, nil, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ProvisionedThroughputExceededException",
			"RequestLimitExceeded", "ServiceUnavailable", "InternalServerError":
			return NewError(op, ErrConnectivity, err)
		}
		return NewError(op, ErrStatement, err)
	}
	return NewError(op, ErrConnectivity, err)
}
