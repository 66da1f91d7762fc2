// Package stream provides DynamoDB Streams handlers that keep primary key
// counters ahead of the keys actually written.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jacentio/colonnade/store"
)

// CounterStore reads and records per-table counter values.
// *pk.Counter implements it.
type CounterStore interface {
	Current(ctx context.Context, table string) (int64, bool, error)
	Advance(ctx context.Context, table string, next int64) error
}

// Config holds configuration for the Handler.
type Config struct {
	// Keyspace restricts processing to tables carrying this prefix.
	// Empty accepts every table.
	Keyspace string

	// KeyColumn is the numeric key attribute read from new images.
	// Default: "pk"
	KeyColumn string

	// CounterTable is skipped so counter writes do not feed back.
	// Default: "nextpk"
	CounterTable string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyColumn:    "pk",
		CounterTable: "nextpk",
	}
}

func (c *Config) validate() {
	if c.KeyColumn == "" {
		c.KeyColumn = "pk"
	}
	if c.CounterTable == "" {
		c.CounterTable = "nextpk"
	}
	c.Keyspace = strings.ToLower(strings.TrimSpace(c.Keyspace))
	c.CounterTable = strings.ToLower(strings.TrimSpace(c.CounterTable))
}

// Handler processes DynamoDB stream events for counter advances.
type Handler struct {
	counter CounterStore
	config  Config
	logger  *slog.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(counter CounterStore, config Config, logger *slog.Logger) *Handler {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		counter: counter,
		config:  config,
		logger:  logger,
	}
}

// HandleAdvance moves the counter of every table that received an INSERT
// to one past the largest inserted key, unless the counter is already there.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleAdvance(ctx context.Context, event events.DynamoDBEvent) error {
	highest := make(map[string]int64)
	for _, record := range event.Records {
		table, key, ok := h.inserted(record)
		if !ok {
			continue
		}
		if cur, seen := highest[table]; !seen || key > cur {
			highest[table] = key
		}
	}

	tables := make([]string, 0, len(highest))
	for t := range highest {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, table := range tables {
		if err := h.advance(ctx, table, highest[table]); err != nil {
			h.logger.Error("failed to advance counter",
				"table", table,
				"error", err,
			)
			return err // Will retry, eventually DLQ
		}
	}
	return nil
}

// inserted returns the table and key of an INSERT record this handler owns.
func (h *Handler) inserted(record events.DynamoDBEventRecord) (string, int64, bool) {
	if record.EventName != "INSERT" {
		return "", 0, false
	}
	keyspace, table, err := SourceTable(record.EventSourceArn)
	if err != nil {
		h.logger.Warn("skipping record with unreadable source", "eventID", record.EventID, "error", err)
		return "", 0, false
	}
	if h.config.Keyspace != "" && keyspace != h.config.Keyspace {
		return "", 0, false
	}
	if table == h.config.CounterTable {
		return "", 0, false
	}
	key, ok := getNumberAttr(record.Change.NewImage, h.config.KeyColumn)
	if !ok {
		h.logger.Debug("skipping record without numeric key",
			"eventID", record.EventID,
			"table", table,
			"keyColumn", h.config.KeyColumn,
		)
		return "", 0, false
	}
	return table, key, true
}

func (h *Handler) advance(ctx context.Context, table string, key int64) error {
	if key == math.MaxInt64 {
		return fmt.Errorf("key %d on %s leaves no room for a successor", key, table)
	}
	next := key + 1
	cur, found, err := h.counter.Current(ctx, table)
	if err != nil {
		return fmt.Errorf("read counter: %w", err)
	}
	if found && cur >= next {
		h.logger.Debug("counter already ahead", "table", table, "counter", cur, "key", key)
		return nil
	}
	if err := h.counter.Advance(ctx, table, next); err != nil {
		return fmt.Errorf("advance counter: %w", err)
	}
	h.logger.Info("counter advanced",
		"table", table,
		"from", cur,
		"to", next,
	)
	return nil
}

// SourceTable splits a stream ARN such as
// arn:aws:dynamodb:us-east-1:123456789012:table/app.channels/stream/2024-01-01T00:00:00.000
// into its keyspace prefix and table name.
func SourceTable(arn string) (keyspace, table string, err error) {
	_, rest, ok := strings.Cut(arn, ":table/")
	if !ok {
		return "", "", fmt.Errorf("no table in arn %q", arn)
	}
	name, _, _ := strings.Cut(rest, "/")
	if ks, t, dotted := strings.Cut(name, "."); dotted {
		keyspace, name = ks, t
		if keyspace, err = store.NormalizeName(keyspace); err != nil {
			return "", "", err
		}
	}
	if table, err = store.NormalizeName(name); err != nil {
		return "", "", err
	}
	return keyspace, table, nil
}

// getNumberAttr extracts an integral number attribute from a DynamoDB stream image.
func getNumberAttr(image map[string]events.DynamoDBAttributeValue, key string) (int64, bool) {
	v, ok := image[key]
	if !ok || v.DataType() != events.DataTypeNumber {
		return 0, false
	}
	if n, err := strconv.ParseInt(v.Number(), 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(v.Number(), 64)
	if err != nil || f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
