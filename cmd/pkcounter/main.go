// Command pkcounter is an AWS Lambda that consumes DynamoDB stream INSERT
// events and keeps each table's primary key counter one past its largest key.
//
// Configuration comes from COLONNADE_* environment variables; the store
// backend is always DynamoDB.
package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/viper"

	"github.com/jacentio/colonnade/diag"
	"github.com/jacentio/colonnade/internal/app"
	"github.com/jacentio/colonnade/internal/config"
	"github.com/jacentio/colonnade/pk"
	"github.com/jacentio/colonnade/store"
	"github.com/jacentio/colonnade/stream"
)

var _ stream.CounterStore = (*pk.Counter)(nil)

func main() {
	cfg, err := config.Load(viper.New(), os.Getenv("COLONNADE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg.Store.Backend = "dynamo"
	logger := cfg.Log.NewLogger(os.Stdout)

	backend, err := app.OpenBackend(context.Background(), *cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer backend.Close()

	reporter := diag.NewLogReporter(logger, store.LocationOf)
	counter := pk.NewCounter(store.NewExecutor(backend, logger, reporter), backend, pk.Config{
		CounterTable: cfg.Keys.Counter,
		KeyColumn:    cfg.Keys.Column,
	}, logger)

	handler := stream.NewHandler(counter, stream.Config{
		Keyspace:     cfg.Store.Keyspace,
		KeyColumn:    cfg.Keys.Column,
		CounterTable: cfg.Keys.Counter,
	}, logger)

	lambda.Start(handler.HandleAdvance)
}
