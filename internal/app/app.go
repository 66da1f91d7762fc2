// Package app wires a store backend, the query engine and the table
// operations into one handle shared by the CLI, the HTTP API and the shell.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gocql "github.com/apache/cassandra-gocql-driver/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/jacentio/colonnade/diag"
	"github.com/jacentio/colonnade/engine"
	"github.com/jacentio/colonnade/internal/config"
	"github.com/jacentio/colonnade/mutate"
	"github.com/jacentio/colonnade/pk"
	"github.com/jacentio/colonnade/store"
)

// Strategy names accepted by NextPK.
const (
	StrategyCounter = "counter"
	StrategyMax     = "max"
)

// App holds every component built from one Config.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Reporter  diag.Reporter
	Backend   store.Backend
	Executor  *store.Executor
	Keyspaces *store.KeyspaceManager
	Engine    *engine.Engine
	Router    *engine.Router
	Mutator   *mutate.Mutator
	Counter   *pk.Counter
}

// Open connects to the configured backend and builds the App on top of it.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	backend, err := OpenBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a, err := New(backend, cfg, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return a, nil
}

// OpenBackend connects to the store named by cfg.Store.Backend.
func OpenBackend(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Backend, error) {
	sc := StoreConfig(cfg)
	switch cfg.Store.Backend {
	case "dynamo":
		var opts []func(*awsconfig.LoadOptions) error
		if cfg.Store.Region != "" {
			opts = append(opts, awsconfig.WithRegion(cfg.Store.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, store.NewError("dynamo.connect", store.ErrConnectivity, err)
		}
		client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if cfg.Store.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Store.Endpoint)
			}
		})
		logger.Info("using dynamodb backend", "region", awsCfg.Region, "keyspace", sc.Keyspace)
		return store.NewDynamoSession(client, sc, logger)
	case "cql", "":
		cluster := gocql.NewCluster(cfg.Store.Hosts...)
		if cfg.Store.Username != "" {
			cluster.Authenticator = gocql.PasswordAuthenticator{
				Username: cfg.Store.Username,
				Password: cfg.Store.Password,
			}
		}
		logger.Info("using cassandra backend", "hosts", strings.Join(cfg.Store.Hosts, ","), "keyspace", sc.Keyspace)
		return store.NewCQLSession(cluster, sc, logger)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// StoreConfig derives the store package configuration from cfg.
func StoreConfig(cfg config.Config) store.Config {
	sc := store.DefaultConfig()
	sc.Keyspace = cfg.Store.Keyspace
	if cfg.Store.Consistency != "" {
		sc.WriteConsistency = store.Consistency(strings.ToUpper(cfg.Store.Consistency))
	}
	if cfg.Store.BatchSize > 0 {
		sc.WriteBatchSize = cfg.Store.BatchSize
	}
	sc.WriteRate = cfg.Store.Rate
	return sc
}

// New builds the App over an already connected backend.
func New(backend store.Backend, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	reporter := diag.NewLogReporter(logger, store.LocationOf)

	eng, err := engine.Open(backend, engine.Config{DSN: cfg.Engine.DSN}, logger)
	if err != nil {
		return nil, err
	}
	router := engine.NewRouter(engine.NewBinder(eng, logger), logger, reporter)
	exec := store.NewExecutor(backend, logger, reporter)

	consistency := store.ConsistencyOne
	if cfg.Store.Consistency != "" {
		consistency = store.Consistency(strings.ToUpper(cfg.Store.Consistency))
	}
	mutator := mutate.New(router, backend, mutate.Config{
		KeyColumn:        cfg.Keys.Column,
		Consistency:      consistency,
		VerifyGeneration: cfg.Delete.Verify,
	}, logger, reporter)
	counter := pk.NewCounter(exec, backend, pk.Config{
		CounterTable: cfg.Keys.Counter,
		KeyColumn:    cfg.Keys.Column,
	}, logger)

	return &App{
		Config:    cfg,
		Logger:    logger,
		Reporter:  reporter,
		Backend:   backend,
		Executor:  exec,
		Keyspaces: store.NewKeyspaceManager(backend, logger, reporter),
		Engine:    eng,
		Router:    router,
		Mutator:   mutator,
		Counter:   counter,
	}, nil
}

// NextPK returns the next key for table using the named strategy.
func (a *App) NextPK(ctx context.Context, table, strategy string) (int64, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", StrategyCounter:
		return a.Counter.Next(ctx, table)
	case StrategyMax:
		return a.Mutator.NextPK(ctx, table)
	}
	return 0, store.NewError("pk.next", store.ErrStatement,
		fmt.Errorf("unknown strategy %q (want %s or %s)", strategy, StrategyCounter, StrategyMax))
}

// Close releases the engine and the backend.
func (a *App) Close() error {
	err := a.Engine.Close()
	a.Backend.Close()
	return err
}
