// Command colonnade manages keyspaces, runs statements and queries, and
// serves the HTTP API over a Cassandra or DynamoDB column store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacentio/colonnade/internal/app"
	"github.com/jacentio/colonnade/internal/config"
)

var (
	v          = viper.New()
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "colonnade",
	Short:         "SQL over a column-family store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logger = cfg.Log.NewLogger(os.Stderr)
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default ./colonnade.yaml)")
	flags.String("backend", "cql", "store backend: cql or dynamo")
	flags.StringSlice("hosts", []string{"127.0.0.1"}, "Cassandra contact points")
	flags.String("keyspace", "", "active keyspace")
	flags.String("region", "", "AWS region for the dynamo backend")
	flags.String("endpoint", "", "DynamoDB endpoint override")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("log-level", "info", "log level")

	for key, flag := range map[string]string{
		"store.backend":  "backend",
		"store.hosts":    "hosts",
		"store.keyspace": "keyspace",
		"store.region":   "region",
		"store.endpoint": "endpoint",
		"log.format":     "log-format",
		"log.level":      "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(
		keyspaceCmd(),
		execCmd(),
		batchCmd(),
		selectCmd(),
		insertCmd(),
		deleteCmd(),
		nextPKCmd(),
		shellCmd(),
		serveCmd(),
	)
}

// withApp opens the App for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.Open(ctx, *cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
