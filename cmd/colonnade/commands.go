package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/jacentio/colonnade/engine"
	"github.com/jacentio/colonnade/internal/app"
	"github.com/jacentio/colonnade/internal/server"
	"github.com/jacentio/colonnade/internal/shell"
	"github.com/jacentio/colonnade/store"
)

func keyspaceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keyspace",
		Short: "Create or drop keyspaces",
	}

	var strategy string
	var replication int
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a keyspace if it does not exist and make it active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ks := store.Keyspace{Name: args[0], Strategy: strategy, ReplicationFactor: replication}
				if err := a.Keyspaces.Create(ctx, ks); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "keyspace %s ready\n", a.Backend.Keyspace())
				return nil
			})
		},
	}
	create.Flags().StringVar(&strategy, "strategy", store.DefaultStrategy, "replication strategy class")
	create.Flags().IntVar(&replication, "replication", store.DefaultReplicationFactor, "replication factor")

	drop := &cobra.Command{
		Use:   "drop NAME",
		Short: "Drop a keyspace if it exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Keyspaces.Drop(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(create, drop)
	return cmd
}

func execCmd() *cobra.Command {
	var read bool
	cmd := &cobra.Command{
		Use:   "exec STATEMENT [PARAM...]",
		Short: "Run one statement against the store",
		Long: `Run one statement against the store. Parameters bind to ? placeholders
and are parsed as JSON literals, falling back to plain strings.
Statements are writes unless --read is given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := make([]any, 0, len(args)-1)
			for _, p := range args[1:] {
				params = append(params, parseParam(p))
			}
			kind := store.OpWrite
			if read {
				kind = store.OpRead
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				out, err := a.Executor.Execute(ctx, kind, args[0], params...)
				if err != nil {
					return err
				}
				if out.Acknowledged {
					fmt.Fprintln(cmd.OutOrStdout(), "OK")
					return nil
				}
				return app.PrintRelation(cmd.OutOrStdout(), out.Rows)
			})
		},
	}
	cmd.Flags().BoolVar(&read, "read", false, "statement returns rows")
	return cmd
}

func batchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch [FILE]",
		Short: "Submit statements, one per line, as one atomic batch",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, closeFn, err := input(cmd, args)
			if err != nil {
				return err
			}
			defer closeFn()
			fragments, err := readLines(r)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Executor.ExecuteBatch(ctx, fragments); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d statements\n", len(fragments))
				return nil
			})
		},
	}
}

func selectCmd() *cobra.Command {
	var tables []string
	var format string
	cmd := &cobra.Command{
		Use:   "select QUERY",
		Short: "Load tables into the query engine and run SQL over them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := engine.ParseFormat(format)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Router.Select(ctx, tables, args[0], f)
				if err != nil {
					return err
				}
				return app.PrintResult(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&tables, "tables", "t", nil, "tables the query reads")
	cmd.Flags().StringVarP(&format, "format", "f", "default", "result format: default, json or flat")
	return cmd
}

func insertCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "insert TABLE [FILE]",
		Short: "Insert JSON rows, one object per line",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := store.ParseSaveMode(mode)
			if err != nil {
				return err
			}
			r, closeFn, err := input(cmd, args[1:])
			if err != nil {
				return err
			}
			defer closeFn()
			docs, err := readLines(r)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Mutator.InsertDocuments(ctx, args[0], docs, m)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: wrote %d rows (%s)\n", res.Table, res.Written, res.Mode)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(store.ModeAppend), "save mode: append or overwrite")
	return cmd
}

func deleteCmd() *cobra.Command {
	var where string
	cmd := &cobra.Command{
		Use:   "delete TABLE --where CONDITION",
		Short: "Delete matching rows by overwriting the table with the rest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Mutator.Delete(ctx, args[0], where)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: deleted %d, %d remaining\n", res.Table, res.Deleted, res.Remaining)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&where, "where", "w", "", "SQL condition selecting the rows to delete")
	_ = cmd.MarkFlagRequired("where")
	return cmd
}

func nextPKCmd() *cobra.Command {
	var strategy string
	cmd := &cobra.Command{
		Use:   "nextpk TABLE",
		Short: "Print the next primary key for a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.NextPK(ctx, args[0], strategy)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", app.StrategyCounter, "counter or max")
	return cmd
}

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive SQL shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return shell.New(a, cmd.OutOrStdout()).Run(ctx)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = cfg.HTTP.Addr
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				srv := &http.Server{
					Addr:         addr,
					Handler:      server.New(a).Handler(),
					ReadTimeout:  15 * time.Second,
					WriteTimeout: 60 * time.Second,
					IdleTimeout:  60 * time.Second,
				}
				errCh := make(chan error, 1)
				go func() {
					logger.Info("server starting", "addr", addr)
					errCh <- srv.ListenAndServe()
				}()

				select {
				case err := <-errCh:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err
				case <-ctx.Done():
				}

				logger.Info("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8080)")
	return cmd
}

// input opens args[0], or stdin when args is empty or "-".
func input(cmd *cobra.Command, args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// readLines returns the non-blank lines of r.
func readLines(r io.Reader) ([]string, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

// parseParam reads a JSON literal, falling back to the raw string.
func parseParam(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return v
}
