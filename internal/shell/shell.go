// Package shell is colonnade's interactive REPL.
//
// Plain lines are SQL run by the query engine over the tables named with
// .bind. Dot commands reach the store directly:
//
//	.bind t1 t2        tables loaded for the following queries
//	.format json       result format: default, json or flat
//	.use ks            switch the active keyspace
//	.read STMT         run a read statement against the store
//	.exec STMT         run a write statement against the store
//	.nextpk t [max]    next primary key for t
//	.delete t WHERE    delete matching rows
//	.views             list views currently bound
//	.clear             evict every view
//	.help, .exit
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/jacentio/colonnade/engine"
	"github.com/jacentio/colonnade/internal/app"
	"github.com/jacentio/colonnade/store"
)

// ErrExit is returned by Execute for .exit.
var ErrExit = errors.New("exit")

const prompt = "colonnade> "

var commands = []string{
	".bind", ".format", ".use", ".read", ".exec", ".nextpk",
	".delete", ".views", ".clear", ".help", ".exit",
}

// Shell holds the REPL state.
type Shell struct {
	app    *app.App
	out    io.Writer
	tables []string
	format engine.Format
}

// New creates a Shell writing results to out.
func New(a *app.App, out io.Writer) *Shell {
	return &Shell{app: a, out: out, format: engine.FormatDefault}
}

// Run reads lines until EOF, Ctrl-C or .exit. History is kept in
// ~/.colonnade_history.
func (s *Shell) Run(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(l string) []string {
		var out []string
		for _, c := range commands {
			if strings.HasPrefix(c, strings.ToLower(l)) {
				out = append(out, c)
			}
		}
		return out
	})

	history := historyPath()
	if f, err := os.Open(history); err == nil {
		_, _ = line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(history); err == nil {
			_, _ = line.WriteHistory(f)
			f.Close()
		}
	}()

	fmt.Fprintf(s.out, "colonnade shell, keyspace %q. Type .help for commands.\n", s.app.Backend.Keyspace())
	for {
		input, err := line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if err := s.Execute(ctx, input); err != nil {
			if errors.Is(err, ErrExit) {
				return nil
			}
			fmt.Fprintf(s.out, "ERROR: %v\n", err)
		}
	}
}

// Execute runs one shell line.
func (s *Shell) Execute(ctx context.Context, input string) error {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, ".") {
		return s.query(ctx, strings.TrimSuffix(input, ";"))
	}
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)

	switch strings.ToLower(cmd) {
	case ".exit", ".quit":
		return ErrExit
	case ".help":
		s.help()
		return nil
	case ".bind":
		if _, err := store.NormalizeNames(args); err != nil {
			return err
		}
		s.tables = args
		fmt.Fprintf(s.out, "bound: %s\n", strings.Join(args, ", "))
		return nil
	case ".format":
		if len(args) != 1 {
			return fmt.Errorf("usage: .format default|json|flat")
		}
		f, err := engine.ParseFormat(args[0])
		if err != nil {
			return err
		}
		s.format = f
		return nil
	case ".use":
		if len(args) != 1 {
			return fmt.Errorf("usage: .use KEYSPACE")
		}
		if err := s.app.Keyspaces.Use(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "keyspace: %s\n", s.app.Backend.Keyspace())
		return nil
	case ".read":
		rel, err := s.app.Executor.Query(ctx, rest)
		if err != nil {
			return err
		}
		return app.PrintRelation(s.out, rel)
	case ".exec":
		if err := s.app.Executor.Exec(ctx, rest); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
		return nil
	case ".nextpk":
		if len(args) < 1 || len(args) > 2 {
			return fmt.Errorf("usage: .nextpk TABLE [counter|max]")
		}
		strategy := app.StrategyCounter
		if len(args) == 2 {
			strategy = args[1]
		}
		n, err := s.app.NextPK(ctx, args[0], strategy)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, n)
		return nil
	case ".delete":
		table, where, _ := strings.Cut(rest, " ")
		res, err := s.app.Mutator.Delete(ctx, table, where)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "deleted %d, %d remaining\n", res.Deleted, res.Remaining)
		return nil
	case ".views":
		for _, v := range s.app.Engine.Views() {
			fmt.Fprintln(s.out, v)
		}
		return nil
	case ".clear":
		return s.app.Router.Binder().ClearAll(ctx)
	}
	return fmt.Errorf("unknown command %s (try .help)", cmd)
}

func (s *Shell) query(ctx context.Context, sql string) error {
	res, err := s.app.Router.Select(ctx, s.tables, sql, s.format)
	if err != nil {
		return err
	}
	return app.PrintResult(s.out, res)
}

func (s *Shell) help() {
	fmt.Fprintln(s.out, `.bind T1 T2 ...     tables loaded for the following queries
.format F           result format: default, json or flat
.use KEYSPACE       switch the active keyspace
.read STMT          run a read statement against the store
.exec STMT          run a write statement against the store
.nextpk T [max]     next primary key for T
.delete T WHERE     delete matching rows from T
.views              list bound views
.clear              evict every view
.exit               leave the shell
Any other line is SQL over the bound tables.`)
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".colonnade_history"
	}
	return filepath.Join(home, ".colonnade_history")
}
