// Command tern is the CLI for the tern SPARQL engine: query and update a
// persistent triple store, bulk-load N-Triples, and inspect statistics.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ternstore/tern/internal/config"
	"github.com/ternstore/tern/internal/ntriples"
	"github.com/ternstore/tern/pkg/engine"
	"github.com/ternstore/tern/pkg/rdf"
)

var (
	configPath string
	storePath  string
	explain    bool
)

func main() {
	// .env is optional; missing files are fine.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "tern",
		Short:         "tern is a SPARQL 1.1 engine over a persistent triple store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&storePath, "store", "", "path to the data directory (overrides config)")

	queryCmd := &cobra.Command{
		Use:   "query <sparql>",
		Short: "Execute a SPARQL query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e *engine.Engine) error {
				return runQuery(e, args[0])
			})
		},
	}
	queryCmd.Flags().BoolVar(&explain, "explain", false, "print the query plan instead of executing")

	updateCmd := &cobra.Command{
		Use:   "update <sparql>",
		Short: "Execute a SPARQL update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e *engine.Engine) error {
				affected, err := e.Update(context.Background(), args[0])
				if err != nil {
					return err
				}
				fmt.Printf("%d triples affected\n", affected)
				return nil
			})
		},
	}

	loadCmd := &cobra.Command{
		Use:   "load <file.nt>",
		Short: "Bulk-load an N-Triples file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e *engine.Engine) error {
				return runLoad(e, args[0])
			})
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print store and plan-cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e *engine.Engine) error {
				stats, err := e.Stats()
				if err != nil {
					return err
				}
				fmt.Printf("triples:          %d\n", stats.Triples)
				fmt.Printf("plan cache size:  %d\n", stats.PlanCache.Size)
				fmt.Printf("plan cache hits:  %d\n", stats.PlanCache.Hits)
				fmt.Printf("plan cache misses: %d\n", stats.PlanCache.Misses)
				fmt.Printf("plan cache hit rate: %.2f\n", stats.PlanCache.HitRate())
				return nil
			})
		},
	}

	root.AddCommand(queryCmd, updateCmd, loadCmd, statsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(engine.ExitCode(err))
	}
}

func withEngine(f func(*engine.Engine) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if storePath != "" {
		cfg.StorePath = storePath
	}
	setupLogging(cfg.LogLevel)

	e, backend, err := engine.Open(cfg.StorePath, engine.Config{
		PlanCacheCapacity: cfg.PlanCacheCapacity,
		MaxDataTriples:    cfg.MaxDataTriples,
		DefaultTimeout:    cfg.QueryTimeout,
		MaxIterations:     cfg.MaxIterations,
	})
	if err != nil {
		return err
	}
	defer backend.Close()
	defer e.Store().Close()

	return f(e)
}

func setupLogging(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func runQuery(e *engine.Engine, text string) error {
	opts := engine.DefaultOptions()
	opts.Explain = explain

	result, err := e.Query(context.Background(), text, &opts)
	if err != nil {
		return err
	}

	switch result.Kind {
	case engine.ResultExplain:
		fmt.Print(result.Explain)

	case engine.ResultBoolean:
		fmt.Println(result.Boolean)

	case engine.ResultGraph:
		for _, triple := range result.Graph {
			fmt.Println(triple)
		}

	case engine.ResultSolutions:
		variables := result.Variables
		if len(variables) == 0 && len(result.Solutions) > 0 {
			seen := make(map[string]bool)
			for _, solution := range result.Solutions {
				for name := range solution {
					seen[name] = true
				}
			}
			for name := range seen {
				variables = append(variables, name)
			}
			sort.Strings(variables)
		}

		for i, solution := range result.Solutions {
			fmt.Printf("%d:", i+1)
			for _, name := range variables {
				if term, ok := solution[name]; ok {
					fmt.Printf(" ?%s=%s", name, term)
				} else {
					fmt.Printf(" ?%s=<unbound>", name)
				}
			}
			fmt.Println()
		}
		fmt.Printf("%d solutions\n", len(result.Solutions))
	}
	return nil
}

func runLoad(e *engine.Engine, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	parser := ntriples.NewParser(file)
	const batchSize = 10_000
	batch := make([]*rdf.Triple, 0, batchSize)
	total := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		inserted, err := e.Store().InsertTriples(batch)
		if err != nil {
			return err
		}
		total += inserted
		batch = batch[:0]
		return nil
	}

	for {
		triple, err := parser.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		batch = append(batch, triple)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	slog.Info("load complete", "path", path, "inserted", total)
	fmt.Printf("loaded %d new triples\n", total)
	return nil
}
