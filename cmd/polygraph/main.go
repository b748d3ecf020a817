package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/polygraph-io/polygraph/internal/config"
	"github.com/polygraph-io/polygraph/internal/graph"
	"github.com/polygraph-io/polygraph/internal/parser/flowchart"
	"github.com/polygraph-io/polygraph/internal/parser/graphfile"
	"github.com/polygraph-io/polygraph/internal/server"
)

var (
	version   = "dev"
	cfgFile   string
	backend   string
	database  string
	logFormat string
	logLevel  string
	logger    *slog.Logger
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "polygraph",
		Short: "Polygraph - multi-backend graph store",
		Long:  "Directed typed graph storage with neighborhood expansion and downstream impact analysis across interchangeable backends.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(logLevel)
			if err != nil {
				return err
			}
			opts := &slog.HandlerOptions{Level: level}
			switch logFormat {
			case "json":
				logger = slog.New(slog.NewJSONHandler(os.Stderr, opts))
			case "text":
				logger = slog.New(slog.NewTextHandler(os.Stderr, opts))
			default:
				return fmt.Errorf("invalid --log-format %q (use: text, json)", logFormat)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./polygraph.yaml)")
	root.PersistentFlags().StringVar(&backend, "backend", "", "backend to use (sqlite, memgraph, postgres; default: sole enabled)")
	root.PersistentFlags().StringVar(&database, "db", "", "target database (default: \"default\")")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log output format (text, json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		graphCmd(),
		dbCmd(),
		cacheCmd(),
		serveCmd(),
		versionCmd(),
		completionCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openRegistry connects every enabled backend from the configuration.
// Backends that fail to connect are skipped with a warning so one dead
// engine does not take the CLI down with it.
func openRegistry(ctx context.Context) (*graph.Registry, *config.Config) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(1)
	}

	reg := graph.NewRegistry()
	ttl := cfg.Cache.TTL

	if cfg.Backends.SQLite.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Backends.SQLite.Path), 0o750); err != nil {
			logger.Error("creating data directory", "error", err)
			os.Exit(1)
		}
		store, err := graph.NewSQLiteStore(cfg.Backends.SQLite.Path)
		if err != nil {
			logger.Error("opening sqlite backend", "error", err)
			os.Exit(1)
		}
		if err := store.Init(ctx); err != nil {
			logger.Error("initializing sqlite backend", "error", err)
			os.Exit(1)
		}
		reg.Register(graph.NewService(store, graph.NewCache(ttl), logger))
	}

	if cfg.Backends.Memgraph.Enabled {
		store, err := graph.NewMemgraphStore(
			cfg.Backends.Memgraph.URI,
			cfg.Backends.Memgraph.Username,
			cfg.Backends.Memgraph.Password,
			cfg.Backends.Memgraph.DefaultDB,
			logger,
		)
		if err != nil {
			logger.Warn("memgraph unavailable, skipping backend", "error", err)
		} else {
			reg.Register(graph.NewService(store, graph.NewCache(ttl), logger))
			logger.Info("memgraph connected", "uri", cfg.Backends.Memgraph.URI)
		}
	}

	if cfg.Backends.Postgres.Enabled {
		store, err := graph.NewPostgresStore(ctx, cfg.Backends.Postgres.URL, logger)
		if err != nil {
			logger.Warn("postgres unavailable, skipping backend", "error", err)
		} else {
			if err := store.Init(ctx); err != nil {
				logger.Error("initializing postgres backend", "error", err)
				os.Exit(1)
			}
			reg.Register(graph.NewService(store, graph.NewCache(ttl), logger))
			logger.Info("postgres connected")
		}
	}

	if len(reg.Names()) == 0 {
		logger.Error("no backends available; enable at least one in the configuration")
		os.Exit(1)
	}

	return reg, cfg
}

func resolveService(ctx context.Context) (*graph.Service, *graph.Registry) {
	reg, _ := openRegistry(ctx)
	svc, err := reg.Resolve(backend)
	if err != nil {
		logger.Error("resolving backend", "error", err)
		_ = reg.Close()
		os.Exit(1)
	}
	return svc, reg
}

// --- graph ---

func graphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Manage and query graphs",
	}
	cmd.AddCommand(
		graphCreateCmd(),
		graphListCmd(),
		graphShowCmd(),
		graphStatsCmd(),
		graphDeleteCmd(),
		graphNeighborsCmd(),
		graphImpactCmd(),
		graphExportCmd(),
	)
	return cmd
}

func graphCreateCmd() *cobra.Command {
	var file string
	var flowchartFile string
	var id, title, graphType string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a graph from a YAML graph file or a flowchart",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" && flowchartFile == "" {
				return fmt.Errorf("specify --file or --flowchart")
			}

			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			req := graph.CreateGraphRequest{Database: database}

			if file != "" {
				doc, err := graphfile.Load(file)
				if err != nil {
					return err
				}
				req.ID = doc.ID
				req.Title = doc.Title
				req.Description = doc.Description
				req.Type = doc.Type
				if database == "" {
					req.Database = doc.Database
				}
				req.Nodes, req.Edges = doc.Materialize()
			} else {
				text, err := os.ReadFile(flowchartFile) // #nosec G304 -- path from user CLI arg
				if err != nil {
					return fmt.Errorf("reading flowchart: %w", err)
				}
				nodes, edges, err := flowchart.Parse(string(text))
				if err != nil {
					return err
				}
				req.ID = id
				req.Title = title
				req.Type = graphType
				req.Nodes = nodes
				req.Edges = edges
			}

			if id != "" {
				req.ID = id
			}
			if title != "" {
				req.Title = title
			}
			if graphType != "" {
				req.Type = graphType
			}

			g, err := svc.CreateGraph(cmd.Context(), req)
			if err != nil {
				return err
			}

			fmt.Printf("Created graph %s (%d nodes, %d edges) on %s\n",
				g.ID, g.NodeCount, g.EdgeCount, svc.Name())
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML graph file")
	cmd.Flags().StringVar(&flowchartFile, "flowchart", "", "flowchart text file")
	cmd.Flags().StringVar(&id, "id", "", "graph identifier (overrides file)")
	cmd.Flags().StringVar(&title, "title", "", "graph title (overrides file)")
	cmd.Flags().StringVar(&graphType, "type", "", "graph type (overrides file)")
	return cmd
}

func graphListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List graphs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			graphs, err := svc.ListGraphs(cmd.Context(), database)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tTITLE\tTYPE\tNODES\tEDGES\tCREATED")
			for _, g := range graphs {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
					g.ID, g.Title, g.Type, g.NodeCount, g.EdgeCount, g.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func graphShowCmd() *cobra.Command {
	var bypassCache bool

	cmd := &cobra.Command{
		Use:   "show <graph-id>",
		Short: "Print a graph's nodes and edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			data, meta, err := svc.GetGraph(cmd.Context(), args[0], database, bypassCache)
			if err != nil {
				return err
			}

			fmt.Printf("Graph %s - %d nodes, %d edges (cache: %s, %dms, backend: %s)\n\n",
				args[0], len(data.Nodes), len(data.Edges), meta.CacheStatus, meta.ElapsedMs, meta.Backend)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tLABEL\tTYPE")
			for _, n := range data.Nodes {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", n.ID, n.Label, n.Type)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "SOURCE\tLABEL\tTARGET")
			for _, e := range data.Edges {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.Source, e.Label, e.Target)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&bypassCache, "bypass-cache", false, "skip the result cache")
	return cmd
}

func graphStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <graph-id>",
		Short: "Show graph statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			stats, err := svc.GetGraphStats(cmd.Context(), args[0], database)
			if err != nil {
				return err
			}

			fmt.Printf("Graph %s\n", args[0])
			fmt.Printf("  Nodes:      %d\n", stats.NodeCount)
			fmt.Printf("  Edges:      %d\n", stats.EdgeCount)
			fmt.Printf("  Avg degree: %.2f\n", stats.AvgDegree)

			if len(stats.NodesByType) > 0 {
				fmt.Printf("\nNodes by type:\n")
				types := make([]string, 0, len(stats.NodesByType))
				for t := range stats.NodesByType {
					types = append(types, t)
				}
				sort.Strings(types)
				for _, t := range types {
					fmt.Printf("  %-20s %d\n", t, stats.NodesByType[t])
				}
			}
			return nil
		},
	}
}

func graphDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <graph-id>",
		Short: "Delete a graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			if err := svc.DeleteGraph(cmd.Context(), args[0], database); err != nil {
				return err
			}
			fmt.Printf("Deleted graph %s\n", args[0])
			return nil
		},
	}
}

func graphNeighborsCmd() *cobra.Command {
	var depth int

	cmd := &cobra.Command{
		Use:   "neighbors <graph-id> <node-id>",
		Short: "Expand the undirected neighborhood of a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			data, err := svc.GetNeighbors(cmd.Context(), args[0], args[1], depth, database)
			if err != nil {
				return err
			}

			fmt.Printf("Neighborhood of %s (depth %d): %d nodes, %d edges\n\n",
				args[1], depth, len(data.Nodes), len(data.Edges))

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "ID\tLABEL\tTYPE")
			for _, n := range data.Nodes {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", n.ID, n.Label, n.Type)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 1, "traversal depth (1-15)")
	return cmd
}

func graphImpactCmd() *cobra.Command {
	var depth int

	cmd := &cobra.Command{
		Use:   "impact <graph-id> <node-id>",
		Short: "Analyze downstream impact of a node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			result, err := svc.ComputeImpact(cmd.Context(), args[0], args[1], depth, database)
			if err != nil {
				return err
			}

			fmt.Printf("Impact of %s: %d downstream nodes (depth %d, %dms, engine: %s)\n\n",
				result.SourceNodeID, len(result.ImpactedNodes), result.Depth, result.ElapsedMs, result.Engine)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "LEVEL\tNODE")
			for _, n := range result.ImpactedNodes {
				_, _ = fmt.Fprintf(w, "%d\t%s\n", n.Level, n.NodeID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&depth, "depth", 5, "traversal depth (1-15)")
	return cmd
}

func graphExportCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <graph-id>",
		Short: "Export a graph in various formats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			data, _, err := svc.GetGraph(cmd.Context(), args[0], database, false)
			if err != nil {
				return err
			}

			var output string
			switch format {
			case "json":
				output, err = graph.ExportJSON(data)
			case "dot":
				output, err = graph.ExportDOT(data)
			case "mermaid":
				output, err = graph.ExportMermaid(data)
			default:
				return fmt.Errorf("unsupported format %q (use: json, dot, mermaid)", format)
			}
			if err != nil {
				return err
			}

			fmt.Print(output)
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "export format: json, dot, mermaid")
	return cmd
}

// --- db ---

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management",
	}
	cmd.AddCommand(dbListCmd(), dbCreateCmd(), dbDeleteCmd(), dbStatsCmd())
	return cmd
}

func dbListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List databases on the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			names, err := svc.ListDatabases(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func dbCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			if err := svc.CreateDatabase(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Created database %s on %s\n", args[0], svc.Name())
			return nil
		},
	}
}

func dbDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a database and all its graphs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			if err := svc.DeleteDatabase(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted database %s\n", args[0])
			return nil
		},
	}
}

func dbStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <name>",
		Short: "Show database statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			stats, err := svc.GetDatabaseStats(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Database %s (backend: %s)\n", stats.Name, svc.Name())
			fmt.Printf("  Graphs: %d\n", stats.GraphCount)
			fmt.Printf("  Nodes:  %d\n", stats.NodeCount)
			fmt.Printf("  Edges:  %d\n", stats.EdgeCount)
			return nil
		},
	}
}

// --- cache ---

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Result cache introspection",
	}
	cmd.AddCommand(cacheStatsCmd(), cacheClearCmd())
	return cmd
}

func cacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache hit/miss counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			stats := svc.CacheStats()
			fmt.Printf("Cache (backend: %s)\n", svc.Name())
			fmt.Printf("  Entries:  %d\n", stats.CachedCount)
			fmt.Printf("  Hits:     %d\n", stats.Hits)
			fmt.Printf("  Misses:   %d\n", stats.Misses)
			fmt.Printf("  Bypasses: %d\n", stats.Bypasses)
			return nil
		},
	}
}

func cacheClearCmd() *cobra.Command {
	var graphID string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop cached results",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, reg := resolveService(cmd.Context())
			defer reg.Close() //nolint:errcheck // best-effort cleanup

			cleared := svc.ClearCache(graphID, database)
			fmt.Printf("Cleared %d cache entries\n", len(cleared))
			return nil
		},
	}

	cmd.Flags().StringVar(&graphID, "graph", "", "clear only this graph's entry")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var listen string
	var readOnly bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			reg, cfg := openRegistry(ctx)

			if listen == "" {
				listen = cfg.Server.Listen
			}

			srv := server.New(reg, logger, listen, readOnly || cfg.Server.ReadOnly,
				cfg.Server.APIToken, cfg.Server.CORSOrigin)

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
				_ = reg.Close()
			}()

			return srv.Start()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config or :8080)")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "disable write endpoints")
	return cmd
}

// --- version ---

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("polygraph %s\n", version)
		},
	}
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid --log-level %q (use: debug, info, warn, error)", s)
	}
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate shell completion scripts",
		Long: `Generate shell completion scripts for polygraph.

To load completions:

Bash:
  $ source <(polygraph completion bash)
  # To load completions for each session, execute once:
  # Linux:
  $ polygraph completion bash > /etc/bash_completion.d/polygraph
  # macOS:
  $ polygraph completion bash > $(brew --prefix)/etc/bash_completion.d/polygraph

Zsh:
  # If shell completion is not already enabled in your environment,
  # you will need to enable it. Execute once:
  $ echo "autoload -U compinit; compinit" >> ~/.zshrc
  # To load completions for each session, execute once:
  $ polygraph completion zsh > "${fpath[1]}/_polygraph"
  # You will need to start a new shell for this setup to take effect.

Fish:
  $ polygraph completion fish | source
  # To load completions for each session, execute once:
  $ polygraph completion fish > ~/.config/fish/completions/polygraph.fish

PowerShell:
  PS> polygraph completion powershell | Out-String | Invoke-Expression
  # To load completions for every new session, add the output to your profile:
  PS> polygraph completion powershell >> $PROFILE
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			case "powershell":
				return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
			default:
				return fmt.Errorf("unsupported shell: %s", args[0])
			}
		},
	}
}
