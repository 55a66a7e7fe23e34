// Package main is the operator CLI for the hybrid memory engine: status,
// cleanup, backup, restore, consolidate and reindex against a data
// directory, with no tool-protocol frontend involved.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/normanking/hybridmemory/internal/config"
	"github.com/normanking/hybridmemory/internal/engine"
)

var (
	version = "0.1.0"
	cfgPath string
	dataDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "memengine",
		Short: "Operator CLI for the hybrid memory engine",
		Long: `memengine is the operator surface for the hybrid memory engine's data
directory: health/status reporting, orphan cleanup, consolidation, index
rebuilds, and backup/restore. It opens the same on-disk store the engine
process uses, so it must not be run concurrently against a directory an
engine process already has open.`,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the configured data directory")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("memengine v%s\n", version)
		},
	})

	rootCmd.AddCommand(statusCmd(), cleanupCmd(), backupCmd(), restoreCmd(), consolidateCmd(), reindexCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.LoadFromPath(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if dataDir != "" {
		cfg.Storage.DataDir = dataDir
	}
	return cfg, nil
}

func openEngine() (*engine.Engine, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open engine: %w", err)
	}
	return e, func() { _ = e.Close() }, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	fmt.Println(string(b))
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report uptime, index sizes, storage, latency metrics and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := e.Status(context.Background())
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func cleanupCmd() *cobra.Command {
	var reindex, compact bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove orphaned index entries and dangling graph edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := e.Cleanup(context.Background(), reindex, compact)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().BoolVar(&reindex, "reindex", false, "rebuild vector/text/graph indices afterward")
	cmd.Flags().BoolVar(&compact, "compact", false, "run VACUUM on the KV store afterward")
	return cmd
}

func backupCmd() *cobra.Command {
	var destination string
	var includeIndices bool
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the store into a self-contained backup directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := e.Backup(context.Background(), destination, includeIndices)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&destination, "destination", "", "backup output directory (default: timestamped sibling of the data dir)")
	cmd.Flags().BoolVar(&includeIndices, "include-indices", true, "include rebuildable vector/text index namespaces in the backup")
	return cmd
}

func restoreCmd() *cobra.Command {
	var source string
	var includeIndices bool
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace the store's contents from a backup directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if source == "" {
				return fmt.Errorf("--source is required")
			}
			e, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := e.Restore(context.Background(), source, includeIndices)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "backup directory to restore from (required)")
	cmd.Flags().BoolVar(&includeIndices, "include-indices", true, "treat the backup as carrying vector/text index namespaces")
	return cmd
}

func consolidateCmd() *cobra.Command {
	var dryRun bool
	var limit int
	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: "Promote STM memories crossing the importance/access thresholds to LTM",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := e.Consolidate(context.Background(), dryRun, limit)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count candidates without promoting them")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of memories to promote")
	return cmd
}

func reindexCmd() *cobra.Command {
	var vector, text, graph bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the vector, text and/or graph derivative indices from primary records",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := e.Reindex(context.Background(), vector, text, graph)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().BoolVar(&vector, "vector", false, "rebuild the vector index")
	cmd.Flags().BoolVar(&text, "text", false, "rebuild the text index")
	cmd.Flags().BoolVar(&graph, "graph", false, "re-derive MENTIONS edges")
	return cmd
}
