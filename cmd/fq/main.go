package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/untoldecay/FormQueue/internal/config"
	"github.com/untoldecay/FormQueue/internal/manager"
	"github.com/untoldecay/FormQueue/internal/rpc"
	"github.com/untoldecay/FormQueue/internal/storage"
	"github.com/untoldecay/FormQueue/internal/storage/memory"
	"github.com/untoldecay/FormQueue/internal/storage/sqlite"
	"github.com/untoldecay/FormQueue/internal/types"
)

// Globals shared by all commands. Set in PersistentPreRunE.
var (
	jsonOutput bool
	noDaemon   bool
	dbPath     string
	actorName  string

	rootCtx      = context.Background()
	store        storage.Storage
	mgr          *manager.ChangeManager
	daemonClient *rpc.Client
)

var rootCmd = &cobra.Command{
	Use:   "fq",
	Short: "FIFO field-level change manager for multi-writer form workflows",
	Long: `fq queues field-scoped changes to workflow session documents,
detects when several writers touched the same field, resolves those
conflicts with a configurable strategy, and applies the survivors to
the nested step data in FIFO order with a durable audit trail.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "init" {
			return nil
		}
		if err := config.Initialize(); err != nil {
			return err
		}

		if !cmd.Flags().Changed("json") {
			jsonOutput = config.GetBool("json")
		}
		if !cmd.Flags().Changed("no-daemon") {
			noDaemon = config.GetBool("no-daemon")
		}
		if dbPath == "" {
			dbPath = config.GetString("db")
		}
		if dbPath == "" {
			var err error
			dbPath, err = config.DBPath()
			if err != nil {
				return err
			}
		}
		if actorName == "" {
			actorName = config.GetString("actor")
		}

		// The daemon command manages its own storage and lock.
		if cmd.Name() == "daemon" {
			return nil
		}

		if !noDaemon {
			rpc.ClientVersion = Version
			if client, _ := rpc.TryConnect(getSocketPath()); client != nil {
				client.SetDatabasePath(dbPath)
				client.SetActor(actorName)
				daemonClient = client
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if daemonClient != nil {
			_ = daemonClient.Close()
			daemonClient = nil
		}
		if store != nil {
			_ = store.Close()
			store = nil
		}
	},
}

// ensureStore opens direct storage for commands running without a
// daemon. Lazy so daemon-served commands never touch the database file.
func ensureStore() error {
	if store != nil {
		return nil
	}

	var err error
	store, err = openStorage(storage.Config{
		Backend: config.GetString("backend"),
		Path:    dbPath,
	})
	if err != nil {
		return err
	}

	mgr = manager.New(store, manager.Options{
		DefaultStrategy: types.ResolutionStrategy(config.GetString("default-strategy")),
		Actor:           actorName,
	})
	return nil
}

// openStorage opens the backend named by the configuration.
func openStorage(cfg storage.Config) (storage.Storage, error) {
	switch cfg.Backend {
	case "", "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		return sqlite.New(rootCtx, cfg.Path)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func getSocketPath() string {
	dir, err := config.ProjectDir()
	if err != nil {
		return ""
	}
	return rpc.ShortSocketPath(dir)
}

func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noDaemon, "no-daemon", false, "Bypass the daemon and access the database directly")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Database file path (default: .formqueue/formqueue.db)")
	rootCmd.PersistentFlags().StringVar(&actorName, "actor", "", "Actor recorded on resolutions and document stamps")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
