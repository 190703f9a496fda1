package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/untoldecay/FormQueue/internal/config"
	"github.com/untoldecay/FormQueue/internal/manager"
	"github.com/untoldecay/FormQueue/internal/rpc"
	"github.com/untoldecay/FormQueue/internal/storage/sqlite"
	"github.com/untoldecay/FormQueue/internal/types"
	"github.com/untoldecay/FormQueue/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the change-queue daemon",
	Long: `Run the daemon that serves fq commands over a unix socket.

One daemon per project directory; a file lock in .formqueue/ guarantees
a single writer to the database. The daemon watches config.yaml and
applies default-strategy changes without a restart.

  fq daemon           run in the foreground
  fq daemon --stop    ask a running daemon to shut down
  fq daemon --status  print daemon metadata`,
	Run: func(cmd *cobra.Command, args []string) {
		stop, _ := cmd.Flags().GetBool("stop")
		status, _ := cmd.Flags().GetBool("status")

		if stop {
			stopDaemon()
			return
		}
		if status {
			showDaemonStatus()
			return
		}
		runDaemon()
	},
}

func stopDaemon() {
	client, _ := rpc.TryConnect(getSocketPath())
	if client == nil {
		fmt.Fprintln(os.Stderr, "daemon is not running")
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()
	if err := client.Shutdown(); err != nil {
		fatalf("shutdown request failed: %v", err)
	}
	fmt.Printf("%s Daemon stopping\n", ui.RenderPass("✓"))
}

func showDaemonStatus() {
	client, _ := rpc.TryConnect(getSocketPath())
	if client == nil {
		fmt.Fprintln(os.Stderr, "daemon is not running")
		os.Exit(1)
	}
	defer func() { _ = client.Close() }()

	st, err := client.Status()
	if err != nil {
		fatalf("%v", err)
	}
	if jsonOutput {
		outputJSON(st)
		return
	}
	fmt.Printf("Daemon v%s (pid %d)\n", st.Version, st.PID)
	fmt.Printf("  Socket:           %s\n", st.SocketPath)
	fmt.Printf("  Database:         %s\n", st.DatabasePath)
	fmt.Printf("  Uptime:           %.0fs\n", st.UptimeSeconds)
	fmt.Printf("  Last activity:    %s\n", st.LastActivityTime)
	fmt.Printf("  Default strategy: %s\n", st.DefaultStrategy)
}

func runDaemon() {
	projectDir, err := config.ProjectDir()
	if err != nil {
		fatalf("%v", err)
	}
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		fatalf("failed to create %s: %v", projectDir, err)
	}

	// Single-writer guarantee: the flock outlives crashes, unlike a
	// pid file.
	lock := flock.New(filepath.Join(projectDir, "daemon.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		fatalf("failed to acquire daemon lock: %v", err)
	}
	if !locked {
		fatalf("another daemon is already running for %s", projectDir)
	}
	defer func() { _ = lock.Unlock() }()

	logger := log.New(&lumberjack.Logger{
		Filename:   filepath.Join(projectDir, "daemon.log"),
		MaxSize:    config.GetInt("daemon.log-max-size-mb"),
		MaxBackups: config.GetInt("daemon.log-max-backups"),
		Compress:   true,
	}, "", log.LstdFlags|log.Lmicroseconds)

	st, err := sqlite.New(rootCtx, dbPath)
	if err != nil {
		fatalf("failed to open database: %v", err)
	}
	defer func() { _ = st.Close() }()

	daemonMgr := manager.New(st, manager.Options{
		DefaultStrategy: types.ResolutionStrategy(config.GetString("default-strategy")),
		Actor:           actorName,
		Logf:            logger.Printf,
	})

	rpc.ServerVersion = Version
	socketPath := rpc.ShortSocketPath(projectDir)
	server := rpc.NewServer(socketPath, daemonMgr, dbPath, rpc.ServerOptions{
		MaxConns:       config.GetInt("daemon.max-connections"),
		RequestTimeout: config.GetDuration("daemon.request-timeout"),
	})

	pidPath := filepath.Join(projectDir, "daemon.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		logger.Printf("failed to write pid file: %v", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	stopWatcher := watchConfig(daemonMgr, logger)
	defer stopWatcher()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Printf("received %v, shutting down", sig)
		server.Stop()
	}()

	logger.Printf("daemon v%s starting on %s (db %s)", Version, socketPath, dbPath)
	fmt.Printf("%s Daemon listening on %s\n", ui.RenderPass("✓"), socketPath)

	if err := server.Start(); err != nil {
		logger.Printf("server error: %v", err)
		fatalf("%v", err)
	}
	logger.Printf("daemon stopped")
}

// watchConfig hot-reloads default-strategy when config.yaml changes.
// Other settings still need a restart.
func watchConfig(daemonMgr *manager.ChangeManager, logger *log.Logger) func() {
	configPath := config.ConfigFileUsed()
	if configPath == "" {
		return func() {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("config watcher unavailable: %v", err)
		return func() {}
	}
	// Watch the directory: editors replace config.yaml atomically,
	// which drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		logger.Printf("config watcher failed: %v", err)
		_ = watcher.Close()
		return func() {}
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != configPath || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := config.Initialize(); err != nil {
					logger.Printf("config reload failed: %v", err)
					continue
				}
				strategy := types.ResolutionStrategy(config.GetString("default-strategy"))
				if types.ValidStrategy(strategy) && strategy != daemonMgr.DefaultStrategy() {
					daemonMgr.SetDefaultStrategy(strategy)
					logger.Printf("default strategy now %s", strategy)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Printf("config watcher error: %v", err)
			}
		}
	}()

	return func() { _ = watcher.Close() }
}

func init() {
	daemonCmd.Flags().Bool("stop", false, "Stop a running daemon")
	daemonCmd.Flags().Bool("status", false, "Show daemon status")
	rootCmd.AddCommand(daemonCmd)
}
