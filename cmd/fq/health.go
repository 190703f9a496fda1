package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/FormQueue/internal/ui"
)

// Exit codes: 0 healthy, 1 unhealthy, 2 degraded.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe storage and daemon health",
	Run: func(cmd *cobra.Command, args []string) {
		if daemonClient != nil {
			health, err := daemonClient.Health()
			if err != nil && health == nil {
				fatalf("%v", err)
			}
			if jsonOutput {
				outputJSON(health)
			} else {
				switch health.Status {
				case "healthy":
					fmt.Printf("%s daemon healthy (v%s, uptime %.0fs, db %.1fms)\n",
						ui.RenderPass("✓"), health.Version, health.Uptime, health.DBResponseTime)
				case "degraded":
					fmt.Printf("%s daemon degraded (db %.1fms)\n", ui.RenderWarn("⚠"), health.DBResponseTime)
				default:
					fmt.Printf("%s daemon unhealthy: %s\n", ui.RenderFail("✗"), health.Error)
				}
			}
			switch health.Status {
			case "healthy":
				os.Exit(0)
			case "degraded":
				os.Exit(2)
			default:
				os.Exit(1)
			}
		}

		// No daemon: probe the database directly.
		if err := ensureStore(); err != nil {
			if jsonOutput {
				outputJSON(map[string]string{"status": "unhealthy", "error": err.Error()})
			} else {
				fmt.Printf("%s storage unhealthy: %v\n", ui.RenderFail("✗"), err)
			}
			os.Exit(1)
		}
		if _, err := mgr.Stats(rootCtx, "health-probe"); err != nil {
			if jsonOutput {
				outputJSON(map[string]string{"status": "unhealthy", "error": err.Error()})
			} else {
				fmt.Printf("%s storage unhealthy: %v\n", ui.RenderFail("✗"), err)
			}
			os.Exit(1)
		}
		if jsonOutput {
			outputJSON(map[string]string{"status": "healthy", "database": dbPath})
		} else {
			fmt.Printf("%s storage healthy (%s), no daemon running\n", ui.RenderPass("✓"), dbPath)
		}
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check whether the daemon is reachable",
	Run: func(cmd *cobra.Command, args []string) {
		if daemonClient == nil {
			fmt.Fprintln(os.Stderr, "daemon is not running")
			os.Exit(1)
		}
		if err := daemonClient.Ping(); err != nil {
			fatalf("%v", err)
		}
		fmt.Println("pong")
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(pingCmd)
}
