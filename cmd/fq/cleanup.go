package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/untoldecay/FormQueue/internal/config"
	"github.com/untoldecay/FormQueue/internal/rpc"
	"github.com/untoldecay/FormQueue/internal/timeparsing"
	"github.com/untoldecay/FormQueue/internal/ui"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge old processed changes and audit logs",
	Long: `Delete processed changes and audit records older than a cutoff.
Pending changes and conflict records are never touched.

The cutoff accepts day counts, durations and natural language:
  fq cleanup --older-than 30
  fq cleanup --older-than 90d
  fq cleanup --older-than "3 months ago"

Without --older-than the configured retention (audit.retention-days)
applies.`,
	Run: func(cmd *cobra.Command, args []string) {
		olderThan, _ := cmd.Flags().GetString("older-than")

		cutoff := time.Now().UTC().AddDate(0, 0, -config.GetInt("audit.retention-days"))
		if olderThan != "" {
			t, err := timeparsing.ParseRelativeTime(olderThan, time.Now().UTC())
			if err != nil {
				fatalf("invalid --older-than: %v", err)
			}
			cutoff = t
		}

		var result rpc.CleanupResponse
		if daemonClient != nil {
			resp, err := daemonClient.Cleanup(&rpc.CleanupArgs{OlderThan: cutoff.Format(time.RFC3339)})
			if err != nil {
				fatalf("%v", err)
			}
			if err := json.Unmarshal(resp.Data, &result); err != nil {
				fatalf("bad daemon response: %v", err)
			}
		} else {
			if err := ensureStore(); err != nil {
				fatalf("%v", err)
			}
			res, err := mgr.Cleanup(rootCtx, cutoff)
			if err != nil {
				fatalf("%v", err)
			}
			result = rpc.CleanupResponse{ChangesRemoved: res.ChangesRemoved, LogsRemoved: res.LogsRemoved}
		}

		if jsonOutput {
			outputJSON(result)
			return
		}
		fmt.Printf("%s Removed %d processed change(s) and %d audit record(s) older than %s\n",
			ui.RenderPass("✓"), result.ChangesRemoved, result.LogsRemoved,
			cutoff.Format("2006-01-02"))
	},
}

func init() {
	cleanupCmd.Flags().String("older-than", "", "Cutoff: day count, duration (90d, 72h) or natural language")
	rootCmd.AddCommand(cleanupCmd)
}
