package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/FormQueue/internal/rpc"
	"github.com/untoldecay/FormQueue/internal/types"
	"github.com/untoldecay/FormQueue/internal/ui"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counters for a session",
	Run: func(cmd *cobra.Command, args []string) {
		sessionID, _ := cmd.Flags().GetString("session")
		if sessionID == "" {
			fatalf("--session is required")
		}

		var stats *types.SessionStats
		if daemonClient != nil {
			resp, err := daemonClient.Stats(&rpc.StatsArgs{SessionID: sessionID})
			if err != nil {
				fatalf("%v", err)
			}
			stats = &types.SessionStats{}
			if err := json.Unmarshal(resp.Data, stats); err != nil {
				fatalf("bad daemon response: %v", err)
			}
		} else {
			if err := ensureStore(); err != nil {
				fatalf("%v", err)
			}
			var err error
			stats, err = mgr.Stats(rootCtx, sessionID)
			if err != nil {
				fatalf("%v", err)
			}
		}

		if jsonOutput {
			outputJSON(stats)
			return
		}

		fmt.Printf("Session %s\n", ui.RenderAccent(stats.SessionID))
		fmt.Printf("  Total changes:      %d\n", stats.TotalChanges)
		fmt.Printf("  Processed:          %s\n", ui.RenderPass(fmt.Sprintf("%d", stats.ProcessedChanges)))
		fmt.Printf("  Pending:            %d\n", stats.PendingChanges)
		if stats.OpenConflicts > 0 {
			fmt.Printf("  Open conflicts:     %s\n", ui.RenderWarn(fmt.Sprintf("%d", stats.OpenConflicts)))
		} else {
			fmt.Printf("  Open conflicts:     0\n")
		}
		fmt.Printf("  Resolved conflicts: %d\n", stats.ResolvedConflicts)
	},
}

func init() {
	statsCmd.Flags().String("session", "", "Workflow session ID")
	rootCmd.AddCommand(statsCmd)
}
