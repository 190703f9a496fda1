package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/untoldecay/FormQueue/internal/manager"
	"github.com/untoldecay/FormQueue/internal/rpc"
	"github.com/untoldecay/FormQueue/internal/ui"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Process all pending changes for a step",
	Long: `Drain the pending queue for one (session, step) pair: resolve
detected conflicts with their recorded strategy, apply one final value
per field to the step document, and write an audit record. Changes
held by a manual conflict stay queued until 'fq resolve'.`,
	Run: func(cmd *cobra.Command, args []string) {
		sessionID, _ := cmd.Flags().GetString("session")
		step, _ := cmd.Flags().GetInt("step")
		if sessionID == "" {
			fatalf("--session is required")
		}

		var result *manager.FlushResult
		if daemonClient != nil {
			resp, err := daemonClient.Flush(&rpc.FlushArgs{SessionID: sessionID, StepNumber: step})
			if err != nil {
				fatalf("%v", err)
			}
			result = &manager.FlushResult{}
			if err := json.Unmarshal(resp.Data, result); err != nil {
				fatalf("bad daemon response: %v", err)
			}
		} else {
			if err := ensureStore(); err != nil {
				fatalf("%v", err)
			}
			var err error
			result, err = mgr.Flush(rootCtx, sessionID, step)
			if err != nil {
				fatalf("%v", err)
			}
		}

		if jsonOutput {
			outputJSON(result)
			return
		}

		if result.ChangesQueued == 0 {
			fmt.Println(ui.RenderMuted("Nothing to flush"))
			return
		}
		fmt.Printf("%s Applied %d of %d change(s)\n",
			ui.RenderPass("✓"), result.ChangesApplied, result.ChangesQueued)
		if result.ConflictsUnresolved > 0 {
			fmt.Println(ui.RenderWarn(fmt.Sprintf("⚠ %d conflict(s) awaiting manual resolution", result.ConflictsUnresolved)))
		}

		paths := make([]string, 0, len(result.FinalValues))
		for path := range result.FinalValues {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			value := result.FinalValues[path]
			fmt.Printf("  %s = %s\n", ui.RenderAccent(path), value.Compact())
		}
	},
}

func init() {
	flushCmd.Flags().String("session", "", "Workflow session ID")
	flushCmd.Flags().Int("step", 0, "Step number within the session")
	rootCmd.AddCommand(flushCmd)
}
