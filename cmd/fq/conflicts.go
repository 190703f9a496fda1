package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/untoldecay/FormQueue/internal/rpc"
	"github.com/untoldecay/FormQueue/internal/types"
	"github.com/untoldecay/FormQueue/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List open conflicts for a session",
	Run: func(cmd *cobra.Command, args []string) {
		sessionID, _ := cmd.Flags().GetString("session")
		if sessionID == "" {
			fatalf("--session is required")
		}
		var step *int
		if cmd.Flags().Changed("step") {
			n, _ := cmd.Flags().GetInt("step")
			step = &n
		}

		var conflicts []*types.FieldConflict
		if daemonClient != nil {
			resp, err := daemonClient.Conflicts(&rpc.ConflictsArgs{SessionID: sessionID, StepNumber: step})
			if err != nil {
				fatalf("%v", err)
			}
			if err := json.Unmarshal(resp.Data, &conflicts); err != nil {
				fatalf("bad daemon response: %v", err)
			}
		} else {
			if err := ensureStore(); err != nil {
				fatalf("%v", err)
			}
			var err error
			conflicts, err = mgr.Conflicts(rootCtx, sessionID, step)
			if err != nil {
				fatalf("%v", err)
			}
		}

		if jsonOutput {
			if conflicts == nil {
				conflicts = []*types.FieldConflict{}
			}
			outputJSON(conflicts)
			return
		}

		if len(conflicts) == 0 {
			fmt.Println(ui.RenderMuted("No open conflicts"))
			return
		}

		t := ui.NewTable().Headers("ID", "STEP", "FIELD", "STRATEGY", "CHANGES", "DETECTED")
		for _, c := range conflicts {
			t.Row(
				c.ConflictID,
				fmt.Sprintf("%d", c.StepNumber),
				c.FieldPath,
				string(c.ResolutionStrategy),
				strings.Join(c.ConflictingChanges, ", "),
				c.DetectedAt.Format("2006-01-02 15:04:05"),
			)
		}
		fmt.Println(t.Render())
	},
}

func init() {
	conflictsCmd.Flags().String("session", "", "Workflow session ID")
	conflictsCmd.Flags().Int("step", 0, "Restrict to one step number")
	rootCmd.AddCommand(conflictsCmd)
}
