package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/FormQueue/internal/clock"
	"github.com/untoldecay/FormQueue/internal/rpc"
	"github.com/untoldecay/FormQueue/internal/types"
	"github.com/untoldecay/FormQueue/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the full change history of a field",
	Long: `List every queued change for one field path of a session, oldest
first, including changes already processed by earlier flushes.`,
	Run: func(cmd *cobra.Command, args []string) {
		sessionID, _ := cmd.Flags().GetString("session")
		fieldPath, _ := cmd.Flags().GetString("field")
		if sessionID == "" || fieldPath == "" {
			fatalf("--session and --field are required")
		}

		var changes []*types.FieldChange
		if daemonClient != nil {
			resp, err := daemonClient.History(&rpc.HistoryArgs{SessionID: sessionID, FieldPath: fieldPath})
			if err != nil {
				fatalf("%v", err)
			}
			if err := json.Unmarshal(resp.Data, &changes); err != nil {
				fatalf("bad daemon response: %v", err)
			}
		} else {
			if err := ensureStore(); err != nil {
				fatalf("%v", err)
			}
			var err error
			changes, err = mgr.History(rootCtx, sessionID, fieldPath)
			if err != nil {
				fatalf("%v", err)
			}
		}

		if jsonOutput {
			if changes == nil {
				changes = []*types.FieldChange{}
			}
			outputJSON(changes)
			return
		}

		if len(changes) == 0 {
			fmt.Println(ui.RenderMuted("No changes recorded for this field"))
			return
		}

		t := ui.NewTable().Headers("CHANGE", "STEP", "USER", "VALUE", "STATE", "TIME")
		for _, c := range changes {
			state := "pending"
			if c.IsProcessed {
				state = "processed"
			} else if c.ConflictDetected {
				state = "conflict"
			}
			t.Row(
				c.ChangeID,
				fmt.Sprintf("%d", c.StepNumber),
				c.UserID,
				c.NewValue.Compact(),
				state,
				clock.Time(c.Timestamp).Format("2006-01-02 15:04:05.000"),
			)
		}
		fmt.Println(t.Render())
	},
}

func init() {
	historyCmd.Flags().String("session", "", "Workflow session ID")
	historyCmd.Flags().String("field", "", "Dot-separated field path")
	rootCmd.AddCommand(historyCmd)
}
