package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/FormQueue/internal/rpc"
	"github.com/untoldecay/FormQueue/internal/types"
	"github.com/untoldecay/FormQueue/internal/ui"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent flush records for a session",
	Run: func(cmd *cobra.Command, args []string) {
		sessionID, _ := cmd.Flags().GetString("session")
		limit, _ := cmd.Flags().GetInt("limit")
		if sessionID == "" {
			fatalf("--session is required")
		}

		var entries []*types.AuditEntry
		if daemonClient != nil {
			resp, err := daemonClient.Audit(&rpc.AuditArgs{SessionID: sessionID, Limit: limit})
			if err != nil {
				fatalf("%v", err)
			}
			if err := json.Unmarshal(resp.Data, &entries); err != nil {
				fatalf("bad daemon response: %v", err)
			}
		} else {
			if err := ensureStore(); err != nil {
				fatalf("%v", err)
			}
			var err error
			entries, err = mgr.AuditEntries(rootCtx, sessionID, limit)
			if err != nil {
				fatalf("%v", err)
			}
		}

		if jsonOutput {
			if entries == nil {
				entries = []*types.AuditEntry{}
			}
			outputJSON(entries)
			return
		}

		if len(entries) == 0 {
			fmt.Println(ui.RenderMuted("No flush records"))
			return
		}

		for _, entry := range entries {
			fmt.Printf("%s %s step %d: %d change(s), %d field(s)\n",
				ui.RenderMuted(entry.CreatedAt.Format("2006-01-02 15:04:05")),
				ui.RenderAccent(entry.Event), entry.StepNumber,
				entry.ChangeCount, entry.FieldCount)
			for _, line := range entry.Changes {
				marker := ui.RenderPass("✓")
				switch line.Disposition {
				case types.DispositionShadowed:
					marker = ui.RenderMuted("✗")
				case types.DispositionDeferred:
					marker = ui.RenderWarn("…")
				}
				detail := string(line.Disposition)
				if line.Reason != "" {
					detail += " (" + line.Reason + ")"
				}
				fmt.Printf("  %s %s %s: %s\n", marker, line.ChangeID, line.FieldPath, detail)
			}
		}
	},
}

func init() {
	auditCmd.Flags().String("session", "", "Workflow session ID")
	auditCmd.Flags().Int("limit", 20, "Maximum number of records to show (0 = all)")
	rootCmd.AddCommand(auditCmd)
}
