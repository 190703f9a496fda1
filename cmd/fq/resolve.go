package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/rpc"
	"github.com/untoldecay/FormQueue/internal/types"
	"github.com/untoldecay/FormQueue/internal/ui"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve an open conflict on a field",
	Long: `Close an open conflict by choosing either a concrete strategy
(fifo_wins, latest_wins, merge) or an explicit final value. The member
changes are applied on the next flush of that step.

EXAMPLES:
  fq resolve --session sess-1 --step 2 --field client.name --strategy fifo_wins
  fq resolve --session sess-1 --step 2 --field client.name --value '"Acme Corp"'`,
	Run: func(cmd *cobra.Command, args []string) {
		sessionID, _ := cmd.Flags().GetString("session")
		step, _ := cmd.Flags().GetInt("step")
		fieldPath, _ := cmd.Flags().GetString("field")
		strategy, _ := cmd.Flags().GetString("strategy")
		valueJSON, _ := cmd.Flags().GetString("value")

		if sessionID == "" || fieldPath == "" {
			fatalf("--session and --field are required")
		}
		if strategy == "" && valueJSON == "" {
			fatalf("either --strategy or --value is required")
		}

		resolvedBy := actorName
		if resolvedBy == "" {
			resolvedBy = "operator"
		}

		if daemonClient != nil {
			_, err := daemonClient.Resolve(&rpc.ResolveArgs{
				SessionID:  sessionID,
				StepNumber: step,
				FieldPath:  fieldPath,
				Strategy:   strategy,
				FinalValue: optionalRaw(valueJSON),
				ResolvedBy: resolvedBy,
			})
			if err != nil {
				fatalf("%v", err)
			}
		} else {
			if err := ensureStore(); err != nil {
				fatalf("%v", err)
			}
			var finalValue *docvalue.Value
			if valueJSON != "" {
				v, err := docvalue.FromJSON([]byte(valueJSON))
				if err != nil {
					fatalf("invalid --value: %v", err)
				}
				finalValue = &v
			}
			err := mgr.ResolveManual(rootCtx, sessionID, step, fieldPath,
				types.ResolutionStrategy(strategy), finalValue, resolvedBy)
			if err != nil {
				fatalf("%v", err)
			}
		}

		if jsonOutput {
			outputJSON(map[string]string{"status": "resolved", "field_path": fieldPath})
			return
		}
		fmt.Printf("%s Resolved conflict on %s; run 'fq flush' to apply\n",
			ui.RenderPass("✓"), ui.RenderAccent(fieldPath))
	},
}

func init() {
	resolveCmd.Flags().String("session", "", "Workflow session ID")
	resolveCmd.Flags().Int("step", 0, "Step number within the session")
	resolveCmd.Flags().String("field", "", "Field path with the open conflict")
	resolveCmd.Flags().String("strategy", "", "Resolution strategy: fifo_wins, latest_wins or merge")
	resolveCmd.Flags().String("value", "", "Explicit final value as JSON")
	rootCmd.AddCommand(resolveCmd)
}
