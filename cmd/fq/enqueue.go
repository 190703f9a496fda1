package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/manager"
	"github.com/untoldecay/FormQueue/internal/rpc"
	"github.com/untoldecay/FormQueue/internal/types"
	"github.com/untoldecay/FormQueue/internal/ui"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a field change for later processing",
	Long: `Queue a field-scoped change against one step of a workflow session.

The change is durably appended and conflict detection runs immediately,
but nothing is applied to the session document until 'fq flush'.
Values are JSON: strings must be quoted ('"Alice"'), objects and
arrays are passed as-is.

EXAMPLES:
  fq enqueue --session sess-1 --step 2 --field client.name --value '"Acme"' --user u1
  fq enqueue --session sess-1 --step 2 --field client.contact --value '{"email":"a@acme.io"}' --user u2 --flush`,
	Run: func(cmd *cobra.Command, args []string) {
		sessionID, _ := cmd.Flags().GetString("session")
		step, _ := cmd.Flags().GetInt("step")
		fieldPath, _ := cmd.Flags().GetString("field")
		valueJSON, _ := cmd.Flags().GetString("value")
		oldValueJSON, _ := cmd.Flags().GetString("old-value")
		userID, _ := cmd.Flags().GetString("user")
		userName, _ := cmd.Flags().GetString("user-name")
		changeID, _ := cmd.Flags().GetString("id")
		autoFlush, _ := cmd.Flags().GetBool("flush")

		if sessionID == "" || fieldPath == "" || valueJSON == "" || userID == "" {
			fatalf("--session, --field, --value and --user are required")
		}

		if daemonClient != nil {
			resp, err := daemonClient.Enqueue(&rpc.EnqueueArgs{
				ChangeID:   changeID,
				SessionID:  sessionID,
				StepNumber: step,
				FieldPath:  fieldPath,
				OldValue:   optionalRaw(oldValueJSON),
				NewValue:   json.RawMessage(valueJSON),
				UserID:     userID,
				UserName:   userName,
				AutoFlush:  autoFlush,
			})
			if err != nil {
				fatalf("%v", err)
			}
			var result manager.EnqueueResult
			if err := json.Unmarshal(resp.Data, &result); err != nil {
				fatalf("bad daemon response: %v", err)
			}
			printEnqueueResult(&result)
			return
		}

		if err := ensureStore(); err != nil {
			fatalf("%v", err)
		}

		newValue, err := docvalue.FromJSON([]byte(valueJSON))
		if err != nil {
			fatalf("invalid --value: %v", err)
		}
		var oldValue *docvalue.Value
		if oldValueJSON != "" {
			v, err := docvalue.FromJSON([]byte(oldValueJSON))
			if err != nil {
				fatalf("invalid --old-value: %v", err)
			}
			oldValue = &v
		}
		if changeID == "" {
			changeID, err = manager.NewChangeID()
			if err != nil {
				fatalf("%v", err)
			}
		}

		result, err := mgr.Enqueue(rootCtx, &types.FieldChange{
			ChangeID:   changeID,
			SessionID:  sessionID,
			StepNumber: step,
			FieldPath:  fieldPath,
			OldValue:   oldValue,
			NewValue:   newValue,
			UserID:     userID,
			UserName:   userName,
		})
		if err != nil {
			fatalf("%v", err)
		}
		printEnqueueResult(result)

		if autoFlush && result.Accepted {
			if _, err := mgr.Flush(rootCtx, sessionID, step); err != nil {
				fatalf("flush failed: %v", err)
			}
		}
	},
}

func optionalRaw(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func printEnqueueResult(result *manager.EnqueueResult) {
	if jsonOutput {
		outputJSON(result)
		return
	}
	if !result.Accepted {
		fmt.Printf("%s Change %s ignored (%s)\n", ui.RenderMuted("·"), result.ChangeID, result.Reason)
		return
	}
	fmt.Printf("%s Queued %s\n", ui.RenderPass("✓"), result.ChangeID)
	if result.ConflictDetected {
		fmt.Println(ui.RenderWarn("⚠ conflict detected on this field; resolution runs at flush"))
	}
}

func init() {
	enqueueCmd.Flags().String("session", "", "Workflow session ID")
	enqueueCmd.Flags().Int("step", 0, "Step number within the session")
	enqueueCmd.Flags().String("field", "", "Dot-separated field path (e.g. client.address.city)")
	enqueueCmd.Flags().String("value", "", "New value as JSON")
	enqueueCmd.Flags().String("old-value", "", "Previously observed value as JSON (informational)")
	enqueueCmd.Flags().String("user", "", "User ID making the change")
	enqueueCmd.Flags().String("user-name", "", "Display name of the user")
	enqueueCmd.Flags().String("id", "", "Client-supplied change ID for idempotent retries")
	enqueueCmd.Flags().Bool("flush", false, "Flush the step queue after enqueueing")
	rootCmd.AddCommand(enqueueCmd)
}
