package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/untoldecay/FormQueue/internal/rpc"
	"github.com/untoldecay/FormQueue/internal/types"
	"github.com/untoldecay/FormQueue/internal/ui"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage workflow session documents",
}

var sessionPutCmd = &cobra.Command{
	Use:   "put [file]",
	Short: "Install or replace a session document from JSON",
	Long: `Read a workflow session document from a file (or stdin when the
argument is omitted or '-') and install it. An existing session with
the same session_id is replaced.

The document shape:
  {"session_id": "sess-1", "steps": [{"step_number": 1, "data": {...}}]}`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var raw []byte
		var err error
		if len(args) == 0 || args[0] == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(args[0])
		}
		if err != nil {
			fatalf("failed to read session document: %v", err)
		}

		var session types.WorkflowSession
		if err := json.Unmarshal(raw, &session); err != nil {
			fatalf("invalid session document: %v", err)
		}
		if session.SessionID == "" {
			fatalf("session_id is required")
		}

		if daemonClient != nil {
			if _, err := daemonClient.SessionPut(&rpc.SessionPutArgs{Session: raw}); err != nil {
				fatalf("%v", err)
			}
		} else {
			if err := ensureStore(); err != nil {
				fatalf("%v", err)
			}
			if err := store.PutSession(rootCtx, &session); err != nil {
				fatalf("%v", err)
			}
		}

		if jsonOutput {
			outputJSON(map[string]string{"session_id": session.SessionID})
			return
		}
		fmt.Printf("%s Installed session %s (%d step(s))\n",
			ui.RenderPass("✓"), ui.RenderAccent(session.SessionID), len(session.Steps))
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session document as JSON",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		sessionID := args[0]

		var session *types.WorkflowSession
		if daemonClient != nil {
			resp, err := daemonClient.SessionShow(&rpc.SessionShowArgs{SessionID: sessionID})
			if err != nil {
				fatalf("%v", err)
			}
			session = &types.WorkflowSession{}
			if err := json.Unmarshal(resp.Data, session); err != nil {
				fatalf("bad daemon response: %v", err)
			}
		} else {
			if err := ensureStore(); err != nil {
				fatalf("%v", err)
			}
			var err error
			session, err = store.GetSession(rootCtx, sessionID)
			if err != nil {
				fatalf("%v", err)
			}
		}

		outputJSON(session)
	},
}

func init() {
	sessionCmd.AddCommand(sessionPutCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	rootCmd.AddCommand(sessionCmd)
}
