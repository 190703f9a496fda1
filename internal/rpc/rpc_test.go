package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/untoldecay/FormQueue/internal/manager"
	"github.com/untoldecay/FormQueue/internal/storage/memory"
	"github.com/untoldecay/FormQueue/internal/types"
)

func startTestServer(t *testing.T) (*Server, *manager.ChangeManager, string) {
	t.Helper()

	store := memory.New()
	if err := store.PutSession(context.Background(), &types.WorkflowSession{
		SessionID: "sess-1",
		Steps:     []types.WorkflowStep{{StepNumber: 1, Data: map[string]any{}}},
	}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	mgr := manager.New(store, manager.Options{})

	socketPath := ShortSocketPath(t.TempDir())
	server := NewServer(socketPath, mgr, "/tmp/test.db", ServerOptions{})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-server.WaitReady():
	case err := <-errCh:
		t.Fatalf("server failed to start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	t.Cleanup(func() {
		server.Stop()
		if err := <-errCh; err != nil {
			t.Errorf("server exited with error: %v", err)
		}
	})
	return server, mgr, socketPath
}

func connect(t *testing.T, socketPath string) *Client {
	t.Helper()
	client, err := TryConnect(socketPath)
	if err != nil {
		t.Fatalf("TryConnect: %v", err)
	}
	if client == nil {
		t.Fatal("TryConnect found no daemon")
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPingAndHealth(t *testing.T) {
	_, _, socketPath := startTestServer(t)
	client := connect(t, socketPath)

	if err := client.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	health, err := client.Health()
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("status = %s, want healthy", health.Status)
	}
	if health.MaxConns != 16 {
		t.Errorf("MaxConns = %d, want default 16", health.MaxConns)
	}
}

func TestEnqueueFlushStatsOverSocket(t *testing.T) {
	_, _, socketPath := startTestServer(t)
	client := connect(t, socketPath)
	client.SetActor("tester")

	resp, err := client.Enqueue(&EnqueueArgs{
		SessionID:  "sess-1",
		StepNumber: 1,
		FieldPath:  "client.name",
		NewValue:   json.RawMessage(`"Acme"`),
		UserID:     "u1",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var enq manager.EnqueueResult
	if err := json.Unmarshal(resp.Data, &enq); err != nil {
		t.Fatalf("decode enqueue result: %v", err)
	}
	if !enq.Accepted || enq.ChangeID == "" {
		t.Fatalf("enqueue result = %+v", enq)
	}

	// Same id again must be the idempotent duplicate path.
	resp, err = client.Enqueue(&EnqueueArgs{
		ChangeID:   enq.ChangeID,
		SessionID:  "sess-1",
		StepNumber: 1,
		FieldPath:  "client.name",
		NewValue:   json.RawMessage(`"Acme"`),
		UserID:     "u1",
	})
	if err != nil {
		t.Fatalf("duplicate Enqueue: %v", err)
	}
	var dup manager.EnqueueResult
	if err := json.Unmarshal(resp.Data, &dup); err != nil {
		t.Fatalf("decode duplicate result: %v", err)
	}
	if dup.Accepted || dup.Reason != "duplicate" {
		t.Errorf("duplicate result = %+v", dup)
	}

	resp, err = client.Flush(&FlushArgs{SessionID: "sess-1", StepNumber: 1})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	var flush manager.FlushResult
	if err := json.Unmarshal(resp.Data, &flush); err != nil {
		t.Fatalf("decode flush result: %v", err)
	}
	if flush.ChangesApplied != 1 {
		t.Errorf("flush result = %+v", flush)
	}

	resp, err = client.Stats(&StatsArgs{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	var stats types.SessionStats
	if err := json.Unmarshal(resp.Data, &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.TotalChanges != 1 || stats.ProcessedChanges != 1 || stats.PendingChanges != 0 {
		t.Errorf("stats = %+v", stats)
	}

	resp, err = client.SessionShow(&SessionShowArgs{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("SessionShow: %v", err)
	}
	var sess types.WorkflowSession
	if err := json.Unmarshal(resp.Data, &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	step := sess.Step(1)
	client2, _ := step.Data["client"].(map[string]any)
	if client2["name"] != "Acme" {
		t.Errorf("applied document = %#v", step.Data)
	}
}

func TestResolveOverSocket(t *testing.T) {
	_, mgr, socketPath := startTestServer(t)
	mgr.SetDefaultStrategy(types.StrategyManual)
	client := connect(t, socketPath)

	for i, value := range []string{`"First"`, `"Second"`} {
		_, err := client.Enqueue(&EnqueueArgs{
			ChangeID:   "chg-" + string(rune('a'+i)),
			SessionID:  "sess-1",
			StepNumber: 1,
			FieldPath:  "name",
			NewValue:   json.RawMessage(value),
			UserID:     "u1",
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	resp, err := client.Conflicts(&ConflictsArgs{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("Conflicts: %v", err)
	}
	var conflicts []*types.FieldConflict
	if err := json.Unmarshal(resp.Data, &conflicts); err != nil {
		t.Fatalf("decode conflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].ResolutionStrategy != types.StrategyManual {
		t.Fatalf("conflicts = %+v", conflicts)
	}

	if _, err := client.Resolve(&ResolveArgs{
		SessionID:  "sess-1",
		StepNumber: 1,
		FieldPath:  "name",
		FinalValue: json.RawMessage(`"Picked"`),
		ResolvedBy: "operator",
	}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	resp, err = client.Flush(&FlushArgs{SessionID: "sess-1", StepNumber: 1})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	var flush manager.FlushResult
	if err := json.Unmarshal(resp.Data, &flush); err != nil {
		t.Fatalf("decode flush result: %v", err)
	}
	if flush.ChangesApplied != 2 || flush.ConflictsUnresolved != 0 {
		t.Errorf("flush after resolve = %+v", flush)
	}
}

func TestVersionMismatchRejected(t *testing.T) {
	oldServer, oldClient := ServerVersion, ClientVersion
	ServerVersion = "1.2.0"
	defer func() {
		ServerVersion, ClientVersion = oldServer, oldClient
	}()

	_, _, socketPath := startTestServer(t)

	ClientVersion = "1.2.0"
	client := connect(t, socketPath)

	ClientVersion = "2.0.0"
	_, err := client.Stats(&StatsArgs{SessionID: "sess-1"})
	if err == nil || !strings.Contains(err.Error(), "incompatible major versions") {
		t.Fatalf("major mismatch = %v, want rejection", err)
	}

	// Ping is exempt so operators can always probe.
	ClientVersion = "2.0.0"
	if err := client.Ping(); err != nil {
		t.Errorf("Ping blocked by version check: %v", err)
	}
}

func TestDatabaseMismatchRejected(t *testing.T) {
	_, _, socketPath := startTestServer(t)
	client := connect(t, socketPath)
	client.SetDatabasePath("/elsewhere/other.db")

	_, err := client.Stats(&StatsArgs{SessionID: "sess-1"})
	if err == nil || !strings.Contains(err.Error(), "database mismatch") {
		t.Fatalf("db mismatch = %v, want rejection", err)
	}
}

func TestTryConnectNoDaemon(t *testing.T) {
	client, err := TryConnect(ShortSocketPath(t.TempDir()))
	if err != nil {
		t.Fatalf("TryConnect: %v", err)
	}
	if client != nil {
		t.Fatal("TryConnect invented a daemon")
	}
}
