package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/types"
)

func setupTestDB(t *testing.T) (*SQLiteStorage, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "formqueue-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	store, err := New(context.Background(), filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("failed to open database: %v", err)
	}
	return store, func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}
}

func testChange(id, session string, step int, field string, ts int64, value string) *types.FieldChange {
	return &types.FieldChange{
		ChangeID:   id,
		SessionID:  session,
		StepNumber: step,
		FieldPath:  field,
		NewValue:   docvalue.String(value),
		UserID:     "u1",
		UserName:   "User One",
		Timestamp:  ts,
		CreatedAt:  time.Now().UTC(),
	}
}

func seedSession(t *testing.T, store *SQLiteStorage, sessionID string, steps ...int) {
	t.Helper()
	sess := &types.WorkflowSession{
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	for _, n := range steps {
		sess.Steps = append(sess.Steps, types.WorkflowStep{
			StepNumber: n,
			Data:       map[string]any{},
		})
	}
	if err := store.PutSession(context.Background(), sess); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
}

func TestAppendChangeDuplicate(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	c := testChange("chg-1", "sess-1", 1, "name", 100, "A")
	if err := store.AppendChange(ctx, c); err != nil {
		t.Fatalf("first append: %v", err)
	}
	err := store.AppendChange(ctx, c)
	if !errors.Is(err, types.ErrDuplicateChange) {
		t.Fatalf("second append = %v, want ErrDuplicateChange", err)
	}

	got, err := store.GetChange(ctx, "chg-1")
	if err != nil {
		t.Fatalf("GetChange: %v", err)
	}
	if got == nil || got.FieldPath != "name" || !docvalue.Equal(got.NewValue, docvalue.String("A")) {
		t.Errorf("stored change corrupted: %+v", got)
	}
}

func TestGetChangeAbsent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	got, err := store.GetChange(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetChange: %v", err)
	}
	if got != nil {
		t.Errorf("GetChange(absent) = %+v, want nil", got)
	}
}

func TestPendingChangesFIFOOrder(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	// Append out of timestamp order; ties must break by change_id.
	for _, c := range []*types.FieldChange{
		testChange("chg-c", "sess-1", 1, "name", 300, "C"),
		testChange("chg-a", "sess-1", 1, "name", 100, "A"),
		testChange("chg-z", "sess-1", 1, "email", 200, "Z2"),
		testChange("chg-b", "sess-1", 1, "email", 200, "B"),
		testChange("chg-other", "sess-1", 2, "name", 50, "other step"),
	} {
		if err := store.AppendChange(ctx, c); err != nil {
			t.Fatalf("AppendChange(%s): %v", c.ChangeID, err)
		}
	}

	pending, err := store.PendingChanges(ctx, "sess-1", 1)
	if err != nil {
		t.Fatalf("PendingChanges: %v", err)
	}
	wantOrder := []string{"chg-a", "chg-b", "chg-z", "chg-c"}
	if len(pending) != len(wantOrder) {
		t.Fatalf("got %d pending, want %d", len(pending), len(wantOrder))
	}
	for i, id := range wantOrder {
		if pending[i].ChangeID != id {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].ChangeID, id)
		}
	}

	byField, err := store.PendingChangesForField(ctx, "sess-1", 1, "email")
	if err != nil {
		t.Fatalf("PendingChangesForField: %v", err)
	}
	if len(byField) != 2 || byField[0].ChangeID != "chg-b" || byField[1].ChangeID != "chg-z" {
		t.Errorf("field filter returned %d changes", len(byField))
	}
}

func TestMarkProcessedIdempotent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := store.AppendChange(ctx, testChange("chg-1", "sess-1", 1, "name", 100, "A")); err != nil {
		t.Fatalf("AppendChange: %v", err)
	}

	now := time.Now().UTC()
	if err := store.MarkProcessed(ctx, []string{"chg-1"}, now); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := store.MarkProcessed(ctx, []string{"chg-1"}, now.Add(time.Hour)); err != nil {
		t.Fatalf("second MarkProcessed: %v", err)
	}

	got, err := store.GetChange(ctx, "chg-1")
	if err != nil {
		t.Fatalf("GetChange: %v", err)
	}
	if !got.IsProcessed || got.ProcessedAt == nil {
		t.Fatal("change not marked processed")
	}
	// First stamp wins.
	if got.ProcessedAt.Sub(now).Abs() > time.Second {
		t.Errorf("ProcessedAt = %v, want near %v", got.ProcessedAt, now)
	}

	pending, err := store.PendingChanges(ctx, "sess-1", 1)
	if err != nil {
		t.Fatalf("PendingChanges: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("processed change still pending")
	}
}

func TestChangeHistory(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for _, c := range []*types.FieldChange{
		testChange("chg-1", "sess-1", 1, "name", 100, "A"),
		testChange("chg-2", "sess-1", 2, "name", 200, "B"),
		testChange("chg-3", "sess-1", 1, "email", 150, "x@y.io"),
	} {
		if err := store.AppendChange(ctx, c); err != nil {
			t.Fatalf("AppendChange: %v", err)
		}
	}
	if err := store.MarkProcessed(ctx, []string{"chg-1"}, time.Now().UTC()); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	history, err := store.ChangeHistory(ctx, "sess-1", "name")
	if err != nil {
		t.Fatalf("ChangeHistory: %v", err)
	}
	if len(history) != 2 || history[0].ChangeID != "chg-1" || history[1].ChangeID != "chg-2" {
		t.Fatalf("history ids wrong: %d entries", len(history))
	}
	if !history[0].IsProcessed || history[1].IsProcessed {
		t.Error("processed flags not preserved in history")
	}
}

func TestConflictLifecycle(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	opened, err := store.OpenConflict(ctx, &types.FieldConflict{
		ConflictID:         "cfl-1",
		SessionID:          "sess-1",
		StepNumber:         1,
		FieldPath:          "name",
		ConflictingChanges: []string{"chg-1", "chg-2"},
		DetectedAt:         time.Now().UTC(),
		ResolutionStrategy: types.StrategyFIFOWins,
	})
	if err != nil {
		t.Fatalf("OpenConflict: %v", err)
	}
	if !opened.Open() {
		t.Fatal("freshly opened conflict reports resolved")
	}

	// Opening again for the same field extends membership instead of
	// creating a second open conflict.
	extended, err := store.OpenConflict(ctx, &types.FieldConflict{
		ConflictID:         "cfl-ignored",
		SessionID:          "sess-1",
		StepNumber:         1,
		FieldPath:          "name",
		ConflictingChanges: []string{"chg-2", "chg-3"},
		DetectedAt:         time.Now().UTC(),
		ResolutionStrategy: types.StrategyFIFOWins,
	})
	if err != nil {
		t.Fatalf("second OpenConflict: %v", err)
	}
	if extended.ConflictID != "cfl-1" {
		t.Errorf("extension minted new conflict %s", extended.ConflictID)
	}
	if len(extended.ConflictingChanges) != 3 {
		t.Errorf("membership = %v, want union of 3", extended.ConflictingChanges)
	}

	found, err := store.OpenConflictFor(ctx, "sess-1", 1, "name")
	if err != nil {
		t.Fatalf("OpenConflictFor: %v", err)
	}
	if found == nil || found.ConflictID != "cfl-1" {
		t.Fatalf("OpenConflictFor = %+v", found)
	}

	if err := store.CloseConflict(ctx, "cfl-1", "operator", docvalue.String("final"), time.Now().UTC()); err != nil {
		t.Fatalf("CloseConflict: %v", err)
	}
	err = store.CloseConflict(ctx, "cfl-1", "operator", docvalue.String("again"), time.Now().UTC())
	if !errors.Is(err, types.ErrAlreadyResolved) {
		t.Fatalf("second close = %v, want ErrAlreadyResolved", err)
	}
	err = store.CloseConflict(ctx, "cfl-missing", "operator", docvalue.String("x"), time.Now().UTC())
	if !errors.Is(err, types.ErrConflictNotFound) {
		t.Fatalf("close unknown = %v, want ErrConflictNotFound", err)
	}

	if found, err = store.OpenConflictFor(ctx, "sess-1", 1, "name"); err != nil {
		t.Fatalf("OpenConflictFor after close: %v", err)
	}
	if found != nil {
		t.Error("closed conflict still reported open")
	}

	resolved, err := store.ResolvedConflictForChange(ctx, "sess-1", 1, "name", "chg-2")
	if err != nil {
		t.Fatalf("ResolvedConflictForChange: %v", err)
	}
	if resolved == nil || resolved.ResolvedBy != "operator" {
		t.Fatalf("resolved lookup = %+v", resolved)
	}
	if resolved.FinalValue == nil || !docvalue.Equal(*resolved.FinalValue, docvalue.String("final")) {
		t.Error("final value not preserved through close")
	}
}

func TestOpenConflictsListing(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i, field := range []string{"name", "email"} {
		_, err := store.OpenConflict(ctx, &types.FieldConflict{
			ConflictID:         "cfl-" + field,
			SessionID:          "sess-1",
			StepNumber:         i + 1,
			FieldPath:          field,
			ConflictingChanges: []string{"chg-a", "chg-b"},
			DetectedAt:         time.Now().UTC(),
			ResolutionStrategy: types.StrategyManual,
		})
		if err != nil {
			t.Fatalf("OpenConflict(%s): %v", field, err)
		}
	}

	all, err := store.OpenConflicts(ctx, "sess-1", nil)
	if err != nil {
		t.Fatalf("OpenConflicts: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("session-wide listing = %d, want 2", len(all))
	}

	step := 2
	scoped, err := store.OpenConflicts(ctx, "sess-1", &step)
	if err != nil {
		t.Fatalf("OpenConflicts(step): %v", err)
	}
	if len(scoped) != 1 || scoped[0].FieldPath != "email" {
		t.Errorf("step listing = %d entries", len(scoped))
	}
}

func TestSessionUpdateStepData(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	seedSession(t, store, "sess-1", 1, 2)

	now := time.Now().UTC()
	err := store.UpdateStepData(ctx, "sess-1", 2, func(data map[string]any) error {
		data["client"] = map[string]any{"name": "Acme"}
		return nil
	}, "fifo-batch", now)
	if err != nil {
		t.Fatalf("UpdateStepData: %v", err)
	}

	sess, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	step := sess.Step(2)
	if step == nil {
		t.Fatal("step 2 missing")
	}
	client, _ := step.Data["client"].(map[string]any)
	if client["name"] != "Acme" {
		t.Errorf("step data = %#v", step.Data)
	}
	if step.ModifiedBy != "fifo-batch" || step.LastModified == nil {
		t.Error("writer identity not stamped")
	}
	if sibling := sess.Step(1); sibling == nil || len(sibling.Data) != 0 {
		t.Error("untouched step mutated")
	}
}

func TestUpdateStepDataErrors(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	noop := func(data map[string]any) error { return nil }

	err := store.UpdateStepData(ctx, "missing", 1, noop, "x", time.Now().UTC())
	if !errors.Is(err, types.ErrSessionNotFound) {
		t.Fatalf("missing session = %v, want ErrSessionNotFound", err)
	}

	seedSession(t, store, "sess-1", 1)
	err = store.UpdateStepData(ctx, "sess-1", 9, noop, "x", time.Now().UTC())
	if !errors.Is(err, types.ErrStepNotFound) {
		t.Fatalf("missing step = %v, want ErrStepNotFound", err)
	}

	// A failing callback must leave the document untouched.
	err = store.UpdateStepData(ctx, "sess-1", 1, func(data map[string]any) error {
		data["poison"] = true
		return errors.New("boom")
	}, "x", time.Now().UTC())
	if err == nil {
		t.Fatal("callback error not propagated")
	}
	sess, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if _, ok := sess.Step(1).Data["poison"]; ok {
		t.Error("aborted update leaked into the stored document")
	}
}

func TestGetSessionAbsent(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := store.GetSession(context.Background(), "missing")
	if !errors.Is(err, types.ErrSessionNotFound) {
		t.Fatalf("GetSession(missing) = %v, want ErrSessionNotFound", err)
	}
}

func TestAuditAppendAndList(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		entry := &types.AuditEntry{
			SessionID:   "sess-1",
			StepNumber:  1,
			Event:       types.EventFlush,
			ChangeCount: i + 1,
			FieldCount:  1,
			Changes: []types.ChangeLogEntry{
				{ChangeID: "chg-1", FieldPath: "name", Disposition: types.DispositionApplied},
			},
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendAuditEntry(ctx, entry); err != nil {
			t.Fatalf("AppendAuditEntry: %v", err)
		}
	}

	entries, err := store.AuditEntries(ctx, "sess-1", 2)
	if err != nil {
		t.Fatalf("AuditEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("limit ignored: got %d entries", len(entries))
	}
	// Newest first.
	if entries[0].ChangeCount != 3 {
		t.Errorf("entries[0].ChangeCount = %d, want 3", entries[0].ChangeCount)
	}
	if len(entries[0].Changes) != 1 || entries[0].Changes[0].Disposition != types.DispositionApplied {
		t.Errorf("per-change log not round-tripped: %+v", entries[0].Changes)
	}
}

func TestSessionStats(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	for _, c := range []*types.FieldChange{
		testChange("chg-1", "sess-1", 1, "name", 100, "A"),
		testChange("chg-2", "sess-1", 1, "name", 200, "B"),
		testChange("chg-3", "sess-1", 1, "email", 300, "x@y.io"),
	} {
		if err := store.AppendChange(ctx, c); err != nil {
			t.Fatalf("AppendChange: %v", err)
		}
	}
	if err := store.MarkProcessed(ctx, []string{"chg-3"}, time.Now().UTC()); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if _, err := store.OpenConflict(ctx, &types.FieldConflict{
		ConflictID:         "cfl-1",
		SessionID:          "sess-1",
		StepNumber:         1,
		FieldPath:          "name",
		ConflictingChanges: []string{"chg-1", "chg-2"},
		DetectedAt:         time.Now().UTC(),
		ResolutionStrategy: types.StrategyFIFOWins,
	}); err != nil {
		t.Fatalf("OpenConflict: %v", err)
	}

	stats, err := store.SessionStats(ctx, "sess-1")
	if err != nil {
		t.Fatalf("SessionStats: %v", err)
	}
	if stats.TotalChanges != 3 || stats.ProcessedChanges != 1 || stats.PendingChanges != 2 {
		t.Errorf("change counters = %+v", stats)
	}
	if stats.OpenConflicts != 1 || stats.ResolvedConflicts != 0 {
		t.Errorf("conflict counters = %+v", stats)
	}

	if err := store.CloseConflict(ctx, "cfl-1", "op", docvalue.String("A"), time.Now().UTC()); err != nil {
		t.Fatalf("CloseConflict: %v", err)
	}
	stats, err = store.SessionStats(ctx, "sess-1")
	if err != nil {
		t.Fatalf("SessionStats: %v", err)
	}
	if stats.OpenConflicts != 0 || stats.ResolvedConflicts != 1 {
		t.Errorf("conflict counters after close = %+v", stats)
	}
}

func TestCleanup(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	old := time.Now().UTC().Add(-72 * time.Hour)
	recent := time.Now().UTC()

	oldProcessed := testChange("chg-old", "sess-1", 1, "name", 100, "A")
	oldProcessed.CreatedAt = old
	oldPending := testChange("chg-old-pending", "sess-1", 1, "email", 150, "B")
	oldPending.CreatedAt = old
	fresh := testChange("chg-new", "sess-1", 1, "phone", 200, "C")

	for _, c := range []*types.FieldChange{oldProcessed, oldPending, fresh} {
		if err := store.AppendChange(ctx, c); err != nil {
			t.Fatalf("AppendChange: %v", err)
		}
	}
	if err := store.MarkProcessed(ctx, []string{"chg-old"}, old); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}
	if err := store.MarkProcessed(ctx, []string{"chg-new"}, recent); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	for _, entry := range []*types.AuditEntry{
		{SessionID: "sess-1", StepNumber: 1, Event: types.EventFlush, CreatedAt: old},
		{SessionID: "sess-1", StepNumber: 1, Event: types.EventFlush, CreatedAt: recent},
	} {
		if err := store.AppendAuditEntry(ctx, entry); err != nil {
			t.Fatalf("AppendAuditEntry: %v", err)
		}
	}

	result, err := store.Cleanup(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if result.ChangesRemoved != 1 {
		t.Errorf("ChangesRemoved = %d, want 1 (pending must survive)", result.ChangesRemoved)
	}
	if result.LogsRemoved != 1 {
		t.Errorf("LogsRemoved = %d, want 1", result.LogsRemoved)
	}

	if got, err := store.GetChange(ctx, "chg-old"); err != nil || got != nil {
		t.Errorf("old processed change survived cleanup: %+v, %v", got, err)
	}
	if got, err := store.GetChange(ctx, "chg-old-pending"); err != nil || got == nil {
		t.Errorf("old pending change removed: %v", err)
	}
	if got, err := store.GetChange(ctx, "chg-new"); err != nil || got == nil {
		t.Errorf("recent change removed: %v", err)
	}
}
