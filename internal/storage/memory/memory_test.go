package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/types"
)

func testChange(id string, step int, field string, ts int64, value string) *types.FieldChange {
	return &types.FieldChange{
		ChangeID:   id,
		SessionID:  "sess-1",
		StepNumber: step,
		FieldPath:  field,
		NewValue:   docvalue.String(value),
		UserID:     "u1",
		Timestamp:  ts,
	}
}

func TestAppendAndPendingOrder(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, c := range []*types.FieldChange{
		testChange("chg-b", 1, "name", 200, "B"),
		testChange("chg-a", 1, "name", 100, "A"),
		testChange("chg-c", 1, "email", 200, "C"),
	} {
		if err := store.AppendChange(ctx, c); err != nil {
			t.Fatalf("AppendChange(%s): %v", c.ChangeID, err)
		}
	}

	err := store.AppendChange(ctx, testChange("chg-a", 1, "name", 999, "dup"))
	if !errors.Is(err, types.ErrDuplicateChange) {
		t.Fatalf("duplicate append = %v, want ErrDuplicateChange", err)
	}

	pending, err := store.PendingChanges(ctx, "sess-1", 1)
	if err != nil {
		t.Fatalf("PendingChanges: %v", err)
	}
	want := []string{"chg-a", "chg-b", "chg-c"}
	if len(pending) != len(want) {
		t.Fatalf("got %d pending, want %d", len(pending), len(want))
	}
	for i, id := range want {
		if pending[i].ChangeID != id {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].ChangeID, id)
		}
	}
}

func TestReadsDoNotAliasStore(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.AppendChange(ctx, testChange("chg-1", 1, "name", 100, "A")); err != nil {
		t.Fatalf("AppendChange: %v", err)
	}
	got, err := store.GetChange(ctx, "chg-1")
	if err != nil {
		t.Fatalf("GetChange: %v", err)
	}
	got.FieldPath = "tampered"

	again, err := store.GetChange(ctx, "chg-1")
	if err != nil {
		t.Fatalf("GetChange: %v", err)
	}
	if again.FieldPath != "name" {
		t.Error("mutation of a returned change leaked into the store")
	}
}

func TestConflictUnionAndClose(t *testing.T) {
	store := New()
	ctx := context.Background()

	opened, err := store.OpenConflict(ctx, &types.FieldConflict{
		SessionID:          "sess-1",
		StepNumber:         1,
		FieldPath:          "name",
		ConflictingChanges: []string{"chg-1", "chg-2"},
		ResolutionStrategy: types.StrategyLatestWins,
	})
	if err != nil {
		t.Fatalf("OpenConflict: %v", err)
	}
	if opened.ConflictID == "" {
		t.Fatal("conflict id not minted")
	}

	extended, err := store.OpenConflict(ctx, &types.FieldConflict{
		SessionID:          "sess-1",
		StepNumber:         1,
		FieldPath:          "name",
		ConflictingChanges: []string{"chg-3"},
		ResolutionStrategy: types.StrategyLatestWins,
	})
	if err != nil {
		t.Fatalf("second OpenConflict: %v", err)
	}
	if extended.ConflictID != opened.ConflictID || len(extended.ConflictingChanges) != 3 {
		t.Errorf("extension = %+v", extended)
	}

	if err := store.CloseConflict(ctx, opened.ConflictID, "op", docvalue.String("X"), time.Now().UTC()); err != nil {
		t.Fatalf("CloseConflict: %v", err)
	}
	err = store.CloseConflict(ctx, opened.ConflictID, "op", docvalue.String("Y"), time.Now().UTC())
	if !errors.Is(err, types.ErrAlreadyResolved) {
		t.Fatalf("second close = %v, want ErrAlreadyResolved", err)
	}

	resolved, err := store.ResolvedConflictForChange(ctx, "sess-1", 1, "name", "chg-3")
	if err != nil {
		t.Fatalf("ResolvedConflictForChange: %v", err)
	}
	if resolved == nil || !docvalue.Equal(*resolved.FinalValue, docvalue.String("X")) {
		t.Errorf("resolved lookup = %+v", resolved)
	}
}

func TestUpdateStepDataIsolation(t *testing.T) {
	store := New()
	ctx := context.Background()

	if err := store.PutSession(ctx, &types.WorkflowSession{
		SessionID: "sess-1",
		Steps:     []types.WorkflowStep{{StepNumber: 1, Data: map[string]any{"keep": "me"}}},
	}); err != nil {
		t.Fatalf("PutSession: %v", err)
	}

	// A failing update must not leak partial writes.
	boom := errors.New("boom")
	err := store.UpdateStepData(ctx, "sess-1", 1, func(data map[string]any) error {
		data["poison"] = true
		return boom
	}, "x", time.Now().UTC())
	if !errors.Is(err, boom) {
		t.Fatalf("callback error not propagated: %v", err)
	}

	sess, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	data := sess.Step(1).Data
	if _, ok := data["poison"]; ok {
		t.Error("aborted update leaked into the stored document")
	}
	if data["keep"] != "me" {
		t.Error("existing data lost")
	}

	err = store.UpdateStepData(ctx, "sess-1", 99, func(map[string]any) error { return nil }, "x", time.Now().UTC())
	if !errors.Is(err, types.ErrStepNotFound) {
		t.Fatalf("missing step = %v, want ErrStepNotFound", err)
	}
}

func TestCleanupKeepsPending(t *testing.T) {
	store := New()
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	if err := store.AppendChange(ctx, testChange("chg-done", 1, "a", 100, "x")); err != nil {
		t.Fatalf("AppendChange: %v", err)
	}
	if err := store.AppendChange(ctx, testChange("chg-wait", 1, "b", 200, "y")); err != nil {
		t.Fatalf("AppendChange: %v", err)
	}
	if err := store.MarkProcessed(ctx, []string{"chg-done"}, old); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	result, err := store.Cleanup(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if result.ChangesRemoved != 1 {
		t.Errorf("ChangesRemoved = %d, want 1", result.ChangesRemoved)
	}
	if got, _ := store.GetChange(ctx, "chg-wait"); got == nil {
		t.Error("pending change removed by cleanup")
	}
}
