package resolve

import (
	"testing"

	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/types"
)

func change(id string, ts int64, value docvalue.Value) *types.FieldChange {
	return &types.FieldChange{
		ChangeID:  id,
		SessionID: "sess-1",
		FieldPath: "f",
		NewValue:  value,
		Timestamp: ts,
	}
}

func mustJSON(t *testing.T, data string) docvalue.Value {
	t.Helper()
	v, err := docvalue.FromJSON([]byte(data))
	if err != nil {
		t.Fatalf("FromJSON(%s): %v", data, err)
	}
	return v
}

func TestDecideFIFOWins(t *testing.T) {
	members := []*types.FieldChange{
		change("c2", 20, docvalue.String("B")),
		change("c1", 10, docvalue.String("A")),
	}
	d, err := Decide(types.StrategyFIFOWins, members)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.Deferred || d.WinningChangeID != "c1" || !docvalue.Equal(d.FinalValue, docvalue.String("A")) {
		t.Errorf("fifo_wins picked %s = %s", d.WinningChangeID, d.FinalValue.Compact())
	}
}

func TestDecideLatestWins(t *testing.T) {
	members := []*types.FieldChange{
		change("c1", 10, docvalue.String("A")),
		change("c2", 20, docvalue.String("B")),
	}
	d, err := Decide(types.StrategyLatestWins, members)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.WinningChangeID != "c2" || !docvalue.Equal(d.FinalValue, docvalue.String("B")) {
		t.Errorf("latest_wins picked %s = %s", d.WinningChangeID, d.FinalValue.Compact())
	}
}

func TestDecideTimestampTieBreaksOnID(t *testing.T) {
	members := []*types.FieldChange{
		change("c-b", 10, docvalue.String("B")),
		change("c-a", 10, docvalue.String("A")),
	}
	d, err := Decide(types.StrategyFIFOWins, members)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.WinningChangeID != "c-a" {
		t.Errorf("tie break picked %s, want c-a", d.WinningChangeID)
	}
}

func TestDecideMergeObjects(t *testing.T) {
	members := []*types.FieldChange{
		change("c1", 10, mustJSON(t, `{"email":"a@x.io","phone":"111"}`)),
		change("c2", 20, mustJSON(t, `{"phone":"222"}`)),
	}
	d, err := Decide(types.StrategyMerge, members)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	want := mustJSON(t, `{"email":"a@x.io","phone":"222"}`)
	if !docvalue.Equal(d.FinalValue, want) {
		t.Errorf("merge = %s, want %s", d.FinalValue.Compact(), want.Compact())
	}
	if d.WinningChangeID != "c2" {
		t.Errorf("merge winner = %s, want c2", d.WinningChangeID)
	}
}

func TestDecideMergeThreeWayCascade(t *testing.T) {
	// Members arrive unsorted; overlapping leaves fold in queue order.
	members := []*types.FieldChange{
		change("c3", 30, mustJSON(t, `{"z":5}`)),
		change("c1", 10, mustJSON(t, `{"x":1,"y":2}`)),
		change("c2", 20, mustJSON(t, `{"y":3,"z":4}`)),
	}
	d, err := Decide(types.StrategyMerge, members)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	want := mustJSON(t, `{"x":1,"y":3,"z":5}`)
	if !docvalue.Equal(d.FinalValue, want) {
		t.Errorf("merge = %s, want %s", d.FinalValue.Compact(), want.Compact())
	}
	if d.WinningChangeID != "c3" {
		t.Errorf("merge winner = %s, want c3", d.WinningChangeID)
	}
}

func TestDecideMergeDegradesOnNonObject(t *testing.T) {
	members := []*types.FieldChange{
		change("c1", 10, mustJSON(t, `{"a":1}`)),
		change("c2", 20, docvalue.String("flat")),
	}
	d, err := Decide(types.StrategyMerge, members)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if d.WinningChangeID != "c2" || !docvalue.Equal(d.FinalValue, docvalue.String("flat")) {
		t.Errorf("degraded merge picked %s = %s, want c2 = \"flat\"", d.WinningChangeID, d.FinalValue.Compact())
	}
}

func TestDecideManualDefers(t *testing.T) {
	members := []*types.FieldChange{change("c1", 10, docvalue.String("A"))}
	d, err := Decide(types.StrategyManual, members)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if !d.Deferred {
		t.Error("manual strategy should defer")
	}
}

func TestDecideErrors(t *testing.T) {
	if _, err := Decide(types.StrategyFIFOWins, nil); err == nil {
		t.Error("expected error for empty member set")
	}
	members := []*types.FieldChange{change("c1", 10, docvalue.String("A"))}
	if _, err := Decide("bogus", members); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
