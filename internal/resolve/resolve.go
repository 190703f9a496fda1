// Package resolve decides which queued change wins a field conflict.
// Decisions are pure functions of the strategy and the member set, so
// a replayed flush always reaches the same outcome.
package resolve

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/types"
)

// Decision is the outcome for one conflict.
type Decision struct {
	// Deferred is true for the manual strategy: no member is applied
	// and the conflict stays open.
	Deferred bool

	// WinningChangeID identifies the member whose value (or, for
	// merge, whose position in the merged result) closed the conflict.
	WinningChangeID string

	// FinalValue is the value written to the field.
	FinalValue docvalue.Value
}

// SortChanges orders changes by timestamp ascending, ties broken by
// change_id ascending. This is the FIFO order used everywhere.
func SortChanges(changes []*types.FieldChange) {
	slices.SortFunc(changes, func(a, b *types.FieldChange) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ChangeID, b.ChangeID)
	})
}

// Decide resolves a conflict over its member changes. Members may
// arrive in any order; they are sorted into FIFO order first.
func Decide(strategy types.ResolutionStrategy, members []*types.FieldChange) (Decision, error) {
	if len(members) == 0 {
		return Decision{}, fmt.Errorf("cannot resolve conflict with no members")
	}

	ordered := make([]*types.FieldChange, len(members))
	copy(ordered, members)
	SortChanges(ordered)

	switch strategy {
	case types.StrategyFIFOWins:
		first := ordered[0]
		return Decision{WinningChangeID: first.ChangeID, FinalValue: first.NewValue}, nil

	case types.StrategyLatestWins:
		last := ordered[len(ordered)-1]
		return Decision{WinningChangeID: last.ChangeID, FinalValue: last.NewValue}, nil

	case types.StrategyMerge:
		for _, m := range ordered {
			if !m.NewValue.IsObject() {
				// Non-object member: degrade to latest_wins.
				last := ordered[len(ordered)-1]
				return Decision{WinningChangeID: last.ChangeID, FinalValue: last.NewValue}, nil
			}
		}
		merged := ordered[0].NewValue
		for _, m := range ordered[1:] {
			merged = docvalue.Merge(merged, m.NewValue)
		}
		last := ordered[len(ordered)-1]
		return Decision{WinningChangeID: last.ChangeID, FinalValue: merged}, nil

	case types.StrategyManual:
		return Decision{Deferred: true}, nil
	}

	return Decision{}, fmt.Errorf("unknown resolution strategy %q", strategy)
}
