// Package fieldpath implements dot-path addressing into a step's
// nested document: validation, traversal and the safe apply that never
// clobbers a sibling key or flattens an object-valued sibling.
package fieldpath

import (
	"fmt"
	"sort"
	"strings"

	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/types"
)

// MaxDepth bounds how many segments a path may have. Deep enough for
// any real form; shallow enough to reject runaway input.
const MaxDepth = 32

// Validate checks that path is a dot-separated sequence of non-empty
// segments. Matching is verbatim string equality, so no normalization
// happens here.
func Validate(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", types.ErrInvalidFieldPath)
	}
	segments := strings.Split(path, ".")
	if len(segments) > MaxDepth {
		return fmt.Errorf("%w: %d segments exceeds max depth %d", types.ErrInvalidFieldPath, len(segments), MaxDepth)
	}
	for i, seg := range segments {
		if seg == "" {
			return fmt.Errorf("%w: empty segment at position %d in %q", types.ErrInvalidFieldPath, i, path)
		}
	}
	return nil
}

// Split returns the path's segments. Callers validate first.
func Split(path string) []string {
	return strings.Split(path, ".")
}

// Get traverses data along path and returns the leaf value, or false
// when any segment is missing or a non-object blocks traversal.
func Get(data map[string]any, path string) (any, bool) {
	segments := Split(path)
	cur := data
	for i, seg := range segments {
		val, ok := cur[seg]
		if !ok {
			return nil, false
		}
		if i == len(segments)-1 {
			return val, true
		}
		next, ok := val.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return nil, false
}

// Apply merges the field->value map into data under dot-path
// semantics: intermediate objects are created where missing, leaves
// are set, and sibling keys stay untouched. Paths are applied in
// lexicographic order so that a write to a prefix path always lands
// before writes beneath it; a segment that resolves to a non-object
// while segments remain surfaces ErrPathConflict for the whole batch.
//
// On error data may be partially mutated. Callers commit only on
// success, so the stored document is never half-applied.
func Apply(data map[string]any, values map[string]docvalue.Value) error {
	paths := make([]string, 0, len(values))
	for p := range values {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := setLeaf(data, p, values[p]); err != nil {
			return err
		}
	}
	return nil
}

func setLeaf(data map[string]any, path string, value docvalue.Value) error {
	segments := Split(path)
	cur := data
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value.ToAny()
			return nil
		}
		existing, ok := cur[seg]
		if !ok || existing == nil {
			next := map[string]any{}
			cur[seg] = next
			cur = next
			continue
		}
		next, ok := existing.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: segment %q of %q is %T, not an object",
				types.ErrPathConflict, seg, path, existing)
		}
		cur = next
	}
	return nil
}
