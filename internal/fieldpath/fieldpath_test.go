package fieldpath

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/untoldecay/FormQueue/internal/docvalue"
	"github.com/untoldecay/FormQueue/internal/types"
)

func TestValidate(t *testing.T) {
	valid := []string{"name", "client.address.city", "a.b", strings.Repeat("x.", 31) + "x"}
	for _, path := range valid {
		if err := Validate(path); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", path, err)
		}
	}

	invalid := []string{"", ".", "a..b", ".a", "a.", strings.Repeat("x.", 32) + "x"}
	for _, path := range invalid {
		err := Validate(path)
		if !errors.Is(err, types.ErrInvalidFieldPath) {
			t.Errorf("Validate(%q) = %v, want ErrInvalidFieldPath", path, err)
		}
	}
}

func TestApplyCreatesIntermediates(t *testing.T) {
	data := map[string]any{}
	err := Apply(data, map[string]docvalue.Value{
		"client.address.city": docvalue.String("Lyon"),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, ok := Get(data, "client.address.city")
	if !ok || got != "Lyon" {
		t.Errorf("Get = %v, %v; want Lyon, true", got, ok)
	}
}

func TestApplyPreservesSiblings(t *testing.T) {
	data := map[string]any{
		"client": map[string]any{
			"name":    "Acme",
			"address": map[string]any{"city": "Paris", "zip": "75001"},
		},
	}
	err := Apply(data, map[string]docvalue.Value{
		"client.address.city": docvalue.String("Lyon"),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	want := map[string]any{
		"client": map[string]any{
			"name":    "Acme",
			"address": map[string]any{"city": "Lyon", "zip": "75001"},
		},
	}
	if !reflect.DeepEqual(data, want) {
		t.Errorf("data = %#v, want %#v", data, want)
	}
}

func TestApplyPathConflict(t *testing.T) {
	data := map[string]any{"a": "scalar"}
	err := Apply(data, map[string]docvalue.Value{
		"a.b": docvalue.Number(1),
	})
	if !errors.Is(err, types.ErrPathConflict) {
		t.Fatalf("Apply = %v, want ErrPathConflict", err)
	}
}

func TestApplyPrefixBeforeDeeper(t *testing.T) {
	// A batch that writes a scalar to "a" and an object leaf to "a.c"
	// must fail deterministically: "a" lands first (lexicographic
	// order), then "a.c" hits the scalar.
	data := map[string]any{}
	err := Apply(data, map[string]docvalue.Value{
		"a.c": docvalue.Number(2),
		"a":   docvalue.String("B"),
	})
	if !errors.Is(err, types.ErrPathConflict) {
		t.Fatalf("Apply = %v, want ErrPathConflict", err)
	}
}

func TestApplyDeepPath(t *testing.T) {
	segments := make([]string, 10)
	for i := range segments {
		segments[i] = "s"
	}
	path := strings.Join(segments, ".")

	data := map[string]any{}
	err := Apply(data, map[string]docvalue.Value{path: docvalue.Bool(true)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, ok := Get(data, path)
	if !ok || got != true {
		t.Errorf("Get(%q) = %v, %v; want true, true", path, got, ok)
	}
}

func TestApplyNilIntermediate(t *testing.T) {
	// A nil leaf counts as absent, not as a blocking scalar.
	data := map[string]any{"a": nil}
	err := Apply(data, map[string]docvalue.Value{"a.b": docvalue.Number(7)})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, ok := Get(data, "a.b")
	if !ok || got != float64(7) {
		t.Errorf("Get = %v, %v; want 7, true", got, ok)
	}
}

func TestGetMissing(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": 1}}
	if _, ok := Get(data, "a.x"); ok {
		t.Error("Get(a.x) should report absent")
	}
	if _, ok := Get(data, "a.b.c"); ok {
		t.Error("Get(a.b.c) through a scalar should report absent")
	}
}
