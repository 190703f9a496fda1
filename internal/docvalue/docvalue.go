// Package docvalue models the dynamically-typed payload of a field
// change as a closed variant: null, bool, number, string, array or
// object. Keeping the cases explicit lets the merge strategy recurse
// over objects and lets the applier detect path conflicts instead of
// silently flattening a sibling.
package docvalue

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates the variant cases.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// String returns the JSON-ish name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is one JSON-shaped payload. The zero value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array wraps a slice of values.
func Array(vs ...Value) Value { return Value{kind: KindArray, arr: vs} }

// Object wraps a key/value map.
func Object(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindObject, obj: m}
}

// Kind returns the variant case.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsObject reports whether the value is an object.
func (v Value) IsObject() bool { return v.kind == KindObject }

// BoolVal returns the boolean payload (false for other kinds).
func (v Value) BoolVal() bool { return v.b }

// NumberVal returns the numeric payload (0 for other kinds).
func (v Value) NumberVal() float64 { return v.n }

// StringVal returns the string payload ("" for other kinds).
func (v Value) StringVal() string { return v.s }

// ArrayVal returns the array payload (nil for other kinds).
func (v Value) ArrayVal() []Value { return v.arr }

// ObjectVal returns the object payload (nil for other kinds).
func (v Value) ObjectVal() map[string]Value { return v.obj }

// FromAny converts a decoded-JSON interface value (the shape
// encoding/json produces into interface{}) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return Number(f), nil
	case string:
		return String(t), nil
	case []any:
		arr := make([]Value, len(t))
		for i, el := range t {
			v, err := FromAny(el)
			if err != nil {
				return Value{}, err
			}
			arr[i] = v
		}
		return Array(arr...), nil
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, el := range t {
			v, err := FromAny(el)
			if err != nil {
				return Value{}, err
			}
			obj[k] = v
		}
		return Object(obj), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

// ToAny converts back to the encoding/json interface shape.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, el := range v.arr {
			out[i] = el.ToAny()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, el := range v.obj {
			out[k] = el.ToAny()
		}
		return out
	}
	return nil
}

// FromJSON parses a JSON document into a Value.
func FromJSON(data []byte) (Value, error) {
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return Value{}, fmt.Errorf("failed to parse value: %w", err)
	}
	return FromAny(x)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := FromJSON(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Merge overlays later onto v. When both sides are objects the keys
// are merged recursively with later overriding overlapping leaves;
// for every other combination later replaces v wholesale.
func Merge(v, later Value) Value {
	if !v.IsObject() || !later.IsObject() {
		return later
	}
	out := make(map[string]Value, len(v.obj)+len(later.obj))
	for k, el := range v.obj {
		out[k] = el
	}
	for k, el := range later.obj {
		if existing, ok := out[k]; ok {
			out[k] = Merge(existing, el)
		} else {
			out[k] = el
		}
	}
	return Object(out)
}

// Equal reports deep equality.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.n == b.n
	case KindString:
		return a.s == b.s
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(a.obj) != len(b.obj) {
			return false
		}
		for k, el := range a.obj {
			other, ok := b.obj[k]
			if !ok || !Equal(el, other) {
				return false
			}
		}
		return true
	}
	return false
}

// Compact returns a short single-line rendering for logs and CLI
// output. Object keys are sorted for stable output.
func (v Value) Compact() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindNumber:
		data, _ := json.Marshal(v.n)
		return string(data)
	case KindString:
		data, _ := json.Marshal(v.s)
		return string(data)
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, el := range v.arr {
			parts[i] = el.Compact()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			key, _ := json.Marshal(k)
			parts[i] = string(key) + ":" + v.obj[k].Compact()
		}
		return "{" + strings.Join(parts, ",") + "}"
	}
	return ""
}
