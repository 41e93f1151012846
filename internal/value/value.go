// Package value implements a small tagged union for walking dynamically
// shaped JSON-like data (tool arguments, JSON Schema documents, upstream
// response bodies) without resorting to repeated type assertions on `any`.
package value

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNum
	KindStr
	KindArr
	KindObj
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNum:
		return "num"
	case KindStr:
		return "str"
	case KindArr:
		return "arr"
	case KindObj:
		return "obj"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the JSON value space. Exactly one of the
// accessor methods is meaningful for a given Kind; calling the wrong one
// returns the zero value rather than panicking, since argument/schema data
// is untrusted input and callers should branch on Kind first.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []Value
	obj  map[string]Value
	keys []string // sorted field names, for stable iteration
}

// Null returns the null Value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Num wraps a numeric value.
func Num(n float64) Value { return Value{kind: KindNum, n: n} }

// Str wraps a string.
func Str(s string) Value { return Value{kind: KindStr, s: s} }

// Arr wraps a slice of Values.
func Arr(items []Value) Value { return Value{kind: KindArr, arr: items} }

// Obj wraps a map of Values, recording its keys in sorted order for stable
// iteration.
func Obj(fields map[string]Value) Value {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return Value{kind: KindObj, obj: fields, keys: keys}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() bool    { return v.b }
func (v Value) Num() float64  { return v.n }
func (v Value) Str() string   { return v.s }
func (v Value) Arr() []Value  { return v.arr }

// Keys returns the object's field names in stable (sorted) order.
func (v Value) Keys() []string { return v.keys }

// Get returns the field named key and whether it was present.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObj {
		return Value{}, false
	}
	val, ok := v.obj[key]
	return val, ok
}

// IsEmpty reports whether a Value is considered "empty" for the purposes
// of argument cleaning: null, empty string, or empty array.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindStr:
		return v.s == ""
	case KindArr:
		return len(v.arr) == 0
	default:
		return false
	}
}

// FromAny converts a decoded JSON value (as produced by encoding/json into
// `any`) into a Value tree.
func FromAny(in any) Value {
	switch t := in.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Num(t)
	case json.Number:
		f, _ := t.Float64()
		return Num(f)
	case string:
		return Str(t)
	case []any:
		items := make([]Value, len(t))
		for i, el := range t {
			items[i] = FromAny(el)
		}
		return Arr(items)
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, el := range t {
			fields[k] = FromAny(el)
		}
		return Obj(fields)
	default:
		return Str(fmt.Sprintf("%v", t))
	}
}

// FromJSON parses raw JSON bytes into a Value tree.
func FromJSON(raw []byte) (Value, error) {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Value{}, err
	}
	return FromAny(decoded), nil
}

// ToAny converts a Value tree back into plain `any` for re-marshaling.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNum:
		return v.n
	case KindStr:
		return v.s
	case KindArr:
		out := make([]any, len(v.arr))
		for i, el := range v.arr {
			out[i] = el.ToAny()
		}
		return out
	case KindObj:
		out := make(map[string]any, len(v.obj))
		for k, el := range v.obj {
			out[k] = el.ToAny()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler using stable key ordering for objects.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}
