// Package model defines the canonical in-memory event and storage-point
// types shared by the connection manager, pipeline, writer, and alert
// engine.
package model

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Value is the dynamic attribute type carried by Event.Attributes;
// FieldFromValue converts it into a storage-point FieldValue. The upstream hub's free-form JSON mapping
// is represented as this closed sum type rather than bare `any` so that
// field-path resolution and numeric coercion have a single place to
// live.
type Value struct {
	kind Kind
	str  string
	i64  int64
	f64  float64
	b    bool
	m    map[string]Value
	list []Value
}

// Kind identifies which alternative of Value is populated.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

// Null is the zero Value, representing a missing field-path segment or
// a JSON null.
var Null = Value{kind: KindNull}

func String(s string) Value   { return Value{kind: KindString, str: s} }
func Int(i int64) Value       { return Value{kind: KindInt, i64: i} }
func Float(f float64) Value   { return Value{kind: KindFloat, f64: f} }
func Bool(b bool) Value       { return Value{kind: KindBool, b: b} }
func Map(m map[string]Value) Value {
	return Value{kind: KindMap, m: m}
}
func List(l []Value) Value { return Value{kind: KindList, list: l} }

// Kind reports which alternative this Value holds.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null/missing alternative.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string representation of v and whether v holds a
// string.
func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsBool returns v's boolean value and whether v holds a bool.
func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// AsMap returns v's nested map and whether v holds one.
func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return v.m, true
}

// AsList returns v's nested list and whether v holds one.
func (v Value) AsList() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.list, true
}

// AsFloat coerces v to a float64 for numeric comparisons. Operators
// apply type coercion only here: both string-encoded numbers ("42") and
// native int/float/bool values convert. Returns false for maps, lists,
// and non-numeric strings.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f64, true
	case KindInt:
		return float64(v.i64), true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Equal reports whether v and o represent the same value. Maps and
// lists compare element-wise; numeric kinds do NOT cross-compare (Int(1)
// != Float(1)) except where both sides coerce via AsFloat in the
// caller; Equal is for exact identity, e.g. dedup fingerprints.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindInt:
		return v.i64 == o.i64
	case KindFloat:
		return v.f64 == o.f64
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, vv := range v.m {
			ov, ok := o.m[k]
			if !ok || !vv.Equal(ov) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String renders v for logging and line-protocol field encoding.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return strconv.FormatInt(v.i64, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f64, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNull:
		return ""
	default:
		return "<" + v.kind.String() + ">"
	}
}

// ResolvePath walks a dotted field path ("attributes.temperature" or
// "main.temp") against a root map, returning Null if any segment is
// missing or the walk passes through a non-map value. Matches spec's
// "missing segments yield null" rule used by both the attribute filter
// and the alert engine's threshold evaluation.
func ResolvePath(root map[string]Value, path string) Value {
	if root == nil || path == "" {
		return Null
	}
	segs := strings.Split(path, ".")
	cur := Value{kind: KindMap, m: root}
	for _, seg := range segs {
		m, ok := cur.AsMap()
		if !ok {
			return Null
		}
		next, ok := m[seg]
		if !ok {
			return Null
		}
		cur = next
	}
	return cur
}

// FromAny converts an already-decoded JSON value (map[string]any,
// []any, string, float64, bool, nil, int, or int64) into a Value tree;
// any other type (json.Number included) becomes Null. Integers that arrive as float64 (the
// standard encoding/json default) are kept as KindFloat unless they
// have no fractional part and fit exactly, in which case they are
// normalized to KindInt so integer attributes (e.g. brightness) survive
// round-tripping into line-protocol integer fields.
func FromAny(a any) Value {
	switch t := a.(type) {
	case nil:
		return Null
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t))
		}
		return Float(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, v := range t {
			m[k] = FromAny(v)
		}
		return Map(m)
	case []any:
		l := make([]Value, len(t))
		for i, v := range t {
			l[i] = FromAny(v)
		}
		return List(l)
	default:
		return Null
	}
}

// ToAny converts v back into plain Go values, the inverse of FromAny,
// for JSON encoding and other any-typed consumers.
func (v Value) ToAny() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindBool:
		return v.b
	case KindInt:
		return v.i64
	case KindFloat:
		return v.f64
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, vv := range v.m {
			out[k] = vv.ToAny()
		}
		return out
	case KindList:
		out := make([]any, len(v.list))
		for i, vv := range v.list {
			out[i] = vv.ToAny()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON encodes v as the plain JSON value it wraps rather than as
// an opaque struct.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.ToAny())
}
