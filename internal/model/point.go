package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FieldValue is a storage-point field value: integer, float, string, or
// boolean. There is no null alternative; absent fields are simply not set.
type FieldValue struct {
	kind fieldKind
	i64  int64
	f64  float64
	s    string
	b    bool
}

type fieldKind int

const (
	FieldInt fieldKind = iota
	FieldFloat
	FieldString
	FieldBoolKind
)

func FieldInt64(i int64) FieldValue     { return FieldValue{kind: FieldInt, i64: i} }
func FieldFloat64(f float64) FieldValue { return FieldValue{kind: FieldFloat, f64: f} }
func FieldStr(s string) FieldValue      { return FieldValue{kind: FieldString, s: s} }
func FieldBool(b bool) FieldValue       { return FieldValue{kind: FieldBoolKind, b: b} }

// Kind reports which alternative f holds.
func (f FieldValue) Kind() fieldKind { return f.kind }

// AsFloat coerces f to float64 for numeric consumers (batch
// optimization's field-union merge, alert engine ingestion). Booleans
// are not numeric; AsFloat returns false for FieldBool and FieldString.
func (f FieldValue) AsFloat() (float64, bool) {
	switch f.kind {
	case FieldInt:
		return float64(f.i64), true
	case FieldFloat:
		return f.f64, true
	default:
		return 0, false
	}
}

// FieldFromValue converts a model.Value into a line-protocol FieldValue.
// Maps and lists have no field representation; callers treat them as a
// validation error and drop the field rather than invent a nested
// encoding.
func FieldFromValue(v Value) (FieldValue, bool) {
	switch v.Kind() {
	case KindInt:
		i, _ := v.AsFloat()
		return FieldInt64(int64(i)), true
	case KindFloat:
		f, _ := v.AsFloat()
		return FieldFloat64(f), true
	case KindBool:
		b, _ := v.AsBool()
		return FieldBool(b), true
	case KindString:
		s, _ := v.AsString()
		return FieldStr(s), true
	default:
		return FieldValue{}, false
	}
}

// lpBody renders the line-protocol representation of f's value,
// including the trailing "i" for ints and quoting for strings.
func (f FieldValue) lpBody() string {
	switch f.kind {
	case FieldInt:
		return strconv.FormatInt(f.i64, 10) + "i"
	case FieldFloat:
		return strconv.FormatFloat(f.f64, 'g', -1, 64)
	case FieldBoolKind:
		return strconv.FormatBool(f.b)
	case FieldString:
		return `"` + escapeFieldString(f.s) + `"`
	default:
		return ""
	}
}

// Point is a single time-series storage point: a measurement, an
// ordered set of tags, a set of fields, and a nanosecond timestamp.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]FieldValue
	TimestampNS int64
}

const maxIdentLen = 64

// Tag and field identifiers may not contain '=', space, comma, newline,
// carriage return, or tab; those characters would make a line ambiguous
// even after escaping.
func hasDisallowedChar(s string) bool {
	return strings.ContainsAny(s, "=, \n\r\t")
}

// Validate checks the point invariants: measurement name alphanumeric
// plus '_'/'-' and <=64 chars; tag/field keys non-empty,
// <=64 chars, free of '=', space, comma, newline, CR, tab; field values
// never absent. Returns the first violation found, or nil.
func (p Point) Validate() error {
	if p.Measurement == "" {
		return fmt.Errorf("measurement name is empty")
	}
	if len(p.Measurement) > maxIdentLen {
		return fmt.Errorf("measurement name %q exceeds %d chars", p.Measurement, maxIdentLen)
	}
	for _, r := range p.Measurement {
		if !isMeasurementRune(r) {
			return fmt.Errorf("measurement name %q contains disallowed character %q", p.Measurement, r)
		}
	}
	for k, v := range p.Tags {
		if k == "" {
			return fmt.Errorf("tag key is empty")
		}
		if len(k) > maxIdentLen || len(v) > maxIdentLen {
			return fmt.Errorf("tag %q exceeds %d chars", k, maxIdentLen)
		}
		if hasDisallowedChar(k) || hasDisallowedChar(v) {
			return fmt.Errorf("tag %s=%s contains a disallowed character", k, v)
		}
	}
	if len(p.Fields) == 0 {
		return fmt.Errorf("point has no fields")
	}
	for k := range p.Fields {
		if k == "" {
			return fmt.Errorf("field key is empty")
		}
		if len(k) > maxIdentLen {
			return fmt.Errorf("field key %q exceeds %d chars", k, maxIdentLen)
		}
		if hasDisallowedChar(k) {
			return fmt.Errorf("field key %q contains a disallowed character", k)
		}
	}
	return nil
}

func isMeasurementRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	default:
		return false
	}
}

// SortedTagKeys returns p.Tags' keys in lexicographic order, the
// canonical tag ordering the encoder emits.
func (p Point) SortedTagKeys() []string {
	keys := make([]string, 0, len(p.Tags))
	for k := range p.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SortedFieldKeys returns p.Fields' keys in lexicographic order.
func (p Point) SortedFieldKeys() []string {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- Line-protocol escaping ---

var (
	measurementReplacer = strings.NewReplacer(",", `\,`, " ", `\ `)
	tagReplacer         = strings.NewReplacer(",", `\,`, " ", `\ `, "=", `\=`)
	fieldKeyReplacer    = strings.NewReplacer(",", `\,`, " ", `\ `)
)

func escapeMeasurement(s string) string { return measurementReplacer.Replace(s) }
func escapeTag(s string) string         { return tagReplacer.Replace(s) }
func escapeFieldKey(s string) string    { return fieldKeyReplacer.Replace(s) }
func escapeFieldString(s string) string { return strings.ReplaceAll(s, `"`, `\"`) }

// Encode renders p as one line-protocol line:
//
//	<measurement>[,k=v,k=v] <fk>=<fv>[,<fk>=<fv>] <ts_ns>
//
// Tags and fields are emitted in lexicographic key order. Booleans
// serialize lowercase, integers carry a trailing "i", and string field
// values are double-quoted with internal quotes escaped. Callers should
// call Validate first; Encode does not itself reject invalid points.
func (p Point) Encode() string {
	var b strings.Builder
	b.WriteString(escapeMeasurement(p.Measurement))

	for _, k := range p.SortedTagKeys() {
		b.WriteByte(',')
		b.WriteString(escapeTag(k))
		b.WriteByte('=')
		b.WriteString(escapeTag(p.Tags[k]))
	}

	b.WriteByte(' ')

	fieldKeys := p.SortedFieldKeys()
	for i, k := range fieldKeys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(escapeFieldKey(k))
		b.WriteByte('=')
		b.WriteString(p.Fields[k].lpBody())
	}

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(p.TimestampNS, 10))
	return b.String()
}

// EncodeBatch renders points as newline-delimited line protocol, one
// line per point, terminated by a trailing newline (required by the
// time-series database's write endpoint).
func EncodeBatch(points []Point) string {
	var b strings.Builder
	for _, p := range points {
		b.WriteString(p.Encode())
		b.WriteByte('\n')
	}
	return b.String()
}

// Key returns the (measurement, sorted-tags) identity used by the
// writer's batch optimizer to group and deduplicate points that
// describe the same logical series.
func (p Point) Key() string {
	var b strings.Builder
	b.WriteString(p.Measurement)
	for _, k := range p.SortedTagKeys() {
		b.WriteByte('\x1f')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.Tags[k])
	}
	return b.String()
}
