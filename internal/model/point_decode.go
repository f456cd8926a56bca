package model

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse decodes a single line-protocol line back into a Point. It is the
// inverse of Encode, used by the writer's own tests to assert the
// round-trip law parse(serialize(P)) = P modulo
// tag/field reordering imposed by the encoder (Parse always returns
// tags/fields sorted the same way Encode produced them, so equality can
// be asserted directly on the decoded Point).
func Parse(line string) (Point, error) {
	fields := splitUnescaped(line, ' ')
	if len(fields) != 3 {
		return Point{}, fmt.Errorf("line protocol: expected 3 space-separated sections, got %d", len(fields))
	}

	measurementAndTags := splitUnescaped(fields[0], ',')
	if len(measurementAndTags) == 0 {
		return Point{}, fmt.Errorf("line protocol: empty measurement section")
	}

	p := Point{
		Measurement: unescape(measurementAndTags[0]),
		Tags:        map[string]string{},
		Fields:      map[string]FieldValue{},
	}

	for _, tagPair := range measurementAndTags[1:] {
		kv := splitUnescapedKV(tagPair)
		if kv == nil {
			return Point{}, fmt.Errorf("line protocol: malformed tag %q", tagPair)
		}
		p.Tags[unescape(kv[0])] = unescape(kv[1])
	}

	for _, fieldPair := range splitUnescaped(fields[1], ',') {
		kv := splitUnescapedKV(fieldPair)
		if kv == nil {
			return Point{}, fmt.Errorf("line protocol: malformed field %q", fieldPair)
		}
		fv, err := parseFieldValue(kv[1])
		if err != nil {
			return Point{}, fmt.Errorf("line protocol: field %s: %w", kv[0], err)
		}
		p.Fields[unescape(kv[0])] = fv
	}

	ts, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return Point{}, fmt.Errorf("line protocol: bad timestamp %q: %w", fields[2], err)
	}
	p.TimestampNS = ts

	return p, nil
}

func parseFieldValue(raw string) (FieldValue, error) {
	switch {
	case raw == "true" || raw == "t" || raw == "True" || raw == "TRUE":
		return FieldBool(true), nil
	case raw == "false" || raw == "f" || raw == "False" || raw == "FALSE":
		return FieldBool(false), nil
	case strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) && len(raw) >= 2:
		unquoted := strings.ReplaceAll(raw[1:len(raw)-1], `\"`, `"`)
		return FieldStr(unquoted), nil
	case strings.HasSuffix(raw, "i"):
		i, err := strconv.ParseInt(strings.TrimSuffix(raw, "i"), 10, 64)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldInt64(i), nil
	default:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return FieldValue{}, err
		}
		return FieldFloat64(f), nil
	}
}

// splitUnescaped splits s on sep, treating a backslash-escaped sep as
// literal (not a split point). Used for both the top-level space split
// and the comma split within the measurement/tags and fields sections.
// A sep inside a double-quoted string field value is not a split point.
func splitUnescaped(s string, sep byte) []string {
	var out []string
	var cur strings.Builder
	escaped := false
	quoted := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			cur.WriteByte(c)
			escaped = true
		case c == '"':
			cur.WriteByte(c)
			quoted = !quoted
		case c == sep && !quoted:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}

// splitUnescapedKV splits "k=v" on the first unescaped '=', returning
// nil if none is found.
func splitUnescapedKV(s string) []string {
	parts := splitUnescapedEquals(s)
	if len(parts) < 2 {
		return nil
	}
	// A quoted string field value may itself contain '=' inside the
	// quotes; since '=' is not escaped within field string values in
	// this encoder, only the first split is significant for tags and
	// bare field keys. Re-join any remainder (field string values never
	// contain unescaped '=' per the tag/field key escaping rules, but
	// the value side is returned verbatim either way).
	return []string{parts[0], strings.Join(parts[1:], "=")}
}

func splitUnescapedEquals(s string) []string {
	var out []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			cur.WriteByte(c)
			escaped = true
		case c == '=':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}

func unescape(s string) string {
	var b strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
