package model

import (
	"reflect"
	"testing"
)

func TestEncodeHappyPath(t *testing.T) {
	p := Point{
		Measurement: "light",
		Tags:        map[string]string{"entity_id": "light.kitchen"},
		Fields: map[string]FieldValue{
			"state":      FieldStr("on"),
			"brightness": FieldInt64(200),
		},
		TimestampNS: 1735689600000000000,
	}
	want := `light,entity_id=light.kitchen brightness=200i,state="on" 1735689600000000000`
	if got := p.Encode(); got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestEncodeEscaping(t *testing.T) {
	p := Point{
		Measurement: "temp sensor,v2",
		Tags:        map[string]string{"loc=name": "living room, west"},
		Fields: map[string]FieldValue{
			"desc": FieldStr(`says "hello"`),
		},
		TimestampNS: 1,
	}
	got := p.Encode()
	want := `temp\ sensor\,v2,loc\=name=living\ room\,\ west desc="says \"hello\"" 1`
	if got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestEncodeBooleanLowercase(t *testing.T) {
	p := Point{
		Measurement: "door",
		Fields:      map[string]FieldValue{"open": FieldBool(true)},
		TimestampNS: 5,
	}
	if got := p.Encode(); got != "door open=true 5" {
		t.Errorf("Encode() = %q", got)
	}
}

func TestEncodeTagAndFieldOrdering(t *testing.T) {
	p := Point{
		Measurement: "m",
		Tags:        map[string]string{"z": "1", "a": "2", "m": "3"},
		Fields:      map[string]FieldValue{"z": FieldInt64(1), "a": FieldInt64(2)},
		TimestampNS: 1,
	}
	want := "m,a=2,m=3,z=1 a=2i,z=1i 1"
	if got := p.Encode(); got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		p       Point
		wantErr bool
	}{
		{"valid", Point{Measurement: "m", Fields: map[string]FieldValue{"f": FieldInt64(1)}}, false},
		{"empty measurement", Point{Measurement: "", Fields: map[string]FieldValue{"f": FieldInt64(1)}}, true},
		{"bad measurement char", Point{Measurement: "m=x", Fields: map[string]FieldValue{"f": FieldInt64(1)}}, true},
		{"no fields", Point{Measurement: "m"}, true},
		{"bad tag char", Point{Measurement: "m", Tags: map[string]string{"k=1": "v"}, Fields: map[string]FieldValue{"f": FieldInt64(1)}}, true},
		{"bad field key", Point{Measurement: "m", Fields: map[string]FieldValue{"f,1": FieldInt64(1)}}, true},
		{"too long measurement", Point{Measurement: stringOfLen(65), Fields: map[string]FieldValue{"f": FieldInt64(1)}}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.p.Validate()
			if (err != nil) != c.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, c.wantErr)
			}
		})
	}
}

func stringOfLen(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = 'a'
	}
	return string(b)
}

func TestRoundTrip(t *testing.T) {
	cases := []Point{
		{
			Measurement: "light",
			Tags:        map[string]string{"entity_id": "light.kitchen", "area": "living room"},
			Fields:      map[string]FieldValue{"state": FieldStr("on"), "brightness": FieldInt64(200), "pct": FieldFloat64(0.5), "motion": FieldBool(false)},
			TimestampNS: 1735689600000000000,
		},
		{
			Measurement: "sensor weird,name",
			Tags:        map[string]string{"k=ey": "va,l=ue with space"},
			Fields:      map[string]FieldValue{"msg": FieldStr(`quote " inside`)},
			TimestampNS: -5,
		},
	}

	for i, want := range cases {
		line := want.Encode()
		got, err := Parse(line)
		if err != nil {
			t.Fatalf("case %d: Parse(%q): %v", i, line, err)
		}
		if got.Measurement != want.Measurement {
			t.Errorf("case %d: Measurement = %q, want %q", i, got.Measurement, want.Measurement)
		}
		if !reflect.DeepEqual(got.Tags, want.Tags) {
			t.Errorf("case %d: Tags = %v, want %v", i, got.Tags, want.Tags)
		}
		if len(got.Fields) != len(want.Fields) {
			t.Errorf("case %d: Fields = %v, want %v", i, got.Fields, want.Fields)
		}
		for k, wv := range want.Fields {
			gv, ok := got.Fields[k]
			if !ok {
				t.Errorf("case %d: missing field %q", i, k)
				continue
			}
			if gv.lpBody() != wv.lpBody() {
				t.Errorf("case %d: field %q = %v, want %v", i, k, gv, wv)
			}
		}
		if got.TimestampNS != want.TimestampNS {
			t.Errorf("case %d: TimestampNS = %d, want %d", i, got.TimestampNS, want.TimestampNS)
		}
	}
}

func TestPointKeyGroupsSameSeries(t *testing.T) {
	a := Point{Measurement: "m", Tags: map[string]string{"a": "1", "b": "2"}}
	b := Point{Measurement: "m", Tags: map[string]string{"b": "2", "a": "1"}}
	if a.Key() != b.Key() {
		t.Errorf("Key() not order-independent: %q vs %q", a.Key(), b.Key())
	}
	c := Point{Measurement: "m", Tags: map[string]string{"a": "1", "b": "3"}}
	if a.Key() == c.Key() {
		t.Error("Key() collided for distinct tag sets")
	}
}
