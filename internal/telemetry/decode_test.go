package telemetry

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeFullRow(t *testing.T) {
	raw := json.RawMessage(`{"start":true,"setpoint":60,"factory_io":"running","flow_meter":12.5,
		"stop_light":false,"level_meter":42.5,"reset_light":0,"start_light":true}`)
	snap, err := Decode(7, "2024-06-01T10:00:00Z", raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := Values{
		LevelMeter: 42.5,
		FlowMeter:  12.5,
		Setpoint:   60,
		Start:      true,
		StartLight: true,
		FactoryIO:  "running",
	}
	if snap.Values != want {
		t.Fatalf("values mismatch: got %+v want %+v", snap.Values, want)
	}
	if snap.ID != 7 {
		t.Fatalf("id = %d", snap.ID)
	}
	if !snap.Timestamp.Equal(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("timestamp = %v", snap.Timestamp)
	}
}

func TestDecodeMissingReadingsDefaultToZero(t *testing.T) {
	snap, err := Decode(1, "2024-06-01T10:00:00Z", json.RawMessage(`{"level_meter":50}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if snap.Values.LevelMeter != 50 || snap.Values.FlowMeter != 0 || snap.Values.ResetLight {
		t.Fatalf("unexpected values %+v", snap.Values)
	}
	if snap.Status() != StatusNormal {
		t.Fatalf("status = %s", snap.Status())
	}
}

func TestDecodeRejectsMissingValues(t *testing.T) {
	cases := []json.RawMessage{nil, json.RawMessage(`null`), json.RawMessage(`  `), json.RawMessage(`[1,2]`), json.RawMessage(`42`)}
	for _, raw := range cases {
		if _, err := Decode(3, "2024-06-01T10:00:00Z", raw); !errors.Is(err, ErrSchema) {
			t.Errorf("Decode(%q): expected ErrSchema, got %v", raw, err)
		}
	}
}

func TestDecodeRejectsWrongTypes(t *testing.T) {
	cases := []string{
		`{"reset_light":"on"}`,
		`{"start":{"x":1}}`,
		`{"level_meter":true}`,
		`{"flow_meter":"abc"}`,
	}
	for _, raw := range cases {
		if _, err := Decode(4, "2024-06-01T10:00:00Z", json.RawMessage(raw)); !errors.Is(err, ErrSchema) {
			t.Errorf("Decode(%s): expected ErrSchema, got %v", raw, err)
		}
	}
}

func TestDecodeRejectsBadTimestamp(t *testing.T) {
	for _, ts := range []string{"", "yesterday"} {
		if _, err := Decode(5, ts, json.RawMessage(`{}`)); !errors.Is(err, ErrSchema) {
			t.Errorf("timestamp %q: expected ErrSchema, got %v", ts, err)
		}
	}
}

func TestCoerceIndicator(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{"", false},
		{"null", false},
		{"true", true},
		{"false", false},
		{"0", false},
		{"1", true},
		{"0.5", true},
		{"-3", false},
	}
	for _, tc := range cases {
		got, err := CoerceIndicator(json.RawMessage(tc.raw))
		if err != nil {
			t.Fatalf("CoerceIndicator(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Errorf("CoerceIndicator(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
	if _, err := CoerceIndicator(json.RawMessage(`"1"`)); err == nil {
		t.Fatalf("expected error for string indicator")
	}
}

func TestNumericStringsAccepted(t *testing.T) {
	snap, err := Decode(9, "2024-06-01 10:00:00+00", json.RawMessage(`{"setpoint":"65.5","factory_io":12}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if snap.Values.Setpoint != 65.5 {
		t.Fatalf("setpoint = %v", snap.Values.Setpoint)
	}
	if snap.Values.FactoryIO != "12" {
		t.Fatalf("factory_io = %q", snap.Values.FactoryIO)
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	want := time.Date(2024, 6, 1, 10, 0, 0, 123456000, time.UTC)
	inputs := []string{
		"2024-06-01T10:00:00.123456Z",
		"2024-06-01T13:00:00.123456+03:00",
		"2024-06-01 10:00:00.123456+00",
		"2024-06-01 10:00:00.123456",
		"2024-06-01T10:00:00.123456",
	}
	for _, in := range inputs {
		got, err := ParseTimestamp(in)
		if err != nil {
			t.Fatalf("ParseTimestamp(%q): %v", in, err)
		}
		if !got.Equal(want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestValuesEncodeRoundTripsThroughDecode(t *testing.T) {
	v := Values{LevelMeter: 95, ResetLight: true, FactoryIO: "sim"}
	raw, err := v.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	snap, err := Decode(1, "2024-06-01T10:00:00Z", raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if snap.Values != v {
		t.Fatalf("got %+v want %+v", snap.Values, v)
	}
}

func TestValuesSet(t *testing.T) {
	var v Values
	steps := []struct {
		name  string
		value any
	}{
		{FieldLevelMeter, float32(42.5)},
		{FieldFlowMeter, int32(7)},
		{FieldStart, true},
		{FieldResetLight, uint16(1)},
		{FieldStopLight, 0.0},
		{FieldFactoryIO, "line-1"},
	}
	for _, st := range steps {
		if err := v.Set(st.name, st.value); err != nil {
			t.Fatalf("Set(%s, %v): %v", st.name, st.value, err)
		}
	}
	want := Values{LevelMeter: 42.5, FlowMeter: 7, Start: true, ResetLight: true, FactoryIO: "line-1"}
	if v != want {
		t.Fatalf("got %+v, want %+v", v, want)
	}

	if err := v.Set("temperature", 1.0); !errors.Is(err, ErrSchema) {
		t.Fatalf("unknown field: %v", err)
	}
	if err := v.Set(FieldSetpoint, "high"); !errors.Is(err, ErrSchema) {
		t.Fatalf("string setpoint: %v", err)
	}
}
