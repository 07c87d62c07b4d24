package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
}

// Decode приводит строку хранилища к Snapshot.
// Отсутствующий объект values и значения неожиданного типа дают ErrSchema.
// Отсутствующие отдельные показания заменяются нулевыми значениями.
func Decode(id int64, timestamp string, raw json.RawMessage) (Snapshot, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Snapshot{}, fmt.Errorf("%w: row %d has no values object", ErrSchema, id)
	}
	if trimmed[0] != '{' {
		return Snapshot{}, fmt.Errorf("%w: row %d values is not an object", ErrSchema, id)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Snapshot{}, fmt.Errorf("%w: row %d: %v", ErrSchema, id, err)
	}

	ts, err := ParseTimestamp(timestamp)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: row %d: %v", ErrSchema, id, err)
	}

	var v Values
	for name, value := range fields {
		kind, ok := FieldKind(name)
		if !ok {
			continue
		}
		switch kind {
		case KindNumber:
			n, err := CoerceNumber(value)
			if err != nil {
				return Snapshot{}, fmt.Errorf("%w: row %d field %s: %v", ErrSchema, id, name, err)
			}
			setNumber(&v, name, n)
		case KindIndicator:
			b, err := CoerceIndicator(value)
			if err != nil {
				return Snapshot{}, fmt.Errorf("%w: row %d field %s: %v", ErrSchema, id, name, err)
			}
			setIndicator(&v, name, b)
		case KindText:
			v.FactoryIO = coerceText(value)
		}
	}

	return Snapshot{ID: id, Timestamp: ts, Values: v}, nil
}

// ParseTimestamp разбирает timestamp строки. Время без зоны считается UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %q", s)
}

// CoerceIndicator приводит значение индикатора к bool.
// Число считается true, если оно больше нуля; null и пустое значение дают false.
func CoerceIndicator(raw json.RawMessage) (bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return false, nil
	}
	switch trimmed[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return false, err
		}
		return b, nil
	case '"', '{', '[':
		return false, fmt.Errorf("indicator must be bool or number, got %s", trimmed)
	}
	var n float64
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CoerceNumber приводит показание к float64. Допускается число или строка с числом;
// null и пустое значение дают 0.
func CoerceNumber(raw json.RawMessage) (float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return 0, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return 0, err
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		return n, nil
	}
	var n float64
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return 0, fmt.Errorf("not a number: %s", trimmed)
	}
	return n, nil
}

// factory_io диагностическое, поэтому не-строку сохраняем как есть.
func coerceText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	return string(trimmed)
}

func setNumber(v *Values, name string, n float64) {
	switch name {
	case FieldLevelMeter:
		v.LevelMeter = n
	case FieldFlowMeter:
		v.FlowMeter = n
	case FieldSetpoint:
		v.Setpoint = n
	}
}

func setIndicator(v *Values, name string, b bool) {
	switch name {
	case FieldStart:
		v.Start = b
	case FieldStartLight:
		v.StartLight = b
	case FieldStopLight:
		v.StopLight = b
	case FieldResetLight:
		v.ResetLight = b
	}
}

// Set присваивает полю name значение Go-типа с тем же приведением, что и Decode:
// для индикаторов число > 0 означает true.
func (v *Values) Set(name string, value any) error {
	kind, ok := FieldKind(name)
	if !ok {
		return fmt.Errorf("%w: unknown field %q", ErrSchema, name)
	}
	switch kind {
	case KindNumber:
		n, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("%w: field %s: expected number, got %T", ErrSchema, name, value)
		}
		setNumber(v, name, n)
	case KindIndicator:
		if b, ok := value.(bool); ok {
			setIndicator(v, name, b)
			return nil
		}
		n, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("%w: field %s: expected indicator, got %T", ErrSchema, name, value)
		}
		setIndicator(v, name, n > 0)
	case KindText:
		v.FactoryIO = fmt.Sprint(value)
	}
	return nil
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Encode сериализует показания в объект values для записи в хранилище.
func (v Values) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("telemetry: encode values: %w", err)
	}
	return data, nil
}
