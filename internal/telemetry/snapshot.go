package telemetry

import "time"

// Имена полей объекта values в строке opcua_data.
const (
	FieldStart      = "start"
	FieldSetpoint   = "setpoint"
	FieldFactoryIO  = "factory_io"
	FieldFlowMeter  = "flow_meter"
	FieldStopLight  = "stop_light"
	FieldLevelMeter = "level_meter"
	FieldResetLight = "reset_light"
	FieldStartLight = "start_light"
)

// Kind: тип значения поля телеметрии.
type Kind int

const (
	KindNumber Kind = iota
	KindIndicator
	KindText
)

var fieldKinds = map[string]Kind{
	FieldStart:      KindIndicator,
	FieldSetpoint:   KindNumber,
	FieldFactoryIO:  KindText,
	FieldFlowMeter:  KindNumber,
	FieldStopLight:  KindIndicator,
	FieldLevelMeter: KindNumber,
	FieldResetLight: KindIndicator,
	FieldStartLight: KindIndicator,
}

// FieldKind возвращает тип известного поля values.
func FieldKind(name string) (Kind, bool) {
	k, ok := fieldKinds[name]
	return k, ok
}

// Fields возвращает имена всех известных полей values.
func Fields() []string {
	return []string{
		FieldLevelMeter, FieldFlowMeter, FieldSetpoint,
		FieldStart, FieldStartLight, FieldStopLight, FieldResetLight,
		FieldFactoryIO,
	}
}

// Values: показания контроллера резервуара.
type Values struct {
	LevelMeter float64 `json:"level_meter"`
	FlowMeter  float64 `json:"flow_meter"`
	Setpoint   float64 `json:"setpoint"`
	Start      bool    `json:"start"`
	StartLight bool    `json:"start_light"`
	StopLight  bool    `json:"stop_light"`
	ResetLight bool    `json:"reset_light"`
	FactoryIO  string  `json:"factory_io,omitempty"`
}

// Snapshot: одна строка телеметрии в каноническом виде.
type Snapshot struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Values    Values    `json:"values"`
}

// Before сообщает, что s строго предшествует other: сначала по времени, затем по id.
func (s Snapshot) Before(other Snapshot) bool {
	if !s.Timestamp.Equal(other.Timestamp) {
		return s.Timestamp.Before(other.Timestamp)
	}
	return s.ID < other.ID
}

// Status возвращает состояние резервуара по уровню.
func (s Snapshot) Status() TankStatus {
	return Classify(s.Values.LevelMeter)
}
