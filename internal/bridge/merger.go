package bridge

import (
	"encoding/json"
	"sync"

	"github.com/pv/tankwatch-go/internal/telemetry"
)

// Merger копит последние значения узлов и отдаёт объект values, когда что-то изменилось.
type Merger struct {
	mu     sync.Mutex
	values telemetry.Values
	dirty  bool
}

func NewMerger(factoryIO string) *Merger {
	return &Merger{values: telemetry.Values{FactoryIO: factoryIO}}
}

// Set применяет значение поля. Ошибка типа оставляет прежнее значение.
func (m *Merger) Set(field string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.values
	if err := next.Set(field, value); err != nil {
		return err
	}
	if next != m.values {
		m.values = next
		m.dirty = true
	}
	return nil
}

// Values возвращает текущие показания.
func (m *Merger) Values() telemetry.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values
}

// Flush возвращает values и сбрасывает признак изменения. ok=false, если изменений не было.
func (m *Merger) Flush() (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return nil, false, nil
	}
	raw, err := m.values.Encode()
	if err != nil {
		return nil, false, err
	}
	m.dirty = false
	return raw, true, nil
}

// MarkDirty заставляет следующий Flush вернуть значения (например, после неудачной записи).
func (m *Merger) MarkDirty() {
	m.mu.Lock()
	m.dirty = true
	m.mu.Unlock()
}
