package memstore

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pv/tankwatch-go/internal/storage"
	"github.com/pv/tankwatch-go/internal/telemetry"
)

// Simulator генерирует детерминированный цикл наполнения и слива резервуара.
// Уровень линейно растёт от MinLevel до MaxLevel, затем линейно падает обратно.
type Simulator struct {
	MinLevel  float64
	MaxLevel  float64
	Step      float64 // изменение уровня за один тик
	Setpoint  float64
	FlowRate  float64
	FactoryIO string
}

// NewSimulator возвращает симулятор с параметрами, проходящими все три зоны уровня.
func NewSimulator() *Simulator {
	return &Simulator{
		MinLevel:  15,
		MaxLevel:  95,
		Step:      2.5,
		Setpoint:  60,
		FlowRate:  12.5,
		FactoryIO: "simulator",
	}
}

func (s *Simulator) period() int {
	if s.Step <= 0 || s.MaxLevel <= s.MinLevel {
		return 2
	}
	half := int((s.MaxLevel - s.MinLevel) / s.Step)
	if half < 1 {
		half = 1
	}
	return 2 * half
}

// At возвращает показания на тике n.
func (s *Simulator) At(n int) telemetry.Values {
	if n < 0 {
		n = -n
	}
	period := s.period()
	half := period / 2
	pos := n % period

	filling := pos < half
	var level float64
	if filling {
		level = s.MinLevel + float64(pos)*s.Step
	} else {
		level = s.MaxLevel - float64(pos-half)*s.Step
	}

	v := telemetry.Values{
		LevelMeter: level,
		Setpoint:   s.Setpoint,
		Start:      filling,
		StartLight: filling,
		StopLight:  !filling,
		ResetLight: level > telemetry.HighLevel,
		FactoryIO:  s.FactoryIO,
	}
	if filling {
		v.FlowMeter = s.FlowRate
	}
	return v
}

// Seed записывает count строк начиная с тика 0, с шагом every по времени от start.
func (s *Simulator) Seed(ctx context.Context, sink storage.Sink, start time.Time, every time.Duration, count int) ([]storage.Row, error) {
	rows := make([]storage.Row, 0, count)
	for i := 0; i < count; i++ {
		raw, err := s.At(i).Encode()
		if err != nil {
			return rows, err
		}
		row, err := sink.Insert(ctx, start.Add(time.Duration(i)*every), raw)
		if err != nil {
			return rows, fmt.Errorf("memstore: seed row %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Run пишет по одной строке каждые interval до отмены ctx.
func (s *Simulator) Run(ctx context.Context, sink storage.Sink, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for n := 0; ; n++ {
		raw, err := s.At(n).Encode()
		if err != nil {
			return err
		}
		if _, err := sink.Insert(ctx, time.Now(), raw); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("memstore: simulator insert: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
