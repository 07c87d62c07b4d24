package telemetry

// TankStatus: классификация уровня для отображения.
type TankStatus string

const (
	StatusNormal TankStatus = "Normal"
	StatusHigh   TankStatus = "High"
	StatusLow    TankStatus = "Low"
)

// Пороги в процентах, границы не включаются.
const (
	HighLevel = 90.0
	LowLevel  = 20.0
)

// Classify: выше HighLevel: High, ниже LowLevel: Low, иначе Normal.
func Classify(level float64) TankStatus {
	switch {
	case level > HighLevel:
		return StatusHigh
	case level < LowLevel:
		return StatusLow
	default:
		return StatusNormal
	}
}
