package model

import "math"

// Default fixed bounds for the raw anomaly score, observed over the training
// population.
const (
	DefaultAnomalyMin = -0.18
	DefaultAnomalyMax = 0.12
)

// Bounds maps raw anomaly scores onto [0,1].
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// DefaultBounds returns the fixed default bounds.
func DefaultBounds() Bounds {
	return Bounds{Min: DefaultAnomalyMin, Max: DefaultAnomalyMax}
}

// Normalize returns (raw-min)/(max-min) clamped to [0,1]. A zero-width range
// maps everything to 0.5.
func (b Bounds) Normalize(raw float64) float64 {
	width := b.Max - b.Min
	if width <= 0 || math.IsNaN(width) {
		return 0.5
	}
	if math.IsNaN(raw) {
		raw = 0
	}
	return clamp01((raw - b.Min) / width)
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
