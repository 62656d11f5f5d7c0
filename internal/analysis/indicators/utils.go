// Package indicators provides the technical and options-pricing calculations
// used by the strategy engine.
package indicators

import (
	"errors"

	"nifty-terminal/internal/models"
)

var (
	// ErrInsufficientData is returned when there's not enough data for calculation.
	ErrInsufficientData = errors.New("insufficient data for calculation")
	// ErrInvalidPeriod is returned when the period is invalid.
	ErrInvalidPeriod = errors.New("invalid period")
)

// typicalPrice returns (high + low + close) / 3.
func typicalPrice(c models.Candle) float64 {
	return (c.High + c.Low + c.Close) / 3
}

// trueRange returns the true range of a candle relative to the previous close.
func trueRange(curr, prev models.Candle) float64 {
	hl := curr.High - curr.Low
	hc := abs(curr.High - prev.Close)
	lc := abs(curr.Low - prev.Close)
	return max(hl, max(hc, lc))
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func max(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
