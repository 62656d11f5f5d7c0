package indicators

import (
	"nifty-terminal/internal/models"
)

// ATR computes the Average True Range using Wilder's smoothing.
// The first ATR value is the simple mean of the true ranges over the period;
// subsequent values are smoothed as (prev*(period-1) + tr) / period.
// The result is aligned with candles: the first period indices are NaN-free
// but zero-valued placeholders are avoided by returning a slice starting at
// index 0 with only indices >= period carrying meaningful values.
func ATR(candles []models.Candle, period int) ([]float64, error) {
	if period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) <= period {
		return nil, ErrInsufficientData
	}

	tr := make([]float64, len(candles))
	tr[0] = candles[0].High - candles[0].Low
	for i := 1; i < len(candles); i++ {
		tr[i] = trueRange(candles[i], candles[i-1])
	}

	result := make([]float64, len(candles))
	result[period] = mean(tr[1 : period+1])
	for i := period + 1; i < len(candles); i++ {
		result[i] = (result[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return result, nil
}

// SuperTrendResult holds the supertrend line and direction for each candle.
type SuperTrendResult struct {
	Line      []float64
	Direction []models.TrendDirection
}

// SuperTrend computes the supertrend indicator over the candles.
// The band is offset from the median price by multiplier * ATR, and the
// direction flips when the close crosses the active band.
func SuperTrend(candles []models.Candle, period int, multiplier float64) (*SuperTrendResult, error) {
	atr, err := ATR(candles, period)
	if err != nil {
		return nil, err
	}

	n := len(candles)
	upper := make([]float64, n)
	lower := make([]float64, n)
	line := make([]float64, n)
	dir := make([]models.TrendDirection, n)

	for i := 0; i < n; i++ {
		dir[i] = models.TrendUnknown
	}

	for i := period; i < n; i++ {
		median := (candles[i].High + candles[i].Low) / 2
		basicUpper := median + multiplier*atr[i]
		basicLower := median - multiplier*atr[i]

		if i == period {
			upper[i] = basicUpper
			lower[i] = basicLower
			dir[i] = models.TrendBullish
			line[i] = lower[i]
			continue
		}

		// Bands only tighten while price stays on the same side.
		if basicUpper < upper[i-1] || candles[i-1].Close > upper[i-1] {
			upper[i] = basicUpper
		} else {
			upper[i] = upper[i-1]
		}
		if basicLower > lower[i-1] || candles[i-1].Close < lower[i-1] {
			lower[i] = basicLower
		} else {
			lower[i] = lower[i-1]
		}

		dir[i] = dir[i-1]
		if dir[i-1] == models.TrendBullish && candles[i].Close < lower[i] {
			dir[i] = models.TrendBearish
		} else if dir[i-1] == models.TrendBearish && candles[i].Close > upper[i] {
			dir[i] = models.TrendBullish
		}

		if dir[i] == models.TrendBullish {
			line[i] = lower[i]
		} else {
			line[i] = upper[i]
		}
	}

	return &SuperTrendResult{Line: line, Direction: dir}, nil
}

// CurrentTrend returns the latest supertrend direction, or TrendUnknown when
// there is not enough data to form one.
func CurrentTrend(candles []models.Candle, period int, multiplier float64) models.TrendDirection {
	st, err := SuperTrend(candles, period, multiplier)
	if err != nil {
		return models.TrendUnknown
	}
	return st.Direction[len(st.Direction)-1]
}
