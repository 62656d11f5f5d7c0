package indicators

import (
	"nifty-terminal/internal/models"
)

// VWAP computes the volume-weighted average price over the candles.
// It is cumulative from the first candle, so callers should pass candles
// starting at the session open.
func VWAP(candles []models.Candle) ([]float64, error) {
	if len(candles) == 0 {
		return nil, ErrInsufficientData
	}

	result := make([]float64, len(candles))
	var cumPV, cumVol float64
	for i, c := range candles {
		cumPV += typicalPrice(c) * float64(c.Volume)
		cumVol += float64(c.Volume)
		if cumVol > 0 {
			result[i] = cumPV / cumVol
		} else {
			result[i] = typicalPrice(c)
		}
	}
	return result, nil
}

// SessionVWAP returns the latest VWAP value for the session, or the last
// close when volume data is absent.
func SessionVWAP(candles []models.Candle) float64 {
	vwap, err := VWAP(candles)
	if err != nil {
		return 0
	}
	return vwap[len(vwap)-1]
}
