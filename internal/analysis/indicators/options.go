package indicators

import (
	"math"

	"nifty-terminal/internal/models"
)

// Pricing defaults for NSE index options.
const (
	DefaultRiskFreeRate = 0.065
	DefaultImpliedVol   = 0.15

	// gammaScoreScale is the signed gamma exposure (gamma * qty * spot)
	// that maps to the edges of the 0-100 risk score.
	gammaScoreScale = 50000.0
)

// normPDF is the standard normal density.
func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

// normCDF is the standard normal cumulative distribution.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// BlackScholesPrice returns the Black-Scholes price of a European option.
// spot and strike in index points, t in years, r and sigma annualised.
func BlackScholesPrice(spot, strike, t, r, sigma float64, optType models.OptionType) float64 {
	if t <= 0 || sigma <= 0 || spot <= 0 || strike <= 0 {
		// Intrinsic value at expiry or on degenerate inputs.
		if optType == models.OptionCall {
			return max(spot-strike, 0)
		}
		return max(strike-spot, 0)
	}

	d1 := (math.Log(spot/strike) + (r+sigma*sigma/2)*t) / (sigma * math.Sqrt(t))
	d2 := d1 - sigma*math.Sqrt(t)

	if optType == models.OptionCall {
		return spot*normCDF(d1) - strike*math.Exp(-r*t)*normCDF(d2)
	}
	return strike*math.Exp(-r*t)*normCDF(-d2) - spot*normCDF(-d1)
}

// BlackScholesGreeks computes the option greeks for a single contract.
// Theta is per calendar day; vega is per 1% vol move.
func BlackScholesGreeks(spot, strike, t, r, sigma float64, optType models.OptionType) models.Greeks {
	if t <= 0 {
		t = 0.001
	}
	if sigma <= 0 {
		sigma = DefaultImpliedVol
	}

	d1 := (math.Log(spot/strike) + (r+sigma*sigma/2)*t) / (sigma * math.Sqrt(t))
	d2 := d1 - sigma*math.Sqrt(t)
	sqrtT := math.Sqrt(t)

	g := models.Greeks{
		Gamma: normPDF(d1) / (spot * sigma * sqrtT),
		Vega:  spot * normPDF(d1) * sqrtT / 100,
		IV:    sigma,
	}

	if optType == models.OptionCall {
		g.Delta = normCDF(d1)
		g.Theta = (-spot*normPDF(d1)*sigma/(2*sqrtT) - r*strike*math.Exp(-r*t)*normCDF(d2)) / 365
	} else {
		g.Delta = normCDF(d1) - 1
		g.Theta = (-spot*normPDF(d1)*sigma/(2*sqrtT) + r*strike*math.Exp(-r*t)*normCDF(-d2)) / 365
	}
	return g
}

// ImpliedVol solves for the implied volatility matching the market price
// using Newton-Raphson on vega, clamped to [0.01, 5.0]. Falls back to the
// default IV when the solver cannot converge (deep ITM/OTM, stale price).
func ImpliedVol(price, spot, strike, t, r float64, optType models.OptionType) float64 {
	if price <= 0 || spot <= 0 || strike <= 0 || t <= 0 {
		return DefaultImpliedVol
	}

	sigma := DefaultImpliedVol
	for i := 0; i < 100; i++ {
		theo := BlackScholesPrice(spot, strike, t, r, sigma, optType)
		diff := theo - price
		if abs(diff) < 1e-4 {
			return sigma
		}

		d1 := (math.Log(spot/strike) + (r+sigma*sigma/2)*t) / (sigma * math.Sqrt(t))
		vega := spot * normPDF(d1) * math.Sqrt(t)
		if vega < 1e-8 {
			break
		}

		sigma -= diff / vega
		sigma = min(max(sigma, 0.01), 5.0)
	}
	return DefaultImpliedVol
}

// GammaRiskScore maps the portfolio's signed gamma exposure onto a 0-100
// scale. 50 is gamma-neutral; short gamma pushes the score up, long gamma
// pulls it down. Exposure beyond the scale saturates at the edges.
func GammaRiskScore(legs []models.Leg, spot float64) float64 {
	var exposure float64
	for i := range legs {
		// Short legs carry negative gamma for the book.
		exposure += -legs[i].GammaExposure() * spot
	}

	exposure = min(max(exposure, -gammaScoreScale), gammaScoreScale)
	return 50 + 50*exposure/gammaScoreScale
}
