package indicators

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"nifty-terminal/internal/models"
)

// Property: option greeks stay within their mathematical bounds for any
// sane pricing inputs: call delta in [0, 1], put delta in [-1, 0],
// gamma >= 0, vega >= 0.

type pricingInputs struct {
	Spot   float64
	Strike float64
	T      float64
	Sigma  float64
}

func pricingInputsGen() gopter.Gen {
	return gen.Struct(reflect.TypeOf(pricingInputs{}), map[string]gopter.Gen{
		"Spot":   gen.Float64Range(15000, 30000),
		"Strike": gen.Float64Range(15000, 30000),
		"T":      gen.Float64Range(0.001, 0.25),
		"Sigma":  gen.Float64Range(0.05, 1.0),
	})
}

func TestProperty_GreeksWithinBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("call delta in [0,1], put delta in [-1,0], gamma and vega non-negative", prop.ForAll(
		func(in pricingInputs) bool {
			call := BlackScholesGreeks(in.Spot, in.Strike, in.T, DefaultRiskFreeRate, in.Sigma, models.OptionCall)
			put := BlackScholesGreeks(in.Spot, in.Strike, in.T, DefaultRiskFreeRate, in.Sigma, models.OptionPut)

			if call.Delta < 0 || call.Delta > 1 {
				return false
			}
			if put.Delta < -1 || put.Delta > 0 {
				return false
			}
			if call.Gamma < 0 || put.Gamma < 0 {
				return false
			}
			if call.Vega < 0 || put.Vega < 0 {
				return false
			}
			// Put-call delta parity: call delta - put delta = 1.
			return math.Abs((call.Delta-put.Delta)-1) < 1e-9
		},
		pricingInputsGen(),
	))

	properties.TestingRun(t)
}

func TestProperty_PutCallParity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("C - P = S - K*exp(-rT)", prop.ForAll(
		func(in pricingInputs) bool {
			c := BlackScholesPrice(in.Spot, in.Strike, in.T, DefaultRiskFreeRate, in.Sigma, models.OptionCall)
			p := BlackScholesPrice(in.Spot, in.Strike, in.T, DefaultRiskFreeRate, in.Sigma, models.OptionPut)
			rhs := in.Spot - in.Strike*math.Exp(-DefaultRiskFreeRate*in.T)
			return math.Abs((c-p)-rhs) < 1e-6
		},
		pricingInputsGen(),
	))

	properties.TestingRun(t)
}

func TestProperty_GammaScoreWithinBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	legGen := gen.Struct(reflect.TypeOf(legInputs{}), map[string]gopter.Gen{
		"Strike":   gen.IntRange(20000, 26000),
		"Quantity": gen.IntRange(65, 650),
		"Gamma":    gen.Float64Range(0, 0.01),
		"Sell":     gen.Bool(),
	})

	properties.Property("gamma risk score stays within [0, 100]", prop.ForAll(
		func(raw []legInputs) bool {
			legs := make([]models.Leg, len(raw))
			for i, r := range raw {
				side := models.OrderSideBuy
				if r.Sell {
					side = models.OrderSideSell
				}
				legs[i] = models.Leg{
					Strike:   r.Strike,
					Side:     side,
					Quantity: r.Quantity,
					Greeks:   models.Greeks{Gamma: r.Gamma},
				}
			}
			score := GammaRiskScore(legs, 23000)
			return score >= 0 && score <= 100
		},
		gen.SliceOfN(4, legGen),
	))

	properties.TestingRun(t)
}

type legInputs struct {
	Strike   int
	Quantity int
	Gamma    float64
	Sell     bool
}
