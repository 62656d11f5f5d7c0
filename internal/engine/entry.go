package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"

	"nifty-terminal/internal/analysis/indicators"
	"nifty-terminal/internal/config"
	apperrors "nifty-terminal/internal/errors"
	"nifty-terminal/internal/models"
	"nifty-terminal/pkg/utils"
)

// EntryContext carries everything an entry strategy may decide on.
type EntryContext struct {
	Now    time.Time
	Spot   float64
	Trend  models.TrendDirection
	Expiry time.Time
	Chain  []models.OptionChainStrike
	Params models.StrategyParams
}

// EntryPlan is a fully specified structure ready for order placement.
type EntryPlan struct {
	StrategyType     models.StrategyType
	Legs             []models.Leg
	PremiumCollected float64
	CEStrike         int
	PEStrike         int
	CEHedgeStrike    int
	PEHedgeStrike    int
}

// EntryStrategy plans a new structure from market context. A nil plan with
// nil error means conditions are not met and no entry happens this tick.
type EntryStrategy interface {
	Name() string
	Plan(ctx EntryContext) (*EntryPlan, error)
}

// StrangleEntry opens a delta-targeted short strangle with protective
// hedges. On expiry day it switches to fixed-offset strikes with
// fixed-width hedges.
type StrangleEntry struct {
	strategy config.StrategyConfig
	trading  config.TradingConfig
}

// NewStrangleEntry creates the default entry strategy.
func NewStrangleEntry(strategy config.StrategyConfig, trading config.TradingConfig) *StrangleEntry {
	return &StrangleEntry{strategy: strategy, trading: trading}
}

func (s *StrangleEntry) Name() string { return "gamma_strangle" }

// Plan builds the four-leg structure. Entries need a confirmed trend; on a
// BULLISH trend the put side carries the configured delta, on BEARISH the
// call side. An UNKNOWN trend skips the entry.
func (s *StrangleEntry) Plan(ctx EntryContext) (*EntryPlan, error) {
	if ctx.Trend == models.TrendUnknown {
		return nil, nil
	}
	if len(ctx.Chain) == 0 {
		return nil, apperrors.Wrap(apperrors.ErrSymbolNotFound, "empty option chain")
	}

	if utils.SameTradingDay(ctx.Now, ctx.Expiry) {
		return s.planExpiry(ctx)
	}
	return s.planStrangle(ctx)
}

func (s *StrangleEntry) planStrangle(ctx EntryContext) (*EntryPlan, error) {
	t := utils.YearsToExpiry(ctx.Now, ctx.Expiry)
	r := s.strategy.RiskFreeRate

	ceStrike, cePremium, err := strikeAtDelta(ctx.Chain, ctx.Spot, s.strategy.CEDeltaTarget, t, r, models.OptionCall)
	if err != nil {
		return nil, err
	}
	peStrike, pePremium, err := strikeAtDelta(ctx.Chain, ctx.Spot, s.strategy.PEDeltaTarget, t, r, models.OptionPut)
	if err != nil {
		return nil, err
	}
	ceHedge, ceHedgePremium, err := strikeAtDelta(ctx.Chain, ctx.Spot, s.strategy.HedgeDeltaTarget, t, r, models.OptionCall)
	if err != nil {
		return nil, err
	}
	peHedge, peHedgePremium, err := strikeAtDelta(ctx.Chain, ctx.Spot, s.strategy.HedgeDeltaTarget, t, r, models.OptionPut)
	if err != nil {
		return nil, err
	}

	if ceHedge <= ceStrike || peHedge >= peStrike {
		return nil, apperrors.NewValidationError("hedge_strikes",
			fmt.Sprintf("CE %d/%d PE %d/%d", ceStrike, ceHedge, peStrike, peHedge),
			"hedges must sit beyond their short strikes")
	}

	return s.assemble(ctx, models.StrategyGammaStrangle,
		ceStrike, cePremium, peStrike, pePremium,
		ceHedge, ceHedgePremium, peHedge, peHedgePremium)
}

// planExpiry builds the expiry-day variant: short strikes at ATM plus and
// minus the configured offset, hedges a fixed width further out.
func (s *StrangleEntry) planExpiry(ctx EntryContext) (*EntryPlan, error) {
	atm := utils.RoundToStrike(ctx.Spot, s.trading.StrikeStep)
	ceStrike := atm + s.strategy.ExpiryOTMOffset
	peStrike := atm - s.strategy.ExpiryOTMOffset
	ceHedge := ceStrike + s.strategy.ExpiryHedgeWidth
	peHedge := peStrike - s.strategy.ExpiryHedgeWidth

	cePremium, ok := chainPremium(ctx.Chain, ceStrike, models.OptionCall)
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrSymbolNotFound, "no chain row for strike %d", ceStrike)
	}
	pePremium, ok := chainPremium(ctx.Chain, peStrike, models.OptionPut)
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrSymbolNotFound, "no chain row for strike %d", peStrike)
	}
	ceHedgePremium, _ := chainPremium(ctx.Chain, ceHedge, models.OptionCall)
	peHedgePremium, _ := chainPremium(ctx.Chain, peHedge, models.OptionPut)

	return s.assemble(ctx, models.StrategyExpiry,
		ceStrike, cePremium, peStrike, pePremium,
		ceHedge, ceHedgePremium, peHedge, peHedgePremium)
}

func (s *StrangleEntry) assemble(ctx EntryContext, strategyType models.StrategyType,
	ceStrike int, cePremium float64, peStrike int, pePremium float64,
	ceHedge int, ceHedgePremium float64, peHedge int, peHedgePremium float64,
) (*EntryPlan, error) {
	qty := s.trading.LotSize * ctx.Params.NumLots
	if qty <= 0 {
		return nil, apperrors.NewValidationError("quantity", qty, "must be positive")
	}

	mkLeg := func(strike int, optType models.OptionType, side models.OrderSide, premium float64, hedge bool) models.Leg {
		return models.Leg{
			ID:           ulid.Make().String(),
			Symbol:       utils.BuildOptionSymbol(strike, optType, ctx.Expiry),
			Strike:       strike,
			OptionType:   optType,
			Side:         side,
			Quantity:     qty,
			EntryPrice:   premium,
			CurrentPrice: premium,
			IsHedge:      hedge,
			EntryTime:    ctx.Now,
		}
	}

	legs := []models.Leg{
		// Hedges first so the short legs are never naked, even briefly.
		mkLeg(ceHedge, models.OptionCall, models.OrderSideBuy, ceHedgePremium, true),
		mkLeg(peHedge, models.OptionPut, models.OrderSideBuy, peHedgePremium, true),
		mkLeg(ceStrike, models.OptionCall, models.OrderSideSell, cePremium, false),
		mkLeg(peStrike, models.OptionPut, models.OrderSideSell, pePremium, false),
	}

	net := (cePremium + pePremium - ceHedgePremium - peHedgePremium) * float64(qty)
	if net <= 0 {
		return nil, apperrors.NewValidationError("premium", net, "structure collects no net premium")
	}

	return &EntryPlan{
		StrategyType:     strategyType,
		Legs:             legs,
		PremiumCollected: net,
		CEStrike:         ceStrike,
		PEStrike:         peStrike,
		CEHedgeStrike:    ceHedge,
		PEHedgeStrike:    peHedge,
	}, nil
}

// strikeAtDelta scans the chain for the OTM strike whose model delta is
// nearest the target magnitude. Implied vol comes from the chain premium,
// falling back to the default when the solver cannot converge.
func strikeAtDelta(chain []models.OptionChainStrike, spot, target, t, r float64, optType models.OptionType) (int, float64, error) {
	bestStrike := 0
	bestPremium := 0.0
	bestDist := math.MaxFloat64

	for _, row := range chain {
		premium := row.CELTP
		if optType == models.OptionPut {
			premium = row.PELTP
		}
		if premium <= 0 {
			continue
		}
		// Only OTM strikes are candidates.
		if optType == models.OptionCall && float64(row.Strike) <= spot {
			continue
		}
		if optType == models.OptionPut && float64(row.Strike) >= spot {
			continue
		}

		iv := indicators.ImpliedVol(premium, spot, float64(row.Strike), t, r, optType)
		greeks := indicators.BlackScholesGreeks(spot, float64(row.Strike), t, r, iv, optType)

		dist := math.Abs(math.Abs(greeks.Delta) - target)
		if dist < bestDist {
			bestDist = dist
			bestStrike = row.Strike
			bestPremium = premium
		}
	}

	if bestStrike == 0 {
		return 0, 0, apperrors.Wrapf(apperrors.ErrSymbolNotFound,
			"no %s strike near delta %.2f", optType, target)
	}
	return bestStrike, bestPremium, nil
}

func chainPremium(chain []models.OptionChainStrike, strike int, optType models.OptionType) (float64, bool) {
	for _, row := range chain {
		if row.Strike == strike {
			if optType == models.OptionCall {
				return row.CELTP, row.CELTP > 0
			}
			return row.PELTP, row.PELTP > 0
		}
	}
	return 0, false
}
