package engine

import (
	"math"

	"nifty-terminal/internal/analysis/indicators"
	apperrors "nifty-terminal/internal/errors"
	"nifty-terminal/internal/models"
)

// PositionBook holds the open option legs of the running structure.
// It is owned exclusively by the engine worker goroutine and is not safe
// for concurrent use. Aggregates are recomputed fresh on every call,
// never cached.
type PositionBook struct {
	legs []models.Leg
}

// BookView is the read-only aggregate view the adjustment policy decides on.
type BookView struct {
	NetDelta        float64
	GammaScore      float64
	MTMPnL          float64
	Spot            float64
	LegCount        int
	AdjustmentLevel int
	CE              *models.Leg
	PE              *models.Leg
}

// NewPositionBook creates an empty book.
func NewPositionBook() *PositionBook {
	return &PositionBook{}
}

// AddLeg appends a leg to the book. Invalid legs are rejected before any
// mutation.
func (b *PositionBook) AddLeg(leg models.Leg) error {
	if leg.Quantity <= 0 {
		return apperrors.NewInvariantError("leg_quantity", "quantity must be positive")
	}
	if math.IsNaN(leg.EntryPrice) || leg.EntryPrice < 0 {
		return apperrors.NewInvariantError("leg_entry_price", "entry price must be a non-negative number")
	}
	b.legs = append(b.legs, leg)
	return nil
}

// RemoveLeg removes the leg with the given ID. Unknown IDs are a no-op.
func (b *PositionBook) RemoveLeg(id string) {
	for i := range b.legs {
		if b.legs[i].ID == id {
			b.legs = append(b.legs[:i], b.legs[i+1:]...)
			return
		}
	}
}

// Clear drops every leg.
func (b *PositionBook) Clear() {
	b.legs = nil
}

// IsEmpty reports whether the book holds no legs.
func (b *PositionBook) IsEmpty() bool {
	return len(b.legs) == 0
}

// Len returns the number of open legs.
func (b *PositionBook) Len() int {
	return len(b.legs)
}

// Legs returns a copy of the open legs.
func (b *PositionBook) Legs() []models.Leg {
	out := make([]models.Leg, len(b.legs))
	copy(out, b.legs)
	return out
}

// Leg returns a pointer to the live leg with the given ID, or nil.
func (b *PositionBook) Leg(id string) *models.Leg {
	for i := range b.legs {
		if b.legs[i].ID == id {
			return &b.legs[i]
		}
	}
	return nil
}

// ShortLeg returns the non-hedge short leg of the given option type, or nil.
func (b *PositionBook) ShortLeg(optType models.OptionType) *models.Leg {
	for i := range b.legs {
		if b.legs[i].OptionType == optType && b.legs[i].Side == models.OrderSideSell && !b.legs[i].IsHedge {
			return &b.legs[i]
		}
	}
	return nil
}

// UpdateQuotes refreshes current prices and greeks from the quote map.
// Symbols absent from the map are silently skipped; a NaN price is an
// invariant violation.
func (b *PositionBook) UpdateQuotes(quotes map[string]*models.Quote) error {
	for i := range b.legs {
		q, ok := quotes[b.legs[i].Symbol]
		if !ok || q == nil {
			continue
		}
		if math.IsNaN(q.LTP) || q.LTP < 0 {
			return apperrors.NewInvariantError("quote_price", "price for "+b.legs[i].Symbol+" is not a non-negative number")
		}
		b.legs[i].CurrentPrice = q.LTP
		if q.Greeks != (models.Greeks{}) {
			b.legs[i].Greeks = q.Greeks
		}
	}
	return nil
}

// Aggregates recomputes net delta, gamma score and MTM P&L from scratch.
// Net delta is normalised per unit quantity (lot size times lots) so it
// lives on the same [-1, 1]-ish scale as the entry delta targets.
func (b *PositionBook) Aggregates(spot float64, unitQty int) (netDelta, gammaScore, mtmPnL float64) {
	for i := range b.legs {
		netDelta += b.legs[i].DeltaExposure()
		mtmPnL += b.legs[i].PnL()
	}
	if unitQty > 0 {
		netDelta /= float64(unitQty)
	}
	gammaScore = indicators.GammaRiskScore(b.legs, spot)
	return netDelta, gammaScore, mtmPnL
}

// View builds the policy's read-only view of the book.
func (b *PositionBook) View(spot float64, unitQty, adjustmentLevel int) BookView {
	netDelta, gammaScore, mtmPnL := b.Aggregates(spot, unitQty)
	return BookView{
		NetDelta:        netDelta,
		GammaScore:      gammaScore,
		MTMPnL:          mtmPnL,
		Spot:            spot,
		LegCount:        len(b.legs),
		AdjustmentLevel: adjustmentLevel,
		CE:              b.ShortLeg(models.OptionCall),
		PE:              b.ShortLeg(models.OptionPut),
	}
}
