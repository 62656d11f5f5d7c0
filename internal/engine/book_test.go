package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "nifty-terminal/internal/errors"
	"nifty-terminal/internal/models"
)

func shortLeg(id string, optType models.OptionType, strike int, entry, delta float64) models.Leg {
	return models.Leg{
		ID:           id,
		Symbol:       "SYM-" + id,
		Strike:       strike,
		OptionType:   optType,
		Side:         models.OrderSideSell,
		Quantity:     65,
		EntryPrice:   entry,
		CurrentPrice: entry,
		Greeks:       models.Greeks{Delta: delta},
	}
}

func TestPositionBook_AddRemove(t *testing.T) {
	book := NewPositionBook()
	assert.True(t, book.IsEmpty())

	require.NoError(t, book.AddLeg(shortLeg("a", models.OptionCall, 23200, 80, 0.22)))
	require.NoError(t, book.AddLeg(shortLeg("b", models.OptionPut, 22800, 70, -0.22)))
	assert.Equal(t, 2, book.Len())

	book.RemoveLeg("a")
	assert.Equal(t, 1, book.Len())
	// Unknown ID is a no-op.
	book.RemoveLeg("nope")
	assert.Equal(t, 1, book.Len())

	book.Clear()
	assert.True(t, book.IsEmpty())
}

func TestPositionBook_RejectsInvalidLegs(t *testing.T) {
	book := NewPositionBook()

	bad := shortLeg("x", models.OptionCall, 23200, 80, 0.2)
	bad.Quantity = 0
	err := book.AddLeg(bad)
	var inv *apperrors.InvariantError
	assert.True(t, apperrors.As(err, &inv))

	bad = shortLeg("y", models.OptionCall, 23200, 80, 0.2)
	bad.EntryPrice = math.NaN()
	assert.Error(t, book.AddLeg(bad))

	assert.True(t, book.IsEmpty())
}

func TestPositionBook_UpdateQuotesSkipsUnknownSymbols(t *testing.T) {
	book := NewPositionBook()
	require.NoError(t, book.AddLeg(shortLeg("a", models.OptionCall, 23200, 80, 0.22)))

	require.NoError(t, book.UpdateQuotes(map[string]*models.Quote{
		"SYM-a":   {Symbol: "SYM-a", LTP: 95},
		"unknown": {Symbol: "unknown", LTP: 1},
	}))

	legs := book.Legs()
	assert.Equal(t, 95.0, legs[0].CurrentPrice)
}

func TestPositionBook_UpdateQuotesNaNIsInvariantViolation(t *testing.T) {
	book := NewPositionBook()
	require.NoError(t, book.AddLeg(shortLeg("a", models.OptionCall, 23200, 80, 0.22)))

	err := book.UpdateQuotes(map[string]*models.Quote{
		"SYM-a": {Symbol: "SYM-a", LTP: math.NaN()},
	})
	var inv *apperrors.InvariantError
	assert.True(t, apperrors.As(err, &inv))
}

func TestPositionBook_AggregatesRecomputedFresh(t *testing.T) {
	book := NewPositionBook()
	require.NoError(t, book.AddLeg(shortLeg("ce", models.OptionCall, 23200, 80, 0.22)))
	require.NoError(t, book.AddLeg(shortLeg("pe", models.OptionPut, 22800, 70, -0.22)))

	netDelta, gammaScore, mtm := book.Aggregates(23000, 65)
	// Symmetric strangle: short call delta -0.22, short put delta +0.22.
	assert.InDelta(t, 0, netDelta, 1e-9)
	assert.InDelta(t, 50, gammaScore, 1e-9) // zero gamma in greeks
	assert.InDelta(t, 0, mtm, 1e-9)

	// Rally: call premium up, put premium down, deltas shift.
	require.NoError(t, book.UpdateQuotes(map[string]*models.Quote{
		"SYM-ce": {Symbol: "SYM-ce", LTP: 140, Greeks: models.Greeks{Delta: 0.40}},
		"SYM-pe": {Symbol: "SYM-pe", LTP: 40, Greeks: models.Greeks{Delta: -0.10}},
	}))

	netDelta, _, mtm = book.Aggregates(23050, 65)
	// Short call delta -0.40, short put +0.10 -> net -0.30 per unit.
	assert.InDelta(t, -0.30, netDelta, 1e-9)
	// CE lost (80-140)*65, PE gained (70-40)*65.
	assert.InDelta(t, -60*65+30*65, mtm, 1e-9)
}

func TestPositionBook_LegsReturnsCopy(t *testing.T) {
	book := NewPositionBook()
	require.NoError(t, book.AddLeg(shortLeg("a", models.OptionCall, 23200, 80, 0.22)))

	legs := book.Legs()
	legs[0].CurrentPrice = 999

	assert.Equal(t, 80.0, book.Legs()[0].CurrentPrice)
}

func TestPositionBook_ShortLegIgnoresHedges(t *testing.T) {
	book := NewPositionBook()
	hedge := shortLeg("h", models.OptionCall, 23400, 12, 0.10)
	hedge.Side = models.OrderSideBuy
	hedge.IsHedge = true
	require.NoError(t, book.AddLeg(hedge))
	require.NoError(t, book.AddLeg(shortLeg("ce", models.OptionCall, 23200, 80, 0.22)))

	leg := book.ShortLeg(models.OptionCall)
	require.NotNil(t, leg)
	assert.Equal(t, "ce", leg.ID)
	assert.Nil(t, book.ShortLeg(models.OptionPut))
}
