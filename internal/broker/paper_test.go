package broker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nifty-terminal/internal/models"
	"nifty-terminal/pkg/utils"
)

func newTestPaperBroker() *PaperBroker {
	return NewPaperBroker(PaperBrokerConfig{SyntheticSpot: 23000, LotSize: 65}, zerolog.Nop())
}

func TestPaperBroker_MarketOrderFillsAtPinnedPrice(t *testing.T) {
	pb := newTestPaperBroker()
	pb.SetPrice("NSE:NIFTY24JUN0623200CE", 85.5)

	result, err := pb.PlaceOrder(context.Background(), &models.Order{
		Symbol:   "NSE:NIFTY24JUN0623200CE",
		Side:     models.OrderSideSell,
		Type:     models.OrderTypeMarket,
		Quantity: 65,
	})
	require.NoError(t, err)

	assert.Equal(t, "FILLED", result.Status)
	assert.Equal(t, 65, result.FilledQty)
	assert.Equal(t, 85.5, result.AveragePrice)
	assert.NotEmpty(t, result.OrderID)
}

func TestPaperBroker_RejectsNonPositiveQuantity(t *testing.T) {
	pb := newTestPaperBroker()
	_, err := pb.PlaceOrder(context.Background(), &models.Order{
		Symbol:   "NSE:NIFTY24JUN0623200CE",
		Side:     models.OrderSideSell,
		Type:     models.OrderTypeMarket,
		Quantity: 0,
	})
	assert.Error(t, err)
}

func TestPaperBroker_ModelPricesUnpinnedOptionSymbols(t *testing.T) {
	pb := newTestPaperBroker()
	expiry := utils.NearestWeeklyExpiry(time.Now())
	symbol := utils.BuildOptionSymbol(23000, models.OptionCall, expiry)

	q, err := pb.GetQuote(context.Background(), symbol)
	require.NoError(t, err)
	// ATM call with a week or less to expiry must carry positive premium.
	assert.Greater(t, q.LTP, 0.0)
}

func TestPaperBroker_SyntheticOptionChain(t *testing.T) {
	pb := newTestPaperBroker()
	expiry := utils.NearestWeeklyExpiry(time.Now())

	chain, err := pb.GetOptionChain(context.Background(), expiry)
	require.NoError(t, err)
	require.NotEmpty(t, chain)

	// Strikes ascend and bracket the spot.
	for i := 1; i < len(chain); i++ {
		assert.Greater(t, chain[i].Strike, chain[i-1].Strike)
	}
	assert.LessOrEqual(t, chain[0].Strike, 23000)
	assert.GreaterOrEqual(t, chain[len(chain)-1].Strike, 23000)
}

func TestPaperBroker_MarginHedgeBenefit(t *testing.T) {
	pb := newTestPaperBroker()
	ctx := context.Background()

	naked := []models.Leg{
		{Symbol: "CE", Side: models.OrderSideSell, Quantity: 65},
		{Symbol: "PE", Side: models.OrderSideSell, Quantity: 65},
	}
	hedged := append(naked,
		models.Leg{Symbol: "CEH", Side: models.OrderSideBuy, Quantity: 65, EntryPrice: 12, IsHedge: true},
		models.Leg{Symbol: "PEH", Side: models.OrderSideBuy, Quantity: 65, EntryPrice: 10, IsHedge: true},
	)

	nakedMargin, err := pb.GetMargins(ctx, naked)
	require.NoError(t, err)
	hedgedMargin, err := pb.GetMargins(ctx, hedged)
	require.NoError(t, err)

	assert.Zero(t, nakedMargin.HedgeBenefit)
	assert.Greater(t, hedgedMargin.HedgeBenefit, 0.0)
	assert.Less(t, hedgedMargin.TotalRequired, nakedMargin.TotalRequired)
	assert.Equal(t, 2, hedgedMargin.Lots)
}

func TestPaperBroker_CancelFilledOrderFails(t *testing.T) {
	pb := newTestPaperBroker()
	pb.SetPrice("X", 10)

	result, err := pb.PlaceOrder(context.Background(), &models.Order{
		Symbol: "X", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: 65,
	})
	require.NoError(t, err)

	assert.Error(t, pb.CancelOrder(context.Background(), result.OrderID))
	assert.Error(t, pb.CancelOrder(context.Background(), "missing"))
}
