// End-to-end checks of the engine wired to the real SQLite store and the
// paper broker: crash recovery, close-all persistence and parameter
// durability across restarts.
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nifty-terminal/internal/broker"
	"nifty-terminal/internal/config"
	"nifty-terminal/internal/engine"
	"nifty-terminal/internal/models"
	"nifty-terminal/internal/store"
	"nifty-terminal/pkg/utils"
)

var (
	tradingMorning = time.Date(2025, 6, 2, 10, 0, 0, 0, utils.IndiaLocation)
	tradeDay       = time.Date(2025, 6, 2, 0, 0, 0, 0, utils.IndiaLocation)
)

func engineConfig() *config.Config {
	return &config.Config{
		Trading: config.TradingConfig{
			Mode: "paper", IndexSymbol: "NSE:NIFTY50-INDEX",
			LotSize: 65, StrikeStep: 50,
			Capital: 500000, RiskPct: 2, NumLots: 1,
		},
		Strategy: config.StrategyConfig{
			CEDeltaTarget: 0.22, PEDeltaTarget: 0.22,
			HedgeDeltaTarget: 0.10, RollDeltaTarget: 0.20,
			// Wide limits so the policy stays quiet while the tests
			// exercise persistence.
			SoftDeltaLimit: 1.5, HardDeltaLimit: 3.0,
			GammaLimit: 500, MaxAdjustments: 3, MaxTradesPerDay: 2,
			SupertrendPeriod: 10, SupertrendMult: 3.0,
			RiskFreeRate: 0.065, DefaultImpliedVol: 0.15,
		},
		Schedule: config.ScheduleConfig{
			PreOpen:     "09:00",
			MarketOpen:  "09:20",
			EntryCutoff: "14:45",
			ForceClose:  "15:10",
			Report:      "15:20",
		},
	}
}

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func startEngine(t *testing.T, st store.Store, pb *broker.PaperBroker) (*engine.StrategyEngine, context.CancelFunc) {
	t.Helper()
	clock, err := engine.NewScheduleClock(engineConfig().Schedule)
	require.NoError(t, err)

	eng := engine.New(engine.Options{
		Config: engineConfig(),
		Broker: pb,
		Store:  st,
		Clock:  clock,
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return tradingMorning },
	})

	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	t.Cleanup(cancel)
	return eng, cancel
}

// seedOpenTrade writes an open four-leg structure as a crashed process
// would have left it.
func seedOpenTrade(t *testing.T, st store.Store) []models.Leg {
	t.Helper()
	expiry := utils.NearestWeeklyExpiry(tradingMorning)

	legs := []models.Leg{
		{ID: "L1", Symbol: utils.BuildOptionSymbol(23250, models.OptionCall, expiry),
			Strike: 23250, OptionType: models.OptionCall, Side: models.OrderSideSell,
			Quantity: 65, EntryPrice: 120, EntryTime: tradingMorning},
		{ID: "L2", Symbol: utils.BuildOptionSymbol(22750, models.OptionPut, expiry),
			Strike: 22750, OptionType: models.OptionPut, Side: models.OrderSideSell,
			Quantity: 65, EntryPrice: 110, EntryTime: tradingMorning},
		{ID: "L3", Symbol: utils.BuildOptionSymbol(23450, models.OptionCall, expiry),
			Strike: 23450, OptionType: models.OptionCall, Side: models.OrderSideBuy,
			Quantity: 65, EntryPrice: 25, IsHedge: true, EntryTime: tradingMorning},
		{ID: "L4", Symbol: utils.BuildOptionSymbol(22550, models.OptionPut, expiry),
			Strike: 22550, OptionType: models.OptionPut, Side: models.OrderSideBuy,
			Quantity: 65, EntryPrice: 24, IsHedge: true, EntryTime: tradingMorning},
	}

	trade := &models.Trade{
		ID:               "TR_RECOVER",
		TradeDate:        tradeDay,
		EntryTime:        tradingMorning,
		CEStrike:         23250,
		PEStrike:         22750,
		CEHedgeStrike:    23450,
		PEHedgeStrike:    22550,
		PremiumCollected: (120 + 110 - 25 - 24) * 65,
		Quantity:         65,
		Status:           models.TradeOpen,
		StrategyType:     models.StrategyGammaStrangle,
		EntrySpot:        23000,
		IsPaper:          true,
	}
	require.NoError(t, st.SaveTrade(trade))
	require.NoError(t, st.SaveTradeLegs(trade.ID, legs))
	return legs
}

func paperWithMarks(legs []models.Leg, marks []float64) *broker.PaperBroker {
	pb := broker.NewPaperBroker(broker.PaperBrokerConfig{LotSize: 65}, zerolog.Nop())
	pb.SetSyntheticSpot(23000)
	for i, leg := range legs {
		pb.SetPrice(leg.Symbol, marks[i])
	}
	return pb
}

func TestEngine_RecoversOpenTradeAfterRestart(t *testing.T) {
	st := newStore(t)
	legs := seedOpenTrade(t, st)
	pb := paperWithMarks(legs, []float64{80, 100, 20, 18})

	eng, _ := startEngine(t, st, pb)
	res := eng.Start(context.Background())
	require.NoError(t, res.Err)

	snap := eng.Snapshot()
	assert.Equal(t, models.StateRunning, snap.Lifecycle)
	require.Len(t, snap.OpenPositions, 4)

	eng.Tick()
	require.Eventually(t, func() bool {
		return eng.Snapshot().Spot == 23000
	}, 3*time.Second, 10*time.Millisecond)

	// Marks: CE 120->80, PE 110->100, hedges 25->20 and 24->18.
	// (40 + 10)*65 short profit less (5 + 6)*65 hedge decay.
	snap = eng.Snapshot()
	assert.InDelta(t, 2535, snap.MTMPnL, 1e-6)
}

func TestEngine_CloseAllPersistsRealizedResult(t *testing.T) {
	st := newStore(t)
	legs := seedOpenTrade(t, st)
	pb := paperWithMarks(legs, []float64{80, 100, 20, 18})

	eng, _ := startEngine(t, st, pb)
	require.NoError(t, eng.Start(context.Background()).Err)

	res := eng.CloseAll(context.Background(), "manual")
	require.NoError(t, res.Err)
	assert.Contains(t, res.Message, "closed all positions")
	assert.Empty(t, eng.Snapshot().OpenPositions)

	trades, err := st.GetTradesByDate(tradeDay)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	trade := trades[0]
	assert.Equal(t, models.TradeClosed, trade.Status)
	assert.Equal(t, "manual", trade.CloseReason)
	require.NotNil(t, trade.ExitTime)
	assert.InDelta(t, 2535, trade.RealizedPnL, 1e-6)

	open, err := st.GetOpenTrades()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestEngine_ParamsSurviveRestart(t *testing.T) {
	st := newStore(t)
	pb := broker.NewPaperBroker(broker.PaperBrokerConfig{LotSize: 65}, zerolog.Nop())
	pb.SetSyntheticSpot(23000)

	eng1, cancel1 := startEngine(t, st, pb)
	res := eng1.UpdateParams(context.Background(), models.StrategyParams{
		Capital: 800000, RiskPct: 3, NumLots: 2,
	})
	require.NoError(t, res.Err)
	cancel1()
	<-eng1.Done()

	eng2, _ := startEngine(t, st, pb)
	// Any command publishes a snapshot carrying the loaded params.
	require.NoError(t, eng2.ResetDay(context.Background()).Err)

	snap := eng2.Snapshot()
	assert.Equal(t, 800000.0, snap.Capital)
	assert.Equal(t, 3.0, snap.RiskPct)
	assert.Equal(t, 2, snap.NumLots)
}
