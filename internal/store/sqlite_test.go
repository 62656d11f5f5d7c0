package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "nifty-terminal/internal/errors"
	"nifty-terminal/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTrade(date time.Time) *models.Trade {
	return &models.Trade{
		ID:               ulid.Make().String(),
		TradeDate:        date,
		EntryTime:        date.Add(10 * time.Hour),
		CEStrike:         23200,
		PEStrike:         22800,
		CEHedgeStrike:    23400,
		PEHedgeStrike:    22600,
		PremiumCollected: 9100,
		Quantity:         65,
		Status:           models.TradeOpen,
		StrategyType:     models.StrategyGammaStrangle,
		EntrySpot:        23012.5,
		IsPaper:          true,
	}
}

func TestSQLiteStore_TradeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	date := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	trade := sampleTrade(date)

	require.NoError(t, s.SaveTrade(trade))

	got, err := s.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, trade.ID, got.ID)
	assert.Equal(t, 23200, got.CEStrike)
	assert.Equal(t, models.TradeOpen, got.Status)
	assert.Equal(t, models.StrategyGammaStrangle, got.StrategyType)
	assert.True(t, got.IsPaper)
	assert.Nil(t, got.ExitTime)
}

func TestSQLiteStore_UpdateTradeClose(t *testing.T) {
	s := newTestStore(t)
	date := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	trade := sampleTrade(date)
	require.NoError(t, s.SaveTrade(trade))

	exit := date.Add(15 * time.Hour)
	trade.ExitTime = &exit
	trade.Status = models.TradeForceClosed
	trade.CloseReason = "scheduled force close"
	trade.RealizedPnL = 1825.50
	require.NoError(t, s.UpdateTrade(trade))

	got, err := s.GetTrade(trade.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TradeForceClosed, got.Status)
	assert.Equal(t, "scheduled force close", got.CloseReason)
	assert.InDelta(t, 1825.50, got.RealizedPnL, 1e-9)
	require.NotNil(t, got.ExitTime)

	open, err := s.GetOpenTrades()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSQLiteStore_UpdateUnknownTrade(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateTrade(sampleTrade(time.Now()))
	assert.True(t, apperrors.Is(err, apperrors.ErrTradeNotFound))
}

func TestSQLiteStore_CountAndQueryByDate(t *testing.T) {
	s := newTestStore(t)
	day1 := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveTrade(sampleTrade(day1)))
	require.NoError(t, s.SaveTrade(sampleTrade(day1)))
	require.NoError(t, s.SaveTrade(sampleTrade(day2)))

	count, err := s.CountTradesOnDate(day1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	trades, err := s.GetTradesByDate(day2)
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	between, err := s.GetTradesBetween(day1, day2)
	require.NoError(t, err)
	assert.Len(t, between, 3)
}

func TestSQLiteStore_LegsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	trade := sampleTrade(time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.SaveTrade(trade))

	legs := []models.Leg{
		{ID: "l1", Symbol: "NSE:NIFTY25JUN0523200CE", Strike: 23200, OptionType: models.OptionCall, Side: models.OrderSideSell, Quantity: 65, EntryPrice: 82.4},
		{ID: "l2", Symbol: "NSE:NIFTY25JUN0522800PE", Strike: 22800, OptionType: models.OptionPut, Side: models.OrderSideSell, Quantity: 65, EntryPrice: 71.1},
	}
	require.NoError(t, s.SaveTradeLegs(trade.ID, legs))

	got, err := s.GetTradeLegs(trade.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, legs[0].Symbol, got[0].Symbol)
	assert.Equal(t, models.OrderSideSell, got[1].Side)

	assert.True(t, apperrors.Is(s.SaveTradeLegs("missing", legs), apperrors.ErrTradeNotFound))
}

func TestSQLiteStore_Adjustments(t *testing.T) {
	s := newTestStore(t)
	trade := sampleTrade(time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, s.SaveTrade(trade))

	for i, action := range []string{"ADD_HEDGE", "ROLL_LEG"} {
		require.NoError(t, s.SaveAdjustment(&models.Adjustment{
			ID:        ulid.Make().String(),
			TradeID:   trade.ID,
			Time:      trade.EntryTime.Add(time.Duration(i+1) * time.Hour),
			Level:     i + 1,
			Action:    action,
			Reason:    "test",
			SpotAtAdj: 23100,
			PnLAtAdj:  -400,
		}))
	}

	adjs, err := s.GetAdjustments(trade.ID)
	require.NoError(t, err)
	require.Len(t, adjs, 2)
	assert.Equal(t, "ADD_HEDGE", adjs[0].Action)
	assert.Equal(t, 2, adjs[1].Level)
}

func TestSQLiteStore_DailySummaryUpsert(t *testing.T) {
	s := newTestStore(t)
	date := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveDailySummary(&models.DailySummary{
		TradeDate: date, TotalTrades: 1, WinningTrades: 1, NetPnL: 1200, WinRate: 100,
	}))
	// Second write for the same date replaces the first.
	require.NoError(t, s.SaveDailySummary(&models.DailySummary{
		TradeDate: date, TotalTrades: 2, WinningTrades: 1, NetPnL: 700, WinRate: 50,
	}))

	got, err := s.GetDailySummary(date)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.TotalTrades)
	assert.InDelta(t, 700, got.NetPnL, 1e-9)

	missing, err := s.GetDailySummary(date.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStore_ParamsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	params, err := s.LoadParams()
	require.NoError(t, err)
	assert.Nil(t, params)

	require.NoError(t, s.SaveParams(&models.StrategyParams{Capital: 500000, RiskPct: 2, NumLots: 1}))
	require.NoError(t, s.SaveParams(&models.StrategyParams{Capital: 750000, RiskPct: 1.5, NumLots: 2}))

	params, err = s.LoadParams()
	require.NoError(t, err)
	require.NotNil(t, params)
	assert.InDelta(t, 750000, params.Capital, 1e-9)
	assert.Equal(t, 2, params.NumLots)
}

func TestSQLiteStore_SessionLifecycle(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadSession()
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthenticated))

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SaveSession(&models.SessionToken{
		AccessToken: "tok-1",
		IssuedAt:    now,
		Expiry:      now.Add(12 * time.Hour),
	}))

	token, err := s.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token.AccessToken)
	assert.True(t, token.Valid(now))

	require.NoError(t, s.DeleteSession())
	_, err = s.LoadSession()
	assert.True(t, apperrors.Is(err, apperrors.ErrNotAuthenticated))
}
