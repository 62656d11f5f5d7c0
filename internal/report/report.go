// Package report folds closed trades into daily summaries, renders the
// end-of-day report and exports trade history as CSV.
package report

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog"

	apperrors "nifty-terminal/internal/errors"
	"nifty-terminal/internal/models"
	"nifty-terminal/pkg/utils"
)

// TradeStore is the slice of the store the reporter reads and writes.
type TradeStore interface {
	GetTradesByDate(date time.Time) ([]models.Trade, error)
	GetTradesBetween(from, to time.Time) ([]models.Trade, error)
	SaveDailySummary(summary *models.DailySummary) error
	GetDailySummary(date time.Time) (*models.DailySummary, error)
	LoadParams() (*models.StrategyParams, error)
}

// SummaryNotifier receives the finished fold. Optional.
type SummaryNotifier interface {
	NotifySummary(s *models.DailySummary)
}

// Reporter builds and persists daily summaries.
type Reporter struct {
	store    TradeStore
	notifier SummaryNotifier
	log      zerolog.Logger
}

func New(store TradeStore, notifier SummaryNotifier, log zerolog.Logger) *Reporter {
	return &Reporter{
		store:    store,
		notifier: notifier,
		log:      log.With().Str("component", "report").Logger(),
	}
}

// RunEOD folds the day's closed trades into the summary table and sends
// the result. Safe to run repeatedly: the fold recomputes from trades and
// the save is an upsert keyed by date.
func (r *Reporter) RunEOD(ctx context.Context, date time.Time) error {
	trades, err := r.store.GetTradesByDate(date)
	if err != nil {
		return apperrors.Wrap(err, "loading trades for summary")
	}

	summary := Fold(date, trades)
	if params, err := r.store.LoadParams(); err == nil && params != nil {
		summary.CapitalUsed = params.Capital
	}

	if err := r.store.SaveDailySummary(summary); err != nil {
		return apperrors.Wrap(err, "saving daily summary")
	}
	r.log.Info().Str("date", date.Format("2006-01-02")).
		Int("trades", summary.TotalTrades).Float64("net_pnl", summary.NetPnL).
		Msg("daily summary saved")

	if r.notifier != nil {
		r.notifier.NotifySummary(summary)
	}
	return nil
}

// Fold reduces one day's trades to its summary. Open trades are excluded;
// the fold only counts realized results.
func Fold(date time.Time, trades []models.Trade) *models.DailySummary {
	summary := &models.DailySummary{TradeDate: date}

	var cumulative, trough float64
	for _, trade := range trades {
		if trade.Status == models.TradeOpen {
			continue
		}
		summary.TotalTrades++
		summary.NetPnL += trade.RealizedPnL
		if trade.RealizedPnL > 0 {
			summary.WinningTrades++
		}

		cumulative += trade.RealizedPnL
		if cumulative < trough {
			trough = cumulative
		}
	}
	if summary.TotalTrades > 0 {
		summary.WinRate = float64(summary.WinningTrades) / float64(summary.TotalTrades) * 100
	}
	summary.MaxDrawdown = -trough
	return summary
}

// Render produces the plain-text EOD report.
func Render(summary *models.DailySummary, trades []models.Trade) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily report %s\n", summary.TradeDate.Format("2006-01-02"))
	fmt.Fprintf(&b, "Trades: %d | Won: %d (%.0f%%)\n",
		summary.TotalTrades, summary.WinningTrades, summary.WinRate)
	fmt.Fprintf(&b, "Net P&L: %s\n", utils.FormatPnL(summary.NetPnL))
	fmt.Fprintf(&b, "Max drawdown: %s\n", utils.FormatIndianCurrency(summary.MaxDrawdown))
	if summary.CapitalUsed > 0 {
		fmt.Fprintf(&b, "Capital: %s\n", utils.FormatIndianCurrency(summary.CapitalUsed))
	}

	for _, trade := range trades {
		if trade.Status == models.TradeOpen {
			continue
		}
		fmt.Fprintf(&b, "  %s %s %dCE/%dPE lvl %d %s %s\n",
			trade.EntryTime.Format("15:04"), trade.StrategyType,
			trade.CEStrike, trade.PEStrike, trade.AdjustmentLevel,
			trade.CloseReason, utils.FormatPnL(trade.RealizedPnL))
	}
	return b.String()
}

// tradeRow is the CSV projection of a trade.
type tradeRow struct {
	Date             string  `csv:"date"`
	EntryTime        string  `csv:"entry_time"`
	ExitTime         string  `csv:"exit_time"`
	Strategy         string  `csv:"strategy"`
	CEStrike         int     `csv:"ce_strike"`
	PEStrike         int     `csv:"pe_strike"`
	CEHedgeStrike    int     `csv:"ce_hedge_strike"`
	PEHedgeStrike    int     `csv:"pe_hedge_strike"`
	Quantity         int     `csv:"quantity"`
	PremiumCollected float64 `csv:"premium_collected"`
	RealizedPnL      float64 `csv:"realized_pnl"`
	AdjustmentLevel  int     `csv:"adjustment_level"`
	Status           string  `csv:"status"`
	CloseReason      string  `csv:"close_reason"`
	Paper            bool    `csv:"paper"`
}

// ExportCSV writes trades between from and to (inclusive) as CSV.
func (r *Reporter) ExportCSV(w io.Writer, from, to time.Time) (int, error) {
	trades, err := r.store.GetTradesBetween(from, to)
	if err != nil {
		return 0, apperrors.Wrap(err, "loading trades for export")
	}

	rows := make([]tradeRow, 0, len(trades))
	for _, trade := range trades {
		row := tradeRow{
			Date:             trade.TradeDate.Format("2006-01-02"),
			EntryTime:        trade.EntryTime.Format("15:04:05"),
			Strategy:         string(trade.StrategyType),
			CEStrike:         trade.CEStrike,
			PEStrike:         trade.PEStrike,
			CEHedgeStrike:    trade.CEHedgeStrike,
			PEHedgeStrike:    trade.PEHedgeStrike,
			Quantity:         trade.Quantity,
			PremiumCollected: trade.PremiumCollected,
			RealizedPnL:      trade.RealizedPnL,
			AdjustmentLevel:  trade.AdjustmentLevel,
			Status:           string(trade.Status),
			CloseReason:      trade.CloseReason,
			Paper:            trade.IsPaper,
		}
		if trade.ExitTime != nil {
			row.ExitTime = trade.ExitTime.Format("15:04:05")
		}
		rows = append(rows, row)
	}

	if err := gocsv.Marshal(&rows, w); err != nil {
		return 0, apperrors.Wrap(err, "writing csv")
	}
	return len(rows), nil
}
