// Package store provides data persistence for trades, adjustments, daily
// summaries and the broker session.
package store

import (
	"time"

	"nifty-terminal/internal/models"
)

// Store defines the persistence interface used by the engine and reports.
type Store interface {
	// Trades
	SaveTrade(trade *models.Trade) error
	UpdateTrade(trade *models.Trade) error
	GetTrade(id string) (*models.Trade, error)
	GetOpenTrades() ([]models.Trade, error)
	GetTradesByDate(date time.Time) ([]models.Trade, error)
	GetTradesBetween(from, to time.Time) ([]models.Trade, error)
	CountTradesOnDate(date time.Time) (int, error)

	// Open legs are persisted alongside their trade for crash recovery.
	SaveTradeLegs(tradeID string, legs []models.Leg) error
	GetTradeLegs(tradeID string) ([]models.Leg, error)

	// Adjustments
	SaveAdjustment(adj *models.Adjustment) error
	GetAdjustments(tradeID string) ([]models.Adjustment, error)

	// Daily summaries (idempotent upsert keyed by trade date)
	SaveDailySummary(summary *models.DailySummary) error
	GetDailySummary(date time.Time) (*models.DailySummary, error)
	GetDailySummaries(from, to time.Time) ([]models.DailySummary, error)

	// Strategy sizing parameters survive restarts.
	SaveParams(params *models.StrategyParams) error
	LoadParams() (*models.StrategyParams, error)

	// Broker session
	SaveSession(token *models.SessionToken) error
	LoadSession() (*models.SessionToken, error)
	DeleteSession() error

	Close() error
}
