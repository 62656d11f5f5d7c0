// Package broker provides broker integration interfaces and implementations.
package broker

import (
	"context"
	"time"

	"nifty-terminal/internal/models"
)

// Broker defines the interface for broker operations.
type Broker interface {
	// Authentication
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	IsAuthenticated() bool
	RefreshSession(ctx context.Context) error

	// Market Data
	GetQuote(ctx context.Context, symbol string) (*models.Quote, error)
	GetQuotes(ctx context.Context, symbols []string) (map[string]*models.Quote, error)
	GetSpot(ctx context.Context) (float64, error)
	GetHistorical(ctx context.Context, req HistoricalRequest) ([]models.Candle, error)
	GetOptionChain(ctx context.Context, expiry time.Time) ([]models.OptionChainStrike, error)

	// Orders
	PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrders(ctx context.Context) ([]models.Order, error)

	// Account
	GetMargins(ctx context.Context, legs []models.Leg) (*models.MarginBreakdown, error)
}

// HistoricalRequest represents a request for historical candle data.
type HistoricalRequest struct {
	Symbol     string
	Resolution string // "1", "5", "15", "D"
	From       time.Time
	To         time.Time
}

// OrderResult represents the result of an order placement.
type OrderResult struct {
	OrderID      string
	Status       string
	Message      string
	FilledQty    int
	AveragePrice float64
}
