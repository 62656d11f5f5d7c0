// Package models provides domain models for the trading application.
package models

import (
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
	NFO Exchange = "NFO" // F&O
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypeStopLoss OrderType = "SL"
)

// ProductType represents the product type of an order.
type ProductType string

const (
	ProductMIS  ProductType = "MIS"  // Intraday
	ProductNRML ProductType = "NRML" // F&O Normal
)

// OptionType represents the option contract type.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// TrendDirection is the label produced by the trend indicator.
type TrendDirection string

const (
	TrendBullish TrendDirection = "BULLISH"
	TrendBearish TrendDirection = "BEARISH"
	TrendUnknown TrendDirection = "UNKNOWN"
)

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Greeks represents option sensitivities for a single contract.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
	IV    float64
}

// Quote represents the latest market data for one option symbol.
type Quote struct {
	Symbol    string
	LTP       float64
	BidPrice  float64
	AskPrice  float64
	OI        int64
	Volume    int64
	Greeks    Greeks
	Timestamp time.Time
}

// Leg represents one option contract position within the open structure.
// A leg is owned exclusively by the engine's position book while open and
// becomes immutable once archived into its Trade record.
type Leg struct {
	ID           string
	Symbol       string
	Strike       int
	OptionType   OptionType
	Side         OrderSide
	Quantity     int
	EntryPrice   float64
	CurrentPrice float64
	Greeks       Greeks
	IsHedge      bool
	EntryTime    time.Time
}

// DirectionSign returns +1 for long legs and -1 for short legs.
func (l *Leg) DirectionSign() float64 {
	if l.Side == OrderSideSell {
		return -1
	}
	return 1
}

// PnL returns the mark-to-market profit of this leg. A short leg profits
// when the current price falls below entry, a long leg when it rises.
func (l *Leg) PnL() float64 {
	return l.DirectionSign() * (l.CurrentPrice - l.EntryPrice) * float64(l.Quantity)
}

// DeltaExposure returns the side-signed delta contribution of this leg.
func (l *Leg) DeltaExposure() float64 {
	return l.DirectionSign() * l.Greeks.Delta * float64(l.Quantity)
}

// GammaExposure returns the side-signed gamma contribution of this leg.
func (l *Leg) GammaExposure() float64 {
	return l.DirectionSign() * l.Greeks.Gamma * float64(l.Quantity)
}

// Order represents an order request to, or record from, the broker.
type Order struct {
	ID           string
	Symbol       string
	Exchange     Exchange
	Side         OrderSide
	Type         OrderType
	Product      ProductType
	Quantity     int
	Price        float64
	Status       string
	FilledQty    int
	AveragePrice float64
	Tag          string
	PlacedAt     time.Time
}

// Fill represents a confirmed execution reported by the broker.
type Fill struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Quantity int
	Price    float64
	FilledAt time.Time
}

// MarginBreakdown represents the broker's margin requirement for a basket of legs.
type MarginBreakdown struct {
	TotalRequired  float64
	SpanMargin     float64
	ExposureMargin float64
	HedgeBenefit   float64
	Lots           int
	Source         string
}

// OptionChainStrike represents one strike row from the option chain.
type OptionChainStrike struct {
	Strike int
	CELTP  float64
	PELTP  float64
	CEOI   int64
	PEOI   int64
}
