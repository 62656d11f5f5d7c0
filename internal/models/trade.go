package models

import "time"

// TradeStatus represents the lifecycle status of a trade record.
type TradeStatus string

const (
	TradeOpen        TradeStatus = "OPEN"
	TradeClosed      TradeStatus = "CLOSED"
	TradeForceClosed TradeStatus = "FORCE_CLOSED"
)

// StrategyType identifies which entry variant opened the trade.
type StrategyType string

const (
	StrategyGammaStrangle StrategyType = "GAMMA_STRANGLE"
	StrategyExpiry        StrategyType = "EXPIRY"
)

// Trade represents one short-strangle structure from entry to exit.
// Created at entry, mutated only by the engine on adjustment/exit,
// append-only in the store thereafter.
type Trade struct {
	ID               string
	TradeDate        time.Time
	EntryTime        time.Time
	ExitTime         *time.Time
	CEStrike         int
	PEStrike         int
	CEHedgeStrike    int
	PEHedgeStrike    int
	PremiumCollected float64
	Quantity         int
	RealizedPnL      float64
	UnrealizedPnL    float64
	AdjustmentLevel  int
	Status           TradeStatus
	CloseReason      string
	StrategyType     StrategyType
	NetDelta         float64
	GammaScore       float64
	EntrySpot        float64
	IsPaper          bool
}

// Adjustment records one defensive action taken on an open trade.
type Adjustment struct {
	ID        string
	TradeID   string
	Time      time.Time
	Level     int
	Action    string
	Reason    string
	SpotAtAdj float64
	PnLAtAdj  float64
}

// DailySummary is the fold of one trading day's closed trades.
// Recomputed idempotently, never hand-edited.
type DailySummary struct {
	TradeDate     time.Time
	TotalTrades   int
	WinningTrades int
	NetPnL        float64
	WinRate       float64
	MaxDrawdown   float64
	CapitalUsed   float64
}

// StrategyParams is the mutable sizing configuration. Changes apply to
// subsequent entries only, never retroactively to open legs.
type StrategyParams struct {
	Capital float64
	RiskPct float64
	NumLots int
}

// SessionToken is the broker access token, opaque to the engine.
type SessionToken struct {
	AccessToken string
	IssuedAt    time.Time
	Expiry      time.Time
}

// Valid reports whether the token exists and has not expired.
func (t *SessionToken) Valid(now time.Time) bool {
	return t != nil && t.AccessToken != "" && now.Before(t.Expiry)
}

// LifecycleState is the engine lifecycle state machine.
type LifecycleState string

const (
	StateNotReady LifecycleState = "NOT_READY"
	StateReady    LifecycleState = "READY"
	StateRunning  LifecycleState = "RUNNING"
	StatePaused   LifecycleState = "PAUSED"
)

// Snapshot is the read-only engine state published to subscribers on every
// tick and after every state-changing command.
type Snapshot struct {
	Timestamp        time.Time      `json:"ts"`
	Spot             float64        `json:"spot"`
	VWAP             float64        `json:"vwap"`
	Trend            TrendDirection `json:"trend"`
	NetDelta         float64        `json:"net_delta"`
	GammaScore       float64        `json:"gamma_score"`
	MTMPnL           float64        `json:"mtm_pnl"`
	DailyRealizedPnL float64        `json:"daily_pnl"`
	TradesToday      int            `json:"trades_today"`
	AdjustmentLevel  int            `json:"adjustment_level"`
	Lifecycle        LifecycleState `json:"lifecycle"`
	SchedulePhase    string         `json:"phase"`
	OpenPositions    []Leg          `json:"open_positions"`
	Capital          float64        `json:"capital"`
	RiskPct          float64        `json:"risk_pct"`
	NumLots          int            `json:"num_lots"`
	LastError        string         `json:"last_error,omitempty"`
}
