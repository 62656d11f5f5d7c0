package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "nifty-terminal/internal/errors"
	"nifty-terminal/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based store at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One short-strangle structure from entry to exit
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		trade_date DATE NOT NULL,
		entry_time DATETIME NOT NULL,
		exit_time DATETIME,
		ce_strike INTEGER NOT NULL,
		pe_strike INTEGER NOT NULL,
		ce_hedge_strike INTEGER DEFAULT 0,
		pe_hedge_strike INTEGER DEFAULT 0,
		premium_collected REAL NOT NULL,
		quantity INTEGER NOT NULL,
		realized_pnl REAL DEFAULT 0,
		unrealized_pnl REAL DEFAULT 0,
		adjustment_level INTEGER DEFAULT 0,
		status TEXT NOT NULL,
		close_reason TEXT,
		strategy_type TEXT NOT NULL,
		net_delta REAL DEFAULT 0,
		gamma_score REAL DEFAULT 0,
		entry_spot REAL DEFAULT 0,
		is_paper INTEGER DEFAULT 0,
		legs_json TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_trades_date ON trades(trade_date);
	CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);

	-- Defensive actions taken on open trades
	CREATE TABLE IF NOT EXISTS adjustments (
		id TEXT PRIMARY KEY,
		trade_id TEXT NOT NULL,
		time DATETIME NOT NULL,
		level INTEGER NOT NULL,
		action TEXT NOT NULL,
		reason TEXT,
		spot_at_adj REAL,
		pnl_at_adj REAL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (trade_id) REFERENCES trades(id)
	);
	CREATE INDEX IF NOT EXISTS idx_adjustments_trade ON adjustments(trade_id);

	-- Daily fold of closed trades, upserted idempotently
	CREATE TABLE IF NOT EXISTS daily_summary (
		trade_date DATE PRIMARY KEY,
		total_trades INTEGER NOT NULL,
		winning_trades INTEGER NOT NULL,
		net_pnl REAL NOT NULL,
		win_rate REAL NOT NULL,
		max_drawdown REAL DEFAULT 0,
		capital_used REAL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Mutable sizing parameters, single row
	CREATE TABLE IF NOT EXISTS strategy_params (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		capital REAL NOT NULL,
		risk_pct REAL NOT NULL,
		num_lots INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Broker session token, single row
	CREATE TABLE IF NOT EXISTS session_store (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		access_token TEXT NOT NULL,
		issued_at DATETIME NOT NULL,
		expiry DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveTrade inserts a new trade record.
func (s *SQLiteStore) SaveTrade(trade *models.Trade) error {
	_, err := s.db.Exec(`
		INSERT INTO trades (
			id, trade_date, entry_time, exit_time, ce_strike, pe_strike,
			ce_hedge_strike, pe_hedge_strike, premium_collected, quantity,
			realized_pnl, unrealized_pnl, adjustment_level, status,
			close_reason, strategy_type, net_delta, gamma_score, entry_spot, is_paper
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.ID, dateOnly(trade.TradeDate), trade.EntryTime, trade.ExitTime,
		trade.CEStrike, trade.PEStrike, trade.CEHedgeStrike, trade.PEHedgeStrike,
		trade.PremiumCollected, trade.Quantity, trade.RealizedPnL, trade.UnrealizedPnL,
		trade.AdjustmentLevel, string(trade.Status), trade.CloseReason,
		string(trade.StrategyType), trade.NetDelta, trade.GammaScore,
		trade.EntrySpot, trade.IsPaper,
	)
	if err != nil {
		return apperrors.Wrap(err, "saving trade")
	}
	return nil
}

// UpdateTrade rewrites a trade's mutable columns.
func (s *SQLiteStore) UpdateTrade(trade *models.Trade) error {
	res, err := s.db.Exec(`
		UPDATE trades SET
			exit_time = ?, ce_strike = ?, pe_strike = ?,
			ce_hedge_strike = ?, pe_hedge_strike = ?, premium_collected = ?,
			realized_pnl = ?, unrealized_pnl = ?, adjustment_level = ?,
			status = ?, close_reason = ?, net_delta = ?, gamma_score = ?
		WHERE id = ?`,
		trade.ExitTime, trade.CEStrike, trade.PEStrike,
		trade.CEHedgeStrike, trade.PEHedgeStrike, trade.PremiumCollected,
		trade.RealizedPnL, trade.UnrealizedPnL, trade.AdjustmentLevel,
		string(trade.Status), trade.CloseReason, trade.NetDelta, trade.GammaScore,
		trade.ID,
	)
	if err != nil {
		return apperrors.Wrap(err, "updating trade")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Wrapf(apperrors.ErrTradeNotFound, "trade %s", trade.ID)
	}
	return nil
}

// GetTrade fetches one trade by ID.
func (s *SQLiteStore) GetTrade(id string) (*models.Trade, error) {
	row := s.db.QueryRow(selectTrade+" WHERE id = ?", id)
	trade, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.Wrapf(apperrors.ErrTradeNotFound, "trade %s", id)
	}
	return trade, err
}

// GetOpenTrades returns all trades still marked OPEN.
func (s *SQLiteStore) GetOpenTrades() ([]models.Trade, error) {
	return s.queryTrades(selectTrade+" WHERE status = ? ORDER BY entry_time", string(models.TradeOpen))
}

// GetTradesByDate returns all trades entered on the given date.
func (s *SQLiteStore) GetTradesByDate(date time.Time) ([]models.Trade, error) {
	return s.queryTrades(selectTrade+" WHERE trade_date = ? ORDER BY entry_time", dateOnly(date))
}

// GetTradesBetween returns trades with trade_date in [from, to].
func (s *SQLiteStore) GetTradesBetween(from, to time.Time) ([]models.Trade, error) {
	return s.queryTrades(selectTrade+" WHERE trade_date BETWEEN ? AND ? ORDER BY entry_time",
		dateOnly(from), dateOnly(to))
}

// CountTradesOnDate counts trades entered on the given date.
func (s *SQLiteStore) CountTradesOnDate(date time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM trades WHERE trade_date = ?`, dateOnly(date)).Scan(&count)
	if err != nil {
		return 0, apperrors.Wrap(err, "counting trades")
	}
	return count, nil
}

// SaveTradeLegs persists the open legs of a trade as JSON for crash recovery.
func (s *SQLiteStore) SaveTradeLegs(tradeID string, legs []models.Leg) error {
	data, err := json.Marshal(legs)
	if err != nil {
		return apperrors.Wrap(err, "marshaling legs")
	}
	res, err := s.db.Exec(`UPDATE trades SET legs_json = ? WHERE id = ?`, string(data), tradeID)
	if err != nil {
		return apperrors.Wrap(err, "saving legs")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Wrapf(apperrors.ErrTradeNotFound, "trade %s", tradeID)
	}
	return nil
}

// GetTradeLegs loads the persisted legs of a trade.
func (s *SQLiteStore) GetTradeLegs(tradeID string) ([]models.Leg, error) {
	var data sql.NullString
	err := s.db.QueryRow(`SELECT legs_json FROM trades WHERE id = ?`, tradeID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, apperrors.Wrapf(apperrors.ErrTradeNotFound, "trade %s", tradeID)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "loading legs")
	}
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var legs []models.Leg
	if err := json.Unmarshal([]byte(data.String), &legs); err != nil {
		return nil, apperrors.Wrap(err, "unmarshaling legs")
	}
	return legs, nil
}

// SaveAdjustment inserts one adjustment record.
func (s *SQLiteStore) SaveAdjustment(adj *models.Adjustment) error {
	_, err := s.db.Exec(`
		INSERT INTO adjustments (id, trade_id, time, level, action, reason, spot_at_adj, pnl_at_adj)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		adj.ID, adj.TradeID, adj.Time, adj.Level, adj.Action, adj.Reason, adj.SpotAtAdj, adj.PnLAtAdj,
	)
	if err != nil {
		return apperrors.Wrap(err, "saving adjustment")
	}
	return nil
}

// GetAdjustments returns all adjustments for a trade in time order.
func (s *SQLiteStore) GetAdjustments(tradeID string) ([]models.Adjustment, error) {
	rows, err := s.db.Query(`
		SELECT id, trade_id, time, level, action, reason, spot_at_adj, pnl_at_adj
		FROM adjustments WHERE trade_id = ? ORDER BY time`, tradeID)
	if err != nil {
		return nil, apperrors.Wrap(err, "querying adjustments")
	}
	defer rows.Close()

	var adjustments []models.Adjustment
	for rows.Next() {
		var a models.Adjustment
		var reason sql.NullString
		if err := rows.Scan(&a.ID, &a.TradeID, &a.Time, &a.Level, &a.Action, &reason, &a.SpotAtAdj, &a.PnLAtAdj); err != nil {
			return nil, apperrors.Wrap(err, "scanning adjustment")
		}
		a.Reason = reason.String
		adjustments = append(adjustments, a)
	}
	return adjustments, rows.Err()
}

// SaveDailySummary upserts the summary row for its trade date.
func (s *SQLiteStore) SaveDailySummary(summary *models.DailySummary) error {
	_, err := s.db.Exec(`
		INSERT INTO daily_summary (trade_date, total_trades, winning_trades, net_pnl, win_rate, max_drawdown, capital_used, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(trade_date) DO UPDATE SET
			total_trades = excluded.total_trades,
			winning_trades = excluded.winning_trades,
			net_pnl = excluded.net_pnl,
			win_rate = excluded.win_rate,
			max_drawdown = excluded.max_drawdown,
			capital_used = excluded.capital_used,
			updated_at = CURRENT_TIMESTAMP`,
		dateOnly(summary.TradeDate), summary.TotalTrades, summary.WinningTrades,
		summary.NetPnL, summary.WinRate, summary.MaxDrawdown, summary.CapitalUsed,
	)
	if err != nil {
		return apperrors.Wrap(err, "saving daily summary")
	}
	return nil
}

// GetDailySummary fetches the summary for one date, nil when absent.
func (s *SQLiteStore) GetDailySummary(date time.Time) (*models.DailySummary, error) {
	row := s.db.QueryRow(`
		SELECT trade_date, total_trades, winning_trades, net_pnl, win_rate, max_drawdown, capital_used
		FROM daily_summary WHERE trade_date = ?`, dateOnly(date))

	var d models.DailySummary
	var tradeDate string
	err := row.Scan(&tradeDate, &d.TotalTrades, &d.WinningTrades, &d.NetPnL, &d.WinRate, &d.MaxDrawdown, &d.CapitalUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "querying daily summary")
	}
	d.TradeDate, _ = time.Parse("2006-01-02", tradeDate)
	return &d, nil
}

// GetDailySummaries returns summaries with trade_date in [from, to].
func (s *SQLiteStore) GetDailySummaries(from, to time.Time) ([]models.DailySummary, error) {
	rows, err := s.db.Query(`
		SELECT trade_date, total_trades, winning_trades, net_pnl, win_rate, max_drawdown, capital_used
		FROM daily_summary WHERE trade_date BETWEEN ? AND ? ORDER BY trade_date`,
		dateOnly(from), dateOnly(to))
	if err != nil {
		return nil, apperrors.Wrap(err, "querying daily summaries")
	}
	defer rows.Close()

	var summaries []models.DailySummary
	for rows.Next() {
		var d models.DailySummary
		var tradeDate string
		if err := rows.Scan(&tradeDate, &d.TotalTrades, &d.WinningTrades, &d.NetPnL, &d.WinRate, &d.MaxDrawdown, &d.CapitalUsed); err != nil {
			return nil, apperrors.Wrap(err, "scanning daily summary")
		}
		d.TradeDate, _ = time.Parse("2006-01-02", tradeDate)
		summaries = append(summaries, d)
	}
	return summaries, rows.Err()
}

// SaveParams upserts the single sizing-parameters row.
func (s *SQLiteStore) SaveParams(params *models.StrategyParams) error {
	_, err := s.db.Exec(`
		INSERT INTO strategy_params (id, capital, risk_pct, num_lots, updated_at)
		VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			capital = excluded.capital,
			risk_pct = excluded.risk_pct,
			num_lots = excluded.num_lots,
			updated_at = CURRENT_TIMESTAMP`,
		params.Capital, params.RiskPct, params.NumLots,
	)
	if err != nil {
		return apperrors.Wrap(err, "saving params")
	}
	return nil
}

// LoadParams returns the persisted sizing parameters, nil when never saved.
func (s *SQLiteStore) LoadParams() (*models.StrategyParams, error) {
	var p models.StrategyParams
	err := s.db.QueryRow(`SELECT capital, risk_pct, num_lots FROM strategy_params WHERE id = 1`).
		Scan(&p.Capital, &p.RiskPct, &p.NumLots)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "loading params")
	}
	return &p, nil
}

// SaveSession persists the broker session token.
func (s *SQLiteStore) SaveSession(token *models.SessionToken) error {
	_, err := s.db.Exec(`
		INSERT INTO session_store (id, access_token, issued_at, expiry)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			issued_at = excluded.issued_at,
			expiry = excluded.expiry`,
		token.AccessToken, token.IssuedAt, token.Expiry,
	)
	if err != nil {
		return apperrors.Wrap(err, "saving session")
	}
	return nil
}

// LoadSession returns the persisted session token.
func (s *SQLiteStore) LoadSession() (*models.SessionToken, error) {
	var t models.SessionToken
	err := s.db.QueryRow(`SELECT access_token, issued_at, expiry FROM session_store WHERE id = 1`).
		Scan(&t.AccessToken, &t.IssuedAt, &t.Expiry)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNotAuthenticated
	}
	if err != nil {
		return nil, apperrors.Wrap(err, "loading session")
	}
	return &t, nil
}

// DeleteSession removes the persisted session token.
func (s *SQLiteStore) DeleteSession() error {
	_, err := s.db.Exec(`DELETE FROM session_store WHERE id = 1`)
	if err != nil {
		return apperrors.Wrap(err, "deleting session")
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectTrade = `
	SELECT id, trade_date, entry_time, exit_time, ce_strike, pe_strike,
		ce_hedge_strike, pe_hedge_strike, premium_collected, quantity,
		realized_pnl, unrealized_pnl, adjustment_level, status,
		close_reason, strategy_type, net_delta, gamma_score, entry_spot, is_paper
	FROM trades`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*models.Trade, error) {
	var t models.Trade
	var tradeDate string
	var exitTime sql.NullTime
	var closeReason sql.NullString
	err := row.Scan(
		&t.ID, &tradeDate, &t.EntryTime, &exitTime, &t.CEStrike, &t.PEStrike,
		&t.CEHedgeStrike, &t.PEHedgeStrike, &t.PremiumCollected, &t.Quantity,
		&t.RealizedPnL, &t.UnrealizedPnL, &t.AdjustmentLevel, (*string)(&t.Status),
		&closeReason, (*string)(&t.StrategyType), &t.NetDelta, &t.GammaScore,
		&t.EntrySpot, &t.IsPaper,
	)
	if err != nil {
		return nil, err
	}
	t.TradeDate, _ = time.Parse("2006-01-02", tradeDate)
	if exitTime.Valid {
		t.ExitTime = &exitTime.Time
	}
	t.CloseReason = closeReason.String
	return &t, nil
}

func (s *SQLiteStore) queryTrades(query string, args ...any) ([]models.Trade, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(err, "querying trades")
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, "scanning trade")
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}

func dateOnly(t time.Time) string {
	return t.Format("2006-01-02")
}
