package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"nifty-terminal/internal/analysis/indicators"
	"nifty-terminal/internal/broker"
	"nifty-terminal/internal/config"
	apperrors "nifty-terminal/internal/errors"
	"nifty-terminal/internal/models"
	"nifty-terminal/internal/store"
	"nifty-terminal/pkg/utils"
)

// Notifier receives trade lifecycle events for outbound alerts. All methods
// must be non-blocking or internally buffered.
type Notifier interface {
	NotifyEntry(trade *models.Trade)
	NotifyAdjustment(adj *models.Adjustment, trade *models.Trade)
	NotifyExit(trade *models.Trade)
	NotifyError(err error)
}

// commandKind enumerates the engine's mutating commands.
type commandKind string

const (
	cmdTick         commandKind = "TICK"
	cmdStart        commandKind = "START"
	cmdStop         commandKind = "STOP"
	cmdPause        commandKind = "PAUSE"
	cmdResume       commandKind = "RESUME"
	cmdCloseAll     commandKind = "CLOSE_ALL"
	cmdUpdateParams commandKind = "UPDATE_PARAMS"
	cmdResetDay     commandKind = "RESET_DAY"
)

// CommandResult is what a command source gets back once its command has
// been applied by the worker.
type CommandResult struct {
	Message string
	Err     error
}

type command struct {
	kind   commandKind
	reason string
	params *models.StrategyParams
	result chan CommandResult
}

// StrategyEngine owns all trading state. Every mutation flows through a
// single buffered command channel drained by one worker goroutine, so
// commands from HTTP, Telegram and the scheduler serialize into one total
// order and no locks guard the book.
type StrategyEngine struct {
	cfg    *config.Config
	broker broker.Broker
	store  store.Store
	clock  *ScheduleClock
	entry  EntryStrategy
	policy AdjustmentPolicy
	notify Notifier
	log    zerolog.Logger
	now    func() time.Time

	cmds chan command
	// tickPending collapses bursts of ticks into one: a tick arriving while
	// another is queued is dropped, because each tick re-reads the world.
	tickMu      sync.Mutex
	tickPending bool

	// Worker-owned state. Only the worker goroutine touches these.
	lifecycle   models.LifecycleState
	book        *PositionBook
	trade       *models.Trade
	params      models.StrategyParams
	tradesToday int
	dailyPnL    float64
	currentDay  time.Time
	lastError   string
	lastSpot    float64
	lastVWAP    float64
	lastTrend   models.TrendDirection

	// Snapshot fan-out.
	subMu    sync.Mutex
	subs     map[int]chan models.Snapshot
	subNext  int
	lastSnap models.Snapshot

	done chan struct{}
}

// Options bundles the engine's collaborators.
type Options struct {
	Config   *config.Config
	Broker   broker.Broker
	Store    store.Store
	Clock    *ScheduleClock
	Entry    EntryStrategy
	Notifier Notifier
	Logger   zerolog.Logger
	// Now is the engine's clock source; nil means time.Now.
	Now func() time.Time
}

// New creates a strategy engine. Call Run to start the worker.
func New(opts Options) *StrategyEngine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	entry := opts.Entry
	if entry == nil {
		entry = NewStrangleEntry(opts.Config.Strategy, opts.Config.Trading)
	}

	e := &StrategyEngine{
		cfg:       opts.Config,
		broker:    opts.Broker,
		store:     opts.Store,
		clock:     opts.Clock,
		entry:     entry,
		notify:    opts.Notifier,
		log:       opts.Logger.With().Str("component", "engine").Logger(),
		now:       now,
		cmds:      make(chan command, 64),
		lifecycle: models.StateNotReady,
		book:      NewPositionBook(),
		params: models.StrategyParams{
			Capital: opts.Config.Trading.Capital,
			RiskPct: opts.Config.Trading.RiskPct,
			NumLots: opts.Config.Trading.NumLots,
		},
		subs: make(map[int]chan models.Snapshot),
		done: make(chan struct{}),
	}

	if opts.Store != nil {
		if p, err := opts.Store.LoadParams(); err == nil && p != nil {
			e.params = *p
		}
	}
	return e
}

// Run drains the command queue until ctx is cancelled. Shutdown finishes
// the in-flight command and exits; open positions are left untouched.
func (e *StrategyEngine) Run(ctx context.Context) {
	defer close(e.done)

	e.recoverOpenTrade()
	e.currentDay = e.now()

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("engine shutting down; open positions untouched")
			return
		case cmd := <-e.cmds:
			e.dispatch(cmd)
		}
	}
}

// Done is closed once the worker has exited.
func (e *StrategyEngine) Done() <-chan struct{} { return e.done }

// recoverOpenTrade reloads an open trade and its legs after a restart.
func (e *StrategyEngine) recoverOpenTrade() {
	if e.store == nil {
		return
	}
	open, err := e.store.GetOpenTrades()
	if err != nil || len(open) == 0 {
		return
	}

	trade := open[0]
	e.trade = &trade
	legs, err := e.store.GetTradeLegs(trade.ID)
	if err != nil {
		e.log.Error().Err(err).Str("trade_id", trade.ID).Msg("failed to recover legs")
		return
	}
	for _, leg := range legs {
		_ = e.book.AddLeg(leg)
	}
	e.log.Info().Str("trade_id", trade.ID).Int("legs", len(legs)).Msg("recovered open trade")
}

// Tick enqueues a market tick. Ticks coalesce: if one is already waiting,
// this one is dropped.
func (e *StrategyEngine) Tick() {
	e.tickMu.Lock()
	if e.tickPending {
		e.tickMu.Unlock()
		return
	}
	e.tickPending = true
	e.tickMu.Unlock()

	select {
	case e.cmds <- command{kind: cmdTick}:
	default:
		// Queue full; drop the tick, the next one re-reads the world anyway.
		e.tickMu.Lock()
		e.tickPending = false
		e.tickMu.Unlock()
	}
}

func (e *StrategyEngine) submit(ctx context.Context, cmd command) CommandResult {
	cmd.result = make(chan CommandResult, 1)
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return CommandResult{Err: ctx.Err()}
	}
	select {
	case res := <-cmd.result:
		return res
	case <-ctx.Done():
		return CommandResult{Err: ctx.Err()}
	}
}

// Start transitions READY -> RUNNING, establishing readiness from broker
// authentication when needed.
func (e *StrategyEngine) Start(ctx context.Context) CommandResult {
	return e.submit(ctx, command{kind: cmdStart})
}

// Stop transitions RUNNING/PAUSED -> READY. Positions stay open.
func (e *StrategyEngine) Stop(ctx context.Context) CommandResult {
	return e.submit(ctx, command{kind: cmdStop})
}

// Pause suspends entries and adjustments; monitoring continues.
func (e *StrategyEngine) Pause(ctx context.Context) CommandResult {
	return e.submit(ctx, command{kind: cmdPause})
}

// Resume lifts a pause.
func (e *StrategyEngine) Resume(ctx context.Context) CommandResult {
	return e.submit(ctx, command{kind: cmdResume})
}

// CloseAll closes every open leg. Idempotent: an empty book succeeds
// without trade mutation.
func (e *StrategyEngine) CloseAll(ctx context.Context, reason string) CommandResult {
	return e.submit(ctx, command{kind: cmdCloseAll, reason: reason})
}

// UpdateParams replaces the sizing parameters, all-or-nothing. Applies to
// subsequent entries only.
func (e *StrategyEngine) UpdateParams(ctx context.Context, params models.StrategyParams) CommandResult {
	return e.submit(ctx, command{kind: cmdUpdateParams, params: &params})
}

// ResetDay zeroes the daily counters.
func (e *StrategyEngine) ResetDay(ctx context.Context) CommandResult {
	return e.submit(ctx, command{kind: cmdResetDay})
}

// Subscribe registers a snapshot subscriber. The returned cancel func must
// be called to release the channel. Slow subscribers miss snapshots rather
// than blocking the engine.
func (e *StrategyEngine) Subscribe() (<-chan models.Snapshot, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	id := e.subNext
	e.subNext++
	ch := make(chan models.Snapshot, 8)
	e.subs[id] = ch

	return ch, func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
	}
}

// Snapshot returns the most recently published snapshot.
func (e *StrategyEngine) Snapshot() models.Snapshot {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.lastSnap
}

func (e *StrategyEngine) dispatch(cmd command) {
	var res CommandResult
	switch cmd.kind {
	case cmdTick:
		e.tickMu.Lock()
		e.tickPending = false
		e.tickMu.Unlock()
		e.handleTick()
	case cmdStart:
		res = e.handleStart()
	case cmdStop:
		res = e.handleStop()
	case cmdPause:
		res = e.handlePause()
	case cmdResume:
		res = e.handleResume()
	case cmdCloseAll:
		res = e.handleCloseAll(cmd.reason)
	case cmdUpdateParams:
		res = e.handleUpdateParams(*cmd.params)
	case cmdResetDay:
		res = e.handleResetDay()
	}

	if cmd.kind != cmdTick {
		e.log.Info().Str("command", string(cmd.kind)).Err(res.Err).Msg("command applied")
		e.publishSnapshot()
	}
	if cmd.result != nil {
		cmd.result <- res
	}
}

func (e *StrategyEngine) handleStart() CommandResult {
	switch e.lifecycle {
	case models.StateRunning:
		return CommandResult{Message: "already running"}
	case models.StatePaused:
		// Start doubles as resume.
		e.lifecycle = models.StateRunning
		return CommandResult{Message: "strategy resumed"}
	case models.StateNotReady:
		if !e.broker.IsAuthenticated() {
			return CommandResult{Err: apperrors.Wrap(apperrors.ErrEngineNotReady, "broker not authenticated")}
		}
		e.lifecycle = models.StateReady
	}

	e.lifecycle = models.StateRunning
	return CommandResult{Message: "strategy started"}
}

func (e *StrategyEngine) handleStop() CommandResult {
	if e.lifecycle != models.StateRunning && e.lifecycle != models.StatePaused {
		return CommandResult{Message: "not running"}
	}
	e.lifecycle = models.StateReady
	return CommandResult{Message: "strategy stopped; open positions untouched"}
}

func (e *StrategyEngine) handlePause() CommandResult {
	if e.lifecycle != models.StateRunning {
		return CommandResult{Err: fmt.Errorf("can only pause a running engine (state %s)", e.lifecycle)}
	}
	e.lifecycle = models.StatePaused
	return CommandResult{Message: "strategy paused"}
}

func (e *StrategyEngine) handleResume() CommandResult {
	if e.lifecycle != models.StatePaused {
		return CommandResult{Err: fmt.Errorf("can only resume a paused engine (state %s)", e.lifecycle)}
	}
	e.lifecycle = models.StateRunning
	return CommandResult{Message: "strategy resumed"}
}

func (e *StrategyEngine) handleUpdateParams(p models.StrategyParams) CommandResult {
	if p.Capital <= 0 {
		return CommandResult{Err: apperrors.NewValidationError("capital", p.Capital, "must be positive")}
	}
	if p.RiskPct <= 0 || p.RiskPct > 100 {
		return CommandResult{Err: apperrors.NewValidationError("risk_pct", p.RiskPct, "must be in (0, 100]")}
	}
	if p.NumLots < 1 {
		return CommandResult{Err: apperrors.NewValidationError("num_lots", p.NumLots, "must be at least 1")}
	}

	e.params = p
	if e.store != nil {
		if err := e.store.SaveParams(&p); err != nil {
			e.log.Error().Err(err).Msg("failed to persist params")
		}
	}
	return CommandResult{Message: "parameters updated; applies to subsequent entries"}
}

// handleResetDay flattens any open structure before zeroing the daily
// counters, so a reset never leaves live exposure against a fresh budget.
func (e *StrategyEngine) handleResetDay() CommandResult {
	msg := "daily counters reset"
	if !e.book.IsEmpty() {
		if res := e.handleCloseAll("day reset"); res.Err != nil {
			return res
		}
		msg = "open positions closed; daily counters reset"
	}
	e.tradesToday = 0
	e.dailyPnL = 0
	e.currentDay = e.now()
	return CommandResult{Message: msg}
}

// handleCloseAll closes every open leg at market. Idempotent on an empty
// book. Partial failures leave remaining legs in the book with the error
// surfaced for the next tick to retry.
func (e *StrategyEngine) handleCloseAll(reason string) CommandResult {
	if e.book.IsEmpty() {
		return CommandResult{Message: "no open positions"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var realized float64
	for _, leg := range e.book.Legs() {
		exitSide := models.OrderSideBuy
		if leg.Side == models.OrderSideBuy {
			exitSide = models.OrderSideSell
		}
		result, err := e.broker.PlaceOrder(ctx, &models.Order{
			Symbol:   leg.Symbol,
			Exchange: models.NSE,
			Side:     exitSide,
			Type:     models.OrderTypeMarket,
			Product:  models.ProductNRML,
			Quantity: leg.Quantity,
			Tag:      "close_all",
		})
		if err != nil {
			e.lastError = err.Error()
			e.log.Error().Err(err).Str("symbol", leg.Symbol).Msg("close order failed")
			if e.notify != nil {
				e.notify.NotifyError(err)
			}
			return CommandResult{Err: apperrors.Wrapf(err, "closing %s", leg.Symbol)}
		}

		exitPrice := result.AveragePrice
		if exitPrice == 0 {
			exitPrice = leg.CurrentPrice
		}
		realized += leg.DirectionSign() * (exitPrice - leg.EntryPrice) * float64(leg.Quantity)
		e.book.RemoveLeg(leg.ID)
	}

	e.dailyPnL += realized

	if e.trade != nil {
		now := e.now()
		e.trade.ExitTime = &now
		e.trade.RealizedPnL += realized
		e.trade.UnrealizedPnL = 0
		e.trade.CloseReason = reason
		// Operator-initiated or strategy-target exits close normally;
		// everything else is a forced close.
		switch reason {
		case "manual", "target", "stop":
			e.trade.Status = models.TradeClosed
		default:
			e.trade.Status = models.TradeForceClosed
		}
		e.persistTrade()
		if e.notify != nil {
			e.notify.NotifyExit(e.trade)
		}
		e.log.Info().Str("trade_id", e.trade.ID).Str("reason", reason).
			Float64("realized", realized).Msg("structure closed")
		e.trade = nil
	}

	return CommandResult{Message: fmt.Sprintf("closed all positions (%s)", reason)}
}

// handleTick is the monitor pass: refresh the book, evaluate entry, run the
// adjustment policy, publish a snapshot. Runs in RUNNING and PAUSED; a
// paused engine only observes, except for force-close protections.
func (e *StrategyEngine) handleTick() {
	if e.lifecycle != models.StateRunning && e.lifecycle != models.StatePaused {
		return
	}

	now := e.now()
	e.rolloverDay(now)
	phase := e.clock.PhaseAt(now)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()

	if err := e.refreshMarket(ctx, now); err != nil {
		e.lastError = err.Error()
		e.log.Warn().Err(err).Msg("market refresh failed")
		e.publishSnapshotWithPhase(phase)
		return
	}
	e.lastError = ""

	if e.lifecycle == models.StateRunning && phase == PhaseEntriesEnabled && e.book.IsEmpty() {
		if err := e.evaluateEntry(ctx, now); err != nil {
			e.lastError = err.Error()
			e.log.Warn().Err(err).Msg("entry evaluation failed")
		}
	}

	e.applyPolicy(ctx, phase)
	e.persistOpenState()
	e.publishSnapshotWithPhase(phase)
}

func (e *StrategyEngine) rolloverDay(now time.Time) {
	if utils.SameTradingDay(e.currentDay, now) {
		return
	}
	e.log.Info().Time("day", now).Msg("date rollover; daily counters reset")
	e.tradesToday = 0
	e.dailyPnL = 0
	e.currentDay = now
}

// refreshMarket pulls spot, VWAP and per-leg quotes, then refreshes greeks
// from current premiums.
func (e *StrategyEngine) refreshMarket(ctx context.Context, now time.Time) error {
	spot, err := e.broker.GetSpot(ctx)
	if err != nil {
		return apperrors.Wrap(err, "fetching spot")
	}
	e.lastSpot = spot

	if e.book.IsEmpty() {
		return nil
	}

	legs := e.book.Legs()
	symbols := make([]string, len(legs))
	for i := range legs {
		symbols[i] = legs[i].Symbol
	}
	quotes, err := e.broker.GetQuotes(ctx, symbols)
	if err != nil {
		return apperrors.Wrap(err, "fetching quotes")
	}

	e.attachGreeks(quotes, spot, now)
	if err := e.book.UpdateQuotes(quotes); err != nil {
		e.haltOnInvariant(err)
		return err
	}
	return nil
}

// attachGreeks computes model greeks for each quote from its premium.
func (e *StrategyEngine) attachGreeks(quotes map[string]*models.Quote, spot float64, now time.Time) {
	for symbol, q := range quotes {
		if q == nil || q.LTP <= 0 {
			continue
		}
		strike, optType, expiry, err := utils.ParseOptionSymbol(symbol)
		if err != nil {
			continue
		}
		t := utils.YearsToExpiry(now, expiry)
		iv := indicators.ImpliedVol(q.LTP, spot, float64(strike), t, e.cfg.Strategy.RiskFreeRate, optType)
		q.Greeks = indicators.BlackScholesGreeks(spot, float64(strike), t, e.cfg.Strategy.RiskFreeRate, iv, optType)
	}
}

// haltOnInvariant parks the engine in PAUSED after an invariant violation.
func (e *StrategyEngine) haltOnInvariant(err error) {
	var inv *apperrors.InvariantError
	if !apperrors.As(err, &inv) {
		return
	}
	e.lifecycle = models.StatePaused
	e.lastError = err.Error()
	e.log.Error().Err(err).Msg("invariant violation; engine paused")
	if e.notify != nil {
		e.notify.NotifyError(err)
	}
}

// evaluateEntry opens a new structure when every gate passes: daily trade
// cap, daily risk budget, confirmed trend.
func (e *StrategyEngine) evaluateEntry(ctx context.Context, now time.Time) error {
	if e.tradesToday >= e.cfg.Strategy.MaxTradesPerDay {
		return nil
	}
	riskBudget := e.params.Capital * e.params.RiskPct / 100
	if e.dailyPnL <= -riskBudget {
		e.log.Info().Float64("daily_pnl", e.dailyPnL).Float64("budget", riskBudget).
			Msg("daily risk budget exhausted; no further entries")
		return nil
	}

	trend, vwap, err := e.fetchTrend(ctx, now)
	if err != nil {
		return err
	}
	e.lastTrend = trend
	e.lastVWAP = vwap

	expiry := utils.NearestWeeklyExpiry(now)
	chain, err := e.broker.GetOptionChain(ctx, expiry)
	if err != nil {
		return apperrors.Wrap(err, "fetching option chain")
	}

	plan, err := e.entry.Plan(EntryContext{
		Now:    now,
		Spot:   e.lastSpot,
		Trend:  trend,
		Expiry: expiry,
		Chain:  chain,
		Params: e.params,
	})
	if err != nil || plan == nil {
		return err
	}

	return e.openStructure(ctx, now, plan)
}

// fetchTrend computes the supertrend direction and session VWAP from
// 5-minute index candles.
func (e *StrategyEngine) fetchTrend(ctx context.Context, now time.Time) (models.TrendDirection, float64, error) {
	candles, err := e.broker.GetHistorical(ctx, broker.HistoricalRequest{
		Symbol:     e.cfg.Trading.IndexSymbol,
		Resolution: "5",
		From:       now.AddDate(0, 0, -3),
		To:         now,
	})
	if err != nil {
		return models.TrendUnknown, 0, apperrors.Wrap(err, "fetching candles")
	}

	trend := indicators.CurrentTrend(candles, e.cfg.Strategy.SupertrendPeriod, e.cfg.Strategy.SupertrendMult)
	vwap := indicators.SessionVWAP(sessionCandles(candles, now))
	return trend, vwap, nil
}

// sessionCandles keeps only candles from the current trading day so VWAP
// anchors at the session open.
func sessionCandles(candles []models.Candle, now time.Time) []models.Candle {
	for i := range candles {
		if utils.SameTradingDay(candles[i].Timestamp, now) {
			return candles[i:]
		}
	}
	return nil
}

// openStructure places the plan's orders hedges-first and registers the
// resulting trade. A mid-structure failure unwinds the filled legs.
func (e *StrategyEngine) openStructure(ctx context.Context, now time.Time, plan *EntryPlan) error {
	var placed []models.Leg
	for _, leg := range plan.Legs {
		result, err := e.broker.PlaceOrder(ctx, &models.Order{
			Symbol:   leg.Symbol,
			Exchange: models.NSE,
			Side:     leg.Side,
			Type:     models.OrderTypeMarket,
			Product:  models.ProductNRML,
			Quantity: leg.Quantity,
			Tag:      "entry",
		})
		if err != nil {
			e.unwind(ctx, placed)
			return apperrors.Wrapf(err, "entry order for %s", leg.Symbol)
		}
		if err := e.verifyFill(leg.Symbol, leg.Quantity, result); err != nil {
			partial := leg
			partial.Quantity = result.FilledQty
			e.unwind(ctx, append(placed, partial))
			return err
		}
		if result.AveragePrice > 0 {
			leg.EntryPrice = result.AveragePrice
			leg.CurrentPrice = result.AveragePrice
		}
		placed = append(placed, leg)
	}

	for _, leg := range placed {
		if err := e.book.AddLeg(leg); err != nil {
			e.haltOnInvariant(err)
			return err
		}
	}

	trade := &models.Trade{
		ID:               ulid.Make().String(),
		TradeDate:        now,
		EntryTime:        now,
		CEStrike:         plan.CEStrike,
		PEStrike:         plan.PEStrike,
		CEHedgeStrike:    plan.CEHedgeStrike,
		PEHedgeStrike:    plan.PEHedgeStrike,
		PremiumCollected: plan.PremiumCollected,
		Quantity:         e.cfg.Trading.LotSize * e.params.NumLots,
		Status:           models.TradeOpen,
		StrategyType:     plan.StrategyType,
		EntrySpot:        e.lastSpot,
		IsPaper:          e.cfg.IsPaperMode(),
	}
	e.trade = trade
	e.tradesToday++

	if e.store != nil {
		if err := e.store.SaveTrade(trade); err != nil {
			e.log.Error().Err(err).Msg("failed to persist trade")
		}
	}
	e.persistOpenState()

	if e.notify != nil {
		e.notify.NotifyEntry(trade)
	}
	e.log.Info().Str("trade_id", trade.ID).Str("strategy", string(plan.StrategyType)).
		Int("ce", plan.CEStrike).Int("pe", plan.PEStrike).
		Float64("premium", plan.PremiumCollected).Msg("structure opened")
	return nil
}

// unwind closes legs that filled before a mid-structure failure.
func (e *StrategyEngine) unwind(ctx context.Context, placed []models.Leg) {
	for _, leg := range placed {
		exitSide := models.OrderSideBuy
		if leg.Side == models.OrderSideBuy {
			exitSide = models.OrderSideSell
		}
		if _, err := e.broker.PlaceOrder(ctx, &models.Order{
			Symbol:   leg.Symbol,
			Exchange: models.NSE,
			Side:     exitSide,
			Type:     models.OrderTypeMarket,
			Product:  models.ProductNRML,
			Quantity: leg.Quantity,
			Tag:      "unwind",
		}); err != nil {
			e.log.Error().Err(err).Str("symbol", leg.Symbol).Msg("unwind failed; manual intervention needed")
			if e.notify != nil {
				e.notify.NotifyError(apperrors.Wrapf(err, "unwind %s", leg.Symbol))
			}
		}
	}
}

// applyPolicy runs the adjustment policy and applies its action. A paused
// engine only honors force-close protections.
func (e *StrategyEngine) applyPolicy(ctx context.Context, phase Phase) {
	view := e.book.View(e.lastSpot, e.unitQty(), e.adjustmentLevel())
	e.updateTradeMarks(view)

	action := e.policy.Decide(view, ThresholdsFromConfig(e.cfg.Strategy), phase)
	if action.Kind == ActionNone {
		return
	}
	if e.lifecycle == models.StatePaused && action.Kind != ActionForceCloseAll {
		return
	}

	switch action.Kind {
	case ActionForceCloseAll:
		res := e.handleCloseAll(action.Reason)
		if res.Err != nil {
			e.lastError = res.Err.Error()
		}
	case ActionRollLeg:
		if err := e.rollLeg(ctx, action); err != nil {
			e.lastError = err.Error()
			e.log.Error().Err(err).Msg("roll failed")
			e.closeOnReconcileMismatch(err)
		}
	case ActionAddHedge:
		if err := e.addHedge(ctx, action); err != nil {
			e.lastError = err.Error()
			e.log.Error().Err(err).Msg("hedge failed")
			e.closeOnReconcileMismatch(err)
		}
	}
}

func (e *StrategyEngine) unitQty() int {
	return e.cfg.Trading.LotSize * e.params.NumLots
}

// verifyFill compares the broker's reported fill against the requested
// quantity. A zero FilledQty means the broker did not echo a fill count
// and is taken at face value.
func (e *StrategyEngine) verifyFill(symbol string, want int, result *broker.OrderResult) error {
	if result == nil || result.FilledQty == 0 || result.FilledQty == want {
		return nil
	}
	tradeID := ""
	if e.trade != nil {
		tradeID = e.trade.ID
	}
	return apperrors.NewReconciliationError(tradeID,
		fmt.Sprintf("%s x%d", symbol, want),
		fmt.Sprintf("%s x%d", symbol, result.FilledQty))
}

// closeOnReconcileMismatch flattens the book when the broker's fills no
// longer match the structure the engine thinks it holds.
func (e *StrategyEngine) closeOnReconcileMismatch(err error) {
	var re *apperrors.ReconciliationError
	if !apperrors.As(err, &re) {
		return
	}
	res := e.handleCloseAll("reconciliation mismatch")
	if res.Err != nil {
		e.lastError = res.Err.Error()
	}
}

func (e *StrategyEngine) adjustmentLevel() int {
	if e.trade == nil {
		return 0
	}
	return e.trade.AdjustmentLevel
}

func (e *StrategyEngine) updateTradeMarks(view BookView) {
	if e.trade == nil {
		return
	}
	e.trade.UnrealizedPnL = view.MTMPnL
	e.trade.NetDelta = view.NetDelta
	e.trade.GammaScore = view.GammaScore
}

// rollLeg closes the tested short leg and reopens it at the strike nearest
// the roll delta target, bumping the adjustment level by exactly one.
func (e *StrategyEngine) rollLeg(ctx context.Context, action Action) error {
	leg := e.book.ShortLeg(action.TargetLeg)
	if leg == nil {
		return apperrors.Wrapf(apperrors.ErrSymbolNotFound, "no %s short leg to roll", action.TargetLeg)
	}
	now := e.now()
	expiry := utils.NearestWeeklyExpiry(now)

	chain, err := e.broker.GetOptionChain(ctx, expiry)
	if err != nil {
		return apperrors.Wrap(err, "fetching chain for roll")
	}
	newStrike, premium, err := strikeAtDelta(chain, e.lastSpot, action.TargetDelta,
		utils.YearsToExpiry(now, expiry), e.cfg.Strategy.RiskFreeRate, action.TargetLeg)
	if err != nil {
		return err
	}

	// Buy back the tested leg.
	closeResult, err := e.broker.PlaceOrder(ctx, &models.Order{
		Symbol:   leg.Symbol,
		Exchange: models.NSE,
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeMarket,
		Product:  models.ProductNRML,
		Quantity: leg.Quantity,
		Tag:      "roll_close",
	})
	if err != nil {
		return apperrors.Wrapf(err, "closing %s for roll", leg.Symbol)
	}
	if err := e.verifyFill(leg.Symbol, leg.Quantity, closeResult); err != nil {
		return err
	}
	exitPrice := closeResult.AveragePrice
	if exitPrice == 0 {
		exitPrice = leg.CurrentPrice
	}
	realized := leg.DirectionSign() * (exitPrice - leg.EntryPrice) * float64(leg.Quantity)
	e.dailyPnL += realized
	closedID := leg.ID
	closedQty := leg.Quantity

	// Sell the replacement strike.
	newSymbol := utils.BuildOptionSymbol(newStrike, action.TargetLeg, expiry)
	openResult, err := e.broker.PlaceOrder(ctx, &models.Order{
		Symbol:   newSymbol,
		Exchange: models.NSE,
		Side:     models.OrderSideSell,
		Type:     models.OrderTypeMarket,
		Product:  models.ProductNRML,
		Quantity: closedQty,
		Tag:      "roll_open",
	})
	if err != nil {
		// The old leg is gone; record that and surface the failure.
		e.book.RemoveLeg(closedID)
		return apperrors.Wrapf(err, "opening roll replacement %s", newSymbol)
	}

	e.book.RemoveLeg(closedID)
	entryPrice := openResult.AveragePrice
	if entryPrice == 0 {
		entryPrice = premium
	}
	if err := e.verifyFill(newSymbol, closedQty, openResult); err != nil {
		// Register what actually filled so a close-all flattens it.
		_ = e.book.AddLeg(models.Leg{
			ID:           ulid.Make().String(),
			Symbol:       newSymbol,
			Strike:       newStrike,
			OptionType:   action.TargetLeg,
			Side:         models.OrderSideSell,
			Quantity:     openResult.FilledQty,
			EntryPrice:   entryPrice,
			CurrentPrice: entryPrice,
			EntryTime:    now,
		})
		return err
	}
	newLeg := models.Leg{
		ID:           ulid.Make().String(),
		Symbol:       newSymbol,
		Strike:       newStrike,
		OptionType:   action.TargetLeg,
		Side:         models.OrderSideSell,
		Quantity:     closedQty,
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		EntryTime:    now,
	}
	if err := e.book.AddLeg(newLeg); err != nil {
		e.haltOnInvariant(err)
		return err
	}

	e.recordAdjustment(action, now, newStrike)
	return nil
}

// addHedge buys an additional protective leg on the tested side at the
// hedge delta target.
func (e *StrategyEngine) addHedge(ctx context.Context, action Action) error {
	now := e.now()
	expiry := utils.NearestWeeklyExpiry(now)

	chain, err := e.broker.GetOptionChain(ctx, expiry)
	if err != nil {
		return apperrors.Wrap(err, "fetching chain for hedge")
	}
	strike, premium, err := strikeAtDelta(chain, e.lastSpot, e.cfg.Strategy.HedgeDeltaTarget,
		utils.YearsToExpiry(now, expiry), e.cfg.Strategy.RiskFreeRate, action.HedgeType)
	if err != nil {
		return err
	}

	symbol := utils.BuildOptionSymbol(strike, action.HedgeType, expiry)
	result, err := e.broker.PlaceOrder(ctx, &models.Order{
		Symbol:   symbol,
		Exchange: models.NSE,
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeMarket,
		Product:  models.ProductNRML,
		Quantity: e.unitQty(),
		Tag:      "hedge",
	})
	if err != nil {
		return apperrors.Wrapf(err, "hedge order for %s", symbol)
	}

	entryPrice := result.AveragePrice
	if entryPrice == 0 {
		entryPrice = premium
	}
	leg := models.Leg{
		ID:           ulid.Make().String(),
		Symbol:       symbol,
		Strike:       strike,
		OptionType:   action.HedgeType,
		Side:         models.OrderSideBuy,
		Quantity:     e.unitQty(),
		EntryPrice:   entryPrice,
		CurrentPrice: entryPrice,
		IsHedge:      true,
		EntryTime:    now,
	}
	if fillErr := e.verifyFill(symbol, e.unitQty(), result); fillErr != nil {
		// Register the partial fill so a close-all flattens it.
		leg.Quantity = result.FilledQty
		_ = e.book.AddLeg(leg)
		return fillErr
	}
	if err := e.book.AddLeg(leg); err != nil {
		e.haltOnInvariant(err)
		return err
	}

	e.recordAdjustment(action, now, strike)
	return nil
}

func (e *StrategyEngine) recordAdjustment(action Action, now time.Time, strike int) {
	if e.trade == nil {
		return
	}
	e.trade.AdjustmentLevel = action.NewLevel

	adj := &models.Adjustment{
		ID:        ulid.Make().String(),
		TradeID:   e.trade.ID,
		Time:      now,
		Level:     action.NewLevel,
		Action:    string(action.Kind),
		Reason:    action.Reason,
		SpotAtAdj: e.lastSpot,
		PnLAtAdj:  e.trade.UnrealizedPnL,
	}
	if e.store != nil {
		if err := e.store.SaveAdjustment(adj); err != nil {
			e.log.Error().Err(err).Msg("failed to persist adjustment")
		}
	}
	e.persistTrade()
	if e.notify != nil {
		e.notify.NotifyAdjustment(adj, e.trade)
	}
	e.log.Info().Int("level", action.NewLevel).Str("action", string(action.Kind)).
		Str("reason", action.Reason).Int("strike", strike).Msg("adjustment applied")
}

func (e *StrategyEngine) persistTrade() {
	if e.store == nil || e.trade == nil {
		return
	}
	if err := e.store.UpdateTrade(e.trade); err != nil {
		e.log.Error().Err(err).Str("trade_id", e.trade.ID).Msg("failed to persist trade update")
	}
}

func (e *StrategyEngine) persistOpenState() {
	if e.store == nil || e.trade == nil {
		return
	}
	e.persistTrade()
	if err := e.store.SaveTradeLegs(e.trade.ID, e.book.Legs()); err != nil {
		e.log.Error().Err(err).Msg("failed to persist legs")
	}
}

func (e *StrategyEngine) publishSnapshot() {
	e.publishSnapshotWithPhase(e.clock.PhaseAt(e.now()))
}

func (e *StrategyEngine) publishSnapshotWithPhase(phase Phase) {
	netDelta, gammaScore, mtmPnL := e.book.Aggregates(e.lastSpot, e.unitQty())
	snap := models.Snapshot{
		Timestamp:        e.now(),
		Spot:             e.lastSpot,
		VWAP:             e.lastVWAP,
		Trend:            e.lastTrend,
		NetDelta:         netDelta,
		GammaScore:       gammaScore,
		MTMPnL:           mtmPnL,
		DailyRealizedPnL: e.dailyPnL,
		TradesToday:      e.tradesToday,
		AdjustmentLevel:  e.adjustmentLevel(),
		Lifecycle:        e.lifecycle,
		SchedulePhase:    string(phase),
		OpenPositions:    e.book.Legs(),
		Capital:          e.params.Capital,
		RiskPct:          e.params.RiskPct,
		NumLots:          e.params.NumLots,
		LastError:        e.lastError,
	}

	e.subMu.Lock()
	e.lastSnap = snap
	for _, ch := range e.subs {
		select {
		case ch <- snap:
		default:
			// Slow subscriber: skip this snapshot rather than block.
		}
	}
	e.subMu.Unlock()
}
