package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nifty-terminal/internal/analysis/indicators"
	apperrors "nifty-terminal/internal/errors"
	"nifty-terminal/internal/models"
	"nifty-terminal/pkg/utils"
)

// PaperBroker implements the Broker interface for paper trading. Market data
// passes through to the wrapped data broker; orders fill instantly at the
// last traded price. When no data broker is configured, option prices fall
// back to the pricing model off a settable synthetic spot.
type PaperBroker struct {
	dataBroker Broker
	log        zerolog.Logger

	mu           sync.RWMutex
	orders       map[string]*models.Order
	orderCounter int
	priceCache   map[string]float64
	syntheticSpot float64
	lotSize      int
}

// PaperBrokerConfig holds configuration for the paper broker.
type PaperBrokerConfig struct {
	DataBroker Broker
	LotSize    int
	// SyntheticSpot seeds the pricing model when no data broker is wired.
	SyntheticSpot float64
}

// NewPaperBroker creates a paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig, log zerolog.Logger) *PaperBroker {
	lotSize := cfg.LotSize
	if lotSize == 0 {
		lotSize = 65
	}
	return &PaperBroker{
		dataBroker:    cfg.DataBroker,
		log:           log.With().Str("component", "paper_broker").Logger(),
		orders:        make(map[string]*models.Order),
		priceCache:    make(map[string]float64),
		syntheticSpot: cfg.SyntheticSpot,
		lotSize:       lotSize,
	}
}

// SetSyntheticSpot updates the synthetic index level used for model pricing.
func (p *PaperBroker) SetSyntheticSpot(spot float64) {
	p.mu.Lock()
	p.syntheticSpot = spot
	p.mu.Unlock()
}

// SetPrice pins a simulated price for a symbol.
func (p *PaperBroker) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	p.priceCache[symbol] = price
	p.mu.Unlock()
}

// Login is a no-op for paper trading.
func (p *PaperBroker) Login(ctx context.Context) error { return nil }

// Logout is a no-op for paper trading.
func (p *PaperBroker) Logout(ctx context.Context) error { return nil }

// IsAuthenticated always reports true for paper trading.
func (p *PaperBroker) IsAuthenticated() bool { return true }

// RefreshSession is a no-op for paper trading.
func (p *PaperBroker) RefreshSession(ctx context.Context) error { return nil }

// GetQuote returns the live quote when a data broker is wired, otherwise a
// simulated quote from the pinned or modelled price.
func (p *PaperBroker) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if p.dataBroker != nil {
		quote, err := p.dataBroker.GetQuote(ctx, symbol)
		if err == nil {
			p.mu.Lock()
			p.priceCache[symbol] = quote.LTP
			p.mu.Unlock()
		}
		return quote, err
	}

	price, err := p.simulatedPrice(symbol)
	if err != nil {
		return nil, err
	}
	return &models.Quote{Symbol: symbol, LTP: price, Timestamp: time.Now()}, nil
}

// GetQuotes returns quotes for multiple symbols.
func (p *PaperBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]*models.Quote, error) {
	if p.dataBroker != nil {
		return p.dataBroker.GetQuotes(ctx, symbols)
	}

	quotes := make(map[string]*models.Quote, len(symbols))
	for _, s := range symbols {
		q, err := p.GetQuote(ctx, s)
		if err != nil {
			return nil, err
		}
		quotes[s] = q
	}
	return quotes, nil
}

// GetSpot returns the underlying index level.
func (p *PaperBroker) GetSpot(ctx context.Context) (float64, error) {
	if p.dataBroker != nil {
		return p.dataBroker.GetSpot(ctx)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.syntheticSpot == 0 {
		return 0, apperrors.Wrap(apperrors.ErrSymbolNotFound, "no synthetic spot configured")
	}
	return p.syntheticSpot, nil
}

// GetHistorical passes through to the data broker.
func (p *PaperBroker) GetHistorical(ctx context.Context, req HistoricalRequest) ([]models.Candle, error) {
	if p.dataBroker != nil {
		return p.dataBroker.GetHistorical(ctx, req)
	}
	return nil, apperrors.Wrap(apperrors.ErrConnectionFailed, "no data broker configured")
}

// GetOptionChain passes through to the data broker, or synthesises a chain
// from the pricing model.
func (p *PaperBroker) GetOptionChain(ctx context.Context, expiry time.Time) ([]models.OptionChainStrike, error) {
	if p.dataBroker != nil {
		return p.dataBroker.GetOptionChain(ctx, expiry)
	}

	spot, err := p.GetSpot(ctx)
	if err != nil {
		return nil, err
	}

	t := utils.YearsToExpiry(time.Now(), expiry)
	atm := utils.RoundToStrike(spot, 50)
	chain := make([]models.OptionChainStrike, 0, 31)
	for strike := atm - 750; strike <= atm+750; strike += 50 {
		chain = append(chain, models.OptionChainStrike{
			Strike: strike,
			CELTP:  indicators.BlackScholesPrice(spot, float64(strike), t, indicators.DefaultRiskFreeRate, indicators.DefaultImpliedVol, models.OptionCall),
			PELTP:  indicators.BlackScholesPrice(spot, float64(strike), t, indicators.DefaultRiskFreeRate, indicators.DefaultImpliedVol, models.OptionPut),
		})
	}
	return chain, nil
}

// PlaceOrder fills the order instantly at the current simulated price.
func (p *PaperBroker) PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error) {
	if order.Quantity <= 0 {
		return nil, apperrors.NewValidationError("quantity", order.Quantity, "must be positive")
	}

	price := order.Price
	if order.Type == models.OrderTypeMarket {
		q, err := p.GetQuote(ctx, order.Symbol)
		if err != nil {
			return nil, err
		}
		price = q.LTP
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderCounter)

	filled := *order
	filled.ID = orderID
	filled.Status = "FILLED"
	filled.FilledQty = order.Quantity
	filled.AveragePrice = price
	filled.PlacedAt = time.Now()
	p.orders[orderID] = &filled

	p.log.Info().Str("order_id", orderID).Str("symbol", order.Symbol).
		Str("side", string(order.Side)).Int("qty", order.Quantity).
		Float64("price", price).Msg("paper fill")

	return &OrderResult{
		OrderID:      orderID,
		Status:       "FILLED",
		FilledQty:    order.Quantity,
		AveragePrice: price,
	}, nil
}

// CancelOrder cancels a simulated order. Fills are instant, so this only
// succeeds for orders that never existed in a fillable state.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[orderID]
	if !ok {
		return apperrors.NewOrderError(orderID, "", "cancel", "unknown order", apperrors.ErrInvalidOrder)
	}
	if order.Status == "FILLED" {
		return apperrors.NewOrderError(orderID, order.Symbol, "cancel", "already filled", apperrors.ErrInvalidOrder)
	}
	order.Status = "CANCELLED"
	return nil
}

// GetOrders returns all simulated orders.
func (p *PaperBroker) GetOrders(ctx context.Context) ([]models.Order, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	orders := make([]models.Order, 0, len(p.orders))
	for _, o := range p.orders {
		orders = append(orders, *o)
	}
	return orders, nil
}

// GetMargins estimates margin locally: short legs pay ~12% of notional,
// hedged structures get a 60% benefit, long legs pay premium only.
func (p *PaperBroker) GetMargins(ctx context.Context, legs []models.Leg) (*models.MarginBreakdown, error) {
	spot, err := p.GetSpot(ctx)
	if err != nil {
		spot = 23000
	}

	var span, premium float64
	var hasShort, hasLong bool
	for i := range legs {
		notional := spot * float64(legs[i].Quantity)
		if legs[i].Side == models.OrderSideSell {
			hasShort = true
			span += notional * 0.12
		} else {
			hasLong = true
			premium += legs[i].EntryPrice * float64(legs[i].Quantity)
		}
	}

	exposure := span * 0.25
	var benefit float64
	if hasShort && hasLong {
		benefit = (span + exposure) * 0.60
	}

	return &models.MarginBreakdown{
		TotalRequired:  span + exposure + premium - benefit,
		SpanMargin:     span,
		ExposureMargin: exposure,
		HedgeBenefit:   benefit,
		Lots:           totalLots(legs, p.lotSize),
		Source:         "paper",
	}, nil
}

func totalLots(legs []models.Leg, lotSize int) int {
	var qty int
	for i := range legs {
		if legs[i].Side == models.OrderSideSell && !legs[i].IsHedge {
			qty += legs[i].Quantity
		}
	}
	if lotSize == 0 {
		return 0
	}
	return qty / lotSize
}

// simulatedPrice returns the pinned price, or a model price for option
// symbols when a synthetic spot is set.
func (p *PaperBroker) simulatedPrice(symbol string) (float64, error) {
	p.mu.RLock()
	price, ok := p.priceCache[symbol]
	spot := p.syntheticSpot
	p.mu.RUnlock()
	if ok {
		return price, nil
	}
	if spot == 0 {
		return 0, apperrors.Wrapf(apperrors.ErrSymbolNotFound, "no price for %s", symbol)
	}

	strike, optType, expiry, err := utils.ParseOptionSymbol(symbol)
	if err != nil {
		return 0, err
	}
	t := utils.YearsToExpiry(time.Now(), expiry)
	return indicators.BlackScholesPrice(spot, float64(strike), t, indicators.DefaultRiskFreeRate, indicators.DefaultImpliedVol, optType), nil
}
