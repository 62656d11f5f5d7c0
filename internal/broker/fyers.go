package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "nifty-terminal/internal/errors"
	"nifty-terminal/internal/models"
	"nifty-terminal/internal/resilience"
	"nifty-terminal/internal/security"
	"nifty-terminal/pkg/utils"
)

const (
	fyersAPIBase  = "https://api-t1.fyers.in/api/v3"
	fyersDataBase = "https://api-t1.fyers.in/data"
)

// FyersBroker implements the Broker interface against the Fyers API v3.
type FyersBroker struct {
	sessions    *security.SessionManager
	clientID    string
	indexSymbol string
	client      *http.Client
	retry       utils.RetryConfig
	breaker     *resilience.Breaker
	log         zerolog.Logger
}

// NewFyersBroker creates a Fyers broker. Authentication is delegated to the
// session manager; every data call ensures a valid session first.
func NewFyersBroker(sessions *security.SessionManager, clientID, indexSymbol string, log zerolog.Logger) *FyersBroker {
	retry := utils.DefaultRetryConfig()
	// A lapsed session is retryable here: the next attempt re-runs the
	// login chain through EnsureSession.
	retry.Retryable = func(err error) bool {
		return apperrors.IsTransient(err) || apperrors.Is(err, apperrors.ErrSessionExpired)
	}

	return &FyersBroker{
		sessions:    sessions,
		clientID:    clientID,
		indexSymbol: indexSymbol,
		client:      &http.Client{Timeout: 15 * time.Second},
		retry:       retry,
		breaker:     resilience.New("fyers", resilience.DefaultConfig()),
		log:         log.With().Str("component", "broker").Logger(),
	}
}

// Login establishes a broker session via the automated TOTP chain. A
// successful manual login also resets the circuit breaker.
func (f *FyersBroker) Login(ctx context.Context) error {
	if err := f.sessions.Login(ctx); err != nil {
		return err
	}
	f.breaker.Reset()
	return nil
}

// Logout invalidates the current session.
func (f *FyersBroker) Logout(ctx context.Context) error {
	return f.sessions.Logout()
}

// IsAuthenticated reports whether a valid session is held.
func (f *FyersBroker) IsAuthenticated() bool {
	return f.sessions.IsAuthenticated()
}

// RefreshSession re-runs the login chain, replacing the held token.
func (f *FyersBroker) RefreshSession(ctx context.Context) error {
	return f.sessions.Login(ctx)
}

// fyersQuote is one entry in the quotes response.
type fyersQuote struct {
	N string `json:"n"`
	V struct {
		LP     float64 `json:"lp"`
		Bid    float64 `json:"bid"`
		Ask    float64 `json:"ask"`
		OI     int64   `json:"oi"`
		Volume int64   `json:"volume"`
		TT     int64   `json:"tt"`
	} `json:"v"`
}

// GetQuote fetches the latest quote for one symbol.
func (f *FyersBroker) GetQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	quotes, err := f.GetQuotes(ctx, []string{symbol})
	if err != nil {
		return nil, err
	}
	q, ok := quotes[symbol]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrSymbolNotFound, "quote for %s", symbol)
	}
	return q, nil
}

// GetQuotes fetches quotes for up to 50 symbols in one call.
func (f *FyersBroker) GetQuotes(ctx context.Context, symbols []string) (map[string]*models.Quote, error) {
	if len(symbols) == 0 {
		return map[string]*models.Quote{}, nil
	}

	var resp struct {
		S string       `json:"s"`
		D []fyersQuote `json:"d"`
	}
	params := url.Values{"symbols": {strings.Join(symbols, ",")}}
	if err := f.get(ctx, fyersDataBase+"/quotes", params, &resp); err != nil {
		return nil, err
	}

	quotes := make(map[string]*models.Quote, len(resp.D))
	for _, d := range resp.D {
		quotes[d.N] = &models.Quote{
			Symbol:    d.N,
			LTP:       d.V.LP,
			BidPrice:  d.V.Bid,
			AskPrice:  d.V.Ask,
			OI:        d.V.OI,
			Volume:    d.V.Volume,
			Timestamp: time.Unix(d.V.TT, 0),
		}
	}
	return quotes, nil
}

// GetSpot returns the last traded price of the underlying index.
func (f *FyersBroker) GetSpot(ctx context.Context) (float64, error) {
	q, err := f.GetQuote(ctx, f.indexSymbol)
	if err != nil {
		return 0, err
	}
	return q.LTP, nil
}

// GetHistorical fetches OHLCV candles for a symbol.
func (f *FyersBroker) GetHistorical(ctx context.Context, req HistoricalRequest) ([]models.Candle, error) {
	var resp struct {
		S       string      `json:"s"`
		Candles [][]float64 `json:"candles"`
	}
	params := url.Values{
		"symbol":      {req.Symbol},
		"resolution":  {req.Resolution},
		"date_format": {"0"},
		"range_from":  {strconv.FormatInt(req.From.Unix(), 10)},
		"range_to":    {strconv.FormatInt(req.To.Unix(), 10)},
		"cont_flag":   {"1"},
	}
	if err := f.get(ctx, fyersDataBase+"/history", params, &resp); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(resp.Candles))
	for _, c := range resp.Candles {
		if len(c) < 6 {
			continue
		}
		candles = append(candles, models.Candle{
			Timestamp: time.Unix(int64(c[0]), 0).In(utils.IndiaLocation),
			Open:      c[1],
			High:      c[2],
			Low:       c[3],
			Close:     c[4],
			Volume:    int64(c[5]),
		})
	}
	return candles, nil
}

// GetOptionChain fetches the option chain around the current spot for the
// given expiry, keyed by strike.
func (f *FyersBroker) GetOptionChain(ctx context.Context, expiry time.Time) ([]models.OptionChainStrike, error) {
	var resp struct {
		S    string `json:"s"`
		Data struct {
			OptionsChain []struct {
				Symbol     string  `json:"symbol"`
				StrikePrice float64 `json:"strike_price"`
				OptionType string  `json:"option_type"`
				LTP        float64 `json:"ltp"`
				OI         int64   `json:"oi"`
			} `json:"optionsChain"`
		} `json:"data"`
	}
	params := url.Values{
		"symbol":      {f.indexSymbol},
		"strikecount": {"30"},
		"timestamp":   {""},
	}
	if err := f.get(ctx, fyersDataBase+"/options-chain-v3", params, &resp); err != nil {
		return nil, err
	}

	expiryToken := utils.FormatExpiry(expiry)
	byStrike := make(map[int]*models.OptionChainStrike)
	for _, row := range resp.Data.OptionsChain {
		if row.StrikePrice <= 0 || !strings.Contains(row.Symbol, expiryToken) {
			continue
		}
		strike := int(row.StrikePrice)
		entry, ok := byStrike[strike]
		if !ok {
			entry = &models.OptionChainStrike{Strike: strike}
			byStrike[strike] = entry
		}
		switch models.OptionType(row.OptionType) {
		case models.OptionCall:
			entry.CELTP = row.LTP
			entry.CEOI = row.OI
		case models.OptionPut:
			entry.PELTP = row.LTP
			entry.PEOI = row.OI
		}
	}

	chain := make([]models.OptionChainStrike, 0, len(byStrike))
	for _, entry := range byStrike {
		chain = append(chain, *entry)
	}
	sortChain(chain)
	return chain, nil
}

func sortChain(chain []models.OptionChainStrike) {
	for i := 1; i < len(chain); i++ {
		for j := i; j > 0 && chain[j].Strike < chain[j-1].Strike; j-- {
			chain[j], chain[j-1] = chain[j-1], chain[j]
		}
	}
}

// PlaceOrder submits an order and returns the broker's result.
func (f *FyersBroker) PlaceOrder(ctx context.Context, order *models.Order) (*OrderResult, error) {
	if order.Quantity <= 0 {
		return nil, apperrors.NewValidationError("quantity", order.Quantity, "must be positive")
	}

	side := 1
	if order.Side == models.OrderSideSell {
		side = -1
	}
	orderType := 2 // market
	if order.Type == models.OrderTypeLimit {
		orderType = 1
	}

	body := map[string]any{
		"symbol":       order.Symbol,
		"qty":          order.Quantity,
		"type":         orderType,
		"side":         side,
		"productType":  string(order.Product),
		"limitPrice":   order.Price,
		"stopPrice":    0,
		"validity":     "DAY",
		"disclosedQty": 0,
		"offlineOrder": false,
		"orderTag":     order.Tag,
	}

	var resp struct {
		S       string `json:"s"`
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	if err := f.do(ctx, http.MethodPost, fyersAPIBase+"/orders/sync", body, &resp); err != nil {
		return nil, err
	}
	if resp.S != "ok" {
		return nil, apperrors.NewOrderError(resp.ID, order.Symbol, "place", resp.Message, apperrors.ErrOrderRejected)
	}

	f.log.Info().Str("order_id", resp.ID).Str("symbol", order.Symbol).
		Str("side", string(order.Side)).Int("qty", order.Quantity).Msg("order placed")

	return &OrderResult{OrderID: resp.ID, Status: "PLACED", Message: resp.Message}, nil
}

// CancelOrder cancels a pending order by ID.
func (f *FyersBroker) CancelOrder(ctx context.Context, orderID string) error {
	var resp struct {
		S       string `json:"s"`
		Message string `json:"message"`
	}
	if err := f.do(ctx, http.MethodDelete, fyersAPIBase+"/orders/sync", map[string]string{"id": orderID}, &resp); err != nil {
		return err
	}
	if resp.S != "ok" {
		return apperrors.NewOrderError(orderID, "", "cancel", resp.Message, apperrors.ErrOrderRejected)
	}
	return nil
}

// GetOrders fetches today's order book.
func (f *FyersBroker) GetOrders(ctx context.Context) ([]models.Order, error) {
	var resp struct {
		S         string `json:"s"`
		OrderBook []struct {
			ID          string  `json:"id"`
			Symbol      string  `json:"symbol"`
			Qty         int     `json:"qty"`
			FilledQty   int     `json:"filledQty"`
			Side        int     `json:"side"`
			Status      int     `json:"status"`
			LimitPrice  float64 `json:"limitPrice"`
			TradedPrice float64 `json:"tradedPrice"`
			ProductType string  `json:"productType"`
			OrderTag    string  `json:"orderTag"`
			OrderDateTime string `json:"orderDateTime"`
		} `json:"orderBook"`
	}
	if err := f.get(ctx, fyersAPIBase+"/orders", nil, &resp); err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(resp.OrderBook))
	for _, o := range resp.OrderBook {
		side := models.OrderSideBuy
		if o.Side == -1 {
			side = models.OrderSideSell
		}
		orders = append(orders, models.Order{
			ID:           o.ID,
			Symbol:       o.Symbol,
			Exchange:     models.NSE,
			Side:         side,
			Quantity:     o.Qty,
			FilledQty:    o.FilledQty,
			Price:        o.LimitPrice,
			AveragePrice: o.TradedPrice,
			Status:       fyersOrderStatus(o.Status),
			Product:      models.ProductType(o.ProductType),
			Tag:          o.OrderTag,
		})
	}
	return orders, nil
}

func fyersOrderStatus(code int) string {
	switch code {
	case 1:
		return "CANCELLED"
	case 2:
		return "FILLED"
	case 4:
		return "PENDING"
	case 5:
		return "REJECTED"
	case 6:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

// GetMargins returns the margin required for a basket of legs, including the
// hedge benefit the exchange grants for defined-risk structures.
func (f *FyersBroker) GetMargins(ctx context.Context, legs []models.Leg) (*models.MarginBreakdown, error) {
	basket := make([]map[string]any, 0, len(legs))
	for i := range legs {
		side := 1
		if legs[i].Side == models.OrderSideSell {
			side = -1
		}
		basket = append(basket, map[string]any{
			"symbol":      legs[i].Symbol,
			"qty":         legs[i].Quantity,
			"side":        side,
			"type":        2,
			"productType": "MARGIN",
			"limitPrice":  0,
			"stopLoss":    0,
		})
	}

	var resp struct {
		S    string `json:"s"`
		Data struct {
			MarginTotal     float64 `json:"margin_total"`
			MarginNew       float64 `json:"margin_new"`
			MarginAvail     float64 `json:"margin_avail"`
			SpanMargin      float64 `json:"span_margin"`
			ExposureMargin  float64 `json:"exposure_margin"`
			HedgedBenefit   float64 `json:"hedged_benefit"`
		} `json:"data"`
	}
	if err := f.do(ctx, http.MethodPost, fyersAPIBase+"/multiorder/margin", map[string]any{"data": basket}, &resp); err != nil {
		return nil, err
	}

	return &models.MarginBreakdown{
		TotalRequired:  resp.Data.MarginTotal,
		SpanMargin:     resp.Data.SpanMargin,
		ExposureMargin: resp.Data.ExposureMargin,
		HedgeBenefit:   resp.Data.HedgedBenefit,
		Source:         "fyers",
	}, nil
}

func (f *FyersBroker) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return f.do(ctx, http.MethodGet, endpoint, nil, out)
}

// do issues one authenticated request with bounded retry on transient
// failures. A 401 marks the session expired rather than retrying. Every
// attempt passes through the circuit breaker: a flapping upstream opens
// it and later attempts fail fast with a transient BrokerError.
func (f *FyersBroker) do(ctx context.Context, method, endpoint string, body, out any) error {
	return utils.Retry(ctx, f.retry, func() error {
		return f.breaker.Execute(ctx, func(ctx context.Context) error {
			return f.attempt(ctx, method, endpoint, body, out)
		})
	})
}

func (f *FyersBroker) attempt(ctx context.Context, method, endpoint string, body, out any) error {
	token, err := f.sessions.EnsureSession(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", f.clientID+":"+token.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return &apperrors.BrokerError{Code: "NETWORK", Message: method + " " + endpoint, Err: err}
	}
	defer resp.Body.Close()

	f.log.Debug().Str("method", method).Str("endpoint", endpoint).
		Int("status", resp.StatusCode).Dur("took", time.Since(start)).Msg("api call")

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &apperrors.BrokerError{Code: "READ", Message: endpoint, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_ = f.sessions.Logout()
		return apperrors.ErrSessionExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.Wrap(apperrors.ErrRateLimited, endpoint)
	case resp.StatusCode >= 500:
		return &apperrors.BrokerError{
			Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message: strings.TrimSpace(string(data)),
		}
	case resp.StatusCode >= 400:
		// Client errors are not retryable.
		return apperrors.NewValidationError("request", endpoint,
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	return json.Unmarshal(data, out)
}
