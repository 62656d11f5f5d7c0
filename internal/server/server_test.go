package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nifty-terminal/internal/config"
	"nifty-terminal/internal/engine"
	apperrors "nifty-terminal/internal/errors"
	"nifty-terminal/internal/models"
)

type fakeEngine struct {
	snap      models.Snapshot
	idle      bool
	lastClose string
	params    *models.StrategyParams
	snaps     chan models.Snapshot
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{snaps: make(chan models.Snapshot, 4)}
}

func (f *fakeEngine) Start(ctx context.Context) engine.CommandResult {
	return engine.CommandResult{Message: "strategy started"}
}

func (f *fakeEngine) Stop(ctx context.Context) engine.CommandResult {
	return engine.CommandResult{Message: "strategy stopped; open positions untouched"}
}

func (f *fakeEngine) Pause(ctx context.Context) engine.CommandResult {
	if f.idle {
		return engine.CommandResult{Err: errors.New("can only pause a running engine (state READY)")}
	}
	return engine.CommandResult{Message: "strategy paused"}
}

func (f *fakeEngine) Resume(ctx context.Context) engine.CommandResult {
	return engine.CommandResult{Message: "strategy resumed"}
}

func (f *fakeEngine) CloseAll(ctx context.Context, reason string) engine.CommandResult {
	f.lastClose = reason
	return engine.CommandResult{Message: "closed all positions (" + reason + ")"}
}

func (f *fakeEngine) UpdateParams(ctx context.Context, params models.StrategyParams) engine.CommandResult {
	if params.Capital <= 0 {
		return engine.CommandResult{Err: apperrors.NewValidationError("capital", params.Capital, "must be positive")}
	}
	f.params = &params
	return engine.CommandResult{Message: "parameters updated; applies to subsequent entries"}
}

func (f *fakeEngine) ResetDay(ctx context.Context) engine.CommandResult {
	return engine.CommandResult{Message: "daily counters reset"}
}

func (f *fakeEngine) Snapshot() models.Snapshot { return f.snap }

func (f *fakeEngine) Subscribe() (<-chan models.Snapshot, func()) {
	return f.snaps, func() {}
}

type fakeAuth struct {
	loginErr      error
	authenticated bool
}

func (f *fakeAuth) Login(ctx context.Context) error {
	if f.loginErr != nil {
		return f.loginErr
	}
	f.authenticated = true
	return nil
}

func (f *fakeAuth) Logout(ctx context.Context) error {
	f.authenticated = false
	return nil
}

func (f *fakeAuth) IsAuthenticated() bool { return f.authenticated }

type fakeTrades struct {
	trades  []models.Trade
	summary *models.DailySummary
}

func (f *fakeTrades) GetTradesByDate(date time.Time) ([]models.Trade, error) {
	return f.trades, nil
}

func (f *fakeTrades) GetDailySummary(date time.Time) (*models.DailySummary, error) {
	return f.summary, nil
}

type fakeMarginer struct {
	margin *models.MarginBreakdown
	err    error
}

func (f *fakeMarginer) GetMargins(ctx context.Context, legs []models.Leg) (*models.MarginBreakdown, error) {
	return f.margin, f.err
}

type serverFixture struct {
	engine   *fakeEngine
	auth     *fakeAuth
	trades   *fakeTrades
	marginer *fakeMarginer
	server   *Server
	ts       *httptest.Server
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		engine:   newFakeEngine(),
		auth:     &fakeAuth{},
		trades:   &fakeTrades{},
		marginer: &fakeMarginer{margin: &models.MarginBreakdown{TotalRequired: 125000, Source: "broker"}},
	}
	f.server = New(Options{
		Config:   config.ServerConfig{Addr: "127.0.0.1:0"},
		Engine:   f.engine,
		Auth:     f.auth,
		Trades:   f.trades,
		Marginer: f.marginer,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC) },
	})
	f.ts = httptest.NewServer(f.server.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *serverFixture) post(t *testing.T, path, body string) (*http.Response, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	resp, err := http.Post(f.ts.URL+path, "application/json", reader)
	require.NoError(t, err)
	return resp, decodeResponse(t, resp)
}

func (f *serverFixture) get(t *testing.T, path string) (*http.Response, apiResponse) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	return resp, decodeResponse(t, resp)
}

func decodeResponse(t *testing.T, resp *http.Response) apiResponse {
	t.Helper()
	defer resp.Body.Close()
	var out apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServer_StartStopRoutes(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.post(t, "/api/strategy/start", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "strategy started", body.Message)

	resp, body = f.post(t, "/api/strategy/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body.Message, "stopped")
}

func TestServer_LifecycleConflictIs409(t *testing.T) {
	f := newServerFixture(t)
	f.engine.idle = true

	resp, body := f.post(t, "/api/strategy/pause", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "error", body.Status)
	assert.Contains(t, body.Message, "pause")
}

func TestServer_ParamsValidation(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.post(t, "/api/strategy/params", `{"Capital":0,"RiskPct":2,"NumLots":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body.Message, "capital")
	assert.Nil(t, f.engine.params)

	resp, _ = f.post(t, "/api/strategy/params", `{"Capital":750000,"RiskPct":1.5,"NumLots":2}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, f.engine.params)
	assert.Equal(t, 750000.0, f.engine.params.Capital)
	assert.Equal(t, 2, f.engine.params.NumLots)
}

func TestServer_ParamsMalformedBody(t *testing.T) {
	f := newServerFixture(t)

	resp, _ := f.post(t, "/api/strategy/params", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CloseAllDefaultsToManual(t *testing.T) {
	f := newServerFixture(t)

	resp, _ := f.post(t, "/api/strategy/close-all", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "manual", f.engine.lastClose)

	resp, _ = f.post(t, "/api/strategy/close-all", `{"reason":"stop"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stop", f.engine.lastClose)
}

func TestServer_StatusIncludesAuthState(t *testing.T) {
	f := newServerFixture(t)
	f.engine.snap = models.Snapshot{Lifecycle: models.StateRunning, Spot: 23000}
	f.auth.authenticated = true

	resp, body := f.get(t, "/api/status")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data, ok := body.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["authenticated"])
	snap, ok := data["snapshot"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "RUNNING", snap["lifecycle"])
}

func TestServer_PositionsEmptyIsArray(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/positions")
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.Equal(t, "[]", strings.TrimSpace(string(raw.Data)))
}

func TestServer_TradesDateValidation(t *testing.T) {
	f := newServerFixture(t)
	f.trades.trades = []models.Trade{{ID: "01T", Status: models.TradeClosed}}

	resp, body := f.get(t, "/api/trades?date=2025-06-02")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, body.Data)

	resp, _ = f.get(t, "/api/trades?date=yesterday")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_PnLCombinesRealizedAndMTM(t *testing.T) {
	f := newServerFixture(t)
	f.engine.snap = models.Snapshot{DailyRealizedPnL: 1500, MTMPnL: -300}

	resp, body := f.get(t, "/api/pnl")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data, ok := body.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 1500.0, data["realized"])
	assert.Equal(t, -300.0, data["mtm"])
	assert.Equal(t, 1200.0, data["total"])
}

func TestServer_MarginRoute(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.get(t, "/api/margin")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	data, ok := body.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 125000.0, data["TotalRequired"])

	f.marginer.err = &apperrors.BrokerError{Code: "503", Message: "margin api down"}
	resp, _ = f.get(t, "/api/margin")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestServer_LoginRoutes(t *testing.T) {
	f := newServerFixture(t)

	resp, _ := f.post(t, "/api/login/totp", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, f.auth.authenticated)

	resp, _ = f.post(t, "/api/logout", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.auth.authenticated)

	f.auth.loginErr = errors.New("totp rejected")
	resp, body := f.post(t, "/api/login/totp", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, body.Message, "totp rejected")
}

func TestServer_WebSocketStreamsSnapshots(t *testing.T) {
	f := newServerFixture(t)
	f.engine.snap = models.Snapshot{Lifecycle: models.StateReady, Spot: 23000}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.server.hub.Run(ctx)
	go f.server.pumpSnapshots(ctx)

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// First frame is the snapshot at connect time.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(payload, &snap))
	assert.Equal(t, models.StateReady, snap.Lifecycle)

	// Published snapshots reach the client.
	f.engine.snaps <- models.Snapshot{Lifecycle: models.StateRunning, Spot: 23120}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err = conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &snap))
	assert.Equal(t, models.StateRunning, snap.Lifecycle)
	assert.Equal(t, 23120.0, snap.Spot)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest,
		statusForError(apperrors.NewValidationError("capital", 0, "must be positive")))
	assert.Equal(t, http.StatusConflict,
		statusForError(apperrors.Wrap(apperrors.ErrEngineNotReady, "broker not authenticated")))
	assert.Equal(t, http.StatusConflict, statusForError(errors.New("can only pause a running engine")))
	assert.Equal(t, http.StatusInternalServerError,
		statusForError(&apperrors.BrokerError{Code: "500", Message: "upstream"}))
}
