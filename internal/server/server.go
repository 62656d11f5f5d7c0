// Package server exposes the engine over HTTP: a control/status REST API
// and a WebSocket feed of engine snapshots. Every control route enqueues a
// command on the engine's queue and waits for the result, so the API never
// touches strategy state directly.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"nifty-terminal/internal/config"
	"nifty-terminal/internal/engine"
	apperrors "nifty-terminal/internal/errors"
	"nifty-terminal/internal/models"
)

// EngineControl is the command surface the API drives.
type EngineControl interface {
	Start(ctx context.Context) engine.CommandResult
	Stop(ctx context.Context) engine.CommandResult
	Pause(ctx context.Context) engine.CommandResult
	Resume(ctx context.Context) engine.CommandResult
	CloseAll(ctx context.Context, reason string) engine.CommandResult
	UpdateParams(ctx context.Context, params models.StrategyParams) engine.CommandResult
	ResetDay(ctx context.Context) engine.CommandResult
	Snapshot() models.Snapshot
	Subscribe() (<-chan models.Snapshot, func())
}

// Authenticator handles broker session lifecycle for the login routes.
type Authenticator interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	IsAuthenticated() bool
}

// TradeReader is the slice of the store the read-only routes need.
type TradeReader interface {
	GetTradesByDate(date time.Time) ([]models.Trade, error)
	GetDailySummary(date time.Time) (*models.DailySummary, error)
}

// Marginer previews margin for the current book.
type Marginer interface {
	GetMargins(ctx context.Context, legs []models.Leg) (*models.MarginBreakdown, error)
}

// Server is the HTTP control plane.
type Server struct {
	engine   EngineControl
	auth     Authenticator
	trades   TradeReader
	marginer Marginer
	hub      *Hub
	log      zerolog.Logger
	now      func() time.Time

	httpServer *http.Server
}

// Options wires the server's collaborators. Auth, trades and marginer are
// optional; their routes answer 503 when absent.
type Options struct {
	Config   config.ServerConfig
	Engine   EngineControl
	Auth     Authenticator
	Trades   TradeReader
	Marginer Marginer
	Logger   zerolog.Logger
	Now      func() time.Time
}

func New(opts Options) *Server {
	s := &Server{
		engine:   opts.Engine,
		auth:     opts.Auth,
		trades:   opts.Trades,
		marginer: opts.Marginer,
		hub:      NewHub(opts.Logger),
		log:      opts.Logger.With().Str("component", "server").Logger(),
		now:      opts.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.httpServer = &http.Server{
		Addr:         opts.Config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  opts.Config.ReadTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
	}
	return s
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login/totp", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	mux.HandleFunc("POST /api/strategy/start", s.command(func(ctx context.Context) engine.CommandResult {
		return s.engine.Start(ctx)
	}))
	mux.HandleFunc("POST /api/strategy/stop", s.command(func(ctx context.Context) engine.CommandResult {
		return s.engine.Stop(ctx)
	}))
	mux.HandleFunc("POST /api/strategy/pause", s.command(func(ctx context.Context) engine.CommandResult {
		return s.engine.Pause(ctx)
	}))
	mux.HandleFunc("POST /api/strategy/resume", s.command(func(ctx context.Context) engine.CommandResult {
		return s.engine.Resume(ctx)
	}))
	mux.HandleFunc("POST /api/strategy/close-all", s.handleCloseAll)
	mux.HandleFunc("POST /api/strategy/params", s.handleParams)
	mux.HandleFunc("POST /api/strategy/reset-day", s.command(func(ctx context.Context) engine.CommandResult {
		return s.engine.ResetDay(ctx)
	}))

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/pnl", s.handlePnL)
	mux.HandleFunc("GET /api/margin", s.handleMargin)

	mux.HandleFunc("GET /ws", s.handleWS)

	return mux
}

// Run serves until ctx is cancelled, then drains the hub and shuts down.
func (s *Server) Run(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.pumpSnapshots(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// pumpSnapshots feeds every engine snapshot into the hub.
func (s *Server) pumpSnapshots(ctx context.Context) {
	snaps, cancel := s.engine.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-snaps:
			payload, err := json.Marshal(snap)
			if err != nil {
				s.log.Error().Err(err).Msg("marshaling snapshot")
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

type apiResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, resp apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error().Err(err).Msg("encoding response")
	}
}

func (s *Server) writeResult(w http.ResponseWriter, res engine.CommandResult) {
	if res.Err != nil {
		s.writeJSON(w, statusForError(res.Err), apiResponse{Status: "error", Message: res.Err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "ok", Message: res.Message})
}

// statusForError maps the error taxonomy onto HTTP codes: bad input is
// 400, lifecycle conflicts are 409, broker and internal failures are 500.
func statusForError(err error) int {
	var ve *apperrors.ValidationError
	if apperrors.As(err, &ve) {
		return http.StatusBadRequest
	}
	var be *apperrors.BrokerError
	var oe *apperrors.OrderError
	var ie *apperrors.InvariantError
	if apperrors.As(err, &be) || apperrors.As(err, &oe) || apperrors.As(err, &ie) {
		return http.StatusInternalServerError
	}
	// Remaining command failures are lifecycle conflicts (not ready,
	// wrong state, not authenticated).
	return http.StatusConflict
}

func (s *Server) command(run func(ctx context.Context) engine.CommandResult) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeResult(w, run(r.Context()))
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, apiResponse{Status: "error", Message: "auth not configured"})
		return
	}
	if err := s.auth.Login(r.Context()); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "ok", Message: "session established"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, apiResponse{Status: "error", Message: "auth not configured"})
		return
	}
	if err := s.auth.Logout(r.Context()); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "ok", Message: "session cleared"})
}

type closeAllRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCloseAll(w http.ResponseWriter, r *http.Request) {
	var req closeAllRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Message: "malformed body: " + err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	s.writeResult(w, s.engine.CloseAll(r.Context(), req.Reason))
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	var params models.StrategyParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		s.writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Message: "malformed body: " + err.Error()})
		return
	}
	s.writeResult(w, s.engine.UpdateParams(r.Context(), params))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	authenticated := s.auth != nil && s.auth.IsAuthenticated()
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "ok", Data: map[string]interface{}{
		"snapshot":      snap,
		"authenticated": authenticated,
	}})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	positions := snap.OpenPositions
	if positions == nil {
		positions = []models.Leg{}
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "ok", Data: positions})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.trades == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, apiResponse{Status: "error", Message: "store not configured"})
		return
	}
	date := s.now()
	if q := r.URL.Query().Get("date"); q != "" {
		parsed, err := time.Parse("2006-01-02", q)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, apiResponse{Status: "error", Message: "date must be YYYY-MM-DD"})
			return
		}
		date = parsed
	}
	trades, err := s.trades.GetTradesByDate(date)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, apiResponse{Status: "error", Message: err.Error()})
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "ok", Data: trades})
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()
	data := map[string]interface{}{
		"date":     s.now().Format("2006-01-02"),
		"realized": snap.DailyRealizedPnL,
		"mtm":      snap.MTMPnL,
		"total":    snap.DailyRealizedPnL + snap.MTMPnL,
	}
	if s.trades != nil {
		if summary, err := s.trades.GetDailySummary(s.now()); err == nil && summary != nil {
			data["summary"] = summary
		}
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "ok", Data: data})
}

func (s *Server) handleMargin(w http.ResponseWriter, r *http.Request) {
	if s.marginer == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, apiResponse{Status: "error", Message: "broker not configured"})
		return
	}
	snap := s.engine.Snapshot()
	margin, err := s.marginer.GetMargins(r.Context(), snap.OpenPositions)
	if err != nil {
		s.writeJSON(w, statusForError(err), apiResponse{Status: "error", Message: err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, apiResponse{Status: "ok", Data: margin})
}
