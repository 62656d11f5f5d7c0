package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"nifty-terminal/internal/broker"
	"nifty-terminal/internal/engine"
	"nifty-terminal/internal/notify"
	"nifty-terminal/internal/report"
	"nifty-terminal/internal/sched"
	"nifty-terminal/internal/security"
	"nifty-terminal/internal/server"
	"nifty-terminal/internal/store"
	"nifty-terminal/internal/telegram"
)

func newServeCmd(app *App) *cobra.Command {
	var dbFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the strategy engine with its HTTP, WebSocket and Telegram surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runServe(cmd.Context(), dbFlag)
		},
	}
	cmd.Flags().StringVar(&dbFlag, "db", "", "sqlite database path (default <config-dir>/trades.db)")
	return cmd
}

// sessionAuth adapts the session manager to the server's auth surface.
type sessionAuth struct {
	sessions *security.SessionManager
}

func (a sessionAuth) Login(ctx context.Context) error  { return a.sessions.Login(ctx) }
func (a sessionAuth) Logout(ctx context.Context) error { return a.sessions.Logout() }
func (a sessionAuth) IsAuthenticated() bool            { return a.sessions.IsAuthenticated() }

func (a *App) runServe(parent context.Context, dbFlag string) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := a.Logger

	st, err := store.NewSQLiteStore(a.dbPath(dbFlag))
	if err != nil {
		return err
	}
	defer st.Close()

	sessions := security.NewSessionManager(cfg.Credentials.Fyers, st, log)
	live := broker.NewFyersBroker(sessions, cfg.Credentials.Fyers.ClientID, cfg.Trading.IndexSymbol, log)

	var bk broker.Broker = live
	if cfg.IsPaperMode() {
		paperCfg := broker.PaperBrokerConfig{LotSize: cfg.Trading.LotSize}
		// Paper fills against live quotes when credentials exist,
		// otherwise against the pricing model.
		if cfg.Credentials.Fyers.ClientID != "" {
			paperCfg.DataBroker = live
		}
		bk = broker.NewPaperBroker(paperCfg, log)
	}

	clock, err := engine.NewScheduleClock(cfg.Schedule)
	if err != nil {
		return err
	}

	notifier := notify.New(cfg.Notifications, log)
	notifier.AddChannel(notify.NewConsoleChannel(os.Stdout))

	var bot *tgbotapi.BotAPI
	tg := cfg.Notifications.Telegram
	if tg.Enabled && tg.BotToken != "" {
		bot, err = tgbotapi.NewBotAPI(tg.BotToken)
		if err != nil {
			log.Warn().Err(err).Msg("telegram bot unavailable; continuing without it")
			bot = nil
		} else {
			notifier.AddChannel(notify.NewTelegramChannel(bot, tg.ChatID))
		}
	}

	eng := engine.New(engine.Options{
		Config:   cfg,
		Broker:   bk,
		Store:    st,
		Clock:    clock,
		Notifier: notifier,
		Logger:   log,
	})

	reporter := report.New(st, notifier, log)
	scheduler := sched.New(sched.Options{
		Engine:   eng,
		Clock:    clock,
		Reporter: reporter,
		Interval: cfg.Schedule.MonitorInterval,
		Logger:   log,
	})

	srv := server.New(server.Options{
		Config:   cfg.Server,
		Engine:   eng,
		Auth:     sessionAuth{sessions},
		Trades:   st,
		Marginer: live,
		Logger:   log,
	})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier.Start(ctx)
	go eng.Run(ctx)
	go scheduler.Run(ctx)
	if bot != nil {
		listener := telegram.NewListener(bot, tg.ChatID, eng, sessions.Login, log)
		go listener.Run(ctx)
	}

	log.Info().
		Str("addr", cfg.Server.Addr).
		Bool("paper", cfg.IsPaperMode()).
		Str("index", cfg.Trading.IndexSymbol).
		Msg("terminal up")

	err = srv.Run(ctx)

	// Engine drains its queue, then the notifier flushes pending alerts.
	<-eng.Done()
	<-notifier.Done()
	return err
}
