// Package telegram turns owner chat messages into engine commands. The
// same bot that delivers alerts accepts commands, so the listener only
// needs the update stream and a handle on the engine.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"nifty-terminal/internal/engine"
	"nifty-terminal/internal/models"
	"nifty-terminal/pkg/utils"
)

// Controller is the slice of engine operations reachable from chat.
type Controller interface {
	Start(ctx context.Context) engine.CommandResult
	Stop(ctx context.Context) engine.CommandResult
	Pause(ctx context.Context) engine.CommandResult
	Resume(ctx context.Context) engine.CommandResult
	CloseAll(ctx context.Context, reason string) engine.CommandResult
	Snapshot() models.Snapshot
}

// botClient is the slice of the bot API the listener uses. Satisfied by
// *tgbotapi.BotAPI.
type botClient interface {
	GetUpdatesChan(cfg tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	StopReceivingUpdates()
}

// Listener serves owner commands from a single configured chat. Messages
// from any other chat are dropped without a reply.
type Listener struct {
	bot    botClient
	chatID int64
	engine Controller
	login  func(ctx context.Context) error
	log    zerolog.Logger
}

func NewListener(bot botClient, chatID int64, ctrl Controller, login func(ctx context.Context) error, log zerolog.Logger) *Listener {
	return &Listener{
		bot:    bot,
		chatID: chatID,
		engine: ctrl,
		login:  login,
		log:    log.With().Str("component", "telegram").Logger(),
	}
}

// Run consumes updates until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := l.bot.GetUpdatesChan(cfg)

	for {
		select {
		case <-ctx.Done():
			l.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			l.handleUpdate(ctx, update)
		}
	}
}

func (l *Listener) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil {
		return
	}
	if update.Message.Chat == nil || update.Message.Chat.ID != l.chatID {
		// Not the owner. No reply, no hint that the bot exists.
		l.log.Warn().Int64("chat_id", chatIDOf(update)).Msg("ignoring message from unknown chat")
		return
	}

	cmd := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(update.Message.Text, "/")))
	l.log.Info().Str("command", cmd).Msg("owner command")

	cmdCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	l.reply(l.dispatch(cmdCtx, cmd))
}

func chatIDOf(update tgbotapi.Update) int64 {
	if update.Message != nil && update.Message.Chat != nil {
		return update.Message.Chat.ID
	}
	return 0
}

func (l *Listener) dispatch(ctx context.Context, cmd string) string {
	switch cmd {
	case "START":
		return l.handleStart(ctx)
	case "STOP":
		return l.handleStop(ctx)
	case "STATUS":
		return renderStatus(l.engine.Snapshot())
	case "PAUSE":
		return resultText(l.engine.Pause(ctx), "Monitoring paused. Positions stay open.")
	case "RESUME":
		return resultText(l.engine.Resume(ctx), "Monitoring resumed.")
	case "HELP":
		return helpText
	default:
		return fmt.Sprintf("Unknown command %q. Send HELP for the command list.", cmd)
	}
}

// handleStart logs in first so a cold morning session needs a single
// message.
func (l *Listener) handleStart(ctx context.Context) string {
	if l.login != nil {
		if err := l.login(ctx); err != nil {
			return "Login failed: " + err.Error()
		}
	}
	return resultText(l.engine.Start(ctx), "Strategy engine running.")
}

// handleStop closes every open leg before stopping the engine.
func (l *Listener) handleStop(ctx context.Context) string {
	closeRes := l.engine.CloseAll(ctx, "manual")
	if closeRes.Err != nil {
		return "Close-all failed: " + closeRes.Err.Error() + ". Engine left running."
	}
	stopRes := l.engine.Stop(ctx)
	if stopRes.Err != nil {
		return "Stop failed: " + stopRes.Err.Error()
	}
	return closeRes.Message + "\nEngine stopped."
}

func resultText(res engine.CommandResult, fallback string) string {
	if res.Err != nil {
		return res.Err.Error()
	}
	if res.Message != "" {
		return res.Message
	}
	return fallback
}

const helpText = `Commands:
START - login and start the strategy engine
STOP - close all positions and stop
STATUS - current positions, P&L and greeks
PAUSE - suspend automated adjustments
RESUME - resume automated adjustments
HELP - this message`

func renderStatus(snap models.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s (%s)\n", snap.Lifecycle, snap.SchedulePhase)
	fmt.Fprintf(&b, "Spot: %.2f | VWAP: %.2f | Trend: %s\n", snap.Spot, snap.VWAP, snap.Trend)
	fmt.Fprintf(&b, "Net delta: %+.2f | Gamma score: %.0f\n", snap.NetDelta, snap.GammaScore)
	fmt.Fprintf(&b, "MTM: %s | Day: %s\n", utils.FormatPnL(snap.MTMPnL), utils.FormatPnL(snap.DailyRealizedPnL))
	fmt.Fprintf(&b, "Trades today: %d | Adjustment level: %d\n", snap.TradesToday, snap.AdjustmentLevel)

	if len(snap.OpenPositions) == 0 {
		b.WriteString("No open positions.")
		return b.String()
	}
	b.WriteString("Positions:\n")
	for _, leg := range snap.OpenPositions {
		tag := ""
		if leg.IsHedge {
			tag = " (hedge)"
		}
		fmt.Fprintf(&b, "  %s %s x%d @ %.2f -> %.2f%s\n",
			leg.Side, leg.Symbol, leg.Quantity, leg.EntryPrice, leg.CurrentPrice, tag)
	}
	if snap.LastError != "" {
		fmt.Fprintf(&b, "Last error: %s", snap.LastError)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (l *Listener) reply(text string) {
	if text == "" {
		return
	}
	msg := tgbotapi.NewMessage(l.chatID, text)
	if _, err := l.bot.Send(msg); err != nil {
		l.log.Warn().Err(err).Msg("reply failed")
	}
}
