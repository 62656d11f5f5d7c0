// Package notify fans trade lifecycle alerts out to the configured
// channels. The engine calls it from the strategy worker, so every send
// is queued and delivered off the hot path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"nifty-terminal/internal/config"
	"nifty-terminal/internal/models"
	"nifty-terminal/pkg/utils"
)

// Kind classifies an outbound alert for level filtering.
type Kind string

const (
	KindTrade      Kind = "trade"
	KindAdjustment Kind = "adjustment"
	KindError      Kind = "error"
	KindSummary    Kind = "summary"
)

// Level filters which kinds of alerts are delivered.
type Level string

const (
	LevelAll        Level = "all"
	LevelTradesOnly Level = "trades_only"
	LevelErrorsOnly Level = "errors_only"
)

// Message is one rendered alert, ready for any channel.
type Message struct {
	Kind  Kind
	Title string
	Body  string
	At    time.Time
}

// Channel delivers a rendered message to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

const queueDepth = 32

// MultiNotifier queues alerts and delivers them to every channel from a
// background worker. Enqueueing never blocks: when the queue is full the
// alert is dropped and logged.
type MultiNotifier struct {
	channels []Channel
	level    Level
	queue    chan Message
	done     chan struct{}
	log      zerolog.Logger
	now      func() time.Time
}

// New builds a notifier from config. The webhook channel is wired here;
// Telegram is attached by the caller via AddChannel so the bot handle can
// be shared with the command listener.
func New(cfg config.NotificationConfig, log zerolog.Logger) *MultiNotifier {
	n := &MultiNotifier{
		level: Level(cfg.Level),
		queue: make(chan Message, queueDepth),
		done:  make(chan struct{}),
		log:   log.With().Str("component", "notify").Logger(),
		now:   time.Now,
	}
	if n.level == "" {
		n.level = LevelAll
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		n.channels = append(n.channels, NewWebhookChannel(cfg.Webhook.URL))
	}
	return n
}

// AddChannel registers an additional delivery channel. Call before Start.
func (n *MultiNotifier) AddChannel(ch Channel) {
	n.channels = append(n.channels, ch)
}

// Start launches the delivery worker. It drains the queue until ctx is
// cancelled, then delivers whatever is already queued and exits.
func (n *MultiNotifier) Start(ctx context.Context) {
	go func() {
		defer close(n.done)
		for {
			select {
			case msg := <-n.queue:
				n.deliver(msg)
			case <-ctx.Done():
				for {
					select {
					case msg := <-n.queue:
						n.deliver(msg)
					default:
						return
					}
				}
			}
		}
	}()
}

// Done reports worker exit.
func (n *MultiNotifier) Done() <-chan struct{} { return n.done }

func (n *MultiNotifier) deliver(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, ch := range n.channels {
		if err := ch.Send(ctx, msg); err != nil {
			n.log.Warn().Err(err).Str("channel", ch.Name()).
				Str("kind", string(msg.Kind)).Msg("alert delivery failed")
		}
	}
}

func (n *MultiNotifier) allowed(kind Kind) bool {
	switch n.level {
	case LevelTradesOnly:
		return kind == KindTrade || kind == KindAdjustment
	case LevelErrorsOnly:
		return kind == KindError
	default:
		return true
	}
}

func (n *MultiNotifier) enqueue(msg Message) {
	if !n.allowed(msg.Kind) {
		return
	}
	if msg.At.IsZero() {
		msg.At = n.now()
	}
	select {
	case n.queue <- msg:
	default:
		n.log.Warn().Str("kind", string(msg.Kind)).Msg("alert queue full; dropping")
	}
}

// NotifyEntry reports a freshly opened structure.
func (n *MultiNotifier) NotifyEntry(trade *models.Trade) {
	if trade == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Strategy: %s\n", trade.StrategyType)
	fmt.Fprintf(&b, "Shorts: %d CE / %d PE\n", trade.CEStrike, trade.PEStrike)
	if trade.CEHedgeStrike > 0 || trade.PEHedgeStrike > 0 {
		fmt.Fprintf(&b, "Hedges: %d CE / %d PE\n", trade.CEHedgeStrike, trade.PEHedgeStrike)
	}
	fmt.Fprintf(&b, "Premium: %s\n", utils.FormatIndianCurrency(trade.PremiumCollected))
	fmt.Fprintf(&b, "Qty: %d | Spot: %.2f", trade.Quantity, trade.EntrySpot)
	if trade.IsPaper {
		b.WriteString("\nMode: paper")
	}
	n.enqueue(Message{
		Kind:  KindTrade,
		Title: "Structure opened",
		Body:  b.String(),
	})
}

// NotifyAdjustment reports one gamma defence escalation.
func (n *MultiNotifier) NotifyAdjustment(adj *models.Adjustment, trade *models.Trade) {
	if adj == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Action: %s (level %d)\n", adj.Action, adj.Level)
	fmt.Fprintf(&b, "Reason: %s\n", adj.Reason)
	fmt.Fprintf(&b, "Spot: %.2f | P&L: %s", adj.SpotAtAdj, utils.FormatPnL(adj.PnLAtAdj))
	if trade != nil {
		fmt.Fprintf(&b, "\nNet delta: %+.2f | Gamma score: %.0f", trade.NetDelta, trade.GammaScore)
	}
	n.enqueue(Message{
		Kind:  KindAdjustment,
		Title: "Adjustment applied",
		Body:  b.String(),
	})
}

// NotifyExit reports a closed structure with its realized result.
func (n *MultiNotifier) NotifyExit(trade *models.Trade) {
	if trade == nil {
		return
	}
	title := "Structure closed"
	if trade.Status == models.TradeForceClosed {
		title = "Structure force-closed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Reason: %s\n", trade.CloseReason)
	fmt.Fprintf(&b, "Realized: %s\n", utils.FormatPnL(trade.RealizedPnL))
	fmt.Fprintf(&b, "Adjustments: %d", trade.AdjustmentLevel)
	n.enqueue(Message{
		Kind:  KindTrade,
		Title: title,
		Body:  b.String(),
	})
}

// NotifyError reports an engine or broker failure.
func (n *MultiNotifier) NotifyError(err error) {
	if err == nil {
		return
	}
	n.enqueue(Message{
		Kind:  KindError,
		Title: "Engine error",
		Body:  err.Error(),
	})
}

// NotifySummary reports the end-of-day fold.
func (n *MultiNotifier) NotifySummary(s *models.DailySummary) {
	if s == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Trades: %d (won %d, %.0f%%)\n", s.TotalTrades, s.WinningTrades, s.WinRate)
	fmt.Fprintf(&b, "Net P&L: %s\n", utils.FormatPnL(s.NetPnL))
	fmt.Fprintf(&b, "Max drawdown: %s", utils.FormatIndianCurrency(s.MaxDrawdown))
	n.enqueue(Message{
		Kind:  KindSummary,
		Title: "Daily summary " + s.TradeDate.Format("2006-01-02"),
		Body:  b.String(),
	})
}

// WebhookChannel POSTs alerts as JSON to a configured URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(map[string]string{
		"kind":      string(msg.Kind),
		"title":     msg.Title,
		"message":   msg.Body,
		"timestamp": msg.At.Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// telegramSender is the slice of the bot API the channel needs. The
// command listener owns the full bot.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel sends alerts to the owner chat.
type TelegramChannel struct {
	bot    telegramSender
	chatID int64
}

func NewTelegramChannel(bot telegramSender, chatID int64) *TelegramChannel {
	return &TelegramChannel{bot: bot, chatID: chatID}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(msg.Title), escapeHTML(msg.Body))
	m := tgbotapi.NewMessage(t.chatID, text)
	m.ParseMode = tgbotapi.ModeHTML
	if _, err := t.bot.Send(m); err != nil {
		return fmt.Errorf("sending telegram message: %w", err)
	}
	return nil
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
