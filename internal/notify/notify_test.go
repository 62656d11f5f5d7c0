package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nifty-terminal/internal/config"
	"nifty-terminal/internal/models"
)

type recordingChannel struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recordingChannel) Name() string { return "recorder" }

func (r *recordingChannel) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingChannel) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Kind
	}
	return out
}

func newTestNotifier(t *testing.T, level string) (*MultiNotifier, *recordingChannel) {
	t.Helper()
	n := New(config.NotificationConfig{Level: level}, zerolog.Nop())
	rec := &recordingChannel{}
	n.AddChannel(rec)

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-n.Done()
	})
	return n, rec
}

func sampleTrade() *models.Trade {
	return &models.Trade{
		ID:               "01TRADE",
		CEStrike:         23250,
		PEStrike:         22750,
		CEHedgeStrike:    23450,
		PEHedgeStrike:    22550,
		PremiumCollected: 9500,
		Quantity:         65,
		RealizedPnL:      1200,
		Status:           models.TradeClosed,
		CloseReason:      "manual",
		StrategyType:     models.StrategyGammaStrangle,
		EntrySpot:        23000,
	}
}

func TestNotifier_TradesOnlyFiltersErrors(t *testing.T) {
	n, rec := newTestNotifier(t, "trades_only")

	n.NotifyEntry(sampleTrade())
	n.NotifyAdjustment(&models.Adjustment{Action: "ROLL_LEG", Level: 1, Reason: "soft delta breach"}, sampleTrade())
	n.NotifyError(errors.New("boom"))
	n.NotifySummary(&models.DailySummary{TradeDate: time.Now(), TotalTrades: 1})

	require.Eventually(t, func() bool { return len(rec.kinds()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Kind{KindTrade, KindAdjustment}, rec.kinds())
}

func TestNotifier_ErrorsOnly(t *testing.T) {
	n, rec := newTestNotifier(t, "errors_only")

	n.NotifyEntry(sampleTrade())
	n.NotifyError(errors.New("boom"))

	require.Eventually(t, func() bool { return len(rec.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, KindError, rec.kinds()[0])
}

func TestNotifier_ExitTitleReflectsForceClose(t *testing.T) {
	n, rec := newTestNotifier(t, "all")

	trade := sampleTrade()
	trade.Status = models.TradeForceClosed
	trade.CloseReason = "scheduled"
	n.NotifyExit(trade)

	require.Eventually(t, func() bool { return len(rec.kinds()) == 1 }, time.Second, 5*time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, "Structure force-closed", rec.msgs[0].Title)
	assert.Contains(t, rec.msgs[0].Body, "scheduled")
}

func TestNotifier_NilEventsIgnored(t *testing.T) {
	n, rec := newTestNotifier(t, "all")

	n.NotifyEntry(nil)
	n.NotifyExit(nil)
	n.NotifyAdjustment(nil, nil)
	n.NotifyError(nil)
	n.NotifySummary(nil)
	n.NotifyError(errors.New("real"))

	require.Eventually(t, func() bool { return len(rec.kinds()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestNotifier_FullQueueNeverBlocks(t *testing.T) {
	// No worker: the queue fills up and further sends must return.
	n := New(config.NotificationConfig{}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < queueDepth*2; i++ {
			n.NotifyError(errors.New("flood"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on full queue")
	}
}

func TestWebhookChannel_PostsJSON(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	err := ch.Send(context.Background(), Message{
		Kind: KindTrade, Title: "Structure opened", Body: "details", At: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, "trade", got["kind"])
	assert.Equal(t, "Structure opened", got["title"])
}

func TestWebhookChannel_NonSuccessStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookChannel(srv.URL).Send(context.Background(), Message{Kind: KindError})
	assert.Error(t, err)
}

type fakeBot struct {
	sent []tgbotapi.Chattable
	err  error
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, f.err
}

func TestTelegramChannel_EscapesHTML(t *testing.T) {
	bot := &fakeBot{}
	ch := NewTelegramChannel(bot, 42)

	err := ch.Send(context.Background(), Message{
		Kind: KindError, Title: "Engine error", Body: "delta < -0.8 & rising",
	})
	require.NoError(t, err)
	require.Len(t, bot.sent, 1)

	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, int64(42), msg.ChatID)
	assert.Equal(t, tgbotapi.ModeHTML, msg.ParseMode)
	assert.Contains(t, msg.Text, "delta &lt; -0.8 &amp; rising")
}

func TestConsoleChannel_WritesHeaderAndBody(t *testing.T) {
	var buf bytes.Buffer
	ch := NewConsoleChannel(&buf)

	err := ch.Send(context.Background(), Message{
		Kind:  KindSummary,
		Title: "Daily summary 2025-06-02",
		Body:  "Net P&L: +₹1,200.00",
		At:    time.Date(2025, 6, 2, 15, 25, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Daily summary 2025-06-02")
	assert.Contains(t, buf.String(), "Net P&L")
}
