package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"nifty-terminal/internal/engine"
)

type fakeTicker struct {
	mu     sync.Mutex
	ticks  int
	closes []string
}

func (f *fakeTicker) Tick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
}

func (f *fakeTicker) CloseAll(ctx context.Context, reason string) engine.CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, reason)
	return engine.CommandResult{Message: "closed"}
}

type fakeClock struct {
	phases  map[int64]engine.Phase
	trading bool
}

func (f *fakeClock) PhaseAt(t time.Time) engine.Phase {
	if p, ok := f.phases[t.Unix()]; ok {
		return p
	}
	return engine.PhaseClosed
}

func (f *fakeClock) IsTradingDay(t time.Time) bool { return f.trading }

type fakeReporter struct {
	mu    sync.Mutex
	dates []time.Time
}

func (f *fakeReporter) RunEOD(ctx context.Context, date time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dates = append(f.dates, date)
	return nil
}

// walk runs one scheduler step per instant, simulating consecutive
// monitor ticks without real sleeping.
func walk(s *Scheduler, instants []time.Time, setNow func(time.Time)) {
	for _, instant := range instants {
		setNow(instant)
		s.step(context.Background())
	}
}

func schedulerFixture(phases []engine.Phase) (*Scheduler, *fakeTicker, *fakeReporter, func(time.Time), []time.Time) {
	base := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	clock := &fakeClock{phases: map[int64]engine.Phase{}, trading: true}
	instants := make([]time.Time, len(phases))
	for i, p := range phases {
		instants[i] = base.Add(time.Duration(i) * time.Minute)
		clock.phases[instants[i].Unix()] = p
	}

	ticker := &fakeTicker{}
	reporter := &fakeReporter{}
	var mu sync.Mutex
	now := base
	s := New(Options{
		Engine:   ticker,
		Clock:    clock,
		Reporter: reporter,
		Logger:   zerolog.Nop(),
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
	})
	setNow := func(t time.Time) {
		mu.Lock()
		now = t
		mu.Unlock()
	}
	return s, ticker, reporter, setNow, instants
}

func TestScheduler_TicksEveryStep(t *testing.T) {
	s, ticker, _, setNow, instants := schedulerFixture([]engine.Phase{
		engine.PhaseEntriesEnabled, engine.PhaseEntriesEnabled, engine.PhaseEntriesEnabled,
	})
	walk(s, instants, setNow)
	assert.Equal(t, 3, ticker.ticks)
	assert.Empty(t, ticker.closes)
}

func TestScheduler_ForceCloseFiredOncePerTransition(t *testing.T) {
	s, ticker, _, setNow, instants := schedulerFixture([]engine.Phase{
		engine.PhaseEntriesDisabled,
		engine.PhaseForceCloseWindow,
		engine.PhaseForceCloseWindow,
		engine.PhaseForceCloseWindow,
	})
	walk(s, instants, setNow)
	assert.Equal(t, []string{"scheduled"}, ticker.closes)
}

func TestScheduler_EODReportOnWindowEnd(t *testing.T) {
	s, _, reporter, setNow, instants := schedulerFixture([]engine.Phase{
		engine.PhaseForceCloseWindow,
		engine.PhaseForceCloseWindow,
		engine.PhaseClosed,
		engine.PhaseClosed,
	})
	walk(s, instants, setNow)
	assert.Len(t, reporter.dates, 1)
	assert.Equal(t, instants[2], reporter.dates[0])
}

func TestScheduler_NoReportWithoutWindow(t *testing.T) {
	// A morning restart sees PRE_OPEN -> ENTRIES_ENABLED, never a close
	// or a report.
	s, ticker, reporter, setNow, instants := schedulerFixture([]engine.Phase{
		engine.PhasePreOpen,
		engine.PhaseEntriesEnabled,
	})
	walk(s, instants, setNow)
	assert.Empty(t, ticker.closes)
	assert.Empty(t, reporter.dates)
}

func TestScheduler_SkipsNonTradingDays(t *testing.T) {
	s, ticker, _, setNow, instants := schedulerFixture([]engine.Phase{
		engine.PhaseEntriesEnabled, engine.PhaseEntriesEnabled,
	})
	s.clock.(*fakeClock).trading = false
	walk(s, instants, setNow)
	assert.Zero(t, ticker.ticks)
}

func TestScheduler_FreshPhaseAfterWeekend(t *testing.T) {
	// Friday ends in CLOSED, the weekend is skipped, Monday opens in
	// PRE_OPEN. The PRE_OPEN reading must not count as CLOSED->PRE_OPEN
	// carried across days.
	s, ticker, reporter, setNow, instants := schedulerFixture([]engine.Phase{
		engine.PhaseClosed,       // Friday night
		engine.PhaseClosed,       // weekend (non-trading below)
		engine.PhasePreOpen,      // Monday morning
		engine.PhaseForceCloseWindow,
		engine.PhaseClosed,
	})
	clock := s.clock.(*fakeClock)

	setNow(instants[0])
	s.step(context.Background())

	clock.trading = false
	setNow(instants[1])
	s.step(context.Background())
	clock.trading = true

	walk(s, instants[2:], setNow)

	assert.Equal(t, []string{"scheduled"}, ticker.closes)
	assert.Len(t, reporter.dates, 1)
}

func TestScheduler_DefaultInterval(t *testing.T) {
	s := New(Options{Engine: &fakeTicker{}, Clock: &fakeClock{}, Logger: zerolog.Nop()})
	assert.Equal(t, defaultInterval, s.interval)
}
