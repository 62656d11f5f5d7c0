// Package engine implements the strategy engine: the position book, the
// adjustment policy, the schedule clock and the single-writer command loop
// that ties them together.
package engine

import (
	"fmt"
	"time"

	"nifty-terminal/internal/config"
	"nifty-terminal/pkg/utils"
)

// Phase is the schedule phase of a trading day.
type Phase string

const (
	PhaseClosed           Phase = "CLOSED"
	PhasePreOpen          Phase = "PRE_OPEN"
	PhaseEntriesEnabled   Phase = "ENTRIES_ENABLED"
	PhaseEntriesDisabled  Phase = "ENTRIES_DISABLED"
	PhaseForceCloseWindow Phase = "FORCE_CLOSE_WINDOW"
)

// ScheduleClock maps instants to schedule phases. All boundaries are
// half-open [from, to) in exchange-local time.
type ScheduleClock struct {
	preOpen     minuteOfDay
	marketOpen  minuteOfDay
	entryCutoff minuteOfDay
	forceClose  minuteOfDay
	report      minuteOfDay
	holidays    map[string]bool
}

type minuteOfDay int

func parseMinute(s string) (minuteOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parsing boundary %q: %w", s, err)
	}
	return minuteOfDay(t.Hour()*60 + t.Minute()), nil
}

// NewScheduleClock builds a clock from the schedule configuration.
func NewScheduleClock(cfg config.ScheduleConfig) (*ScheduleClock, error) {
	clock := &ScheduleClock{holidays: make(map[string]bool)}

	var err error
	if clock.preOpen, err = parseMinute(cfg.PreOpen); err != nil {
		return nil, err
	}
	if clock.marketOpen, err = parseMinute(cfg.MarketOpen); err != nil {
		return nil, err
	}
	if clock.entryCutoff, err = parseMinute(cfg.EntryCutoff); err != nil {
		return nil, err
	}
	if clock.forceClose, err = parseMinute(cfg.ForceClose); err != nil {
		return nil, err
	}
	if clock.report, err = parseMinute(cfg.Report); err != nil {
		return nil, err
	}

	if !(clock.preOpen < clock.marketOpen &&
		clock.marketOpen < clock.entryCutoff &&
		clock.entryCutoff < clock.forceClose &&
		clock.forceClose < clock.report) {
		return nil, fmt.Errorf("schedule boundaries must be strictly increasing")
	}

	for _, h := range cfg.Holidays {
		clock.holidays[h] = true
	}
	return clock, nil
}

// PhaseAt returns the schedule phase for an instant. Weekends and configured
// holidays are CLOSED regardless of the time of day.
func (c *ScheduleClock) PhaseAt(t time.Time) Phase {
	t = t.In(utils.IndiaLocation)

	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return PhaseClosed
	}
	if c.holidays[t.Format("2006-01-02")] {
		return PhaseClosed
	}

	m := minuteOfDay(t.Hour()*60 + t.Minute())
	switch {
	case m < c.preOpen:
		return PhaseClosed
	case m < c.marketOpen:
		return PhasePreOpen
	case m < c.entryCutoff:
		return PhaseEntriesEnabled
	case m < c.forceClose:
		return PhaseEntriesDisabled
	case m < c.report:
		return PhaseForceCloseWindow
	default:
		// The report boundary closes the day; the scheduler fires the EOD
		// report on the FORCE_CLOSE_WINDOW -> CLOSED transition.
		return PhaseClosed
	}
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (c *ScheduleClock) IsTradingDay(t time.Time) bool {
	t = t.In(utils.IndiaLocation)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	return !c.holidays[t.Format("2006-01-02")]
}
