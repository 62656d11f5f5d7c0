// Package sched drives the engine from the wall clock: a fixed-interval
// monitor tick plus commands fired on schedule phase boundaries. All time
// math lives in the ScheduleClock; the scheduler only compares consecutive
// phases.
package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"nifty-terminal/internal/engine"
)

// Ticker is the slice of the engine the scheduler drives.
type Ticker interface {
	Tick()
	CloseAll(ctx context.Context, reason string) engine.CommandResult
}

// PhaseSource answers phase queries for arbitrary instants.
type PhaseSource interface {
	PhaseAt(t time.Time) engine.Phase
	IsTradingDay(t time.Time) bool
}

// Reporter runs the end-of-day fold once the force-close window ends.
type Reporter interface {
	RunEOD(ctx context.Context, date time.Time) error
}

const defaultInterval = 30 * time.Second

// Scheduler owns the monitor loop. One instance per process.
type Scheduler struct {
	engine   Ticker
	clock    PhaseSource
	reporter Reporter
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger

	lastPhase engine.Phase
	havePhase bool
}

type Options struct {
	Engine   Ticker
	Clock    PhaseSource
	Reporter Reporter
	Interval time.Duration
	Logger   zerolog.Logger
	Now      func() time.Time
}

func New(opts Options) *Scheduler {
	s := &Scheduler{
		engine:   opts.Engine,
		clock:    opts.Clock,
		reporter: opts.Reporter,
		interval: opts.Interval,
		now:      opts.Now,
		log:      opts.Logger.With().Str("component", "sched").Logger(),
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Run loops until ctx is cancelled. Each pass enqueues a coalescable tick
// and fires any phase-boundary command exactly once per transition.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.step(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step(ctx)
		}
	}
}

func (s *Scheduler) step(ctx context.Context) {
	now := s.now()
	if !s.clock.IsTradingDay(now) {
		// Reset so Monday's first phase reads as a fresh transition.
		s.havePhase = false
		return
	}

	s.engine.Tick()

	phase := s.clock.PhaseAt(now)
	if s.havePhase && phase != s.lastPhase {
		s.onTransition(ctx, s.lastPhase, phase, now)
	}
	s.lastPhase = phase
	s.havePhase = true
}

// onTransition handles a phase boundary. The force-close command is
// idempotent with the policy's own window rule; firing both costs nothing
// and covers an engine that missed ticks.
func (s *Scheduler) onTransition(ctx context.Context, from, to engine.Phase, now time.Time) {
	s.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("schedule phase transition")

	switch to {
	case engine.PhaseForceCloseWindow:
		if res := s.engine.CloseAll(ctx, "scheduled"); res.Err != nil {
			s.log.Error().Err(res.Err).Msg("scheduled close-all failed")
		}
	case engine.PhaseClosed:
		if from == engine.PhaseForceCloseWindow && s.reporter != nil {
			if err := s.reporter.RunEOD(ctx, now); err != nil {
				s.log.Error().Err(err).Msg("end-of-day report failed")
			}
		}
	}
}
