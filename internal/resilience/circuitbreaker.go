// Package resilience guards broker calls against a flapping upstream.
// A run of transient failures opens the breaker; while open, calls are
// rejected locally instead of hammering the Fyers API, and a single probe
// after the cooldown decides whether to close again.
package resilience

import (
	"context"
	"sync"
	"time"

	apperrors "nifty-terminal/internal/errors"
)

// State is the breaker's position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes the breaker.
type Config struct {
	// FailureThreshold consecutive transient failures open the breaker.
	FailureThreshold int
	// SuccessThreshold successes while half-open close it again.
	SuccessThreshold int
	// Cooldown is how long an open breaker rejects before probing.
	Cooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time

	totalCalls    int64
	totalFailures int64
	totalRejected int64
}

func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed, now: time.Now}
}

// Execute runs fn under the breaker. An open breaker rejects with a
// transient BrokerError so callers' retry/abandon logic treats it exactly
// like an upstream outage.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) > b.cfg.Cooldown {
			b.transition(StateHalfOpen)
			return nil
		}
		b.totalRejected++
		return apperrors.NewBrokerError("CIRCUIT_OPEN",
			b.name+" circuit open; broker calls suspended", nil)
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Only upstream trouble moves the breaker. Validation and session
	// errors are the caller's problem, not the API's health.
	if err != nil && !countsAsFailure(err) {
		err = nil
	}

	if err != nil {
		b.totalFailures++
		b.lastFailure = b.now()
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.FailureThreshold {
				b.transition(StateOpen)
			}
		case StateHalfOpen:
			b.transition(StateOpen)
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

func countsAsFailure(err error) bool {
	return apperrors.IsTransient(err) ||
		apperrors.Is(err, context.DeadlineExceeded) ||
		apperrors.Is(err, apperrors.ErrTimeout) ||
		apperrors.Is(err, apperrors.ErrConnectionFailed)
}

func (b *Breaker) transition(state State) {
	b.state = state
	b.failures = 0
	b.successes = 0
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed. Used after a manual re-login.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}

// Stats is a point-in-time view for the status surface.
type Stats struct {
	Name          string
	State         State
	TotalCalls    int64
	TotalFailures int64
	TotalRejected int64
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:          b.name,
		State:         b.state,
		TotalCalls:    b.totalCalls,
		TotalFailures: b.totalFailures,
		TotalRejected: b.totalRejected,
	}
}
