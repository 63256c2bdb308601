// Package resilience guards calls to remote services that may be down.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open). The
// session-start call to the conversation backend runs through one so that a
// user hammering "start" against a dead backend fails fast instead of
// waiting for a timeout every time.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cool-down
	// has elapsed.
	StateOpen

	// StateHalfOpen lets a limited number of trial calls through. Enough
	// successes close the breaker; one failure re-opens it.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// TrialCalls is the number of successful half-open calls needed to close
	// the breaker again. Default: 1.
	TrialCalls int

	// IsFailure decides whether an error counts against the breaker.
	// Default: every error except context cancellation, which means the
	// caller gave up rather than the service failing.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to State)
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// NewBreaker returns a closed [Breaker]. Zero config fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.TrialCalls <= 0 {
		cfg.TrialCalls = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Do runs fn if the breaker admits the call and records the outcome. The
// returned error is fn's error, or [ErrCircuitOpen] if fn was not called.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.admit()
	if err != nil {
		return err
	}
	err = fn(ctx)
	b.record(trial, err)
	return err
}

// admit decides whether a call may proceed and whether it is a trial.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	var from State
	changed := false
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		from, changed = b.state, true
		b.state = StateHalfOpen
		b.inFlight, b.successes = 0, 0
	}

	switch b.state {
	case StateOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if b.inFlight+b.successes >= b.cfg.TrialCalls {
			err = ErrCircuitOpen
		} else {
			b.inFlight++
			trial = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateHalfOpen)
	}
	return trial, err
}

func (b *Breaker) record(trial bool, err error) {
	failed := err != nil && b.cfg.IsFailure(err)

	b.mu.Lock()
	from := b.state
	if trial {
		b.inFlight--
	}
	switch {
	case failed && (trial || b.state == StateHalfOpen):
		b.trip()
	case failed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.trip()
		}
	case err != nil:
		// Not counted: leaves the failure streak untouched.
	case trial:
		b.successes++
		if b.successes >= b.cfg.TrialCalls {
			b.state = StateClosed
			b.failures = 0
		}
	default:
		b.failures = 0
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = StateOpen
	b.openedAt = b.now()
	b.failures = b.cfg.MaxFailures
	b.inFlight, b.successes = 0, 0
}

func (b *Breaker) notify(from, to State) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state changed",
		"name", b.cfg.Name,
		"from", from.String(),
		"to", to.String(),
	)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the
// next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures, b.inFlight, b.successes = 0, 0, 0
	b.mu.Unlock()
	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}
