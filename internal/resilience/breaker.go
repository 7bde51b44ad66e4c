// Package resilience protects the session from misbehaving devices and sinks.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// stops calling a component after repeated failures and probes it again
// after a cool-down. [Group] tries a list of equivalent components in order,
// each behind its own breaker; [InputFallback] uses it to fail over between
// input devices.
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

// ErrOpen is returned by [Breaker.Do] while the breaker is open.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the reset timeout elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure opens it again.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults noted.
type BreakerConfig struct {
	// Name labels the breaker in logs.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 1.
	HalfOpenMax int

	// OnStateChange, when set, is called after every transition without the
	// breaker's lock held.
	OnStateChange func(from, to State)

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	successes int
}

// NewBreaker returns a closed Breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn unless the breaker is open, and records its outcome.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	var trans []State
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		trans = b.moveLocked(trans, StateHalfOpen)
		b.probes, b.successes = 0, 0
	}
	if b.state == StateHalfOpen {
		if b.probes >= b.cfg.HalfOpenMax {
			b.mu.Unlock()
			b.notify(trans)
			return ErrOpen
		}
		b.probes++
	}
	b.mu.Unlock()
	b.notify(trans)

	err := fn()

	b.mu.Lock()
	trans = trans[:0]
	switch {
	case err != nil && b.state == StateHalfOpen:
		b.openedAt = b.now()
		trans = b.moveLocked(trans, StateOpen)
	case err != nil:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.openedAt = b.now()
			trans = b.moveLocked(trans, StateOpen)
		}
	case b.state == StateHalfOpen:
		b.successes++
		b.probes--
		if b.successes >= b.cfg.HalfOpenMax {
			b.failures = 0
			trans = b.moveLocked(trans, StateClosed)
		}
	default:
		b.failures = 0
	}
	b.mu.Unlock()
	b.notify(trans)
	return err
}

// moveLocked switches to state to and records the transition as a pair.
func (b *Breaker) moveLocked(trans []State, to State) []State {
	from := b.state
	b.state = to
	return append(trans, from, to)
}

func (b *Breaker) notify(trans []State) {
	for i := 0; i+1 < len(trans); i += 2 {
		from, to := trans[i], trans[i+1]
		level := slog.LevelInfo
		if to == StateOpen {
			level = slog.LevelWarn
		}
		b.cfg.Logger.Log(context.Background(), level, "circuit breaker state changed",
			"name", b.cfg.Name, "from", from, "to", to)
		if b.cfg.OnStateChange != nil {
			b.cfg.OnStateChange(from, to)
		}
	}
}

// State returns the current state. An open breaker whose timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call to [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	trans := b.moveLocked(nil, StateClosed)
	b.failures, b.probes, b.successes = 0, 0, 0
	b.mu.Unlock()
	if trans[0] != trans[1] {
		b.notify(trans)
	}
}
