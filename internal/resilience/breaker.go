// Package resilience provides circuit breaking and provider failover for the
// upstream STT and LLM backends.
//
// A [Breaker] is a three-state circuit breaker (closed, open, half-open). A
// [Failover] composes several instances of one provider type, each behind its
// own breaker, so a failing primary is bypassed in favour of a healthy
// standby. All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a Breaker.
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects every call until the cooldown elapses.
	Open

	// HalfOpen lets a bounded number of probe calls through to decide
	// between closing and re-opening.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a Breaker. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels the breaker in logs.
	Name string

	// FailureLimit is how many consecutive failures trip the breaker.
	// Default: 5.
	FailureLimit int

	// Cooldown is how long the breaker stays open before probing.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeLimit is how many half-open probes may run before the breaker
	// decides. Default: 3.
	ProbeLimit int

	Logger *slog.Logger
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name         string
	failureLimit int
	cooldown     time.Duration
	probeLimit   int
	logger       *slog.Logger

	mu         sync.Mutex
	state      State
	failures   int
	lastFail   time.Time
	probes     int
	probeFails int
}

// NewBreaker creates a Breaker in the closed state.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeLimit <= 0 {
		cfg.ProbeLimit = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:         cfg.Name,
		failureLimit: cfg.FailureLimit,
		cooldown:     cfg.Cooldown,
		probeLimit:   cfg.ProbeLimit,
		logger:       logger.With("component", "breaker", "breaker", cfg.Name),
	}
}

// Do runs fn unless the breaker is rejecting calls, and feeds the outcome
// back into the state machine.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.lastFail) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probes = 0
		b.probeFails = 0
		b.logger.Info("breaker half-open, probing")

	case HalfOpen:
		if b.probes >= b.probeLimit {
			b.mu.Unlock()
			return ErrOpen
		}
	}

	probing := b.state == HalfOpen
	if probing {
		b.probes++
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure(probing)
	} else {
		b.onSuccess(probing)
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	b.lastFail = time.Now()

	if probing {
		b.probeFails++
		// One failed probe re-opens immediately.
		b.state = Open
		b.failures = b.failureLimit
		b.logger.Warn("breaker re-opened after failed probe")
		return
	}

	b.failures++
	if b.failures >= b.failureLimit {
		b.state = Open
		b.logger.Warn("breaker opened", "consecutive_failures", b.failures)
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probes-b.probeFails >= b.probeLimit {
			b.state = Closed
			b.failures = 0
			b.probes = 0
			b.probeFails = 0
			b.logger.Info("breaker closed after successful probes")
		}
		return
	}
	b.failures = 0
}

// State returns the effective state: an open breaker whose cooldown has
// elapsed reports HalfOpen, the actual transition happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && time.Since(b.lastFail) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probes = 0
	b.probeFails = 0
}
