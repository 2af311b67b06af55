// Package resilience provides circuit breaking and backend failover for the
// gateway's LLM providers.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// shields callers from a backend that keeps failing. [Chain] composes several
// backends of the same type behind per-entry breakers so a failing primary is
// bypassed in favour of healthy fallbacks.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is open and the
// cooldown has not yet elapsed.
var ErrOpen = errors.New("breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cooldown elapses.
	StateOpen

	// StateHalfOpen lets a limited number of probe calls through. Enough
	// successes close the breaker; any failure re-opens it.
	StateHalfOpen
)

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

// BreakerConfig holds the tuning knobs for a [Breaker]. Zero fields take the
// documented defaults.
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// FailureThreshold is how many consecutive failures open the breaker.
	// Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before probing again.
	// Default: 30s.
	Cooldown time.Duration

	// ProbeBudget is how many half-open probe calls may run before the
	// breaker decides. Default: 3.
	ProbeBudget int
}

// Breaker implements the three-state circuit breaker pattern.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	probeMax  int

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probes      int
	probeFails  int
}

// NewBreaker creates a [Breaker], substituting defaults for zero config fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 3
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		probeMax:  cfg.ProbeBudget,
		state:     StateClosed,
	}
}

// Do runs fn if the breaker allows it. In the open state it returns [ErrOpen]
// without calling fn; in the half-open state only the probe budget's worth of
// calls get through.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	switch b.state {
	case StateOpen:
		if time.Since(b.lastFailure) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.probeFails = 0
		slog.Info("breaker half-open, probing backend", "name", b.name)

	case StateHalfOpen:
		if b.probes >= b.probeMax {
			b.mu.Unlock()
			return ErrOpen
		}
	}

	probing := b.state == StateHalfOpen
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

// onFailure updates failure accounting. Caller holds b.mu.
func (b *Breaker) onFailure(probing bool) {
	b.lastFailure = time.Now()

	if probing {
		b.probeFails++
		// A failed probe re-opens immediately.
		b.state = StateOpen
		b.failures = b.threshold
		slog.Warn("breaker re-opened after failed probe", "name", b.name)
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = StateOpen
		slog.Warn("breaker opened", "name", b.name, "consecutive_failures", b.failures)
	}
}

// onSuccess updates success accounting. Caller holds b.mu.
func (b *Breaker) onSuccess(probing bool) {
	if probing {
		if b.probes-b.probeFails >= b.probeMax {
			b.state = StateClosed
			b.failures = 0
			b.probes = 0
			b.probeFails = 0
			slog.Info("breaker closed after successful probes", "name", b.name)
		}
		return
	}
	b.failures = 0
}

// State returns the breaker's current state. An open breaker whose cooldown
// has elapsed reports [StateHalfOpen]; the transition itself happens on the
// next [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.lastFailure) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker back to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.probeFails = 0
	slog.Info("breaker manually reset", "name", b.name)
}
