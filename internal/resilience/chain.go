package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every entry of a [Chain] fails or sits behind
// an open breaker.
var ErrExhausted = errors.New("all backends failed")

// ChainConfig configures the breaker stamped out for each entry of a [Chain].
type ChainConfig struct {
	Breaker BreakerConfig
}

// chainEntry pairs a backend with its dedicated breaker.
type chainEntry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain holds a primary and zero or more fallback backends of the same type.
// Entries are tried in registration order; open breakers are skipped.
//
// Chain is safe for concurrent use once assembled. Add is not safe to call
// concurrently with Try.
type Chain[T any] struct {
	entries []chainEntry[T]
	cfg     ChainConfig
}

// NewChain creates a [Chain] with primary as the first entry.
func NewChain[T any](primary T, primaryName string, cfg ChainConfig) *Chain[T] {
	bc := cfg.Breaker
	bc.Name = primaryName
	return &Chain[T]{
		entries: []chainEntry[T]{{
			name:    primaryName,
			value:   primary,
			breaker: NewBreaker(bc),
		}},
		cfg: cfg,
	}
}

// Add appends a fallback backend tried after all earlier entries.
func (c *Chain[T]) Add(name string, fallback T) {
	bc := c.cfg.Breaker
	bc.Name = name
	c.entries = append(c.entries, chainEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewBreaker(bc),
	})
}

// Try runs fn against each entry in order until one succeeds. Returns
// [ErrExhausted] wrapping the last error when every entry fails.
func (c *Chain[T]) Try(fn func(T) error) error {
	var lastErr error
	for i := range c.entries {
		entry := &c.entries[i]
		err := entry.breaker.Do(func() error {
			return fn(entry.value)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping backend, breaker open", "backend", entry.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", entry.name, "error", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}

// TryResult runs fn against each entry of c until one succeeds, returning the
// result. A package-level function because Go methods cannot add type
// parameters.
func TryResult[T any, R any](c *Chain[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range c.entries {
		entry := &c.entries[i]
		var result R
		err := entry.breaker.Do(func() error {
			var innerErr error
			result, innerErr = fn(entry.value)
			return innerErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("skipping backend, breaker open", "backend", entry.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", entry.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}
