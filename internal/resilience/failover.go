package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrExhausted is returned when every backend in a Failover fails or sits
// behind an open breaker.
var ErrExhausted = errors.New("resilience: all backends failed")

// backend pairs a provider value with its breaker.
type backend[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Failover tries a primary and then its standbys, in registration order,
// skipping backends whose breaker is open.
type Failover[T any] struct {
	backends []backend[T]
	breaker  BreakerConfig
	logger   *slog.Logger
}

// NewFailover creates a Failover with primary as the first backend. The
// breaker config is applied per backend.
func NewFailover[T any](primary T, name string, breaker BreakerConfig, logger *slog.Logger) *Failover[T] {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Failover[T]{
		breaker: breaker,
		logger:  logger.With("component", "failover"),
	}
	f.Add(name, primary)
	return f
}

// Add appends a standby backend. Backends are tried in the order added.
func (f *Failover[T]) Add(name string, value T) {
	cfg := f.breaker
	cfg.Name = name
	cfg.Logger = f.logger
	f.backends = append(f.backends, backend[T]{
		name:    name,
		value:   value,
		breaker: NewBreaker(cfg),
	})
}

// Do runs fn against each backend until one succeeds.
func (f *Failover[T]) Do(fn func(T) error) error {
	_, err := Call(f, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// Call runs fn against each backend until one succeeds and returns its
// result. A package-level function because Go methods cannot add type
// parameters.
func Call[T, R any](f *Failover[T], fn func(T) (R, error)) (R, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range f.backends {
		be := &f.backends[i]
		var result R
		err := be.breaker.Do(func() error {
			var callErr error
			result, callErr = fn(be.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			f.logger.Debug("skipping backend, breaker open", "backend", be.name)
		} else {
			f.logger.Warn("backend failed, trying next", "backend", be.name, "error", err)
		}
	}
	return zero, fmt.Errorf("%w: %v", ErrExhausted, lastErr)
}
