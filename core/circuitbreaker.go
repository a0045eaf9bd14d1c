package core

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrBreakerOpen is returned when the circuit is open and calls fail fast.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	MaxFailures uint32        // consecutive failures before opening
	Cooldown    time.Duration // how long to stay open before probing
}

// DefaultBreakerConfig returns sensible defaults for notification channels.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 3,
		Cooldown:    time.Minute,
	}
}

// Breaker is a minimal circuit breaker guarding slow external collaborators.
// After MaxFailures consecutive failures it opens and fails fast; once the
// cooldown elapses a single probe request is let through.
type Breaker struct {
	config       BreakerConfig
	state        BreakerState
	failures     uint32
	lastFailTime time.Time
	probing      bool
	mu           sync.Mutex
}

// NewBreaker creates a circuit breaker. Zero config fields get defaults.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &Breaker{config: config, state: BreakerClosed}
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.lastFailTime) > b.config.Cooldown {
			b.state = BreakerHalfOpen
			b.probing = true
			return nil
		}
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// RecordSuccess closes the circuit after a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

// RecordFailure counts a failed call and opens the circuit at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailTime = time.Now()
	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.config.MaxFailures {
		b.state = BreakerOpen
	}
	b.probing = false
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
