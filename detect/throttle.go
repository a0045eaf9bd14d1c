package detect

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/core"
)

// Throttle is the set of identifiers (usernames or IPs) under a temporary
// rate restriction, populated by the rate_limit_user response action.
// Expiry is lazy: entries age out on the next Limited check.
type Throttle struct {
	mu      sync.Mutex
	entries map[string]time.Time
	clock   core.Clock
	logger  *zap.SugaredLogger
}

var _ RateLimiter = (*Throttle)(nil)

// NewThrottle creates an empty restriction set.
func NewThrottle(clock core.Clock, logger *zap.SugaredLogger) *Throttle {
	if clock == nil {
		clock = core.SystemClock()
	}
	return &Throttle{
		entries: make(map[string]time.Time),
		clock:   clock,
		logger:  logger,
	}
}

// Restrict places an identifier under restriction until now+duration.
// Re-restricting extends the window only if the new deadline is later.
func (t *Throttle) Restrict(identifier string, duration time.Duration) {
	if identifier == "" || duration <= 0 {
		return
	}
	until := t.clock.Now().Add(duration)

	t.mu.Lock()
	if existing, ok := t.entries[identifier]; !ok || until.After(existing) {
		t.entries[identifier] = until
	}
	t.mu.Unlock()

	t.logger.Warnw("AUDIT: Identifier rate-restricted",
		"identifier", identifier,
		"until", until)
}

// Limited reports whether the identifier is currently restricted, and if so
// for how much longer.
func (t *Throttle) Limited(identifier string) (bool, time.Duration) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	until, ok := t.entries[identifier]
	if !ok {
		return false, 0
	}
	if !until.After(now) {
		delete(t.entries, identifier)
		return false, 0
	}
	return true, until.Sub(now)
}

// Clear lifts a restriction early.
func (t *Throttle) Clear(identifier string) {
	t.mu.Lock()
	delete(t.entries, identifier)
	t.mu.Unlock()
}
