package detect

import (
	"sync"
	"time"

	"bastion/core"
)

// AttemptKind distinguishes the surfaces a brute-force attack can target.
type AttemptKind string

const (
	AttemptLogin         AttemptKind = "login"
	AttemptAPI           AttemptKind = "api"
	AttemptPasswordReset AttemptKind = "password_reset"
)

// defaultAttemptThresholds is the per-kind attempt count that flags a
// brute-force pattern inside the window.
var defaultAttemptThresholds = map[AttemptKind]int{
	AttemptLogin:         5,
	AttemptAPI:           100,
	AttemptPasswordReset: 3,
}

// BruteForceResult is the outcome of recording one attempt.
type BruteForceResult struct {
	IsBruteForce bool          `json:"is_brute_force"`
	ShouldBlock  bool          `json:"should_block"`
	Attempts     int           `json:"attempts"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
}

type attempt struct {
	at      time.Time
	success bool
}

// BruteForceTracker keeps a true sliding window of attempts per
// (kind, identifier). Attempts outside the window are purged on every touch,
// so a burst of old failures cannot trip detection later.
type BruteForceTracker struct {
	mu         sync.Mutex
	attempts   map[string][]attempt // key: kind + "\x00" + identifier
	window     time.Duration
	thresholds map[AttemptKind]int
	clock      core.Clock
}

// NewBruteForceTracker creates a tracker. window defaults to 15 minutes and
// thresholds fall back to the per-kind defaults.
func NewBruteForceTracker(window time.Duration, thresholds map[AttemptKind]int, clock core.Clock) *BruteForceTracker {
	if window <= 0 {
		window = 15 * time.Minute
	}
	if clock == nil {
		clock = core.SystemClock()
	}
	merged := make(map[AttemptKind]int, len(defaultAttemptThresholds))
	for k, v := range defaultAttemptThresholds {
		merged[k] = v
	}
	for k, v := range thresholds {
		if v > 0 {
			merged[k] = v
		}
	}
	return &BruteForceTracker{
		attempts:   make(map[string][]attempt),
		window:     window,
		thresholds: merged,
		clock:      clock,
	}
}

func bruteKey(kind AttemptKind, identifier string) string {
	return string(kind) + "\x00" + identifier
}

// Record registers an attempt and evaluates the sliding window. ShouldBlock
// is true only when the threshold is met and the triggering attempt itself
// failed; a trailing success after many failures is never blocked.
func (t *BruteForceTracker) Record(identifier string, kind AttemptKind, wasSuccessful bool) BruteForceResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	key := bruteKey(kind, identifier)

	kept := t.pruneLocked(key, now)
	kept = append(kept, attempt{at: now, success: wasSuccessful})
	t.attempts[key] = kept

	threshold, ok := t.thresholds[kind]
	if !ok {
		threshold = defaultAttemptThresholds[AttemptLogin]
	}

	result := BruteForceResult{Attempts: len(kept)}
	if len(kept) >= threshold {
		result.IsBruteForce = true
		result.ShouldBlock = !wasSuccessful
		// The window frees up once its oldest attempt ages out.
		oldest := kept[0].at
		result.RetryAfter = t.window - now.Sub(oldest)
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
	}
	return result
}

// pruneLocked drops attempts older than the window for one key. Caller holds mu.
func (t *BruteForceTracker) pruneLocked(key string, now time.Time) []attempt {
	cutoff := now.Add(-t.window)
	kept := t.attempts[key][:0]
	for _, a := range t.attempts[key] {
		if a.at.After(cutoff) {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		delete(t.attempts, key)
		return nil
	}
	return kept
}

// PruneStale drops identifiers whose entire window has aged out. Called by
// the engine's periodic sweep to bound memory.
func (t *BruteForceTracker) PruneStale() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	pruned := 0
	for key := range t.attempts {
		if kept := t.pruneLocked(key, now); kept != nil {
			t.attempts[key] = kept
		} else {
			pruned++
		}
	}
	return pruned
}
