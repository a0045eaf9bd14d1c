package detect

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock shared by the detect tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBruteForceDetectionAtLoginThreshold(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))
	tracker := NewBruteForceTracker(15*time.Minute, nil, clock)

	for i := 0; i < 4; i++ {
		result := tracker.Record("alice", AttemptLogin, false)
		assert.False(t, result.IsBruteForce, "attempt %d should be below threshold", i+1)
		clock.Advance(time.Second)
	}

	result := tracker.Record("alice", AttemptLogin, false)
	assert.True(t, result.IsBruteForce)
	assert.True(t, result.ShouldBlock)
	assert.Equal(t, 5, result.Attempts)
	assert.Greater(t, result.RetryAfter, time.Duration(0))
}

func TestBruteForceSuccessfulAttemptNeverBlocked(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))
	tracker := NewBruteForceTracker(15*time.Minute, nil, clock)

	for i := 0; i < 4; i++ {
		tracker.Record("bob", AttemptLogin, false)
	}
	result := tracker.Record("bob", AttemptLogin, true)

	assert.True(t, result.IsBruteForce, "the pattern is still reported")
	assert.False(t, result.ShouldBlock, "a successful attempt must not be blocked")
}

func TestBruteForceWindowSlides(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))
	tracker := NewBruteForceTracker(15*time.Minute, nil, clock)

	for i := 0; i < 4; i++ {
		tracker.Record("carol", AttemptLogin, false)
	}

	// The old burst ages out entirely before the next attempt.
	clock.Advance(16 * time.Minute)
	result := tracker.Record("carol", AttemptLogin, false)

	assert.False(t, result.IsBruteForce)
	assert.Equal(t, 1, result.Attempts)
}

func TestBruteForcePerKindThresholds(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))
	tracker := NewBruteForceTracker(0, nil, clock)

	// Password reset trips at 3.
	tracker.Record("dave", AttemptPasswordReset, false)
	tracker.Record("dave", AttemptPasswordReset, false)
	result := tracker.Record("dave", AttemptPasswordReset, false)
	assert.True(t, result.IsBruteForce)

	// The same identifier on the login surface is tracked independently.
	result = tracker.Record("dave", AttemptLogin, false)
	assert.False(t, result.IsBruteForce)
	assert.Equal(t, 1, result.Attempts)
}

func TestBruteForceCustomThresholdOverride(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))
	tracker := NewBruteForceTracker(0, map[AttemptKind]int{AttemptLogin: 2}, clock)

	tracker.Record("erin", AttemptLogin, false)
	result := tracker.Record("erin", AttemptLogin, false)
	require.True(t, result.IsBruteForce)

	// Unspecified kinds keep their defaults.
	result = tracker.Record("erin", AttemptPasswordReset, false)
	assert.False(t, result.IsBruteForce)
}

func TestBruteForceRetryAfterShrinksAsWindowAges(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))
	tracker := NewBruteForceTracker(15*time.Minute, nil, clock)

	for i := 0; i < 5; i++ {
		tracker.Record("frank", AttemptLogin, false)
	}
	first := tracker.Record("frank", AttemptLogin, false)

	clock.Advance(5 * time.Minute)
	later := tracker.Record("frank", AttemptLogin, false)

	assert.Less(t, later.RetryAfter, first.RetryAfter)
}

func TestBruteForcePruneStale(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))
	tracker := NewBruteForceTracker(15*time.Minute, nil, clock)

	tracker.Record("gina", AttemptLogin, false)
	tracker.Record("hank", AttemptAPI, false)

	clock.Advance(time.Hour)
	pruned := tracker.PruneStale()

	assert.Equal(t, 2, pruned)
	assert.Empty(t, tracker.attempts)
}
