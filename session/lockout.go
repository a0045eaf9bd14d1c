package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
	"bastion/storage"
	"bastion/util"
)

// LockoutConfig holds the lockout tunables.
type LockoutConfig struct {
	// MaxFailedAttempts flips the identifier to locked. Default 5.
	MaxFailedAttempts int
	// LockoutDuration is how long a lock holds. Default 15 minutes.
	LockoutDuration time.Duration
}

// DefaultLockoutConfig returns the standard lockout policy.
func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		MaxFailedAttempts: 5,
		LockoutDuration:   15 * time.Minute,
	}
}

func (c LockoutConfig) withDefaults() LockoutConfig {
	d := DefaultLockoutConfig()
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = d.MaxFailedAttempts
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = d.LockoutDuration
	}
	return c
}

// LockoutTracker owns per-identifier failure counters and lock state. Locks
// expire lazily on read; there is no background sweep. The failure count has
// no rolling window: it resets only on success, manual unlock, or lock expiry.
type LockoutTracker struct {
	mu     sync.Mutex // serializes read-modify-write cycles against the store
	store  storage.LockoutStore
	config LockoutConfig
	clock  core.Clock
	logger *zap.SugaredLogger
}

// NewLockoutTracker creates a tracker over the given store.
func NewLockoutTracker(store storage.LockoutStore, config LockoutConfig, clock core.Clock, logger *zap.SugaredLogger) *LockoutTracker {
	if clock == nil {
		clock = core.SystemClock()
	}
	return &LockoutTracker{
		store:  store,
		config: config.withDefaults(),
		clock:  clock,
		logger: logger,
	}
}

// RecordFailure increments the failure count for an identifier, flipping it
// to locked at the threshold. The second return is true when this failure is
// the one that applied the lock.
func (t *LockoutTracker) RecordFailure(ctx context.Context, identifier string) (*core.AccountLockout, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	lockout, err := t.getFresh(ctx, identifier, now)
	if err != nil {
		return nil, false, err
	}
	if lockout == nil {
		lockout = &core.AccountLockout{Identifier: identifier}
	}

	lockout.FailedAttempts++
	lockout.LastFailedAttempt = &now

	newlyLocked := false
	if !lockout.Locked && lockout.FailedAttempts >= t.config.MaxFailedAttempts {
		unlockAt := now.Add(t.config.LockoutDuration)
		lockout.Locked = true
		lockout.LockedAt = &now
		lockout.UnlockAt = &unlockAt
		newlyLocked = true
		metrics.AccountLockouts.Inc()
		t.logger.Warnw("AUDIT: Account locked",
			"identifier", util.SanitizeLogValue(identifier),
			"failed_attempts", lockout.FailedAttempts,
			"unlock_at", unlockAt)
	}

	if err := t.store.Put(ctx, lockout); err != nil {
		return nil, false, err
	}
	return lockout, newlyLocked, nil
}

// RecordSuccess clears the failure state for an identifier.
func (t *LockoutTracker) RecordSuccess(ctx context.Context, identifier string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.store.Delete(ctx, identifier)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// CheckLock reports whether the identifier may authenticate right now. A lock
// whose UnlockAt has passed is treated as expired and cleared on this read.
func (t *LockoutTracker) CheckLock(ctx context.Context, identifier string) (core.LockStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	lockout, err := t.getFresh(ctx, identifier, now)
	if err != nil {
		return core.LockStatus{}, err
	}
	if lockout == nil {
		return core.LockStatus{}, nil
	}

	status := core.LockStatus{
		Locked:         lockout.Locked,
		FailedAttempts: lockout.FailedAttempts,
		UnlockAt:       lockout.UnlockAt,
	}
	if lockout.Locked && lockout.UnlockAt != nil {
		status.Remaining = lockout.UnlockAt.Sub(now)
	}
	return status, nil
}

// ManualUnlock clears a lock regardless of remaining duration. Returns false
// when the identifier was not locked.
func (t *LockoutTracker) ManualUnlock(ctx context.Context, identifier, actorID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lockout, err := t.store.Get(ctx, identifier)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !lockout.Locked {
		return false, nil
	}

	if err := t.store.Delete(ctx, identifier); err != nil {
		return false, err
	}
	t.logger.Infow("AUDIT: Account manually unlocked",
		"identifier", util.SanitizeLogValue(identifier),
		"actor", util.SanitizeLogValue(actorID))
	return true, nil
}

// Get returns the raw lockout record for dashboards, nil when absent.
// Expiry is evaluated but not written back.
func (t *LockoutTracker) Get(ctx context.Context, identifier string) (*core.AccountLockout, error) {
	lockout, err := t.store.Get(ctx, identifier)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lockout.Expired(t.clock.Now()) {
		lockout.Locked = false
	}
	return lockout, nil
}

// getFresh loads a lockout and applies lazy expiry: an expired lock is
// dropped entirely so the next failure starts a fresh count. Caller holds mu.
func (t *LockoutTracker) getFresh(ctx context.Context, identifier string, now time.Time) (*core.AccountLockout, error) {
	lockout, err := t.store.Get(ctx, identifier)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lockout.Expired(now) {
		if err := t.store.Delete(ctx, identifier); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		return nil, nil
	}
	return lockout, nil
}
