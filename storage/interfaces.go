package storage

import (
	"context"
	"time"

	"bastion/core"
)

// SessionStore owns the set of live sessions and the per-user index.
// No business logic beyond storage and lookup; the session manager always
// writes through the store.
type SessionStore interface {
	// Put inserts or replaces a session.
	Put(ctx context.Context, s *core.Session) error
	// Get returns an active session by ID. Inactive sessions are unreachable
	// and yield ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*core.Session, error)
	// Touch updates LastActivityAt for an active session.
	Touch(ctx context.Context, sessionID string, at time.Time) error
	// Deactivate marks a session inactive. Returns false when the session is
	// absent or already inactive; never an error for that case.
	Deactivate(ctx context.Context, sessionID string) (bool, error)
	// ActiveByUser returns all active sessions for a user, oldest first.
	ActiveByUser(ctx context.Context, userID string) ([]*core.Session, error)
	// ExpireIdle deactivates sessions whose last activity is at or before
	// cutoff and returns how many were deactivated. Backends that expire
	// entries server-side may report zero.
	ExpireIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// LockoutStore owns per-identifier failure state.
type LockoutStore interface {
	Get(ctx context.Context, identifier string) (*core.AccountLockout, error)
	Put(ctx context.Context, lockout *core.AccountLockout) error
	Delete(ctx context.Context, identifier string) error
}

// EventStore owns security events.
type EventStore interface {
	Insert(ctx context.Context, event *core.SecurityEvent) error
	Get(ctx context.Context, id string) (*core.SecurityEvent, error)
	Update(ctx context.Context, event *core.SecurityEvent) error
	// Recent returns the newest events first, up to limit.
	Recent(ctx context.Context, limit int) ([]*core.SecurityEvent, error)
	// CountSince counts events with Timestamp >= since.
	CountSince(ctx context.Context, since time.Time) (int, error)
	// CountBySeverity counts events at or above the given severity.
	CountBySeverity(ctx context.Context, min core.Severity) (int, error)
	// CountUnresolved counts unresolved events above the given severity.
	CountUnresolved(ctx context.Context, above core.Severity) (int, error)
	Count(ctx context.Context) (int, error)
	// DeleteResolvedBefore removes resolved events older than cutoff and
	// returns how many were deleted. Unresolved events are never touched.
	DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// PasswordHistoryStore keeps the last N password hashes per user so the
// policy validator can reject reuse.
type PasswordHistoryStore interface {
	Add(ctx context.Context, userID, passwordHash string, maxHistory int) error
	History(ctx context.Context, userID string, limit int) ([]string, error)
}
