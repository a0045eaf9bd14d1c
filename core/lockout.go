package core

import "time"

// AccountLockout is the per-identifier failure state. Created lazily on the
// first failure and reset on any successful authentication.
type AccountLockout struct {
	Identifier        string     `json:"identifier"`
	FailedAttempts    int        `json:"failed_attempts"`
	Locked            bool       `json:"locked"`
	LockedAt          *time.Time `json:"locked_at,omitempty"`
	UnlockAt          *time.Time `json:"unlock_at,omitempty"`
	LastFailedAttempt *time.Time `json:"last_failed_attempt,omitempty"`
}

// Expired reports whether a lock has run out. Expiry is evaluated lazily on
// read; the Locked flag may remain set on a record nobody has touched since.
func (l *AccountLockout) Expired(now time.Time) bool {
	return l.Locked && l.UnlockAt != nil && !now.Before(*l.UnlockAt)
}

// LockStatus is the answer to "may this identifier authenticate right now".
type LockStatus struct {
	Locked         bool          `json:"locked"`
	FailedAttempts int           `json:"failed_attempts"`
	UnlockAt       *time.Time    `json:"unlock_at,omitempty"`
	Remaining      time.Duration `json:"-"`
}
