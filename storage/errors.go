package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist (or is logically deleted).
	ErrNotFound = errors.New("not found")

	// ErrSessionNotFound is returned when a session is absent or inactive.
	// Matches ErrNotFound under errors.Is.
	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)

	// ErrEventNotFound is returned when a security event is not found.
	// Matches ErrNotFound under errors.Is.
	ErrEventNotFound = fmt.Errorf("event %w", ErrNotFound)

	// ErrInfrastructure wraps backend failures (database unreachable, Redis down).
	// Callers should treat these as retryable; the store itself never retries.
	ErrInfrastructure = errors.New("storage infrastructure error")

	// ErrDatabaseClosed is returned when using a closed database connection.
	ErrDatabaseClosed = errors.New("database is closed")
)
