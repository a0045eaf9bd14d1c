package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SQLitePasswordHistory is the durable PasswordHistoryStore variant. History
// is pruned on every insert so the table stays bounded per user.
type SQLitePasswordHistory struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLitePasswordHistory creates a password history store.
func NewSQLitePasswordHistory(sqlite *SQLite, logger *zap.SugaredLogger) *SQLitePasswordHistory {
	return &SQLitePasswordHistory{sqlite: sqlite, logger: logger}
}

var _ PasswordHistoryStore = (*SQLitePasswordHistory)(nil)

// Add stores a password hash and prunes entries beyond maxHistory.
func (s *SQLitePasswordHistory) Add(ctx context.Context, userID, passwordHash string, maxHistory int) error {
	if userID == "" {
		return errors.New("user ID cannot be empty")
	}
	if passwordHash == "" {
		return errors.New("password hash cannot be empty")
	}

	_, err := s.sqlite.DB.ExecContext(ctx,
		`INSERT INTO password_history (user_id, password_hash, created_at) VALUES (?, ?, ?)`,
		userID, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("%w: add password history: %v", ErrInfrastructure, err)
	}

	if maxHistory > 0 {
		if err := s.prune(ctx, userID, maxHistory); err != nil {
			s.logger.Warnf("Failed to prune password history for user %s: %v", userID, err)
		}
	}
	return nil
}

// History returns up to limit hashes, newest first.
func (s *SQLitePasswordHistory) History(ctx context.Context, userID string, limit int) ([]string, error) {
	if userID == "" {
		return nil, errors.New("user ID cannot be empty")
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.sqlite.DB.QueryContext(ctx, `
		SELECT password_hash FROM password_history
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: get password history: %v", ErrInfrastructure, err)
	}
	defer rows.Close()

	var history []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("%w: scan password history: %v", ErrInfrastructure, err)
		}
		history = append(history, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate password history: %v", ErrInfrastructure, err)
	}
	return history, nil
}

// prune keeps only the newest maxHistory rows for the user. SQLite has no
// DELETE ... LIMIT, so a subquery selects the survivors.
func (s *SQLitePasswordHistory) prune(ctx context.Context, userID string, maxHistory int) error {
	_, err := s.sqlite.DB.ExecContext(ctx, `
		DELETE FROM password_history
		WHERE user_id = ?
		AND id NOT IN (
			SELECT id FROM password_history
			WHERE user_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)`, userID, userID, maxHistory)
	if err != nil {
		return fmt.Errorf("failed to prune password history: %w", err)
	}
	return nil
}
