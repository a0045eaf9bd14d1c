package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bastion/core"
)

// SQLiteEventStore is the durable EventStore variant.
type SQLiteEventStore struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteEventStore creates an event store backed by the given database.
func NewSQLiteEventStore(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteEventStore {
	return &SQLiteEventStore{sqlite: sqlite, logger: logger}
}

var _ EventStore = (*SQLiteEventStore)(nil)

func marshalActions(actions []core.ResponseAction) (string, error) {
	if len(actions) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(actions)
	if err != nil {
		return "", fmt.Errorf("failed to marshal actions: %w", err)
	}
	return string(b), nil
}

// Insert stores a new security event.
func (s *SQLiteEventStore) Insert(ctx context.Context, event *core.SecurityEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}
	actions, err := marshalActions(event.ResponseActionsTaken)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO security_events
			(id, type, severity, timestamp, source, user_id, client_ip, user_agent,
			 details, risk_score, resolved, resolved_at, actions_taken)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.sqlite.DB.ExecContext(ctx, query,
		event.ID, string(event.Type), string(event.Severity), event.Timestamp.UTC(),
		event.Source, event.UserID, event.ClientIP, event.UserAgent,
		string(details), event.RiskScore, boolToInt(event.Resolved), nullableTime(event.ResolvedAt), actions)
	if err != nil {
		return fmt.Errorf("%w: insert event: %v", ErrInfrastructure, err)
	}
	return nil
}

// Get returns a stored event by ID.
func (s *SQLiteEventStore) Get(ctx context.Context, id string) (*core.SecurityEvent, error) {
	row := s.sqlite.DB.QueryRowContext(ctx, `
		SELECT id, type, severity, timestamp, source, user_id, client_ip, user_agent,
		       details, risk_score, resolved, resolved_at, actions_taken
		FROM security_events WHERE id = ?`, id)

	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get event: %v", ErrInfrastructure, err)
	}
	return event, nil
}

// Update persists the mutable fields of an event.
func (s *SQLiteEventStore) Update(ctx context.Context, event *core.SecurityEvent) error {
	actions, err := marshalActions(event.ResponseActionsTaken)
	if err != nil {
		return err
	}
	res, err := s.sqlite.DB.ExecContext(ctx, `
		UPDATE security_events
		SET resolved = ?, resolved_at = ?, actions_taken = ?, risk_score = ?
		WHERE id = ?`,
		boolToInt(event.Resolved), nullableTime(event.ResolvedAt), actions, event.RiskScore, event.ID)
	if err != nil {
		return fmt.Errorf("%w: update event: %v", ErrInfrastructure, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}

// Recent returns the newest events first, up to limit.
func (s *SQLiteEventStore) Recent(ctx context.Context, limit int) ([]*core.SecurityEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.sqlite.DB.QueryContext(ctx, `
		SELECT id, type, severity, timestamp, source, user_id, client_ip, user_agent,
		       details, risk_score, resolved, resolved_at, actions_taken
		FROM security_events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: query recent events: %v", ErrInfrastructure, err)
	}
	defer rows.Close()

	var out []*core.SecurityEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrInfrastructure, err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate events: %v", ErrInfrastructure, err)
	}
	return out, nil
}

// CountSince counts events with timestamp >= since.
func (s *SQLiteEventStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	return s.countWhere(ctx, "timestamp >= ?", since.UTC())
}

// CountBySeverity counts events at or above min severity.
func (s *SQLiteEventStore) CountBySeverity(ctx context.Context, min core.Severity) (int, error) {
	severities := severitiesAtOrAbove(min)
	query := "severity IN (?" // at least one
	args := []interface{}{severities[0]}
	for _, sev := range severities[1:] {
		query += ", ?"
		args = append(args, sev)
	}
	query += ")"
	return s.countWhere(ctx, query, args...)
}

// CountUnresolved counts unresolved events strictly above the given severity.
func (s *SQLiteEventStore) CountUnresolved(ctx context.Context, above core.Severity) (int, error) {
	var severities []string
	for _, sev := range []core.Severity{core.SeverityLow, core.SeverityMedium, core.SeverityHigh, core.SeverityCritical} {
		if core.SeverityRank(sev) > core.SeverityRank(above) {
			severities = append(severities, string(sev))
		}
	}
	if len(severities) == 0 {
		return 0, nil
	}
	query := "resolved = 0 AND severity IN (?"
	args := []interface{}{severities[0]}
	for _, sev := range severities[1:] {
		query += ", ?"
		args = append(args, sev)
	}
	query += ")"
	return s.countWhere(ctx, query, args...)
}

// Count returns the total number of stored events.
func (s *SQLiteEventStore) Count(ctx context.Context) (int, error) {
	return s.countWhere(ctx, "1 = 1")
}

// DeleteResolvedBefore removes resolved events older than cutoff.
func (s *SQLiteEventStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.sqlite.DB.ExecContext(ctx,
		`DELETE FROM security_events WHERE resolved = 1 AND timestamp < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: delete resolved events: %v", ErrInfrastructure, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debugf("Deleted %d resolved events older than %s", n, cutoff.Format(time.RFC3339))
	}
	return int(n), nil
}

func (s *SQLiteEventStore) countWhere(ctx context.Context, where string, args ...interface{}) (int, error) {
	var n int
	err := s.sqlite.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM security_events WHERE "+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count events: %v", ErrInfrastructure, err)
	}
	return n, nil
}

func severitiesAtOrAbove(min core.Severity) []string {
	var out []string
	for _, sev := range []core.Severity{core.SeverityLow, core.SeverityMedium, core.SeverityHigh, core.SeverityCritical} {
		if core.SeverityRank(sev) >= core.SeverityRank(min) {
			out = append(out, string(sev))
		}
	}
	return out
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*core.SecurityEvent, error) {
	var (
		event      core.SecurityEvent
		eventType  string
		severity   string
		userID     sql.NullString
		clientIP   sql.NullString
		userAgent  sql.NullString
		details    sql.NullString
		resolved   int
		resolvedAt sql.NullTime
		actions    sql.NullString
	)
	err := row.Scan(&event.ID, &eventType, &severity, &event.Timestamp, &event.Source,
		&userID, &clientIP, &userAgent, &details, &event.RiskScore, &resolved, &resolvedAt, &actions)
	if err != nil {
		return nil, err
	}
	event.Type = core.EventType(eventType)
	event.Severity = core.Severity(severity)
	event.UserID = userID.String
	event.ClientIP = clientIP.String
	event.UserAgent = userAgent.String
	event.Resolved = resolved != 0
	if resolvedAt.Valid {
		t := resolvedAt.Time
		event.ResolvedAt = &t
	}
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event details: %w", err)
		}
	}
	if actions.Valid && actions.String != "" {
		if err := json.Unmarshal([]byte(actions.String), &event.ResponseActionsTaken); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event actions: %w", err)
		}
	}
	return &event, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
