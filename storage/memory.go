package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"bastion/core"
)

// MemorySessionStore is the default in-process session backing. Each store
// type guards its own map so foreground operations on one resource never
// contend with sweeps over another.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
	byUser   map[string]map[string]struct{} // userID -> active session IDs
}

// NewMemorySessionStore creates an empty session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*core.Session),
		byUser:   make(map[string]map[string]struct{}),
	}
}

var _ SessionStore = (*MemorySessionStore)(nil)

func cloneSession(s *core.Session) *core.Session {
	cp := *s
	return &cp
}

// Put inserts or replaces a session.
func (m *MemorySessionStore) Put(ctx context.Context, s *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[s.ID] = cloneSession(s)
	if s.Active {
		ids, ok := m.byUser[s.UserID]
		if !ok {
			ids = make(map[string]struct{})
			m.byUser[s.UserID] = ids
		}
		ids[s.ID] = struct{}{}
	}
	return nil
}

// Get returns an active session; inactive ones are logically deleted.
func (m *MemorySessionStore) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok || !s.Active {
		return nil, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

// Touch updates LastActivityAt on an active session.
func (m *MemorySessionStore) Touch(ctx context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || !s.Active {
		return ErrSessionNotFound
	}
	s.LastActivityAt = at
	return nil
}

// Deactivate marks a session inactive and drops it from the user index.
func (m *MemorySessionStore) Deactivate(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || !s.Active {
		return false, nil
	}
	s.Active = false
	if ids, ok := m.byUser[s.UserID]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(m.byUser, s.UserID)
		}
	}
	return true, nil
}

// ActiveByUser returns the user's active sessions ordered oldest-created first.
func (m *MemorySessionStore) ActiveByUser(ctx context.Context, userID string) ([]*core.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids, ok := m.byUser[userID]
	if !ok {
		return nil, nil
	}
	out := make([]*core.Session, 0, len(ids))
	for id := range ids {
		if s, ok := m.sessions[id]; ok && s.Active {
			out = append(out, cloneSession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ExpireIdle deactivates sessions idle since before the cutoff. Used by the
// session manager's periodic sweep.
func (m *MemorySessionStore) ExpireIdle(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for id, s := range m.sessions {
		if !s.Active || s.LastActivityAt.After(cutoff) {
			continue
		}
		s.Active = false
		expired++
		if ids, ok := m.byUser[s.UserID]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(m.byUser, s.UserID)
			}
		}
	}
	return expired, nil
}

// MemoryLockoutStore keeps per-identifier failure state in memory.
type MemoryLockoutStore struct {
	mu       sync.RWMutex
	lockouts map[string]*core.AccountLockout
}

// NewMemoryLockoutStore creates an empty lockout store.
func NewMemoryLockoutStore() *MemoryLockoutStore {
	return &MemoryLockoutStore{lockouts: make(map[string]*core.AccountLockout)}
}

var _ LockoutStore = (*MemoryLockoutStore)(nil)

// Get returns the lockout record for an identifier.
func (m *MemoryLockoutStore) Get(ctx context.Context, identifier string) (*core.AccountLockout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.lockouts[identifier]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *l
	return &cp, nil
}

// Put stores a lockout record.
func (m *MemoryLockoutStore) Put(ctx context.Context, lockout *core.AccountLockout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *lockout
	m.lockouts[lockout.Identifier] = &cp
	return nil
}

// Delete removes a lockout record.
func (m *MemoryLockoutStore) Delete(ctx context.Context, identifier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lockouts, identifier)
	return nil
}

// MemoryEventStore keeps security events in memory, insertion ordered.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]*core.SecurityEvent
	order  []string
}

// NewMemoryEventStore creates an empty event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string]*core.SecurityEvent)}
}

var _ EventStore = (*MemoryEventStore)(nil)

func cloneEvent(e *core.SecurityEvent) *core.SecurityEvent {
	cp := *e
	if e.Details != nil {
		cp.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			cp.Details[k] = v
		}
	}
	if e.ResponseActionsTaken != nil {
		cp.ResponseActionsTaken = append([]core.ResponseAction(nil), e.ResponseActionsTaken...)
	}
	return &cp
}

// Insert stores a new security event.
func (m *MemoryEventStore) Insert(ctx context.Context, event *core.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.ID] = cloneEvent(event)
	m.order = append(m.order, event.ID)
	return nil
}

// Get returns a stored event by ID.
func (m *MemoryEventStore) Get(ctx context.Context, id string) (*core.SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return cloneEvent(e), nil
}

// Update replaces a stored event's mutable fields.
func (m *MemoryEventStore) Update(ctx context.Context, event *core.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[event.ID]; !ok {
		return ErrEventNotFound
	}
	m.events[event.ID] = cloneEvent(event)
	return nil
}

// Recent returns the newest events first.
func (m *MemoryEventStore) Recent(ctx context.Context, limit int) ([]*core.SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*core.SecurityEvent, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		if e, ok := m.events[m.order[i]]; ok {
			out = append(out, cloneEvent(e))
		}
	}
	return out, nil
}

// CountSince counts events at or after since.
func (m *MemoryEventStore) CountSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.events {
		if !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

// CountBySeverity counts events at or above min severity.
func (m *MemoryEventStore) CountBySeverity(ctx context.Context, min core.Severity) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rank := core.SeverityRank(min)
	n := 0
	for _, e := range m.events {
		if core.SeverityRank(e.Severity) >= rank {
			n++
		}
	}
	return n, nil
}

// CountUnresolved counts unresolved events strictly above the given severity.
func (m *MemoryEventStore) CountUnresolved(ctx context.Context, above core.Severity) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rank := core.SeverityRank(above)
	n := 0
	for _, e := range m.events {
		if !e.Resolved && core.SeverityRank(e.Severity) > rank {
			n++
		}
	}
	return n, nil
}

// Count returns the total number of stored events.
func (m *MemoryEventStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events), nil
}

// DeleteResolvedBefore removes resolved events older than cutoff.
func (m *MemoryEventStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	kept := m.order[:0]
	for _, id := range m.order {
		e, ok := m.events[id]
		if !ok {
			continue
		}
		if e.Resolved && e.Timestamp.Before(cutoff) {
			delete(m.events, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return deleted, nil
}

// MemoryPasswordHistory keeps per-user password hashes, newest first.
type MemoryPasswordHistory struct {
	mu      sync.RWMutex
	history map[string][]string
}

// NewMemoryPasswordHistory creates an empty password history store.
func NewMemoryPasswordHistory() *MemoryPasswordHistory {
	return &MemoryPasswordHistory{history: make(map[string][]string)}
}

var _ PasswordHistoryStore = (*MemoryPasswordHistory)(nil)

// Add prepends a password hash to the user's history, bounded to maxHistory.
func (m *MemoryPasswordHistory) Add(ctx context.Context, userID, passwordHash string, maxHistory int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := append([]string{passwordHash}, m.history[userID]...)
	if maxHistory > 0 && len(h) > maxHistory {
		h = h[:maxHistory]
	}
	m.history[userID] = h
	return nil
}

// History returns up to limit hashes, newest first.
func (m *MemoryPasswordHistory) History(ctx context.Context, userID string, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := m.history[userID]
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}
	return append([]string(nil), h...), nil
}
