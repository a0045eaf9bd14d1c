package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bastion/core"
)

func setupSQLite(t *testing.T) *SQLite {
	t.Helper()
	db, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewSQLiteRejectsEmptyPath(t *testing.T) {
	_, err := NewSQLite("", zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestNewSQLiteCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	db, err := NewSQLite(path, zap.NewNop().Sugar())
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestSQLiteEventStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteEventStore(setupSQLite(t), zap.NewNop().Sugar())
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	ev := core.NewSecurityEvent(core.EventBruteForceAttack, "session-manager", now)
	ev.UserID = "alice"
	ev.ClientIP = "203.0.113.7"
	ev.UserAgent = "curl/8.0"
	ev.Details["attempts"] = "6"
	ev.ResponseActionsTaken = []core.ResponseAction{core.ActionBlockIP, core.ActionAlert}
	require.NoError(t, store.Insert(ctx, ev))

	got, err := store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EventBruteForceAttack, got.Type)
	assert.Equal(t, core.SeverityHigh, got.Severity)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "203.0.113.7", got.ClientIP)
	assert.Equal(t, map[string]string{"attempts": "6"}, got.Details)
	assert.Equal(t, []core.ResponseAction{core.ActionBlockIP, core.ActionAlert}, got.ResponseActionsTaken)
	assert.True(t, got.Timestamp.Equal(now))
	assert.False(t, got.Resolved)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestSQLiteEventStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteEventStore(setupSQLite(t), zap.NewNop().Sugar())
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	ev := core.NewSecurityEvent(core.EventSuspiciousLogin, "test", now)
	require.NoError(t, store.Insert(ctx, ev))

	resolvedAt := now.Add(time.Hour)
	ev.Resolved = true
	ev.ResolvedAt = &resolvedAt
	ev.ResponseActionsTaken = []core.ResponseAction{core.ActionLog}
	require.NoError(t, store.Update(ctx, ev))

	got, err := store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	require.NotNil(t, got.ResolvedAt)
	assert.True(t, got.ResolvedAt.Equal(resolvedAt))
	assert.Equal(t, []core.ResponseAction{core.ActionLog}, got.ResponseActionsTaken)

	assert.ErrorIs(t, store.Update(ctx, &core.SecurityEvent{ID: "missing"}), ErrEventNotFound)
}

func TestSQLiteEventStoreRecentAndCounts(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteEventStore(setupSQLite(t), zap.NewNop().Sugar())
	base := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	types := []core.EventType{
		core.EventFailedLogin,      // low
		core.EventSuspiciousLogin,  // medium
		core.EventBruteForceAttack, // high
		core.EventMalwareDetected,  // critical
	}
	for i, typ := range types {
		ev := core.NewSecurityEvent(typ, "test", base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Insert(ctx, ev))
	}

	recent, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, core.EventMalwareDetected, recent[0].Type)
	assert.Equal(t, core.EventBruteForceAttack, recent[1].Type)

	total, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	since, err := store.CountSince(ctx, base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, since)

	high, err := store.CountBySeverity(ctx, core.SeverityHigh)
	require.NoError(t, err)
	assert.Equal(t, 2, high)

	unresolved, err := store.CountUnresolved(ctx, core.SeverityMedium)
	require.NoError(t, err)
	assert.Equal(t, 2, unresolved)

	// Above critical there is nothing to count.
	none, err := store.CountUnresolved(ctx, core.SeverityCritical)
	require.NoError(t, err)
	assert.Equal(t, 0, none)
}

func TestSQLiteEventStoreDeleteResolvedBefore(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteEventStore(setupSQLite(t), zap.NewNop().Sugar())
	base := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	oldResolved := core.NewSecurityEvent(core.EventFailedLogin, "test", base.Add(-10*24*time.Hour))
	oldResolved.Resolved = true
	oldUnresolved := core.NewSecurityEvent(core.EventFailedLogin, "test", base.Add(-10*24*time.Hour))
	for _, e := range []*core.SecurityEvent{oldResolved, oldUnresolved} {
		require.NoError(t, store.Insert(ctx, e))
	}

	deleted, err := store.DeleteResolvedBefore(ctx, base.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get(ctx, oldResolved.ID)
	assert.ErrorIs(t, err, ErrEventNotFound)
	_, err = store.Get(ctx, oldUnresolved.ID)
	assert.NoError(t, err)
}

func TestSQLitePasswordHistory(t *testing.T) {
	ctx := context.Background()
	store := NewSQLitePasswordHistory(setupSQLite(t), zap.NewNop().Sugar())

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Add(ctx, "alice", fmt.Sprintf("hash-%d", i), 3))
	}

	h, err := store.History(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"hash-5", "hash-4", "hash-3"}, h)

	limited, err := store.History(ctx, "alice", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"hash-5", "hash-4"}, limited)

	empty, err := store.History(ctx, "nobody", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestSQLitePasswordHistoryValidatesInput(t *testing.T) {
	ctx := context.Background()
	store := NewSQLitePasswordHistory(setupSQLite(t), zap.NewNop().Sugar())

	assert.Error(t, store.Add(ctx, "", "hash", 3))
	assert.Error(t, store.Add(ctx, "alice", "", 3))
	_, err := store.History(ctx, "", 3)
	assert.Error(t, err)
}
