package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bastion/core"
)

// RedisSessionStore backs sessions with Redis so multiple service instances
// can share one session space. Sessions are stored as JSON values with a
// per-user set as the active-session index. Deactivation deletes the value,
// which keeps inactive sessions unreachable by construction.
type RedisSessionStore struct {
	client *redis.Client
	logger *zap.SugaredLogger
	ttl    time.Duration // safety TTL; idle-timeout enforcement stays in the manager
}

// NewRedisSessionStore creates a Redis-backed session store. ttl bounds how
// long an abandoned session key can linger; zero disables the safety TTL.
func NewRedisSessionStore(addr, password string, db int, ttl time.Duration, logger *zap.SugaredLogger) *RedisSessionStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisSessionStore{client: client, logger: logger, ttl: ttl}
}

// NewRedisSessionStoreFromClient wraps an existing client (used by tests).
func NewRedisSessionStoreFromClient(client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) *RedisSessionStore {
	return &RedisSessionStore{client: client, logger: logger, ttl: ttl}
}

var _ SessionStore = (*RedisSessionStore)(nil)

func sessionKey(id string) string    { return "session:" + id }
func userIndexKey(uid string) string { return "user_sessions:" + uid }

// Ping tests the Redis connection.
func (r *RedisSessionStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}

// Put inserts or replaces a session.
func (r *RedisSessionStore) Put(ctx context.Context, s *core.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sessionKey(s.ID), data, r.ttl)
	if s.Active {
		pipe.SAdd(ctx, userIndexKey(s.UserID), s.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis put session: %v", ErrInfrastructure, err)
	}
	return nil
}

// Get returns an active session by ID.
func (r *RedisSessionStore) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get session: %v", ErrInfrastructure, err)
	}

	var s core.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	if !s.Active {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

// Touch updates LastActivityAt on an active session.
func (r *RedisSessionStore) Touch(ctx context.Context, sessionID string, at time.Time) error {
	s, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	s.LastActivityAt = at
	return r.Put(ctx, s)
}

// Deactivate deletes the session value and removes it from the user index.
func (r *RedisSessionStore) Deactivate(ctx context.Context, sessionID string) (bool, error) {
	s, err := r.Get(ctx, sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, sessionKey(sessionID))
	pipe.SRem(ctx, userIndexKey(s.UserID), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("%w: redis deactivate session: %v", ErrInfrastructure, err)
	}
	return true, nil
}

// ActiveByUser returns the user's active sessions ordered oldest-created first.
func (r *RedisSessionStore) ActiveByUser(ctx context.Context, userID string) ([]*core.Session, error) {
	ids, err := r.client.SMembers(ctx, userIndexKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis list user sessions: %v", ErrInfrastructure, err)
	}

	out := make([]*core.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			// Stale index entry (value expired); clean it up opportunistically.
			if remErr := r.client.SRem(ctx, userIndexKey(userID), id).Err(); remErr != nil {
				r.logger.Debugf("Failed to clean stale session index entry %s: %v", id, remErr)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ExpireIdle is a no-op for Redis: the safety TTL ages out abandoned session
// keys server-side, and the manager enforces the idle timeout lazily on read.
func (r *RedisSessionStore) ExpireIdle(ctx context.Context, cutoff time.Time) (int, error) {
	return 0, nil
}
