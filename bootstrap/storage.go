package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"bastion/config"
	"bastion/storage"
)

// StorageComponents holds the selected storage backends. Sessions may live
// in Redis for multi-instance deployments; events and password history may
// live in SQLite for persistence across restarts. Everything else is
// in-memory.
type StorageComponents struct {
	Sessions        storage.SessionStore
	Lockouts        storage.LockoutStore
	Events          storage.EventStore
	PasswordHistory storage.PasswordHistoryStore

	sqlite *storage.SQLite
	redis  *storage.RedisSessionStore
}

// InitStores selects storage backends from configuration. Backends degrade
// independently: Redis only carries sessions, SQLite only events and
// password history.
func InitStores(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*StorageComponents, error) {
	sc := &StorageComponents{
		Sessions:        storage.NewMemorySessionStore(),
		Lockouts:        storage.NewMemoryLockoutStore(),
		Events:          storage.NewMemoryEventStore(),
		PasswordHistory: storage.NewMemoryPasswordHistory(),
	}

	if cfg.Redis.Enabled {
		rs := storage.NewRedisSessionStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.SessionTTL, sugar)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.Redis.Addr, err)
		}
		sc.Sessions = rs
		sc.redis = rs
		sugar.Infow("Session storage initialized", "backend", "redis", "addr", cfg.Redis.Addr)
	} else {
		sugar.Infow("Session storage initialized", "backend", "memory")
	}

	if cfg.SQLite.Enabled {
		db, err := storage.NewSQLite(cfg.SQLite.Path, sugar)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite at %s: %w", cfg.SQLite.Path, err)
		}
		sc.sqlite = db
		sc.Events = storage.NewSQLiteEventStore(db, sugar)
		sc.PasswordHistory = storage.NewSQLitePasswordHistory(db, sugar)
		sugar.Infow("Event storage initialized", "backend", "sqlite", "path", cfg.SQLite.Path)
	} else {
		sugar.Infow("Event storage initialized", "backend", "memory")
	}

	return sc, nil
}

// Close releases storage connections.
func (sc *StorageComponents) Close(sugar *zap.SugaredLogger) {
	if sc.redis != nil {
		if err := sc.redis.Close(); err != nil {
			sugar.Warnf("Failed to close Redis connection: %v", err)
		}
	}
	if sc.sqlite != nil {
		if err := sc.sqlite.Close(); err != nil {
			sugar.Warnf("Failed to close SQLite database: %v", err)
		}
	}
}
