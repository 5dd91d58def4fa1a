package repositories

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tabcast/internal/core/ports"
	"tabcast/internal/infrastructure/repositories/memory"
	redisrepo "tabcast/internal/infrastructure/repositories/redis"
	"tabcast/internal/infrastructure/repositories/sqlite"
	"tabcast/pkg/config"
)

// RepositoryFactory opens the configured StateStore, falling back to memory
// when the backend cannot be reached.
type RepositoryFactory struct {
	backend     string
	store       ports.StateStore
	redisClient *redis.Client
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory never fails: a broken backend degrades to memory.
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	f := &RepositoryFactory{backend: cfg.Persistence.Backend, logger: logger}

	switch cfg.Persistence.Backend {
	case config.BackendRedis:
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory store", "error", err)
			break
		}
		f.redisClient = client
		f.store = redisrepo.NewRedisStateStore(client)

	case config.BackendSQLite:
		store, err := sqlite.Open(cfg.Persistence.SQLitePath)
		if err != nil {
			logger.Warnw("failed to open SQLite store, falling back to memory store",
				"path", cfg.Persistence.SQLitePath,
				"error", err,
			)
			break
		}
		f.store = store
	}

	if f.store == nil {
		f.backend = config.BackendMemory
		f.store = memory.NewMemoryStateStore()
	}
	logger.Infow("state store ready", "backend", f.backend)
	return f
}

// StateStore returns the opened store.
func (f *RepositoryFactory) StateStore() ports.StateStore {
	return f.store
}

// Backend names the store actually in use.
func (f *RepositoryFactory) Backend() string {
	return f.backend
}

// RedisClient is non-nil only when the redis backend connected.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// Close closes the store and any Redis connection.
func (f *RepositoryFactory) Close() error {
	err := f.store.Close()
	if cerr := redisrepo.CloseRedisClient(f.redisClient); err == nil {
		err = cerr
	}
	return err
}

// HealthCheck pings the store.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	return f.store.Ping(ctx)
}
