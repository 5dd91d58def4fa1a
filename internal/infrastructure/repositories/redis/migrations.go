package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	schemaVersionKey     = "tabcast:schema:version"
	migrationLockKey     = "tabcast:schema:lock"
	currentSchemaVersion = 1

	// legacyPrefix is where stores lived before they moved under KeyPrefix.
	legacyPrefix = "tabcast:"
)

// storeKeys lists the persisted stores known to every schema version.
var storeKeys = []string{"connectionState", "activeSessions", "mediaCache", "discoverySettings"}

// Migration represents a schema migration
type Migration struct {
	Version int
	Up      func(ctx context.Context, client redis.UniversalClient) error
}

// Migrate runs all pending migrations while holding the migration lock.
func Migrate(ctx context.Context, client redis.UniversalClient, logger *zap.SugaredLogger) error {
	lock := NewLock(client, migrationLockKey, 30*time.Second)
	if err := lock.Acquire(ctx, 10*time.Second); err != nil {
		return fmt.Errorf("failed to take migration lock: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && logger != nil {
			logger.Warnw("failed to release migration lock", "error", err)
		}
	}()

	currentVersion, err := getSchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion >= currentSchemaVersion {
		if logger != nil {
			logger.Debugw("schema is up to date",
				"current_version", currentVersion,
				"target_version", currentSchemaVersion,
			)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("running migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("all migrations completed", "final_version", currentSchemaVersion)
	}
	return nil
}

func getSchemaVersion(ctx context.Context, client redis.UniversalClient) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client redis.UniversalClient, version int) error {
	return client.Set(ctx, schemaVersionKey, version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Move stores from tabcast:<key> to tabcast:state:<key>. An existing
			// new-style key wins over the legacy one.
			Version: 1,
			Up: func(ctx context.Context, client redis.UniversalClient) error {
				for _, key := range storeKeys {
					from := legacyPrefix + key
					to := KeyPrefix + key
					data, err := client.Get(ctx, from).Bytes()
					if err == redis.Nil {
						continue
					}
					if err != nil {
						return err
					}
					if err := client.SetNX(ctx, to, data, 0).Err(); err != nil {
						return err
					}
					if err := client.Del(ctx, from).Err(); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
