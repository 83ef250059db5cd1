package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/entropy/pkg/config"
	"github.com/dukex/entropy/pkg/lab"
	"github.com/dukex/entropy/pkg/lab/lock"
	"github.com/dukex/entropy/pkg/registry"
	"github.com/redis/go-redis/v9"
)

const redisLockPrefix = "entropy:lock:"

// NewLocker builds the lock backend selected by settings.LockBackend. The
// returned close function releases the backend connection.
func NewLocker(ctx context.Context, settings config.Lab, db *sql.DB) (lock.Locker, func() error, error) {
	ttl := time.Duration(settings.LockTTLSeconds) * time.Second

	switch settings.LockBackend {
	case "redis":
		opts, err := redis.ParseURL(settings.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis url: %w", err)
		}

		client := redis.NewClient(opts)

		err = client.Ping(ctx).Err()
		if err != nil {
			_ = client.Close()

			return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
		}

		return lock.NewRedis(client, redisLockPrefix, ttl), client.Close, nil
	case "catalog", "":
		return lock.NewCatalog(db, ttl), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported lock backend: %s", settings.LockBackend)
	}
}

// NewDriverRegistry registers the driver plugins found below pluginsPath.
func NewDriverRegistry(logger *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)

	if pluginsPath == "" {
		return reg, nil
	}

	_, err := reg.LoadDriverPlugins(pluginsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load driver plugins: %w", err)
	}

	return reg, nil
}

// NewLab opens the lab registry stored in the catalog db.
func NewLab(ctx context.Context, logger *slog.Logger, settings config.Lab, db *sql.DB,
	drivers *registry.Registry,
) (*lab.Registry, func() error, error) {
	locker, closeLocker, err := NewLocker(ctx, settings, db)
	if err != nil {
		return nil, nil, err
	}

	return lab.New(logger, db, drivers, locker), closeLocker, nil
}
