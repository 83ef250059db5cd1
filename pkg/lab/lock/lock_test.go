package lock_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/lab/lock"
	"github.com/dukex/entropy/pkg/persistence/sqlbase"
	"github.com/dukex/entropy/pkg/results"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newCatalogLocker(t *testing.T, ttl time.Duration) *lock.Catalog {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, results.MigrateCatalog(t.Context(), testLogger(), dir))

	db, err := sqlbase.OpenSQLite(t.Context(), results.DBPath(dir))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return lock.NewCatalog(db, ttl)
}

func newRedisLocker(t *testing.T) *lock.Redis {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping redis container in short mode")
	}

	ctx := context.Background()

	container, err := testcontainers.Run(ctx, "redis:7-alpine",
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(wait.ForLog("Ready to accept connections")),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	return lock.NewRedis(client, "entropy:lock:", 0)
}

func TestLockers(t *testing.T) {
	lockers := map[string]func(t *testing.T) lock.Locker{
		"catalog": func(t *testing.T) lock.Locker { return newCatalogLocker(t, 0) },
		"redis":   func(t *testing.T) lock.Locker { return newRedisLocker(t) },
	}

	for name, newLocker := range lockers {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			locker := newLocker(t)

			_, held, err := locker.Holder(ctx, "scope")
			require.NoError(t, err)
			assert.False(t, held)

			require.NoError(t, locker.Acquire(ctx, "scope", "alice"))
			require.NoError(t, locker.Acquire(ctx, "scope", "alice"))

			err = locker.Acquire(ctx, "scope", "bob")
			require.Error(t, err)
			assert.True(t, errdefs.IsIllegalState(err))

			holder, held, err := locker.Holder(ctx, "scope")
			require.NoError(t, err)
			assert.True(t, held)
			assert.Equal(t, "alice", holder)

			released, err := locker.Release(ctx, "scope", "bob")
			require.NoError(t, err)
			assert.False(t, released)

			released, err = locker.Release(ctx, "scope", "alice")
			require.NoError(t, err)
			assert.True(t, released)

			require.NoError(t, locker.Acquire(ctx, "scope", "bob"))
		})
	}
}

func TestCatalog_Expiry(t *testing.T) {
	locker := newCatalogLocker(t, time.Millisecond)

	require.NoError(t, locker.Acquire(t.Context(), "scope", "alice"))

	assert.Eventually(t, func() bool {
		return locker.Acquire(t.Context(), "scope", "bob") == nil
	}, time.Second, 5*time.Millisecond)
}
