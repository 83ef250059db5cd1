package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/persistence"
	"github.com/dukex/entropy/pkg/persistence/postgresql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"temp_commit", "commits", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("entropy_test"),
			postgres.WithUsername("entropy"),
			postgres.WithPassword("entropy"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	var exists bool

	for _, table := range []string{"commits", "temp_commit", "schema_migrations"} {
		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestPersistence_CommitAndSearch(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	first := &models.Commit{
		Label:  "calib",
		Params: map[string]*models.Param{"freq": models.NewParam(5.25), "nested": models.NewParam(map[string]any{"n": 1})},
		Tags:   map[string][]string{"tuned": {"freq"}},
	}

	firstID, err := p.Commit(ctx, first, nil)
	require.NoError(t, err)

	second := first.Clone()
	second.Label = "other"
	second.Params["shots"] = models.NewParam(100)

	secondID, err := p.Commit(ctx, second, []string{"shots"})
	require.NoError(t, err)

	loaded, err := p.GetCommit(ctx, secondID)
	require.NoError(t, err)
	assert.Equal(t, firstID, loaded.Params["freq"].CommitID)
	assert.Equal(t, secondID, loaded.Params["shots"].CommitID)
	assert.Equal(t, map[string]any{"n": int64(1)}, loaded.Params["nested"].Value)
	assert.Equal(t, []string{"freq"}, loaded.Tags["tuned"])

	byNum, err := p.GetCommitByNum(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, firstID, byNum.ID)

	latest, err := p.GetLatestCommit(ctx)
	require.NoError(t, err)
	assert.Equal(t, secondID, latest.ID)

	found, err := p.SearchCommits(ctx, "", "shots")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, secondID, found[0].ID)

	found, err = p.SearchCommits(ctx, "calib", "")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, firstID, found[0].ID)

	_, err = p.GetCommit(ctx, "missing")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestPersistence_Temp(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	_, err := p.LoadTemp(ctx)
	assert.True(t, persistence.IsTempEmpty(err))

	err = p.SaveTemp(ctx, &models.Commit{Params: map[string]*models.Param{"a": models.NewParam(true)}})
	require.NoError(t, err)

	temp, err := p.LoadTemp(ctx)
	require.NoError(t, err)
	assert.Equal(t, true, temp.Params["a"].Value)
}
