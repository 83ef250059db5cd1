package project_test

import (
	"log/slog"
	"os"
	"testing"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/persistence/file"
	"github.com/dukex/entropy/pkg/persistence/sqlbase"
	"github.com/dukex/entropy/pkg/project"
	"github.com/dukex/entropy/pkg/results"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestInit(t *testing.T) {
	dir := t.TempDir()
	paths := project.PathsFor(dir)

	assert.True(t, errdefs.IsNotFound(project.CheckProject(dir)))

	require.NoError(t, project.Init(t.Context(), testLogger(), dir))
	require.NoError(t, project.CheckProject(dir))

	assert.DirExists(t, paths.Bulk)
	assert.FileExists(t, paths.Catalog)
	assert.FileExists(t, paths.Params)

	current, latest, err := results.CatalogVersion(t.Context(), testLogger(), dir)
	require.NoError(t, err)
	assert.Equal(t, latest, current)

	// Idempotent on an up-to-date project.
	require.NoError(t, project.Init(t.Context(), testLogger(), dir))
}

// seedVersionOneProject builds a project whose catalog stopped at schema 1 and
// whose param store predates versioning.
func seedVersionOneProject(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	paths := project.PathsFor(dir)

	require.NoError(t, os.MkdirAll(paths.Bulk, 0750))

	db, err := sqlbase.OpenSQLite(t.Context(), paths.Catalog)
	require.NoError(t, err)

	manager := sqlbase.NewMigrationManager(testLogger(), db, sqlbase.SQLite, map[int]string{1: results.CatalogMigrations()[1]})
	require.NoError(t, manager.RunMigrations(t.Context()))

	_, err = db.ExecContext(t.Context(), `INSERT INTO experiments (id, label, start_time) VALUES (1, 'old', '2022-01-01T00:00:00.000000000Z')`)
	require.NoError(t, err)

	_, err = db.ExecContext(t.Context(), `
		INSERT INTO results (experiment_id, stage, label, time, data, data_type)
		VALUES (1, 1, 'foo', '2022-01-01T00:00:01.000000000Z', X'2a', 1)
	`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	legacy := `{"commits": [{"metadata": {"id": "c1", "ns": 1650000000000000000, "label": "old"}, "params": {"a": 1}}]}`
	require.NoError(t, os.WriteFile(paths.Params, []byte(legacy), 0600))

	return dir
}

func TestInit_OutdatedProject(t *testing.T) {
	dir := seedVersionOneProject(t)

	err := project.Init(t.Context(), testLogger(), dir)
	require.Error(t, err)
	assert.True(t, errdefs.IsVersionMismatch(err))
	assert.Contains(t, err.Error(), "entropy upgrade")
}

func TestUpgrade(t *testing.T) {
	ctx := t.Context()
	dir := seedVersionOneProject(t)
	paths := project.PathsFor(dir)

	_, err := results.Open(ctx, testLogger(), dir, results.Options{BulkStorage: true})
	assert.True(t, errdefs.IsVersionMismatch(err))

	require.NoError(t, project.Upgrade(ctx, testLogger(), dir))

	assert.FileExists(t, project.CatalogBackupPath(dir, 1))

	store, err := results.Open(ctx, testLogger(), dir, results.Options{BulkStorage: true})
	require.NoError(t, err)

	id := int64(1)
	records, err := store.GetResults(ctx, results.ResultFilter{ExperimentID: &id})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "foo", records[0].Label)
	assert.Equal(t, int64(42), records[0].Data)

	params, err := file.NewPersistence(ctx, testLogger(), paths.Params)
	require.NoError(t, err)

	commit, err := params.GetCommit(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), commit.Params["a"].Value)

	// A second upgrade has nothing to do.
	require.NoError(t, store.Close(ctx))
	require.NoError(t, project.Upgrade(ctx, testLogger(), dir))
}

func TestUpgrade_NotAProject(t *testing.T) {
	err := project.Upgrade(t.Context(), testLogger(), t.TempDir())
	assert.True(t, errdefs.IsNotFound(err))
}
