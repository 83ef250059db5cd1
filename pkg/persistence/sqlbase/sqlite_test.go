package sqlbase_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/dukex/entropy/pkg/persistence/sqlbase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteDSN(t *testing.T) {
	dsn := sqlbase.SQLiteDSN("/tmp/entropy/entropy.db")

	path, query, ok := strings.Cut(dsn, "?")
	require.True(t, ok)
	assert.Equal(t, "/tmp/entropy/entropy.db", path)
	assert.Contains(t, query, "_pragma=foreign_keys%281%29")
	assert.Less(t, strings.Index(query, "busy_timeout"), strings.Index(query, "journal_mode"))
}

func TestOpenSQLite_PragmasOnEveryConnection(t *testing.T) {
	db, err := sqlbase.OpenSQLite(t.Context(), filepath.Join(t.TempDir(), "pragmas.db"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	// Without idle connections every query runs on a new connection.
	db.SetMaxIdleConns(0)

	for range 3 {
		var foreignKeys, busyTimeout, synchronous int

		var journalMode string

		require.NoError(t, db.QueryRowContext(t.Context(), "PRAGMA foreign_keys").Scan(&foreignKeys))
		require.NoError(t, db.QueryRowContext(t.Context(), "PRAGMA busy_timeout").Scan(&busyTimeout))
		require.NoError(t, db.QueryRowContext(t.Context(), "PRAGMA synchronous").Scan(&synchronous))
		require.NoError(t, db.QueryRowContext(t.Context(), "PRAGMA journal_mode").Scan(&journalMode))

		assert.Equal(t, 1, foreignKeys)
		assert.Equal(t, 5000, busyTimeout)
		assert.Equal(t, 1, synchronous)
		assert.Equal(t, "wal", journalMode)
	}
}
