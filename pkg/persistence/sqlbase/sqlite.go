package sqlbase

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"
)

// busy_timeout comes first so the journal mode switch waits for other writers.
var sqlitePragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
}

// SQLiteDSN returns the data source name of the database at path. The driver
// applies the pragmas it carries to every connection it opens.
func SQLiteDSN(path string) string {
	return path + "?" + url.Values{"_pragma": sqlitePragmas}.Encode()
}

// OpenSQLite opens the sqlite database at path, creating its directory when missing.
// The pool is limited to one connection so writers never contend inside the process.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	err := os.MkdirAll(filepath.Dir(path), 0750)
	if err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	database, err := sql.Open("sqlite", SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	database.SetMaxOpenConns(1)

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}

	return database, nil
}
