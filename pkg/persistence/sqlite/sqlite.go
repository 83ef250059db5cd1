// Package sqlite stores parameter store commits in a local SQLite file.
package sqlite

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/entropy/pkg/persistence/sqlbase"
)

// Persistence is a commit store backed by SQLite.
type Persistence struct {
	*sqlbase.CommitStore
}

// NewPersistence opens the database at path, which may carry a sqlite://
// prefix, and migrates the commit schema.
func NewPersistence(ctx context.Context, logger *slog.Logger, path string) (*Persistence, error) {
	database, err := sqlbase.OpenSQLite(ctx, strings.TrimPrefix(path, "sqlite://"))
	if err != nil {
		return nil, err
	}

	store, err := sqlbase.OpenCommitStore(ctx, logger.With("module", "param-store-sqlite"), database, sqlbase.SQLite)
	if err != nil {
		return nil, err
	}

	return &Persistence{CommitStore: store}, nil
}
