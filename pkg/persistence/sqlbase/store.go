package sqlbase

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// CommitStore is a migrated commit repository that owns its database.
type CommitStore struct {
	*CommitRepository

	db *sql.DB
}

// OpenCommitStore migrates the commit schema on db and takes ownership of
// it. db is closed when migration fails.
func OpenCommitStore(ctx context.Context, logger *slog.Logger, db *sql.DB, dialect Dialect) (*CommitStore, error) {
	err := NewMigrationManager(logger, db, dialect, CommitMigrations(dialect)).RunMigrations(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to run %s commit migrations: %w", dialect.Name, err)
	}

	return &CommitStore{
		CommitRepository: NewCommitRepository(db, logger, dialect),
		db:               db,
	}, nil
}

// Close closes the database connection.
func (s *CommitStore) Close(_ context.Context) error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}

	return nil
}

// HealthCheck pings the database.
func (s *CommitStore) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}
