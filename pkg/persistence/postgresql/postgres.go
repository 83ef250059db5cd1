// Package postgresql stores parameter store commits in PostgreSQL, so several
// machines of a lab can share one parameter history.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/entropy/pkg/persistence/sqlbase"
	// Registers the "postgres" driver.
	_ "github.com/lib/pq"
)

// Persistence is a commit store backed by PostgreSQL.
type Persistence struct {
	*sqlbase.CommitStore
}

// NewPersistence connects to databaseURL and migrates the commit schema.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := sqlbase.OpenCommitStore(ctx, logger.With("module", "param-store-postgres"), database, sqlbase.Postgres)
	if err != nil {
		return nil, err
	}

	return &Persistence{CommitStore: store}, nil
}
