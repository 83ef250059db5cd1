package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/entropy/pkg/persistence"
	"github.com/dukex/entropy/pkg/persistence/file"
	"github.com/dukex/entropy/pkg/persistence/postgresql"
	"github.com/dukex/entropy/pkg/persistence/sqlite"
)

var supportedPersistenceProviders = []string{"file", "sqlite", "postgres", "postgresql"}

// NewParamPersistence opens the param store backend named by the scheme of
// databaseURL. A bare path is a file store.
func NewParamPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider := parsePersistenceProvider(databaseURL)

	logger.DebugContext(ctx, "Opening param store", "provider", provider)

	switch provider {
	case "sqlite":
		return sqlite.NewPersistence(ctx, logger, databaseURL)
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return file.NewPersistence(ctx, logger, databaseURL)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	for _, supported := range supportedPersistenceProviders {
		if provider == supported {
			return provider
		}
	}

	return "file"
}
