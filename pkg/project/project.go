// Package project lays out an entropy project directory and creates or upgrades it.
package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/persistence/file"
	"github.com/dukex/entropy/pkg/persistence/sqlbase"
	"github.com/dukex/entropy/pkg/results"
)

const (
	ParamsFileName    = "params.json"
	DashboardLogName  = "dashboard.log"
	SettingsFileName  = "settings.toml"
	catalogBackupStem = "v"
)

// Paths are the files and directories of a project.
type Paths struct {
	Root      string
	Entropy   string
	Catalog   string
	Bulk      string
	Params    string
	Dashboard string
	Settings  string
}

// PathsFor returns the layout of the project rooted at dir.
func PathsFor(dir string) Paths {
	entropyDir := filepath.Join(dir, results.EntropyDirName)

	return Paths{
		Root:      dir,
		Entropy:   entropyDir,
		Catalog:   results.DBPath(dir),
		Bulk:      results.BulkDir(dir),
		Params:    filepath.Join(entropyDir, ParamsFileName),
		Dashboard: filepath.Join(entropyDir, DashboardLogName),
		Settings:  filepath.Join(entropyDir, SettingsFileName),
	}
}

// CheckProject reports NotFound when dir holds no entropy catalog.
func CheckProject(dir string) error {
	_, err := os.Stat(PathsFor(dir).Catalog)
	if errors.Is(err, fs.ErrNotExist) {
		return errdefs.Newf("CheckProject", dir, errdefs.ErrNotFound, "not an entropy project, run `entropy init`")
	}

	if err != nil {
		return fmt.Errorf("failed to inspect project %s: %w", dir, err)
	}

	return nil
}

// Init creates the project layout, the catalog schema and an empty param store.
// Running it on an up-to-date project changes nothing. An outdated project
// is a version mismatch.
func Init(ctx context.Context, logger *slog.Logger, dir string) error {
	paths := PathsFor(dir)

	if CheckProject(dir) == nil {
		current, latest, err := results.CatalogVersion(ctx, logger, dir)
		if err != nil {
			return err
		}

		if current > 0 && current < latest {
			return errdefs.Newf("Init", paths.Catalog, errdefs.ErrVersionMismatch,
				"catalog is at version %d, expected %d. Please upgrade it using `entropy upgrade`", current, latest)
		}
	}

	err := results.MigrateCatalog(ctx, logger, dir)
	if err != nil {
		return fmt.Errorf("failed to create catalog: %w", err)
	}

	params, err := file.NewPersistence(ctx, logger, paths.Params)
	if err != nil {
		return err
	}

	err = params.Close(ctx)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Project initialised", "dir", dir)

	return nil
}

// CatalogBackupPath returns where Upgrade copies the catalog before migrating from version.
func CatalogBackupPath(dir string, version int) string {
	return fmt.Sprintf("%s.%s%s.bak", PathsFor(dir).Catalog, catalogBackupStem, strconv.Itoa(version))
}

// Upgrade migrates the catalog schema, moves legacy catalog payloads into
// bulk files and upgrades the param store file. Each step backs up its input.
func Upgrade(ctx context.Context, logger *slog.Logger, dir string) error {
	err := CheckProject(dir)
	if err != nil {
		return err
	}

	paths := PathsFor(dir)

	err = upgradeCatalog(ctx, logger, dir)
	if err != nil {
		return err
	}

	store, err := results.Open(ctx, logger, dir, results.Options{BulkStorage: true})
	if err != nil {
		return err
	}

	_, err = store.MigrateCatalogToBulk(ctx)
	if err != nil {
		_ = store.Close(ctx)

		return fmt.Errorf("failed to move catalog results to bulk files: %w", err)
	}

	err = store.Close(ctx)
	if err != nil {
		return err
	}

	err = file.Upgrade(ctx, logger, paths.Params)
	if err != nil {
		return fmt.Errorf("failed to upgrade param store: %w", err)
	}

	logger.InfoContext(ctx, "Project upgraded", "dir", dir)

	return nil
}

func upgradeCatalog(ctx context.Context, logger *slog.Logger, dir string) error {
	current, latest, err := results.CatalogVersion(ctx, logger, dir)
	if err != nil {
		return err
	}

	if current >= latest {
		logger.InfoContext(ctx, "Catalog is up to date", "version", current)

		return nil
	}

	backup := CatalogBackupPath(dir, current)

	err = backupCatalog(ctx, PathsFor(dir).Catalog, backup)
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Migrating catalog", "from", current, "to", latest, "backup", backup)

	return results.MigrateCatalog(ctx, logger, dir)
}

// backupCatalog writes a consistent copy of the catalog, WAL contents included.
func backupCatalog(ctx context.Context, catalog, backup string) error {
	err := os.Remove(backup)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to replace catalog backup: %w", err)
	}

	db, err := sqlbase.OpenSQLite(ctx, catalog)
	if err != nil {
		return err
	}

	defer func() {
		_ = db.Close()
	}()

	_, err = db.ExecContext(ctx, `VACUUM INTO ?`, backup)
	if err != nil {
		return fmt.Errorf("failed to back up catalog: %w", err)
	}

	return nil
}
