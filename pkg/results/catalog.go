// Package results stores experiment records in a sqlite catalog and result
// payloads in per-experiment bulk files.
package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/persistence/sqlbase"
	"github.com/dukex/entropy/pkg/results/bulk"
	"github.com/go-playground/validator/v10"
)

// Project layout names.
const (
	EntropyDirName = ".entropy"
	DBFileName     = "entropy.db"
	BulkDirName    = "hdf5"
)

// timeLayout is fixed width so stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, value)
	}

	return t
}

// CatalogMigrations returns the catalog schema history.
func CatalogMigrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE experiments (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				label TEXT NOT NULL,
				script TEXT NOT NULL DEFAULT '',
				start_time TEXT NOT NULL,
				end_time TEXT,
				user TEXT NOT NULL DEFAULT '',
				lab_topology TEXT NOT NULL DEFAULT '',
				story TEXT NOT NULL DEFAULT '',
				success INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE results (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				experiment_id INTEGER NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
				stage INTEGER NOT NULL,
				label TEXT NOT NULL,
				story TEXT NOT NULL DEFAULT '',
				time TEXT NOT NULL,
				data BLOB,
				data_type INTEGER NOT NULL,
				saved_in_bulk INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_results_experiment ON results(experiment_id, stage, label);

			CREATE TABLE experiment_metadata (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				experiment_id INTEGER NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
				stage INTEGER NOT NULL,
				label TEXT NOT NULL,
				time TEXT NOT NULL,
				data BLOB,
				data_type INTEGER NOT NULL,
				saved_in_bulk INTEGER NOT NULL DEFAULT 0
			);

			CREATE TABLE debug (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				experiment_id INTEGER NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
				env TEXT NOT NULL DEFAULT '',
				history TEXT NOT NULL DEFAULT '',
				station_specs TEXT NOT NULL DEFAULT '',
				extra TEXT NOT NULL DEFAULT ''
			);

			CREATE TABLE plots (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				experiment_id INTEGER NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
				plot_data BLOB,
				data_type INTEGER NOT NULL,
				generator TEXT NOT NULL DEFAULT '',
				label TEXT NOT NULL DEFAULT '',
				story TEXT NOT NULL DEFAULT '',
				time TEXT NOT NULL
			);

			CREATE TABLE resources (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				update_time TEXT NOT NULL,
				name TEXT NOT NULL,
				driver TEXT NOT NULL DEFAULT '',
				module TEXT NOT NULL DEFAULT '',
				class_name TEXT NOT NULL DEFAULT '',
				source_code TEXT NOT NULL DEFAULT '',
				version TEXT NOT NULL DEFAULT '',
				driver_type INTEGER NOT NULL,
				args TEXT NOT NULL DEFAULT '[]',
				kwargs TEXT NOT NULL DEFAULT '{}',
				number_of_experiment_args INTEGER NOT NULL DEFAULT 0,
				keys_of_experiment_kwargs TEXT NOT NULL DEFAULT '',
				cached_metadata TEXT NOT NULL DEFAULT '{}',
				deleted INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_resources_name ON resources(name, update_time);

			CREATE TABLE resources_snapshots (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				update_time TEXT NOT NULL,
				driver_id INTEGER NOT NULL REFERENCES resources(id),
				name TEXT NOT NULL,
				state TEXT NOT NULL
			);
		`,
		2: `
			ALTER TABLE experiments ADD COLUMN favorite INTEGER NOT NULL DEFAULT 0;

			CREATE TABLE nodes (
				experiment_id INTEGER NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
				id INTEGER NOT NULL,
				label TEXT NOT NULL,
				start TEXT NOT NULL,
				is_key_node INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (experiment_id, id)
			);

			CREATE TABLE figures (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				experiment_id INTEGER NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
				figure TEXT NOT NULL,
				time TEXT NOT NULL
			);

			CREATE INDEX idx_figures_experiment ON figures(experiment_id);
		`,
		3: `
			CREATE TABLE resource_locks (
				name TEXT PRIMARY KEY,
				owner TEXT NOT NULL,
				acquired_at TEXT NOT NULL,
				expires_at TEXT
			);
		`,
	}
}

// DBPath returns the catalog path of a project.
func DBPath(projectDir string) string {
	return filepath.Join(projectDir, EntropyDirName, DBFileName)
}

// BulkDir returns the bulk file directory of a project.
func BulkDir(projectDir string) string {
	return filepath.Join(projectDir, EntropyDirName, BulkDirName)
}

// MigrateCatalog creates or upgrades the catalog schema of a project.
func MigrateCatalog(ctx context.Context, logger *slog.Logger, projectDir string) error {
	err := os.MkdirAll(BulkDir(projectDir), 0750)
	if err != nil {
		return fmt.Errorf("failed to create project directories: %w", err)
	}

	db, err := sqlbase.OpenSQLite(ctx, DBPath(projectDir))
	if err != nil {
		return err
	}

	defer func() {
		closeErr := db.Close()
		if closeErr != nil {
			logger.ErrorContext(ctx, "Failed to close catalog", "error", closeErr)
		}
	}()

	return sqlbase.NewMigrationManager(logger, db, sqlbase.SQLite, CatalogMigrations()).RunMigrations(ctx)
}

// CatalogVersion reports the applied and the latest catalog schema versions.
func CatalogVersion(ctx context.Context, logger *slog.Logger, projectDir string) (int, int, error) {
	db, err := sqlbase.OpenSQLite(ctx, DBPath(projectDir))
	if err != nil {
		return 0, 0, err
	}

	defer func() {
		_ = db.Close()
	}()

	manager := sqlbase.NewMigrationManager(logger, db, sqlbase.SQLite, CatalogMigrations())

	err = manager.CheckVersion(ctx)
	if err != nil && !errdefs.IsVersionMismatch(err) {
		return 0, 0, err
	}

	current, err := manager.CurrentVersion(ctx)
	if err != nil {
		return 0, 0, err
	}

	return current, manager.LatestVersion(), nil
}

// Options configure a Store.
type Options struct {
	// BulkStorage writes results and metadata to bulk files. When false they
	// go to the legacy catalog tables.
	BulkStorage bool
}

// Store is the results store of one project.
// Writes and bulk file access are serialised by a single mutex.
type Store struct {
	logger     *slog.Logger
	db         *sql.DB
	projectDir string
	opts       Options
	validate   *validator.Validate
	now        func() time.Time

	mu        sync.Mutex
	bulkFiles map[int64]*bulk.File

	figuresMu sync.RWMutex
	figures   map[int64][]models.FigureRecord
}

// Open opens the catalog of the project at projectDir.
// A missing project is NotFound and an outdated catalog is a version mismatch.
func Open(ctx context.Context, logger *slog.Logger, projectDir string, opts Options) (*Store, error) {
	_, err := os.Stat(DBPath(projectDir))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.Newf("Open", projectDir, errdefs.ErrNotFound, "no entropy project, run `entropy init`")
	}

	db, err := sqlbase.OpenSQLite(ctx, DBPath(projectDir))
	if err != nil {
		return nil, err
	}

	err = sqlbase.NewMigrationManager(logger, db, sqlbase.SQLite, CatalogMigrations()).CheckVersion(ctx)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Store{
		logger:     logger,
		db:         db,
		projectDir: projectDir,
		opts:       opts,
		validate:   validator.New(),
		now:        time.Now,
		bulkFiles:  make(map[int64]*bulk.File),
		figures:    make(map[int64][]models.FigureRecord),
	}, nil
}

// DB returns the catalog database for components sharing it.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the bulk files and the catalog.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	errs := make([]error, 0)

	for id, file := range s.bulkFiles {
		err := file.Close()
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to close bulk file of experiment %d: %w", id, err))
		}

		delete(s.bulkFiles, id)
	}

	err := s.db.Close()
	if err != nil {
		errs = append(errs, fmt.Errorf("failed to close catalog: %w", err))
	}

	if len(errs) > 0 {
		s.logger.ErrorContext(ctx, "Failed to close results store", "errors", len(errs))
	}

	return errors.Join(errs...)
}

// bulkWriter returns the writable bulk file of an experiment, kept open
// until the experiment is closed. The caller holds s.mu.
func (s *Store) bulkWriter(experimentID int64) (*bulk.File, error) {
	if file, ok := s.bulkFiles[experimentID]; ok {
		return file, nil
	}

	file, err := bulk.Open(s.BulkFilePath(experimentID), true)
	if err != nil {
		return nil, err
	}

	s.bulkFiles[experimentID] = file

	return file, nil
}

// readBulkFile runs fn on the bulk file of an experiment. An open writer is
// reused, otherwise the file is opened read-only for the call. The caller holds s.mu.
func (s *Store) readBulkFile(experimentID int64, fn func(*bulk.File) error) error {
	if file, ok := s.bulkFiles[experimentID]; ok {
		return fn(file)
	}

	file, err := bulk.Open(s.BulkFilePath(experimentID), false)
	if err != nil {
		return err
	}

	err = fn(file)

	closeErr := file.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("failed to close bulk file of experiment %d: %w", experimentID, closeErr)
	}

	return errors.Join(err, closeErr)
}

// closeBulkWriter closes the writer of an experiment, if open. The caller holds s.mu.
func (s *Store) closeBulkWriter(experimentID int64) error {
	file, ok := s.bulkFiles[experimentID]
	if !ok {
		return nil
	}

	delete(s.bulkFiles, experimentID)

	err := file.Close()
	if err != nil {
		return fmt.Errorf("failed to close bulk file of experiment %d: %w", experimentID, err)
	}

	return nil
}

// OpenBulkWriters returns how many bulk files are held open for writing.
func (s *Store) OpenBulkWriters() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.bulkFiles)
}

// BulkFilePath returns where the bulk file of an experiment lives.
func (s *Store) BulkFilePath(experimentID int64) string {
	return filepath.Join(BulkDir(s.projectDir), bulk.FileName(experimentID))
}

func (s *Store) closeRows(ctx context.Context, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}
