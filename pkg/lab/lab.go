// Package lab keeps the persistent registry of lab resources: their drivers,
// constructor arguments, snapshots and locks.
package lab

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/lab/lock"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/protocol"
	"github.com/dukex/entropy/pkg/registry"
	"github.com/xeipuuv/gojsonschema"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RegisterOptions describe how a resource is constructed.
// Args and Kwargs are persisted. ExperimentArgs and ExperimentKwargs are only
// used for the trial instantiation and must be supplied again on every import.
type RegisterOptions struct {
	Args             []any
	Kwargs           map[string]any
	ExperimentArgs   []any
	ExperimentKwargs map[string]any
	DiscoverSpec     bool
	Version          string
	SourceCode       string
}

type instance struct {
	record   *models.ResourceRecord
	resource protocol.Resource
}

// Registry is the lab resource registry of one project.
type Registry struct {
	logger  *slog.Logger
	db      *sql.DB
	drivers *registry.Registry
	locker  lock.Locker
	now     func() time.Time

	// registerMu serializes the existence check and insert of Register.
	registerMu sync.Mutex

	mu        sync.Mutex
	instances map[string]*instance
}

// New returns a registry over the catalog database. A nil locker locks
// through the catalog itself.
func New(logger *slog.Logger, db *sql.DB, drivers *registry.Registry, locker lock.Locker) *Registry {
	if locker == nil {
		locker = lock.NewCatalog(db, 0)
	}

	return &Registry{
		logger:    logger,
		db:        db,
		drivers:   drivers,
		locker:    locker,
		now:       time.Now,
		instances: make(map[string]*instance),
	}
}

// Register records a new resource. The driver is instantiated once with the
// combined arguments to check that it can be built. An existing name is AlreadyExists.
func (r *Registry) Register(ctx context.Context, name, driverID string, opts RegisterOptions) error {
	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	exists, err := r.ResourceExists(ctx, name)
	if err != nil {
		return err
	}

	if exists {
		return errdefs.Newf("Register", name, errdefs.ErrAlreadyExists, "resource %s already exists", name)
	}

	return r.Update(ctx, name, driverID, opts)
}

// RegisterIfAbsent registers the resource unless the name is taken and reports whether it did.
func (r *Registry) RegisterIfAbsent(ctx context.Context, name, driverID string, opts RegisterOptions) (bool, error) {
	err := r.Register(ctx, name, driverID, opts)
	if errdefs.IsAlreadyExists(err) {
		return false, nil
	}

	return err == nil, err
}

// Update records a new version of a resource. The latest version wins.
func (r *Registry) Update(ctx context.Context, name, driverID string, opts RegisterOptions) error {
	if name == "" {
		return errdefs.InvalidArgument("Update", name, "resource name is required")
	}

	factory, err := r.drivers.Driver(driverID)
	if err != nil {
		return err
	}

	args := append(append([]any{}, opts.Args...), opts.ExperimentArgs...)
	kwargs := combineKwargs(opts.Kwargs, opts.ExperimentKwargs)

	err = validateKwargs(factory, name, kwargs)
	if err != nil {
		return err
	}

	spec, err := r.tryInstantiate(ctx, factory, name, args, kwargs, opts.DiscoverSpec)
	if err != nil {
		return err
	}

	experimentKeys := make([]string, 0, len(opts.ExperimentKwargs))
	for key := range opts.ExperimentKwargs {
		experimentKeys = append(experimentKeys, key)
	}

	sort.Strings(experimentKeys)

	record := &models.ResourceRecord{
		Name:                   name,
		DriverID:               driverID,
		SourceCode:             opts.SourceCode,
		Version:                opts.Version,
		DriverType:             models.DriverTypePackaged,
		Args:                   opts.Args,
		Kwargs:                 opts.Kwargs,
		NumberOfExperimentArgs: len(opts.ExperimentArgs),
		KeysOfExperimentKwargs: experimentKeys,
		CachedMetadata:         spec,
		UpdateTime:             r.now().UTC(),
	}

	record.Module, record.ClassName = splitDriverID(driverID)
	if opts.SourceCode != "" {
		record.DriverType = models.DriverTypeLocal
	}

	err = r.insertRecord(ctx, record)
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.instances, name)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "Registered lab resource", "name", name, "driver", driverID)

	return nil
}

func (r *Registry) tryInstantiate(ctx context.Context, factory protocol.DriverFactory, name string, args []any,
	kwargs map[string]any, discover bool,
) (models.DriverSpec, error) {
	spec := models.DriverSpec{}

	resource, err := factory.Create(args, kwargs)
	if err != nil {
		return spec, fmt.Errorf("failed to instantiate %s: %w", name, err)
	}

	if named, ok := resource.(protocol.Named); ok {
		named.SetEntropyName(name)
	}

	defer func() {
		teardownErr := resource.Teardown(ctx)
		if teardownErr != nil {
			r.logger.WarnContext(ctx, "Failed to tear down trial instance", "name", name, "error", teardownErr)
		}
	}()

	if !discover {
		return spec, nil
	}

	discoverer, ok := resource.(protocol.SpecDiscoverer)
	if !ok {
		return spec, nil
	}

	spec, err = discoverer.DynamicDriverSpec(ctx)
	if err != nil {
		return spec, fmt.Errorf("failed to discover driver spec of %s: %w", name, err)
	}

	return spec, nil
}

func splitDriverID(driverID string) (string, string) {
	idx := strings.LastIndex(driverID, ".")
	if idx < 0 {
		return "", driverID
	}

	return driverID[:idx], driverID[idx+1:]
}

func combineKwargs(kwargs, experimentKwargs map[string]any) map[string]any {
	combined := make(map[string]any, len(kwargs)+len(experimentKwargs))
	for key, value := range kwargs {
		combined[key] = value
	}

	for key, value := range experimentKwargs {
		combined[key] = value
	}

	return combined
}

func validateKwargs(factory protocol.DriverFactory, name string, kwargs map[string]any) error {
	schema := factory.Schema()
	if schema == nil {
		return nil
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(kwargs)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return fmt.Errorf("failed to validate arguments of %s: %w", name, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			messages = append(messages, resultErr.String())
		}

		return errdefs.InvalidArgument("Register", name, "schema validation failed: "+strings.Join(messages, "; "))
	}

	return nil
}

// Remove soft-deletes the latest version of a resource.
func (r *Registry) Remove(ctx context.Context, name string) error {
	record, err := r.GetInfo(ctx, name)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `UPDATE resources SET deleted = 1 WHERE id = ?`, record.ID)
	if err != nil {
		return fmt.Errorf("failed to remove resource %s: %w", name, err)
	}

	r.mu.Lock()
	delete(r.instances, name)
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "Removed lab resource", "name", name)

	return nil
}

// ResourceExists reports whether a live resource is registered under name.
func (r *Registry) ResourceExists(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	_, ok := r.instances[name]
	r.mu.Unlock()

	if ok {
		return true, nil
	}

	_, err := r.GetInfo(ctx, name)
	if errdefs.IsNotFound(err) {
		return false, nil
	}

	return err == nil, err
}

// GetResource returns the instance of a resource, building it on first use.
// The number of experiment args and the experiment kwargs keys must match
// what was declared at registration.
func (r *Registry) GetResource(ctx context.Context, name string, experimentArgs []any,
	experimentKwargs map[string]any,
) (protocol.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.instances[name]; ok {
		err := checkExperimentArguments(existing.record, experimentArgs, experimentKwargs)
		if err != nil {
			return nil, err
		}

		return existing.resource, nil
	}

	record, err := r.GetInfo(ctx, name)
	if err != nil {
		return nil, err
	}

	err = checkExperimentArguments(record, experimentArgs, experimentKwargs)
	if err != nil {
		return nil, err
	}

	factory, err := r.drivers.Driver(record.DriverID)
	if err != nil {
		return nil, err
	}

	args := append(append([]any{}, record.Args...), experimentArgs...)

	resource, err := factory.Create(args, combineKwargs(record.Kwargs, experimentKwargs))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate %s: %w", name, err)
	}

	if named, ok := resource.(protocol.Named); ok {
		named.SetEntropyName(name)
	}

	r.instances[name] = &instance{record: record, resource: resource}

	return resource, nil
}

func checkExperimentArguments(record *models.ResourceRecord, args []any, kwargs map[string]any) error {
	if len(args) != record.NumberOfExperimentArgs {
		return errdefs.InvalidArgument("GetResource", record.Name,
			fmt.Sprintf("expected %d experiment args, got %d", record.NumberOfExperimentArgs, len(args)))
	}

	allowed := make(map[string]struct{}, len(record.KeysOfExperimentKwargs))
	for _, key := range record.KeysOfExperimentKwargs {
		allowed[key] = struct{}{}
	}

	for key := range kwargs {
		if _, ok := allowed[key]; !ok {
			return errdefs.InvalidArgument("GetResource", record.Name,
				fmt.Sprintf("experiment kwarg %q was not declared at registration", key))
		}
	}

	return nil
}

// SaveSnapshot stores the current state of an initialised resource under snapshotName.
func (r *Registry) SaveSnapshot(ctx context.Context, name, snapshotName string) error {
	r.mu.Lock()
	existing, ok := r.instances[name]
	r.mu.Unlock()

	if !ok {
		return errdefs.Newf("SaveSnapshot", name, errdefs.ErrNotFound, "resource %s is not initialised", name)
	}

	snapshotter, ok := existing.resource.(protocol.Snapshotter)
	if !ok {
		return errdefs.Unsupported("SaveSnapshot", name, "resource does not support snapshots")
	}

	state, err := snapshotter.Snapshot(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", name, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO resources_snapshots (update_time, driver_id, name, state) VALUES (?, ?, ?, ?)
	`, r.now().UTC().Format(timeLayout), existing.record.ID, snapshotName, state)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s of %s: %w", snapshotName, name, err)
	}

	return nil
}

// GetSnapshot returns the latest state saved under snapshotName.
func (r *Registry) GetSnapshot(ctx context.Context, name, snapshotName string) (string, error) {
	var state string

	err := r.db.QueryRowContext(ctx, `
		SELECT s.state FROM resources_snapshots s
		JOIN resources r ON r.id = s.driver_id
		WHERE r.name = ? AND s.name = ?
		ORDER BY s.update_time DESC, s.id DESC LIMIT 1
	`, name, snapshotName).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errdefs.Newf("GetSnapshot", name, errdefs.ErrNotFound, "snapshot %s not found", snapshotName)
	}

	if err != nil {
		return "", fmt.Errorf("failed to read snapshot: %w", err)
	}

	return state, nil
}

// GetAllStates returns every saved state of a resource, oldest first.
func (r *Registry) GetAllStates(ctx context.Context, name string) ([]models.ResourceState, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.state, s.update_time FROM resources_snapshots s
		JOIN resources r ON r.id = s.driver_id
		WHERE r.name = ?
		ORDER BY s.update_time, s.id
	`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}

	defer func() {
		closeErr := rows.Close()
		if closeErr != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", closeErr)
		}
	}()

	states := make([]models.ResourceState, 0)

	for rows.Next() {
		var (
			state models.ResourceState
			at    string
		)

		err := rows.Scan(&state.ID, &state.Name, &state.State, &at)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}

		state.Resource = name
		state.UpdateTime, _ = time.Parse(timeLayout, at)
		states = append(states, state)
	}

	return states, rows.Err()
}

// Lock acquires every named resource for owner. Unknown names are NotFound
// and a resource locked by someone else is IllegalState. On failure the
// locks taken by this call are released.
func (r *Registry) Lock(ctx context.Context, owner string, names []string) error {
	acquired := make([]string, 0, len(names))

	for _, name := range names {
		err := r.lockOne(ctx, owner, name)
		if err != nil {
			for _, taken := range acquired {
				_, releaseErr := r.locker.Release(ctx, taken, owner)
				if releaseErr != nil {
					r.logger.ErrorContext(ctx, "Failed to roll back lock", "name", taken, "error", releaseErr)
				}
			}

			return err
		}

		acquired = append(acquired, name)
	}

	return nil
}

func (r *Registry) lockOne(ctx context.Context, owner, name string) error {
	exists, err := r.ResourceExists(ctx, name)
	if err != nil {
		return err
	}

	if !exists {
		return errdefs.Newf("Lock", name, errdefs.ErrNotFound, "resource %s not found", name)
	}

	return r.locker.Acquire(ctx, name, owner)
}

// Release frees the locks owner holds on names and tears down their
// instances. Names owner does not hold are skipped. Every name is attempted
// and the failures are joined.
func (r *Registry) Release(ctx context.Context, owner string, names []string) error {
	errs := make([]error, 0)

	for _, name := range names {
		released, err := r.locker.Release(ctx, name, owner)
		if err != nil {
			errs = append(errs, err)

			continue
		}

		if !released {
			continue
		}

		r.mu.Lock()
		existing, ok := r.instances[name]
		delete(r.instances, name)
		r.mu.Unlock()

		if !ok {
			continue
		}

		err = existing.resource.Teardown(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to tear down %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// GetInfo returns the latest record of a live resource.
func (r *Registry) GetInfo(ctx context.Context, name string) (*models.ResourceRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM resources WHERE name = ? ORDER BY update_time DESC, id DESC LIMIT 1
	`, name)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && record.Deleted) {
		return nil, errdefs.Newf("GetInfo", name, errdefs.ErrNotFound, "resource %s not found", name)
	}

	if err != nil {
		return nil, err
	}

	return record, nil
}

// ListAll returns the names of every live resource, sorted.
func (r *Registry) ListAll(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT name FROM resources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	names := make([]string, 0)

	for rows.Next() {
		var name string

		err := rows.Scan(&name)
		if err != nil {
			_ = rows.Close()

			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}

		names = append(names, name)
	}

	err = rows.Close()
	if err != nil {
		return nil, err
	}

	live := make([]string, 0, len(names))

	for _, name := range names {
		exists, err := r.ResourceExists(ctx, name)
		if err != nil {
			return nil, err
		}

		if exists {
			live = append(live, name)
		}
	}

	return live, nil
}

const recordColumns = `
	id
  , update_time
  , name
  , driver
  , module
  , class_name
  , source_code
  , version
  , driver_type
  , args
  , kwargs
  , number_of_experiment_args
  , keys_of_experiment_kwargs
  , cached_metadata
  , deleted
`

func (r *Registry) insertRecord(ctx context.Context, record *models.ResourceRecord) error {
	args, err := json.Marshal(nonNilSlice(record.Args))
	if err != nil {
		return fmt.Errorf("failed to encode args: %w", err)
	}

	kwargs, err := json.Marshal(nonNilMap(record.Kwargs))
	if err != nil {
		return fmt.Errorf("failed to encode kwargs: %w", err)
	}

	metadata, err := json.Marshal(record.CachedMetadata)
	if err != nil {
		return fmt.Errorf("failed to encode driver spec: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO resources (update_time, name, driver, module, class_name, source_code, version, driver_type,
			args, kwargs, number_of_experiment_args, keys_of_experiment_kwargs, cached_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, record.UpdateTime.Format(timeLayout), record.Name, record.DriverID, record.Module, record.ClassName,
		record.SourceCode, record.Version, int(record.DriverType), string(args), string(kwargs),
		record.NumberOfExperimentArgs, strings.Join(record.KeysOfExperimentKwargs, ","), string(metadata))
	if err != nil {
		return fmt.Errorf("failed to insert resource %s: %w", record.Name, err)
	}

	record.ID, err = result.LastInsertId()

	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.ResourceRecord, error) {
	var (
		record     models.ResourceRecord
		updateTime string
		driverType int
		args       string
		kwargs     string
		keys       string
		metadata   string
		deleted    int
	)

	err := row.Scan(&record.ID, &updateTime, &record.Name, &record.DriverID, &record.Module, &record.ClassName,
		&record.SourceCode, &record.Version, &driverType, &args, &kwargs, &record.NumberOfExperimentArgs, &keys,
		&metadata, &deleted)
	if err != nil {
		return nil, err
	}

	record.UpdateTime, _ = time.Parse(timeLayout, updateTime)
	record.DriverType = models.DriverType(driverType)
	record.Deleted = deleted != 0
	record.KeysOfExperimentKwargs = []string{}

	if keys != "" {
		record.KeysOfExperimentKwargs = strings.Split(keys, ",")
	}

	err = decodeJSON(args, &record.Args)
	if err != nil {
		return nil, fmt.Errorf("failed to decode args of %s: %w", record.Name, err)
	}

	err = decodeJSON(kwargs, &record.Kwargs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode kwargs of %s: %w", record.Name, err)
	}

	err = json.Unmarshal([]byte(metadata), &record.CachedMetadata)
	if err != nil {
		return nil, fmt.Errorf("failed to decode driver spec of %s: %w", record.Name, err)
	}

	return &record, nil
}

func decodeJSON(data string, target any) error {
	decoder := json.NewDecoder(strings.NewReader(data))
	decoder.UseNumber()

	err := decoder.Decode(target)
	if err != nil {
		return err
	}

	switch value := target.(type) {
	case *[]any:
		*value, _ = models.NormalizeJSON(*value).([]any)
	case *map[string]any:
		*value, _ = models.NormalizeJSON(*value).(map[string]any)
	}

	return nil
}

func nonNilSlice(values []any) []any {
	if values == nil {
		return []any{}
	}

	return values
}

func nonNilMap(values map[string]any) map[string]any {
	if values == nil {
		return map[string]any{}
	}

	return values
}
