// Package resources holds the resources one experiment uses: lab resources
// imported from the registry and temporary in-process objects.
package resources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/lab"
	"github.com/dukex/entropy/pkg/protocol"
	"github.com/dukex/entropy/pkg/results"
)

// ImportOptions are the per-experiment arguments of an imported lab resource.
type ImportOptions struct {
	ExperimentArgs   []any
	ExperimentKwargs map[string]any
	// SnapshotName, when set, is restored after the resource connects.
	SnapshotName string
}

type imported struct {
	name     string
	opts     ImportOptions
	resource protocol.Resource
}

type Option func(*ExperimentResources)

func WithLogger(logger *slog.Logger) Option {
	return func(r *ExperimentResources) {
		r.logger = logger
	}
}

// ExperimentResources is not reusable across concurrent experiments.
type ExperimentResources struct {
	lab    *lab.Registry
	logger *slog.Logger

	mu        sync.Mutex
	imported  map[string]*imported
	temp      map[string]any
	started   bool
	owner     string
	privateDB results.DataWriter
	paused    bool
}

// New returns empty resources. registry may be nil when no lab is configured.
func New(registry *lab.Registry, opts ...Option) *ExperimentResources {
	r := &ExperimentResources{
		lab:      registry,
		logger:   slog.Default(),
		imported: make(map[string]*imported),
		temp:     make(map[string]any),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ImportLabResource makes a lab resource available to the experiment.
func (r *ExperimentResources) ImportLabResource(ctx context.Context, name string, opts ImportOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lab == nil {
		return errdefs.IllegalState("ImportLabResource", name, "no lab is configured")
	}

	if r.hasResource(name) {
		return errdefs.Newf("ImportLabResource", name, errdefs.ErrAlreadyExists, "resource %s was already added", name)
	}

	exists, err := r.lab.ResourceExists(ctx, name)
	if err != nil {
		return err
	}

	if !exists {
		return errdefs.Newf("ImportLabResource", name, errdefs.ErrNotFound, "resource %s is not in the lab", name)
	}

	resource, err := r.lab.GetResource(ctx, name, opts.ExperimentArgs, opts.ExperimentKwargs)
	if err != nil {
		return err
	}

	if opts.SnapshotName != "" {
		if _, ok := resource.(protocol.Snapshotter); !ok {
			return errdefs.Unsupported("ImportLabResource", name, "resource does not support snapshots")
		}
	}

	r.imported[name] = &imported{name: name, opts: opts, resource: resource}

	r.logger.DebugContext(ctx, "Imported lab resource", "name", name)

	return nil
}

// AddTempResource adds an object that lives only for this experiment.
// Objects implementing protocol.Resource are connected and torn down with the experiment.
func (r *ExperimentResources) AddTempResource(name string, instance any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hasResource(name) {
		return errdefs.Newf("AddTempResource", name, errdefs.ErrAlreadyExists, "resource %s was already added", name)
	}

	r.temp[name] = instance

	return nil
}

// GetResource returns the object experiment code works with.
func (r *ExperimentResources) GetResource(name string) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.imported[name]; ok {
		return entry.resource.Instance(), nil
	}

	if instance, ok := r.temp[name]; ok {
		if resource, isResource := instance.(protocol.Resource); isResource {
			return resource.Instance(), nil
		}

		return instance, nil
	}

	return nil, errdefs.Newf("GetResource", name, errdefs.ErrNotFound, "resource %s was not added to the experiment", name)
}

func (r *ExperimentResources) HasResource(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.hasResource(name)
}

func (r *ExperimentResources) hasResource(name string) bool {
	_, isImported := r.imported[name]
	_, isTemp := r.temp[name]

	return isImported || isTemp
}

func (r *ExperimentResources) importedNames() []string {
	names := make([]string, 0, len(r.imported))
	for name := range r.imported {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (r *ExperimentResources) tempResources() []protocol.Resource {
	names := make([]string, 0, len(r.temp))
	for name := range r.temp {
		names = append(names, name)
	}

	sort.Strings(names)

	resources := make([]protocol.Resource, 0, len(names))

	for _, name := range names {
		if resource, ok := r.temp[name].(protocol.Resource); ok {
			resources = append(resources, resource)
		}
	}

	return resources
}

// StartExperiment locks the imported resources for owner, connects every
// resource and restores requested snapshots. On failure everything acquired
// is released.
func (r *ExperimentResources) StartExperiment(ctx context.Context, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errdefs.IllegalState("StartExperiment", owner, "experiment already started")
	}

	names := r.importedNames()

	if r.lab != nil && len(names) > 0 {
		err := r.lab.Lock(ctx, owner, names)
		if err != nil {
			return err
		}
	}

	err := r.refresh(ctx, names)
	if err == nil {
		err = r.connect(ctx, names)
	}

	if err != nil {
		if r.lab != nil && len(names) > 0 {
			err = errors.Join(err, r.lab.Release(ctx, owner, names))
		}

		return err
	}

	r.started = true
	r.owner = owner

	return nil
}

// refresh picks up the lab's current instances. The lab tears an instance
// down when its lock is released, so a later start gets a new one.
func (r *ExperimentResources) refresh(ctx context.Context, names []string) error {
	for _, name := range names {
		entry := r.imported[name]

		resource, err := r.lab.GetResource(ctx, name, entry.opts.ExperimentArgs, entry.opts.ExperimentKwargs)
		if err != nil {
			return err
		}

		entry.resource = resource
	}

	return nil
}

func (r *ExperimentResources) connect(ctx context.Context, names []string) error {
	for _, name := range names {
		entry := r.imported[name]

		err := entry.resource.Connect(ctx)
		if err != nil {
			return fmt.Errorf("failed to connect %s: %w", name, err)
		}

		if entry.opts.SnapshotName == "" {
			continue
		}

		state, err := r.lab.GetSnapshot(ctx, name, entry.opts.SnapshotName)
		if err != nil {
			return err
		}

		err = entry.resource.(protocol.Snapshotter).RevertToSnapshot(ctx, state)
		if err != nil {
			return fmt.Errorf("failed to revert %s to snapshot %s: %w", name, entry.opts.SnapshotName, err)
		}
	}

	temps := r.tempResources()

	for i, resource := range temps {
		err := resource.Connect(ctx)
		if err != nil {
			errs := []error{fmt.Errorf("failed to connect temp resource: %w", err)}

			for _, connected := range temps[:i] {
				teardownErr := connected.Teardown(ctx)
				if teardownErr != nil {
					errs = append(errs, teardownErr)
				}
			}

			return errors.Join(errs...)
		}
	}

	return nil
}

// EndExperiment releases the lab resources and tears down temp resources.
// Every resource is attempted and the failures are joined.
func (r *ExperimentResources) EndExperiment(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return errdefs.IllegalState("EndExperiment", r.owner, "experiment was not started")
	}

	errs := make([]error, 0)

	names := r.importedNames()
	if r.lab != nil && len(names) > 0 {
		err := r.lab.Release(ctx, r.owner, names)
		if err != nil {
			errs = append(errs, err)
		}
	}

	for _, resource := range r.tempResources() {
		err := resource.Teardown(ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}

	r.started = false

	return errors.Join(errs...)
}

// SerializeResourcesSnapshot describes every resource: snapshottable
// resources by their current state and the rest by their driver.
func (r *ExperimentResources) SerializeResourcesSnapshot(ctx context.Context) (map[string]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	topology := make(map[string]string, len(r.imported)+len(r.temp))

	for name, entry := range r.imported {
		if snapshotter, ok := entry.resource.(protocol.Snapshotter); ok {
			state, err := snapshotter.Snapshot(ctx, false)
			if err != nil {
				return nil, fmt.Errorf("failed to snapshot %s: %w", name, err)
			}

			topology[name] = state

			continue
		}

		record, err := r.lab.GetInfo(ctx, name)
		if err != nil {
			return nil, err
		}

		topology[name] = record.DriverID
	}

	for name, instance := range r.temp {
		topology[name] = fmt.Sprintf("%T", instance)
	}

	return topology, nil
}

// SaveSnapshot stores the current state of an imported resource in the lab.
func (r *ExperimentResources) SaveSnapshot(ctx context.Context, name, snapshotName string) error {
	r.mu.Lock()
	_, ok := r.imported[name]
	r.mu.Unlock()

	if !ok {
		return errdefs.Newf("SaveSnapshot", name, errdefs.ErrNotFound, "resource %s was not imported", name)
	}

	return r.lab.SaveSnapshot(ctx, name, snapshotName)
}

// RegisterPrivateResultsDB mirrors experiment results to writer.
func (r *ExperimentResources) RegisterPrivateResultsDB(writer results.DataWriter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.privateDB = writer
}

func (r *ExperimentResources) PauseSaveToResultsDB() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.paused = true
}

func (r *ExperimentResources) ResumeSaveToResultsDB() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.paused = false
}

// ResultsDB returns the private results writer, or nil when none is
// registered or saving is paused.
func (r *ExperimentResources) ResultsDB() results.DataWriter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused {
		return nil
	}

	return r.privateDB
}
