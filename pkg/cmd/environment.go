package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/entropy/pkg/config"
	"github.com/dukex/entropy/pkg/eventbus"
	"github.com/dukex/entropy/pkg/events"
	"github.com/dukex/entropy/pkg/lab"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/paramstore"
	"github.com/dukex/entropy/pkg/project"
	"github.com/dukex/entropy/pkg/resources"
	"github.com/dukex/entropy/pkg/results"
	"github.com/dukex/entropy/pkg/workflow"
	"go.opentelemetry.io/otel/trace"
)

// Environment holds what an experiment program or the dashboard opens for one project.
type Environment struct {
	Settings config.Settings
	Logger   *slog.Logger
	Results  *results.Store
	Params   *paramstore.ParamStore
	Lab      *lab.Registry
	Bus      eventbus.EventBus
	Tracer   trace.Tracer

	closers []func(ctx context.Context) error
}

type EnvironmentOptions struct {
	// PluginsPath is searched for driver plugins under drivers/.
	PluginsPath string
}

// OpenEnvironment opens the project at dir with the settings layered over it.
func OpenEnvironment(ctx context.Context, logger *slog.Logger, dir string, opts EnvironmentOptions) (*Environment, error) {
	settings, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	return OpenEnvironmentWithSettings(ctx, logger, dir, settings, opts)
}

func OpenEnvironmentWithSettings(ctx context.Context, logger *slog.Logger, dir string, settings config.Settings,
	opts EnvironmentOptions,
) (*Environment, error) {
	err := project.CheckProject(dir)
	if err != nil {
		return nil, err
	}

	env := &Environment{Settings: settings, Logger: logger}

	err = env.open(ctx, dir, opts)
	if err != nil {
		closeErr := env.Close(ctx)

		return nil, errors.Join(err, closeErr)
	}

	return env, nil
}

func (e *Environment) open(ctx context.Context, dir string, opts EnvironmentOptions) error {
	store, err := results.Open(ctx, e.Logger, dir, results.Options{BulkStorage: e.Settings.Toggles.HDF5Storage})
	if err != nil {
		return err
	}

	e.Results = store
	e.closers = append(e.closers, store.Close)

	bus, err := NewEventBus(e.Settings.Events, e.Logger)
	if err != nil {
		return err
	}

	e.Bus = bus
	e.closers = append(e.closers, func(context.Context) error { return bus.Close() })

	p, err := NewParamPersistence(ctx, e.Logger, e.paramStoreURL(dir))
	if err != nil {
		return fmt.Errorf("failed to open param store: %w", err)
	}

	params, err := paramstore.New(ctx, p,
		paramstore.WithLogger(e.Logger),
		paramstore.WithCommitHook(e.publishCommit),
	)
	if err != nil {
		_ = p.Close(ctx)

		return err
	}

	e.Params = params
	e.closers = append(e.closers, params.Close)

	drivers, err := NewDriverRegistry(e.Logger, opts.PluginsPath)
	if err != nil {
		return err
	}

	registry, closeLocker, err := NewLab(ctx, e.Logger, e.Settings.Lab, store.DB(), drivers)
	if err != nil {
		return err
	}

	e.Lab = registry
	e.closers = append(e.closers, func(context.Context) error { return closeLocker() })

	tracer, shutdown, err := NewTracer(ctx, e.Settings.Tracing)
	if err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	e.Tracer = tracer
	e.closers = append(e.closers, shutdown)

	return nil
}

// paramStoreURL prefers param_store_url, then param_store_path, then the project file.
func (e *Environment) paramStoreURL(dir string) string {
	switch {
	case e.Settings.ParamStoreURL != "":
		return e.Settings.ParamStoreURL
	case e.Settings.ParamStorePath != "":
		return e.Settings.ParamStorePath
	default:
		return project.PathsFor(dir).Params
	}
}

func (e *Environment) publishCommit(ctx context.Context, metadata models.CommitMetadata) {
	err := e.Bus.Publish(ctx, metadata.ID, events.ParamsCommitted{
		BaseEvent: events.NewBaseEvent(events.ParamsCommittedEvent, 0),
		CommitID:  metadata.ID,
		Label:     metadata.Label,
	})
	if err != nil {
		e.Logger.WarnContext(ctx, "Failed to publish commit", "commit_id", metadata.ID, "error", err)
	}
}

// Resources returns empty experiment resources backed by the project lab.
func (e *Environment) Resources() *resources.ExperimentResources {
	return resources.New(e.Lab, resources.WithLogger(e.Logger))
}

// GraphOptions returns graph options carrying the environment's bus, tracer
// and experiment_result toggle.
func (e *Environment) GraphOptions(label string) workflow.GraphOptions {
	experimentResult := e.Settings.Toggles.ExperimentResult

	return workflow.GraphOptions{
		Label:            label,
		ExperimentResult: &experimentResult,
		Logger:           e.Logger,
		Bus:              e.Bus,
		Tracer:           e.Tracer,
	}
}

func (e *Environment) ScriptOptions(label string) workflow.ScriptOptions {
	experimentResult := e.Settings.Toggles.ExperimentResult

	return workflow.ScriptOptions{
		Label:            label,
		ExperimentResult: &experimentResult,
		Logger:           e.Logger,
		Bus:              e.Bus,
		Tracer:           e.Tracer,
	}
}

// Close releases everything in reverse opening order.
func (e *Environment) Close(ctx context.Context) error {
	errs := make([]error, 0)

	for i := len(e.closers) - 1; i >= 0; i-- {
		err := e.closers[i](ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}

	e.closers = nil

	return errors.Join(errs...)
}
