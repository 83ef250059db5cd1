package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/eventbus"
	"github.com/dukex/entropy/pkg/events"
	"github.com/dukex/entropy/pkg/log"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/otelhelper"
	"github.com/dukex/entropy/pkg/resources"
	"github.com/dukex/entropy/pkg/results"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ExperimentResultLabel labels the combined output written at stage -1.
const ExperimentResultLabel = "experiment_result"

// ExperimentResultStage is the stage id of the combined output.
const ExperimentResultStage = -1

const experimentResultStory = "Final output of the experiment"

// Executor runs the user code of an experiment.
type Executor interface {
	// Execute returns the combined output of the run.
	Execute(ctx context.Context, factory *ContextFactory) (map[string]any, error)
	// Failed reports whether the last Execute call failed.
	Failed() bool
}

// Definition describes one experiment run.
type Definition struct {
	Label string
	Story string
	User  string
	// Script is the serialized form of the executed code, e.g. DOT text.
	Script    string
	Resources *resources.ExperimentResources
	Executor  Executor
	// ExperimentResult writes the combined output at stage -1.
	ExperimentResult bool

	Logger *slog.Logger
	Bus    eventbus.EventBus
	Tracer trace.Tracer
}

// Experiment runs a Definition once.
type Experiment struct {
	def Definition

	mu  sync.Mutex
	ran bool
	id  int64
}

func NewExperiment(def Definition) *Experiment {
	if def.Logger == nil {
		def.Logger = log.WithModule("experiment")
	}

	if def.Bus == nil {
		def.Bus = eventbus.Noop{}
	}

	if def.Tracer == nil {
		def.Tracer = otelhelper.NoopTracer()
	}

	if def.Resources == nil {
		def.Resources = resources.New(nil, resources.WithLogger(def.Logger))
	}

	return &Experiment{def: def}
}

// ID returns the experiment id, 0 before Run opened the record.
func (e *Experiment) ID() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.id
}

// Run records and executes the experiment. A nil writer keeps everything in
// memory. The returned id is valid whenever the record was opened, even
// when the run failed.
func (e *Experiment) Run(ctx context.Context, writer results.DataWriter) (int64, error) {
	e.mu.Lock()
	if e.ran {
		e.mu.Unlock()

		return 0, errdefs.IllegalState("Run", e.def.Label, "experiment already ran")
	}

	e.ran = true
	e.mu.Unlock()

	logger := e.def.Logger.With("label", e.def.Label)

	if writer == nil {
		logger.WarnContext(ctx, "No results database configured, results are kept in memory only")

		writer = NewMemoryWriter()
	}

	topology, err := e.labTopology(ctx)
	if err != nil {
		return 0, err
	}

	start := time.Now()

	id, err := writer.OpenExperiment(ctx, models.ExperimentInitialData{
		Label:       e.def.Label,
		User:        e.def.User,
		LabTopology: topology,
		Script:      e.def.Script,
		StartTime:   start,
		Story:       e.def.Story,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to open experiment: %w", err)
	}

	e.mu.Lock()
	e.id = id
	e.mu.Unlock()

	logger = logger.With("experiment_id", id)

	ctx, span := otelhelper.StartSpan(ctx, e.def.Tracer, "experiment.run",
		attribute.Int64(otelhelper.ExperimentIDKey, id),
		attribute.String(otelhelper.ExperimentLabelKey, e.def.Label),
	)
	defer span.End()

	factory := NewContextFactory(id, writer, e.def.Resources, logger, e.def.Bus, e.def.Tracer)

	factory.Publish(ctx, events.ExperimentStarted{
		BaseEvent: events.NewBaseEvent(events.ExperimentStartedEvent, id),
		Label:     e.def.Label,
		User:      e.def.User,
	})

	logger.InfoContext(ctx, "Starting experiment")

	runErr := e.execute(ctx, factory, logger)

	closeErr := writer.CloseExperiment(ctx, id, models.ExperimentEndData{
		EndTime: time.Now(),
		Success: runErr == nil,
	})
	if closeErr != nil {
		logger.ErrorContext(ctx, "Failed to close experiment", "error", closeErr)
	}

	duration := time.Since(start)

	if runErr != nil {
		otelhelper.SetError(span, runErr)
		logger.ErrorContext(ctx, "Experiment failed", "error", runErr, "duration", duration)

		factory.Publish(ctx, events.ExperimentFailed{
			BaseEvent: events.NewBaseEvent(events.ExperimentFailedEvent, id),
			Label:     e.def.Label,
			Error:     runErr.Error(),
			Duration:  duration,
		})

		return id, errors.Join(runErr, closeErr)
	}

	logger.InfoContext(ctx, "Completed experiment", "duration", duration)

	factory.Publish(ctx, events.ExperimentFinished{
		BaseEvent: events.NewBaseEvent(events.ExperimentFinishedEvent, id),
		Label:     e.def.Label,
		Duration:  duration,
	})

	return id, closeErr
}

func (e *Experiment) execute(ctx context.Context, factory *ContextFactory, logger *slog.Logger) error {
	owner := fmt.Sprintf("experiment-%d", factory.ExperimentID())

	err := e.def.Resources.StartExperiment(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to start resources: %w", err)
	}

	output, execErr := e.def.Executor.Execute(ctx, factory)
	if execErr == nil && e.def.Executor.Failed() {
		execErr = errdefs.Newf("Run", e.def.Label, errdefs.ErrNodeFailure, "executor reported a failure")
	}

	if execErr != nil && !errdefs.IsNodeFailure(execErr) {
		execErr = fmt.Errorf("%w: %w", errdefs.ErrNodeFailure, execErr)
	}

	endErr := e.def.Resources.EndExperiment(ctx)
	if endErr != nil {
		logger.ErrorContext(ctx, "Failed to release resources", "error", endErr)
	}

	if execErr != nil {
		return errors.Join(execErr, endErr)
	}

	if endErr != nil {
		return endErr
	}

	if !e.def.ExperimentResult || len(output) == 0 {
		return nil
	}

	return factory.Writer().SaveResult(ctx, factory.ExperimentID(), models.RawResultData{
		Label: ExperimentResultLabel,
		Data:  output,
		Stage: ExperimentResultStage,
		Story: experimentResultStory,
	})
}

func (e *Experiment) labTopology(ctx context.Context) (string, error) {
	topology, err := e.def.Resources.SerializeResourcesSnapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to describe lab topology: %w", err)
	}

	encoded, err := json.Marshal(topology)
	if err != nil {
		return "", err
	}

	return string(encoded), nil
}
