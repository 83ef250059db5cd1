package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/eventbus"
	"github.com/dukex/entropy/pkg/execution"
	"github.com/dukex/entropy/pkg/log"
	"github.com/dukex/entropy/pkg/resources"
	"github.com/dukex/entropy/pkg/results"
	"go.opentelemetry.io/otel/trace"
)

// ScriptFunc is the body of a script experiment.
type ScriptFunc func(ctx context.Context, c *execution.Context) (map[string]any, error)

type ScriptOptions struct {
	Label string
	Story string
	User  string
	// Source is recorded as the experiment script.
	Source string
	// ExperimentResult overrides whether the returned map is saved at
	// stage -1. It defaults to true.
	ExperimentResult *bool

	Logger *slog.Logger
	Bus    eventbus.EventBus
	Tracer trace.Tracer
}

// Script is an experiment made of a single function.
type Script struct {
	resources *resources.ExperimentResources
	fn        ScriptFunc
	opts      ScriptOptions
}

func NewScript(res *resources.ExperimentResources, fn ScriptFunc, opts ScriptOptions) *Script {
	if opts.Logger == nil {
		opts.Logger = log.WithModule("script")
	}

	if opts.Source == "" {
		opts.Source = opts.Label
	}

	return &Script{resources: res, fn: fn, opts: opts}
}

// Run executes the script as a new experiment. A nil writer keeps the
// results in memory.
func (s *Script) Run(ctx context.Context, writer results.DataWriter) (*Handle, error) {
	reader, writer := readerFor(ctx, s.opts.Logger, writer)

	experimentResult := true
	if s.opts.ExperimentResult != nil {
		experimentResult = *s.opts.ExperimentResult
	}

	experiment := execution.NewExperiment(execution.Definition{
		Label:            s.opts.Label,
		Story:            s.opts.Story,
		User:             s.opts.User,
		Script:           s.opts.Source,
		Resources:        s.resources,
		Executor:         &scriptExecutor{fn: s.fn, label: s.opts.Label},
		ExperimentResult: experimentResult,
		Logger:           s.opts.Logger,
		Bus:              s.opts.Bus,
		Tracer:           s.opts.Tracer,
	})

	id, err := experiment.Run(ctx, writer)
	if id == 0 {
		return nil, err
	}

	return &Handle{ID: id, reader: reader}, err
}

type scriptExecutor struct {
	fn     ScriptFunc
	label  string
	failed bool
}

func (e *scriptExecutor) Execute(ctx context.Context, factory *execution.ContextFactory) (map[string]any, error) {
	e.failed = false

	result, err := e.invoke(ctx, factory.NewContext())
	if err != nil {
		e.failed = true

		factory.Logger().ErrorContext(ctx, "Stopping script, error in experiment", "error", err)

		return nil, &errdefs.Error{Op: "Execute", Target: e.label, Err: fmt.Errorf("%w: %w", errdefs.ErrNodeFailure, err)}
	}

	return result, nil
}

func (e *scriptExecutor) invoke(ctx context.Context, c *execution.Context) (result map[string]any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v\n%s", recovered, debug.Stack())
		}
	}()

	return e.fn(ctx, c)
}

func (e *scriptExecutor) Failed() bool { return e.failed }
