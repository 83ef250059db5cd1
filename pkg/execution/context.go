// Package execution runs experiments: it opens the experiment record, starts
// the resources, hands an execution context to user code and closes the
// record with the outcome.
package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dukex/entropy/pkg/eventbus"
	"github.com/dukex/entropy/pkg/events"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/otelhelper"
	"github.com/dukex/entropy/pkg/resources"
	"github.com/dukex/entropy/pkg/results"
	"go.opentelemetry.io/otel/trace"
)

// Token is the cooperative scheduler token. Only its holder runs node code.
type Token struct {
	ch chan struct{}
}

func NewToken() *Token {
	return &Token{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the token is free or ctx is done.
func (t *Token) Acquire(ctx context.Context) error {
	select {
	case t.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release hands the token back.
func (t *Token) Release() {
	<-t.ch
}

// ContextFactory hands out execution contexts with increasing stage ids.
type ContextFactory struct {
	experimentID int64
	writer       results.DataWriter
	resources    *resources.ExperimentResources
	logger       *slog.Logger
	bus          eventbus.EventBus
	tracer       trace.Tracer
	stage        *atomic.Int64
	token        *Token
}

// NewContextFactory returns a factory whose first stage id is 0.
func NewContextFactory(experimentID int64, writer results.DataWriter, res *resources.ExperimentResources,
	logger *slog.Logger, bus eventbus.EventBus, tracer trace.Tracer,
) *ContextFactory {
	if bus == nil {
		bus = eventbus.Noop{}
	}

	if tracer == nil {
		tracer = otelhelper.NoopTracer()
	}

	return &ContextFactory{
		experimentID: experimentID,
		writer:       writer,
		resources:    res,
		logger:       logger,
		bus:          bus,
		tracer:       tracer,
		stage:        &atomic.Int64{},
	}
}

// Derive returns a factory sharing the stage counter, writer and resources
// of f but scheduling with token. A nil token means blocking execution.
func (f *ContextFactory) Derive(token *Token) *ContextFactory {
	derived := *f
	derived.token = token

	return &derived
}

// NewContext returns a context for the next stage.
func (f *ContextFactory) NewContext() *Context {
	stage := int(f.stage.Add(1) - 1)

	return &Context{
		factory: f,
		stageID: stage,
		logger:  f.logger.With("experiment_id", f.experimentID, "stage_id", stage),
	}
}

func (f *ContextFactory) ExperimentID() int64                       { return f.experimentID }
func (f *ContextFactory) Writer() results.DataWriter                { return f.writer }
func (f *ContextFactory) Resources() *resources.ExperimentResources { return f.resources }
func (f *ContextFactory) Logger() *slog.Logger                      { return f.logger }
func (f *ContextFactory) Bus() eventbus.EventBus                    { return f.bus }
func (f *ContextFactory) Tracer() trace.Tracer                      { return f.tracer }
func (f *ContextFactory) Token() *Token                             { return f.token }

// Publish sends an event keyed by the experiment. Failures are logged, not returned.
func (f *ContextFactory) Publish(ctx context.Context, event eventbus.Event) {
	err := f.bus.Publish(ctx, fmt.Sprint(f.experimentID), event)
	if err != nil {
		f.logger.WarnContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

// Context is what user code sees while one stage runs.
type Context struct {
	factory *ContextFactory
	stageID int
	logger  *slog.Logger
}

func (c *Context) ExperimentID() int64          { return c.factory.experimentID }
func (c *Context) StageID() int                 { return c.stageID }
func (c *Context) Logger() *slog.Logger         { return c.logger }
func (c *Context) Factory() *ContextFactory     { return c.factory }
func (c *Context) HasResource(name string) bool { return c.factory.resources.HasResource(name) }

// GetResource returns a resource added to the experiment.
func (c *Context) GetResource(name string) (any, error) {
	return c.factory.resources.GetResource(name)
}

// AddResult saves a result at this stage.
func (c *Context) AddResult(ctx context.Context, label string, data any, story ...string) error {
	result := models.RawResultData{Label: label, Data: data, Stage: c.stageID}
	if len(story) > 0 {
		result.Story = story[0]
	}

	err := c.factory.writer.SaveResult(ctx, c.factory.experimentID, result)
	if err != nil {
		return err
	}

	if private := c.factory.resources.ResultsDB(); private != nil {
		err = private.SaveResult(ctx, c.factory.experimentID, result)
		if err != nil {
			c.logger.WarnContext(ctx, "Failed to mirror result", "label", label, "error", err)
		}
	}

	return nil
}

// AddMetadata saves metadata at this stage.
func (c *Context) AddMetadata(ctx context.Context, label string, data any) error {
	return c.factory.writer.SaveMetadata(ctx, c.factory.experimentID, models.Metadata{
		Label: label,
		Stage: c.stageID,
		Data:  data,
	})
}

// AddFigure saves a figure and announces it.
func (c *Context) AddFigure(ctx context.Context, figure models.Figure) error {
	err := c.factory.writer.SaveFigure(ctx, c.factory.experimentID, figure)
	if err != nil {
		return err
	}

	c.factory.Publish(ctx, events.FigureSaved{
		BaseEvent: events.NewBaseEvent(events.FigureSavedEvent, c.factory.experimentID),
	})

	return nil
}

// AddPlot saves plot data.
func (c *Context) AddPlot(ctx context.Context, plot models.PlotSpec) error {
	return c.factory.writer.SavePlot(ctx, c.factory.experimentID, plot)
}

// Suspend runs fn without holding the scheduler token, letting other nodes
// run while fn blocks. Outside cooperative execution it just runs fn.
func (c *Context) Suspend(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	token := c.factory.token
	if token == nil {
		return fn(ctx)
	}

	token.Release()

	// The caller expects to hold the token again, even when ctx is done or
	// fn panics.
	defer func() {
		reacquireErr := token.Acquire(context.WithoutCancel(ctx))
		if reacquireErr != nil && err == nil {
			err = reacquireErr
		}
	}()

	return fn(ctx)
}
