package workflow

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/events"
	"github.com/dukex/entropy/pkg/execution"
	"github.com/dukex/entropy/pkg/log"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
)

// nodeRun is one node of an executing graph.
type nodeRun struct {
	node    Node
	keyNode bool
	isLast  bool
}

// run executes the node once its inputs are resolved. Failures are returned
// as NodeFailure errors.
func (r nodeRun) run(ctx context.Context, factory *execution.ContextFactory, mode Mode,
	inputs map[string]any, extras map[string]any,
) (map[string]any, error) {
	label := r.node.Label()
	c := factory.NewContext()
	logger := c.Logger().With("node", label)
	start := time.Now()

	logger.InfoContext(ctx, "Running node")

	err := factory.Writer().SaveNode(ctx, factory.ExperimentID(), models.NodeData{
		StageID:   c.StageID(),
		StartTime: start,
		Label:     label,
		IsKeyNode: r.keyNode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save node %s: %w", label, err)
	}

	factory.Publish(ctx, events.NodeStarted{
		BaseEvent: events.NewBaseEvent(events.NodeStartedEvent, factory.ExperimentID()),
		StageID:   c.StageID(),
		Label:     label,
	})

	attempts := 0
	attempt := func(n int) (map[string]any, error) {
		attempts = n

		spanCtx, span := otelhelper.StartSpan(ctx, factory.Tracer(), "node.execute",
			attribute.Int64(otelhelper.ExperimentIDKey, factory.ExperimentID()),
			attribute.String(otelhelper.NodeLabelKey, label),
			attribute.Int(otelhelper.StageIDKey, c.StageID()),
			attribute.Int(otelhelper.AttemptKey, n),
			attribute.String(otelhelper.ExecutorModeKey, mode.String()),
		)
		defer span.End()

		spanCtx = log.WithLogger(spanCtx, logger)

		result, err := r.invoke(spanCtx, mode, newCall(inputs, c, r.isLast, extras))
		if err != nil {
			otelhelper.SetError(span, err)
		}

		return result, err
	}

	var result map[string]any

	if policy := r.node.RetryPolicy(); policy != nil {
		result, err = policy.do(ctx, label, logger, attempt)
	} else {
		result, err = attempt(1)
	}

	if err == nil && r.node.SaveResults() {
		err = saveOutputs(ctx, c, result)
	}

	if err != nil {
		factory.Publish(ctx, events.NodeFailed{
			BaseEvent: events.NewBaseEvent(events.NodeFailedEvent, factory.ExperimentID()),
			StageID:   c.StageID(),
			Label:     label,
			Error:     err.Error(),
			Attempts:  attempts,
		})

		return nil, nodeFailure(label, err)
	}

	factory.Publish(ctx, events.NodeFinished{
		BaseEvent: events.NewBaseEvent(events.NodeFinishedEvent, factory.ExperimentID()),
		StageID:   c.StageID(),
		Label:     label,
		Outputs:   sortedKeys(result),
		Duration:  time.Since(start),
	})

	logger.DebugContext(ctx, "Done running node")

	return result, nil
}

// invoke calls the node and turns a panic into an error carrying the stack.
func (r nodeRun) invoke(ctx context.Context, mode Mode, call *Call) (result map[string]any, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v\n%s", recovered, debug.Stack())
		}
	}()

	if mode == Cooperative {
		return r.node.ExecuteAsync(ctx, call)
	}

	return r.node.Execute(ctx, call)
}

func saveOutputs(ctx context.Context, c *execution.Context, result map[string]any) error {
	for _, name := range sortedKeys(result) {
		err := c.AddResult(ctx, name, result[name])
		if err != nil {
			return err
		}
	}

	return nil
}

func nodeFailure(label string, err error) error {
	if errdefs.IsNodeFailure(err) {
		return err
	}

	return &errdefs.Error{Op: "Execute", Target: label, Err: fmt.Errorf("%w: %w", errdefs.ErrNodeFailure, err)}
}

// resolveInputs binds every input of node to the output its parent produced.
func resolveInputs(node Node, produced func(Node) (map[string]any, bool)) (map[string]any, error) {
	inputs := node.Inputs()
	values := make(map[string]any, len(inputs))

	for name, output := range inputs {
		result, ok := produced(output.Node)
		if !ok {
			return nil, missingOutput(node, output)
		}

		value, ok := result[output.Name]
		if !ok {
			return nil, missingOutput(node, output)
		}

		values[name] = value
	}

	return values, nil
}

func missingOutput(node Node, output Output) error {
	return errdefs.Newf("Execute", node.Label(), errdefs.ErrMissingOutput,
		"node %s input is missing: %s", node.Label(), output.Name)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
