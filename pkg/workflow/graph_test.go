package workflow_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/events"
	"github.com/dukex/entropy/pkg/execution"
	"github.com/dukex/entropy/pkg/mocks"
	"github.com/dukex/entropy/pkg/results"
	"github.com/dukex/entropy/pkg/workflow"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func ptr[T any](v T) *T { return &v }

func labels(nodes []workflow.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, node.Label())
	}

	return out
}

func constant(label string, outputs map[string]any, opts ...workflow.NodeOption) *workflow.FuncNode {
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}

	opts = append(opts, workflow.WithOutputs(names...))

	return workflow.NewFuncNode(label, func(context.Context, *workflow.Call) (map[string]any, error) {
		return outputs, nil
	}, opts...)
}

// bindByName builds a -> b where b computes y = x + 1 from a's x.
func bindByName() (*workflow.FuncNode, *workflow.FuncNode) {
	a := constant("a", map[string]any{"x": 1})
	b := workflow.NewFuncNode("b", func(_ context.Context, call *workflow.Call) (map[string]any, error) {
		return map[string]any{"y": call.Param("x").(int) + 1}, nil
	}, workflow.WithInput("x", a.Out("x")), workflow.WithOutputs("y"), workflow.WithParams("x"))

	return a, b
}

func TestGraph_BindByName(t *testing.T) {
	for _, mode := range []workflow.Mode{workflow.Serial, workflow.Cooperative} {
		t.Run(mode.String(), func(t *testing.T) {
			ctx := t.Context()
			a, b := bindByName()

			bus := &mocks.MockEventBus{}
			bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

			graph, err := workflow.NewGraph(nil, []workflow.Node{b, a}, workflow.GraphOptions{
				Label:    "bind",
				KeyNodes: []workflow.Node{b},
				Mode:     mode,
				Logger:   testLogger(),
				Bus:      bus,
			})
			require.NoError(t, err)

			writer := execution.NewMemoryWriter()
			handle, err := graph.Run(ctx, writer, nil)
			require.NoError(t, err)

			all, err := writer.GetResults(ctx, results.ResultFilter{ExperimentID: &handle.ID})
			require.NoError(t, err)
			require.Len(t, all, 3)

			assert.Equal(t, execution.ExperimentResultLabel, all[0].Label)
			assert.Equal(t, map[string]any{"y": 2}, all[0].Data)
			assert.Equal(t, "x", all[1].Label)
			assert.Equal(t, 1, all[1].Data)
			assert.Equal(t, "y", all[2].Label)
			assert.Equal(t, 2, all[2].Data)

			nodes, err := writer.GetNodes(ctx, handle.ID)
			require.NoError(t, err)
			require.Len(t, nodes, 2)
			assert.Equal(t, "a", nodes[0].Label)
			assert.False(t, nodes[0].IsKeyNode)
			assert.Equal(t, "b", nodes[1].Label)
			assert.True(t, nodes[1].IsKeyNode)

			fromNode, err := handle.ResultsFromNode(ctx, "b", "y")
			require.NoError(t, err)
			require.Len(t, fromNode, 1)
			assert.Equal(t, nodes[1].StageID, fromNode[0].StageID)
			require.Len(t, fromNode[0].Results, 1)

			assert.Equal(t, []events.EventType{
				events.ExperimentStartedEvent,
				events.NodeStartedEvent,
				events.NodeFinishedEvent,
				events.NodeStartedEvent,
				events.NodeFinishedEvent,
				events.ExperimentFinishedEvent,
			}, bus.PublishedTypes())
		})
	}
}

func TestGraph_Validation(t *testing.T) {
	t.Run("input outside the graph", func(t *testing.T) {
		_, b := bindByName()

		_, err := workflow.NewGraph(nil, []workflow.Node{b}, workflow.GraphOptions{})
		assert.True(t, errdefs.IsInvalidArgument(err))
		assert.ErrorContains(t, err, "not part of this graph: a")
	})

	t.Run("cycle", func(t *testing.T) {
		a := constant("a", map[string]any{"x": 1})
		b := constant("b", map[string]any{"y": 1}, workflow.WithInput("x", a.Out("x")))
		require.NoError(t, a.AddInput("y", b.Out("y")))

		_, err := workflow.NewGraph(nil, []workflow.Node{a, b}, workflow.GraphOptions{})
		assert.True(t, errdefs.IsInvalidArgument(err))
		assert.ErrorContains(t, err, "cycle detected")
	})

	t.Run("must run after cycle", func(t *testing.T) {
		a := constant("a", map[string]any{"x": 1})
		b := constant("b", nil, workflow.WithInput("x", a.Out("x")))
		a2 := constant("a2", map[string]any{"z": 1}, workflow.WithMustRunAfter(b))
		require.NoError(t, a.AddInput("z", a2.Out("z")))

		_, err := workflow.NewGraph(nil, []workflow.Node{a, b, a2}, workflow.GraphOptions{})
		assert.True(t, errdefs.IsInvalidArgument(err))
	})

	t.Run("undeclared output", func(t *testing.T) {
		a := constant("a", map[string]any{"x": 1})
		b := constant("b", nil, workflow.WithInput("x", a.Out("missing")))

		_, err := workflow.NewGraph(nil, []workflow.Node{a, b}, workflow.GraphOptions{})
		assert.True(t, errdefs.IsInvalidArgument(err))
	})

	t.Run("invalid retry policy", func(t *testing.T) {
		a := constant("a", nil, workflow.WithRetry(workflow.RetryPolicy{Attempts: 0}))

		_, err := workflow.NewGraph(nil, []workflow.Node{a}, workflow.GraphOptions{})
		assert.True(t, errdefs.IsInvalidArgument(err))
	})

	t.Run("empty", func(t *testing.T) {
		_, err := workflow.NewGraph(nil, nil, workflow.GraphOptions{})
		assert.True(t, errdefs.IsInvalidArgument(err))
	})

	t.Run("duplicate input", func(t *testing.T) {
		a := constant("a", map[string]any{"x": 1})
		b := constant("b", nil, workflow.WithInput("x", a.Out("x")))

		err := b.AddInput("x", a.Out("x"))
		assert.True(t, errdefs.IsAlreadyExists(err))
	})
}

func TestGraph_Shape(t *testing.T) {
	source := constant("source", map[string]any{"v": 1})
	left := constant("measure", map[string]any{"l": 1}, workflow.WithInput("v", source.Out("v")))
	right := constant("measure", map[string]any{"r": 1}, workflow.WithInput("v", source.Out("v")))
	report := constant("report", nil,
		workflow.WithInput("l", left.Out("l")),
		workflow.WithInput("r", right.Out("r")),
	)
	cleanup := constant("cleanup", nil, workflow.WithMustRunAfter(report))

	graph, err := workflow.NewGraph(nil, []workflow.Node{cleanup, report, right, left, source}, workflow.GraphOptions{})
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"source", "measure", "measure", "report", "cleanup"}, labels(graph.TopologicalOrder())); diff != "" {
		t.Errorf("topological order mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []string{"cleanup"}, labels(graph.Leaves()))
	assert.Equal(t, []string{"report", "measure", "measure", "source"}, labels(report.Ancestors()))

	assert.Equal(t, `digraph {
	rankdir=LR
	"cleanup" [shape=box]
	"report" [shape=box]
	"measure" [shape=box]
	"measure_2" [shape=box]
	"source" [shape=box]
	"report" -> "cleanup" [label=""]
	"measure_2" -> "report" [label="l"]
	"measure" -> "report" [label="r"]
	"source" -> "measure" [label="v"]
	"source" -> "measure_2" [label="v"]
}
`, graph.Serialize())
}

func TestGraph_RunToNode(t *testing.T) {
	ctx := t.Context()
	a, b := bindByName()
	other := constant("other", map[string]any{"o": true})

	graph, err := workflow.NewGraph(nil, []workflow.Node{a, b, other}, workflow.GraphOptions{
		Label:            "full",
		ExperimentResult: ptr(false),
		Logger:           testLogger(),
	})
	require.NoError(t, err)

	writer := execution.NewMemoryWriter()

	handle, err := graph.RunToNode(ctx, b, writer, "partial", nil)
	require.NoError(t, err)

	record, err := writer.GetExperimentRecord(ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, "partial", record.Label)

	nodes, err := writer.GetNodes(ctx, handle.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 2)
	assert.NotContains(t, handle.DOT(), "other")

	handle, err = graph.Run(ctx, writer, nil)
	require.NoError(t, err)

	record, err = writer.GetExperimentRecord(ctx, handle.ID)
	require.NoError(t, err)
	assert.Equal(t, "full", record.Label)

	nodes, err = writer.GetNodes(ctx, handle.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	_, err = graph.RunToNode(ctx, constant("stranger", nil), writer, "", nil)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestGraph_FailureStopsRun(t *testing.T) {
	for _, mode := range []workflow.Mode{workflow.Serial, workflow.Cooperative} {
		t.Run(mode.String(), func(t *testing.T) {
			ctx := t.Context()

			var childRan atomic.Bool

			broken := workflow.NewFuncNode("broken", func(context.Context, *workflow.Call) (map[string]any, error) {
				return nil, errors.New("instrument offline")
			}, workflow.WithOutputs("x"))
			child := workflow.NewFuncNode("child", func(context.Context, *workflow.Call) (map[string]any, error) {
				childRan.Store(true)

				return nil, nil
			}, workflow.WithInput("x", broken.Out("x")))

			graph, err := workflow.NewGraph(nil, []workflow.Node{broken, child}, workflow.GraphOptions{
				Mode:   mode,
				Logger: testLogger(),
			})
			require.NoError(t, err)

			writer := execution.NewMemoryWriter()

			handle, err := graph.Run(ctx, writer, nil)
			require.Error(t, err)
			require.NotNil(t, handle)
			assert.True(t, errdefs.IsNodeFailure(err))
			assert.ErrorContains(t, err, "instrument offline")
			assert.False(t, childRan.Load())

			record, err := writer.GetExperimentRecord(ctx, handle.ID)
			require.NoError(t, err)
			assert.False(t, record.Success)
		})
	}
}

func TestGraph_MissingOutput(t *testing.T) {
	silent := workflow.NewFuncNode("silent", func(context.Context, *workflow.Call) (map[string]any, error) {
		return nil, nil
	}, workflow.WithOutputs("x"))
	reader := constant("reader", nil, workflow.WithInput("x", silent.Out("x")))

	graph, err := workflow.NewGraph(nil, []workflow.Node{silent, reader}, workflow.GraphOptions{Logger: testLogger()})
	require.NoError(t, err)

	_, err = graph.Run(t.Context(), nil, nil)
	assert.ErrorIs(t, err, errdefs.ErrMissingOutput)
	assert.True(t, errdefs.IsNodeFailure(err))
}

func TestGraph_ParamsAndVariadic(t *testing.T) {
	ctx := t.Context()
	a := constant("a", map[string]any{"x": 1})
	b := constant("b", map[string]any{"y": 2})

	var (
		gain     any
		variadic []any
		isLast   bool
	)

	sum := workflow.NewFuncNode("sum", func(_ context.Context, call *workflow.Call) (map[string]any, error) {
		gain = call.Param("gain")
		variadic = call.Variadic()
		isLast = call.IsLast()

		return map[string]any{"total": 3, "ignored": true}, nil
	},
		workflow.WithInput("second", b.Out("y")),
		workflow.WithInput("first", a.Out("x")),
		workflow.WithOutputs("total"),
		workflow.WithParams("gain"),
	)

	graph, err := workflow.NewGraph(nil, []workflow.Node{a, b, sum}, workflow.GraphOptions{Logger: testLogger()})
	require.NoError(t, err)

	writer := execution.NewMemoryWriter()

	handle, err := graph.Run(ctx, writer, map[string]any{"gain": 10})
	require.NoError(t, err)
	assert.Equal(t, 10, gain)
	assert.Equal(t, []any{1, 2}, variadic)
	assert.True(t, isLast)

	ignored, err := writer.GetResults(ctx, results.ResultFilter{ExperimentID: &handle.ID, Label: "ignored"})
	require.NoError(t, err)
	assert.Empty(t, ignored)

	_, err = graph.Run(ctx, writer, nil)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestGraph_SaveResultsDisabled(t *testing.T) {
	ctx := t.Context()
	quiet := constant("quiet", map[string]any{"x": 1}, workflow.WithSaveResults(false))

	graph, err := workflow.NewGraph(nil, []workflow.Node{quiet}, workflow.GraphOptions{
		ExperimentResult: ptr(false),
		Logger:           testLogger(),
	})
	require.NoError(t, err)

	writer := execution.NewMemoryWriter()

	handle, err := graph.Run(ctx, writer, nil)
	require.NoError(t, err)

	all, err := writer.GetResults(ctx, results.ResultFilter{ExperimentID: &handle.ID})
	require.NoError(t, err)
	assert.Empty(t, all)

	nodes, err := writer.GetNodes(ctx, handle.ID)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestGraph_PanicBecomesNodeFailure(t *testing.T) {
	tests := []struct {
		name string
		fn   func(context.Context, *workflow.Call) (map[string]any, error)
	}{
		{
			name: "panic in node",
			fn: func(context.Context, *workflow.Call) (map[string]any, error) {
				panic("boom")
			},
		},
		{
			name: "panic while suspended",
			fn: func(ctx context.Context, call *workflow.Call) (map[string]any, error) {
				err := call.Context().Suspend(ctx, func(context.Context) error {
					panic("boom")
				})

				return nil, err
			},
		},
	}

	for _, mode := range []workflow.Mode{workflow.Serial, workflow.Cooperative} {
		for _, tt := range tests {
			t.Run(mode.String()+"/"+tt.name, func(t *testing.T) {
				panicky := workflow.NewFuncNode("panicky", tt.fn)
				after := constant("after", nil, workflow.WithMustRunAfter(panicky))

				graph, err := workflow.NewGraph(nil, []workflow.Node{panicky, after}, workflow.GraphOptions{
					Mode:   mode,
					Logger: testLogger(),
				})
				require.NoError(t, err)

				done := make(chan error, 1)

				go func() {
					_, runErr := graph.Run(t.Context(), nil, nil)
					done <- runErr
				}()

				select {
				case err = <-done:
				case <-time.After(5 * time.Second):
					t.Fatal("run did not return after the node panicked")
				}

				assert.True(t, errdefs.IsNodeFailure(err))
				assert.ErrorContains(t, err, "panic: boom")
			})
		}
	}
}

func TestCooperativeExecutor_YieldsAtSuspend(t *testing.T) {
	ctx := t.Context()

	var (
		running    atomic.Int32
		maxRunning atomic.Int32
		mu         sync.Mutex
		order      []string
	)

	enter := func(label string) {
		if n := running.Add(1); n > maxRunning.Load() {
			maxRunning.Store(n)
		}

		mu.Lock()
		order = append(order, label)
		mu.Unlock()
	}

	signal := make(chan struct{})

	waiter := workflow.NewFuncNode("waiter", func(ctx context.Context, call *workflow.Call) (map[string]any, error) {
		enter("waiter")
		running.Add(-1)

		err := call.Context().Suspend(ctx, func(ctx context.Context) error {
			select {
			case <-signal:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})

		enter("waiter resumed")
		running.Add(-1)

		return map[string]any{"done": true}, err
	}, workflow.WithOutputs("done"))

	signaller := workflow.NewFuncNode("signaller", func(context.Context, *workflow.Call) (map[string]any, error) {
		enter("signaller")
		close(signal)
		running.Add(-1)

		return nil, nil
	})

	graph, err := workflow.NewGraph(nil, []workflow.Node{waiter, signaller}, workflow.GraphOptions{
		Mode:   workflow.Cooperative,
		Logger: testLogger(),
	})
	require.NoError(t, err)

	_, err = graph.Run(ctx, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(1), maxRunning.Load())
	assert.Contains(t, order, "signaller")
	assert.Equal(t, "waiter resumed", order[len(order)-1])
}

func TestSubGraphNode(t *testing.T) {
	for _, mode := range []workflow.Mode{workflow.Serial, workflow.Cooperative} {
		t.Run(mode.String(), func(t *testing.T) {
			ctx := t.Context()

			p := constant("p", map[string]any{"v": 2})
			q := workflow.NewFuncNode("q", func(_ context.Context, call *workflow.Call) (map[string]any, error) {
				return map[string]any{"w": call.Param("v").(int) * call.Param("factor").(int)}, nil
			}, workflow.WithInput("v", p.Out("v")), workflow.WithOutputs("w"), workflow.WithParams("v", "factor"))

			inner, err := workflow.NewGraph(nil, []workflow.Node{p, q}, workflow.GraphOptions{})
			require.NoError(t, err)

			source := constant("source", map[string]any{"factor": 3})
			sub := workflow.NewSubGraphNode("sub", inner, mode,
				workflow.WithInput("factor", source.Out("factor")),
				workflow.WithOutputs("w"),
			)
			sink := workflow.NewFuncNode("sink", func(_ context.Context, call *workflow.Call) (map[string]any, error) {
				return map[string]any{"z": call.Param("w").(int) + 1}, nil
			}, workflow.WithInput("w", sub.Out("w")), workflow.WithOutputs("z"), workflow.WithParams("w"))

			outer, err := workflow.NewGraph(nil, []workflow.Node{source, sub, sink}, workflow.GraphOptions{
				Mode:   mode,
				Logger: testLogger(),
			})
			require.NoError(t, err)

			writer := execution.NewMemoryWriter()

			handle, err := outer.Run(ctx, writer, nil)
			require.NoError(t, err)

			stage := execution.ExperimentResultStage
			final, err := writer.GetResults(ctx, results.ResultFilter{ExperimentID: &handle.ID, Stage: &stage})
			require.NoError(t, err)
			require.Len(t, final, 1)
			assert.Equal(t, map[string]any{"z": 7}, final[0].Data)

			nodes, err := writer.GetNodes(ctx, handle.ID)
			require.NoError(t, err)
			require.Len(t, nodes, 5)

			stages := make(map[int]bool)
			for _, node := range nodes {
				stages[node.StageID] = true
			}

			assert.Len(t, stages, 5)
		})
	}
}
