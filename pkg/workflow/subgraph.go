package workflow

import (
	"context"

	"github.com/dukex/entropy/pkg/execution"
)

// SubGraphNode runs a whole graph as one node of another graph. The inner
// nodes see the subgraph inputs as run arguments. Its outputs are the
// declared outputs found among the inner leaves' outputs.
type SubGraphNode struct {
	baseNode

	graph *Graph
	mode  Mode
}

var _ Node = (*SubGraphNode)(nil)

func NewSubGraphNode(label string, graph *Graph, mode Mode, opts ...NodeOption) *SubGraphNode {
	node := &SubGraphNode{graph: graph, mode: mode}
	node.baseNode = newBaseNode(node, label, opts)

	return node
}

// Execute runs the inner graph while the caller blocks. A cooperative
// inner graph gets a scheduler token of its own.
func (n *SubGraphNode) Execute(ctx context.Context, call *Call) (map[string]any, error) {
	factory := call.Context().Factory()
	if n.mode == Cooperative {
		factory = factory.Derive(nil)
	}

	return n.execute(ctx, call, factory)
}

// ExecuteAsync shares the scheduler token with a cooperative inner graph,
// releasing it while the inner nodes run. A serial inner graph runs while
// holding the token.
func (n *SubGraphNode) ExecuteAsync(ctx context.Context, call *Call) (map[string]any, error) {
	factory := call.Context().Factory()
	if n.mode != Cooperative {
		return n.execute(ctx, call, factory)
	}

	var result map[string]any

	err := call.Context().Suspend(ctx, func(ctx context.Context) error {
		var err error

		result, err = n.execute(ctx, call, factory)

		return err
	})

	return result, err
}

func (n *SubGraphNode) execute(ctx context.Context, call *Call, factory *execution.ContextFactory) (map[string]any, error) {
	extras := make(map[string]any, len(call.Extras())+len(call.Inputs()))
	for name, value := range call.Extras() {
		extras[name] = value
	}

	for name, value := range call.Inputs() {
		extras[name] = value
	}

	executor := newExecutor(n.mode, newPlan(n.graph.Nodes(), n.graph.keyNodes), extras)

	result, err := executor.Execute(ctx, factory)
	if err != nil {
		return nil, err
	}

	return n.keepDeclared(call.Context().Logger(), result), nil
}
