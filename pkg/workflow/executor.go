package workflow

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/dukex/entropy/pkg/execution"
	"golang.org/x/sync/errgroup"
)

// Mode selects how a graph is scheduled.
type Mode int

const (
	// Serial runs one node at a time in topological order.
	Serial Mode = iota
	// Cooperative runs every node as soon as its parents finish, with only
	// the holder of the scheduler token executing node code.
	Cooperative
)

func (m Mode) String() string {
	switch m {
	case Serial:
		return "serial"
	case Cooperative:
		return "cooperative"
	default:
		return "unknown"
	}
}

// plan is the resolved shape of a graph run.
type plan struct {
	nodes    []Node
	keyNodes map[Node]bool
	leaves   map[Node]bool
}

func newPlan(nodes []Node, keyNodes map[Node]bool) plan {
	leaves := make(map[Node]bool)
	for _, leaf := range leavesOf(nodes) {
		leaves[leaf] = true
	}

	return plan{nodes: nodes, keyNodes: keyNodes, leaves: leaves}
}

func (p plan) nodeRun(node Node) nodeRun {
	return nodeRun{node: node, keyNode: p.keyNodes[node], isLast: p.leaves[node]}
}

// combine merges the outputs of the leaves, later leaves winning.
func (p plan) combine(produced func(Node) (map[string]any, bool)) map[string]any {
	combined := make(map[string]any)

	for _, node := range p.nodes {
		if !p.leaves[node] {
			continue
		}

		result, ok := produced(node)
		if !ok {
			continue
		}

		for name, value := range result {
			combined[name] = value
		}
	}

	return combined
}

func newExecutor(mode Mode, p plan, extras map[string]any) execution.Executor {
	if mode == Cooperative {
		return NewCooperativeExecutor(p.nodes, p.keyNodes, extras)
	}

	return NewSerialExecutor(p.nodes, p.keyNodes, extras)
}

// SerialExecutor runs nodes one at a time in a deterministic topological order.
type SerialExecutor struct {
	plan   plan
	extras map[string]any
	failed bool
}

var _ execution.Executor = (*SerialExecutor)(nil)

// NewSerialExecutor runs nodes, which must be closed under their inputs.
func NewSerialExecutor(nodes []Node, keyNodes map[Node]bool, extras map[string]any) *SerialExecutor {
	return &SerialExecutor{plan: newPlan(nodes, keyNodes), extras: extras}
}

// Execute returns the combined output of the leaves. On failure it returns
// the outputs of the leaves that already ran together with the error.
func (e *SerialExecutor) Execute(ctx context.Context, factory *execution.ContextFactory) (map[string]any, error) {
	e.failed = false

	results := make(map[Node]map[string]any, len(e.plan.nodes))
	produced := func(node Node) (map[string]any, bool) {
		result, ok := results[node]

		return result, ok
	}

	for _, node := range topologicalOrder(e.plan.nodes) {
		inputs, err := resolveInputs(node, produced)
		if err == nil {
			results[node], err = e.plan.nodeRun(node).run(ctx, factory, Serial, inputs, e.extras)
		}

		if err != nil {
			e.failed = true

			logNodeFailure(ctx, factory, node, err)

			return e.plan.combine(produced), err
		}
	}

	return e.plan.combine(produced), nil
}

func (e *SerialExecutor) Failed() bool { return e.failed }

type future struct {
	done   chan struct{}
	result map[string]any
	ok     bool
}

// CooperativeExecutor starts a goroutine per node. A node waits for its
// parents without holding the scheduler token and holds it while its code
// runs, so node code never runs in parallel. The first failure stops every
// node that has not started yet.
type CooperativeExecutor struct {
	plan    plan
	extras  map[string]any
	stopped atomic.Bool

	mu      sync.Mutex
	futures map[Node]*future
}

var _ execution.Executor = (*CooperativeExecutor)(nil)

func NewCooperativeExecutor(nodes []Node, keyNodes map[Node]bool, extras map[string]any) *CooperativeExecutor {
	return &CooperativeExecutor{plan: newPlan(nodes, keyNodes), extras: extras}
}

// Execute reuses the token of factory when there is one, as when a
// subgraph runs inside a cooperative graph.
func (e *CooperativeExecutor) Execute(ctx context.Context, factory *execution.ContextFactory) (map[string]any, error) {
	e.stopped.Store(false)

	token := factory.Token()
	if token == nil {
		token = execution.NewToken()
	}

	factory = factory.Derive(token)

	e.mu.Lock()
	e.futures = make(map[Node]*future, len(e.plan.nodes))
	for _, node := range e.plan.nodes {
		e.futures[node] = &future{done: make(chan struct{})}
	}
	e.mu.Unlock()

	var group errgroup.Group

	for _, node := range e.plan.nodes {
		group.Go(func() error {
			return e.runNode(ctx, factory, token, node)
		})
	}

	err := group.Wait()

	return e.plan.combine(e.produced), err
}

func (e *CooperativeExecutor) produced(node Node) (map[string]any, bool) {
	e.mu.Lock()
	f, ok := e.futures[node]
	e.mu.Unlock()

	if !ok {
		return nil, false
	}

	select {
	case <-f.done:
		return f.result, f.ok
	default:
		return nil, false
	}
}

func (e *CooperativeExecutor) runNode(ctx context.Context, factory *execution.ContextFactory,
	token *execution.Token, node Node,
) error {
	e.mu.Lock()
	own := e.futures[node]
	e.mu.Unlock()

	defer close(own.done)

	for _, parent := range Parents(node) {
		e.mu.Lock()
		f, inGraph := e.futures[parent]
		e.mu.Unlock()

		if !inGraph {
			continue
		}

		select {
		case <-f.done:
		case <-ctx.Done():
			e.stopped.Store(true)

			return ctx.Err()
		}
	}

	if e.stopped.Load() {
		return nil
	}

	inputs, err := resolveInputs(node, e.produced)
	if err != nil {
		return e.fail(ctx, factory, node, err)
	}

	err = token.Acquire(ctx)
	if err != nil {
		return e.fail(ctx, factory, node, err)
	}

	var (
		result map[string]any
		ran    bool
	)

	err = func() error {
		defer token.Release()

		if e.stopped.Load() {
			return nil
		}

		ran = true

		var runErr error

		result, runErr = e.plan.nodeRun(node).run(ctx, factory, Cooperative, inputs, e.extras)

		return runErr
	}()
	if err != nil {
		return e.fail(ctx, factory, node, err)
	}

	if ran {
		own.result = result
		own.ok = true
	}

	return nil
}

func (e *CooperativeExecutor) fail(ctx context.Context, factory *execution.ContextFactory, node Node, err error) error {
	if e.stopped.CompareAndSwap(false, true) {
		logNodeFailure(ctx, factory, node, err)
	}

	return err
}

func (e *CooperativeExecutor) Failed() bool { return e.stopped.Load() }

func logNodeFailure(ctx context.Context, factory *execution.ContextFactory, node Node, err error) {
	factory.Logger().ErrorContext(ctx, "Stopping graph, error in node",
		"node", node.Label(),
		"error", err,
		"stack", string(debug.Stack()),
	)
}
