package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/eventbus"
	"github.com/dukex/entropy/pkg/execution"
	"github.com/dukex/entropy/pkg/log"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/resources"
	"github.com/dukex/entropy/pkg/results"
	"go.opentelemetry.io/otel/trace"
)

type GraphOptions struct {
	Label string
	Story string
	User  string
	// KeyNodes are flagged in the node records as the results of the graph.
	KeyNodes []Node
	Mode     Mode
	// ExperimentResult overrides whether the combined leaf output is saved
	// at stage -1. It defaults to true.
	ExperimentResult *bool

	Logger *slog.Logger
	Bus    eventbus.EventBus
	Tracer trace.Tracer
}

// Graph is an experiment defined by a DAG of nodes.
type Graph struct {
	resources *resources.ExperimentResources
	opts      GraphOptions
	nodes     []Node
	keyNodes  map[Node]bool
}

// NewGraph validates nodes: every node feeding an input must be part of the
// graph and the graph must be acyclic. res may be nil.
func NewGraph(res *resources.ExperimentResources, nodes []Node, opts GraphOptions) (*Graph, error) {
	if opts.Logger == nil {
		opts.Logger = log.WithModule("graph")
	}

	nodes, err := validateNodes(nodes)
	if err != nil {
		return nil, err
	}

	keyNodes := make(map[Node]bool, len(opts.KeyNodes))
	for _, node := range opts.KeyNodes {
		keyNodes[node] = true
	}

	return &Graph{
		resources: res,
		opts:      opts,
		nodes:     nodes,
		keyNodes:  keyNodes,
	}, nil
}

func validateNodes(nodes []Node) ([]Node, error) {
	if len(nodes) == 0 {
		return nil, errdefs.InvalidArgument("NewGraph", "", "a graph needs at least one node")
	}

	unique := make([]Node, 0, len(nodes))
	inGraph := make(map[Node]bool, len(nodes))

	for _, node := range nodes {
		if node == nil {
			return nil, errdefs.InvalidArgument("NewGraph", "", "nil node")
		}

		if !inGraph[node] {
			inGraph[node] = true

			unique = append(unique, node)
		}
	}

	outside := make([]string, 0)

	for _, node := range unique {
		if policy := node.RetryPolicy(); policy != nil {
			err := policy.Validate()
			if err != nil {
				return nil, errdefs.InvalidArgument("NewGraph", node.Label(), err.Error())
			}
		}

		for _, ancestor := range Ancestors(node) {
			if !inGraph[ancestor] && !slices.Contains(outside, ancestor.Label()) {
				outside = append(outside, ancestor.Label())
			}
		}

		for name, output := range node.Inputs() {
			if output.Node != nil && !slices.Contains(output.Node.OutputVars(), output.Name) {
				return nil, errdefs.InvalidArgument("NewGraph", node.Label(),
					fmt.Sprintf("input %s reads undeclared output %s of node %s", name, output.Name, output.Node.Label()))
			}
		}
	}

	if len(outside) > 0 {
		return nil, errdefs.InvalidArgument("NewGraph", "",
			"nodes have inputs that are not part of this graph: "+strings.Join(outside, ", "))
	}

	err := detectCycles(unique, inGraph)
	if err != nil {
		return nil, err
	}

	return unique, nil
}

// detectCycles is a depth-first search over the parent edges inside the graph.
func detectCycles(nodes []Node, inGraph map[Node]bool) error {
	permanent := make(map[Node]bool, len(nodes))
	temporary := make(map[Node]bool)

	var visit func(node Node) error
	visit = func(node Node) error {
		if permanent[node] {
			return nil
		}

		if temporary[node] {
			return errdefs.InvalidArgument("NewGraph", node.Label(), "cycle detected involving node "+node.Label())
		}

		temporary[node] = true

		for _, parent := range Parents(node) {
			if !inGraph[parent] {
				continue
			}

			err := visit(parent)
			if err != nil {
				return err
			}
		}

		delete(temporary, node)
		permanent[node] = true

		return nil
	}

	for _, node := range nodes {
		err := visit(node)
		if err != nil {
			return err
		}
	}

	return nil
}

// leavesOf returns the nodes no other node in nodes depends on, in definition order.
func leavesOf(nodes []Node) []Node {
	isParent := make(map[Node]bool)

	for _, node := range nodes {
		for _, parent := range Parents(node) {
			isParent[parent] = true
		}
	}

	leaves := make([]Node, 0)

	for _, node := range nodes {
		if !isParent[node] {
			leaves = append(leaves, node)
		}
	}

	return leaves
}

// topologicalOrder is Kahn's algorithm with ties broken by definition order.
func topologicalOrder(nodes []Node) []Node {
	inGraph := make(map[Node]bool, len(nodes))
	for _, node := range nodes {
		inGraph[node] = true
	}

	done := make(map[Node]bool, len(nodes))
	order := make([]Node, 0, len(nodes))

	ready := func(node Node) bool {
		for _, parent := range Parents(node) {
			if inGraph[parent] && !done[parent] {
				return false
			}
		}

		return true
	}

	for len(order) < len(nodes) {
		progressed := false

		for _, node := range nodes {
			if done[node] || !ready(node) {
				continue
			}

			done[node] = true

			order = append(order, node)
			progressed = true

			break
		}

		if !progressed {
			break
		}
	}

	return order
}

func (g *Graph) Nodes() []Node {
	return append([]Node{}, g.nodes...)
}

func (g *Graph) Leaves() []Node {
	return leavesOf(g.Nodes())
}

func (g *Graph) TopologicalOrder() []Node {
	return topologicalOrder(g.Nodes())
}

// Serialize returns the graph in DOT format. Repeated labels get a numeric suffix.
func (g *Graph) Serialize() string {
	return dot(g.Nodes())
}

func dot(nodes []Node) string {
	names := make(map[Node]string, len(nodes))
	seen := make(map[string]int)

	name := func(node Node) string {
		if n, ok := names[node]; ok {
			return n
		}

		seen[node.Label()]++

		n := node.Label()
		if count := seen[node.Label()]; count > 1 {
			n = node.Label() + "_" + strconv.Itoa(count)
		}

		names[node] = n

		return n
	}

	var b strings.Builder

	b.WriteString("digraph {\n\trankdir=LR\n")

	for _, node := range nodes {
		fmt.Fprintf(&b, "\t%s [shape=box]\n", strconv.Quote(name(node)))
	}

	for _, node := range nodes {
		inputs := sortedInputs(node)

		for _, parent := range Parents(node) {
			edge := make([]string, 0)

			for _, input := range inputs {
				if input.Node == parent {
					edge = append(edge, input.Name)
				}
			}

			fmt.Fprintf(&b, "\t%s -> %s [label=%s]\n",
				strconv.Quote(name(parent)), strconv.Quote(name(node)), strconv.Quote(strings.Join(edge, ",")))
		}
	}

	b.WriteString("}\n")

	return b.String()
}

// Run executes the graph as a new experiment. extras are passed to node
// functions as run arguments. A nil writer keeps the results in memory.
func (g *Graph) Run(ctx context.Context, writer results.DataWriter, extras map[string]any) (*Handle, error) {
	return g.run(ctx, g.nodes, g.opts.Label, writer, extras)
}

// RunToNode runs only node and its ancestors as a new experiment. The
// graph is left unchanged.
func (g *Graph) RunToNode(ctx context.Context, node Node, writer results.DataWriter, label string,
	extras map[string]any,
) (*Handle, error) {
	if !slices.Contains(g.nodes, node) {
		return nil, errdefs.Newf("RunToNode", labelOf(node), errdefs.ErrNotFound, "node is not in graph")
	}

	ancestors := Ancestors(node)
	nodes := make([]Node, 0, len(ancestors))

	for _, candidate := range g.nodes {
		if slices.Contains(ancestors, candidate) {
			nodes = append(nodes, candidate)
		}
	}

	if label == "" {
		label = g.opts.Label
	}

	g.opts.Logger.InfoContext(ctx, "Running node and dependencies", "node", node.Label())

	return g.run(ctx, nodes, label, writer, extras)
}

func (g *Graph) run(ctx context.Context, nodes []Node, label string, writer results.DataWriter,
	extras map[string]any,
) (*Handle, error) {
	reader, writer := readerFor(ctx, g.opts.Logger, writer)

	experimentResult := true
	if g.opts.ExperimentResult != nil {
		experimentResult = *g.opts.ExperimentResult
	}

	p := newPlan(nodes, g.keyNodes)

	experiment := execution.NewExperiment(execution.Definition{
		Label:            label,
		Story:            g.opts.Story,
		User:             g.opts.User,
		Script:           dot(nodes),
		Resources:        g.resources,
		Executor:         newExecutor(g.opts.Mode, p, extras),
		ExperimentResult: experimentResult,
		Logger:           g.opts.Logger,
		Bus:              g.opts.Bus,
		Tracer:           g.opts.Tracer,
	})

	id, err := experiment.Run(ctx, writer)
	if id == 0 {
		return nil, err
	}

	return &Handle{ID: id, reader: reader, dot: dot(nodes)}, err
}

// readerFor returns a reader over what writer stores, replacing a nil
// writer with an in-memory one.
func readerFor(ctx context.Context, logger *slog.Logger, writer results.DataWriter) (results.Reader, results.DataWriter) {
	if writer == nil {
		logger.WarnContext(ctx, "No results database configured, results are kept in memory only")

		memory := execution.NewMemoryWriter()

		return memory, memory
	}

	reader, _ := writer.(results.Reader)

	return reader, writer
}

func labelOf(node Node) string {
	if node == nil {
		return ""
	}

	return node.Label()
}

// Handle refers to one finished run.
type Handle struct {
	ID int64

	reader results.Reader
	dot    string
}

// Results returns a reader over the stored data, nil when the writer cannot be read back.
func (h *Handle) Results() results.Reader { return h.reader }

// DOT returns the graph that ran, in DOT format.
func (h *Handle) DOT() string { return h.dot }

// ResultsFromNode groups the results of every invocation of the node labelled nodeLabel.
func (h *Handle) ResultsFromNode(ctx context.Context, nodeLabel, resultLabel string) ([]models.NodeResults, error) {
	if h.reader == nil {
		return nil, errdefs.Unsupported("ResultsFromNode", nodeLabel, "the results writer cannot be read back")
	}

	return h.reader.GetResultsFromNode(ctx, nodeLabel, &h.ID, resultLabel)
}
