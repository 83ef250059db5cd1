// Package workflow runs experiments defined as graphs of nodes or as a
// single script function.
package workflow

import (
	"context"
	"log/slog"
	"sort"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/execution"
)

// Output references a named output of a node.
type Output struct {
	Node Node
	Name string
}

// Node is a unit of work in a graph.
type Node interface {
	Label() string
	// Inputs maps input names to the parent outputs feeding them.
	Inputs() map[string]Output
	OutputVars() []string
	// MustRunAfter lists nodes that run first when they are in the same graph.
	MustRunAfter() []Node
	SaveResults() bool
	// RetryPolicy returns nil when failures are not retried.
	RetryPolicy() *RetryPolicy

	// Execute is used by the serial executor.
	Execute(ctx context.Context, call *Call) (map[string]any, error)
	// ExecuteAsync is used by the cooperative executor. Implementations
	// yield through Call.Context().Suspend.
	ExecuteAsync(ctx context.Context, call *Call) (map[string]any, error)
}

// Call is one invocation of a node.
type Call struct {
	inputs map[string]any
	ctx    *execution.Context
	isLast bool
	extras map[string]any
	params map[string]any
}

func newCall(inputs map[string]any, ctx *execution.Context, isLast bool, extras map[string]any) *Call {
	return &Call{
		inputs: inputs,
		ctx:    ctx,
		isLast: isLast,
		extras: extras,
		params: make(map[string]any),
	}
}

func (c *Call) Context() *execution.Context { return c.ctx }
func (c *Call) IsLast() bool                { return c.isLast }
func (c *Call) Inputs() map[string]any      { return c.inputs }
func (c *Call) Extras() map[string]any      { return c.extras }

func (c *Call) Input(name string) (any, bool) {
	value, ok := c.inputs[name]

	return value, ok
}

func (c *Call) Extra(name string) (any, bool) {
	value, ok := c.extras[name]

	return value, ok
}

// Param returns a declared parameter, resolved from the inputs first and
// the run extras second.
func (c *Call) Param(name string) any {
	return c.params[name]
}

// Variadic returns the inputs not bound to a declared parameter, ordered by input name.
func (c *Call) Variadic() []any {
	names := make([]string, 0, len(c.inputs))

	for name := range c.inputs {
		if _, bound := c.params[name]; !bound {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	values := make([]any, 0, len(names))
	for _, name := range names {
		values = append(values, c.inputs[name])
	}

	return values
}

// bind resolves the declared parameters of label.
func (c *Call) bind(label string, params []string) error {
	for _, name := range params {
		if value, ok := c.inputs[name]; ok {
			c.params[name] = value

			continue
		}

		if value, ok := c.extras[name]; ok {
			c.params[name] = value

			continue
		}

		return errdefs.InvalidArgument("Execute", label, "parameter "+name+" is neither an input nor a run argument")
	}

	return nil
}

// baseNode holds what every node declares.
type baseNode struct {
	self         Node
	label        string
	inputs       map[string]Output
	outputs      []string
	mustRunAfter []Node
	saveResults  bool
	retry        *RetryPolicy
	params       []string
}

func (n *baseNode) Label() string        { return n.label }
func (n *baseNode) OutputVars() []string { return append([]string{}, n.outputs...) }
func (n *baseNode) MustRunAfter() []Node { return append([]Node{}, n.mustRunAfter...) }
func (n *baseNode) SaveResults() bool    { return n.saveResults }

func (n *baseNode) RetryPolicy() *RetryPolicy {
	return n.retry
}

func (n *baseNode) Inputs() map[string]Output {
	inputs := make(map[string]Output, len(n.inputs))
	for name, output := range n.inputs {
		inputs[name] = output
	}

	return inputs
}

// Outputs returns references to every declared output.
func (n *baseNode) Outputs() map[string]Output {
	outputs := make(map[string]Output, len(n.outputs))
	for _, name := range n.outputs {
		outputs[name] = Output{Node: n.self, Name: name}
	}

	return outputs
}

// Out returns a reference to the output name.
func (n *baseNode) Out(name string) Output {
	return Output{Node: n.self, Name: name}
}

// AddInput feeds the input name from a parent output.
func (n *baseNode) AddInput(name string, output Output) error {
	if _, ok := n.inputs[name]; ok {
		return errdefs.Newf("AddInput", n.label, errdefs.ErrAlreadyExists, "input %s already exists", name)
	}

	n.inputs[name] = output

	return nil
}

func (n *baseNode) Parents() []Node   { return Parents(n.self) }
func (n *baseNode) Ancestors() []Node { return Ancestors(n.self) }

// keepDeclared drops undeclared outputs and logs declared ones that are missing.
func (n *baseNode) keepDeclared(logger *slog.Logger, result map[string]any) map[string]any {
	outputs := make(map[string]any, len(n.outputs))
	if result == nil {
		return outputs
	}

	for _, name := range n.outputs {
		value, ok := result[name]
		if !ok {
			logger.Error("Could not fetch output from the results of node", "node", n.label, "output", name)

			continue
		}

		outputs[name] = value
	}

	return outputs
}

type NodeOption func(*baseNode)

// WithInput feeds the input name from a parent output.
func WithInput(name string, output Output) NodeOption {
	return func(n *baseNode) {
		n.inputs[name] = output
	}
}

func WithOutputs(names ...string) NodeOption {
	return func(n *baseNode) {
		n.outputs = append(n.outputs, names...)
	}
}

func WithMustRunAfter(nodes ...Node) NodeOption {
	return func(n *baseNode) {
		n.mustRunAfter = append(n.mustRunAfter, nodes...)
	}
}

// WithSaveResults controls whether outputs are saved as results. The default is true.
func WithSaveResults(save bool) NodeOption {
	return func(n *baseNode) {
		n.saveResults = save
	}
}

func WithRetry(policy RetryPolicy) NodeOption {
	return func(n *baseNode) {
		n.retry = &policy
	}
}

// WithParams declares parameters the node function reads through Call.Param.
func WithParams(names ...string) NodeOption {
	return func(n *baseNode) {
		n.params = append(n.params, names...)
	}
}

func newBaseNode(self Node, label string, opts []NodeOption) baseNode {
	n := baseNode{
		self:        self,
		label:       label,
		inputs:      make(map[string]Output),
		saveResults: true,
	}

	for _, opt := range opts {
		opt(&n)
	}

	return n
}

// Parents returns the nodes feeding n followed by its must-run-after nodes,
// without duplicates.
func Parents(n Node) []Node {
	inputs := n.Inputs()

	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}

	sort.Strings(names)

	seen := make(map[Node]bool)
	parents := make([]Node, 0, len(names))

	add := func(parent Node) {
		if parent == nil || seen[parent] {
			return
		}

		seen[parent] = true

		parents = append(parents, parent)
	}

	for _, name := range names {
		add(inputs[name].Node)
	}

	for _, parent := range n.MustRunAfter() {
		add(parent)
	}

	return parents
}

// Ancestors returns n and every node it takes inputs from, transitively.
func Ancestors(n Node) []Node {
	seen := map[Node]bool{n: true}
	ancestors := []Node{n}

	for i := 0; i < len(ancestors); i++ {
		for _, output := range sortedInputs(ancestors[i]) {
			if output.Node == nil || seen[output.Node] {
				continue
			}

			seen[output.Node] = true

			ancestors = append(ancestors, output.Node)
		}
	}

	return ancestors
}

func sortedInputs(n Node) []Output {
	inputs := n.Inputs()

	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}

	sort.Strings(names)

	outputs := make([]Output, 0, len(names))
	for _, name := range names {
		outputs = append(outputs, inputs[name])
	}

	return outputs
}

// Func is the body of a FuncNode.
type Func func(ctx context.Context, call *Call) (map[string]any, error)

// FuncNode runs a Go function.
type FuncNode struct {
	baseNode

	fn Func
}

var _ Node = (*FuncNode)(nil)

func NewFuncNode(label string, fn Func, opts ...NodeOption) *FuncNode {
	node := &FuncNode{fn: fn}
	node.baseNode = newBaseNode(node, label, opts)

	return node
}

func (n *FuncNode) Execute(ctx context.Context, call *Call) (map[string]any, error) {
	err := call.bind(n.label, n.params)
	if err != nil {
		return nil, err
	}

	result, err := n.fn(ctx, call)
	if err != nil {
		return nil, err
	}

	return n.keepDeclared(call.Context().Logger(), result), nil
}

// ExecuteAsync runs the same function. It yields wherever the function calls Suspend.
func (n *FuncNode) ExecuteAsync(ctx context.Context, call *Call) (map[string]any, error) {
	return n.Execute(ctx, call)
}
