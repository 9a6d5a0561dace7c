// Package graphbuild is a minimal implementation of the graph-construction
// collaborator: a node registry keyed by identity, wired together into
// dependency edges, plus a reachability walk over those edges.
package graphbuild

import (
	"fmt"

	"github.com/hepsoft/fitdriver/pkg/graph"
)

// Op is the per-node kernel collaborator contract, augmented with the
// capability flags attached to every node.
type Op interface {
	Reducer() bool
	HostComputable() bool
	DeviceComputable() bool
	ComputeHost(output graph.Span, dataMap graph.DataMap) error
	ComputeDevice(output graph.Span, dataMap graph.DataMap) error
}

type kind int

const (
	kindParameter kind = iota
	kindDataset
	kindCategory
	kindDerived
)

// Node is the concrete graph.Node implementation this package builds.
// Identity is the node's name, usable directly as a map key.
type Node struct {
	id        string
	className string
	kind      kind
	servers   []*Node

	op Op

	// parameter-leaf state
	value   float64
	counter uint64

	// data-token bookkeeping, installed/cleared by the engine.
	token    int
	hasToken bool

	operMode graph.OperMode
}

func (n *Node) ID() graph.NodeID  { return n.id }
func (n *Node) Name() string      { return n.id }
func (n *Node) ClassName() string { return n.className }

func (n *Node) Servers() []graph.Node {
	out := make([]graph.Node, len(n.servers))
	for i, s := range n.servers {
		out[i] = s
	}
	return out
}

func (n *Node) IsParameterLeaf() bool { return n.kind == kindParameter }
func (n *Node) IsDatasetLeaf() bool   { return n.kind == kindDataset }
func (n *Node) IsCategoryLeaf() bool  { return n.kind == kindCategory }

func (n *Node) IsReducer() bool {
	if n.op == nil {
		return false
	}
	return n.op.Reducer()
}

func (n *Node) HostComputable() bool {
	if n.op == nil {
		return false
	}
	return n.op.HostComputable()
}

func (n *Node) DeviceComputable() bool {
	if n.op == nil {
		return false
	}
	return n.op.DeviceComputable()
}

func (n *Node) SetDataToken(token int) { n.token, n.hasToken = token, true }
func (n *Node) DataToken() (int, bool) { return n.token, n.hasToken }
func (n *Node) ResetDataToken()        { n.token, n.hasToken = 0, false }

func (n *Node) OperMode() graph.OperMode        { return n.operMode }
func (n *Node) SetOperMode(mode graph.OperMode) { n.operMode = mode }

// ValueResetCounter and Value implement graph.ParameterLeaf.
func (n *Node) ValueResetCounter() uint64 { return n.counter }
func (n *Node) Value() float64            { return n.value }

// SetValue updates a parameter leaf's value and bumps its reset counter,
// the sole signal the engine's dirty tracker watches for.
func (n *Node) SetValue(v float64) {
	if n.kind != kindParameter {
		panic(fmt.Sprintf("graphbuild: SetValue called on non-parameter node %q", n.id))
	}
	n.value = v
	n.counter++
}

func (n *Node) ComputeHost(output graph.Span, dataMap graph.DataMap) error {
	if n.op == nil {
		return fmt.Errorf("graphbuild: node %q has no host kernel", n.id)
	}
	return n.op.ComputeHost(output, dataMap)
}

func (n *Node) ComputeDevice(output graph.Span, dataMap graph.DataMap) error {
	if n.op == nil {
		return fmt.Errorf("graphbuild: node %q has no device kernel", n.id)
	}
	return n.op.ComputeDevice(output, dataMap)
}

var (
	_ graph.Node          = (*Node)(nil)
	_ graph.Computable    = (*Node)(nil)
	_ graph.ParameterLeaf = (*Node)(nil)
	_ graph.OperModeNode  = (*Node)(nil)
)

// Builder accumulates nodes into an expression graph, registering each one
// by name before any node that depends on it is created.
type Builder struct {
	nodes map[string]*Node
}

// NewBuilder returns an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{nodes: make(map[string]*Node)}
}

func (b *Builder) register(n *Node) (*Node, error) {
	if _, exists := b.nodes[n.id]; exists {
		return nil, fmt.Errorf("graphbuild: node %q already registered", n.id)
	}
	b.nodes[n.id] = n
	return n, nil
}

// Parameter adds a scalar parameter leaf with the given initial value.
func (b *Builder) Parameter(name string, initial float64) (*Node, error) {
	return b.register(&Node{id: name, className: "Parameter", kind: kindParameter, value: initial, counter: 1})
}

// Dataset adds a leaf whose value is supplied at SetData time by a
// dataset extractor; its value before the first SetData is undefined.
func (b *Builder) Dataset(name string) (*Node, error) {
	return b.register(&Node{id: name, className: "DatasetColumn", kind: kindDataset})
}

// Category adds a dataset-bound integer category leaf. Categories are a
// distinct leaf kind from plain dataset columns: IsDatasetLeaf and
// IsCategoryLeaf are mutually exclusive.
func (b *Builder) Category(name string) (*Node, error) {
	return b.register(&Node{id: name, className: "Category", kind: kindCategory})
}

// Derived adds a non-leaf node computed by op from servers, identified by
// className for diagnostics (Engine.Print).
func (b *Builder) Derived(name, className string, op Op, servers ...*Node) (*Node, error) {
	n := &Node{id: name, className: className, kind: kindDerived, op: op, servers: servers}
	return b.register(n)
}

// Provider implements graph.Provider by walking Servers() edges from the
// top node. Builder keeps no separate "all nodes" registry view external
// callers should rely on, so reachability is discovered directly from the
// graph.
type Provider struct{}

// NewProvider returns the graph provider collaborator.
func NewProvider() Provider { return Provider{} }

func (Provider) ReachableNodes(top graph.Node) ([]graph.Node, error) {
	seen := make(map[graph.NodeID]bool)
	var order []graph.Node
	var visit func(n graph.Node)
	visit = func(n graph.Node) {
		if seen[n.ID()] {
			return
		}
		seen[n.ID()] = true
		for _, s := range n.Servers() {
			visit(s)
		}
		order = append(order, n)
	}
	visit(top)
	return order, nil
}
