// Package graph defines the collaborator contracts the evaluation engine in
// pkg/driver consumes: the expression graph itself, its per-node kernels, and
// the dataset extractor that binds leaves to data. None of the types here
// know anything about scheduling, buffers, or dirty tracking; that is the
// engine's job.
package graph

import "context"

// NodeID is an opaque node identity, usable as a map key. Concrete graph
// implementations are free to use whatever underlying type fits (this
// package only needs comparability).
type NodeID interface{}

// Span is a contiguous run of double-precision values, the unit of data
// exchange between nodes.
type Span []float64

// Node is a vertex in the expression graph. Implementations are provided by
// a graph-construction package (see pkg/graphbuild); the engine never
// constructs nodes itself.
type Node interface {
	ID() NodeID
	Name() string
	ClassName() string

	// Servers returns this node's value-server (input) edges, in a stable
	// order. The engine derives client edges by inverting this list.
	Servers() []Node

	IsParameterLeaf() bool
	IsDatasetLeaf() bool
	IsCategoryLeaf() bool
	IsReducer() bool

	HostComputable() bool
	DeviceComputable() bool

	// Data tokens are installed by the engine at construction and cleared
	// at teardown; they let kernels do an O(1) lookup of their own output
	// slot instead of a map lookup keyed by identity.
	SetDataToken(token int)
	DataToken() (int, bool)
	ResetDataToken()
}

// Computable is implemented by every non-leaf node; it is the opaque
// kernel callback the engine dispatches to without knowing what it does.
type Computable interface {
	ComputeHost(output Span, dataMap DataMap) error
	ComputeDevice(output Span, dataMap DataMap) error
}

// ParameterLeaf is implemented by scalar parameter leaves. The engine polls
// ValueResetCounter to decide whether the leaf (and its clients) are dirty.
type ParameterLeaf interface {
	Node
	ValueResetCounter() uint64
	Value() float64
}

// OperModeNode is optionally implemented by nodes that maintain their own
// internal evaluate-on-demand cache. The engine uses it to flip non-scalar
// nodes to "always dirty" for the engine's lifetime, overriding that cache.
type OperModeNode interface {
	Node
	OperMode() OperMode
	SetOperMode(OperMode)
}

// OperMode mirrors the two states a node's own caching layer can be in.
type OperMode int

const (
	// Auto lets the node decide for itself whether its cached value is
	// still valid.
	Auto OperMode = iota
	// AlwaysDirty means the node must never trust its own cache; the
	// engine is the sole owner of dirtiness while it holds this override.
	AlwaysDirty
)

// DataMap is the per-evaluation node -> published-span lookup that kernels
// read their inputs from. pkg/driver provides the concrete implementation;
// this interface is all a Computable needs to see.
type DataMap interface {
	At(node Node) (Span, error)
}

// Provider yields the value-reachable subgraph of a top node. The engine
// never walks Servers() edges itself to discover the universe of nodes, so
// graphs with additional reachability rules (e.g. category nodes, shared
// caches) can supply their own traversal.
type Provider interface {
	ReachableNodes(top Node) ([]Node, error)
}

// ExtractOptions names the row-selection and publication policies the
// dataset extractor collaborator applies.
type ExtractOptions struct {
	RangeName                     string
	Partitioning                  string
	SkipZeroWeights               bool
	TakeGlobalObservablesFromData bool
}

// Extractor is the "dataset extractor" collaborator: given the top node and
// extraction policy, it produces the spans that should be published as
// dataset-leaf values for the next evaluation.
type Extractor interface {
	ExtractSpans(ctx context.Context, top Node, opts ExtractOptions) (map[NodeID]Span, error)
}
