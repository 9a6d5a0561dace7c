package driver

import "github.com/hepsoft/fitdriver/pkg/graph"

// dataMap is the DataMap component (C2): a node-keyed map of the currently
// published span for one side (host or device) of an evaluation. It
// implements graph.DataMap so kernels can read their inputs through
// exactly the same interface the engine uses internally.
type dataMap struct {
	spans map[graph.NodeID]graph.Span
}

func newDataMap() *dataMap {
	return &dataMap{spans: make(map[graph.NodeID]graph.Span)}
}

func (m *dataMap) set(node graph.Node, span graph.Span) {
	m.spans[node.ID()] = span
}

// At implements graph.DataMap. It fails with UnboundNodeError if node has
// not been published on this side during the current evaluation.
func (m *dataMap) At(node graph.Node) (graph.Span, error) {
	span, ok := m.spans[node.ID()]
	if !ok {
		return nil, &UnboundNodeError{Node: node.ID()}
	}
	return span, nil
}

func (m *dataMap) reset() {
	for k := range m.spans {
		delete(m.spans, k)
	}
}
