package driver

import (
	"github.com/hepsoft/fitdriver/pkg/device"
	"github.com/hepsoft/fitdriver/pkg/graph"
)

// nodeInfo is the engine-private per-node record. serverInfos/clientInfos
// are non-owning indices into the engine's single owning []*nodeInfo slice:
// in Go terms that just means they're plain pointers into a slice the
// Engine keeps alive for its own lifetime, never into anything externally
// owned.
type nodeInfo struct {
	node  graph.Node
	iNode int

	outputSize  int
	fromDataset bool
	isVariable  bool
	isDirty     bool

	lastSetValCount uint64
	scalarBuffer    [1]float64
	buffer          *Buffer

	// Heterogeneous-mode scheduler bookkeeping.
	remClients int
	remServers int
	event      device.Event
	stream     device.Stream
	// ranOnDevice records that this node's most recent completed
	// computation was produced by assignToDevice, so the scheduler knows
	// whether a cross-stream event wait is meaningful for its clients.
	ranOnDevice         bool
	copyAfterEvaluation bool

	serverInfos []*nodeInfo
	clientInfos []*nodeInfo
}

func (n *nodeInfo) isScalar() bool { return n.outputSize == 1 }

// prepareGraph builds the topologically-ordered NodeInfo vector for top,
// using a fixed-point "scan until no progress" algorithm over full
// server/client back-edges.
func prepareGraph(top graph.Node, provider graph.Provider) ([]*nodeInfo, map[graph.NodeID]*nodeInfo, error) {
	reachable, err := provider.ReachableNodes(top)
	if err != nil {
		return nil, nil, err
	}

	byID := make(map[graph.NodeID]graph.Node, len(reachable))
	for _, n := range reachable {
		byID[n.ID()] = n
	}

	done := make(map[graph.NodeID]bool, len(reachable))
	order := make([]graph.Node, 0, len(reachable))

	for {
		progress := false
		for _, n := range reachable {
			id := n.ID()
			if done[id] {
				continue
			}
			ready := true
			for _, server := range n.Servers() {
				if !done[server.ID()] {
					ready = false
					break
				}
			}
			if ready {
				done[id] = true
				order = append(order, n)
				progress = true
			}
		}
		if !progress {
			break
		}
	}

	if len(order) != len(reachable) {
		var remaining []graph.NodeID
		for _, n := range reachable {
			if !done[n.ID()] {
				remaining = append(remaining, n.ID())
			}
		}
		return nil, nil, &CycleDetectedError{Remaining: remaining}
	}

	nodes := make([]*nodeInfo, len(order))
	index := make(map[graph.NodeID]*nodeInfo, len(order))
	for i, n := range order {
		info := &nodeInfo{
			node:            n,
			iNode:           i,
			isVariable:      n.IsParameterLeaf(),
			isDirty:         true,
			lastSetValCount: ^uint64(0), // forces a recompute on the first evaluation
		}
		nodes[i] = info
		index[n.ID()] = info

		if !n.IsParameterLeaf() {
			n.SetDataToken(i)
		}
	}

	for _, info := range nodes {
		for _, server := range info.node.Servers() {
			serverInfo, ok := index[server.ID()]
			if !ok {
				continue
			}
			info.serverInfos = append(info.serverInfos, serverInfo)
			serverInfo.clientInfos = append(serverInfo.clientInfos, info)
		}
	}

	return nodes, index, nil
}
