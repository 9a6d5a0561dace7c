package driver

import (
	"fmt"

	"github.com/hepsoft/fitdriver/pkg/graph"
)

// evaluateHost is the host-only dirty-propagation fast path. It walks nodes
// in topological order exactly once per call; because servers always
// precede clients in that order, a single pass is enough to both mark a
// node's clients dirty and react to dirtiness set earlier in the same pass.
func evaluateHost(nodes []*nodeInfo, dataMapHost *dataMap, bufferMgr *BufferManager) (float64, error) {
	for _, info := range nodes {
		if info.fromDataset {
			continue
		}
		if info.isVariable {
			if err := processVariable(info, dataMapHost); err != nil {
				return 0, err
			}
			continue
		}
		if !info.isDirty {
			continue
		}
		setClientsDirty(info)
		if err := computeHostNode(info, dataMapHost, bufferMgr); err != nil {
			return 0, err
		}
		info.isDirty = false
	}

	top := nodes[len(nodes)-1]
	span, err := dataMapHost.At(top.node)
	if err != nil {
		return 0, err
	}
	return span[0], nil
}

func processVariable(info *nodeInfo, dataMapHost *dataMap) error {
	param, ok := info.node.(graph.ParameterLeaf)
	if !ok {
		return fmt.Errorf("driver: node %v marked IsParameterLeaf but does not implement graph.ParameterLeaf", info.node.ID())
	}
	counter := param.ValueResetCounter()
	if info.lastSetValCount == counter {
		return nil
	}
	info.lastSetValCount = counter
	setClientsDirty(info)
	info.scalarBuffer[0] = param.Value()
	dataMapHost.set(info.node, info.scalarBuffer[:])
	info.isDirty = false
	return nil
}

func setClientsDirty(info *nodeInfo) {
	for _, client := range info.clientInfos {
		client.isDirty = true
	}
}

// computeHostNode invokes a derived node's host kernel, acquiring a scalar
// or pooled buffer for its output and publishing the result into
// dataMapHost. Shared by the dirty tracker and the heterogeneous
// scheduler's host step.
func computeHostNode(info *nodeInfo, dataMapHost *dataMap, bufferMgr *BufferManager) error {
	var out graph.Span
	if info.isScalar() {
		out = info.scalarBuffer[:]
	} else {
		if info.buffer == nil {
			info.buffer = bufferMgr.MakeHost(info.outputSize)
		}
		out = info.buffer.HostWritePtr()
	}
	dataMapHost.set(info.node, out)

	computable, ok := info.node.(graph.Computable)
	if !ok {
		return fmt.Errorf("driver: node %v is not a leaf but does not implement graph.Computable", info.node.ID())
	}
	if err := computable.ComputeHost(out, dataMapHost); err != nil {
		return &KernelFailureError{Node: info.node.ID(), Err: err}
	}
	return nil
}
