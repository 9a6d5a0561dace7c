// Package driver implements the evaluation engine: graph preparation, the
// heterogeneous host/device scheduler, and the host-only dirty-propagation
// fast path, wired together behind the Engine's public operations.
package driver

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/hepsoft/fitdriver/pkg/device"
	"github.com/hepsoft/fitdriver/pkg/graph"
	"k8s.io/klog/v2"
)

// Mode selects which component drives GetVal.
type Mode int

const (
	// Host runs every node through the dirty-propagation fast path (C4).
	Host Mode = iota
	// Device runs the heterogeneous scheduler (C5), dispatching
	// device-capable nodes onto the configured device.Backend.
	Device
)

func (m Mode) String() string {
	if m == Device {
		return "device"
	}
	return "host"
}

// operModeRestore undoes a single OperModeNode override installed during
// setData.
type operModeRestore struct {
	node graph.OperModeNode
	prev graph.OperMode
}

// Engine is the public surface this package exposes. Construct it once per
// top node and reuse it across repeated GetVal calls during an
// optimization.
type Engine struct {
	mode    Mode
	backend device.Backend
	top     graph.Node

	nodes []*nodeInfo
	index map[graph.NodeID]*nodeInfo

	dataMapHost   *dataMap
	dataMapDevice *dataMap
	bufferMgr     *BufferManager

	// datasetRegion is the single contiguous device allocation backing
	// every non-scalar dataset-leaf span, replaced (and released) each
	// time setData runs in Device mode.
	datasetRegion device.Memory

	getValInvocations uint64
	operModeRestores  []operModeRestore

	cachedParameters []graph.NodeID
}

var loggedArchitecture = map[string]bool{}

// Construct prepares the graph rooted at top and, in Device mode, allocates
// per-node streams and events. It fails with DeviceUnavailableError if
// Device mode is requested but backend is nil.
func Construct(top graph.Node, provider graph.Provider, mode Mode, backend device.Backend) (*Engine, error) {
	if mode == Device && backend == nil {
		return nil, &DeviceUnavailableError{}
	}

	logArchitectureInfo(mode, backend)

	nodes, index, err := prepareGraph(top, provider)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		mode:          mode,
		backend:       backend,
		top:           top,
		nodes:         nodes,
		index:         index,
		dataMapHost:   newDataMap(),
		dataMapDevice: newDataMap(),
		bufferMgr:     NewBufferManager(backend),
	}

	if mode == Device {
		for _, info := range nodes {
			stream, err := backend.NewStream()
			if err != nil {
				return nil, &DeviceError{Node: info.node.ID(), Err: err}
			}
			event, err := backend.NewEvent()
			if err != nil {
				return nil, &DeviceError{Node: info.node.ID(), Err: err}
			}
			info.stream = stream
			info.event = event
		}
	}

	return e, nil
}

// logArchitectureInfo logs once per process per distinct mode, deduping on
// a static set of (mode, backend) pairs already seen.
func logArchitectureInfo(mode Mode, backend device.Backend) {
	key := mode.String()
	if backend != nil {
		key += ":" + backend.Name()
	}
	if loggedArchitecture[key] {
		return
	}
	loggedArchitecture[key] = true

	log := klog.Background()
	if mode == Device {
		log.Info("evaluation engine using device computation library", "backend", backend.Name())
	} else {
		log.Info("evaluation engine using host computation library")
	}
}

// SetData extracts dataset spans via the collaborator, then rebinds the
// graph.
func (e *Engine) SetData(ctx context.Context, extractor graph.Extractor, opts graph.ExtractOptions) error {
	spans, err := extractor.ExtractSpans(ctx, e.top, opts)
	if err != nil {
		return err
	}
	return e.setData(spans)
}

func (e *Engine) setData(spans map[graph.NodeID]graph.Span) error {
	for _, restore := range e.operModeRestores {
		restore.node.SetOperMode(restore.prev)
	}
	e.operModeRestores = e.operModeRestores[:0]
	e.cachedParameters = nil

	// Step 1: reset buffers, clear fromDataset, mark every node dirty.
	for _, info := range e.nodes {
		if info.buffer != nil {
			info.buffer.Release()
			info.buffer = nil
		}
		info.fromDataset = false
		info.isDirty = true
	}
	if e.datasetRegion != nil {
		e.datasetRegion.Release()
		e.datasetRegion = nil
	}
	e.dataMapHost.reset()
	e.dataMapDevice.reset()

	// Step 2: publish dataset-bound spans.
	for _, info := range e.nodes {
		span, ok := spans[info.node.ID()]
		if !ok {
			continue
		}
		e.dataMapHost.set(info.node, span)
		info.fromDataset = true
		info.isDirty = false
		info.outputSize = len(span)
	}

	// Step 3: downward output-size propagation.
	if err := propagateOutputSizes(e.nodes); err != nil {
		return err
	}

	// Step 4: non-scalar nodes are flipped to "always dirty" for the
	// engine's lifetime, restored at teardown.
	for _, info := range e.nodes {
		if info.isScalar() {
			continue
		}
		if opModeNode, ok := info.node.(graph.OperModeNode); ok {
			if prev := opModeNode.OperMode(); prev != graph.AlwaysDirty {
				e.operModeRestores = append(e.operModeRestores, operModeRestore{node: opModeNode, prev: prev})
				opModeNode.SetOperMode(graph.AlwaysDirty)
			}
		}
	}

	if e.mode != Device {
		return nil
	}

	// Step 5: copy non-scalar dataset spans to device once, contiguously.
	totalSize := 0
	for _, info := range e.nodes {
		if info.fromDataset && !info.isScalar() {
			totalSize += info.outputSize
		}
	}
	var region device.Memory
	if totalSize > 0 {
		var err error
		region, err = e.backend.AllocDevice(totalSize)
		if err != nil {
			return &AllocationError{Kind: "device", N: totalSize, Err: err}
		}
		e.datasetRegion = region
	}
	idx := 0
	for _, info := range e.nodes {
		if !info.fromDataset {
			continue
		}
		hostSpan, err := e.dataMapHost.At(info.node)
		if err != nil {
			return err
		}
		if info.isScalar() {
			// Scalar observables don't need a device copy.
			e.dataMapDevice.set(info.node, hostSpan)
			continue
		}
		if info.outputSize == 0 {
			e.dataMapDevice.set(info.node, graph.Span{})
			continue
		}
		deviceSlice := region.DeviceSlice()[idx : idx+info.outputSize]
		if err := e.backend.CopyHostToDevice(sliceMemory{region, idx, info.outputSize}, hostSpan, info.stream); err != nil {
			return &DeviceError{Node: info.node.ID(), Err: err}
		}
		e.dataMapDevice.set(info.node, deviceSlice)
		idx += info.outputSize
	}

	// Step 6.
	markGPUNodes(e.nodes)
	return nil
}

// sliceMemory adapts a sub-range of a larger device.Memory region to the
// device.Memory interface so CopyHostToDevice can target just that slice.
type sliceMemory struct {
	region     device.Memory
	offset, n  int
}

func (s sliceMemory) DeviceSlice() []float64 { return s.region.DeviceSlice()[s.offset : s.offset+s.n] }
func (s sliceMemory) Release()               {}

// propagateOutputSizes computes each node's output size top-down: a node is
// scalar unless some server is non-scalar, in which case its size equals
// its non-scalar servers' common size.
func propagateOutputSizes(nodes []*nodeInfo) error {
	for _, info := range nodes {
		if info.fromDataset {
			continue
		}
		if info.node.IsReducer() {
			info.outputSize = 1
			continue
		}
		size := 1
		for _, server := range info.serverInfos {
			if server.outputSize == 1 {
				continue
			}
			if size != 1 && size != server.outputSize {
				return &SizeMismatchError{Node: info.node.ID()}
			}
			size = server.outputSize
		}
		info.outputSize = size
	}
	return nil
}

// GetVal dispatches to the dirty tracker or the heterogeneous scheduler,
// and returns the top node's first value.
func (e *Engine) GetVal() (float64, error) {
	e.getValInvocations++
	if e.mode == Device {
		return evaluateDevice(e.nodes, e.dataMapHost, e.dataMapDevice, e.bufferMgr, e.backend)
	}
	return evaluateHost(e.nodes, e.dataMapHost, e.bufferMgr)
}

// GetValInvocations returns the number of GetVal calls made so far, for
// diagnostics.
func (e *Engine) GetValInvocations() uint64 {
	return e.getValInvocations
}

// GetValues runs GetVal, then returns a copy of the top node's full
// published span.
func (e *Engine) GetValues() ([]float64, error) {
	if _, err := e.GetVal(); err != nil {
		return nil, err
	}
	span, err := e.dataMapHost.At(e.top)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(span))
	copy(out, span)
	return out, nil
}

// GetParameters returns every isVariable && !fromDataset node, sorted by
// name, cached until the next SetData.
func (e *Engine) GetParameters() ([]graph.NodeID, error) {
	if e.cachedParameters != nil {
		return e.cachedParameters, nil
	}
	type named struct {
		id   graph.NodeID
		name string
	}
	var params []named
	for _, info := range e.nodes {
		if info.isVariable && !info.fromDataset {
			params = append(params, named{id: info.node.ID(), name: info.node.Name()})
		}
	}
	sort.Slice(params, func(i, j int) bool { return params[i].name < params[j].name })

	ids := make([]graph.NodeID, len(params))
	for i, p := range params {
		ids[i] = p.id
	}
	e.cachedParameters = ids
	return ids, nil
}

// Print writes a diagnostic table: index, name, class, size, dataset-bound
// flag, first value.
func (e *Engine) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Index\tName\tClass\tSize\tFrom Data\t1st value")
	for _, info := range e.nodes {
		first := "?"
		if span, err := e.dataMapHost.At(info.node); err == nil && len(span) > 0 {
			first = fmt.Sprintf("%g", span[0])
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%v\t%s\n",
			info.iNode, info.node.Name(), info.node.ClassName(), info.outputSize, info.fromDataset, first)
	}
	return tw.Flush()
}

// Close clears the data tokens this engine installed and restores every
// operation-mode override, leaving the external graph as it found it.
func (e *Engine) Close() error {
	if e.datasetRegion != nil {
		e.datasetRegion.Release()
		e.datasetRegion = nil
	}
	for _, info := range e.nodes {
		info.node.ResetDataToken()
		if info.stream != nil {
			info.stream.Close()
		}
		if info.event != nil {
			info.event.Close()
		}
	}
	for _, restore := range e.operModeRestores {
		restore.node.SetOperMode(restore.prev)
	}
	e.operModeRestores = nil
	return nil
}
