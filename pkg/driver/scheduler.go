package driver

import (
	"fmt"
	"time"

	"github.com/hepsoft/fitdriver/pkg/device"
	"github.com/hepsoft/fitdriver/pkg/graph"
)

// idlePoll is the cooperative yield the scheduler sleeps for when nothing is
// ready; it is not a correctness mechanism, any positive duration preserves
// the scheduling invariants, and a device-ready callback could replace it
// without changing behavior.
const idlePoll = time.Millisecond

// computeInGPU implements the device-placement policy: a node computes on
// device iff it is a reducer or non-scalar, and its kernel declares device
// capability.
func computeInGPU(info *nodeInfo) bool {
	return (info.node.IsReducer() || !info.isScalar()) && info.node.DeviceComputable()
}

// placedOnDevice is the scheduler's actual runtime placement decision: a
// scalar node always runs inline on the host, overriding computeInGPU, so
// every call site that needs to know where a node will really run,
// including markGPUNodes' own prediction, must go through this, not
// computeInGPU alone.
func placedOnDevice(info *nodeInfo) bool {
	return !info.isScalar() && computeInGPU(info)
}

// markGPUNodes sets copyAfterEvaluation on every non-scalar node whose
// placement differs from at least one client's placement. Called from
// setData after device mode's dataset spans have been published.
func markGPUNodes(nodes []*nodeInfo) {
	for _, info := range nodes {
		info.copyAfterEvaluation = false
		if info.isScalar() {
			continue
		}
		placement := placedOnDevice(info)
		for _, client := range info.clientInfos {
			if placement != placedOnDevice(client) {
				info.copyAfterEvaluation = true
				break
			}
		}
	}
}

// evaluateDevice is the heterogeneous scheduler. It drives node.stream/
// node.event pairs installed at Construct time and is the only place that
// ever blocks the host thread (the idlePoll sleep).
func evaluateDevice(nodes []*nodeInfo, dataMapHost, dataMapDevice *dataMap, bufferMgr *BufferManager, backend device.Backend) (float64, error) {
	for _, info := range nodes {
		info.remClients = len(info.clientInfos)
		info.remServers = len(info.serverInfos)
		info.buffer = nil
		info.ranOnDevice = false
	}

	for _, info := range nodes {
		if info.remServers == 0 && placedOnDevice(info) {
			if err := assignToDevice(info, dataMapHost, dataMapDevice, bufferMgr); err != nil {
				return 0, err
			}
		}
	}

	top := nodes[len(nodes)-1]
	for top.remServers != -2 {
		progressed, err := drainCompletedDevice(nodes, dataMapHost, dataMapDevice, bufferMgr)
		if err != nil {
			return 0, err
		}

		ready := pickReadyHost(nodes)
		if ready == nil {
			if !progressed {
				time.Sleep(idlePoll)
			}
			continue
		}

		if err := runHost(ready, dataMapHost, dataMapDevice, bufferMgr); err != nil {
			return 0, err
		}

		for _, client := range ready.clientInfos {
			client.remServers--
			if client.remServers == 0 && placedOnDevice(client) {
				if err := assignToDevice(client, dataMapHost, dataMapDevice, bufferMgr); err != nil {
					return 0, err
				}
			}
		}
		releaseFinishedServers(ready)
	}

	span, err := dataMapHost.At(top.node)
	if err != nil {
		return 0, err
	}
	return span[0], nil
}

// drainCompletedDevice scans nodes whose device kernel was launched and
// retires those whose stream is idle.
func drainCompletedDevice(nodes []*nodeInfo, dataMapHost, dataMapDevice *dataMap, bufferMgr *BufferManager) (bool, error) {
	progressed := false
	for _, info := range nodes {
		if info.remServers != -1 {
			continue
		}
		idle, err := info.stream.Idle()
		if err != nil {
			return progressed, &DeviceError{Node: info.node.ID(), Err: err}
		}
		if !idle {
			continue
		}
		progressed = true
		info.remServers = -2
		for _, client := range info.clientInfos {
			client.remServers--
			if client.remServers == 0 && placedOnDevice(client) {
				if err := assignToDevice(client, dataMapHost, dataMapDevice, bufferMgr); err != nil {
					return progressed, err
				}
			}
		}
		releaseFinishedServers(info)
	}
	return progressed, nil
}

// pickReadyHost returns the earliest topological node with remServers==0
// that is not device-placed (or is scalar, which always runs inline on the
// host), for deterministic scheduling.
func pickReadyHost(nodes []*nodeInfo) *nodeInfo {
	for _, info := range nodes {
		if info.remServers == 0 && !placedOnDevice(info) {
			return info
		}
	}
	return nil
}

// runHost executes a node chosen by pickReadyHost. Scalar nodes are always
// mirrored into the device DataMap immediately afterward, so device
// kernels can read them without waiting on an event that was never
// recorded for a host-executed node.
func runHost(info *nodeInfo, dataMapHost, dataMapDevice *dataMap, bufferMgr *BufferManager) error {
	info.remServers = -2

	if !info.fromDataset {
		if info.isVariable {
			if err := processVariable(info, dataMapHost); err != nil {
				return err
			}
		} else if err := computeHostNode(info, dataMapHost, bufferMgr); err != nil {
			return err
		}
	}

	if info.isScalar() {
		span, err := dataMapHost.At(info.node)
		if err == nil {
			dataMapDevice.set(info.node, span)
		}
	}
	return nil
}

func releaseFinishedServers(info *nodeInfo) {
	for _, server := range info.serverInfos {
		server.remClients--
		if server.remClients == 0 && server.buffer != nil {
			server.buffer.Release()
			server.buffer = nil
		}
	}
}

// assignToDevice launches a node's device kernel: wait on server events,
// acquire an output buffer, dispatch the device kernel, record completion,
// and mirror the result back to the host if any client needs it there.
func assignToDevice(info *nodeInfo, dataMapHost, dataMapDevice *dataMap, bufferMgr *BufferManager) error {
	info.remServers = -1

	for _, server := range info.serverInfos {
		if server.ranOnDevice && server.event != nil {
			if err := info.stream.WaitEvent(server.event); err != nil {
				return &DeviceError{Node: info.node.ID(), Err: err}
			}
		}
	}

	nOut := info.outputSize
	var out graph.Span
	var err error
	if info.copyAfterEvaluation {
		info.buffer, err = bufferMgr.MakePinned(nOut, info.stream)
	} else {
		info.buffer, err = bufferMgr.MakeDevice(nOut)
	}
	if err != nil {
		return err
	}
	// Pooled memory is bucket-sized; publish exactly outputSize elements.
	out = info.buffer.DeviceWritePtr()[:nOut]
	dataMapDevice.set(info.node, out)

	computable, ok := info.node.(graph.Computable)
	if !ok {
		return fmt.Errorf("driver: node %v is device-placed but does not implement graph.Computable", info.node.ID())
	}
	if err := computable.ComputeDevice(out, dataMapDevice); err != nil {
		return &KernelFailureError{Node: info.node.ID(), Err: err}
	}

	if err := info.stream.RecordEvent(info.event); err != nil {
		return &DeviceError{Node: info.node.ID(), Err: err}
	}
	info.ranOnDevice = true

	if info.copyAfterEvaluation {
		dataMapHost.set(info.node, info.buffer.HostReadPtr())
	}
	return nil
}
