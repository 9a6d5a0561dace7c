// Package device is the device backend collaborator: it provides
// stream/event primitives, async host<->device copy, and device-memory
// allocation. Two implementations exist, selected at compile time with a
// build tag rather than runtime detection:
//
//   - device_stub.go (default, no build tag): no device is ever available.
//   - device_cuda.go (-tags cuda): a thin cgo wrapper around a device
//     runtime.
package device

import "errors"

// ErrUnavailable is returned by New when the backend named by this build
// was compiled out (the non-cuda build), or when the underlying runtime
// reports no usable device.
var ErrUnavailable = errors.New("device: backend unavailable")

// Memory is a device-resident allocation. DeviceSlice gives kernels a view
// of it; the zero-copy semantics are the backend's concern, not the
// caller's.
type Memory interface {
	DeviceSlice() []float64
	Release()
}

// PinnedMemory is host-visible and device-writable; HostSlice is valid only
// after the stream that wrote it has been observed idle.
type PinnedMemory interface {
	Memory
	HostSlice() []float64
}

// Event is a point in a stream's timeline that another stream can wait on.
type Event interface {
	Close() error
}

// Stream is a per-node asynchronous execution queue.
type Stream interface {
	// WaitEvent enqueues a wait on ev without blocking the host.
	WaitEvent(ev Event) error
	// RecordEvent marks the current point in the stream.
	RecordEvent(ev Event) error
	// Idle reports whether every operation enqueued so far has completed.
	Idle() (bool, error)
	Close() error
}

// Backend is the device backend collaborator itself.
type Backend interface {
	// Name identifies the backend for the one-time architecture log.
	Name() string
	NewStream() (Stream, error)
	NewEvent() (Event, error)
	AllocDevice(n int) (Memory, error)
	AllocPinned(n int, stream Stream) (PinnedMemory, error)
	CopyHostToDevice(dst Memory, src []float64, stream Stream) error
}
