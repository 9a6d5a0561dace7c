//go:build cuda

package device

// #cgo CFLAGS: -I${SRCDIR}/internal/devruntime/include
// #cgo LDFLAGS: -L${SRCDIR}/internal/devruntime/lib -ldevruntime -lcudart
// #include <stdlib.h>
// #include "devruntime.h"
import "C"

import (
	"fmt"
	"unsafe"
)

type cudaBackend struct {
	deviceID int
}

// New opens device 0 of the cuda runtime linked in at build time.
func New() (Backend, error) {
	if C.devruntime_device_count() == 0 {
		return nil, ErrUnavailable
	}
	if rc := C.devruntime_set_device(0); rc != 0 {
		return nil, fmt.Errorf("device: selecting device 0: code %d", int(rc))
	}
	return &cudaBackend{deviceID: 0}, nil
}

func (b *cudaBackend) Name() string { return "CUDA" }

type cudaStream struct {
	p *C.struct_devruntime_stream
}

func (b *cudaBackend) NewStream() (Stream, error) {
	p := C.devruntime_stream_create()
	if p == nil {
		return nil, fmt.Errorf("device: creating stream")
	}
	return &cudaStream{p: p}, nil
}

type cudaEvent struct {
	p *C.struct_devruntime_event
}

func (b *cudaBackend) NewEvent() (Event, error) {
	p := C.devruntime_event_create()
	if p == nil {
		return nil, fmt.Errorf("device: creating event")
	}
	return &cudaEvent{p: p}, nil
}

func (s *cudaStream) WaitEvent(ev Event) error {
	e, ok := ev.(*cudaEvent)
	if !ok {
		return fmt.Errorf("device: foreign event type %T", ev)
	}
	if rc := C.devruntime_stream_wait_event(s.p, e.p); rc != 0 {
		return fmt.Errorf("device: stream wait event: code %d", int(rc))
	}
	return nil
}

func (s *cudaStream) RecordEvent(ev Event) error {
	e, ok := ev.(*cudaEvent)
	if !ok {
		return fmt.Errorf("device: foreign event type %T", ev)
	}
	if rc := C.devruntime_event_record(e.p, s.p); rc != 0 {
		return fmt.Errorf("device: recording event: code %d", int(rc))
	}
	return nil
}

func (s *cudaStream) Idle() (bool, error) {
	rc := C.devruntime_stream_query(s.p)
	switch rc {
	case C.DEVRUNTIME_READY:
		return true, nil
	case C.DEVRUNTIME_NOT_READY:
		return false, nil
	default:
		return false, fmt.Errorf("device: querying stream: code %d", int(rc))
	}
}

func (s *cudaStream) Close() error {
	C.devruntime_stream_destroy(s.p)
	return nil
}

func (e *cudaEvent) Close() error {
	C.devruntime_event_destroy(e.p)
	return nil
}

type cudaMemory struct {
	p    unsafe.Pointer
	n    int
	host []float64 // set only for pinned allocations
}

func (m *cudaMemory) DeviceSlice() []float64 {
	return unsafe.Slice((*float64)(m.p), m.n)
}

func (m *cudaMemory) Release() {
	if m.p != nil {
		C.devruntime_free(m.p)
		m.p = nil
	}
}

func (m *cudaMemory) HostSlice() []float64 {
	return m.host
}

func (b *cudaBackend) AllocDevice(n int) (Memory, error) {
	p := C.devruntime_malloc(C.size_t(n) * C.size_t(unsafe.Sizeof(float64(0))))
	if p == nil {
		return nil, fmt.Errorf("device: allocating %d doubles", n)
	}
	return &cudaMemory{p: p, n: n}, nil
}

func (b *cudaBackend) AllocPinned(n int, stream Stream) (PinnedMemory, error) {
	size := C.size_t(n) * C.size_t(unsafe.Sizeof(float64(0)))
	p := C.devruntime_malloc_host(size)
	if p == nil {
		return nil, fmt.Errorf("device: allocating %d pinned doubles", n)
	}
	return &cudaMemory{p: p, n: n, host: unsafe.Slice((*float64)(p), n)}, nil
}

// CopyHostToDevice copies src into dst's device-resident window. dst need
// not be a *cudaMemory directly: it only has to report a DeviceSlice() that
// is at least len(src) long and backed by cuda device memory, so a
// sub-range of a larger allocation (dst.DeviceSlice() returning an offset
// slice of a shared region) copies to the right place rather than always
// to the region's base address.
func (b *cudaBackend) CopyHostToDevice(dst Memory, src []float64, stream Stream) error {
	s, ok := stream.(*cudaStream)
	if !ok {
		return fmt.Errorf("device: foreign stream type %T", stream)
	}
	if len(src) == 0 {
		return nil
	}
	slice := dst.DeviceSlice()
	if len(slice) < len(src) {
		return fmt.Errorf("device: destination window too small for copy (%d < %d)", len(slice), len(src))
	}
	size := C.size_t(len(src)) * C.size_t(unsafe.Sizeof(float64(0)))
	if rc := C.devruntime_memcpy_h2d_async(unsafe.Pointer(&slice[0]), unsafe.Pointer(&src[0]), size, s.p); rc != 0 {
		return fmt.Errorf("device: async host->device copy: code %d", int(rc))
	}
	return nil
}
