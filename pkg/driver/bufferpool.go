package driver

import (
	"math/bits"

	"github.com/hepsoft/fitdriver/pkg/device"
)

// bufferKind distinguishes the three kinds of pooled buffer.
type bufferKind int

const (
	kindHost bufferKind = iota
	kindDevice
	kindPinned
)

// Buffer is a pooled allocation of at least N float64 elements. It is
// returned to its owning BufferManager's pool when Release is called; pool
// return and reissue must be O(1), so pools are keyed by (kind, bucketed
// size) rather than exact size.
type Buffer struct {
	kind   bufferKind
	bucket int
	mgr    *BufferManager

	host   []float64    // valid for kindHost and kindPinned
	device device.Memory // valid for kindDevice and kindPinned (pinned device.PinnedMemory)
}

func (b *Buffer) HostWritePtr() []float64 {
	return b.host
}

func (b *Buffer) HostReadPtr() []float64 {
	return b.host
}

func (b *Buffer) DeviceWritePtr() []float64 {
	return b.device.DeviceSlice()
}

func (b *Buffer) DeviceReadPtr() []float64 {
	return b.device.DeviceSlice()
}

// Release returns the buffer to its pool. Callers must not do this while
// the owning node's remClients is still > 0; setData and the scheduler are
// the only callers and both honor that.
func (b *Buffer) Release() {
	if b == nil || b.mgr == nil {
		return
	}
	b.mgr.release(b)
}

// BufferManager pools host, pinned-host, and device buffers of varying
// sizes. The engine is single-threaded, so no mutex guards the pool maps.
type BufferManager struct {
	backend device.Backend // nil in host-only mode

	hostPool   map[int][][]float64
	devicePool map[int][]device.Memory
	pinnedPool map[int][]device.PinnedMemory
}

// NewBufferManager constructs a buffer manager. backend may be nil when the
// engine runs in host-only mode; MakeDevice/MakePinned then always fail.
func NewBufferManager(backend device.Backend) *BufferManager {
	return &BufferManager{
		backend:    backend,
		hostPool:   make(map[int][][]float64),
		devicePool: make(map[int][]device.Memory),
		pinnedPool: make(map[int][]device.PinnedMemory),
	}
}

// bucketFor rounds n up to the next power of two, bounding the number of
// distinct pool buckets a long-running fit will ever create.
func bucketFor(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// MakeHost returns a buffer with at least n elements, writable via
// HostWritePtr/HostReadPtr.
func (m *BufferManager) MakeHost(n int) *Buffer {
	bucket := bucketFor(n)
	pool := m.hostPool[bucket]
	var host []float64
	if len(pool) > 0 {
		host = pool[len(pool)-1]
		m.hostPool[bucket] = pool[:len(pool)-1]
	} else {
		host = make([]float64, bucket)
	}
	return &Buffer{kind: kindHost, bucket: bucket, mgr: m, host: host[:n]}
}

// MakeDevice returns a device-writable buffer of at least n elements.
func (m *BufferManager) MakeDevice(n int) (*Buffer, error) {
	if m.backend == nil {
		return nil, &AllocationError{Kind: "device", N: n}
	}
	bucket := bucketFor(n)
	pool := m.devicePool[bucket]
	if len(pool) > 0 {
		mem := pool[len(pool)-1]
		m.devicePool[bucket] = pool[:len(pool)-1]
		return &Buffer{kind: kindDevice, bucket: bucket, mgr: m, device: mem}, nil
	}
	mem, err := m.backend.AllocDevice(bucket)
	if err != nil {
		return nil, &AllocationError{Kind: "device", N: n, Err: err}
	}
	return &Buffer{kind: kindDevice, bucket: bucket, mgr: m, device: mem}, nil
}

// MakePinned returns a host-visible, device-writable buffer bound to
// stream: HostReadPtr is valid only after an async copy on stream
// completes.
func (m *BufferManager) MakePinned(n int, stream device.Stream) (*Buffer, error) {
	if m.backend == nil {
		return nil, &AllocationError{Kind: "pinned", N: n}
	}
	bucket := bucketFor(n)
	pool := m.pinnedPool[bucket]
	if len(pool) > 0 {
		mem := pool[len(pool)-1]
		m.pinnedPool[bucket] = pool[:len(pool)-1]
		return &Buffer{kind: kindPinned, bucket: bucket, mgr: m, device: mem, host: mem.HostSlice()[:n]}, nil
	}
	mem, err := m.backend.AllocPinned(bucket, stream)
	if err != nil {
		return nil, &AllocationError{Kind: "pinned", N: n, Err: err}
	}
	return &Buffer{kind: kindPinned, bucket: bucket, mgr: m, device: mem, host: mem.HostSlice()[:n]}, nil
}

func (m *BufferManager) release(b *Buffer) {
	switch b.kind {
	case kindHost:
		m.hostPool[b.bucket] = append(m.hostPool[b.bucket], b.host[:cap(b.host)])
	case kindDevice:
		m.devicePool[b.bucket] = append(m.devicePool[b.bucket], b.device)
	case kindPinned:
		m.pinnedPool[b.bucket] = append(m.pinnedPool[b.bucket], b.device.(device.PinnedMemory))
	}
}
