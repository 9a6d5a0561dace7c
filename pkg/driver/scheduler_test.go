package driver_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/hepsoft/fitdriver/pkg/dataset"
	"github.com/hepsoft/fitdriver/pkg/device"
	"github.com/hepsoft/fitdriver/pkg/driver"
	"github.com/hepsoft/fitdriver/pkg/graph"
	"github.com/hepsoft/fitdriver/pkg/graphbuild"
	"github.com/hepsoft/fitdriver/pkg/kernel"
)

// fakeBackend is an in-process device.Backend test double: every stream
// completes its enqueued work synchronously, so Idle always reports true.
// It lets scheduler_test.go exercise the heterogeneous code path (C5)
// without the cuda build tag or real hardware.
type fakeBackend struct{}

func (fakeBackend) Name() string { return "fake" }

type fakeStream struct{}

func (fakeStream) WaitEvent(device.Event) error  { return nil }
func (fakeStream) RecordEvent(device.Event) error { return nil }
func (fakeStream) Idle() (bool, error)            { return true, nil }
func (fakeStream) Close() error                   { return nil }

type fakeEvent struct{}

func (fakeEvent) Close() error { return nil }

type fakeMemory struct {
	values []float64
}

func (m *fakeMemory) DeviceSlice() []float64 { return m.values }
func (m *fakeMemory) HostSlice() []float64   { return m.values }
func (m *fakeMemory) Release()               {}

func (fakeBackend) NewStream() (device.Stream, error) { return fakeStream{}, nil }
func (fakeBackend) NewEvent() (device.Event, error)   { return fakeEvent{}, nil }

func (fakeBackend) AllocDevice(n int) (device.Memory, error) {
	return &fakeMemory{values: make([]float64, n)}, nil
}

func (fakeBackend) AllocPinned(n int, _ device.Stream) (device.PinnedMemory, error) {
	return &fakeMemory{values: make([]float64, n)}, nil
}

func (fakeBackend) CopyHostToDevice(dst device.Memory, src []float64, _ device.Stream) error {
	slice := dst.DeviceSlice()
	if len(slice) != len(src) {
		return fmt.Errorf("fakeBackend: size mismatch copying %d into %d", len(src), len(slice))
	}
	copy(slice, src)
	return nil
}

// deviceCapableOp marks an op device-capable so the scheduler will place it
// on the fakeBackend, exercising the "crossing" path between host and
// device placement.
type deviceCapableOp struct {
	graphbuild.Op
}

func (deviceCapableOp) DeviceComputable() bool { return true }

func (d deviceCapableOp) ComputeDevice(out graph.Span, dm graph.DataMap) error {
	return d.Op.ComputeHost(out, dm)
}

func TestCrossDeviceCrossing(t *testing.T) {
	b := graphbuild.NewBuilder()
	a, err := b.Dataset("a")
	if err != nil {
		t.Fatalf("failed to add dataset leaf: %v", err)
	}
	c, err := b.Dataset("c")
	if err != nil {
		t.Fatalf("failed to add dataset leaf: %v", err)
	}
	// product runs on device (non-scalar, device-capable).
	product, err := b.Derived("product", "Mul", deviceCapableOp{Op: kernel.NewMul(a, c)}, a, c)
	if err != nil {
		t.Fatalf("failed to add derived node: %v", err)
	}
	// sum is a device-capable reducer, but its output is scalar, so it runs
	// inline on the host. product's output therefore has to cross back to
	// the host DataMap for sum to read it, exercising copyAfterEvaluation.
	top, err := b.Derived("sum", "Sum", deviceCapableOp{Op: kernel.NewSum(product)}, product)
	if err != nil {
		t.Fatalf("failed to add derived node: %v", err)
	}

	backend := fakeBackend{}
	engine, err := driver.Construct(top, graphbuild.NewProvider(), driver.Device, backend)
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	defer engine.Close()

	ds, err := dataset.NewDataset(map[string][]float64{
		"a": {1, 2, 3},
		"c": {4, 5, 6},
	})
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}
	if err := engine.SetData(context.Background(), ds, graph.ExtractOptions{}); err != nil {
		t.Fatalf("failed to set data: %v", err)
	}

	got, err := engine.GetVal()
	if err != nil {
		t.Fatalf("failed to get value: %v", err)
	}
	if !floatsEqual(got, 32) {
		t.Errorf("expected 32, got %v", got)
	}
}

func TestHostAndDeviceModesAgree(t *testing.T) {
	build := func() (*graphbuild.Node, *graphbuild.Node, *graphbuild.Node) {
		b := graphbuild.NewBuilder()
		a, err := b.Dataset("a")
		if err != nil {
			t.Fatalf("failed to add dataset leaf: %v", err)
		}
		c, err := b.Dataset("c")
		if err != nil {
			t.Fatalf("failed to add dataset leaf: %v", err)
		}
		product, err := b.Derived("product", "Mul", deviceCapableOp{Op: kernel.NewMul(a, c)}, a, c)
		if err != nil {
			t.Fatalf("failed to add derived node: %v", err)
		}
		top, err := b.Derived("sum", "Sum", deviceCapableOp{Op: kernel.NewSum(product)}, product)
		if err != nil {
			t.Fatalf("failed to add derived node: %v", err)
		}
		return a, c, top
	}

	runWith := func(mode driver.Mode, backend device.Backend) float64 {
		_, _, top := build()
		engine, err := driver.Construct(top, graphbuild.NewProvider(), mode, backend)
		if err != nil {
			t.Fatalf("failed to construct engine: %v", err)
		}
		defer engine.Close()

		ds, err := dataset.NewDataset(map[string][]float64{
			"a": {1, 2, 3, 4},
			"c": {2, 2, 2, 2},
		})
		if err != nil {
			t.Fatalf("failed to build dataset: %v", err)
		}
		if err := engine.SetData(context.Background(), ds, graph.ExtractOptions{}); err != nil {
			t.Fatalf("failed to set data: %v", err)
		}
		got, err := engine.GetVal()
		if err != nil {
			t.Fatalf("failed to get value: %v", err)
		}
		return got
	}

	hostResult := runWith(driver.Host, nil)
	deviceResult := runWith(driver.Device, fakeBackend{})

	if !floatsEqual(hostResult, deviceResult) {
		t.Errorf("host and device modes disagree: host=%v device=%v", hostResult, deviceResult)
	}
}
