package kernel_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/hepsoft/fitdriver/pkg/graph"
	"github.com/hepsoft/fitdriver/pkg/kernel"
)

// spanMap is a trivial graph.DataMap backed by a plain map, enough to
// exercise a kernel's ComputeHost in isolation.
type spanMap map[graph.NodeID]graph.Span

func (m spanMap) At(n graph.Node) (graph.Span, error) {
	span, ok := m[n.ID()]
	if !ok {
		return nil, fmt.Errorf("unbound node %v in test span map", n.ID())
	}
	return span, nil
}

type fakeNode struct{ id string }

func (n fakeNode) ID() graph.NodeID          { return n.id }
func (n fakeNode) Name() string              { return n.id }
func (n fakeNode) ClassName() string         { return "Fake" }
func (n fakeNode) Servers() []graph.Node     { return nil }
func (n fakeNode) IsParameterLeaf() bool     { return false }
func (n fakeNode) IsDatasetLeaf() bool       { return true }
func (n fakeNode) IsCategoryLeaf() bool      { return false }
func (n fakeNode) IsReducer() bool           { return false }
func (n fakeNode) HostComputable() bool      { return true }
func (n fakeNode) DeviceComputable() bool    { return false }
func (n fakeNode) SetDataToken(int)          {}
func (n fakeNode) DataToken() (int, bool)    { return 0, false }
func (n fakeNode) ResetDataToken()           {}

func floatsEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestAddBroadcastsScalar(t *testing.T) {
	scalar := fakeNode{id: "s"}
	vector := fakeNode{id: "v"}
	dm := spanMap{scalar.ID(): {10}, vector.ID(): {1, 2, 3}}

	add := kernel.NewAdd(scalar, vector)
	out := make(graph.Span, 3)
	if err := add.ComputeHost(out, dm); err != nil {
		t.Fatalf("failed to compute: %v", err)
	}
	want := []float64{11, 12, 13}
	for i := range want {
		if !floatsEqual(out[i], want[i]) {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestMulElementwise(t *testing.T) {
	a := fakeNode{id: "a"}
	b := fakeNode{id: "b"}
	dm := spanMap{a.ID(): {1, 2, 3}, b.ID(): {4, 5, 6}}

	mul := kernel.NewMul(a, b)
	out := make(graph.Span, 3)
	if err := mul.ComputeHost(out, dm); err != nil {
		t.Fatalf("failed to compute: %v", err)
	}
	want := []float64{4, 10, 18}
	for i := range want {
		if !floatsEqual(out[i], want[i]) {
			t.Errorf("out[%d] = %v, want %v", i, out[i], want[i])
		}
	}
}

func TestSumReduces(t *testing.T) {
	source := fakeNode{id: "src"}
	dm := spanMap{source.ID(): {1, 2, 3, 4}}

	sum := kernel.NewSum(source)
	if !sum.Reducer() {
		t.Fatalf("expected Sum to be a reducer")
	}
	out := make(graph.Span, 1)
	if err := sum.ComputeHost(out, dm); err != nil {
		t.Fatalf("failed to compute: %v", err)
	}
	if !floatsEqual(out[0], 10) {
		t.Errorf("got %v, want 10", out[0])
	}
}

func TestMeanOfEmptySpanIsZero(t *testing.T) {
	source := fakeNode{id: "src"}
	dm := spanMap{source.ID(): {}}

	mean := kernel.NewMean(source)
	out := make(graph.Span, 1)
	if err := mean.ComputeHost(out, dm); err != nil {
		t.Fatalf("failed to compute: %v", err)
	}
	if out[0] != 0 {
		t.Errorf("got %v, want 0", out[0])
	}
}

func TestDeviceComputeFailsForHostOnlyKernels(t *testing.T) {
	a := fakeNode{id: "a"}
	add := kernel.NewAdd(a, a)
	if add.DeviceComputable() {
		t.Fatalf("expected host-only kernels to report DeviceComputable() == false")
	}
	if err := add.ComputeDevice(nil, nil); err == nil {
		t.Errorf("expected ComputeDevice to fail for a host-only kernel")
	}
}
