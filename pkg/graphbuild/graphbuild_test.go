package graphbuild_test

import (
	"testing"

	"github.com/hepsoft/fitdriver/pkg/graphbuild"
)

func TestBuilderRejectsDuplicateNames(t *testing.T) {
	b := graphbuild.NewBuilder()
	if _, err := b.Parameter("x", 1); err != nil {
		t.Fatalf("failed to add parameter: %v", err)
	}
	if _, err := b.Parameter("x", 2); err == nil {
		t.Fatalf("expected an error registering a duplicate node name")
	}
}

func TestParameterSetValueBumpsCounter(t *testing.T) {
	b := graphbuild.NewBuilder()
	x, err := b.Parameter("x", 1)
	if err != nil {
		t.Fatalf("failed to add parameter: %v", err)
	}
	before := x.ValueResetCounter()
	x.SetValue(2)
	if x.Value() != 2 {
		t.Errorf("expected value 2, got %v", x.Value())
	}
	if x.ValueResetCounter() == before {
		t.Errorf("expected ValueResetCounter to change after SetValue")
	}
}

func TestProviderReachableNodesIsTopologicallyOrdered(t *testing.T) {
	b := graphbuild.NewBuilder()
	x, err := b.Parameter("x", 1)
	if err != nil {
		t.Fatalf("failed to add parameter: %v", err)
	}
	y, err := b.Parameter("y", 2)
	if err != nil {
		t.Fatalf("failed to add parameter: %v", err)
	}
	sum, err := b.Derived("sum", "Add", nil, x, y)
	if err != nil {
		t.Fatalf("failed to add derived node: %v", err)
	}

	order, err := graphbuild.NewProvider().ReachableNodes(sum)
	if err != nil {
		t.Fatalf("failed to reach nodes: %v", err)
	}
	if len(order) != 3 {
		t.Fatalf("expected 3 reachable nodes, got %d", len(order))
	}

	index := map[string]int{}
	for i, n := range order {
		index[n.Name()] = i
	}
	if index["x"] >= index["sum"] || index["y"] >= index["sum"] {
		t.Errorf("expected sum's servers to precede it in reachable order, got %v", index)
	}
}

func TestSetValueOnNonParameterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("expected SetValue on a non-parameter node to panic")
		}
	}()
	b := graphbuild.NewBuilder()
	top, err := b.Dataset("x")
	if err != nil {
		t.Fatalf("failed to add dataset leaf: %v", err)
	}
	top.SetValue(1)
}
