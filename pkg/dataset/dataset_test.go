package dataset_test

import (
	"context"
	"testing"

	"github.com/hepsoft/fitdriver/pkg/dataset"
	"github.com/hepsoft/fitdriver/pkg/graph"
	"github.com/hepsoft/fitdriver/pkg/graphbuild"
)

func buildGraph(t *testing.T) (top graph.Node, x graph.Node, weight graph.Node, global graph.Node) {
	t.Helper()
	b := graphbuild.NewBuilder()

	xNode, err := b.Dataset("x")
	if err != nil {
		t.Fatalf("failed to add dataset leaf: %v", err)
	}
	weightNode, err := b.Dataset("weight")
	if err != nil {
		t.Fatalf("failed to add dataset leaf: %v", err)
	}
	globalNode, err := b.Parameter("sigma", 0)
	if err != nil {
		t.Fatalf("failed to add parameter: %v", err)
	}
	topNode, err := b.Derived("top", "Add", nil, xNode, weightNode, globalNode)
	if err != nil {
		t.Fatalf("failed to add derived node: %v", err)
	}
	return topNode, xNode, weightNode, globalNode
}

func TestExtractSpansFullRange(t *testing.T) {
	top, x, _, _ := buildGraph(t)
	ds, err := dataset.NewDataset(map[string][]float64{
		"x":      {1, 2, 3, 4},
		"weight": {1, 1, 1, 1},
	})
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}

	spans, err := ds.ExtractSpans(context.Background(), top, graph.ExtractOptions{})
	if err != nil {
		t.Fatalf("failed to extract spans: %v", err)
	}
	got := spans[x.ID()]
	if len(got) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(got))
	}
}

func TestExtractSpansNamedRange(t *testing.T) {
	top, x, _, _ := buildGraph(t)
	ds, err := dataset.NewDataset(map[string][]float64{
		"x":      {1, 2, 3, 4},
		"weight": {1, 1, 1, 1},
	})
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}
	ds.SetRange("fitRange", 1, 3)

	spans, err := ds.ExtractSpans(context.Background(), top, graph.ExtractOptions{RangeName: "fitRange"})
	if err != nil {
		t.Fatalf("failed to extract spans: %v", err)
	}
	got := spans[x.ID()]
	want := []float64{2, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestExtractSpansSkipsZeroWeightRows(t *testing.T) {
	top, x, _, _ := buildGraph(t)
	ds, err := dataset.NewDataset(map[string][]float64{
		"x":      {1, 2, 3, 4},
		"weight": {1, 0, 1, 0},
	})
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}
	ds.SetWeightColumn("weight")

	spans, err := ds.ExtractSpans(context.Background(), top, graph.ExtractOptions{SkipZeroWeights: true})
	if err != nil {
		t.Fatalf("failed to extract spans: %v", err)
	}
	got := spans[x.ID()]
	want := []float64{1, 3}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestExtractSpansPartitioning(t *testing.T) {
	top, x, _, _ := buildGraph(t)
	ds, err := dataset.NewDataset(map[string][]float64{
		"x":      {0, 1, 2, 3, 4, 5},
		"weight": {1, 1, 1, 1, 1, 1},
	})
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}

	spans, err := ds.ExtractSpans(context.Background(), top, graph.ExtractOptions{Partitioning: "1/2"})
	if err != nil {
		t.Fatalf("failed to extract spans: %v", err)
	}
	got := spans[x.ID()]
	want := []float64{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestExtractSpansGlobalObservableDefaultsToModelValue(t *testing.T) {
	top, _, _, global := buildGraph(t)
	ds, err := dataset.NewDataset(map[string][]float64{
		"x":      {1, 2},
		"weight": {1, 1},
	})
	if err != nil {
		t.Fatalf("failed to build dataset: %v", err)
	}
	ds.SetGlobalObservable("sigma", 99)

	spans, err := ds.ExtractSpans(context.Background(), top, graph.ExtractOptions{})
	if err != nil {
		t.Fatalf("failed to extract spans: %v", err)
	}
	if got, ok := spans[global.ID()]; ok {
		t.Errorf("expected the model's own value to be kept by default, got dataset override %v", got)
	}

	spans, err = ds.ExtractSpans(context.Background(), top, graph.ExtractOptions{TakeGlobalObservablesFromData: false})
	if err != nil {
		t.Fatalf("failed to extract spans: %v", err)
	}
	if _, ok := spans[global.ID()]; ok {
		t.Errorf("expected no override published when not taking from data")
	}

	spansFromData, err := ds.ExtractSpans(context.Background(), top, graph.ExtractOptions{TakeGlobalObservablesFromData: true})
	if err != nil {
		t.Fatalf("failed to extract spans: %v", err)
	}
	got, ok := spansFromData[global.ID()]
	if !ok || len(got) != 1 || got[0] != 99 {
		t.Errorf("expected global observable override of 99 when TakeGlobalObservablesFromData is true, got %v (present=%v)", got, ok)
	}
}
