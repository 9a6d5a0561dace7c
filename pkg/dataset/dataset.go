package dataset

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hepsoft/fitdriver/pkg/graph"
	"k8s.io/klog/v2"
)

// Range is a named, half-open event-index range into a Dataset's columns,
// the mechanism behind ExtractOptions.RangeName.
type Range struct {
	Lo, Hi int
}

// Dataset is the concrete graph.Extractor this package provides: an
// in-memory column store bound to leaf nodes by name, with the range,
// partitioning, and global-observable policies the extractor collaborator
// is responsible for.
type Dataset struct {
	columns           map[string][]float64
	n                 int
	ranges            map[string]Range
	weightColumn      string
	globalObservables map[string]float64
}

// NewDataset validates that every column has the same row count and
// returns a Dataset ready to bind against a graph.
func NewDataset(columns map[string][]float64) (*Dataset, error) {
	n := -1
	for name, col := range columns {
		if n == -1 {
			n = len(col)
			continue
		}
		if len(col) != n {
			return nil, fmt.Errorf("dataset: column %q has %d rows, want %d", name, len(col), n)
		}
	}
	if n == -1 {
		n = 0
	}
	return &Dataset{
		columns:           columns,
		n:                 n,
		ranges:            map[string]Range{},
		globalObservables: map[string]float64{},
	}, nil
}

// SetRange registers a named sub-range of the dataset's rows.
func (d *Dataset) SetRange(name string, lo, hi int) {
	d.ranges[name] = Range{Lo: lo, Hi: hi}
}

// SetWeightColumn designates which column holds per-event weights, used by
// ExtractOptions.SkipZeroWeights.
func (d *Dataset) SetWeightColumn(name string) { d.weightColumn = name }

// SetGlobalObservable records the dataset's stored snapshot value for a
// global-observable leaf. It is published in place of the leaf's own value
// only when ExtractOptions.TakeGlobalObservablesFromData is true; by default
// the model's own value is kept and no span is published for the leaf.
func (d *Dataset) SetGlobalObservable(name string, value float64) {
	d.globalObservables[name] = value
}

// ExtractSpans implements graph.Extractor.
func (d *Dataset) ExtractSpans(ctx context.Context, top graph.Node, opts graph.ExtractOptions) (map[graph.NodeID]graph.Span, error) {
	log := klog.FromContext(ctx)

	lo, hi := 0, d.n
	if opts.RangeName != "" {
		r, ok := d.ranges[opts.RangeName]
		if !ok {
			return nil, fmt.Errorf("dataset: unknown range %q", opts.RangeName)
		}
		lo, hi = r.Lo, r.Hi
	}

	indices := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		indices = append(indices, i)
	}

	if opts.SkipZeroWeights && d.weightColumn != "" {
		weights := d.columns[d.weightColumn]
		filtered := indices[:0:0]
		for _, i := range indices {
			if weights[i] != 0 {
				filtered = append(filtered, i)
			}
		}
		indices = filtered
	}

	if opts.Partitioning != "" {
		part, total, err := parsePartitioning(opts.Partitioning)
		if err != nil {
			return nil, err
		}
		filtered := indices[:0:0]
		for j, i := range indices {
			if j%total == part {
				filtered = append(filtered, i)
			}
		}
		indices = filtered
	}

	log.V(1).Info("extracted dataset row selection", "range", opts.RangeName, "partitioning", opts.Partitioning, "rows", len(indices))

	leaves := reachableLeaves(top)

	spans := make(map[graph.NodeID]graph.Span, len(leaves))
	for _, leaf := range leaves {
		name := leaf.Name()

		if leaf.IsParameterLeaf() {
			if value, ok := d.globalObservables[name]; ok && opts.TakeGlobalObservablesFromData {
				spans[leaf.ID()] = graph.Span{value}
			}
			continue
		}

		col, ok := d.columns[name]
		if !ok {
			return nil, fmt.Errorf("dataset: no column bound to leaf %q", name)
		}
		span := make(graph.Span, len(indices))
		for j, i := range indices {
			span[j] = col[i]
		}
		spans[leaf.ID()] = span
	}

	return spans, nil
}

// reachableLeaves walks Servers() edges from top and returns every leaf it
// finds: dataset observables, categories, and parameter leaves (the latter
// for global-observable values).
func reachableLeaves(top graph.Node) []graph.Node {
	seen := map[graph.NodeID]bool{}
	var leaves []graph.Node
	var visit func(n graph.Node)
	visit = func(n graph.Node) {
		if seen[n.ID()] {
			return
		}
		seen[n.ID()] = true
		if n.IsDatasetLeaf() || n.IsCategoryLeaf() || n.IsParameterLeaf() {
			leaves = append(leaves, n)
		}
		for _, s := range n.Servers() {
			visit(s)
		}
	}
	visit(top)
	return leaves
}

// parsePartitioning decodes the "index/total" form of
// ExtractOptions.Partitioning: row j of the selected range goes to worker
// index iff j%total == index, an interleaved multi-process split.
func parsePartitioning(s string) (index, total int, err error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("dataset: malformed partitioning %q, want \"index/total\"", s)
	}
	index, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("dataset: malformed partitioning %q: %w", s, err)
	}
	total, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("dataset: malformed partitioning %q: %w", s, err)
	}
	if total <= 0 || index < 0 || index >= total {
		return 0, 0, fmt.Errorf("dataset: partitioning %q out of range", s)
	}
	return index, total, nil
}

// LoadColumn reads a column stored as a flat sequence of little-endian
// float64 values, the on-disk shape a column blob fetched via Blobstore is
// expected to have.
func LoadColumn(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening column file %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat column file %q: %w", path, err)
	}
	if info.Size()%8 != 0 {
		return nil, fmt.Errorf("column file %q has size %d, not a multiple of 8", path, info.Size())
	}

	values := make([]float64, info.Size()/8)
	if err := binary.Read(f, binary.LittleEndian, values); err != nil {
		return nil, fmt.Errorf("reading column file %q: %w", path, err)
	}
	return values, nil
}

// FetchColumn downloads a column blob into cacheDir (if not already
// present there) and loads it, the glue between Blobstore and LoadColumn a
// remote-backed Dataset needs at construction time.
func FetchColumn(ctx context.Context, reader BlobReader, blob ColumnBlob, cacheDir string) ([]float64, error) {
	destPath := filepath.Join(cacheDir, blob.Hash)
	if _, err := os.Stat(destPath); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat cached column %q: %w", destPath, err)
		}
		if err := reader.Download(ctx, blob, destPath); err != nil {
			return nil, fmt.Errorf("fetching column blob %q: %w", blob.Hash, err)
		}
	}
	return LoadColumn(destPath)
}
