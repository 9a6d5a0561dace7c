// Package kernel is the host compute-kernel library the evaluation engine
// dispatches node evaluation to. It implements a small reusable elementwise
// and reducer kernel set.
package kernel

import (
	"fmt"

	"github.com/hepsoft/fitdriver/pkg/graph"
)

// op is embedded by every kernel in this package to supply the capability
// flags graphbuild.Op requires. None of these kernels has a device
// implementation; a device-capable op belongs in pkg/device or a
// domain-specific package that can actually launch work on a backend.
type op struct {
	reducer bool
}

func (o op) Reducer() bool          { return o.reducer }
func (o op) HostComputable() bool   { return true }
func (o op) DeviceComputable() bool { return false }

func (o op) ComputeDevice(graph.Span, graph.DataMap) error {
	return fmt.Errorf("kernel: no device implementation for this operation")
}

// Add computes the elementwise sum of two servers, broadcasting a scalar
// server against a non-scalar one.
type Add struct {
	op
	A, B graph.Node
}

// NewAdd returns an Add kernel over a and b.
func NewAdd(a, b graph.Node) *Add { return &Add{A: a, B: b} }

func (k *Add) ComputeHost(out graph.Span, dataMap graph.DataMap) error {
	a, err := dataMap.At(k.A)
	if err != nil {
		return err
	}
	b, err := dataMap.At(k.B)
	if err != nil {
		return err
	}
	for i := range out {
		out[i] = at(a, i) + at(b, i)
	}
	return nil
}

// Mul computes the elementwise product of two servers, broadcasting a
// scalar server against a non-scalar one.
type Mul struct {
	op
	A, B graph.Node
}

// NewMul returns a Mul kernel over a and b.
func NewMul(a, b graph.Node) *Mul { return &Mul{A: a, B: b} }

func (k *Mul) ComputeHost(out graph.Span, dataMap graph.DataMap) error {
	a, err := dataMap.At(k.A)
	if err != nil {
		return err
	}
	b, err := dataMap.At(k.B)
	if err != nil {
		return err
	}
	for i := range out {
		out[i] = at(a, i) * at(b, i)
	}
	return nil
}

// Sum is a reducer node: it always publishes a single value, the sum of
// its server's span.
type Sum struct {
	op
	Source graph.Node
}

// NewSum returns a Sum reducer over source.
func NewSum(source graph.Node) *Sum { return &Sum{op: op{reducer: true}, Source: source} }

func (k *Sum) ComputeHost(out graph.Span, dataMap graph.DataMap) error {
	in, err := dataMap.At(k.Source)
	if err != nil {
		return err
	}
	var total float64
	for _, v := range in {
		total += v
	}
	out[0] = total
	return nil
}

// Mean is a reducer node computing the arithmetic mean of its server's
// span.
type Mean struct {
	op
	Source graph.Node
}

// NewMean returns a Mean reducer over source.
func NewMean(source graph.Node) *Mean { return &Mean{op: op{reducer: true}, Source: source} }

func (k *Mean) ComputeHost(out graph.Span, dataMap graph.DataMap) error {
	in, err := dataMap.At(k.Source)
	if err != nil {
		return err
	}
	if len(in) == 0 {
		out[0] = 0
		return nil
	}
	var total float64
	for _, v := range in {
		total += v
	}
	out[0] = total / float64(len(in))
	return nil
}

// at reads span[i], broadcasting a length-1 span across any index.
func at(span graph.Span, i int) float64 {
	if len(span) == 1 {
		return span[0]
	}
	return span[i]
}
