// Command evalctl builds a small expression graph, binds it to a local
// dataset, and evaluates it through the engine in process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/hepsoft/fitdriver/pkg/dataset"
	"github.com/hepsoft/fitdriver/pkg/device"
	"github.com/hepsoft/fitdriver/pkg/driver"
	"github.com/hepsoft/fitdriver/pkg/graph"
	"github.com/hepsoft/fitdriver/pkg/graphbuild"
	"github.com/hepsoft/fitdriver/pkg/kernel"
	"k8s.io/klog/v2"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var (
		useDevice = flag.Bool("device", false, "evaluate with the heterogeneous device scheduler instead of the host-only fast path")
		columnDir = flag.String("columns", "", "directory holding a \"x\" column file (little-endian float64); if empty, a built-in sample is used")
		offset    = flag.Float64("offset", 0, "initial value of the offset parameter")
	)
	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	b := graphbuild.NewBuilder()
	offsetNode, err := b.Parameter("offset", *offset)
	if err != nil {
		return err
	}
	xNode, err := b.Dataset("x")
	if err != nil {
		return err
	}
	meanNode, err := b.Derived("mean_x", "Mean", kernel.NewMean(xNode), xNode)
	if err != nil {
		return err
	}
	top, err := b.Derived("result", "Add", kernel.NewAdd(offsetNode, meanNode), offsetNode, meanNode)
	if err != nil {
		return err
	}

	mode := driver.Host
	var backend device.Backend
	if *useDevice {
		mode = driver.Device
		backend, err = device.New()
		if err != nil {
			return fmt.Errorf("initializing device backend: %w", err)
		}
	}

	engine, err := driver.Construct(top, graphbuild.NewProvider(), mode, backend)
	if err != nil {
		return err
	}
	defer engine.Close()

	x := []float64{1, 2, 3, 4, 5}
	if *columnDir != "" {
		x, err = dataset.LoadColumn(*columnDir + "/x")
		if err != nil {
			return err
		}
	}
	ds, err := dataset.NewDataset(map[string][]float64{"x": x})
	if err != nil {
		return err
	}

	if err := engine.SetData(ctx, ds, graph.ExtractOptions{}); err != nil {
		return err
	}

	value, err := engine.GetVal()
	if err != nil {
		return err
	}
	log.Info("evaluated graph", "mode", mode.String(), "value", value)

	return engine.Print(os.Stdout)
}
