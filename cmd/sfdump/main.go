// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

// sfdump builds a small demo graph, runs attribute inference and the
// memory planner over it, and prints the per-entry decisions, then
// executes one forward/backward pass through a CachedOp.
//
// Useful for eyeballing how batch size, engine choice and static
// allocation change the plan:
//
//	sfdump -batch 32 -engine threaded:4 -static
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/symflow/symflow/engine"
	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/imperative"
	"github.com/symflow/symflow/nd"
	"github.com/symflow/symflow/ops"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/xslices"
)

var (
	flagBatch  = flag.Int("batch", 8, "batch size of the demo inputs")
	flagDim    = flag.Int("dim", 4, "feature dimension of the demo inputs")
	flagEngine = flag.String("engine", "", "engine configuration, e.g. \"sync\" or \"threaded:4\"")
	flagStatic = flag.Bool("static", false, "use static allocation")
	flagOut    = flag.String("o", "", "also write the plan summary to this file")
	flagDot    = flag.String("dot", "", "write the demo graph in Graphviz DOT format to this file")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sfdump: %+v\n", err)
		os.Exit(1)
	}
}

// demoGraph builds y = relu(x*w + b).
func demoGraph(reg *ops.Registry) *graph.Graph {
	x, w, b := graph.Var("x"), graph.Var("w"), graph.Var("b")
	prod := graph.NewNode(reg.MustGet(ops.OpElemwiseMul), "prod", x.Out(0), w.Out(0))
	sum := graph.NewNode(reg.MustGet(ops.OpElemwiseAdd), "sum", prod.Out(0), b.Out(0))
	y := graph.NewNode(reg.MustGet(ops.OpRelu), "y", sum.Out(0))
	return graph.NewGraph(y.Out(0))
}

func run() error {
	reg := ops.Builtin()
	g := demoGraph(reg)
	s := shapes.Make(shapes.Float32, *flagBatch, *flagDim)
	in := []shapes.Shape{s, s, s}
	graph.CheckAndInferShape(g, in, true, graph.Range{}, graph.Range{})
	graph.CheckAndInferType(g, []shapes.DType{s.DType, s.DType, s.DType}, true, graph.Range{}, graph.Range{})
	graph.CheckAndInferStorage(g, []shapes.StorageType{
		shapes.DenseStorage, shapes.DenseStorage, shapes.DenseStorage}, true, graph.Range{}, graph.Range{})

	ix := g.Indexed()
	hints := xslices.SliceWithValue(ix.NumEntries(), graph.BadStorage)
	for _, nid := range ix.InputNodes() {
		hints[ix.EntryID(nid, 0)] = graph.ExternalStorage
	}
	for _, eid := range ix.OutputEids() {
		hints[eid] = graph.ExternalStorage
	}
	rc := make([]int, ix.NumEntries())
	for nid := 0; nid < ix.NumNodes(); nid++ {
		for _, eid := range ix.InputEids(nid) {
			rc[eid]++
		}
	}
	for _, eid := range ix.OutputEids() {
		rc[eid]++
	}
	plan := graph.PlanMemory(g, hints, rc, graph.Range{}, graph.Range{})

	fmt.Println(renderEntries(g, plan))
	summary := graph.PlanSummary(g, plan)
	fmt.Println(summary)
	if *flagOut != "" {
		if err := os.WriteFile(*flagOut, []byte(summary), 0o644); err != nil {
			return errors.Wrapf(err, "writing plan summary to %s", *flagOut)
		}
	}
	if *flagDot != "" {
		if err := writeDOTFile(g, *flagDot); err != nil {
			return err
		}
	}
	return execute(reg)
}

// execute runs one forward/backward pass and prints the results.
func execute(reg *ops.Registry) error {
	eng := engine.NewWithConfig(*flagEngine)
	defer eng.Shutdown()
	rt := imperative.NewRuntime(eng, reg)
	op := imperative.NewCachedOp(reg, demoGraph(reg), imperative.Config{StaticAlloc: *flagStatic})

	n := *flagBatch * *flagDim
	mk := func(fill float32) *nd.Array {
		data := make([]float32, n)
		for i := range data {
			data[i] = fill * float32(i%5-2)
		}
		return nd.FromFlatFloat32(eng, engine.CPU(0), shapes.Make(shapes.Float32, *flagBatch, *flagDim), data)
	}
	x, w, b := mk(1), mk(0.5), mk(0.25)
	y := nd.None(engine.CPU(0))

	rt.SetRecording(true)
	inv := op.Forward(rt, []*nd.Array{x, w, b}, []*nd.Array{y})
	rt.SetRecording(false)

	og := nd.FromFlatFloat32(eng, engine.CPU(0), y.Shape(), must.M1(ones(n)))
	grads := []*nd.Array{nd.None(engine.CPU(0)), nd.None(engine.CPU(0)), nd.None(engine.CPU(0))}
	op.Backward(rt, inv, []*nd.Array{og},
		[]nd.OpReqType{nd.WriteTo, nd.WriteTo, nd.WriteTo}, grads, false)
	eng.WaitForAll()

	fmt.Printf("y[0:4]  = %v\n", y.Float32s()[:4])
	fmt.Printf("dx[0:4] = %v\n", grads[0].Float32s()[:4])
	fmt.Printf("dw[0:4] = %v\n", grads[1].Float32s()[:4])
	fmt.Printf("db[0:4] = %v\n", grads[2].Float32s()[:4])
	return nil
}

func writeDOTFile(g *graph.Graph, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating DOT file %s", path)
	}
	defer f.Close()
	return graph.WriteDOT(f, g, "symflow")
}

func ones(n int) ([]float32, error) {
	if n <= 0 {
		return nil, errors.Errorf("need a positive element count, got %d", n)
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = 1
	}
	return data, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

func renderEntries(g *graph.Graph, plan *graph.MemoryPlan) string {
	ix := g.Indexed()
	t := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row < 0 {
				return headerStyle
			}
			return lipgloss.NewStyle().PaddingLeft(1).PaddingRight(1)
		}).
		Headers("EID", "NODE", "SHAPE", "STORAGE", "INPLACE")
	for nid := 0; nid < ix.NumNodes(); nid++ {
		n := ix.Node(nid)
		for idx := 0; idx < n.NumOutputs(); idx++ {
			eid := ix.EntryID(nid, idx)
			t.Row(
				fmt.Sprint(eid),
				n.String(),
				g.Attrs.Shapes[eid].String(),
				storageLabel(plan.Entries[eid].SID),
				inplaceLabel(plan.InplaceIdx[eid]),
			)
		}
	}
	return t.Render()
}

func storageLabel(sid graph.StorageID) string {
	switch sid {
	case graph.ExternalStorage:
		return "external"
	case graph.DynamicStorage:
		return "dynamic"
	case graph.BadStorage:
		return "-"
	default:
		return fmt.Sprintf("pool#%d", sid)
	}
}

func inplaceLabel(idx int) string {
	switch idx {
	case graph.InplaceNone:
		return ""
	case graph.InplaceNeverReferenced:
		return "elided"
	default:
		return fmt.Sprintf("<- eid %d", idx)
	}
}
