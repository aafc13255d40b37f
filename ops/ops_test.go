// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symflow/symflow/engine"
	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/nd"
	"github.com/symflow/symflow/types/shapes"
)

func TestRegistry(t *testing.T) {
	r := Builtin()
	for _, name := range []string{OpElemwiseAdd, OpElemwiseMul, OpRelu, OpReluBackward, OpCopy, OpZerosLike} {
		op, found := r.Get(name)
		require.True(t, found, name)
		assert.Equal(t, name, op.OpName())
	}
	_, found := r.Get("no_such_op")
	assert.False(t, found)
	assert.Panics(t, func() { r.MustGet("no_such_op") })
	assert.Panics(t, func() { r.Register(copyOp{}) })
}

func arr(e engine.Engine, data ...float32) *nd.Array {
	return nd.FromFlatFloat32(e, engine.CPU(0), shapes.Make(shapes.Float32, len(data)), data)
}

func compute(t *testing.T, r *Registry, name string, reqs []nd.OpReqType, out *nd.Array, in ...*nd.Array) {
	t.Helper()
	op, ok := r.MustGet(name).(Computable)
	require.True(t, ok, "%s must be Computable", name)
	op.Compute(&graph.NodeAttrs{Op: op, Name: name}, engine.CPU(0), in, reqs, []*nd.Array{out})
}

func TestAddMulKernels(t *testing.T) {
	e := engine.NewSync()
	r := Builtin()
	a, b := arr(e, 1, 2, 3), arr(e, 10, 20, 30)
	out := arr(e, 0, 0, 0)

	compute(t, r, OpElemwiseAdd, []nd.OpReqType{nd.WriteTo}, out, a, b)
	assert.Equal(t, []float32{11, 22, 33}, out.Float32s())

	compute(t, r, OpElemwiseMul, []nd.OpReqType{nd.WriteTo}, out, a, b)
	assert.Equal(t, []float32{10, 40, 90}, out.Float32s())

	// AddTo accumulates into the existing contents.
	compute(t, r, OpElemwiseAdd, []nd.OpReqType{nd.AddTo}, out, a, b)
	assert.Equal(t, []float32{21, 62, 123}, out.Float32s())

	// NullOp leaves the output alone.
	compute(t, r, OpElemwiseMul, []nd.OpReqType{nd.NullOp}, out, a, b)
	assert.Equal(t, []float32{21, 62, 123}, out.Float32s())
}

func TestAddInplace(t *testing.T) {
	e := engine.NewSync()
	r := Builtin()
	a, b := arr(e, 1, -2, 3), arr(e, 1, 1, 1)
	compute(t, r, OpElemwiseAdd, []nd.OpReqType{nd.WriteInplace}, a, a, b)
	assert.Equal(t, []float32{2, -1, 4}, a.Float32s())
}

func TestReluKernels(t *testing.T) {
	e := engine.NewSync()
	r := Builtin()
	x := arr(e, -1, 0, 2, -3)
	y := arr(e, 0, 0, 0, 0)
	compute(t, r, OpRelu, []nd.OpReqType{nd.WriteTo}, y, x)
	assert.Equal(t, []float32{0, 0, 2, 0}, y.Float32s())

	og := arr(e, 1, 1, 1, 1)
	gx := arr(e, 9, 9, 9, 9)
	compute(t, r, OpReluBackward, []nd.OpReqType{nd.WriteTo}, gx, og, y)
	assert.Equal(t, []float32{0, 0, 1, 0}, gx.Float32s())
}

func TestCopyAndZerosLike(t *testing.T) {
	e := engine.NewSync()
	r := Builtin()
	x := arr(e, 5, 6)
	out := arr(e, 0, 0)
	compute(t, r, OpCopy, []nd.OpReqType{nd.WriteTo}, out, x)
	assert.Equal(t, []float32{5, 6}, out.Float32s())

	compute(t, r, OpZerosLike, []nd.OpReqType{nd.WriteTo}, out, x)
	assert.Equal(t, []float32{0, 0}, out.Float32s())

	// zeros_like under AddTo must not disturb the accumulator.
	out2 := arr(e, 7, 8)
	compute(t, r, OpZerosLike, []nd.OpReqType{nd.AddTo}, out2, x)
	assert.Equal(t, []float32{7, 8}, out2.Float32s())
}

func TestFloat16Kernel(t *testing.T) {
	e := engine.NewSync()
	s := shapes.Make(shapes.Float16, 2)
	mk := func(vals ...float32) *nd.Array {
		a := nd.New(e, engine.CPU(0), s)
		bits := a.Float16s()
		for i, v := range vals {
			bits[i] = shapes.F16FromF32(v)
		}
		return a
	}
	a, b, out := mk(1.5, 2), mk(0.5, 3), mk(0, 0)
	compute(t, Builtin(), OpElemwiseAdd, []nd.OpReqType{nd.WriteTo}, out, a, b)
	assert.Equal(t, float32(2), shapes.F32FromF16(out.Float16s()[0]))
	assert.Equal(t, float32(5), shapes.F32FromF16(out.Float16s()[1]))
}

func TestElemwiseInference(t *testing.T) {
	r := Builtin()
	add := r.MustGet(OpElemwiseAdd)
	x, w := graph.Var("x"), graph.Var("w")
	sum := graph.NewNode(add, "sum", x.Out(0), w.Out(0))
	g := graph.NewGraph(sum.Out(0))

	s := shapes.Make(shapes.Float32, 3, 4)
	graph.CheckAndInferShape(g, []shapes.Shape{s, s}, true, graph.Range{}, graph.Range{})
	graph.CheckAndInferType(g, []shapes.DType{shapes.Float32, shapes.Float32}, true, graph.Range{}, graph.Range{})
	ix := g.Indexed()
	assert.True(t, g.Attrs.Shapes[ix.EntryIDOf(sum.Out(0))].Eq(s))
	assert.Equal(t, shapes.Float32, g.Attrs.DTypes[ix.EntryIDOf(sum.Out(0))])
}

// What a gradient subgraph references decides which forward values must
// be kept alive for backward; these assertions pin the minimal sets.
func TestGradientDependencies(t *testing.T) {
	r := Builtin()
	x, w := graph.Var("x"), graph.Var("w")

	// add: gradient is a passthrough, no forward value referenced.
	add := r.MustGet(OpElemwiseAdd).(graph.Differentiable)
	sum := graph.NewNode(r.MustGet(OpElemwiseAdd), "sum", x.Out(0), w.Out(0))
	og := graph.Var("og")
	grads := add.Gradient(sum, []graph.NodeEntry{og.Out(0)})
	assert.Equal(t, og.Out(0), grads[0])
	assert.Equal(t, og.Out(0), grads[1])

	// mul: gradient references both forward inputs, not the output.
	mul := r.MustGet(OpElemwiseMul).(graph.Differentiable)
	prod := graph.NewNode(r.MustGet(OpElemwiseMul), "prod", x.Out(0), w.Out(0))
	grads = mul.Gradient(prod, []graph.NodeEntry{og.Out(0)})
	assert.Equal(t, w.Out(0), grads[0].Node.Inputs[1])
	assert.Equal(t, x.Out(0), grads[1].Node.Inputs[1])

	// relu: gradient references the forward output only.
	relu := r.MustGet(OpRelu).(graph.Differentiable)
	y := graph.NewNode(r.MustGet(OpRelu), "y", x.Out(0))
	grads = relu.Gradient(y, []graph.NodeEntry{og.Out(0)})
	require.Len(t, grads[0].Node.Inputs, 2)
	assert.Equal(t, y.Out(0), grads[0].Node.Inputs[1])
}
