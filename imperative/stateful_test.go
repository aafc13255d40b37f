// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package imperative

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symflow/symflow/engine"
	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/nd"
	"github.com/symflow/symflow/ops"
	"github.com/symflow/symflow/types/shapes"
)

// scaleState is the per-executor state of the fixture layer below.
type scaleState struct {
	factor   float32
	fwdCalls int
	bwdCalls int
}

type statefulScale struct{}

func (statefulScale) OpName() string                  { return "stateful_scale" }
func (statefulScale) NumInputs(*graph.NodeAttrs) int  { return 1 }
func (statefulScale) NumOutputs(*graph.NodeAttrs) int { return 1 }

func (statefulScale) InferShape(_ *graph.NodeAttrs, in, out []shapes.Shape) bool {
	if !in[0].Ok() {
		return false
	}
	out[0] = in[0]
	return true
}

func (statefulScale) InferType(_ *graph.NodeAttrs, in, out []shapes.DType) bool {
	if in[0] == shapes.InvalidDType {
		return false
	}
	out[0] = in[0]
	return true
}

func (statefulScale) CreateState(*graph.NodeAttrs, engine.Context, []shapes.Shape, []shapes.DType) any {
	return &scaleState{factor: 2}
}

func (statefulScale) ComputeWithState(state any, _ engine.Context,
	in []*nd.Array, reqs []nd.OpReqType, out []*nd.Array) {
	st := state.(*scaleState)
	st.fwdCalls++
	if reqs[0] == nd.NullOp {
		return
	}
	src, dst := in[0].Float32s(), out[0].Float32s()
	for i := range dst {
		dst[i] = src[i] * st.factor
	}
}

func (s statefulScale) Gradient(n *graph.Node, ograds []graph.NodeEntry) []graph.NodeEntry {
	bwd := graph.NewNode(statefulScaleBwd{}, n.Attrs.Name+"_backward", ograds[0])
	bwd.ControlDeps = append(bwd.ControlDeps, n)
	return []graph.NodeEntry{bwd.Out(0)}
}

type statefulScaleBwd struct{}

func (statefulScaleBwd) OpName() string                  { return "_backward_stateful_scale" }
func (statefulScaleBwd) NumInputs(*graph.NodeAttrs) int  { return 1 }
func (statefulScaleBwd) NumOutputs(*graph.NodeAttrs) int { return 1 }

func (statefulScaleBwd) InferShape(_ *graph.NodeAttrs, in, out []shapes.Shape) bool {
	if !in[0].Ok() {
		return false
	}
	out[0] = in[0]
	return true
}

func (statefulScaleBwd) InferType(_ *graph.NodeAttrs, in, out []shapes.DType) bool {
	if in[0] == shapes.InvalidDType {
		return false
	}
	out[0] = in[0]
	return true
}

func (statefulScaleBwd) BackwardWithState(state any, _ engine.Context,
	in []*nd.Array, reqs []nd.OpReqType, out []*nd.Array) {
	st := state.(*scaleState)
	st.bwdCalls++
	if reqs[0] == nd.NullOp {
		return
	}
	src, dst := in[0].Float32s(), out[0].Float32s()
	for i := range dst {
		v := src[i] * st.factor
		if reqs[0] == nd.AddTo {
			dst[i] += v
		} else {
			dst[i] = v
		}
	}
}

func statefulRegistry() *ops.Registry {
	r := ops.Builtin()
	r.Register(statefulScale{})
	r.Register(statefulScaleBwd{})
	return r
}

func findScaleState(op *CachedOp, ctx engine.Context) *scaleState {
	for _, s := range op.states[ctx] {
		for _, st := range s.opStates {
			if sc, ok := st.(*scaleState); ok {
				return sc
			}
		}
	}
	return nil
}

func TestStatefulOpStateReused(t *testing.T) {
	eng := engine.NewSync()
	rt := NewRuntime(eng, statefulRegistry())
	x := graph.Var("x")
	y := graph.NewNode(rt.Registry().MustGet("stateful_scale"), "scale", x.Out(0))
	op := NewCachedOp(rt.Registry(), graph.NewGraph(y.Out(0)), Config{InlineLimit: -1})

	in := f32(rt, 1, 2, 3)
	out := nd.None(engine.CPU(0))
	op.Forward(rt, []*nd.Array{in}, []*nd.Array{out})
	assert.Equal(t, []float32{2, 4, 6}, out.Float32s())

	op.Forward(rt, []*nd.Array{in}, []*nd.Array{nd.None(engine.CPU(0))})
	st := findScaleState(op, engine.CPU(0))
	require.NotNil(t, st)
	assert.Equal(t, 2, st.fwdCalls, "state is created once and reused")
}

func TestStatefulBackwardSharesState(t *testing.T) {
	rt := NewRuntime(engine.NewSync(), statefulRegistry())
	x := graph.Var("x")
	y := graph.NewNode(rt.Registry().MustGet("stateful_scale"), "scale", x.Out(0))
	op := NewCachedOp(rt.Registry(), graph.NewGraph(y.Out(0)), Config{InlineLimit: -1})

	in := f32(rt, 1, 2)
	rt.SetRecording(true)
	inv := op.Forward(rt, []*nd.Array{in}, []*nd.Array{nd.None(engine.CPU(0))})
	rt.SetRecording(false)

	og := f32(rt, 1, 1)
	dx := nd.None(engine.CPU(0))
	op.Backward(rt, inv, []*nd.Array{og}, []nd.OpReqType{nd.WriteTo}, []*nd.Array{dx}, false)
	assert.Equal(t, []float32{2, 2}, dx.Float32s())

	st := findScaleState(op, engine.CPU(0))
	require.NotNil(t, st)
	assert.Equal(t, 1, st.fwdCalls)
	assert.Equal(t, 1, st.bwdCalls, "backward runs against the forward node's state")
}

// Stateful nodes must not be fused into bulk segments: each one is its
// own engine submission.
func TestStatefulBreaksBulking(t *testing.T) {
	eng := engine.NewSync()
	rt := NewRuntime(eng, statefulRegistry())
	reg := rt.Registry()
	x, w := graph.Var("x"), graph.Var("w")
	prod := graph.NewNode(reg.MustGet(ops.OpElemwiseMul), "prod", x.Out(0), w.Out(0))
	scaled := graph.NewNode(reg.MustGet("stateful_scale"), "scale", prod.Out(0))
	y := graph.NewNode(reg.MustGet(ops.OpRelu), "y", scaled.Out(0))
	op := NewCachedOp(reg, graph.NewGraph(y.Out(0)), Config{InlineLimit: -1, ForwardBulkSize: 16})

	xa := f32(rt, 1, -2)
	wa := f32(rt, 3, 4)
	before := eng.NumPushed()
	op.Forward(rt, []*nd.Array{xa, wa}, []*nd.Array{nd.None(engine.CPU(0))})
	assert.Equal(t, int64(3), eng.NumPushed()-before, "mul | stateful | relu")
}
