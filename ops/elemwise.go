// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"github.com/gomlx/exceptions"

	"github.com/symflow/symflow/engine"
	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/nd"
	"github.com/symflow/symflow/types/shapes"
)

// Builtin operator names.
const (
	OpElemwiseAdd  = "elemwise_add"
	OpElemwiseMul  = "elemwise_mul"
	OpRelu         = "relu"
	OpReluBackward = "_backward_relu"
	OpCopy         = "_copy"
	OpZerosLike    = "zeros_like"
)

func builtinOps() []graph.Op {
	return []graph.Op{
		addOp{}, mulOp{}, reluOp{}, reluBackwardOp{}, copyOp{}, zerosLikeOp{},
	}
}

// elemwise is the shared inference base of the elementwise operators:
// every input and output carries the same shape and dtype.
type elemwise struct{}

func (elemwise) NumOutputs(*graph.NodeAttrs) int { return 1 }

func (e elemwise) InferShape(_ *graph.NodeAttrs, in, out []shapes.Shape) bool {
	var known shapes.Shape
	for _, s := range in {
		if s.Ok() {
			known = s
			break
		}
	}
	if !known.Ok() {
		for _, s := range out {
			if s.Ok() {
				known = s
				break
			}
		}
	}
	if !known.Ok() {
		return false
	}
	for i := range in {
		if !in[i].Ok() {
			in[i] = known
		}
	}
	for i := range out {
		if !out[i].Ok() {
			out[i] = known
		}
	}
	return true
}

func (e elemwise) InferType(_ *graph.NodeAttrs, in, out []shapes.DType) bool {
	known := shapes.InvalidDType
	for _, d := range append(append([]shapes.DType{}, in...), out...) {
		if d != shapes.InvalidDType {
			known = d
			break
		}
	}
	if known == shapes.InvalidDType {
		return false
	}
	for i := range in {
		if in[i] == shapes.InvalidDType {
			in[i] = known
		}
	}
	for i := range out {
		if out[i] == shapes.InvalidDType {
			out[i] = known
		}
	}
	return true
}

// applyUnary runs f element by element, honoring the output request.
func applyUnary(out, in *nd.Array, req nd.OpReqType, f32 func(float32) float32, f64 func(float64) float64) {
	if req == nd.NullOp {
		return
	}
	switch out.DType() {
	case shapes.Float32:
		dst, src := out.Float32s(), in.Float32s()
		if req == nd.AddTo {
			for i := range dst {
				dst[i] += f32(src[i])
			}
		} else {
			for i := range dst {
				dst[i] = f32(src[i])
			}
		}
	case shapes.Float64:
		dst, src := out.Float64s(), in.Float64s()
		if req == nd.AddTo {
			for i := range dst {
				dst[i] += f64(src[i])
			}
		} else {
			for i := range dst {
				dst[i] = f64(src[i])
			}
		}
	case shapes.Float16:
		dst, src := out.Float16s(), in.Float16s()
		if req == nd.AddTo {
			for i := range dst {
				dst[i] = shapes.F16FromF32(shapes.F32FromF16(dst[i]) + f32(shapes.F32FromF16(src[i])))
			}
		} else {
			for i := range dst {
				dst[i] = shapes.F16FromF32(f32(shapes.F32FromF16(src[i])))
			}
		}
	default:
		exceptions.Panicf("ops: no kernel for dtype %s", out.DType())
	}
}

// applyBinary is the two-input counterpart of applyUnary.
func applyBinary(out, a, b *nd.Array, req nd.OpReqType, f32 func(x, y float32) float32, f64 func(x, y float64) float64) {
	if req == nd.NullOp {
		return
	}
	switch out.DType() {
	case shapes.Float32:
		dst, x, y := out.Float32s(), a.Float32s(), b.Float32s()
		if req == nd.AddTo {
			for i := range dst {
				dst[i] += f32(x[i], y[i])
			}
		} else {
			for i := range dst {
				dst[i] = f32(x[i], y[i])
			}
		}
	case shapes.Float64:
		dst, x, y := out.Float64s(), a.Float64s(), b.Float64s()
		if req == nd.AddTo {
			for i := range dst {
				dst[i] += f64(x[i], y[i])
			}
		} else {
			for i := range dst {
				dst[i] = f64(x[i], y[i])
			}
		}
	case shapes.Float16:
		dst, x, y := out.Float16s(), a.Float16s(), b.Float16s()
		for i := range dst {
			v := f32(shapes.F32FromF16(x[i]), shapes.F32FromF16(y[i]))
			if req == nd.AddTo {
				v += shapes.F32FromF16(dst[i])
			}
			dst[i] = shapes.F16FromF32(v)
		}
	default:
		exceptions.Panicf("ops: no kernel for dtype %s", out.DType())
	}
}

// addOp is elementwise addition.
type addOp struct{ elemwise }

func (addOp) OpName() string                 { return OpElemwiseAdd }
func (addOp) NumInputs(*graph.NodeAttrs) int { return 2 }

func (addOp) InplaceOptions(*graph.NodeAttrs) [][2]int { return [][2]int{{0, 0}, {1, 0}} }

func (addOp) Compute(_ *graph.NodeAttrs, _ engine.Context, in []*nd.Array, reqs []nd.OpReqType, out []*nd.Array) {
	applyBinary(out[0], in[0], in[1], reqs[0],
		func(x, y float32) float32 { return x + y },
		func(x, y float64) float64 { return x + y })
}

// Gradient of a sum passes the incoming gradient straight through to
// both inputs: the backward graph reads nothing from the forward pass.
func (addOp) Gradient(_ *graph.Node, ograds []graph.NodeEntry) []graph.NodeEntry {
	return []graph.NodeEntry{ograds[0], ograds[0]}
}

// mulOp is elementwise multiplication.
type mulOp struct{ elemwise }

func (mulOp) OpName() string                 { return OpElemwiseMul }
func (mulOp) NumInputs(*graph.NodeAttrs) int { return 2 }

func (mulOp) InplaceOptions(*graph.NodeAttrs) [][2]int { return [][2]int{{0, 0}, {1, 0}} }

func (mulOp) Compute(_ *graph.NodeAttrs, _ engine.Context, in []*nd.Array, reqs []nd.OpReqType, out []*nd.Array) {
	applyBinary(out[0], in[0], in[1], reqs[0],
		func(x, y float32) float32 { return x * y },
		func(x, y float64) float64 { return x * y })
}

// Gradient of a product needs both forward inputs saved for backward.
func (op mulOp) Gradient(n *graph.Node, ograds []graph.NodeEntry) []graph.NodeEntry {
	ga := graph.NewNode(op, n.Attrs.Name+"_grad_lhs", ograds[0], n.Inputs[1])
	gb := graph.NewNode(op, n.Attrs.Name+"_grad_rhs", ograds[0], n.Inputs[0])
	return []graph.NodeEntry{ga.Out(0), gb.Out(0)}
}

// reluOp is the rectified linear unit.
type reluOp struct{ elemwise }

func (reluOp) OpName() string                 { return OpRelu }
func (reluOp) NumInputs(*graph.NodeAttrs) int { return 1 }

func (reluOp) InplaceOptions(*graph.NodeAttrs) [][2]int { return [][2]int{{0, 0}} }

func (reluOp) Compute(_ *graph.NodeAttrs, _ engine.Context, in []*nd.Array, reqs []nd.OpReqType, out []*nd.Array) {
	applyUnary(out[0], in[0], reqs[0],
		func(x float32) float32 { return max(x, 0) },
		func(x float64) float64 { return max(x, 0) })
}

// Gradient of relu reads the forward output, not the input: the backward
// pass only needs to know where the output was clipped to zero.
func (reluOp) Gradient(n *graph.Node, ograds []graph.NodeEntry) []graph.NodeEntry {
	bwd := graph.NewNode(reluBackwardOp{}, n.Attrs.Name+"_backward", ograds[0], n.Out(0))
	return []graph.NodeEntry{bwd.Out(0)}
}

// reluBackwardOp computes ograd masked by the forward output's sign.
type reluBackwardOp struct{ elemwise }

func (reluBackwardOp) OpName() string                 { return OpReluBackward }
func (reluBackwardOp) NumInputs(*graph.NodeAttrs) int { return 2 }

func (reluBackwardOp) InplaceOptions(*graph.NodeAttrs) [][2]int { return [][2]int{{0, 0}} }

func (reluBackwardOp) Compute(_ *graph.NodeAttrs, _ engine.Context, in []*nd.Array, reqs []nd.OpReqType, out []*nd.Array) {
	applyBinary(out[0], in[0], in[1], reqs[0],
		func(og, y float32) float32 {
			if y > 0 {
				return og
			}
			return 0
		},
		func(og, y float64) float64 {
			if y > 0 {
				return og
			}
			return 0
		})
}

// copyOp is the identity operator. The execution cache inserts it to
// split duplicated outputs into distinct buffers.
type copyOp struct{ elemwise }

func (copyOp) OpName() string                 { return OpCopy }
func (copyOp) NumInputs(*graph.NodeAttrs) int { return 1 }

func (copyOp) Compute(_ *graph.NodeAttrs, _ engine.Context, in []*nd.Array, reqs []nd.OpReqType, out []*nd.Array) {
	applyUnary(out[0], in[0], reqs[0],
		func(x float32) float32 { return x },
		func(x float64) float64 { return x })
}

func (copyOp) Gradient(_ *graph.Node, ograds []graph.NodeEntry) []graph.NodeEntry {
	return []graph.NodeEntry{ograds[0]}
}

// zerosLikeOp emits zeros in the shape of its input. The gradient pass
// uses it to materialize zero gradients for unreached leaves.
type zerosLikeOp struct{ elemwise }

func (zerosLikeOp) OpName() string                 { return OpZerosLike }
func (zerosLikeOp) NumInputs(*graph.NodeAttrs) int { return 1 }

func (zerosLikeOp) Compute(_ *graph.NodeAttrs, _ engine.Context, _ []*nd.Array, reqs []nd.OpReqType, out []*nd.Array) {
	// AddTo with a zero addend is a no-op.
	if reqs[0] == nd.NullOp || reqs[0] == nd.AddTo {
		return
	}
	b := out[0].Bytes()
	for i := range b {
		b[i] = 0
	}
}

func (zerosLikeOp) Gradient(_ *graph.Node, _ []graph.NodeEntry) []graph.NodeEntry {
	return []graph.NodeEntry{{}}
}
