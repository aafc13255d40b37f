// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package ops implements the operator registry and the builtin
// operators: the arity/inference/differentiation metadata the graph
// package consumes, plus the dense compute kernels the imperative
// runtime dispatches.
package ops

import (
	"github.com/symflow/symflow/engine"
	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/nd"
	"github.com/symflow/symflow/types/shapes"
)

// Computable is the dense compute kernel of an operator. Kernels are
// synchronous: the runtime wraps them into engine functions with the
// proper read/write variable sets. A kernel must honor reqs per output
// (skip on NullOp, accumulate on AddTo) and panics on malformed inputs.
type Computable interface {
	graph.Op
	Compute(attrs *graph.NodeAttrs, ctx engine.Context, inputs []*nd.Array, reqs []nd.OpReqType, outputs []*nd.Array)
}

// Stateful is implemented by operators that keep per-executor state
// (layers with internal buffers). The executor creates the state once
// per node and passes it to every compute call.
type Stateful interface {
	graph.Op
	CreateState(attrs *graph.NodeAttrs, ctx engine.Context, inShapes []shapes.Shape, inTypes []shapes.DType) any
	ComputeWithState(state any, ctx engine.Context, inputs []*nd.Array, reqs []nd.OpReqType, outputs []*nd.Array)
}

// BackwardOfStateful is implemented by backward operators that run
// against the state created by their paired forward node. Executors
// locate the forward node through the backward node's first control
// dependency and hand its state in.
type BackwardOfStateful interface {
	graph.Op
	BackwardWithState(state any, ctx engine.Context, inputs []*nd.Array, reqs []nd.OpReqType, outputs []*nd.Array)
}
