// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package imperative

import (
	"github.com/gomlx/exceptions"

	"github.com/symflow/symflow/engine"
	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/nd"
	"github.com/symflow/symflow/ops"
	"github.com/symflow/symflow/types/shapes"
	"github.com/symflow/symflow/types/xslices"
)

// nodeExec is one operator node bound to its runtime arrays, ready to
// submit. alone marks nodes that must not be fused into a bulk segment.
type nodeExec struct {
	fn    engine.Fn
	read  []*engine.Var
	write []*engine.Var
	alone bool
}

// buildNodeExec binds node nid against the current arrays. It reports
// false for variables and for nodes whose every output was elided.
func (op *CachedOp) buildNodeExec(g *graph.Graph, nid int,
	arrays []*nd.Array, entryReqs []nd.OpReqType, eng engine.Engine, ctx engine.Context,
	opStates []any) (nodeExec, bool) {
	ix := g.Indexed()
	n := ix.Node(nid)
	if n.IsVariable() {
		return nodeExec{}, false
	}

	numOut := n.NumOutputs()
	outputs := make([]*nd.Array, numOut)
	reqs := make([]nd.OpReqType, numOut)
	live := false
	for idx := 0; idx < numOut; idx++ {
		eid := ix.EntryID(nid, idx)
		reqs[idx] = entryReqs[eid]
		if reqs[idx] == nd.NullOp {
			outputs[idx] = arrays[eid]
			continue
		}
		live = true
		if arrays[eid].IsNone() {
			// Unpooled entry (dynamic storage, or running without a
			// plan): allocate fresh for this call.
			bindArray(arrays, eid, nd.New(eng, ctx, g.Attrs.Shapes[eid]))
		}
		outputs[idx] = arrays[eid]
	}
	if !live {
		return nodeExec{}, false
	}

	inEids := ix.InputEids(nid)
	inputs := make([]*nd.Array, len(inEids))
	for i, eid := range inEids {
		inputs[i] = arrays[eid]
	}

	var opState any
	alone := false
	if sf, ok := n.Attrs.Op.(ops.Stateful); ok {
		if opStates[nid] == nil {
			opStates[nid] = sf.CreateState(&n.Attrs, ctx, attrsAt(g.Attrs.Shapes, inEids), attrsAt(g.Attrs.DTypes, inEids))
		}
		opState = opStates[nid]
		alone = true
	} else if _, ok := n.Attrs.Op.(ops.BackwardOfStateful); ok {
		deps := ix.ControlDepIDs(nid)
		if len(deps) == 0 {
			exceptions.Panicf("imperative: backward node %s has no forward node to take state from", n)
		}
		opState = opStates[deps[0]]
		alone = true
	}

	fn := computeFn(&n.Attrs, ctx, inputs, reqs, outputs, opState)
	read, write := depVars(inputs, outputs)
	return nodeExec{fn: fn, read: read, write: write, alone: alone}, true
}

func attrsAt[T any](vec []T, eids []int) []T {
	out := make([]T, len(eids))
	for i, eid := range eids {
		out[i] = vec[eid]
	}
	return out
}

// runGraph submits the nodes of nodeRange, fusing up to bulkSize
// consecutive fusable nodes into one engine operation.
func (op *CachedOp) runGraph(rt *Runtime, ctx engine.Context, g *graph.Graph,
	nodeRange graph.Range, arrays []*nd.Array, entryReqs []nd.OpReqType,
	bulkSize int, opStates []any) {
	eng := rt.Engine()
	if bulkSize <= 0 {
		bulkSize = eng.BulkSize()
	}

	var seg []nodeExec
	flush := func() {
		if len(seg) == 0 {
			return
		}
		if len(seg) == 1 {
			eng.PushSync(seg[0].fn, ctx, seg[0].read, seg[0].write, 0, engine.OpNormal)
			seg = nil
			return
		}
		fns := make([]engine.Fn, len(seg))
		writeSet := make(map[*engine.Var]bool)
		var write []*engine.Var
		for i, ex := range seg {
			fns[i] = ex.fn
			for _, v := range ex.write {
				if !writeSet[v] {
					writeSet[v] = true
					write = append(write, v)
				}
			}
		}
		readSet := make(map[*engine.Var]bool)
		var read []*engine.Var
		for _, ex := range seg {
			for _, v := range ex.read {
				if !readSet[v] && !writeSet[v] {
					readSet[v] = true
					read = append(read, v)
				}
			}
		}
		eng.PushSync(func() {
			for _, fn := range fns {
				fn()
			}
		}, ctx, read, write, 0, engine.OpNormal)
		seg = nil
	}

	for nid := nodeRange.Start; nid < nodeRange.End; nid++ {
		ex, ok := op.buildNodeExec(g, nid, arrays, entryReqs, eng, ctx, opStates)
		if !ok {
			continue
		}
		if ex.alone {
			flush()
			eng.PushSync(ex.fn, ctx, ex.read, ex.write, 0, engine.OpNormal)
			continue
		}
		seg = append(seg, ex)
		if len(seg) >= bulkSize {
			flush()
		}
	}
	flush()
}

// inlineForward runs a small graph without any cached state: fresh
// inference, no memory plan, every operator dispatched on its own.
func (op *CachedOp) inlineForward(rt *Runtime, ctx engine.Context, inputs, outputs []*nd.Array) {
	g := op.fwdGraph.CloneStructure()
	inShapes := make([]shapes.Shape, op.numInputs)
	inTypes := make([]shapes.DType, op.numInputs)
	inStypes := make([]shapes.StorageType, op.numInputs)
	for i, in := range inputs {
		inShapes[i] = in.Shape()
		inTypes[i] = in.DType()
		inStypes[i] = in.StorageType()
	}
	graph.CheckAndInferShape(g, inShapes, true, graph.Range{}, graph.Range{})
	graph.CheckAndInferType(g, inTypes, true, graph.Range{}, graph.Range{})
	graph.CheckAndInferStorage(g, inStypes, true, graph.Range{}, graph.Range{})

	arrays := make([]*nd.Array, op.numFwdEntries)
	entryReqs := xslices.SliceWithValue(op.numFwdEntries, nd.WriteTo)
	op.bindBoundary(g, arrays, inputs, outputs, rt.Engine(), ctx)
	opStates := make([]any, op.numFwdNodes)
	op.runGraph(rt, ctx, g, graph.Range{Start: 0, End: op.numFwdNodes}, arrays, entryReqs, 1, opStates)
}

// bindBoundary binds caller inputs and outputs into the array slots,
// allocating uninitialized output handles.
func (op *CachedOp) bindBoundary(g *graph.Graph, arrays []*nd.Array, inputs, outputs []*nd.Array,
	eng engine.Engine, ctx engine.Context) {
	ix := g.Indexed()
	for i, nid := range op.inputNids {
		arrays[ix.EntryID(nid, 0)] = inputs[i]
	}
	for j, eid := range ix.OutputEids() {
		out := outputs[j]
		want := g.Attrs.Shapes[eid]
		if out.IsNone() {
			out.CopyHandleFrom(nd.New(eng, ctx, want))
		} else if !out.Shape().Eq(want) {
			exceptions.Panicf("imperative: output %d has shape %s, computed %s", j, out.Shape(), want)
		}
		arrays[eid] = out
	}
}

// dynamicForward plans (or reuses the cached plan), allocates this
// call's intermediate buffers and runs the forward nodes. When recording
// it retains the entry arrays on the invocation for backward.
func (op *CachedOp) dynamicForward(rt *Runtime, inv *Invocation, inputs, outputs []*nd.Array, recording bool) {
	state := inv.state
	op.setForwardGraph(state, recording, inputs)
	g := state.fwd
	kind := graph.ForwardPlan
	if recording {
		kind = graph.FullPlan
	}
	plan := g.Attrs.MemPlans[kind]

	arrays := make([]*nd.Array, op.numFwdEntries)
	entryReqs := make([]nd.OpReqType, op.numFwdEntries)
	planReqs(plan, entryReqs, graph.Range{Start: 0, End: op.numFwdEntries})
	op.bindBoundary(g, arrays, inputs, outputs, rt.Engine(), state.ctx)
	bindPlanArrays(rt.Engine(), state.ctx, g, plan, arrays, graph.Range{Start: 0, End: op.numFwdEntries})

	op.runGraph(rt, state.ctx, g, graph.Range{Start: 0, End: op.numFwdNodes}, arrays, entryReqs,
		op.config.ForwardBulkSize, state.opStates)
	if recording {
		inv.buff = arrays
	}
}

// dynamicBackward runs the backward node range of the full graph against
// the buffers retained by the recorded forward call.
func (op *CachedOp) dynamicBackward(rt *Runtime, inv *Invocation, ograds []*nd.Array,
	reqs []nd.OpReqType, igrads []*nd.Array) {
	state := inv.state
	op.setBackwardGraph(state, reqs)
	g := state.full
	ix := g.Indexed()
	plan := g.Attrs.MemPlans[graph.BackwardPlan]

	arrays := make([]*nd.Array, ix.NumEntries())
	copy(arrays, inv.buff)
	entryReqs := make([]nd.OpReqType, ix.NumEntries())
	entryRange := graph.Range{Start: op.numFwdEntries, End: ix.NumEntries()}
	planReqs(plan, entryReqs, entryRange)

	op.bindOGrads(g, arrays, ograds, rt.Engine(), state.ctx)
	op.bindIGrads(g, arrays, entryReqs, reqs, igrads, rt.Engine(), state.ctx)
	bindPlanArrays(rt.Engine(), state.ctx, g, plan, arrays, entryRange)

	op.runGraph(rt, state.ctx, g, graph.Range{Start: op.numFwdNodes, End: ix.NumNodes()},
		arrays, entryReqs, op.config.BackwardBulkSize, state.opStates)
}

// bindOGrads binds incoming gradients to their placeholder entries.
// Gradients of outputs the backward graph never reads are skipped; a
// nil or uninitialized incoming gradient becomes a zero tensor.
func (op *CachedOp) bindOGrads(g *graph.Graph, arrays []*nd.Array, ograds []*nd.Array,
	eng engine.Engine, ctx engine.Context) {
	ix := g.Indexed()
	for _, k := range op.bwdOGradDep {
		eid := ix.EntryID(ix.NodeID(op.ogradVars[k]), 0)
		og := ograds[k]
		if og.IsNone() {
			// Fresh buffers are zero-filled.
			og = nd.New(eng, ctx, g.Attrs.Shapes[eid])
		}
		bindArray(arrays, eid, og)
	}
}

// bindIGrads binds the requested input-gradient outputs, carrying the
// caller's request (AddTo accumulates into existing gradients).
func (op *CachedOp) bindIGrads(g *graph.Graph, arrays []*nd.Array, entryReqs []nd.OpReqType,
	reqs []nd.OpReqType, igrads []*nd.Array, eng engine.Engine, ctx engine.Context) {
	ix := g.Indexed()
	gradOutEids := ix.OutputEids()[op.numOutputs:]
	for k, inputIdx := range op.gradInputIdx {
		eid := gradOutEids[k]
		if reqs[inputIdx] == nd.NullOp {
			entryReqs[eid] = nd.NullOp
			continue
		}
		arr := igrads[inputIdx]
		if arr.IsNone() {
			arr.CopyHandleFrom(nd.New(eng, ctx, g.Attrs.Shapes[eid]))
		}
		bindArray(arrays, eid, arr)
		entryReqs[eid] = reqs[inputIdx]
	}
}
