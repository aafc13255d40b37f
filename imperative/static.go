// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package imperative

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/symflow/symflow/engine"
	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/nd"
	"github.com/symflow/symflow/ops"
)

const segNoLimit = 1 << 30

// arrayPtrs returns stable pointers to the first n buffer slots.
func (state *cachedOpState) arrayPtrs(n int) []*nd.Array {
	arrays := make([]*nd.Array, n)
	for i := range arrays {
		arrays[i] = &state.buff[i]
	}
	return arrays
}

// staticAllocForward (re)allocates the persistent buffers per the
// current forward plan. Input and output-gradient slots stay unbound
// and rebind every call; dynamic-storage slots allocate lazily at first
// use and then stay bound.
func (op *CachedOp) staticAllocForward(state *cachedOpState, recording bool, eng engine.Engine) {
	g := state.fwd
	kind := graph.ForwardPlan
	if recording {
		kind = graph.FullPlan
	}
	plan := g.Attrs.MemPlans[kind]

	totalEntries := op.numFwdEntries
	if state.full != nil {
		totalEntries = state.full.Indexed().NumEntries()
	}
	state.buff = make([]nd.Array, totalEntries)
	state.arrayReqs = make([]nd.OpReqType, totalEntries)
	state.boundParams = make([]*nd.Array, op.numInputs)

	fwdRange := graph.Range{Start: 0, End: op.numFwdEntries}
	planReqs(plan, state.arrayReqs, fwdRange)
	bindPlanArrays(eng, state.ctx, g, plan, state.arrayPtrs(op.numFwdEntries), fwdRange)

	state.fwdAllocated = true
	state.bwdAllocated = false
	state.allocRecording = recording
	klog.V(2).Infof("imperative: static alloc for %s: %d entries", state.ctx, op.numFwdEntries)
}

// staticAllocBackward extends the persistent buffers over the backward
// entry range per the backward plan.
func (op *CachedOp) staticAllocBackward(state *cachedOpState, eng engine.Engine) {
	g := state.full
	ix := g.Indexed()
	plan := g.Attrs.MemPlans[graph.BackwardPlan]
	entryRange := graph.Range{Start: op.numFwdEntries, End: ix.NumEntries()}
	planReqs(plan, state.arrayReqs, entryRange)
	bindPlanArrays(eng, state.ctx, g, plan, state.arrayPtrs(ix.NumEntries()), entryRange)
	state.bwdAllocated = true
}

// buildSegs precuts a node range into engine submissions: runs of
// fusable nodes up to bulkSize, with stateful nodes isolated.
func (op *CachedOp) buildSegs(g *graph.Graph, nodeRange graph.Range, bulkSize int) []execSeg {
	ix := g.Indexed()
	if bulkSize <= 0 {
		bulkSize = segNoLimit
	}
	var segs []execSeg
	start := nodeRange.Start
	count := 0
	cut := func(end int, alone bool) {
		if start < end || alone {
			segs = append(segs, execSeg{start: start, end: end, alone: alone})
		}
		start = end
		count = 0
	}
	for nid := nodeRange.Start; nid < nodeRange.End; nid++ {
		n := ix.Node(nid)
		if n.IsVariable() {
			continue
		}
		_, stateful := n.Attrs.Op.(ops.Stateful)
		_, stateBwd := n.Attrs.Op.(ops.BackwardOfStateful)
		if stateful || stateBwd {
			cut(nid, false)
			cut(nid+1, true)
			continue
		}
		count++
		if count >= bulkSize {
			cut(nid+1, false)
		}
	}
	cut(nodeRange.End, false)
	return segs
}

func (op *CachedOp) runSegs(rt *Runtime, state *cachedOpState, g *graph.Graph,
	segs []execSeg, arrays []*nd.Array, entryReqs []nd.OpReqType) {
	for _, seg := range segs {
		op.runGraph(rt, state.ctx, g, graph.Range{Start: seg.start, End: seg.end},
			arrays, entryReqs, segNoLimit, state.opStates)
	}
}

// staticForward runs the forward pass over the persistent buffers,
// rebinding data inputs each call and handing the caller aliases of the
// pooled output buffers.
func (op *CachedOp) staticForward(rt *Runtime, inv *Invocation, inputs, outputs []*nd.Array, recording bool) {
	state := inv.state
	match := op.setForwardGraph(state, recording, inputs)
	if !match && state.fwdAllocated {
		if op.config.StaticShape {
			exceptions.Panicf("imperative: input attributes changed on a StaticShape CachedOp")
		}
		state.fwdAllocated = false
		state.fwdExecInit = false
		state.bwdExecInit = false
	}
	if !state.fwdAllocated || (recording && !state.allocRecording) {
		op.staticAllocForward(state, recording, rt.Engine())
		state.fwdExecInit = false
	}

	g := state.fwd
	ix := g.Indexed()
	param := make(map[int]bool, len(op.config.ParamIndices))
	for _, idx := range op.config.ParamIndices {
		param[idx] = true
	}
	for i, nid := range op.inputNids {
		slot := &state.buff[ix.EntryID(nid, 0)]
		if op.config.StaticShape && param[i] {
			if state.boundParams[i] == nil {
				state.boundParams[i] = inputs[i]
				slot.CopyHandleFrom(inputs[i])
			} else if !state.boundParams[i].IsSame(inputs[i]) {
				exceptions.Panicf("imperative: parameter %d is a different tensor than the one "+
					"bound at the first call; StaticShape requires stable parameters", i)
			}
			continue
		}
		slot.CopyHandleFrom(inputs[i])
	}

	if !state.fwdExecInit {
		state.fwdSegs = op.buildSegs(g, graph.Range{Start: 0, End: op.numFwdNodes}, op.forwardBulk(rt))
		state.fwdExecInit = true
	}
	arrays := state.arrayPtrs(len(state.buff))
	op.runSegs(rt, state, g, state.fwdSegs, arrays, state.arrayReqs)

	for j, eid := range ix.OutputEids() {
		outputs[j].CopyHandleFrom(&state.buff[eid])
	}
}

// staticBackward runs the backward node range over the persistent
// buffers, which still hold this invocation's forward values.
func (op *CachedOp) staticBackward(rt *Runtime, inv *Invocation, ograds []*nd.Array,
	reqs []nd.OpReqType, igrads []*nd.Array) {
	state := inv.state
	if !state.allocRecording {
		exceptions.Panicf("imperative: Backward on a forward pass that was not recorded")
	}
	match := op.setBackwardGraph(state, reqs)
	if !match {
		state.bwdAllocated = false
		state.bwdExecInit = false
	}
	if !state.bwdAllocated {
		op.staticAllocBackward(state, rt.Engine())
		state.bwdExecInit = false
	}

	g := state.full
	ix := g.Indexed()
	arrays := state.arrayPtrs(ix.NumEntries())
	entryReqs := append([]nd.OpReqType(nil), state.arrayReqs...)
	op.bindOGrads(g, arrays, ograds, rt.Engine(), state.ctx)
	op.bindIGrads(g, arrays, entryReqs, reqs, igrads, rt.Engine(), state.ctx)

	if !state.bwdExecInit {
		state.bwdSegs = op.buildSegs(g, graph.Range{Start: op.numFwdNodes, End: ix.NumNodes()},
			op.backwardBulk(rt))
		state.bwdExecInit = true
	}
	op.runSegs(rt, state, g, state.bwdSegs, arrays, entryReqs)
}

func (op *CachedOp) forwardBulk(rt *Runtime) int {
	if op.config.ForwardBulkSize > 0 {
		return op.config.ForwardBulkSize
	}
	return rt.Engine().BulkSize()
}

func (op *CachedOp) backwardBulk(rt *Runtime) int {
	if op.config.BackwardBulkSize > 0 {
		return op.config.BackwardBulkSize
	}
	return rt.Engine().BulkSize()
}
