// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package imperative

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/symflow/symflow/engine"
	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/nd"
	"github.com/symflow/symflow/types/shapes"
)

// cachedOpState is the per-context execution state of a CachedOp: the
// graph clones carrying this state's cached inference results and memory
// plans, plus the buffers and segments of the static executor. States
// are uniquely owned: one invocation at a time, via the busy flag.
type cachedOpState struct {
	mu   sync.Mutex
	busy atomic.Bool
	ctx  engine.Context

	// fwd and full share the op's nodes but own their attributes, so
	// concurrent states never race on inference results.
	fwd  *graph.Graph
	full *graph.Graph

	// Static executor state. buff slots are stable: pointers into it
	// stay valid across calls, while the handles inside rebind.
	buff        []nd.Array
	arrayReqs   []nd.OpReqType
	opStates    []any
	boundParams []*nd.Array
	fwdSegs     []execSeg
	bwdSegs     []execSeg

	fwdAllocated   bool
	bwdAllocated   bool
	fwdExecInit    bool
	bwdExecInit    bool
	allocRecording bool
	lastBwdReqs    []nd.OpReqType
}

// execSeg is one engine submission: a run of node ids fused into a
// single engine operation, or a single node that must run alone.
type execSeg struct {
	start, end int
	alone      bool
}

func (op *CachedOp) getState(ctx engine.Context) *cachedOpState {
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, s := range op.states[ctx] {
		if s.busy.CompareAndSwap(false, true) {
			return s
		}
	}
	s := &cachedOpState{ctx: ctx, fwd: op.fwdGraph.CloneStructure()}
	numNodes := op.numFwdNodes
	if op.fullGraph != nil {
		s.full = op.fullGraph.CloneStructure()
		numNodes = s.full.Indexed().NumNodes()
	}
	s.opStates = make([]any, numNodes)
	s.boundParams = make([]*nd.Array, op.numInputs)
	s.busy.Store(true)
	op.states[ctx] = append(op.states[ctx], s)
	return s
}

func (op *CachedOp) releaseState(s *cachedOpState) {
	s.busy.Store(false)
}

// setForwardGraph runs the three inference passes with their match
// checks and makes sure the wanted forward memory plan exists. It
// returns false when the inputs' attributes changed against the cached
// ones, which invalidates everything derived from them.
func (op *CachedOp) setForwardGraph(state *cachedOpState, recording bool, inputs []*nd.Array) bool {
	g := state.fwd
	inShapes := make([]shapes.Shape, op.numInputs)
	inTypes := make([]shapes.DType, op.numInputs)
	inStypes := make([]shapes.StorageType, op.numInputs)
	for i, in := range inputs {
		inShapes[i] = in.Shape()
		inTypes[i] = in.DType()
		inStypes[i] = in.StorageType()
	}
	match := graph.CheckAndInferShape(g, inShapes, true, graph.Range{}, graph.Range{})
	match = graph.CheckAndInferType(g, inTypes, true, graph.Range{}, graph.Range{}) && match
	match = graph.CheckAndInferStorage(g, inStypes, true, graph.Range{}, graph.Range{}) && match
	if !match {
		g.Attrs.ErasePlans()
		if state.full != nil {
			// The backward attributes were seeded from the forward ones;
			// they are stale now too.
			state.full.Attrs = graph.Attributes{}
			state.lastBwdReqs = nil
		}
	}

	kind := graph.ForwardPlan
	rc := op.fwdRefCounts
	if recording {
		kind = graph.FullPlan
		rc = op.fullRefCounts
	}
	if g.Attrs.MemPlans[kind] == nil {
		g.Attrs.RefCounts[kind] = rc
		hints := op.forwardHints(g, !op.config.StaticAlloc)
		g.Attrs.MemPlans[kind] = graph.PlanMemory(g, hints, rc, graph.Range{}, graph.Range{})
		op.planGen.Add(1)
	}
	return match
}

// forwardHints seeds the planner's storage classes for the forward
// graph. Inputs are always caller-owned. Outputs are caller-owned on the
// dynamic path; the static executor pools them and hands the caller
// aliases instead.
func (op *CachedOp) forwardHints(g *graph.Graph, externalOutputs bool) []graph.StorageID {
	ix := g.Indexed()
	hints := make([]graph.StorageID, ix.NumEntries())
	for eid := range hints {
		hints[eid] = graph.BadStorage
		if stypeAt(g, eid) == shapes.RowSparseStorage {
			hints[eid] = graph.DynamicStorage
		}
	}
	for _, nid := range ix.InputNodes() {
		hints[ix.EntryID(nid, 0)] = graph.ExternalStorage
	}
	if externalOutputs {
		for _, eid := range ix.OutputEids() {
			hints[eid] = graph.ExternalStorage
		}
	}
	return hints
}

func stypeAt(g *graph.Graph, eid int) shapes.StorageType {
	if g.Attrs.Stypes == nil {
		return shapes.UndefinedStorage
	}
	return g.Attrs.Stypes[eid]
}

// setBackwardGraph extends the cached attributes over the backward node
// range and makes sure the backward memory plan exists, rebuilding its
// reference counts when the caller's gradient requests changed.
func (op *CachedOp) setBackwardGraph(state *cachedOpState, reqs []nd.OpReqType) bool {
	g := state.full
	ix := g.Indexed()
	nodeRange := graph.Range{Start: op.numFwdNodes, End: ix.NumNodes()}
	entryRange := graph.Range{Start: op.numFwdEntries, End: ix.NumEntries()}

	if !slices.Equal(state.lastBwdReqs, reqs) {
		rc := make([]int, ix.NumEntries())
		for nid := nodeRange.Start; nid < nodeRange.End; nid++ {
			for _, eid := range ix.InputEids(nid) {
				rc[eid]++
			}
		}
		gradOutEids := ix.OutputEids()[op.numOutputs:]
		for k, inputIdx := range op.gradInputIdx {
			if reqs[inputIdx] != nd.NullOp {
				rc[gradOutEids[k]]++
			}
		}
		g.Attrs.RefCounts[graph.BackwardPlan] = rc
		g.Attrs.ErasePlan(graph.BackwardPlan)
		state.lastBwdReqs = slices.Clone(reqs)
	}

	fwdOutEids := state.fwd.Indexed().OutputEids()
	shapesVec := seedFullVector(ix, state.fwd.Attrs.Shapes, op, fwdOutEids)
	typesVec := seedFullVector(ix, state.fwd.Attrs.DTypes, op, fwdOutEids)
	stypesVec := seedFullVector(ix, state.fwd.Attrs.Stypes, op, fwdOutEids)

	match := graph.CheckAndInferShape(g, shapesVec, false, nodeRange, entryRange)
	match = graph.CheckAndInferType(g, typesVec, false, nodeRange, entryRange) && match
	match = graph.CheckAndInferStorage(g, stypesVec, false, nodeRange, entryRange) && match
	if !match {
		g.Attrs.ErasePlan(graph.BackwardPlan)
	}

	if g.Attrs.MemPlans[graph.BackwardPlan] == nil {
		hints := op.backwardHints(g, state.lastBwdReqs)
		g.Attrs.MemPlans[graph.BackwardPlan] = graph.PlanMemory(
			g, hints, g.Attrs.RefCounts[graph.BackwardPlan], nodeRange, entryRange)
		op.planGen.Add(1)
	}
	return match
}

// seedFullVector builds a full-graph attribute vector from the forward
// state's inferred prefix, plus the incoming-gradient placeholders which
// mirror their forward output's value. Only the placeholders the
// backward range reads exist in the graph; the rest have no entry.
func seedFullVector[T any](ix *graph.IndexedGraph, fwdVec []T, op *CachedOp, fwdOutEids []int) []T {
	vec := make([]T, ix.NumEntries())
	copy(vec, fwdVec)
	for _, k := range op.bwdOGradDep {
		eid := ix.EntryID(ix.NodeID(op.ogradVars[k]), 0)
		vec[eid] = fwdVec[fwdOutEids[k]]
	}
	return vec
}

// backwardHints seeds the planner for the backward range: the whole
// forward prefix is owned by the forward pass, incoming gradients and
// requested input gradients are caller-owned, and unrequested gradients
// are left for the planner to elide.
func (op *CachedOp) backwardHints(g *graph.Graph, reqs []nd.OpReqType) []graph.StorageID {
	ix := g.Indexed()
	hints := make([]graph.StorageID, ix.NumEntries())
	for eid := range hints {
		if eid < op.numFwdEntries {
			hints[eid] = graph.ExternalStorage
			continue
		}
		hints[eid] = graph.BadStorage
		if stypeAt(g, eid) == shapes.RowSparseStorage {
			hints[eid] = graph.DynamicStorage
		}
	}
	for _, k := range op.bwdOGradDep {
		hints[ix.EntryID(ix.NodeID(op.ogradVars[k]), 0)] = graph.ExternalStorage
	}
	gradOutEids := ix.OutputEids()[op.numOutputs:]
	for k, inputIdx := range op.gradInputIdx {
		if reqs[inputIdx] != nd.NullOp {
			hints[gradOutEids[k]] = graph.ExternalStorage
		}
	}
	return hints
}

// bindPlanArrays materializes the plan's pooled buffers over entryRange:
// root entries allocate, sharing entries get views. Slots already bound
// (externals) are left alone.
func bindPlanArrays(eng engine.Engine, ctx engine.Context, g *graph.Graph,
	plan *graph.MemoryPlan, arrays []*nd.Array, er graph.Range) {
	for eid := er.Start; eid < er.End; eid++ {
		pe := plan.Entries[eid]
		if pe.SID >= 0 && pe.Root == eid {
			bindArray(arrays, eid, nd.NewPooled(eng, ctx, g.Attrs.Shapes[eid], pe.Bytes))
		}
	}
	for eid := er.Start; eid < er.End; eid++ {
		pe := plan.Entries[eid]
		if pe.SID >= 0 && pe.Root != eid {
			bindArray(arrays, eid, arrays[pe.Root].View(g.Attrs.Shapes[eid]))
		}
	}
}

// bindArray rebinds slot eid to src, preserving a pre-existing handle
// object if the slot has one (the static buffer case).
func bindArray(arrays []*nd.Array, eid int, src *nd.Array) {
	if arrays[eid] == nil {
		arrays[eid] = src
		return
	}
	arrays[eid].CopyHandleFrom(src)
}

// planReqs fills per-entry output requests from the plan: in-place
// entries announce the aliasing, elided entries are skipped entirely.
func planReqs(plan *graph.MemoryPlan, reqs []nd.OpReqType, er graph.Range) {
	for eid := er.Start; eid < er.End; eid++ {
		switch {
		case plan.InplaceIdx[eid] >= 0:
			reqs[eid] = nd.WriteInplace
		case plan.InplaceIdx[eid] == graph.InplaceNeverReferenced:
			reqs[eid] = nd.NullOp
		default:
			reqs[eid] = nd.WriteTo
		}
	}
}
