// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package imperative

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/symflow/symflow/engine"
	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/nd"
	"github.com/symflow/symflow/ops"
)

// Config tunes a CachedOp.
type Config struct {
	// StaticAlloc keeps buffers allocated across calls instead of
	// planning-and-allocating per call.
	StaticAlloc bool

	// StaticShape additionally locks parameter identity: parameter
	// inputs are bound once and later calls must pass the same tensors.
	// Implies StaticAlloc.
	StaticShape bool

	// ForwardBulkSize and BackwardBulkSize cap how many consecutive
	// operators are fused into one engine submission. Zero uses the
	// engine's advisory bulk size.
	ForwardBulkSize  int
	BackwardBulkSize int

	// InlineLimit is the operator-count threshold under which a
	// non-recording forward bypasses the cached executor entirely. Zero
	// means the default; negative disables inlining.
	InlineLimit int

	// DataIndices and ParamIndices partition the inputs for StaticShape:
	// parameters are bound once, data rebinds every call. Empty means
	// all inputs are data.
	DataIndices  []int
	ParamIndices []int
}

const defaultInlineLimit = 2

func (c Config) normalized() Config {
	if c.StaticShape {
		c.StaticAlloc = true
	}
	if c.InlineLimit == 0 {
		c.InlineLimit = defaultInlineLimit
	}
	return c
}

// CachedOp is the cached graph executor: it locks in a dataflow graph
// once and then runs it like a single operator, reusing inference
// results, memory plans and (optionally) buffers across calls.
//
// A CachedOp is safe for concurrent use; each call acquires a
// per-context execution state with unique ownership.
type CachedOp struct {
	reg    *ops.Registry
	config Config

	fwdGraph  *graph.Graph
	fullGraph *graph.Graph // nil when no input can take a gradient

	numFwdNodes   int
	numFwdEntries int
	numInputs     int
	numOutputs    int

	inputNids    []int
	mutableInput []bool
	// gradInputIdx maps backward output position to forward input index.
	gradInputIdx []int

	ogradVars []*graph.Node

	// Backward dependency sets: which ograds, forward inputs and forward
	// outputs the backward subgraph actually reads.
	bwdOGradDep []int
	bwdInDep    []int
	bwdOutDep   []int
	saveInputs  []bool
	saveOutputs []bool

	// Base per-entry reference counts over the forward entries, for the
	// plain forward plan and for the recording (full) plan.
	fwdRefCounts  []int
	fullRefCounts []int

	inlining bool

	mu     sync.Mutex
	states map[engine.Context][]*cachedOpState

	// planGen counts memory-plan computations, so tests can pin down
	// exactly when replanning happens.
	planGen atomic.Int64
}

// NewCachedOp locks in the given graph. The graph's variable nodes, in
// topological order, define the input positions; g.Outputs define the
// output positions.
func NewCachedOp(reg *ops.Registry, g *graph.Graph, config Config) *CachedOp {
	config = config.normalized()
	op := &CachedOp{
		reg:        reg,
		config:     config,
		numOutputs: len(g.Outputs),
		states:     make(map[engine.Context][]*cachedOpState),
	}
	if op.numOutputs == 0 {
		exceptions.Panicf("imperative: CachedOp needs at least one output")
	}
	op.fwdGraph = graph.NewGraph(dedupOutputs(reg, g.Outputs)...)

	fwdIx := op.fwdGraph.Indexed()
	op.numFwdNodes = fwdIx.NumNodes()
	op.numFwdEntries = fwdIx.NumEntries()
	op.inputNids = fwdIx.InputNodes()
	op.numInputs = len(op.inputNids)
	if op.numInputs == 0 {
		exceptions.Panicf("imperative: CachedOp graph has no inputs")
	}
	op.mutableInput = make([]bool, op.numInputs)
	for i, nid := range op.inputNids {
		op.mutableInput[i] = fwdIx.Node(nid).IsMutable()
	}
	checkInputPartition(config, op.numInputs)

	op.inlining = !config.StaticAlloc && op.numFwdNodes-op.numInputs <= config.InlineLimit
	op.buildBackward()
	op.buildRefCounts()
	klog.V(1).Infof("imperative: new CachedOp: %d nodes, %d inputs, %d outputs, inlining=%v",
		op.numFwdNodes, op.numInputs, op.numOutputs, op.inlining)
	return op
}

// dedupOutputs inserts identity nodes so every output position owns a
// distinct entry: duplicated outputs and outputs that are directly
// inputs would otherwise share one buffer.
func dedupOutputs(reg *ops.Registry, outputs []graph.NodeEntry) []graph.NodeEntry {
	copyOp := reg.MustGet(ops.OpCopy)
	seen := make(map[graph.NodeEntry]bool, len(outputs))
	deduped := make([]graph.NodeEntry, len(outputs))
	for i, out := range outputs {
		if seen[out] || out.Node.IsVariable() {
			n := graph.NewNode(copyOp, fmt.Sprintf("%s_copy%d", out.Node.Attrs.Name, i), out)
			deduped[i] = n.Out(0)
			continue
		}
		seen[out] = true
		deduped[i] = out
	}
	return deduped
}

func checkInputPartition(config Config, numInputs int) {
	if len(config.DataIndices) == 0 && len(config.ParamIndices) == 0 {
		return
	}
	covered := make([]bool, numInputs)
	for _, idx := range append(append([]int{}, config.DataIndices...), config.ParamIndices...) {
		if idx < 0 || idx >= numInputs || covered[idx] {
			exceptions.Panicf("imperative: bad input partition: index %d (have %d inputs)", idx, numInputs)
		}
		covered[idx] = true
	}
	for idx, ok := range covered {
		if !ok {
			exceptions.Panicf("imperative: input %d is neither data nor parameter", idx)
		}
	}
}

// buildBackward derives the backward subgraph and the dependency sets
// that decide which forward values are saved for it.
func (op *CachedOp) buildBackward() {
	fwdIx := op.fwdGraph.Indexed()
	inputIdxOf := make(map[*graph.Node]int, op.numInputs)
	var xs []graph.NodeEntry
	for i, nid := range op.inputNids {
		n := fwdIx.Node(nid)
		inputIdxOf[n] = i
		if !op.mutableInput[i] {
			op.gradInputIdx = append(op.gradInputIdx, i)
			xs = append(xs, n.Out(0))
		}
	}
	if len(xs) == 0 {
		return // Every input is mutable: nothing to differentiate.
	}

	op.ogradVars = make([]*graph.Node, op.numOutputs)
	ograds := make([]graph.NodeEntry, op.numOutputs)
	ogradIdxOf := make(map[*graph.Node]int, op.numOutputs)
	for i := range ograds {
		op.ogradVars[i] = graph.Var(fmt.Sprintf("ograd%d", i))
		ograds[i] = op.ogradVars[i].Out(0)
		ogradIdxOf[op.ogradVars[i]] = i
	}

	bwd := graph.Gradient(op.fwdGraph, xs, ograds, graph.GradientOptions{
		Aggregate: graph.MakeAddAggregate(op.reg.MustGet(ops.OpElemwiseAdd)),
		ZeroOp:    op.reg.MustGet(ops.OpZerosLike),
	})
	// A gradient output may be a plain passthrough of an incoming
	// gradient or of a forward entry; give those their own node so every
	// gradient output owns a distinct backward-range buffer.
	copyOp := op.reg.MustGet(ops.OpCopy)
	seen := make(map[graph.NodeEntry]bool, len(bwd.Outputs))
	for i, out := range bwd.Outputs {
		if out.Node.IsVariable() || fwdIx.Exists(out.Node) || seen[out] {
			bwd.Outputs[i] = graph.NewNode(copyOp, fmt.Sprintf("grad%d_copy", i), out).Out(0)
			continue
		}
		seen[out] = true
	}
	outputs := append(append([]graph.NodeEntry{}, op.fwdGraph.Outputs...), bwd.Outputs...)
	op.fullGraph = graph.NewGraph(outputs...)

	outputIdxOfEid := make(map[int]int, op.numOutputs)
	for i, eid := range fwdIx.OutputEids() {
		outputIdxOfEid[eid] = i
	}

	op.saveInputs = make([]bool, op.numInputs)
	op.saveOutputs = make([]bool, op.numOutputs)
	ogradDep := make(map[int]bool)
	inDep := make(map[int]bool)
	outDep := make(map[int]bool)
	fullIx := op.fullGraph.Indexed()
	for nid := op.numFwdNodes; nid < fullIx.NumNodes(); nid++ {
		for _, in := range fullIx.Node(nid).Inputs {
			if idx, ok := ogradIdxOf[in.Node]; ok {
				ogradDep[idx] = true
				continue
			}
			if idx, ok := inputIdxOf[in.Node]; ok {
				inDep[idx] = true
				op.saveInputs[idx] = true
				continue
			}
			if fwdIx.Exists(in.Node) {
				if idx, ok := outputIdxOfEid[fwdIx.EntryIDOf(in)]; ok {
					outDep[idx] = true
					op.saveOutputs[idx] = true
				}
				// Internal forward entries are retained through the
				// recording memory plan, not through save lists.
			}
		}
	}
	op.bwdOGradDep = sortedKeys(ogradDep)
	op.bwdInDep = sortedKeys(inDep)
	op.bwdOutDep = sortedKeys(outDep)
}

func sortedKeys(set map[int]bool) []int {
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// buildRefCounts computes the base per-entry consumer counts over the
// forward entries. The full variant additionally counts backward reads,
// keeping intermediate buffers alive when recording.
func (op *CachedOp) buildRefCounts() {
	fwdIx := op.fwdGraph.Indexed()
	rc := make([]int, op.numFwdEntries)
	for _, nid := range op.inputNids {
		rc[fwdIx.EntryID(nid, 0)]++
	}
	for _, eid := range fwdIx.OutputEids() {
		rc[eid]++
	}
	for nid := 0; nid < op.numFwdNodes; nid++ {
		for _, eid := range fwdIx.InputEids(nid) {
			rc[eid]++
		}
	}
	op.fwdRefCounts = rc

	full := append([]int(nil), rc...)
	if op.fullGraph != nil {
		fullIx := op.fullGraph.Indexed()
		for nid := op.numFwdNodes; nid < fullIx.NumNodes(); nid++ {
			for _, in := range fullIx.Node(nid).Inputs {
				if fwdIx.Exists(in.Node) {
					full[fwdIx.EntryIDOf(in)]++
				}
			}
		}
	}
	op.fullRefCounts = full
}

// NumInputs returns the number of input positions.
func (op *CachedOp) NumInputs() int { return op.numInputs }

// NumOutputs returns the number of output positions.
func (op *CachedOp) NumOutputs() int { return op.numOutputs }

// Differentiable reports whether any input can receive a gradient.
func (op *CachedOp) Differentiable() bool { return op.fullGraph != nil }

// SaveInputs reports which forward inputs the backward pass reads.
func (op *CachedOp) SaveInputs() []bool { return op.saveInputs }

// SaveOutputs reports which forward outputs the backward pass reads.
func (op *CachedOp) SaveOutputs() []bool { return op.saveOutputs }

// Invocation is the handle a Forward call returns: it owns the
// execution state and the retained buffers the matching Backward needs.
type Invocation struct {
	op  *CachedOp
	ctx engine.Context

	mu       sync.Mutex
	state    *cachedOpState
	buff     []*nd.Array // dynamic path: forward entry values
	inputs   []*nd.Array // saved per saveInputs, nil elsewhere
	outputs  []*nd.Array // saved per saveOutputs, nil elsewhere
	recorded bool
	used     bool
}

// Release frees the invocation's execution state without running
// backward. Forward invocations not recorded for gradients release
// themselves.
func (inv *Invocation) Release() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.releaseLocked()
}

func (inv *Invocation) releaseLocked() {
	if inv.used {
		return
	}
	inv.used = true
	inv.buff = nil
	inv.inputs = nil
	inv.outputs = nil
	if inv.state != nil {
		inv.op.releaseState(inv.state)
		inv.state = nil
	}
}

// Forward runs the graph on the given inputs, filling outputs. Output
// handles may be uninitialized; they adopt or receive the computed
// values. When the runtime is recording, the call lands on the tape and
// the returned Invocation must be kept for Backward (or Released).
func (op *CachedOp) Forward(rt *Runtime, inputs, outputs []*nd.Array) *Invocation {
	if len(inputs) != op.numInputs {
		exceptions.Panicf("imperative: CachedOp got %d inputs, wants %d", len(inputs), op.numInputs)
	}
	if len(outputs) != op.numOutputs {
		exceptions.Panicf("imperative: CachedOp got %d outputs, wants %d", len(outputs), op.numOutputs)
	}
	ctx := inputs[0].Context()
	for _, in := range inputs[1:] {
		if in.Context() != ctx {
			exceptions.Panicf("imperative: CachedOp inputs live on different devices: %s vs %s", ctx, in.Context())
		}
	}
	recording := rt.IsRecording()
	resume := rt.PauseRecording()
	defer resume()

	prevBulk := rt.Engine().SetBulkSize(op.config.ForwardBulkSize)
	defer rt.Engine().SetBulkSize(prevBulk)

	inv := &Invocation{op: op, ctx: ctx, recorded: recording}
	if op.inlining && !recording {
		op.inlineForward(rt, ctx, inputs, outputs)
		inv.used = true
	} else {
		inv.state = op.getState(ctx)
		func() {
			inv.state.mu.Lock()
			defer inv.state.mu.Unlock()
			if op.config.StaticAlloc {
				op.staticForward(rt, inv, inputs, outputs, recording)
			} else {
				op.dynamicForward(rt, inv, inputs, outputs, recording)
			}
		}()
		if !recording {
			inv.Release()
		}
	}

	if recording {
		inv.saveForBackward(inputs, outputs)
		op.recordOnTape(rt, inv, inputs, outputs)
	}
	return inv
}

func (inv *Invocation) saveForBackward(inputs, outputs []*nd.Array) {
	op := inv.op
	inv.inputs = make([]*nd.Array, op.numInputs)
	for _, i := range op.bwdInDep {
		inv.inputs[i] = inputs[i]
	}
	inv.outputs = make([]*nd.Array, op.numOutputs)
	for _, i := range op.bwdOutDep {
		inv.outputs[i] = outputs[i]
	}
}

// cachedOpGrad is the opaque operator recorded on the tape for a
// CachedOp forward call. Mutable inputs never receive gradients.
type cachedOpGrad struct {
	op  *CachedOp
	inv *Invocation
}

func (g *cachedOpGrad) OpName() string                 { return "_CachedOp" }
func (g *cachedOpGrad) NumInputs(*graph.NodeAttrs) int { return g.op.numInputs }
func (g *cachedOpGrad) NumOutputs(*graph.NodeAttrs) int {
	return g.op.numOutputs
}

func (op *CachedOp) recordOnTape(rt *Runtime, inv *Invocation, inputs, outputs []*nd.Array) {
	grad := &cachedOpGrad{op: op, inv: inv}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.tape = append(rt.tape, TapeEntry{
		Attrs:   graph.NodeAttrs{Op: grad, Name: "_CachedOp", Parsed: op},
		Inputs:  inputs,
		Outputs: outputs,
		Backward: func(rt *Runtime, ograds []*nd.Array, reqs []nd.OpReqType, igrads []*nd.Array, retainGraph bool) {
			op.Backward(rt, inv, ograds, reqs, igrads, retainGraph)
		},
	})
}

// Backward runs the backward pass of a recorded forward invocation.
// ograds carries one incoming gradient per output (nil entries get a
// zero gradient through the plan), igrads and reqs are indexed by
// forward input; mutable inputs must request NullOp. Unless retainGraph
// is set, the invocation's buffers are released and a second Backward
// panics.
func (op *CachedOp) Backward(rt *Runtime, inv *Invocation, ograds []*nd.Array,
	reqs []nd.OpReqType, igrads []*nd.Array, retainGraph bool) {
	if !op.Differentiable() {
		exceptions.Panicf("imperative: CachedOp has no differentiable inputs")
	}
	if rt.IsRecording() {
		exceptions.Panicf("imperative: cannot differentiate through a CachedOp backward pass; " +
			"higher-order gradients are not supported")
	}
	if len(ograds) != op.numOutputs || len(reqs) != op.numInputs || len(igrads) != op.numInputs {
		exceptions.Panicf("imperative: Backward wants %d ograds and %d grads/reqs, got %d/%d/%d",
			op.numOutputs, op.numInputs, len(ograds), len(igrads), len(reqs))
	}
	for i, mutable := range op.mutableInput {
		if mutable && reqs[i] != nd.NullOp {
			exceptions.Panicf("imperative: input %d is mutable and cannot receive a gradient", i)
		}
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.used || !inv.recorded {
		exceptions.Panicf("imperative: Backward on a released invocation; " +
			"run Forward while recording, and use retainGraph to call Backward twice")
	}

	prevBulk := rt.Engine().SetBulkSize(op.config.BackwardBulkSize)
	defer rt.Engine().SetBulkSize(prevBulk)

	state := inv.state
	state.mu.Lock()
	if op.config.StaticAlloc {
		op.staticBackward(rt, inv, ograds, reqs, igrads)
	} else {
		op.dynamicBackward(rt, inv, ograds, reqs, igrads)
	}
	state.mu.Unlock()

	if !retainGraph {
		inv.releaseLocked()
	}
}
