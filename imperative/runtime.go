// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package imperative implements the imperative execution layer: a
// Runtime that dispatches single operators through the scheduling
// engine, and CachedOp, the cached executor that runs a whole dataflow
// graph with cached inference results and memory plans.
package imperative

import (
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/symflow/symflow/engine"
	"github.com/symflow/symflow/graph"
	"github.com/symflow/symflow/nd"
	"github.com/symflow/symflow/ops"
)

// Runtime is the imperative execution context: the engine work is
// dispatched to, the operator registry, and the autograd recording
// state. A Runtime is safe for concurrent use; the recording flag is
// runtime-wide.
type Runtime struct {
	eng engine.Engine
	reg *ops.Registry

	mu        sync.Mutex
	recording bool
	tape      []TapeEntry
}

// TapeEntry is one recorded operator invocation. CachedOp records a
// single opaque entry per forward call, carrying itself in Attrs.Parsed,
// so the backward pass can be driven from the tape.
type TapeEntry struct {
	Attrs   graph.NodeAttrs
	Inputs  []*nd.Array
	Outputs []*nd.Array

	// Backward runs the recorded operation's backward pass; see
	// CachedOp.Backward for the cached-graph case.
	Backward func(rt *Runtime, ograds []*nd.Array, reqs []nd.OpReqType, igrads []*nd.Array, retainGraph bool)
}

// NewRuntime creates a runtime on the given engine and registry.
func NewRuntime(eng engine.Engine, reg *ops.Registry) *Runtime {
	return &Runtime{eng: eng, reg: reg}
}

// Engine returns the scheduling engine.
func (rt *Runtime) Engine() engine.Engine { return rt.eng }

// Registry returns the operator registry.
func (rt *Runtime) Registry() *ops.Registry { return rt.reg }

// IsRecording reports whether operator invocations are being recorded
// for differentiation.
func (rt *Runtime) IsRecording() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.recording
}

// SetRecording switches recording on or off and returns the previous
// value.
func (rt *Runtime) SetRecording(on bool) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	prev := rt.recording
	rt.recording = on
	return prev
}

// PauseRecording suspends recording and returns a restore function.
// Executors use it so the individual operators they dispatch internally
// do not land on the tape.
func (rt *Runtime) PauseRecording() func() {
	prev := rt.SetRecording(false)
	return func() { rt.SetRecording(prev) }
}

// Record appends an entry to the tape. A no-op unless recording.
func (rt *Runtime) Record(entry TapeEntry) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if !rt.recording {
		return
	}
	rt.tape = append(rt.tape, entry)
}

// Tape returns the recorded entries so far.
func (rt *Runtime) Tape() []TapeEntry {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]TapeEntry(nil), rt.tape...)
}

// ClearTape drops all recorded entries.
func (rt *Runtime) ClearTape() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.tape = nil
}

// depVars builds the deduplicated read/write variable sets for an
// operator call. Outputs aliasing an input (in-place) appear only in the
// write set.
func depVars(inputs, outputs []*nd.Array) (read, write []*engine.Var) {
	written := make(map[*engine.Var]bool, len(outputs))
	for _, out := range outputs {
		if out.IsNone() {
			continue
		}
		v := out.Var()
		if !written[v] {
			written[v] = true
			write = append(write, v)
		}
	}
	seen := make(map[*engine.Var]bool, len(inputs))
	for _, in := range inputs {
		if in.IsNone() {
			continue
		}
		v := in.Var()
		if !seen[v] && !written[v] {
			seen[v] = true
			read = append(read, v)
		}
	}
	return
}

// InvokeOp dispatches a single operator by name.
func (rt *Runtime) InvokeOp(name string, params map[string]string, ctx engine.Context,
	inputs []*nd.Array, reqs []nd.OpReqType, outputs []*nd.Array) {
	op := rt.reg.MustGet(name)
	attrs := &graph.NodeAttrs{Op: op, Name: name, Params: params}
	rt.Invoke(attrs, ctx, inputs, reqs, outputs, nil)
}

// Invoke dispatches one operator invocation on the engine, declaring
// input storages as reads and output storages as writes. state is the
// per-executor state for stateful operators, nil otherwise.
func (rt *Runtime) Invoke(attrs *graph.NodeAttrs, ctx engine.Context,
	inputs []*nd.Array, reqs []nd.OpReqType, outputs []*nd.Array, state any) {
	read, write := depVars(inputs, outputs)
	fn := computeFn(attrs, ctx, inputs, reqs, outputs, state)
	if klog.V(3).Enabled() {
		klog.Infof("imperative: invoke %s (%d in, %d out) on %s", attrs.Op.OpName(), len(inputs), len(outputs), ctx)
	}
	rt.eng.PushSync(fn, ctx, read, write, 0, engine.OpNormal)
}

// computeFn binds an operator invocation into an engine function,
// selecting the stateful or plain kernel.
func computeFn(attrs *graph.NodeAttrs, ctx engine.Context,
	inputs []*nd.Array, reqs []nd.OpReqType, outputs []*nd.Array, state any) engine.Fn {
	if state != nil {
		if bws, ok := attrs.Op.(ops.BackwardOfStateful); ok {
			return func() { bws.BackwardWithState(state, ctx, inputs, reqs, outputs) }
		}
		if sf, ok := attrs.Op.(ops.Stateful); ok {
			return func() { sf.ComputeWithState(state, ctx, inputs, reqs, outputs) }
		}
	}
	comp, ok := attrs.Op.(ops.Computable)
	if !ok {
		exceptions.Panicf("imperative: operator %s has no compute kernel", attrs.Op.OpName())
	}
	return func() { comp.Compute(attrs, ctx, inputs, reqs, outputs) }
}
