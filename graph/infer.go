// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/symflow/symflow/types/shapes"
)

// ShapeInferer is implemented by operators that can propagate shapes.
// inShapes and outShapes are mutated in place: known values must be kept
// (or the pass fails loudly), unknown values filled in where derivable,
// in either direction. The return value reports whether every in/out
// shape is now known.
type ShapeInferer interface {
	InferShape(attrs *NodeAttrs, inShapes, outShapes []shapes.Shape) bool
}

// TypeInferer is the dtype counterpart of ShapeInferer.
type TypeInferer interface {
	InferType(attrs *NodeAttrs, inTypes, outTypes []shapes.DType) bool
}

// StorageInferer is implemented by operators with sparse-aware kernels.
// It fills outStypes and picks the dispatch mode. Operators without it
// get the dense default: any sparse input selects the fallback path and
// all outputs are dense.
type StorageInferer interface {
	InferStorage(attrs *NodeAttrs, inStypes, outStypes []shapes.StorageType) (DispatchMode, bool)
}

// Range is a half-open [Start, End) interval of node or entry ids.
// The zero value means "whole graph" when passed to the passes below.
type Range struct {
	Start, End int
}

func (r Range) orWhole(end int) Range {
	if r.Start == 0 && r.End == 0 {
		return Range{0, end}
	}
	return r
}

// CheckAndInferShape is the shape pass with the cache's match check.
//
// If useInputs is true, newShapes has one shape per graph input and the
// check compares them against the input entries of the previously
// attached shape vector; otherwise newShapes is a full per-entry vector
// and the comparison covers entryRange. When everything matches, the
// attached vector is kept and the pass returns true (a no-op call).
// Otherwise the pass re-runs over nodeRange, attaches the fresh vector
// and returns false.
//
// The match check is O(len(newShapes)) in the useInputs form, never
// O(graph size) on the hit path.
func CheckAndInferShape(g *Graph, newShapes []shapes.Shape, useInputs bool, nodeRange, entryRange Range) bool {
	ix := g.Indexed()
	unknown := func(s shapes.Shape) bool { return s.DType == shapes.InvalidDType && s.Rank() == 0 }
	equal := func(a, b shapes.Shape) bool { return a.Eq(b) }
	match := matchAttr(ix, g.Attrs.Shapes, newShapes, useInputs, entryRange, unknown, equal)
	if match {
		return true
	}
	vec := seedVector(ix, g.Attrs.Shapes, newShapes, useInputs, unknown, equal, "shape")
	runInferPass(ix, vec, nodeRange.orWhole(ix.NumNodes()), unknown, equal, "shape",
		func(n *Node, in, out []shapes.Shape) bool {
			inferer, ok := n.Attrs.Op.(ShapeInferer)
			if !ok {
				return false
			}
			return inferer.InferShape(&n.Attrs, in, out)
		})
	g.Attrs.Shapes = vec
	return false
}

// CheckAndInferType is the dtype pass; see CheckAndInferShape.
func CheckAndInferType(g *Graph, newTypes []shapes.DType, useInputs bool, nodeRange, entryRange Range) bool {
	ix := g.Indexed()
	unknown := func(d shapes.DType) bool { return d == shapes.InvalidDType }
	equal := func(a, b shapes.DType) bool { return a == b }
	if matchAttr(ix, g.Attrs.DTypes, newTypes, useInputs, entryRange, unknown, equal) {
		return true
	}
	vec := seedVector(ix, g.Attrs.DTypes, newTypes, useInputs, unknown, equal, "dtype")
	runInferPass(ix, vec, nodeRange.orWhole(ix.NumNodes()), unknown, equal, "dtype",
		func(n *Node, in, out []shapes.DType) bool {
			inferer, ok := n.Attrs.Op.(TypeInferer)
			if !ok {
				return false
			}
			return inferer.InferType(&n.Attrs, in, out)
		})
	g.Attrs.DTypes = vec
	return false
}

// CheckAndInferStorage is the storage-type pass; see CheckAndInferShape.
// Besides the per-entry storage vector it attaches the per-node dispatch
// mode vector.
func CheckAndInferStorage(g *Graph, newStypes []shapes.StorageType, useInputs bool, nodeRange, entryRange Range) bool {
	ix := g.Indexed()
	unknown := func(s shapes.StorageType) bool { return s == shapes.UndefinedStorage }
	equal := func(a, b shapes.StorageType) bool { return a == b }
	if matchAttr(ix, g.Attrs.Stypes, newStypes, useInputs, entryRange, unknown, equal) &&
		g.Attrs.Dispatch != nil {
		return true
	}
	vec := seedVector(ix, g.Attrs.Stypes, newStypes, useInputs, unknown, equal, "storage type")

	nr := nodeRange.orWhole(ix.NumNodes())
	dispatch := g.Attrs.Dispatch
	if len(dispatch) != ix.NumNodes() {
		dispatch = make([]DispatchMode, ix.NumNodes())
	}
	runInferPass(ix, vec, nr, unknown, equal, "storage type",
		func(n *Node, in, out []shapes.StorageType) bool {
			nid := ix.NodeID(n)
			if inferer, ok := n.Attrs.Op.(StorageInferer); ok {
				mode, done := inferer.InferStorage(&n.Attrs, in, out)
				dispatch[nid] = mode
				return done
			}
			// Dense default: sparse inputs select the fallback path.
			mode := DispatchFCompute
			for _, stype := range in {
				if stype == shapes.UndefinedStorage {
					return false
				}
				if stype != shapes.DenseStorage {
					mode = DispatchFComputeFallback
				}
			}
			for i := range out {
				out[i] = shapes.DenseStorage
			}
			dispatch[nid] = mode
			return true
		})
	g.Attrs.Stypes = vec
	g.Attrs.Dispatch = dispatch
	return false
}

// matchAttr implements the match check shared by the three passes.
func matchAttr[T any](ix *IndexedGraph, attached, next []T, useInputs bool, entryRange Range,
	unknown func(T) bool, equal func(a, b T) bool) bool {
	if len(attached) != ix.NumEntries() {
		return false
	}
	if useInputs {
		inputs := ix.InputNodes()
		if len(next) != len(inputs) {
			exceptions.Panicf("graph: %d input attributes given, graph has %d inputs", len(next), len(inputs))
		}
		for i, nid := range inputs {
			if !equal(attached[ix.EntryID(nid, 0)], next[i]) {
				return false
			}
		}
		return true
	}
	er := entryRange.orWhole(ix.NumEntries())
	for eid := er.Start; eid < er.End; eid++ {
		if unknown(next[eid]) {
			continue
		}
		if !equal(attached[eid], next[eid]) {
			return false
		}
	}
	return true
}

// seedVector builds the per-entry vector an inference run starts from.
func seedVector[T any](ix *IndexedGraph, attached, next []T, useInputs bool,
	unknown func(T) bool, equal func(a, b T) bool, what string) []T {
	if !useInputs {
		if len(next) != ix.NumEntries() {
			exceptions.Panicf("graph: %s vector has %d entries, graph has %d", what, len(next), ix.NumEntries())
		}
		return next
	}
	vec := make([]T, ix.NumEntries())
	for i, nid := range ix.InputNodes() {
		vec[ix.EntryID(nid, 0)] = next[i]
	}
	return vec
}

// runInferPass is the fixed-point propagation engine shared by the three
// passes. It sweeps nodeRange forward, calling inferNode per operator
// node, until the number of unknown entries stops decreasing. Writing a
// value that conflicts with an already-known one fails loudly: it means
// the runtime tensors no longer fit the graph's locked structure.
//
// It returns whether every entry produced within nodeRange is known.
func runInferPass[T any](ix *IndexedGraph, vec []T, nodeRange Range,
	unknown func(T) bool, equal func(a, b T) bool, what string,
	inferNode func(n *Node, in, out []T) bool) bool {

	countUnknown := func() int {
		count := 0
		for nid := nodeRange.Start; nid < nodeRange.End; nid++ {
			n := ix.Node(nid)
			for idx := 0; idx < n.NumOutputs(); idx++ {
				if unknown(vec[ix.EntryID(nid, idx)]) {
					count++
				}
			}
		}
		return count
	}

	sweep := func() {
		for nid := nodeRange.Start; nid < nodeRange.End; nid++ {
			n := ix.Node(nid)
			if n.IsVariable() {
				continue
			}
			in := make([]T, len(n.Inputs))
			for i, eid := range ix.InputEids(nid) {
				in[i] = vec[eid]
			}
			out := make([]T, n.NumOutputs())
			for idx := range out {
				out[idx] = vec[ix.EntryID(nid, idx)]
			}
			inferNode(n, in, out)
			writeBack(ix, vec, ix.InputEids(nid), in, unknown, equal, what, n)
			outEids := make([]int, len(out))
			for idx := range out {
				outEids[idx] = ix.EntryID(nid, idx)
			}
			writeBack(ix, vec, outEids, out, unknown, equal, what, n)
		}
	}

	remaining := countUnknown()
	for {
		sweep()
		now := countUnknown()
		if now == 0 || now == remaining {
			if now > 0 {
				klog.V(2).Infof("graph: %s inference left %d entries unresolved", what, now)
			}
			return now == 0
		}
		remaining = now
	}
}

func writeBack[T any](ix *IndexedGraph, vec []T, eids []int, values []T,
	unknown func(T) bool, equal func(a, b T) bool, what string, n *Node) {
	for i, eid := range eids {
		if unknown(values[i]) {
			continue
		}
		if !unknown(vec[eid]) && !equal(vec[eid], values[i]) {
			exceptions.Panicf("graph: %s mismatch at entry %d (node %s): previously inferred value is incompatible with the new one; "+
				"the runtime tensors no longer match the graph's fixed structure", what, eid, n)
		}
		vec[eid] = values[i]
	}
}
