// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// Differentiable is implemented by operators that can emit their
// backward computation: given the node and one incoming gradient per
// output, return one gradient entry per input. Backward nodes that need
// their paired forward node (for stateful operators) must record it as
// their first control dependency.
type Differentiable interface {
	Gradient(node *Node, ograds []NodeEntry) []NodeEntry
}

// GradientOptions parameterizes the Gradient pass.
type GradientOptions struct {
	// Aggregate combines fan-out gradients flowing into one entry.
	// Required when any entry has more than one consumer; see
	// MakeAddAggregate.
	Aggregate func(grads []NodeEntry) NodeEntry

	// ZeroOp builds a zero gradient shaped like its single input. Used
	// for requested leaves no gradient flows into.
	ZeroOp Op
}

// MakeAddAggregate returns an aggregation function that folds gradients
// with a chain of the given binary elementwise-add operator.
func MakeAddAggregate(addOp Op) func(grads []NodeEntry) NodeEntry {
	return func(grads []NodeEntry) NodeEntry {
		acc := grads[0]
		for i := 1; i < len(grads); i++ {
			n := NewNode(addOp, fmt.Sprintf("grad_sum%d", i), acc, grads[i])
			acc = n.Out(0)
		}
		return acc
	}
}

// Gradient derives the backward graph of fwd: a new graph whose outputs
// compute d(outputs)/d(xs), given the incoming gradient placeholder
// entries ograds (one per forward output, typically fresh variable
// nodes).
//
// The forward graph is not modified; the returned graph's nodes
// reference forward entries for whatever forward values the backward
// computation actually reads. Those references decide which forward
// inputs and outputs an executor must retain.
func Gradient(fwd *Graph, xs []NodeEntry, ograds []NodeEntry, opts GradientOptions) *Graph {
	if len(xs) == 0 {
		exceptions.Panicf("graph: Gradient called with no inputs requiring gradients")
	}
	if len(ograds) != len(fwd.Outputs) {
		exceptions.Panicf("graph: Gradient needs one incoming gradient per forward output, got %d for %d",
			len(ograds), len(fwd.Outputs))
	}
	ix := fwd.Indexed()

	// Accumulated gradients flowing into each forward entry.
	gradMap := make(map[NodeEntry][]NodeEntry)
	for i, out := range fwd.Outputs {
		gradMap[out] = append(gradMap[out], ograds[i])
	}

	aggregate := func(entry NodeEntry) (NodeEntry, bool) {
		grads := gradMap[entry]
		switch len(grads) {
		case 0:
			return NodeEntry{}, false
		case 1:
			return grads[0], true
		}
		if opts.Aggregate == nil {
			exceptions.Panicf("graph: entry of node %s has gradient fan-out %d and no Aggregate option was given",
				entry.Node, len(grads))
		}
		agg := opts.Aggregate(grads)
		gradMap[entry] = []NodeEntry{agg}
		return agg, true
	}

	zeroLike := func(entry NodeEntry, name string) NodeEntry {
		if opts.ZeroOp == nil {
			exceptions.Panicf("graph: no gradient flows into %q and no ZeroOp option was given", name)
		}
		return NewNode(opts.ZeroOp, name+"_zero_grad", entry).Out(0)
	}

	// Reverse topological sweep: by the time a node is visited, all its
	// consumers have deposited their gradients.
	for nid := ix.NumNodes() - 1; nid >= 0; nid-- {
		n := ix.Node(nid)
		if n.IsVariable() {
			continue
		}
		numOut := n.NumOutputs()
		nodeOGrads := make([]NodeEntry, numOut)
		any := false
		missing := make([]int, 0)
		for idx := 0; idx < numOut; idx++ {
			if g, ok := aggregate(n.Out(idx)); ok {
				nodeOGrads[idx] = g
				any = true
			} else {
				missing = append(missing, idx)
			}
		}
		if !any {
			// Node is not on any path to a requested gradient.
			continue
		}
		for _, idx := range missing {
			nodeOGrads[idx] = zeroLike(n.Out(idx), n.Attrs.Name)
		}
		diff, ok := n.Attrs.Op.(Differentiable)
		if !ok {
			exceptions.Panicf("graph: operator %s (node %q) is not differentiable", n.Attrs.Op.OpName(), n.Attrs.Name)
		}
		inputGrads := diff.Gradient(n, nodeOGrads)
		if len(inputGrads) != len(n.Inputs) {
			exceptions.Panicf("graph: %s.Gradient returned %d gradients for %d inputs",
				n.Attrs.Op.OpName(), len(inputGrads), len(n.Inputs))
		}
		for i, in := range n.Inputs {
			if inputGrads[i].Node == nil {
				continue // Operator declared the input non-differentiable.
			}
			gradMap[in] = append(gradMap[in], inputGrads[i])
		}
	}

	outputs := make([]NodeEntry, len(xs))
	for i, x := range xs {
		if g, ok := aggregate(x); ok {
			outputs[i] = g
		} else {
			outputs[i] = zeroLike(x, x.Node.Attrs.Name)
		}
	}
	return NewGraph(outputs...)
}
