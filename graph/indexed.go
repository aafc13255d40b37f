// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
)

// IndexedGraph is the flat view of a Graph: every node gets a dense
// integer id in topological order, and every node output (entry) gets a
// dense entry id, outputs of one node being consecutive. All attribute
// vectors and all executor state are addressed by these ids.
type IndexedGraph struct {
	nodes  []*Node
	nodeID map[*Node]int

	// entryStart[nid] is the entry id of node nid's output 0.
	entryStart []int
	numEntries int

	// inputEids[nid] are the entry ids of node nid's data inputs.
	inputEids [][]int

	// controlDepIDs[nid] are node ids of nid's control dependencies.
	controlDepIDs [][]int

	inputNodes    []int
	mutableInputs map[int]bool
	outputEids    []int
}

func buildIndex(g *Graph) *IndexedGraph {
	ix := &IndexedGraph{
		nodeID:        make(map[*Node]int),
		mutableInputs: make(map[int]bool),
	}

	// Post-order DFS from the outputs, following data inputs then
	// control dependencies, yields a deterministic topological order.
	var visit func(n *Node)
	visit = func(n *Node) {
		if _, seen := ix.nodeID[n]; seen {
			return
		}
		// Mark first to reject cycles cheaply; the id is fixed below.
		ix.nodeID[n] = -1
		for _, in := range n.Inputs {
			visit(in.Node)
		}
		for _, dep := range n.ControlDeps {
			visit(dep)
		}
		ix.nodeID[n] = len(ix.nodes)
		ix.nodes = append(ix.nodes, n)
	}
	for _, out := range g.Outputs {
		visit(out.Node)
	}

	ix.entryStart = make([]int, len(ix.nodes)+1)
	for nid, n := range ix.nodes {
		ix.entryStart[nid+1] = ix.entryStart[nid] + n.NumOutputs()
	}
	ix.numEntries = ix.entryStart[len(ix.nodes)]

	ix.inputEids = make([][]int, len(ix.nodes))
	ix.controlDepIDs = make([][]int, len(ix.nodes))
	for nid, n := range ix.nodes {
		if n.IsVariable() {
			ix.inputNodes = append(ix.inputNodes, nid)
			if n.IsMutable() {
				ix.mutableInputs[nid] = true
			}
		}
		eids := make([]int, len(n.Inputs))
		for i, in := range n.Inputs {
			eids[i] = ix.EntryIDOf(in)
		}
		ix.inputEids[nid] = eids
		deps := make([]int, len(n.ControlDeps))
		for i, dep := range n.ControlDeps {
			deps[i] = ix.nodeID[dep]
		}
		ix.controlDepIDs[nid] = deps
	}

	ix.outputEids = make([]int, len(g.Outputs))
	for i, out := range g.Outputs {
		ix.outputEids[i] = ix.EntryIDOf(out)
	}
	return ix
}

// NumNodes is the number of nodes reachable from the graph outputs.
func (ix *IndexedGraph) NumNodes() int { return len(ix.nodes) }

// NumEntries is the total number of node output entries.
func (ix *IndexedGraph) NumEntries() int { return ix.numEntries }

// Node returns the node with the given dense id.
func (ix *IndexedGraph) Node(nid int) *Node { return ix.nodes[nid] }

// NodeID returns the dense id of n. Panics if n is not in the graph.
func (ix *IndexedGraph) NodeID(n *Node) int {
	nid, found := ix.nodeID[n]
	if !found {
		exceptions.Panicf("graph: node %s is not part of the indexed graph", n)
	}
	return nid
}

// Exists reports whether n is part of the graph.
func (ix *IndexedGraph) Exists(n *Node) bool {
	_, found := ix.nodeID[n]
	return found
}

// EntryID returns the dense entry id of node nid's idx-th output.
func (ix *IndexedGraph) EntryID(nid, idx int) int {
	return ix.entryStart[nid] + idx
}

// EntryIDOf returns the dense entry id of the given entry.
func (ix *IndexedGraph) EntryIDOf(e NodeEntry) int {
	return ix.EntryID(ix.NodeID(e.Node), e.Index)
}

// InputEids returns the entry ids of node nid's data inputs. The
// returned slice must not be mutated.
func (ix *IndexedGraph) InputEids(nid int) []int { return ix.inputEids[nid] }

// ControlDepIDs returns the node ids of nid's control dependencies.
func (ix *IndexedGraph) ControlDepIDs(nid int) []int { return ix.controlDepIDs[nid] }

// InputNodes returns the dense ids of the graph's variable nodes, in
// topological order. This order defines the graph's input positions.
func (ix *IndexedGraph) InputNodes() []int { return ix.inputNodes }

// MutableInputNodes returns the set of input node ids flagged mutable.
func (ix *IndexedGraph) MutableInputNodes() map[int]bool { return ix.mutableInputs }

// OutputEids returns the entry ids of the graph's designated outputs.
func (ix *IndexedGraph) OutputEids() []int { return ix.outputEids }
