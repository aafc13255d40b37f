// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements the dataflow graph the execution core runs:
// nodes connected by typed entries, a dense "indexed" view, typed
// attribute vectors attached by the inference passes, the memory
// planner, and the gradient-transformation pass.
//
// A Graph is effectively immutable after construction: passes attach
// attribute vectors to it (see Attributes), and those are erased and
// recomputed whenever a fresh inference run is required. Node
// back-references (e.g. a backward node pointing at its paired forward
// node) travel as control dependencies and are resolved to dense ids by
// the indexed view, never held as long-lived pointers by executors.
package graph

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// Op is the operator handle a node carries. The concrete operator
// implementations live in the ops package (or are provided by the
// caller, as CachedOp itself does for the opaque backward node it
// records on the tape); this package only needs arity and, through the
// optional capability interfaces below, inference and differentiation.
type Op interface {
	OpName() string
	NumInputs(attrs *NodeAttrs) int
	NumOutputs(attrs *NodeAttrs) int
}

// NodeAttrs holds a node's operator handle plus its parameters.
type NodeAttrs struct {
	Op     Op
	Name   string
	Params map[string]string

	// Parsed holds an operator-specific parsed payload. CachedOp stores
	// itself here on the opaque nodes it records on the tape.
	Parsed any
}

// NodeEntry identifies one output of a node: the graph's edges.
type NodeEntry struct {
	Node  *Node
	Index int
}

// Node of a dataflow graph. A node with a nil Op is a variable: a pure
// placeholder with exactly one output and no inputs.
type Node struct {
	Attrs  NodeAttrs
	Inputs []NodeEntry

	// ControlDeps order this node after others without data flow. A
	// backward node's first control dependency points at its paired
	// forward node.
	ControlDeps []*Node

	// mutable marks a variable that operators update in place (an
	// auxiliary input). Mutable variables never receive gradients.
	mutable bool
}

// NewNode creates an operator node. It panics if the input count does
// not match the operator's declared arity.
func NewNode(op Op, name string, inputs ...NodeEntry) *Node {
	n := &Node{
		Attrs:  NodeAttrs{Op: op, Name: name},
		Inputs: inputs,
	}
	if want := op.NumInputs(&n.Attrs); want != len(inputs) {
		exceptions.Panicf("graph: operator %s (node %q) wants %d inputs, got %d",
			op.OpName(), name, want, len(inputs))
	}
	return n
}

// Var creates a variable (placeholder) node.
func Var(name string) *Node {
	return &Node{Attrs: NodeAttrs{Name: name}}
}

// MutableVar creates a variable that operators mutate in place. Mutable
// variables are excluded from differentiation.
func MutableVar(name string) *Node {
	n := Var(name)
	n.mutable = true
	return n
}

// IsVariable reports whether the node is a placeholder.
func (n *Node) IsVariable() bool { return n.Attrs.Op == nil }

// IsMutable reports whether the node is a mutable (auxiliary) variable.
func (n *Node) IsMutable() bool { return n.mutable }

// NumOutputs of the node; variables have exactly one.
func (n *Node) NumOutputs() int {
	if n.IsVariable() {
		return 1
	}
	return n.Attrs.Op.NumOutputs(&n.Attrs)
}

// Out returns the entry for the node's idx-th output.
func (n *Node) Out(idx int) NodeEntry {
	return NodeEntry{Node: n, Index: idx}
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n.IsVariable() {
		return fmt.Sprintf("var(%s)", n.Attrs.Name)
	}
	return fmt.Sprintf("%s(%s)", n.Attrs.Op.OpName(), n.Attrs.Name)
}

// Graph is a set of output entries plus everything they transitively
// depend on, and the typed attribute vectors passes attach to it.
type Graph struct {
	Outputs []NodeEntry
	Attrs   Attributes

	indexed *IndexedGraph
}

// NewGraph creates a graph with the given outputs.
func NewGraph(outputs ...NodeEntry) *Graph {
	return &Graph{Outputs: outputs}
}

// CloneStructure returns a graph sharing this graph's nodes and outputs
// but with a fresh, empty attribute store. Per-state graph copies use it
// so attribute mutation never leaks across execution states.
func (g *Graph) CloneStructure() *Graph {
	return &Graph{Outputs: g.Outputs}
}

// CloneWithAttrs returns a graph sharing nodes and outputs, with a deep
// copy of the attribute store.
func (g *Graph) CloneWithAttrs() *Graph {
	clone := g.CloneStructure()
	clone.Attrs = g.Attrs.Clone()
	return clone
}

// Indexed returns the dense-id view of the graph, building it on first
// use. The indexed view is cached; the graph structure must not change
// after the first call.
func (g *Graph) Indexed() *IndexedGraph {
	if g.indexed == nil {
		g.indexed = buildIndex(g)
	}
	return g.indexed
}
