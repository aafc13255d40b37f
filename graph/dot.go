// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// WriteDOT writes the graph in Graphviz DOT format. Variables render as
// ellipses, operator nodes as boxes; data edges are labelled with their
// output index when the producer has more than one, and control
// dependencies are dashed.
func WriteDOT(w io.Writer, g *Graph, name string) error {
	ix := g.Indexed()
	if name == "" {
		name = "G"
	}
	out := func(format string, args ...any) error {
		_, err := fmt.Fprintf(w, format, args...)
		return errors.WithMessage(err, "writing DOT graph")
	}
	if err := out("digraph %q {\n", name); err != nil {
		return err
	}
	for nid := 0; nid < ix.NumNodes(); nid++ {
		n := ix.Node(nid)
		shape := "box"
		if n.IsVariable() {
			shape = "ellipse"
		}
		if err := out("  n%d [label=%q shape=%s];\n", nid, n.String(), shape); err != nil {
			return err
		}
		for _, in := range n.Inputs {
			label := ""
			if in.Node.NumOutputs() > 1 {
				label = fmt.Sprintf(" [label=\"%d\"]", in.Index)
			}
			if err := out("  n%d -> n%d%s;\n", ix.NodeID(in.Node), nid, label); err != nil {
				return err
			}
		}
		for _, dep := range ix.ControlDepIDs(nid) {
			if err := out("  n%d -> n%d [style=dashed];\n", dep, nid); err != nil {
				return err
			}
		}
	}
	for j, e := range g.Outputs {
		if err := out("  out%d [label=\"out[%d]\" shape=plaintext];\n", j, j); err != nil {
			return err
		}
		if err := out("  n%d -> out%d;\n", ix.NodeID(e.Node), j); err != nil {
			return err
		}
	}
	return out("}\n")
}
