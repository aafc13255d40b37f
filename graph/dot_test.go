// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDOT(t *testing.T) {
	add, mul := newBinaryOps()
	x, w := Var("x"), Var("w")
	prod := NewNode(mul, "prod", x.Out(0), w.Out(0))
	sum := NewNode(add, "sum", prod.Out(0), x.Out(0))
	g := NewGraph(sum.Out(0))
	ix := g.Indexed()

	var sb strings.Builder
	require.NoError(t, WriteDOT(&sb, g, "demo"))
	dot := sb.String()

	assert.True(t, strings.HasPrefix(dot, "digraph \"demo\" {\n"))
	assert.True(t, strings.HasSuffix(dot, "}\n"))
	assert.Contains(t, dot, "shape=ellipse")
	assert.Contains(t, dot, "\"mul(prod)\"")
	edge := func(from, to *Node) string {
		return fmt.Sprintf("n%d -> n%d;", ix.NodeID(from), ix.NodeID(to))
	}
	assert.Contains(t, dot, edge(x, prod))
	assert.Contains(t, dot, edge(prod, sum))
	assert.Contains(t, dot, "-> out0;")
}

func TestWriteDOTControlDeps(t *testing.T) {
	add, _ := newBinaryOps()
	a, b := Var("a"), Var("b")
	first := NewNode(add, "first", a.Out(0), b.Out(0))
	second := NewNode(add, "second", a.Out(0), b.Out(0))
	second.ControlDeps = append(second.ControlDeps, first)
	g := NewGraph(first.Out(0), second.Out(0))
	ix := g.Indexed()

	var sb strings.Builder
	require.NoError(t, WriteDOT(&sb, g, ""))
	want := fmt.Sprintf("n%d -> n%d [style=dashed];", ix.NodeID(first), ix.NodeID(second))
	assert.Contains(t, sb.String(), want)
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestWriteDOTPropagatesWriteError(t *testing.T) {
	add, _ := newBinaryOps()
	a, b := Var("a"), Var("b")
	g := NewGraph(NewNode(add, "sum", a.Out(0), b.Out(0)).Out(0))
	err := WriteDOT(failWriter{}, g, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
