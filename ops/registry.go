// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/symflow/symflow/graph"
)

// Registry maps operator names to their implementations. Runtimes take a
// Registry explicitly, so tests can register fixture operators without
// touching global state.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]graph.Op
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]graph.Op)}
}

// Builtin returns a fresh registry pre-loaded with the builtin
// operators.
func Builtin() *Registry {
	r := NewRegistry()
	for _, op := range builtinOps() {
		r.Register(op)
	}
	return r
}

// Register adds op under its OpName. Panics on a duplicate name.
func (r *Registry) Register(op graph.Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := op.OpName()
	if _, dup := r.ops[name]; dup {
		exceptions.Panicf("ops: operator %q registered twice", name)
	}
	r.ops[name] = op
	klog.V(2).Infof("ops: registered %q", name)
}

// Get looks up an operator by name.
func (r *Registry) Get(name string) (graph.Op, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, found := r.ops[name]
	return op, found
}

// MustGet looks up an operator by name and panics if it is missing.
func (r *Registry) MustGet(name string) graph.Op {
	op, found := r.Get(name)
	if !found {
		exceptions.Panicf("ops: operator %q is not registered", name)
	}
	return op
}
