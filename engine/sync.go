// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"

	"github.com/gomlx/exceptions"
)

func init() {
	Register("sync", func(config string) Engine { return NewSync() })
}

// Sync runs every operation inline at submission, in submission order.
// It trivially satisfies the dependency contract and makes executions
// deterministic, which is what the tests want.
type Sync struct {
	mu       sync.Mutex
	bulkSize int
	pushed   int64
}

// NewSync creates a synchronous engine.
func NewSync() *Sync {
	return &Sync{bulkSize: 15}
}

// Name implements Engine.
func (e *Sync) Name() string { return "sync" }

// PushSync implements Engine.
func (e *Sync) PushSync(fn Fn, ctx Context, read, write []*Var, priority Priority, prop OpProperty) {
	e.countOp()
	fn()
}

// PushAsync implements Engine. It blocks until fn calls done.
func (e *Sync) PushAsync(fn AsyncFn, ctx Context, read, write []*Var, priority Priority, prop OpProperty) {
	e.countOp()
	doneChan := make(chan struct{})
	fn(func() { close(doneChan) })
	<-doneChan
}

func (e *Sync) countOp() {
	e.mu.Lock()
	e.pushed++
	e.mu.Unlock()
}

// NumPushed returns how many operations were submitted so far. Tests use
// it to assert on dispatch counts.
func (e *Sync) NumPushed() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pushed
}

// WaitForVar implements Engine: a no-op, everything already ran.
func (e *Sync) WaitForVar(v *Var) {}

// WaitForAll implements Engine: a no-op, everything already ran.
func (e *Sync) WaitForAll() {}

// DeleteVar implements Engine.
func (e *Sync) DeleteVar(v *Var) {
	if v == nil {
		exceptions.Panicf("engine: DeleteVar(nil)")
	}
	v.deleted = true
}

// BulkSize implements Engine.
func (e *Sync) BulkSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bulkSize
}

// SetBulkSize implements Engine.
func (e *Sync) SetBulkSize(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.bulkSize
	if n > 0 {
		e.bulkSize = n
	}
	return prev
}

// Shutdown implements Engine.
func (e *Sync) Shutdown() {}
