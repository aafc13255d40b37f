// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"strconv"
	"sync"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/symflow/symflow/internal/workerspool"
	"github.com/symflow/symflow/types/xsync"
)

func init() {
	Register("threaded", func(config string) Engine { return NewThreaded(config) })
}

// Threaded is the default engine: operations run on a worker pool as
// soon as their declared dependencies are satisfied. Dependency capture
// happens under a single dispatch lock at submission time, so ordering
// is decided by submission order, never by goroutine scheduling.
type Threaded struct {
	pool *workerspool.Pool

	mu          sync.Mutex
	cond        sync.Cond // Signaled whenever outstanding drops.
	outstanding int
	bulkSize    int
	shutdown    bool
}

// NewThreaded creates a threaded engine. The config string, if not
// empty, is the maximum worker parallelism (an integer; -1 means
// unlimited).
func NewThreaded(config string) *Threaded {
	e := &Threaded{pool: workerspool.New(), bulkSize: 15}
	e.cond = sync.Cond{L: &e.mu}
	if config != "" {
		n, err := strconv.Atoi(config)
		if err != nil {
			exceptions.Panicf("engine: invalid threaded engine configuration %q: %v", config, err)
		}
		e.pool.SetMaxParallelism(n)
	}
	return e
}

// Name implements Engine.
func (e *Threaded) Name() string { return "threaded" }

// PushSync implements Engine.
func (e *Threaded) PushSync(fn Fn, ctx Context, read, write []*Var, priority Priority, prop OpProperty) {
	e.PushAsync(func(done func()) {
		fn()
		done()
	}, ctx, read, write, priority, prop)
}

// PushAsync implements Engine.
//
// The operation's completion latch is installed on the written variables
// and appended to the read variables before PushAsync returns; actual
// execution waits for the latches captured from the previous conflicting
// operations. A variable listed as both read and written serializes
// against earlier operations only, never against the operation itself.
func (e *Threaded) PushAsync(fn AsyncFn, ctx Context, read, write []*Var, priority Priority, prop OpProperty) {
	opLatch := xsync.NewLatch()

	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		exceptions.Panicf("engine: PushAsync on a Threaded engine after Shutdown")
	}
	deps := make([]*xsync.Latch, 0, len(read)+len(write))
	for _, v := range read {
		e.checkVar(v)
		if v.lastWrite != nil {
			deps = append(deps, v.lastWrite)
		}
		v.pendingReads = append(v.pendingReads, opLatch)
	}
	for _, v := range write {
		e.checkVar(v)
		if v.lastWrite != nil && v.lastWrite != opLatch {
			deps = append(deps, v.lastWrite)
		}
		for _, r := range v.pendingReads {
			if r != opLatch {
				deps = append(deps, r)
			}
		}
		v.lastWrite = opLatch
		v.pendingReads = nil
	}
	e.outstanding++
	e.mu.Unlock()

	if klog.V(3).Enabled() {
		klog.Infof("engine: push op on %s (reads=%d, writes=%d, priority=%d, prop=%d)",
			ctx, len(read), len(write), priority, prop)
	}

	go func() {
		for _, dep := range deps {
			dep.Wait()
		}
		e.pool.Run(func() {
			fn(func() {
				opLatch.Trigger()
				e.mu.Lock()
				e.outstanding--
				e.cond.Broadcast()
				e.mu.Unlock()
			})
		})
	}()
}

func (e *Threaded) checkVar(v *Var) {
	if v == nil || v.deleted {
		exceptions.Panicf("engine: operation declared a nil or deleted variable")
	}
}

// WaitForVar implements Engine.
func (e *Threaded) WaitForVar(v *Var) {
	e.mu.Lock()
	latch := v.lastWrite
	e.mu.Unlock()
	if latch != nil {
		latch.Wait()
	}
}

// WaitForAll implements Engine.
func (e *Threaded) WaitForAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.outstanding > 0 {
		e.cond.Wait()
	}
}

// DeleteVar implements Engine.
func (e *Threaded) DeleteVar(v *Var) {
	e.PushSync(func() {}, Context{}, nil, []*Var{v}, 0, OpNormal)
	e.mu.Lock()
	v.deleted = true
	e.mu.Unlock()
}

// BulkSize implements Engine.
func (e *Threaded) BulkSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bulkSize
}

// SetBulkSize implements Engine.
func (e *Threaded) SetBulkSize(n int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.bulkSize
	if n > 0 {
		e.bulkSize = n
	}
	return prev
}

// Shutdown implements Engine.
func (e *Threaded) Shutdown() {
	e.WaitForAll()
	e.mu.Lock()
	e.shutdown = true
	e.mu.Unlock()
}
