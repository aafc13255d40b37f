// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements a soft-bounded pool of worker
// goroutines used by the threaded engine to run dispatched operations.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool limits how many submitted tasks run concurrently.
//
// The limit is a soft target: tasks parked waiting on dependencies do
// not count against it, only tasks actively running.
type Pool struct {
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond
	numRunning     int
}

// New returns a Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	p := &Pool{maxParallelism: runtime.NumCPU()}
	p.cond = sync.Cond{L: &p.mu}
	return p
}

// MaxParallelism returns the current soft limit. A value < 0 means
// unlimited.
func (p *Pool) MaxParallelism() int { return p.maxParallelism }

// SetMaxParallelism changes the soft limit. Only call before tasks start
// running; changing it mid-flight has undefined behavior.
func (p *Pool) SetMaxParallelism(n int) { p.maxParallelism = n }

// Run blocks until a worker slot is free, then runs task on it. The
// caller returns as soon as the slot is acquired; task runs in its own
// goroutine and releases the slot when it finishes.
func (p *Pool) Run(task func()) {
	if p.maxParallelism < 0 {
		go task()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.numRunning >= p.maxParallelism {
		p.cond.Wait()
	}
	p.numRunning++
	go func() {
		task()
		p.mu.Lock()
		p.numRunning--
		p.cond.Signal()
		p.mu.Unlock()
	}()
}
