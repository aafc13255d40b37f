// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadedWriteOrdering(t *testing.T) {
	e := NewThreaded("4")
	defer e.Shutdown()

	v := NewVar("counter")
	var value atomic.Int64
	// Writers sharing v must run in submission order, so the sequence of
	// observed values is exactly 1..n.
	var outOfOrder atomic.Int64
	for i := 1; i <= 100; i++ {
		want := int64(i)
		e.PushSync(func() {
			if value.Add(1) != want {
				outOfOrder.Add(1)
			}
		}, CPU(0), nil, []*Var{v}, 0, OpNormal)
	}
	e.WaitForAll()
	assert.Equal(t, int64(100), value.Load())
	assert.Zero(t, outOfOrder.Load())
}

func TestThreadedReadersWaitForWriter(t *testing.T) {
	e := NewThreaded("8")
	defer e.Shutdown()

	v := NewVar("data")
	var data int64
	e.PushSync(func() { data = 42 }, CPU(0), nil, []*Var{v}, 0, OpNormal)

	var misses atomic.Int64
	for i := 0; i < 32; i++ {
		e.PushSync(func() {
			if data != 42 {
				misses.Add(1)
			}
		}, CPU(0), []*Var{v}, nil, 0, OpNormal)
	}
	// The next writer must wait for all pending readers.
	e.PushSync(func() { data = 7 }, CPU(0), nil, []*Var{v}, 0, OpNormal)
	e.WaitForAll()
	assert.Zero(t, misses.Load())
	assert.Equal(t, int64(7), data)
}

func TestThreadedWaitForVar(t *testing.T) {
	e := NewThreaded("")
	defer e.Shutdown()

	v := NewVar("slow")
	var done atomic.Bool
	e.PushAsync(func(finish func()) {
		go func() {
			done.Store(true)
			finish()
		}()
	}, CPU(0), nil, []*Var{v}, 0, OpAsync)
	e.WaitForVar(v)
	assert.True(t, done.Load())
}

func TestThreadedDisjointVarsRunConcurrently(t *testing.T) {
	e := NewThreaded("2")
	defer e.Shutdown()

	a, b := NewVar("a"), NewVar("b")
	started := make(chan struct{})
	release := make(chan struct{})
	e.PushSync(func() {
		close(started)
		<-release
	}, CPU(0), nil, []*Var{a}, 0, OpNormal)
	<-started

	// An op on a disjoint variable must not be blocked by the first one.
	ran := make(chan struct{})
	e.PushSync(func() { close(ran) }, CPU(0), nil, []*Var{b}, 0, OpNormal)
	<-ran
	close(release)
	e.WaitForAll()
}

func TestThreadedReadWriteSameVar(t *testing.T) {
	e := NewThreaded("2")
	defer e.Shutdown()

	v := NewVar("acc")
	value := 1
	e.PushSync(func() { value = 10 }, CPU(0), nil, []*Var{v}, 0, OpNormal)
	// An op reading and writing the same variable must not wait on its
	// own completion latch.
	e.PushSync(func() { value *= 3 }, CPU(0), []*Var{v}, []*Var{v}, 0, OpNormal)
	e.WaitForAll()
	assert.Equal(t, 30, value)
}

func TestContextString(t *testing.T) {
	assert.Equal(t, "cpu:0", CPU(0).String())
	assert.Equal(t, "cpu:12", Context{Device: "cpu", Index: 12}.String())
}

func TestSyncEngineCounts(t *testing.T) {
	e := NewSync()
	v := NewVar("x")
	total := 0
	e.PushSync(func() { total++ }, CPU(0), nil, []*Var{v}, 0, OpNormal)
	e.PushAsync(func(done func()) {
		total++
		done()
	}, CPU(0), []*Var{v}, nil, 0, OpNormal)
	assert.Equal(t, 2, total)
	assert.Equal(t, int64(2), e.NumPushed())
}

func TestRegistry(t *testing.T) {
	e := NewWithConfig("sync")
	require.Equal(t, "sync", e.Name())
	e = NewWithConfig("threaded:2")
	require.Equal(t, "threaded", e.Name())
	e.Shutdown()
	require.Panics(t, func() { NewWithConfig("no-such-engine") })
}

func TestBulkSizeSaveRestore(t *testing.T) {
	e := NewSync()
	prev := e.SetBulkSize(3)
	assert.Equal(t, 3, e.BulkSize())
	e.SetBulkSize(prev)
	assert.Equal(t, prev, e.BulkSize())
}
