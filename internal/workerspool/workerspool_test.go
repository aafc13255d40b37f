// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolRespectsLimit(t *testing.T) {
	p := New()
	p.SetMaxParallelism(2)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		p.Run(func() {
			defer wg.Done()
			now := running.Add(1)
			for {
				old := peak.Load()
				if now <= old || peak.CompareAndSwap(old, now) {
					break
				}
			}
			running.Add(-1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolUnlimited(t *testing.T) {
	p := New()
	p.SetMaxParallelism(-1)
	var wg sync.WaitGroup
	var count atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		p.Run(func() {
			defer wg.Done()
			count.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(8), count.Load())
}
