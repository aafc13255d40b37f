// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	assert.False(t, l.Test())

	done := make(chan struct{})
	go func() {
		l.Wait()
		close(done)
	}()

	l.Trigger()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Latch.Wait did not return after Trigger")
	}
	assert.True(t, l.Test())

	// A second trigger must be a harmless no-op.
	l.Trigger()
	assert.True(t, l.Test())
}
