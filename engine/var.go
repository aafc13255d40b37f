// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"github.com/google/uuid"

	"github.com/symflow/symflow/types/xsync"
)

// Var is the dependency token for one logical memory region. Operations
// declare the Vars they read and the Vars they mutate; the engine
// serializes conflicting operations through them.
//
// A Var's scheduling fields are owned by the engine it is used with;
// sharing one Var across two engines is not supported.
type Var struct {
	name string

	// lastWrite is the completion latch of the most recent writer, nil
	// if the variable was never written. Guarded by the engine's
	// dispatch lock.
	lastWrite *xsync.Latch

	// pendingReads are completion latches of readers submitted since the
	// last writer; the next writer must wait for all of them. Guarded by
	// the engine's dispatch lock.
	pendingReads []*xsync.Latch

	deleted bool
}

// NewVar creates a variable. The debug name shows up in verbose logs,
// suffixed with a short unique id so concurrent allocations are
// distinguishable.
func NewVar(debugName string) *Var {
	return &Var{name: debugName + "#" + uuid.NewString()[:8]}
}

// Name returns the variable's debug name.
func (v *Var) Name() string { return v.name }
