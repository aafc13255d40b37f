// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"slices"

	"github.com/symflow/symflow/types/shapes"
)

// DispatchMode is the per-node decision of which compute path to use,
// made by the storage-type inference pass. The fallback-to-dense path is
// a dispatch decision, not error handling: it is chosen during inference
// when an operator has no kernel for the inferred storage combination.
type DispatchMode int

const (
	DispatchUndefined DispatchMode = iota
	// DispatchFCompute is the regular dense compute path.
	DispatchFCompute
	// DispatchFComputeFallback densifies sparse inputs and runs the
	// dense kernel.
	DispatchFComputeFallback
)

// PlanKind selects which cached memory plan / reference-count vector of
// a graph an executor wants. A forward graph carries the Forward plan
// (no gradients needed later) and the Full plan (recording, forward
// buffers kept alive for backward); a full graph carries the Backward
// plan for its backward node range.
type PlanKind int

const (
	ForwardPlan PlanKind = iota
	FullPlan
	BackwardPlan
	numPlanKinds
)

// Attributes is the strongly-typed store of per-graph attribute vectors.
// A nil vector means "not computed". Vectors are always sized to the
// current indexed graph (NumEntries for entry vectors, NumNodes for node
// vectors); passes erase them to invalidate and re-attach on recompute.
type Attributes struct {
	// Shapes, DTypes and Stypes are per-entry, attached by the
	// respective inference passes.
	Shapes []shapes.Shape
	DTypes []shapes.DType
	Stypes []shapes.StorageType

	// Dispatch is per-node, attached by storage inference.
	Dispatch []DispatchMode

	// RefCounts is per-entry per plan kind: how many consumers (nodes
	// plus designated outputs) read the entry.
	RefCounts [numPlanKinds][]int

	// MemPlans are the cached memory plans, one per kind.
	MemPlans [numPlanKinds]*MemoryPlan
}

// Clone deep-copies the attribute store.
func (a *Attributes) Clone() Attributes {
	clone := Attributes{
		Shapes:   slices.Clone(a.Shapes),
		DTypes:   slices.Clone(a.DTypes),
		Stypes:   slices.Clone(a.Stypes),
		Dispatch: slices.Clone(a.Dispatch),
	}
	for kind := range a.RefCounts {
		clone.RefCounts[kind] = slices.Clone(a.RefCounts[kind])
	}
	for kind, plan := range a.MemPlans {
		if plan != nil {
			clone.MemPlans[kind] = plan.Clone()
		}
	}
	return clone
}

// ErasePlans drops every cached memory plan. Called when an inference
// run observed changed input attributes.
func (a *Attributes) ErasePlans() {
	for kind := range a.MemPlans {
		a.MemPlans[kind] = nil
	}
}

// ErasePlan drops one cached memory plan.
func (a *Attributes) ErasePlan(kind PlanKind) {
	a.MemPlans[kind] = nil
}
