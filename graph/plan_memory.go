// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// StorageID identifies a backing buffer in a memory plan. Non-negative
// ids are pooled buffers the executor allocates and reuses; the negative
// values are the special classes below.
type StorageID int

const (
	// BadStorage means no decision: either planning has not reached the
	// entry, or the entry is never referenced and nothing is allocated.
	BadStorage StorageID = -1
	// ExternalStorage marks entries bound to caller-supplied tensors
	// (graph inputs and, under static allocation, declared outputs).
	// They are never reused for scratch.
	ExternalStorage StorageID = -2
	// DynamicStorage marks entries allocated fresh on every call, e.g.
	// sparse entries whose materialized size depends on data.
	DynamicStorage StorageID = -3
)

// InplaceOptioner is implemented by operators whose output may share its
// input's buffer. Each option is an (inputIndex, outputIndex) pair; the
// planner takes an option only when the input dies at this node and the
// sizes agree.
type InplaceOptioner interface {
	InplaceOptions(attrs *NodeAttrs) [][2]int
}

// PlanEntry is the memory decision for one graph entry.
type PlanEntry struct {
	SID StorageID
	// Root is the entry id that allocates the pooled buffer shared by
	// this entry, -1 for non-pooled entries. An entry is its own root
	// when it allocates.
	Root int
	// Bytes is the pooled buffer's size class (the largest user's
	// byte size), meaningful on the root entry.
	Bytes uintptr
}

// InplaceNone and InplaceNeverReferenced are the sentinel values of
// MemoryPlan.InplaceIdx.
const (
	InplaceNone            = -1
	InplaceNeverReferenced = -2
)

// MemoryPlan maps every entry id to its storage decision. It is pure
// metadata: backing buffers are owned by the execution state that
// applies the plan. Plans are re-derived whole whenever inferred
// attributes change, never patched incrementally, so identical inputs
// always produce identical plans.
type MemoryPlan struct {
	Entries []PlanEntry

	// InplaceIdx per entry: the entry id whose storage this entry
	// reuses in place, InplaceNone, or InplaceNeverReferenced for
	// entries with reference count zero (those may be elided entirely).
	InplaceIdx []int
}

// Clone deep-copies the plan.
func (p *MemoryPlan) Clone() *MemoryPlan {
	clone := &MemoryPlan{
		Entries:    append([]PlanEntry(nil), p.Entries...),
		InplaceIdx: append([]int(nil), p.InplaceIdx...),
	}
	return clone
}

type freeRecord struct {
	bytes uintptr
	sid   StorageID
	root  int
}

// PlanMemory assigns storage to every entry of the graph (or of
// entryRange, for backward planning over the freshly added node range).
//
// hints seeds the special classes: ExternalStorage for caller-bound
// entries, DynamicStorage for data-dependent ones; everything else must
// be BadStorage. refCounts is the per-entry consumer count (including
// the graph's designated outputs). The pass walks nodes in topological
// order, greedily reusing buffers whose reference count dropped to zero,
// and is fully deterministic: same inputs, same plan.
func PlanMemory(g *Graph, hints []StorageID, refCounts []int, nodeRange, entryRange Range) *MemoryPlan {
	ix := g.Indexed()
	nr := nodeRange.orWhole(ix.NumNodes())
	er := entryRange.orWhole(ix.NumEntries())
	if len(hints) != ix.NumEntries() || len(refCounts) != ix.NumEntries() {
		exceptions.Panicf("graph: PlanMemory needs hints and refCounts sized to %d entries", ix.NumEntries())
	}
	shapesVec := g.Attrs.Shapes
	if len(shapesVec) != ix.NumEntries() {
		exceptions.Panicf("graph: PlanMemory requires shape inference to have run")
	}

	plan := &MemoryPlan{
		Entries:    make([]PlanEntry, ix.NumEntries()),
		InplaceIdx: make([]int, ix.NumEntries()),
	}
	for eid := range plan.Entries {
		plan.Entries[eid] = PlanEntry{SID: hints[eid], Root: -1}
		plan.InplaceIdx[eid] = InplaceNone
	}

	rc := append([]int(nil), refCounts...)
	var free []freeRecord // Sorted by (bytes, sid).

	release := func(eid int) {
		entry := plan.Entries[eid]
		if entry.SID < 0 {
			return
		}
		root := plan.Entries[entry.Root]
		rec := freeRecord{bytes: root.Bytes, sid: entry.SID, root: entry.Root}
		pos := sort.Search(len(free), func(i int) bool {
			if free[i].bytes != rec.bytes {
				return free[i].bytes > rec.bytes
			}
			return free[i].sid >= rec.sid
		})
		free = append(free, freeRecord{})
		copy(free[pos+1:], free[pos:])
		free[pos] = rec
	}

	// acquire takes the best-fit free buffer (smallest that is large
	// enough; ties to the lowest storage id) or reports none.
	acquire := func(need uintptr) (freeRecord, bool) {
		pos := sort.Search(len(free), func(i int) bool { return free[i].bytes >= need })
		if pos == len(free) {
			return freeRecord{}, false
		}
		rec := free[pos]
		free = append(free[:pos], free[pos+1:]...)
		return rec, true
	}

	nextSID := StorageID(0)
	for eid := 0; eid < er.Start; eid++ {
		// Pooled ids of a previously planned prefix stay reserved.
		if plan.Entries[eid].SID >= nextSID {
			nextSID = plan.Entries[eid].SID + 1
		}
	}

	for nid := nr.Start; nid < nr.End; nid++ {
		n := ix.Node(nid)
		if n.IsVariable() {
			continue
		}

		// In-place reuse: adopt a dying input's buffer.
		if optioner, ok := n.Attrs.Op.(InplaceOptioner); ok {
			for _, opt := range optioner.InplaceOptions(&n.Attrs) {
				inEid := ix.InputEids(nid)[opt[0]]
				outEid := ix.EntryID(nid, opt[1])
				if outEid < er.Start || outEid >= er.End {
					continue
				}
				inEntry := plan.Entries[inEid]
				if plan.Entries[outEid].SID != BadStorage || rc[outEid] == 0 ||
					rc[inEid] != 1 || inEntry.SID < 0 {
					continue
				}
				if shapesVec[outEid].Memory() > plan.Entries[inEntry.Root].Bytes {
					continue
				}
				plan.Entries[outEid] = PlanEntry{SID: inEntry.SID, Root: inEntry.Root}
				plan.InplaceIdx[outEid] = inEid
				// Consume the input now so release below cannot also
				// hand the buffer to someone else.
				rc[inEid] = 0
			}
		}

		for idx := 0; idx < n.NumOutputs(); idx++ {
			eid := ix.EntryID(nid, idx)
			if eid < er.Start || eid >= er.End || plan.Entries[eid].SID != BadStorage {
				continue
			}
			if rc[eid] == 0 {
				plan.InplaceIdx[eid] = InplaceNeverReferenced
				continue
			}
			shape := shapesVec[eid]
			if !shape.Ok() {
				exceptions.Panicf("graph: PlanMemory at entry %d (node %s): shape %s not fully inferred",
					eid, n, shape)
			}
			need := shape.Memory()
			if rec, found := acquire(need); found {
				plan.Entries[eid] = PlanEntry{SID: rec.sid, Root: rec.root}
			} else {
				plan.Entries[eid] = PlanEntry{SID: nextSID, Root: eid, Bytes: need}
				nextSID++
			}
		}

		for _, inEid := range ix.InputEids(nid) {
			if rc[inEid] == 0 {
				continue
			}
			rc[inEid]--
			if rc[inEid] == 0 {
				release(inEid)
			}
		}
	}

	if klog.V(2).Enabled() {
		klog.Infof("graph: planned %d entries, %d pooled buffers", er.End-er.Start, nextSID)
	}
	return plan
}

// PlanSummary renders a human-readable accounting of a plan: number of
// pooled buffers, total pooled bytes, and per-class entry counts.
func PlanSummary(g *Graph, plan *MemoryPlan) string {
	var pooledBytes uintptr
	pooled, external, dynamic, elided := 0, 0, 0, 0
	seen := make(map[StorageID]bool)
	for eid, entry := range plan.Entries {
		switch {
		case entry.SID >= 0:
			pooled++
			if !seen[entry.SID] {
				seen[entry.SID] = true
				pooledBytes += plan.Entries[entry.Root].Bytes
			}
		case entry.SID == ExternalStorage:
			external++
		case entry.SID == DynamicStorage:
			dynamic++
		default:
			if plan.InplaceIdx[eid] == InplaceNeverReferenced {
				elided++
			}
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "memory plan: %d entries, %d pooled buffers (%s)\n",
		len(plan.Entries), len(seen), humanize.IBytes(uint64(pooledBytes)))
	fmt.Fprintf(&b, "  pooled=%d external=%d dynamic=%d elided=%d\n",
		pooled, external, dynamic, elided)
	return b.String()
}
