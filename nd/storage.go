// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package nd

import (
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/exceptions"

	"github.com/symflow/symflow/engine"
	"github.com/symflow/symflow/types/shapes"
)

// Storage is one backing buffer plus the engine variable that guards it.
// All Arrays aliasing the same entry of a memory plan share one Storage.
type Storage struct {
	eng      engine.Engine
	variable *engine.Var
	bytes    []byte
	capacity uintptr
}

// allocCounter counts Storage allocations since process start. The cache
// tests assert it stays flat across repeated calls with stable shapes.
var allocCounter atomic.Int64

// Allocations returns the number of buffer allocations so far.
func Allocations() int64 { return allocCounter.Load() }

func newStorage(e engine.Engine, nbytes uintptr, debugName string) *Storage {
	allocCounter.Add(1)
	return &Storage{
		eng:      e,
		variable: engine.NewVar(debugName),
		bytes:    make([]byte, nbytes),
		capacity: nbytes,
	}
}

// NewPooled allocates an Array sized for the largest of the shapes that
// will alias it, shaped as the first one. The memory planner uses it for
// entries that share a storage id.
func NewPooled(e engine.Engine, ctx engine.Context, shape shapes.Shape, nbytes uintptr) *Array {
	if nbytes < shape.Memory() {
		nbytes = shape.Memory()
	}
	return &Array{
		shape: shape.Clone(),
		stype: shapes.DenseStorage,
		ctx:   ctx,
		store: newStorage(e, nbytes, "pooled"),
	}
}

// Engine returns the engine managing the array's storage. Panics for a
// none Array.
func (a *Array) Engine() engine.Engine {
	if a.IsNone() {
		exceptions.Panicf("nd: Engine() on an uninitialized Array")
	}
	return a.store.eng
}

// Bytes returns the raw backing bytes for the array's elements.
func (a *Array) Bytes() []byte {
	if a.IsNone() {
		exceptions.Panicf("nd: Bytes() on an uninitialized Array")
	}
	return a.store.bytes[:a.shape.Memory()]
}

// Float32s returns the elements as a []float32 view over the backing
// buffer. Mutations are visible to every alias. Panics if the dtype is
// not Float32.
func (a *Array) Float32s() []float32 {
	a.checkDType(shapes.Float32)
	return unsafe.Slice((*float32)(unsafe.Pointer(&a.store.bytes[0])), a.shape.Size())
}

// Float64s is the Float64 counterpart of Float32s.
func (a *Array) Float64s() []float64 {
	a.checkDType(shapes.Float64)
	return unsafe.Slice((*float64)(unsafe.Pointer(&a.store.bytes[0])), a.shape.Size())
}

// Int32s is the Int32 counterpart of Float32s.
func (a *Array) Int32s() []int32 {
	a.checkDType(shapes.Int32)
	return unsafe.Slice((*int32)(unsafe.Pointer(&a.store.bytes[0])), a.shape.Size())
}

// Float16s returns the raw binary16 bit patterns of a Float16 array.
// Convert individual values with shapes.F32FromF16.
func (a *Array) Float16s() []uint16 {
	a.checkDType(shapes.Float16)
	return unsafe.Slice((*uint16)(unsafe.Pointer(&a.store.bytes[0])), a.shape.Size())
}

func (a *Array) checkDType(want shapes.DType) {
	if a.IsNone() {
		exceptions.Panicf("nd: element access on an uninitialized Array")
	}
	if a.shape.DType != want {
		exceptions.Panicf("nd: array is %s, accessed as %s", a.shape, want)
	}
	if a.shape.Size() == 0 {
		exceptions.Panicf("nd: element access on empty array %s", a.shape)
	}
}

// CopyFrom copies other's contents into this array. Shapes must match.
func (a *Array) CopyFrom(other *Array) {
	if a.IsNone() || other.IsNone() {
		exceptions.Panicf("nd: CopyFrom with uninitialized Array")
	}
	if !a.shape.Eq(other.shape) {
		exceptions.Panicf("nd: CopyFrom shape mismatch: %s vs %s", a.shape, other.shape)
	}
	copy(a.store.bytes[:a.shape.Memory()], other.store.bytes[:other.shape.Memory()])
}
