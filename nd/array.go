// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package nd implements Array, the tensor handle consumed and produced
// by the execution core.
//
// An Array is a light handle: shape, dtype, storage type, device
// context, and a pointer to the backing Storage. Several Arrays may
// alias one Storage (in-place reuse, views created by the memory plan).
// The Storage owns the engine variable used to declare read/write
// dependencies when compute is dispatched.
//
// An Array with no Storage is "none": an uninitialized placeholder the
// executor materializes on demand.
package nd

import (
	"github.com/gomlx/exceptions"

	"github.com/symflow/symflow/engine"
	"github.com/symflow/symflow/types/shapes"
)

// OpReqType tells an operator what to do with one of its outputs.
type OpReqType int

const (
	// NullOp: do not touch the output at all.
	NullOp OpReqType = iota
	// WriteTo: overwrite the output buffer.
	WriteTo
	// WriteInplace: overwrite, knowing the output aliases an input.
	WriteInplace
	// AddTo: accumulate into the output's existing contents.
	AddTo
)

var reqNames = map[OpReqType]string{
	NullOp:       "NullOp",
	WriteTo:      "WriteTo",
	WriteInplace: "WriteInplace",
	AddTo:        "AddTo",
}

// String implements fmt.Stringer.
func (r OpReqType) String() string {
	if name, found := reqNames[r]; found {
		return name
	}
	return "UnknownOpReq"
}

// Array is a tensor handle. The zero value is "none".
type Array struct {
	shape shapes.Shape
	stype shapes.StorageType
	ctx   engine.Context
	store *Storage
}

// New allocates an Array of the given shape on ctx, with fresh dense
// storage managed by e.
func New(e engine.Engine, ctx engine.Context, shape shapes.Shape) *Array {
	if !shape.Ok() {
		exceptions.Panicf("nd.New: shape %s is not fully known", shape)
	}
	return &Array{
		shape: shape,
		stype: shapes.DenseStorage,
		ctx:   ctx,
		store: newStorage(e, shape.Memory(), "arena"),
	}
}

// None returns an uninitialized placeholder on ctx.
func None(ctx engine.Context) *Array {
	return &Array{ctx: ctx}
}

// FromFlatFloat32 creates a Float32 Array with the given shape and flat
// contents. len(data) must equal shape.Size().
func FromFlatFloat32(e engine.Engine, ctx engine.Context, shape shapes.Shape, data []float32) *Array {
	if shape.DType != shapes.Float32 {
		exceptions.Panicf("nd.FromFlatFloat32: shape %s is not Float32", shape)
	}
	if len(data) != shape.Size() {
		exceptions.Panicf("nd.FromFlatFloat32: got %d values for shape %s", len(data), shape)
	}
	a := New(e, ctx, shape)
	copy(a.Float32s(), data)
	return a
}

// IsNone reports whether the Array has no backing storage yet.
func (a *Array) IsNone() bool { return a == nil || a.store == nil }

// Shape of the array. The unknown shape for a none Array.
func (a *Array) Shape() shapes.Shape {
	if a == nil {
		return shapes.Shape{}
	}
	return a.shape
}

// DType of the array's elements.
func (a *Array) DType() shapes.DType { return a.Shape().DType }

// StorageType of the array.
func (a *Array) StorageType() shapes.StorageType {
	if a.IsNone() {
		return shapes.UndefinedStorage
	}
	return a.stype
}

// Context is the device the array lives on.
func (a *Array) Context() engine.Context { return a.ctx }

// Var returns the engine variable guarding the backing storage. Panics
// for a none Array.
func (a *Array) Var() *engine.Var {
	if a.IsNone() {
		exceptions.Panicf("nd: Var() on an uninitialized Array")
	}
	return a.store.variable
}

// IsSame reports whether the two arrays share the same backing storage
// object. This is identity, not value equality: the static-shape fast
// path uses it to detect swapped parameter tensors, and it deliberately
// does not notice in-place mutation of a parameter's contents.
func (a *Array) IsSame(b *Array) bool {
	return a != nil && b != nil && a.store != nil && a.store == b.store
}

// Detach returns a new handle sharing this array's storage. The detached
// handle carries no tape history.
func (a *Array) Detach() *Array {
	clone := *a
	clone.shape = a.shape.Clone()
	return &clone
}

// View returns an Array of the given shape aliasing this array's
// storage. The view's byte size must fit the storage.
func (a *Array) View(shape shapes.Shape) *Array {
	if a.IsNone() {
		exceptions.Panicf("nd: View() on an uninitialized Array")
	}
	if shape.Memory() > a.store.capacity {
		exceptions.Panicf("nd: view %s needs %d bytes, storage only has %d",
			shape, shape.Memory(), a.store.capacity)
	}
	return &Array{shape: shape.Clone(), stype: a.stype, ctx: a.ctx, store: a.store}
}

// CopyHandleFrom rebinds this handle to other's shape and storage,
// without copying data. It is how executor slots adopt caller tensors.
func (a *Array) CopyHandleFrom(other *Array) {
	a.shape = other.shape
	a.stype = other.stype
	a.ctx = other.ctx
	a.store = other.store
}

// Reset turns the handle back into "none", dropping the storage
// reference.
func (a *Array) Reset() {
	*a = Array{ctx: a.ctx}
}

// WaitToRead blocks until all writers of the backing storage submitted
// so far have completed.
func (a *Array) WaitToRead() {
	if a.IsNone() {
		return
	}
	a.store.eng.WaitForVar(a.store.variable)
}

// String implements fmt.Stringer.
func (a *Array) String() string {
	if a.IsNone() {
		return "Array(none)"
	}
	return "Array" + a.shape.String() + "@" + a.ctx.String()
}
