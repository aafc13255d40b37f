// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package nd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symflow/symflow/engine"
	"github.com/symflow/symflow/types/shapes"
)

func TestArrayLifecycle(t *testing.T) {
	e := engine.NewSync()
	ctx := engine.CPU(0)

	a := New(e, ctx, shapes.Make(shapes.Float32, 2, 3))
	assert.False(t, a.IsNone())
	assert.Equal(t, shapes.DenseStorage, a.StorageType())
	assert.Equal(t, 6, len(a.Float32s()))

	none := None(ctx)
	assert.True(t, none.IsNone())
	none.CopyHandleFrom(a)
	assert.False(t, none.IsNone())
	assert.True(t, none.IsSame(a))

	none.Reset()
	assert.True(t, none.IsNone())
}

func TestIsSameIsIdentityNotValue(t *testing.T) {
	e := engine.NewSync()
	ctx := engine.CPU(0)
	shape := shapes.Make(shapes.Float32, 4)

	a := FromFlatFloat32(e, ctx, shape, []float32{1, 2, 3, 4})
	b := FromFlatFloat32(e, ctx, shape, []float32{1, 2, 3, 4})
	assert.False(t, a.IsSame(b), "equal contents must not imply IsSame")
	assert.True(t, a.IsSame(a.Detach()), "detached handle shares storage")

	// In-place mutation does not change identity.
	a.Float32s()[0] = 99
	assert.True(t, a.IsSame(a))
}

func TestViewAliasesStorage(t *testing.T) {
	e := engine.NewSync()
	a := New(e, engine.CPU(0), shapes.Make(shapes.Float32, 4, 2))
	v := a.View(shapes.Make(shapes.Float32, 8))
	v.Float32s()[3] = 5
	assert.Equal(t, float32(5), a.Float32s()[3])
	assert.True(t, a.IsSame(v))

	require.Panics(t, func() { a.View(shapes.Make(shapes.Float32, 100)) })
}

func TestAllocationsCounter(t *testing.T) {
	e := engine.NewSync()
	before := Allocations()
	_ = New(e, engine.CPU(0), shapes.Make(shapes.Float32, 2))
	_ = New(e, engine.CPU(0), shapes.Make(shapes.Float32, 2))
	assert.Equal(t, before+2, Allocations())
}

func TestFloat16Access(t *testing.T) {
	e := engine.NewSync()
	a := New(e, engine.CPU(0), shapes.Make(shapes.Float16, 2))
	a.Float16s()[0] = shapes.F16FromF32(0.5)
	assert.Equal(t, float32(0.5), shapes.F32FromF16(a.Float16s()[0]))
}

func TestDTypeMismatchPanics(t *testing.T) {
	e := engine.NewSync()
	a := New(e, engine.CPU(0), shapes.Make(shapes.Float64, 2))
	require.Panics(t, func() { a.Float32s() })
}
