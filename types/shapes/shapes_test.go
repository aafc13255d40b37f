// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShapeBasics(t *testing.T) {
	s := Make(Float32, 4, 8)
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 32, s.Size())
	assert.Equal(t, uintptr(128), s.Memory())
	assert.True(t, s.Ok())
	assert.Equal(t, "(Float32)[4 8]", s.String())

	scalar := Scalar(Int64)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())

	var unknown Shape
	assert.False(t, unknown.Ok())
	assert.Equal(t, "(?)", unknown.String())
}

func TestShapeEqAndClone(t *testing.T) {
	a := Make(Float32, 2, 3)
	b := Make(Float32, 2, 3)
	c := Make(Float64, 2, 3)
	d := Make(Float32, 3, 2)
	assert.True(t, a.Eq(b))
	assert.False(t, a.Eq(c))
	assert.False(t, a.Eq(d))

	clone := a.Clone()
	clone.Dimensions[0] = 7
	assert.Equal(t, 2, a.Dimensions[0])
}

func TestMakePanicsOnBadDim(t *testing.T) {
	require.Panics(t, func() { Make(Float32, 4, 0) })
	require.Panics(t, func() { Make(Float32, -1) })
}

func TestDType(t *testing.T) {
	assert.Equal(t, uintptr(4), Float32.Size())
	assert.Equal(t, uintptr(2), Float16.Size())
	assert.True(t, Float16.IsFloat())
	assert.True(t, Uint8.IsInt())
	assert.False(t, Bool.IsInt())

	// Float16 round trip through the x448 representation.
	bits := F16FromF32(1.5)
	assert.Equal(t, float32(1.5), F32FromF16(bits))
}
