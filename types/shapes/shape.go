// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, DType and StorageType, the attribute types
// attached to every tensor and to every entry of a computation graph.
//
// A Shape is a DType plus the dimensions of each axis. Scalars have rank 0.
// The zero value is the "unknown" shape, which is what inference passes
// start from before they resolve an entry.
//
// Float16 support uses the github.com/x448/float16 implementation.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Shape represents the shape of a tensor or of the value produced by a
// graph entry: a DType and the dimension of each axis.
//
// The zero value is the "unknown" shape, which inference passes fill in.
// Use Make to create known shapes.
type Shape struct {
	DType      DType
	Dimensions []int
}

// Make returns a Shape with the given dtype and dimensions.
// It panics if any dimension is <= 0.
func Make(dtype DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis of dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns the shape of a scalar of the given dtype.
func Scalar(dtype DType) Shape {
	return Shape{DType: dtype}
}

// Rank is the number of axes. Scalars have rank 0.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape has rank 0 and a valid dtype.
func (s Shape) IsScalar() bool { return s.DType != InvalidDType && s.Rank() == 0 }

// Ok reports whether the shape is fully known: valid dtype and no
// unknown (zero) dimensions. The memory planner only accepts Ok shapes.
func (s Shape) Ok() bool {
	if s.DType == InvalidDType {
		return false
	}
	for _, dim := range s.Dimensions {
		if dim <= 0 {
			return false
		}
	}
	return true
}

// Size is the number of elements: the product of all dimensions.
// A scalar has size 1.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory is the number of bytes needed to store the shape's elements
// contiguously.
func (s Shape) Memory() uintptr {
	return uintptr(s.Size()) * s.DType.Size()
}

// Clone makes a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Eq compares dtype and dimensions.
func (s Shape) Eq(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// String implements fmt.Stringer, e.g. "(Float32)[4 8]".
func (s Shape) String() string {
	if s.DType == InvalidDType && s.Rank() == 0 {
		return "(?)"
	}
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, 0, s.Rank())
	for _, dim := range s.Dimensions {
		parts = append(parts, fmt.Sprintf("%d", dim))
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}
