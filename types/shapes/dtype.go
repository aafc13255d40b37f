// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// DType enumerates the element types a tensor may hold.
//
// The zero value InvalidDType doubles as the "unknown" tag used by the
// type-inference pass before an entry is resolved.
type DType int32

const (
	InvalidDType DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
}

// String implements fmt.Stringer.
func (d DType) String() string {
	if name, found := dtypeNames[d]; found {
		return name
	}
	return "UnknownDType"
}

// Size returns the number of bytes of one element of the given dtype.
func (d DType) Size() uintptr {
	switch d {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	exceptions.Panicf("shapes: DType %s has no defined size", d)
	return 0
}

// IsFloat returns whether the dtype is a floating point type.
func (d DType) IsFloat() bool {
	return d == Float16 || d == Float32 || d == Float64
}

// IsInt returns whether the dtype is a signed or unsigned integer type.
func (d DType) IsInt() bool {
	return d >= Int8 && d <= Uint64
}

// F16FromF32 converts a float32 to the IEEE 754 binary16 bit pattern
// stored for Float16 tensors.
func F16FromF32(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}

// F32FromF16 converts a stored binary16 bit pattern back to float32.
func F32FromF16(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}
