// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices has generic slice helpers shared across the module.
package xslices

import "golang.org/x/exp/constraints"

// FillSlice sets every element of the slice to value.
func FillSlice[T any](slice []T, value T) {
	for i := range slice {
		slice[i] = value
	}
}

// SliceWithValue returns a newly allocated slice of the given size with
// every element set to value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	FillSlice(s, value)
	return s
}

// Max returns the largest of a and b.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// Min returns the smallest of a and b.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
