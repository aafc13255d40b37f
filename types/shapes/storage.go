// Copyright 2026 The SymFlow Authors. SPDX-License-Identifier: Apache-2.0

package shapes

// StorageType tags how a tensor's values are materialized. It is the
// third attribute (after shape and dtype) the inference passes propagate
// through a graph, and it drives dispatch-mode selection: operators
// without a sparse-aware kernel fall back to the dense compute path.
type StorageType int32

const (
	// UndefinedStorage is the unknown tag, used before storage inference
	// resolves an entry.
	UndefinedStorage StorageType = iota

	// DenseStorage is a contiguous buffer covering every element.
	DenseStorage

	// RowSparseStorage stores only the non-zero rows plus their indices.
	RowSparseStorage
)

var storageNames = map[StorageType]string{
	UndefinedStorage: "UndefinedStorage",
	DenseStorage:     "DenseStorage",
	RowSparseStorage: "RowSparseStorage",
}

// String implements fmt.Stringer.
func (s StorageType) String() string {
	if name, found := storageNames[s]; found {
		return name
	}
	return "UnknownStorage"
}
