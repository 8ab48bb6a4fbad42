// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
)

// Buffer is memory that can be handed to a kernel.
type Buffer interface {
	// DType of the elements.
	DType() dtypes.DType

	// Len is the number of elements.
	Len() int

	// Pointer to the first element: this is what is passed to the kernel. It is valid until the buffer is freed.
	Pointer() unsafe.Pointer
}

// Allocator is the Device's subinterface that manages Buffer memory.
type Allocator interface {
	// Alloc returns a new zero-initialized buffer with length elements of the given dtype.
	Alloc(dtype dtypes.DType, length int) (Buffer, error)

	// Free releases the buffer memory immediately. A freed buffer should never be used again.
	Free(buffer Buffer) error

	// CopyIn copies the flat Go slice into the buffer. The slice must have the buffer dtype and length.
	CopyIn(buffer Buffer, flat any) error

	// CopyOut copies the buffer contents to the flat Go slice. The slice must have the buffer dtype and length.
	CopyOut(buffer Buffer, flat any) error

	// Flat returns a Go slice (of the Go type corresponding to the dtype) that points to the buffer memory
	// directly. It becomes invalid after the buffer is freed.
	Flat(buffer Buffer) (any, error)
}
