// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/nativec/ir"
)

// CompilerOptions is the capability descriptor a Device advertises to its Renderer.
//
// It is created once per Device and never changed: it is passed around by value.
type CompilerOptions struct {
	// Device identifies the backend, e.g.: "CLANG".
	Device string

	// SupportsFloat4 indicates vectorized (4 x float32) loads and stores can be emitted.
	SupportsFloat4 bool

	// HasLocal indicates local (shared) memory and barriers can be emitted.
	HasLocal bool

	// SupportsHalf indicates 16-bit floats can be emitted.
	SupportsHalf bool
}

// Supports returns whether the capability is available.
func (o CompilerOptions) Supports(c ir.Capability) bool {
	switch c {
	case ir.CapabilityFloat4:
		return o.SupportsFloat4
	case ir.CapabilityLocal:
		return o.HasLocal
	case ir.CapabilityHalf:
		return o.SupportsHalf
	}
	return false
}

// Check returns an *UnsupportedOperationError for the first capability required by the program and not
// supported, or nil if the program can be rendered with these options.
func (o CompilerOptions) Check(name string, program *ir.Program) error {
	for _, c := range program.Requires() {
		if o.Supports(c) {
			continue
		}
		err := &UnsupportedOperationError{Device: o.Device, Kernel: name, Capability: c, Op: ir.OpTypeInvalid}
		for ii, op := range program.Ops() {
			if requiresCapability(&op, c) {
				err.Op = op.Type
				err.OpIndex = ii
				break
			}
		}
		return err
	}
	return nil
}

func requiresCapability(op *ir.Op, c ir.Capability) bool {
	switch c {
	case ir.CapabilityFloat4:
		return op.Type == ir.OpTypeLoadVec || op.Type == ir.OpTypeStoreVec
	case ir.CapabilityLocal:
		return op.Type == ir.OpTypeDefineLocal || op.Type == ir.OpTypeBarrier
	case ir.CapabilityHalf:
		return op.DType == dtypes.Float16
	}
	return false
}

// String implements fmt.Stringer.
func (o CompilerOptions) String() string {
	return fmt.Sprintf("%s{float4=%v, local=%v, half=%v}", o.Device, o.SupportsFloat4, o.HasLocal, o.SupportsHalf)
}
