// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"

	"github.com/gomlx/nativec/ir"
)

// Stage of the lifecycle of a kernel where an error happened.
type Stage int

const (
	StageRender Stage = iota
	StageCompile
	StageLoad
	StageInvoke
)

// String implements fmt.Stringer.
func (s Stage) String() string {
	switch s {
	case StageRender:
		return "render"
	case StageCompile:
		return "compile"
	case StageLoad:
		return "load"
	case StageInvoke:
		return "invoke"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// StageError tags an error with the kernel and the stage where it happened.
//
// Use errors.As to access the underlying *UnsupportedOperationError, *CompileError or *SymbolNotFoundError.
type StageError struct {
	Stage  Stage
	Kernel string
	Err    error
}

// Error implements error.
func (e *StageError) Error() string {
	return fmt.Sprintf("kernel %q failed to %s: %v", e.Kernel, e.Stage, e.Err)
}

// Unwrap returns the stage error.
func (e *StageError) Unwrap() error { return e.Err }

// UnsupportedOperationError is returned by a Renderer when the program requires a capability the device
// doesn't have. It is detected before any compilation is attempted.
type UnsupportedOperationError struct {
	Device     string
	Kernel     string
	Capability ir.Capability

	// Op is the type of the first operation requiring the capability, and OpIndex its position.
	Op      ir.OpType
	OpIndex int
}

// Error implements error.
func (e *UnsupportedOperationError) Error() string {
	if e.Op == ir.OpTypeInvalid {
		return fmt.Sprintf("device %q does not support capability %q required by kernel %q", e.Device, e.Capability, e.Kernel)
	}
	return fmt.Sprintf("device %q does not support capability %q required by op %%%d (%s) of kernel %q",
		e.Device, e.Capability, e.OpIndex, e.Op, e.Kernel)
}

// CompileError is returned by a Compiler when the toolchain fails. Diagnostic holds the toolchain output
// verbatim: it's the only information that points to the offending generated line.
type CompileError struct {
	Kernel     string
	Command    string
	Diagnostic string
	Err        error
}

// Error implements error.
func (e *CompileError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("failed to compile kernel %q with %q: %v", e.Kernel, e.Command, e.Err)
	}
	return fmt.Sprintf("failed to compile kernel %q with %q: %v\n%s", e.Kernel, e.Command, e.Err, e.Diagnostic)
}

// Unwrap returns the underlying error, usually from the toolchain process.
func (e *CompileError) Unwrap() error { return e.Err }

// SymbolNotFoundError is returned by a Loader when the entry point is not exported by the loaded artifact.
// It indicates a naming mismatch between the renderer and the loader.
type SymbolNotFoundError struct {
	Symbol     string
	Diagnostic string
}

// Error implements error.
func (e *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("symbol %q not found in compiled kernel: %s", e.Symbol, e.Diagnostic)
}
