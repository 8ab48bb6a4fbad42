// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"time"

	"github.com/gomlx/nativec/ir"
)

// SourceProgram is the source code generated by a Renderer for one kernel.
type SourceProgram struct {
	// Name of the kernel entry point.
	Name string

	// Source code, in the language of the device's Compiler.
	Source string

	// Signature the source was rendered with: the kernel entry point takes exactly these arguments.
	Signature ir.Signature
}

// CompiledArtifact is an opaque binary image produced by a Compiler.
type CompiledArtifact []byte

// Arguments of one kernel invocation: buffers are passed first, followed by the immediates.
//
// Immediates must be Go scalars of fixed size (bool, int8, ..., uint64, float32, float64) matching the
// dtypes of the kernel signature.
type Arguments struct {
	Buffers    []Buffer
	Immediates []any
}

// NumArgs returns the total number of arguments.
func (a Arguments) NumArgs() int {
	return len(a.Buffers) + len(a.Immediates)
}

// Renderer converts an ir.Program into source code for the device Compiler.
//
// It must respect the device CompilerOptions, and return an *UnsupportedOperationError if the program
// requires a capability not available. It has no side effects.
type Renderer interface {
	Render(name string, program *ir.Program) (SourceProgram, error)
}

// Compiler converts source code to a binary artifact.
//
// Failures are returned as *CompileError with the toolchain diagnostics. Compilers don't cache
// artifacts, and never retry.
type Compiler interface {
	Compile(source SourceProgram) (CompiledArtifact, error)
}

// Loader loads a compiled artifact into the current process, and resolves the entry point with the given name.
//
// If the entry point is not found it returns a *SymbolNotFoundError.
type Loader interface {
	Load(name string, artifact CompiledArtifact) (Program, error)
}

// Program is a loaded kernel, ready to be called.
//
// The arguments must match the signature the kernel was rendered with: this is not checked, and a
// mismatch is undefined behavior (it usually crashes the process). Use Kernel.Invoke for a checked call.
type Program interface {
	// Name of the entry point.
	Name() string

	// Call the entry point with the buffers followed by the immediates. It blocks until the kernel returns.
	//
	// If timed is true, it returns the elapsed time of the call, measured with a monotonic clock.
	// Otherwise, it returns 0.
	Call(args Arguments, timed bool) (time.Duration, error)

	// Finalize releases the loaded program. It must not be called while a Call is in progress, and the
	// Program can't be used afterwards.
	Finalize() error
}
