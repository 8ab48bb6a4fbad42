// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clang

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nativec/backends"
	"github.com/gomlx/nativec/pkg/support/fsutil"
)

// compilerFlags are the fixed flags passed to clang, followed by "-o <output>": C source read from stdin,
// with tgmath.h included, compiled to an optimized position-independent shared object for the host CPU.
// Warnings are errors.
var compilerFlags = []string{"-include", "tgmath.h", "-shared", "-march=native", "-O2", "-Wall", "-Werror", "-x", "c", "-fPIC", "-"}

// CompilerArgs returns the arguments clang is called with to write the shared object to output.
func CompilerArgs(output string) []string {
	args := make([]string, 0, len(compilerFlags)+2)
	args = append(args, compilerFlags...)
	return append(args, "-o", output)
}

// Compiler runs clang as a subprocess to compile C source to a shared object.
//
// It implements backends.Compiler. It's safe for concurrent use: each compilation uses its own
// temporary file. There is no caching.
type Compiler struct {
	// cc is the compiler binary.
	cc string

	// tmpDir and tmpPattern are used to create the output files.
	tmpDir, tmpPattern string
}

var _ backends.Compiler = (*Compiler)(nil)

// NewCompiler returns a Compiler that runs the cc binary, and creates its temporary files in tmpDir
// (os.TempDir() if empty).
func NewCompiler(cc, tmpDir string) *Compiler {
	return &Compiler{cc: cc, tmpDir: tmpDir, tmpPattern: "nativec_*.so"}
}

// Command returns the compiler binary.
func (c *Compiler) Command() string { return c.cc }

// Compile implements backends.Compiler.
func (c *Compiler) Compile(source backends.SourceProgram) (backends.CompiledArtifact, error) {
	return c.CompileContext(context.Background(), source)
}

// CompileContext compiles source and returns the contents of the shared object.
//
// If ctx is cancelled while the compiler is running, the subprocess is killed and an error is returned:
// partial outputs are never returned.
// Failures are returned as a *backends.CompileError, with the compiler output verbatim in Diagnostic.
func (c *Compiler) CompileContext(ctx context.Context, source backends.SourceProgram) (artifact backends.CompiledArtifact, err error) {
	err = fsutil.WithTempFile(c.tmpDir, c.tmpPattern, func(output string) error {
		args := CompilerArgs(output)
		cmd := exec.CommandContext(ctx, c.cc, args...)
		cmd.Stdin = strings.NewReader(source.Source)
		var diagnostic bytes.Buffer
		cmd.Stdout = &diagnostic
		cmd.Stderr = &diagnostic
		klog.V(2).Infof("compiling kernel %q: %s %s", source.Name, c.cc, strings.Join(args, " "))
		start := time.Now()
		if runErr := cmd.Run(); runErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				runErr = errors.Wrapf(ctxErr, "compilation interrupted")
			}
			return &backends.CompileError{
				Kernel:     source.Name,
				Command:    c.cc,
				Diagnostic: diagnostic.String(),
				Err:        runErr,
			}
		}
		contents, readErr := os.ReadFile(output)
		if readErr != nil {
			return &backends.CompileError{
				Kernel:     source.Name,
				Command:    c.cc,
				Diagnostic: diagnostic.String(),
				Err:        errors.Wrapf(readErr, "failed to read compiled output from %q", output),
			}
		}
		if len(contents) == 0 {
			return &backends.CompileError{
				Kernel:     source.Name,
				Command:    c.cc,
				Diagnostic: diagnostic.String(),
				Err:        errors.New("compiler produced an empty output"),
			}
		}
		klog.V(2).Infof("compiled kernel %q in %s: %d bytes", source.Name, time.Since(start), len(contents))
		artifact = contents
		return nil
	})
	if err != nil {
		artifact = nil
	}
	return
}
