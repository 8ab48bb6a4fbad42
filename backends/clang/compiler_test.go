// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package clang

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/nativec/backends"
)

func TestCompilerArgs(t *testing.T) {
	require.Equal(t,
		[]string{"-include", "tgmath.h", "-shared", "-march=native", "-O2", "-Wall", "-Werror", "-x", "c", "-fPIC", "-", "-o", "/tmp/k.so"},
		CompilerArgs("/tmp/k.so"))
}

// fakeCompiler writes an executable shell script to dir, to be used as the compiler binary.
func fakeCompiler(t *testing.T, dir, name, script string) string {
	cc := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(cc, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return cc
}

func TestCompilerFake(t *testing.T) {
	binDir, tmpDir := t.TempDir(), t.TempDir()
	source := backends.SourceProgram{Name: "k", Source: "void k(void) {\n}\n"}

	t.Run("success", func(t *testing.T) {
		// Copies the source to the output, given as the last argument.
		cc := fakeCompiler(t, binDir, "cc_copy", `for last; do :; done; cat > "$last"`)
		artifact, err := NewCompiler(cc, tmpDir).Compile(source)
		require.NoError(t, err)
		require.Equal(t, source.Source, string(artifact))
	})

	t.Run("empty output", func(t *testing.T) {
		cc := fakeCompiler(t, binDir, "cc_empty", "exit 0")
		artifact, err := NewCompiler(cc, tmpDir).Compile(source)
		require.Nil(t, artifact)
		var compileErr *backends.CompileError
		require.ErrorAs(t, err, &compileErr)
		require.ErrorContains(t, err, "empty output")
		require.Equal(t, "k", compileErr.Kernel)
	})

	t.Run("diagnostic", func(t *testing.T) {
		cc := fakeCompiler(t, binDir, "cc_fail", `echo "<stdin>:1:1: error: boom" >&2; exit 1`)
		artifact, err := NewCompiler(cc, tmpDir).Compile(source)
		require.Nil(t, artifact)
		var compileErr *backends.CompileError
		require.ErrorAs(t, err, &compileErr)
		require.Equal(t, "<stdin>:1:1: error: boom\n", compileErr.Diagnostic)
		require.Equal(t, cc, compileErr.Command)
		require.Contains(t, err.Error(), "boom")
	})

	t.Run("missing binary", func(t *testing.T) {
		_, err := NewCompiler(filepath.Join(binDir, "does-not-exist"), tmpDir).Compile(source)
		var compileErr *backends.CompileError
		require.ErrorAs(t, err, &compileErr)
	})

	t.Run("cancelled", func(t *testing.T) {
		cc := fakeCompiler(t, binDir, "cc_sleep", "exec sleep 30")
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		start := time.Now()
		artifact, err := NewCompiler(cc, tmpDir).CompileContext(ctx, source)
		require.Nil(t, artifact)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.ErrorContains(t, err, "interrupted")
		require.Less(t, time.Since(start), 10*time.Second)
	})

	// No temporary files are left behind, whatever the outcome.
	entries, err := os.ReadDir(tmpDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
