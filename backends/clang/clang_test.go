// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package clang

import (
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/nativec/backends"
	"github.com/gomlx/nativec/ir"
)

var device *Device

func init() {
	klog.InitFlags(nil)
}

func setup() {
	fmt.Printf("Available devices: %q\n", backends.List())
	device = must.M1(NewDevice(DefaultConfig()))
	fmt.Printf("Device: %s, %s\n", device.Name(), device.Description())
}

func teardown() {
	device.Finalize()
}

func TestMain(m *testing.M) {
	setup()
	code := m.Run() // Run all tests in the file
	teardown()
	os.Exit(code)
}

// requireClang skips the test if the device compiler is not installed.
func requireClang(t *testing.T) {
	if _, err := exec.LookPath(device.Config().Compiler); err != nil {
		t.Skipf("%q not found in PATH: %v", device.Config().Compiler, err)
	}
}

// copyProgram builds a kernel that copies n float32 values from "a" to "b".
func copyProgram(t *testing.T, name string, n int) *ir.Program {
	program, err := ir.Build(name, func(b *ir.Builder) {
		dst := b.Buffer("b", dtypes.Float32, n, false)
		src := b.Buffer("a", dtypes.Float32, n, true)
		i := b.Range(ir.Const(b, int32(0)), ir.Const(b, int32(n)))
		b.Store(dst, i, b.Load(src, i))
		b.EndRange(i)
	})
	require.NoError(t, err)
	return program
}

// newBuffer allocates a device buffer initialized with values.
func newBuffer[T any](t *testing.T, dtype dtypes.DType, values []T) backends.Buffer {
	buf, err := device.Allocator().Alloc(dtype, len(values))
	require.NoError(t, err)
	require.NoError(t, device.Allocator().CopyIn(buf, values))
	t.Cleanup(func() { require.NoError(t, device.Allocator().Free(buf)) })
	return buf
}

// readBuffer returns a copy of the buffer contents.
func readBuffer[T any](t *testing.T, buf backends.Buffer) []T {
	values := make([]T, buf.Len())
	require.NoError(t, device.Allocator().CopyOut(buf, values))
	return values
}

func TestCopy4(t *testing.T) {
	requireClang(t)
	kernel, err := backends.GetCompiledKernel(device, "copy4", copyProgram(t, "copy4", 4))
	require.NoError(t, err)
	defer func() { require.NoError(t, kernel.Release()) }()
	require.Equal(t, backends.KernelInvocable, kernel.State())

	a := newBuffer(t, dtypes.Float32, []float32{1, 2, 3, 4})
	b := newBuffer(t, dtypes.Float32, make([]float32, 4))
	elapsed, err := kernel.Invoke([]backends.Buffer{b, a}, nil, false)
	require.NoError(t, err)
	require.Zero(t, elapsed)
	require.Equal(t, []float32{1, 2, 3, 4}, readBuffer[float32](t, b))

	// Invoking again with the same inputs yields the same outputs.
	_, err = kernel.Invoke([]backends.Buffer{b, a}, nil, false)
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4}, readBuffer[float32](t, b))
	require.Equal(t, []float32{1, 2, 3, 4}, readBuffer[float32](t, a))

	// Freed buffers never reach the kernel.
	freed, err := device.Allocator().Alloc(dtypes.Float32, 4)
	require.NoError(t, err)
	require.NoError(t, device.Allocator().Free(freed))
	_, err = kernel.Invoke([]backends.Buffer{freed, a}, nil, false)
	require.ErrorContains(t, err, "was it freed")
}

func TestTimedInvocation(t *testing.T) {
	requireClang(t)
	program, err := ir.Build("scale", func(b *ir.Builder) {
		out := b.Buffer("out", dtypes.Float32, 0, false)
		in := b.Buffer("in", dtypes.Float32, 0, true)
		factor := b.Immediate("factor", dtypes.Float32)
		n := b.Immediate("n", dtypes.Int32)
		i := b.Range(ir.Const(b, int32(0)), n)
		b.Store(out, i, b.Mul(b.Load(in, i), factor))
		b.EndRange(i)
	})
	require.NoError(t, err)
	kernel, err := backends.GetCompiledKernel(device, "scale", program)
	require.NoError(t, err)
	defer func() { require.NoError(t, kernel.Release()) }()

	in := newBuffer(t, dtypes.Float32, []float32{1, 2, 3, 4, 5})
	out := newBuffer(t, dtypes.Float32, make([]float32, 5))
	var results [][]float32
	for range 2 {
		elapsed, err := kernel.Invoke([]backends.Buffer{out, in}, []any{1.5, 5}, true)
		require.NoError(t, err)
		require.GreaterOrEqual(t, int64(elapsed), int64(0))
		results = append(results, readBuffer[float32](t, out))
	}
	require.Equal(t, []float32{1.5, 3, 4.5, 6, 7.5}, results[0])
	require.Equal(t, results[0], results[1])
}

// countingCompiler counts calls and fails them all.
type countingCompiler struct {
	calls atomic.Int32
}

func (c *countingCompiler) Compile(source backends.SourceProgram) (backends.CompiledArtifact, error) {
	c.calls.Add(1)
	return nil, &backends.CompileError{Kernel: source.Name, Command: "counting"}
}

func TestUnsupportedNeverCompiles(t *testing.T) {
	compiler := &countingCompiler{}
	d, err := NewDevice(DefaultConfig(), WithCompiler(compiler))
	require.NoError(t, err)
	defer d.Finalize()
	require.False(t, d.CompilerOptions().SupportsFloat4)

	program, err := ir.Build("vec", func(b *ir.Builder) {
		x := b.Buffer("x", dtypes.Float32, 8, false)
		zero := ir.Const(b, int32(0))
		b.StoreVec(x, ir.Const(b, int32(4)), b.LoadVec(x, zero))
	})
	require.NoError(t, err)
	kernel := backends.NewKernel(d, "vec", program)
	err = kernel.Build()
	var unsupported *backends.UnsupportedOperationError
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, ir.CapabilityFloat4, unsupported.Capability)
	require.Equal(t, "CLANG", unsupported.Device)
	require.Equal(t, backends.KernelFailed, kernel.State())
	require.Zero(t, compiler.calls.Load(), "the compiler should never be called")

	// The same device compiles (and fails, with the counting compiler) supported programs.
	_, err = backends.GetCompiledKernel(d, "copy4", copyProgram(t, "copy4", 4))
	var compileErr *backends.CompileError
	require.ErrorAs(t, err, &compileErr)
	require.Equal(t, int32(1), compiler.calls.Load())
}

func TestCompileErrorDiagnostic(t *testing.T) {
	requireClang(t)
	_, err := device.Compiler().Compile(backends.SourceProgram{Name: "broken", Source: "void broken( {\n"})
	var compileErr *backends.CompileError
	require.ErrorAs(t, err, &compileErr)
	require.Contains(t, compileErr.Diagnostic, "error:")
	require.Contains(t, compileErr.Diagnostic, "<stdin>")
	require.Contains(t, err.Error(), compileErr.Diagnostic)

	// Warnings are errors.
	_, err = device.Compiler().Compile(backends.SourceProgram{Name: "unused", Source: "void unused(void) { int x = 1; }\n"})
	require.ErrorAs(t, err, &compileErr)
	require.Contains(t, compileErr.Diagnostic, "unused")
}

func TestSymbolNotFound(t *testing.T) {
	requireClang(t)
	source, err := device.Renderer().Render("copy4", copyProgram(t, "copy4", 4))
	require.NoError(t, err)
	artifact, err := device.Compiler().Compile(source)
	require.NoError(t, err)
	_, err = device.Loader().Load("copy5", artifact)
	var notFound *backends.SymbolNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, "copy5", notFound.Symbol)
}

func TestArtifactRoundTrip(t *testing.T) {
	requireClang(t)
	source, err := device.Renderer().Render("copy4", copyProgram(t, "copy4", 4))
	require.NoError(t, err)
	artifact, err := device.Compiler().Compile(source)
	require.NoError(t, err)
	require.NotEmpty(t, artifact)

	var persisted []byte
	dir := t.TempDir()
	err = persistAndOpen(dir, "roundtrip_*.so", artifact, func(path string) error {
		var err error
		persisted, err = os.ReadFile(path)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, []byte(artifact), persisted)

	// Temporary file is gone.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestConcurrentCompiles(t *testing.T) {
	requireClang(t)
	const numKernels = 8
	kernels := make([]*backends.Kernel, numKernels)
	var g errgroup.Group
	for ii := range numKernels {
		g.Go(func() error {
			name := fmt.Sprintf("fill_%d", ii)
			program, err := ir.Build(name, func(b *ir.Builder) {
				out := b.Buffer("out", dtypes.Int32, 1, false)
				b.Store(out, ir.Const(b, int32(0)), ir.Const(b, int32(ii)))
			})
			if err != nil {
				return err
			}
			kernels[ii], err = backends.GetCompiledKernel(device, name, program)
			return err
		})
	}
	require.NoError(t, g.Wait())
	for ii, kernel := range kernels {
		out := newBuffer(t, dtypes.Int32, []int32{-1})
		_, err := kernel.Invoke([]backends.Buffer{out}, nil, false)
		require.NoError(t, err)
		require.Equal(t, []int32{int32(ii)}, readBuffer[int32](t, out))
		require.NoError(t, kernel.Release())
	}
}

func TestKernels(t *testing.T) {
	requireClang(t)

	t.Run("sum with accumulator", func(t *testing.T) {
		program, err := ir.Build("sum", func(b *ir.Builder) {
			out := b.Buffer("out", dtypes.Int64, 1, false)
			x := b.Buffer("x", dtypes.Int64, 0, true)
			n := b.Immediate("n", dtypes.Int64)
			acc := b.Accumulator(ir.Const(b, int64(0)))
			i := b.Range(ir.Const(b, int64(0)), n)
			b.Assign(acc, b.Add(acc, b.Load(x, i)))
			b.EndRange(i)
			b.Store(out, ir.Const(b, int32(0)), acc)
		})
		require.NoError(t, err)
		kernel := must.M1(backends.GetCompiledKernel(device, "sum", program))
		defer func() { _ = kernel.Release() }()
		x := newBuffer(t, dtypes.Int64, []int64{1, -2, 3, 1 << 40})
		out := newBuffer(t, dtypes.Int64, []int64{0})
		_, err = kernel.Invoke([]backends.Buffer{out, x}, []any{4}, false)
		require.NoError(t, err)
		require.Equal(t, []int64{2 + 1<<40}, readBuffer[int64](t, out))
	})

	t.Run("relu with where and if", func(t *testing.T) {
		program, err := ir.Build("relu", func(b *ir.Builder) {
			out := b.Buffer("out", dtypes.Float64, 4, false)
			count := b.Buffer("count", dtypes.Int32, 1, false)
			x := b.Buffer("x", dtypes.Float64, 4, true)
			zero := ir.Const(b, 0.0)
			acc := b.Accumulator(ir.Const(b, int32(0)))
			i := b.Range(ir.Const(b, int32(0)), ir.Const(b, int32(4)))
			v := b.Load(x, i)
			isNegative := b.ALU(ir.ALUCmpLT, v, zero)
			b.Store(out, i, b.ALU(ir.ALUWhere, isNegative, zero, v))
			b.If(isNegative)
			b.Assign(acc, b.Add(acc, ir.Const(b, int32(1))))
			b.EndIf()
			b.EndRange(i)
			b.Store(count, ir.Const(b, int32(0)), acc)
		})
		require.NoError(t, err)
		kernel := must.M1(backends.GetCompiledKernel(device, "relu", program))
		defer func() { _ = kernel.Release() }()
		x := newBuffer(t, dtypes.Float64, []float64{-1, 2, -3, 4})
		out := newBuffer(t, dtypes.Float64, make([]float64, 4))
		count := newBuffer(t, dtypes.Int32, []int32{0})
		_, err = kernel.Invoke([]backends.Buffer{out, count, x}, nil, false)
		require.NoError(t, err)
		require.Equal(t, []float64{0, 2, 0, 4}, readBuffer[float64](t, out))
		require.Equal(t, []int32{2}, readBuffer[int32](t, count))
	})

	t.Run("transcendental and casts", func(t *testing.T) {
		program, err := ir.Build("math", func(b *ir.Builder) {
			out := b.Buffer("out", dtypes.Float32, 3, false)
			ints := b.Buffer("ints", dtypes.Int32, 1, false)
			x := b.Immediate("x", dtypes.Float32)
			b.Store(out, ir.Const(b, int32(0)), b.ALU(ir.ALUSqrt, x))
			b.Store(out, ir.Const(b, int32(1)), b.ALU(ir.ALUExp2, x))
			b.Store(out, ir.Const(b, int32(2)), b.ALU(ir.ALUMax, b.ALU(ir.ALUNeg, x), ir.Const(b, float32(-100))))
			b.Store(ints, ir.Const(b, int32(0)), b.ALU(ir.ALUMod, b.Cast(x, dtypes.Int32), ir.Const(b, int32(3))))
		})
		require.NoError(t, err)
		kernel := must.M1(backends.GetCompiledKernel(device, "math", program))
		defer func() { _ = kernel.Release() }()
		out := newBuffer(t, dtypes.Float32, make([]float32, 3))
		ints := newBuffer(t, dtypes.Int32, []int32{0})
		_, err = kernel.Invoke([]backends.Buffer{out, ints}, []any{float32(4)}, false)
		require.NoError(t, err)
		require.InDeltaSlice(t, []float32{2, 16, -4}, readBuffer[float32](t, out), 1e-5)
		require.Equal(t, []int32{1}, readBuffer[int32](t, ints))
	})

	t.Run("float4 when enabled", func(t *testing.T) {
		options := device.CompilerOptions()
		options.SupportsFloat4 = true
		program, err := ir.Build("double4", func(b *ir.Builder) {
			x := b.Buffer("x", dtypes.Float32, 4, false)
			zero := ir.Const(b, int32(0))
			v := b.LoadVec(x, zero)
			b.StoreVec(x, zero, b.Add(v, v))
		})
		require.NoError(t, err)
		source := must.M1(NewRenderer(options).Render("double4", program))
		artifact := must.M1(device.Compiler().Compile(source))
		loaded := must.M1(device.Loader().Load("double4", artifact))
		defer func() { require.NoError(t, loaded.Finalize()) }()
		x := newBuffer(t, dtypes.Float32, []float32{1, 2, 3, 4})
		_, err = loaded.Call(backends.Arguments{Buffers: []backends.Buffer{x}}, false)
		require.NoError(t, err)
		require.Equal(t, []float32{2, 4, 6, 8}, readBuffer[float32](t, x))
	})
}

func TestDeviceFinalizeUnloads(t *testing.T) {
	requireClang(t)
	d, err := NewDevice(DefaultConfig())
	require.NoError(t, err)
	kernel, err := backends.GetCompiledKernel(d, "copy4", copyProgram(t, "copy4", 4))
	require.NoError(t, err)
	loader := d.Loader().(*Loader)
	require.Equal(t, 1, loader.NumLoaded())
	d.Finalize()
	require.Zero(t, loader.NumLoaded())

	// Kernel.Release after the device unloaded it is harmless.
	require.NoError(t, kernel.Release())

	// No new kernels are loaded after Finalize.
	kernel = backends.NewKernel(d, "copy4", copyProgram(t, "copy4", 4))
	err = kernel.Build()
	var stageErr *backends.StageError
	require.ErrorAs(t, err, &stageErr)
	require.Equal(t, backends.StageLoad, stageErr.Stage)
	require.ErrorContains(t, err, "finalized")
	require.Zero(t, loader.NumLoaded())
	d.Finalize()
}

func TestLoaderFinalized(t *testing.T) {
	loader := NewLoader(t.TempDir())
	loader.Finalize()
	_, err := loader.Load("copy4", backends.CompiledArtifact("not an object"))
	require.ErrorContains(t, err, "already finalized")
}

func TestMathFunctions(t *testing.T) {
	requireClang(t)
	program, err := ir.Build("transcendentals", func(b *ir.Builder) {
		out := b.Buffer("out", dtypes.Float32, 4, false)
		x := b.Buffer("x", dtypes.Float32, 4, true)
		b.Store(out, ir.Const(b, int32(0)), b.ALU(ir.ALUSqrt, b.Load(x, ir.Const(b, int32(0)))))
		b.Store(out, ir.Const(b, int32(1)), b.ALU(ir.ALUExp2, b.Load(x, ir.Const(b, int32(1)))))
		b.Store(out, ir.Const(b, int32(2)), b.ALU(ir.ALULog2, b.Load(x, ir.Const(b, int32(2)))))
		b.Store(out, ir.Const(b, int32(3)), b.ALU(ir.ALUSin, b.Load(x, ir.Const(b, int32(3)))))
	})
	require.NoError(t, err)
	source := must.M1(device.Renderer().Render("transcendentals", program))
	artifact := must.M1(device.Compiler().Compile(source))
	// Loading resolves sqrtf, exp2f, log2f and sinf from the C math library.
	loaded, err := device.Loader().Load("transcendentals", artifact)
	require.NoError(t, err)
	defer func() { require.NoError(t, loaded.Finalize()) }()

	x := newBuffer(t, dtypes.Float32, []float32{9, 3, 32, 0})
	out := newBuffer(t, dtypes.Float32, make([]float32, 4))
	_, err = loaded.Call(backends.Arguments{Buffers: []backends.Buffer{out, x}}, false)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float32{3, 8, 5, 0}, readBuffer[float32](t, out), 1e-5)
}

func TestRegistered(t *testing.T) {
	require.Contains(t, backends.List(), BackendName)
	d, err := backends.NewWithConfig("clang:cc=clang,half=false,parallelism=0")
	require.NoError(t, err)
	defer d.Finalize()
	require.Equal(t, "CLANG", d.Name())
	require.False(t, d.CompilerOptions().SupportsHalf)
	require.Equal(t, 0, d.GraphExecutor().(*GraphExecutor).Parallelism())

	_, err = backends.NewWithConfig("clang:tmpdir=/does/not/exist")
	require.Error(t, err)
}
