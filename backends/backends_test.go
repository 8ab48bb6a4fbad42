// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"os"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/gomlx/nativec/ir"
)

func init() {
	klog.InitFlags(nil)
}

// fakeDevice records calls to its components, and "runs" kernels by recording their arguments.
type fakeDevice struct {
	options                         CompilerOptions
	config                          string
	renders, compiles, loads, calls atomic.Int32
	compileErr, loadErr             error
	lastArgs                        Arguments
	finalized                       bool
}

var _ Device = (*fakeDevice)(nil)

func (d *fakeDevice) Name() string                     { return d.options.Device }
func (d *fakeDevice) Description() string              { return "fake device with config " + d.config }
func (d *fakeDevice) CompilerOptions() CompilerOptions { return d.options }
func (d *fakeDevice) Renderer() Renderer               { return fakeRenderer{d} }
func (d *fakeDevice) Compiler() Compiler               { return fakeCompiler{d} }
func (d *fakeDevice) Loader() Loader                   { return fakeLoader{d} }
func (d *fakeDevice) Allocator() Allocator             { return nil }
func (d *fakeDevice) GraphExecutor() GraphExecutor     { return nil }
func (d *fakeDevice) Finalize()                        { d.finalized = true }

type fakeRenderer struct{ d *fakeDevice }

func (r fakeRenderer) Render(name string, program *ir.Program) (SourceProgram, error) {
	r.d.renders.Add(1)
	if err := r.d.options.Check(name, program); err != nil {
		return SourceProgram{}, err
	}
	return SourceProgram{Name: name, Source: program.String(), Signature: program.Signature()}, nil
}

type fakeCompiler struct{ d *fakeDevice }

func (c fakeCompiler) Compile(source SourceProgram) (CompiledArtifact, error) {
	c.d.compiles.Add(1)
	if c.d.compileErr != nil {
		return nil, c.d.compileErr
	}
	return CompiledArtifact(source.Source), nil
}

type fakeLoader struct{ d *fakeDevice }

func (l fakeLoader) Load(name string, artifact CompiledArtifact) (Program, error) {
	l.d.loads.Add(1)
	if l.d.loadErr != nil {
		return nil, l.d.loadErr
	}
	return &fakeProgram{d: l.d, name: name}, nil
}

type fakeProgram struct {
	d         *fakeDevice
	name      string
	finalized bool
}

func (p *fakeProgram) Name() string { return p.name }

func (p *fakeProgram) Call(args Arguments, timed bool) (time.Duration, error) {
	p.d.calls.Add(1)
	p.d.lastArgs = args
	if timed {
		return time.Microsecond, nil
	}
	return 0, nil
}

func (p *fakeProgram) Finalize() error {
	p.finalized = true
	return nil
}

// fakeBuffer is a Go-heap backed Buffer, enough for argument checking.
type fakeBuffer struct {
	dtype dtypes.DType
	data  []byte
}

func newFakeBuffer(dtype dtypes.DType, length int) *fakeBuffer {
	return &fakeBuffer{dtype: dtype, data: make([]byte, length*int(dtype.Size()))}
}

func (b *fakeBuffer) DType() dtypes.DType { return b.dtype }
func (b *fakeBuffer) Len() int            { return len(b.data) / int(b.dtype.Size()) }
func (b *fakeBuffer) Pointer() unsafe.Pointer {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Pointer(&b.data[0])
}

func TestRegistry(t *testing.T) {
	Register("fake", func(config string) (Device, error) {
		if config == "fail" {
			return nil, errors.New("bad config")
		}
		return &fakeDevice{options: CompilerOptions{Device: "FAKE"}, config: config}, nil
	})
	require.Contains(t, List(), "fake")

	device, err := NewWithConfig("fake:x=1")
	require.NoError(t, err)
	require.Equal(t, "FAKE", device.Name())
	require.Equal(t, "x=1", device.(*fakeDevice).config)

	device, err = NewWithConfig("fake")
	require.NoError(t, err)
	require.Equal(t, "", device.(*fakeDevice).config)

	_, err = NewWithConfig("fake:fail")
	require.ErrorContains(t, err, "bad config")

	_, err = NewWithConfig("unknown:")
	require.ErrorContains(t, err, "can't find device")

	// Environment variable takes precedence over DefaultConfig.
	DefaultConfig = "fake:from_default"
	defer func() { DefaultConfig = "" }()
	original, hadOriginal := os.LookupEnv(ConfigEnvVar)
	require.NoError(t, os.Setenv(ConfigEnvVar, "fake:from_env"))
	defer func() {
		if hadOriginal {
			_ = os.Setenv(ConfigEnvVar, original)
		} else {
			_ = os.Unsetenv(ConfigEnvVar)
		}
	}()
	device = MustNew()
	require.Equal(t, "from_env", device.(*fakeDevice).config)
	require.NoError(t, os.Unsetenv(ConfigEnvVar))
	device = MustNew()
	require.Equal(t, "from_default", device.(*fakeDevice).config)
}

func TestCompilerOptions(t *testing.T) {
	options := CompilerOptions{Device: "CLANG", SupportsHalf: true}
	require.False(t, options.Supports(ir.CapabilityFloat4))
	require.False(t, options.Supports(ir.CapabilityLocal))
	require.True(t, options.Supports(ir.CapabilityHalf))
	require.Equal(t, "CLANG{float4=false, local=false, half=true}", options.String())

	program, err := ir.Build("vec", func(b *ir.Builder) {
		x := b.Buffer("x", dtypes.Float32, 4, false)
		zero := ir.Const(b, int32(0))
		b.StoreVec(x, zero, b.LoadVec(x, zero))
	})
	require.NoError(t, err)
	err = options.Check("vec", program)
	var unsupported *UnsupportedOperationError
	require.ErrorAs(t, err, &unsupported)
	require.Equal(t, ir.CapabilityFloat4, unsupported.Capability)
	require.Equal(t, ir.OpTypeLoadVec, unsupported.Op)
	require.Equal(t, 2, unsupported.OpIndex)
	require.Contains(t, err.Error(), `capability "float4"`)

	options.SupportsFloat4 = true
	require.NoError(t, options.Check("vec", program))
}
