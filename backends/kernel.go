// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nativec/ir"
)

// KernelState is the lifecycle state of a Kernel. Transitions are one-way:
//
//	Requested -> Rendered -> Compiled -> Loaded -> Invocable -> Released
//
// A failure while rendering, compiling or loading moves the kernel to the terminal state Failed.
type KernelState int

const (
	KernelRequested KernelState = iota
	KernelRendered
	KernelCompiled
	KernelLoaded
	KernelInvocable
	KernelReleased
	KernelFailed
)

var kernelStateNames = [...]string{"Requested", "Rendered", "Compiled", "Loaded", "Invocable", "Released", "Failed"}

// String implements fmt.Stringer.
func (s KernelState) String() string {
	if s < 0 || int(s) >= len(kernelStateNames) {
		return fmt.Sprintf("KernelState(%d)", int(s))
	}
	return kernelStateNames[s]
}

// KernelTimings holds the time spent in each stage of building a kernel.
type KernelTimings struct {
	Render, Compile, Load time.Duration

	// ArtifactSize is the size in bytes of the compiled artifact.
	ArtifactSize int
}

// Kernel is an invocable handle to a kernel compiled and loaded by a Device.
//
// It is safe for concurrent use: concurrent invocations are allowed, and Release waits for
// in-flight invocations to finish.
type Kernel struct {
	name      string
	device    Device
	program   *ir.Program
	signature ir.Signature

	mu      sync.RWMutex
	state   KernelState
	err     error
	loaded  Program
	timings KernelTimings
}

// NewKernel creates a kernel in the Requested state. Use Kernel.Build to render, compile and load it.
//
// Most users will want to use GetCompiledKernel instead.
func NewKernel(device Device, name string, program *ir.Program) *Kernel {
	return &Kernel{
		name:      name,
		device:    device,
		program:   program,
		signature: program.Signature(),
		state:     KernelRequested,
	}
}

// GetCompiledKernel renders, compiles and loads the program on the device, with the given entry point name.
//
// Errors are returned as *StageError, wrapping the stage specific error. Nothing is retried.
func GetCompiledKernel(device Device, name string, program *ir.Program) (*Kernel, error) {
	k := NewKernel(device, name, program)
	if err := k.Build(); err != nil {
		return nil, err
	}
	return k, nil
}

// Name of the kernel entry point.
func (k *Kernel) Name() string { return k.name }

// Signature of the kernel: the buffers and immediates it must be invoked with.
func (k *Kernel) Signature() ir.Signature { return k.signature }

// State returns the current lifecycle state.
func (k *Kernel) State() KernelState {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

// Err returns the error that moved the kernel to the Failed state, or nil.
func (k *Kernel) Err() error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.err
}

// Timings returns the time spent in each stage of Build.
func (k *Kernel) Timings() KernelTimings {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.timings
}

// lockedFail moves the kernel to the Failed state. It must be called with k.mu locked.
func (k *Kernel) lockedFail(stage Stage, err error) error {
	k.state = KernelFailed
	k.err = &StageError{Stage: stage, Kernel: k.name, Err: err}
	k.program = nil
	return k.err
}

// Build takes the kernel from Requested to Invocable: it renders the program, compiles the source and
// loads the artifact, strictly in that order, using the device components.
//
// On failure the kernel moves to Failed, and the returned error is a *StageError. It can be called
// only once.
func (k *Kernel) Build() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != KernelRequested {
		return errors.Errorf("kernel %q: Build() called in state %s, it can only be built once", k.name, k.state)
	}

	start := time.Now()
	source, err := k.device.Renderer().Render(k.name, k.program)
	if err != nil {
		return k.lockedFail(StageRender, err)
	}
	k.state = KernelRendered
	k.program = nil
	k.timings.Render = time.Since(start)

	start = time.Now()
	artifact, err := k.device.Compiler().Compile(source)
	if err != nil {
		return k.lockedFail(StageCompile, err)
	}
	k.state = KernelCompiled
	k.timings.Compile = time.Since(start)
	k.timings.ArtifactSize = len(artifact)

	start = time.Now()
	loaded, err := k.device.Loader().Load(k.name, artifact)
	if err != nil {
		return k.lockedFail(StageLoad, err)
	}
	k.loaded = loaded
	k.state = KernelLoaded
	k.timings.Load = time.Since(start)

	k.state = KernelInvocable
	klog.V(1).Infof("kernel %q%s on %s: rendered in %s, compiled in %s (%d bytes), loaded in %s",
		k.name, k.signature, k.device.Name(), k.timings.Render, k.timings.Compile, k.timings.ArtifactSize, k.timings.Load)
	return nil
}

// PrepareArguments checks the buffers and immediates against the kernel signature, and returns them as
// Arguments. Immediates are converted to the exact Go type of their dtype (e.g. an int literal for an
// Int32 immediate becomes an int32).
func (k *Kernel) PrepareArguments(buffers []Buffer, immediates []any) (Arguments, error) {
	sig := k.signature
	if len(buffers) != len(sig.Buffers) {
		return Arguments{}, errors.Errorf("kernel %q takes %d buffers, %d given", k.name, len(sig.Buffers), len(buffers))
	}
	if len(immediates) != len(sig.Immediates) {
		return Arguments{}, errors.Errorf("kernel %q takes %d immediates, %d given", k.name, len(sig.Immediates), len(immediates))
	}
	for ii, buf := range buffers {
		spec := sig.Buffers[ii]
		if buf == nil {
			return Arguments{}, errors.Errorf("kernel %q: buffer #%d (%q) is nil", k.name, ii, spec.Name)
		}
		if buf.DType() != spec.DType {
			return Arguments{}, errors.Errorf("kernel %q: buffer #%d (%q) must be %s, got %s",
				k.name, ii, spec.Name, spec.DType, buf.DType())
		}
		if buf.Len() > 0 && buf.Pointer() == nil {
			return Arguments{}, errors.Errorf("kernel %q: buffer #%d (%q) has no memory, was it freed?", k.name, ii, spec.Name)
		}
		if spec.Length > 0 && buf.Len() < spec.Length {
			return Arguments{}, errors.Errorf("kernel %q: buffer #%d (%q) must have at least %d elements, got %d",
				k.name, ii, spec.Name, spec.Length, buf.Len())
		}
	}
	args := Arguments{Buffers: buffers, Immediates: make([]any, len(immediates))}
	for ii, value := range immediates {
		spec := sig.Immediates[ii]
		converted, err := convertImmediate(value, spec.DType)
		if err != nil {
			return Arguments{}, errors.WithMessagef(err, "kernel %q: immediate #%d (%q)", k.name, ii, spec.Name)
		}
		args.Immediates[ii] = converted
	}
	return args, nil
}

// convertImmediate converts value to the Go type of dtype. Integers are only accepted for integer or
// float dtypes, and must be in the range of dtype. Floats are only accepted for float dtypes, and
// are rounded to its precision.
func convertImmediate(value any, dtype dtypes.DType) (any, error) {
	if value == nil {
		return nil, errors.Errorf("nil value for %s", dtype)
	}
	goType := dtype.GoType()
	v := reflect.ValueOf(value)
	if v.Type() == goType {
		return value, nil
	}
	isFloatKind := v.CanFloat()
	isIntKind := v.CanInt() || v.CanUint()
	switch {
	case dtype == dtypes.Bool:
		if v.Kind() == reflect.Bool {
			return v.Bool(), nil
		}
	case dtype.IsFloat() && (isFloatKind || isIntKind) && v.CanConvert(goType):
		if target := reflect.Zero(goType); isFloatKind && target.CanFloat() && target.OverflowFloat(v.Float()) {
			return nil, errors.Errorf("value %v out of range for %s", value, dtype)
		}
		return v.Convert(goType).Interface(), nil
	case (dtype.IsInt() || dtype.IsUnsigned()) && isIntKind && v.CanConvert(goType):
		if !intFits(v, goType) {
			return nil, errors.Errorf("value %v out of range for %s", value, dtype)
		}
		return v.Convert(goType).Interface(), nil
	}
	return nil, errors.Errorf("value %v of type %T can't be used as %s", value, value, dtype)
}

// intFits returns whether the integer v can be represented by the integer type goType.
func intFits(v reflect.Value, goType reflect.Type) bool {
	target := reflect.Zero(goType)
	switch {
	case v.CanInt() && target.CanInt():
		return !target.OverflowInt(v.Int())
	case v.CanInt():
		return v.Int() >= 0 && !target.OverflowUint(uint64(v.Int()))
	case target.CanUint():
		return !target.OverflowUint(v.Uint())
	default:
		return v.Uint() <= math.MaxInt64 && !target.OverflowInt(int64(v.Uint()))
	}
}

// Invoke calls the kernel with the given buffers and immediates, after checking them against the kernel signature.
// It blocks until the kernel returns.
//
// If timed is true, it returns the elapsed time of the native call. Otherwise, it returns 0.
func (k *Kernel) Invoke(buffers []Buffer, immediates []any, timed bool) (time.Duration, error) {
	args, err := k.PrepareArguments(buffers, immediates)
	if err != nil {
		return 0, err
	}
	return k.InvokePrepared(args, timed)
}

// InvokePrepared calls the kernel with arguments returned by PrepareArguments.
func (k *Kernel) InvokePrepared(args Arguments, timed bool) (time.Duration, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.state != KernelInvocable {
		return 0, errors.Errorf("kernel %q can't be invoked in state %s", k.name, k.state)
	}
	elapsed, err := k.loaded.Call(args, timed)
	if err != nil {
		return 0, &StageError{Stage: StageInvoke, Kernel: k.name, Err: err}
	}
	return elapsed, nil
}

// Release the loaded program. It waits for in-flight invocations to finish. Releasing a kernel
// that is not Invocable is a no-op.
func (k *Kernel) Release() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.state != KernelInvocable {
		return nil
	}
	k.state = KernelReleased
	loaded := k.loaded
	k.loaded = nil
	if err := loaded.Finalize(); err != nil {
		return errors.WithMessagef(err, "kernel %q: failed to release loaded program", k.name)
	}
	return nil
}
