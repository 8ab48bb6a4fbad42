// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package clang

import (
	"fmt"
	"os"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nativec/backends"
	"github.com/gomlx/nativec/pkg/support/fsutil"
	"github.com/gomlx/nativec/pkg/support/xsync"
)

// MaxArguments is the maximum number of arguments (buffers plus immediates) a kernel can take.
// It's a limit of the foreign function interface.
const MaxArguments = 15

// Loader loads shared objects with dlopen and resolves kernel entry points with dlsym.
//
// It implements backends.Loader, and keeps a table of the programs it loaded, so they can be
// released with the Device.
type Loader struct {
	tmpDir, tmpPattern string
	programs           xsync.SyncMap[uuid.UUID, *Program]

	// mu guards finalized, and the insertion of new programs.
	mu        sync.Mutex
	finalized bool
}

var _ backends.Loader = (*Loader)(nil)

// NewLoader returns a Loader that writes the artifacts to temporary files in tmpDir
// (os.TempDir() if empty) before loading them.
func NewLoader(tmpDir string) *Loader {
	return &Loader{tmpDir: tmpDir, tmpPattern: "nativec_*.so"}
}

// mathLibraries are tried in order by loadMathLibrary.
var mathLibraries = []string{"libm.so.6", "libm.so"}

// loadMathLibrary makes the C math functions (sqrtf, exp2f, ...) available to the kernels.
//
// Kernels are not linked against libm, and on Linux a Go process doesn't have it loaded, so it is
// loaded once with RTLD_GLOBAL. On Darwin it is part of libSystem.
var loadMathLibrary = sync.OnceValue(func() error {
	if runtime.GOOS != "linux" {
		return nil
	}
	var errs []string
	for _, lib := range mathLibraries {
		if _, err := purego.Dlopen(lib, purego.RTLD_NOW|purego.RTLD_GLOBAL); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		klog.V(2).Infof("loaded math library %q", lib)
		return nil
	}
	return errors.Errorf("failed to load the C math library: %s", strings.Join(errs, "; "))
})

// persistAndOpen writes artifact to a new temporary file and calls open with its path.
// The file is removed when open returns.
func persistAndOpen(dir, pattern string, artifact backends.CompiledArtifact, open func(path string) error) error {
	return fsutil.WithTempFile(dir, pattern, func(path string) error {
		if err := os.WriteFile(path, artifact, 0o600); err != nil {
			return errors.Wrapf(err, "failed to write compiled kernel to %q", path)
		}
		return open(path)
	})
}

// Load implements backends.Loader.
//
// The artifact is loaded with RTLD_LOCAL, so its symbols don't collide with other loaded kernels.
// It returns a *backends.SymbolNotFoundError if the artifact doesn't export name.
func (l *Loader) Load(name string, artifact backends.CompiledArtifact) (backends.Program, error) {
	if l.isFinalized() {
		return nil, errors.Errorf("failed to load kernel %q: loader already finalized", name)
	}
	if err := loadMathLibrary(); err != nil {
		return nil, err
	}
	var handle uintptr
	err := persistAndOpen(l.tmpDir, l.tmpPattern, artifact, func(path string) error {
		var err error
		handle, err = purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
		if err != nil {
			return errors.Wrapf(err, "failed to load kernel %q", name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	entry, err := purego.Dlsym(handle, name)
	if err != nil {
		if closeErr := purego.Dlclose(handle); closeErr != nil {
			klog.Warningf("failed to unload kernel %q: %+v", name, closeErr)
		}
		return nil, &backends.SymbolNotFoundError{Symbol: name, Diagnostic: err.Error()}
	}
	p := &Program{
		name:      name,
		id:        uuid.New(),
		handle:    handle,
		entry:     entry,
		loader:    l,
		functions: make(map[string]reflect.Value),
	}
	l.mu.Lock()
	if l.finalized {
		l.mu.Unlock()
		if closeErr := purego.Dlclose(handle); closeErr != nil {
			klog.Warningf("failed to unload kernel %q: %+v", name, closeErr)
		}
		return nil, errors.Errorf("failed to load kernel %q: loader finalized while loading", name)
	}
	l.programs.Store(p.id, p)
	l.mu.Unlock()
	klog.V(2).Infof("loaded kernel %q (%d bytes) as program %s", name, len(artifact), p.id)
	return p, nil
}

// NumLoaded returns the number of programs loaded and not yet finalized.
func (l *Loader) NumLoaded() int {
	return l.programs.Len()
}

func (l *Loader) isFinalized() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.finalized
}

// Finalize releases all programs still loaded. Load fails afterwards.
func (l *Loader) Finalize() {
	l.mu.Lock()
	l.finalized = true
	l.mu.Unlock()
	l.programs.Range(func(_ uuid.UUID, p *Program) bool {
		if err := p.Finalize(); err != nil {
			klog.Warningf("failed to finalize kernel %q: %+v", p.name, err)
		}
		return true
	})
}

// Program is a kernel loaded in the process. It implements backends.Program.
type Program struct {
	name   string
	id     uuid.UUID
	handle uintptr
	entry  uintptr
	loader *Loader

	mu        sync.Mutex
	finalized bool

	// functions are the Go functions bound to the entry point, per argument types.
	functions map[string]reflect.Value
}

var _ backends.Program = (*Program)(nil)

// Name implements backends.Program.
func (p *Program) Name() string { return p.name }

var unsafePointerType = reflect.TypeOf(unsafe.Pointer(nil))

// function returns the Go function bound to the entry point for the types of the immediates.
func (p *Program) function(args backends.Arguments) (reflect.Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return reflect.Value{}, errors.Errorf("kernel %q called after it was finalized", p.name)
	}
	if args.NumArgs() > MaxArguments {
		return reflect.Value{}, errors.Errorf("kernel %q called with %d arguments, at most %d are supported",
			p.name, args.NumArgs(), MaxArguments)
	}
	in := make([]reflect.Type, 0, args.NumArgs())
	var key strings.Builder
	for range args.Buffers {
		in = append(in, unsafePointerType)
	}
	fmt.Fprintf(&key, "%d", len(args.Buffers))
	for ii, imm := range args.Immediates {
		if imm == nil {
			return reflect.Value{}, errors.Errorf("kernel %q: immediate #%d is nil", p.name, ii)
		}
		t := reflect.TypeOf(imm)
		switch t.Kind() {
		case reflect.Bool, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Float32, reflect.Float64:
		default:
			return reflect.Value{}, errors.Errorf("kernel %q: immediate #%d of type %T not supported", p.name, ii, imm)
		}
		in = append(in, t)
		key.WriteString("," + t.String())
	}
	if fn, found := p.functions[key.String()]; found {
		return fn, nil
	}
	fnPtr := reflect.New(reflect.FuncOf(in, nil, false))
	if exception := exceptions.Try(func() { purego.RegisterFunc(fnPtr.Interface(), p.entry) }); exception != nil {
		return reflect.Value{}, errors.Errorf("kernel %q: failed to bind entry point with arguments (%s): %v",
			p.name, key.String(), exception)
	}
	fn := fnPtr.Elem()
	p.functions[key.String()] = fn
	return fn, nil
}

// Call implements backends.Program.
func (p *Program) Call(args backends.Arguments, timed bool) (time.Duration, error) {
	fn, err := p.function(args)
	if err != nil {
		return 0, err
	}
	in := make([]reflect.Value, 0, args.NumArgs())
	for _, buf := range args.Buffers {
		in = append(in, reflect.ValueOf(buf.Pointer()))
	}
	for _, imm := range args.Immediates {
		in = append(in, reflect.ValueOf(imm))
	}
	if !timed {
		fn.Call(in)
		return 0, nil
	}
	start := time.Now()
	fn.Call(in)
	return time.Since(start), nil
}

// Finalize implements backends.Program. It unloads the shared object.
func (p *Program) Finalize() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finalized {
		return nil
	}
	p.finalized = true
	p.functions = nil
	p.loader.programs.LoadAndDelete(p.id)
	if err := purego.Dlclose(p.handle); err != nil {
		return errors.Wrapf(err, "failed to unload kernel %q", p.name)
	}
	return nil
}
