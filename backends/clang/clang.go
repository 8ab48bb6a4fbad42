// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

// Package clang implements a native Device that renders kernels to C, compiles them with clang
// into shared objects and loads them into the process with dlopen.
//
// It registers itself as "clang" in the backends registry, so it can be selected with
// NATIVEC_DEVICE="clang:<config>". See ParseConfig for the configuration options.
//
// The clang binary must be installed (see Config.Compiler). No cgo is required.
package clang

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nativec/backends"
)

// BackendName to be used in NATIVEC_DEVICE to specify this device.
const BackendName = "clang"

// DeviceName is the identifier advertised in the CompilerOptions.
const DeviceName = "CLANG"

func init() {
	backends.Register(BackendName, New)
}

// New constructs a new clang Device from a configuration string. See ParseConfig for the format.
func New(config string) (backends.Device, error) {
	cfg, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewDevice(cfg)
}

// Option modifies a Device during construction.
type Option func(d *Device)

// WithCompiler replaces the clang Compiler of the Device.
func WithCompiler(compiler backends.Compiler) Option {
	return func(d *Device) { d.compiler = compiler }
}

// WithLoader replaces the dlopen Loader of the Device.
func WithLoader(loader backends.Loader) Option {
	return func(d *Device) { d.loader = loader }
}

// Device implements backends.Device.
type Device struct {
	id      uuid.UUID
	config  Config
	options backends.CompilerOptions

	renderer  *Renderer
	compiler  backends.Compiler
	loader    backends.Loader
	allocator *Allocator
	graphs    *GraphExecutor

	mu        sync.Mutex
	finalized bool
}

// Compile-time check that clang.Device implements backends.Device.
var _ backends.Device = (*Device)(nil)

// NewDevice creates a Device with the given configuration.
func NewDevice(cfg Config, opts ...Option) (*Device, error) {
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	info, err := os.Stat(cfg.TempDir)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid temporary directory for %q device", BackendName)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("temporary directory %q for %q device is not a directory", cfg.TempDir, BackendName)
	}
	d := &Device{
		id:     uuid.New(),
		config: cfg,
		options: backends.CompilerOptions{
			Device:         DeviceName,
			SupportsFloat4: false,
			HasLocal:       false,
			SupportsHalf:   cfg.SupportsHalf,
		},
		allocator: NewAllocator(),
		graphs:    NewGraphExecutor(cfg.Parallelism),
	}
	d.renderer = NewRenderer(d.options)
	// Temporary files carry the device id, so concurrent devices never share them.
	pattern := fmt.Sprintf("nativec_%s_*.so", d.id)
	compiler := NewCompiler(cfg.Compiler, cfg.TempDir)
	compiler.tmpPattern = pattern
	d.compiler = compiler
	loader := NewLoader(cfg.TempDir)
	loader.tmpPattern = pattern
	d.loader = loader
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Name implements backends.Device.
func (d *Device) Name() string { return DeviceName }

// Description implements backends.Device.
func (d *Device) Description() string {
	return fmt.Sprintf("%s: C kernels compiled with %q, options %s, temporary files in %q",
		BackendName, d.config.Compiler, d.options, d.config.TempDir)
}

// Config returns the configuration the device was created with.
func (d *Device) Config() Config { return d.config }

// CompilerOptions implements backends.Device.
func (d *Device) CompilerOptions() backends.CompilerOptions { return d.options }

// Renderer implements backends.Device.
func (d *Device) Renderer() backends.Renderer { return d.renderer }

// Compiler implements backends.Device.
func (d *Device) Compiler() backends.Compiler { return d.compiler }

// Loader implements backends.Device.
func (d *Device) Loader() backends.Loader { return d.loader }

// Allocator implements backends.Device.
func (d *Device) Allocator() backends.Allocator { return d.allocator }

// GraphExecutor implements backends.Device.
func (d *Device) GraphExecutor() backends.GraphExecutor { return d.graphs }

// Finalize implements backends.Device. It unloads all the programs loaded by the device, and
// kernels can't be loaded afterwards. Buffers are not freed.
func (d *Device) Finalize() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return
	}
	d.finalized = true
	if loader, ok := d.loader.(*Loader); ok {
		if n := loader.NumLoaded(); n > 0 {
			klog.V(1).Infof("%s device finalized with %d kernels still loaded", BackendName, n)
		}
		loader.Finalize()
	}
}
