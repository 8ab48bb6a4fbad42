// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a native execution device needs to implement: a Renderer that
// turns an ir.Program into source code, a Compiler that turns source code into a binary artifact, a Loader
// that loads the artifact into the process and an Allocator for the buffers the kernels operate on.
//
// Collaborators should only depend on GetCompiledKernel and Kernel.Invoke: the rest of the API is for
// device implementations.
//
// A device registers itself (see Register) during initialization, and can be created by name with
// NewWithConfig, or using the $NATIVEC_DEVICE environment variable with New.
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device composes a renderer, a compiler, a loader, an allocator and optionally a graph executor
// under one identity.
//
// The CompilerOptions are fixed at construction, and all kernels rendered for the device use them.
type Device interface {
	// Name returns the short name of the device. E.g.: "CLANG".
	Name() string

	// Description is a longer description of the Device that can be used to pretty-print.
	Description() string

	// CompilerOptions returns the capabilities advertised to the Renderer.
	CompilerOptions() CompilerOptions

	// Renderer converts ir.Program to source code.
	Renderer() Renderer

	// Compiler converts source code to a binary artifact.
	Compiler() Compiler

	// Loader loads binary artifacts into the current process.
	Loader() Loader

	// Allocator manages the buffers kernels operate on.
	Allocator() Allocator

	// GraphExecutor returns the executor of batches of kernel invocations, or nil if the
	// device doesn't support it.
	GraphExecutor() GraphExecutor

	// Finalize releases all the associated resources immediately (including loaded programs), and makes the
	// device invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Device.
type Constructor func(config string) (Device, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register device with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the device constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered devices, sorted.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default device configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default device configuration to use.
//
// The format of config is "<device_name>:<device_configuration>".
// The "<device_name>" is the name of a registered device (e.g.: "clang") and
// "<device_configuration>" is device specific (e.g.: for clang, "cc=clang-18,tmpdir=/var/tmp").
const ConfigEnvVar = "NATIVEC_DEVICE"

// New returns a new default Device.
//
// The default is:
//
// 1. The environment $NATIVEC_DEVICE is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered device is used with an empty configuration.
func New() (Device, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew returns a new default Device or panics if it fails.
//
// See New for details.
func MustNew() Device {
	device, err := New()
	if err != nil {
		panic(err)
	}
	return device
}

// NewWithConfig takes a configuration string formatted as
//
// The format of config is "<device_name>:<device_configuration>".
// The "<device_name>" is the name of a registered device (e.g.: "clang") and
// "<device_configuration>" is device specific.
func NewWithConfig(config string) (Device, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Errorf(`no registered devices -- maybe import the clang one with import _ "github.com/gomlx/nativec/backends/clang"?`)
	}
	deviceName := config
	var deviceConfig string
	if idx := strings.Index(config, ":"); idx != -1 {
		deviceName = config[:idx]
		deviceConfig = config[idx+1:]
	}
	if deviceName == "" {
		deviceName = firstRegistered
	}
	constructor, found := registeredConstructors[deviceName]
	if !found {
		return nil, errors.Errorf("can't find device %q for configuration %q given, registered devices: %q",
			deviceName, config, List())
	}
	device, err := constructor(deviceConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "device %q with configuration %q", deviceName, deviceConfig)
	}
	klog.V(1).Infof("created device %s (%s)", device.Name(), device.Description())
	return device, nil
}
