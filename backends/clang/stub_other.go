// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !(darwin || linux)

// Package clang provides a native Device for Linux and macOS.
// This file is a stub for other platforms.
package clang

import (
	"github.com/pkg/errors"

	"github.com/gomlx/nativec/backends"
)

// BackendName to be used in NATIVEC_DEVICE to specify this device.
const BackendName = "clang"

// New returns an error on platforms without dlopen support.
func New(config string) (backends.Device, error) {
	return nil, errors.Errorf("%q device is only available on Linux and macOS", BackendName)
}
