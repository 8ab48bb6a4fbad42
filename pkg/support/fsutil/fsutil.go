// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"os"
	"os/user"
	"path"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 || dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	return path.Join(usr.HomeDir, dir[1+len(userName):]), nil
}

// WithTempFile creates a new, empty and uniquely named file in dir (os.TempDir() if dir is empty),
// whose name is built from pattern as in os.CreateTemp, and calls fn with its path.
//
// The file is removed when fn returns, whatever the outcome, including panics. The path is never
// reused, and concurrent calls are safe.
func WithTempFile(dir, pattern string, fn func(path string) error) error {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary file %q in %q", pattern, dir)
	}
	tmpPath := f.Name()
	defer func() {
		if newErr := os.Remove(tmpPath); newErr != nil && !errors.Is(newErr, os.ErrNotExist) {
			klog.Warningf("Failed to remove temporary file %q: %+v", tmpPath, newErr)
		}
	}()
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close temporary file %q", tmpPath)
	}
	klog.V(2).Infof("using temporary file %q", tmpPath)
	return fn(tmpPath)
}
