// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clang

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/nativec/pkg/support/fsutil"
)

// Config of a clang Device, parsed from the configuration string given to New.
type Config struct {
	// Compiler is the name or path of the clang binary. Default is "clang".
	Compiler string

	// TempDir is where transient source and artifact files are created. Default is os.TempDir().
	TempDir string

	// SupportsHalf enables Float16 (_Float16) kernels. It defaults to true on amd64 and arm64.
	SupportsHalf bool

	// Parallelism is the maximum number of graph items run concurrently. 0 runs everything
	// sequentially, -1 means unlimited. Default is runtime.NumCPU().
	Parallelism int
}

// DefaultConfig returns the configuration used for an empty configuration string.
func DefaultConfig() Config {
	return Config{
		Compiler:     "clang",
		TempDir:      os.TempDir(),
		SupportsHalf: runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64",
		Parallelism:  runtime.NumCPU(),
	}
}

// ParseConfig parses a comma-separated list of "key=value" options, starting from DefaultConfig.
//
// Keys:
//
//   - "cc": compiler binary, e.g. "cc=clang-18".
//   - "tmpdir": directory for transient files, a leading "~" is expanded to the home directory.
//   - "half": "true" or "false", whether Float16 kernels are supported.
//   - "parallelism": maximum number of graph items run concurrently.
func ParseConfig(config string) (Config, error) {
	cfg := DefaultConfig()
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return cfg, errors.Errorf("invalid %q configuration option %q: it must be formatted as key=value", BackendName, part)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "cc":
			if value == "" {
				return cfg, errors.Errorf("empty compiler in %q configuration", BackendName)
			}
			cfg.Compiler = value
		case "tmpdir":
			dir, err := fsutil.ReplaceTildeInDir(value)
			if err != nil {
				return cfg, err
			}
			cfg.TempDir = dir
		case "half":
			supports, err := strconv.ParseBool(value)
			if err != nil {
				return cfg, errors.Wrapf(err, "invalid value for %q configuration option \"half\"", BackendName)
			}
			cfg.SupportsHalf = supports
		case "parallelism":
			parallelism, err := strconv.Atoi(value)
			if err != nil || parallelism < -1 {
				return cfg, errors.Errorf("invalid value %q for %q configuration option \"parallelism\": "+
					"it must be an integer >= -1", value, BackendName)
			}
			cfg.Parallelism = parallelism
		default:
			return cfg, errors.Errorf("unknown configuration option %q for %q device", key, BackendName)
		}
	}
	return cfg, nil
}
