// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

package main

import (
	"os/exec"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/gomlx/nativec/backends"
	"github.com/gomlx/nativec/backends/clang"
)

func init() {
	klog.InitFlags(nil)
}

func TestLoadKernelFiles(t *testing.T) {
	kernels, err := LoadKernelFiles("testdata/kernels.yaml")
	require.NoError(t, err)
	require.Len(t, kernels, 2)
	require.Equal(t, "scale", kernels[0].Name)
	require.Equal(t, 4, kernels[0].Buffers[0].BufferLength())
	require.Equal(t, 4, kernels[0].Buffers[1].BufferLength())
	require.Equal(t, 0.5, kernels[0].Immediates[0].Value)

	renderer := clang.NewRenderer(backends.CompilerOptions{Device: clang.DeviceName})
	scale := must.M1(kernels[0].Build())
	require.Equal(t, "(out:Float32[4]rw, in:Float32[4]ro, factor:Float32, n:Int32)", scale.Signature().String())
	source := must.M1(renderer.Render("scale", scale))
	require.Contains(t, source.Source, "void scale(float* restrict out, const float* restrict in, const float factor, const int n)")

	sum := must.M1(kernels[1].Build())
	source = must.M1(renderer.Render("sum_positive", sum))
	require.Contains(t, source.Source, "if (")
	require.Contains(t, source.Source, "long long acc")

	_, err = LoadKernelFiles("testdata/does_not_exist.yaml")
	require.Error(t, err)
}

func TestParseKernelFiles(t *testing.T) {
	_, err := ParseKernelFiles(strings.NewReader(""))
	require.ErrorContains(t, err, "no kernels")
	_, err = ParseKernelFiles(strings.NewReader("buffers: []\n"))
	require.ErrorContains(t, err, "no name")
	_, err = ParseKernelFiles(strings.NewReader("name: k\nunknown_field: 1\n"))
	require.Error(t, err)
}

func TestKernelFileBuildErrors(t *testing.T) {
	testCases := []struct {
		name, ops, want string
	}{
		{"unknown op", "- x = frobnicate 1:i32", "unknown op"},
		{"undefined name", "- store out 0:i32 y", `undefined name "y"`},
		{"bad literal", "- x = const abc:f32", "invalid literal"},
		{"bad dtype", "- x = const 1:f128", "unknown dtype"},
		{"unnamed result", "- load out 0:i32", "must be named"},
		{"named side effect", "- x = store out 0:i32 1:f32", "no result"},
		{"arity", "- x = load out", "takes 2 operands"},
		{"redefinition", "- out = const 1:f32", "defined more than once"},
		{"builder error", "- x = add 1:f32 1:i32", "same dtype"},
		{"unclosed loop", "- i = range 0:i32 4:i32", "never closed"},
		{"literal out of range", "- x = const 300:i8", "out of range for Int8"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			kernels, err := ParseKernelFiles(strings.NewReader(
				"name: k\nbuffers:\n  - {name: out, dtype: f32, length: 1}\nops:\n  " + tc.ops + "\n"))
			require.NoError(t, err)
			program, err := kernels[0].Build()
			require.Nil(t, program)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestValues(t *testing.T) {
	flat, err := flatValues(dtypes.Int32, []float64{1, -2}, 3)
	require.NoError(t, err)
	require.Equal(t, []int32{1, -2, 0}, flat)
	flat, err = flatValues(dtypes.Float16, []float64{0.5}, 1)
	require.NoError(t, err)
	require.Equal(t, []float16.Float16{float16.Fromfloat32(0.5)}, flat)
	_, err = flatValues(dtypes.Int8, []float64{1.5}, 1)
	require.ErrorContains(t, err, "not an integer")
	_, err = flatValues(dtypes.Uint8, []float64{-1}, 1)
	require.ErrorContains(t, err, "negative")
	_, err = flatValues(dtypes.Int8, []float64{300}, 1)
	require.ErrorContains(t, err, "out of range for Int8")

	v, err := immediateValue(dtypes.Int32, 4)
	require.NoError(t, err)
	require.Equal(t, int64(4), v)
	v, err = immediateValue(dtypes.Uint16, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(4), v)
	v, err = immediateValue(dtypes.Float32, 0.25)
	require.NoError(t, err)
	require.Equal(t, 0.25, v)
	v, err = immediateValue(dtypes.Bool, 1)
	require.NoError(t, err)
	require.Equal(t, true, v)
	_, err = immediateValue(dtypes.Int64, 0.25)
	require.Error(t, err)
	_, err = immediateValue(dtypes.Uint16, 1<<16)
	require.ErrorContains(t, err, "out of range for Uint16")
}

func TestRun(t *testing.T) {
	if _, err := exec.LookPath("clang"); err != nil {
		t.Skipf("clang not found in PATH: %v", err)
	}
	device := must.M1(clang.NewDevice(clang.DefaultConfig()))
	defer device.Finalize()
	*flagRun, *flagTimed = true, true
	defer func() { *flagRun, *flagTimed = false, false }()

	entries := make([]*entry, 0, 2)
	for _, kf := range must.M1(LoadKernelFiles("testdata/kernels.yaml")) {
		entries = append(entries, &entry{path: "testdata/kernels.yaml", kf: kf, program: must.M1(kf.Build())})
	}
	compileAll(device, entries, 2)
	for _, e := range entries {
		require.NoError(t, e.err)
		require.NoError(t, invoke(device, e, true))
		require.NoError(t, e.kernel.Release())
	}
	require.Equal(t, []string{"out=[0.5 1 1.5 2]"}, entries[0].outputs)
	require.Equal(t, []string{"total=[12]", "count=[3]"}, entries[1].outputs)
	require.Positive(t, entries[0].invokeTime)
	require.Contains(t, resultsFor(entries).Render(), "sum_positive")

	require.NoError(t, run(device, []string{"testdata/kernels.yaml"}))
}
