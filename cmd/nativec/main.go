// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// nativec compiles kernels described in YAML kernel files with a native device, and optionally runs them.
//
// Usage:
//
//	nativec [-device=clang:cc=clang-18] [-render] [-run] [-timed] kernels.yaml...
//
// See KernelFile for the format of the kernel files.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/nativec/backends"
	_ "github.com/gomlx/nativec/backends/default"
	"github.com/gomlx/nativec/ir"
)

var (
	flagDevice = flag.String("device", "",
		fmt.Sprintf("Device to use, formatted as \"<device>:<config>\". If empty, $%s or the default device is used.",
			backends.ConfigEnvVar))
	flagRender   = flag.Bool("render", false, "Print the rendered source code of each kernel.")
	flagRun      = flag.Bool("run", false, "Run each kernel with the values in the kernel file, and print its writable buffers.")
	flagTimed    = flag.Bool("timed", false, "Time the kernel invocations, used with -run.")
	flagParallel = flag.Int("parallel", runtime.NumCPU(), "Maximum number of kernels compiled concurrently.")
	flagNoColor  = flag.Bool("no_color", false, "Disable colors and styles in the output.")
)

// entry is one kernel to compile, and its results.
type entry struct {
	path    string
	kf      *KernelFile
	program *ir.Program
	kernel  *backends.Kernel

	invokeTime time.Duration
	outputs    []string
	err        error
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	if flag.NArg() == 0 {
		klog.Errorf("Missing kernel files. See 'nativec -help'.")
		os.Exit(1)
	}
	device, err := newDevice(*flagDevice)
	if err != nil {
		klog.Errorf("Failed to create device: %+v", err)
		os.Exit(1)
	}
	err = run(device, flag.Args())
	device.Finalize()
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func newDevice(config string) (backends.Device, error) {
	if config == "" {
		return backends.New()
	}
	return backends.NewWithConfig(config)
}

// run compiles (and optionally runs) all kernels in the given files. It returns an error if
// any of them failed.
func run(device backends.Device, paths []string) error {
	var entries []*entry
	for _, path := range paths {
		kernels, err := LoadKernelFiles(path)
		if err != nil {
			return err
		}
		for _, kf := range kernels {
			program, err := kf.Build()
			if err != nil {
				return errors.WithMessagef(err, "kernel file %q", path)
			}
			entries = append(entries, &entry{path: path, kf: kf, program: program})
		}
	}

	if *flagRender {
		for _, e := range entries {
			source, err := device.Renderer().Render(e.kf.Name, e.program)
			if err != nil {
				fmt.Println(titleStyle.Render(fmt.Sprintf("%s: %v", e.kf.Name, err)))
				continue
			}
			fmt.Println(titleStyle.Render(e.kf.Name))
			fmt.Println(source.Source)
		}
	}

	compileAll(device, entries, *flagParallel)
	if *flagRun {
		for _, e := range entries {
			if e.err == nil {
				e.err = invoke(device, e, *flagTimed)
			}
		}
	}
	fmt.Println(titleStyle.Render(device.Name() + " kernels"))
	fmt.Println(resultsFor(entries).Render())
	var numFailed int
	for _, e := range entries {
		if e.kernel != nil {
			if err := e.kernel.Release(); err != nil {
				klog.Warningf("failed to release kernel %q: %+v", e.kf.Name, err)
			}
		}
		if e.err != nil {
			numFailed++
			fmt.Printf("\n%s (%s): %v\n", e.kf.Name, e.path, e.err)
		}
	}
	if numFailed > 0 {
		return errors.Errorf("%d out of %d kernels failed", numFailed, len(entries))
	}
	return nil
}

// compileAll builds the kernels concurrently, with at most parallelism compilations at a time.
// Failures are stored in the entries.
func compileAll(device backends.Device, entries []*entry, parallelism int) {
	bar := progressbar.NewOptions(len(entries),
		progressbar.OptionSetDescription("compiling"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode))
	var g errgroup.Group
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for _, e := range entries {
		g.Go(func() error {
			e.kernel = backends.NewKernel(device, e.kf.Name, e.program)
			if err := e.kernel.Build(); err != nil {
				e.err = err
			}
			_ = bar.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	_ = bar.Finish()
}

// invoke allocates the buffers with the values of the kernel file, calls the kernel and reads
// back its writable buffers.
func invoke(device backends.Device, e *entry, timed bool) (err error) {
	alloc := device.Allocator()
	buffers := make([]backends.Buffer, 0, len(e.kf.Buffers))
	defer func() {
		for _, buf := range buffers {
			if freeErr := alloc.Free(buf); freeErr != nil && err == nil {
				err = freeErr
			}
		}
	}()
	for _, decl := range e.kf.Buffers {
		dtype := parseDTypeOrInvalid(decl.DType)
		buf, err := alloc.Alloc(dtype, decl.BufferLength())
		if err != nil {
			return errors.WithMessagef(err, "buffer %q", decl.Name)
		}
		buffers = append(buffers, buf)
		flat, err := flatValues(dtype, decl.Values, decl.BufferLength())
		if err != nil {
			return errors.WithMessagef(err, "buffer %q", decl.Name)
		}
		if err := alloc.CopyIn(buf, flat); err != nil {
			return errors.WithMessagef(err, "buffer %q", decl.Name)
		}
	}
	immediates := make([]any, len(e.kf.Immediates))
	for ii, decl := range e.kf.Immediates {
		immediates[ii], err = immediateValue(parseDTypeOrInvalid(decl.DType), decl.Value)
		if err != nil {
			return errors.WithMessagef(err, "immediate %q", decl.Name)
		}
	}
	e.invokeTime, err = e.kernel.Invoke(buffers, immediates, timed)
	if err != nil {
		return err
	}
	for ii, decl := range e.kf.Buffers {
		if decl.ReadOnly {
			continue
		}
		flat, err := alloc.Flat(buffers[ii])
		if err != nil {
			return err
		}
		e.outputs = append(e.outputs, fmt.Sprintf("%s=%v", decl.Name, flat))
	}
	return nil
}

func parseDTypeOrInvalid(name string) (dtype dtypes.DType) {
	dtype, _ = ir.DTypeFromName(name)
	return
}

func resultsFor(entries []*entry) *resultsTable {
	headers := []string{"Kernel", "State", "Render", "Compile", "Load", "Size"}
	if *flagRun {
		headers = append(headers, "Invoke", "Outputs")
	}
	table := newResultsTable(headers...)
	for _, e := range entries {
		row := []string{e.kf.Name, "-", "-", "-", "-", "-"}
		if e.kernel != nil {
			timings := e.kernel.Timings()
			row[1] = e.kernel.State().String()
			if e.err != nil {
				row[1] = "Failed"
			}
			row[2] = roundDuration(timings.Render)
			row[3] = roundDuration(timings.Compile)
			row[4] = roundDuration(timings.Load)
			row[5] = humanize.Bytes(uint64(timings.ArtifactSize))
		}
		if *flagRun {
			invokeTime := "-"
			if *flagTimed && e.err == nil {
				invokeTime = roundDuration(e.invokeTime)
			}
			row = append(row, invokeTime, strings.Join(e.outputs, " "))
		}
		table.Row(e.err != nil, row...)
	}
	return table
}

func roundDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Microsecond).String()
}
