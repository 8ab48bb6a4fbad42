// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gopkg.in/yaml.v3"

	"github.com/gomlx/nativec/ir"
)

// KernelFile describes one kernel: its parameters, the values to run it with, and its ops in textual form.
//
// Example:
//
//	name: scale
//	buffers:
//	  - {name: out, dtype: f32, length: 4}
//	  - {name: in, dtype: f32, readonly: true, values: [1, 2, 3, 4]}
//	immediates:
//	  - {name: n, dtype: i32, value: 4}
//	ops:
//	  - i = range 0:i32 n
//	  - x = load in i
//	  - y = mul x 2:f32
//	  - store out i y
//	  - endrange i
type KernelFile struct {
	Name       string          `yaml:"name"`
	Buffers    []BufferDecl    `yaml:"buffers"`
	Immediates []ImmediateDecl `yaml:"immediates"`
	Locals     []LocalDecl     `yaml:"locals"`
	Ops        []string        `yaml:"ops"`
}

// BufferDecl declares a buffer parameter. Length defaults to the number of values.
type BufferDecl struct {
	Name     string    `yaml:"name"`
	DType    string    `yaml:"dtype"`
	Length   int       `yaml:"length"`
	ReadOnly bool      `yaml:"readonly"`
	Values   []float64 `yaml:"values"`
}

// ImmediateDecl declares a scalar parameter and the value it's invoked with.
type ImmediateDecl struct {
	Name  string  `yaml:"name"`
	DType string  `yaml:"dtype"`
	Value float64 `yaml:"value"`
}

// LocalDecl declares local memory.
type LocalDecl struct {
	Name   string `yaml:"name"`
	DType  string `yaml:"dtype"`
	Length int    `yaml:"length"`
}

// LoadKernelFiles reads all the kernels in the YAML file, one per document.
func LoadKernelFiles(path string) ([]*KernelFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open kernel file")
	}
	defer func() { _ = f.Close() }()
	kernels, err := ParseKernelFiles(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "kernel file %q", path)
	}
	return kernels, nil
}

// ParseKernelFiles decodes the kernels in r, one per YAML document.
func ParseKernelFiles(r io.Reader) ([]*KernelFile, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var kernels []*KernelFile
	for {
		kf := &KernelFile{}
		err := decoder.Decode(kf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse kernel #%d", len(kernels))
		}
		if kf.Name == "" {
			return nil, errors.Errorf("kernel #%d has no name", len(kernels))
		}
		kernels = append(kernels, kf)
	}
	if len(kernels) == 0 {
		return nil, errors.New("no kernels defined")
	}
	return kernels, nil
}

// BufferLength is the number of elements of the buffer used to run the kernel.
func (d BufferDecl) BufferLength() int {
	return max(d.Length, len(d.Values))
}

func parseDType(name string) dtypes.DType {
	dtype, found := ir.DTypeFromName(name)
	if !found {
		exceptions.Panicf("unknown dtype %q", name)
	}
	return dtype
}

// Build converts the kernel to a Program.
func (kf *KernelFile) Build() (*ir.Program, error) {
	return ir.Build(kf.Name, func(b *ir.Builder) {
		p := &opParser{b: b, symbols: make(map[string]ir.ValueID)}
		for _, decl := range kf.Buffers {
			p.define(decl.Name, b.Buffer(decl.Name, parseDType(decl.DType), decl.BufferLength(), decl.ReadOnly))
		}
		for _, decl := range kf.Immediates {
			p.define(decl.Name, b.Immediate(decl.Name, parseDType(decl.DType)))
		}
		for _, decl := range kf.Locals {
			p.define(decl.Name, b.Local(decl.Name, parseDType(decl.DType), decl.Length))
		}
		for ii, line := range kf.Ops {
			err := exceptions.TryCatch[error](func() { p.parse(line) })
			if err != nil {
				panic(errors.WithMessagef(err, "op #%d %q", ii, line))
			}
		}
	})
}

// opParser converts the textual ops to Builder calls. Each op is a line with the form
// "[<name> =] <op> <operands...>", where operands are names or literals "<value>:<dtype>".
type opParser struct {
	b       *ir.Builder
	symbols map[string]ir.ValueID
}

func (p *opParser) define(name string, id ir.ValueID) {
	if _, found := p.symbols[name]; found {
		exceptions.Panicf("name %q defined more than once", name)
	}
	p.symbols[name] = id
}

// operand returns the value named by token, or a new constant if it's a literal.
func (p *opParser) operand(token string) ir.ValueID {
	if id, found := p.symbols[token]; found {
		return id
	}
	literal, dtypeName, found := strings.Cut(token, ":")
	if !found {
		exceptions.Panicf("undefined name %q", token)
	}
	return p.b.Const(parseDType(dtypeName), parseLiteral(literal))
}

func parseLiteral(literal string) any {
	if v, err := strconv.ParseInt(literal, 0, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseUint(literal, 0, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseFloat(literal, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(literal); err == nil {
		return v
	}
	exceptions.Panicf("invalid literal %q", literal)
	return nil
}

func (p *opParser) parse(line string) {
	fields := strings.Fields(line)
	var dst string
	if len(fields) >= 2 && fields[1] == "=" {
		dst, fields = fields[0], fields[2:]
	}
	if len(fields) == 0 {
		exceptions.Panicf("missing op")
	}
	opName, args := strings.ToLower(fields[0]), fields[1:]
	numArgs := func(n int) {
		if len(args) != n {
			exceptions.Panicf("%s takes %d operands, %d given", opName, n, len(args))
		}
	}
	var result ir.ValueID
	hasResult := true
	b := p.b
	switch opName {
	case "const":
		numArgs(1)
		result = p.operand(args[0])
	case "range":
		numArgs(2)
		result = b.Range(p.operand(args[0]), p.operand(args[1]))
	case "endrange":
		numArgs(1)
		b.EndRange(p.operand(args[0]))
		hasResult = false
	case "if":
		numArgs(1)
		b.If(p.operand(args[0]))
		hasResult = false
	case "endif":
		numArgs(0)
		b.EndIf()
		hasResult = false
	case "load":
		numArgs(2)
		result = b.Load(p.operand(args[0]), p.operand(args[1]))
	case "loadvec":
		numArgs(2)
		result = b.LoadVec(p.operand(args[0]), p.operand(args[1]))
	case "lane":
		numArgs(2)
		lane, err := strconv.Atoi(args[1])
		if err != nil {
			exceptions.Panicf("invalid lane %q", args[1])
		}
		result = b.Lane(p.operand(args[0]), lane)
	case "store":
		numArgs(3)
		b.Store(p.operand(args[0]), p.operand(args[1]), p.operand(args[2]))
		hasResult = false
	case "storevec":
		numArgs(3)
		b.StoreVec(p.operand(args[0]), p.operand(args[1]), p.operand(args[2]))
		hasResult = false
	case "cast":
		numArgs(2)
		result = b.Cast(p.operand(args[0]), parseDType(args[1]))
	case "acc":
		numArgs(1)
		result = b.Accumulator(p.operand(args[0]))
	case "assign":
		numArgs(2)
		b.Assign(p.operand(args[0]), p.operand(args[1]))
		hasResult = false
	case "barrier":
		numArgs(0)
		b.Barrier()
		hasResult = false
	default:
		aluOp, found := ir.ALUOpFromString(opName)
		if !found {
			exceptions.Panicf("unknown op %q", opName)
		}
		operands := make([]ir.ValueID, len(args))
		for ii, arg := range args {
			operands[ii] = p.operand(arg)
		}
		result = b.ALU(aluOp, operands...)
	}
	switch {
	case hasResult && dst == "":
		exceptions.Panicf("the result of %s must be named", opName)
	case !hasResult && dst != "":
		exceptions.Panicf("%s has no result to assign to %q", opName, dst)
	case hasResult:
		p.define(dst, result)
	}
}

// flatValues converts values to a slice of the Go type of dtype with length elements, padded with zeros.
func flatValues(dtype dtypes.DType, values []float64, length int) (any, error) {
	if dtype == dtypes.Float16 {
		flat := make([]float16.Float16, length)
		for ii, v := range values {
			flat[ii] = float16.Fromfloat32(float32(v))
		}
		return flat, nil
	}
	goType := dtype.GoType()
	flat := reflect.MakeSlice(reflect.SliceOf(goType), length, length)
	for ii, v := range values {
		if !dtype.IsFloat() {
			if err := checkIntegral(dtype, v); err != nil {
				return nil, errors.WithMessagef(err, "value #%d", ii)
			}
		}
		flat.Index(ii).Set(reflect.ValueOf(v).Convert(goType))
	}
	return flat.Interface(), nil
}

// immediateValue converts v to a value accepted for an immediate of the dtype.
func immediateValue(dtype dtypes.DType, v float64) (any, error) {
	switch {
	case dtype == dtypes.Bool:
		return v != 0, nil
	case dtype.IsFloat():
		return v, nil
	}
	if err := checkIntegral(dtype, v); err != nil {
		return nil, err
	}
	if dtype.IsUnsigned() {
		return uint64(v), nil
	}
	return int64(v), nil
}

func checkIntegral(dtype dtypes.DType, v float64) error {
	if v != math.Trunc(v) || math.IsInf(v, 0) {
		return errors.Errorf("value %g is not an integer, required by %s", v, dtype)
	}
	if dtype.IsUnsigned() && v < 0 {
		return errors.Errorf("value %g is negative, invalid for %s", v, dtype)
	}
	target := reflect.Zero(dtype.GoType())
	var overflow bool
	if dtype.IsUnsigned() {
		overflow = v >= math.MaxUint64 || target.OverflowUint(uint64(v))
	} else {
		overflow = v < math.MinInt64 || v >= math.MaxInt64 || target.OverflowInt(int64(v))
	}
	if overflow {
		return errors.Errorf("value %g out of range for %s", v, dtype)
	}
	return nil
}
