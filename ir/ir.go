// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir defines the intermediate representation handed to a native device: an ordered
// sequence of primitive operations over named buffers and immediate (scalar) values.
//
// Programs are created with a Builder (see Build), and they are immutable afterwards.
// The buffers and immediates declared in a Program define the signature of the kernel generated
// from it: buffers first, in declaration order, followed by the immediates, in declaration order.
//
// Builder methods panic (see package github.com/gomlx/exceptions) on invalid usage, and Build
// converts those panics into errors.
package ir

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// ValueID identifies an op in a Program, and the value it produces, if any.
// It is the index of the op in Program.Ops.
type ValueID int

// NoValue is used when an operation doesn't take or produce a value.
const NoValue ValueID = -1

// VectorWidth is the number of float32 lanes in vectorized loads and stores.
const VectorWidth = 4

// Op is one primitive operation of a Program.
//
// Not all fields are used by all op types.
type Op struct {
	Type OpType

	// DType of the value produced, or of the elements of the memory declared.
	DType dtypes.DType

	// Width is 1 for scalars and VectorWidth for vector values.
	Width int

	// Args are the operands, in order.
	Args []ValueID

	// ALU is the operation of an OpTypeALU op.
	ALU ALUOp

	// Name of declared buffers, immediates and locals.
	Name string

	// Length in elements of declared buffers and locals. For buffers, 0 means "unknown".
	Length int

	// ReadOnly is set for buffers that the kernel never writes to.
	ReadOnly bool

	// Constant holds the value of OpTypeConst: a bool, int64, uint64 or float64, depending on DType.
	Constant any

	// Lane extracted by OpTypeLane.
	Lane int
}

// BufferSpec describes one buffer parameter of a kernel.
type BufferSpec struct {
	Name     string
	DType    dtypes.DType
	Length   int
	ReadOnly bool
}

// ImmediateSpec describes one immediate (scalar) parameter of a kernel.
type ImmediateSpec struct {
	Name  string
	DType dtypes.DType
}

// Signature of a kernel: buffers are passed first, then immediates.
type Signature struct {
	Buffers    []BufferSpec
	Immediates []ImmediateSpec
}

// NumArgs returns the total number of arguments of the kernel.
func (s Signature) NumArgs() int {
	return len(s.Buffers) + len(s.Immediates)
}

// String implements fmt.Stringer.
func (s Signature) String() string {
	parts := make([]string, 0, s.NumArgs())
	for _, b := range s.Buffers {
		access := "rw"
		if b.ReadOnly {
			access = "ro"
		}
		parts = append(parts, fmt.Sprintf("%s:%s[%d]%s", b.Name, b.DType, b.Length, access))
	}
	for _, imm := range s.Immediates {
		parts = append(parts, fmt.Sprintf("%s:%s", imm.Name, imm.DType))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Program is an immutable, validated sequence of operations.
type Program struct {
	name      string
	ops       []Op
	signature Signature
	requires  []Capability
}

// Name of the kernel.
func (p *Program) Name() string { return p.name }

// NumOps returns the number of operations.
func (p *Program) NumOps() int { return len(p.ops) }

// Op returns the operation that defines id.
func (p *Program) Op(id ValueID) *Op { return &p.ops[id] }

// Ops returns the list of operations. It should not be modified.
func (p *Program) Ops() []Op { return p.ops }

// Signature returns the buffers and immediates the kernel takes, in calling order.
func (p *Program) Signature() Signature { return p.signature }

// Requires returns the capabilities used by the program, sorted.
func (p *Program) Requires() []Capability { return p.requires }

// Uses returns whether the program requires the given capability.
func (p *Program) Uses(c Capability) bool { return slices.Contains(p.requires, c) }

// String returns a textual listing of the program, one op per line.
func (p *Program) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "kernel %s%s\n", p.name, p.signature)
	indent := 1
	for ii, op := range p.ops {
		if op.Type == OpTypeEndRange || op.Type == OpTypeEndIf {
			indent--
		}
		sb.WriteString(strings.Repeat("  ", indent))
		fmt.Fprintf(&sb, "%%%d = %s", ii, op.Type)
		switch op.Type {
		case OpTypeALU:
			fmt.Fprintf(&sb, ".%s", op.ALU)
		case OpTypeConst:
			fmt.Fprintf(&sb, " %v", op.Constant)
		case OpTypeLane:
			fmt.Fprintf(&sb, " lane=%d", op.Lane)
		case OpTypeDefineGlobal, OpTypeDefineVar, OpTypeDefineLocal:
			fmt.Fprintf(&sb, " %q", op.Name)
		}
		for _, arg := range op.Args {
			fmt.Fprintf(&sb, " %%%d", arg)
		}
		if op.DType != dtypes.InvalidDType {
			fmt.Fprintf(&sb, " : %s", op.DType)
			if op.Width > 1 {
				fmt.Fprintf(&sb, "x%d", op.Width)
			}
		}
		sb.WriteByte('\n')
		if op.Type == OpTypeRange || op.Type == OpTypeIf {
			indent++
		}
	}
	return sb.String()
}
