// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import "fmt"

// OpType is an enum of the primitive operations a Program is made of.
type OpType int

const (
	OpTypeInvalid OpType = iota

	// Declarations: they don't produce values used in expressions, they name memory.
	OpTypeDefineGlobal
	OpTypeDefineVar
	OpTypeDefineLocal
	OpTypeDefineAcc

	// Values.
	OpTypeConst
	OpTypeLoad
	OpTypeLoadVec
	OpTypeLane
	OpTypeALU
	OpTypeCast

	// Effects and control flow.
	OpTypeStore
	OpTypeStoreVec
	OpTypeAssign
	OpTypeRange
	OpTypeEndRange
	OpTypeIf
	OpTypeEndIf
	OpTypeBarrier

	// OpTypeLast should always be kept the last, it is used as a counter/marker for OpType.
	OpTypeLast
)

var opTypeNames = [...]string{
	OpTypeInvalid:      "Invalid",
	OpTypeDefineGlobal: "DefineGlobal",
	OpTypeDefineVar:    "DefineVar",
	OpTypeDefineLocal:  "DefineLocal",
	OpTypeDefineAcc:    "DefineAcc",
	OpTypeConst:        "Const",
	OpTypeLoad:         "Load",
	OpTypeLoadVec:      "LoadVec",
	OpTypeLane:         "Lane",
	OpTypeALU:          "ALU",
	OpTypeCast:         "Cast",
	OpTypeStore:        "Store",
	OpTypeStoreVec:     "StoreVec",
	OpTypeAssign:       "Assign",
	OpTypeRange:        "Range",
	OpTypeEndRange:     "EndRange",
	OpTypeIf:           "If",
	OpTypeEndIf:        "EndIf",
	OpTypeBarrier:      "Barrier",
}

// String implements fmt.Stringer.
func (t OpType) String() string {
	if t < 0 || t >= OpTypeLast {
		return fmt.Sprintf("OpType(%d)", int(t))
	}
	return opTypeNames[t]
}

// HasSideEffects returns whether the op must be kept even if no other op uses its value.
func (t OpType) HasSideEffects() bool {
	switch t {
	case OpTypeStore, OpTypeStoreVec, OpTypeRange, OpTypeEndRange, OpTypeIf, OpTypeEndIf, OpTypeBarrier,
		OpTypeDefineGlobal, OpTypeDefineVar:
		return true
	}
	return false
}

// ALUOp enumerates the arithmetic/logic operations of an OpTypeALU op.
type ALUOp int

const (
	ALUInvalid ALUOp = iota
	ALUNeg
	ALUExp2
	ALULog2
	ALUSin
	ALUSqrt

	ALUAdd
	ALUSub
	ALUMul
	ALUDiv
	ALUMod
	ALUMax
	ALUMin
	ALUCmpLT
	ALUCmpEQ

	ALUWhere

	aluLast
)

var aluNames = [...]string{
	ALUInvalid: "invalid",
	ALUNeg:     "neg",
	ALUExp2:    "exp2",
	ALULog2:    "log2",
	ALUSin:     "sin",
	ALUSqrt:    "sqrt",
	ALUAdd:     "add",
	ALUSub:     "sub",
	ALUMul:     "mul",
	ALUDiv:     "div",
	ALUMod:     "mod",
	ALUMax:     "max",
	ALUMin:     "min",
	ALUCmpLT:   "cmplt",
	ALUCmpEQ:   "cmpeq",
	ALUWhere:   "where",
}

// String implements fmt.Stringer. Names are lower case, as used in the textual form of programs.
func (op ALUOp) String() string {
	if op < 0 || op >= aluLast {
		return fmt.Sprintf("ALUOp(%d)", int(op))
	}
	return aluNames[op]
}

// ALUOpFromString is the inverse of ALUOp.String.
func ALUOpFromString(name string) (ALUOp, bool) {
	for op := ALUNeg; op < aluLast; op++ {
		if aluNames[op] == name {
			return op, true
		}
	}
	return ALUInvalid, false
}

// Arity returns the number of operands the ALU operation takes.
func (op ALUOp) Arity() int {
	switch {
	case op >= ALUNeg && op <= ALUSqrt:
		return 1
	case op >= ALUAdd && op <= ALUCmpEQ:
		return 2
	case op == ALUWhere:
		return 3
	}
	return 0
}

// IsComparison returns whether the operation yields a boolean.
func (op ALUOp) IsComparison() bool {
	return op == ALUCmpLT || op == ALUCmpEQ
}

// IsTranscendental returns whether the operation is implemented by a math library function
// (and hence only defined for float dtypes).
func (op ALUOp) IsTranscendental() bool {
	return op == ALUExp2 || op == ALULog2 || op == ALUSin || op == ALUSqrt
}

// Capability is a feature a Program may require from the device that will run it.
type Capability int

const (
	// CapabilityFloat4 is required by vectorized (4 x float32) loads and stores.
	CapabilityFloat4 Capability = iota

	// CapabilityLocal is required by local (shared) memory and barriers.
	CapabilityLocal

	// CapabilityHalf is required by any use of 16-bit floats.
	CapabilityHalf
)

// String implements fmt.Stringer.
func (c Capability) String() string {
	switch c {
	case CapabilityFloat4:
		return "float4"
	case CapabilityLocal:
		return "local"
	case CapabilityHalf:
		return "half"
	}
	return fmt.Sprintf("Capability(%d)", int(c))
}
