// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"math"
	"reflect"
	"regexp"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"

	"github.com/gomlx/nativec/pkg/support/sets"
)

// Builder accumulates the operations of a Program.
//
// All methods panic with an error (see exceptions.Panicf) on invalid usage. Use Build to
// convert those into a returned error.
type Builder struct {
	name string
	ops  []Op

	// opBlock is the block each op was defined in. Values defined in a block can only be used
	// while the block is open.
	opBlock []int

	// openBlocks is the stack of open blocks: 0 is the root block of the kernel, the others
	// are the ids of the Range/If ops that opened them.
	openBlocks []int

	blockIsOpen map[int]bool

	names     sets.Set[string]
	requires  sets.Set[Capability]
	signature Signature
	built     bool
}

var identifierRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedRegexp matches the names generated by renderers for intermediary values.
var reservedRegexp = regexp.MustCompile(`^(v|ridx|acc|data|imm)[0-9]+$|^(load|store)_`)

var cKeywords = sets.MakeWith(
	"auto", "break", "case", "char", "const", "continue", "default", "do", "double", "else", "enum",
	"extern", "float", "for", "goto", "if", "inline", "int", "long", "register", "restrict", "return",
	"short", "signed", "sizeof", "static", "struct", "switch", "typedef", "union", "unsigned", "void",
	"volatile", "while", "_Bool", "_Complex", "_Float16", "_Imaginary", "float4", "main")

// IsValidName returns whether name can be used for a kernel or one of its buffers/immediates/locals.
// Names must be C identifiers, not keywords and not collide with names generated for intermediary values.
func IsValidName(name string) bool {
	return identifierRegexp.MatchString(name) && !cKeywords.Has(name) && !reservedRegexp.MatchString(name)
}

// NewBuilder returns a Builder for a kernel with the given name. The name becomes the entry point
// symbol of the compiled kernel.
func NewBuilder(name string) *Builder {
	if !IsValidName(name) {
		exceptions.Panicf("invalid kernel name %q: it must be a valid C identifier", name)
	}
	return &Builder{
		name:        name,
		openBlocks:  []int{0},
		names:       sets.Make[string](),
		requires:    sets.Make[Capability](),
		blockIsOpen: map[int]bool{0: true},
	}
}

// Build runs fn with a new Builder for the kernel name, and returns the resulting Program.
// Any panic with an error raised by the Builder methods is returned as an error.
func Build(name string, fn func(b *Builder)) (program *Program, err error) {
	err = exceptions.TryCatch[error](func() {
		b := NewBuilder(name)
		fn(b)
		program = b.mustBuild()
	})
	if err != nil {
		program = nil
	}
	return
}

// Build returns the Program built so far. The Builder can not be used afterwards.
func (b *Builder) Build() (program *Program, err error) {
	err = exceptions.TryCatch[error](func() {
		program = b.mustBuild()
	})
	return
}

func (b *Builder) mustBuild() *Program {
	b.checkNotBuilt()
	if len(b.openBlocks) > 1 {
		top := b.openBlocks[len(b.openBlocks)-1]
		exceptions.Panicf("kernel %q: %s opened by op %%%d was never closed", b.name, b.ops[top].Type, top)
	}
	b.built = true
	requires := make([]Capability, 0, len(b.requires))
	for c := range b.requires {
		requires = append(requires, c)
	}
	slices.Sort(requires)
	return &Program{
		name:      b.name,
		ops:       b.ops,
		signature: b.signature,
		requires:  requires,
	}
}

func (b *Builder) checkNotBuilt() {
	if b.built {
		exceptions.Panicf("kernel %q: Builder already built, it can't be modified", b.name)
	}
}

func (b *Builder) currentBlock() int {
	return b.openBlocks[len(b.openBlocks)-1]
}

// push appends op and returns its ValueID.
func (b *Builder) push(op Op) ValueID {
	b.checkNotBuilt()
	if op.DType == dtypes.Float16 {
		b.requires.Insert(CapabilityHalf)
	}
	id := ValueID(len(b.ops))
	b.ops = append(b.ops, op)
	b.opBlock = append(b.opBlock, b.currentBlock())
	return id
}

// value checks that id refers to a value usable in the current block and returns its op.
func (b *Builder) value(id ValueID) *Op {
	if id < 0 || int(id) >= len(b.ops) {
		exceptions.Panicf("kernel %q: invalid value %%%d", b.name, id)
	}
	if !b.blockIsOpen[b.opBlock[id]] {
		exceptions.Panicf("kernel %q: value %%%d (%s) used outside of the block where it was defined",
			b.name, id, b.ops[id].Type)
	}
	return &b.ops[id]
}

// scalar is like value, but requires a scalar value (not a vector nor memory declaration).
func (b *Builder) scalar(id ValueID) *Op {
	op := b.value(id)
	switch op.Type {
	case OpTypeDefineGlobal, OpTypeDefineLocal:
		exceptions.Panicf("kernel %q: %%%d is a buffer (%q), not a value", b.name, id, op.Name)
	}
	if op.Width != 1 {
		exceptions.Panicf("kernel %q: %%%d is a vector of width %d, a scalar was expected", b.name, id, op.Width)
	}
	return op
}

// memory checks that id is a buffer or local declaration.
func (b *Builder) memory(id ValueID) *Op {
	op := b.value(id)
	if op.Type != OpTypeDefineGlobal && op.Type != OpTypeDefineLocal {
		exceptions.Panicf("kernel %q: %%%d (%s) is not a buffer", b.name, id, op.Type)
	}
	return op
}

// index checks id is an integer scalar.
func (b *Builder) index(id ValueID) {
	op := b.scalar(id)
	if !isIntDType(op.DType) {
		exceptions.Panicf("kernel %q: index %%%d must be an integer, got %s", b.name, id, op.DType)
	}
}

func (b *Builder) declare(name string, dtype dtypes.DType) {
	if !IsValidName(name) {
		exceptions.Panicf("kernel %q: invalid name %q: it must be a valid C identifier", b.name, name)
	}
	if name == b.name || b.names.Has(name) {
		exceptions.Panicf("kernel %q: name %q declared more than once", b.name, name)
	}
	if !IsSupportedDType(dtype) {
		exceptions.Panicf("kernel %q: dtype %s of %q is not supported", b.name, dtype, name)
	}
	b.names.Insert(name)
}

func (b *Builder) checkRootBlock(what string) {
	if b.currentBlock() != 0 {
		exceptions.Panicf("kernel %q: %s can only be declared at the top level of the kernel", b.name, what)
	}
}

// Buffer declares a buffer parameter of the kernel. Length is the number of elements, 0 if unknown.
// Buffers are passed to the kernel in the order they are declared.
func (b *Builder) Buffer(name string, dtype dtypes.DType, length int, readOnly bool) ValueID {
	b.checkRootBlock("buffers")
	b.declare(name, dtype)
	if dtype == dtypes.Bool {
		exceptions.Panicf("kernel %q: buffer %q can't be of dtype Bool, use Uint8", b.name, name)
	}
	if length < 0 {
		exceptions.Panicf("kernel %q: buffer %q with negative length %d", b.name, name, length)
	}
	b.signature.Buffers = append(b.signature.Buffers, BufferSpec{Name: name, DType: dtype, Length: length, ReadOnly: readOnly})
	return b.push(Op{Type: OpTypeDefineGlobal, DType: dtype, Width: 1, Name: name, Length: length, ReadOnly: readOnly})
}

// Immediate declares a scalar parameter of the kernel. Immediates are passed after all buffers,
// in the order they are declared.
func (b *Builder) Immediate(name string, dtype dtypes.DType) ValueID {
	b.checkRootBlock("immediates")
	b.declare(name, dtype)
	if dtype == dtypes.Float16 {
		exceptions.Panicf("kernel %q: immediate %q can't be Float16, pass a Float32 and Cast it", b.name, name)
	}
	b.signature.Immediates = append(b.signature.Immediates, ImmediateSpec{Name: name, DType: dtype})
	return b.push(Op{Type: OpTypeDefineVar, DType: dtype, Width: 1, Name: name})
}

// Local declares local (shared) memory of the given length. It requires CapabilityLocal.
func (b *Builder) Local(name string, dtype dtypes.DType, length int) ValueID {
	b.checkRootBlock("local memory")
	b.declare(name, dtype)
	if length <= 0 {
		exceptions.Panicf("kernel %q: local %q must have a positive length, got %d", b.name, name, length)
	}
	b.requires.Insert(CapabilityLocal)
	return b.push(Op{Type: OpTypeDefineLocal, DType: dtype, Width: 1, Name: name, Length: length})
}

// Const creates a constant of the given dtype. The value must be a Go number or bool, and it is
// converted to the dtype.
func (b *Builder) Const(dtype dtypes.DType, value any) ValueID {
	if !IsSupportedDType(dtype) {
		exceptions.Panicf("kernel %q: dtype %s not supported for constants", b.name, dtype)
	}
	return b.push(Op{Type: OpTypeConst, DType: dtype, Width: 1, Constant: normalizeConstant(b.name, dtype, value)})
}

// Const creates a constant with the dtype inferred from the Go type of value.
func Const[T constraints.Integer | constraints.Float](b *Builder, value T) ValueID {
	dtype := dtypes.FromGoType(reflect.TypeOf(value))
	return b.Const(dtype, value)
}

// normalizeConstant converts value to the canonical Go type used to hold constants of dtype: bool,
// int64 for signed integers, uint64 for unsigned integers and float64 for floats.
//
// Integers are converted exactly, and must be in the range of dtype. Floats used for integer dtypes
// must be integral.
func normalizeConstant(kernel string, dtype dtypes.DType, value any) any {
	if f16, ok := value.(float16.Float16); ok {
		value = f16.Float32()
	}
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Bool {
		if v.Bool() {
			v = reflect.ValueOf(1)
		} else {
			v = reflect.ValueOf(0)
		}
	}
	if !v.CanInt() && !v.CanUint() && !v.CanFloat() {
		exceptions.Panicf("kernel %q: constant value %v of type %T not supported", kernel, value, value)
	}
	outOfRange := func() {
		exceptions.Panicf("kernel %q: constant %v out of range for %s", kernel, value, dtype)
	}
	switch {
	case dtype == dtypes.Bool:
		switch {
		case v.CanInt():
			return v.Int() != 0
		case v.CanUint():
			return v.Uint() != 0
		default:
			return v.Float() != 0
		}
	case dtype.IsFloat():
		var f float64
		switch {
		case v.CanInt():
			f = float64(v.Int())
		case v.CanUint():
			f = float64(v.Uint())
		default:
			f = v.Float()
		}
		if dtype == dtypes.Float32 || dtype == dtypes.Float16 {
			if reflect.Zero(reflect.TypeFor[float32]()).OverflowFloat(f) {
				outOfRange()
			}
			return float64(float32(f))
		}
		return f
	}

	if v.CanFloat() {
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			exceptions.Panicf("kernel %q: constant %v is not an integer, required by %s", kernel, value, dtype)
		}
		switch {
		case f < 0 && f >= math.MinInt64:
			v = reflect.ValueOf(int64(f))
		case f >= 0 && f < math.MaxUint64:
			v = reflect.ValueOf(uint64(f))
		default:
			outOfRange()
		}
	}
	target := reflect.Zero(dtype.GoType())
	if dtype.IsUnsigned() {
		var u uint64
		if v.CanInt() {
			if v.Int() < 0 {
				outOfRange()
			}
			u = uint64(v.Int())
		} else {
			u = v.Uint()
		}
		if target.OverflowUint(u) {
			outOfRange()
		}
		return u
	}
	var i int64
	if v.CanInt() {
		i = v.Int()
	} else {
		if v.Uint() > math.MaxInt64 {
			outOfRange()
		}
		i = int64(v.Uint())
	}
	if target.OverflowInt(i) {
		outOfRange()
	}
	return i
}

// Load reads element idx of the buffer (or local memory).
func (b *Builder) Load(buffer, idx ValueID) ValueID {
	mem := b.memory(buffer)
	b.index(idx)
	return b.push(Op{Type: OpTypeLoad, DType: mem.DType, Width: 1, Args: []ValueID{buffer, idx}})
}

// LoadVec reads VectorWidth consecutive float32 elements starting at idx. It requires CapabilityFloat4.
func (b *Builder) LoadVec(buffer, idx ValueID) ValueID {
	mem := b.memory(buffer)
	b.index(idx)
	if mem.DType != dtypes.Float32 {
		exceptions.Panicf("kernel %q: vectorized load only supported for Float32 buffers, %q is %s", b.name, mem.Name, mem.DType)
	}
	b.requires.Insert(CapabilityFloat4)
	return b.push(Op{Type: OpTypeLoadVec, DType: mem.DType, Width: VectorWidth, Args: []ValueID{buffer, idx}})
}

// Lane extracts one lane of a vector value.
func (b *Builder) Lane(vec ValueID, lane int) ValueID {
	op := b.value(vec)
	if op.Width <= 1 {
		exceptions.Panicf("kernel %q: Lane(%%%d): value is not a vector", b.name, vec)
	}
	if lane < 0 || lane >= op.Width {
		exceptions.Panicf("kernel %q: Lane(%%%d, %d): lane out of range [0, %d)", b.name, vec, lane, op.Width)
	}
	return b.push(Op{Type: OpTypeLane, DType: op.DType, Width: 1, Args: []ValueID{vec}, Lane: lane})
}

// ALU applies the arithmetic/logic operation to the operands.
//
// Operands must have the same dtype (for ALUWhere, the first operand is the Bool condition).
// Comparisons yield Bool. Vectors only support ALUAdd, ALUSub, ALUMul, ALUDiv and ALUNeg.
func (b *Builder) ALU(aluOp ALUOp, operands ...ValueID) ValueID {
	if aluOp.Arity() == 0 {
		exceptions.Panicf("kernel %q: invalid ALU operation %s", b.name, aluOp)
	}
	if len(operands) != aluOp.Arity() {
		exceptions.Panicf("kernel %q: ALU %s takes %d operands, %d given", b.name, aluOp, aluOp.Arity(), len(operands))
	}
	ops := make([]*Op, len(operands))
	for ii, operand := range operands {
		ops[ii] = b.value(operand)
		switch ops[ii].Type {
		case OpTypeDefineGlobal, OpTypeDefineLocal:
			exceptions.Panicf("kernel %q: ALU %s operand %%%d is a buffer, not a value", b.name, aluOp, operand)
		}
	}
	values := ops
	if aluOp == ALUWhere {
		if ops[0].DType != dtypes.Bool || ops[0].Width != 1 {
			exceptions.Panicf("kernel %q: ALU where condition %%%d must be a scalar Bool", b.name, operands[0])
		}
		values = ops[1:]
	}
	dtype, width := values[0].DType, values[0].Width
	for ii, op := range values[1:] {
		if op.DType != dtype || op.Width != width {
			exceptions.Panicf("kernel %q: ALU %s operands must have the same dtype and width, got %s and %s (operand #%d)",
				b.name, aluOp, dtype, op.DType, ii+1)
		}
	}
	if width > 1 {
		switch aluOp {
		case ALUAdd, ALUSub, ALUMul, ALUDiv, ALUNeg:
		default:
			exceptions.Panicf("kernel %q: ALU %s not supported on vectors", b.name, aluOp)
		}
	}
	if aluOp.IsTranscendental() && !dtype.IsFloat() {
		exceptions.Panicf("kernel %q: ALU %s requires a float operand, got %s", b.name, aluOp, dtype)
	}
	if dtype == dtypes.Bool {
		switch aluOp {
		case ALUCmpEQ, ALUWhere, ALUMax, ALUMin:
		default:
			exceptions.Panicf("kernel %q: ALU %s not supported for Bool", b.name, aluOp)
		}
	}
	resultDType := dtype
	if aluOp.IsComparison() {
		resultDType = dtypes.Bool
	}
	return b.push(Op{Type: OpTypeALU, DType: resultDType, Width: width, Args: slices.Clone(operands), ALU: aluOp})
}

// Add is a shortcut to ALU(ALUAdd, x, y).
func (b *Builder) Add(x, y ValueID) ValueID { return b.ALU(ALUAdd, x, y) }

// Mul is a shortcut to ALU(ALUMul, x, y).
func (b *Builder) Mul(x, y ValueID) ValueID { return b.ALU(ALUMul, x, y) }

// Cast converts a scalar value to dtype.
func (b *Builder) Cast(x ValueID, dtype dtypes.DType) ValueID {
	b.scalar(x)
	if !IsSupportedDType(dtype) {
		exceptions.Panicf("kernel %q: can't cast to unsupported dtype %s", b.name, dtype)
	}
	return b.push(Op{Type: OpTypeCast, DType: dtype, Width: 1, Args: []ValueID{x}})
}

// Accumulator declares a mutable scalar initialized with init. Its value can be read as any
// other value, and it can be updated with Assign, including from within nested blocks.
func (b *Builder) Accumulator(init ValueID) ValueID {
	op := b.scalar(init)
	return b.push(Op{Type: OpTypeDefineAcc, DType: op.DType, Width: 1, Args: []ValueID{init}})
}

// Assign sets a new value to an accumulator.
func (b *Builder) Assign(acc, x ValueID) {
	accOp := b.value(acc)
	if accOp.Type != OpTypeDefineAcc {
		exceptions.Panicf("kernel %q: Assign target %%%d is not an accumulator", b.name, acc)
	}
	xOp := b.scalar(x)
	if xOp.DType != accOp.DType {
		exceptions.Panicf("kernel %q: Assign of %s value to %s accumulator %%%d", b.name, xOp.DType, accOp.DType, acc)
	}
	b.push(Op{Type: OpTypeAssign, Args: []ValueID{acc, x}})
}

// Store writes x to element idx of the buffer (or local memory).
func (b *Builder) Store(buffer, idx, x ValueID) {
	mem := b.writable(buffer)
	b.index(idx)
	xOp := b.scalar(x)
	if xOp.DType != mem.DType {
		exceptions.Panicf("kernel %q: storing %s value into %s buffer %q", b.name, xOp.DType, mem.DType, mem.Name)
	}
	b.push(Op{Type: OpTypeStore, Args: []ValueID{buffer, idx, x}})
}

// StoreVec writes a vector value to VectorWidth consecutive elements starting at idx.
// It requires CapabilityFloat4.
func (b *Builder) StoreVec(buffer, idx, vec ValueID) {
	mem := b.writable(buffer)
	b.index(idx)
	vecOp := b.value(vec)
	if vecOp.Width != VectorWidth || vecOp.DType != dtypes.Float32 || mem.DType != dtypes.Float32 {
		exceptions.Panicf("kernel %q: StoreVec requires a Float32 buffer and a Float32x%d value", b.name, VectorWidth)
	}
	b.requires.Insert(CapabilityFloat4)
	b.push(Op{Type: OpTypeStoreVec, Args: []ValueID{buffer, idx, vec}})
}

func (b *Builder) writable(buffer ValueID) *Op {
	mem := b.memory(buffer)
	if mem.ReadOnly {
		exceptions.Panicf("kernel %q: buffer %q is read-only", b.name, mem.Name)
	}
	return mem
}

func (b *Builder) openBlock(opener ValueID) {
	b.openBlocks = append(b.openBlocks, int(opener))
	b.blockIsOpen[int(opener)] = true
	// The opener op itself (e.g. the loop index) belongs to the new block.
	b.opBlock[opener] = int(opener)
}

func (b *Builder) closeBlock(opType OpType) ValueID {
	if len(b.openBlocks) <= 1 {
		exceptions.Panicf("kernel %q: no open block to close with %s", b.name, opType)
	}
	top := ValueID(b.openBlocks[len(b.openBlocks)-1])
	want := map[OpType]OpType{OpTypeEndRange: OpTypeRange, OpTypeEndIf: OpTypeIf}[opType]
	if b.ops[top].Type != want {
		exceptions.Panicf("kernel %q: %s can't close the %s opened by %%%d", b.name, opType, b.ops[top].Type, top)
	}
	b.openBlocks = b.openBlocks[:len(b.openBlocks)-1]
	delete(b.blockIsOpen, int(top))
	return top
}

// Range opens a loop block iterating from start (inclusive) to end (exclusive), with step 1.
// It returns the loop index, that can only be used until the block is closed with EndRange.
func (b *Builder) Range(start, end ValueID) ValueID {
	startOp, endOp := b.scalar(start), b.scalar(end)
	if !isIntDType(startOp.DType) || startOp.DType != endOp.DType {
		exceptions.Panicf("kernel %q: Range bounds must be integers of the same dtype, got %s and %s",
			b.name, startOp.DType, endOp.DType)
	}
	id := b.push(Op{Type: OpTypeRange, DType: startOp.DType, Width: 1, Args: []ValueID{start, end}})
	b.openBlock(id)
	return id
}

// EndRange closes the loop block opened by Range. The loop index returned by Range must be given.
func (b *Builder) EndRange(loop ValueID) {
	b.checkNotBuilt()
	top := b.closeBlock(OpTypeEndRange)
	if top != loop {
		exceptions.Panicf("kernel %q: EndRange(%%%d) but the innermost loop is %%%d", b.name, loop, top)
	}
	b.push(Op{Type: OpTypeEndRange, Args: []ValueID{loop}})
}

// If opens a block executed only if the Bool scalar cond is true. Close it with EndIf.
func (b *Builder) If(cond ValueID) {
	condOp := b.scalar(cond)
	if condOp.DType != dtypes.Bool {
		exceptions.Panicf("kernel %q: If condition %%%d must be Bool, got %s", b.name, cond, condOp.DType)
	}
	id := b.push(Op{Type: OpTypeIf, Args: []ValueID{cond}})
	b.openBlock(id)
}

// EndIf closes the innermost If block.
func (b *Builder) EndIf() {
	b.checkNotBuilt()
	top := b.closeBlock(OpTypeEndIf)
	b.push(Op{Type: OpTypeEndIf, Args: []ValueID{top}})
}

// Barrier synchronizes access to local memory. It requires CapabilityLocal.
func (b *Builder) Barrier() {
	b.requires.Insert(CapabilityLocal)
	b.push(Op{Type: OpTypeBarrier})
}
