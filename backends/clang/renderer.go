// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package clang

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nativec/backends"
	"github.com/gomlx/nativec/ir"
)

// Renderer converts ir.Program to C source code, compiled by the Compiler.
//
// It implements backends.Renderer.
type Renderer struct {
	options backends.CompilerOptions
}

var _ backends.Renderer = (*Renderer)(nil)

// NewRenderer returns a Renderer that only emits code allowed by options.
func NewRenderer(options backends.CompilerOptions) *Renderer {
	return &Renderer{options: options}
}

// Options returns the CompilerOptions the renderer respects.
func (r *Renderer) Options() backends.CompilerOptions { return r.options }

// cTypes maps the supported dtypes to C types.
var cTypes = map[dtypes.DType]string{
	dtypes.Bool:    "_Bool",
	dtypes.Int8:    "signed char",
	dtypes.Int16:   "short",
	dtypes.Int32:   "int",
	dtypes.Int64:   "long long",
	dtypes.Uint8:   "unsigned char",
	dtypes.Uint16:  "unsigned short",
	dtypes.Uint32:  "unsigned int",
	dtypes.Uint64:  "unsigned long long",
	dtypes.Float16: "_Float16",
	dtypes.Float32: "float",
	dtypes.Float64: "double",
}

// float4Prelude is emitted only for programs using vectorized loads/stores. The memcpy avoids
// alignment requirements on the buffer pointers.
const float4Prelude = `typedef float float4 __attribute__((ext_vector_type(4)));
static inline float4 load_float4(const float* p) { float4 v; __builtin_memcpy(&v, p, sizeof(v)); return v; }
static inline void store_float4(float* p, float4 v) { __builtin_memcpy(p, &v, sizeof(v)); }
`

// Render implements backends.Renderer. The kernel entry point is a C function called name, with the
// buffers as pointers first and the immediates as scalars after, both in declaration order.
//
// It returns a *backends.UnsupportedOperationError if the program requires a capability not
// in the renderer options.
func (r *Renderer) Render(name string, program *ir.Program) (backends.SourceProgram, error) {
	if !ir.IsValidName(name) {
		return backends.SourceProgram{}, errors.Errorf("invalid kernel name %q: it must be a valid C identifier", name)
	}
	if err := r.options.Check(name, program); err != nil {
		return backends.SourceProgram{}, err
	}
	e := &emitter{program: program, live: liveOps(program)}
	if program.Uses(ir.CapabilityFloat4) {
		e.sb.WriteString(float4Prelude)
	}
	e.writeSignature(name)
	e.writeBody()
	source := e.sb.String()
	if klog.V(3).Enabled() {
		klog.Infof("rendered kernel %q:\n%s", name, source)
	}
	return backends.SourceProgram{Name: name, Source: source, Signature: program.Signature()}, nil
}

// liveOps marks the ops that need to be emitted: side effect ops, and the values they transitively
// use. An Assign is live if its accumulator is read by a live op; being the target of an Assign
// doesn't count as a use.
func liveOps(program *ir.Program) []bool {
	ops := program.Ops()
	live := make([]bool, len(ops))
	assignsTo := make(map[ir.ValueID][]ir.ValueID)
	var queue []ir.ValueID
	for ii, op := range ops {
		id := ir.ValueID(ii)
		if op.Type == ir.OpTypeAssign {
			assignsTo[op.Args[0]] = append(assignsTo[op.Args[0]], id)
			continue
		}
		if op.Type.HasSideEffects() {
			live[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		op := &ops[id]
		args := op.Args
		if op.Type == ir.OpTypeAssign {
			args = args[1:]
		}
		for _, arg := range args {
			if live[arg] {
				continue
			}
			live[arg] = true
			queue = append(queue, arg)
		}
		if op.Type == ir.OpTypeDefineAcc {
			for _, assign := range assignsTo[id] {
				if !live[assign] {
					live[assign] = true
					queue = append(queue, assign)
				}
			}
		}
	}
	return live
}

type emitter struct {
	program *ir.Program
	live    []bool
	sb      strings.Builder
	depth   int
}

func (e *emitter) line(format string, args ...any) {
	e.sb.WriteString(strings.Repeat("  ", e.depth))
	fmt.Fprintf(&e.sb, format, args...)
	e.sb.WriteByte('\n')
}

func (e *emitter) writeSignature(name string) {
	sig := e.program.Signature()
	params := make([]string, 0, sig.NumArgs())
	for _, buf := range sig.Buffers {
		qualifier := ""
		if buf.ReadOnly {
			qualifier = "const "
		}
		params = append(params, fmt.Sprintf("%s%s* restrict %s", qualifier, cTypes[buf.DType], buf.Name))
	}
	for _, imm := range sig.Immediates {
		params = append(params, fmt.Sprintf("const %s %s", cTypes[imm.DType], imm.Name))
	}
	if len(params) == 0 {
		params = append(params, "void")
	}
	fmt.Fprintf(&e.sb, "void %s(%s) {\n", name, strings.Join(params, ", "))
}

// ref returns the C expression that refers to the value id.
func (e *emitter) ref(id ir.ValueID) string {
	op := e.program.Op(id)
	switch op.Type {
	case ir.OpTypeConst:
		return renderConstant(op.DType, op.Constant)
	case ir.OpTypeDefineGlobal, ir.OpTypeDefineVar, ir.OpTypeDefineLocal:
		return op.Name
	case ir.OpTypeRange:
		return fmt.Sprintf("ridx%d", id)
	case ir.OpTypeDefineAcc:
		return fmt.Sprintf("acc%d", id)
	}
	return fmt.Sprintf("v%d", id)
}

func (e *emitter) valueType(op *ir.Op) string {
	if op.Width > 1 {
		return "float4"
	}
	return cTypes[op.DType]
}

func (e *emitter) writeBody() {
	e.depth = 1
	for ii := range e.program.Ops() {
		id := ir.ValueID(ii)
		if !e.live[id] {
			continue
		}
		e.writeOp(id, e.program.Op(id))
	}
	e.depth = 0
	e.line("}")
}

func (e *emitter) writeOp(id ir.ValueID, op *ir.Op) {
	args := make([]string, len(op.Args))
	for ii, arg := range op.Args {
		args[ii] = e.ref(arg)
	}
	switch op.Type {
	case ir.OpTypeDefineGlobal, ir.OpTypeDefineVar, ir.OpTypeConst:
		// Parameters and inlined literals.
	case ir.OpTypeDefineLocal:
		e.line("%s %s[%d];", cTypes[op.DType], op.Name, op.Length)
	case ir.OpTypeDefineAcc:
		e.line("%s %s = %s;", cTypes[op.DType], e.ref(id), args[0])
	case ir.OpTypeLoad:
		e.line("const %s %s = %s[%s];", cTypes[op.DType], e.ref(id), args[0], args[1])
	case ir.OpTypeLoadVec:
		e.line("const float4 %s = load_float4(%s + %s);", e.ref(id), args[0], args[1])
	case ir.OpTypeLane:
		e.line("const %s %s = %s[%d];", cTypes[op.DType], e.ref(id), args[0], op.Lane)
	case ir.OpTypeALU:
		e.line("const %s %s = %s;", e.valueType(op), e.ref(id), e.aluExpr(op, args))
	case ir.OpTypeCast:
		e.line("const %s %s = (%s)%s;", cTypes[op.DType], e.ref(id), cTypes[op.DType], args[0])
	case ir.OpTypeStore:
		e.line("%s[%s] = %s;", args[0], args[1], args[2])
	case ir.OpTypeStoreVec:
		e.line("store_float4(%s + %s, %s);", args[0], args[1], args[2])
	case ir.OpTypeAssign:
		e.line("%s = %s;", args[0], args[1])
	case ir.OpTypeRange:
		idx := e.ref(id)
		e.line("for (%s %s = %s; %s < %s; %s++) {", cTypes[op.DType], idx, args[0], idx, args[1], idx)
		e.depth++
	case ir.OpTypeIf:
		e.line("if (%s) {", args[0])
		e.depth++
	case ir.OpTypeEndRange, ir.OpTypeEndIf:
		e.depth--
		e.line("}")
	case ir.OpTypeBarrier:
		e.line("__atomic_thread_fence(__ATOMIC_SEQ_CST);")
	default:
		// The Builder never produces other ops.
		panic(errors.Errorf("clang renderer: unknown op type %s", op.Type))
	}
}

// aluExpr returns the C expression for the ALU op.
func (e *emitter) aluExpr(op *ir.Op, args []string) string {
	operandDType := op.DType
	if op.ALU.IsComparison() {
		operandDType = e.program.Op(op.Args[0]).DType
	}
	isHalf := operandDType == dtypes.Float16
	switch op.ALU {
	case ir.ALUNeg:
		return fmt.Sprintf("(-%s)", args[0])
	case ir.ALUExp2, ir.ALULog2, ir.ALUSin, ir.ALUSqrt:
		// tgmath picks the float or double version. There is no _Float16 version, so it goes through float.
		if isHalf {
			return fmt.Sprintf("(_Float16)%s((float)%s)", op.ALU, args[0])
		}
		return fmt.Sprintf("%s(%s)", op.ALU, args[0])
	case ir.ALUAdd:
		return fmt.Sprintf("(%s+%s)", args[0], args[1])
	case ir.ALUSub:
		return fmt.Sprintf("(%s-%s)", args[0], args[1])
	case ir.ALUMul:
		return fmt.Sprintf("(%s*%s)", args[0], args[1])
	case ir.ALUDiv:
		return fmt.Sprintf("(%s/%s)", args[0], args[1])
	case ir.ALUMod:
		if isHalf {
			return fmt.Sprintf("(_Float16)fmod((float)%s, (float)%s)", args[0], args[1])
		} else if operandDType.IsFloat() {
			return fmt.Sprintf("fmod(%s, %s)", args[0], args[1])
		}
		return fmt.Sprintf("(%s%%%s)", args[0], args[1])
	case ir.ALUMax:
		return fmt.Sprintf("(%s>%s?%s:%s)", args[0], args[1], args[0], args[1])
	case ir.ALUMin:
		return fmt.Sprintf("(%s<%s?%s:%s)", args[0], args[1], args[0], args[1])
	case ir.ALUCmpLT:
		return fmt.Sprintf("(%s<%s)", args[0], args[1])
	case ir.ALUCmpEQ:
		return fmt.Sprintf("(%s==%s)", args[0], args[1])
	case ir.ALUWhere:
		return fmt.Sprintf("(%s?%s:%s)", args[0], args[1], args[2])
	}
	panic(errors.Errorf("clang renderer: unknown ALU operation %s", op.ALU))
}

// renderConstant returns a C literal for value, which holds a bool, int64, uint64 or float64.
func renderConstant(dtype dtypes.DType, value any) string {
	switch v := value.(type) {
	case bool:
		if v {
			return "1"
		}
		return "0"
	case int64:
		switch dtype {
		case dtypes.Int64:
			if v == math.MinInt64 {
				return "(-9223372036854775807ll-1)"
			}
			return parenthesizeNegative(strconv.FormatInt(v, 10)+"ll", v < 0)
		case dtypes.Int32:
			if v == math.MinInt32 {
				return "(-2147483647-1)"
			}
			return parenthesizeNegative(strconv.FormatInt(v, 10), v < 0)
		}
		return fmt.Sprintf("((%s)%d)", cTypes[dtype], v)
	case uint64:
		switch dtype {
		case dtypes.Uint64:
			return strconv.FormatUint(v, 10) + "ull"
		case dtypes.Uint32:
			return strconv.FormatUint(v, 10) + "u"
		}
		return fmt.Sprintf("((%s)%du)", cTypes[dtype], v)
	case float64:
		switch dtype {
		case dtypes.Float64:
			return renderFloat(v, 64, "", "")
		case dtypes.Float16:
			return "((_Float16)" + renderFloat(v, 32, "f", "f") + ")"
		}
		return renderFloat(v, 32, "f", "f")
	}
	panic(errors.Errorf("clang renderer: invalid constant %v (%T) for dtype %s", value, value, dtype))
}

// renderFloat formats v with the shortest representation that round-trips for bitSize. The suffix is
// appended to literals, builtinSuffix to the builtins used for infinities and NaN.
func renderFloat(v float64, bitSize int, suffix, builtinSuffix string) string {
	switch {
	case math.IsNaN(v):
		return "__builtin_nan" + builtinSuffix + `("")`
	case math.IsInf(v, 1):
		return "__builtin_inf" + builtinSuffix + "()"
	case math.IsInf(v, -1):
		return "(-__builtin_inf" + builtinSuffix + "())"
	}
	s := strconv.FormatFloat(v, 'g', -1, bitSize)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return parenthesizeNegative(s+suffix, math.Signbit(v))
}

// parenthesizeNegative avoids things like "x--1" when literals are used as operands.
func parenthesizeNegative(literal string, negative bool) string {
	if negative {
		return "(" + literal + ")"
	}
	return literal
}
