package ir

import (
	"fmt"
	"strings"

	"github.com/omegalang/occ/compiler/symtab"
	"tlog.app/go/tlog/tlwire"
)

type (
	// Reg is an abstract register.
	// Concrete registers are chosen by the code generator.
	Reg uint8

	Kind uint8

	Opcode uint8

	Label string

	Operand struct {
		Kind  Kind
		Reg   Reg
		Imm   uint64
		Sym   *symtab.Symbol
		Label Label
	}

	// Instr is an intermediate instruction, icmd.
	Instr struct {
		Op    Opcode
		Args  []Operand
		Label Label
	}
)

const (
	IMM Reg = iota

	R0
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15

	// x86 names
	A
	B
	C
	D
	SI
	DI
	BP
	SP

	NumRegs
)

const (
	KindNone Kind = iota
	KindImm
	KindReg
	KindSym
	KindLabel

	NumKinds
)

const (
	NOP Opcode = iota
	MOV
	ADD
	SUB
	AND
	OR
	XOR
	CMP
	JMP
	JE
	JNE
	JL
	JLE
	JG
	JGE
	JB
	JBE
	JA
	JAE
	CALL
	RET
	EXIT

	NumOps
)

var regNames = [NumRegs]string{
	"imm",
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"a", "b", "c", "d", "si", "di", "bp", "sp",
}

var opNames = [NumOps]string{
	"nop", "mov", "add", "sub", "and", "or", "xor", "cmp",
	"jmp", "je", "jne", "jl", "jle", "jg", "jge", "jb", "jbe", "ja", "jae",
	"call", "ret", "exit",
}

func Imm(v uint64) Operand { return Operand{Kind: KindImm, Imm: v} }

func R(r Reg) Operand { return Operand{Kind: KindReg, Reg: r} }

func Sym(s *symtab.Symbol) Operand { return Operand{Kind: KindSym, Sym: s} }

func To(l Label) Operand { return Operand{Kind: KindLabel, Label: l} }

func (r Reg) String() string {
	if r < NumRegs {
		return regNames[r]
	}

	return fmt.Sprintf("reg%d", int(r))
}

func (op Opcode) String() string {
	if op < NumOps {
		return opNames[op]
	}

	return fmt.Sprintf("op%d", int(op))
}

// Transfer reports whether op ends a basic block.
// CALL returns to the next instruction so it does not.
func (op Opcode) Transfer() bool {
	return op >= JMP && op <= JAE || op == RET || op == EXIT
}

func (op Opcode) Jump() bool {
	return op >= JMP && op <= JAE
}

// Invert returns the conditional jump taken when op is not.
// It returns op itself for anything else.
func (op Opcode) Invert() Opcode {
	switch op {
	case JE:
		return JNE
	case JNE:
		return JE
	case JL:
		return JGE
	case JGE:
		return JL
	case JLE:
		return JG
	case JG:
		return JLE
	case JB:
		return JAE
	case JAE:
		return JB
	case JBE:
		return JA
	case JA:
		return JBE
	default:
		return op
	}
}

// Arity is the number of operands op takes.
func (op Opcode) Arity() int {
	switch {
	case op >= MOV && op <= CMP:
		return 2
	case op.Jump(), op == CALL:
		return 1
	default:
		return 0
	}
}

func (x Operand) String() string {
	switch x.Kind {
	case KindImm:
		return fmt.Sprintf("0x%X", x.Imm)
	case KindReg:
		return x.Reg.String()
	case KindSym:
		if x.Sym == nil {
			return "<nil>"
		}

		return x.Sym.Name
	case KindLabel:
		return "@" + string(x.Label)
	default:
		return "_"
	}
}

func (x *Instr) String() string {
	var b strings.Builder

	if x.Label != "" {
		b.WriteString(string(x.Label))
		b.WriteString(": ")
	}

	b.WriteString(x.Op.String())

	for i, a := range x.Args {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}

		b.WriteString(a.String())
	}

	return b.String()
}

func (x Operand) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	return e.AppendString(b, x.String())
}

func (x *Instr) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	return e.AppendString(b, x.String())
}
