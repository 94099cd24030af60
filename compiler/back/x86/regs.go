package x86

import (
	"github.com/omegalang/occ/compiler/ir"
	"github.com/omegalang/occ/compiler/symtab"
	"tlog.app/go/errors"
)

type register struct {
	QWord string
	DWord string
	Word  string
	Byte  string
}

var registers = [16]register{
	{QWord: "rax", DWord: "eax", Word: "ax", Byte: "al"},
	{QWord: "rcx", DWord: "ecx", Word: "cx", Byte: "cl"},
	{QWord: "rdx", DWord: "edx", Word: "dx", Byte: "dl"},
	{QWord: "rbx", DWord: "ebx", Word: "bx", Byte: "bl"},

	{QWord: "rsp", DWord: "esp", Word: "sp", Byte: "spl"},
	{QWord: "rbp", DWord: "ebp", Word: "bp", Byte: "bpl"},
	{QWord: "rsi", DWord: "esi", Word: "si", Byte: "sil"},
	{QWord: "rdi", DWord: "edi", Word: "di", Byte: "dil"},

	{QWord: "r8", DWord: "r8d", Word: "r8w", Byte: "r8b"},
	{QWord: "r9", DWord: "r9d", Word: "r9w", Byte: "r9b"},
	{QWord: "r10", DWord: "r10d", Word: "r10w", Byte: "r10b"},
	{QWord: "r11", DWord: "r11d", Word: "r11w", Byte: "r11b"},

	{QWord: "r12", DWord: "r12d", Word: "r12w", Byte: "r12b"},
	{QWord: "r13", DWord: "r13d", Word: "r13w", Byte: "r13b"},
	{QWord: "r14", DWord: "r14d", Word: "r14w", Byte: "r14b"},
	{QWord: "r15", DWord: "r15d", Word: "r15w", Byte: "r15b"},
}

// numbers maps every abstract register to its encoding, -1 is unmapped.
var numbers = [ir.NumRegs]int8{
	ir.IMM: -1,

	ir.R0: 0, ir.R1: 1, ir.R2: 2, ir.R3: 3,
	ir.R4: 4, ir.R5: 5, ir.R6: 6, ir.R7: 7,
	ir.R8: 8, ir.R9: 9, ir.R10: 10, ir.R11: 11,
	ir.R12: 12, ir.R13: 13, ir.R14: 14, ir.R15: 15,

	ir.A: 0, ir.C: 1, ir.D: 2, ir.B: 3,
	ir.SP: 4, ir.BP: 5, ir.SI: 6, ir.DI: 7,
}

// Number returns the x86 encoding of r.
func Number(r ir.Reg) (int, error) {
	if r >= ir.NumRegs || numbers[r] < 0 {
		return -1, errors.Wrap(ErrUnmappedRegister, "%v", r)
	}

	return int(numbers[r]), nil
}

// Reg names register r at size sz in mode m.
func (m Mode) Reg(r ir.Reg, sz symtab.Size) (string, error) {
	if !m.Supported() {
		return "", errors.Wrap(ErrUnsupportedMode, "%v", m)
	}

	n, err := Number(r)
	if err != nil {
		return "", err
	}

	if n >= 8 && m != Long {
		return "", errors.Wrap(ErrUnmappedRegister, "%v in %v mode", r, m)
	}

	x := registers[n]

	switch sz {
	case symtab.QWord:
		if m != Long {
			return "", errors.Wrap(ErrCodegen, "quadword register %v in %v mode", r, m)
		}

		return x.QWord, nil
	case symtab.DWord:
		return x.DWord, nil
	case symtab.Word:
		return x.Word, nil
	case symtab.Byte:
		if n >= 4 && m != Long {
			return "", errors.Wrap(ErrCodegen, "no byte form of %v in %v mode", x.DWord, m)
		}

		return x.Byte, nil
	default:
		return "", errors.Wrap(ErrCodegen, "register %v of size %v", r, sz)
	}
}
