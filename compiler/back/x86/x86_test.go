package x86

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tlog.app/go/errors"

	"github.com/omegalang/occ/compiler/ir"
	"github.com/omegalang/occ/compiler/opt"
	"github.com/omegalang/occ/compiler/symtab"
)

func program(t *testing.T) (*symtab.Table, *opt.Collection) {
	t.Helper()

	syms := symtab.New()

	_, err := syms.Declare("x", symtab.DWord, 0, 7)
	require.NoError(t, err)
	_, err = syms.Declare("c", symtab.Byte, symtab.Const|symtab.Signed, 0xff)
	require.NoError(t, err)
	f, err := syms.Declare("f", symtab.None, symtab.Func, 0)
	require.NoError(t, err)

	b := ir.NewBuilder(syms)

	x, err := b.Resolve("x")
	require.NoError(t, err)
	c, err := b.Resolve("c")
	require.NoError(t, err)
	fn, err := b.Resolve("f")
	require.NoError(t, err)

	emit := func(op ir.Opcode, args ...ir.Operand) {
		require.NoError(t, b.Emit(op, "", args...))
	}

	emit(ir.MOV, ir.R(ir.R0), x)
	emit(ir.MOV, ir.R(ir.R1), c)
	emit(ir.ADD, ir.R(ir.R0), ir.R(ir.R1))
	emit(ir.ADD, ir.R(ir.R0), ir.Imm(5))
	emit(ir.MOV, x, ir.R(ir.R0))
	emit(ir.CALL, fn)
	emit(ir.CMP, ir.R(ir.A), ir.Imm(3))
	emit(ir.JE, ir.To("_start.end"))
	emit(ir.NOP)

	require.NoError(t, b.SwitchToSubroutine(f))
	require.NoError(t, b.SwitchToGlobal())
	require.NoError(t, b.Finish("_start.end"))

	return syms, opt.Partition(context.Background(), b.Global, b.Subs)
}

const longText = `; occ: x86 long mode
BITS 64

%macro occ_exit 0
	mov	rdi, rax
	mov	eax, 60
	syscall
%endmacro

section .text
global _start

_start:
	mov	eax, dword [$x]
	movsx	rcx, byte [$c]
	add	rax, rcx
	add	rax, 0x5
	mov	dword [$x], eax
	call	$f
	cmp	rax, 0x3
	je	$_start.end
	nop
$_start.end:
	occ_exit

global $f
$f:
	ret

section .data
global $x
$x:	dd	0x7

section .rodata
global $c
$c:	db	0xFF
`

const protectedText = `; occ: x86 protected mode
BITS 32

%macro occ_exit 0
	mov	ebx, eax
	mov	eax, 1
	int	0x80
%endmacro

section .text
global _start

_start:
	mov	eax, dword [$x]
	movsx	ecx, byte [$c]
	add	eax, ecx
	add	eax, 0x5
	mov	dword [$x], eax
	call	$f
	cmp	eax, 0x3
	je	$_start.end
	nop
$_start.end:
	occ_exit

global $f
$f:
	ret

section .data
global $x
$x:	dd	0x7

section .rodata
global $c
$c:	db	0xFF
`

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	syms, c := program(t)

	text, err := Generate(ctx, nil, c, syms, Long)
	require.NoError(t, err)
	assert.Equal(t, longText, string(text))

	text, err = Generate(ctx, nil, c, syms, Protected)
	require.NoError(t, err)
	assert.Equal(t, protectedText, string(text))
}

func TestDeterministic(t *testing.T) {
	ctx := context.Background()
	syms, c := program(t)

	for _, m := range []Mode{Long, Protected} {
		a, err := Generate(ctx, nil, c, syms, m)
		require.NoError(t, err)

		b, err := Generate(ctx, []byte{}, c, syms, m)
		require.NoError(t, err)

		assert.Equal(t, a, b)
	}
}

func TestUnsupportedModes(t *testing.T) {
	syms, c := program(t)

	for _, m := range []Mode{Real, Virtual, SMM, Compatibility} {
		_, err := Generate(context.Background(), nil, c, syms, m)
		assert.True(t, errors.Is(err, ErrUnsupportedMode), "%v: %v", m, err)
	}
}

func lower(t *testing.T, syms *symtab.Table, m Mode, x *ir.Instr) (string, error) {
	t.Helper()

	g := &gen{mode: m, w: m.Width(), syms: syms}

	b, err := g.instr(nil, x)

	return string(b), err
}

func TestLowering(t *testing.T) {
	syms := symtab.New()

	sym := func(name string, sz symtab.Size, f symtab.Flags) ir.Operand {
		s, err := syms.Declare(name, sz, f, 0)
		require.NoError(t, err)
		return ir.Sym(s)
	}

	b := sym("b", symtab.Byte, 0)
	sw := sym("sw", symtab.Word, symtab.Signed)
	sd := sym("sd", symtab.DWord, symtab.Signed)
	q := sym("q", symtab.QWord, 0)
	fn := sym("fn", symtab.None, symtab.Func)

	minus1 := uint64(0xffff_ffff_ffff_ffff)

	for _, tc := range []struct {
		mode Mode
		x    ir.Instr
		want string
		err  error
	}{
		{Long, ir.Instr{Op: ir.MOV, Args: []ir.Operand{ir.R(ir.R8), ir.Imm(1)}}, "\tmov\tr8, 0x1\n", nil},
		{Protected, ir.Instr{Op: ir.MOV, Args: []ir.Operand{ir.R(ir.R8), ir.Imm(1)}}, "", ErrUnmappedRegister},
		{Long, ir.Instr{Op: ir.MOV, Args: []ir.Operand{ir.R(ir.R0), ir.Imm(1 << 40)}}, "\tmov\trax, 0x10000000000\n", nil},
		{Protected, ir.Instr{Op: ir.MOV, Args: []ir.Operand{ir.R(ir.R0), ir.Imm(1 << 40)}}, "", ErrCodegen},
		{Long, ir.Instr{Op: ir.ADD, Args: []ir.Operand{ir.R(ir.R0), ir.Imm(1 << 40)}}, "", ErrCodegen},
		{Long, ir.Instr{Op: ir.SUB, Args: []ir.Operand{ir.R(ir.B), ir.Imm(minus1)}}, "\tsub\trbx, -0x1\n", nil},
		{Protected, ir.Instr{Op: ir.SUB, Args: []ir.Operand{ir.R(ir.B), ir.Imm(minus1)}}, "\tsub\tebx, 0xFFFFFFFF\n", nil},
		{Long, ir.Instr{Op: ir.MOV, Args: []ir.Operand{ir.R(ir.R0), b}}, "\tmovzx\trax, byte [$b]\n", nil},
		{Long, ir.Instr{Op: ir.MOV, Args: []ir.Operand{ir.R(ir.R1), sw}}, "\tmovsx\trcx, word [$sw]\n", nil},
		{Long, ir.Instr{Op: ir.MOV, Args: []ir.Operand{ir.R(ir.R2), sd}}, "\tmovsxd\trdx, dword [$sd]\n", nil},
		{Protected, ir.Instr{Op: ir.MOV, Args: []ir.Operand{ir.R(ir.R2), sd}}, "\tmov\tedx, dword [$sd]\n", nil},
		{Long, ir.Instr{Op: ir.MOV, Args: []ir.Operand{ir.R(ir.R0), q}}, "\tmov\trax, qword [$q]\n", nil},
		{Protected, ir.Instr{Op: ir.MOV, Args: []ir.Operand{ir.R(ir.R0), q}}, "", ErrCodegen},
		{Long, ir.Instr{Op: ir.MOV, Args: []ir.Operand{b, ir.R(ir.SI)}}, "\tmov\tbyte [$b], sil\n", nil},
		{Protected, ir.Instr{Op: ir.MOV, Args: []ir.Operand{b, ir.R(ir.SI)}}, "", ErrCodegen},
		{Protected, ir.Instr{Op: ir.MOV, Args: []ir.Operand{sw, ir.R(ir.D)}}, "\tmov\tword [$sw], dx\n", nil},
		{Long, ir.Instr{Op: ir.MOV, Args: []ir.Operand{b, ir.Imm(0x100)}}, "", ErrCodegen},
		{Long, ir.Instr{Op: ir.MOV, Args: []ir.Operand{b, ir.Imm(minus1)}}, "\tmov\tbyte [$b], 0xFF\n", nil},
		{Long, ir.Instr{Op: ir.MOV, Args: []ir.Operand{b, sw}}, "", ErrCodegen},
		{Long, ir.Instr{Op: ir.ADD, Args: []ir.Operand{ir.R(ir.R0), b}}, "", ErrCodegen},
		{Long, ir.Instr{Op: ir.ADD, Args: []ir.Operand{ir.R(ir.R0), q}}, "\tadd\trax, qword [$q]\n", nil},
		{Long, ir.Instr{Op: ir.MOV, Args: []ir.Operand{ir.R(ir.IMM), ir.Imm(1)}}, "", ErrUnmappedRegister},
		{Long, ir.Instr{Op: ir.CALL, Args: []ir.Operand{fn}}, "\tcall\t$fn\n", nil},
		{Long, ir.Instr{Op: ir.CALL, Args: []ir.Operand{b}}, "", ErrCodegen},
		{Long, ir.Instr{Op: ir.MOV, Args: []ir.Operand{ir.R(ir.R0), fn}}, "", ErrCodegen},
		{Long, ir.Instr{Op: ir.JB, Args: []ir.Operand{ir.To("f.l")}}, "\tjb\t$f.l\n", nil},
		{Long, ir.Instr{Op: ir.JB, Args: []ir.Operand{ir.Imm(3)}}, "", ErrCodegen},
		{Long, ir.Instr{Op: ir.RET, Args: []ir.Operand{ir.Imm(3)}}, "", ErrCodegen},
		{Long, ir.Instr{Op: ir.EXIT}, "\tocc_exit\n", nil},
	} {
		x := tc.x

		got, err := lower(t, syms, tc.mode, &x)
		if tc.err != nil {
			assert.True(t, errors.Is(err, tc.err), "%v %v: %v", tc.mode, &x, err)
			continue
		}

		if assert.NoError(t, err, "%v %v", tc.mode, &x) {
			assert.Equal(t, tc.want, got, "%v %v", tc.mode, &x)
		}
	}
}

func TestRegisterMapping(t *testing.T) {
	for r := ir.R0; r <= ir.R15; r++ {
		n, err := Number(r)
		require.NoError(t, err)
		assert.Equal(t, int(r-ir.R0), n)
	}

	for r, want := range map[ir.Reg]string{ir.A: "eax", ir.B: "ebx", ir.C: "ecx", ir.D: "edx", ir.SI: "esi", ir.DI: "edi", ir.BP: "ebp", ir.SP: "esp"} {
		got, err := Protected.Reg(r, symtab.DWord)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := Number(ir.IMM)
	assert.True(t, errors.Is(err, ErrUnmappedRegister))

	_, err = Number(ir.NumRegs)
	assert.True(t, errors.Is(err, ErrUnmappedRegister))

	_, err = Real.Reg(ir.R0, symtab.Word)
	assert.True(t, errors.Is(err, ErrUnsupportedMode))
}

func TestStaticSubroutine(t *testing.T) {
	syms := symtab.New()

	f, err := syms.Declare("helper", symtab.None, symtab.Func|symtab.Static, 0)
	require.NoError(t, err)

	b := ir.NewBuilder(syms)
	require.NoError(t, b.SwitchToSubroutine(f))
	require.NoError(t, b.Emit(ir.RET, ""))
	require.NoError(t, b.SwitchToGlobal())
	require.NoError(t, b.Finish(""))

	c := opt.Partition(context.Background(), b.Global, b.Subs)

	text, err := Generate(context.Background(), nil, c, syms, Long)
	require.NoError(t, err)

	assert.NotContains(t, string(text), "global $helper")
	assert.Contains(t, string(text), "\n$helper:\n\tret\n")
	assert.NotContains(t, string(text), "\tret\n\tret\n")
	assert.NotContains(t, string(text), "section .data")
}

func TestReservedNames(t *testing.T) {
	syms := symtab.New()

	rcx, err := syms.Declare("rcx", symtab.QWord, 0, 0)
	require.NoError(t, err)
	_, err = syms.Declare("section", symtab.DWord, symtab.Const, 1)
	require.NoError(t, err)
	f, err := syms.Declare("global", symtab.None, symtab.Func, 0)
	require.NoError(t, err)

	b := ir.NewBuilder(syms)

	fn, err := b.Resolve("global")
	require.NoError(t, err)

	require.NoError(t, b.Emit(ir.MOV, "", ir.R(ir.R0), ir.Sym(rcx)))
	require.NoError(t, b.Emit(ir.CALL, "", fn))
	require.NoError(t, b.SwitchToSubroutine(f))
	require.NoError(t, b.Emit(ir.JMP, "global.db", ir.To("global.db")))
	require.NoError(t, b.SwitchToGlobal())
	require.NoError(t, b.Finish(""))

	c := opt.Partition(context.Background(), b.Global, b.Subs)

	text, err := Generate(context.Background(), nil, c, syms, Long)
	require.NoError(t, err)

	s := string(text)

	assert.Contains(t, s, "\tmov\trax, qword [$rcx]\n")
	assert.Contains(t, s, "\tcall\t$global\n")
	assert.Contains(t, s, "\nglobal $global\n$global:\n$global.db:\n\tjmp\t$global.db\n")
	assert.Contains(t, s, "\nglobal $rcx\n$rcx:\tdq\t0x0\n")
	assert.Contains(t, s, "\nglobal $section\n$section:\tdd\t0x1\n")
	assert.NotContains(t, s, "[rcx]")
}
