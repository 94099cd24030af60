package x86

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/omegalang/occ/compiler/back"
	"github.com/omegalang/occ/compiler/ir"
	"github.com/omegalang/occ/compiler/opt"
	"github.com/omegalang/occ/compiler/symtab"
)

type (
	gen struct {
		mode Mode
		w    symtab.Size

		syms *symtab.Table
	}
)

var (
	ErrCodegen          = errors.New("codegen")
	ErrUnmappedRegister = errors.New("unmapped register")
	ErrUnsupportedMode  = errors.New("unsupported processor mode")
)

const exitMacro = "occ_exit"

// Generate appends NASM text for c to b.
// The same collection and mode always give the same text.
func Generate(ctx context.Context, b []byte, c *opt.Collection, syms *symtab.Table, m Mode) (_ []byte, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "x86: generate", "mode", m, "scopes", len(c.Scopes))
	defer tr.Finish("err", &err)

	if !m.Supported() {
		return nil, errors.Wrap(ErrUnsupportedMode, "%v", m)
	}

	g := &gen{
		mode: m,
		w:    m.Width(),
		syms: syms,
	}

	b = g.prelude(b)

	for _, s := range c.Scopes {
		b, err = g.scope(ctx, b, s)
		if err != nil {
			return nil, errors.Wrap(err, "scope %v", s.Name)
		}
	}

	b = g.data(b)

	return b, nil
}

func (g *gen) prelude(b []byte) []byte {
	b = hfmt.Appendf(b, "; occ: x86 %v mode\nBITS %d\n\n", g.mode, g.mode.Bits())

	b = hfmt.Appendf(b, "%%macro %s 0\n", exitMacro)

	if g.mode == Long {
		b = append(b, "\tmov\trdi, rax\n\tmov\teax, 60\n\tsyscall\n"...)
	} else {
		b = append(b, "\tmov\tebx, eax\n\tmov\teax, 1\n\tint\t0x80\n"...)
	}

	b = append(b, "%endmacro\n\nsection .text\n"...)
	b = hfmt.Appendf(b, "global %s\n", ir.GlobalName)

	return b
}

func (g *gen) scope(ctx context.Context, b []byte, s *opt.Scope) (_ []byte, err error) {
	b = append(b, '\n')

	if s.Func != nil && !s.Func.Is(symtab.Static) {
		b = hfmt.Appendf(b, "global %s\n", ident(s.Name))
	}

	b = hfmt.Appendf(b, "%s:\n", ident(s.Name))

	err = back.Walk(s, func(blk *opt.Block, i int, x *ir.Instr) (err error) {
		if blk != nil && i == 0 && blk.Label != "" {
			b = hfmt.Appendf(b, "%s:\n", ident(string(blk.Label)))
		}

		b, err = g.instr(b, x)
		if err != nil {
			return errors.Wrap(err, "%v", x)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	tlog.SpanFromContext(ctx).V("x86").Printw("scope", "name", s.Name, "blocks", len(s.Blocks), "instrs", back.Len(s))

	return b, nil
}

func (g *gen) instr(b []byte, x *ir.Instr) (_ []byte, err error) {
	if len(x.Args) != x.Op.Arity() {
		return nil, errors.Wrap(ErrCodegen, "%v takes %d operands, got %d", x.Op, x.Op.Arity(), len(x.Args))
	}

	switch op := x.Op; op {
	case ir.NOP, ir.RET:
		return line(b, op.String()), nil
	case ir.EXIT:
		return line(b, exitMacro), nil
	case ir.MOV:
		return g.mov(b, x.Args[0], x.Args[1])
	case ir.ADD, ir.SUB, ir.AND, ir.OR, ir.XOR, ir.CMP:
		return g.alu(b, op.String(), x.Args[0], x.Args[1])
	case ir.CALL:
		s := x.Args[0].Sym
		if x.Args[0].Kind != ir.KindSym || s == nil || !s.Is(symtab.Func) {
			return nil, errors.Wrap(ErrCodegen, "call of non-function %v", x.Args[0])
		}

		return line(b, "call", ident(s.Name)), nil
	}

	if x.Op.Jump() {
		if x.Args[0].Kind != ir.KindLabel {
			return nil, errors.Wrap(ErrCodegen, "jump to %v", x.Args[0])
		}

		return line(b, x.Op.String(), ident(string(x.Args[0].Label))), nil
	}

	return nil, errors.Wrap(ErrCodegen, "unsupported opcode %v", x.Op)
}

func (g *gen) mov(b []byte, dst, src ir.Operand) (_ []byte, err error) {
	switch {
	case dst.Kind == ir.KindReg && src.Kind == ir.KindSym:
		return g.load(b, dst.Reg, src.Sym)
	case dst.Kind == ir.KindReg && src.Kind == ir.KindImm:
		r, err := g.mode.Reg(dst.Reg, g.w)
		if err != nil {
			return nil, err
		}

		v, ok := immediate(src.Imm, g.w, false)
		if !ok {
			return nil, errors.Wrap(ErrCodegen, "immediate %#x does not fit %v", src.Imm, g.w)
		}

		return line(b, "mov", r, v), nil
	}

	return g.alu(b, "mov", dst, src)
}

// load widens narrow memory operands to the mode width.
func (g *gen) load(b []byte, dst ir.Reg, s *symtab.Symbol) ([]byte, error) {
	mem, err := g.memory(s)
	if err != nil {
		return nil, err
	}

	w := g.w
	mn := "mov"
	signed := s.Is(symtab.Signed)

	switch {
	case s.Size == w:
	case s.Size == symtab.DWord && w == symtab.QWord:
		if signed {
			mn = "movsxd"
		} else {
			w = symtab.DWord // writing eax clears the upper half
		}
	case signed:
		mn = "movsx"
	default:
		mn = "movzx"
	}

	r, err := g.mode.Reg(dst, w)
	if err != nil {
		return nil, err
	}

	return line(b, mn, r, mem), nil
}

// alu lowers two operand instructions with x86 operand rules.
func (g *gen) alu(b []byte, mn string, dst, src ir.Operand) (_ []byte, err error) {
	switch dst.Kind {
	case ir.KindReg:
		d, err := g.mode.Reg(dst.Reg, g.w)
		if err != nil {
			return nil, err
		}

		switch src.Kind {
		case ir.KindReg:
			s, err := g.mode.Reg(src.Reg, g.w)
			if err != nil {
				return nil, err
			}

			return line(b, mn, d, s), nil
		case ir.KindImm:
			v, ok := immediate(src.Imm, g.w, true)
			if !ok {
				return nil, errors.Wrap(ErrCodegen, "%v: immediate %#x does not fit", mn, src.Imm)
			}

			return line(b, mn, d, v), nil
		case ir.KindSym:
			mem, err := g.memory(src.Sym)
			if err != nil {
				return nil, err
			}

			if src.Sym.Size != g.w {
				return nil, errors.Wrap(ErrCodegen, "%v: operand size mismatch: %v %v", mn, g.w, src.Sym.Size)
			}

			return line(b, mn, d, mem), nil
		}
	case ir.KindSym:
		mem, err := g.memory(dst.Sym)
		if err != nil {
			return nil, err
		}

		sz := dst.Sym.Size

		switch src.Kind {
		case ir.KindReg:
			s, err := g.mode.Reg(src.Reg, sz)
			if err != nil {
				return nil, err
			}

			return line(b, mn, mem, s), nil
		case ir.KindImm:
			v, ok := immediate(src.Imm, sz, true)
			if !ok {
				return nil, errors.Wrap(ErrCodegen, "%v: immediate %#x does not fit %v", mn, src.Imm, sz)
			}

			return line(b, mn, mem, v), nil
		case ir.KindSym:
			return nil, errors.Wrap(ErrCodegen, "%v: memory to memory: %v, %v", mn, dst, src)
		}
	}

	return nil, errors.Wrap(ErrCodegen, "%v: operands %v, %v", mn, dst, src)
}

func (g *gen) memory(s *symtab.Symbol) (string, error) {
	if s == nil || !s.Data() {
		return "", errors.Wrap(ErrCodegen, "%v is not a data symbol", s)
	}

	if s.Size == symtab.QWord && g.mode != Long {
		return "", errors.Wrap(ErrCodegen, "quadword %v in %v mode", s.Name, g.mode)
	}

	return s.Size.String() + " [" + ident(s.Name) + "]", nil
}

func (g *gen) data(b []byte) []byte {
	var rw, ro []*symtab.Symbol

	g.syms.Ascend(func(s *symtab.Symbol) bool {
		switch {
		case !s.Data():
		case s.Is(symtab.Const):
			ro = append(ro, s)
		default:
			rw = append(rw, s)
		}

		return true
	})

	b = section(b, ".data", rw)
	b = section(b, ".rodata", ro)

	return b
}

var directives = [...]string{symtab.Byte: "db", symtab.Word: "dw", symtab.DWord: "dd", symtab.QWord: "dq"}

func section(b []byte, name string, l []*symtab.Symbol) []byte {
	if len(l) == 0 {
		return b
	}

	b = hfmt.Appendf(b, "\nsection %s\n", name)

	for _, s := range l {
		if !s.Is(symtab.Static) {
			b = hfmt.Appendf(b, "global %s\n", ident(s.Name))
		}

		b = hfmt.Appendf(b, "%s:\t%s\t0x%X\n", ident(s.Name), directives[s.Size], s.Init&mask(s.Size))
	}

	return b
}

// immediate formats v as an operand of size sz.
// With sext32 quadword operands are limited to sign extended 32 bit values.
func immediate(v uint64, sz symtab.Size, sext32 bool) (string, bool) {
	if sz == symtab.QWord {
		if !sext32 {
			return fmt.Sprintf("0x%X", v), true
		}

		x := int64(v)
		if x < math.MinInt32 || x > math.MaxInt32 {
			return "", false
		}

		if x < 0 {
			return fmt.Sprintf("-0x%X", -x), true
		}

		return fmt.Sprintf("0x%X", x), true
	}

	n := sz.Bits()
	x := int64(v)

	if v>>n != 0 && (x >= 0 || x < -(1<<(n-1))) {
		return "", false
	}

	return fmt.Sprintf("0x%X", v&mask(sz)), true
}

func mask(sz symtab.Size) uint64 {
	if sz == symtab.QWord {
		return math.MaxUint64
	}

	return 1<<sz.Bits() - 1
}

// ident marks name as an identifier, so source names like rax or section
// can't be read as registers or directives.
func ident(name string) string {
	if name == ir.GlobalName {
		return name
	}

	return "$" + name
}

func line(b []byte, mn string, ops ...string) []byte {
	b = append(b, '\t')
	b = append(b, mn...)

	if len(ops) != 0 {
		b = append(b, '\t')
		b = append(b, strings.Join(ops, ", ")...)
	}

	return append(b, '\n')
}
