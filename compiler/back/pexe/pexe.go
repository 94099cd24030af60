package pexe

import (
	"context"
	"encoding/binary"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"
	"tlog.app/go/tlog/tlwire"

	"github.com/omegalang/occ/compiler/back"
	"github.com/omegalang/occ/compiler/ir"
	"github.com/omegalang/occ/compiler/opt"
	"github.com/omegalang/occ/compiler/symtab"
)

type (
	// Header is the fixed image header.
	Header struct {
		Version    uint16
		RecordSize uint16

		Scopes  uint32
		Symbols uint32
		Labels  uint32

		CodeOff  uint32
		CodeSize uint32
		StrSize  uint32
	}

	layout struct {
		syms  []*symtab.Symbol
		index map[*symtab.Symbol]int

		labels []label
		offset map[ir.Label]uint32

		strtab []byte
		strs   map[string]uint32
	}

	label struct {
		name string
		off  uint32
	}
)

const (
	Magic      = "PEXE"
	Version    = 1
	RecordSize = 32

	HeaderSize    = 32
	ScopeEntry    = 16
	SymbolEntry   = 16
	LabelEntry    = 8
	MaxOperands   = 3
	operandsStart = 8
)

const (
	kindNone = iota
	kindImm
	kindReg
	kindSym
	kindLabel
)

var (
	ErrFormat         = errors.New("bad pexe image")
	ErrUndefinedLabel = errors.New("undefined label")
	ErrOperand        = errors.New("unencodable operand")
)

var le = binary.LittleEndian

// Generate appends a pexe image of c to b.
// Records have fixed size, so label offsets are known after a single layout pass.
func Generate(ctx context.Context, b []byte, c *opt.Collection, syms *symtab.Table) (_ []byte, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "pexe: generate", "scopes", len(c.Scopes), "symbols", syms.Len())
	defer tr.Finish("err", &err)

	l := &layout{
		index:  map[*symtab.Symbol]int{},
		offset: map[ir.Label]uint32{},
		strtab: []byte{0},
		strs:   map[string]uint32{"": 0},
	}

	syms.Ascend(func(s *symtab.Symbol) bool {
		l.index[s] = len(l.syms)
		l.syms = append(l.syms, s)
		l.str(s.Name)

		return true
	})

	var records uint32

	for _, s := range c.Scopes {
		l.str(s.Name)

		err = back.Walk(s, func(blk *opt.Block, i int, x *ir.Instr) error {
			if x.Label != "" {
				if _, ok := l.offset[x.Label]; ok {
					return errors.Wrap(ir.ErrDuplicateLabel, "%v", x.Label)
				}

				off := records * RecordSize

				l.offset[x.Label] = off
				l.labels = append(l.labels, label{name: string(x.Label), off: off})
				l.str(string(x.Label))
			}

			records++

			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "layout %v", s.Name)
		}
	}

	h := Header{
		Version:    Version,
		RecordSize: RecordSize,
		Scopes:     uint32(len(c.Scopes)),
		Symbols:    uint32(len(l.syms)),
		Labels:     uint32(len(l.labels)),
		CodeSize:   records * RecordSize,
		StrSize:    uint32(len(l.strtab)),
	}

	h.CodeOff = HeaderSize + h.Scopes*ScopeEntry + h.Symbols*SymbolEntry + h.Labels*LabelEntry

	tr.V("layout").Printw("layout", "header", h)

	b = h.append(b)

	var start uint32

	for _, s := range c.Scopes {
		var fn int

		if s.Func != nil {
			idx, ok := l.index[s.Func]
			if !ok {
				return nil, errors.Wrap(ir.ErrUnresolvedSymbol, "scope %v", s.Name)
			}

			fn = idx + 1
		}

		n := uint32(back.Len(s))

		b = le.AppendUint32(b, l.strs[s.Name])
		b = le.AppendUint32(b, uint32(fn))
		b = le.AppendUint32(b, start)
		b = le.AppendUint32(b, n)

		start += n * RecordSize
	}

	for _, s := range l.syms {
		b = le.AppendUint32(b, l.strs[s.Name])
		b = append(b, byte(s.Size), byte(s.Flags), 0, 0)
		b = le.AppendUint64(b, s.Init)
	}

	for _, x := range l.labels {
		b = le.AppendUint32(b, l.strs[x.name])
		b = le.AppendUint32(b, x.off)
	}

	for _, s := range c.Scopes {
		err = back.Walk(s, func(blk *opt.Block, i int, x *ir.Instr) (err error) {
			b, err = l.record(b, x)
			if err != nil {
				return errors.Wrap(err, "%v", x)
			}

			return nil
		})
		if err != nil {
			return nil, errors.Wrap(err, "scope %v", s.Name)
		}
	}

	b = append(b, l.strtab...)

	return b, nil
}

func (l *layout) record(b []byte, x *ir.Instr) ([]byte, error) {
	if len(x.Args) > MaxOperands {
		return nil, errors.Wrap(ErrOperand, "%d operands", len(x.Args))
	}

	var kind, reg [MaxOperands]byte
	var payload [MaxOperands]uint64

	for i, a := range x.Args {
		switch a.Kind {
		case ir.KindImm:
			kind[i] = kindImm
			payload[i] = a.Imm
		case ir.KindReg:
			kind[i] = kindReg
			reg[i] = byte(a.Reg)
		case ir.KindSym:
			idx, ok := l.index[a.Sym]
			if !ok {
				return nil, errors.Wrap(ir.ErrUnresolvedSymbol, "%v", a)
			}

			kind[i] = kindSym
			payload[i] = uint64(idx)
		case ir.KindLabel:
			off, ok := l.offset[a.Label]
			if !ok {
				return nil, errors.Wrap(ErrUndefinedLabel, "%v", a.Label)
			}

			kind[i] = kindLabel
			payload[i] = uint64(off)
		default:
			return nil, errors.Wrap(ErrOperand, "%v", a)
		}
	}

	b = append(b, byte(x.Op), byte(len(x.Args)))
	b = append(b, kind[:]...)
	b = append(b, reg[:]...)

	for _, p := range payload {
		b = le.AppendUint64(b, p)
	}

	return b, nil
}

func (l *layout) str(s string) uint32 {
	if off, ok := l.strs[s]; ok {
		return off
	}

	off := uint32(len(l.strtab))

	l.strtab = append(l.strtab, s...)
	l.strtab = append(l.strtab, 0)
	l.strs[s] = off

	return off
}

func (h Header) append(b []byte) []byte {
	b = append(b, Magic...)
	b = le.AppendUint16(b, h.Version)
	b = le.AppendUint16(b, h.RecordSize)
	b = le.AppendUint32(b, h.Scopes)
	b = le.AppendUint32(b, h.Symbols)
	b = le.AppendUint32(b, h.Labels)
	b = le.AppendUint32(b, h.CodeOff)
	b = le.AppendUint32(b, h.CodeSize)
	b = le.AppendUint32(b, h.StrSize)

	return b
}

func (h Header) TlogAppend(b []byte) []byte {
	var e tlwire.Encoder

	b = e.AppendMap(b, 6)

	b = e.AppendKeyInt(b, "scopes", int(h.Scopes))
	b = e.AppendKeyInt(b, "symbols", int(h.Symbols))
	b = e.AppendKeyInt(b, "labels", int(h.Labels))
	b = e.AppendKeyInt(b, "code_off", int(h.CodeOff))
	b = e.AppendKeyInt(b, "code_size", int(h.CodeSize))
	b = e.AppendKeyInt(b, "str_size", int(h.StrSize))

	return b
}
