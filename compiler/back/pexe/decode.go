package pexe

import (
	"bytes"
	"context"

	"nikand.dev/go/heap"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/omegalang/occ/compiler/ir"
	"github.com/omegalang/occ/compiler/symtab"
)

type (
	// Image is a decoded pexe file.
	// Queues are rebuilt in the order they were written,
	// subroutine queues end with an explicit ret.
	Image struct {
		Header Header

		Symbols *symtab.Table
		Global  *ir.Queue
		Subs    []*ir.Queue
	}

	decoder struct {
		data []byte
		h    Header

		strtab []byte
		syms   []*symtab.Symbol
		names  map[uint32]ir.Label
	}

	scope struct {
		name  string
		fn    uint32
		start uint32
		count uint32
	}
)

// Decode parses an image produced by Generate.
func Decode(ctx context.Context, data []byte) (img *Image, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "pexe: decode", "size", len(data))
	defer tr.Finish("err", &err)

	d := &decoder{data: data}

	err = d.header()
	if err != nil {
		return nil, err
	}

	tr.V("layout").Printw("header", "header", d.h)

	img = &Image{
		Header:  d.h,
		Symbols: symtab.New(),
	}

	pos := uint32(HeaderSize)

	scopes := make([]scope, d.h.Scopes)

	for i := range scopes {
		p := data[pos:]

		scopes[i] = scope{
			fn:    le.Uint32(p[4:]),
			start: le.Uint32(p[8:]),
			count: le.Uint32(p[12:]),
		}

		scopes[i].name, err = d.str(le.Uint32(p))
		if err != nil {
			return nil, errors.Wrap(err, "scope %d", i)
		}

		pos += ScopeEntry
	}

	for i := uint32(0); i < d.h.Symbols; i++ {
		p := data[pos:]

		name, err := d.str(le.Uint32(p))
		if err != nil {
			return nil, errors.Wrap(err, "symbol %d", i)
		}

		sz := symtab.Size(p[4])
		if sz > symtab.QWord {
			return nil, errors.Wrap(ErrFormat, "symbol %v: size %d", name, sz)
		}

		s, err := img.Symbols.Declare(name, sz, symtab.Flags(p[5]), le.Uint64(p[8:]))
		if err != nil {
			return nil, errors.Wrap(ErrFormat, "symbol %d: %v", i, err)
		}

		d.syms = append(d.syms, s)

		pos += SymbolEntry
	}

	labels := heap.Heap[label]{Less: func(l []label, i, j int) bool {
		return l[i].off < l[j].off
	}}

	d.names = make(map[uint32]ir.Label, d.h.Labels)

	for i := uint32(0); i < d.h.Labels; i++ {
		p := data[pos:]

		name, err := d.str(le.Uint32(p))
		if err != nil {
			return nil, errors.Wrap(err, "label %d", i)
		}

		off := le.Uint32(p[4:])

		if name == "" || off%RecordSize != 0 || off >= d.h.CodeSize {
			return nil, errors.Wrap(ErrFormat, "label %q at %#x", name, off)
		}

		if _, ok := d.names[off]; ok {
			return nil, errors.Wrap(ErrFormat, "two labels at %#x", off)
		}

		d.names[off] = ir.Label(name)

		labels.Push(label{name: name, off: off})

		pos += LabelEntry
	}

	var end uint32

	for i, s := range scopes {
		q, err := d.scope(s, end, i == 0, &labels)
		if err != nil {
			return nil, errors.Wrap(err, "scope %v", s.name)
		}

		if i == 0 {
			img.Global = q
		} else {
			img.Subs = append(img.Subs, q)
		}

		end = s.start + s.count*RecordSize
	}

	if end != d.h.CodeSize {
		return nil, errors.Wrap(ErrFormat, "scopes cover %#x of %#x code bytes", end, d.h.CodeSize)
	}

	return img, nil
}

func (d *decoder) header() error {
	data := d.data

	if len(data) < HeaderSize {
		return errors.Wrap(ErrFormat, "short header: %d bytes", len(data))
	}

	if string(data[:4]) != Magic {
		return errors.Wrap(ErrFormat, "magic %q", data[:4])
	}

	h := Header{
		Version:    le.Uint16(data[4:]),
		RecordSize: le.Uint16(data[6:]),
		Scopes:     le.Uint32(data[8:]),
		Symbols:    le.Uint32(data[12:]),
		Labels:     le.Uint32(data[16:]),
		CodeOff:    le.Uint32(data[20:]),
		CodeSize:   le.Uint32(data[24:]),
		StrSize:    le.Uint32(data[28:]),
	}

	if h.Version != Version {
		return errors.Wrap(ErrFormat, "version %d", h.Version)
	}

	if h.RecordSize != RecordSize || h.CodeSize%RecordSize != 0 {
		return errors.Wrap(ErrFormat, "record size %d, code size %d", h.RecordSize, h.CodeSize)
	}

	if h.Scopes == 0 {
		return errors.Wrap(ErrFormat, "no global scope")
	}

	tables := uint64(HeaderSize) + uint64(h.Scopes)*ScopeEntry + uint64(h.Symbols)*SymbolEntry + uint64(h.Labels)*LabelEntry

	if uint64(h.CodeOff) != tables {
		return errors.Wrap(ErrFormat, "code offset %#x, tables end at %#x", h.CodeOff, tables)
	}

	if total := tables + uint64(h.CodeSize) + uint64(h.StrSize); total != uint64(len(data)) {
		return errors.Wrap(ErrFormat, "image size %d, header describes %d", len(data), total)
	}

	d.h = h
	d.strtab = data[h.CodeOff+h.CodeSize:]

	return nil
}

func (d *decoder) scope(s scope, start uint32, global bool, labels *heap.Heap[label]) (*ir.Queue, error) {
	if s.start != start {
		return nil, errors.Wrap(ErrFormat, "scope starts at %#x, want %#x", s.start, start)
	}

	if uint64(s.start)+uint64(s.count)*RecordSize > uint64(d.h.CodeSize) {
		return nil, errors.Wrap(ErrFormat, "scope overflows code")
	}

	q := &ir.Queue{Name: s.name}

	switch {
	case global && s.fn != 0, !global && s.fn == 0:
		return nil, errors.Wrap(ErrFormat, "function symbol %d", s.fn)
	case !global:
		if s.fn > uint32(len(d.syms)) {
			return nil, errors.Wrap(ErrFormat, "function symbol %d", s.fn)
		}

		q.Func = d.syms[s.fn-1]

		if !q.Func.Is(symtab.Func) || q.Func.Name != s.name {
			return nil, errors.Wrap(ErrFormat, "scope function %v", q.Func.Name)
		}
	}

	code := d.data[d.h.CodeOff:]

	for i := uint32(0); i < s.count; i++ {
		off := s.start + i*RecordSize

		x, err := d.record(code[off : off+RecordSize])
		if err != nil {
			return nil, errors.Wrap(err, "record at %#x", off)
		}

		if labels.Len() != 0 && labels.Data[0].off == off {
			x.Label = ir.Label(labels.Pop().name)
		}

		q.Code = append(q.Code, x)
	}

	return q, nil
}

func (d *decoder) record(r []byte) (*ir.Instr, error) {
	op := ir.Opcode(r[0])
	argc := int(r[1])

	if op >= ir.NumOps || argc != op.Arity() {
		return nil, errors.Wrap(ErrFormat, "opcode %d with %d operands", r[0], argc)
	}

	kind := r[2 : 2+MaxOperands]
	reg := r[2+MaxOperands : operandsStart]

	x := &ir.Instr{Op: op}

	for i := 0; i < MaxOperands; i++ {
		p := le.Uint64(r[operandsStart+8*i:])

		if i >= argc {
			if kind[i] != kindNone || reg[i] != 0 || p != 0 {
				return nil, errors.Wrap(ErrFormat, "garbage in operand %d", i)
			}

			continue
		}

		var a ir.Operand

		switch kind[i] {
		case kindImm:
			a = ir.Imm(p)
		case kindReg:
			if ir.Reg(reg[i]) == ir.IMM || ir.Reg(reg[i]) >= ir.NumRegs {
				return nil, errors.Wrap(ErrFormat, "register %d", reg[i])
			}

			a = ir.R(ir.Reg(reg[i]))
		case kindSym:
			if p >= uint64(len(d.syms)) {
				return nil, errors.Wrap(ErrFormat, "symbol %d", p)
			}

			a = ir.Sym(d.syms[p])
		case kindLabel:
			l, ok := d.names[uint32(p)]
			if !ok || p>>32 != 0 {
				return nil, errors.Wrap(ErrFormat, "dangling label at %#x", p)
			}

			a = ir.To(l)
		default:
			return nil, errors.Wrap(ErrFormat, "operand kind %d", kind[i])
		}

		x.Args = append(x.Args, a)
	}

	return x, nil
}

func (d *decoder) str(off uint32) (string, error) {
	if off >= uint32(len(d.strtab)) {
		return "", errors.Wrap(ErrFormat, "string offset %#x", off)
	}

	s := d.strtab[off:]

	end := bytes.IndexByte(s, 0)
	if end < 0 {
		return "", errors.Wrap(ErrFormat, "unterminated string at %#x", off)
	}

	return string(s[:end]), nil
}
