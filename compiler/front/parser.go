package front

import (
	"context"
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/omegalang/occ/compiler/ir"
	"github.com/omegalang/occ/compiler/symtab"
)

type (
	// Parser reads one statement per line and drives the builder.
	// A rejected statement leaves no trace in the queues.
	Parser struct {
		b    *ir.Builder
		syms *symtab.Table

		text []byte

		toks   []lexeme
		ti     int
		pos    int // statement start
		eol    int
		resume int // next line

		pending ir.Label // labels the next emitted instruction

		cp   *Checkpoint
		errs []*SyntaxError
	}
)

var ErrSyntax = errors.New("syntax errors")

var reserved = map[ident]bool{
	"byte": true, "word": true, "dword": true, "qword": true,
	"static": true, "const": true, "signed": true, "type": true,
	"sub": true, "end": true,
	"if": true, "goto": true, "call": true, "return": true,
	ident(ir.GlobalName): true,
}

// conditions holds unsigned and signed jumps for each comparison.
var conditions = map[punct][2]ir.Opcode{
	"==": {ir.JE, ir.JE},
	"!=": {ir.JNE, ir.JNE},
	"<":  {ir.JB, ir.JL},
	"<=": {ir.JBE, ir.JLE},
	">":  {ir.JA, ir.JG},
	">=": {ir.JAE, ir.JGE},
}

var operators = map[punct]ir.Opcode{
	"+": ir.ADD,
	"-": ir.SUB,
	"&": ir.AND,
	"|": ir.OR,
	"^": ir.XOR,
}

func New(b *ir.Builder, syms *symtab.Table) *Parser {
	return &Parser{
		b:    b,
		syms: syms,
	}
}

// Parse parses text statement by statement.
// Malformed statements are reported and skipped, so one pass finds all of them.
// The returned error wraps ErrSyntax if any statement was rejected.
func (p *Parser) Parse(ctx context.Context, text []byte) (err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "front: parse", "size", len(text))
	defer tr.Finish("err", &err)

	p.text = text

	for i := 0; i < len(text); {
		next := skipLine(text, i)
		if next < len(text) {
			next++
		}

		cp := p.Save(next)

		err = p.line(ctx, i, next)
		if err != nil {
			tr.V("front").Printw("statement rejected", "err", err)

			i = p.Restore(cp, err)

			continue
		}

		i = next
	}

	p.finish()

	if n := len(p.errs); n != 0 {
		return errors.Wrap(ErrSyntax, "%d statements", n)
	}

	return nil
}

// Errors returns recorded syntax errors in source order.
func (p *Parser) Errors() []*SyntaxError { return p.errs }

// Failed is the errors occurred flag.
func (p *Parser) Failed() bool { return len(p.errs) != 0 }

func (p *Parser) line(ctx context.Context, st, next int) (err error) {
	p.pos = skipSpaces(p.text, st)
	p.resume = next
	p.toks = p.toks[:0]
	p.ti = 0

	for i := st; ; {
		pos := skipSpaces(p.text, i)

		t, end, err := lex(p.text, i)
		if err != nil {
			return p.wrap(end, err)
		}

		switch t.(type) {
		case nil, eol:
			p.eol = pos
		case comment:
			i = end
			continue
		default:
			p.toks = append(p.toks, lexeme{t: t, pos: pos})
			i = end
			continue
		}

		break
	}

	if len(p.toks) == 0 {
		return nil
	}

	q := p.b.Active()
	n := q.Len()

	err = p.statement()
	if err != nil {
		return err
	}

	if tr := tlog.SpanFromContext(ctx); tr.If("front") {
		line, _ := p.position(p.pos)
		tr.Printw("statement", "line", line, "queue", q.Name, "emitted", q.Code[n:])
	}

	return nil
}

func (p *Parser) statement() error {
	l := p.next()

	id, ok := l.t.(ident)
	if !ok {
		return p.errorf(l.pos, "statement expected, got %v", describe(l.t))
	}

	if p.peek() == punct(":") {
		p.next()

		err := p.label(id, l.pos)
		if err != nil || p.end() {
			return err
		}

		return p.statement()
	}

	switch id {
	case "static", "const", "signed", "byte", "word", "dword", "qword", "type", "sub":
		p.ti--
		return p.declaration()
	case "end":
		return p.endStmt(l.pos)
	case "if":
		return p.ifStmt(l.pos)
	case "goto":
		return p.gotoStmt()
	case "call":
		return p.callStmt()
	case "return":
		return p.returnStmt()
	}

	if p.peek() == punct("=") {
		return p.assignment(id, l.pos)
	}

	if s, ok := p.syms.Lookup(string(id)); ok && s.Is(symtab.TypeDef) {
		p.ti--
		return p.declaration()
	}

	return p.errorf(l.pos, "unknown statement %q", id)
}

func (p *Parser) declaration() error {
	var flags symtab.Flags
	var size symtab.Size

loop:
	for {
		l := p.next()

		switch l.t {
		case ident("static"):
			flags |= symtab.Static
			continue
		case ident("const"):
			flags |= symtab.Const
			continue
		case ident("signed"):
			flags |= symtab.Signed
			continue
		case ident("sub"):
			if flags&^symtab.Static != 0 {
				return p.errorf(l.pos, "subroutine can't be %v", flags&^symtab.Static)
			}

			return p.sub(flags)
		case ident("type"):
			if flags&^symtab.Signed != 0 {
				return p.errorf(l.pos, "type can't be %v", flags&^symtab.Signed)
			}

			return p.typedef(flags)
		}

		var tf symtab.Flags
		var err error

		size, tf, err = p.size(l)
		if err != nil {
			return err
		}

		flags |= tf

		break loop
	}

	name, pos, err := p.name()
	if err != nil {
		return err
	}

	var init uint64

	if !p.end() {
		err = p.expect("=")
		if err != nil {
			return err
		}

		init, err = p.constant()
		if err != nil {
			return err
		}
	} else if flags&symtab.Const != 0 {
		return p.errorf(pos, "constant %v needs a value", name)
	}

	err = p.done()
	if err != nil {
		return err
	}

	init, ok := fit(init, size)
	if !ok {
		return p.errorf(pos, "value does not fit %v %v", size, name)
	}

	_, err = p.syms.Declare(name, size, flags, init)
	if err != nil {
		return p.wrap(pos, err)
	}

	return nil
}

func (p *Parser) typedef(flags symtab.Flags) error {
	name, pos, err := p.name()
	if err != nil {
		return err
	}

	size, tf, err := p.size(p.next())
	if err != nil {
		return err
	}

	err = p.done()
	if err != nil {
		return err
	}

	_, err = p.syms.Declare(name, size, flags|tf|symtab.TypeDef, 0)
	if err != nil {
		return p.wrap(pos, err)
	}

	return nil
}

// size parses a size keyword or a type name.
func (p *Parser) size(l lexeme) (symtab.Size, symtab.Flags, error) {
	id, ok := l.t.(ident)
	if !ok {
		return 0, 0, p.errorf(l.pos, "type expected, got %v", describe(l.t))
	}

	if sz, ok := symtab.ParseSize(string(id)); ok {
		return sz, 0, nil
	}

	s, ok := p.syms.Lookup(string(id))
	if !ok || !s.Is(symtab.TypeDef) {
		return 0, 0, p.errorf(l.pos, "type expected, got %q", id)
	}

	p.syms.MarkReferenced(s)

	return s.Size, s.Flags & symtab.Signed, nil
}

func (p *Parser) sub(flags symtab.Flags) error {
	name, pos, err := p.name()
	if err != nil {
		return err
	}

	err = p.done()
	if err != nil {
		return err
	}

	if p.b.InSubroutine() {
		return p.wrap(pos, errors.Wrap(ir.ErrQueueState, "subroutine %v inside %v", name, p.b.Active().Name))
	}

	fn, err := p.syms.Declare(name, symtab.None, symtab.Func|flags, 0)
	if err != nil {
		return p.wrap(pos, err)
	}

	err = p.flush()
	if err != nil {
		return p.wrap(pos, err)
	}

	err = p.b.SwitchToSubroutine(fn)
	if err != nil {
		return p.wrap(pos, err)
	}

	return nil
}

// endStmt closes a subroutine.
// Unresolved labels are reported but the subroutine is kept.
func (p *Parser) endStmt(pos int) error {
	err := p.done()
	if err != nil {
		return err
	}

	if !p.b.InSubroutine() {
		return p.errorf(pos, "end outside of subroutine")
	}

	if p.pending != "" {
		err = p.emit(ir.RET)
		if err != nil {
			return p.wrap(pos, err)
		}
	}

	err = p.b.SwitchToGlobal()
	if err != nil {
		p.report(p.wrap(pos, err))
	}

	return nil
}

func (p *Parser) label(id ident, pos int) error {
	if reserved[id] {
		return p.errorf(pos, "reserved word %q used as label", id)
	}

	l := p.b.SourceLabel(string(id))

	if l == p.pending || p.b.Active().Defined(l) {
		return p.wrap(pos, errors.Wrap(ir.ErrDuplicateLabel, "%v", id))
	}

	err := p.flush()
	if err != nil {
		return p.wrap(pos, err)
	}

	p.pending = l

	return nil
}

func (p *Parser) assignment(id ident, pos int) error {
	dst, err := p.variable(id, pos)
	if err != nil {
		return err
	}

	if dst.Sym.Is(symtab.Const) {
		return p.errorf(pos, "assignment to constant %v", id)
	}

	p.next() // =

	a, _, err := p.value()
	if err != nil {
		return err
	}

	var op ir.Opcode
	var b ir.Operand

	if !p.end() {
		l := p.next()

		t, _ := l.t.(punct)

		var ok bool

		op, ok = operators[t]
		if !ok {
			return p.errorf(l.pos, "operator expected, got %v", describe(l.t))
		}

		b, _, err = p.value()
		if err != nil {
			return err
		}
	}

	err = p.done()
	if err != nil {
		return err
	}

	err = p.emit(ir.MOV, ir.R(ir.R0), a)

	if err == nil && b.Kind != ir.KindNone {
		err = p.emit(ir.MOV, ir.R(ir.R1), b)
		if err == nil {
			err = p.emit(op, ir.R(ir.R0), ir.R(ir.R1))
		}
	}

	if err == nil {
		err = p.emit(ir.MOV, dst, ir.R(ir.R0))
	}

	if err != nil {
		return p.wrap(pos, err)
	}

	return nil
}

// ifStmt compares two values and jumps, calls or returns.
// Calls and returns are skipped over with the inverted condition.
func (p *Parser) ifStmt(pos int) error {
	a, sa, err := p.value()
	if err != nil {
		return err
	}

	l := p.next()

	t, _ := l.t.(punct)

	cond, ok := conditions[t]
	if !ok {
		return p.errorf(l.pos, "comparison expected, got %v", describe(l.t))
	}

	b, sb, err := p.value()
	if err != nil {
		return err
	}

	jcc := cond[0]
	if sa || sb {
		jcc = cond[1]
	}

	act := p.next()

	var target ir.Operand
	var ret ir.Operand

	switch act.t {
	case ident("goto"):
		target, err = p.target()
	case ident("call"):
		target, err = p.function()
	case ident("return"):
		if !p.end() {
			ret, _, err = p.value()
		}
	default:
		return p.errorf(act.pos, "goto, call or return expected, got %v", describe(act.t))
	}

	if err != nil {
		return err
	}

	err = p.done()
	if err != nil {
		return err
	}

	err = p.emit(ir.MOV, ir.R(ir.R0), a)
	if err == nil {
		err = p.emit(ir.MOV, ir.R(ir.R1), b)
	}
	if err == nil {
		err = p.emit(ir.CMP, ir.R(ir.R0), ir.R(ir.R1))
	}

	if err == nil && act.t == ident("goto") {
		err = p.emit(jcc, target)
	} else if err == nil {
		skip := p.b.NewLabel("if")

		err = p.emit(jcc.Invert(), ir.To(skip))

		if err == nil && act.t == ident("call") {
			err = p.emit(ir.CALL, target)
		} else if err == nil {
			err = p.ret(ret)
		}

		if err == nil {
			p.pending = skip
		}
	}

	if err != nil {
		return p.wrap(pos, err)
	}

	return nil
}

func (p *Parser) gotoStmt() error {
	l := p.peekLexeme()

	target, err := p.target()
	if err != nil {
		return err
	}

	err = p.done()
	if err != nil {
		return err
	}

	err = p.emit(ir.JMP, target)
	if err != nil {
		return p.wrap(l.pos, err)
	}

	return nil
}

func (p *Parser) callStmt() error {
	l := p.peekLexeme()

	fn, err := p.function()
	if err != nil {
		return err
	}

	err = p.done()
	if err != nil {
		return err
	}

	err = p.emit(ir.CALL, fn)
	if err != nil {
		return p.wrap(l.pos, err)
	}

	return nil
}

func (p *Parser) returnStmt() error {
	l := p.peekLexeme()

	var v ir.Operand
	var err error

	if !p.end() {
		v, _, err = p.value()
		if err != nil {
			return err
		}
	}

	err = p.done()
	if err != nil {
		return err
	}

	err = p.ret(v)
	if err != nil {
		return p.wrap(l.pos, err)
	}

	return nil
}

// ret leaves the subroutine or, in global code, the program.
// v goes to R0 if set.
func (p *Parser) ret(v ir.Operand) (err error) {
	if v.Kind != ir.KindNone {
		err = p.emit(ir.MOV, ir.R(ir.R0), v)
		if err != nil {
			return err
		}
	}

	if p.b.InSubroutine() {
		return p.emit(ir.RET)
	}

	return p.emit(ir.EXIT)
}

func (p *Parser) target() (ir.Operand, error) {
	l := p.next()

	id, ok := l.t.(ident)
	if !ok || reserved[id] {
		return ir.Operand{}, p.errorf(l.pos, "label expected, got %v", describe(l.t))
	}

	return ir.To(p.b.SourceLabel(string(id))), nil
}

func (p *Parser) function() (ir.Operand, error) {
	l := p.next()

	id, ok := l.t.(ident)
	if !ok || reserved[id] {
		return ir.Operand{}, p.errorf(l.pos, "subroutine expected, got %v", describe(l.t))
	}

	x, err := p.b.Resolve(string(id))
	if err != nil {
		return ir.Operand{}, p.wrap(l.pos, err)
	}

	if !x.Sym.Is(symtab.Func) {
		return ir.Operand{}, p.errorf(l.pos, "%v is not a subroutine", id)
	}

	return x, nil
}

// value parses a number or a variable.
// signed is set for signed variables.
func (p *Parser) value() (x ir.Operand, signed bool, err error) {
	l := p.next()

	switch t := l.t.(type) {
	case number:
		return ir.Imm(uint64(t)), false, nil
	case punct:
		if t == "-" {
			if n, ok := p.peek().(number); ok {
				p.next()

				return ir.Imm(-uint64(n)), false, nil
			}
		}
	case ident:
		x, err = p.variable(t, l.pos)
		if err != nil {
			return x, false, err
		}

		return x, x.Sym.Is(symtab.Signed), nil
	}

	return x, false, p.errorf(l.pos, "value expected, got %v", describe(l.t))
}

func (p *Parser) variable(id ident, pos int) (ir.Operand, error) {
	if reserved[id] {
		return ir.Operand{}, p.errorf(pos, "reserved word %q used as variable", id)
	}

	x, err := p.b.Resolve(string(id))
	if err != nil {
		return x, p.wrap(pos, err)
	}

	if !x.Sym.Data() {
		return x, p.errorf(pos, "%v is not a variable", id)
	}

	return x, nil
}

func (p *Parser) constant() (uint64, error) {
	l := p.next()

	neg := l.t == punct("-")
	if neg {
		l = p.next()
	}

	n, ok := l.t.(number)
	if !ok {
		return 0, p.errorf(l.pos, "number expected, got %v", describe(l.t))
	}

	if neg {
		return -uint64(n), nil
	}

	return uint64(n), nil
}

func (p *Parser) name() (string, int, error) {
	l := p.next()

	id, ok := l.t.(ident)
	if !ok || reserved[id] {
		return "", l.pos, p.errorf(l.pos, "name expected, got %v", describe(l.t))
	}

	return string(id), l.pos, nil
}

// emit appends to the active queue, the pending label goes with the instruction.
func (p *Parser) emit(op ir.Opcode, args ...ir.Operand) error {
	err := p.b.Emit(op, p.pending, args...)
	if err != nil {
		return err
	}

	p.pending = ""

	return nil
}

// flush places a pending label on a nop.
func (p *Parser) flush() error {
	if p.pending == "" {
		return nil
	}

	return p.emit(ir.NOP)
}

func (p *Parser) finish() {
	p.pos = len(p.text)
	p.resume = len(p.text)
	p.cp = nil

	if p.b.InSubroutine() {
		p.report(p.errorf(p.pos, "missing end of subroutine %v", p.b.Active().Name))

		if p.pending != "" {
			err := p.emit(ir.RET)
			if err != nil {
				p.report(err)
			}
		}

		err := p.b.SwitchToGlobal()
		if err != nil {
			p.report(err)
		}
	}

	err := p.b.Finish(p.pending)
	if err != nil {
		p.report(err)
	}

	p.pending = ""
}

func (p *Parser) next() lexeme {
	if p.ti == len(p.toks) {
		return lexeme{pos: p.eol}
	}

	l := p.toks[p.ti]
	p.ti++

	return l
}

func (p *Parser) peek() token {
	return p.peekLexeme().t
}

func (p *Parser) peekLexeme() lexeme {
	if p.ti == len(p.toks) {
		return lexeme{pos: p.eol}
	}

	return p.toks[p.ti]
}

func (p *Parser) end() bool { return p.ti == len(p.toks) }

func (p *Parser) expect(t punct) error {
	l := p.next()
	if l.t != t {
		return p.errorf(l.pos, "%q expected, got %v", t, describe(l.t))
	}

	return nil
}

func (p *Parser) done() error {
	if p.end() {
		return nil
	}

	l := p.next()

	return p.errorf(l.pos, "unexpected %v", describe(l.t))
}

// fit truncates v to sz if it fits as an unsigned or a negative signed value.
func fit(v uint64, sz symtab.Size) (uint64, bool) {
	if sz == symtab.QWord {
		return v, true
	}

	n := sz.Bits()
	m := uint64(1)<<n - 1

	if v&^m == 0 {
		return v, true
	}

	if x := int64(v); x < 0 && x >= -(1<<(n-1)) {
		return v & m, true
	}

	return 0, false
}

func describe(t token) string {
	switch t := t.(type) {
	case nil, eol:
		return "end of line"
	case number:
		return fmt.Sprintf("number %d", uint64(t))
	case punct:
		return fmt.Sprintf("%q", string(t))
	case ident:
		return fmt.Sprintf("%q", string(t))
	default:
		return fmt.Sprintf("%v", t)
	}
}
