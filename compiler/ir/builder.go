package ir

import (
	"strconv"
	"strings"

	"github.com/omegalang/occ/compiler/symtab"
	"tlog.app/go/errors"
)

type (
	// Queue is an ordered sequence of instructions of one scope.
	Queue struct {
		Name string
		Func *symtab.Symbol // nil for global code

		Code []*Instr

		defs []Label
		refs []Label
	}

	// Builder appends instructions to the global queue or to the queue
	// of the subroutine being parsed.
	Builder struct {
		syms *symtab.Table

		Global *Queue
		Subs   []*Queue

		cur *Queue

		nextLabel int
	}

	// Mark is a position in the builder Rewind can return to.
	Mark struct {
		q    *Queue
		subs int
		code int
		defs int
		refs int
	}
)

// GlobalName names the global scope and its entry point.
const GlobalName = "_start"

// UniqueLabelMax bounds the length of compiler generated labels.
const UniqueLabelMax = 12

// UniquePrefix starts every compiler generated label.
// It can't appear in source identifiers.
const UniquePrefix = "_#"

var (
	ErrUnresolvedSymbol = errors.New("unresolved symbol")
	ErrUnresolvedLabel  = errors.New("unresolved label")
	ErrDuplicateLabel   = errors.New("duplicate label")
	ErrQueueState       = errors.New("bad queue state")
	ErrOperand          = errors.New("bad operand")
)

func NewBuilder(syms *symtab.Table) *Builder {
	g := &Queue{Name: GlobalName}

	return &Builder{
		syms:   syms,
		Global: g,
		cur:    g,
	}
}

// Resolve finds the named symbol and marks it referenced.
func (b *Builder) Resolve(name string) (Operand, error) {
	s, ok := b.syms.Lookup(name)
	if !ok {
		return Operand{}, errors.Wrap(ErrUnresolvedSymbol, "%v", name)
	}

	b.syms.MarkReferenced(s)

	return Sym(s), nil
}

// Emit appends an instruction to the active queue.
// Label refs may point forward, they are checked when the queue is closed.
func (b *Builder) Emit(op Opcode, label Label, args ...Operand) error {
	if op >= NumOps {
		return errors.New("unknown opcode: %v", op)
	}

	if len(args) != op.Arity() {
		return errors.Wrap(ErrOperand, "%v: want %d operands, got %d", op, op.Arity(), len(args))
	}

	q := b.cur

	for i, a := range args {
		err := b.check(op, a)
		if err != nil {
			return errors.Wrap(err, "%v: operand %d", op, i)
		}
	}

	if label != "" {
		if q.Defined(label) {
			return errors.Wrap(ErrDuplicateLabel, "%v", label)
		}

		q.defs = append(q.defs, label)
	}

	for _, a := range args {
		if a.Kind == KindLabel {
			q.refs = append(q.refs, a.Label)
		}
	}

	q.Code = append(q.Code, &Instr{
		Op:    op,
		Args:  append([]Operand{}, args...),
		Label: label,
	})

	return nil
}

func (b *Builder) check(op Opcode, a Operand) error {
	switch a.Kind {
	case KindImm:
	case KindReg:
		if a.Reg == IMM || a.Reg >= NumRegs {
			return errors.Wrap(ErrOperand, "register %v", a.Reg)
		}
	case KindSym:
		if a.Sym == nil {
			return errors.Wrap(ErrUnresolvedSymbol, "nil symbol")
		}

		s, ok := b.syms.Lookup(a.Sym.Name)
		if !ok || s != a.Sym {
			return errors.Wrap(ErrUnresolvedSymbol, "%v", a.Sym.Name)
		}
	case KindLabel:
		if a.Label == "" {
			return errors.Wrap(ErrOperand, "empty label")
		}
	default:
		return errors.Wrap(ErrOperand, "kind %d", a.Kind)
	}

	switch {
	case op.Jump() && a.Kind != KindLabel:
		return errors.Wrap(ErrOperand, "jump target must be a label, got %v", a)
	case op == CALL && a.Kind != KindSym:
		return errors.Wrap(ErrOperand, "call target must be a symbol, got %v", a)
	case !op.Jump() && a.Kind == KindLabel:
		return errors.Wrap(ErrOperand, "label operand %v", a)
	}

	return nil
}

// SwitchToSubroutine opens a new subroutine queue and makes it active.
// Subroutines don't nest.
func (b *Builder) SwitchToSubroutine(fn *symtab.Symbol) error {
	if b.cur != b.Global {
		return errors.Wrap(ErrQueueState, "subroutine %v inside %v", fn.Name, b.cur.Name)
	}

	q := &Queue{
		Name: fn.Name,
		Func: fn,
	}

	b.Subs = append(b.Subs, q)
	b.cur = q

	return nil
}

// SwitchToGlobal closes the active subroutine queue.
// The switch happens even if the subroutine has unresolved labels.
func (b *Builder) SwitchToGlobal() error {
	q := b.cur
	if q == b.Global {
		return errors.Wrap(ErrQueueState, "not in a subroutine")
	}

	b.cur = b.Global

	return q.unresolved()
}

// Finish closes global code with an exit.
func (b *Builder) Finish(label Label) error {
	if b.cur != b.Global {
		return errors.Wrap(ErrQueueState, "unterminated subroutine %v", b.cur.Name)
	}

	err := b.Emit(EXIT, label)
	if err != nil {
		return err
	}

	return b.Global.unresolved()
}

// Active returns the queue instructions are appended to.
func (b *Builder) Active() *Queue { return b.cur }

func (b *Builder) InSubroutine() bool { return b.cur != b.Global }

// Queues returns the global queue followed by subroutine queues in parse order.
func (b *Builder) Queues() []*Queue {
	return append([]*Queue{b.Global}, b.Subs...)
}

// NewLabel returns a compiler internal label.
// Only letters of prefix are kept, so the counter suffix can't be confused with it.
func (b *Builder) NewLabel(prefix string) Label {
	b.nextLabel++

	prefix = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			return r
		}

		return -1
	}, prefix)

	n := strconv.Itoa(b.nextLabel)

	if room := UniqueLabelMax - len(UniquePrefix) - len(n); len(prefix) > room {
		if room < 0 {
			room = 0
		}

		prefix = prefix[:room]
	}

	return Label(UniquePrefix + prefix + n)
}

// SourceLabel qualifies a source label by the active scope.
func (b *Builder) SourceLabel(name string) Label {
	return Label(b.cur.Name + "." + name)
}

func (b *Builder) Mark() Mark {
	q := b.cur

	return Mark{
		q:    q,
		subs: len(b.Subs),
		code: len(q.Code),
		defs: len(q.defs),
		refs: len(q.refs),
	}
}

// Rewind abandons everything emitted since m.
func (b *Builder) Rewind(m Mark) {
	b.Subs = b.Subs[:m.subs]
	b.cur = m.q

	q := m.q
	q.Code = q.Code[:m.code]
	q.defs = q.defs[:m.defs]
	q.refs = q.refs[:m.refs]
}

func (q *Queue) Len() int { return len(q.Code) }

// Defined reports whether l labels an instruction of q.
func (q *Queue) Defined(l Label) bool {
	for _, d := range q.defs {
		if d == l {
			return true
		}
	}

	return false
}

func (q *Queue) unresolved() error {
	var missing []string

	for _, r := range q.refs {
		if q.Defined(r) {
			continue
		}

		dup := false
		for _, m := range missing {
			dup = dup || m == string(r)
		}

		if !dup {
			missing = append(missing, string(r))
		}
	}

	if len(missing) == 0 {
		return nil
	}

	return errors.Wrap(ErrUnresolvedLabel, "%v: %v", q.Name, strings.Join(missing, ", "))
}
