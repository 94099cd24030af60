package symtab

import (
	"strings"

	"github.com/google/btree"
	"tlog.app/go/errors"
	"tlog.app/go/tlog/tlwire"
)

type (
	// Size is the storage class of a symbol.
	Size uint8

	Flags uint8

	Symbol struct {
		Name  string
		Size  Size
		Flags Flags
		Init  uint64
	}

	// Table is an ordered set of symbols keyed by name.
	// There is no nested scoping: one table serves the whole compilation.
	Table struct {
		t *btree.BTreeG[*Symbol]
	}
)

const (
	None Size = iota
	Byte
	Word
	DWord
	QWord
)

const (
	Func Flags = 1 << iota
	Signed
	Const
	Static
	Used
	TypeDef
)

// NameMax bounds symbol name length.
const NameMax = 64

var (
	ErrDuplicateSymbol = errors.New("duplicate symbol")
	ErrBadName         = errors.New("bad symbol name")
)

var sizeNames = [...]string{"none", "byte", "word", "dword", "qword"}

var flagNames = [...]string{"func", "signed", "const", "static", "used", "typedef"}

func New() *Table {
	return &Table{
		t: btree.NewG[*Symbol](8, less),
	}
}

func less(a, b *Symbol) bool {
	return a.Name < b.Name
}

// Declare adds a new symbol. The existing entry is left untouched if the name is taken.
func (t *Table) Declare(name string, size Size, flags Flags, init uint64) (*Symbol, error) {
	if name == "" || len(name) >= NameMax {
		return nil, errors.Wrap(ErrBadName, "%q", name)
	}

	if t.t.Has(&Symbol{Name: name}) {
		return nil, errors.Wrap(ErrDuplicateSymbol, "%v", name)
	}

	s := &Symbol{
		Name:  name,
		Size:  size,
		Flags: flags,
		Init:  init,
	}

	t.t.ReplaceOrInsert(s)

	return s, nil
}

// Lookup never fails, absence is reported by ok.
func (t *Table) Lookup(name string) (s *Symbol, ok bool) {
	return t.t.Get(&Symbol{Name: name})
}

// SetFlag adds flags. Flags are never cleared.
func (t *Table) SetFlag(s *Symbol, f Flags) {
	s.Flags |= f
}

func (t *Table) MarkReferenced(s *Symbol) {
	s.Flags |= Used
}

// Ascend calls f for each symbol in name order until f returns false.
func (t *Table) Ascend(f func(s *Symbol) bool) {
	t.t.Ascend(f)
}

func (t *Table) Len() int {
	return t.t.Len()
}

func (s *Symbol) Is(f Flags) bool {
	return s.Flags&f == f
}

// Data reports whether the symbol occupies storage.
func (s *Symbol) Data() bool {
	return s.Flags&(Func|TypeDef) == 0 && s.Size != None
}

func (s Size) Bytes() int {
	if s == None {
		return 0
	}

	return 1 << (s - 1)
}

func (s Size) Bits() int {
	return s.Bytes() * 8
}

func (s Size) String() string {
	if int(s) < len(sizeNames) {
		return sizeNames[s]
	}

	return "size?"
}

func ParseSize(n string) (Size, bool) {
	for i, x := range sizeNames {
		if i != 0 && x == n {
			return Size(i), true
		}
	}

	return None, false
}

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}

	var b strings.Builder

	for i, n := range flagNames {
		if f&(1<<i) == 0 {
			continue
		}

		if b.Len() != 0 {
			b.WriteByte(',')
		}

		b.WriteString(n)
	}

	return b.String()
}

func (s *Symbol) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	if s == nil {
		return e.AppendNil(b)
	}

	return e.AppendString(b, s.Name)
}
