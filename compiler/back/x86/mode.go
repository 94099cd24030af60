package x86

import (
	"github.com/omegalang/occ/compiler/symtab"
	"tlog.app/go/tlog/tlwire"
)

// Mode is a processor execution mode.
type Mode uint8

const (
	Real Mode = iota
	Protected
	Virtual
	SMM
	Compatibility
	Long
)

var modeNames = [...]string{"real", "protected", "virtual", "smm", "compatibility", "long"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}

	return "mode?"
}

// Supported reports whether the generator can lower code for m.
func (m Mode) Supported() bool {
	return m == Protected || m == Long
}

// Bits is the default operand width.
func (m Mode) Bits() int {
	switch m {
	case Protected, Compatibility:
		return 32
	case Long:
		return 64
	default:
		return 16
	}
}

// Width is the default operand size class.
func (m Mode) Width() symtab.Size {
	switch m.Bits() {
	case 64:
		return symtab.QWord
	case 32:
		return symtab.DWord
	default:
		return symtab.Word
	}
}

func (m Mode) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	return e.AppendString(b, m.String())
}
