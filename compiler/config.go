package compiler

import (
	"tlog.app/go/errors"

	"github.com/omegalang/occ/compiler/back/x86"
)

type (
	// Config is the command line surface of a compilation.
	Config struct {
		Verbose bool

		// Defines are NAME[=VALUE] constants declared before parsing.
		Defines []string

		Debug bool
		Pexe  bool
		Asm   bool

		X86Long      bool
		X86Protected bool
		ARMv7        bool
		ARMv8        bool
	}

	// Plan is what a validated Config asks to produce.
	Plan struct {
		Mode x86.Mode

		Asm   bool
		Pexe  bool
		Debug bool
	}
)

var (
	ErrConfig      = errors.New("bad configuration")
	ErrNoGenerator = errors.New("no generator for target")
)

// Validate checks architecture selection.
// Assembly is produced when asked for or when pexe is not,
// x86 long mode is the default target.
func (c Config) Validate() (p Plan, err error) {
	n := 0

	for _, f := range []bool{c.X86Long, c.X86Protected, c.ARMv7, c.ARMv8} {
		if f {
			n++
		}
	}

	if n > 1 {
		return p, errors.Wrap(ErrConfig, "more than one target architecture")
	}

	if c.Asm && n != 1 {
		return p, errors.Wrap(ErrConfig, "must specify exactly one target architecture")
	}

	p = Plan{
		Mode:  x86.Long,
		Asm:   c.Asm || !c.Pexe,
		Pexe:  c.Pexe,
		Debug: c.Debug,
	}

	if c.X86Protected {
		p.Mode = x86.Protected
	}

	if c.ARMv7 || c.ARMv8 {
		if c.Asm || !c.Pexe {
			return p, errors.Wrap(ErrNoGenerator, "arm")
		}

		p.Asm = false
	}

	return p, nil
}
