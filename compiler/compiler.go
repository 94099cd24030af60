package compiler

import (
	"context"
	"io"
	"math"
	"strings"

	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/omegalang/occ/compiler/back/pexe"
	"github.com/omegalang/occ/compiler/back/x86"
	"github.com/omegalang/occ/compiler/dump"
	"github.com/omegalang/occ/compiler/front"
	"github.com/omegalang/occ/compiler/ir"
	"github.com/omegalang/occ/compiler/opt"
	"github.com/omegalang/occ/compiler/symtab"
)

type (
	// Session owns everything one compilation creates.
	// Stages run in order: Define, Parse, Partition, generators.
	Session struct {
		Symbols *symtab.Table
		IR      *ir.Builder
		Blocks  *opt.Collection

		Errors []*front.SyntaxError
	}

	// Open creates an output file.
	Open func(name string) (io.WriteCloser, error)
)

// Output name suffixes.
const (
	AsmSuffix   = ".asm"
	PexeSuffix  = ".pexe"
	DebugSuffix = ".dbg"

	// StdinBase replaces the input name when reading standard input.
	StdinBase = "occ.out"
)

var ErrParse = errors.New("errors were found")

func NewSession() *Session {
	syms := symtab.New()

	return &Session{
		Symbols: syms,
		IR:      ir.NewBuilder(syms),
	}
}

// Define declares NAME[=VALUE] as a constant, VALUE defaults to 1.
// Values that fit 32 bits are dwords, so they are usable in protected mode too.
func (s *Session) Define(defs ...string) error {
	for _, d := range defs {
		name, val, hasVal := strings.Cut(d, "=")

		v := uint64(1)

		if hasVal {
			var end int
			var err error

			v, end, err = front.ParseNumber([]byte(val), 0)
			if err == nil && end != len(val) {
				err = errors.New("trailing characters")
			}

			if err != nil {
				return errors.Wrap(ErrConfig, "define %q: %v", d, err)
			}
		}

		if !identifier(name) {
			return errors.Wrap(ErrConfig, "define %q: bad name", d)
		}

		sz := symtab.DWord
		if v > math.MaxUint32 {
			sz = symtab.QWord
		}

		_, err := s.Symbols.Declare(name, sz, symtab.Const, v)
		if err != nil {
			return errors.Wrap(ErrConfig, "define %q: %v", d, err)
		}
	}

	return nil
}

// Parse fills the symbol table and queues.
// Syntax errors are collected in s.Errors and reported as ErrParse.
func (s *Session) Parse(ctx context.Context, text []byte) (err error) {
	p := front.New(s.IR, s.Symbols)

	err = p.Parse(ctx, text)
	s.Errors = p.Errors()

	if err != nil {
		return errors.Wrap(ErrParse, "%d syntax errors", len(s.Errors))
	}

	return nil
}

// Dump appends the debug dump of the symbol table and queues.
func (s *Session) Dump(ctx context.Context, b []byte) ([]byte, error) {
	return dump.Dump(ctx, b, s.Symbols, s.IR.Queues()...)
}

func (s *Session) Partition(ctx context.Context) *opt.Collection {
	s.Blocks = opt.Partition(ctx, s.IR.Global, s.IR.Subs)

	return s.Blocks
}

func (s *Session) Assembly(ctx context.Context, b []byte, m x86.Mode) ([]byte, error) {
	if s.Blocks == nil {
		return nil, errors.New("not partitioned")
	}

	return x86.Generate(ctx, b, s.Blocks, s.Symbols, m)
}

func (s *Session) Pexe(ctx context.Context, b []byte) ([]byte, error) {
	if s.Blocks == nil {
		return nil, errors.New("not partitioned")
	}

	return pexe.Generate(ctx, b, s.Blocks, s.Symbols)
}

// Run compiles text read from input, "" for standard input.
// The debug dump is written even if parsing failed,
// nothing else is generated in that case.
// The session is returned once parsing started, syntax errors are in s.Errors.
func Run(ctx context.Context, cfg Config, input string, text []byte, open Open) (s *Session, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "compile", "input", input, "size", len(text))
	defer tr.Finish("err", &err)

	plan, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	tr.Printw("plan", "mode", plan.Mode, "asm", plan.Asm, "pexe", plan.Pexe, "debug", plan.Debug)

	s = NewSession()

	err = s.Define(cfg.Defines...)
	if err != nil {
		return nil, err
	}

	perr := s.Parse(ctx, text)

	if plan.Debug {
		b, err := s.Dump(ctx, nil)
		if err != nil {
			return s, errors.Wrap(err, "dump")
		}

		err = write(ctx, open, OutputName(input, DebugSuffix), b)
		if err != nil {
			return s, err
		}
	}

	if perr != nil {
		return s, perr
	}

	s.Partition(ctx)

	if plan.Pexe {
		b, err := s.Pexe(ctx, nil)
		if err != nil {
			return s, errors.Wrap(err, "pexe")
		}

		err = write(ctx, open, OutputName(input, PexeSuffix), b)
		if err != nil {
			return s, err
		}
	}

	if plan.Asm {
		b, err := s.Assembly(ctx, nil, plan.Mode)
		if err != nil {
			return s, errors.Wrap(err, "x86")
		}

		err = write(ctx, open, OutputName(input, AsmSuffix), b)
		if err != nil {
			return s, err
		}
	}

	return s, nil
}

// OutputName appends suffix to the input name.
func OutputName(input, suffix string) string {
	if input == "" || input == "-" {
		input = StdinBase
	}

	return input + suffix
}

func write(ctx context.Context, open Open, name string, data []byte) (err error) {
	w, err := open(name)
	if err != nil {
		return errors.Wrap(err, "open %v", name)
	}

	defer func() {
		e := w.Close()
		if err == nil && e != nil {
			err = errors.Wrap(e, "close %v", name)
		}
	}()

	_, err = w.Write(data)
	if err != nil {
		return errors.Wrap(err, "write %v", name)
	}

	tlog.SpanFromContext(ctx).Printw("output", "name", name, "size", len(data))

	return nil
}

func identifier(s string) bool {
	for i, c := range []byte(s) {
		switch {
		case c == '_', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i != 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}

	return s != ""
}
