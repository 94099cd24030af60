package compiler

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tlog.app/go/errors"

	"github.com/omegalang/occ/compiler/back/pexe"
	"github.com/omegalang/occ/compiler/back/x86"
	"github.com/omegalang/occ/compiler/opt"
	"github.com/omegalang/occ/compiler/symtab"
)

type (
	files map[string]*bytes.Buffer

	nopCloser struct {
		io.Writer
	}
)

func (f files) open(name string) (io.WriteCloser, error) {
	b := &bytes.Buffer{}
	f[name] = b

	return nopCloser{b}, nil
}

func (nopCloser) Close() error { return nil }

func (f files) names() (r []string) {
	for n := range f {
		r = append(r, n)
	}

	return r
}

const program = `// sum 1..limit
const byte limit = 10
dword sum
byte i

sub step
	sum = sum + i
	i = i + 1
end

i = 1
loop:
	call step
	if i <= limit goto loop
	return sum
`

func TestScenarioEmptySubroutine(t *testing.T) {
	f := files{}

	_, err := Run(context.Background(), Config{Debug: true}, "a.oc", []byte("const dword answer = 42\nsub nothing\nend\n"), f.open)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a.oc.dbg", "a.oc.asm"}, f.names())

	dbg := f["a.oc.dbg"].String()

	assert.True(t, strings.HasPrefix(dbg, "#Omnicode Intermediate File\n"), dbg)
	assert.Contains(t, dbg, "sym answer size=dword flags=const init=0x2a\n")
	assert.Contains(t, dbg, "queue sub nothing 0\n")

	data := 0

	for _, l := range strings.Split(dbg, "\n") {
		if strings.HasPrefix(l, "sym ") && !strings.Contains(l, "size=none") {
			data++
		}
	}

	assert.Equal(t, 1, data)
	assert.Contains(t, dbg, "sym nothing size=none flags=func")

	asm := f["a.oc.asm"].String()
	assert.Contains(t, asm, "\nglobal $nothing\n$nothing:\n\tret\n")
	assert.Contains(t, asm, "$answer:\tdd\t0x2A\n")
}

func TestScenarioRecoverableError(t *testing.T) {
	text := []byte("byte a = 1\na = = 2\na = 3\n")

	s := NewSession()

	err := s.Parse(context.Background(), text)
	assert.True(t, errors.Is(err, ErrParse), "%v", err)
	require.Len(t, s.Errors, 1)
	assert.Equal(t, 2, s.Errors[0].Line)
	assert.Equal(t, 3, s.IR.Global.Len(), "mov, mov, exit")

	f := files{}

	rs, err := Run(context.Background(), Config{Debug: true, Pexe: true, Asm: true, X86Long: true}, "b.oc", text, f.open)
	assert.True(t, errors.Is(err, ErrParse), "%v", err)
	require.NotNil(t, rs)
	assert.Len(t, rs.Errors, 1)

	assert.Equal(t, []string{"b.oc.dbg"}, f.names())
	assert.Contains(t, f["b.oc.dbg"].String(), "\tmov r0, 0x3\n\tmov a, r0\n")
}

func TestScenarioBothOutputs(t *testing.T) {
	ctx := context.Background()

	for _, cfg := range []Config{
		{Asm: true, Pexe: true, X86Long: true},
		{Asm: true, Pexe: true, X86Protected: true},
	} {
		f := files{}

		_, err := Run(ctx, cfg, "c.oc", []byte(program), f.open)
		require.NoError(t, err)

		require.ElementsMatch(t, []string{"c.oc.asm", "c.oc.pexe"}, f.names())

		plan, err := cfg.Validate()
		require.NoError(t, err)

		img, err := pexe.Decode(ctx, f["c.oc.pexe"].Bytes())
		require.NoError(t, err)

		c := opt.Partition(ctx, img.Global, img.Subs)

		asm, err := x86.Generate(ctx, nil, c, img.Symbols, plan.Mode)
		require.NoError(t, err)

		assert.Equal(t, f["c.oc.asm"].String(), string(asm))
	}
}

func TestSessionStages(t *testing.T) {
	ctx := context.Background()
	s := NewSession()

	_, err := s.Assembly(ctx, nil, x86.Long)
	assert.Error(t, err)

	require.NoError(t, s.Parse(ctx, []byte(program)))

	c := s.Partition(ctx)
	require.Len(t, c.Scopes, 2)
	assert.Equal(t, "step", c.Scopes[1].Name)

	a, err := s.Assembly(ctx, nil, x86.Protected)
	require.NoError(t, err)
	assert.Contains(t, string(a), "\tcall\t$step\n")
	assert.Contains(t, string(a), "\tjbe\t$_start.loop\n")

	p, err := s.Pexe(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, pexe.Magic, string(p[:4]))
}

func TestDefine(t *testing.T) {
	s := NewSession()

	require.NoError(t, s.Define("DEBUG", "LEVEL=0x10", "BIG=0x100000000"))

	d, ok := s.Symbols.Lookup("DEBUG")
	require.True(t, ok)
	assert.Equal(t, uint64(1), d.Init)
	assert.Equal(t, symtab.DWord, d.Size)
	assert.True(t, d.Is(symtab.Const))

	l, ok := s.Symbols.Lookup("LEVEL")
	require.True(t, ok)
	assert.Equal(t, uint64(16), l.Init)
	assert.Equal(t, symtab.DWord, l.Size)

	big, ok := s.Symbols.Lookup("BIG")
	require.True(t, ok)
	assert.Equal(t, symtab.QWord, big.Size)

	for _, bad := range []string{"", "1x", "A=zz", "A=1 ", "LEVEL"} {
		err := s.Define(bad)
		assert.True(t, errors.Is(err, ErrConfig), "%q: %v", bad, err)
	}

	err := s.Parse(context.Background(), []byte("qword x\nx = LEVEL\nbyte DEBUG\n"))
	assert.True(t, errors.Is(err, ErrParse))
	require.Len(t, s.Errors, 1)
	assert.True(t, errors.Is(s.Errors[0], symtab.ErrDuplicateSymbol))
}

func TestDefineProtected(t *testing.T) {
	f := files{}

	_, err := Run(context.Background(), Config{Defines: []string{"LEVEL=2"}, X86Protected: true}, "p.oc", []byte("dword x\nx = LEVEL\n"), f.open)
	require.NoError(t, err)

	asm := f["p.oc.asm"].String()
	assert.Contains(t, asm, "\tmov\teax, dword [$LEVEL]\n\tmov\tdword [$x], eax\n")
	assert.Contains(t, asm, "\nsection .rodata\nglobal $LEVEL\n$LEVEL:\tdd\t0x2\n")
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		cfg  Config
		plan Plan
		err  error
	}{
		{cfg: Config{}, plan: Plan{Mode: x86.Long, Asm: true}},
		{cfg: Config{Debug: true, X86Protected: true}, plan: Plan{Mode: x86.Protected, Asm: true, Debug: true}},
		{cfg: Config{Pexe: true}, plan: Plan{Mode: x86.Long, Pexe: true}},
		{cfg: Config{Pexe: true, Asm: true, X86Long: true}, plan: Plan{Mode: x86.Long, Asm: true, Pexe: true}},
		{cfg: Config{Pexe: true, ARMv8: true}, plan: Plan{Mode: x86.Long, Pexe: true}},
		{cfg: Config{Asm: true}, err: ErrConfig},
		{cfg: Config{X86Long: true, X86Protected: true}, err: ErrConfig},
		{cfg: Config{Asm: true, ARMv7: true, X86Long: true}, err: ErrConfig},
		{cfg: Config{ARMv7: true}, err: ErrNoGenerator},
		{cfg: Config{Asm: true, ARMv8: true}, err: ErrNoGenerator},
	} {
		plan, err := tc.cfg.Validate()
		if tc.err != nil {
			assert.True(t, errors.Is(err, tc.err), "%+v: %v", tc.cfg, err)
			continue
		}

		if assert.NoError(t, err, "%+v", tc.cfg) {
			assert.Equal(t, tc.plan, plan, "%+v", tc.cfg)
		}
	}
}

func TestRunConfigError(t *testing.T) {
	f := files{}

	s, err := Run(context.Background(), Config{ARMv7: true, Debug: true}, "", []byte("byte a\n"), f.open)
	assert.True(t, errors.Is(err, ErrNoGenerator), "%v", err)
	assert.Nil(t, s)
	assert.Empty(t, f)
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "prog.oc.asm", OutputName("prog.oc", AsmSuffix))
	assert.Equal(t, "occ.out.pexe", OutputName("", PexeSuffix))
	assert.Equal(t, "occ.out.dbg", OutputName("-", DebugSuffix))
}
