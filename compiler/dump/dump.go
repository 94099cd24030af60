package dump

import (
	"context"

	"github.com/nikandfor/hacked/hfmt"
	"tlog.app/go/errors"
	"tlog.app/go/tlog"

	"github.com/omegalang/occ/compiler/ir"
	"github.com/omegalang/occ/compiler/symtab"
)

// Header starts every dump file.
const Header = "#Omnicode Intermediate File"

// Dump appends the header, the symbol table and the queues to b.
// The first queue is the global one.
func Dump(ctx context.Context, b []byte, syms *symtab.Table, queues ...*ir.Queue) (_ []byte, err error) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "dump", "symbols", syms.Len(), "queues", len(queues))
	defer tr.Finish("err", &err)

	b = append(b, Header...)
	b = append(b, '\n')

	b, err = Format(ctx, b, syms)
	if err != nil {
		return nil, err
	}

	for _, q := range queues {
		b, err = Format(ctx, b, q)
		if err != nil {
			return nil, errors.Wrap(err, "queue %v", q.Name)
		}
	}

	return b, nil
}

func Format(ctx context.Context, b []byte, x any) ([]byte, error) {
	switch x := x.(type) {
	case *symtab.Table:
		return formatSymbols(ctx, b, x)
	case *ir.Queue:
		return formatQueue(ctx, b, x)
	case *symtab.Symbol:
		return formatSymbol(b, x), nil
	default:
		return nil, errors.New("unsupported type: %T", x)
	}
}

func formatSymbols(ctx context.Context, b []byte, t *symtab.Table) ([]byte, error) {
	b = app(b, 0, "symbols %d\n", t.Len())

	t.Ascend(func(s *symtab.Symbol) bool {
		b = formatSymbol(b, s)

		return true
	})

	return b, nil
}

func formatSymbol(b []byte, s *symtab.Symbol) []byte {
	return app(b, 0, "sym %s size=%v flags=%v init=0x%x\n", s.Name, s.Size, s.Flags, s.Init)
}

func formatQueue(ctx context.Context, b []byte, q *ir.Queue) ([]byte, error) {
	if q.Func == nil {
		b = app(b, 0, "queue global %d\n", len(q.Code))
	} else {
		b = app(b, 0, "queue sub %s %d\n", q.Name, len(q.Code))
	}

	for i, x := range q.Code {
		if x == nil {
			return nil, errors.New("nil instruction at %d", i)
		}

		b = app(b, 1, "%v\n", x)
	}

	return b, nil
}

func app(b []byte, d int, f string, args ...any) []byte {
	const tabs = "\t\t\t\t"
	b = append(b, tabs[:d]...)
	b = hfmt.Appendf(b, f, args...)
	return b
}
