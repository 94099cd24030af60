package opt

import (
	"context"

	"github.com/omegalang/occ/compiler/ir"
	"github.com/omegalang/occ/compiler/set"
	"github.com/omegalang/occ/compiler/symtab"
	"tlog.app/go/tlog"
)

type (
	// Block is a basic block: control enters at the first instruction
	// and leaves at the last one.
	Block struct {
		Label ir.Label
		Code  []*ir.Instr
	}

	// Scope is the block sequence of one queue.
	Scope struct {
		Name string
		Func *symtab.Symbol // nil for global code

		Blocks []*Block
	}

	// Collection is handed unmodified to code generators.
	// Global code comes first, then subroutines in parse order.
	Collection struct {
		Scopes []*Scope
	}
)

// Partition splits queues into basic blocks.
// Instructions are neither reordered nor removed.
func Partition(ctx context.Context, global *ir.Queue, subs []*ir.Queue) (c *Collection) {
	tr, ctx := tlog.SpawnFromContextAndWrap(ctx, "opt: partition", "subs", len(subs))
	defer tr.Finish()

	c = &Collection{
		Scopes: make([]*Scope, 0, 1+len(subs)),
	}

	c.Scopes = append(c.Scopes, PartitionQueue(ctx, global))

	for _, q := range subs {
		c.Scopes = append(c.Scopes, PartitionQueue(ctx, q))
	}

	if tr.If("dump_blocks") {
		for _, s := range c.Scopes {
			for i, b := range s.Blocks {
				tr.Printw("block", "scope", s.Name, "i", i, "label", b.Label, "code", b.Code)
			}
		}
	}

	return c
}

func PartitionQueue(ctx context.Context, q *ir.Queue) *Scope {
	s := &Scope{
		Name: q.Name,
		Func: q.Func,
	}

	code := q.Code
	if len(code) == 0 {
		return s
	}

	leaders := Leaders(code)

	tlog.SpanFromContext(ctx).V("blocks").Printw("leaders", "scope", q.Name, "instrs", len(code), "leaders", leaders)

	s.Blocks = make([]*Block, 0, leaders.Size())

	leaders.Spans(len(code), func(st, end int) {
		s.Blocks = append(s.Blocks, newBlock(code[st:end]))
	})

	return s
}

// Leaders marks instructions that start a block: the first one,
// every labeled one and every one following a control transfer.
func Leaders(code []*ir.Instr) set.Bitmap {
	leaders := set.MakeBitmap(len(code))

	for i, x := range code {
		switch {
		case i == 0, x.Label != "":
			leaders.Set(i)
		case code[i-1].Op.Transfer():
			leaders.Set(i)
		}
	}

	return leaders
}

func newBlock(code []*ir.Instr) *Block {
	return &Block{
		Label: code[0].Label,
		Code:  code[:len(code):len(code)],
	}
}

// Instrs returns all instructions of the collection in order.
func (c *Collection) Instrs() (r []*ir.Instr) {
	for _, s := range c.Scopes {
		r = append(r, s.Instrs()...)
	}

	return r
}

func (s *Scope) Instrs() (r []*ir.Instr) {
	for _, b := range s.Blocks {
		r = append(r, b.Code...)
	}

	return r
}

func (b *Block) Last() *ir.Instr {
	return b.Code[len(b.Code)-1]
}
