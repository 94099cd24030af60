package front

import (
	"fmt"

	"tlog.app/go/errors"
	"tlog.app/go/loc"

	"github.com/omegalang/occ/compiler/ir"
)

type (
	// SyntaxError is a recoverable error in one statement.
	// Parsing continues at Resume.
	SyntaxError struct {
		Line int
		Col  int

		Resume int

		Err error

		PC loc.PC // grammar rule which rejected the statement
	}

	// Checkpoint is a statement boundary parsing can return to.
	// Only the last saved checkpoint is active.
	Checkpoint struct {
		mark    ir.Mark
		pending ir.Label
		resume  int
	}
)

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%d:%d: %v", e.Line, e.Col, e.Err)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// Save makes a new active checkpoint.
// resume is where parsing continues if the statement is abandoned.
func (p *Parser) Save(resume int) *Checkpoint {
	p.cp = &Checkpoint{
		mark:    p.b.Mark(),
		pending: p.pending,
		resume:  resume,
	}

	return p.cp
}

// Restore abandons everything emitted since cp, records err
// and returns the position to continue parsing from.
func (p *Parser) Restore(cp *Checkpoint, err error) int {
	if cp != p.cp {
		panic("restore of inactive checkpoint")
	}

	p.b.Rewind(cp.mark)
	p.pending = cp.pending
	p.cp = nil

	se := p.report(err)

	if se.Resume > cp.resume {
		return se.Resume
	}

	return cp.resume
}

// report records err as a syntax error and sets the errors flag.
func (p *Parser) report(err error) *SyntaxError {
	se, ok := err.(*SyntaxError)
	if !ok {
		se = p.wrap(p.pos, err)
	}

	p.errs = append(p.errs, se)

	return se
}

func (p *Parser) errorf(pos int, f string, args ...any) *SyntaxError {
	return p.syntax(pos, errors.New(f, args...), 2)
}

func (p *Parser) wrap(pos int, err error) *SyntaxError {
	return p.syntax(pos, err, 2)
}

func (p *Parser) syntax(pos int, err error, depth int) *SyntaxError {
	line, col := p.position(pos)

	return &SyntaxError{
		Line:   line,
		Col:    col,
		Resume: p.resume,
		Err:    err,
		PC:     loc.Caller(depth),
	}
}

func (p *Parser) position(pos int) (line, col int) {
	line = 1
	st := 0

	for i := 0; i < pos && i < len(p.text); i++ {
		if p.text[i] == '\n' {
			line++
			st = i + 1
		}
	}

	return line, pos - st + 1
}
