package back

import (
	"github.com/omegalang/occ/compiler/ir"
	"github.com/omegalang/occ/compiler/opt"
)

// implicitRet closes subroutines that don't end with a return.
var implicitRet = &ir.Instr{Op: ir.RET}

// Epilogue returns the instruction generators append after the last block
// of s, or nil. Both generators use it so they agree instruction for instruction.
func Epilogue(s *opt.Scope) *ir.Instr {
	if s.Func == nil {
		return nil
	}

	if l := len(s.Blocks); l != 0 && s.Blocks[l-1].Last().Op == ir.RET {
		return nil
	}

	return implicitRet
}

// Walk calls f for each instruction of s in order, epilogue included.
// b is nil for the epilogue.
func Walk(s *opt.Scope, f func(b *opt.Block, i int, x *ir.Instr) error) error {
	for _, b := range s.Blocks {
		for i, x := range b.Code {
			err := f(b, i, x)
			if err != nil {
				return err
			}
		}
	}

	if x := Epilogue(s); x != nil {
		return f(nil, 0, x)
	}

	return nil
}

// Len is the number of instructions Walk visits.
func Len(s *opt.Scope) (n int) {
	for _, b := range s.Blocks {
		n += len(b.Code)
	}

	if Epilogue(s) != nil {
		n++
	}

	return n
}
