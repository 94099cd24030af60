/*
Package compiler runs a compilation session.

	Program Text ->
		parse (front) ->
	Symbol Table + Instruction Queues (symtab, ir) ->
		partition (opt) ->
	Block Collection ->
		generate (back/x86) ->
	Assembly Text

	Block Collection ->
		generate (back/pexe) ->
	Pseudo Executable

Symbol table and queues can be dumped (dump) right after parsing,
even if the source had errors.
*/
package compiler
