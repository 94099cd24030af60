package front

import (
	"math/bits"

	"tlog.app/go/errors"
)

type (
	token   any
	punct   string
	ident   string
	number  uint64
	comment string
	eol     struct{}

	lexeme struct {
		t   token
		pos int
	}
)

var ErrNumber = errors.New("bad number")

// lex returns the next token of b starting at st.
// It returns eol at a newline and nil at the end of input.
func lex(b []byte, st int) (t token, i int, err error) {
	st = skipSpaces(b, st)
	i = st

	if i == len(b) {
		return nil, i, nil
	}

	switch c := b[i]; c {
	case '\n':
		return eol{}, i + 1, nil
	case ':', '+', '-', '&', '|', '^', ',':
		return punct(b[i : i+1]), i + 1, nil
	case '=', '!', '<', '>':
		if i+1 < len(b) && b[i+1] == '=' {
			return punct(b[i : i+2]), i + 2, nil
		}

		if c == '!' {
			return nil, i, errors.New("unexpected %q", c)
		}

		return punct(b[i : i+1]), i + 1, nil
	case '/':
		if i+1 < len(b) && b[i+1] == '/' {
			i = skipLine(b, i)

			return comment(b[st:i]), i, nil
		}
	}

	c := b[i]

	switch {
	case c >= '0' && c <= '9':
		var v uint64

		v, i, err = ParseNumber(b, i)
		if err != nil {
			return nil, i, err
		}

		return number(v), i, nil
	case c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c == '_':
		i = skipIdent(b, i+1)

		return ident(b[st:i]), i, nil
	}

	return nil, i, errors.New("unsupported character: %q", c)
}

// ParseNumber parses an unsigned literal at st: decimal, 0x hex, 0b binary or 0o octal.
func ParseNumber(b []byte, st int) (v uint64, i int, err error) {
	i = st
	base := uint64(10)

	if i+1 < len(b) && b[i] == '0' {
		switch b[i+1] {
		case 'x', 'X':
			base = 16
		case 'o', 'O':
			base = 8
		case 'b', 'B':
			base = 2
		}

		if base != 10 {
			i += 2 // skip base prefix
		}
	}

	dst := i

	for ; i < len(b); i++ {
		d := digit(b[i])
		if d >= base {
			if d < 36 {
				return 0, i, errors.Wrap(ErrNumber, "digit %q in base %d", b[i], base)
			}

			break
		}

		hi, lo := bits.Mul64(v, base)
		lo, carry := bits.Add64(lo, d, 0)

		if hi != 0 || carry != 0 {
			return 0, st, errors.Wrap(ErrNumber, "%s overflows 64 bits", b[st:skipIdent(b, i)])
		}

		v = lo
	}

	if i == dst {
		return 0, st, errors.Wrap(ErrNumber, "no digits")
	}

	if i < len(b) && b[i] == '_' {
		return 0, i, errors.Wrap(ErrNumber, "digit %q in base %d", b[i], base)
	}

	return v, i, nil
}

// digit returns 36 for bytes that can't be a part of a number.
func digit(c byte) uint64 {
	switch {
	case c >= '0' && c <= '9':
		return uint64(c - '0')
	case c >= 'a' && c <= 'z':
		return uint64(c-'a') + 10
	case c >= 'A' && c <= 'Z':
		return uint64(c-'A') + 10
	default:
		return 36
	}
}

func skipSpaces(b []byte, i int) int {
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\r':
			i++
			continue
		}

		break
	}

	return i
}

func skipIdent(b []byte, i int) int {
	for i < len(b) && (b[i] == '_' ||
		b[i] >= 'A' && b[i] <= 'Z' ||
		b[i] >= 'a' && b[i] <= 'z' ||
		b[i] >= '0' && b[i] <= '9') {
		i++
	}

	return i
}

func skipLine(b []byte, i int) int {
	for i < len(b) && b[i] != '\n' {
		i++
	}

	return i
}
