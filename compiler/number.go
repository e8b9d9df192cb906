package compiler

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/fluid/pkg/bytecode"
)

// NumberKind distinguishes plain numbers from foreign numeric literals.
type NumberKind uint8

const (
	NumFloat  NumberKind = iota // plain number
	NumInt64                    // 123LL
	NumUint64                   // 123ULL
	NumImag                     // 1.5i
)

// Number is the value of a numeric literal. Float holds a plain number or
// the imaginary part of an imaginary literal. Bits holds 64-bit integers.
type Number struct {
	Kind  NumberKind
	Float float64
	Bits  uint64
}

// IsCData reports whether the literal produces a foreign data constant.
func (n Number) IsCData() bool {
	return n.Kind != NumFloat
}

// CData returns the boxed constant for a foreign literal.
func (n Number) CData() bytecode.CData {
	switch n.Kind {
	case NumInt64:
		return bytecode.CData{Kind: bytecode.CDataInt64, Lo: n.Bits}
	case NumUint64:
		return bytecode.CData{Kind: bytecode.CDataUint64, Lo: n.Bits}
	default:
		return bytecode.CData{Kind: bytecode.CDataComplex, Lo: 0, Hi: math.Float64bits(n.Float)}
	}
}

// ScanNumber parses the text of a numeric literal: decimal or hex integers
// and floats with the e or p exponents, and the LL, ULL and i suffixes.
func ScanNumber(s string) (Number, bool) {
	text := strings.ToLower(s)
	kind := NumFloat
	switch {
	case strings.HasSuffix(text, "ull"):
		kind, text = NumUint64, text[:len(text)-3]
	case strings.HasSuffix(text, "ll"):
		kind, text = NumInt64, text[:len(text)-2]
	case strings.HasSuffix(text, "i"):
		kind, text = NumImag, text[:len(text)-1]
	}
	if text == "" {
		return Number{}, false
	}
	hex := strings.HasPrefix(text, "0x")

	if kind == NumInt64 || kind == NumUint64 {
		var u uint64
		var err error
		if hex {
			u, err = strconv.ParseUint(text[2:], 16, 64)
		} else {
			u, err = strconv.ParseUint(text, 10, 64)
		}
		if err != nil {
			return Number{}, false
		}
		return Number{Kind: kind, Bits: u}, true
	}

	var f float64
	var ok bool
	if hex {
		f, ok = scanHexFloat(text[2:])
	} else {
		f, ok = scanDecFloat(text)
	}
	if !ok {
		return Number{}, false
	}
	return Number{Kind: kind, Float: f}, true
}

func scanDecFloat(s string) (float64, bool) {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c == '.' || c == 'e' || c == '+' || c == '-') {
			return 0, false
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		var ne *strconv.NumError
		if errors.As(err, &ne) && errors.Is(ne.Err, strconv.ErrRange) {
			return f, true
		}
		return 0, false
	}
	return f, true
}

// scanHexFloat parses hex digits with an optional fraction and binary
// exponent. Digits beyond 60 bits of mantissa only scale the result.
func scanHexFloat(s string) (float64, bool) {
	var mant uint64
	exp := 0
	digits := 0
	i := 0
	seenDot := false
	for ; i < len(s); i++ {
		c := s[i]
		if c == '.' {
			if seenDot {
				return 0, false
			}
			seenDot = true
			continue
		}
		d, ok := hexDigit(c)
		if !ok {
			break
		}
		digits++
		if mant < 1<<60 {
			mant = mant<<4 | uint64(d)
			if seenDot {
				exp -= 4
			}
		} else if !seenDot {
			exp += 4
		}
	}
	if digits == 0 {
		return 0, false
	}
	if i < len(s) {
		if s[i] != 'p' {
			return 0, false
		}
		i++
		neg := false
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			neg = s[i] == '-'
			i++
		}
		if i == len(s) {
			return 0, false
		}
		pexp := 0
		for ; i < len(s); i++ {
			c := s[i]
			if c < '0' || c > '9' {
				return 0, false
			}
			if pexp < 100000 {
				pexp = pexp*10 + int(c-'0')
			}
		}
		if neg {
			pexp = -pexp
		}
		exp += pexp
	}
	return math.Ldexp(float64(mant), exp), true
}

func hexDigit(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}
