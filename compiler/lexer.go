package compiler

import (
	"strings"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: tokenizer for Fluid source text
// ---------------------------------------------------------------------------

// Lexer limits.
const (
	MaxLine     = 0x7fffff00
	MaxTokenLen = 0x7fffff00
)

// DumpSignatureByte is the first byte of a binary dump.
const DumpSignatureByte = 0x1b

// Lexer tokenizes Fluid source code. Tokens are produced on demand and an
// arbitrary number of them can be buffered for lookahead.
type Lexer struct {
	input     []byte
	chunk     string
	pos       int // offset of the current character
	ch        int // current character, or -1 at EOF
	line      int
	lineStart int
	binary    bool
	err       *Error

	ahead []Token // lookahead FIFO
	sb    strings.Builder
}

const eofChar = -1

// NewLexer creates a lexer for src. A UTF-8 byte order mark and a leading
// '#' line are skipped.
func NewLexer(src []byte, chunkName string) *Lexer {
	l := &Lexer{input: src, chunk: chunkName, line: 1}
	header := false
	if len(src) >= 3 && src[0] == 0xef && src[1] == 0xbb && src[2] == 0xbf {
		l.pos = 3
		header = true
	}
	l.load()
	if l.ch == '#' {
		for !l.isEOL() && l.ch != eofChar {
			l.advance()
		}
		if l.isEOL() {
			l.newline()
		}
		header = true
	}
	if l.ch == DumpSignatureByte {
		if header {
			l.err = &Error{Kind: LexError, Msg: "cannot load bytecode after a source header", Chunk: chunkName, Line: 1, Column: 1}
		} else {
			l.binary = true
		}
	}
	return l
}

// IsBinary reports whether the input is a binary dump rather than source.
func (l *Lexer) IsBinary() bool {
	return l.binary
}

// Err returns the error that stopped the lexer, if any.
func (l *Lexer) Err() error {
	if l.err == nil {
		return nil
	}
	return l.err
}

// Line returns the line of the scanner position.
func (l *Lexer) Line() int {
	return l.line
}

// Next consumes and returns the next token. After an error every call
// returns a TokenError token.
func (l *Lexer) Next() Token {
	if len(l.ahead) > 0 {
		tok := l.ahead[0]
		l.ahead = l.ahead[1:]
		return tok
	}
	return l.scan()
}

// Peek returns the k-th token after the last one returned by Next, with
// k >= 1, without consuming anything.
func (l *Lexer) Peek(k int) Token {
	for len(l.ahead) < k {
		l.ahead = append(l.ahead, l.scan())
	}
	return l.ahead[k-1]
}

// ---------------------------------------------------------------------------
// Character handling
// ---------------------------------------------------------------------------

func (l *Lexer) load() {
	if l.pos < len(l.input) {
		l.ch = int(l.input[l.pos])
	} else {
		l.ch = eofChar
	}
}

func (l *Lexer) advance() {
	if l.pos < len(l.input) {
		l.pos++
	}
	l.load()
}

func (l *Lexer) peekByte(n int) int {
	if l.pos+n < len(l.input) {
		return int(l.input[l.pos+n])
	}
	return eofChar
}

func (l *Lexer) save(c int) {
	l.sb.WriteByte(byte(c))
}

func (l *Lexer) saveNext() {
	l.save(l.ch)
	l.advance()
}

func (l *Lexer) isEOL() bool {
	return l.ch == '\n' || l.ch == '\r'
}

// newline skips "\n", "\r", "\r\n" or "\n\r".
func (l *Lexer) newline() {
	old := l.ch
	l.advance()
	if l.isEOL() && l.ch != old {
		l.advance()
	}
	l.line++
	l.lineStart = l.pos
	if l.line >= MaxLine {
		l.fail(LexError, "chunk has too many lines", "")
	}
}

func (l *Lexer) position() Position {
	return Position{Offset: l.pos, Line: l.line, Column: l.pos - l.lineStart + 1}
}

// lexFailure unwinds a scan in progress.
type lexFailure struct{}

func (l *Lexer) fail(kind ErrorKind, msg, near string) {
	if l.err == nil {
		pos := l.position()
		l.err = &Error{Kind: kind, Msg: msg, Token: near, Chunk: l.chunk, Line: pos.Line, Column: pos.Column}
	}
	panic(lexFailure{})
}

func isDigit(c int) bool  { return c >= '0' && c <= '9' }
func isXDigit(c int) bool { return isDigit(c) || (c|0x20) >= 'a' && (c|0x20) <= 'f' }
func isSpace(c int) bool {
	return c == ' ' || c == '\t' || c == '\v' || c == '\f' || c == '\n' || c == '\r'
}

func isIdentStart(c int) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '_' || c >= 0x80
}

func isIdent(c int) bool {
	return isIdentStart(c) || isDigit(c)
}

// ---------------------------------------------------------------------------
// Scanner
// ---------------------------------------------------------------------------

func (l *Lexer) scan() (tok Token) {
	if l.err != nil || l.binary {
		return l.errorToken()
	}
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(lexFailure); !ok {
				panic(r)
			}
			tok = l.errorToken()
		}
	}()
	tok = l.scanToken()
	tok.EndLine = l.line
	return tok
}

func (l *Lexer) errorToken() Token {
	tok := Token{Type: TokenError, Pos: l.position(), EndLine: l.line}
	if l.err != nil {
		tok.Str = l.err.Msg
		tok.Raw = l.err.Token
	}
	return tok
}

func (l *Lexer) scanToken() Token {
	l.sb.Reset()
	for {
		start := l.position()
		op := func(t TokenType) Token {
			return Token{Type: t, Raw: string(l.input[start.Offset:l.pos]), Pos: start}
		}
		if isIdentStart(l.ch) {
			for isIdent(l.ch) {
				l.saveNext()
			}
			name := l.sb.String()
			return Token{Type: LookupIdent(name), Str: name, Raw: name, Pos: start}
		}
		if isDigit(l.ch) {
			return l.number(start)
		}
		switch l.ch {
		case eofChar:
			return Token{Type: TokenEOF, Pos: start}
		case '\n', '\r':
			l.newline()
			continue
		case ' ', '\t', '\v', '\f':
			l.advance()
			continue
		case '-':
			l.advance()
			if l.ch == '=' {
				l.advance()
				return op(TokenCSub)
			}
			if l.ch != '-' {
				return op(TokenMinus)
			}
			l.advance()
			if l.ch == '[' {
				if sep := l.skipEq(); sep >= 0 {
					l.longString(start, sep, false)
					l.sb.Reset()
					continue
				}
				l.sb.Reset()
			}
			for !l.isEOL() && l.ch != eofChar {
				l.advance()
			}
			continue
		case '[':
			sep := l.skipEq()
			switch {
			case sep >= 0:
				return l.longString(start, sep, true)
			case sep == -1:
				l.sb.Reset()
				return op(TokenLBracket)
			default:
				l.fail(LexError, "invalid long string delimiter", l.sb.String())
			}
		case '+':
			l.advance()
			switch l.ch {
			case '=':
				l.advance()
				return op(TokenCAdd)
			case '+':
				l.advance()
				return op(TokenPlusPlus)
			}
			return op(TokenPlus)
		case '*':
			l.advance()
			if l.ch == '=' {
				l.advance()
				return op(TokenCMul)
			}
			return op(TokenStar)
		case '/':
			l.advance()
			if l.ch == '=' {
				l.advance()
				return op(TokenCDiv)
			}
			if l.ch == '/' {
				for !l.isEOL() && l.ch != eofChar {
					l.advance()
				}
				continue
			}
			return op(TokenSlash)
		case '%':
			l.advance()
			if l.ch == '=' {
				l.advance()
				return op(TokenCMod)
			}
			return op(TokenPercent)
		case '!':
			l.advance()
			if l.ch == '=' {
				l.advance()
				return op(TokenNe)
			}
			return Token{Type: TokenChar, Str: "!", Raw: "!", Pos: start}
		case '=':
			l.advance()
			if l.ch == '=' {
				l.advance()
				return op(TokenEq)
			}
			return op(TokenAssign)
		case '<':
			l.advance()
			switch l.ch {
			case '=':
				l.advance()
				return op(TokenLe)
			case '<':
				l.advance()
				return op(TokenShl)
			}
			return op(TokenLt)
		case '>':
			l.advance()
			switch l.ch {
			case '=':
				l.advance()
				return op(TokenGe)
			case '>':
				l.advance()
				return op(TokenShr)
			}
			return op(TokenGt)
		case '~':
			l.advance()
			if l.ch == '=' {
				l.advance()
				return op(TokenNe)
			}
			return op(TokenTilde)
		case ':':
			l.advance()
			switch l.ch {
			case '>':
				l.advance()
				return op(TokenTernarySep)
			case ':':
				l.advance()
				return op(TokenLabel)
			}
			return op(TokenColon)
		case '?':
			l.advance()
			switch l.ch {
			case '=':
				l.advance()
				return op(TokenCIfEmpty)
			case '?':
				l.advance()
				return op(TokenPresence)
			case '.':
				if !isDigit(l.peekByte(1)) {
					l.advance()
					return op(TokenSafeField)
				}
			case ':':
				if c := l.peekByte(1); c != '>' && c != ':' {
					l.advance()
					return op(TokenSafeMethod)
				}
			}
			return op(TokenQuestion)
		case '"', '\'':
			return l.shortString(start)
		case '.':
			l.saveNext()
			if l.ch == '.' {
				l.advance()
				switch l.ch {
				case '.':
					l.advance()
					return op(TokenDots)
				case '=':
					l.advance()
					return op(TokenCConcat)
				}
				return op(TokenConcat)
			}
			if !isDigit(l.ch) {
				l.sb.Reset()
				return op(TokenDot)
			}
			return l.number(start)
		case '^':
			l.advance()
			return op(TokenCaret)
		case '#':
			l.advance()
			return op(TokenHash)
		case '&':
			l.advance()
			return op(TokenAmp)
		case '|':
			l.advance()
			return op(TokenPipe)
		case '(':
			l.advance()
			return op(TokenLParen)
		case ')':
			l.advance()
			return op(TokenRParen)
		case '{':
			l.advance()
			return op(TokenLBrace)
		case '}':
			l.advance()
			return op(TokenRBrace)
		case ']':
			l.advance()
			return op(TokenRBracket)
		case ';':
			l.advance()
			return op(TokenSemicolon)
		case ',':
			l.advance()
			return op(TokenComma)
		default:
			c := l.ch
			l.advance()
			s := string(rune(c))
			if c >= 0x80 || c < 0x20 {
				s = string([]byte{byte(c)})
			}
			return Token{Type: TokenChar, Str: s, Raw: s, Pos: start}
		}
	}
}

// number scans a numeric literal. Any digit, letter, dot, or sign directly
// after an exponent marker belongs to the literal.
func (l *Lexer) number(start Position) Token {
	xp := 'e'
	c := l.ch
	if l.ch == '0' {
		l.saveNext()
		if l.ch|0x20 == 'x' {
			xp = 'p'
		}
	}
	for isIdent(l.ch) || l.ch == '.' || ((l.ch == '-' || l.ch == '+') && c|0x20 == int(xp)) {
		c = l.ch
		l.saveNext()
	}
	text := l.sb.String()
	num, ok := ScanNumber(text)
	if !ok {
		l.fail(LexError, "malformed number", text)
	}
	return Token{Type: TokenNumber, Num: num, Raw: text, Pos: start}
}

// skipEq counts the '=' signs of a long bracket. It returns the level, -1
// for a lone bracket and a value below -1 for a malformed delimiter.
func (l *Lexer) skipEq() int {
	count := 0
	s := l.ch
	l.saveNext()
	for l.ch == '=' && count < 0x20000000 {
		l.saveNext()
		count++
	}
	if l.ch == s {
		return count
	}
	return -count - 1
}

func (l *Lexer) longString(start Position, sep int, keep bool) Token {
	l.saveNext() // second bracket
	if l.isEOL() {
		l.newline()
	}
	for {
		switch l.ch {
		case eofChar:
			if keep {
				l.fail(LexError, "unfinished long string", "<eof>")
			}
			l.fail(LexError, "unfinished long comment", "<eof>")
		case ']':
			if l.skipEq() == sep {
				l.saveNext()
				if !keep {
					return Token{}
				}
				s := l.sb.String()
				body := s[2+sep : len(s)-2-sep]
				return Token{Type: TokenString, Str: body, Raw: s, Pos: start}
			}
		case '\n', '\r':
			l.save('\n')
			l.newline()
			if !keep {
				l.sb.Reset()
			}
		default:
			if keep {
				l.saveNext()
			} else {
				l.advance()
			}
		}
		if keep && l.sb.Len() > MaxTokenLen {
			l.fail(LexError, "string too long", "")
		}
	}
}

func (l *Lexer) shortString(start Position) Token {
	delim := l.ch
	l.advance()
	var val []byte
	for l.ch != delim {
		switch l.ch {
		case eofChar:
			l.fail(LexError, "unfinished string", "<eof>")
		case '\n', '\r':
			l.fail(LexError, "unfinished string", string(l.input[start.Offset:l.pos]))
		case '\\':
			l.advance()
			var c int
			switch l.ch {
			case 'a':
				c = '\a'
			case 'b':
				c = '\b'
			case 'f':
				c = '\f'
			case 'n':
				c = '\n'
			case 'r':
				c = '\r'
			case 't':
				c = '\t'
			case 'v':
				c = '\v'
			case 'x':
				c = 0
				for i := 0; i < 2; i++ {
					l.advance()
					if !isXDigit(l.ch) {
						l.escapeError(start)
					}
					c = c<<4 | hexValue(l.ch)
				}
			case 'u':
				l.advance()
				if l.ch != '{' {
					l.escapeError(start)
				}
				l.advance()
				r := 0
				for {
					if !isXDigit(l.ch) {
						l.escapeError(start)
					}
					r = r<<4 | hexValue(l.ch)
					if r >= 0x110000 {
						l.escapeError(start)
					}
					l.advance()
					if l.ch == '}' {
						break
					}
				}
				if r >= 0xd800 && r < 0xe000 {
					l.escapeError(start)
				}
				val = utf8.AppendRune(val, rune(r))
				l.advance()
				continue
			case 'z':
				l.advance()
				for isSpace(l.ch) {
					if l.isEOL() {
						l.newline()
					} else {
						l.advance()
					}
				}
				continue
			case '\n', '\r':
				val = append(val, '\n')
				l.newline()
				continue
			case '\\', '"', '\'':
				c = l.ch
			case eofChar:
				continue
			default:
				if !isDigit(l.ch) {
					l.escapeError(start)
				}
				c = l.ch - '0'
				l.advance()
				for i := 0; i < 2 && isDigit(l.ch); i++ {
					c = c*10 + l.ch - '0'
					l.advance()
				}
				if c > 255 {
					l.escapeError(start)
				}
				val = append(val, byte(c))
				continue
			}
			val = append(val, byte(c))
			l.advance()
		default:
			val = append(val, byte(l.ch))
			l.advance()
		}
		if len(val) > MaxTokenLen {
			l.fail(LexError, "string too long", "")
		}
	}
	l.advance()
	return Token{Type: TokenString, Str: string(val), Raw: string(l.input[start.Offset:l.pos]), Pos: start}
}

func (l *Lexer) escapeError(start Position) {
	l.fail(LexError, "invalid escape sequence", string(l.input[start.Offset:l.pos]))
}

func hexValue(c int) int {
	if isDigit(c) {
		return c - '0'
	}
	return (c | 0x20) - 'a' + 10
}
