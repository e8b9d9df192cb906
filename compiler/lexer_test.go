package compiler

import (
	"errors"
	"testing"
)

func lexAll(t *testing.T, src string) []Token {
	t.Helper()
	l := NewLexer([]byte(src), "=test")
	var toks []Token
	for {
		tok := l.Next()
		toks = append(toks, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			return toks
		}
	}
}

func tokenTypes(toks []Token) []TokenType {
	out := make([]TokenType, len(toks))
	for i, tok := range toks {
		out[i] = tok.Type
	}
	return out
}

// ---------------------------------------------------------------------------
// Operators and punctuation
// ---------------------------------------------------------------------------

func TestLexerOperators(t *testing.T) {
	input := `+ - * / % ^ # & | ~ << >> == ~= != <= >= < > = .. ... += -= *= /= %= ..= ++ ?? ? ?= :> ?. ?: ( ) { } [ ] ; : :: , .`
	expected := []TokenType{
		TokenPlus, TokenMinus, TokenStar, TokenSlash, TokenPercent, TokenCaret,
		TokenHash, TokenAmp, TokenPipe, TokenTilde, TokenShl, TokenShr,
		TokenEq, TokenNe, TokenNe, TokenLe, TokenGe, TokenLt, TokenGt,
		TokenAssign, TokenConcat, TokenDots,
		TokenCAdd, TokenCSub, TokenCMul, TokenCDiv, TokenCMod, TokenCConcat,
		TokenPlusPlus, TokenPresence, TokenQuestion, TokenCIfEmpty,
		TokenTernarySep, TokenSafeField, TokenSafeMethod,
		TokenLParen, TokenRParen, TokenLBrace, TokenRBrace,
		TokenLBracket, TokenRBracket, TokenSemicolon, TokenColon,
		TokenLabel, TokenComma, TokenDot, TokenEOF,
	}

	got := tokenTypes(lexAll(t, input))
	if len(got) != len(expected) {
		t.Fatalf("got %d tokens %v, want %d", len(got), got, len(expected))
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("token[%d] = %v, want %v", i, got[i], expected[i])
		}
	}
}

func TestLexerKeywordsAndNames(t *testing.T) {
	toks := lexAll(t, "local function defer continue is _ foo_1 goto")
	want := []struct {
		typ TokenType
		str string
	}{
		{TokenLocal, "local"},
		{TokenFunction, "function"},
		{TokenDefer, "defer"},
		{TokenContinue, "continue"},
		{TokenIs, "is"},
		{TokenName, "_"},
		{TokenName, "foo_1"},
		{TokenGoto, "goto"},
		{TokenEOF, ""},
	}
	for i, w := range want {
		if toks[i].Type != w.typ {
			t.Errorf("token[%d] type = %v, want %v", i, toks[i].Type, w.typ)
		}
		if toks[i].Str != w.str {
			t.Errorf("token[%d] str = %q, want %q", i, toks[i].Str, w.str)
		}
	}
}

func TestLexerUnknownCharacter(t *testing.T) {
	toks := lexAll(t, "a @ b")
	if toks[1].Type != TokenChar || toks[1].Str != "@" {
		t.Errorf("token[1] = %v %q, want TokenChar '@'", toks[1].Type, toks[1].Str)
	}
}

// ---------------------------------------------------------------------------
// Numbers
// ---------------------------------------------------------------------------

func TestLexerNumbers(t *testing.T) {
	tests := []struct {
		input string
		kind  NumberKind
		float float64
		bits  uint64
	}{
		{"0", NumFloat, 0, 0},
		{"42", NumFloat, 42, 0},
		{"3.25", NumFloat, 3.25, 0},
		{".5", NumFloat, 0.5, 0},
		{"1e3", NumFloat, 1000, 0},
		{"2E-2", NumFloat, 0.02, 0},
		{"0x10", NumFloat, 16, 0},
		{"0xA.8p1", NumFloat, 21, 0},
		{"0x1p-2", NumFloat, 0.25, 0},
		{"12LL", NumInt64, 0, 12},
		{"0xffULL", NumUint64, 0, 255},
		{"2.5i", NumImag, 2.5, 0},
	}

	for _, tc := range tests {
		toks := lexAll(t, tc.input)
		tok := toks[0]
		if tok.Type != TokenNumber {
			t.Errorf("Lexer(%q): type = %v, want <number>", tc.input, tok.Type)
			continue
		}
		if tok.Num.Kind != tc.kind {
			t.Errorf("Lexer(%q): kind = %v, want %v", tc.input, tok.Num.Kind, tc.kind)
		}
		if tok.Num.Float != tc.float {
			t.Errorf("Lexer(%q): float = %v, want %v", tc.input, tok.Num.Float, tc.float)
		}
		if tok.Num.Bits != tc.bits {
			t.Errorf("Lexer(%q): bits = %v, want %v", tc.input, tok.Num.Bits, tc.bits)
		}
		if toks[1].Type != TokenEOF {
			t.Errorf("Lexer(%q): trailing token %v", tc.input, toks[1].Type)
		}
	}
}

func TestLexerMalformedNumber(t *testing.T) {
	for _, input := range []string{"3x", "1..2", "0xg", "1e"} {
		l := NewLexer([]byte(input), "=test")
		tok := l.Next()
		if tok.Type != TokenError {
			t.Errorf("Lexer(%q): type = %v, want <error>", input, tok.Type)
			continue
		}
		var cerr *Error
		if !errors.As(l.Err(), &cerr) || cerr.Kind != LexError {
			t.Errorf("Lexer(%q): err = %v, want LexError", input, l.Err())
		}
	}
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

func TestLexerStrings(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`"hello"`, "hello"},
		{`'single'`, "single"},
		{`"a\tb\n"`, "a\tb\n"},
		{`"\x41\66\0677"`, "ABC7"},
		{`"\u{48}\u{e9}"`, "Hé"},
		{`"a\z
		   b"`, "ab"},
		{"\"line\\\nnext\"", "line\nnext"},
		{`"quote\"inside"`, `quote"inside`},
		{"[[long\nstring]]", "long\nstring"},
		{"[[\nskipfirst]]", "skipfirst"},
		{"[==[a]]b]==]", "a]]b"},
	}

	for _, tc := range tests {
		toks := lexAll(t, tc.input)
		if toks[0].Type != TokenString {
			t.Errorf("Lexer(%q): type = %v, want <string>", tc.input, toks[0].Type)
			continue
		}
		if toks[0].Str != tc.want {
			t.Errorf("Lexer(%q): str = %q, want %q", tc.input, toks[0].Str, tc.want)
		}
	}
}

func TestLexerStringErrors(t *testing.T) {
	tests := []struct {
		input string
		msg   string
	}{
		{`"open`, "unfinished string"},
		{"\"broken\nline\"", "unfinished string"},
		{`"\q"`, "invalid escape sequence"},
		{`"\300"`, "invalid escape sequence"},
		{`"\u{d800}"`, "invalid escape sequence"},
		{`"\u{110000}"`, "invalid escape sequence"},
		{"[[never closed", "unfinished long string"},
		{"--[[never closed", "unfinished long comment"},
		{"[==x", "invalid long string delimiter"},
	}

	for _, tc := range tests {
		l := NewLexer([]byte(tc.input), "=test")
		for tok := l.Next(); tok.Type != TokenEOF && tok.Type != TokenError; tok = l.Next() {
		}
		var cerr *Error
		if !errors.As(l.Err(), &cerr) {
			t.Errorf("Lexer(%q): err = %v, want *Error", tc.input, l.Err())
			continue
		}
		if cerr.Msg != tc.msg {
			t.Errorf("Lexer(%q): msg = %q, want %q", tc.input, cerr.Msg, tc.msg)
		}
	}
}

// ---------------------------------------------------------------------------
// Comments, lines and headers
// ---------------------------------------------------------------------------

func TestLexerComments(t *testing.T) {
	src := "a -- line comment\n--[[ block\ncomment ]] b // slash comment\nc"
	toks := lexAll(t, src)
	want := []struct {
		str  string
		line int
	}{
		{"a", 1}, {"b", 3}, {"c", 4},
	}
	for i, w := range want {
		if toks[i].Str != w.str || toks[i].Pos.Line != w.line {
			t.Errorf("token[%d] = %q line %d, want %q line %d", i, toks[i].Str, toks[i].Pos.Line, w.str, w.line)
		}
	}
	if toks[3].Type != TokenEOF {
		t.Errorf("token[3] = %v, want <eof>", toks[3].Type)
	}
}

func TestLexerLineEndings(t *testing.T) {
	toks := lexAll(t, "a\r\nb\n\rc\rd")
	for i, line := range []int{1, 2, 3, 4} {
		if toks[i].Pos.Line != line {
			t.Errorf("token[%d] line = %d, want %d", i, toks[i].Pos.Line, line)
		}
	}
}

func TestLexerColumns(t *testing.T) {
	toks := lexAll(t, "x = 10\n  y")
	if toks[2].Pos.Column != 5 {
		t.Errorf("column of 10 = %d, want 5", toks[2].Pos.Column)
	}
	if toks[3].Pos.Line != 2 || toks[3].Pos.Column != 3 {
		t.Errorf("position of y = %v, want 2:3", toks[3].Pos)
	}
}

func TestLexerSkipsHeader(t *testing.T) {
	toks := lexAll(t, "\xef\xbb\xbf#!/usr/bin/env fluid\nreturn")
	if toks[0].Type != TokenReturn {
		t.Fatalf("token[0] = %v, want return", toks[0].Type)
	}
	if toks[0].Pos.Line != 2 {
		t.Errorf("line = %d, want 2", toks[0].Pos.Line)
	}
}

func TestLexerBinaryDetection(t *testing.T) {
	l := NewLexer([]byte("\x1bLJ\x02"), "=test")
	if !l.IsBinary() {
		t.Error("IsBinary() = false, want true")
	}
	if l.Err() != nil {
		t.Errorf("Err() = %v, want nil", l.Err())
	}

	l = NewLexer([]byte("#header\n\x1bLJ"), "=test")
	if l.IsBinary() {
		t.Error("IsBinary() after header = true, want false")
	}
	if l.Err() == nil {
		t.Error("expected an error for a dump behind a source header")
	}
}

// ---------------------------------------------------------------------------
// Lookahead
// ---------------------------------------------------------------------------

func TestLexerPeek(t *testing.T) {
	l := NewLexer([]byte("a b c"), "=test")
	if got := l.Peek(2).Str; got != "b" {
		t.Errorf("Peek(2) = %q, want b", got)
	}
	if got := l.Peek(1).Str; got != "a" {
		t.Errorf("Peek(1) = %q, want a", got)
	}
	if got := l.Next().Str; got != "a" {
		t.Errorf("Next() = %q, want a", got)
	}
	if got := l.Peek(2).Str; got != "c" {
		t.Errorf("Peek(2) after Next = %q, want c", got)
	}
	if got := l.Next().Str; got != "b" {
		t.Errorf("Next() = %q, want b", got)
	}
	if got := l.Next().Str; got != "c" {
		t.Errorf("Next() = %q, want c", got)
	}
	if got := l.Next().Type; got != TokenEOF {
		t.Errorf("Next() = %v, want <eof>", got)
	}
}

func TestErrorFormat(t *testing.T) {
	tests := []struct {
		err  Error
		want string
	}{
		{Error{Msg: "boom", Chunk: "=stdin", Line: 3}, "stdin:3: boom"},
		{Error{Msg: "boom", Chunk: "@file.fluid", Line: 1, Token: "x"}, "file.fluid:1: boom near 'x'"},
		{Error{Msg: "boom", Chunk: "return 1\nend", Line: 2}, `[string "return 1..."]:2: boom`},
	}
	for _, tc := range tests {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}
