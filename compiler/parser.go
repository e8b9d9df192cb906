package compiler

import (
	"fmt"

	"github.com/chazu/fluid/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Parser state
// ---------------------------------------------------------------------------

// parser drives a single compilation. The lexer feeds tokens to a one pass
// recursive descent that emits bytecode through the current funcState.
type parser struct {
	lex       *Lexer
	tok       Token
	lastLine  int // end line of the last consumed token
	chunkName string

	fs     *funcState
	vstack []varInfo
	level  int
}

func newParser(lex *Lexer, chunkName string) *parser {
	return &parser{
		lex:       lex,
		tok:       Token{Type: TokenEOF, EndLine: 1},
		lastLine:  1,
		chunkName: chunkName,
	}
}

// raiseAt aborts the compilation with an error at line.
func (p *parser) raiseAt(kind ErrorKind, line int, msg string) {
	panic(bailout{&Error{Kind: kind, Msg: msg, Chunk: p.chunkName, Line: line}})
}

// raise aborts the compilation with an error at the current token.
func (p *parser) raise(kind ErrorKind, msg, near string) {
	panic(bailout{&Error{
		Kind:   kind,
		Msg:    msg,
		Token:  near,
		Chunk:  p.chunkName,
		Line:   p.tok.Pos.Line,
		Column: p.tok.Pos.Column,
	}})
}

// fail reports msg near the current token.
func (p *parser) fail(kind ErrorKind, msg string) {
	p.raise(kind, msg, p.tok.String())
}

func (p *parser) errSyntax(msg string) {
	p.fail(SyntaxError, msg)
}

func (p *parser) errToken(t TokenType) {
	p.errSyntax(fmt.Sprintf("'%s' expected", t))
}

func (fs *funcState) assert(cond bool, msg string) {
	if !cond {
		fs.p.raise(InternalInvariantError, msg, "")
	}
}

func (p *parser) growVStack() {
	if len(p.vstack) >= MaxVStack {
		p.raise(SemanticLimitError, fmt.Sprintf("chunk has more than %d local variables", MaxVStack), "")
	}
}

// ---------------------------------------------------------------------------
// Token handling
// ---------------------------------------------------------------------------

func (p *parser) next() {
	p.lastLine = p.tok.EndLine
	p.tok = p.lex.Next()
	if p.tok.Type == TokenError {
		err := p.lex.err
		if err == nil {
			err = &Error{Kind: LexError, Msg: p.tok.Str, Chunk: p.chunkName, Line: p.tok.Pos.Line}
		}
		panic(bailout{err})
	}
}

// peek returns the token after the current one.
func (p *parser) peek() Token {
	return p.lex.Peek(1)
}

// accept consumes the current token if it has type t.
func (p *parser) accept(t TokenType) bool {
	if p.tok.Type == t {
		p.next()
		return true
	}
	return false
}

func (p *parser) checkTok(t TokenType) {
	if p.tok.Type != t {
		p.errToken(t)
	}
}

// expect consumes a token of type t or fails.
func (p *parser) expect(t TokenType) {
	p.checkTok(t)
	p.next()
}

// match consumes the token closing 'who' opened at line.
func (p *parser) match(what, who TokenType, line int) {
	if p.accept(what) {
		return
	}
	if line == p.tok.Pos.Line {
		p.errToken(what)
	}
	p.errSyntax(fmt.Sprintf("'%s' expected (to close '%s' at line %d)", what, who, line))
}

// name consumes an identifier and returns it.
func (p *parser) name() string {
	p.checkTok(TokenName)
	s := p.tok.Str
	p.next()
	return s
}

func (p *parser) synlevelBegin() {
	p.level++
	if p.level >= MaxSyntaxLevel {
		p.raise(SyntaxError, msgLevels, "")
	}
}

func (p *parser) synlevelEnd() {
	p.level--
}

// blockFollow reports whether the current token ends a block.
func (p *parser) blockFollow(withUntil bool) bool {
	switch p.tok.Type {
	case TokenElse, TokenElseif, TokenEnd, TokenEOF:
		return true
	case TokenUntil:
		return withUntil
	}
	return false
}

// ---------------------------------------------------------------------------
// Main chunk
// ---------------------------------------------------------------------------

// mainChunk compiles the whole input into the main function prototype.
func (p *parser) mainChunk() *bytecode.Proto {
	fs := newFuncState(p, 0)
	fs.flags |= bytecode.ProtoVararg
	var bl funcScope
	fs.scopeBegin(&bl, 0)
	fs.emit(insAD(bytecode.OpFUNCV, 0, 0))
	p.next()
	p.chunk()
	if p.tok.Type != TokenEOF {
		p.errToken(TokenEOF)
	}
	return p.finish(p.tok.Pos.Line)
}
