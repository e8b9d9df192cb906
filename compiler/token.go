package compiler

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Token types for the Fluid lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError
	TokenChar // any other single character, reported as an unexpected symbol

	// Literals
	TokenName
	TokenString
	TokenNumber

	// Reserved words
	TokenAnd
	TokenBreak
	TokenContinue
	TokenDefer
	TokenDo
	TokenElse
	TokenElseif
	TokenEnd
	TokenFalse
	TokenFor
	TokenFunction
	TokenGoto
	TokenIf
	TokenIn
	TokenIs
	TokenLocal
	TokenNil
	TokenNot
	TokenOr
	TokenRepeat
	TokenReturn
	TokenThen
	TokenTrue
	TokenUntil
	TokenWhile

	// Operators
	TokenPlus       // +
	TokenMinus      // -
	TokenStar       // *
	TokenSlash      // /
	TokenPercent    // %
	TokenCaret      // ^
	TokenHash       // #
	TokenAmp        // &
	TokenPipe       // |
	TokenTilde      // ~
	TokenShl        // <<
	TokenShr        // >>
	TokenEq         // ==
	TokenNe         // ~= or !=
	TokenLe         // <=
	TokenGe         // >=
	TokenLt         // <
	TokenGt         // >
	TokenAssign     // =
	TokenConcat     // ..
	TokenDots       // ...
	TokenCAdd       // +=
	TokenCSub       // -=
	TokenCMul       // *=
	TokenCDiv       // /=
	TokenCMod       // %=
	TokenCConcat    // ..=
	TokenPlusPlus   // ++
	TokenPresence   // ??
	TokenQuestion   // ?
	TokenCIfEmpty   // ?=
	TokenTernarySep // :>
	TokenSafeField  // ?.
	TokenSafeMethod // ?:

	// Delimiters
	TokenLParen    // (
	TokenRParen    // )
	TokenLBrace    // {
	TokenRBrace    // }
	TokenLBracket  // [
	TokenRBracket  // ]
	TokenSemicolon // ;
	TokenColon     // :
	TokenLabel     // ::
	TokenComma     // ,
	TokenDot       // .

	tokenCount
)

var tokenNames = [tokenCount]string{
	TokenEOF:    "<eof>",
	TokenError:  "<error>",
	TokenChar:   "<char>",
	TokenName:   "<name>",
	TokenString: "<string>",
	TokenNumber: "<number>",

	TokenAnd:      "and",
	TokenBreak:    "break",
	TokenContinue: "continue",
	TokenDefer:    "defer",
	TokenDo:       "do",
	TokenElse:     "else",
	TokenElseif:   "elseif",
	TokenEnd:      "end",
	TokenFalse:    "false",
	TokenFor:      "for",
	TokenFunction: "function",
	TokenGoto:     "goto",
	TokenIf:       "if",
	TokenIn:       "in",
	TokenIs:       "is",
	TokenLocal:    "local",
	TokenNil:      "nil",
	TokenNot:      "not",
	TokenOr:       "or",
	TokenRepeat:   "repeat",
	TokenReturn:   "return",
	TokenThen:     "then",
	TokenTrue:     "true",
	TokenUntil:    "until",
	TokenWhile:    "while",

	TokenPlus:       "+",
	TokenMinus:      "-",
	TokenStar:       "*",
	TokenSlash:      "/",
	TokenPercent:    "%",
	TokenCaret:      "^",
	TokenHash:       "#",
	TokenAmp:        "&",
	TokenPipe:       "|",
	TokenTilde:      "~",
	TokenShl:        "<<",
	TokenShr:        ">>",
	TokenEq:         "==",
	TokenNe:         "~=",
	TokenLe:         "<=",
	TokenGe:         ">=",
	TokenLt:         "<",
	TokenGt:         ">",
	TokenAssign:     "=",
	TokenConcat:     "..",
	TokenDots:       "...",
	TokenCAdd:       "+=",
	TokenCSub:       "-=",
	TokenCMul:       "*=",
	TokenCDiv:       "/=",
	TokenCMod:       "%=",
	TokenCConcat:    "..=",
	TokenPlusPlus:   "++",
	TokenPresence:   "??",
	TokenQuestion:   "?",
	TokenCIfEmpty:   "?=",
	TokenTernarySep: ":>",
	TokenSafeField:  "?.",
	TokenSafeMethod: "?:",

	TokenLParen:    "(",
	TokenRParen:    ")",
	TokenLBrace:    "{",
	TokenRBrace:    "}",
	TokenLBracket:  "[",
	TokenRBracket:  "]",
	TokenSemicolon: ";",
	TokenColon:     ":",
	TokenLabel:     "::",
	TokenComma:     ",",
	TokenDot:       ".",
}

func (t TokenType) String() string {
	if t >= 0 && t < tokenCount {
		return tokenNames[t]
	}
	return fmt.Sprintf("Token(%d)", int(t))
}

// IsReserved reports whether t is a reserved word.
func (t TokenType) IsReserved() bool {
	return t >= TokenAnd && t <= TokenWhile
}

// Position is a location in the source text.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based byte column
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Token represents a lexical token.
type Token struct {
	Type TokenType
	Str  string // decoded name or string value, or the offending text
	Num  Number // numeric literal value
	Raw  string // source text of the token
	Pos  Position

	EndLine int // line of the last character
}

func (t Token) String() string {
	switch t.Type {
	case TokenEOF:
		return "<eof>"
	case TokenName, TokenString, TokenNumber, TokenChar, TokenError:
		s := t.Raw
		if len(s) > 40 {
			s = s[:37] + "..."
		}
		return s
	}
	return t.Type.String()
}

// reservedWords maps each reserved word to its token type. It is never
// written after package initialization.
var reservedWords = map[string]TokenType{
	"and":      TokenAnd,
	"break":    TokenBreak,
	"continue": TokenContinue,
	"defer":    TokenDefer,
	"do":       TokenDo,
	"else":     TokenElse,
	"elseif":   TokenElseif,
	"end":      TokenEnd,
	"false":    TokenFalse,
	"for":      TokenFor,
	"function": TokenFunction,
	"goto":     TokenGoto,
	"if":       TokenIf,
	"in":       TokenIn,
	"is":       TokenIs,
	"local":    TokenLocal,
	"nil":      TokenNil,
	"not":      TokenNot,
	"or":       TokenOr,
	"repeat":   TokenRepeat,
	"return":   TokenReturn,
	"then":     TokenThen,
	"true":     TokenTrue,
	"until":    TokenUntil,
	"while":    TokenWhile,
}

// LookupIdent returns the reserved word token for name, or TokenName.
func LookupIdent(name string) TokenType {
	if t, ok := reservedWords[name]; ok {
		return t
	}
	return TokenName
}

// ReservedWords returns the reserved words in sorted order.
func ReservedWords() []string {
	words := make([]string, 0, len(reservedWords))
	for w := range reservedWords {
		words = append(words, w)
	}
	sort.Strings(words)
	return words
}
