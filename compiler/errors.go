package compiler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies compile errors.
type ErrorKind int

const (
	LexError ErrorKind = iota + 1
	SyntaxError
	SemanticLimitError
	InternalInvariantError
)

func (k ErrorKind) String() string {
	switch k {
	case LexError:
		return "lex error"
	case SyntaxError:
		return "syntax error"
	case SemanticLimitError:
		return "limit error"
	case InternalInvariantError:
		return "internal error"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is a compile error with its source position.
type Error struct {
	Kind   ErrorKind
	Msg    string
	Token  string // offending token text, if any
	Chunk  string
	Line   int
	Column int
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(ChunkID(e.Chunk))
	fmt.Fprintf(&sb, ":%d: %s", e.Line, e.Msg)
	if e.Token != "" {
		fmt.Fprintf(&sb, " near '%s'", e.Token)
	}
	return sb.String()
}

// ChunkID formats a chunk name for messages. Names starting with '=' or
// '@' are shown without the prefix, anything else is treated as source
// text and abbreviated.
func ChunkID(name string) string {
	switch {
	case name == "":
		return "?"
	case name[0] == '=' || name[0] == '@':
		return name[1:]
	}
	line := name
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i] + "..."
	}
	if len(line) > 40 {
		line = line[:37] + "..."
	}
	return fmt.Sprintf("[string %q]", line)
}

// IsIncomplete reports whether err was raised at the end of the input,
// which is how a chunk cut off mid-statement fails.
func IsIncomplete(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Token == TokenEOF.String()
}

// bailout carries an *Error up the recursive descent. It is recovered once
// at the compile boundary.
type bailout struct {
	err *Error
}

// Messages shared by the parser and the emitter.
const (
	msgSlots      = "function or expression too complex"
	msgLevels     = "chunk has too many syntax levels"
	msgJump       = "control structure too long"
	msgFixup      = "function too long for return fixup"
	msgBreak      = "break outside loop"
	msgContinue   = "continue outside loop"
	msgBlankRead  = "cannot read blank identifier"
	msgDots       = "cannot use '...' outside a vararg function"
	msgAmbiguous  = "ambiguous syntax (function call x new statement)"
	msgAssignable = "expression is not assignable"
	msgCompound   = "compound assignment requires a single value"
)
