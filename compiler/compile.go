package compiler

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/fluid/pkg/bytecode"
)

var log = commonlog.GetLogger("fluid.compiler")

// MaxDiagnostics caps the errors collected by Diagnose.
const MaxDiagnostics = 100

// Options controls a compilation.
type Options struct {
	// AllowBinary accepts a binary dump in place of source text.
	AllowBinary bool
	// WideInstructions is the instruction width expected in a binary dump.
	WideInstructions bool
}

// Compile compiles Fluid source into the prototype of its main function.
// A binary dump is rejected unless opts.AllowBinary is set. The returned
// error is an *Error for source input and wraps a *bytecode.FormatError
// for dumps.
func Compile(src []byte, chunkName string, opts Options) (*bytecode.Proto, error) {
	lex := NewLexer(src, chunkName)
	if lex.IsBinary() {
		if !opts.AllowBinary {
			return nil, &Error{Kind: LexError, Msg: "attempt to load a binary chunk", Chunk: chunkName, Line: 1}
		}
		return bytecode.Load(src, bytecode.LoadOptions{ChunkName: chunkName, WideInstructions: opts.WideInstructions})
	}
	start := time.Now()
	pt, err := compileSource(lex, chunkName)
	if err != nil {
		log.Debugf("compile %s failed: %s", ChunkID(chunkName), err)
		return nil, err
	}
	log.Debugf("compiled %s: %d instructions in %s", ChunkID(chunkName), len(pt.Code), time.Since(start))
	return pt, nil
}

// CompileReader reads all of in and compiles it.
func CompileReader(in io.Reader, chunkName string, opts Options) (*bytecode.Proto, error) {
	src, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", ChunkID(chunkName), err)
	}
	return Compile(src, chunkName, opts)
}

// Load compiles source or loads a binary dump, whichever data holds.
func Load(data []byte, chunkName string, opts Options) (*bytecode.Proto, error) {
	opts.AllowBinary = true
	return Compile(data, chunkName, opts)
}

// compileSource runs the parser and turns a bailout into an error. Any
// other panic is reported as an internal error.
func compileSource(lex *Lexer, chunkName string) (pt *bytecode.Proto, err error) {
	p := newParser(lex, chunkName)
	defer func() {
		if r := recover(); r != nil {
			pt = nil
			if b, ok := r.(bailout); ok {
				err = b.err
				return
			}
			err = &Error{
				Kind:  InternalInvariantError,
				Msg:   fmt.Sprint(r),
				Chunk: chunkName,
				Line:  p.tok.Pos.Line,
			}
		}
	}()
	if lex.err != nil {
		return nil, lex.err
	}
	return p.mainChunk(), nil
}

// ---------------------------------------------------------------------------
// Diagnose mode
// ---------------------------------------------------------------------------

// resyncWords are the statement keywords Diagnose restarts at.
var resyncWords = [][]byte{
	[]byte("local"), []byte("function"), []byte("if"), []byte("for"),
	[]byte("while"), []byte("repeat"), []byte("return"), []byte("do"),
	[]byte("defer"), []byte("goto"),
}

// Diagnose compiles src and collects errors instead of stopping at the
// first one. After an error it restarts at the next line that begins with
// a statement keyword in column 1. Errors come back in line order. No
// bytecode is produced.
func Diagnose(src []byte, chunkName string) []*Error {
	lines := bytes.SplitAfter(src, []byte("\n"))
	seen := make(map[string]bool)
	var errs []*Error
	from := 0 // first line of the current attempt, zero based
	for from < len(lines) && len(errs) < MaxDiagnostics {
		// Blank out the lines before the restart point so that line
		// numbers stay those of the full source.
		var buf bytes.Buffer
		buf.Write(bytes.Repeat([]byte("\n"), from))
		for _, l := range lines[from:] {
			buf.Write(l)
		}
		_, err := compileSource(NewLexer(buf.Bytes(), chunkName), chunkName)
		if err == nil {
			break
		}
		cerr, ok := err.(*Error)
		if !ok {
			break
		}
		key := fmt.Sprintf("%d:%s", cerr.Line, cerr.Msg)
		if !seen[key] {
			seen[key] = true
			errs = append(errs, cerr)
		}
		next := resyncLine(lines, max(cerr.Line, from+1))
		if next <= from {
			break
		}
		from = next
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Line < errs[j].Line })
	log.Debugf("diagnosed %s: %d errors", ChunkID(chunkName), len(errs))
	return errs
}

// resyncLine returns the zero based index of the first line at or after
// index start that opens with a statement keyword, or len(lines).
func resyncLine(lines [][]byte, start int) int {
	for i := start; i < len(lines); i++ {
		for _, w := range resyncWords {
			l := lines[i]
			if bytes.HasPrefix(l, w) && (len(l) == len(w) || !isIdent(int(l[len(w)]))) {
				return i
			}
		}
	}
	return len(lines)
}
