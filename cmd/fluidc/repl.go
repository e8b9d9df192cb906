package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/chazu/fluid/compiler"
	"github.com/chazu/fluid/manifest"
	"github.com/chazu/fluid/pkg/bytecode"
)

const (
	historyFile = ".fluid_history"
	promptMain  = "fluid> "
	promptCont  = "   ..> "
)

// replState holds the toggles a session can flip with commands.
type replState struct {
	opts  bytecode.DumpOptions
	bytes bool // print the dump size after each listing
}

func runREPL(cfg *manifest.Config, stdout, stderr io.Writer) int {
	fmt.Fprintln(stdout, "Fluid compile REPL (type :help for commands, :quit to exit)")

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(func(line string) []string {
		var out []string
		word := line[strings.LastIndexAny(line, " \t(")+1:]
		for _, w := range compiler.ReservedWords() {
			if word != "" && strings.HasPrefix(w, word) {
				out = append(out, line[:len(line)-len(word)]+w)
			}
		}
		return out
	})

	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	st := &replState{opts: cfg.DumpOptions()}
	for n := 1; ; n++ {
		code, ok := readChunk(ln, promptMain, promptCont)
		if !ok {
			fmt.Fprintln(stdout)
			return 0
		}
		trimmed := strings.TrimSpace(code)
		if trimmed == "" {
			continue
		}
		ln.AppendHistory(strings.ReplaceAll(code, "\n", " "))

		if strings.HasPrefix(trimmed, ":") {
			if st.command(trimmed, stdout) {
				return 0
			}
			continue
		}
		st.compile(code, fmt.Sprintf("=stdin:%d", n), stdout, stderr)
	}
}

// command runs a REPL command and reports whether the session should end.
func (st *replState) command(cmd string, stdout io.Writer) bool {
	switch strings.ToLower(cmd) {
	case ":quit", ":q":
		return true
	case ":help":
		fmt.Fprintln(stdout, "  :strip   toggle stripped dumps")
		fmt.Fprintln(stdout, "  :be      toggle big-endian dumps")
		fmt.Fprintln(stdout, "  :wide    toggle wide instructions")
		fmt.Fprintln(stdout, "  :bytes   toggle printing the dump size")
		fmt.Fprintln(stdout, "  :quit    exit")
	case ":strip":
		st.opts.Strip = !st.opts.Strip
		fmt.Fprintf(stdout, "strip = %v\n", st.opts.Strip)
	case ":be":
		st.opts.BigEndian = !st.opts.BigEndian
		fmt.Fprintf(stdout, "big-endian = %v\n", st.opts.BigEndian)
	case ":wide":
		st.opts.Wide = !st.opts.Wide
		fmt.Fprintf(stdout, "wide = %v\n", st.opts.Wide)
	case ":bytes":
		st.bytes = !st.bytes
		fmt.Fprintf(stdout, "bytes = %v\n", st.bytes)
	default:
		fmt.Fprintln(stdout, "unknown command. Type :help for commands.")
	}
	return false
}

// compile lists one chunk, going through a dump so the listing reflects
// what a loader would see.
func (st *replState) compile(code, name string, stdout, stderr io.Writer) {
	pt, err := compiler.Compile([]byte(code), name, compiler.Options{})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return
	}
	dump, err := bytecode.Dump(pt, st.opts)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return
	}
	back, err := bytecode.Load(dump, bytecode.LoadOptions{ChunkName: name, WideInstructions: st.opts.Wide})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return
	}
	fmt.Fprint(stdout, bytecode.Disassemble(back))
	if st.bytes {
		fmt.Fprintf(stdout, "; %d bytes\n", len(dump))
	}
}

// readChunk reads lines until they form a chunk that is not cut off at the
// end of input.
func readChunk(ln *liner.State, prompt, cont string) (string, bool) {
	var b strings.Builder

	for {
		var line string
		var err error
		if b.Len() == 0 {
			line, err = ln.Prompt(prompt)
		} else {
			line, err = ln.Prompt(cont)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			return "", false
		}
		if err != nil {
			return "", true
		}

		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)

		src := b.String()
		if strings.HasPrefix(strings.TrimSpace(src), ":") || !needsMore(src) {
			return src, true
		}
	}
}

// needsMore reports whether src fails only because it ends too early.
func needsMore(src string) bool {
	_, err := compiler.Compile([]byte(src), "=stdin", compiler.Options{})
	return err != nil && compiler.IsIncomplete(err)
}
