package server

import (
	"slices"
	"strings"
	"testing"

	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/chazu/fluid/compiler"
)

// ---------------------------------------------------------------------------
// LSP text extraction helpers
// ---------------------------------------------------------------------------

func TestExtractPrefix(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"simple word", "local abc", protocol.Position{Line: 0, Character: 9}, "abc"},
		{"at start", "loc", protocol.Position{Line: 0, Character: 3}, "loc"},
		{"empty line", "", protocol.Position{Line: 0, Character: 0}, ""},
		{"multi line", "first line\nsecond\nret", protocol.Position{Line: 2, Character: 3}, "ret"},
		{"after dot", "t.fiel", protocol.Position{Line: 0, Character: 6}, "fiel"},
		{"cursor at beginning", "hello", protocol.Position{Line: 0, Character: 0}, ""},
		{"line beyond document", "single line", protocol.Position{Line: 5, Character: 0}, ""},
		{"character past end", "abc", protocol.Position{Line: 0, Character: 50}, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPrefix(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractPrefix = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractWord(t *testing.T) {
	tests := []struct {
		name string
		text string
		pos  protocol.Position
		want string
	}{
		{"middle of word", "local value = 1", protocol.Position{Line: 0, Character: 8}, "value"},
		{"start of word", "local value = 1", protocol.Position{Line: 0, Character: 6}, "value"},
		{"on operator", "a + b", protocol.Position{Line: 0, Character: 2}, ""},
		{"underscore", "x = my_var", protocol.Position{Line: 0, Character: 5}, "my_var"},
		{"second line", "a\nreturn b", protocol.Position{Line: 1, Character: 2}, "return"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractWord(tt.text, tt.pos); got != tt.want {
				t.Errorf("extractWord = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Diagnostics
// ---------------------------------------------------------------------------

func TestDiagnosticsFor(t *testing.T) {
	if d := diagnosticsFor("local x = 1\nreturn x\n", "=t"); len(d) != 0 {
		t.Errorf("clean source has %d diagnostics, want 0", len(d))
	}

	d := diagnosticsFor("local x = 1\nlocal x = = 1\n", "=t")
	if len(d) != 1 {
		t.Fatalf("got %d diagnostics, want 1", len(d))
	}
	if d[0].Range.Start.Line != 1 || d[0].Range.Start.Character != 10 {
		t.Errorf("range start = %v, want 1:10", d[0].Range.Start)
	}
	if d[0].Range.End.Character <= d[0].Range.Start.Character {
		t.Errorf("empty range %v", d[0].Range)
	}
	if d[0].Severity == nil || *d[0].Severity != protocol.DiagnosticSeverityError {
		t.Error("severity is not Error")
	}
	if !strings.HasPrefix(d[0].Message, "syntax error: ") {
		t.Errorf("message = %q, want a syntax error prefix", d[0].Message)
	}
}

func TestErrorRange(t *testing.T) {
	lines := []string{"local a = 1", "return ) x"}

	r := errorRange(lines, &compiler.Error{Line: 2, Column: 8, Token: ")"})
	if r.Start != (protocol.Position{Line: 1, Character: 7}) || r.End != (protocol.Position{Line: 1, Character: 8}) {
		t.Errorf("token range = %v, want 1:7-1:8", r)
	}

	r = errorRange(lines, &compiler.Error{Line: 1})
	if r.Start != (protocol.Position{Line: 0}) || r.End != (protocol.Position{Line: 0, Character: 11}) {
		t.Errorf("line range = %v, want 0:0-0:11", r)
	}

	// Errors at end of input point past the last line.
	r = errorRange(lines, &compiler.Error{Line: 5, Column: 1, Token: "<eof>"})
	if r.Start.Line != 4 || r.End.Character < r.Start.Character {
		t.Errorf("eof range = %v", r)
	}
}

// ---------------------------------------------------------------------------
// Hover and completion
// ---------------------------------------------------------------------------

const hoverSource = "local function f(a)\n  return a\nend\nreturn f(1)\n"

func hoverText(t *testing.T, h *protocol.Hover) string {
	t.Helper()
	if h == nil {
		t.Fatal("hover is nil")
	}
	mc, ok := h.Contents.(protocol.MarkupContent)
	if !ok {
		t.Fatalf("hover contents = %T, want MarkupContent", h.Contents)
	}
	return mc.Value
}

func TestHoverInsideFunction(t *testing.T) {
	text := hoverText(t, hover(hoverSource, "=t", protocol.Position{Line: 1, Character: 3}))
	for _, want := range []string{"**return** (reserved word)", "function at lines 1-3", "RET1"} {
		if !strings.Contains(text, want) {
			t.Errorf("hover missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "FNEW") {
		t.Errorf("hover inside f lists the main chunk:\n%s", text)
	}
}

func TestHoverMainChunk(t *testing.T) {
	text := hoverText(t, hover(hoverSource, "=t", protocol.Position{Line: 3, Character: 7}))
	for _, want := range []string{"**f**", "main chunk", "FNEW"} {
		if !strings.Contains(text, want) {
			t.Errorf("hover missing %q:\n%s", want, text)
		}
	}
}

func TestHoverCompileError(t *testing.T) {
	if h := hover("local = 1", "=t", protocol.Position{}); h != nil {
		t.Errorf("hover on a broken document = %v, want nil", h)
	}
}

func TestComplete(t *testing.T) {
	labels := func(items []protocol.CompletionItem) []string {
		var out []string
		for _, it := range items {
			out = append(out, it.Label)
		}
		return out
	}

	src := "local alpha = 1\nlocal alphabet = 2\nreturn al"
	got := labels(complete(src, "=t", "al", 3))
	if !slices.Equal(got, []string{"alpha", "alphabet"}) {
		t.Errorf("complete(al) = %v, want [alpha alphabet]", got)
	}

	got = labels(complete(src, "=t", "re", 3))
	if !slices.Equal(got, []string{"repeat", "return"}) {
		t.Errorf("complete(re) = %v, want [repeat return]", got)
	}
}

func TestEnclosingProto(t *testing.T) {
	pt, err := compiler.Compile([]byte(hoverSource), "=t", compiler.Options{})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if got := enclosingProto(pt, 2); got == pt {
		t.Error("line 2 resolved to the main chunk")
	}
	if got := enclosingProto(pt, 4); got != pt {
		t.Error("line 4 resolved to a child")
	}
}
