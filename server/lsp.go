package server

import (
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/fluid/compiler"
	"github.com/chazu/fluid/pkg/bytecode"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "fluid-lsp"

// LspServer publishes compile diagnostics and bytecode hovers for open
// Fluid documents.
type LspServer struct {
	mu   sync.Mutex
	docs map[string]string // URI → full document content

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server.
func NewLSP() *LspServer {
	s := &LspServer{
		docs:    make(map[string]string),
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		TextDocumentCompletion: s.textDocumentCompletion,
		TextDocumentHover:      s.textDocumentHover,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	log.Info("Fluid LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}

	capabilities.CompletionProvider = &protocol.CompletionOptions{}
	capabilities.HoverProvider = true

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	s.docs[string(uri)] = text
	s.mu.Unlock()

	s.publishDiagnostics(ctx, uri, text)
	return nil
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) > 0 {
		last := params.ContentChanges[len(params.ContentChanges)-1]
		if whole, ok := last.(protocol.TextDocumentContentChangeEventWhole); ok {
			s.mu.Lock()
			s.docs[string(uri)] = whole.Text
			s.mu.Unlock()

			s.publishDiagnostics(ctx, uri, whole.Text)
		}
	}
	return nil
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	delete(s.docs, string(uri))
	s.mu.Unlock()

	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

func (s *LspServer) document(uri protocol.DocumentUri) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.docs[string(uri)]
	return text, ok
}

// --- Language features ---

func (s *LspServer) textDocumentCompletion(ctx *glsp.Context, params *protocol.CompletionParams) (any, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	prefix := extractPrefix(text, params.Position)
	if prefix == "" {
		return nil, nil
	}
	return complete(text, chunkNameFor(params.TextDocument.URI), prefix, int(params.Position.Line)+1), nil
}

func (s *LspServer) textDocumentHover(ctx *glsp.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	text, ok := s.document(params.TextDocument.URI)
	if !ok {
		return nil, nil
	}
	return hover(text, chunkNameFor(params.TextDocument.URI), params.Position), nil
}

// complete offers reserved words and the names visible in the function
// enclosing line.
func complete(text, chunk, prefix string, line int) []protocol.CompletionItem {
	var items []protocol.CompletionItem
	seen := make(map[string]bool)
	add := func(label string, kind protocol.CompletionItemKind) {
		if seen[label] || !strings.HasPrefix(label, prefix) {
			return
		}
		seen[label] = true
		k := kind
		items = append(items, protocol.CompletionItem{Label: label, Kind: &k})
	}

	for _, w := range compiler.ReservedWords() {
		add(w, protocol.CompletionItemKindKeyword)
	}
	if pt, err := compiler.Compile([]byte(text), chunk, compiler.Options{}); err == nil {
		fn := enclosingProto(pt, line)
		for _, v := range fn.Vars {
			if v.Special == bytecode.VarNameEnd {
				add(v.Name, protocol.CompletionItemKindVariable)
			}
		}
		for _, name := range fn.UVNames {
			add(name, protocol.CompletionItemKindVariable)
		}
	}
	return items
}

// hover shows the bytecode listing of the function enclosing the cursor.
func hover(text, chunk string, pos protocol.Position) *protocol.Hover {
	pt, err := compiler.Compile([]byte(text), chunk, compiler.Options{})
	if err != nil {
		return nil
	}
	fn := enclosingProto(pt, int(pos.Line)+1)

	var sb strings.Builder
	if word := extractWord(text, pos); word != "" {
		fmt.Fprintf(&sb, "**%s**", word)
		if compiler.LookupIdent(word) != compiler.TokenName {
			sb.WriteString(" (reserved word)")
		}
		sb.WriteString("\n\n")
	}
	if fn == pt {
		sb.WriteString("main chunk\n")
	} else {
		fmt.Fprintf(&sb, "function at lines %d-%d\n", fn.FirstLine, fn.FirstLine+fn.NumLine)
	}
	sb.WriteString("```\n")
	sb.WriteString(fn.DisassembleOne())
	sb.WriteString("```\n")

	return &protocol.Hover{
		Contents: protocol.MarkupContent{
			Kind:  protocol.MarkupKindMarkdown,
			Value: sb.String(),
		},
	}
}

// enclosingProto returns the innermost prototype whose line range holds
// line.
func enclosingProto(pt *bytecode.Proto, line int) *bytecode.Proto {
	for {
		var next *bytecode.Proto
		for _, c := range pt.Children() {
			if int(c.FirstLine) <= line && line <= int(c.FirstLine+c.NumLine) {
				next = c
				break
			}
		}
		if next == nil {
			return pt
		}
		pt = next
	}
}

// --- Diagnostics ---

func (s *LspServer) publishDiagnostics(ctx *glsp.Context, uri protocol.DocumentUri, text string) {
	diagnostics := diagnosticsFor(text, chunkNameFor(uri))
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

func diagnosticsFor(text, chunk string) []protocol.Diagnostic {
	lines := strings.Split(text, "\n")
	diagnostics := []protocol.Diagnostic{}
	for _, e := range compiler.Diagnose([]byte(text), chunk) {
		severity := protocol.DiagnosticSeverityError
		source := lspName
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range:    errorRange(lines, e),
			Severity: &severity,
			Source:   &source,
			Message:  fmt.Sprintf("%s: %s", e.Kind, e.Msg),
		})
	}
	return diagnostics
}

// errorRange covers the offending token, or the whole line when the error
// has no column.
func errorRange(lines []string, e *compiler.Error) protocol.Range {
	line := max(e.Line-1, 0)
	lineLen := 0
	if line < len(lines) {
		lineLen = len(strings.TrimRight(lines[line], "\r"))
	}
	if e.Column <= 0 {
		return protocol.Range{
			Start: protocol.Position{Line: uint32(line)},
			End:   protocol.Position{Line: uint32(line), Character: uint32(lineLen)},
		}
	}
	start := e.Column - 1
	end := min(start+max(len(e.Token), 1), max(lineLen, start+1))
	return protocol.Range{
		Start: protocol.Position{Line: uint32(line), Character: uint32(start)},
		End:   protocol.Position{Line: uint32(line), Character: uint32(end)},
	}
}

func chunkNameFor(uri protocol.DocumentUri) string {
	return "@" + strings.TrimPrefix(string(uri), "file://")
}

// --- Text extraction helpers ---

func isIdentRune(ch rune) bool {
	return unicode.IsLetter(ch) || unicode.IsDigit(ch) || ch == '_'
}

// extractPrefix returns the word fragment before the cursor for completion.
func extractPrefix(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := min(int(pos.Character), len(line))

	start := col
	for start > 0 && isIdentRune(rune(line[start-1])) {
		start--
	}
	return line[start:col]
}

// extractWord returns the full identifier under the cursor.
func extractWord(text string, pos protocol.Position) string {
	lines := strings.Split(text, "\n")
	if int(pos.Line) >= len(lines) {
		return ""
	}
	line := lines[pos.Line]
	col := min(int(pos.Character), len(line))

	start := col
	for start > 0 && isIdentRune(rune(line[start-1])) {
		start--
	}
	end := col
	for end < len(line) && isIdentRune(rune(line[end])) {
		end++
	}
	return line[start:end]
}

func boolPtr(b bool) *bool {
	return &b
}
