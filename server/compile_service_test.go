package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"connectrpc.com/connect"

	"github.com/chazu/fluid/cache"
	"github.com/chazu/fluid/compiler"
	"github.com/chazu/fluid/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, opts ...ServerOption) *CompileClient {
	t.Helper()
	srv := httptest.NewServer(New(opts...).Handler())
	t.Cleanup(srv.Close)
	return NewCompileClient(srv.Client(), srv.URL)
}

func bg() context.Context {
	return context.Background()
}

// ---------------------------------------------------------------------------
// Compile
// ---------------------------------------------------------------------------

func TestCompileService_Compile(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.Compile(bg(), &CompileRequest{
		Source:    "local x = 1 x = x + 1 return x",
		ChunkName: "=svc",
		Listing:   true,
	})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if !resp.Success {
		t.Fatalf("Success = false, diagnostics %v", resp.Diagnostics)
	}
	if resp.RequestID == "" {
		t.Error("RequestID is empty")
	}
	if resp.Cached {
		t.Error("Cached = true without a cache")
	}

	pt, err := bytecode.Load(resp.Dump, bytecode.LoadOptions{})
	if err != nil {
		t.Fatalf("Load(resp.Dump) failed: %v", err)
	}
	if pt.ChunkName != "=svc" {
		t.Errorf("ChunkName = %q, want =svc", pt.ChunkName)
	}
	for _, want := range []string{"ADDVN", "RET1"} {
		if !strings.Contains(resp.Listing, want) {
			t.Errorf("listing missing %q:\n%s", want, resp.Listing)
		}
	}
}

func TestCompileService_DumpOptions(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.Compile(bg(), &CompileRequest{Source: "return 1", BigEndian: true, Wide: true, Strip: true})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	h, err := bytecode.NewDumpReader(resp.Dump, bytecode.LoadOptions{WideInstructions: true}).ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	want := bytecode.DumpFlagBE | bytecode.DumpFlagStrip | bytecode.DumpFlagWide
	if h.Flags&want != want {
		t.Errorf("header flags = %#x, want %#x set", h.Flags, want)
	}
}

func TestCompileService_Diagnostics(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.Compile(bg(), &CompileRequest{Source: "local x = = 1\nlocal y = 2\nlocal z = )\n"})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if resp.Success || len(resp.Dump) != 0 {
		t.Fatal("expected a failed compile without a dump")
	}
	if len(resp.Diagnostics) != 2 {
		t.Fatalf("got %d diagnostics, want 2: %v", len(resp.Diagnostics), resp.Diagnostics)
	}
	if resp.Diagnostics[0].Line != 1 || resp.Diagnostics[1].Line != 3 {
		t.Errorf("diagnostic lines = %d, %d, want 1, 3", resp.Diagnostics[0].Line, resp.Diagnostics[1].Line)
	}
	if resp.Diagnostics[0].Kind != "syntax error" {
		t.Errorf("Kind = %q, want syntax error", resp.Diagnostics[0].Kind)
	}
}

func TestCompileService_DiagnosticsCapped(t *testing.T) {
	client := newTestClient(t)

	src := strings.Repeat("local x = = 1\n", compiler.MaxDiagnostics+20)
	resp, err := client.Compile(bg(), &CompileRequest{Source: src})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if len(resp.Diagnostics) != compiler.MaxDiagnostics {
		t.Errorf("got %d diagnostics, want %d", len(resp.Diagnostics), compiler.MaxDiagnostics)
	}
}

func TestCompileService_EmptySource(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Compile(bg(), &CompileRequest{Source: "  \n"})
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("error code = %v, want InvalidArgument (%v)", connect.CodeOf(err), err)
	}
}

func TestCompileService_Cache(t *testing.T) {
	c, err := cache.Open(":memory:")
	if err != nil {
		t.Fatalf("cache.Open failed: %v", err)
	}
	defer c.Close()
	client := newTestClient(t, WithCache(c))

	req := &CompileRequest{Source: "return 2 + 3"}
	first, err := client.Compile(bg(), req)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	second, err := client.Compile(bg(), req)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if first.Cached || !second.Cached {
		t.Errorf("Cached = %v, %v, want false, true", first.Cached, second.Cached)
	}
	if string(first.Dump) != string(second.Dump) {
		t.Error("cached dump differs")
	}
}

// ---------------------------------------------------------------------------
// Disassemble
// ---------------------------------------------------------------------------

func TestCompileService_Disassemble(t *testing.T) {
	client := newTestClient(t)

	compiled, err := client.Compile(bg(), &CompileRequest{Source: "local function f(a) return a end return f(1)"})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	resp, err := client.Disassemble(bg(), &DisassembleRequest{Dump: compiled.Dump})
	if err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	if !strings.Contains(resp.Listing, "FNEW") {
		t.Errorf("listing missing FNEW:\n%s", resp.Listing)
	}
	if resp.Proto == nil {
		t.Fatal("Proto is nil")
	}
	pt, err := bytecode.ImportProto(resp.Proto)
	if err != nil {
		t.Fatalf("ImportProto failed: %v", err)
	}
	if len(pt.Children()) != 1 {
		t.Errorf("imported proto has %d children, want 1", len(pt.Children()))
	}
}

func TestCompileService_DisassembleErrors(t *testing.T) {
	client := newTestClient(t)

	tests := []struct {
		name string
		req  *DisassembleRequest
	}{
		{"empty", &DisassembleRequest{}},
		{"garbage", &DisassembleRequest{Dump: []byte("not a dump")}},
		{"truncated", &DisassembleRequest{Dump: []byte{0x1b, 'L', 'J'}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Disassemble(bg(), tt.req)
			if connect.CodeOf(err) != connect.CodeInvalidArgument {
				t.Errorf("error code = %v, want InvalidArgument (%v)", connect.CodeOf(err), err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Codec
// ---------------------------------------------------------------------------

func TestCBORCodecRoundTrip(t *testing.T) {
	var codec cborCodec
	if codec.Name() != "cbor" {
		t.Errorf("Name = %q, want cbor", codec.Name())
	}
	in := &CompileResponse{RequestID: "id", Success: true, Dump: []byte{1, 2}, Diagnostics: []Diagnostic{{Kind: "k", Message: "m", Line: 3}}}
	data, err := codec.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var out CompileResponse
	if err := codec.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.RequestID != "id" || !out.Success || len(out.Dump) != 2 || out.Diagnostics[0].Line != 3 {
		t.Errorf("round trip = %+v", out)
	}
}
