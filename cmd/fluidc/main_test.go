package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/fluid/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// testDir creates a temp dir holding a fluid.toml and returns the dir and
// the config path.
func testDir(t *testing.T, config string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fluid.toml")
	if err := os.WriteFile(path, []byte(config), 0644); err != nil {
		t.Fatal(err)
	}
	return dir, path
}

func writeSource(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(""), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// ---------------------------------------------------------------------------
// Compile and list
// ---------------------------------------------------------------------------

func TestRunExpressionListing(t *testing.T) {
	_, cfg := testDir(t, "")
	code, out, errOut := runCLI(t, "-config", cfg, "-l", "-e", "local x = 1 x = x + 1 return x")
	if code != 0 {
		t.Fatalf("exit = %d, stderr %q", code, errOut)
	}
	for _, want := range []string{"ADDVN", "RET1", "(command line)"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
}

func TestRunWriteAndRelistDump(t *testing.T) {
	dir, cfg := testDir(t, "")
	src := writeSource(t, dir, "main.fluid", "local function f(a) return a * 2 end\nreturn f(21)\n")
	out := filepath.Join(dir, "main.bc")

	code, _, errOut := runCLI(t, "-config", cfg, "-be", "-wide", "-o", out, src)
	if code != 0 {
		t.Fatalf("compile exit = %d, stderr %q", code, errOut)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading dump: %v", err)
	}
	pt, err := bytecode.Load(data, bytecode.LoadOptions{WideInstructions: true})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if pt.ChunkName != "@"+src {
		t.Errorf("ChunkName = %q, want @%s", pt.ChunkName, src)
	}

	// A dump given as input is loaded and listed.
	code, listing, errOut := runCLI(t, "-config", cfg, "-l", out)
	if code != 0 {
		t.Fatalf("list exit = %d, stderr %q", code, errOut)
	}
	if !strings.Contains(listing, "MULVN") {
		t.Errorf("listing missing MULVN:\n%s", listing)
	}
}

func TestRunStripFromConfig(t *testing.T) {
	dir, cfg := testDir(t, "[compile]\nstrip = true\n")
	src := writeSource(t, dir, "a.fluid", "return 1")
	out := filepath.Join(dir, "a.bc")

	if code, _, errOut := runCLI(t, "-config", cfg, "-o", out, src); code != 0 {
		t.Fatalf("exit = %d, stderr %q", code, errOut)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	h, err := bytecode.NewDumpReader(data, bytecode.LoadOptions{}).ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader failed: %v", err)
	}
	if !h.Stripped() {
		t.Error("dump is not stripped")
	}

	// An explicit flag overrides the config.
	if code, _, errOut := runCLI(t, "-config", cfg, "-s=false", "-o", out, src); code != 0 {
		t.Fatalf("exit = %d, stderr %q", code, errOut)
	}
	data, _ = os.ReadFile(out)
	h, err = bytecode.NewDumpReader(data, bytecode.LoadOptions{}).ReadHeader()
	if err != nil || h.Stripped() {
		t.Errorf("header = %+v, %v, want unstripped", h, err)
	}
}

func TestRunCBORExport(t *testing.T) {
	dir, cfg := testDir(t, "")
	out := filepath.Join(dir, "main.cbor")
	code, _, errOut := runCLI(t, "-config", cfg, "-cbor", "-o", out, "-e", "return {1, 2, 3}")
	if code != 0 {
		t.Fatalf("exit = %d, stderr %q", code, errOut)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	pt, err := bytecode.UnmarshalProto(data)
	if err != nil {
		t.Fatalf("UnmarshalProto failed: %v", err)
	}
	if len(pt.Code) == 0 {
		t.Error("exported proto has no code")
	}
}

func TestRunCache(t *testing.T) {
	dir, cfg := testDir(t, "[cache]\npath = \"cache/dumps.db\"\n")
	src := writeSource(t, dir, "c.fluid", "return 7")

	for i := 0; i < 2; i++ {
		if code, _, errOut := runCLI(t, "-config", cfg, "-cache", "-l", src); code != 0 {
			t.Fatalf("run %d exit = %d, stderr %q", i, code, errOut)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "cache", "dumps.db")); err != nil {
		t.Errorf("cache database missing: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Failures
// ---------------------------------------------------------------------------

func TestRunErrors(t *testing.T) {
	dir, cfg := testDir(t, "")
	bad := writeSource(t, dir, "bad.fluid", "local x = 1\nlocal = 2\n")
	good := writeSource(t, dir, "good.fluid", "return 1")

	tests := []struct {
		name    string
		args    []string
		code    int
		message string
	}{
		{"syntax error", []string{"-config", cfg, bad}, 1, "bad.fluid:2:"},
		{"missing file", []string{"-config", cfg, filepath.Join(dir, "nope.fluid")}, 1, "nope.fluid"},
		{"no inputs", []string{"-config", cfg}, 2, "no input files"},
		{"-o with two inputs", []string{"-config", cfg, "-o", "x.bc", good, good}, 2, "exactly one input"},
		{"bad flag", []string{"-nope"}, 2, "nope"},
		{"bad config", []string{"-config", filepath.Join(dir, "missing.toml"), good}, 1, "missing.toml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := runCLI(t, tt.args...)
			if code != tt.code {
				t.Errorf("exit = %d, want %d (stderr %q)", code, tt.code, errOut)
			}
			if !strings.Contains(errOut, tt.message) {
				t.Errorf("stderr = %q, want it to mention %q", errOut, tt.message)
			}
		})
	}
}

func TestRunContinuesAfterFailure(t *testing.T) {
	dir, cfg := testDir(t, "")
	bad := writeSource(t, dir, "bad.fluid", "return )")
	good := writeSource(t, dir, "good.fluid", "return 1")

	code, out, _ := runCLI(t, "-config", cfg, "-l", bad, good)
	if code != 1 {
		t.Errorf("exit = %d, want 1", code)
	}
	if !strings.Contains(out, "good.fluid") {
		t.Errorf("good file not listed:\n%s", out)
	}
}

// ---------------------------------------------------------------------------
// REPL
// ---------------------------------------------------------------------------

func TestNeedsMore(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"return 1", false},
		{"if x then", true},
		{"local function f()\n  return 1", true},
		{"local x =", true},
		{"local = 1", false},
		{"local s = [[open", true},
	}
	for _, tt := range tests {
		if got := needsMore(tt.src); got != tt.want {
			t.Errorf("needsMore(%q) = %v, want %v", tt.src, got, tt.want)
		}
	}
}

func TestREPLCommands(t *testing.T) {
	st := &replState{}
	var out bytes.Buffer

	for _, cmd := range []string{":strip", ":be", ":wide", ":bytes"} {
		if st.command(cmd, &out) {
			t.Errorf("%s ended the session", cmd)
		}
	}
	if !st.opts.Strip || !st.opts.BigEndian || !st.opts.Wide || !st.bytes {
		t.Errorf("toggles = %+v bytes=%v, want all set", st.opts, st.bytes)
	}
	if !st.command(":quit", &out) {
		t.Error(":quit did not end the session")
	}
	st.command(":what", &out)
	if !strings.Contains(out.String(), "unknown command") {
		t.Errorf("unknown command output = %q", out.String())
	}
}

func TestREPLCompile(t *testing.T) {
	st := &replState{bytes: true, opts: bytecode.DumpOptions{Wide: true}}
	var out, errOut bytes.Buffer

	st.compile("return 1 + 1", "=stdin:1", &out, &errOut)
	if errOut.Len() != 0 {
		t.Fatalf("stderr = %q", errOut.String())
	}
	if !strings.Contains(out.String(), "RET1") || !strings.Contains(out.String(), "bytes") {
		t.Errorf("output = %q, want a listing and a byte count", out.String())
	}

	out.Reset()
	st.compile("return )", "=stdin:2", &out, &errOut)
	if !strings.Contains(errOut.String(), "stdin:2:1") {
		t.Errorf("stderr = %q, want an error at stdin:2:1", errOut.String())
	}
}
