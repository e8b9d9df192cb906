package compiler

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/chazu/fluid/pkg/bytecode"
)

func mustCompile(t *testing.T, src string) *bytecode.Proto {
	t.Helper()
	pt, err := Compile([]byte(src), "=test", Options{})
	if err != nil {
		t.Fatalf("Compile(%q) failed: %v", src, err)
	}
	return pt
}

func compileError(t *testing.T, src string) *Error {
	t.Helper()
	_, err := Compile([]byte(src), "=test", Options{})
	if err == nil {
		t.Fatalf("Compile(%q) succeeded, want error", src)
	}
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("Compile(%q) error %T is not an *Error", src, err)
	}
	return cerr
}

// ops returns the opcodes of pt after the function header.
func ops(pt *bytecode.Proto) []bytecode.Op {
	out := make([]bytecode.Op, 0, len(pt.Code))
	for _, ins := range pt.Code[1:] {
		out = append(out, ins.Op())
	}
	return out
}

func countOp(pt *bytecode.Proto, op bytecode.Op) int {
	n := 0
	for _, o := range ops(pt) {
		if o == op {
			n++
		}
	}
	return n
}

func child(t *testing.T, pt *bytecode.Proto, i int) *bytecode.Proto {
	t.Helper()
	kids := pt.Children()
	if i >= len(kids) {
		t.Fatalf("prototype has %d children, want at least %d", len(kids), i+1)
	}
	return kids[i]
}

// checkProto verifies the register bound and jump validity of pt and all
// of its children.
func checkProto(t *testing.T, pt *bytecode.Proto) {
	t.Helper()
	pt.Walk(func(p *bytecode.Proto) {
		fs := uint32(p.FrameSize)
		reg := func(pc int, what string, mode bytecode.Mode, v uint32) {
			switch mode {
			case bytecode.ModeDst, bytecode.ModeVar, bytecode.ModeBase, bytecode.ModeRBase:
				if v >= fs {
					t.Errorf("%s: pc %d: %s operand %d >= frame size %d", p.FormatIns(pc), pc, what, v, fs)
				}
			}
		}
		for pc := 1; pc < len(p.Code); pc++ {
			ins := p.Code[pc]
			op := ins.Op()
			if !op.Valid() {
				t.Errorf("pc %d: invalid opcode %d", pc, op)
				continue
			}
			info := bytecode.GetOpInfo(op)
			switch {
			case op == bytecode.OpLOOP, op == bytecode.OpJMP, op == bytecode.OpUCLO:
			case op == bytecode.OpKPRI && ins.A() == bytecode.NoReg:
			default:
				reg(pc, "A", info.A, ins.A())
			}
			if info.B != bytecode.ModeNone {
				reg(pc, "B", info.B, ins.B())
				reg(pc, "C", info.CD, ins.C())
			} else if info.CD != bytecode.ModeJump {
				reg(pc, "D", info.CD, ins.D())
			}
		}
	})
	checkJumps(t, pt)
}

// checkJumps reports every jumpProblems finding in pt and its children.
func checkJumps(t *testing.T, pt *bytecode.Proto) {
	t.Helper()
	pt.Walk(func(p *bytecode.Proto) {
		for _, msg := range jumpProblems(p) {
			t.Error(msg)
		}
	})
}

// jumpProblems lists jumps in p that land outside the code or still carry
// the NoJump sentinel. Loop ends may branch to themselves, and a LOOP
// marking a backward goto keeps J = -1; it is recognized by the JMP that
// follows it and lands at or before it.
func jumpProblems(p *bytecode.Proto) []string {
	var out []string
	for pc := 1; pc < len(p.Code); pc++ {
		ins := p.Code[pc]
		op := ins.Op()
		if !op.IsJump() {
			continue
		}
		target := pc + 1 + ins.J()
		if target < 0 || target >= len(p.Code) {
			out = append(out, fmt.Sprintf("pc %d: %s jumps to %d, outside [0, %d)", pc, op, target, len(p.Code)))
		}
		if ins.J() != bytecode.NoJump {
			continue
		}
		switch op {
		case bytecode.OpFORL, bytecode.OpITERL:
		case bytecode.OpLOOP:
			next := pc + 1
			if next >= len(p.Code) || p.Code[next].Op() != bytecode.OpJMP || next+1+p.Code[next].J() > pc {
				out = append(out, fmt.Sprintf("pc %d: LOOP left unresolved", pc))
			}
		default:
			out = append(out, fmt.Sprintf("pc %d: %s left unresolved", pc, op))
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestLocalIncrementScenario(t *testing.T) {
	pt := mustCompile(t, "local x = 1 x = x + 1 return x")
	checkProto(t, pt)

	want := []bytecode.Op{bytecode.OpKSHORT, bytecode.OpADDVN, bytecode.OpMOV, bytecode.OpRET1}
	if got := ops(pt); !slices.Equal(got, want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	if len(pt.Vars) != 1 || pt.Vars[0].Name != "x" {
		t.Errorf("Vars = %+v, want one local x", pt.Vars)
	}
	if pt.FrameSize < 2 {
		t.Errorf("FrameSize = %d, want >= 2", pt.FrameSize)
	}
	if len(pt.Upvalues) != 0 {
		t.Errorf("Upvalues = %v, want none", pt.Upvalues)
	}
	arith := 0
	for _, op := range ops(pt) {
		if op >= bytecode.OpADDVN && op <= bytecode.OpPOW {
			arith++
		}
	}
	if arith != 1 {
		t.Errorf("arithmetic instructions = %d, want 1", arith)
	}
	ret := pt.Code[len(pt.Code)-1]
	if ret.A() == 0 {
		t.Errorf("RET1 returns the local slot directly, want a copy")
	}
	if pt.Code[0].Op() != bytecode.OpFUNCV || int(pt.Code[0].A()) != int(pt.FrameSize) {
		t.Errorf("header = %s, want FUNCV with the frame size", pt.FormatIns(0))
	}
}

func TestBreakScenario(t *testing.T) {
	cerr := compileError(t, "local x = 1\nif x then\n  break\nend")
	if cerr.Kind != SyntaxError {
		t.Errorf("Kind = %v, want %v", cerr.Kind, SyntaxError)
	}
	if cerr.Msg != msgBreak {
		t.Errorf("Msg = %q, want %q", cerr.Msg, msgBreak)
	}
	if cerr.Line != 3 {
		t.Errorf("Line = %d, want 3", cerr.Line)
	}

	pt := mustCompile(t, "while true do break end")
	checkProto(t, pt)
	var forward []int
	for pc, ins := range pt.Code {
		if ins.Op() == bytecode.OpJMP && ins.J() > 0 {
			forward = append(forward, pc)
		}
	}
	if len(forward) != 1 {
		t.Fatalf("forward jumps at %v, want exactly one", forward)
	}
	// The loop exit is the instruction after the backward jump.
	back := -1
	for pc, ins := range pt.Code {
		if ins.Op() == bytecode.OpJMP && ins.J() < 0 {
			back = pc
		}
	}
	if back < 0 {
		t.Fatal("no backward jump")
	}
	if target := forward[0] + 1 + pt.Code[forward[0]].J(); target != back+1 {
		t.Errorf("break jumps to %d, want loop exit %d", target, back+1)
	}
}

func TestContinueOutsideLoop(t *testing.T) {
	cerr := compileError(t, "do continue end")
	if cerr.Kind != SyntaxError || cerr.Msg != msgContinue {
		t.Errorf("error = %v (%v), want %q", cerr, cerr.Kind, msgContinue)
	}
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func TestPrecedence(t *testing.T) {
	tests := []struct {
		name      string
		src, same string
		differ    string
	}{
		{
			"multiplication binds tighter",
			"local a, b, c = ... return a + b * c",
			"local a, b, c = ... return a + (b * c)",
			"local a, b, c = ... return (a + b) * c",
		},
		{
			"shifts are left associative",
			"local a, b, c = ... return a << b << c",
			"local a, b, c = ... return (a << b) << c",
			"local a, b, c = ... return a << (b << c)",
		},
		{
			"power is right associative",
			"local a, b, c = ... return a ^ b ^ c",
			"local a, b, c = ... return a ^ (b ^ c)",
			"local a, b, c = ... return (a ^ b) ^ c",
		},
		{
			"concatenation is right associative",
			"local a, b, c = ... return a .. b .. c",
			"local a, b, c = ... return a .. (b .. c)",
			"local a, b, c = ... return (a .. b) .. c",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustCompile(t, tt.src).Code
			same := mustCompile(t, tt.same).Code
			differ := mustCompile(t, tt.differ).Code
			if !slices.Equal(got, same) {
				t.Errorf("%q and %q compile differently", tt.src, tt.same)
			}
			if slices.Equal(got, differ) {
				t.Errorf("%q and %q compile the same", tt.src, tt.differ)
			}
		})
	}
}

func TestConstantFolding(t *testing.T) {
	tests := []struct {
		src  string
		want int16
	}{
		{"return 1 + 2 * 3", 7},
		{"return (1 + 2) * 3", 9},
		{"return 2 ^ 3 - 1", 7},
		{"return -(-4)", 4},
		{"return 7 % 4", 3},
	}
	for _, tt := range tests {
		pt := mustCompile(t, tt.src)
		if got := ops(pt); !slices.Equal(got, []bytecode.Op{bytecode.OpKSHORT, bytecode.OpRET1}) {
			t.Errorf("%q: ops = %v, want KSHORT RET1", tt.src, got)
			continue
		}
		if got := int16(pt.Code[1].D()); got != tt.want {
			t.Errorf("%q: KSHORT %d, want %d", tt.src, got, tt.want)
		}
	}
}

func TestScopeHygiene(t *testing.T) {
	pt := mustCompile(t, "do local x = 1 end return x")
	checkProto(t, pt)
	var gget bytecode.Ins
	for _, ins := range pt.Code {
		if ins.Op() == bytecode.OpGGET {
			gget = ins
		}
	}
	if gget == 0 {
		t.Fatalf("x after its block is not a global read: %v", ops(pt))
	}
	if k := pt.KGC[gget.D()]; k != bytecode.String("x") {
		t.Errorf("GGET constant = %v, want \"x\"", k)
	}
	if countOp(pt, bytecode.OpMOV) != 0 {
		t.Errorf("stale register read: %v", ops(pt))
	}
}

func TestUpvalueDescriptors(t *testing.T) {
	pt := mustCompile(t, "local x, y = 1, 2 local function f() return x + y end x = 3 return f")
	checkProto(t, pt)
	f := child(t, pt, 0)
	if len(f.Upvalues) != 2 {
		t.Fatalf("Upvalues = %v, want 2", f.Upvalues)
	}
	if want := uint16(0) | bytecode.UVLocal; f.Upvalues[0] != want {
		t.Errorf("Upvalues[0] = %#x, want %#x (written local)", f.Upvalues[0], want)
	}
	if want := uint16(1) | bytecode.UVLocal | bytecode.UVImmutable; f.Upvalues[1] != want {
		t.Errorf("Upvalues[1] = %#x, want %#x (immutable local)", f.Upvalues[1], want)
	}
	if !slices.Equal(f.UVNames, []string{"x", "y"}) {
		t.Errorf("UVNames = %v, want [x y]", f.UVNames)
	}
	if pt.Flags&bytecode.ProtoChild == 0 {
		t.Errorf("Flags = %#x, want ProtoChild", pt.Flags)
	}
}

func TestNestedUpvalue(t *testing.T) {
	pt := mustCompile(t, "local x = 1 return function() return function() return x end end")
	checkProto(t, pt)
	inner := child(t, child(t, pt, 0), 0)
	if len(inner.Upvalues) != 1 || inner.Upvalues[0] != 0 {
		t.Errorf("inner Upvalues = %v, want [0] (parent upvalue 0)", inner.Upvalues)
	}
}

func TestTailCall(t *testing.T) {
	pt := mustCompile(t, "return f(1)")
	if got := ops(pt); got[len(got)-1] != bytecode.OpCALLT {
		t.Errorf("ops = %v, want a trailing CALLT", got)
	}
	pt = mustCompile(t, "local function v(...) return ... end")
	if got := ops(child(t, pt, 0)); !slices.Contains(got, bytecode.OpRETM) {
		t.Errorf("vararg return ops = %v, want RETM", got)
	}
}

// ---------------------------------------------------------------------------
// Errors and limits
// ---------------------------------------------------------------------------

func TestSyntaxErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind ErrorKind
		msg  string
		line int
	}{
		{"blank read", "local x = _", SyntaxError, msgBlankRead, 1},
		{"dots outside vararg", "local function f()\nreturn ...\nend", SyntaxError, msgDots, 2},
		{"ambiguous call", "local a = f\n(g)()", SyntaxError, msgAmbiguous, 2},
		{"not assignable", "(a) = 1", SyntaxError, msgAssignable, 1},
		{"compound list", "local a = 1 a += 1, 2", SyntaxError, msgCompound, 1},
		{"undefined label", "goto nowhere", SyntaxError, "undefined label 'nowhere'", 1},
		{"unterminated string", "local s = \"abc", LexError, "", 1},
		{"missing end", "if x then\nlocal y = 1", SyntaxError, "", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cerr := compileError(t, tt.src)
			if cerr.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v (%v)", cerr.Kind, tt.kind, cerr)
			}
			if tt.msg != "" && !strings.Contains(cerr.Msg, tt.msg) {
				t.Errorf("Msg = %q, want %q", cerr.Msg, tt.msg)
			}
			if cerr.Line != tt.line {
				t.Errorf("Line = %d, want %d", cerr.Line, tt.line)
			}
		})
	}
}

func TestLimits(t *testing.T) {
	var locals strings.Builder
	for i := 0; i <= MaxLocVar; i++ {
		locals.WriteString("local v")
		locals.WriteString(strings.Repeat("x", i%7))
		locals.WriteString(" = 1\n")
	}
	var args strings.Builder
	args.WriteString("return f(")
	for i := 0; i < MaxSlots+10; i++ {
		if i > 0 {
			args.WriteString(", ")
		}
		args.WriteString("1")
	}
	args.WriteString(")")
	nested := "return " + strings.Repeat("(", MaxSyntaxLevel+10) + "1" + strings.Repeat(")", MaxSyntaxLevel+10)

	tests := []struct {
		name string
		src  string
		kind ErrorKind
		msg  string
	}{
		{"locals", locals.String(), SemanticLimitError, "local variables"},
		{"slots", args.String(), SemanticLimitError, msgSlots},
		{"syntax levels", nested, SyntaxError, msgLevels},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cerr := compileError(t, tt.src)
			if cerr.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v (%v)", cerr.Kind, tt.kind, cerr)
			}
			if !strings.Contains(cerr.Msg, tt.msg) {
				t.Errorf("Msg = %q, want %q", cerr.Msg, tt.msg)
			}
		})
	}
}

func TestErrorString(t *testing.T) {
	err := &Error{Kind: SyntaxError, Msg: "'=' expected", Token: "x", Chunk: "@main.fl", Line: 3}
	if got, want := err.Error(), "main.fl:3: '=' expected near 'x'"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	tests := []struct {
		name, want string
	}{
		{"=stdin", "stdin"},
		{"@a/b.fl", "a/b.fl"},
		{"", "?"},
		{"return 1\nreturn 2", `[string "return 1..."]`},
	}
	for _, tt := range tests {
		if got := ChunkID(tt.name); got != tt.want {
			t.Errorf("ChunkID(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestIsIncomplete(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{"while true do", true},
		{"local t = {1, 2", true},
		{"x = \"abc", true},
		{"return )", false},
		{"local 1 = 2", false},
	}
	for _, tt := range tests {
		_, err := Compile([]byte(tt.src), "=t", Options{})
		if err == nil {
			t.Fatalf("Compile(%q) succeeded", tt.src)
		}
		if got := IsIncomplete(err); got != tt.want {
			t.Errorf("IsIncomplete(%q) = %v, want %v (%v)", tt.src, got, tt.want, err)
		}
	}
	if IsIncomplete(nil) {
		t.Error("IsIncomplete(nil) = true")
	}
}

func TestReservedWords(t *testing.T) {
	words := ReservedWords()
	if !slices.IsSorted(words) {
		t.Error("ReservedWords is not sorted")
	}
	for _, w := range words {
		if LookupIdent(w) == TokenName {
			t.Errorf("%q is listed but not reserved", w)
		}
	}
	if !slices.Contains(words, "continue") || !slices.Contains(words, "defer") {
		t.Errorf("ReservedWords = %v, missing continue or defer", words)
	}
}
