package bytecode

import (
	"strings"
	"testing"
)

func TestDisassembleListsEveryPrototype(t *testing.T) {
	output := Disassemble(testProto())

	if got := strings.Count(output, "; === test:"); got != 2 {
		t.Errorf("listing has %d prototype headers, want 2", got)
	}
	for _, want := range []string{"FUNCV", "FUNCF", "ADDVN", "RET1", "KSTR", `"hello"`, "TDUP", "KCDATA", "[VARARG]", "[FFI]"} {
		if !strings.Contains(output, want) {
			t.Errorf("listing missing %q", want)
		}
	}
	// Children are listed before their parent.
	if strings.Index(output, "FUNCF") > strings.Index(output, "FUNCV") {
		t.Error("child listed after parent")
	}
}

func TestFormatInsJumpTarget(t *testing.T) {
	p := &Proto{Code: []Ins{AD(OpFUNCF, 1, 0), AJ(OpJMP, 1, 1), AD(OpRET0, 0, 1), AD(OpRET0, 0, 1)}}
	got := p.FormatIns(1)
	if !strings.Contains(got, "=> 0003") {
		t.Errorf("FormatIns(JMP) = %q, want target 0003", got)
	}
	if got := p.FormatIns(10); got != "<end of code>" {
		t.Errorf("FormatIns(out of range) = %q", got)
	}
}

func TestOpInfoComplete(t *testing.T) {
	for op := Op(0); int(op) < OpCount(); op++ {
		info := GetOpInfo(op)
		if info.Name == "" {
			t.Errorf("opcode %d has no metadata", op)
		}
	}
	if OpISGE != OpISLT^1 || OpISGT != OpISLE^1 || OpISNEV != OpISEQV^1 {
		t.Error("comparison opcodes must invert by xor 1")
	}
	if OpISFC != OpISTC+1 || OpISF != OpIST+1 {
		t.Error("test opcodes out of order")
	}
	if Op(opCount).Valid() {
		t.Error("opCount reported valid")
	}
}

func TestInsFields(t *testing.T) {
	ins := ABC(OpTGETV, 1, 2, 3)
	if ins.Op() != OpTGETV || ins.A() != 1 || ins.B() != 2 || ins.C() != 3 {
		t.Errorf("ABC fields = %v %d %d %d", ins.Op(), ins.A(), ins.B(), ins.C())
	}
	ins = AD(OpKSHORT, 4, 0xfffe)
	if ins.D() != 0xfffe {
		t.Errorf("D() = %d, want %d", ins.D(), 0xfffe)
	}
	ins = AJ(OpJMP, 0, -5)
	if ins.J() != -5 {
		t.Errorf("J() = %d, want -5", ins.J())
	}
	ins = ins.SetJ(7).SetA(9)
	if ins.J() != 7 || ins.A() != 9 || ins.Op() != OpJMP {
		t.Errorf("SetJ/SetA = %v %d %d", ins.Op(), ins.A(), ins.J())
	}
}
