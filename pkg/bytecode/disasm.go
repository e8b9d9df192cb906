package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of p and all of its child
// prototypes, children first.
func Disassemble(p *Proto) string {
	var sb strings.Builder
	p.Walk(func(pt *Proto) {
		pt.disassemble(&sb)
		sb.WriteString("\n")
	})
	return sb.String()
}

// DisassembleOne returns the listing of p alone.
func (p *Proto) DisassembleOne() string {
	var sb strings.Builder
	p.disassemble(&sb)
	return sb.String()
}

func (p *Proto) disassemble(sb *strings.Builder) {
	// Header
	name := p.ChunkName
	if name == "" {
		name = "?"
	}
	fmt.Fprintf(sb, "; === %s:%d-%d ===\n", name, p.FirstLine, p.FirstLine+p.NumLine)
	fmt.Fprintf(sb, "; Params: %d  Frame: %d  Upvalues: %d  Flags: 0x%02X", p.NumParams, p.FrameSize, len(p.Upvalues), p.Flags)
	if p.Flags&ProtoVararg != 0 {
		sb.WriteString(" [VARARG]")
	}
	if p.Flags&ProtoChild != 0 {
		sb.WriteString(" [CHILD]")
	}
	if p.Flags&ProtoFFI != 0 {
		sb.WriteString(" [FFI]")
	}
	sb.WriteString("\n")

	if len(p.KN) > 0 {
		sb.WriteString("; Numbers:\n")
		for i, n := range p.KN {
			fmt.Fprintf(sb, ";   [%3d] %s\n", i, formatNum(n))
		}
	}
	if len(p.KGC) > 0 {
		sb.WriteString("; Objects:\n")
		for i, k := range p.KGC {
			fmt.Fprintf(sb, ";   [%3d] %s\n", i, describeConstant(k))
		}
	}
	if len(p.Upvalues) > 0 {
		sb.WriteString("; Upvalues:\n")
		for i, uv := range p.Upvalues {
			fmt.Fprintf(sb, ";   [%3d] %s\n", i, p.describeUpvalue(i, uv))
		}
	}

	for pc, ins := range p.Code {
		line := p.formatIns(pc, ins)
		if p.HasDebug() && pc > 0 {
			fmt.Fprintf(sb, "%04d  %-40s ; line %d\n", pc, line, p.Line(pc))
		} else {
			fmt.Fprintf(sb, "%04d  %s\n", pc, line)
		}
	}
}

// FormatIns formats the instruction at pc.
func (p *Proto) FormatIns(pc int) string {
	if pc < 0 || pc >= len(p.Code) {
		return "<end of code>"
	}
	return p.formatIns(pc, p.Code[pc])
}

func (p *Proto) formatIns(pc int, ins Ins) string {
	op := ins.Op()
	info := GetOpInfo(op)
	if !op.Valid() {
		return fmt.Sprintf("%s 0x%08X", info.Name, uint32(ins))
	}

	operands := make([]string, 0, 3)
	var notes []string
	if info.A != ModeNone {
		operands = append(operands, fmt.Sprintf("%d", ins.A()))
	}
	if info.B != ModeNone {
		operands = append(operands, fmt.Sprintf("%d", ins.B()))
		if info.CD != ModeNone {
			operands = append(operands, fmt.Sprintf("%d", ins.C()))
		}
		if note := p.operandNote(info.CD, ins.C(), pc); note != "" {
			notes = append(notes, note)
		}
	} else if info.CD != ModeNone {
		switch info.CD {
		case ModeJump:
			operands = append(operands, fmt.Sprintf("=> %04d", pc+1+ins.J()))
		case ModeLitS:
			operands = append(operands, fmt.Sprintf("%d", int16(ins.D())))
		default:
			operands = append(operands, fmt.Sprintf("%d", ins.D()))
			if note := p.operandNote(info.CD, ins.D(), pc); note != "" {
				notes = append(notes, note)
			}
		}
	}
	if info.A == ModeVar || info.A == ModeDst {
		if name := p.slotName(ins.A(), pc); name != "" && op != OpKNIL {
			notes = append([]string{name}, notes...)
		}
	}

	out := fmt.Sprintf("%-7s %s", info.Name, strings.Join(operands, " "))
	if len(notes) > 0 {
		out += " ; " + strings.Join(notes, " ")
	}
	return strings.TrimRight(out, " ")
}

// operandNote describes a constant operand.
func (p *Proto) operandNote(mode Mode, v uint32, pc int) string {
	switch mode {
	case ModeStr, ModeTab, ModeFunc, ModeCData:
		if int(v) >= len(p.KGC) {
			return "<bad constant>"
		}
		return describeConstant(p.KGC[v])
	case ModeNum:
		if int(v) < len(p.KN) {
			return formatNum(p.KN[v])
		}
		return "<bad number>"
	case ModePri:
		switch v {
		case PriNil:
			return "nil"
		case PriFalse:
			return "false"
		case PriTrue:
			return "true"
		}
	case ModeUV:
		if int(v) < len(p.UVNames) {
			return p.UVNames[v]
		}
	}
	return ""
}

// slotName returns the local variable living in slot at pc, if known.
func (p *Proto) slotName(slot uint32, pc int) string {
	var live []VarEntry
	for _, v := range p.Vars {
		if int(v.StartPC) <= pc && pc < int(v.EndPC) {
			live = append(live, v)
		}
	}
	// Variables are recorded in slot order, so the n-th live entry owns slot n.
	if int(slot) < len(live) {
		return live[slot].DisplayName()
	}
	return ""
}

func (p *Proto) describeUpvalue(i int, uv uint16) string {
	name := ""
	if i < len(p.UVNames) {
		name = p.UVNames[i] + " "
	}
	var kind string
	if uv&UVLocal != 0 {
		kind = fmt.Sprintf("local %d", uv&0xff)
	} else {
		kind = fmt.Sprintf("upvalue %d", uv&0xff)
	}
	if uv&UVImmutable != 0 {
		kind += " const"
	}
	return name + "(" + kind + ")"
}

func describeConstant(k Constant) string {
	switch k := k.(type) {
	case String:
		s := string(k)
		if len(s) > 40 {
			s = s[:37] + "..."
		}
		return fmt.Sprintf("%q", s)
	case *Proto:
		return fmt.Sprintf("function %s:%d", k.ChunkName, k.FirstLine)
	case *Table:
		return fmt.Sprintf("table array=%d hash=%d", len(k.Array), len(k.Hash))
	case CData:
		return k.String()
	}
	return "?"
}

// DisassembleToLines returns the listing of p alone as a slice of lines.
func (p *Proto) DisassembleToLines() []string {
	lines := make([]string, 0, len(p.Code))
	for pc, ins := range p.Code {
		lines = append(lines, fmt.Sprintf("%04d  %s", pc, p.formatIns(pc, ins)))
	}
	return lines
}
