package compiler

import (
	"github.com/chazu/fluid/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Jump lists
// ---------------------------------------------------------------------------

// jmpNoValue reports whether any jump in the list does not produce a value.
func (fs *funcState) jmpNoValue(list int) bool {
	for ; list != bytecode.NoJump; list = fs.jmpNext[list] {
		p := fs.code[list-1]
		op := p.Op()
		if !(op == bytecode.OpISTC || op == bytecode.OpISFC || p.A() == bytecode.NoReg) {
			return true
		}
	}
	return false
}

// jmpPatchTestReg retargets the value-producing test in front of the jump
// at pc to reg, or drops the value when reg is NoReg.
func (fs *funcState) jmpPatchTestReg(pc, reg int) bool {
	ip := pc
	if pc >= 1 {
		ip = pc - 1
	}
	ins := fs.code[ip]
	op := ins.Op()
	switch {
	case op == bytecode.OpISTC || op == bytecode.OpISFC:
		if reg != bytecode.NoReg && reg != int(ins.D()) {
			fs.code[ip] = ins.SetA(uint32(reg))
		} else {
			fs.code[ip] = ins.SetOp(op + (bytecode.OpIST - bytecode.OpISTC)).SetA(0)
		}
	case int(ins.A()) == bytecode.NoReg:
		if reg == bytecode.NoReg {
			fs.code[ip] = insAJ(bytecode.OpJMP, int(fs.code[pc].A()), 0)
		} else {
			fs.code[ip] = ins.SetA(uint32(reg))
			if reg >= int(fs.code[ip+1].A()) {
				fs.code[ip+1] = fs.code[ip+1].SetA(uint32(reg + 1))
			}
		}
	default:
		return false
	}
	return true
}

func (fs *funcState) jmpDropValue(list int) {
	for ; list != bytecode.NoJump; list = fs.jmpNext[list] {
		fs.jmpPatchTestReg(list, bytecode.NoReg)
	}
}

// jmpPatchIns resolves the jump at pc to dest.
func (fs *funcState) jmpPatchIns(pc, dest int) {
	offset := dest - (pc + 1)
	if offset > MaxJumpDistance || offset < -bytecode.BiasJ {
		fs.p.fail(SemanticLimitError, msgJump)
	}
	fs.code[pc] = fs.code[pc].SetJ(offset)
}

// jmpAppend appends list l2 to the list at *l1.
func (fs *funcState) jmpAppend(l1 *int, l2 int) {
	if l2 == bytecode.NoJump {
		return
	}
	if *l1 == bytecode.NoJump {
		*l1 = l2
		return
	}
	list := *l1
	for fs.jmpNext[list] != bytecode.NoJump {
		list = fs.jmpNext[list]
	}
	fs.jmpNext[list] = l2
}

// jmpPatchVal resolves every jump of the list. Jumps whose test can carry
// a value into reg go to vtarget, all others to dtarget.
func (fs *funcState) jmpPatchVal(list, vtarget, reg, dtarget int) {
	for list != bytecode.NoJump {
		next := fs.jmpNext[list]
		if fs.jmpPatchTestReg(list, reg) {
			fs.jmpPatchIns(list, vtarget)
		} else {
			fs.jmpPatchIns(list, dtarget)
		}
		fs.jmpNext[list] = bytecode.NoJump
		list = next
	}
}

// jmpToHere defers the list until the next instruction is emitted.
func (fs *funcState) jmpToHere(list int) {
	fs.lasttarget = fs.pc()
	fs.jmpAppend(&fs.jpc, list)
}

func (fs *funcState) jmpPatch(list, target int) {
	if target == fs.pc() {
		fs.jmpToHere(list)
		return
	}
	fs.assert(target < fs.pc(), "jump target beyond the current instruction")
	fs.jmpPatchVal(list, target, bytecode.NoReg, target)
}
