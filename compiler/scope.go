package compiler

import (
	"fmt"

	"github.com/chazu/fluid/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Local variables
// ---------------------------------------------------------------------------

func (fs *funcState) varGet(i int) *varInfo {
	return &fs.p.vstack[fs.varmap[i]]
}

// varNew declares the n-th pending local. It becomes active in varAdd.
func (fs *funcState) varNew(n int, name string) {
	fs.varNewEntry(n, varInfo{name: name})
}

// varNewSpecial declares a hidden loop variable.
func (fs *funcState) varNewSpecial(n int, special bytecode.VarName) {
	fs.varNewEntry(n, varInfo{special: special})
}

func (fs *funcState) varNewEntry(n int, v varInfo) {
	fs.checkLimit(fs.nactvar+n, MaxLocVar, "local variables")
	fs.p.growVStack()
	fs.p.vstack = append(fs.p.vstack, v)
	fs.varmap[fs.nactvar+n] = len(fs.p.vstack) - 1
}

// varAdd activates the next nvars declared locals.
func (fs *funcState) varAdd(nvars int) {
	for ; nvars > 0; nvars-- {
		v := fs.varGet(fs.nactvar)
		v.startpc = fs.pc()
		v.slot = fs.nactvar
		v.info = 0
		fs.nactvar++
	}
}

// varRemove ends the live range of locals down to tolevel.
func (fs *funcState) varRemove(tolevel int) {
	for fs.nactvar > tolevel {
		fs.nactvar--
		fs.varGet(fs.nactvar).endpc = fs.pc()
	}
}

func (fs *funcState) lookupLocal(name string) int {
	for i := fs.nactvar - 1; i >= 0; i-- {
		v := fs.varGet(i)
		if v.name == nameBlank || v.special != bytecode.VarNameEnd {
			continue
		}
		if v.name == name {
			return i
		}
	}
	return -1
}

// lookupUpval returns the upvalue index for variable stack entry vidx,
// adding it if needed. e describes the variable in the enclosing function.
func (fs *funcState) lookupUpval(vidx int, e *expDesc) int {
	for i, v := range fs.uvmap {
		if v == vidx {
			return i
		}
	}
	fs.checkLimit(len(fs.uvmap), MaxUpval, "upvalues")
	fs.uvmap = append(fs.uvmap, vidx)
	if e.k == expLocal {
		fs.uvtmp = append(fs.uvtmp, vidx)
	} else {
		fs.uvtmp = append(fs.uvtmp, MaxVStack+e.info)
	}
	return len(fs.uvmap) - 1
}

// lookupVar resolves name as a local, an upvalue or a global. It returns
// the variable stack index of the local, or -1 for a global.
func lookupVar(fs *funcState, name string, e *expDesc, first bool) int {
	if fs == nil {
		*e = newExp(expGlobal, 0)
		e.str = name
		return -1
	}
	if reg := fs.lookupLocal(name); reg >= 0 {
		*e = newExp(expLocal, reg)
		if !first {
			fs.uvMark(reg)
		}
		e.aux = fs.varmap[reg]
		return e.aux
	}
	vidx := lookupVar(fs.prev, name, e, false)
	if vidx >= 0 {
		e.info = fs.lookupUpval(vidx, e)
		e.k = expUpval
	}
	return vidx
}

// hasActiveDefers reports whether any active local holds a deferred call.
func (fs *funcState) hasActiveDefers(limit int) bool {
	for i := fs.nactvar - 1; i >= limit; i-- {
		if fs.varGet(i).info&varDefer != 0 {
			return true
		}
	}
	return false
}

// executeDefers calls the deferred closures of the locals above limit in
// reverse declaration order. Each closure receives the argument values
// captured when it was declared.
func (fs *funcState) executeDefers(limit int) {
	if fs.freereg < fs.nactvar {
		fs.freereg = fs.nactvar
	}
	oldfree := fs.freereg
	var args []int
	for i := fs.nactvar - 1; i >= limit; i-- {
		v := fs.varGet(i)
		switch {
		case v.info&varDeferArg != 0:
			args = append(args, v.slot)
		case v.info&varDefer != 0:
			base := fs.freereg
			argc := len(args)
			fs.reserveRegs(argc + 1 + bytecode.FR2)
			fs.emit(insAD(bytecode.OpMOV, base, v.slot))
			for j := 0; j < argc; j++ {
				fs.emit(insAD(bytecode.OpMOV, base+bytecode.FR2+1+j, args[argc-1-j]))
			}
			fs.emit(insABC(bytecode.OpCALL, base, 1, argc+1))
			fs.freereg = oldfree
			args = args[:0]
		default:
			fs.assert(len(args) == 0, "deferred arguments without a deferred call")
		}
	}
	fs.assert(len(args) == 0, "deferred arguments without a deferred call")
	fs.freereg = oldfree
}

// ---------------------------------------------------------------------------
// Gotos and labels
// ---------------------------------------------------------------------------

// golaNew records a pending goto or a label at pc.
func (fs *funcState) golaNew(name string, info uint8, pc int) int {
	p := fs.p
	p.growVStack()
	p.vstack = append(p.vstack, varInfo{
		name:    name,
		startpc: pc,
		slot:    fs.nactvar,
		info:    info,
	})
	return len(p.vstack) - 1
}

// golaPatch resolves goto vg to label vl.
func (fs *funcState) golaPatch(vg, vl *varInfo) {
	pc := vg.startpc
	vg.name = ""
	fs.code[pc] = fs.code[pc].SetA(uint32(vl.slot))
	fs.jmpPatch(pc, vl.startpc)
}

// golaClose turns the jump of a goto leaving an upvalue scope into UCLO.
func (fs *funcState) golaClose(vg *varInfo) {
	pc := vg.startpc
	ins := fs.code[pc]
	fs.assert(vg.isGoto(), "closing a label")
	fs.assert(ins.Op() == bytecode.OpJMP || ins.Op() == bytecode.OpUCLO, "goto is not a jump")
	ins = ins.SetA(uint32(vg.slot))
	if ins.Op() == bytecode.OpJMP {
		if next := fs.jmpNext[pc]; next != bytecode.NoJump {
			fs.jmpNext[pc] = bytecode.NoJump
			fs.jmpPatch(next, pc)
		}
		ins = ins.SetOp(bytecode.OpUCLO).SetJ(bytecode.NoJump)
	}
	fs.code[pc] = ins
}

// golaResolve patches the pending forward gotos of scope bl that match
// the label at idx.
func (fs *funcState) golaResolve(bl *funcScope, idx int) {
	p := fs.p
	vl := &p.vstack[idx]
	for i := bl.vstart; i < idx; i++ {
		vg := &p.vstack[i]
		if vg.name != vl.name || !vg.isGoto() {
			continue
		}
		if vg.slot < vl.slot {
			local := fs.varGet(vg.slot).name
			p.raiseAt(SyntaxError, fs.lines[vg.startpc],
				fmt.Sprintf("<goto %s> jumps into the scope of local '%s'", vg.name, local))
		}
		fs.golaPatch(vg, vl)
	}
}

// golaFixup resolves backward gotos to labels leaving scope bl and moves
// the remaining gotos to the enclosing scope.
func (fs *funcState) golaFixup(bl *funcScope) {
	p := fs.p
	for i := bl.vstart; i < len(p.vstack); i++ {
		v := &p.vstack[i]
		name := v.name
		if name == "" {
			continue
		}
		switch {
		case v.isLabel():
			v.name = ""
			for j := i + 1; j < len(p.vstack); j++ {
				vg := &p.vstack[j]
				if vg.name == name && vg.isGoto() {
					if bl.flags&scopeUpval != 0 && vg.slot > v.slot {
						fs.golaClose(vg)
					}
					fs.golaPatch(vg, v)
				}
			}
		case v.isGoto():
			if bl.prev != nil {
				switch name {
				case nameBreak:
					bl.prev.flags |= scopeBreak
				case nameContinue:
					bl.prev.flags |= scopeContinue
				default:
					bl.prev.flags |= scopeGola
				}
				v.slot = bl.nactvar
				if bl.flags&scopeUpval != 0 {
					fs.golaClose(v)
				}
				continue
			}
			line := fs.lines[v.startpc]
			switch name {
			case nameBreak:
				p.raiseAt(SyntaxError, line, msgBreak)
			case nameContinue:
				p.raiseAt(SyntaxError, line, msgContinue)
			default:
				p.raiseAt(SyntaxError, line, fmt.Sprintf("undefined label '%s'", name))
			}
		}
	}
}

// golaFindLabel returns the visible label name in the current scope.
func (fs *funcState) golaFindLabel(name string) *varInfo {
	p := fs.p
	for i := fs.bl.vstart; i < len(p.vstack); i++ {
		v := &p.vstack[i]
		if v.name == name && v.isLabel() {
			return v
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Block scopes
// ---------------------------------------------------------------------------

func (fs *funcState) scopeBegin(bl *funcScope, flags uint8) {
	bl.nactvar = fs.nactvar
	bl.flags = flags
	bl.vstart = len(fs.p.vstack)
	bl.prev = fs.bl
	fs.bl = bl
	fs.assert(fs.freereg == fs.nactvar, "registers in use at scope start")
}

// loopContinue resolves the pending continue jumps of the current loop
// scope to pos.
func (fs *funcState) loopContinue(pos int) {
	bl := fs.bl
	fs.assert(bl.flags&scopeLoop != 0, "continue target outside a loop scope")
	if bl.flags&scopeContinue == 0 {
		return
	}
	bl.flags &^= scopeContinue
	fs.golaResolveHidden(bl, varInfo{name: nameContinue, startpc: pos, slot: fs.nactvar, info: varLabel})
}

// golaResolveHidden resolves the pending gotos of bl against a label that
// never enters the variable stack.
func (fs *funcState) golaResolveHidden(bl *funcScope, label varInfo) {
	p := fs.p
	for i := bl.vstart; i < len(p.vstack); i++ {
		vg := &p.vstack[i]
		if vg.name == label.name && vg.isGoto() {
			fs.golaPatch(vg, &label)
		}
	}
}

func (fs *funcState) scopeEnd() {
	bl := fs.bl
	fs.bl = bl.prev
	if bl.flags&scopeNoClose == 0 {
		fs.executeDefers(bl.nactvar)
	}
	fs.varRemove(bl.nactvar)
	fs.freereg = fs.nactvar
	fs.assert(bl.nactvar == fs.nactvar, "scope ends with a different variable count")
	if bl.flags&(scopeUpval|scopeNoClose) == scopeUpval {
		fs.emit(insAJ(bytecode.OpUCLO, bl.nactvar, 0))
	}
	if bl.flags&scopeBreak != 0 {
		if bl.flags&scopeLoop != 0 {
			fs.golaResolveHidden(bl, varInfo{name: nameBreak, startpc: fs.pc(), slot: fs.nactvar, info: varLabel})
		} else {
			fs.golaFixup(bl)
			return
		}
	}
	if bl.flags&(scopeGola|scopeContinue) != 0 {
		fs.golaFixup(bl)
	}
}

// uvMark flags the scope owning register level as having a captured local.
func (fs *funcState) uvMark(level int) {
	bl := fs.bl
	for bl != nil && bl.nactvar > level {
		bl = bl.prev
	}
	if bl != nil {
		bl.flags |= scopeUpval
	}
}

// continueLimit returns the variable level down to which a continue in the
// current scope runs deferred calls. The body of repeat ... until stays
// live through the condition, so its own defers run when it exits.
func (fs *funcState) continueLimit(loop *funcScope) int {
	if loop.flags&scopeRepeat == 0 {
		return loop.nactvar
	}
	limit := fs.nactvar
	for bl := fs.bl; bl != nil && bl.prev != nil && bl.prev != loop; bl = bl.prev {
		limit = bl.nactvar
	}
	return limit
}
