package compiler

import (
	"github.com/chazu/fluid/pkg/bytecode"
)

func insAD(op bytecode.Op, a, d int) bytecode.Ins {
	return bytecode.AD(op, uint32(a), uint32(d))
}

func insABC(op bytecode.Op, a, b, c int) bytecode.Ins {
	return bytecode.ABC(op, uint32(a), uint32(b), uint32(c))
}

func insAJ(op bytecode.Op, a, offset int) bytecode.Ins {
	return bytecode.AJ(op, uint32(a), offset)
}

// ---------------------------------------------------------------------------
// Registers
// ---------------------------------------------------------------------------

func (fs *funcState) bumpReg(n int) {
	sz := fs.freereg + n
	if sz > fs.framesize {
		if sz >= MaxSlots {
			fs.p.fail(SemanticLimitError, msgSlots)
		}
		fs.framesize = sz
	}
}

func (fs *funcState) reserveRegs(n int) {
	fs.bumpReg(n)
	fs.freereg += n
}

// freeReg releases reg if it is a temporary. Temporaries are released in
// reverse allocation order.
func (fs *funcState) freeReg(reg int) {
	if reg >= fs.nactvar {
		fs.freereg--
	}
}

func (fs *funcState) freeExp(e *expDesc) {
	if e.k == expNonReloc {
		fs.freeReg(e.info)
	}
}

// ---------------------------------------------------------------------------
// Instruction emission
// ---------------------------------------------------------------------------

// emit appends ins, resolving the jumps pending for this position.
func (fs *funcState) emit(ins bytecode.Ins) int {
	pc := fs.pc()
	fs.jmpPatchVal(fs.jpc, pc, bytecode.NoReg, pc)
	fs.jpc = bytecode.NoJump
	if pc >= MaxBCIns {
		fs.limitError(MaxBCIns, "bytecode instructions")
	}
	fs.code = append(fs.code, ins)
	fs.lines = append(fs.lines, fs.p.lastLine)
	fs.jmpNext = append(fs.jmpNext, bytecode.NoJump)
	return pc
}

// truncate drops instructions from pc on. Only used right after emitting
// them, before any jump can refer to them.
func (fs *funcState) truncate(pc int) {
	fs.code = fs.code[:pc]
	fs.lines = fs.lines[:pc]
	fs.jmpNext = fs.jmpNext[:pc]
}

// emitJmp emits an unconditional pending jump and folds in the jumps
// pending for this position. A trailing UCLO is reused as the jump.
func (fs *funcState) emitJmp() int {
	jpc := fs.jpc
	j := fs.pc() - 1
	fs.jpc = bytecode.NoJump
	if j >= fs.lasttarget && fs.code[j].Op() == bytecode.OpUCLO {
		fs.code[j] = fs.code[j].SetJ(bytecode.NoJump)
		fs.jmpNext[j] = bytecode.NoJump
		fs.lasttarget = j + 1
	} else {
		j = fs.emit(insAJ(bytecode.OpJMP, fs.freereg, bytecode.NoJump))
	}
	fs.jmpAppend(&j, jpc)
	return j
}

// emitNil sets n registers from 'from' to nil, merging with a preceding
// KPRI or KNIL when no jump targets the current position.
func (fs *funcState) emitNil(from, n int) {
	if fs.pc() > fs.lasttarget {
		ip := fs.pc() - 1
		ins := fs.code[ip]
		pfrom := int(ins.A())
		switch ins.Op() {
		case bytecode.OpKPRI:
			if int(ins.D()) != bytecode.PriNil {
				break
			}
			if from == pfrom {
				if n == 1 {
					return
				}
			} else if from == pfrom+1 {
				from = pfrom
				n++
			} else {
				break
			}
			fs.code[ip] = insAD(bytecode.OpKNIL, from, from+n-1)
			return
		case bytecode.OpKNIL:
			pto := int(ins.D())
			if pfrom <= from && from <= pto+1 {
				if from+n-1 > pto {
					fs.code[ip] = ins.SetD(uint32(from + n - 1))
				}
				return
			}
		}
	}
	if n == 1 {
		fs.emit(insAD(bytecode.OpKPRI, from, bytecode.PriNil))
	} else {
		fs.emit(insAD(bytecode.OpKNIL, from, from+n-1))
	}
}

// ---------------------------------------------------------------------------
// Discharging expressions to registers
// ---------------------------------------------------------------------------

// discharge turns variable references and calls into instructions or
// registers.
func (fs *funcState) discharge(e *expDesc) {
	var ins bytecode.Ins
	switch e.k {
	case expUpval:
		ins = insAD(bytecode.OpUGET, 0, e.info)
	case expGlobal:
		if e.str == nameBlank {
			fs.p.fail(SyntaxError, msgBlankRead)
		}
		ins = insAD(bytecode.OpGGET, 0, fs.constStr(e.str))
	case expIndexed:
		ins = fs.indexedLoad(e)
		if e.key == keyReg {
			fs.freeReg(e.aux)
		}
		fs.freeReg(e.info)
	case expCall:
		e.info = e.aux
		e.k = expNonReloc
		return
	case expLocal:
		e.k = expNonReloc
		return
	default:
		return
	}
	e.info = fs.emit(ins)
	e.k = expRelocable
}

// indexedLoad builds the table read for an indexed expression.
func (fs *funcState) indexedLoad(e *expDesc) bytecode.Ins {
	switch e.key {
	case keyStr:
		return insABC(bytecode.OpTGETS, 0, e.info, e.aux)
	case keyByte:
		return insABC(bytecode.OpTGETB, 0, e.info, e.aux)
	}
	return insABC(bytecode.OpTGETV, 0, e.info, e.aux)
}

// readCopy returns a readable copy of the variable e. Table and key
// registers of an indexed variable stay reserved for a later store.
func (fs *funcState) readCopy(e *expDesc) expDesc {
	if e.k != expIndexed {
		return *e
	}
	return newExp(expRelocable, fs.emit(fs.indexedLoad(e)))
}

func (fs *funcState) toRegNoBranch(e *expDesc, reg int) {
	var ins bytecode.Ins
	fs.discharge(e)
	switch e.k {
	case expStr:
		ins = insAD(bytecode.OpKSTR, reg, fs.constStr(e.str))
	case expNum:
		if k, ok := shortInt(e.num); ok {
			ins = insAD(bytecode.OpKSHORT, reg, int(uint16(k)))
		} else {
			ins = insAD(bytecode.OpKNUM, reg, fs.constNum(e.num))
		}
	case expCData:
		fs.flags |= bytecode.ProtoFFI
		ins = insAD(bytecode.OpKCDATA, reg, fs.constGC(e.cd))
	case expRelocable:
		fs.code[e.info] = fs.code[e.info].SetA(uint32(reg))
		e.info = reg
		e.k = expNonReloc
		return
	case expNonReloc:
		if reg == e.info {
			e.k = expNonReloc
			return
		}
		ins = insAD(bytecode.OpMOV, reg, e.info)
	case expNil:
		fs.emitNil(reg, 1)
		e.info = reg
		e.k = expNonReloc
		return
	case expFalse, expTrue:
		ins = insAD(bytecode.OpKPRI, reg, e.priValue())
	default:
		fs.assert(e.k == expVoid || e.k == expJmp, "unexpected expression kind")
		return
	}
	fs.emit(ins)
	e.info = reg
	e.k = expNonReloc
}

// shortInt reports whether n fits the signed 16-bit KSHORT operand.
func shortInt(n float64) (int16, bool) {
	if n < -32768 || n > 32767 {
		return 0, false
	}
	k := int16(n)
	if float64(k) != n {
		return 0, false
	}
	return k, true
}

// toReg discharges e into reg, materializing any pending branches.
func (fs *funcState) toReg(e *expDesc, reg int) {
	fs.toRegNoBranch(e, reg)
	if e.k == expJmp {
		fs.jmpAppend(&e.t, e.info)
	}
	if e.hasJump() {
		jfalse, jtrue := bytecode.NoJump, bytecode.NoJump
		if fs.jmpNoValue(e.t) || fs.jmpNoValue(e.f) {
			jval := bytecode.NoJump
			if e.k != expJmp {
				jval = fs.emitJmp()
			}
			jfalse = fs.emit(insAD(bytecode.OpKPRI, reg, bytecode.PriFalse))
			fs.emit(insAJ(bytecode.OpJMP, fs.freereg, 1))
			jtrue = fs.emit(insAD(bytecode.OpKPRI, reg, bytecode.PriTrue))
			fs.jmpToHere(jval)
		}
		jend := fs.pc()
		fs.lasttarget = jend
		fs.jmpPatchVal(e.f, jend, reg, jfalse)
		fs.jmpPatchVal(e.t, jend, reg, jtrue)
	}
	e.t, e.f = bytecode.NoJump, bytecode.NoJump
	e.info = reg
	e.k = expNonReloc
}

func (fs *funcState) toNextReg(e *expDesc) {
	fs.discharge(e)
	fs.freeExp(e)
	fs.reserveRegs(1)
	fs.toReg(e, fs.freereg-1)
}

// toAnyReg discharges e to some register and returns it.
func (fs *funcState) toAnyReg(e *expDesc) int {
	fs.discharge(e)
	if e.k == expNonReloc {
		if !e.hasJump() {
			return e.info
		}
		if e.info >= fs.nactvar {
			fs.toReg(e, e.info)
			return e.info
		}
	}
	fs.toNextReg(e)
	return e.info
}

// toVal discharges e to a register only if it has pending jumps.
func (fs *funcState) toVal(e *expDesc) {
	if e.hasJump() {
		fs.toAnyReg(e)
	} else {
		fs.discharge(e)
	}
}

// ---------------------------------------------------------------------------
// Stores, method lookups and branches
// ---------------------------------------------------------------------------

// store emits the assignment of e to the variable v.
func (fs *funcState) store(v, e *expDesc) {
	var ins bytecode.Ins
	switch v.k {
	case expLocal:
		fs.p.vstack[v.aux].info |= varRW
		fs.freeExp(e)
		fs.toReg(e, v.info)
		return
	case expUpval:
		fs.p.vstack[v.aux].info |= varRW
		fs.toVal(e)
		switch {
		case e.k <= expTrue:
			ins = insAD(bytecode.OpUSETP, v.info, e.priValue())
		case e.k == expStr:
			ins = insAD(bytecode.OpUSETS, v.info, fs.constStr(e.str))
		case e.k == expNum:
			ins = insAD(bytecode.OpUSETN, v.info, fs.constNum(e.num))
		default:
			ins = insAD(bytecode.OpUSETV, v.info, fs.toAnyReg(e))
		}
	case expGlobal:
		ra := fs.toAnyReg(e)
		if v.str == nameBlank {
			// Assigning to _ evaluates the value and drops it.
			fs.freeExp(e)
			return
		}
		ins = insAD(bytecode.OpGSET, ra, fs.constStr(v.str))
	case expIndexed:
		ra := fs.toAnyReg(e)
		switch v.key {
		case keyStr:
			ins = insABC(bytecode.OpTSETS, ra, v.info, v.aux)
		case keyByte:
			ins = insABC(bytecode.OpTSETB, ra, v.info, v.aux)
		default:
			ins = insABC(bytecode.OpTSETV, ra, v.info, v.aux)
		}
	default:
		fs.p.fail(SyntaxError, msgAssignable)
	}
	fs.emit(ins)
	fs.freeExp(e)
}

// method loads obj:name into a fresh call frame: the method in the base
// register and the object as its first argument.
func (fs *funcState) method(e *expDesc, key *expDesc) {
	obj := fs.toAnyReg(e)
	fs.freeExp(e)
	fn := fs.freereg
	fs.emit(insAD(bytecode.OpMOV, fn+1+bytecode.FR2, obj))
	idx := fs.constStr(key.str)
	if idx <= bytecode.MaxC {
		fs.reserveRegs(2 + bytecode.FR2)
		fs.emit(insABC(bytecode.OpTGETS, fn, obj, idx))
	} else {
		fs.reserveRegs(3 + bytecode.FR2)
		fs.emit(insAD(bytecode.OpKSTR, fn+2+bytecode.FR2, idx))
		fs.emit(insABC(bytecode.OpTGETV, fn, obj, fn+2+bytecode.FR2))
		fs.freereg--
	}
	e.info = fn
	e.k = expNonReloc
}

// invertCond flips the comparison in front of the jump of e.
func (fs *funcState) invertCond(e *expDesc) {
	ip := e.info - 1
	fs.code[ip] = fs.code[ip].SetOp(fs.code[ip].Op() ^ 1)
}

func (fs *funcState) emitBranch(e *expDesc, cond bool) int {
	if e.k == expRelocable {
		ins := fs.code[e.info]
		if ins.Op() == bytecode.OpNOT {
			op := bytecode.OpIST
			if cond {
				op = bytecode.OpISF
			}
			fs.code[e.info] = insAD(op, 0, int(ins.D()))
			return fs.emitJmp()
		}
	}
	if e.k != expNonReloc {
		fs.reserveRegs(1)
		fs.toRegNoBranch(e, fs.freereg-1)
	}
	op := bytecode.OpISFC
	if cond {
		op = bytecode.OpISTC
	}
	fs.emit(insAD(op, bytecode.NoReg, e.info))
	pc := fs.emitJmp()
	fs.freeExp(e)
	return pc
}

// branchTrue falls through when e is true and jumps otherwise.
func (fs *funcState) branchTrue(e *expDesc) {
	var pc int
	fs.discharge(e)
	switch e.k {
	case expStr, expNum, expTrue:
		pc = bytecode.NoJump
	case expJmp:
		fs.invertCond(e)
		pc = e.info
	case expFalse, expNil:
		fs.toRegNoBranch(e, bytecode.NoReg)
		pc = fs.emitJmp()
	default:
		pc = fs.emitBranch(e, false)
	}
	fs.jmpAppend(&e.f, pc)
	fs.jmpToHere(e.t)
	e.t = bytecode.NoJump
}

// branchFalse falls through when e is false and jumps otherwise.
func (fs *funcState) branchFalse(e *expDesc) {
	var pc int
	fs.discharge(e)
	switch e.k {
	case expNil, expFalse:
		pc = bytecode.NoJump
	case expJmp:
		pc = e.info
	case expStr, expNum, expTrue:
		fs.toRegNoBranch(e, bytecode.NoReg)
		pc = fs.emitJmp()
	default:
		pc = fs.emitBranch(e, true)
	}
	fs.jmpAppend(&e.t, pc)
	fs.jmpToHere(e.f)
	e.f = bytecode.NoJump
}

// emptyChecks tests reg against each extended falsey value: nil, false,
// 0 and "". The returned list jumps when reg is empty.
func (fs *funcState) emptyChecks(reg int) int {
	list := bytecode.NoJump
	fs.emit(insAD(bytecode.OpISEQP, reg, bytecode.PriNil))
	fs.jmpAppend(&list, fs.emitJmp())
	fs.emit(insAD(bytecode.OpISEQP, reg, bytecode.PriFalse))
	fs.jmpAppend(&list, fs.emitJmp())
	fs.emit(insAD(bytecode.OpISEQN, reg, fs.constNum(0)))
	fs.jmpAppend(&list, fs.emitJmp())
	fs.emit(insAD(bytecode.OpISEQS, reg, fs.constStr("")))
	fs.jmpAppend(&list, fs.emitJmp())
	return list
}

// nilCheck returns a jump taken when reg holds nil.
func (fs *funcState) nilCheck(reg int) int {
	fs.emit(insAD(bytecode.OpISEQP, reg, bytecode.PriNil))
	return fs.emitJmp()
}
