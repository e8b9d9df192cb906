package compiler

import (
	"fmt"

	"github.com/chazu/fluid/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Blocks
// ---------------------------------------------------------------------------

// chunk parses statements up to the end of the enclosing block. A return
// must be the last statement.
func (p *parser) chunk() {
	fs := p.fs
	for !p.blockFollow(true) {
		last := p.stmt()
		p.accept(TokenSemicolon)
		fs.assert(fs.framesize >= fs.freereg && fs.freereg >= fs.nactvar, "bad register allocation")
		fs.freereg = fs.nactvar
		if last {
			break
		}
	}
}

func (p *parser) block() {
	fs := p.fs
	var bl funcScope
	fs.scopeBegin(&bl, 0)
	p.chunk()
	fs.scopeEnd()
}

// stmt parses one statement and reports whether it must end the block.
func (p *parser) stmt() bool {
	line := p.tok.Pos.Line
	p.synlevelBegin()
	defer p.synlevelEnd()
	switch p.tok.Type {
	case TokenIf:
		p.ifStmt(line)
	case TokenWhile:
		p.whileStmt(line)
	case TokenDo:
		p.next()
		p.block()
		p.match(TokenEnd, TokenDo, line)
	case TokenFor:
		p.forStmt(line)
	case TokenRepeat:
		p.repeatStmt(line)
	case TokenFunction:
		p.funcStmt(line)
	case TokenLocal:
		p.next()
		p.localStmt()
	case TokenReturn:
		p.returnStmt()
		return true
	case TokenBreak:
		p.next()
		p.loopExit(nameBreak, line)
	case TokenContinue:
		p.next()
		p.loopExit(nameContinue, line)
	case TokenDefer:
		p.deferStmt(line)
	case TokenSemicolon:
		p.next()
	case TokenLabel:
		p.next()
		p.labelStmt()
	case TokenGoto:
		p.next()
		p.gotoStmt()
	default:
		p.callAssign()
	}
	return false
}

// ---------------------------------------------------------------------------
// Conditionals and loops
// ---------------------------------------------------------------------------

func (p *parser) then() int {
	p.next()
	condexit := p.exprCond()
	p.expect(TokenThen)
	p.block()
	return condexit
}

func (p *parser) ifStmt(line int) {
	fs := p.fs
	escape := bytecode.NoJump
	flist := p.then()
	for p.tok.Type == TokenElseif {
		fs.jmpAppend(&escape, fs.emitJmp())
		fs.jmpToHere(flist)
		flist = p.then()
	}
	if p.tok.Type == TokenElse {
		fs.jmpAppend(&escape, fs.emitJmp())
		fs.jmpToHere(flist)
		p.next()
		p.block()
	} else {
		fs.jmpAppend(&escape, flist)
	}
	fs.jmpToHere(escape)
	p.match(TokenEnd, TokenIf, line)
}

func (p *parser) whileStmt(line int) {
	fs := p.fs
	p.next()
	start := fs.pc()
	fs.lasttarget = start
	condexit := p.exprCond()
	var bl funcScope
	fs.scopeBegin(&bl, scopeLoop)
	p.expect(TokenDo)
	loop := fs.emit(insAD(bytecode.OpLOOP, fs.nactvar, 0))
	p.block()
	fs.jmpPatch(fs.emitJmp(), start)
	p.match(TokenEnd, TokenWhile, line)
	fs.loopContinue(start)
	fs.scopeEnd()
	fs.jmpToHere(condexit)
	fs.jmpPatchIns(loop, fs.pc())
}

func (p *parser) repeatStmt(line int) {
	fs := p.fs
	loop := fs.pc()
	fs.lasttarget = loop
	var bl1, bl2 funcScope
	fs.scopeBegin(&bl1, scopeLoop|scopeRepeat)
	fs.scopeBegin(&bl2, 0)
	p.next()
	fs.emit(insAD(bytecode.OpLOOP, fs.nactvar, 0))
	p.chunk()
	p.match(TokenUntil, TokenRepeat, line)
	iter := fs.pc()
	condexit := p.exprCond()
	if bl2.flags&scopeUpval == 0 && !fs.hasActiveDefers(bl2.nactvar) {
		fs.scopeEnd()
	} else {
		// Leaving the body must close its upvalues and run its defers on
		// both paths, so the condition is split into two exits.
		p.exitJump(nameBreak, bl1.nactvar)
		fs.jmpToHere(condexit)
		fs.scopeEnd()
		condexit = fs.emitJmp()
	}
	fs.jmpPatch(condexit, loop)
	fs.jmpPatchIns(loop, fs.pc())
	fs.loopContinue(iter)
	fs.scopeEnd()
}

func (p *parser) forStmt(line int) {
	fs := p.fs
	var bl funcScope
	fs.scopeBegin(&bl, scopeLoop)
	p.next()
	name := p.name()
	switch p.tok.Type {
	case TokenAssign:
		p.forNum(name, line)
	case TokenComma, TokenIn:
		p.forIter(name)
	default:
		p.errSyntax("'=' or 'in' expected")
	}
	p.match(TokenEnd, TokenFor, line)
	fs.scopeEnd()
}

func (p *parser) forNum(name string, line int) {
	fs := p.fs
	base := fs.freereg
	fs.varNewSpecial(0, bytecode.VarNameForIdx)
	fs.varNewSpecial(1, bytecode.VarNameForStop)
	fs.varNewSpecial(2, bytecode.VarNameForStep)
	fs.varNew(3, name)
	p.expect(TokenAssign)
	p.exprNext()
	p.expect(TokenComma)
	p.exprNext()
	if p.accept(TokenComma) {
		p.exprNext()
	} else {
		fs.emit(insAD(bytecode.OpKSHORT, fs.freereg, 1))
		fs.reserveRegs(1)
	}
	fs.varAdd(3)
	p.expect(TokenDo)
	loop := fs.emit(insAJ(bytecode.OpFORI, base, bytecode.NoJump))
	var bl funcScope
	fs.scopeBegin(&bl, 0)
	fs.varAdd(1)
	fs.reserveRegs(1)
	p.block()
	fs.scopeEnd()
	loopend := fs.emit(insAJ(bytecode.OpFORL, base, bytecode.NoJump))
	fs.lines[loopend] = line
	fs.jmpPatchIns(loopend, loop+1)
	fs.jmpPatchIns(loop, fs.pc())
	fs.loopContinue(loopend)
}

// predictNext reports whether the iterator expression at pc loads pairs or
// next, so the loop can use the specialized ISNEXT/ITERN pair.
func (p *parser) predictNext(pc int) bool {
	fs := p.fs
	if pc >= fs.pc() {
		return false
	}
	ins := fs.code[pc]
	var name string
	switch ins.Op() {
	case bytecode.OpMOV:
		name = fs.varGet(int(ins.D())).name
	case bytecode.OpUGET:
		name = p.vstack[fs.uvmap[ins.D()]].name
	case bytecode.OpGGET:
		for _, s := range []string{"pairs", "next"} {
			if idx, ok := fs.kstr[s]; ok && idx == int(ins.D()) {
				return true
			}
		}
		return false
	default:
		return false
	}
	return name == "pairs" || name == "next"
}

func (p *parser) forIter(name string) {
	fs := p.fs
	base := fs.freereg + 3
	exprpc := fs.pc()
	fs.varNewSpecial(0, bytecode.VarNameForGen)
	fs.varNewSpecial(1, bytecode.VarNameForState)
	fs.varNewSpecial(2, bytecode.VarNameForCtl)
	fs.varNew(3, name)
	nvars := 4
	for p.accept(TokenComma) {
		fs.varNew(nvars, p.name())
		nvars++
	}
	p.expect(TokenIn)
	line := p.tok.Pos.Line
	var e expDesc
	p.assignAdjust(3, p.exprList(&e), &e)
	// The iterator call needs 3 more slots plus the frame link.
	fs.bumpReg(3 + bytecode.FR2)
	isnext := nvars <= 5 && p.predictNext(exprpc)
	fs.varAdd(3)
	p.expect(TokenDo)
	op := bytecode.OpJMP
	if isnext {
		op = bytecode.OpISNEXT
	}
	loop := fs.emit(insAJ(op, base, bytecode.NoJump))
	var bl funcScope
	fs.scopeBegin(&bl, 0)
	fs.varAdd(nvars - 3)
	fs.reserveRegs(nvars - 3)
	p.block()
	fs.scopeEnd()
	fs.jmpPatchIns(loop, fs.pc())
	iterOp := bytecode.OpITERC
	if isnext {
		iterOp = bytecode.OpITERN
	}
	iter := fs.emit(insABC(iterOp, base, nvars-3+1, 2+1))
	loopend := fs.emit(insAJ(bytecode.OpITERL, base, bytecode.NoJump))
	fs.lines[iter] = line
	fs.lines[loopend] = line
	fs.jmpPatchIns(loopend, loop+1)
	fs.loopContinue(iter)
}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

func (p *parser) localStmt() {
	fs := p.fs
	if p.accept(TokenFunction) {
		fs.varNew(0, p.name())
		v := newExp(expLocal, fs.freereg)
		v.aux = fs.varmap[fs.freereg]
		fs.reserveRegs(1)
		fs.varAdd(1)
		var b expDesc
		p.body(&b, false, p.tok.Pos.Line, false, TokenFunction)
		// A store without marking the variable as written.
		fs.freeExp(&b)
		fs.toReg(&b, v.info)
		// The upvalue is in scope, but the local is only valid after the store.
		fs.varGet(fs.nactvar - 1).startpc = fs.pc()
		return
	}
	nvars := 0
	for {
		fs.varNew(nvars, p.name())
		nvars++
		if !p.accept(TokenComma) {
			break
		}
	}
	var e expDesc
	nexps := 0
	if p.accept(TokenAssign) {
		nexps = p.exprList(&e)
	} else {
		e = newExp(expVoid, 0)
	}
	p.assignAdjust(nvars, nexps, &e)
	fs.varAdd(nvars)
}

func (p *parser) funcStmt(line int) {
	p.next()
	var v, b expDesc
	needself := false
	p.singleVar(&v)
	for p.tok.Type == TokenDot {
		p.field(&v)
	}
	if p.tok.Type == TokenColon {
		needself = true
		p.field(&v)
	}
	p.body(&b, needself, line, false, TokenFunction)
	fs := p.fs
	fs.store(&v, &b)
	fs.lines[fs.pc()-1] = line
}

// deferStmt compiles
//
//	defer [(params)] body end [(args)]
//
// The closure lives in a hidden local. Arguments are evaluated now and
// kept in hidden locals above it until the closure runs at scope exit.
func (p *parser) deferStmt(line int) {
	fs := p.fs
	p.next()
	reg := fs.freereg
	fs.varNew(0, nameBlank)
	fs.reserveRegs(1)
	fs.varAdd(1)
	fs.varGet(fs.nactvar - 1).info |= varDefer
	var b expDesc
	p.body(&b, false, line, true, TokenDefer)
	fs.freeExp(&b)
	fs.toReg(&b, reg)
	if p.tok.Type == TokenLParen && p.tok.Pos.Line == p.lastLine {
		open := p.tok.Pos.Line
		p.next()
		n := 0
		if p.tok.Type != TokenRParen {
			for {
				p.exprNext()
				n++
				if !p.accept(TokenComma) {
					break
				}
			}
		}
		p.match(TokenRParen, TokenLParen, open)
		for i := 0; i < n; i++ {
			fs.varNew(i, nameBlank)
		}
		fs.varAdd(n)
		for i := 1; i <= n; i++ {
			fs.varGet(fs.nactvar - i).info |= varDeferArg
		}
	}
	fs.freereg = fs.nactvar
}

// ---------------------------------------------------------------------------
// Jumps
// ---------------------------------------------------------------------------

func (p *parser) returnStmt() {
	fs := p.fs
	p.next()
	fs.flags |= bytecode.ProtoHasReturn
	// Deferred calls run between computing the results and returning, so
	// the results must sit in registers they cannot clobber.
	deferred := fs.hasActiveDefers(0)
	var ins bytecode.Ins
	if p.blockFollow(true) || p.tok.Type == TokenSemicolon {
		ins = insAD(bytecode.OpRET0, 0, 1)
	} else {
		var e expDesc
		nret := p.exprList(&e)
		switch {
		case e.k == expCall && !deferred && nret == 1 && fs.code[e.info].Op() != bytecode.OpVARG:
			call := fs.code[e.info]
			fs.truncate(e.info)
			ins = insAD(call.Op()-bytecode.OpCALL+bytecode.OpCALLT, int(call.A()), int(call.C()))
		case e.k == expCall && !deferred:
			fs.code[e.info] = fs.code[e.info].SetB(0)
			ins = insAD(bytecode.OpRETM, fs.nactvar, e.aux-fs.nactvar)
		case nret == 1:
			ins = insAD(bytecode.OpRET1, fs.returnReg(&e), 2)
		default:
			fs.toNextReg(&e)
			ins = insAD(bytecode.OpRET, fs.nactvar, nret+1)
		}
	}
	if deferred {
		fs.executeDefers(0)
	}
	if fs.flags&bytecode.ProtoChild != 0 {
		fs.emit(insAJ(bytecode.OpUCLO, 0, 0))
	}
	fs.emit(ins)
}

// returnReg puts a single return value in a register. A local is copied
// so that the value is fixed before any deferred call runs.
func (fs *funcState) returnReg(e *expDesc) int {
	reg := fs.toAnyReg(e)
	if reg < fs.nactvar {
		dst := fs.freereg
		fs.reserveRegs(1)
		fs.emit(insAD(bytecode.OpMOV, dst, reg))
		reg = dst
	}
	return reg
}

// exitJump emits a pending break or continue jump, running the deferred
// calls above limit first.
func (p *parser) exitJump(name string, limit int) {
	fs := p.fs
	fs.executeDefers(limit)
	if name == nameBreak {
		fs.bl.flags |= scopeBreak
	} else {
		fs.bl.flags |= scopeContinue
	}
	fs.golaNew(name, varGoto, fs.emitJmp())
}

// loopExit compiles break or continue. The jump is resolved when the
// enclosing loop scope ends.
func (p *parser) loopExit(name string, line int) {
	fs := p.fs
	var loop *funcScope
	for bl := fs.bl; bl != nil; bl = bl.prev {
		if bl.flags&scopeLoop != 0 {
			loop = bl
			break
		}
	}
	if loop == nil {
		msg := msgBreak
		if name == nameContinue {
			msg = msgContinue
		}
		p.raiseAt(SyntaxError, line, msg)
	}
	limit := loop.nactvar
	if name == nameContinue {
		limit = fs.continueLimit(loop)
	}
	p.exitJump(name, limit)
}

func (p *parser) gotoStmt() {
	fs := p.fs
	name := p.name()
	if vl := fs.golaFindLabel(name); vl != nil {
		// A backward goto in the same scope is a loop. J = -1 equals
		// NoJump but is final: the goto's JMP right after it carries the
		// real target.
		fs.emit(insAJ(bytecode.OpLOOP, vl.slot, -1))
	}
	fs.bl.flags |= scopeGola
	fs.golaNew(name, varGoto, fs.emitJmp())
}

func (p *parser) labelStmt() {
	fs := p.fs
	fs.lasttarget = fs.pc()
	fs.bl.flags |= scopeGola
	name := p.name()
	if fs.golaFindLabel(name) != nil {
		p.raise(SyntaxError, fmt.Sprintf("duplicate label '%s'", name), "")
	}
	idx := fs.golaNew(name, varLabel, fs.pc())
	p.expect(TokenLabel)
	for {
		if p.tok.Type == TokenLabel {
			p.synlevelBegin()
			p.next()
			p.labelStmt()
			p.synlevelEnd()
		} else if p.tok.Type == TokenSemicolon {
			p.next()
		} else {
			break
		}
	}
	// A label at the end of a block is outside the scope of its locals.
	if p.blockFollow(false) {
		p.vstack[idx].slot = fs.bl.nactvar
	}
	fs.golaResolve(fs.bl, idx)
}

// ---------------------------------------------------------------------------
// Calls and assignments
// ---------------------------------------------------------------------------

// lhsList links the targets of a multiple assignment, last first.
type lhsList struct {
	v    expDesc
	prev *lhsList
}

// assignHazard copies a local that an earlier indexed target still needs
// as its table or key, before the local is overwritten.
func (p *parser) assignHazard(lh *lhsList, v *expDesc) {
	fs := p.fs
	reg := v.info
	tmp := fs.freereg
	hazard := false
	for ; lh != nil; lh = lh.prev {
		if lh.v.k != expIndexed {
			continue
		}
		if lh.v.info == reg {
			hazard = true
			lh.v.info = tmp
		}
		if lh.v.key == keyReg && lh.v.aux == reg {
			hazard = true
			lh.v.aux = tmp
		}
	}
	if hazard {
		fs.emit(insAD(bytecode.OpMOV, tmp, reg))
		fs.reserveRegs(1)
	}
}

// assignAdjust balances nexps values against nvars targets, extending a
// trailing call or padding with nil.
func (p *parser) assignAdjust(nvars, nexps int, e *expDesc) {
	fs := p.fs
	extra := nvars - nexps
	if e.k == expCall {
		extra++
		if extra < 0 {
			extra = 0
		}
		fs.code[e.info] = fs.code[e.info].SetB(uint32(extra + 1))
		if extra > 1 {
			fs.reserveRegs(extra - 1)
		}
	} else {
		if e.k != expVoid {
			fs.toNextReg(e)
		}
		if extra > 0 {
			reg := fs.freereg
			fs.reserveRegs(extra)
			fs.emitNil(reg, extra)
		}
	}
	if nexps > nvars {
		fs.freereg -= nexps - nvars
	}
}

func (p *parser) assignment(lh *lhsList, nvars int) {
	fs := p.fs
	if !lh.v.isVar() {
		p.errSyntax(msgAssignable)
	}
	var e expDesc
	if p.accept(TokenComma) {
		vl := &lhsList{prev: lh}
		p.primary(&vl.v)
		if vl.v.k == expLocal {
			p.assignHazard(lh, &vl.v)
		}
		fs.checkLimit(p.level+nvars, MaxSyntaxLevel, "variable names")
		p.assignment(vl, nvars+1)
	} else {
		p.expect(TokenAssign)
		nexps := p.exprList(&e)
		if nexps == nvars {
			if e.k == expCall {
				if fs.code[e.info].Op() == bytecode.OpVARG {
					fs.freereg--
					e.k = expRelocable
				} else {
					e.info = e.aux
					e.k = expNonReloc
				}
			}
			fs.store(&lh.v, &e)
			return
		}
		p.assignAdjust(nvars, nexps, &e)
	}
	// Assign the values from the top of the stack down.
	e = newExp(expNonReloc, fs.freereg-1)
	fs.store(&lh.v, &e)
}

// singleValue parses the one expression allowed after a compound operator.
func (p *parser) singleValue(e *expDesc) {
	p.expr(e)
	if p.tok.Type == TokenComma {
		p.errSyntax(msgCompound)
	}
}

var compoundOps = map[TokenType]binOpr{
	TokenCAdd:    oprAdd,
	TokenCSub:    oprSub,
	TokenCMul:    oprMul,
	TokenCDiv:    oprDiv,
	TokenCMod:    oprMod,
	TokenCConcat: oprConcat,
}

// callAssign parses a call statement, an assignment or one of the update
// statements x op= v, x ?= v and x++.
func (p *parser) callAssign() {
	fs := p.fs
	var v expDesc
	p.primary(&v)
	if v.k == expCall {
		fs.code[v.info] = fs.code[v.info].SetB(1)
		return
	}
	if v.safeCall {
		fs.code[v.aux] = fs.code[v.aux].SetB(1)
		return
	}
	if op, ok := compoundOps[p.tok.Type]; ok {
		if !v.isVar() {
			p.errSyntax(msgAssignable)
		}
		p.next()
		cur := fs.readCopy(&v)
		fs.binopLeft(op, &cur)
		var rhs expDesc
		p.singleValue(&rhs)
		fs.binop(op, &cur, &rhs)
		fs.store(&v, &cur)
		return
	}
	switch p.tok.Type {
	case TokenPlusPlus:
		if !v.isVar() {
			p.errSyntax(msgAssignable)
		}
		p.next()
		cur := fs.readCopy(&v)
		fs.binopLeft(oprAdd, &cur)
		one := numExp(1)
		fs.binop(oprAdd, &cur, &one)
		fs.store(&v, &cur)
	case TokenCIfEmpty:
		if !v.isVar() {
			p.errSyntax(msgAssignable)
		}
		p.next()
		cur := fs.readCopy(&v)
		reg := fs.toAnyReg(&cur)
		checks := fs.emptyChecks(reg)
		skip := fs.emitJmp()
		fs.jmpToHere(checks)
		fs.freeExp(&cur)
		var rhs expDesc
		p.singleValue(&rhs)
		fs.store(&v, &rhs)
		fs.jmpToHere(skip)
	default:
		p.assignment(&lhsList{v: v}, 1)
	}
}
