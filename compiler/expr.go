package compiler

import (
	"math"
	"math/bits"

	"github.com/chazu/fluid/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Variables, fields and indexes
// ---------------------------------------------------------------------------

func (p *parser) singleVar(e *expDesc) {
	lookupVar(p.fs, p.name(), e, true)
}

// index turns t into an indexed expression with key e. Small integer and
// string keys are encoded in the instruction.
func (fs *funcState) index(t, e *expDesc) {
	t.k = expIndexed
	switch e.k {
	case expNum:
		if n := e.num; n >= 0 && n <= bytecode.MaxC && n == math.Trunc(n) {
			t.key = keyByte
			t.aux = int(n)
			return
		}
	case expStr:
		if idx := fs.constStr(e.str); idx <= bytecode.MaxC {
			t.key = keyStr
			t.aux = idx
			return
		}
	}
	t.key = keyReg
	t.aux = fs.toAnyReg(e)
}

func (p *parser) field(v *expDesc) {
	fs := p.fs
	fs.toAnyReg(v)
	p.next()
	key := strExp(p.name())
	fs.index(v, &key)
}

func (p *parser) bracket(v *expDesc) {
	p.next()
	p.expr(v)
	p.fs.toVal(v)
	p.expect(TokenRBracket)
}

// ---------------------------------------------------------------------------
// Safe navigation
// ---------------------------------------------------------------------------

// safeBase copies the receiver of a safe access into a fresh register and
// returns it with the jump taken when the receiver is nil.
func (p *parser) safeBase(v *expDesc) (int, int) {
	fs := p.fs
	fs.toNextReg(v)
	reg := v.info
	return reg, fs.nilCheck(reg)
}

// safeLoad replaces the receiver in reg with reg[key].
func (fs *funcState) safeLoad(reg int, key *expDesc) {
	t := newExp(expNonReloc, reg)
	fs.index(&t, key)
	fs.emit(fs.indexedLoad(&t).SetA(uint32(reg)))
	fs.freereg = reg + 1
}

// safeField compiles obj?.name, which is nil when obj is nil.
func (p *parser) safeField(v *expDesc) {
	fs := p.fs
	p.next()
	key := strExp(p.name())
	reg, skip := p.safeBase(v)
	fs.safeLoad(reg, &key)
	fs.jmpToHere(skip)
	*v = newExp(expNonReloc, reg)
}

// safeIndex compiles obj?[key]. The key is not evaluated when obj is nil.
func (p *parser) safeIndex(v *expDesc) {
	fs := p.fs
	p.next()
	reg, skip := p.safeBase(v)
	var key expDesc
	p.bracket(&key)
	fs.safeLoad(reg, &key)
	fs.jmpToHere(skip)
	*v = newExp(expNonReloc, reg)
}

// safeMethod compiles obj?:name(args). The call is skipped when obj is
// nil and the result is truncated to one value.
func (p *parser) safeMethod(v *expDesc) {
	fs := p.fs
	p.next()
	key := strExp(p.name())
	reg, skip := p.safeBase(v)
	obj := newExp(expNonReloc, reg)
	fs.method(&obj, &key)
	p.args(&obj)
	pc := obj.info
	fs.jmpToHere(skip)
	*v = newExp(expNonReloc, reg)
	v.aux = pc
	v.safeCall = true
}

// safeIndexFollows reports whether '?' starts a safe index: it must be
// directly followed by '['.
func (p *parser) safeIndexFollows() bool {
	next := p.peek()
	return next.Type == TokenLBracket && next.Pos.Offset == p.tok.Pos.Offset+1
}

// startsExpr reports whether a token of type t can begin an expression.
func startsExpr(t TokenType) bool {
	switch t {
	case TokenNumber, TokenString, TokenNil, TokenTrue, TokenFalse, TokenDots,
		TokenFunction, TokenName, TokenLBrace, TokenLParen, TokenNot,
		TokenMinus, TokenTilde, TokenHash:
		return true
	}
	return false
}

// presenceFollows decides whether the current '??' is the postfix presence
// operator rather than the binary if-empty operator.
func (p *parser) presenceFollows() bool {
	next := p.peek()
	if next.Pos.Line > p.tok.EndLine {
		return true
	}
	return !startsExpr(next.Type)
}

// ---------------------------------------------------------------------------
// Table constructors
// ---------------------------------------------------------------------------

// tableTemplate collects the constant part of a table constructor. It is
// emitted as a TDUP constant.
type tableTemplate struct {
	t       *bytecode.Table
	entries []bytecode.TabEntry
	pos     map[bytecode.TabValue]int
}

func newTableTemplate() *tableTemplate {
	return &tableTemplate{t: &bytecode.Table{}, pos: make(map[bytecode.TabValue]int)}
}

func tabValue(e *expDesc) bytecode.TabValue {
	switch e.k {
	case expFalse:
		return bytecode.Bool(false)
	case expTrue:
		return bytecode.Bool(true)
	case expStr:
		return bytecode.Str(e.str)
	case expNum:
		return bytecode.Num(e.num)
	}
	return bytecode.TabValue{}
}

// set records key = val. A nil value reserves the key for a store emitted
// at run time.
func (tt *tableTemplate) set(key, val bytecode.TabValue) {
	if i, ok := tt.pos[key]; ok {
		tt.entries[i].Value = val
		return
	}
	tt.pos[key] = len(tt.entries)
	tt.entries = append(tt.entries, bytecode.TabEntry{Key: key, Value: val})
}

// finish splits the entries into the array part, holding integer keys
// below asize, and the hash part. Nil values are dropped.
func (tt *tableTemplate) finish(asize int) {
	var arr []bytecode.TabValue
	for _, ent := range tt.entries {
		if ent.Value.Kind == bytecode.TabNil {
			continue
		}
		if k := ent.Key.Num; ent.Key.Kind == bytecode.TabNum && k >= 0 && k < float64(asize) && k == math.Trunc(k) {
			i := int(k)
			for len(arr) <= i {
				arr = append(arr, bytecode.TabValue{})
			}
			arr[i] = ent.Value
			continue
		}
		tt.t.Hash = append(tt.t.Hash, ent)
	}
	tt.t.Array = arr
}

// hashBits returns the log2 hash size hint of TNEW for n entries.
func hashBits(n int) int {
	switch n {
	case 0:
		return 0
	case 1:
		return 1
	}
	return bits.Len(uint(n - 1))
}

// multresBias is 2^52. Adding a count to it stores the count in the low
// mantissa bits of the TSETM operand.
const multresBias = 0x43300000 << 32

func (p *parser) table(e *expDesc) {
	fs := p.fs
	line := p.tok.Pos.Line
	var tpl *tableTemplate
	vcall, needarr := false, false
	narr, nhash := 1, 0
	freg := fs.freereg
	pc := fs.emit(insAD(bytecode.OpTNEW, freg, 0))
	*e = newExp(expNonReloc, freg)
	fs.reserveRegs(1)
	freg++
	p.expect(TokenLBrace)
	for p.tok.Type != TokenRBrace {
		var key, val expDesc
		vcall = false
		switch {
		case p.tok.Type == TokenLBracket:
			p.bracket(&key)
			if !key.isConst() {
				fs.index(e, &key)
			}
			if key.numIsZero() {
				needarr = true
			} else {
				nhash++
			}
			p.expect(TokenAssign)
		case p.tok.Type == TokenName && p.peek().Type == TokenAssign:
			key = strExp(p.name())
			p.expect(TokenAssign)
			nhash++
		default:
			key = numExp(float64(narr))
			narr++
			needarr, vcall = true, true
		}
		p.expr(&val)

		stored := false
		if key.isConst() && key.k != expNil && (key.k == expStr || val.isConstNoJump()) {
			if tpl == nil {
				tpl = newTableTemplate()
				kidx := fs.constGC(tpl.t)
				fs.code[pc] = insAD(bytecode.OpTDUP, freg-1, kidx)
			}
			vcall = false
			if val.isConstNoJump() {
				tpl.set(tabValue(&key), tabValue(&val))
				stored = true
			} else {
				tpl.set(tabValue(&key), bytecode.TabValue{})
			}
		}
		if !stored {
			if val.k != expCall {
				fs.toAnyReg(&val)
				vcall = false
			}
			if key.isConst() {
				fs.index(e, &key)
			}
			fs.store(e, &val)
		}
		fs.freereg = freg
		if !p.accept(TokenComma) && !p.accept(TokenSemicolon) {
			break
		}
	}
	p.match(TokenRBrace, TokenLBrace, line)

	if vcall {
		// The last positional value is a call or '...': store all results.
		ip := fs.pc() - 1
		want := bytecode.OpTSETB
		if narr > 256 {
			want = bytecode.OpTSETV
		}
		fs.assert(int(fs.code[ip].A()) == freg && fs.code[ip].Op() == want, "bad multiple result store")
		if narr > 256 {
			fs.truncate(ip)
			ip--
		}
		kn := fs.constNum(math.Float64frombits(multresBias | uint64(narr-1)))
		fs.code[ip] = insAD(bytecode.OpTSETM, freg, kn)
		fs.code[ip-1] = fs.code[ip-1].SetB(0)
	}

	if pc == fs.pc()-1 {
		*e = newExp(expRelocable, pc)
		fs.freereg--
	} else {
		*e = newExp(expNonReloc, freg-1)
	}

	if tpl == nil {
		n := narr
		switch {
		case !needarr:
			n = 0
		case n < 3:
			n = 3
		case n > 0x7ff:
			n = 0x7ff
		}
		fs.code[pc] = fs.code[pc].SetD(uint32(n | hashBits(nhash)<<11))
	} else {
		asize := 0
		if needarr {
			asize = narr
		}
		tpl.finish(asize)
	}
}

// ---------------------------------------------------------------------------
// Functions and calls
// ---------------------------------------------------------------------------

func (p *parser) params(needself bool) int {
	fs := p.fs
	n := 0
	p.expect(TokenLParen)
	if needself {
		fs.varNew(n, "self")
		n++
	}
	if p.tok.Type != TokenRParen {
		for {
			if p.tok.Type == TokenName {
				fs.varNew(n, p.name())
				n++
			} else if p.tok.Type == TokenDots {
				p.next()
				fs.flags |= bytecode.ProtoVararg
				break
			} else {
				p.errSyntax("<name> or '...' expected")
			}
			if !p.accept(TokenComma) {
				break
			}
		}
	}
	fs.varAdd(n)
	fs.assert(fs.nactvar == n, "parameters not in the lowest registers")
	fs.reserveRegs(n)
	p.expect(TokenRParen)
	return n
}

// body compiles a function body into a child prototype and leaves the
// FNEW in e. With optParams the parameter list may be omitted.
func (p *parser) body(e *expDesc, needself bool, line int, optParams bool, opener TokenType) {
	pfs := p.fs
	fs := newFuncState(p, line)
	var bl funcScope
	fs.scopeBegin(&bl, 0)
	if !optParams || p.tok.Type == TokenLParen {
		fs.numparams = p.params(needself)
	}
	fs.emit(insAD(bytecode.OpFUNCF, 0, 0))
	p.chunk()
	if p.tok.Type != TokenEnd {
		p.match(TokenEnd, opener, line)
	}
	p.lastLine = p.tok.Pos.Line
	pt := p.finish(p.lastLine)
	*e = newExp(expRelocable, pfs.emit(insAD(bytecode.OpFNEW, 0, pfs.constGC(pt))))
	pfs.flags |= fs.flags & bytecode.ProtoFFI
	if pfs.flags&bytecode.ProtoChild == 0 {
		if pfs.flags&bytecode.ProtoHasReturn != 0 {
			pfs.flags |= bytecode.ProtoFixupReturn
		}
		pfs.flags |= bytecode.ProtoChild
	}
	p.next()
}

// exprList parses a comma separated list and leaves the last expression
// open so a trailing call can return multiple results.
func (p *parser) exprList(v *expDesc) int {
	n := 1
	p.expr(v)
	for p.accept(TokenComma) {
		p.fs.toNextReg(v)
		p.expr(v)
		n++
	}
	return n
}

func (p *parser) args(e *expDesc) {
	fs := p.fs
	line := p.tok.Pos.Line
	var args expDesc
	switch p.tok.Type {
	case TokenLParen:
		if line != p.lastLine {
			p.errSyntax(msgAmbiguous)
		}
		p.next()
		if p.tok.Type == TokenRParen {
			args = newExp(expVoid, 0)
		} else {
			p.exprList(&args)
			if args.k == expCall {
				fs.code[args.info] = fs.code[args.info].SetB(0)
			}
		}
		p.match(TokenRParen, TokenLParen, line)
	case TokenLBrace:
		p.table(&args)
	case TokenString:
		args = strExp(p.tok.Str)
		p.next()
	default:
		p.errSyntax("function arguments expected")
	}
	fs.assert(e.k == expNonReloc, "call base not in a register")
	base := e.info
	var ins bytecode.Ins
	if args.k == expCall {
		ins = insABC(bytecode.OpCALLM, base, 2, args.aux-base-1-bytecode.FR2)
	} else {
		if args.k != expVoid {
			fs.toNextReg(&args)
		}
		ins = insABC(bytecode.OpCALL, base, 2, fs.freereg-base-bytecode.FR2)
	}
	pc := fs.emit(ins)
	fs.lines[pc] = line
	*e = newExp(expCall, pc)
	e.aux = base
	fs.freereg = base + 1
}

// ---------------------------------------------------------------------------
// Primary and simple expressions
// ---------------------------------------------------------------------------

func (p *parser) primary(v *expDesc) {
	fs := p.fs
	switch p.tok.Type {
	case TokenLParen:
		line := p.tok.Pos.Line
		p.next()
		p.expr(v)
		p.match(TokenRParen, TokenLParen, line)
		fs.discharge(v)
	case TokenName:
		p.singleVar(v)
	default:
		p.errSyntax("unexpected symbol")
	}
	for {
		switch p.tok.Type {
		case TokenDot:
			p.field(v)
		case TokenLBracket:
			fs.toAnyReg(v)
			var key expDesc
			p.bracket(&key)
			fs.index(v, &key)
		case TokenColon:
			p.next()
			key := strExp(p.name())
			fs.method(v, &key)
			p.args(v)
		case TokenSafeField:
			p.safeField(v)
		case TokenSafeMethod:
			p.safeMethod(v)
		case TokenQuestion:
			if !p.safeIndexFollows() {
				return
			}
			p.safeIndex(v)
		case TokenPresence:
			if !p.presenceFollows() {
				return
			}
			p.next()
			fs.presence(v)
		case TokenLParen, TokenString, TokenLBrace:
			fs.toNextReg(v)
			fs.reserveRegs(bytecode.FR2)
			p.args(v)
		default:
			return
		}
	}
}

func (p *parser) simple(v *expDesc) {
	fs := p.fs
	switch p.tok.Type {
	case TokenNumber:
		if p.tok.Num.IsCData() {
			*v = newExp(expCData, 0)
			v.cd = p.tok.Num.CData()
		} else {
			*v = numExp(p.tok.Num.Float)
		}
	case TokenString:
		*v = strExp(p.tok.Str)
	case TokenNil:
		*v = newExp(expNil, 0)
	case TokenTrue:
		*v = newExp(expTrue, 0)
	case TokenFalse:
		*v = newExp(expFalse, 0)
	case TokenDots:
		if fs.flags&bytecode.ProtoVararg == 0 {
			p.errSyntax(msgDots)
		}
		fs.reserveRegs(1)
		base := fs.freereg - 1
		*v = newExp(expCall, fs.emit(insABC(bytecode.OpVARG, base, 2, fs.numparams)))
		v.aux = base
	case TokenLBrace:
		p.table(v)
		return
	case TokenFunction:
		p.next()
		p.body(v, false, p.tok.Pos.Line, false, TokenFunction)
		return
	default:
		p.primary(v)
		return
	}
	p.next()
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

func (p *parser) unary(v *expDesc) {
	var op bytecode.Op
	switch p.tok.Type {
	case TokenNot:
		op = bytecode.OpNOT
	case TokenMinus:
		op = bytecode.OpUNM
	case TokenHash:
		op = bytecode.OpLEN
	case TokenTilde:
		p.next()
		p.binary(v, unaryPriority)
		p.fs.bitNot(v)
		return
	default:
		p.simple(v)
		if p.tok.Type == TokenPresence && p.presenceFollows() {
			p.next()
			p.fs.presence(v)
		}
		return
	}
	p.next()
	p.binary(v, unaryPriority)
	p.fs.unop(op, v)
}

// binary parses operators binding tighter than limit and returns the first
// operator it did not consume.
func (p *parser) binary(v *expDesc, limit uint8) binOpr {
	fs := p.fs
	p.synlevelBegin()
	p.unary(v)
	op := tokenToBinOpr(p.tok.Type)
	for op != oprNone {
		lpri := priority[op].left
		// The right operand of a bitwise operator stops at the next one
		// of its family so the chain is folded left to right.
		if limit == priority[op].right && op.isBitwise() {
			lpri = 0
		}
		if lpri <= limit {
			break
		}
		p.next()
		if op == oprTernary {
			op = p.ternary(v)
			continue
		}
		fs.binopLeft(op, v)
		if op.isBitwise() {
			op = p.bitChain(v, op)
			continue
		}
		var v2 expDesc
		nextop := p.binary(&v2, priority[op].right)
		fs.binop(op, v, &v2)
		op = nextop
	}
	p.synlevelEnd()
	return op
}

// bitChain folds a run of bitwise operators of equal precedence from the
// left, each result becoming the next left operand.
func (p *parser) bitChain(lhs *expDesc, op binOpr) binOpr {
	fs := p.fs
	var rhs expDesc
	nextop := p.binary(&rhs, priority[op].right)
	fs.binop(op, lhs, &rhs)
	for nextop.isBitwise() && priority[nextop].left == priority[op].left {
		follow := nextop
		p.next()
		fs.binopLeft(follow, lhs)
		nextop = p.binary(&rhs, priority[follow].right)
		fs.binop(follow, lhs, &rhs)
	}
	return nextop
}

// ternary compiles cond ? a :> b with the condition in v. The condition
// selects the first branch unless it is empty. Both branches extend as
// far right as possible.
func (p *parser) ternary(v *expDesc) binOpr {
	fs := p.fs
	falseList := bytecode.NoJump
	fs.discharge(v)
	switch {
	case v.isConstNoJump():
		if v.isFalsey() {
			falseList = fs.emitJmp()
		}
	case v.k == expCData && !v.hasJump():
	default:
		falseList = fs.emptyChecks(fs.toAnyReg(v))
	}
	fs.freeExp(v)
	dest := fs.freereg
	fs.reserveRegs(1)

	var e expDesc
	p.binary(&e, 0)
	fs.freeExp(&e)
	fs.toReg(&e, dest)
	fs.freereg = dest + 1
	skip := fs.emitJmp()
	p.expect(TokenTernarySep)

	fs.jmpToHere(falseList)
	p.binary(&e, 0)
	fs.freeExp(&e)
	fs.toReg(&e, dest)
	fs.freereg = dest + 1
	fs.jmpToHere(skip)

	*v = newExp(expNonReloc, dest)
	return tokenToBinOpr(p.tok.Type)
}

func (p *parser) expr(v *expDesc) {
	p.binary(v, 0)
}

// exprNext parses an expression into the next free register.
func (p *parser) exprNext() {
	var e expDesc
	p.expr(&e)
	p.fs.toNextReg(&e)
}

// exprCond parses a condition and returns its false jump list.
func (p *parser) exprCond() int {
	var v expDesc
	p.expr(&v)
	if v.k == expNil {
		v.k = expFalse
	}
	p.fs.branchTrue(&v)
	return v.f
}
