package compiler

import (
	"math"

	"github.com/chazu/fluid/pkg/bytecode"
)

// binOpr is a binary operator. The arithmetic operators come first and
// follow the order of the ADDVV family; comparisons follow the ISLT family.
type binOpr uint8

const (
	oprAdd binOpr = iota
	oprSub
	oprMul
	oprDiv
	oprMod
	oprPow
	oprConcat
	oprNe
	oprEq
	oprLt
	oprGe
	oprLe
	oprGt
	oprAnd
	oprOr
	oprBand
	oprBor
	oprBxor
	oprShl
	oprShr
	oprIfEmpty
	oprTernary
	oprNone
)

// unaryPriority binds tighter than every binary operator except '^'.
const unaryPriority = 8

var priority = [oprNone]struct {
	left, right uint8
	bitName     string // bit library function for the bitwise family
}{
	oprAdd:     {6, 6, ""},
	oprSub:     {6, 6, ""},
	oprMul:     {7, 7, ""},
	oprDiv:     {7, 7, ""},
	oprMod:     {7, 7, ""},
	oprPow:     {10, 9, ""},
	oprConcat:  {5, 4, ""},
	oprNe:      {3, 3, ""},
	oprEq:      {3, 3, ""},
	oprLt:      {3, 3, ""},
	oprGe:      {3, 3, ""},
	oprLe:      {3, 3, ""},
	oprGt:      {3, 3, ""},
	oprAnd:     {2, 2, ""},
	oprOr:      {1, 1, ""},
	oprBand:    {5, 4, "band"},
	oprBor:     {3, 2, "bor"},
	oprBxor:    {4, 3, "bxor"},
	oprShl:     {7, 5, "lshift"},
	oprShr:     {7, 5, "rshift"},
	oprIfEmpty: {1, 1, ""},
	oprTernary: {1, 1, ""},
}

func (op binOpr) isBitwise() bool {
	return op >= oprBand && op <= oprShr
}

func tokenToBinOpr(t TokenType) binOpr {
	switch t {
	case TokenPlus:
		return oprAdd
	case TokenMinus:
		return oprSub
	case TokenStar:
		return oprMul
	case TokenSlash:
		return oprDiv
	case TokenPercent:
		return oprMod
	case TokenCaret:
		return oprPow
	case TokenConcat:
		return oprConcat
	case TokenNe:
		return oprNe
	case TokenEq, TokenIs:
		return oprEq
	case TokenLt:
		return oprLt
	case TokenLe:
		return oprLe
	case TokenGt:
		return oprGt
	case TokenGe:
		return oprGe
	case TokenAmp:
		return oprBand
	case TokenPipe:
		return oprBor
	case TokenTilde:
		return oprBxor
	case TokenShl:
		return oprShl
	case TokenShr:
		return oprShr
	case TokenAnd:
		return oprAnd
	case TokenOr:
		return oprOr
	case TokenPresence:
		return oprIfEmpty
	case TokenQuestion:
		return oprTernary
	}
	return oprNone
}

// ---------------------------------------------------------------------------
// Arithmetic and comparisons
// ---------------------------------------------------------------------------

// foldArith folds two numeric constants into e1. NaN and -0 results are
// never folded.
func foldArith(op binOpr, e1, e2 *expDesc) bool {
	if !e1.isNumNoJump() || !e2.isNumNoJump() {
		return false
	}
	a, b := e1.num, e2.num
	var n float64
	switch op {
	case oprAdd:
		n = a + b
	case oprSub:
		n = a - b
	case oprMul:
		n = a * b
	case oprDiv:
		n = a / b
	case oprMod:
		n = a - math.Floor(a/b)*b
	case oprPow:
		n = math.Pow(a, b)
	default:
		return false
	}
	if math.IsNaN(n) || (n == 0 && math.Signbit(n)) {
		return false
	}
	e1.num = n
	return true
}

func (fs *funcState) arith(op binOpr, e1, e2 *expDesc) {
	if foldArith(op, e1, e2) {
		return
	}
	var o bytecode.Op
	var rb, rc int
	if op == oprPow {
		o = bytecode.OpPOW
		rc = fs.toAnyReg(e2)
		rb = fs.toAnyReg(e1)
	} else {
		o = bytecode.OpADDVV + bytecode.Op(op-oprAdd)
		// The second operand goes first: an indexed operand may free registers.
		fs.toVal(e2)
		constRC := false
		if e2.k == expNum {
			if k := fs.constNum(e2.num); k <= bytecode.MaxC {
				rc, constRC = k, true
			}
		}
		if constRC {
			o -= bytecode.OpADDVV - bytecode.OpADDVN
		} else {
			rc = fs.toAnyReg(e2)
		}
		fs.assert(e1.k == expNum || e1.k == expNonReloc, "arithmetic operand not discharged")
		fs.toVal(e1)
		constRB := false
		if e1.k == expNum && e2.k != expNum {
			if k := fs.constNum(e1.num); k <= bytecode.MaxB {
				rb, rc, constRB = rc, k, true
				o -= bytecode.OpADDVV - bytecode.OpADDNV
			}
		}
		if !constRB {
			rb = fs.toAnyReg(e1)
		}
	}
	if e1.k == expNonReloc && e1.info >= fs.nactvar {
		fs.freereg--
	}
	if e2.k == expNonReloc && e2.info >= fs.nactvar {
		fs.freereg--
	}
	e1.info = fs.emit(insABC(o, 0, rb, rc))
	e1.k = expRelocable
}

func (fs *funcState) comp(op binOpr, e1, e2 *expDesc) {
	eret := e1
	var ins bytecode.Ins
	fs.toVal(e1)
	if op == oprEq || op == oprNe {
		o := bytecode.OpISEQV
		if op == oprNe {
			o = bytecode.OpISNEV
		}
		if e1.isConst() {
			e1, e2 = e2, e1
		}
		ra := fs.toAnyReg(e1)
		fs.toVal(e2)
		switch e2.k {
		case expNil, expFalse, expTrue:
			ins = insAD(o+(bytecode.OpISEQP-bytecode.OpISEQV), ra, e2.priValue())
		case expStr:
			ins = insAD(o+(bytecode.OpISEQS-bytecode.OpISEQV), ra, fs.constStr(e2.str))
		case expNum:
			ins = insAD(o+(bytecode.OpISEQN-bytecode.OpISEQV), ra, fs.constNum(e2.num))
		default:
			ins = insAD(o, ra, fs.toAnyReg(e2))
		}
	} else {
		o := bytecode.OpISLT + bytecode.Op(op-oprLt)
		var ra, rd int
		if (o-bytecode.OpISLT)&1 != 0 {
			// GT becomes LT and GE becomes LE with swapped operands.
			e1, e2 = e2, e1
			o = ((o - bytecode.OpISLT) ^ 3) + bytecode.OpISLT
			fs.toVal(e1)
			ra = fs.toAnyReg(e1)
			rd = fs.toAnyReg(e2)
		} else {
			rd = fs.toAnyReg(e2)
			ra = fs.toAnyReg(e1)
		}
		ins = insAD(o, ra, rd)
	}
	if e1.k == expNonReloc && e1.info >= fs.nactvar {
		fs.freereg--
	}
	if e2.k == expNonReloc && e2.info >= fs.nactvar {
		fs.freereg--
	}
	fs.emit(ins)
	eret.info = fs.emitJmp()
	eret.k = expJmp
}

// ---------------------------------------------------------------------------
// Binary and unary operators
// ---------------------------------------------------------------------------

// binopLeft prepares the left operand before the right one is parsed.
func (fs *funcState) binopLeft(op binOpr, e *expDesc) {
	switch op {
	case oprAnd:
		fs.branchTrue(e)
	case oprOr:
		fs.branchFalse(e)
	case oprConcat:
		fs.toNextReg(e)
	case oprEq, oprNe:
		if !e.isConstNoJump() {
			fs.toAnyReg(e)
		}
	case oprIfEmpty:
		fs.ifEmptyLeft(e)
	default:
		if !e.isNumNoJump() {
			fs.toAnyReg(e)
		}
	}
}

func (fs *funcState) binop(op binOpr, e1, e2 *expDesc) {
	switch {
	case op <= oprPow:
		fs.arith(op, e1, e2)
	case op == oprAnd:
		fs.assert(e1.t == bytecode.NoJump, "true list of 'and' not closed")
		fs.discharge(e2)
		fs.jmpAppend(&e2.f, e1.f)
		*e1 = *e2
	case op == oprOr:
		fs.assert(e1.f == bytecode.NoJump, "false list of 'or' not closed")
		fs.discharge(e2)
		fs.jmpAppend(&e2.t, e1.t)
		*e1 = *e2
	case op == oprConcat:
		fs.toVal(e2)
		if e2.k == expRelocable && fs.code[e2.info].Op() == bytecode.OpCAT {
			fs.assert(e1.info == int(fs.code[e2.info].B())-1, "concatenation operands not adjacent")
			fs.freeExp(e1)
			fs.code[e2.info] = fs.code[e2.info].SetB(uint32(e1.info))
			e1.info = e2.info
		} else {
			fs.toNextReg(e2)
			fs.freeExp(e2)
			fs.freeExp(e1)
			e1.info = fs.emit(insABC(bytecode.OpCAT, 0, e1.info, e2.info))
		}
		e1.k = expRelocable
	case op.isBitwise():
		fs.bitCall(priority[op].bitName, e1, e2)
	case op == oprIfEmpty:
		fs.ifEmpty(e1, e2)
	default:
		fs.comp(op, e1, e2)
	}
}

func (fs *funcState) unop(op bytecode.Op, e *expDesc) {
	if op == bytecode.OpNOT {
		e.t, e.f = e.f, e.t
		fs.jmpDropValue(e.f)
		fs.jmpDropValue(e.t)
		fs.discharge(e)
		switch {
		case e.k == expNil || e.k == expFalse:
			e.k = expTrue
			return
		case e.isConst() || e.k == expCData:
			e.k = expFalse
			return
		case e.k == expJmp:
			fs.invertCond(e)
			return
		case e.k == expRelocable:
			fs.reserveRegs(1)
			fs.code[e.info] = fs.code[e.info].SetA(uint32(fs.freereg - 1))
			e.info = fs.freereg - 1
			e.k = expNonReloc
		default:
			fs.assert(e.k == expNonReloc, "unexpected operand of 'not'")
		}
	} else {
		if op == bytecode.OpUNM && !e.hasJump() {
			if e.k == expCData {
				e.cd = negateCData(e.cd)
				return
			}
			if e.k == expNum && e.num != 0 {
				e.num = -e.num
				return
			}
		}
		fs.toAnyReg(e)
	}
	fs.freeExp(e)
	e.info = fs.emit(insAD(op, 0, e.info))
	e.k = expRelocable
}

func negateCData(cd bytecode.CData) bytecode.CData {
	if cd.Kind == bytecode.CDataComplex {
		cd.Hi ^= 1 << 63
	} else {
		cd.Lo = uint64(-int64(cd.Lo))
	}
	return cd
}

// ---------------------------------------------------------------------------
// Bitwise operators
// ---------------------------------------------------------------------------

// bitCall emits bit.<name>(lhs, rhs) and leaves the result in the lowest
// free register.
func (fs *funcState) bitCall(name string, lhs, rhs *expDesc) {
	fs.toVal(rhs)
	fs.freeExp(rhs)
	fs.freeExp(lhs)
	base := fs.freereg
	fs.reserveRegs(2 + bytecode.FR2 + 1)
	fs.toReg(lhs, base+1+bytecode.FR2)
	fs.toReg(rhs, base+2+bytecode.FR2)
	fs.emitBitFunc(base, name)
	fs.emit(insABC(bytecode.OpCALL, base, 2, fs.freereg-base-bytecode.FR2))
	fs.freereg = base + 1
	*lhs = newExp(expNonReloc, base)
}

// bitNot emits bit.bnot(e).
func (fs *funcState) bitNot(e *expDesc) {
	fs.toVal(e)
	fs.freeExp(e)
	base := fs.freereg
	fs.reserveRegs(1 + bytecode.FR2 + 1)
	fs.toReg(e, base+1+bytecode.FR2)
	fs.emitBitFunc(base, "bnot")
	fs.emit(insABC(bytecode.OpCALL, base, 2, fs.freereg-base-bytecode.FR2))
	fs.freereg = base + 1
	*e = newExp(expNonReloc, base)
}

// emitBitFunc loads bit.<name> into base. The frame link slot above base
// serves as scratch for a wide key.
func (fs *funcState) emitBitFunc(base int, name string) {
	fs.emit(insAD(bytecode.OpGGET, base, fs.constStr("bit")))
	idx := fs.constStr(name)
	if idx <= bytecode.MaxC {
		fs.emit(insABC(bytecode.OpTGETS, base, base, idx))
		return
	}
	fs.emit(insAD(bytecode.OpKSTR, base+1, idx))
	fs.emit(insABC(bytecode.OpTGETV, base, base, base+1))
}

// ---------------------------------------------------------------------------
// Extended falsey operators
// ---------------------------------------------------------------------------

// ifEmptyLeft places the left operand of a ?? b in a fresh register and
// jumps over the right operand unless it is empty. A constant empty left
// operand is left alone: the result is then the right operand.
func (fs *funcState) ifEmptyLeft(e *expDesc) {
	fs.discharge(e)
	if e.isConstNoJump() && e.isFalsey() {
		return
	}
	truthy := !e.hasJump() && (e.isConst() || e.k == expCData)
	fs.toNextReg(e)
	checks := bytecode.NoJump
	if !truthy {
		checks = fs.emptyChecks(e.info)
	}
	skip := fs.emitJmp()
	fs.jmpToHere(checks)
	e.aux = skip
}

func (fs *funcState) ifEmpty(e1, e2 *expDesc) {
	if e1.k != expNonReloc {
		fs.discharge(e2)
		*e1 = *e2
		return
	}
	reg, skip := e1.info, e1.aux
	fs.discharge(e2)
	fs.freeExp(e2)
	fs.toReg(e2, reg)
	fs.jmpToHere(skip)
	*e1 = newExp(expNonReloc, reg)
}

// presence evaluates x?? to true unless x is empty.
func (fs *funcState) presence(e *expDesc) {
	fs.discharge(e)
	if !e.hasJump() {
		switch {
		case e.isConst():
			k := expTrue
			if e.isFalsey() {
				k = expFalse
			}
			*e = newExp(k, 0)
			return
		case e.k == expCData:
			*e = newExp(expTrue, 0)
			return
		}
	}
	reg := fs.toAnyReg(e)
	checks := fs.emptyChecks(reg)
	fs.freeExp(e)
	dest := fs.freereg
	fs.reserveRegs(1)
	fs.emit(insAD(bytecode.OpKPRI, dest, bytecode.PriTrue))
	skip := fs.emitJmp()
	fs.jmpToHere(checks)
	fs.emit(insAD(bytecode.OpKPRI, dest, bytecode.PriFalse))
	fs.jmpToHere(skip)
	*e = newExp(expNonReloc, dest)
}
