package compiler

import (
	"fmt"
	"math"

	"github.com/chazu/fluid/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Compiler limits
// ---------------------------------------------------------------------------

const (
	MaxSlots       = 250     // registers per function
	MaxLocVar      = 200     // active locals per function
	MaxUpval       = 60      // upvalues per function
	MaxSyntaxLevel = 200     // nested expression and statement depth
	MaxKConst      = 0xffff  // highest index in each constant pool
	MaxBCIns       = 1 << 26 // instructions per function
	MaxVStack      = 65536 - MaxUpval

	// MaxJumpDistance is the largest forward or backward branch offset.
	MaxJumpDistance = bytecode.BiasJ - 1
)

// ---------------------------------------------------------------------------
// Expression descriptors
// ---------------------------------------------------------------------------

type expKind uint8

const (
	// Constant kinds come first, in this order.
	expNil expKind = iota
	expFalse
	expTrue
	expStr
	expNum
	expCData // not treated as a constant expression

	expLocal     // info = register, aux = variable stack index
	expUpval     // info = upvalue index, aux = variable stack index
	expGlobal    // str = name
	expIndexed   // info = table register, key/aux = index
	expJmp       // info = instruction pc
	expRelocable // info = instruction pc
	expNonReloc  // info = result register
	expCall      // info = instruction pc, aux = base register
	expVoid
)

const expLastConst = expNum

// keyKind selects how an indexed expression addresses its key.
type keyKind uint8

const (
	keyReg  keyKind = iota // aux = key register
	keyStr                 // aux = string constant index <= 255
	keyByte                // aux = integer key 0..255
)

// expDesc describes a (partially) compiled expression.
type expDesc struct {
	k    expKind
	info int
	aux  int
	key  keyKind
	str  string
	num  float64
	cd   bytecode.CData
	t, f int // true and false jump lists

	// safeCall marks the register result of obj?:m(...); aux holds the
	// pc of its CALL.
	safeCall bool
}

func newExp(k expKind, info int) expDesc {
	return expDesc{k: k, info: info, t: bytecode.NoJump, f: bytecode.NoJump}
}

func strExp(s string) expDesc {
	e := newExp(expStr, 0)
	e.str = s
	return e
}

func numExp(n float64) expDesc {
	e := newExp(expNum, 0)
	e.num = n
	return e
}

func (e *expDesc) hasJump() bool       { return e.t != e.f }
func (e *expDesc) isConst() bool       { return e.k <= expLastConst }
func (e *expDesc) isConstNoJump() bool { return e.isConst() && !e.hasJump() }
func (e *expDesc) isNumNoJump() bool   { return e.k == expNum && !e.hasJump() }
func (e *expDesc) isVar() bool         { return e.k >= expLocal && e.k <= expIndexed }

func (e *expDesc) numIsZero() bool {
	return e.k == expNum && e.num == 0
}

// isFalsey reports whether e is a constant that counts as empty: nil,
// false, 0 or "".
func (e *expDesc) isFalsey() bool {
	switch e.k {
	case expNil, expFalse:
		return true
	case expNum:
		return e.num == 0
	case expStr:
		return e.str == ""
	}
	return false
}

// priValue returns the KPRI operand of a nil, false or true constant.
func (e *expDesc) priValue() int {
	return int(e.k)
}

// ---------------------------------------------------------------------------
// Variable stack and scopes
// ---------------------------------------------------------------------------

// Variable stack entry flags.
const (
	varRW       uint8 = 1 << iota // written after declaration
	varGoto                       // pending goto
	varLabel                      // label
	varDefer                      // slot holds a deferred closure
	varDeferArg                   // slot holds a deferred call argument
)

// Pseudo names for pending break and continue jumps. Neither can be an
// identifier. Locals named _ are never resolved.
const (
	nameBreak    = "(break)"
	nameContinue = "(continue)"
	nameBlank    = "_"
)

// varInfo is one variable stack entry: a local, a goto or a label.
type varInfo struct {
	name    string // empty once a goto or label has been resolved
	special bytecode.VarName
	startpc int
	endpc   int
	slot    int
	info    uint8
}

func (v *varInfo) isGoto() bool      { return v.info&varGoto != 0 }
func (v *varInfo) isLabel() bool     { return v.info&varLabel != 0 }
func (v *varInfo) isGotoLabel() bool { return v.info&(varGoto|varLabel) != 0 }

// Scope flags.
const (
	scopeLoop     uint8 = 1 << iota // breakable loop
	scopeBreak                      // break used in scope
	scopeGola                       // goto or label used in scope
	scopeUpval                      // a local of the scope is captured
	scopeNoClose                    // do not close upvalues on exit
	scopeContinue                   // continue used in scope
	scopeRepeat                     // loop scope of repeat ... until
)

type funcScope struct {
	prev    *funcScope
	vstart  int // start of block-local entries in the variable stack
	nactvar int // active locals outside the scope
	flags   uint8
}

// ---------------------------------------------------------------------------
// Per-function state
// ---------------------------------------------------------------------------

type funcState struct {
	p    *parser
	prev *funcState
	bl   *funcScope

	code    []bytecode.Ins
	lines   []int
	jmpNext []int // next pending jump of the same list, per instruction

	lasttarget int // pc of the last jump target
	jpc        int // pending jumps to the next instruction
	freereg    int
	nactvar    int
	framesize  int

	flags       uint8
	numparams   int
	linedefined int
	vbase       int // first variable stack entry of this function

	kgc  []bytecode.Constant
	kstr map[string]int
	kn   []float64
	knum map[uint64]int

	varmap [MaxLocVar]int // register -> variable stack index
	uvmap  []int          // upvalue -> variable stack index
	uvtmp  []int          // upvalue -> descriptor before fixup
}

func newFuncState(p *parser, linedefined int) *funcState {
	fs := &funcState{
		p:           p,
		prev:        p.fs,
		lasttarget:  0,
		jpc:         bytecode.NoJump,
		framesize:   1,
		linedefined: linedefined,
		vbase:       len(p.vstack),
		kstr:        make(map[string]int),
		knum:        make(map[uint64]int),
	}
	p.fs = fs
	return fs
}

func (fs *funcState) pc() int { return len(fs.code) }

// limitError reports that the function exceeds a per-function limit.
func (fs *funcState) limitError(limit int, what string) {
	var msg string
	if fs.linedefined == 0 {
		msg = fmt.Sprintf("main function has more than %d %s", limit, what)
	} else {
		msg = fmt.Sprintf("function at line %d has more than %d %s", fs.linedefined, limit, what)
	}
	fs.p.raise(SemanticLimitError, msg, "")
}

func (fs *funcState) checkLimit(v, limit int, what string) {
	if v >= limit {
		fs.limitError(limit, what)
	}
}

// ---------------------------------------------------------------------------
// Constant pools
// ---------------------------------------------------------------------------

// constNum returns the numeric constant index of n, adding it if needed.
func (fs *funcState) constNum(n float64) int {
	bits := math.Float64bits(n)
	if idx, ok := fs.knum[bits]; ok {
		return idx
	}
	idx := len(fs.kn)
	if idx > MaxKConst {
		fs.limitError(MaxKConst+1, "constants")
	}
	fs.kn = append(fs.kn, n)
	fs.knum[bits] = idx
	return idx
}

// constStr returns the object constant index of s, adding it if needed.
func (fs *funcState) constStr(s string) int {
	if idx, ok := fs.kstr[s]; ok {
		return idx
	}
	idx := fs.constGC(bytecode.String(s))
	fs.kstr[s] = idx
	return idx
}

// constGC appends an object constant. Tables, cdata and prototypes are
// never shared.
func (fs *funcState) constGC(k bytecode.Constant) int {
	idx := len(fs.kgc)
	if idx > MaxKConst {
		fs.limitError(MaxKConst+1, "constants")
	}
	fs.kgc = append(fs.kgc, k)
	return idx
}
