package bytecode

import "fmt"

// Op is a bytecode opcode. The numbering follows the LuaJIT 2.1 ordering so
// that dumps stay interchangeable with that instruction set.
type Op byte

const (
	// ========================================================================
	// Comparison ops (order matters: the compiler flips conditions by xor 1)
	// ========================================================================

	OpISLT Op = iota
	OpISGE
	OpISLE
	OpISGT
	OpISEQV
	OpISNEV
	OpISEQS
	OpISNES
	OpISEQN
	OpISNEN
	OpISEQP
	OpISNEP

	// ========================================================================
	// Unary test and copy ops
	// ========================================================================

	OpISTC
	OpISFC
	OpIST
	OpISF
	OpISTYPE
	OpISNUM

	// ========================================================================
	// Unary ops
	// ========================================================================

	OpMOV
	OpNOT
	OpUNM
	OpLEN

	// ========================================================================
	// Binary ops (VN, NV and VV blocks keep the arithmetic order)
	// ========================================================================

	OpADDVN
	OpSUBVN
	OpMULVN
	OpDIVVN
	OpMODVN
	OpADDNV
	OpSUBNV
	OpMULNV
	OpDIVNV
	OpMODNV
	OpADDVV
	OpSUBVV
	OpMULVV
	OpDIVVV
	OpMODVV
	OpPOW
	OpCAT

	// ========================================================================
	// Constant ops
	// ========================================================================

	OpKSTR
	OpKCDATA
	OpKSHORT
	OpKNUM
	OpKPRI
	OpKNIL

	// ========================================================================
	// Upvalue and function ops
	// ========================================================================

	OpUGET
	OpUSETV
	OpUSETS
	OpUSETN
	OpUSETP
	OpUCLO
	OpFNEW

	// ========================================================================
	// Table ops
	// ========================================================================

	OpTNEW
	OpTDUP
	OpGGET
	OpGSET
	OpTGETV
	OpTGETS
	OpTGETB
	OpTGETR
	OpTSETV
	OpTSETS
	OpTSETB
	OpTSETM
	OpTSETR

	// ========================================================================
	// Calls and vararg handling
	// ========================================================================

	OpCALLM
	OpCALL
	OpCALLMT
	OpCALLT
	OpITERC
	OpITERN
	OpVARG
	OpISNEXT

	// ========================================================================
	// Returns
	// ========================================================================

	OpRETM
	OpRET
	OpRET0
	OpRET1

	// ========================================================================
	// Loops and branches (I/J variants are runtime-only specializations)
	// ========================================================================

	OpFORI
	OpJFORI
	OpFORL
	OpIFORL
	OpJFORL
	OpITERL
	OpIITERL
	OpJITERL
	OpLOOP
	OpILOOP
	OpJLOOP
	OpJMP

	// ========================================================================
	// Function headers
	// ========================================================================

	OpFUNCF
	OpIFUNCF
	OpJFUNCF
	OpFUNCV
	OpIFUNCV
	OpJFUNCV
	OpFUNCC
	OpFUNCCW

	opCount
)

// Mode describes how an operand field is interpreted.
type Mode byte

const (
	ModeNone  Mode = iota
	ModeDst        // destination register
	ModeBase       // base register of a range
	ModeRBase      // base register, read only
	ModeVar        // source register
	ModeUV         // upvalue index
	ModeLit        // unsigned literal
	ModeLitS       // signed literal
	ModePri        // primitive: nil, false, true
	ModeNum        // numeric constant index
	ModeStr        // string constant index
	ModeTab        // template table constant index
	ModeFunc       // prototype constant index
	ModeCData      // cdata constant index
	ModeJump       // biased jump offset
)

// OpInfo provides metadata about each opcode for listing and validation.
type OpInfo struct {
	Name string
	A    Mode
	B    Mode // ModeNone means the instruction uses the AD format
	CD   Mode
}

var opInfoTable = [opCount]OpInfo{
	OpISLT:  {"ISLT", ModeVar, ModeNone, ModeVar},
	OpISGE:  {"ISGE", ModeVar, ModeNone, ModeVar},
	OpISLE:  {"ISLE", ModeVar, ModeNone, ModeVar},
	OpISGT:  {"ISGT", ModeVar, ModeNone, ModeVar},
	OpISEQV: {"ISEQV", ModeVar, ModeNone, ModeVar},
	OpISNEV: {"ISNEV", ModeVar, ModeNone, ModeVar},
	OpISEQS: {"ISEQS", ModeVar, ModeNone, ModeStr},
	OpISNES: {"ISNES", ModeVar, ModeNone, ModeStr},
	OpISEQN: {"ISEQN", ModeVar, ModeNone, ModeNum},
	OpISNEN: {"ISNEN", ModeVar, ModeNone, ModeNum},
	OpISEQP: {"ISEQP", ModeVar, ModeNone, ModePri},
	OpISNEP: {"ISNEP", ModeVar, ModeNone, ModePri},

	OpISTC:   {"ISTC", ModeDst, ModeNone, ModeVar},
	OpISFC:   {"ISFC", ModeDst, ModeNone, ModeVar},
	OpIST:    {"IST", ModeNone, ModeNone, ModeVar},
	OpISF:    {"ISF", ModeNone, ModeNone, ModeVar},
	OpISTYPE: {"ISTYPE", ModeVar, ModeNone, ModeLit},
	OpISNUM:  {"ISNUM", ModeVar, ModeNone, ModeLit},

	OpMOV: {"MOV", ModeDst, ModeNone, ModeVar},
	OpNOT: {"NOT", ModeDst, ModeNone, ModeVar},
	OpUNM: {"UNM", ModeDst, ModeNone, ModeVar},
	OpLEN: {"LEN", ModeDst, ModeNone, ModeVar},

	OpADDVN: {"ADDVN", ModeDst, ModeVar, ModeNum},
	OpSUBVN: {"SUBVN", ModeDst, ModeVar, ModeNum},
	OpMULVN: {"MULVN", ModeDst, ModeVar, ModeNum},
	OpDIVVN: {"DIVVN", ModeDst, ModeVar, ModeNum},
	OpMODVN: {"MODVN", ModeDst, ModeVar, ModeNum},
	OpADDNV: {"ADDNV", ModeDst, ModeVar, ModeNum},
	OpSUBNV: {"SUBNV", ModeDst, ModeVar, ModeNum},
	OpMULNV: {"MULNV", ModeDst, ModeVar, ModeNum},
	OpDIVNV: {"DIVNV", ModeDst, ModeVar, ModeNum},
	OpMODNV: {"MODNV", ModeDst, ModeVar, ModeNum},
	OpADDVV: {"ADDVV", ModeDst, ModeVar, ModeVar},
	OpSUBVV: {"SUBVV", ModeDst, ModeVar, ModeVar},
	OpMULVV: {"MULVV", ModeDst, ModeVar, ModeVar},
	OpDIVVV: {"DIVVV", ModeDst, ModeVar, ModeVar},
	OpMODVV: {"MODVV", ModeDst, ModeVar, ModeVar},
	OpPOW:   {"POW", ModeDst, ModeVar, ModeVar},
	OpCAT:   {"CAT", ModeDst, ModeRBase, ModeRBase},

	OpKSTR:   {"KSTR", ModeDst, ModeNone, ModeStr},
	OpKCDATA: {"KCDATA", ModeDst, ModeNone, ModeCData},
	OpKSHORT: {"KSHORT", ModeDst, ModeNone, ModeLitS},
	OpKNUM:   {"KNUM", ModeDst, ModeNone, ModeNum},
	OpKPRI:   {"KPRI", ModeDst, ModeNone, ModePri},
	OpKNIL:   {"KNIL", ModeBase, ModeNone, ModeBase},

	OpUGET:  {"UGET", ModeDst, ModeNone, ModeUV},
	OpUSETV: {"USETV", ModeUV, ModeNone, ModeVar},
	OpUSETS: {"USETS", ModeUV, ModeNone, ModeStr},
	OpUSETN: {"USETN", ModeUV, ModeNone, ModeNum},
	OpUSETP: {"USETP", ModeUV, ModeNone, ModePri},
	OpUCLO:  {"UCLO", ModeRBase, ModeNone, ModeJump},
	OpFNEW:  {"FNEW", ModeDst, ModeNone, ModeFunc},

	OpTNEW:  {"TNEW", ModeDst, ModeNone, ModeLit},
	OpTDUP:  {"TDUP", ModeDst, ModeNone, ModeTab},
	OpGGET:  {"GGET", ModeDst, ModeNone, ModeStr},
	OpGSET:  {"GSET", ModeVar, ModeNone, ModeStr},
	OpTGETV: {"TGETV", ModeDst, ModeVar, ModeVar},
	OpTGETS: {"TGETS", ModeDst, ModeVar, ModeStr},
	OpTGETB: {"TGETB", ModeDst, ModeVar, ModeLit},
	OpTGETR: {"TGETR", ModeDst, ModeVar, ModeVar},
	OpTSETV: {"TSETV", ModeVar, ModeVar, ModeVar},
	OpTSETS: {"TSETS", ModeVar, ModeVar, ModeStr},
	OpTSETB: {"TSETB", ModeVar, ModeVar, ModeLit},
	OpTSETM: {"TSETM", ModeBase, ModeNone, ModeNum},
	OpTSETR: {"TSETR", ModeVar, ModeVar, ModeVar},

	OpCALLM:  {"CALLM", ModeBase, ModeLit, ModeLit},
	OpCALL:   {"CALL", ModeBase, ModeLit, ModeLit},
	OpCALLMT: {"CALLMT", ModeBase, ModeNone, ModeLit},
	OpCALLT:  {"CALLT", ModeBase, ModeNone, ModeLit},
	OpITERC:  {"ITERC", ModeBase, ModeLit, ModeLit},
	OpITERN:  {"ITERN", ModeBase, ModeLit, ModeLit},
	OpVARG:   {"VARG", ModeBase, ModeLit, ModeLit},
	OpISNEXT: {"ISNEXT", ModeBase, ModeNone, ModeJump},

	OpRETM: {"RETM", ModeBase, ModeNone, ModeLit},
	OpRET:  {"RET", ModeRBase, ModeNone, ModeLit},
	OpRET0: {"RET0", ModeRBase, ModeNone, ModeLit},
	OpRET1: {"RET1", ModeRBase, ModeNone, ModeLit},

	OpFORI:   {"FORI", ModeBase, ModeNone, ModeJump},
	OpJFORI:  {"JFORI", ModeBase, ModeNone, ModeJump},
	OpFORL:   {"FORL", ModeBase, ModeNone, ModeJump},
	OpIFORL:  {"IFORL", ModeBase, ModeNone, ModeJump},
	OpJFORL:  {"JFORL", ModeBase, ModeNone, ModeLit},
	OpITERL:  {"ITERL", ModeBase, ModeNone, ModeJump},
	OpIITERL: {"IITERL", ModeBase, ModeNone, ModeJump},
	OpJITERL: {"JITERL", ModeBase, ModeNone, ModeLit},
	OpLOOP:   {"LOOP", ModeRBase, ModeNone, ModeJump},
	OpILOOP:  {"ILOOP", ModeRBase, ModeNone, ModeJump},
	OpJLOOP:  {"JLOOP", ModeRBase, ModeNone, ModeLit},
	OpJMP:    {"JMP", ModeRBase, ModeNone, ModeJump},

	OpFUNCF:  {"FUNCF", ModeRBase, ModeNone, ModeNone},
	OpIFUNCF: {"IFUNCF", ModeRBase, ModeNone, ModeNone},
	OpJFUNCF: {"JFUNCF", ModeRBase, ModeNone, ModeLit},
	OpFUNCV:  {"FUNCV", ModeRBase, ModeNone, ModeNone},
	OpIFUNCV: {"IFUNCV", ModeRBase, ModeNone, ModeNone},
	OpJFUNCV: {"JFUNCV", ModeRBase, ModeNone, ModeLit},
	OpFUNCC:  {"FUNCC", ModeRBase, ModeNone, ModeNone},
	OpFUNCCW: {"FUNCCW", ModeRBase, ModeNone, ModeNone},
}

// GetOpInfo returns metadata for an opcode.
// Returns an OpInfo named "UNKNOWN(..)" if the opcode is not recognized.
func GetOpInfo(op Op) OpInfo {
	if op < opCount {
		return opInfoTable[op]
	}
	return OpInfo{Name: fmt.Sprintf("UNKNOWN(0x%02X)", byte(op))}
}

// String returns the opcode mnemonic.
func (op Op) String() string {
	return GetOpInfo(op).Name
}

// Valid reports whether op is a defined opcode.
func (op Op) Valid() bool {
	return op < opCount
}

// HasB reports whether the instruction uses the ABC format.
func (op Op) HasB() bool {
	return GetOpInfo(op).B != ModeNone
}

// IsJump reports whether the D operand of op is a biased jump offset.
func (op Op) IsJump() bool {
	return GetOpInfo(op).CD == ModeJump
}

// OpCount returns the number of defined opcodes.
func OpCount() int {
	return int(opCount)
}

// ---------------------------------------------------------------------------
// Instruction encoding
// ---------------------------------------------------------------------------

// Ins is one 32-bit instruction word: OP in bits 0-7, A in 8-15, C in 16-23
// and B in 24-31. D overlays C and B as a 16-bit field.
type Ins uint32

// Operand limits.
const (
	MaxA = 0xff
	MaxB = 0xff
	MaxC = 0xff
	MaxD = 0xffff

	// BiasJ is added to signed jump offsets stored in D.
	BiasJ = 0x8000

	// NoJump marks the end of a pending jump list.
	NoJump = -1

	// NoReg is the sentinel register value.
	NoReg = MaxA
)

// ABC builds an instruction in the ABC format.
func ABC(op Op, a, b, c uint32) Ins {
	return Ins(uint32(op) | a<<8 | b<<24 | c<<16)
}

// AD builds an instruction in the AD format.
func AD(op Op, a, d uint32) Ins {
	return Ins(uint32(op) | a<<8 | d<<16)
}

// AJ builds a jump instruction from a signed offset, applying the bias.
func AJ(op Op, a uint32, offset int) Ins {
	return AD(op, a, uint32(offset+BiasJ))
}

// Op returns the opcode field.
func (i Ins) Op() Op { return Op(i & 0xff) }

// A returns the A operand.
func (i Ins) A() uint32 { return uint32(i>>8) & 0xff }

// B returns the B operand.
func (i Ins) B() uint32 { return uint32(i >> 24) }

// C returns the C operand.
func (i Ins) C() uint32 { return uint32(i>>16) & 0xff }

// D returns the 16-bit D operand.
func (i Ins) D() uint32 { return uint32(i >> 16) }

// J returns the unbiased jump offset stored in D.
func (i Ins) J() int { return int(i.D()) - BiasJ }

func (i Ins) SetOp(op Op) Ins   { return (i &^ 0xff) | Ins(op) }
func (i Ins) SetA(a uint32) Ins { return (i &^ 0xff00) | Ins(a<<8) }
func (i Ins) SetB(b uint32) Ins { return (i &^ 0xff000000) | Ins(b<<24) }
func (i Ins) SetC(c uint32) Ins { return (i &^ 0xff0000) | Ins(c<<16) }
func (i Ins) SetD(d uint32) Ins { return (i &^ 0xffff0000) | Ins(d<<16) }

// SetJ stores a signed jump offset in D.
func (i Ins) SetJ(offset int) Ins {
	return i.SetD(uint32(offset + BiasJ))
}

// Primitive operands used by KPRI, ISEQP and friends.
const (
	PriNil   = 0
	PriFalse = 1
	PriTrue  = 2
)
