package bytecode

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Prototype: the compiled form of one function
// ---------------------------------------------------------------------------

// Prototype flags.
const (
	ProtoChild        uint8 = 1 << 0 // has child prototypes
	ProtoVararg       uint8 = 1 << 1 // vararg function
	ProtoFFI          uint8 = 1 << 2 // uses cdata constants
	ProtoNoJIT        uint8 = 1 << 3
	ProtoILoop        uint8 = 1 << 4
	ProtoHasReturn    uint8 = 1 << 5 // compile time only
	ProtoFixupReturn  uint8 = 1 << 6 // compile time only
	ProtoCompileFlags       = ProtoHasReturn | ProtoFixupReturn
)

// Upvalue descriptor bits.
const (
	UVLocal     uint16 = 0x8000 // refers to a local slot of the parent
	UVImmutable uint16 = 0x4000 // captured variable is never written
)

// Proto is an immutable compiled function. Slices are owned by the Proto
// and must not be modified after construction.
type Proto struct {
	ChunkName string
	Flags     uint8
	NumParams uint8
	FrameSize uint8

	// Code holds every instruction; Code[0] is the FUNCF/FUNCV header.
	// KGC[d] and KN[d] are the constants addressed by a D operand of d.
	Code     []Ins
	Upvalues []uint16
	KGC      []Constant
	KN       []float64

	// Debug info. LineInfo is nil when stripped, otherwise it has one entry
	// per instruction after the header, relative to FirstLine.
	FirstLine uint32
	NumLine   uint32
	LineInfo  []uint32
	UVNames   []string
	Vars      []VarEntry
}

// IsVararg reports whether the function accepts varargs.
func (p *Proto) IsVararg() bool {
	return p.Flags&ProtoVararg != 0
}

// HasDebug reports whether the prototype carries line info.
func (p *Proto) HasDebug() bool {
	return p.LineInfo != nil
}

// Line returns the absolute source line of instruction pc, or 0 if the
// prototype has no debug info.
func (p *Proto) Line(pc int) uint32 {
	if pc <= 0 || p.LineInfo == nil || pc-1 >= len(p.LineInfo) {
		return p.FirstLine
	}
	return p.FirstLine + p.LineInfo[pc-1]
}

// Children returns the child prototypes in constant index order.
func (p *Proto) Children() []*Proto {
	var out []*Proto
	for _, k := range p.KGC {
		if child, ok := k.(*Proto); ok {
			out = append(out, child)
		}
	}
	return out
}

// Walk visits p and every descendant depth-first, children before parents.
func (p *Proto) Walk(fn func(*Proto)) {
	for _, child := range p.Children() {
		child.Walk(fn)
	}
	fn(p)
}

func (p *Proto) kgcTag() uint32 { return KGCChild }

// usesFFI reports whether p or any descendant holds cdata constants.
func (p *Proto) usesFFI() bool {
	if p.Flags&ProtoFFI != 0 {
		return true
	}
	for _, k := range p.KGC {
		switch k := k.(type) {
		case CData:
			return true
		case *Proto:
			if k.usesFFI() {
				return true
			}
		}
	}
	return false
}

// lineWidth is the byte width of one line info entry.
func (p *Proto) lineWidth() int {
	switch {
	case p.NumLine < 256:
		return 1
	case p.NumLine < 65536:
		return 2
	default:
		return 4
	}
}

// Layout constants of the packed runtime representation.
const (
	ProtoHeaderSize = 104
	insSize         = 4
	gcRefSize       = 8
	tvalueSize      = 8
)

// SizePT returns the size of the single packed block the runtime would
// allocate for this prototype: header, instructions, object constants,
// numeric constants aligned to 8, upvalue refs rounded to an even count,
// and the debug streams.
func (p *Proto) SizePT() int {
	size := ProtoHeaderSize + len(p.Code)*insSize + len(p.KGC)*gcRefSize
	size = (size + tvalueSize - 1) &^ (tvalueSize - 1)
	size += len(p.KN) * tvalueSize
	size += ((len(p.Upvalues) + 1) &^ 1) * 2
	size += len(encodeDebug(p, nil))
	return size
}

// ---------------------------------------------------------------------------
// Variable info
// ---------------------------------------------------------------------------

// VarName codes for hidden variables, stored in place of a name.
type VarName uint8

const (
	VarNameEnd VarName = iota
	VarNameForIdx
	VarNameForStop
	VarNameForStep
	VarNameForGen
	VarNameForState
	VarNameForCtl
	varNameMax
)

var varNameStrings = [varNameMax]string{
	"", "(for index)", "(for limit)", "(for step)",
	"(for generator)", "(for state)", "(for control)",
}

// VarEntry records the live range of one local variable.
type VarEntry struct {
	Special VarName // non-zero for hidden loop variables
	Name    string
	StartPC uint32
	EndPC   uint32
}

// DisplayName returns the variable name, or the description of a hidden
// loop variable.
func (v VarEntry) DisplayName() string {
	if v.Special != VarNameEnd && v.Special < varNameMax {
		return varNameStrings[v.Special]
	}
	return v.Name
}

// ---------------------------------------------------------------------------
// Object constants
// ---------------------------------------------------------------------------

// Object constant tags in the dump format.
const (
	KGCChild   uint32 = 0
	KGCTab     uint32 = 1
	KGCI64     uint32 = 2
	KGCU64     uint32 = 3
	KGCComplex uint32 = 4
	KGCStr     uint32 = 5
)

// Constant is an object constant: String, *Table, CData or *Proto.
type Constant interface {
	kgcTag() uint32
}

// String is a string constant.
type String string

func (String) kgcTag() uint32 { return KGCStr }

// CDataKind distinguishes foreign numeric constants.
type CDataKind uint8

const (
	CDataInt64 CDataKind = iota
	CDataUint64
	CDataComplex
)

// CData is a boxed foreign numeric constant. Integers keep their bits in
// Lo; complex values keep the real part in Lo and the imaginary part in Hi,
// both as IEEE-754 bits.
type CData struct {
	Kind CDataKind
	Lo   uint64
	Hi   uint64
}

func (c CData) kgcTag() uint32 {
	switch c.Kind {
	case CDataInt64:
		return KGCI64
	case CDataUint64:
		return KGCU64
	default:
		return KGCComplex
	}
}

// String formats the constant the way it appears in source.
func (c CData) String() string {
	switch c.Kind {
	case CDataInt64:
		return fmt.Sprintf("%dLL", int64(c.Lo))
	case CDataUint64:
		return fmt.Sprintf("%dULL", c.Lo)
	default:
		return fmt.Sprintf("%g%+gi", math.Float64frombits(c.Lo), math.Float64frombits(c.Hi))
	}
}

// Template table value tags in the dump format.
const (
	KTabNil   uint32 = 0
	KTabFalse uint32 = 1
	KTabTrue  uint32 = 2
	KTabInt   uint32 = 3
	KTabNum   uint32 = 4
	KTabStr   uint32 = 5
)

// TabKind is the type of a template table value.
type TabKind uint8

const (
	TabNil TabKind = iota
	TabFalse
	TabTrue
	TabNum
	TabStr
)

// TabValue is a constant key or value of a template table.
type TabValue struct {
	Kind TabKind
	Num  float64
	Str  string
}

// TabEntry is one hash part entry of a template table.
type TabEntry struct {
	Key   TabValue
	Value TabValue
}

// Table is a template table used by TDUP. Array[i] holds the value of
// integer key i, so Array[0] is usually nil.
type Table struct {
	Array []TabValue
	Hash  []TabEntry
}

func (*Table) kgcTag() uint32 { return KGCTab }

// Num returns a numeric template value.
func Num(n float64) TabValue { return TabValue{Kind: TabNum, Num: n} }

// Str returns a string template value.
func Str(s string) TabValue { return TabValue{Kind: TabStr, Str: s} }

// Bool returns a boolean template value.
func Bool(b bool) TabValue {
	if b {
		return TabValue{Kind: TabTrue}
	}
	return TabValue{Kind: TabFalse}
}

// String formats the value for listings.
func (v TabValue) String() string {
	switch v.Kind {
	case TabNil:
		return "nil"
	case TabFalse:
		return "false"
	case TabTrue:
		return "true"
	case TabNum:
		return formatNum(v.Num)
	default:
		return fmt.Sprintf("%q", v.Str)
	}
}

// int32Value returns the value as an int32 if it is integral and in range.
func int32Value(n float64) (int32, bool) {
	if !(n >= math.MinInt32 && n <= math.MaxInt32) {
		return 0, false
	}
	k := int32(n)
	if float64(k) == n && !(n == 0 && math.Signbit(n)) {
		return k, true
	}
	return 0, false
}

func formatNum(n float64) string {
	if k, ok := int32Value(n); ok {
		return fmt.Sprintf("%d", k)
	}
	return fmt.Sprintf("%.14g", n)
}
