package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ---------------------------------------------------------------------------
// Dump Error Types
// ---------------------------------------------------------------------------

var (
	ErrBadSignature   = errors.New("invalid dump signature")
	ErrBadVersion     = errors.New("dump version mismatch")
	ErrUnknownFlags   = errors.New("unknown dump flags")
	ErrFrameMode      = errors.New("dump frame layout mismatch")
	ErrWideMismatch   = errors.New("dump instruction width mismatch")
	ErrTruncated      = errors.New("unexpected end of dump data")
	ErrLengthMismatch = errors.New("prototype length mismatch")
	ErrBadConstTag    = errors.New("unknown constant type")
	ErrChildUnderflow = errors.New("child prototype reference without prototype")
	ErrTrailingData   = errors.New("trailing data after dump")
	ErrBadInstruction = errors.New("malformed instruction word")
)

// FormatError reports a malformed dump. Offset is the byte position in the
// dump at which the problem was detected.
type FormatError struct {
	Offset int
	State  ReadState
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("bad bytecode dump at offset %d (%s): %v", e.Offset, e.State, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// ReadState names the part of the dump being decoded.
type ReadState int

const (
	StateHeader ReadState = iota
	StatePrototypeHeader
	StateInstructionStream
	StateUpvalues
	StateObjectConstants
	StateNumericConstants
	StateDebugInfo
	StateNextPrototypeOrEnd
)

var readStateNames = map[ReadState]string{
	StateHeader:             "header",
	StatePrototypeHeader:    "prototype header",
	StateInstructionStream:  "instructions",
	StateUpvalues:           "upvalues",
	StateObjectConstants:    "object constants",
	StateNumericConstants:   "numeric constants",
	StateDebugInfo:          "debug info",
	StateNextPrototypeOrEnd: "prototype length",
}

func (s ReadState) String() string {
	if name, ok := readStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ReadState(%d)", int(s))
}

// LoadOptions configures the reader.
type LoadOptions struct {
	// ChunkName names stripped dumps, which carry no name of their own.
	ChunkName string
	// WideInstructions must match the dump's instruction width flag.
	WideInstructions bool
}

// ---------------------------------------------------------------------------
// DumpHeader: Parsed header information
// ---------------------------------------------------------------------------

// DumpHeader is the decoded dump header.
type DumpHeader struct {
	Version   byte
	Flags     uint32
	ChunkName string
}

// BigEndian reports whether multi-byte fields are big-endian.
func (h *DumpHeader) BigEndian() bool { return h.Flags&DumpFlagBE != 0 }

// Stripped reports whether debug info was omitted.
func (h *DumpHeader) Stripped() bool { return h.Flags&DumpFlagStrip != 0 }

// Wide reports whether instructions are 64-bit words.
func (h *DumpHeader) Wide() bool { return h.Flags&DumpFlagWide != 0 }

// ---------------------------------------------------------------------------
// DumpReader: Reconstructs prototype trees
// ---------------------------------------------------------------------------

// DumpReader decodes a bytecode dump.
type DumpReader struct {
	data   []byte
	offset int
	state  ReadState
	opts   LoadOptions

	header DumpHeader
	order  binary.ByteOrder

	// stack holds finished prototypes until a parent claims them.
	stack []*Proto
}

// NewDumpReader creates a reader over a complete dump.
func NewDumpReader(data []byte, opts LoadOptions) *DumpReader {
	return &DumpReader{data: data, opts: opts, order: binary.LittleEndian}
}

// Load decodes a dump and returns the root prototype. On failure no
// prototypes are returned and the error is a *FormatError.
func Load(data []byte, opts LoadOptions) (*Proto, error) {
	r := NewDumpReader(data, opts)
	if _, err := r.ReadHeader(); err != nil {
		return nil, err
	}
	return r.ReadAll()
}

// LoadFrom reads a whole dump from an io.Reader and decodes it.
func LoadFrom(in io.Reader, opts LoadOptions) (*Proto, error) {
	data, err := io.ReadAll(in)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump data: %w", err)
	}
	return Load(data, opts)
}

// IsDump reports whether data starts with the dump signature byte.
func IsDump(data []byte) bool {
	return len(data) > 0 && data[0] == DumpSignature[0]
}

func (r *DumpReader) fail(err error) error {
	return &FormatError{Offset: r.offset, State: r.state, Err: err}
}

// ---------------------------------------------------------------------------
// Header Reading
// ---------------------------------------------------------------------------

// ReadHeader reads and validates the dump header.
func (r *DumpReader) ReadHeader() (*DumpHeader, error) {
	r.offset = 0
	r.state = StateHeader

	sig, err := r.readBytes(len(DumpSignature))
	if err != nil {
		return nil, err
	}
	if [3]byte(sig) != DumpSignature {
		r.offset = 0
		return nil, r.fail(fmt.Errorf("%w: got %q", ErrBadSignature, sig))
	}
	version, err := r.readByte()
	if err != nil {
		return nil, err
	}
	if version != DumpVersion {
		return nil, r.fail(fmt.Errorf("%w: expected %d, got %d", ErrBadVersion, DumpVersion, version))
	}
	flags, err := r.readULEB32()
	if err != nil {
		return nil, err
	}
	if flags&^DumpFlagKnown != 0 {
		return nil, r.fail(fmt.Errorf("%w: 0x%x", ErrUnknownFlags, flags))
	}
	if flags&DumpFlagFR2 != FR2*DumpFlagFR2 {
		return nil, r.fail(ErrFrameMode)
	}
	if (flags&DumpFlagWide != 0) != r.opts.WideInstructions {
		return nil, r.fail(ErrWideMismatch)
	}

	r.header = DumpHeader{Version: version, Flags: flags}
	if r.header.BigEndian() {
		r.order = binary.BigEndian
	}
	if r.header.Stripped() {
		r.header.ChunkName = r.opts.ChunkName
	} else {
		n, err := r.readULEB32()
		if err != nil {
			return nil, err
		}
		name, err := r.readBytes(int(n))
		if err != nil {
			return nil, err
		}
		r.header.ChunkName = string(name)
	}
	return &r.header, nil
}

// ReadAll reads every prototype up to the end marker and returns the root,
// which is the last prototype in the dump.
func (r *DumpReader) ReadAll() (*Proto, error) {
	for {
		r.state = StateNextPrototypeOrEnd
		if r.offset < len(r.data) && r.data[r.offset] == 0 {
			r.offset++
			break
		}
		n, err := r.readULEB32()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		if r.offset+int(n) > len(r.data) {
			return nil, r.fail(ErrTruncated)
		}
		start := r.offset
		limit := r.data
		r.data = r.data[:start+int(n)]
		pt, err := r.readProto()
		r.data = limit
		if err != nil {
			return nil, err
		}
		if r.offset != start+int(n) {
			return nil, r.fail(fmt.Errorf("%w: declared %d, consumed %d", ErrLengthMismatch, n, r.offset-start))
		}
		r.stack = append(r.stack, pt)
	}
	if r.offset != len(r.data) {
		return nil, r.fail(ErrTrailingData)
	}
	if len(r.stack) != 1 {
		return nil, r.fail(fmt.Errorf("%w: %d unclaimed prototypes", ErrLengthMismatch, len(r.stack)))
	}
	return r.stack[0], nil
}

// ---------------------------------------------------------------------------
// Prototype Reading
// ---------------------------------------------------------------------------

func (r *DumpReader) readProto() (*Proto, error) {
	r.state = StatePrototypeHeader
	hdr, err := r.readBytes(4)
	if err != nil {
		return nil, err
	}
	pt := &Proto{
		ChunkName: r.header.ChunkName,
		Flags:     hdr[0],
		NumParams: hdr[1],
		FrameSize: hdr[2],
	}
	sizeuv := int(hdr[3])
	sizekgc, err := r.readULEB32()
	if err != nil {
		return nil, err
	}
	sizekn, err := r.readULEB32()
	if err != nil {
		return nil, err
	}
	sizebc, err := r.readULEB32()
	if err != nil {
		return nil, err
	}
	sizebc++
	var sizedbg uint32
	if !r.header.Stripped() {
		if sizedbg, err = r.readULEB32(); err != nil {
			return nil, err
		}
		if sizedbg > 0 {
			if pt.FirstLine, err = r.readULEB32(); err != nil {
				return nil, err
			}
			if pt.NumLine, err = r.readULEB32(); err != nil {
				return nil, err
			}
		}
	}
	// Every count must fit in what is left before allocating for it.
	if int(sizebc) > len(r.data) || int(sizekgc) > len(r.data) || int(sizekn) > len(r.data) {
		return nil, r.fail(ErrTruncated)
	}

	if err := r.readCode(pt, int(sizebc)); err != nil {
		return nil, err
	}
	if err := r.readUpvalues(pt, sizeuv); err != nil {
		return nil, err
	}
	if err := r.readKGC(pt, int(sizekgc)); err != nil {
		return nil, err
	}
	if err := r.readKN(pt, int(sizekn)); err != nil {
		return nil, err
	}
	if sizedbg > 0 {
		if err := r.readDebug(pt, int(sizedbg), sizeuv); err != nil {
			return nil, err
		}
	}
	return pt, nil
}

// readCode reads the instruction stream. The header instruction is not
// stored; it is rebuilt from the vararg flag and frame size.
func (r *DumpReader) readCode(pt *Proto, sizebc int) error {
	r.state = StateInstructionStream
	width := 4
	if r.header.Wide() {
		width = 8
	}
	raw, err := r.readBytes((sizebc - 1) * width)
	if err != nil {
		return err
	}
	head := OpFUNCF
	if pt.Flags&ProtoVararg != 0 {
		head = OpFUNCV
	}
	pt.Code = make([]Ins, sizebc)
	pt.Code[0] = AD(head, uint32(pt.FrameSize), 0)
	for i := 1; i < sizebc; i++ {
		chunk := raw[(i-1)*width:]
		if width == 8 {
			w := r.order.Uint64(chunk)
			if w>>32 != 0 {
				r.offset -= len(raw) - (i-1)*width
				return r.fail(ErrBadInstruction)
			}
			pt.Code[i] = Ins(w)
		} else {
			pt.Code[i] = Ins(r.order.Uint32(chunk))
		}
	}
	return nil
}

func (r *DumpReader) readUpvalues(pt *Proto, sizeuv int) error {
	r.state = StateUpvalues
	if sizeuv == 0 {
		return nil
	}
	raw, err := r.readBytes(sizeuv * 2)
	if err != nil {
		return err
	}
	pt.Upvalues = make([]uint16, sizeuv)
	for i := range pt.Upvalues {
		pt.Upvalues[i] = r.order.Uint16(raw[i*2:])
	}
	return nil
}

// readKGC reads object constants from the highest index down. Child
// references pop the most recently finished prototype.
func (r *DumpReader) readKGC(pt *Proto, sizekgc int) error {
	r.state = StateObjectConstants
	if sizekgc == 0 {
		return nil
	}
	pt.KGC = make([]Constant, sizekgc)
	for i := sizekgc - 1; i >= 0; i-- {
		tag, err := r.readULEB32()
		if err != nil {
			return err
		}
		switch {
		case tag >= KGCStr:
			s, err := r.readBytes(int(tag - KGCStr))
			if err != nil {
				return err
			}
			pt.KGC[i] = String(s)
		case tag == KGCTab:
			t, err := r.readTable()
			if err != nil {
				return err
			}
			pt.KGC[i] = t
		case tag == KGCI64 || tag == KGCU64 || tag == KGCComplex:
			if r.header.Flags&DumpFlagFFI == 0 {
				return r.fail(fmt.Errorf("%w: cdata constant in dump without FFI flag", ErrBadConstTag))
			}
			c := CData{Kind: CDataInt64}
			if tag == KGCU64 {
				c.Kind = CDataUint64
			} else if tag == KGCComplex {
				c.Kind = CDataComplex
			}
			if c.Lo, err = r.readWord64(); err != nil {
				return err
			}
			if c.Kind == CDataComplex {
				if c.Hi, err = r.readWord64(); err != nil {
					return err
				}
			}
			pt.KGC[i] = c
		default:
			if len(r.stack) == 0 {
				return r.fail(ErrChildUnderflow)
			}
			top := len(r.stack) - 1
			pt.KGC[i] = r.stack[top]
			r.stack = r.stack[:top]
		}
	}
	return nil
}

func (r *DumpReader) readTable() (*Table, error) {
	narray, err := r.readULEB32()
	if err != nil {
		return nil, err
	}
	nhash, err := r.readULEB32()
	if err != nil {
		return nil, err
	}
	if int(narray) > len(r.data)-r.offset || int(nhash) > len(r.data)-r.offset {
		return nil, r.fail(ErrTruncated)
	}
	t := &Table{}
	if narray > 0 {
		t.Array = make([]TabValue, narray)
		for i := range t.Array {
			if t.Array[i], err = r.readTabValue(); err != nil {
				return nil, err
			}
		}
	}
	if nhash > 0 {
		t.Hash = make([]TabEntry, nhash)
		for i := range t.Hash {
			if t.Hash[i].Key, err = r.readTabValue(); err != nil {
				return nil, err
			}
			if t.Hash[i].Key.Kind == TabNil {
				return nil, r.fail(fmt.Errorf("%w: nil table key", ErrBadConstTag))
			}
			if t.Hash[i].Value, err = r.readTabValue(); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

func (r *DumpReader) readTabValue() (TabValue, error) {
	tag, err := r.readULEB32()
	if err != nil {
		return TabValue{}, err
	}
	switch {
	case tag >= KTabStr:
		s, err := r.readBytes(int(tag - KTabStr))
		if err != nil {
			return TabValue{}, err
		}
		return Str(string(s)), nil
	case tag == KTabInt:
		v, err := r.readULEB32()
		if err != nil {
			return TabValue{}, err
		}
		return Num(float64(int32(v))), nil
	case tag == KTabNum:
		bits, err := r.readWord64()
		if err != nil {
			return TabValue{}, err
		}
		return Num(math.Float64frombits(bits)), nil
	case tag == KTabTrue:
		return TabValue{Kind: TabTrue}, nil
	case tag == KTabFalse:
		return TabValue{Kind: TabFalse}, nil
	default:
		return TabValue{Kind: TabNil}, nil
	}
}

// readKN reads numeric constants in the 33-bit dual encoding.
func (r *DumpReader) readKN(pt *Proto, sizekn int) error {
	r.state = StateNumericConstants
	if sizekn == 0 {
		return nil
	}
	pt.KN = make([]float64, sizekn)
	for i := range pt.KN {
		v, err := r.readULEB()
		if err != nil {
			return err
		}
		if v>>33 != 0 {
			return r.fail(fmt.Errorf("%w: numeric constant out of range", ErrBadConstTag))
		}
		lo := uint32(v >> 1)
		if v&1 == 0 {
			pt.KN[i] = float64(int32(lo))
			continue
		}
		hi, err := r.readULEB32()
		if err != nil {
			return err
		}
		pt.KN[i] = math.Float64frombits(uint64(hi)<<32 | uint64(lo))
	}
	return nil
}

// readDebug decodes the line info, upvalue names and variable ranges.
func (r *DumpReader) readDebug(pt *Proto, sizedbg, sizeuv int) error {
	r.state = StateDebugInfo
	raw, err := r.readBytes(sizedbg)
	if err != nil {
		return err
	}
	base := r.offset - sizedbg
	n := len(pt.Code) - 1
	width := pt.lineWidth()
	if n*width > len(raw) {
		r.offset = base
		return r.fail(ErrTruncated)
	}
	pt.LineInfo = make([]uint32, n)
	for i := range pt.LineInfo {
		switch width {
		case 1:
			pt.LineInfo[i] = uint32(raw[i])
		case 2:
			pt.LineInfo[i] = uint32(r.order.Uint16(raw[i*2:]))
		default:
			pt.LineInfo[i] = r.order.Uint32(raw[i*4:])
		}
	}
	p := n * width

	cstring := func() (string, bool) {
		for j := p; j < len(raw); j++ {
			if raw[j] == 0 {
				s := string(raw[p:j])
				p = j + 1
				return s, true
			}
		}
		return "", false
	}
	uleb := func() (uint32, bool) {
		v, k := ReadULEB128(raw[p:])
		if k == 0 || v > math.MaxUint32 {
			return 0, false
		}
		p += k
		return uint32(v), true
	}
	truncated := func() error {
		r.offset = base + p
		return r.fail(ErrTruncated)
	}

	if sizeuv > 0 {
		pt.UVNames = make([]string, sizeuv)
		for i := range pt.UVNames {
			s, ok := cstring()
			if !ok {
				return truncated()
			}
			pt.UVNames[i] = s
		}
	}
	var lastpc uint32
	for {
		if p >= len(raw) {
			return truncated()
		}
		var v VarEntry
		if raw[p] < byte(varNameMax) {
			v.Special = VarName(raw[p])
			p++
			if v.Special == VarNameEnd {
				break
			}
		} else {
			s, ok := cstring()
			if !ok {
				return truncated()
			}
			v.Name = s
		}
		delta, ok := uleb()
		if !ok {
			return truncated()
		}
		span, ok := uleb()
		if !ok {
			return truncated()
		}
		v.StartPC = lastpc + delta
		v.EndPC = v.StartPC + span
		lastpc = v.StartPC
		pt.Vars = append(pt.Vars, v)
	}
	if p != len(raw) {
		r.offset = base + p
		return r.fail(fmt.Errorf("%w: debug info", ErrLengthMismatch))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Primitive readers
// ---------------------------------------------------------------------------

func (r *DumpReader) readByte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, r.fail(ErrTruncated)
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

// readBytes reads n bytes from the current position.
func (r *DumpReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, r.fail(ErrTruncated)
	}
	data := r.data[r.offset : r.offset+n]
	r.offset += n
	return data, nil
}

func (r *DumpReader) readULEB() (uint64, error) {
	v, n := ReadULEB128(r.data[r.offset:])
	if n == 0 {
		return 0, r.fail(ErrTruncated)
	}
	r.offset += n
	return v, nil
}

func (r *DumpReader) readULEB32() (uint32, error) {
	v, err := r.readULEB()
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, r.fail(fmt.Errorf("%w: value 0x%x exceeds 32 bits", ErrTruncated, v))
	}
	return uint32(v), nil
}

// readWord64 reads a 64-bit value stored as two ULEB128 halves.
func (r *DumpReader) readWord64() (uint64, error) {
	lo, err := r.readULEB32()
	if err != nil {
		return 0, err
	}
	hi, err := r.readULEB32()
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}
