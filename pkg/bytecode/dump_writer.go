package bytecode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ---------------------------------------------------------------------------
// Dump Format Constants
// ---------------------------------------------------------------------------

// DumpSignature identifies a bytecode dump. The first byte doubles as the
// marker the lexer checks to tell a dump from source text.
var DumpSignature = [3]byte{0x1b, 'L', 'J'}

// Dump format version
// v1: initial LuaJIT 2.0 format
// v2: FR2 and 64-bit GC refs (LuaJIT 2.1)
const DumpVersion = 2

// Dump flags
const (
	DumpFlagBE    uint32 = 1 << 0 // multi-byte fields are big-endian
	DumpFlagStrip uint32 = 1 << 1 // no chunk name or debug info
	DumpFlagFFI   uint32 = 1 << 2 // contains cdata constants
	DumpFlagFR2   uint32 = 1 << 3 // two-slot frame layout
	DumpFlagWide  uint32 = 1 << 4 // instructions stored as 64-bit words

	DumpFlagKnown = DumpFlagWide*2 - 1
)

// FR2 is the frame layout the compiler targets. It is always set.
const FR2 = 1

// DumpOptions controls the dump layout.
type DumpOptions struct {
	Strip     bool // omit the chunk name and debug info
	BigEndian bool // write multi-byte fields big-endian
	Wide      bool // write each instruction as a 64-bit word
}

// Flags returns the header flags for a dump of p with these options.
func (o DumpOptions) Flags(p *Proto) uint32 {
	flags := uint32(FR2) * DumpFlagFR2
	if o.BigEndian {
		flags |= DumpFlagBE
	}
	if o.Strip {
		flags |= DumpFlagStrip
	}
	if o.Wide {
		flags |= DumpFlagWide
	}
	if p.usesFFI() {
		flags |= DumpFlagFFI
	}
	return flags
}

// byteOrder is implemented by binary.LittleEndian and binary.BigEndian.
type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func (o DumpOptions) byteOrder() byteOrder {
	if o.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// ---------------------------------------------------------------------------
// DumpWriter: Serializes a prototype tree
// ---------------------------------------------------------------------------

// DumpWriter serializes prototype trees to the binary dump format.
type DumpWriter struct {
	buf   *bytes.Buffer
	opts  DumpOptions
	order byteOrder
}

// NewDumpWriter creates a dump writer with the given options.
func NewDumpWriter(opts DumpOptions) *DumpWriter {
	return &DumpWriter{
		buf:   bytes.NewBuffer(nil),
		opts:  opts,
		order: opts.byteOrder(),
	}
}

// Dump serializes p and its children and returns the dump bytes.
func Dump(p *Proto, opts DumpOptions) ([]byte, error) {
	w := NewDumpWriter(opts)
	if err := w.Write(p); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// WriteTo serializes p to an io.Writer.
func WriteTo(out io.Writer, p *Proto, opts DumpOptions) error {
	data, err := Dump(p, opts)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

// Bytes returns the serialized data.
func (w *DumpWriter) Bytes() []byte {
	return w.buf.Bytes()
}

// Write writes the header, the prototype tree and the end marker.
func (w *DumpWriter) Write(p *Proto) error {
	if p == nil {
		return fmt.Errorf("bytecode: nil prototype")
	}
	w.writeHeader(p)
	if err := w.writeProto(p); err != nil {
		return err
	}
	w.buf.WriteByte(0)
	return nil
}

func (w *DumpWriter) writeHeader(p *Proto) {
	w.buf.Write(DumpSignature[:])
	w.buf.WriteByte(DumpVersion)
	w.buf.Write(AppendULEB128(nil, uint64(w.opts.Flags(p))))
	if !w.opts.Strip {
		w.buf.Write(AppendULEB128(nil, uint64(len(p.ChunkName))))
		w.buf.WriteString(p.ChunkName)
	}
}

// writeProto writes the children of p first, in constant index order, so
// the reader finds them on its stack when it meets their back-references.
func (w *DumpWriter) writeProto(p *Proto) error {
	if len(p.Code) == 0 {
		return fmt.Errorf("bytecode: prototype has no header instruction")
	}
	if len(p.Upvalues) > MaxA || len(p.Code) > 1<<26 {
		return fmt.Errorf("bytecode: prototype exceeds format limits")
	}
	for _, child := range p.Children() {
		if err := w.writeProto(child); err != nil {
			return err
		}
	}

	body := make([]byte, 0, 64+len(p.Code)*4)
	body = append(body, p.Flags&^ProtoCompileFlags, p.NumParams, p.FrameSize, byte(len(p.Upvalues)))
	body = AppendULEB128(body, uint64(len(p.KGC)))
	body = AppendULEB128(body, uint64(len(p.KN)))
	body = AppendULEB128(body, uint64(len(p.Code)-1))

	var dbg []byte
	if !w.opts.Strip {
		dbg = encodeDebug(p, w.order)
		body = AppendULEB128(body, uint64(len(dbg)))
		if len(dbg) > 0 {
			body = AppendULEB128(body, uint64(p.FirstLine))
			body = AppendULEB128(body, uint64(p.NumLine))
		}
	}

	body = w.appendCode(body, p.Code[1:])
	for _, uv := range p.Upvalues {
		body = w.order.AppendUint16(body, uv)
	}
	body = appendKGC(body, p.KGC)
	for _, n := range p.KN {
		body = appendKNum(body, n)
	}
	body = append(body, dbg...)

	w.buf.Write(AppendULEB128(nil, uint64(len(body))))
	w.buf.Write(body)
	return nil
}

func (w *DumpWriter) appendCode(buf []byte, code []Ins) []byte {
	for _, ins := range code {
		if w.opts.Wide {
			buf = w.order.AppendUint64(buf, uint64(ins))
		} else {
			buf = w.order.AppendUint32(buf, uint32(ins))
		}
	}
	return buf
}

// appendKGC writes object constants from the highest index down, the order
// in which they sit below the numeric constants in the runtime layout.
func appendKGC(buf []byte, kgc []Constant) []byte {
	for i := len(kgc) - 1; i >= 0; i-- {
		switch k := kgc[i].(type) {
		case *Proto:
			buf = AppendULEB128(buf, uint64(KGCChild))
		case *Table:
			buf = AppendULEB128(buf, uint64(KGCTab))
			buf = appendTable(buf, k)
		case CData:
			buf = AppendULEB128(buf, uint64(k.kgcTag()))
			buf = AppendULEB128(buf, uint64(uint32(k.Lo)))
			buf = AppendULEB128(buf, k.Lo>>32)
			if k.Kind == CDataComplex {
				buf = AppendULEB128(buf, uint64(uint32(k.Hi)))
				buf = AppendULEB128(buf, k.Hi>>32)
			}
		case String:
			buf = AppendULEB128(buf, uint64(KGCStr)+uint64(len(k)))
			buf = append(buf, k...)
		}
	}
	return buf
}
