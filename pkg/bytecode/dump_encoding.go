package bytecode

import (
	"bytes"
	"encoding/binary"
	"math"
)

// ---------------------------------------------------------------------------
// Binary encoding helpers
// ---------------------------------------------------------------------------

// AppendULEB128 appends v as an unsigned LEB128 value.
func AppendULEB128(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// ReadULEB128 decodes an unsigned LEB128 value from buf. It returns the
// value and the number of bytes consumed, or n == 0 if buf is truncated or
// the value does not fit in 64 bits.
func ReadULEB128(buf []byte) (v uint64, n int) {
	var shift uint
	for i, b := range buf {
		if shift >= 64 {
			return 0, 0
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, i + 1
		}
		shift += 7
	}
	return 0, 0
}

// appendKNum appends a numeric constant in the 33-bit dual encoding: the
// low bit of the first ULEB128 value is clear for an int32 and set for a
// double, whose high word follows as a second ULEB128 value.
func appendKNum(buf []byte, n float64) []byte {
	if k, ok := int32Value(n); ok {
		return AppendULEB128(buf, uint64(uint32(k))<<1)
	}
	bits := math.Float64bits(n)
	buf = AppendULEB128(buf, uint64(uint32(bits))<<1|1)
	return AppendULEB128(buf, bits>>32)
}

// appendTabValue appends one template table key or value. Numbers are
// narrowed to ints only when narrow is set, matching hash keys which keep
// their floating point form.
func appendTabValue(buf []byte, v TabValue, narrow bool) []byte {
	switch v.Kind {
	case TabNil:
		return AppendULEB128(buf, uint64(KTabNil))
	case TabFalse:
		return AppendULEB128(buf, uint64(KTabFalse))
	case TabTrue:
		return AppendULEB128(buf, uint64(KTabTrue))
	case TabNum:
		if narrow {
			if k, ok := int32Value(v.Num); ok {
				buf = AppendULEB128(buf, uint64(KTabInt))
				return AppendULEB128(buf, uint64(uint32(k)))
			}
		}
		bits := math.Float64bits(v.Num)
		buf = AppendULEB128(buf, uint64(KTabNum))
		buf = AppendULEB128(buf, uint64(uint32(bits)))
		return AppendULEB128(buf, bits>>32)
	default:
		buf = AppendULEB128(buf, uint64(KTabStr)+uint64(len(v.Str)))
		return append(buf, v.Str...)
	}
}

// appendTable appends a template table: array and hash sizes followed by
// the entries.
func appendTable(buf []byte, t *Table) []byte {
	buf = AppendULEB128(buf, uint64(len(t.Array)))
	buf = AppendULEB128(buf, uint64(len(t.Hash)))
	for _, v := range t.Array {
		buf = appendTabValue(buf, v, true)
	}
	for _, e := range t.Hash {
		buf = appendTabValue(buf, e.Key, false)
		buf = appendTabValue(buf, e.Value, true)
	}
	return buf
}

// encodeDebug encodes the line info, upvalue name and variable streams of
// p. A nil order uses little endian, which only matters for its length.
func encodeDebug(p *Proto, order byteOrder) []byte {
	if p.LineInfo == nil {
		return nil
	}
	if order == nil {
		order = binary.LittleEndian
	}
	var buf bytes.Buffer
	var tmp [4]byte
	switch p.lineWidth() {
	case 1:
		for _, li := range p.LineInfo {
			buf.WriteByte(byte(li))
		}
	case 2:
		for _, li := range p.LineInfo {
			order.PutUint16(tmp[:2], uint16(li))
			buf.Write(tmp[:2])
		}
	default:
		for _, li := range p.LineInfo {
			order.PutUint32(tmp[:], li)
			buf.Write(tmp[:])
		}
	}
	for _, name := range p.UVNames {
		buf.WriteString(name)
		buf.WriteByte(0)
	}
	out := buf.Bytes()
	var lastpc uint32
	for _, v := range p.Vars {
		if v.Special != VarNameEnd {
			out = append(out, byte(v.Special))
		} else {
			out = append(out, v.Name...)
			out = append(out, 0)
		}
		out = AppendULEB128(out, uint64(v.StartPC-lastpc))
		out = AppendULEB128(out, uint64(v.EndPC-v.StartPC))
		lastpc = v.StartPC
	}
	return append(out, byte(VarNameEnd))
}
