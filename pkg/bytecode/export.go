package bytecode

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// CBOR export
// ---------------------------------------------------------------------------

// cborEncMode uses canonical mode so equal prototype trees encode to equal
// bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("bytecode: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ProtoDoc is the structured export form of a Proto. Unlike the binary dump
// it is self-describing and nests children in place.
type ProtoDoc struct {
	ChunkName string        `cbor:"1,keyasint,omitempty"`
	Flags     uint8         `cbor:"2,keyasint"`
	NumParams uint8         `cbor:"3,keyasint"`
	FrameSize uint8         `cbor:"4,keyasint"`
	Code      []uint32      `cbor:"5,keyasint"`
	Upvalues  []uint16      `cbor:"6,keyasint,omitempty"`
	KGC       []ConstantDoc `cbor:"7,keyasint,omitempty"`
	KN        []float64     `cbor:"8,keyasint,omitempty"`
	FirstLine uint32        `cbor:"9,keyasint,omitempty"`
	NumLine   uint32        `cbor:"10,keyasint,omitempty"`
	LineInfo  []uint32      `cbor:"11,keyasint,omitempty"`
	UVNames   []string      `cbor:"12,keyasint,omitempty"`
	Vars      []VarDoc      `cbor:"13,keyasint,omitempty"`
	Stripped  bool          `cbor:"14,keyasint,omitempty"`
}

// ConstantDoc is one object constant. Exactly one field is set, chosen by
// Tag, which uses the dump tag numbering with KGCStr for every string.
type ConstantDoc struct {
	Tag   uint32    `cbor:"1,keyasint"`
	Str   string    `cbor:"2,keyasint,omitempty"`
	Child *ProtoDoc `cbor:"3,keyasint,omitempty"`
	Table *TableDoc `cbor:"4,keyasint,omitempty"`
	Lo    uint64    `cbor:"5,keyasint,omitempty"`
	Hi    uint64    `cbor:"6,keyasint,omitempty"`
}

// TableDoc is a template table.
type TableDoc struct {
	Array []TabValueDoc `cbor:"1,keyasint,omitempty"`
	Keys  []TabValueDoc `cbor:"2,keyasint,omitempty"`
	Vals  []TabValueDoc `cbor:"3,keyasint,omitempty"`
}

// TabValueDoc is one template table value.
type TabValueDoc struct {
	Kind TabKind `cbor:"1,keyasint"`
	Num  float64 `cbor:"2,keyasint,omitempty"`
	Str  string  `cbor:"3,keyasint,omitempty"`
}

// VarDoc is one variable range.
type VarDoc struct {
	Special VarName `cbor:"1,keyasint,omitempty"`
	Name    string  `cbor:"2,keyasint,omitempty"`
	StartPC uint32  `cbor:"3,keyasint"`
	EndPC   uint32  `cbor:"4,keyasint"`
}

// MarshalProto exports a prototype tree as canonical CBOR.
func MarshalProto(p *Proto) ([]byte, error) {
	return cborEncMode.Marshal(ExportProto(p))
}

// UnmarshalProto imports a prototype tree exported by MarshalProto.
func UnmarshalProto(data []byte) (*Proto, error) {
	var doc ProtoDoc
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("bytecode: unmarshal proto: %w", err)
	}
	return ImportProto(&doc)
}

// ExportProto converts p into its document form.
func ExportProto(p *Proto) *ProtoDoc {
	doc := &ProtoDoc{
		ChunkName: p.ChunkName,
		Flags:     p.Flags,
		NumParams: p.NumParams,
		FrameSize: p.FrameSize,
		Code:      make([]uint32, len(p.Code)),
		Upvalues:  p.Upvalues,
		KN:        p.KN,
		FirstLine: p.FirstLine,
		NumLine:   p.NumLine,
		LineInfo:  p.LineInfo,
		UVNames:   p.UVNames,
		Stripped:  !p.HasDebug(),
	}
	for i, ins := range p.Code {
		doc.Code[i] = uint32(ins)
	}
	for _, k := range p.KGC {
		doc.KGC = append(doc.KGC, exportConstant(k))
	}
	for _, v := range p.Vars {
		doc.Vars = append(doc.Vars, VarDoc(v))
	}
	return doc
}

func exportConstant(k Constant) ConstantDoc {
	switch k := k.(type) {
	case String:
		return ConstantDoc{Tag: KGCStr, Str: string(k)}
	case *Proto:
		return ConstantDoc{Tag: KGCChild, Child: ExportProto(k)}
	case *Table:
		t := &TableDoc{}
		for _, v := range k.Array {
			t.Array = append(t.Array, TabValueDoc(v))
		}
		for _, e := range k.Hash {
			t.Keys = append(t.Keys, TabValueDoc(e.Key))
			t.Vals = append(t.Vals, TabValueDoc(e.Value))
		}
		return ConstantDoc{Tag: KGCTab, Table: t}
	case CData:
		return ConstantDoc{Tag: k.kgcTag(), Lo: k.Lo, Hi: k.Hi}
	}
	return ConstantDoc{Tag: KGCStr}
}

// ImportProto rebuilds a Proto from its document form.
func ImportProto(doc *ProtoDoc) (*Proto, error) {
	if len(doc.Code) == 0 {
		return nil, fmt.Errorf("bytecode: imported prototype has no code")
	}
	p := &Proto{
		ChunkName: doc.ChunkName,
		Flags:     doc.Flags,
		NumParams: doc.NumParams,
		FrameSize: doc.FrameSize,
		Code:      make([]Ins, len(doc.Code)),
		Upvalues:  doc.Upvalues,
		KN:        doc.KN,
		FirstLine: doc.FirstLine,
		NumLine:   doc.NumLine,
		UVNames:   doc.UVNames,
	}
	if !doc.Stripped {
		p.LineInfo = doc.LineInfo
		if p.LineInfo == nil {
			p.LineInfo = []uint32{}
		}
	}
	for i, w := range doc.Code {
		p.Code[i] = Ins(w)
	}
	for i, c := range doc.KGC {
		k, err := importConstant(c)
		if err != nil {
			return nil, fmt.Errorf("constant %d: %w", i, err)
		}
		p.KGC = append(p.KGC, k)
	}
	for _, v := range doc.Vars {
		p.Vars = append(p.Vars, VarEntry(v))
	}
	return p, nil
}

func importConstant(c ConstantDoc) (Constant, error) {
	switch c.Tag {
	case KGCChild:
		if c.Child == nil {
			return nil, ErrChildUnderflow
		}
		return ImportProto(c.Child)
	case KGCTab:
		t := &Table{}
		if c.Table != nil {
			if len(c.Table.Keys) != len(c.Table.Vals) {
				return nil, fmt.Errorf("%w: table keys and values differ in length", ErrBadConstTag)
			}
			for _, v := range c.Table.Array {
				t.Array = append(t.Array, TabValue(v))
			}
			for i := range c.Table.Keys {
				t.Hash = append(t.Hash, TabEntry{Key: TabValue(c.Table.Keys[i]), Value: TabValue(c.Table.Vals[i])})
			}
		}
		return t, nil
	case KGCI64:
		return CData{Kind: CDataInt64, Lo: c.Lo}, nil
	case KGCU64:
		return CData{Kind: CDataUint64, Lo: c.Lo}, nil
	case KGCComplex:
		return CData{Kind: CDataComplex, Lo: c.Lo, Hi: c.Hi}, nil
	case KGCStr:
		return String(c.Str), nil
	}
	return nil, fmt.Errorf("%w: %d", ErrBadConstTag, c.Tag)
}
