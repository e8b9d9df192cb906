package compiler

import (
	"github.com/chazu/fluid/pkg/bytecode"
)

// isReturn reports whether op ends the function.
func isReturn(op bytecode.Op) bool {
	switch op {
	case bytecode.OpCALLMT, bytecode.OpCALLT,
		bytecode.OpRETM, bytecode.OpRET, bytecode.OpRET0, bytecode.OpRET1:
		return true
	}
	return false
}

// fixupRet adds the final return and, when a closure was created after
// the first return, makes every earlier return close upvalues first.
func (fs *funcState) fixupRet() {
	lastpc := fs.pc()
	if lastpc <= fs.lasttarget || !isReturn(fs.code[lastpc-1].Op()) {
		fs.executeDefers(0)
		if fs.bl.flags&scopeUpval != 0 {
			fs.emit(insAJ(bytecode.OpUCLO, 0, 0))
		}
		fs.emit(insAD(bytecode.OpRET0, 0, 1))
	}
	fs.bl.flags |= scopeNoClose
	fs.scopeEnd()
	fs.assert(fs.bl == nil, "bad scope nesting")
	if fs.flags&bytecode.ProtoFixupReturn == 0 {
		return
	}
	for pc := 1; pc < lastpc; pc++ {
		ins := fs.code[pc]
		switch {
		case isReturn(ins.Op()):
			// Move the return to the end and branch there through UCLO.
			at := fs.emit(ins)
			fs.lines[at] = fs.lines[pc]
			offset := at - (pc + 1) + bytecode.BiasJ
			if offset > bytecode.MaxD {
				fs.p.fail(SemanticLimitError, msgFixup)
			}
			fs.code[pc] = insAD(bytecode.OpUCLO, 0, offset)
		case ins.Op() == bytecode.OpUCLO:
			return
		}
	}
}

// finish completes the current function and returns its prototype. line
// is the last line of the function.
func (p *parser) finish(line int) *bytecode.Proto {
	fs := p.fs
	fs.fixupRet()

	pt := &bytecode.Proto{
		ChunkName: p.chunkName,
		Flags:     fs.flags &^ bytecode.ProtoCompileFlags,
		NumParams: uint8(fs.numparams),
		FrameSize: uint8(fs.framesize),
	}

	code := make([]bytecode.Ins, len(fs.code))
	copy(code, fs.code)
	head := bytecode.OpFUNCF
	if fs.flags&bytecode.ProtoVararg != 0 {
		head = bytecode.OpFUNCV
	}
	code[0] = insAD(head, fs.framesize, 0)
	pt.Code = code

	pt.KGC = make([]bytecode.Constant, len(fs.kgc))
	for i, k := range fs.kgc {
		if child, ok := k.(*bytecode.Proto); ok {
			fs.fixupUpvalues(child)
		}
		pt.KGC[i] = k
	}
	if len(fs.kn) > 0 {
		pt.KN = append([]float64(nil), fs.kn...)
	}

	pt.Upvalues = make([]uint16, len(fs.uvtmp))
	for i, uv := range fs.uvtmp {
		pt.Upvalues[i] = uint16(uv)
	}

	pt.FirstLine = uint32(fs.linedefined)
	pt.NumLine = uint32(line - fs.linedefined)
	pt.LineInfo = make([]uint32, len(fs.lines)-1)
	for i, l := range fs.lines[1:] {
		pt.LineInfo[i] = uint32(l - fs.linedefined)
	}
	if len(fs.uvmap) > 0 {
		pt.UVNames = make([]string, len(fs.uvmap))
		for i, vidx := range fs.uvmap {
			pt.UVNames[i] = p.vstack[vidx].name
		}
	}
	for _, v := range p.vstack[fs.vbase:] {
		if v.isGotoLabel() {
			continue
		}
		pt.Vars = append(pt.Vars, bytecode.VarEntry{
			Special: v.special,
			Name:    v.name,
			StartPC: uint32(v.startpc),
			EndPC:   uint32(v.endpc),
		})
	}

	p.vstack = p.vstack[:fs.vbase]
	p.fs = fs.prev
	return pt
}

// fixupUpvalues turns the raw upvalue descriptors of a child into their
// final form: a parent local slot with UVLocal, or a parent upvalue index.
func (fs *funcState) fixupUpvalues(child *bytecode.Proto) {
	for i, uv := range child.Upvalues {
		vidx := int(uv)
		if vidx >= MaxVStack {
			child.Upvalues[i] = uint16(vidx - MaxVStack)
			continue
		}
		v := &fs.p.vstack[vidx]
		desc := uint16(v.slot) | bytecode.UVLocal
		if v.info&varRW == 0 {
			desc |= bytecode.UVImmutable
		}
		child.Upvalues[i] = desc
	}
}
