package bytecode

import (
	"testing"
)

// ---------------------------------------------------------------------------
// FuzzLoad: ensure the dump reader never panics or over-allocates on
// arbitrary input. Errors are expected and acceptable; panics are bugs.
// ---------------------------------------------------------------------------

func FuzzLoad(f *testing.F) {
	for _, opts := range []DumpOptions{{}, {BigEndian: true}, {Strip: true}} {
		data, err := Dump(testProto(), opts)
		if err != nil {
			f.Fatalf("Dump failed: %v", err)
		}
		f.Add(data)
	}
	f.Add(strippedChildRef())
	f.Add([]byte{0x1b, 'L', 'J', DumpVersion, byte(DumpFlagFR2)})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		p, err := Load(data, LoadOptions{ChunkName: "fuzz"})
		if err != nil {
			if p != nil {
				t.Fatalf("Load returned a prototype with error %v", err)
			}
			return
		}
		// Anything that loads must dump and load again.
		opts := DumpOptions{Strip: !p.HasDebug()}
		if len(data) > 4 {
			opts.BigEndian = data[4]&byte(DumpFlagBE) != 0
		}
		again, err := Dump(p, opts)
		if err != nil {
			t.Fatalf("Dump of loaded prototype failed: %v", err)
		}
		if _, err := Load(again, LoadOptions{ChunkName: "fuzz"}); err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		_ = Disassemble(p)
	})
}
