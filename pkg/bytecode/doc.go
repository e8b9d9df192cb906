// Package bytecode defines the register bytecode produced by the fluid
// compiler and its portable binary dump format.
//
// # Instructions
//
// Every instruction is a 32-bit word with an 8-bit opcode and either three
// operands (A, B, C) or two (A and a 16-bit D). Jump offsets are stored in
// D with a bias of 0x8000 and are relative to the next instruction.
//
// # Prototypes
//
// A Proto is the compiled form of one function: its instructions, upvalue
// descriptors, object constants (strings, child prototypes, template tables
// and 64-bit foreign data), numeric constants and optional debug info.
// Child prototypes are referenced from the object constants of their
// parent, so a whole chunk is a tree rooted at the main function.
//
// # Dump format
//
// Dump and Load convert prototype trees to and from a byte stream:
//
//	header:    ESC 'L' 'J' version uleb(flags) [uleb(len) chunkname]
//	prototype: uleb(len) flags numparams framesize sizeuv
//	           uleb(sizekgc) uleb(sizekn) uleb(sizebc-1)
//	           [uleb(sizedbg) [uleb(firstline) uleb(numline)]]
//	           code upvalues kgc kn debug
//	end:       0
//
// Prototypes appear children first, so the reader resolves child
// references with a stack. Multi-byte fixed fields use the byte order
// named by the BE flag; everything else is ULEB128.
//
// MarshalProto offers a self-describing CBOR form of the same tree for
// tooling, and Disassemble renders a human-readable listing.
package bytecode
