// Package wasmtest encodes small WebAssembly modules for tests.
//
// It covers the handful of sections test guests need: types, function
// imports, functions, one memory, exports, code and active data segments.
package wasmtest

import "bytes"

// Value types.
const (
	I32 byte = 0x7f
	I64 byte = 0x7e
)

// Opcodes used by test guests.
const (
	OpUnreachable byte = 0x00
	OpDrop        byte = 0x1a
	OpEnd         byte = 0x0b
	OpLocalGet    byte = 0x20
	OpLocalSet    byte = 0x21
	OpCall        byte = 0x10
	OpI32Const    byte = 0x41
	OpI64Const    byte = 0x42
	OpI32Add      byte = 0x6a
	OpI32Sub      byte = 0x6b
)

const (
	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10
	sectionData     = 11

	kindFunc   = 0x00
	kindMemory = 0x02
)

type funcType struct {
	params, results []byte
}

type importFunc struct {
	module, name string
	typ          uint32
}

type function struct {
	typ    uint32
	locals uint32
	body   []byte
}

type export struct {
	name  string
	kind  byte
	index uint32
}

type segment struct {
	offset uint32
	data   []byte
}

// Builder assembles a module. Imports must be added before functions so
// function indices stay stable.
type Builder struct {
	types   []funcType
	imports []importFunc
	funcs   []function
	pages   uint32
	memory  bool
	exports []export
	data    []segment
}

// New returns an empty module builder.
func New() *Builder {
	return &Builder{}
}

// Type adds a function type and returns its index.
func (b *Builder) Type(params, results []byte) uint32 {
	b.types = append(b.types, funcType{params: params, results: results})
	return uint32(len(b.types) - 1)
}

// Import adds a function import and returns its function index.
func (b *Builder) Import(module, name string, typ uint32) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmtest: imports must precede functions")
	}
	b.imports = append(b.imports, importFunc{module: module, name: name, typ: typ})
	return uint32(len(b.imports) - 1)
}

// Func adds a function with the given number of i32 locals. The trailing
// end opcode is appended automatically.
func (b *Builder) Func(typ, locals uint32, body ...[]byte) uint32 {
	b.funcs = append(b.funcs, function{typ: typ, locals: locals, body: bytes.Join(body, nil)})
	return uint32(len(b.imports) + len(b.funcs) - 1)
}

// Memory declares a memory of pages 64KiB pages and exports it as "memory".
func (b *Builder) Memory(pages uint32) *Builder {
	b.memory = true
	b.pages = pages
	b.exports = append(b.exports, export{name: "memory", kind: kindMemory})
	return b
}

// Export exports function index fn under name.
func (b *Builder) Export(name string, fn uint32) *Builder {
	b.exports = append(b.exports, export{name: name, kind: kindFunc, index: fn})
	return b
}

// Data places bytes in memory at offset when the module is instantiated.
func (b *Builder) Data(offset uint32, data []byte) *Builder {
	b.data = append(b.data, segment{offset: offset, data: data})
	return b
}

// Bytes encodes the module.
func (b *Builder) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	if len(b.types) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.types)))
		for _, t := range b.types {
			s = append(s, 0x60)
			s = appendVec(s, t.params)
			s = appendVec(s, t.results)
		}
		out = appendSection(out, sectionType, s)
	}

	if len(b.imports) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.imports)))
		for _, im := range b.imports {
			s = appendName(s, im.module)
			s = appendName(s, im.name)
			s = append(s, kindFunc)
			s = appendU32(s, im.typ)
		}
		out = appendSection(out, sectionImport, s)
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			s = appendU32(s, f.typ)
		}
		out = appendSection(out, sectionFunction, s)
	}

	if b.memory {
		s := []byte{0x01, 0x00}
		s = appendU32(s, b.pages)
		out = appendSection(out, sectionMemory, s)
	}

	if len(b.exports) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.exports)))
		for _, e := range b.exports {
			s = appendName(s, e.name)
			s = append(s, e.kind)
			s = appendU32(s, e.index)
		}
		out = appendSection(out, sectionExport, s)
	}

	if len(b.funcs) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.funcs)))
		for _, f := range b.funcs {
			var code []byte
			if f.locals > 0 {
				code = appendU32(code, 1)
				code = appendU32(code, f.locals)
				code = append(code, I32)
			} else {
				code = appendU32(code, 0)
			}
			code = append(code, f.body...)
			code = append(code, OpEnd)
			s = appendU32(s, uint32(len(code)))
			s = append(s, code...)
		}
		out = appendSection(out, sectionCode, s)
	}

	if len(b.data) > 0 {
		var s []byte
		s = appendU32(s, uint32(len(b.data)))
		for _, d := range b.data {
			s = append(s, 0x00)
			s = append(s, I32Const(int32(d.offset))...)
			s = append(s, OpEnd)
			s = appendU32(s, uint32(len(d.data)))
			s = append(s, d.data...)
		}
		out = appendSection(out, sectionData, s)
	}

	return out
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return appendS64([]byte{OpI32Const}, int64(v))
}

// I64Const encodes i64.const v.
func I64Const(v int64) []byte {
	return appendS64([]byte{OpI64Const}, v)
}

// Call encodes call fn.
func Call(fn uint32) []byte {
	return appendU32([]byte{OpCall}, fn)
}

// LocalGet encodes local.get i.
func LocalGet(i uint32) []byte {
	return appendU32([]byte{OpLocalGet}, i)
}

// LocalSet encodes local.set i.
func LocalSet(i uint32) []byte {
	return appendU32([]byte{OpLocalSet}, i)
}

// Op wraps single-byte opcodes for Func bodies.
func Op(ops ...byte) []byte {
	return ops
}

func appendSection(out []byte, id byte, body []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(body)))
	return append(out, body...)
}

func appendVec(out []byte, items []byte) []byte {
	out = appendU32(out, uint32(len(items)))
	return append(out, items...)
}

func appendName(out []byte, s string) []byte {
	out = appendU32(out, uint32(len(s)))
	return append(out, s...)
}

func appendU32(out []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, c|0x80)
			continue
		}
		return append(out, c)
	}
}

func appendS64(out []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(out, c)
		}
		out = append(out, c|0x80)
	}
}
