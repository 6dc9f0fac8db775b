// Package wasmtest assembles small wasm binaries for tests. Guests are straight-line programs:
// each host call takes constants or values loaded from linear memory, and its status is dropped.
// The one exception is Spin, which never returns. That is enough to drive the host ABI end to
// end without a guest toolchain.
package wasmtest

import "fmt"

// ValType is a wasm value type.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
)

const (
	opUnreachable = 0x00
	opLoop        = 0x03
	opEnd         = 0x0b
	opBr          = 0x0c
	opCall        = 0x10
	opDrop        = 0x1a
	opI32Load     = 0x28
	opI32Store    = 0x36
	opI32Const    = 0x41
	opI64Const    = 0x42
)

const blockEmpty = 0x40

const (
	exportFunc   = 0x00
	exportMemory = 0x02
)

type funcType struct {
	params, results []ValType
}

type funcImport struct {
	module, name string
	typ          funcType
}

type funcDef struct {
	name string
	code *Code
}

type dataSegment struct {
	offset uint32
	data   []byte
}

// Module is a wasm module under construction. All imports have to be declared before Bytes is
// called; imported functions are numbered first, in declaration order.
type Module struct {
	imports []funcImport
	funcs   []funcDef
	pages   uint32
	data    []dataSegment
}

// New returns a module exporting one page of memory as "memory".
func New() *Module {
	return &Module{pages: 1}
}

// Import declares an imported function and returns its function index.
func (m *Module) Import(module, name string, params []ValType, results ...ValType) uint32 {
	m.imports = append(m.imports, funcImport{module: module, name: name, typ: funcType{params: params, results: results}})
	return uint32(len(m.imports) - 1)
}

// ImportI32 declares an imported function taking n i32 arguments and returning an i32 status,
// the shape of almost every hostcall.
func (m *Module) ImportI32(module, name string, n int) uint32 {
	params := make([]ValType, n)
	for i := range params {
		params[i] = I32
	}
	return m.Import(module, name, params, I32)
}

// Memory sets the initial size of the exported memory, in 64KiB pages.
func (m *Module) Memory(pages uint32) *Module {
	m.pages = pages
	return m
}

// Data places bytes in memory at offset when the module is instantiated.
func (m *Module) Data(offset uint32, data []byte) *Module {
	m.data = append(m.data, dataSegment{offset: offset, data: data})
	return m
}

// String places s in memory at offset.
func (m *Module) String(offset uint32, s string) *Module {
	return m.Data(offset, []byte(s))
}

// Func adds an exported function taking and returning nothing.
func (m *Module) Func(name string, code *Code) *Module {
	m.funcs = append(m.funcs, funcDef{name: name, code: code})
	return m
}

// Start adds the _start entrypoint.
func (m *Module) Start(code *Code) *Module {
	return m.Func("_start", code)
}

// Bytes encodes the module in the wasm binary format.
func (m *Module) Bytes() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// types: one per import, then the shared () -> () type for defined functions
	var types []byte
	types = appendU32(types, uint32(len(m.imports)+1))
	for _, imp := range m.imports {
		types = appendFuncType(types, imp.typ)
	}
	types = appendFuncType(types, funcType{})
	voidType := uint32(len(m.imports))
	out = appendSection(out, 1, types)

	if len(m.imports) > 0 {
		var imports []byte
		imports = appendU32(imports, uint32(len(m.imports)))
		for idx, imp := range m.imports {
			imports = appendName(imports, imp.module)
			imports = appendName(imports, imp.name)
			imports = append(imports, exportFunc)
			imports = appendU32(imports, uint32(idx))
		}
		out = appendSection(out, 2, imports)
	}

	var funcs []byte
	funcs = appendU32(funcs, uint32(len(m.funcs)))
	for range m.funcs {
		funcs = appendU32(funcs, voidType)
	}
	out = appendSection(out, 3, funcs)

	var memory []byte
	memory = appendU32(memory, 1)
	memory = append(memory, 0x00)
	memory = appendU32(memory, m.pages)
	out = appendSection(out, 5, memory)

	var exports []byte
	exports = appendU32(exports, uint32(len(m.funcs)+1))
	exports = appendName(exports, "memory")
	exports = append(exports, exportMemory)
	exports = appendU32(exports, 0)
	for idx, fn := range m.funcs {
		exports = appendName(exports, fn.name)
		exports = append(exports, exportFunc)
		exports = appendU32(exports, uint32(len(m.imports)+idx))
	}
	out = appendSection(out, 7, exports)

	var code []byte
	code = appendU32(code, uint32(len(m.funcs)))
	for _, fn := range m.funcs {
		var body []byte
		body = appendU32(body, 0) // no locals
		body = append(body, fn.code.b...)
		body = append(body, opEnd)
		code = appendU32(code, uint32(len(body)))
		code = append(code, body...)
	}
	out = appendSection(out, 10, code)

	if len(m.data) > 0 {
		var data []byte
		data = appendU32(data, uint32(len(m.data)))
		for _, seg := range m.data {
			data = append(data, 0x00, opI32Const)
			data = appendS64(data, int64(int32(seg.offset)))
			data = append(data, opEnd)
			data = appendU32(data, uint32(len(seg.data)))
			data = append(data, seg.data...)
		}
		out = appendSection(out, 11, data)
	}
	return out
}

// Arg is an argument to a host call.
type Arg struct {
	load  bool
	value int64
	typ   ValType
}

// Const is an i32 constant argument.
func Const(v int32) Arg { return Arg{value: int64(v), typ: I32} }

// Const64 is an i64 constant argument.
func Const64(v int64) Arg { return Arg{value: v, typ: I64} }

// Load is the i32 stored at addr when the argument is evaluated, typically a handle an earlier
// host call wrote out.
func Load(addr uint32) Arg { return Arg{load: true, value: int64(addr), typ: I32} }

// Code is the body of a function.
type Code struct {
	b []byte
}

// NewCode returns an empty function body.
func NewCode() *Code {
	return &Code{}
}

func (c *Code) push(a Arg) {
	switch {
	case a.load:
		c.b = append(c.b, opI32Const)
		c.b = appendS64(c.b, int64(int32(uint32(a.value))))
		c.b = append(c.b, opI32Load, 0x02, 0x00)
	case a.typ == I64:
		c.b = append(c.b, opI64Const)
		c.b = appendS64(c.b, a.value)
	default:
		c.b = append(c.b, opI32Const)
		c.b = appendS64(c.b, int64(int32(a.value)))
	}
}

// Call calls fn with args and drops its result.
func (c *Code) Call(fn uint32, args ...Arg) *Code {
	for _, a := range args {
		c.push(a)
	}
	c.b = append(c.b, opCall)
	c.b = appendU32(c.b, fn)
	c.b = append(c.b, opDrop)
	return c
}

// CallStore calls fn with args and stores its i32 result at addr.
func (c *Code) CallStore(addr uint32, fn uint32, args ...Arg) *Code {
	c.push(Const(int32(addr)))
	for _, a := range args {
		c.push(a)
	}
	c.b = append(c.b, opCall)
	c.b = appendU32(c.b, fn)
	c.b = append(c.b, opI32Store, 0x02, 0x00)
	return c
}

// Store writes an i32 to memory at addr.
func (c *Code) Store(addr uint32, v Arg) *Code {
	c.push(Const(int32(addr)))
	c.push(v)
	c.b = append(c.b, opI32Store, 0x02, 0x00)
	return c
}

// Unreachable traps.
func (c *Code) Unreachable() *Code {
	c.b = append(c.b, opUnreachable)
	return c
}

// Spin loops forever.
func (c *Code) Spin() *Code {
	c.b = append(c.b, opLoop, blockEmpty, opBr, 0x00, opEnd)
	return c
}

func appendSection(out []byte, id byte, payload []byte) []byte {
	out = append(out, id)
	out = appendU32(out, uint32(len(payload)))
	return append(out, payload...)
}

func appendFuncType(out []byte, t funcType) []byte {
	out = append(out, 0x60)
	out = appendU32(out, uint32(len(t.params)))
	for _, p := range t.params {
		out = append(out, byte(p))
	}
	out = appendU32(out, uint32(len(t.results)))
	for _, r := range t.results {
		out = append(out, byte(r))
	}
	return out
}

func appendName(out []byte, s string) []byte {
	out = appendU32(out, uint32(len(s)))
	return append(out, s...)
}

// appendU32 appends v as unsigned LEB128.
func appendU32(out []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

// appendS64 appends v as signed LEB128.
func appendS64(out []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func (t ValType) String() string {
	switch t {
	case I32:
		return "i32"
	case I64:
		return "i64"
	}
	return fmt.Sprintf("valtype(%#x)", byte(t))
}
