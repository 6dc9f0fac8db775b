package fasttime

import (
	"fasttime.dev/internal/wasmtest"
)

// Memory layout of the test guests. Handles and counts written by hostcalls live in the first
// page, strings the guest passes in start at strAt and buffers it reads into at valAt.
const (
	gReq      = 0
	gBody     = 4
	gResp     = 8
	gRespBody = 12
	gN        = 16
	gDict     = 20
	gStatus   = 24
	gScratch  = 28
	strAt     = 256
	valAt     = 2048
	valLen    = 1024
)

// guest builds a straight-line program against the host ABI.
type guest struct {
	m    *wasmtest.Module
	code *wasmtest.Code
	fns  map[string]uint32
	next uint32
}

func newGuest() *guest {
	return &guest{
		m:    wasmtest.New(),
		code: wasmtest.NewCode(),
		fns:  map[string]uint32{},
		next: strAt,
	}
}

func (g *guest) fn(module, name string, n int) uint32 {
	key := module + "." + name
	idx, ok := g.fns[key]
	if !ok {
		idx = g.m.ImportI32(module, name, n)
		g.fns[key] = idx
	}
	return idx
}

// str places s in memory and returns its address and length as arguments.
func (g *guest) str(s string) (wasmtest.Arg, wasmtest.Arg) {
	addr := g.next
	g.m.String(addr, s)
	g.next += uint32(len(s))
	return c(int32(addr)), c(int32(len(s)))
}

// call invokes a hostcall and drops its status.
func (g *guest) call(module, name string, args ...wasmtest.Arg) *guest {
	g.code.Call(g.fn(module, name, len(args)), args...)
	return g
}

// callStatus invokes a hostcall and stores its status at gStatus.
func (g *guest) callStatus(module, name string, args ...wasmtest.Arg) *guest {
	g.code.CallStore(gStatus, g.fn(module, name, len(args)), args...)
	return g
}

func (g *guest) init() *guest {
	idx, ok := g.fns["fastly_abi.init"]
	if !ok {
		idx = g.m.Import("fastly_abi", "init", []wasmtest.ValType{wasmtest.I64}, wasmtest.I32)
		g.fns["fastly_abi.init"] = idx
	}
	g.code.Call(idx, wasmtest.Const64(1))
	return g
}

func (g *guest) downstream() *guest {
	return g.call("fastly_http_req", "body_downstream_get", c(gReq), c(gBody))
}

// newResponse creates the response and body handles at gResp and gRespBody.
func (g *guest) newResponse(status int32) *guest {
	g.call("fastly_http_resp", "new", c(gResp))
	g.call("fastly_http_body", "new", c(gRespBody))
	if status != 0 {
		g.call("fastly_http_resp", "status_set", load(gResp), c(status))
	}
	return g
}

func (g *guest) header(name, value string) *guest {
	na, nl := g.str(name)
	va, vl := g.str(value)
	return g.call("fastly_http_resp", "header_insert", load(gResp), na, nl, va, vl)
}

func (g *guest) write(s string) *guest {
	a, l := g.str(s)
	return g.call("fastly_http_body", "write", load(gRespBody), a, l, c(BodyWriteEndBack), c(gScratch))
}

// writeValue appends the gN bytes at valAt to the response body.
func (g *guest) writeValue() *guest {
	return g.call("fastly_http_body", "write", load(gRespBody), c(valAt), load(gN), c(BodyWriteEndBack), c(gScratch))
}

func (g *guest) send() *guest {
	return g.call("fastly_http_resp", "send_downstream", load(gResp), load(gRespBody), c(0))
}

func (g *guest) spin() *guest {
	g.code.Spin()
	return g
}

func (g *guest) trap() *guest {
	g.code.Unreachable()
	return g
}

func (g *guest) bytes() []byte {
	return g.m.Start(g.code).Bytes()
}

// respondWith is a guest answering every request with status and body.
func respondWith(status int32, body string) []byte {
	return newGuest().init().downstream().newResponse(status).write(body).send().bytes()
}

func c(v int32) wasmtest.Arg { return wasmtest.Const(v) }
func load(addr int32) wasmtest.Arg { return wasmtest.Load(uint32(addr)) }
