package fasttime

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// engine compiles guest programs. Every loaded module gets a runtime of its own, so a module can
// be closed without touching the one that replaced it. Compiled code is shared through the
// compilation cache.
type engine struct {
	cache            wazero.CompilationCache
	memoryLimitPages uint32
	stdout, stderr   io.Writer
	log              *zap.Logger
}

func (e *engine) runtimeConfig() wazero.RuntimeConfig {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if e.cache != nil {
		cfg = cfg.WithCompilationCache(e.cache)
	}
	if e.memoryLimitPages > 0 {
		cfg = cfg.WithMemoryLimitPages(e.memoryLimitPages)
	}
	return cfg
}

// load compiles wasm and links the host ABI into a fresh runtime. The returned runtime owns the
// compiled module; closing it releases both.
func (e *engine) load(ctx context.Context, wasm []byte) (wazero.Runtime, wazero.CompiledModule, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, e.runtimeConfig())
	fail := func(err error) (wazero.Runtime, wazero.CompiledModule, error) {
		rt.Close(context.Background())
		return nil, nil, err
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return fail(fmt.Errorf("instantiate wasi: %w", err))
	}

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return fail(fmt.Errorf("compile: %w", err))
	}
	if _, ok := compiled.ExportedFunctions()["_start"]; !ok {
		return fail(errors.New("module does not export _start"))
	}
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		return fail(errors.New("module does not export memory"))
	}

	if err := e.link(ctx, rt, compiled); err != nil {
		return fail(err)
	}
	return rt, compiled, nil
}

// link instantiates one host module per ABI namespace. Functions the guest imports from those
// namespaces that are not implemented here are linked to a stub returning XqdErrUnsupported, so
// guests built against newer SDKs still load and only fail if they make the call.
func (e *engine) link(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule) error {
	builders := map[string]wazero.HostModuleBuilder{}
	builder := func(module string) wazero.HostModuleBuilder {
		b, ok := builders[module]
		if !ok {
			b = rt.NewHostModuleBuilder(module)
			builders[module] = b
		}
		return b
	}

	defined := map[string]bool{}
	for _, hf := range hostFuncs {
		builder(hf.module).NewFunctionBuilder().WithFunc(hf.fn).Export(hf.name)
		defined[hf.module+"."+hf.name] = true
		if hf.legacy != "" {
			builder(legacyModule(hf.legacy)).NewFunctionBuilder().WithFunc(hf.fn).Export(hf.legacy)
			defined[legacyModule(hf.legacy)+"."+hf.legacy] = true
		}
	}

	var stubbed []string
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		if defined[module+"."+name] || !abiNamespace(module) {
			continue
		}
		builder(module).NewFunctionBuilder().
			WithGoModuleFunction(stub(module, name, len(def.ResultTypes()) > 0), def.ParamTypes(), def.ResultTypes()).
			Export(name)
		defined[module+"."+name] = true
		stubbed = append(stubbed, module+"."+name)
	}
	if len(stubbed) > 0 {
		sort.Strings(stubbed)
		e.log.Info("guest imports unimplemented hostcalls, they will return UNSUPPORTED", zap.Strings("imports", stubbed))
	}

	names := make([]string, 0, len(builders))
	for n := range builders {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if _, err := builders[n].Instantiate(ctx); err != nil {
			return fmt.Errorf("link %s: %w", n, err)
		}
	}
	return nil
}

// abiNamespace reports whether an import module belongs to the host ABI.
func abiNamespace(module string) bool {
	return module == "env" || module == "fastly" || strings.HasPrefix(module, "fastly_")
}

// legacyModule is the namespace the pre-1.0 SDKs import a legacy name from.
func legacyModule(name string) string {
	if name == "init" {
		return "fastly"
	}
	return "env"
}

func stub(module, name string, hasResult bool) api.GoModuleFunc {
	return func(ctx context.Context, m api.Module, stack []uint64) {
		if i := bind(ctx, m); i != nil {
			i.abilog.Debugf("%s.%s: not implemented", module, name)
		}
		if hasResult {
			stack[0] = api.EncodeI32(int32(XqdErrUnsupported))
		}
	}
}

// moduleConfig configures one guest instance. Instances are anonymous so any number of them can
// live in a runtime at once, and _start is invoked explicitly.
func (e *engine) moduleConfig() wazero.ModuleConfig {
	return wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithArgs("fasttime").
		WithStdout(e.stdout).
		WithStderr(e.stderr).
		WithSysWalltime().
		WithSysNanotime().
		WithSysNanosleep().
		WithRandSource(rand.Reader)
}

type instanceKey struct{}

// bind returns the Instance serving the call, attaching the guest's memory on first use. It
// returns nil outside of a request, for example while a module is validated.
func bind(ctx context.Context, m api.Module) *Instance {
	i, _ := ctx.Value(instanceKey{}).(*Instance)
	if i == nil {
		return nil
	}
	if i.memory == nil {
		mem := m.Memory()
		if mem == nil {
			return nil
		}
		i.memory = &Memory{&wasmMemory{mem}}
	}
	return i
}

type hostFunc struct {
	module string
	name   string
	legacy string
	fn     any
}

// hostFuncs is the implemented ABI. Entries with a legacy name are also exported under the
// pre-1.0 "env" namespace.
var hostFuncs = []hostFunc{
	// xqd.go
	{"fastly_abi", "init", "init", abiInit((*Instance).xqd_init)},
	{"fastly_uap", "parse", "", abi14((*Instance).xqd_uap_parse)},

	// xqd_request.go
	{"fastly_http_req", "body_downstream_get", "xqd_req_body_downstream_get", abi2((*Instance).xqd_req_body_downstream_get)},
	{"fastly_http_req", "downstream_client_ip_addr", "xqd_req_downstream_client_ip_addr", abi2((*Instance).xqd_req_downstream_client_ip_addr)},
	{"fastly_http_req", "original_header_names_get", "xqd_req_original_header_names_get", abi5((*Instance).xqd_req_original_header_names_get)},
	{"fastly_http_req", "original_header_count", "xqd_req_original_header_count", abi1((*Instance).xqd_req_original_header_count)},
	{"fastly_http_req", "new", "xqd_req_new", abi1((*Instance).xqd_req_new)},
	{"fastly_http_req", "method_get", "xqd_req_method_get", abi4((*Instance).xqd_req_method_get)},
	{"fastly_http_req", "method_set", "xqd_req_method_set", abi3((*Instance).xqd_req_method_set)},
	{"fastly_http_req", "uri_get", "xqd_req_uri_get", abi4((*Instance).xqd_req_uri_get)},
	{"fastly_http_req", "uri_set", "xqd_req_uri_set", abi3((*Instance).xqd_req_uri_set)},
	{"fastly_http_req", "version_get", "xqd_req_version_get", abi2((*Instance).xqd_req_version_get)},
	{"fastly_http_req", "version_set", "xqd_req_version_set", abi2((*Instance).xqd_req_version_set)},
	{"fastly_http_req", "header_names_get", "xqd_req_header_names_get", abi6((*Instance).xqd_req_header_names_get)},
	{"fastly_http_req", "header_value_get", "xqd_req_header_value_get", abi6((*Instance).xqd_req_header_value_get)},
	{"fastly_http_req", "header_values_get", "xqd_req_header_values_get", abi8((*Instance).xqd_req_header_values_get)},
	{"fastly_http_req", "header_values_set", "xqd_req_header_values_set", abi5((*Instance).xqd_req_header_values_set)},
	{"fastly_http_req", "header_insert", "xqd_req_header_insert", abi5((*Instance).xqd_req_header_insert)},
	{"fastly_http_req", "header_append", "xqd_req_header_append", abi5((*Instance).xqd_req_header_append)},
	{"fastly_http_req", "header_remove", "xqd_req_header_remove", abi3((*Instance).xqd_req_header_remove)},
	{"fastly_http_req", "cache_override_set", "xqd_req_cache_override_set", abi4((*Instance).xqd_req_cache_override_set)},
	{"fastly_http_req", "cache_override_v2_set", "xqd_req_cache_override_v2_set", abi6((*Instance).xqd_req_cache_override_v2_set)},
	{"fastly_http_req", "send", "xqd_req_send", abi6((*Instance).xqd_req_send)},
	{"fastly_http_req", "send_async", "xqd_req_send_async", abi5((*Instance).xqd_req_send_async)},
	{"fastly_http_req", "pending_req_poll", "xqd_pending_req_poll", abi4((*Instance).xqd_req_pending_req_poll)},
	{"fastly_http_req", "pending_req_wait", "xqd_pending_req_wait", abi3((*Instance).xqd_req_pending_req_wait)},
	{"fastly_http_req", "close", "xqd_req_close", abi1((*Instance).xqd_req_close)},

	// xqd_response.go
	{"fastly_http_resp", "new", "xqd_resp_new", abi1((*Instance).xqd_resp_new)},
	{"fastly_http_resp", "status_get", "xqd_resp_status_get", abi2((*Instance).xqd_resp_status_get)},
	{"fastly_http_resp", "status_set", "xqd_resp_status_set", abi2((*Instance).xqd_resp_status_set)},
	{"fastly_http_resp", "version_get", "xqd_resp_version_get", abi2((*Instance).xqd_resp_version_get)},
	{"fastly_http_resp", "version_set", "xqd_resp_version_set", abi2((*Instance).xqd_resp_version_set)},
	{"fastly_http_resp", "header_names_get", "xqd_resp_header_names_get", abi6((*Instance).xqd_resp_header_names_get)},
	{"fastly_http_resp", "header_value_get", "xqd_resp_header_value_get", abi6((*Instance).xqd_resp_header_value_get)},
	{"fastly_http_resp", "header_values_get", "xqd_resp_header_values_get", abi8((*Instance).xqd_resp_header_values_get)},
	{"fastly_http_resp", "header_values_set", "xqd_resp_header_values_set", abi5((*Instance).xqd_resp_header_values_set)},
	{"fastly_http_resp", "header_insert", "xqd_resp_header_insert", abi5((*Instance).xqd_resp_header_insert)},
	{"fastly_http_resp", "header_append", "xqd_resp_header_append", abi5((*Instance).xqd_resp_header_append)},
	{"fastly_http_resp", "header_remove", "xqd_resp_header_remove", abi3((*Instance).xqd_resp_header_remove)},
	{"fastly_http_resp", "send_downstream", "xqd_resp_send_downstream", abi3((*Instance).xqd_resp_send_downstream)},
	{"fastly_http_resp", "close", "xqd_resp_close", abi1((*Instance).xqd_resp_close)},

	// xqd_body.go
	{"fastly_http_body", "new", "xqd_body_new", abi1((*Instance).xqd_body_new)},
	{"fastly_http_body", "write", "xqd_body_write", abi5((*Instance).xqd_body_write)},
	{"fastly_http_body", "read", "xqd_body_read", abi4((*Instance).xqd_body_read)},
	{"fastly_http_body", "append", "xqd_body_append", abi2((*Instance).xqd_body_append)},
	{"fastly_http_body", "close", "xqd_body_close", abi1((*Instance).xqd_body_close)},

	// xqd_dictionary.go
	{"fastly_dictionary", "open", "xqd_dictionary_open", abi3((*Instance).xqd_dictionary_open)},
	{"fastly_dictionary", "get", "xqd_dictionary_get", abi6((*Instance).xqd_dictionary_get)},

	// xqd_backend.go
	{"fastly_backend", "exists", "", abi3((*Instance).xqd_backend_exists)},
	{"fastly_backend", "is_healthy", "", abi3((*Instance).xqd_backend_is_healthy)},
	{"fastly_backend", "get_host", "", abi5((*Instance).xqd_backend_get_host)},
	{"fastly_backend", "get_port", "", abi3((*Instance).xqd_backend_get_port)},
	{"fastly_backend", "is_ssl", "", abi3((*Instance).xqd_backend_is_ssl)},
	{"fastly_backend", "get_connect_timeout_ms", "", abi3((*Instance).xqd_backend_get_connect_timeout_ms)},

	// xqd_geo.go
	{"fastly_geo", "lookup", "", abi5((*Instance).xqd_geo_lookup)},

	// xqd_log.go
	{"fastly_log", "endpoint_get", "xqd_log_endpoint_get", abi3((*Instance).xqd_log_endpoint_get)},
	{"fastly_log", "write", "xqd_log_write", abi4((*Instance).xqd_log_write)},
}

// The abiN adapters turn an Instance method taking N i32 arguments into a host function that
// finds the Instance for the calling guest.

func abiInit(fn func(*Instance, int64) XqdStatus) func(context.Context, api.Module, int64) int32 {
	return func(ctx context.Context, m api.Module, a int64) int32 {
		i := bind(ctx, m)
		if i == nil {
			return int32(XqdError)
		}
		return int32(fn(i, a))
	}
}

func abi1(fn func(*Instance, int32) XqdStatus) func(context.Context, api.Module, int32) int32 {
	return func(ctx context.Context, m api.Module, a int32) int32 {
		i := bind(ctx, m)
		if i == nil {
			return int32(XqdError)
		}
		return int32(fn(i, a))
	}
}

func abi2(fn func(*Instance, int32, int32) XqdStatus) func(context.Context, api.Module, int32, int32) int32 {
	return func(ctx context.Context, m api.Module, a, b int32) int32 {
		i := bind(ctx, m)
		if i == nil {
			return int32(XqdError)
		}
		return int32(fn(i, a, b))
	}
}

func abi3(fn func(*Instance, int32, int32, int32) XqdStatus) func(context.Context, api.Module, int32, int32, int32) int32 {
	return func(ctx context.Context, m api.Module, a, b, c int32) int32 {
		i := bind(ctx, m)
		if i == nil {
			return int32(XqdError)
		}
		return int32(fn(i, a, b, c))
	}
}

func abi4(fn func(*Instance, int32, int32, int32, int32) XqdStatus) func(context.Context, api.Module, int32, int32, int32, int32) int32 {
	return func(ctx context.Context, m api.Module, a, b, c, d int32) int32 {
		i := bind(ctx, m)
		if i == nil {
			return int32(XqdError)
		}
		return int32(fn(i, a, b, c, d))
	}
}

func abi5(fn func(*Instance, int32, int32, int32, int32, int32) XqdStatus) func(context.Context, api.Module, int32, int32, int32, int32, int32) int32 {
	return func(ctx context.Context, m api.Module, a, b, c, d, e int32) int32 {
		i := bind(ctx, m)
		if i == nil {
			return int32(XqdError)
		}
		return int32(fn(i, a, b, c, d, e))
	}
}

func abi6(fn func(*Instance, int32, int32, int32, int32, int32, int32) XqdStatus) func(context.Context, api.Module, int32, int32, int32, int32, int32, int32) int32 {
	return func(ctx context.Context, m api.Module, a, b, c, d, e, f int32) int32 {
		i := bind(ctx, m)
		if i == nil {
			return int32(XqdError)
		}
		return int32(fn(i, a, b, c, d, e, f))
	}
}

func abi8(fn func(*Instance, int32, int32, int32, int32, int32, int32, int32, int32) XqdStatus) func(context.Context, api.Module, int32, int32, int32, int32, int32, int32, int32, int32) int32 {
	return func(ctx context.Context, m api.Module, a, b, c, d, e, f, g, h int32) int32 {
		i := bind(ctx, m)
		if i == nil {
			return int32(XqdError)
		}
		return int32(fn(i, a, b, c, d, e, f, g, h))
	}
}

func abi14(fn func(*Instance, int32, int32, int32, int32, int32, int32, int32, int32, int32, int32, int32, int32, int32, int32) XqdStatus) func(context.Context, api.Module, int32, int32, int32, int32, int32, int32, int32, int32, int32, int32, int32, int32, int32, int32) int32 {
	return func(ctx context.Context, m api.Module, a, b, c, d, e, f, g, h, j, k, l, n, o, p int32) int32 {
		i := bind(ctx, m)
		if i == nil {
			return int32(XqdError)
		}
		return int32(fn(i, a, b, c, d, e, f, g, h, j, k, l, n, o, p))
	}
}
