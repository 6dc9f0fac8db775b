package fasttime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/semaphore"
)

// Fasttime carries the active guest module and everything a request needs from the host:
// backends, dictionaries and log endpoints. It is safe for concurrent use; each request gets
// an instance of its own.
type Fasttime struct {
	wasmfile string

	backends      Backends
	dictionaries  Dictionaries
	loggers       map[string]io.Writer
	defaultLogger func(name string) io.Writer
	geolookup     func(net.IP) Geo
	uaparser      UserAgentParser
	secureFn      func(*http.Request) bool

	requestTimeout   time.Duration
	maxInstances     int64
	memoryLimitPages uint32
	cacheDir         string
	stdout, stderr   io.Writer

	verbosity int
	baselog   *zap.Logger
	log       *zap.Logger
	abilog    *zap.SugaredLogger

	proxy   *Proxy
	logs    *LogEndpoints
	slots   *semaphore.Weighted
	cache   wazero.CompilationCache
	engine  *engine
	modules *ModuleManager
}

// New returns a Fasttime serving the wasm program at wasmfile. The file can be reloaded later
// with Reload.
func New(wasmfile string, opts ...Option) (*Fasttime, error) {
	f, err := newFasttime(opts)
	if err != nil {
		return nil, err
	}
	f.wasmfile = wasmfile
	if err := f.Reload(context.Background()); err != nil {
		f.Close(context.Background())
		return nil, err
	}
	return f, nil
}

// NewFromWasm returns a Fasttime serving the wasm bytes supplied.
func NewFromWasm(wasm []byte, opts ...Option) (*Fasttime, error) {
	f, err := newFasttime(opts)
	if err != nil {
		return nil, err
	}
	if err := f.ReloadFromWasm(context.Background(), wasm); err != nil {
		f.Close(context.Background())
		return nil, err
	}
	return f, nil
}

func newFasttime(opts []Option) (*Fasttime, error) {
	f := &Fasttime{
		loggers:       map[string]io.Writer{},
		defaultLogger: defaultLogger,
		geolookup:     DefaultGeo,
		uaparser:      ParseUserAgent,
		secureFn:      func(r *http.Request) bool { return r.TLS != nil },
		stdout:        os.Stdout,
		stderr:        os.Stderr,
		baselog:       zap.NewNop(),
	}
	for _, o := range opts {
		o(f)
	}

	level := zapcore.WarnLevel
	switch {
	case f.verbosity >= 2:
		level = zapcore.DebugLevel
	case f.verbosity == 1:
		level = zapcore.InfoLevel
	}
	f.log = f.baselog.WithOptions(zap.IncreaseLevel(level))
	f.abilog = zap.NewNop().Sugar()
	if f.verbosity >= 2 {
		f.abilog = f.baselog.Named("abi").Sugar()
	}

	if f.cacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(f.cacheDir)
		if err != nil {
			return nil, err
		}
		f.cache = cache
	} else {
		f.cache = wazero.NewCompilationCache()
	}

	if f.maxInstances > 0 {
		f.slots = semaphore.NewWeighted(f.maxInstances)
	}

	f.proxy = newProxy(&f.backends, f.log)
	f.logs = newLogEndpoints(f.loggers, f.defaultLogger, f.log)
	f.engine = &engine{
		cache:            f.cache,
		memoryLimitPages: f.memoryLimitPages,
		stdout:           f.stdout,
		stderr:           f.stderr,
		log:              f.log,
	}
	f.modules = newModuleManager(f.engine, f.log)
	return f, nil
}

// ServeHTTP serves the request with a fresh instance of the active module.
func (f *Fasttime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.Instantiate().ServeHTTP(w, r)
}

// Instantiate returns a new Instance ready to serve one request. The instance is bound to a
// module when it starts serving.
func (f *Fasttime) Instantiate() *Instance {
	return newInstance(f)
}

// Reload re-reads the wasm file the Fasttime was created with and swaps it in if it is valid and
// has changed. On error the previous module keeps serving.
func (f *Fasttime) Reload(ctx context.Context) error {
	if f.wasmfile == "" {
		return errors.New("fasttime: no wasm file to reload from")
	}
	_, err := f.modules.Reload(ctx, f.wasmfile, func() ([]byte, error) {
		return os.ReadFile(f.wasmfile)
	})
	return err
}

// ReloadFromWasm swaps in the supplied wasm bytes if they are valid.
func (f *Fasttime) ReloadFromWasm(ctx context.Context, wasm []byte) error {
	sum := sha256.Sum256(wasm)
	source := "wasm:" + hex.EncodeToString(sum[:6])
	_, err := f.modules.Reload(ctx, source, func() ([]byte, error) {
		return wasm, nil
	})
	return err
}

// CurrentModule returns the module new requests are served with.
func (f *Fasttime) CurrentModule() *Module {
	return f.modules.Current()
}

// Modules returns the lifecycle manager.
func (f *Fasttime) Modules() *ModuleManager {
	return f.modules
}

// Backends returns the configured backend entries in the order they were added.
func (f *Fasttime) Backends() []*Backend {
	return f.backends.All()
}

// Dictionaries returns the configured dictionaries.
func (f *Fasttime) Dictionaries() *Dictionaries {
	return &f.dictionaries
}

// Close stops accepting requests, waits for in-flight requests to complete (or ctx to end) and
// releases every resource held by the Fasttime.
func (f *Fasttime) Close(ctx context.Context) error {
	err := f.modules.Close(ctx)
	f.logs.Close()
	f.proxy.CloseIdleConnections()
	if cerr := f.cache.Close(context.Background()); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
