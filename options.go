package fasttime

import (
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Option is a functional option applied to a Fasttime at creation time
type Option func(*Fasttime)

// WithBackend maps a backend name to an address, either "host:port" or a URL with an http or
// https scheme. A name can be given more than once: the last address is preferred and the
// earlier ones are tried, most recent first, when it fails to connect.
func WithBackend(name, address string) Option {
	return func(f *Fasttime) {
		f.backends.add(&Backend{Name: name, Address: address})
	}
}

// WithBackendHandler registers an `http.Handler` identified by `name` used for subrequests
// targeting that backend. The handler runs in-process; no connection is made.
func WithBackendHandler(name string, h http.Handler) Option {
	return func(f *Fasttime) {
		f.backends.add(&Backend{Name: name, Handler: h})
	}
}

// WithBackendConfig registers a fully configured Backend
func WithBackendConfig(b Backend) Option {
	return func(f *Fasttime) {
		f.backends.add(&b)
	}
}

// WithDictionary registers entries under a dictionary name. Registering the same name again
// merges the entries, and later values replace earlier ones for the same key.
func WithDictionary(name string, entries map[string]string) Option {
	return func(f *Fasttime) {
		f.dictionaries.add(name, entries)
	}
}

// WithLogger registers a new log endpoint usable from a wasm guest
func WithLogger(name string, w io.Writer) Option {
	return func(f *Fasttime) {
		f.loggers[name] = w
	}
}

// WithDefaultLogger sets a fallback logger for log endpoints not registered with WithLogger.
// The function receives the log endpoint name and returns an io.Writer.
func WithDefaultLogger(fn func(name string) io.Writer) Option {
	return func(f *Fasttime) {
		f.defaultLogger = fn
	}
}

// WithGeo replaces the default geographic lookup function
func WithGeo(fn func(net.IP) Geo) Option {
	return func(f *Fasttime) {
		f.geolookup = fn
	}
}

// WithUserAgentParser is an Option that converts user agent header values into UserAgent structs,
// called when the guest code uses the user agent parser hostcall.
func WithUserAgentParser(fn UserAgentParser) Option {
	return func(f *Fasttime) {
		f.uaparser = fn
	}
}

// WithSecureFunc sets a custom function to determine if a request should be considered "secure".
// When the function returns true, the request will have:
//   - URL scheme set to "https"
//   - "fastly-ssl" header set to "1"
//
// This affects how the wasm guest program sees the request.
// The default implementation checks if req.TLS is non-nil.
func WithSecureFunc(fn func(*http.Request) bool) Option {
	return func(f *Fasttime) {
		f.secureFn = fn
	}
}

// WithSystemLogger sets the logger lifecycle events, request failures and ABI traces are written
// to. The default discards everything.
func WithSystemLogger(log *zap.Logger) Option {
	return func(f *Fasttime) {
		f.baselog = log
	}
}

// WithVerbosity controls logging verbosity for ABI calls and system-level operations.
//   - Level 0 (default): warnings and errors only
//   - Level 1: lifecycle and request information
//   - Level 2: every ABI call from guest to host is traced at debug level
func WithVerbosity(v int) Option {
	return func(f *Fasttime) {
		f.verbosity = v
	}
}

// WithRequestTimeout bounds how long a single request may run, guest execution and backend calls
// included. A request that runs out of time fails with a 500. Zero means no limit.
func WithRequestTimeout(d time.Duration) Option {
	return func(f *Fasttime) {
		f.requestTimeout = d
	}
}

// WithMaxInstances bounds how many guest instances run at once. Requests beyond the limit wait
// for a free slot. Zero means no limit.
func WithMaxInstances(n int) Option {
	return func(f *Fasttime) {
		f.maxInstances = int64(n)
	}
}

// WithMemoryLimitPages caps the linear memory of each instance, in 64KiB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(f *Fasttime) {
		f.memoryLimitPages = pages
	}
}

// WithCompilationCacheDir persists compiled modules in dir so restarts skip compilation.
func WithCompilationCacheDir(dir string) Option {
	return func(f *Fasttime) {
		f.cacheDir = dir
	}
}

// WithGuestOutput redirects the guest's stdout and stderr, which default to the process's own.
func WithGuestOutput(stdout, stderr io.Writer) Option {
	return func(f *Fasttime) {
		f.stdout, f.stderr = stdout, stderr
	}
}
