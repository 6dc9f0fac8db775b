package fasttime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

// loopMarker is added to the cdn-loop header of every backend request. A downstream request that
// already carries it has come back around through a backend pointing at this server.
const loopMarker = "fasttime"

// RequestState tracks a request through an Instance.
type RequestState int32

const (
	RequestReceived RequestState = iota
	RequestInstanceAcquired
	RequestGuestRunning
	RequestResponseReady
	RequestCompleted
	RequestFailed
)

func (s RequestState) String() string {
	switch s {
	case RequestReceived:
		return "received"
	case RequestInstanceAcquired:
		return "instance-acquired"
	case RequestGuestRunning:
		return "guest-running"
	case RequestResponseReady:
		return "response-ready"
	case RequestCompleted:
		return "completed"
	case RequestFailed:
		return "failed"
	}
	return "unknown"
}

// Instance is one execution of the guest for one request: a wasm instance with its own linear
// memory, bound to a fresh handle table. An Instance serves a single request and is never reused.
type Instance struct {
	f      *Fasttime
	module *Module
	wasm   api.Module
	memory *Memory

	handles HandleTable

	// ctx bounds everything done on behalf of the request, backend calls included
	ctx    context.Context
	log    *zap.Logger
	abilog *zap.SugaredLogger

	dsRequest       Handle
	dsBody          Handle
	originalHeaders []string
	clientIP        net.IP

	mu         sync.Mutex
	final      *finalResponse
	backendErr error

	state atomic.Int32
}

// finalResponse is what the guest sent downstream.
type finalResponse struct {
	resp *ResponseHandle
	body *BodyHandle
}

func newInstance(f *Fasttime) *Instance {
	return &Instance{
		f:      f,
		ctx:    context.Background(),
		log:    f.log,
		abilog: f.abilog,
	}
}

// State is where the instance is in serving its request.
func (i *Instance) State() RequestState {
	return RequestState(i.state.Load())
}

func (i *Instance) setState(s RequestState) {
	i.state.Store(int32(s))
}

// ServeHTTP serves the supplied request and response pair. This is not safe to call twice.
func (i *Instance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	i.setState(RequestReceived)
	defer i.teardown()

	if loopDetected(r) {
		// immediately respond with a loop detection
		w.WriteHeader(http.StatusLoopDetected)
		w.Write([]byte("Loop detected! This request has already come through your fasttime program.\n"))
		w.Write([]byte("You probably have a backend pointing back at this server?\n"))
		i.setState(RequestCompleted)
		return
	}

	// The context is always cancelled when serving ends, so backend calls the guest left
	// pending are abandoned rather than waited for.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	if i.f.requestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, i.f.requestTimeout)
		defer cancel()
	}
	i.ctx = ctx

	if i.f.slots != nil {
		if err := i.f.slots.Acquire(ctx, 1); err != nil {
			i.failed(w, fmt.Errorf("waiting for an instance slot: %w", err))
			return
		}
		defer i.f.slots.Release(1)
	}

	mod, err := i.f.modules.Acquire()
	if err != nil {
		i.failed(w, err)
		return
	}
	i.module = mod
	i.log = i.log.With(zap.Uint64("generation", mod.Generation))

	i.prepare(r)

	// Host functions find this instance through the context of the call.
	wctx := context.WithValue(ctx, instanceKey{}, i)
	wasm, err := mod.runtime.InstantiateModule(wctx, mod.compiled, i.f.engine.moduleConfig())
	if err != nil {
		i.failed(w, fmt.Errorf("instantiate: %w", err))
		return
	}
	i.wasm = wasm
	i.setState(RequestInstanceAcquired)

	i.setState(RequestGuestRunning)
	if err := i.run(wctx); err != nil {
		i.failed(w, err)
		return
	}

	i.mu.Lock()
	final := i.final
	i.mu.Unlock()
	if final == nil {
		i.failed(w, ErrNotFinalized)
		return
	}

	i.setState(RequestResponseReady)
	i.writeResponse(w, final)
	i.setState(RequestCompleted)
	i.log.Debug("request completed",
		zap.String("method", r.Method),
		zap.String("uri", r.URL.RequestURI()),
		zap.Int("status", final.resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))
}

// run calls the guest entrypoint. The entrypoint for a compute program takes no arguments and
// returns nothing. The program itself is responsible for getting a handle on the downstream
// request and sending a response downstream.
func (i *Instance) run(ctx context.Context) error {
	_, err := i.wasm.ExportedFunction("_start").Call(ctx)
	if err == nil {
		return nil
	}

	var exit *sys.ExitError
	if errors.As(err, &exit) {
		if exit.ExitCode() == 0 {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &GuestTrapError{ExitCode: exit.ExitCode(), Err: ctxErr}
		}
		return &GuestTrapError{ExitCode: exit.ExitCode(), Err: err}
	}
	return &GuestTrapError{Err: err}
}

// prepare seeds the handle table with the downstream request and its body. The guest sees an
// absolute URI and a Host header, the way the request arrived at the edge.
func (i *Instance) prepare(r *http.Request) {
	req := r.Clone(i.ctx)
	req.Body = nil

	req.URL.Scheme = "http"
	req.URL.Host = r.Host
	if req.Header.Get("Host") == "" && r.Host != "" {
		req.Header.Set("Host", r.Host)
	}
	i.originalHeaders = headerNames(req.Header)

	if i.f.secureFn(r) {
		req.URL.Scheme = "https"
		req.Header.Set("Fastly-SSL", "1")
	}

	body := r.Body
	if body == nil {
		body = http.NoBody
	}

	i.clientIP = clientAddr(r.RemoteAddr)
	i.dsRequest = i.handles.Allocate(&RequestHandle{Request: req, version: versionOf(r.ProtoMajor, r.ProtoMinor)})
	i.dsBody = i.handles.Allocate(NewReader(body))
}

// writeResponse copies the final response downstream. Framing headers are recomputed from the
// body that is actually sent.
func (i *Instance) writeResponse(w http.ResponseWriter, final *finalResponse) {
	h := w.Header()
	for k, v := range final.resp.Header {
		h[k] = append([]string(nil), v...)
	}
	removeHopHeaders(h)
	filterFramingHeaders(h)
	if n := final.body.Size(); n >= 0 {
		h.Set("Content-Length", strconv.FormatInt(n, 10))
	}

	w.WriteHeader(final.resp.StatusCode)
	if _, err := io.Copy(w, final.body); err != nil {
		i.log.Warn("writing response body", zap.Error(err))
	}
}

// failed answers a request that did not produce a response. The status reflects the last
// backend failure the guest saw, if any.
func (i *Instance) failed(w http.ResponseWriter, err error) {
	i.setState(RequestFailed)

	i.mu.Lock()
	backendErr := i.backendErr
	i.mu.Unlock()

	status := httpStatusFor(backendErr)
	fields := []zap.Field{zap.Int("status", status), zap.Error(err)}
	if backendErr != nil {
		fields = append(fields, zap.NamedError("backend_error", backendErr))
	}
	i.log.Error("request failed", fields...)

	http.Error(w, fmt.Sprintf("%s: %v", http.StatusText(status), err), status)
}

// teardown releases the wasm instance, every object still in the handle table and the module
// reference.
func (i *Instance) teardown() {
	if i.wasm != nil {
		i.wasm.Close(context.Background())
	}
	if err := i.handles.Close(); err != nil {
		i.log.Debug("closing handles", zap.Error(err))
	}
	// the guest may have retired the handle of the body it sent
	i.mu.Lock()
	if i.final != nil {
		i.final.body.Close()
	}
	i.mu.Unlock()
	if i.module != nil {
		i.module.Release()
	}
}

func loopDetected(r *http.Request) bool {
	for _, v := range r.Header.Values("Cdn-Loop") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), loopMarker) {
				return true
			}
		}
	}
	return false
}
