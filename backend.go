package fasttime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBackendTimeout bounds connecting to a backend and waiting for its response headers.
const DefaultBackendTimeout = 30 * time.Second

// Backend is a named origin the guest can send requests to. A backend is either a network
// address or, for embedding and tests, an in-process http.Handler.
type Backend struct {
	Name string

	// Address is "host:port" or a URL with an http or https scheme.
	Address string

	// Handler serves requests in-process instead of dialing Address.
	Handler http.Handler

	// Timeout overrides DefaultBackendTimeout when non-zero.
	Timeout time.Duration
}

func (b *Backend) String() string {
	if b.Handler != nil && b.Address == "" {
		return b.Name + " > (handler)"
	}
	return b.Name + " > " + b.Address
}

// baseURL is the scheme and authority requests to this backend are sent to.
func (b *Backend) baseURL() (*url.URL, error) {
	addr := b.Address
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if u.Host == "" {
		return nil, fmt.Errorf("backend %q has no host in address %q", b.Name, b.Address)
	}
	return u, nil
}

// Backends is the ordered backend mapping. Entries sharing a name are all kept: the last one
// added is preferred and the earlier ones are fallbacks.
type Backends struct {
	entries []*Backend
}

func (bs *Backends) add(b *Backend) {
	bs.entries = append(bs.entries, b)
}

// All returns every configured entry in the order it was added.
func (bs *Backends) All() []*Backend {
	return append([]*Backend(nil), bs.entries...)
}

// Resolve returns the preferred backend for name, or an *UnmappedError.
func (bs *Backends) Resolve(name string) (*Backend, error) {
	c := bs.Candidates(name)
	if len(c) == 0 {
		return nil, &UnmappedError{Backend: name}
	}
	return c[0], nil
}

// Candidates returns every backend registered under name, most preferred first.
func (bs *Backends) Candidates(name string) []*Backend {
	var out []*Backend
	for i := len(bs.entries) - 1; i >= 0; i-- {
		if bs.entries[i].Name == name {
			out = append(out, bs.entries[i])
		}
	}
	return out
}

// Proxy performs outbound backend calls. Each backend gets its own client and connection pool;
// nothing is shared with the downstream connection.
type Proxy struct {
	backends *Backends
	log      *zap.Logger

	mu      sync.Mutex
	clients map[*Backend]*http.Client
}

func newProxy(backends *Backends, log *zap.Logger) *Proxy {
	return &Proxy{backends: backends, log: log, clients: map[*Backend]*http.Client{}}
}

// Send resolves name and forwards req to it. When the preferred address fails to connect the
// remaining candidates are tried in turn. The returned error is an *UnmappedError or a
// *ConnectError.
func (p *Proxy) Send(ctx context.Context, name string, req *http.Request, body []byte) (*http.Response, error) {
	candidates := p.backends.Candidates(name)
	if len(candidates) == 0 {
		return nil, &UnmappedError{Backend: name}
	}

	var lastErr error
	for _, b := range candidates {
		resp, err := p.Forward(ctx, req, body, b)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		p.log.Debug("backend candidate failed", zap.String("backend", name), zap.String("address", b.Address), zap.Error(err))
	}
	return nil, lastErr
}

// Forward sends req to a single backend. Method, headers (minus hop-by-hop headers) and body are
// passed through; the path and query of req are kept while scheme and host come from the
// backend. Any failure, including a timeout, is a *ConnectError.
func (p *Proxy) Forward(ctx context.Context, req *http.Request, body []byte, b *Backend) (*http.Response, error) {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}

	out, err := p.outgoing(ctx, req, body, b)
	if err != nil {
		return nil, &ConnectError{Backend: b.Name, Address: b.Address, Err: err}
	}

	if b.Handler != nil {
		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		resp, err := serveLocal(tctx, b.Handler, out.WithContext(tctx))
		if err != nil {
			return nil, &ConnectError{Backend: b.Name, Address: b.Address, Err: err}
		}
		return resp, nil
	}

	resp, err := p.client(b, timeout).Do(out)
	if err != nil {
		return nil, &ConnectError{Backend: b.Name, Address: b.Address, Err: err}
	}
	removeHopHeaders(resp.Header)
	return resp, nil
}

func (p *Proxy) outgoing(ctx context.Context, req *http.Request, body []byte, b *Backend) (*http.Request, error) {
	target := &url.URL{Scheme: "http", Host: b.Name, Path: "/"}
	if b.Address != "" {
		base, err := b.baseURL()
		if err != nil {
			return nil, err
		}
		target.Scheme, target.Host = base.Scheme, base.Host
	}
	if req.URL != nil {
		target.Path = req.URL.Path
		target.RawPath = req.URL.RawPath
		target.RawQuery = req.URL.RawQuery
	}
	if target.Path == "" {
		target.Path = "/"
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	out, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	removeHopHeaders(out.Header)
	filterFramingHeaders(out.Header)
	out.Header.Add("Cdn-Loop", loopMarker)
	out.ContentLength = int64(len(body))
	if len(body) == 0 {
		out.Body = http.NoBody
	}
	return out, nil
}

func (p *Proxy) client(b *Backend, timeout time.Duration) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[b]; ok {
		return c
	}

	dialer := &net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	c := &http.Client{
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
		},
		// The guest sees redirects as responses, like any other status.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	p.clients[b] = c
	return c
}

// CloseIdleConnections releases pooled backend connections.
func (p *Proxy) CloseIdleConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
}

// serveLocal runs an in-process backend handler and returns what it wrote.
func serveLocal(ctx context.Context, h http.Handler, req *http.Request) (*http.Response, error) {
	wr := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(wr, req)
	}()

	select {
	case <-done:
		resp := wr.Result()
		removeHopHeaders(resp.Header)
		// a handler can set any length it likes; a malformed one is dropped
		if len(resp.Header.Values("Content-Length")) > 0 && !contentLengthIsValid(resp.Header) {
			resp.Header.Del("Content-Length")
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readAllBody drains a guest body for sending upstream.
func readAllBody(b *BodyHandle) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	return io.ReadAll(b)
}
