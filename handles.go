package fasttime

import (
	"bytes"
	"io"
	"net/http"
	"sync"
)

// Handle is an opaque reference handed to the guest. Zero is never allocated so the ABI can use
// it to mean "no handle".
type Handle uint32

// HandleInvalid is written to output parameters when a lookup by name fails. It is not a value
// the table ever allocates.
const HandleInvalid Handle = 4294967295 - 1

type handleEntry struct {
	obj  any
	live bool
}

// HandleTable maps handles to host objects for the lifetime of one instance. Handles are
// allocated monotonically from 1 and never reused: a retired handle stays dead for the rest of
// the invocation.
type HandleTable struct {
	mu      sync.Mutex
	entries []handleEntry
}

// Allocate stores obj and returns its new handle.
func (t *HandleTable) Allocate(obj any) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, handleEntry{obj: obj, live: true})
	return Handle(len(t.entries))
}

// Get returns the object behind h.
func (t *HandleTable) Get(h Handle) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h == 0 || int(h) > len(t.entries) || !t.entries[h-1].live {
		return nil, &InvalidHandleError{Handle: h}
	}
	return t.entries[h-1].obj, nil
}

// Retire invalidates h. Retiring twice is an error.
func (t *HandleTable) Retire(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h == 0 || int(h) > len(t.entries) || !t.entries[h-1].live {
		return &InvalidHandleError{Handle: h}
	}
	t.entries[h-1] = handleEntry{}
	return nil
}

// Len is the number of handles ever allocated, live or retired.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close releases every live object that holds an external resource and retires all handles.
func (t *HandleTable) Close() error {
	t.mu.Lock()
	entries := t.entries
	t.entries = make([]handleEntry, len(entries))
	t.mu.Unlock()

	var first error
	for _, e := range entries {
		if c, ok := e.obj.(io.Closer); ok && e.live {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

// lookup returns the object behind a guest supplied handle if it is live and of type T.
func lookup[T any](t *HandleTable, h int32, kind string) (T, error) {
	var zero T
	obj, err := t.Get(Handle(uint32(h)))
	if err != nil {
		return zero, &InvalidHandleError{Handle: Handle(uint32(h)), Kind: kind}
	}
	v, ok := obj.(T)
	if !ok {
		return zero, &InvalidHandleError{Handle: Handle(uint32(h)), Kind: kind}
	}
	return v, nil
}

// RequestHandle is an http.Request with extra metadata.
// Notably, the request body is ignored and instead the guest will provide a BodyHandle to use
type RequestHandle struct {
	*http.Request
	version int32
}

// ResponseHandle is an http.Response with extra metadata.
// Notably, the response body is ignored and instead the guest will provide a BodyHandle to use
type ResponseHandle struct {
	*http.Response
	version   int32
	finalized bool
}

func newResponseHandle() *ResponseHandle {
	return &ResponseHandle{
		Response: &http.Response{StatusCode: http.StatusOK, Header: http.Header{}},
		version:  Http11,
	}
}

// BodyHandle is a forward-only byte stream. A body may be backed by an upstream reader (the
// downstream request body or a backend response body), by bytes the guest wrote, or both: reads
// drain the upstream reader first and then the written bytes. A body cannot be rewound.
type BodyHandle struct {
	src       io.Reader
	closer    io.Closer
	buf       bytes.Buffer
	finalized bool
}

// NewBuffer creates an empty writable body.
func NewBuffer() *BodyHandle {
	return &BodyHandle{}
}

// NewReader creates a body streaming from rdr. The reader is closed with the body.
func NewReader(rdr io.ReadCloser) *BodyHandle {
	return &BodyHandle{src: rdr, closer: rdr}
}

// Read implements io.Reader. Once the body is exhausted every further call returns io.EOF.
func (b *BodyHandle) Read(p []byte) (int, error) {
	if b.src != nil {
		n, err := b.src.Read(p)
		if err == io.EOF {
			b.src = nil
			if n > 0 {
				return n, nil
			}
		} else {
			return n, err
		}
	}
	return b.buf.Read(p)
}

// Write appends to the body.
func (b *BodyHandle) Write(p []byte) (int, error) {
	if b.finalized {
		return 0, ErrAlreadyFinalized
	}
	return b.buf.Write(p)
}

// Append moves the remaining contents of src to the end of b.
func (b *BodyHandle) Append(src *BodyHandle) error {
	if b.finalized {
		return ErrAlreadyFinalized
	}
	_, err := io.Copy(&b.buf, src)
	return err
}

// Size is the body length if it is known without draining an upstream reader, otherwise -1.
func (b *BodyHandle) Size() int64 {
	if b.src != nil {
		return -1
	}
	return int64(b.buf.Len())
}

// Close implements io.Closer for a BodyHandle
func (b *BodyHandle) Close() error {
	b.src = nil
	if b.closer != nil {
		c := b.closer
		b.closer = nil
		return c.Close()
	}
	return nil
}

// PendingRequest represents an asynchronous backend call in flight
type PendingRequest struct {
	done     chan struct{}
	response *http.Response
	err      error
}

func newPendingRequest() *PendingRequest {
	return &PendingRequest{done: make(chan struct{})}
}

// Complete records the outcome of the call. It must be called exactly once.
func (pr *PendingRequest) Complete(resp *http.Response, err error) {
	pr.response = resp
	pr.err = err
	close(pr.done)
}

// IsReady checks if the pending request has completed (non-blocking)
func (pr *PendingRequest) IsReady() bool {
	select {
	case <-pr.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the pending request completes and returns the response
func (pr *PendingRequest) Wait() (*http.Response, error) {
	<-pr.done
	return pr.response, pr.err
}

// Close waits for the call and discards an unclaimed response.
func (pr *PendingRequest) Close() error {
	resp, err := pr.Wait()
	if err == nil && resp != nil && resp.Body != nil {
		return resp.Body.Close()
	}
	return nil
}

// DictionaryHandle is an opened dictionary.
type DictionaryHandle struct {
	name    string
	entries map[string]string
}

// LogEndpointHandle is an opened log endpoint.
type LogEndpointHandle struct {
	name string
	w    io.Writer
}
