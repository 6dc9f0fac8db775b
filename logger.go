package fasttime

import (
	"bytes"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// logQueueSize bounds how many lines an endpoint buffers before new lines are dropped.
const logQueueSize = 1024

// LogEndpoints maps endpoint names to their destinations. Guest writes are queued and flushed by
// one goroutine per endpoint, so a slow or broken destination never stalls the guest.
type LogEndpoints struct {
	mu        sync.Mutex
	endpoints map[string]*asyncWriter
	fallback  func(name string) io.Writer
	log       *zap.Logger
	closed    bool
}

func newLogEndpoints(configured map[string]io.Writer, fallback func(string) io.Writer, log *zap.Logger) *LogEndpoints {
	if fallback == nil {
		fallback = defaultLogger
	}
	l := &LogEndpoints{
		endpoints: map[string]*asyncWriter{},
		fallback:  fallback,
		log:       log,
	}
	for name, w := range configured {
		l.endpoints[name] = newAsyncWriter(name, w, log)
	}
	return l
}

// get returns the endpoint for name, creating it on the default destination if it was not
// configured.
func (l *LogEndpoints) get(name string) io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.endpoints[name]; ok {
		return w
	}
	if l.closed {
		return io.Discard
	}
	w := newAsyncWriter(name, l.fallback(name), l.log)
	l.endpoints[name] = w
	return w
}

// Names returns the names of every endpoint known so far.
func (l *LogEndpoints) Names() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.endpoints))
	for n := range l.endpoints {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Flush blocks until every line queued so far has been handed to its destination.
func (l *LogEndpoints) Flush() {
	l.mu.Lock()
	writers := make([]*asyncWriter, 0, len(l.endpoints))
	for _, w := range l.endpoints {
		writers = append(writers, w)
	}
	l.mu.Unlock()

	for _, w := range writers {
		w.flush()
	}
}

// Close flushes and stops every endpoint.
func (l *LogEndpoints) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	writers := l.endpoints
	l.mu.Unlock()

	for _, w := range writers {
		w.close()
	}
}

type logLine struct {
	data []byte
	ack  chan struct{}
}

type asyncWriter struct {
	name    string
	w       io.Writer
	log     *zap.Logger
	queue   chan logLine
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func newAsyncWriter(name string, w io.Writer, log *zap.Logger) *asyncWriter {
	a := &asyncWriter{
		name:  name,
		w:     w,
		log:   log,
		queue: make(chan logLine, logQueueSize),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

// Write never blocks: when the queue is full, or the endpoint is closed, the line is dropped.
func (a *asyncWriter) Write(p []byte) (int, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return len(p), nil
	}

	select {
	case a.queue <- logLine{data: bytes.Clone(p)}:
	default:
		if a.dropped.Add(1) == 1 {
			a.log.Warn("log endpoint is not keeping up, dropping lines", zap.String("endpoint", a.name))
		}
	}
	return len(p), nil
}

func (a *asyncWriter) run() {
	defer close(a.done)
	for line := range a.queue {
		if line.ack != nil {
			close(line.ack)
			continue
		}
		if _, err := a.w.Write(line.data); err != nil {
			a.log.Warn("log endpoint write failed", zap.String("endpoint", a.name), zap.Error(err))
		}
	}
}

func (a *asyncWriter) flush() {
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return
	}
	ack := make(chan struct{})
	a.queue <- logLine{ack: ack}
	a.mu.RUnlock()
	<-ack
}

func (a *asyncWriter) close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

func defaultLogger(name string) io.Writer {
	return NewPrefixWriter(name, LineWriter{os.Stdout})
}

// LineWriter takes a writer and returns a new writer that ensures each Write call ends with
// a newline
type LineWriter struct{ io.Writer }

// Write implements io.Writer for LineWriter
func (lw LineWriter) Write(data []byte) (int, error) {
	l := len(data)
	// Ensure that all newlines in data are escaped, after stripping any trailing newlines
	data = bytes.TrimRight(data, "\n")
	data = bytes.ReplaceAll(data, []byte("\n"), []byte("\\n"))
	msg := make([]byte, 0, len(data)+1)
	msg = append(msg, data...)
	msg = append(msg, '\n')
	if n, err := lw.Writer.Write(msg); err != nil {
		return n, err
	}
	return l, nil
}

// PrefixWriter prepends "prefix: " to every write.
type PrefixWriter struct {
	io.Writer
	prefix string
}

func (w *PrefixWriter) Write(data []byte) (n int, err error) {
	l := len(data)
	msg := make([]byte, 0, len(w.prefix)+2+len(data))
	msg = append(msg, w.prefix...)
	msg = append(msg, ": "...)
	msg = append(msg, data...)

	if n, err := w.Writer.Write(msg); err != nil {
		return n, err
	}

	return l, nil
}

func NewPrefixWriter(prefix string, w io.Writer) *PrefixWriter {
	return &PrefixWriter{Writer: w, prefix: prefix}
}
