package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	dimStyle      = lipgloss.NewStyle().Faint(true)
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#98FB98"))
	redirectStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD866"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

// accessLog writes one line per request:
//
//	127.0.0.1 - - [2006-01-02T15:04:05Z07:00] "GET /path HTTP/1.1" 200 1.2ms
type accessLog struct {
	next  http.Handler
	color bool

	mu  sync.Mutex
	out io.Writer
}

func newAccessLog(next http.Handler, out io.Writer, color bool) *accessLog {
	return &accessLog{next: next, out: out, color: color}
}

func (a *accessLog) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	a.next.ServeHTTP(rec, r)
	a.write(r, rec.status, time.Since(start))
}

func (a *accessLog) write(r *http.Request, status int, elapsed time.Duration) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || ip == "" {
		ip = "-"
	}

	prefix := fmt.Sprintf("%s - - [%s]", ip, time.Now().Format(time.RFC3339))
	code := strconv.Itoa(status)
	took := elapsed.Round(10 * time.Microsecond).String()

	if a.color {
		prefix = dimStyle.Render(prefix)
		took = dimStyle.Render(took)
		switch {
		case status >= 400:
			code = errorStyle.Render(code)
		case status >= 300:
			code = redirectStyle.Render(code)
		default:
			code = okStyle.Render(code)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.out, "%s \"%s %s %s\" %s %s\n", prefix, r.Method, r.URL.Path, r.Proto, code, took)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(p)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
