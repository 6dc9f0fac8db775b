package fasttime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestFasttime(t *testing.T, wasm []byte, opts ...Option) *Fasttime {
	t.Helper()
	f, err := NewFromWasm(wasm, opts...)
	if err != nil {
		t.Fatalf("NewFromWasm: %v", err)
	}
	t.Cleanup(func() { f.Close(context.Background()) })
	return f
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func get(path string) *http.Request {
	return httptest.NewRequest(http.MethodGet, "http://localhost:1337"+path, nil)
}

// forwardTo is a guest sending the downstream request to backend and relaying the answer.
func forwardTo(backend string) []byte {
	g := newGuest().init().downstream()
	a, l := g.str(backend)
	g.call("fastly_http_req", "send", load(gReq), load(gBody), a, l, c(gResp), c(gRespBody))
	return g.send().bytes()
}

func TestFasttime(t *testing.T) {
	t.Parallel()

	t.Run("simple-response", func(st *testing.T) {
		st.Parallel()
		g := newGuest().init().downstream().newResponse(201).header("X-Guest", "yes").write("Hello, ").write("world!")
		f := newTestFasttime(st, g.send().bytes())

		w := serve(f, get("/simple-response"))
		if w.Code != http.StatusCreated || w.Body.String() != "Hello, world!" {
			st.Errorf("got %d %q", w.Code, w.Body.String())
		}
		if w.Header().Get("X-Guest") != "yes" || w.Header().Get("Content-Length") != "13" {
			st.Errorf("headers = %v", w.Header())
		}
	})

	t.Run("dictionary", func(st *testing.T) {
		st.Parallel()
		g := newGuest().init().downstream()
		na, nl := g.str("config")
		g.call("fastly_dictionary", "open", na, nl, c(gDict))
		ka, kl := g.str("hello")
		g.call("fastly_dictionary", "get", load(gDict), ka, kl, c(valAt), c(valLen), c(gN))
		g.newResponse(0).writeValue().send()

		f := newTestFasttime(st, g.bytes(), WithDictionary("config", map[string]string{"hello": "there"}))
		if w := serve(f, get("/")); w.Code != http.StatusOK || w.Body.String() != "there" {
			st.Errorf("got %d %q", w.Code, w.Body.String())
		}
	})

	t.Run("header-lookup-ignores-case", func(st *testing.T) {
		st.Parallel()
		g := newGuest().init().downstream()
		na, nl := g.str("x-TEST")
		g.call("fastly_http_req", "header_value_get", load(gReq), na, nl, c(valAt), c(valLen), c(gN))
		g.newResponse(0).writeValue().send()

		f := newTestFasttime(st, g.bytes())
		r := get("/")
		r.Header.Set("X-Test", "hi")
		if w := serve(f, r); w.Body.String() != "hi" {
			st.Errorf("got %q", w.Body.String())
		}
	})

	t.Run("backend", func(st *testing.T) {
		st.Parallel()
		origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Origin", r.URL.Path)
			w.WriteHeader(http.StatusAccepted)
			io.WriteString(w, "origin got "+string(body))
		}))
		defer origin.Close()

		f := newTestFasttime(st, forwardTo("origin"), WithBackend("origin", origin.URL))
		r := httptest.NewRequest(http.MethodPost, "http://localhost:1337/proxied", strings.NewReader("ping"))
		w := serve(f, r)
		if w.Code != http.StatusAccepted || w.Body.String() != "origin got ping" {
			st.Errorf("got %d %q", w.Code, w.Body.String())
		}
		if w.Header().Get("X-Origin") != "/proxied" {
			st.Errorf("headers = %v", w.Header())
		}
	})

	t.Run("unmapped-backend", func(st *testing.T) {
		st.Parallel()
		f := newTestFasttime(st, forwardTo("nowhere"))
		if w := serve(f, get("/")); w.Code != http.StatusBadGateway {
			st.Errorf("status = %d, want 502", w.Code)
		}
	})

	t.Run("unreachable-backend", func(st *testing.T) {
		st.Parallel()
		f := newTestFasttime(st, forwardTo("origin"), WithBackend("origin", refusedAddress(st)))
		if w := serve(f, get("/")); w.Code != http.StatusServiceUnavailable {
			st.Errorf("status = %d, want 503", w.Code)
		}
	})

	t.Run("loop-detected", func(st *testing.T) {
		st.Parallel()
		f := newTestFasttime(st, respondWith(200, "never"))
		r := get("/")
		r.Header.Set("Cdn-Loop", "other, fasttime")
		if w := serve(f, r); w.Code != http.StatusLoopDetected {
			st.Errorf("status = %d, want 508", w.Code)
		}
	})

	t.Run("no-response", func(st *testing.T) {
		st.Parallel()
		f := newTestFasttime(st, newGuest().init().downstream().bytes())
		if w := serve(f, get("/")); w.Code != http.StatusInternalServerError {
			st.Errorf("status = %d, want 500", w.Code)
		}
	})

	t.Run("trap", func(st *testing.T) {
		st.Parallel()
		f := newTestFasttime(st, newGuest().init().downstream().newResponse(200).write("partial").send().trap().bytes())
		w := serve(f, get("/"))
		if w.Code != http.StatusInternalServerError || strings.Contains(w.Body.String(), "partial") {
			st.Errorf("got %d %q", w.Code, w.Body.String())
		}
	})

	t.Run("unimplemented-hostcall", func(st *testing.T) {
		st.Parallel()
		// the body is as long as the status the stub returned
		g := newGuest().init().downstream()
		g.callStatus("fastly_kv_store", "open", c(0), c(0), c(0))
		g.newResponse(0)
		a, _ := g.str("abcdefgh")
		g.call("fastly_http_body", "write", load(gRespBody), a, load(gStatus), c(BodyWriteEndBack), c(gScratch))
		f := newTestFasttime(st, g.send().bytes())

		if w := serve(f, get("/")); w.Body.String() != "abcde" {
			st.Errorf("got %q, want a body of length %d", w.Body.String(), XqdErrUnsupported)
		}
	})

	t.Run("request-timeout", func(st *testing.T) {
		st.Parallel()
		release := make(chan struct{})
		defer close(release)
		slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})

		f := newTestFasttime(st, forwardTo("slow"), WithBackendHandler("slow", slow), WithRequestTimeout(50*time.Millisecond))
		if w := serve(f, get("/")); w.Code != http.StatusServiceUnavailable {
			st.Errorf("status = %d, want 503", w.Code)
		}
	})

	t.Run("guest-timeout", func(st *testing.T) {
		st.Parallel()
		f := newTestFasttime(st, newGuest().init().downstream().spin().bytes(), WithRequestTimeout(50*time.Millisecond))

		done := make(chan *httptest.ResponseRecorder, 1)
		go func() { done <- serve(f, get("/")) }()
		select {
		case w := <-done:
			if w.Code != http.StatusInternalServerError {
				st.Errorf("status = %d, want 500", w.Code)
			}
		case <-time.After(5 * time.Second):
			st.Fatal("a spinning guest outlived the request timeout")
		}
	})
}

func TestReloadWhileServing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		io.WriteString(w, "from A")
	})

	f := newTestFasttime(t, forwardTo("slow"), WithBackendHandler("slow", slow))

	first := make(chan *httptest.ResponseRecorder)
	go func() { first <- serve(f, get("/a")) }()
	<-entered

	if err := f.ReloadFromWasm(ctx, respondWith(200, "from B")); err != nil {
		t.Fatalf("ReloadFromWasm: %v", err)
	}
	if m := f.CurrentModule(); m.Generation != 2 {
		t.Errorf("generation = %d, want 2", m.Generation)
	}
	if w := serve(f, get("/b")); w.Body.String() != "from B" {
		t.Errorf("request after reload got %q", w.Body.String())
	}

	close(release)
	if w := <-first; w.Code != http.StatusOK || w.Body.String() != "from A" {
		t.Errorf("in-flight request got %d %q, want it to finish on the old module", w.Code, w.Body.String())
	}

	// a broken binary leaves the active module serving
	err := f.ReloadFromWasm(ctx, []byte("garbage"))
	var verr *ReloadValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("ReloadFromWasm(garbage) = %v", err)
	}
	if w := serve(f, get("/c")); w.Body.String() != "from B" {
		t.Errorf("request after a failed reload got %q", w.Body.String())
	}
	if f.Modules().Failures() != 1 {
		t.Errorf("Failures() = %d", f.Modules().Failures())
	}
}

func TestCloseWaitsForRequests(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})
	f, err := NewFromWasm(forwardTo("slow"), WithBackendHandler("slow", slow))
	if err != nil {
		t.Fatal(err)
	}

	go serve(f, get("/"))
	<-entered

	closed := make(chan error)
	go func() { closed <- f.Close(context.Background()) }()

	select {
	case err := <-closed:
		t.Fatalf("Close returned with a request in flight: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	if w := serve(f, get("/")); w.Code != http.StatusInternalServerError {
		t.Errorf("request after Close got %d", w.Code)
	}

	close(release)
	if err := <-closed; err != nil {
		t.Errorf("Close = %v", err)
	}
	if f.Modules().State() != ModuleUnloaded {
		t.Errorf("state = %s", f.Modules().State())
	}
}

func TestReloadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.wasm")
	if err := os.WriteFile(path, respondWith(200, "one"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer f.Close(context.Background())

	if w := serve(f, get("/")); w.Body.String() != "one" {
		t.Errorf("got %q", w.Body.String())
	}

	if err := os.WriteFile(path, respondWith(200, "two"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if w := serve(f, get("/")); w.Body.String() != "two" {
		t.Errorf("got %q after reload", w.Body.String())
	}
	if m := f.CurrentModule(); m.Source != path || m.Generation != 2 {
		t.Errorf("module = %s generation %d", m, m.Generation)
	}

	if _, err := New(filepath.Join(t.TempDir(), "missing.wasm")); err == nil {
		t.Error("New with a missing file should fail")
	}
}

func TestMaxInstances(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	})
	f := newTestFasttime(t, forwardTo("slow"), WithBackendHandler("slow", slow), WithMaxInstances(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(f, get("/"))
	}()
	<-entered

	// the only slot is taken, so a second request gives up when its context ends
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if w := serve(f, get("/").WithContext(ctx)); w.Code != http.StatusInternalServerError {
		t.Errorf("request without a slot got %d", w.Code)
	}

	close(release)
	<-done
}
