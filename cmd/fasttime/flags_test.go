package main

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func TestBackendsFlag(t *testing.T) {
	t.Parallel()

	var entries []backendEntry
	f := backendsFlag{&entries}
	for _, v := range []string{"origin:localhost:8000", "api:https://api.example.com"} {
		if err := f.Set(v); err != nil {
			t.Fatalf("Set(%q): %v", v, err)
		}
	}
	want := []backendEntry{
		{Name: "origin", Address: "localhost:8000"},
		{Name: "api", Address: "https://api.example.com"},
	}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("entries = %+v, want %+v", entries, want)
	}

	for _, bad := range []string{"noaddress", ":8000", "name:"} {
		if err := f.Set(bad); err == nil {
			t.Errorf("Set(%q) should fail", bad)
		}
	}
}

func TestDictionariesFlag(t *testing.T) {
	t.Parallel()

	var entries []dictionaryEntry
	f := dictionariesFlag{&entries}
	if err := f.Set("config:hello=there,mode=a=b"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	want := []dictionaryEntry{{Name: "config", Entries: map[string]string{"hello": "there", "mode": "a=b"}}}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("entries = %+v, want %+v", entries, want)
	}
	if got := f.String(); got != "config:hello=there,mode=a=b" {
		t.Errorf("String() = %q", got)
	}

	for _, bad := range []string{"nocolon", "config:novalue"} {
		if err := f.Set(bad); err == nil {
			t.Errorf("Set(%q) should fail", bad)
		}
	}
}

func TestLoggersFlag(t *testing.T) {
	t.Parallel()

	var paths map[string]string
	f := loggersFlag{&paths}
	if err := f.Set("stdout"); err != nil {
		t.Fatal(err)
	}
	if err := f.Set("file=out.log"); err != nil {
		t.Fatal(err)
	}
	if got := f.String(); got != "file=out.log, stdout" {
		t.Errorf("String() = %q", got)
	}
	if err := f.Set("=x"); err == nil {
		t.Error("a logger without a name should fail")
	}
}

func TestLoadGeoFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "geo.json", `{
		"10.0.0.0/8": {"city": "Wide"},
		"10.1.0.0/16": {"city": "Narrow"},
		"10.1.2.3": {"city": "Exact"}
	}`)
	lookup, err := loadGeoFile(path)
	if err != nil {
		t.Fatalf("loadGeoFile: %v", err)
	}

	for ip, city := range map[string]string{
		"10.1.2.3":   "Exact",
		"10.1.9.9":   "Narrow",
		"10.200.0.1": "Wide",
		"192.0.2.1":  "Austin",
	} {
		if got := lookup(net.ParseIP(ip)).City; got != city {
			t.Errorf("lookup(%s).City = %q, want %q", ip, got, city)
		}
	}

	bad := writeFile(t, "bad.json", `{"not-an-ip": {}}`)
	if _, err := loadGeoFile(bad); err == nil {
		t.Error("expected an error for an invalid key")
	}
}

func TestAccessLog(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	h := newAccessLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), &out, false)

	req := httptest.NewRequest(http.MethodGet, "/brew", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	h.ServeHTTP(httptest.NewRecorder(), req)

	line := out.String()
	for _, want := range []string{"192.0.2.10 - - [", `"GET /brew HTTP/1.1" 418 `} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %q", line, want)
		}
	}
}
