package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

// newFlagSet mirrors the root command's flags on a fresh set so tests don't share state.
func newFlagSet(c *config) *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringVarP(&c.Wasm, "wasm", "w", "bin/main.wasm", "")
	fs.IntVarP(&c.Port, "port", "p", 3000, "")
	fs.StringVar(&c.Bind, "bind", "localhost", "")
	fs.BoolVar(&c.Watch, "watch", false, "")
	fs.DurationVar(&c.Timeout, "timeout", 0, "")
	fs.CountVarP(&c.Verbosity, "verbose", "v", "")
	fs.VarP(backendsFlag{&c.Backends}, "backend", "b", "")
	fs.VarP(dictionariesFlag{&c.Dictionaries}, "dictionary", "d", "")
	fs.Var(loggersFlag{&c.Loggers}, "logger", "")
	return fs
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "fasttime.toml", `
wasm = "guest.wasm"
port = 8080
timeout = "5s"

[[backend]]
name = "origin"
address = "localhost:8000"

[[backend]]
name = "api"
address = "https://api.example.com"
timeout = "2s"

[[dictionary]]
name = "config"
entries = { hello = "there" }

[logger]
access = "access.log"
`)

	c, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if c.Wasm != "guest.wasm" || c.Port != 8080 || c.Timeout != 5*time.Second {
		t.Errorf("unexpected scalars: %+v", c)
	}
	want := []backendEntry{
		{Name: "origin", Address: "localhost:8000"},
		{Name: "api", Address: "https://api.example.com", Timeout: 2 * time.Second},
	}
	if !reflect.DeepEqual(c.Backends, want) {
		t.Errorf("backends = %+v, want %+v", c.Backends, want)
	}
	if len(c.Dictionaries) != 1 || c.Dictionaries[0].Entries["hello"] != "there" {
		t.Errorf("dictionaries = %+v", c.Dictionaries)
	}
	if c.Loggers["access"] != "access.log" {
		t.Errorf("loggers = %+v", c.Loggers)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "fasttime.toml", "wams = \"typo.wasm\"\n")
	_, err := loadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "wams") {
		t.Fatalf("expected an unknown key error naming wams, got %v", err)
	}
}

func TestMergeConfig(t *testing.T) {
	t.Parallel()

	file := config{
		Wasm:     "from-file.wasm",
		Port:     8080,
		Backends: []backendEntry{{Name: "origin", Address: "file:1"}},
		Dictionaries: []dictionaryEntry{
			{Name: "d", Entries: map[string]string{"a": "1"}},
		},
		Loggers: map[string]string{"one": "one.log"},
	}

	t.Run("command line wins when set", func(t *testing.T) {
		t.Parallel()
		var c config
		fs := newFlagSet(&c)
		if err := fs.Parse([]string{"-p", "9000", "-b", "origin:cli:2", "--logger", "one", "-vv"}); err != nil {
			t.Fatal(err)
		}

		got := mergeConfig(fs, c, file)
		if got.Port != 9000 {
			t.Errorf("port = %d, want 9000", got.Port)
		}
		if got.Wasm != "from-file.wasm" {
			t.Errorf("wasm = %q, the file value should win over an unset flag", got.Wasm)
		}
		if got.Verbosity != 2 {
			t.Errorf("verbosity = %d, want 2", got.Verbosity)
		}
		want := []backendEntry{{Name: "origin", Address: "file:1"}, {Name: "origin", Address: "cli:2"}}
		if !reflect.DeepEqual(got.Backends, want) {
			t.Errorf("backends = %+v, want %+v", got.Backends, want)
		}
		if path, ok := got.Loggers["one"]; !ok || path != "" {
			t.Errorf("logger one = %q, the command line entry should replace the file's", path)
		}
	})

	t.Run("defaults fill what the file leaves out", func(t *testing.T) {
		t.Parallel()
		var c config
		fs := newFlagSet(&c)
		if err := fs.Parse(nil); err != nil {
			t.Fatal(err)
		}

		got := mergeConfig(fs, c, config{Wasm: "x.wasm"})
		if got.Port != 3000 || got.Bind != "localhost" {
			t.Errorf("defaults not applied: %+v", got)
		}
		if got.Wasm != "x.wasm" {
			t.Errorf("wasm = %q", got.Wasm)
		}
	})
}

func TestDictionaryEntriesFromFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "dict.json", `{"hello": "file", "only": "file"}`)
	d := dictionaryEntry{Name: "d", File: path, Entries: map[string]string{"hello": "inline"}}

	entries, err := d.dictionaryEntries()
	if err != nil {
		t.Fatalf("dictionaryEntries: %v", err)
	}
	want := map[string]string{"hello": "inline", "only": "file"}
	if !reflect.DeepEqual(entries, want) {
		t.Errorf("entries = %v, want %v", entries, want)
	}

	if _, err := (dictionaryEntry{Name: "d", File: filepath.Join(t.TempDir(), "missing.json")}).dictionaryEntries(); err == nil {
		t.Error("expected an error for a missing dictionary file")
	}
}
