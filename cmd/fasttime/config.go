package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// config is everything the command can be told, from flags or from a TOML file. The toml keys
// match the long flag names.
type config struct {
	Wasm           string        `toml:"wasm"`
	Port           int           `toml:"port"`
	Bind           string        `toml:"bind"`
	TLSCert        string        `toml:"tls-cert"`
	TLSKey         string        `toml:"tls-key"`
	Watch          bool          `toml:"watch"`
	ReloadOnSIGHUP bool          `toml:"reload-on-sighup"`
	Timeout        time.Duration `toml:"timeout"`
	MaxInstances   int           `toml:"max-instances"`
	Geo            string        `toml:"geo"`
	Verbosity      int           `toml:"verbosity"`

	Backends     []backendEntry    `toml:"backend"`
	Dictionaries []dictionaryEntry `toml:"dictionary"`
	Loggers      map[string]string `toml:"logger"`
}

type backendEntry struct {
	Name    string        `toml:"name"`
	Address string        `toml:"address"`
	Timeout time.Duration `toml:"timeout"`
}

type dictionaryEntry struct {
	Name    string            `toml:"name"`
	Entries map[string]string `toml:"entries"`

	// File is a JSON object of string values, read in addition to Entries.
	File string `toml:"file"`
}

// loadConfig reads a TOML config file. Unknown keys are an error so a typo does not silently
// fall back to a default.
func loadConfig(path string) (config, error) {
	var c config
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return config{}, fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}
	return c, nil
}

// mergeConfig combines a config file with the command line. Scalars given on the command line
// win. Backends and dictionaries are merged: the file's entries come first and the command line's
// are appended, so for a repeated name the command line entry is preferred.
func mergeConfig(fs *pflag.FlagSet, cli, file config) config {
	out := file
	pick := func(flag string, zero bool, apply func()) {
		if fs.Changed(flag) || zero {
			apply()
		}
	}

	pick("wasm", out.Wasm == "", func() { out.Wasm = cli.Wasm })
	pick("port", out.Port == 0, func() { out.Port = cli.Port })
	pick("bind", out.Bind == "", func() { out.Bind = cli.Bind })
	pick("tls-cert", out.TLSCert == "", func() { out.TLSCert = cli.TLSCert })
	pick("tls-key", out.TLSKey == "", func() { out.TLSKey = cli.TLSKey })
	pick("watch", !out.Watch, func() { out.Watch = cli.Watch })
	pick("reload-on-sighup", !out.ReloadOnSIGHUP, func() { out.ReloadOnSIGHUP = cli.ReloadOnSIGHUP })
	pick("timeout", out.Timeout == 0, func() { out.Timeout = cli.Timeout })
	pick("max-instances", out.MaxInstances == 0, func() { out.MaxInstances = cli.MaxInstances })
	pick("geo", out.Geo == "", func() { out.Geo = cli.Geo })
	pick("verbose", out.Verbosity == 0, func() { out.Verbosity = cli.Verbosity })

	out.Backends = append(append([]backendEntry(nil), file.Backends...), cli.Backends...)
	out.Dictionaries = append(append([]dictionaryEntry(nil), file.Dictionaries...), cli.Dictionaries...)

	out.Loggers = map[string]string{}
	for name, path := range file.Loggers {
		out.Loggers[name] = path
	}
	for name, path := range cli.Loggers {
		out.Loggers[name] = path
	}
	return out
}

// dictionaryEntries returns the entries of d, reading its file if it has one. Inline entries
// win over the file's.
func (d dictionaryEntry) dictionaryEntries() (map[string]string, error) {
	entries := map[string]string{}
	if d.File != "" {
		data, err := os.ReadFile(d.File)
		if err != nil {
			return nil, fmt.Errorf("reading dictionary %s: %w", d.Name, err)
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parsing dictionary %s from %s: %w", d.Name, d.File, err)
		}
	}
	for k, v := range d.Entries {
		entries[k] = v
	}
	return entries, nil
}

func (c config) backendNames() []string {
	var names []string
	for _, b := range c.Backends {
		names = append(names, b.Name+" > "+b.Address)
	}
	return names
}

func (c config) dictionaryNames() []string {
	seen := map[string]bool{}
	var names []string
	for _, d := range c.Dictionaries {
		if !seen[d.Name] {
			seen[d.Name] = true
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	return names
}
