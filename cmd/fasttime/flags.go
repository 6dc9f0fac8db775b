package main

import (
	"fmt"
	"sort"
	"strings"
)

// backendsFlag implements pflag.Value for repeated --backend name:address flags
type backendsFlag struct{ entries *[]backendEntry }

func (f backendsFlag) String() string {
	results := make([]string, 0, len(*f.entries))
	for _, b := range *f.entries {
		results = append(results, b.Name+":"+b.Address)
	}
	return strings.Join(results, ", ")
}

func (f backendsFlag) Set(v string) error {
	name, addr, ok := strings.Cut(v, ":")
	if !ok || name == "" || addr == "" {
		return fmt.Errorf("invalid backend %q, expected name:address", v)
	}
	*f.entries = append(*f.entries, backendEntry{Name: name, Address: addr})
	return nil
}

func (f backendsFlag) Type() string { return "name:address" }

// dictionariesFlag implements pflag.Value for repeated --dictionary name:key=value,key=value
// flags
type dictionariesFlag struct{ entries *[]dictionaryEntry }

func (f dictionariesFlag) String() string {
	results := make([]string, 0, len(*f.entries))
	for _, d := range *f.entries {
		keys := make([]string, 0, len(d.Entries))
		for k := range d.Entries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+d.Entries[k])
		}
		results = append(results, d.Name+":"+strings.Join(pairs, ","))
	}
	return strings.Join(results, ", ")
}

func (f dictionariesFlag) Set(v string) error {
	name, rest, ok := strings.Cut(v, ":")
	if !ok || name == "" {
		return fmt.Errorf("invalid dictionary %q, expected name:key=value,key=value", v)
	}

	entries := map[string]string{}
	for _, pair := range strings.Split(rest, ",") {
		k, val, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid dictionary entry %q in %q, expected key=value", pair, v)
		}
		entries[k] = val
	}
	*f.entries = append(*f.entries, dictionaryEntry{Name: name, Entries: entries})
	return nil
}

func (f dictionariesFlag) Type() string { return "name:key=value,..." }

// loggersFlag implements pflag.Value for repeated --logger name=file or --logger name flags. A
// logger without a file writes to stdout.
type loggersFlag struct{ paths *map[string]string }

func (f loggersFlag) String() string {
	names := make([]string, 0, len(*f.paths))
	for name := range *f.paths {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]string, 0, len(names))
	for _, name := range names {
		if path := (*f.paths)[name]; path != "" {
			results = append(results, name+"="+path)
		} else {
			results = append(results, name)
		}
	}
	return strings.Join(results, ", ")
}

func (f loggersFlag) Set(v string) error {
	name, path, _ := strings.Cut(v, "=")
	if name == "" {
		return fmt.Errorf("invalid logger %q, expected name=file or name", v)
	}
	if *f.paths == nil {
		*f.paths = map[string]string{}
	}
	(*f.paths)[name] = path
	return nil
}

func (f loggersFlag) Type() string { return "name[=file]" }
