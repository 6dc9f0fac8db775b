package fasttime

import "sort"

// Dictionaries is the process wide set of named dictionaries. It is assembled from options when
// a Fasttime is created and read-only afterwards, so lookups need no locking.
type Dictionaries struct {
	m map[string]map[string]string
}

// Lookup returns the value for key in the named dictionary. ErrUnknownDictionary and
// ErrKeyNotFound distinguish the two ways a lookup can miss.
func (d *Dictionaries) Lookup(name, key string) (string, error) {
	entries, ok := d.m[name]
	if !ok {
		return "", ErrUnknownDictionary
	}
	v, ok := entries[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

func (d *Dictionaries) open(name string) (*DictionaryHandle, error) {
	entries, ok := d.m[name]
	if !ok {
		return nil, ErrUnknownDictionary
	}
	return &DictionaryHandle{name: name, entries: entries}, nil
}

// Names returns the configured dictionary names in sorted order.
func (d *Dictionaries) Names() []string {
	names := make([]string, 0, len(d.m))
	for n := range d.m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// add merges entries into the named dictionary. A later value for an existing key replaces the
// earlier one.
func (d *Dictionaries) add(name string, entries map[string]string) {
	if d.m == nil {
		d.m = map[string]map[string]string{}
	}
	dict, ok := d.m[name]
	if !ok {
		dict = make(map[string]string, len(entries))
		d.m[name] = dict
	}
	for k, v := range entries {
		dict[k] = v
	}
}
