package fasttime

import (
	"errors"
	"reflect"
	"testing"
)

func TestDictionaries(t *testing.T) {
	t.Parallel()

	var d Dictionaries
	d.add("config", map[string]string{"hello": "there", "mode": "a"})
	d.add("config", map[string]string{"mode": "b"})
	d.add("empty", nil)

	if v, err := d.Lookup("config", "hello"); err != nil || v != "there" {
		t.Errorf("Lookup(config, hello) = %q, %v", v, err)
	}
	if v, _ := d.Lookup("config", "mode"); v != "b" {
		t.Errorf("a later value should replace an earlier one, got %q", v)
	}
	if _, err := d.Lookup("config", "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("missing key = %v", err)
	}
	if _, err := d.Lookup("nope", "hello"); !errors.Is(err, ErrUnknownDictionary) {
		t.Errorf("missing dictionary = %v", err)
	}
	if _, err := d.Lookup("empty", "x"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("an empty dictionary still exists, got %v", err)
	}

	if got, want := d.Names(), []string{"config", "empty"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	h, err := d.open("config")
	if err != nil || h.name != "config" || h.entries["hello"] != "there" {
		t.Errorf("open = %+v, %v", h, err)
	}
}
