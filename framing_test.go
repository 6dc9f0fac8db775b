package fasttime

import (
	"net/http"
	"reflect"
	"testing"
)

func TestContentLengthIsValid(t *testing.T) {
	tests := []struct {
		name     string
		headers  http.Header
		expected bool
	}{
		{
			name:     "valid single content-length",
			headers:  http.Header{"Content-Length": []string{"123"}},
			expected: true,
		},
		{
			name:     "valid zero content-length",
			headers:  http.Header{"Content-Length": []string{"0"}},
			expected: true,
		},
		{
			name:     "invalid - multiple content-length values",
			headers:  http.Header{"Content-Length": []string{"123", "456"}},
			expected: false,
		},
		{
			name:     "invalid - contains non-digits",
			headers:  http.Header{"Content-Length": []string{"123abc"}},
			expected: false,
		},
		{
			name:     "invalid - negative number",
			headers:  http.Header{"Content-Length": []string{"-123"}},
			expected: false,
		},
		{
			name:     "invalid - empty value",
			headers:  http.Header{"Content-Length": []string{""}},
			expected: false,
		},
		{
			name:     "invalid - no content-length header",
			headers:  http.Header{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := contentLengthIsValid(tt.headers)
			if result != tt.expected {
				t.Errorf("contentLengthIsValid() = %v, want %v", result, tt.expected)
			}
		})
	}
}

func TestFilterFramingHeaders(t *testing.T) {
	h := http.Header{
		"Content-Length":    []string{"123"},
		"Transfer-Encoding": []string{"chunked"},
		"Content-Type":      []string{"text/plain"},
	}
	filterFramingHeaders(h)

	want := http.Header{"Content-Type": []string{"text/plain"}}
	if !reflect.DeepEqual(h, want) {
		t.Errorf("got %v, want %v", h, want)
	}
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{
		"Connection":   []string{"keep-alive, X-Session"},
		"Keep-Alive":   []string{"timeout=5"},
		"Upgrade":      []string{"websocket"},
		"X-Session":    []string{"abc"},
		"Content-Type": []string{"text/plain"},
		"X-Custom":     []string{"value"},
	}
	removeHopHeaders(h)

	want := http.Header{
		"Content-Type": []string{"text/plain"},
		"X-Custom":     []string{"value"},
	}
	if !reflect.DeepEqual(h, want) {
		t.Errorf("got %v, want %v", h, want)
	}
}

func TestHeaderLookupIgnoresCase(t *testing.T) {
	h := http.Header{}
	h.Set("X-Custom", "canonical")
	// stored without canonicalization, the way a guest-built map can end up
	h["x-raw"] = []string{"raw"}

	for _, name := range []string{"x-custom", "X-CUSTOM", "X-Custom"} {
		if v, ok := headerValues(h, name); !ok || v[0] != "canonical" {
			t.Errorf("headerValues(%q) = %v, %v", name, v, ok)
		}
	}
	if v, ok := headerValues(h, "X-Raw"); !ok || v[0] != "raw" {
		t.Errorf("headerValues(X-Raw) = %v, %v", v, ok)
	}
	if _, ok := headerValues(h, "x-missing"); ok {
		t.Error("x-missing should not be found")
	}

	if !headerDel(h, "X-RAW") {
		t.Error("headerDel should report the removed header")
	}
	if headerDel(h, "x-raw") {
		t.Error("headerDel of a missing header should report false")
	}

	if got, want := headerNames(h), []string{"x-custom"}; !reflect.DeepEqual(got, want) {
		t.Errorf("headerNames = %v, want %v", got, want)
	}
}
