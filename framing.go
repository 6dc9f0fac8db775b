package fasttime

import (
	"net/http"
	"net/textproto"
	"sort"
	"strings"
)

// hopHeaders are meaningful only for a single connection and are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders strips hop-by-hop headers, including any named by the Connection header.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = textproto.TrimString(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// filterFramingHeaders removes Content-Length and Transfer-Encoding headers from the header map.
// The HTTP library recomputes them from the body that is actually sent.
func filterFramingHeaders(headers http.Header) {
	headers.Del("Content-Length")
	headers.Del("Transfer-Encoding")
}

// contentLengthIsValid checks if the Content-Length header is valid.
// Returns true if there is exactly one Content-Length value and it contains only ASCII digits.
func contentLengthIsValid(headers http.Header) bool {
	values := headers.Values("Content-Length")
	if len(values) != 1 || len(values[0]) == 0 {
		return false
	}
	for _, b := range values[0] {
		if b < '0' || b > '9' {
			return false
		}
	}
	return true
}

// headerValues returns the values for name, matching case-insensitively even for keys that were
// stored without canonicalization.
func headerValues(h http.Header, name string) ([]string, bool) {
	if v, ok := h[textproto.CanonicalMIMEHeaderKey(name)]; ok {
		return v, true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// headerDel removes name and any differently cased duplicates of it.
func headerDel(h http.Header, name string) bool {
	var found bool
	for k := range h {
		if strings.EqualFold(k, name) {
			delete(h, k)
			found = true
		}
	}
	return found
}

// headerNames returns the lower-cased header names in sorted order.
func headerNames(h http.Header) []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, strings.ToLower(k))
	}
	sort.Strings(names)
	return names
}
