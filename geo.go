package fasttime

import (
	"encoding/json"
	"net"
	"net/http"
)

// Geo represents geographic data associated with a particular IP address
// See: https://docs.rs/crate/fastly/0.3.2/source/src/geo.rs
type Geo struct {
	ASName           string  `json:"as_name"`
	ASNumber         int     `json:"as_number"`
	AreaCode         int     `json:"area_code"`
	City             string  `json:"city"`
	ConnSpeed        string  `json:"conn_speed"`
	ConnType         string  `json:"conn_type"`
	Continent        string  `json:"continent"`
	CountryCode      string  `json:"country_code"`
	CountryCode3     string  `json:"country_code3"`
	CountryName      string  `json:"country_name"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	MetroCode        int     `json:"metro_code"`
	PostalCode       string  `json:"postal_code"`
	ProxyDescription string  `json:"proxy_description"`
	ProxyType        string  `json:"proxy_type"`
	Region           string  `json:"region,omitempty"`
	UTCOffset        int     `json:"utc_offset"`
}

// DefaultGeo is the lookup used when no WithGeo option is given. Every address resolves to the
// same place.
func DefaultGeo(ip net.IP) Geo {
	return Geo{
		ASName:   "fasttime",
		ASNumber: 64496,

		AreaCode:     512,
		City:         "Austin",
		CountryCode:  "US",
		CountryCode3: "USA",
		CountryName:  "United States of America",
		Continent:    "NA",
		Latitude:     30.27,
		Longitude:    -97.74,
		MetroCode:    635,
		PostalCode:   "78701",
		Region:       "TX",
		UTCOffset:    -600,

		ConnSpeed: "broadband",
		ConnType:  "wired",
	}
}

// geoBackendName is the reserved backend the guest SDK queries for geolocation data.
const geoBackendName = "geolocation"

// GeoHandler answers geolocation backend requests with the JSON encoded result of fn for the
// address carried in the fastly-xqd-arg1 header.
func GeoHandler(fn func(net.IP) Geo) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := net.ParseIP(r.Header.Get("fastly-xqd-arg1"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(fn(ip))
	})
}
