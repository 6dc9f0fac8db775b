package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"fasttime.dev"
)

type geoEntry struct {
	network *net.IPNet
	ip      net.IP
	geo     fasttime.Geo
}

// loadGeoFile loads a JSON object mapping addresses or CIDRs to geo data. An exact address match
// wins, then the most specific network. Anything else gets fasttime.DefaultGeo.
func loadGeoFile(filename string) (func(net.IP) fasttime.Geo, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("reading geo file: %w", err)
	}

	var geoData map[string]fasttime.Geo
	if err := json.Unmarshal(data, &geoData); err != nil {
		return nil, fmt.Errorf("parsing geo file %s: %w", filename, err)
	}

	entries := make([]geoEntry, 0, len(geoData))
	for key, geo := range geoData {
		if _, network, err := net.ParseCIDR(key); err == nil {
			entries = append(entries, geoEntry{network: network, geo: geo})
			continue
		}
		if ip := net.ParseIP(key); ip != nil {
			entries = append(entries, geoEntry{ip: ip, geo: geo})
			continue
		}
		return nil, fmt.Errorf("invalid IP or CIDR in geo file: %s", key)
	}

	return func(ip net.IP) fasttime.Geo {
		for _, entry := range entries {
			if entry.ip != nil && entry.ip.Equal(ip) {
				return entry.geo
			}
		}

		var best *geoEntry
		bestSize := -1
		for i := range entries {
			entry := &entries[i]
			if entry.network == nil || !entry.network.Contains(ip) {
				continue
			}
			if size, _ := entry.network.Mask.Size(); size > bestSize {
				best, bestSize = entry, size
			}
		}
		if best != nil {
			return best.geo
		}
		return fasttime.DefaultGeo(ip)
	}, nil
}
