package fasttime

import (
	"encoding/json"
	"net"
)

// xqd_geo_lookup writes the JSON geolocation data for an address given as 4 or 16 octets.
func (i *Instance) xqd_geo_lookup(addr_octets int32, addr_len int32, addr int32, maxlen int32, nwritten_out int32) XqdStatus {
	if addr_len != net.IPv4len && addr_len != net.IPv6len {
		i.abilog.Debugf("geo_lookup: address length %d is neither IPv4 nor IPv6", addr_len)
		return XqdErrInvalidArgument
	}
	octets, err := i.memory.ReadBytes(addr_octets, addr_len)
	if err != nil {
		return i.fail("geo_lookup", err)
	}

	ip := net.IP(octets)
	i.abilog.Debugf("geo_lookup: ip=%s", ip)

	data, err := json.Marshal(i.f.geolookup(ip))
	if err != nil {
		return i.fail("geo_lookup", err)
	}
	return i.writeValue("geo_lookup", data, addr, maxlen, nwritten_out)
}
