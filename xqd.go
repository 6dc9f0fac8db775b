package fasttime

// xqd_init is called by the guest before any other hostcall to announce the ABI version it was
// built against. Only version 1 exists.
func (i *Instance) xqd_init(abiv int64) XqdStatus {
	i.abilog.Debugf("init: abiv=%d", abiv)
	if abiv != 1 {
		return XqdErrUnsupported
	}
	return XqdStatusOK
}

// xqd_uap_parse parses a user agent string with the configured UserAgentParser and writes the
// family and version components into four guest buffers.
func (i *Instance) xqd_uap_parse(
	addr int32, size int32,
	family_out, family_maxlen, family_nwritten_out int32,
	major_out, major_maxlen, major_nwritten_out int32,
	minor_out, minor_maxlen, minor_nwritten_out int32,
	patch_out, patch_maxlen, patch_nwritten_out int32,
) XqdStatus {
	useragent, err := i.memory.ReadString(addr, size)
	if err != nil {
		return i.fail("uap_parse", err)
	}

	ua := i.f.uaparser(useragent)
	i.abilog.Debugf("uap_parse: ua=%q family=%q version=%s.%s.%s", useragent, ua.Family, ua.Major, ua.Minor, ua.Patch)

	for _, field := range []struct {
		value                     string
		out, maxlen, nwritten_out int32
	}{
		{ua.Family, family_out, family_maxlen, family_nwritten_out},
		{ua.Major, major_out, major_maxlen, major_nwritten_out},
		{ua.Minor, minor_out, minor_maxlen, minor_nwritten_out},
		{ua.Patch, patch_out, patch_maxlen, patch_nwritten_out},
	} {
		if s := i.writeValue("uap_parse", []byte(field.value), field.out, field.maxlen, field.nwritten_out); s != XqdStatusOK {
			return s
		}
	}
	return XqdStatusOK
}
