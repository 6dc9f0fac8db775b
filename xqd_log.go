package fasttime

// xqd_log_endpoint_get writes a handle to the named log endpoint. Names that were not
// configured log to stdout, prefixed with the endpoint name.
func (i *Instance) xqd_log_endpoint_get(name_addr int32, name_size int32, handle_out int32) XqdStatus {
	name, err := i.memory.ReadString(name_addr, name_size)
	if err != nil {
		return i.fail("log_endpoint_get", err)
	}

	i.abilog.Debugf("log_endpoint_get: name=%s", name)

	lh := i.handles.Allocate(&LogEndpointHandle{name: name, w: i.f.logs.get(name)})
	if err := i.memory.PutGuestUint32(uint32(lh), handle_out); err != nil {
		return i.fail("log_endpoint_get", err)
	}
	return XqdStatusOK
}

func (i *Instance) xqd_log_write(handle int32, addr int32, size int32, nwritten_out int32) XqdStatus {
	i.abilog.Debugf("log_write: handle=%d size=%d", handle, size)

	l, err := lookup[*LogEndpointHandle](&i.handles, handle, "log endpoint")
	if err != nil {
		return i.fail("log_write", err)
	}

	msg, err := i.memory.ReadBytes(addr, size)
	if err != nil {
		return i.fail("log_write", err)
	}

	nwritten, err := l.w.Write(msg)
	if err != nil {
		i.abilog.Debugf("log_write: endpoint=%s error=%v", l.name, err)
		return XqdError
	}

	if err := i.memory.PutGuestUint32(uint32(nwritten), nwritten_out); err != nil {
		return i.fail("log_write", err)
	}
	return XqdStatusOK
}
