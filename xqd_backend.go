package fasttime

import (
	"strconv"
)

// Backend health as reported to the guest. Health checks are not run, so a mapped backend is
// always unknown.
const (
	BackendHealthUnknown   uint32 = 0
	BackendHealthHealthy   uint32 = 1
	BackendHealthUnhealthy uint32 = 2
)

// backendNamed reads a backend name from the guest and resolves it to the preferred entry.
func (i *Instance) backendNamed(call string, name_addr, name_size int32) (*Backend, XqdStatus) {
	name, err := i.memory.ReadString(name_addr, name_size)
	if err != nil {
		return nil, i.fail(call, err)
	}
	i.abilog.Debugf("%s: name=%q", call, name)

	b, err := i.f.backends.Resolve(name)
	if err != nil {
		return nil, i.fail(call, err)
	}
	return b, XqdStatusOK
}

// xqd_backend_exists writes 1 if a backend with the given name is configured and 0 if not.
func (i *Instance) xqd_backend_exists(name_addr int32, name_size int32, exists_out int32) XqdStatus {
	name, err := i.memory.ReadString(name_addr, name_size)
	if err != nil {
		return i.fail("backend_exists", err)
	}

	var exists uint32
	if len(i.f.backends.Candidates(name)) > 0 {
		exists = 1
	}
	i.abilog.Debugf("backend_exists: name=%q exists=%d", name, exists)

	if err := i.memory.PutGuestUint32(exists, exists_out); err != nil {
		return i.fail("backend_exists", err)
	}
	return XqdStatusOK
}

func (i *Instance) xqd_backend_is_healthy(name_addr int32, name_size int32, health_out int32) XqdStatus {
	if _, status := i.backendNamed("backend_is_healthy", name_addr, name_size); status != XqdStatusOK {
		return status
	}
	if err := i.memory.PutGuestUint32(BackendHealthUnknown, health_out); err != nil {
		return i.fail("backend_is_healthy", err)
	}
	return XqdStatusOK
}

// xqd_backend_get_host writes the host of the preferred address for a backend. An in-process
// backend has no host and returns XqdErrNone.
func (i *Instance) xqd_backend_get_host(name_addr int32, name_size int32, addr int32, maxlen int32, nwritten_out int32) XqdStatus {
	b, status := i.backendNamed("backend_get_host", name_addr, name_size)
	if status != XqdStatusOK {
		return status
	}
	if b.Address == "" {
		return XqdErrNone
	}

	u, err := b.baseURL()
	if err != nil {
		return i.fail("backend_get_host", err)
	}
	return i.writeValue("backend_get_host", []byte(u.Hostname()), addr, maxlen, nwritten_out)
}

// xqd_backend_get_port writes the port of a backend as a u16, defaulting from the scheme.
func (i *Instance) xqd_backend_get_port(name_addr int32, name_size int32, port_out int32) XqdStatus {
	b, status := i.backendNamed("backend_get_port", name_addr, name_size)
	if status != XqdStatusOK {
		return status
	}
	if b.Address == "" {
		return XqdErrNone
	}

	u, err := b.baseURL()
	if err != nil {
		return i.fail("backend_get_port", err)
	}

	var port uint16
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return i.fail("backend_get_port", err)
		}
		port = uint16(n)
	} else if u.Scheme == "https" {
		port = 443
	} else {
		port = 80
	}

	if err := i.memory.PutUint16(port, guestOffset(port_out)); err != nil {
		return i.fail("backend_get_port", err)
	}
	return XqdStatusOK
}

func (i *Instance) xqd_backend_is_ssl(name_addr int32, name_size int32, is_ssl_out int32) XqdStatus {
	b, status := i.backendNamed("backend_is_ssl", name_addr, name_size)
	if status != XqdStatusOK {
		return status
	}

	var ssl uint32
	if b.Address != "" {
		if u, err := b.baseURL(); err == nil && u.Scheme == "https" {
			ssl = 1
		}
	}
	if err := i.memory.PutGuestUint32(ssl, is_ssl_out); err != nil {
		return i.fail("backend_is_ssl", err)
	}
	return XqdStatusOK
}

// xqd_backend_get_connect_timeout_ms writes the timeout applied to calls to the backend.
func (i *Instance) xqd_backend_get_connect_timeout_ms(name_addr int32, name_size int32, timeout_out int32) XqdStatus {
	b, status := i.backendNamed("backend_get_connect_timeout_ms", name_addr, name_size)
	if status != XqdStatusOK {
		return status
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultBackendTimeout
	}
	if err := i.memory.PutGuestUint32(uint32(timeout.Milliseconds()), timeout_out); err != nil {
		return i.fail("backend_get_connect_timeout_ms", err)
	}
	return XqdStatusOK
}
