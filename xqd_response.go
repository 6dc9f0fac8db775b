package fasttime

import (
	"net/http"

	"go.uber.org/zap"
)

// mutableResponse looks up a response the guest is about to change. A response that has been
// sent downstream is frozen.
func (i *Instance) mutableResponse(handle int32) (*ResponseHandle, error) {
	w, err := lookup[*ResponseHandle](&i.handles, handle, "response")
	if err != nil {
		return nil, err
	}
	if w.finalized {
		return nil, ErrAlreadyFinalized
	}
	return w, nil
}

// xqd_resp_new creates a new response handle: 200, HTTP/1.1, no headers.
func (i *Instance) xqd_resp_new(handle_out int32) XqdStatus {
	if err := i.checkHandleOut(handle_out); err != nil {
		return i.fail("resp_new", err)
	}
	wh := i.handles.Allocate(newResponseHandle())
	i.abilog.Debugf("resp_new: handle=%d", wh)

	if err := i.memory.PutGuestUint32(uint32(wh), handle_out); err != nil {
		return i.fail("resp_new", err)
	}
	return XqdStatusOK
}

// xqd_resp_status_set sets the HTTP status code for a response handle.
// The status code must be in the range 100-999, otherwise returns XqdErrInvalidArgument.
func (i *Instance) xqd_resp_status_set(handle int32, status int32) XqdStatus {
	w, err := i.mutableResponse(handle)
	if err != nil {
		return i.fail("resp_status_set", err)
	}

	if status < 100 || status > 999 {
		i.abilog.Debugf("resp_status_set: invalid status code %d", status)
		return XqdErrInvalidArgument
	}

	i.abilog.Debugf("resp_status_set: handle=%d status=%d", handle, status)
	w.StatusCode = int(status)
	w.Status = http.StatusText(w.StatusCode)
	return XqdStatusOK
}

// xqd_resp_status_get writes the HTTP status code of a response handle.
func (i *Instance) xqd_resp_status_get(handle int32, status_out int32) XqdStatus {
	w, err := lookup[*ResponseHandle](&i.handles, handle, "response")
	if err != nil {
		return i.fail("resp_status_get", err)
	}

	i.abilog.Debugf("resp_status_get: handle=%d status=%d", handle, w.StatusCode)
	if err := i.memory.PutGuestUint32(uint32(w.StatusCode), status_out); err != nil {
		return i.fail("resp_status_get", err)
	}
	return XqdStatusOK
}

// xqd_resp_version_set sets the HTTP protocol version for a response handle.
// Only HTTP/0.9, HTTP/1.0, and HTTP/1.1 are supported.
func (i *Instance) xqd_resp_version_set(handle int32, version int32) XqdStatus {
	w, err := i.mutableResponse(handle)
	if err != nil {
		return i.fail("resp_version_set", err)
	}

	if version != Http09 && version != Http10 && version != Http11 {
		i.abilog.Debugf("resp_version_set: invalid version %d", version)
		return XqdErrInvalidArgument
	}

	i.abilog.Debugf("resp_version_set: handle=%d version=%d", handle, version)
	w.version = version
	return XqdStatusOK
}

// xqd_resp_version_get writes the HTTP protocol version of a response handle.
func (i *Instance) xqd_resp_version_get(handle int32, version_out int32) XqdStatus {
	w, err := lookup[*ResponseHandle](&i.handles, handle, "response")
	if err != nil {
		return i.fail("resp_version_get", err)
	}

	i.abilog.Debugf("resp_version_get: handle=%d version=%d", handle, w.version)
	if err := i.memory.PutGuestUint32(uint32(w.version), version_out); err != nil {
		return i.fail("resp_version_get", err)
	}
	return XqdStatusOK
}

// xqd_resp_header_names_get iterates the response's header names in sorted order.
func (i *Instance) xqd_resp_header_names_get(handle int32, addr int32, maxlen int32, cursor int32, ending_cursor_out int32, nwritten_out int32) XqdStatus {
	w, err := lookup[*ResponseHandle](&i.handles, handle, "response")
	if err != nil {
		return i.fail("resp_header_names_get", err)
	}

	i.abilog.Debugf("resp_header_names_get: handle=%d cursor=%d", handle, cursor)
	return i.multivalue("resp_header_names_get", headerNames(w.Header), addr, maxlen, cursor, ending_cursor_out, nwritten_out)
}

// xqd_resp_header_value_get writes the first value of one response header. A missing header is
// reported as XqdErrNone.
func (i *Instance) xqd_resp_header_value_get(handle int32, name_addr int32, name_size int32, addr int32, maxlen int32, nwritten_out int32) XqdStatus {
	w, err := lookup[*ResponseHandle](&i.handles, handle, "response")
	if err != nil {
		return i.fail("resp_header_value_get", err)
	}
	return i.headerValueGet("resp_header_value_get", w.Header, name_addr, name_size, addr, maxlen, nwritten_out)
}

// xqd_resp_header_values_get iterates the values of one response header.
func (i *Instance) xqd_resp_header_values_get(handle int32, name_addr int32, name_size int32, addr int32, maxlen int32, cursor int32, ending_cursor_out int32, nwritten_out int32) XqdStatus {
	w, err := lookup[*ResponseHandle](&i.handles, handle, "response")
	if err != nil {
		return i.fail("resp_header_values_get", err)
	}
	return i.headerValuesGet("resp_header_values_get", w.Header, name_addr, name_size, addr, maxlen, cursor, ending_cursor_out, nwritten_out)
}

// xqd_resp_header_values_set replaces a response header with a NUL separated list of values.
// Format in memory: "value1\0value2\0value3\0"
func (i *Instance) xqd_resp_header_values_set(handle int32, name_addr int32, name_size int32, values_addr int32, values_size int32) XqdStatus {
	w, err := i.mutableResponse(handle)
	if err != nil {
		return i.fail("resp_header_values_set", err)
	}
	return i.headerValuesSet("resp_header_values_set", w.Header, name_addr, name_size, values_addr, values_size)
}

// xqd_resp_header_insert sets a response header, replacing any existing values for that header.
func (i *Instance) xqd_resp_header_insert(handle int32, name_addr int32, name_size int32, value_addr int32, value_size int32) XqdStatus {
	w, err := i.mutableResponse(handle)
	if err != nil {
		return i.fail("resp_header_insert", err)
	}
	return i.headerWrite("resp_header_insert", w.Header, false, name_addr, name_size, value_addr, value_size)
}

// xqd_resp_header_append adds a value to a response header without replacing existing values.
func (i *Instance) xqd_resp_header_append(handle int32, name_addr int32, name_size int32, value_addr int32, value_size int32) XqdStatus {
	w, err := i.mutableResponse(handle)
	if err != nil {
		return i.fail("resp_header_append", err)
	}
	return i.headerWrite("resp_header_append", w.Header, true, name_addr, name_size, value_addr, value_size)
}

// xqd_resp_header_remove deletes a header from the response.
// Returns XqdErrInvalidArgument if the header does not exist.
func (i *Instance) xqd_resp_header_remove(handle int32, name_addr int32, name_size int32) XqdStatus {
	w, err := i.mutableResponse(handle)
	if err != nil {
		return i.fail("resp_header_remove", err)
	}
	return i.headerRemove("resp_header_remove", w.Header, name_addr, name_size)
}

// xqd_resp_send_downstream finalizes the response: (whandle, bhandle) become what the client
// receives once the guest returns. Only the first response counts; a second one is rejected and
// logged. Streaming responses are not supported.
func (i *Instance) xqd_resp_send_downstream(whandle int32, bhandle int32, stream int32) XqdStatus {
	if stream != 0 {
		i.abilog.Debugf("resp_send_downstream: streaming is not supported")
		return XqdErrUnsupported
	}

	w, err := lookup[*ResponseHandle](&i.handles, whandle, "response")
	if err != nil {
		return i.fail("resp_send_downstream", err)
	}
	b, err := lookup[*BodyHandle](&i.handles, bhandle, "body")
	if err != nil {
		return i.fail("resp_send_downstream", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.final != nil {
		i.log.Warn("guest sent more than one downstream response, keeping the first",
			zap.Int("status", i.final.resp.StatusCode),
			zap.Int("ignored_status", w.StatusCode))
		return i.fail("resp_send_downstream", ErrAlreadyFinalized)
	}

	w.finalized = true
	b.finalized = true
	i.final = &finalResponse{resp: w, body: b}
	i.abilog.Debugf("resp_send_downstream: response=%d body=%d status=%d", whandle, bhandle, w.StatusCode)
	return XqdStatusOK
}

// xqd_resp_close discards a response handle.
func (i *Instance) xqd_resp_close(handle int32) XqdStatus {
	if _, err := lookup[*ResponseHandle](&i.handles, handle, "response"); err != nil {
		return i.fail("resp_close", err)
	}
	i.abilog.Debugf("resp_close: handle=%d", handle)
	if err := i.handles.Retire(Handle(uint32(handle))); err != nil {
		return i.fail("resp_close", err)
	}
	return XqdStatusOK
}
