package fasttime

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// xqd_req_body_downstream_get writes the handles of the downstream request and its body. The
// same pair is returned on every call.
func (i *Instance) xqd_req_body_downstream_get(request_handle_out int32, body_handle_out int32) XqdStatus {
	i.abilog.Debugf("req_body_downstream_get: request=%d body=%d", i.dsRequest, i.dsBody)

	if err := i.memory.PutGuestUint32(uint32(i.dsRequest), request_handle_out); err != nil {
		return i.fail("req_body_downstream_get", err)
	}
	if err := i.memory.PutGuestUint32(uint32(i.dsBody), body_handle_out); err != nil {
		return i.fail("req_body_downstream_get", err)
	}
	return XqdStatusOK
}

// xqd_req_downstream_client_ip_addr writes the raw octets of the client address, 4 bytes for
// IPv4 and 16 for IPv6. Nothing is written when the address is unknown.
func (i *Instance) xqd_req_downstream_client_ip_addr(addr_octets_out int32, nwritten_out int32) XqdStatus {
	var octets []byte
	if ip4 := i.clientIP.To4(); ip4 != nil {
		octets = ip4
	} else if i.clientIP != nil {
		octets = i.clientIP.To16()
	}
	i.abilog.Debugf("req_downstream_client_ip_addr: ip=%s", i.clientIP)

	if _, err := i.memory.WriteAt(octets, guestOffset(addr_octets_out)); err != nil {
		return i.fail("req_downstream_client_ip_addr", err)
	}
	if err := i.memory.PutGuestUint32(uint32(len(octets)), nwritten_out); err != nil {
		return i.fail("req_downstream_client_ip_addr", err)
	}
	return XqdStatusOK
}

// xqd_req_original_header_names_get iterates the header names of the downstream request as they
// were received, before the guest had a chance to change them.
func (i *Instance) xqd_req_original_header_names_get(addr int32, maxlen int32, cursor int32, ending_cursor_out int32, nwritten_out int32) XqdStatus {
	i.abilog.Debugf("req_original_header_names_get: cursor=%d", cursor)
	return i.multivalue("req_original_header_names_get", i.originalHeaders, addr, maxlen, cursor, ending_cursor_out, nwritten_out)
}

// xqd_req_original_header_count writes how many distinct header names the downstream request
// arrived with.
func (i *Instance) xqd_req_original_header_count(count_out int32) XqdStatus {
	i.abilog.Debugf("req_original_header_count: count=%d", len(i.originalHeaders))
	if err := i.memory.PutGuestUint32(uint32(len(i.originalHeaders)), count_out); err != nil {
		return i.fail("req_original_header_count", err)
	}
	return XqdStatusOK
}

// xqd_req_new creates an empty outgoing request: GET, HTTP/1.1, no headers.
func (i *Instance) xqd_req_new(handle_out int32) XqdStatus {
	if err := i.checkHandleOut(handle_out); err != nil {
		return i.fail("req_new", err)
	}
	rh := &RequestHandle{
		Request: &http.Request{Method: http.MethodGet, Header: http.Header{}},
		version: Http11,
	}
	h := i.handles.Allocate(rh)
	i.abilog.Debugf("req_new: handle=%d", h)

	if err := i.memory.PutGuestUint32(uint32(h), handle_out); err != nil {
		return i.fail("req_new", err)
	}
	return XqdStatusOK
}

// xqd_req_method_get writes the request method into a buffer of maxlen bytes.
func (i *Instance) xqd_req_method_get(handle int32, addr int32, maxlen int32, nwritten_out int32) XqdStatus {
	r, err := lookup[*RequestHandle](&i.handles, handle, "request")
	if err != nil {
		return i.fail("req_method_get", err)
	}

	i.abilog.Debugf("req_method_get: handle=%d method=%q", handle, r.Method)
	return i.writeValue("req_method_get", []byte(r.Method), addr, maxlen, nwritten_out)
}

// xqd_req_method_set sets the request method. Only the standard HTTP methods are accepted.
func (i *Instance) xqd_req_method_set(handle int32, addr int32, size int32) XqdStatus {
	r, err := lookup[*RequestHandle](&i.handles, handle, "request")
	if err != nil {
		return i.fail("req_method_set", err)
	}

	method, err := i.memory.ReadString(addr, size)
	if err != nil {
		return i.fail("req_method_set", err)
	}

	switch m := strings.ToUpper(method); m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodConnect, http.MethodOptions, http.MethodTrace:
		i.abilog.Debugf("req_method_set: handle=%d method=%q", handle, m)
		r.Method = m
		return XqdStatusOK
	}

	i.abilog.Debugf("req_method_set: invalid method=%q", method)
	return XqdErrHttpParse
}

// xqd_req_uri_get writes the request URI into a buffer of maxlen bytes.
func (i *Instance) xqd_req_uri_get(handle int32, addr int32, maxlen int32, nwritten_out int32) XqdStatus {
	r, err := lookup[*RequestHandle](&i.handles, handle, "request")
	if err != nil {
		return i.fail("req_uri_get", err)
	}

	var uri string
	if r.URL != nil {
		uri = r.URL.String()
	}
	i.abilog.Debugf("req_uri_get: handle=%d uri=%q", handle, uri)
	return i.writeValue("req_uri_get", []byte(uri), addr, maxlen, nwritten_out)
}

// xqd_req_uri_set parses and sets the request URI.
func (i *Instance) xqd_req_uri_set(handle int32, addr int32, size int32) XqdStatus {
	r, err := lookup[*RequestHandle](&i.handles, handle, "request")
	if err != nil {
		return i.fail("req_uri_set", err)
	}

	raw, err := i.memory.ReadString(addr, size)
	if err != nil {
		return i.fail("req_uri_set", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		i.abilog.Debugf("req_uri_set: invalid uri=%q: %v", raw, err)
		return XqdErrHttpParse
	}

	i.abilog.Debugf("req_uri_set: handle=%d uri=%q", handle, raw)
	r.URL = u
	r.Host = u.Host
	return XqdStatusOK
}

// xqd_req_version_get writes the request's HTTP version.
func (i *Instance) xqd_req_version_get(handle int32, version_out int32) XqdStatus {
	r, err := lookup[*RequestHandle](&i.handles, handle, "request")
	if err != nil {
		return i.fail("req_version_get", err)
	}

	i.abilog.Debugf("req_version_get: handle=%d version=%d", handle, r.version)
	if err := i.memory.PutGuestUint32(uint32(r.version), version_out); err != nil {
		return i.fail("req_version_get", err)
	}
	return XqdStatusOK
}

// xqd_req_version_set sets the request's HTTP version. Only HTTP/0.9, 1.0 and 1.1 can be
// requested for a backend call.
func (i *Instance) xqd_req_version_set(handle int32, version int32) XqdStatus {
	r, err := lookup[*RequestHandle](&i.handles, handle, "request")
	if err != nil {
		return i.fail("req_version_set", err)
	}

	if version != Http09 && version != Http10 && version != Http11 {
		i.abilog.Debugf("req_version_set: invalid version %d", version)
		return XqdErrInvalidArgument
	}

	i.abilog.Debugf("req_version_set: handle=%d version=%d", handle, version)
	r.version = version
	return XqdStatusOK
}

// xqd_req_header_names_get iterates the request's header names in sorted order.
func (i *Instance) xqd_req_header_names_get(handle int32, addr int32, maxlen int32, cursor int32, ending_cursor_out int32, nwritten_out int32) XqdStatus {
	r, err := lookup[*RequestHandle](&i.handles, handle, "request")
	if err != nil {
		return i.fail("req_header_names_get", err)
	}

	i.abilog.Debugf("req_header_names_get: handle=%d cursor=%d", handle, cursor)
	return i.multivalue("req_header_names_get", headerNames(r.Header), addr, maxlen, cursor, ending_cursor_out, nwritten_out)
}

// xqd_req_header_values_get iterates the values of one request header.
func (i *Instance) xqd_req_header_values_get(handle int32, name_addr int32, name_size int32, addr int32, maxlen int32, cursor int32, ending_cursor_out int32, nwritten_out int32) XqdStatus {
	r, err := lookup[*RequestHandle](&i.handles, handle, "request")
	if err != nil {
		return i.fail("req_header_values_get", err)
	}
	return i.headerValuesGet("req_header_values_get", r.Header, name_addr, name_size, addr, maxlen, cursor, ending_cursor_out, nwritten_out)
}

// xqd_req_header_value_get writes the first value of one request header. A missing header is
// reported as XqdErrNone.
func (i *Instance) xqd_req_header_value_get(handle int32, name_addr int32, name_size int32, addr int32, maxlen int32, nwritten_out int32) XqdStatus {
	r, err := lookup[*RequestHandle](&i.handles, handle, "request")
	if err != nil {
		return i.fail("req_header_value_get", err)
	}
	return i.headerValueGet("req_header_value_get", r.Header, name_addr, name_size, addr, maxlen, nwritten_out)
}

// xqd_req_header_values_set replaces a request header with a NUL separated list of values.
func (i *Instance) xqd_req_header_values_set(handle int32, name_addr int32, name_size int32, values_addr int32, values_size int32) XqdStatus {
	r, err := lookup[*RequestHandle](&i.handles, handle, "request")
	if err != nil {
		return i.fail("req_header_values_set", err)
	}
	return i.headerValuesSet("req_header_values_set", r.Header, name_addr, name_size, values_addr, values_size)
}

// xqd_req_header_insert sets a request header, replacing any existing values.
func (i *Instance) xqd_req_header_insert(handle int32, name_addr int32, name_size int32, value_addr int32, value_size int32) XqdStatus {
	r, err := lookup[*RequestHandle](&i.handles, handle, "request")
	if err != nil {
		return i.fail("req_header_insert", err)
	}
	return i.headerWrite("req_header_insert", r.Header, false, name_addr, name_size, value_addr, value_size)
}

// xqd_req_header_append adds a value to a request header.
func (i *Instance) xqd_req_header_append(handle int32, name_addr int32, name_size int32, value_addr int32, value_size int32) XqdStatus {
	r, err := lookup[*RequestHandle](&i.handles, handle, "request")
	if err != nil {
		return i.fail("req_header_append", err)
	}
	return i.headerWrite("req_header_append", r.Header, true, name_addr, name_size, value_addr, value_size)
}

// xqd_req_header_remove deletes a request header. Removing a header that is not present returns
// XqdErrInvalidArgument.
func (i *Instance) xqd_req_header_remove(handle int32, name_addr int32, name_size int32) XqdStatus {
	r, err := lookup[*RequestHandle](&i.handles, handle, "request")
	if err != nil {
		return i.fail("req_header_remove", err)
	}
	return i.headerRemove("req_header_remove", r.Header, name_addr, name_size)
}

// xqd_req_cache_override_set accepts cache override parameters. There is no cache locally, so
// only the handle is validated.
func (i *Instance) xqd_req_cache_override_set(handle int32, tag int32, ttl int32, swr int32) XqdStatus {
	if _, err := lookup[*RequestHandle](&i.handles, handle, "request"); err != nil {
		return i.fail("req_cache_override_set", err)
	}
	i.abilog.Debugf("req_cache_override_set: handle=%d tag=%d ttl=%d swr=%d", handle, tag, ttl, swr)
	return XqdStatusOK
}

// xqd_req_cache_override_v2_set is xqd_req_cache_override_set with a surrogate key.
func (i *Instance) xqd_req_cache_override_v2_set(handle int32, tag int32, ttl int32, swr int32, sk int32, sk_len int32) XqdStatus {
	if _, err := lookup[*RequestHandle](&i.handles, handle, "request"); err != nil {
		return i.fail("req_cache_override_v2_set", err)
	}
	if _, err := i.memory.ReadString(sk, sk_len); err != nil {
		return i.fail("req_cache_override_v2_set", err)
	}
	i.abilog.Debugf("req_cache_override_v2_set: handle=%d tag=%d ttl=%d swr=%d", handle, tag, ttl, swr)
	return XqdStatusOK
}

// xqd_req_send sends the request described by (rhandle, bhandle) to the named backend and writes
// the response and response body handles. Both input handles are consumed.
//
// An unknown backend returns XqdErrInvalidArgument and a failed call returns XqdError, so the two
// can be told apart by the guest.
func (i *Instance) xqd_req_send(rhandle int32, bhandle int32, backend_addr int32, backend_size int32, wh_out int32, bh_out int32) XqdStatus {
	r, b, backend, status := i.takeOutgoing("req_send", rhandle, bhandle, backend_addr, backend_size)
	if status != XqdStatusOK {
		return status
	}

	i.abilog.Debugf("req_send: handle=%d body=%d backend=%q", rhandle, bhandle, backend)
	resp, err := i.sendToBackend(i.ctx, backend, r, b)
	if err != nil {
		return i.fail("req_send", err)
	}
	return i.claimResponse("req_send", resp, wh_out, bh_out)
}

// xqd_req_send_async starts a backend call and writes a pending request handle. Both input
// handles are consumed.
func (i *Instance) xqd_req_send_async(rhandle int32, bhandle int32, backend_addr int32, backend_size int32, pending_out int32) XqdStatus {
	r, b, backend, status := i.takeOutgoing("req_send_async", rhandle, bhandle, backend_addr, backend_size)
	if status != XqdStatusOK {
		return status
	}

	pr := newPendingRequest()
	ph := i.handles.Allocate(pr)
	i.abilog.Debugf("req_send_async: handle=%d body=%d backend=%q pending=%d", rhandle, bhandle, backend, ph)

	ctx := i.ctx
	go func() {
		pr.Complete(i.sendToBackend(ctx, backend, r, b))
	}()

	if err := i.memory.PutGuestUint32(uint32(ph), pending_out); err != nil {
		return i.fail("req_send_async", err)
	}
	return XqdStatusOK
}

// xqd_req_pending_req_poll checks a pending request without blocking. When it is done the
// response handles are written and the pending handle is consumed; otherwise is_done is 0 and
// the response handles are HandleInvalid.
func (i *Instance) xqd_req_pending_req_poll(phandle int32, is_done_out int32, wh_out int32, bh_out int32) XqdStatus {
	pr, err := lookup[*PendingRequest](&i.handles, phandle, "pending request")
	if err != nil {
		return i.fail("req_pending_req_poll", err)
	}

	if !pr.IsReady() {
		i.abilog.Debugf("req_pending_req_poll: handle=%d not ready", phandle)
		if err := i.memory.PutGuestUint32(0, is_done_out); err != nil {
			return i.fail("req_pending_req_poll", err)
		}
		if err := i.memory.PutGuestUint32(uint32(HandleInvalid), wh_out); err != nil {
			return i.fail("req_pending_req_poll", err)
		}
		if err := i.memory.PutGuestUint32(uint32(HandleInvalid), bh_out); err != nil {
			return i.fail("req_pending_req_poll", err)
		}
		return XqdStatusOK
	}

	if err := i.memory.PutGuestUint32(1, is_done_out); err != nil {
		return i.fail("req_pending_req_poll", err)
	}
	return i.finishPending("req_pending_req_poll", phandle, pr, wh_out, bh_out)
}

// xqd_req_pending_req_wait blocks until a pending request completes, writes the response
// handles and consumes the pending handle.
func (i *Instance) xqd_req_pending_req_wait(phandle int32, wh_out int32, bh_out int32) XqdStatus {
	pr, err := lookup[*PendingRequest](&i.handles, phandle, "pending request")
	if err != nil {
		return i.fail("req_pending_req_wait", err)
	}

	i.abilog.Debugf("req_pending_req_wait: handle=%d", phandle)
	pr.Wait()
	return i.finishPending("req_pending_req_wait", phandle, pr, wh_out, bh_out)
}

// xqd_req_close discards a request handle.
func (i *Instance) xqd_req_close(handle int32) XqdStatus {
	if _, err := lookup[*RequestHandle](&i.handles, handle, "request"); err != nil {
		return i.fail("req_close", err)
	}
	i.abilog.Debugf("req_close: handle=%d", handle)
	if err := i.handles.Retire(Handle(uint32(handle))); err != nil {
		return i.fail("req_close", err)
	}
	return XqdStatusOK
}

// takeOutgoing validates the inputs of a send call and retires the request and body handles.
func (i *Instance) takeOutgoing(call string, rhandle, bhandle, backend_addr, backend_size int32) (*RequestHandle, *BodyHandle, string, XqdStatus) {
	r, err := lookup[*RequestHandle](&i.handles, rhandle, "request")
	if err != nil {
		return nil, nil, "", i.fail(call, err)
	}
	b, err := lookup[*BodyHandle](&i.handles, bhandle, "body")
	if err != nil {
		return nil, nil, "", i.fail(call, err)
	}
	backend, err := i.memory.ReadString(backend_addr, backend_size)
	if err != nil {
		return nil, nil, "", i.fail(call, err)
	}

	// the request and its body now belong to the backend call
	i.handles.Retire(Handle(uint32(rhandle)))
	i.handles.Retire(Handle(uint32(bhandle)))
	return r, b, backend, XqdStatusOK
}

// sendToBackend performs a backend call for the guest and records the outcome for the
// orchestrator.
func (i *Instance) sendToBackend(ctx context.Context, backend string, r *RequestHandle, b *BodyHandle) (*http.Response, error) {
	body, err := readAllBody(b)
	b.Close()
	if err != nil {
		err = &ConnectError{Backend: backend, Err: err}
		i.recordBackendResult(err)
		return nil, err
	}

	var resp *http.Response
	if backend == geoBackendName {
		resp, err = serveLocal(ctx, GeoHandler(i.f.geolookup), i.geoRequest(ctx, r))
	} else {
		resp, err = i.f.proxy.Send(ctx, backend, r.Request, body)
	}
	i.recordBackendResult(err)
	if err != nil {
		i.log.Warn("backend call failed", zap.String("backend", backend), zap.Error(err))
	}
	return resp, err
}

func (i *Instance) geoRequest(ctx context.Context, r *RequestHandle) *http.Request {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+geoBackendName+"/", http.NoBody)
	req.Header = r.Header.Clone()
	return req
}

func (i *Instance) recordBackendResult(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.backendErr = err
}

// claimResponse turns a backend response into response and body handles for the guest.
func (i *Instance) claimResponse(call string, resp *http.Response, wh_out, bh_out int32) XqdStatus {
	wh := i.handles.Allocate(&ResponseHandle{Response: resp, version: versionOf(resp.ProtoMajor, resp.ProtoMinor)})
	bh := i.handles.Allocate(NewReader(resp.Body))

	i.abilog.Debugf("%s: status=%d response=%d body=%d", call, resp.StatusCode, wh, bh)
	if err := i.memory.PutGuestUint32(uint32(wh), wh_out); err != nil {
		return i.fail(call, err)
	}
	if err := i.memory.PutGuestUint32(uint32(bh), bh_out); err != nil {
		return i.fail(call, err)
	}
	return XqdStatusOK
}

func (i *Instance) finishPending(call string, phandle int32, pr *PendingRequest, wh_out, bh_out int32) XqdStatus {
	i.handles.Retire(Handle(uint32(phandle)))
	resp, err := pr.Wait()
	if err != nil {
		return i.fail(call, err)
	}
	return i.claimResponse(call, resp, wh_out, bh_out)
}

func versionOf(major, minor int) int32 {
	switch {
	case major == 0:
		return Http09
	case major == 1 && minor == 0:
		return Http10
	case major == 1:
		return Http11
	case major == 2:
		return Http2
	case major == 3:
		return Http3
	}
	return Http11
}

// clientAddr extracts the client IP from a RemoteAddr.
func clientAddr(remote string) net.IP {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	return net.ParseIP(host)
}
