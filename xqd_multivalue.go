package fasttime

import (
	"errors"
	"net/http"
	"net/textproto"

	"golang.org/x/net/http/httpguts"
)

// multivalue is not an actual ABI method, but it's an implementation of a mechanism used by the
// guest to make multiple hostcalls via a cursor. For usage, see the abi methods for headers.
//
// Each call writes the value at cursor followed by a NUL. ending_cursor is set to the next
// cursor, or -1 once the last value has been written.
func (i *Instance) multivalue(call string, data []string, addr int32, maxlen int32, cursor int32, ending_cursor_out int32, nwritten_out int32) XqdStatus {
	// If the cursor points past our slice, there is nothing left to hand out
	if cursor < 0 || int(cursor) >= len(data) {
		if err := i.memory.PutGuestUint32(0, nwritten_out); err != nil {
			return i.fail(call, err)
		}
		// Set the cursor to -1 to stop asking
		if err := i.memory.PutGuestInt64(-1, ending_cursor_out); err != nil {
			return i.fail(call, err)
		}
		return XqdStatusOK
	}

	v := make([]byte, 0, len(data[cursor])+1)
	v = append(v, data[cursor]...)
	v = append(v, 0)

	nwritten, err := i.memory.WriteBytes(v, addr, maxlen)
	if errors.Is(err, ErrBufferTooSmall) {
		i.memory.PutGuestUint32(uint32(len(v)), nwritten_out)
		return i.fail(call, err)
	}
	if err != nil {
		return i.fail(call, err)
	}
	if err := i.memory.PutGuestUint32(uint32(nwritten), nwritten_out); err != nil {
		return i.fail(call, err)
	}

	// If there's more entries, set the cursor to +1
	ec := int64(-1)
	if int(cursor) < len(data)-1 {
		ec = int64(cursor) + 1
	}
	if err := i.memory.PutGuestInt64(ec, ending_cursor_out); err != nil {
		return i.fail(call, err)
	}
	return XqdStatusOK
}

// fail logs err against the ABI call it happened in and converts it to a status code.
func (i *Instance) fail(call string, err error) XqdStatus {
	s := statusFor(err)
	i.abilog.Debugf("%s: %s: %v", call, s, err)
	return s
}

// checkHandleOut fails if a handle could not be written to the output parameter at addr, so no
// handle is allocated that the guest never learns about.
func (i *Instance) checkHandleOut(addr int32) error {
	_, err := i.memory.span(guestOffset(addr), 4)
	return err
}

// writeValue writes a single value into a guest buffer of maxlen bytes and reports its length.
// When the buffer is too small the required length is reported instead.
func (i *Instance) writeValue(call string, value []byte, addr, maxlen, nwritten_out int32) XqdStatus {
	n, err := i.memory.WriteBytes(value, addr, maxlen)
	if errors.Is(err, ErrBufferTooSmall) {
		i.memory.PutGuestUint32(uint32(len(value)), nwritten_out)
		return i.fail(call, err)
	}
	if err != nil {
		return i.fail(call, err)
	}
	if err := i.memory.PutGuestUint32(uint32(n), nwritten_out); err != nil {
		return i.fail(call, err)
	}
	return XqdStatusOK
}

// The header helpers below are shared by requests and responses. Header names are matched
// case-insensitively.

func (i *Instance) headerValuesGet(call string, h http.Header, name_addr, name_size, addr, maxlen, cursor, ending_cursor_out, nwritten_out int32) XqdStatus {
	name, err := i.memory.ReadString(name_addr, name_size)
	if err != nil {
		return i.fail(call, err)
	}
	values, _ := headerValues(h, name)
	i.abilog.Debugf("%s: name=%q cursor=%d values=%d", call, name, cursor, len(values))
	return i.multivalue(call, values, addr, maxlen, cursor, ending_cursor_out, nwritten_out)
}

func (i *Instance) headerValueGet(call string, h http.Header, name_addr, name_size, addr, maxlen, nwritten_out int32) XqdStatus {
	name, err := i.memory.ReadString(name_addr, name_size)
	if err != nil {
		return i.fail(call, err)
	}
	values, ok := headerValues(h, name)
	if !ok || len(values) == 0 {
		i.abilog.Debugf("%s: name=%q not present", call, name)
		if err := i.memory.PutGuestUint32(0, nwritten_out); err != nil {
			return i.fail(call, err)
		}
		return XqdErrNone
	}
	i.abilog.Debugf("%s: name=%q value=%q", call, name, values[0])
	return i.writeValue(call, []byte(values[0]), addr, maxlen, nwritten_out)
}

func (i *Instance) headerValuesSet(call string, h http.Header, name_addr, name_size, values_addr, values_size int32) XqdStatus {
	if h == nil {
		return XqdErrInvalidArgument
	}
	name, err := i.memory.ReadString(name_addr, name_size)
	if err != nil {
		return i.fail(call, err)
	}
	values, err := i.memory.ReadStringList(values_addr, values_size)
	if err != nil {
		return i.fail(call, err)
	}

	if !httpguts.ValidHeaderFieldName(name) {
		i.abilog.Debugf("%s: invalid header name %q", call, name)
		return XqdErrHttpParse
	}
	for _, v := range values {
		if !httpguts.ValidHeaderFieldValue(v) {
			i.abilog.Debugf("%s: invalid value for %q", call, name)
			return XqdErrHttpParse
		}
	}

	i.abilog.Debugf("%s: name=%q values=%q", call, name, values)
	headerDel(h, name)
	key := textproto.CanonicalMIMEHeaderKey(name)
	for _, v := range values {
		h[key] = append(h[key], v)
	}
	return XqdStatusOK
}

func (i *Instance) headerWrite(call string, h http.Header, appendValue bool, name_addr, name_size, value_addr, value_size int32) XqdStatus {
	if h == nil {
		return XqdErrInvalidArgument
	}
	name, err := i.memory.ReadString(name_addr, name_size)
	if err != nil {
		return i.fail(call, err)
	}
	value, err := i.memory.ReadString(value_addr, value_size)
	if err != nil {
		return i.fail(call, err)
	}

	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		i.abilog.Debugf("%s: invalid header %q: %q", call, name, value)
		return XqdErrHttpParse
	}

	i.abilog.Debugf("%s: name=%q value=%q", call, name, value)
	key := textproto.CanonicalMIMEHeaderKey(name)
	if appendValue {
		existing, _ := headerValues(h, name)
		headerDel(h, name)
		h[key] = append(append([]string(nil), existing...), value)
		return XqdStatusOK
	}
	headerDel(h, name)
	h[key] = []string{value}
	return XqdStatusOK
}

func (i *Instance) headerRemove(call string, h http.Header, name_addr, name_size int32) XqdStatus {
	name, err := i.memory.ReadString(name_addr, name_size)
	if err != nil {
		return i.fail(call, err)
	}
	if !headerDel(h, name) {
		i.abilog.Debugf("%s: name=%q not present", call, name)
		return XqdErrInvalidArgument
	}
	i.abilog.Debugf("%s: name=%q", call, name)
	return XqdStatusOK
}
