package fasttime

import (
	"errors"
	"io"
)

func (i *Instance) xqd_body_new(handle_out int32) XqdStatus {
	if err := i.checkHandleOut(handle_out); err != nil {
		return i.fail("body_new", err)
	}
	bh := i.handles.Allocate(NewBuffer())
	i.abilog.Debugf("body_new: handle=%d", bh)

	if err := i.memory.PutGuestUint32(uint32(bh), handle_out); err != nil {
		return i.fail("body_new", err)
	}
	return XqdStatusOK
}

// xqd_body_write appends size bytes at addr to the body. Bodies are append-only, so writing to
// the front is rejected.
func (i *Instance) xqd_body_write(handle int32, addr int32, size int32, body_end int32, nwritten_out int32) XqdStatus {
	i.abilog.Debugf("body_write: handle=%d size=%d body_end=%d", handle, size, body_end)

	body, err := lookup[*BodyHandle](&i.handles, handle, "body")
	if err != nil {
		return i.fail("body_write", err)
	}

	if body_end != BodyWriteEndBack {
		i.abilog.Debugf("body_write: writing to the front of a body is not supported")
		return XqdErrUnsupported
	}

	data, err := i.memory.ReadBytes(addr, size)
	if err != nil {
		return i.fail("body_write", err)
	}

	nwritten, err := body.Write(data)
	if err != nil {
		return i.fail("body_write", err)
	}

	// Write out how many bytes we copied
	if err := i.memory.PutGuestUint32(uint32(nwritten), nwritten_out); err != nil {
		return i.fail("body_write", err)
	}
	return XqdStatusOK
}

// xqd_body_read copies up to maxlen bytes from the body into guest memory. A read at the end of
// the body succeeds with nread set to 0, as many times as the guest asks.
func (i *Instance) xqd_body_read(handle int32, addr int32, maxlen int32, nread_out int32) XqdStatus {
	body, err := lookup[*BodyHandle](&i.handles, handle, "body")
	if err != nil {
		return i.fail("body_read", err)
	}
	// The orchestrator reads a sent body once the guest is done.
	if body.finalized {
		return i.fail("body_read", ErrAlreadyFinalized)
	}

	// Check the destination before consuming anything from the body.
	dst, err := i.memory.span(guestOffset(addr), guestOffset(maxlen))
	if err != nil {
		return i.fail("body_read", err)
	}

	n, err := io.ReadFull(body, dst)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		i.abilog.Debugf("body_read: handle=%d error reading: %v", handle, err)
		return XqdError
	}

	i.abilog.Debugf("body_read: handle=%d maxlen=%d copied=%d", handle, maxlen, n)
	if err := i.memory.PutGuestUint32(uint32(n), nread_out); err != nil {
		return i.fail("body_read", err)
	}
	return XqdStatusOK
}

// xqd_body_append moves the contents of src to the end of dst. src is consumed.
func (i *Instance) xqd_body_append(dst_handle int32, src_handle int32) XqdStatus {
	i.abilog.Debugf("body_append: dst=%d src=%d", dst_handle, src_handle)

	dst, err := lookup[*BodyHandle](&i.handles, dst_handle, "body")
	if err != nil {
		return i.fail("body_append", err)
	}
	src, err := lookup[*BodyHandle](&i.handles, src_handle, "body")
	if err != nil {
		return i.fail("body_append", err)
	}
	if dst == src {
		return XqdErrInvalidArgument
	}
	if src.finalized {
		return i.fail("body_append", ErrAlreadyFinalized)
	}

	if err := dst.Append(src); err != nil {
		return i.fail("body_append", err)
	}
	src.Close()
	i.handles.Retire(Handle(uint32(src_handle)))
	return XqdStatusOK
}

func (i *Instance) xqd_body_close(handle int32) XqdStatus {
	body, err := lookup[*BodyHandle](&i.handles, handle, "body")
	if err != nil {
		return i.fail("body_close", err)
	}
	i.abilog.Debugf("body_close: handle=%d", handle)

	// A body that was sent downstream is still needed after the guest lets go of it.
	if !body.finalized {
		body.Close()
	}
	i.handles.Retire(Handle(uint32(handle)))
	return XqdStatusOK
}
