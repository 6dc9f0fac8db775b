package fasttime

// xqd_dictionary_open opens a named dictionary and writes its handle. An unknown name returns
// XqdErrInvalidArgument with a zero handle.
func (i *Instance) xqd_dictionary_open(name_addr int32, name_size int32, handle_out int32) XqdStatus {
	name, err := i.memory.ReadString(name_addr, name_size)
	if err != nil {
		return i.fail("dictionary_open", err)
	}

	i.abilog.Debugf("dictionary_open: name=%s", name)

	d, err := i.f.dictionaries.open(name)
	if err != nil {
		i.memory.PutGuestUint32(0, handle_out)
		return i.fail("dictionary_open", err)
	}

	dh := i.handles.Allocate(d)
	if err := i.memory.PutGuestUint32(uint32(dh), handle_out); err != nil {
		return i.fail("dictionary_open", err)
	}
	return XqdStatusOK
}

// xqd_dictionary_get retrieves a value from a dictionary by key.
// Returns XqdErrBufferLength (with the required size in nwritten_out) if the buffer is too
// small, or XqdErrNone with nwritten_out=0 if the key does not exist.
func (i *Instance) xqd_dictionary_get(handle int32, key_addr int32, key_size int32, addr int32, maxlen int32, nwritten_out int32) XqdStatus {
	d, err := lookup[*DictionaryHandle](&i.handles, handle, "dictionary")
	if err != nil {
		return i.fail("dictionary_get", err)
	}

	key, err := i.memory.ReadString(key_addr, key_size)
	if err != nil {
		return i.fail("dictionary_get", err)
	}

	i.abilog.Debugf("dictionary_get: handle=%d dictionary=%s key=%s", handle, d.name, key)

	value, ok := d.entries[key]
	if !ok {
		i.memory.PutGuestUint32(0, nwritten_out)
		return i.fail("dictionary_get", ErrKeyNotFound)
	}
	return i.writeValue("dictionary_get", []byte(value), addr, maxlen, nwritten_out)
}
