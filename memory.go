package fasttime

import (
	"bytes"
	"encoding/binary"

	"github.com/tetratelabs/wazero/api"
)

// MemorySlice represents an underlying slice of memory from a wasm program.
// An implementation of MemorySlice is most often wrapped with a Memory, which provides convenience
// functions to read and write different values.
type MemorySlice interface {
	Data() []byte
	Len() int
	Cap() int
}

// ByteMemory is a MemorySlice mostly used for tests, where you want to be able to write directly into
// the memory slice and read it out
type ByteMemory []byte

// Data returns the underlying byte slice
func (m ByteMemory) Data() []byte {
	return m
}

// Len is the current length of the memory slice
func (m ByteMemory) Len() int {
	return len(m)
}

// Cap is the total capacity of the memory slice
func (m ByteMemory) Cap() int {
	return cap(m)
}

// wasmMemory is a MemorySlice implementation that wraps the exported memory of a wazero module.
// The guest may grow its memory between host calls, so the view is taken fresh every time.
type wasmMemory struct {
	mem api.Memory
}

func (m *wasmMemory) Len() int {
	return int(m.mem.Size())
}

func (m *wasmMemory) Cap() int {
	return m.Len()
}

func (m *wasmMemory) Data() []byte {
	buf, ok := m.mem.Read(0, m.mem.Size())
	if !ok {
		return nil
	}
	return buf
}

// Memory is a wrapper around a MemorySlice that adds bounds checked functions for reading and
// writing. Offsets are signed so a guest address can never silently wrap; every method returns a
// *BoundsError instead of touching memory outside the slice.
type Memory struct {
	MemorySlice
}

// span returns the window [offset, offset+length) of the current memory, or a BoundsError.
func (m *Memory) span(offset, length int64) ([]byte, error) {
	data := m.Data()
	size := int64(len(data))
	if offset < 0 || length < 0 || offset > size || length > size-offset {
		return nil, &BoundsError{Offset: offset, Length: length, Size: size}
	}
	return data[offset : offset+length : offset+length], nil
}

// ReadAt copies len(p) bytes starting at offset into p. Short reads are errors.
func (m *Memory) ReadAt(p []byte, offset int64) (int, error) {
	src, err := m.span(offset, int64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, src), nil
}

// WriteAt copies p into memory at offset. Nothing is written unless all of p fits.
func (m *Memory) WriteAt(p []byte, offset int64) (int, error) {
	dst, err := m.span(offset, int64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(dst, p), nil
}

func (m *Memory) Uint8(offset int64) (uint8, error) {
	b, err := m.span(offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Memory) Uint16(offset int64) (uint16, error) {
	b, err := m.span(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (m *Memory) Uint32(offset int64) (uint32, error) {
	b, err := m.span(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (m *Memory) Uint64(offset int64) (uint64, error) {
	b, err := m.span(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (m *Memory) PutUint8(v uint8, offset int64) error {
	b, err := m.span(offset, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

func (m *Memory) PutUint16(v uint16, offset int64) error {
	b, err := m.span(offset, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

func (m *Memory) PutUint32(v uint32, offset int64) error {
	b, err := m.span(offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

func (m *Memory) PutUint64(v uint64, offset int64) error {
	b, err := m.span(offset, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (m *Memory) PutInt32(v int32, offset int64) error {
	return m.PutUint32(uint32(v), offset)
}

func (m *Memory) PutInt64(v int64, offset int64) error {
	return m.PutUint64(uint64(v), offset)
}

// Guest pointers and lengths arrive as i32 but are unsigned in the wasm address space.
func guestOffset(addr int32) int64 { return int64(uint32(addr)) }

// ReadBytes returns a copy of the size bytes at addr.
func (m *Memory) ReadBytes(addr, size int32) ([]byte, error) {
	src, err := m.span(guestOffset(addr), guestOffset(size))
	if err != nil {
		return nil, err
	}
	return bytes.Clone(src), nil
}

// ReadString reads a (pointer, length) string from guest memory.
func (m *Memory) ReadString(addr, size int32) (string, error) {
	src, err := m.span(guestOffset(addr), guestOffset(size))
	if err != nil {
		return "", err
	}
	return string(src), nil
}

// ReadStringList reads a NUL separated list of strings, as used for multi-value setters. A
// trailing NUL terminator is optional.
func (m *Memory) ReadStringList(addr, size int32) ([]string, error) {
	src, err := m.span(guestOffset(addr), guestOffset(size))
	if err != nil {
		return nil, err
	}
	src = bytes.TrimSuffix(src, []byte{0})
	if len(src) == 0 {
		return []string{}, nil
	}

	parts := bytes.Split(src, []byte{0})
	values := make([]string, 0, len(parts))
	for _, p := range parts {
		values = append(values, string(p))
	}
	return values, nil
}

// WriteBytes writes data into a guest buffer of maxlen bytes at addr. A buffer that is too
// small yields ErrBufferTooSmall and leaves memory untouched.
func (m *Memory) WriteBytes(data []byte, addr, maxlen int32) (int, error) {
	if int64(len(data)) > guestOffset(maxlen) {
		return 0, ErrBufferTooSmall
	}
	return m.WriteAt(data, guestOffset(addr))
}

// PutGuestUint32 writes an output parameter at a guest address.
func (m *Memory) PutGuestUint32(v uint32, addr int32) error {
	return m.PutUint32(v, guestOffset(addr))
}

// PutGuestInt64 writes an output parameter at a guest address.
func (m *Memory) PutGuestInt64(v int64, addr int32) error {
	return m.PutInt64(v, guestOffset(addr))
}
