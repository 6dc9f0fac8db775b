package fasttime

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"reflect"
	"testing"
)

func newTestMemory(size int) *Memory {
	return &Memory{ByteMemory(make([]byte, size))}
}

func TestMemoryBounds(t *testing.T) {
	t.Parallel()
	mem := newTestMemory(16)

	if _, err := mem.Uint32(12); err != nil {
		t.Errorf("reading the last word: %v", err)
	}

	for _, tc := range []struct {
		offset, length int64
	}{
		{13, 4},
		{16, 1},
		{-1, 1},
		{0, 17},
		{8, -1},
		{math.MaxInt64, 1},
	} {
		_, err := mem.span(tc.offset, tc.length)
		var be *BoundsError
		if !errors.As(err, &be) {
			t.Errorf("span(%d, %d) = %v, want a BoundsError", tc.offset, tc.length, err)
		}
	}

	// a failed write leaves memory alone
	if _, err := mem.WriteAt([]byte("0123456789abcdefg"), 0); err == nil {
		t.Fatal("expected an error for an oversized write")
	}
	if v, _ := mem.Uint64(0); v != 0 {
		t.Errorf("memory was modified by a failed write: %x", v)
	}

	// zero length at the very end is allowed
	if _, err := mem.span(16, 0); err != nil {
		t.Errorf("empty span at end: %v", err)
	}
}

func TestMemoryIntegers(t *testing.T) {
	t.Parallel()
	mem := newTestMemory(32)

	if err := mem.PutUint32(0xdeadbeef, 4); err != nil {
		t.Fatal(err)
	}
	if b := mem.Data()[4:8]; !reflect.DeepEqual(b, []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Errorf("not little endian: %x", b)
	}
	if v, _ := mem.Uint32(4); v != 0xdeadbeef {
		t.Errorf("Uint32 = %x", v)
	}

	if err := mem.PutInt64(-2, 8); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.Uint64(8); int64(v) != -2 {
		t.Errorf("Uint64 = %d", int64(v))
	}

	if err := mem.PutUint16(0x0102, 16); err != nil {
		t.Fatal(err)
	}
	if v, _ := mem.Uint16(16); v != 0x0102 {
		t.Errorf("Uint16 = %x", v)
	}
	if v, _ := mem.Uint8(16); v != 0x02 {
		t.Errorf("Uint8 = %x", v)
	}
}

func TestMemoryGuestAddresses(t *testing.T) {
	t.Parallel()
	mem := newTestMemory(64)
	mem.WriteAt([]byte("hello\x00world\x00"), 10)

	s, err := mem.ReadString(10, 5)
	if err != nil || s != "hello" {
		t.Errorf("ReadString = %q, %v", s, err)
	}

	list, err := mem.ReadStringList(10, 12)
	if err != nil || !reflect.DeepEqual(list, []string{"hello", "world"}) {
		t.Errorf("ReadStringList = %q, %v", list, err)
	}
	list, err = mem.ReadStringList(10, 11)
	if err != nil || !reflect.DeepEqual(list, []string{"hello", "world"}) {
		t.Errorf("ReadStringList without a trailing NUL = %q, %v", list, err)
	}
	if list, _ := mem.ReadStringList(10, 0); len(list) != 0 {
		t.Errorf("empty list = %q", list)
	}

	// negative i32 addresses are large unsigned offsets, not negative ones
	if _, err := mem.ReadString(-1, 1); err == nil {
		t.Error("expected a bounds error for address 0xffffffff")
	}

	n, err := mem.WriteBytes([]byte("abc"), 40, 3)
	if err != nil || n != 3 {
		t.Errorf("WriteBytes = %d, %v", n, err)
	}
	if _, err := mem.WriteBytes([]byte("abcd"), 40, 3); !errors.Is(err, ErrBufferTooSmall) {
		t.Errorf("WriteBytes into a short buffer = %v, want ErrBufferTooSmall", err)
	}
	if _, err := mem.WriteBytes([]byte("abc"), 62, 10); err == nil {
		t.Error("expected a bounds error writing past the end of memory")
	}

	if err := mem.PutGuestUint32(7, 60); err != nil {
		t.Fatal(err)
	}
	if err := mem.PutGuestUint32(7, 61); err == nil {
		t.Error("expected a bounds error for an output parameter past the end")
	}
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want XqdStatus
	}{
		{nil, XqdStatusOK},
		{&BoundsError{}, XqdErrInvalidArgument},
		{&InvalidHandleError{Handle: 3}, XqdErrInvalidHandle},
		{&UnmappedError{Backend: "x"}, XqdErrInvalidArgument},
		{&ConnectError{Backend: "x", Err: errors.New("refused")}, XqdError},
		{fmt.Errorf("wrapped: %w", ErrAlreadyFinalized), XqdErrHttpUserInvalid},
		{ErrBufferTooSmall, XqdErrBufferLength},
		{ErrKeyNotFound, XqdErrNone},
		{ErrUnknownDictionary, XqdErrInvalidArgument},
		{errors.New("anything else"), XqdError},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestHTTPStatusFor(t *testing.T) {
	t.Parallel()

	if got := httpStatusFor(nil); got != http.StatusInternalServerError {
		t.Errorf("no backend error: %d", got)
	}
	if got := httpStatusFor(&UnmappedError{Backend: "x"}); got != http.StatusBadGateway {
		t.Errorf("unmapped: %d", got)
	}
	if got := httpStatusFor(&ConnectError{Backend: "x"}); got != http.StatusServiceUnavailable {
		t.Errorf("connect: %d", got)
	}
}
