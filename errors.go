package fasttime

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAlreadyFinalized is returned when the guest modifies or sends a response that has
	// already been sent downstream.
	ErrAlreadyFinalized = errors.New("response already finalized")

	// ErrNotFinalized is recorded when the guest returns without sending a response downstream.
	ErrNotFinalized = errors.New("guest returned without sending a response")

	// ErrUnknownDictionary is returned when looking up a dictionary name that was never
	// configured.
	ErrUnknownDictionary = errors.New("unknown dictionary")

	// ErrKeyNotFound is returned when a configured dictionary has no entry for a key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrBufferTooSmall is returned when a value does not fit in the guest supplied buffer.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrClosed is returned when requests are served after Close.
	ErrClosed = errors.New("fasttime: closed")
)

// BoundsError is a guest memory access outside of the instance's linear memory.
type BoundsError struct {
	Offset int64
	Length int64
	Size   int64
}

func (e *BoundsError) Error() string {
	return fmt.Sprintf("memory access out of bounds: offset=%d length=%d memory_size=%d", e.Offset, e.Length, e.Size)
}

// InvalidHandleError is a guest reference to a handle that was never allocated, has been
// retired, or refers to an object of a different kind.
type InvalidHandleError struct {
	Handle Handle
	Kind   string
}

func (e *InvalidHandleError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("invalid handle %d", e.Handle)
	}
	return fmt.Sprintf("invalid %s handle %d", e.Kind, e.Handle)
}

// UnmappedError is a backend name with no configured address.
type UnmappedError struct {
	Backend string
}

func (e *UnmappedError) Error() string {
	return fmt.Sprintf("unknown backend %q", e.Backend)
}

// ConnectError is a backend call that was resolved but failed to complete.
type ConnectError struct {
	Backend string
	Address string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("backend %q at %s: %v", e.Backend, e.Address, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// GuestTrapError is a guest that faulted, exited non-zero, or ran out of time.
type GuestTrapError struct {
	ExitCode uint32
	Err      error
}

func (e *GuestTrapError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("guest trapped (exit code %d): %v", e.ExitCode, e.Err)
	}
	return fmt.Sprintf("guest trapped: %v", e.Err)
}

func (e *GuestTrapError) Unwrap() error { return e.Err }

// ReloadValidationError is a replacement binary that could not be compiled or linked. The
// previously active module keeps serving.
type ReloadValidationError struct {
	Source string
	Err    error
}

func (e *ReloadValidationError) Error() string {
	return fmt.Sprintf("reload of %s rejected: %v", e.Source, e.Err)
}

func (e *ReloadValidationError) Unwrap() error { return e.Err }

// statusFor converts a host side error into the status code handed back to the guest.
func statusFor(err error) XqdStatus {
	if err == nil {
		return XqdStatusOK
	}

	var (
		bounds  *BoundsError
		handle  *InvalidHandleError
		unmap   *UnmappedError
		connect *ConnectError
	)
	switch {
	case errors.As(err, &bounds):
		return XqdErrInvalidArgument
	case errors.As(err, &handle):
		return XqdErrInvalidHandle
	case errors.As(err, &unmap):
		return XqdErrInvalidArgument
	case errors.As(err, &connect):
		return XqdError
	case errors.Is(err, ErrAlreadyFinalized):
		return XqdErrHttpUserInvalid
	case errors.Is(err, ErrBufferTooSmall):
		return XqdErrBufferLength
	case errors.Is(err, ErrKeyNotFound):
		return XqdErrNone
	case errors.Is(err, ErrUnknownDictionary):
		return XqdErrInvalidArgument
	}
	return XqdError
}

// httpStatusFor picks the downstream status for a request that failed before the guest sent a
// response. backendErr is the last backend failure the guest observed, if any.
func httpStatusFor(backendErr error) int {
	var (
		unmap   *UnmappedError
		connect *ConnectError
	)
	switch {
	case errors.As(backendErr, &unmap):
		return http.StatusBadGateway
	case errors.As(backendErr, &connect):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
