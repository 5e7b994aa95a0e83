package realm

import (
	"fmt"

	"gridholm.gg/internal/protocol"
)

// OpError is the failure result of a realm operation. Code is one of the
// protocol E_* constants so transports can forward it unchanged.
type OpError struct {
	Code    string
	Message string
}

func (e *OpError) Error() string {
	return e.Code + ": " + e.Message
}

func opErr(code, format string, args ...any) *OpError {
	return &OpError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func errNoResource(format string, args ...any) *OpError {
	return opErr(protocol.ErrNoResource, format, args...)
}

func errPrereq(format string, args ...any) *OpError {
	return opErr(protocol.ErrPrereq, format, args...)
}

func errQueueFull(format string, args ...any) *OpError {
	return opErr(protocol.ErrQueueFull, format, args...)
}

func errOverCapacity(format string, args ...any) *OpError {
	return opErr(protocol.ErrOverCapacity, format, args...)
}

func errInvalidTarget(format string, args ...any) *OpError {
	return opErr(protocol.ErrInvalidTarget, format, args...)
}

func errOrderClosed(format string, args ...any) *OpError {
	return opErr(protocol.ErrOrderClosed, format, args...)
}

func errConflict(format string, args ...any) *OpError {
	return opErr(protocol.ErrConflict, format, args...)
}

func errNotFound(format string, args ...any) *OpError {
	return opErr(protocol.ErrNotFound, format, args...)
}

func errNoPermission(format string, args ...any) *OpError {
	return opErr(protocol.ErrNoPermission, format, args...)
}

func errBadRequest(format string, args ...any) *OpError {
	return opErr(protocol.ErrBadRequest, format, args...)
}

// CodeOf returns the protocol code of an operation error, E_INTERNAL for
// anything else.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if oe, ok := err.(*OpError); ok {
		return oe.Code
	}
	return protocol.ErrInternal
}

// invariant panics when cond is false. Broken bookkeeping must never be
// written back, settled over, or reported as a user error.
func invariant(cond bool, format string, args ...any) {
	if !cond {
		panic(protocol.ErrInvariant + ": " + fmt.Sprintf(format, args...))
	}
}
