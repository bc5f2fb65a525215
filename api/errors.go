// Package api
//
// Common error types and error handling utilities for the PSL simulation
// engine and its client library.

package api

import (
	"fmt"

	"github.com/pkg/errors"
)

// Common errors used across the library.
var (
	// ErrNoDevice reports an operation on a session that is not (or no longer)
	// connected, opened or attached to an accelerator.
	ErrNoDevice = errors.New("no such device")
	// ErrInvalidArgument reports caller misuse that is rejected locally.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrBusy reports a request of a kind that already has one in flight.
	ErrBusy = errors.New("request already in flight")
	// ErrDisconnected reports a closed or failed byte stream.
	ErrDisconnected = errors.New("peer disconnected")
	// ErrProtocolViolation reports a desynchronized peer.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrUnexpectedEvent is returned when the next event does not match the expected one.
	ErrUnexpectedEvent = errors.New("unexpected event")
	// ErrTimeout reports an expired request timeout.
	ErrTimeout = errors.New("operation timeout")
)

// ErrorCode represents specific error conditions in the library.
type ErrorCode int

const (
	ErrCodeOK ErrorCode = iota
	ErrCodeNoDevice
	ErrCodeInvalidArgument
	ErrCodeDisconnected
	ErrCodeProtocolViolation
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeOK:
		return "ok"
	case ErrCodeNoDevice:
		return "no device"
	case ErrCodeInvalidArgument:
		return "invalid argument"
	case ErrCodeDisconnected:
		return "disconnected"
	case ErrCodeProtocolViolation:
		return "protocol violation"
	default:
		return "unknown"
	}
}

// Error represents a structured error with code and context.
type Error struct {
	Code    ErrorCode
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Unwrap maps the code onto the matching sentinel so errors.Is works on
// structured errors.
func (e *Error) Unwrap() error {
	switch e.Code {
	case ErrCodeNoDevice:
		return ErrNoDevice
	case ErrCodeInvalidArgument:
		return ErrInvalidArgument
	case ErrCodeDisconnected:
		return ErrDisconnected
	case ErrCodeProtocolViolation:
		return ErrProtocolViolation
	}
	return nil
}

// AccessError reports the first address a memory access could not reach.
type AccessError struct {
	Addr uint64
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("access to invalid address 0x%016x", e.Addr)
}

// NewError creates a new structured error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Violation builds a protocol violation error with a formatted diagnostic.
func Violation(format string, args ...any) *Error {
	return NewError(ErrCodeProtocolViolation, fmt.Sprintf(format, args...))
}

// IsViolation reports whether err is (or wraps) a protocol violation.
func IsViolation(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}
