package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrAuth means the token is missing, malformed or expired. Never retried.
	ErrAuth = errors.New("auth error")
	// ErrConnectionTimeout means the socket did not open in time.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrTransport covers abnormal closes and writes to a closed socket.
	ErrTransport = errors.New("transport error")
	// ErrParse marks a single frame that could not be decoded.
	ErrParse = errors.New("parse error")
	// ErrApplication covers failures surfaced to the caller (join, not a member, not connected).
	ErrApplication = errors.New("application error")
	// ErrReconnectExhausted is the terminal error after the last reconnect attempt.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// TransportError carries the close code of an abnormal socket close.
type TransportError struct {
	Code int
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport error (code %d): %v", e.Code, e.Err)
	}
	return fmt.Sprintf("transport error (code %d)", e.Code)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ParseError wraps a frame that could not be decoded.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

// Applicationf builds an ErrApplication with a formatted reason.
func Applicationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrApplication, fmt.Sprintf(format, args...))
}
