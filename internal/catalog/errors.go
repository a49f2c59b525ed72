package catalog

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrTransient marks failures worth retrying: network errors, 5xx
	// responses, malformed bodies.
	ErrTransient = errors.New("catalog temporarily unavailable")
	// ErrStationNotFound is returned when the catalog has no such station.
	ErrStationNotFound = errors.New("station not found")
	// ErrInvalidArgument rejects ids and categories that cannot name a
	// single path segment.
	ErrInvalidArgument = errors.New("invalid catalog argument")
)

// FetchError describes a failed catalog call. It wraps ErrTransient or
// ErrStationNotFound and never exposes the underlying transport error type.
type FetchError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	msg := "catalog " + e.Op
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// segment escapes s for use as one URL path segment.
func segment(op, s string) (string, error) {
	if s == "" || s == "." || s == ".." {
		return "", &FetchError{Op: op, Err: ErrInvalidArgument, Message: fmt.Sprintf("bad path segment %q", s)}
	}
	return url.PathEscape(s), nil
}

// transient builds a FetchError that wraps ErrTransient, flattening cause
// into the message.
func transient(op string, status int, cause error) *FetchError {
	fe := &FetchError{Op: op, Status: status, Err: ErrTransient}
	if cause != nil {
		fe.Message = cause.Error()
	}
	return fe
}
