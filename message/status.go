package message

import (
	"errors"
	"fmt"
)

// Status is the wire-visible outcome of a call.
type Status uint8

const (
	StatusOK Status = iota
	StatusException
	StatusCommFailure
	StatusAuthFailure
	StatusBadObject
	StatusBadFunction
)

var statusNames = [...]string{
	StatusOK:          "OK",
	StatusException:   "Runtime Exception",
	StatusCommFailure: "Communication Failure",
	StatusAuthFailure: "Authorization Failure",
	StatusBadObject:   "No such object ID",
	StatusBadFunction: "No such function",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// Error is returned to callers for every non-OK reply. Status stays inspectable so
// callers can branch on COMM_FAILURE vs EXCEPTION vs AUTH_FAILURE.
type Error struct {
	Status  Status
	Message string
	Err     error // Local cause, never sent over the wire
}

func (e *Error) Error() string {
	if e.Message == "" || e.Message == e.Status.String() {
		return e.Status.String()
	}
	return e.Status.String() + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds an *Error with a formatted message.
func Errorf(status Status, format string, args ...any) *Error {
	return &Error{Status: status, Message: fmt.Sprintf(format, args...)}
}

// CommFailure wraps a transport error.
func CommFailure(err error) *Error {
	return &Error{Status: StatusCommFailure, Message: err.Error(), Err: err}
}

// StatusOf extracts the status carried by err. nil maps to OK; errors that did not come
// from a reply map to EXCEPTION.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusException
}
