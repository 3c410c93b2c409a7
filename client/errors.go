package client

import (
	"errors"

	"mini-ipc/message"
)

var (
	ErrNotStarted    = errors.New("client: not started")
	ErrStopped       = errors.New("client: stopped")
	ErrCancelled     = errors.New("client: cancelled")
	ErrCodecMismatch = errors.New("client: value codec mismatch")
)

// ConnectionError reports a failed connection attempt.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Endpoint == "" {
		return "connect: " + e.Err.Error()
	}
	return "connect " + e.Endpoint + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func commFailure(err error) *message.Error {
	return &message.Error{Status: message.StatusCommFailure, Message: err.Error(), Err: err}
}

func cancelled() *message.Error {
	return &message.Error{Status: message.StatusException, Message: "Canceled by user", Err: ErrCancelled}
}
