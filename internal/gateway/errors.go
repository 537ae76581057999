package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// TransientError is a transport failure that may succeed on another attempt
type TransientError struct {
	Endpoint Endpoint
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("gateway %s: transient failure: %v", e.Endpoint, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// RejectedError is a response the gateway gave that will not change on retry:
// a non-2xx status or a body that does not carry a result.
type RejectedError struct {
	Endpoint   Endpoint
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway %s: rejected with status %d: %s", e.Endpoint, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("gateway %s: rejected: %s", e.Endpoint, e.Reason)
}

// IsTransient reports whether err is a TransientError
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err is a RejectedError
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// isTransportTransient classifies errors returned by the HTTP transport
func isTransportTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
