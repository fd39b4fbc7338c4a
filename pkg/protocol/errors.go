package protocol

import (
	"errors"
	"fmt"
)

// Error classes of the client pipeline. Every failure surfaced to a caller
// wraps exactly one of these sentinels, or is an *ApplicationError; the one
// exception is an error from a caller-supplied encoder, which is returned
// wrapped only with the operation name.
var (
	// ErrNotConnected is returned synchronously for writes on a transport
	// that is absent or closed. It is never wrapped in ErrTransportFailure.
	ErrNotConnected = errors.New("transport not connected")

	// ErrTransportFailure marks an I/O-level failure while writing or
	// reading; the wrapped chain carries the cause.
	ErrTransportFailure = errors.New("transport failure")

	// ErrMalformedResponse marks a decoding failure at any envelope layer,
	// or a response body that does not match the request kind.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrUnsupportedOperation is returned for operation kinds outside
	// {command, query}, before any transport write.
	ErrUnsupportedOperation = errors.New("unsupported operation kind")

	// ErrCancelled is returned when the caller's context is done before a
	// terminal response arrives.
	ErrCancelled = errors.New("request cancelled")
)

// TransportFailure wraps cause as a transport-level failure.
func TransportFailure(cause error) error {
	return fmt.Errorf("%w: %w", ErrTransportFailure, cause)
}

// MalformedResponse reports a decode failure at the named envelope layer.
func MalformedResponse(layer string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrMalformedResponse, layer)
	}
	return fmt.Errorf("%w: %s: %w", ErrMalformedResponse, layer, cause)
}

// Cancelled wraps the context error of a cancelled request.
func Cancelled(cause error) error {
	if cause == nil {
		return ErrCancelled
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}

// ApplicationError is a failure propagated from the server as a tagged
// response body, distinct from envelope-level failures. It is surfaced to
// the caller verbatim.
type ApplicationError struct {
	Code    string
	Message string
}

// Error implements the error interface.
func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("application error %s", e.Code)
	}
	return fmt.Sprintf("application error %s: %s", e.Code, e.Message)
}
