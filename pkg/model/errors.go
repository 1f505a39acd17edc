package model

import (
	"errors"
	"fmt"
)

// ErrResponseContentEmpty reports a response with neither text nor tool
// calls. The request engine retries it.
var ErrResponseContentEmpty = errors.New("response had no content")

// ClientError wraps a transport, HTTP or SDK failure. It is never retried by
// the request engine; transports retry on their own when configured to.
type ClientError struct {
	Backend    Kind
	StatusCode int
	Err        error
}

func (e *ClientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s client error (status %d): %v", e.Backend, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s client error: %v", e.Backend, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// ServerError reports a failure the backend server produced while handling
// a well-formed request, such as a local server still loading its model.
// Unlike ClientError it is retried.
type ServerError struct {
	Backend    Kind
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s server error (status %d): %s", e.Backend, e.StatusCode, e.Message)
}

// BuilderError reports a request that could not be assembled.
type BuilderError struct {
	Reason string
	Err    error
}

func (e *BuilderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("request builder: %s: %v", e.Reason, e.Err)
	}
	return "request builder: " + e.Reason
}

func (e *BuilderError) Unwrap() error { return e.Err }

// StopReasonUnsupportedError reports a finish reason the backend cannot map.
type StopReasonUnsupportedError struct {
	Reason string
}

func (e *StopReasonUnsupportedError) Error() string {
	return fmt.Sprintf("unsupported stop reason %q", e.Reason)
}

// IsFatal reports whether err must not be retried by the request engine.
func IsFatal(err error) bool {
	var (
		clientErr  *ClientError
		builderErr *BuilderError
		stopErr    *StopReasonUnsupportedError
	)
	return errors.As(err, &clientErr) || errors.As(err, &builderErr) || errors.As(err, &stopErr)
}
