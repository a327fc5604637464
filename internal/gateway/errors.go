package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrAborted is returned for requests cancelled by AbortAll (logout,
// navigation away). Never retried.
var ErrAborted = errors.New("gateway: aborted")

// StatusError is a non-2xx response. The server rejected the request, so it
// is never retried; Message carries the server-supplied error when the body
// was parsable.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("Error %d", e.Code)
}

// TimeoutError is one attempt exceeding its deadline. Distinct from a server
// rejection: the request may have never reached the server, so it is retryable.
type TimeoutError struct {
	Endpoint string
	Attempt  int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout on %s (attempt %d)", e.Endpoint, e.Attempt)
}

// retryable reports whether a failed attempt may be retried: network and
// timeout failures yes, server rejections and cancellations no.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return false
	}
	if errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	// url.Error wrapping a closed connection, DNS failure etc.
	return true
}
