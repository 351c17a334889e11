package venue

import (
	"context"
	"errors"
	"fmt"
	"net"

	"basis-engine/pkg/types"
)

// ErrorClass categorizes a venue failure for the execution manager's retry
// decision. Only network, rate-limit, and timeout classes are retried.
type ErrorClass string

const (
	ClassRetryableNetwork    ErrorClass = "retryable_network"
	ClassRetryableRateLimit  ErrorClass = "retryable_ratelimit"
	ClassNonRetryableInvalid ErrorClass = "non_retryable_invalid"
	ClassNonRetryableState   ErrorClass = "non_retryable_state"
	ClassTimeout             ErrorClass = "timeout"
)

// Error is a classified venue failure. It wraps the underlying cause and
// maps onto the stable VEN- code space.
type Error struct {
	Venue string
	Class ErrorClass
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("venue %s (%s): %v", e.Venue, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the execution manager may retry the order.
func (e *Error) Retryable() bool {
	switch e.Class {
	case ClassRetryableNetwork, ClassRetryableRateLimit, ClassTimeout:
		return true
	}
	return false
}

// Code maps the class onto the VEN- code space.
func (e *Error) Code() string {
	switch e.Class {
	case ClassRetryableNetwork:
		return types.CodeVenNetwork
	case ClassRetryableRateLimit:
		return types.CodeVenRateLimited
	case ClassNonRetryableInvalid:
		return types.CodeVenInvalidOrder
	case ClassNonRetryableState:
		return types.CodeVenInsufficient
	case ClassTimeout:
		return types.CodeVenTimeout
	}
	return types.CodeVenNetwork
}

// newError builds a classified error for a venue.
func newError(venue string, class ErrorClass, err error) *Error {
	return &Error{Venue: venue, Class: class, Err: err}
}

func errorf(venue string, class ErrorClass, format string, args ...any) *Error {
	return newError(venue, class, fmt.Errorf(format, args...))
}

// Classify wraps an arbitrary transport error into a venue Error. Context
// deadlines become timeouts, net errors become retryable network failures,
// everything else is treated as a non-retryable venue state error.
func Classify(venue string, err error) *Error {
	var ve *Error
	if errors.As(err, &ve) {
		return ve
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(venue, ClassTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return newError(venue, ClassTimeout, err)
		}
		return newError(venue, ClassRetryableNetwork, err)
	}
	return newError(venue, ClassNonRetryableState, err)
}

// AsError extracts the venue Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var ve *Error
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// Retryable reports whether err is a retryable venue failure.
func Retryable(err error) bool {
	if ve, ok := AsError(err); ok {
		return ve.Retryable()
	}
	return false
}
