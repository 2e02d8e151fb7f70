package fhircast

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned when a SubscriptionRequest fails validation.
	ErrInvalidRequest = errors.New("invalid subscription request")
	// ErrInvalidArgument is returned for bad input to the payload constructor.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrMissingEndpoint is returned when a session is created without a channel endpoint.
	ErrMissingEndpoint = errors.New("subscription request is missing an endpoint")
	// ErrDecode matches every *DecodeError.
	ErrDecode = errors.New("fhircast frame decode failed")
	// ErrConnection matches every *ConnectionError.
	ErrConnection = errors.New("fhircast channel failure")
)

// DecodeError reports an inbound frame that matches no known message shape.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// ConnectionError reports a channel that failed to open or closed abnormally.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }
