package constants

import "errors"

// Errors
var (
	// ErrTransportUnavailable means the primary source could not be reached.
	// It is recovered locally by serving the bundled dataset.
	ErrTransportUnavailable = errors.New("primary source unavailable")

	// ErrTimeout is returned when the primary call exceeds its timeout.
	// It is handled exactly like ErrTransportUnavailable.
	ErrTimeout = errors.New("timeout")

	// ErrMalformedPushEvent marks a push payload that is not a known event.
	ErrMalformedPushEvent = errors.New("malformed push event")

	ErrClosed                 = errors.New("closed")
	ErrInvalidConfig          = errors.New("invalid configuration")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrNotFound               = errors.New("not found")
	ErrNoBaseURL              = errors.New("base url not set")
)
