package bouncer

import "errors"

var (
	// ErrNoFunction is returned when the callback cannot be resolved.
	ErrNoFunction = errors.New("no function was supplied")

	// ErrNoDelay is returned when neither a valid delay nor a valid period
	// could be derived from the configuration.
	ErrNoDelay = errors.New("no delay was supplied")
)
