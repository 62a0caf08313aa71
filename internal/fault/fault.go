// Package fault defines the error sentinels shared across the service.
// Handlers map them to HTTP statuses; clients of upstream systems wrap
// transport failures into them so callers can branch with errors.Is.
package fault

import "errors"

var (
	// ErrNotFound is returned when an entity does not exist, locally or
	// in the upstream task system.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable indicates an upstream system could not be reached
	// or answered with a server error.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrMalformedResponse indicates an upstream answered but its body
	// could not be parsed into the expected shape.
	ErrMalformedResponse = errors.New("malformed upstream response")

	// ErrExtractionFailed indicates the model could not produce a
	// usable brief even after a corrective retry.
	ErrExtractionFailed = errors.New("brief extraction failed")

	// ErrValidation indicates the caller's input was rejected.
	ErrValidation = errors.New("validation failed")
)
