package domain

import "errors"

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidWeight is returned when a rule is constructed with a
	// weight outside [0,100]. Raised at assembly time, never during
	// evaluation.
	ErrInvalidWeight = errors.New("rule weight must be between 0 and 100")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)
