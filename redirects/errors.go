package redirects

import "errors"

var (
	// ErrConflict is returned when an inbound triple is already owned by another rule
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when a rule lookup by id or unique id finds nothing
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for missing hosts, unsupported protocols
	// and other malformed input
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPersistence wraps failures of the underlying store
	ErrPersistence = errors.New("persistence failure")
)
