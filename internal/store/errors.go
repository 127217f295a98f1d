package store

import "errors"

var (
	// ErrDuplicatePosition is returned by Create when an active or partial
	// intent already exists for the position. Callers must treat this as a
	// programming/data error, not retry it away.
	ErrDuplicatePosition = errors.New("store: active intent already exists for position")

	// ErrNotFound is returned when no intent matches the given id.
	ErrNotFound = errors.New("store: intent not found")

	// ErrInvariantViolation is returned when an update would corrupt the
	// intent, e.g. negative or increasing remaining quantity.
	ErrInvariantViolation = errors.New("store: intent invariant violation")
)
