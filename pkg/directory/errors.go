package directory

import "errors"

var (
	// ErrSessionNotFound is returned when no session matches the lookup.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEntityNotFound is returned when no channel entity matches the
	// lookup.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrDuplicateCollection is returned when a collection record for the
	// same (entity, message range) already exists.
	ErrDuplicateCollection = errors.New("collection record already exists")
)
