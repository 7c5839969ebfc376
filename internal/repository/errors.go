package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates the database rejected a value as malformed.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrConflict indicates a uniqueness constraint was violated.
var ErrConflict = errors.New("repository: conflict")

// ErrStaleState indicates a conditional write matched no row because the
// target row is absent or already terminal.
var ErrStaleState = errors.New("repository: stale state")
