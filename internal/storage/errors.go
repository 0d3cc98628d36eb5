package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when two writers raced on the same pair. The
	// loser must re-read state and re-apply the rule set; it must never
	// overwrite the winner's write.
	ErrConflict = errors.New("storage: concurrent modification")

	// ErrUnavailable is returned when the database cannot be reached. Callers
	// must fail closed — authorize() returns Disabled plus this error rather
	// than guessing from a cache.
	ErrUnavailable = errors.New("storage: unavailable")
)
