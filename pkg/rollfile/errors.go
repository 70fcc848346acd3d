package rollfile

import "errors"

// Sentinel errors returned by rollfile operations.
//
// Callers should classify with [errors.Is].
var (
	// ErrCapacityExceeded is returned when a single write is longer than a
	// file's total capacity - it could never fit in any file of this size.
	ErrCapacityExceeded = errors.New("rollfile: write exceeds capacity")

	// ErrPending is returned by Close when outstanding reservations on this
	// instance have not yet committed.
	ErrPending = errors.New("rollfile: writes still pending")

	// ErrClosed is returned by Write and Close on an already-closed
	// [Roller] or [MultiProcessRoller].
	ErrClosed = errors.New("rollfile: closed")

	// ErrAlreadyExists is returned when creating a file that already exists.
	ErrAlreadyExists = errors.New("rollfile: file already exists")

	// ErrInvalidInput is returned for malformed configuration (e.g. a name
	// scheme missing its directory).
	ErrInvalidInput = errors.New("rollfile: invalid input")
)

// NullOffset is the sentinel returned when a write could not fit in a
// non-rolling file. Equivalent to spec's NULL_OFFSET.
const NullOffset int32 = -1
