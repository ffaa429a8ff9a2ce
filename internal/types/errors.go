package types

import "errors"

var (
	// ErrInvalidArgument is returned for requests rejected before anything
	// is persisted: empty content, empty room id, malformed cursor.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrUnavailable means the persistence layer could not complete the
	// operation. An append that fails this way did not happen.
	ErrUnavailable = errors.New("unavailable")
	ErrNotFound    = errors.New("not found")
	// ErrResyncRequired ends a session whose delivery queue overflowed. The
	// consumer must resubscribe from its last cursor.
	ErrResyncRequired = errors.New("resync required")
)
