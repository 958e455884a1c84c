package approval

import "errors"

var (
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("approval request not found")
	// ErrConflict is returned when a decision arrives for a request that is no longer pending.
	ErrConflict = errors.New("approval request already decided")
	// ErrValidation is returned for malformed categories, payloads or decisions.
	ErrValidation = errors.New("invalid approval request")
	// ErrUnavailable wraps storage failures.
	ErrUnavailable = errors.New("approval store unavailable")
)
