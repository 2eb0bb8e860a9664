package identity

import "errors"

// Argument errors are raised synchronously before any I/O and indicate a
// caller bug; the store never retries them.
var (
	ErrNilUser   = errors.New("user must not be nil")
	ErrNilClaims = errors.New("claims must not be nil")
	ErrNilLogin  = errors.New("login must not be nil")
	ErrNilToken  = errors.New("token must not be nil")
)

// ErrStoreClosed is returned by every operation invoked after Close
var ErrStoreClosed = errors.New("identity store is closed")

// ErrNotFound is the repository-level sentinel for an absent record
var ErrNotFound = errors.New("record not found")
