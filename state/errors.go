package state

import (
	"errors"

	"github.com/plait-im/go-plait/record"
)

var (
	// Raised when iteration exceeds the bounded safety ceiling, which signals
	// malformed state upstream. Operations fail fast rather than hang.
	ErrLoopLimitReached = errors.New("state: processing loop limit reached")

	// Raised when a rekey cannot be produced, e.g. no usable key material.
	// The caller owns retry policy.
	ErrFailedToRekey = errors.New("state: failed to rekey group")

	// Raised when a rekey or removal rotation is attempted without the
	// group's admin key or a sufficiently scoped token.
	ErrNotAdmin = errors.New("state: operation requires group admin key")

	ErrNotFound = errors.New("state: config object not found")

	ErrInvalidCommunity = errors.New("state: invalid community url")

	// Raised when a group config namespace is opened before any generation
	// key has been recovered.
	ErrNoGroupKeys = errors.New("state: no group key material")

	ErrInvalidDump = errors.New("state: invalid dump")

	// Aggregate or per-field oversize, re-exported so callers only deal in
	// state errors.
	ErrTooLarge = record.ErrTooLarge
)
