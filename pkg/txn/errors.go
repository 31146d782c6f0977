package txn

import "errors"

var (
	// ErrInvalidState is returned when a lifecycle method is called from a
	// state that doesn't allow it (e.g. Activate on an already-active
	// transaction, or a mutating op on an inactive one).
	ErrInvalidState = errors.New("txn: invalid transaction state")

	// ErrNotMerging is returned by operations that only make sense while
	// BeginMerge is in effect.
	ErrNotMerging = errors.New("txn: not merging a free set")

	// ErrInvalidInput is returned for malformed constructor arguments.
	ErrInvalidInput = errors.New("txn: invalid input")
)
