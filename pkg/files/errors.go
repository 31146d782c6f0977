package files

import "errors"

var (
	// ErrNotValid is returned for malformed input: a bad path, an offset
	// past the current size, or a set_size that would grow a file (spec.md
	// §7 "Not valid").
	ErrNotValid = errors.New("files: not valid")

	// ErrNotFound is returned when open(no_create) targets an absent path,
	// an operation targets a closed handle, or a read targets a handle on a
	// file its own transaction has deleted. Delete reports an absent path
	// through its bool result, not through this error.
	ErrNotFound = errors.New("files: not found")

	// ErrExists is returned by open(create_exclusive) when the path is
	// already present, either committed or added earlier in the same
	// transaction.
	ErrExists = errors.New("files: exists")

	// ErrTransact is returned by every operation on a transaction that has
	// already failed; callers must end the transaction to clear it.
	ErrTransact = errors.New("files: transaction failed")

	// ErrAlreadyOpen is returned by open when the same path is already open
	// in the calling transaction (spec.md §1 Non-goals: a file cannot be
	// opened twice within one transaction).
	ErrAlreadyOpen = errors.New("files: already open in this transaction")

	// ErrCorrupt is returned when a file entry block fails to decode (bad
	// magic or an out-of-range embedded path length).
	ErrCorrupt = errors.New("files: corrupt file entry")
)
