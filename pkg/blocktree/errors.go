package blocktree

import "errors"

var (
	// ErrInvalidInput is returned by New for a block size/key size/data size
	// combination that yields too small a fanout (order <= 4) to be a
	// sensible block tree — see DESIGN.md's resolution of this case.
	ErrInvalidInput = errors.New("blocktree: invalid tree parameters")

	// ErrInvalidKey is returned for key 0, reserved to mean "empty slot".
	ErrInvalidKey = errors.New("blocktree: key 0 is reserved")

	// ErrExists is returned by Insert when the key is already present.
	ErrExists = errors.New("blocktree: key already exists")

	// ErrNotFound is returned by Remove and Update when the key is absent.
	ErrNotFound = errors.New("blocktree: key not found")

	// ErrCorrupt is returned by Check when an invariant does not hold.
	ErrCorrupt = errors.New("blocktree: invariant violated")
)
