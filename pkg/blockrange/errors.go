package blockrange

import "errors"

var (
	// ErrReentrant is returned when a Set mutation is invoked while another
	// mutation on the same Set is already in progress (e.g. from within a
	// caller's own callback).
	ErrReentrant = errors.New("blockrange: reentrant set mutation")

	// ErrInitialRangeSet is returned by AddInitialRange when one is already
	// configured.
	ErrInitialRangeSet = errors.New("blockrange: initial range already set")
)
