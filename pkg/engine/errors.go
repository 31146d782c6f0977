package engine

import (
	"errors"

	"github.com/calvinalkan/trustystore/pkg/files"
)

// ErrNotValid, ErrNotFound, ErrExists, and ErrTransact are pkg/files'
// sentinels, re-exported so a caller driving the engine never needs to
// import pkg/files just to check an error kind (spec.md §7's
// Generic/NotValid/NotFound/Transact/Exists taxonomy).
var (
	ErrNotValid = files.ErrNotValid
	ErrNotFound = files.ErrNotFound
	ErrExists   = files.ErrExists
	ErrTransact = files.ErrTransact
)

var (
	// ErrUnimplemented marks an operation spec.md names that this build
	// does not support.
	ErrUnimplemented = errors.New("engine: unimplemented")

	// ErrConflict is the reason a transaction gets marked failed when
	// another transaction's commit detects it conflicts with it (spec.md
	// §4.7).
	ErrConflict = errors.New("engine: conflicts with a concurrent commit")

	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("engine: already closed")

	// ErrGeometryMismatch is returned by Mount when the main and super
	// devices declare different block sizes: a single Cache requires every
	// device it serves to agree on one block size.
	ErrGeometryMismatch = errors.New("engine: main and super device block sizes disagree")

	// ErrInvalidInput is returned for malformed constructor arguments.
	ErrInvalidInput = errors.New("engine: invalid input")

	// ErrDiscarded marks a transaction that was rolled back by an explicit
	// Discard call rather than a commit-time conflict.
	ErrDiscarded = errors.New("engine: discarded")
)
