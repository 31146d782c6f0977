package blockalloc

import "errors"

var (
	// ErrOutOfSpace is returned when the committed free set has no block
	// that is neither claimed by a live transaction nor queued for
	// allocation, or when the free set minus the blocks queued for
	// allocation is at or below the reserved floor.
	ErrOutOfSpace = errors.New("blockalloc: out of space")

	// ErrQueueFull is returned when an enqueue would exceed the queue's
	// fixed ring-buffer capacity.
	ErrQueueFull = errors.New("blockalloc: queue full")

	// ErrNotTransaction is returned when Alloc/Free is called with an
	// owner that does not implement Transaction.
	ErrNotTransaction = errors.New("blockalloc: owner does not implement blockalloc.Transaction")

	// ErrInvalidInput is returned for malformed constructor arguments.
	ErrInvalidInput = errors.New("blockalloc: invalid input")
)
