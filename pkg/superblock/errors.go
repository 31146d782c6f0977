package superblock

import "errors"

var (
	// ErrFutureVersion is returned by Mount when the newest valid slot
	// carries an fs_version this build does not understand, unless
	// MountOptions.AllowReformat is set (spec.md §8 scenario 6).
	ErrFutureVersion = errors.New("superblock: fs_version newer than supported")

	// ErrInconsistent is returned when a slot's recorded block_size,
	// block_num_size, mac_size, or block_count disagrees with the device
	// actually being mounted.
	ErrInconsistent = errors.New("superblock: recorded geometry disagrees with device")

	// ErrReservedSpace is returned by Commit when the proposed free count
	// would drop below the reserved threshold (spec.md §4.8).
	ErrReservedSpace = errors.New("superblock: commit would breach reserved space")

	// ErrUnrecoverable is returned by Commit when the superblock write
	// itself failed. Per spec.md §7, this is not safely retryable — the
	// caller must reload from disk rather than attempt another commit.
	ErrUnrecoverable = errors.New("superblock: write failed, reload required")
)
