// Package txn implements the in-memory transaction: a client session's
// batch of block allocations, frees, and file mutations, committed or
// rolled back atomically (spec.md §3 "Transaction", §4.5, §4.7). It
// implements blockalloc.Transaction so a *Transaction can be handed
// directly to a blockalloc.Queue as the target of a drained allocation or
// free intent.
package txn

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/calvinalkan/trustystore/pkg/blockmac"
	"github.com/calvinalkan/trustystore/pkg/blockrange"
	"github.com/calvinalkan/trustystore/pkg/blocktree"
)

// State is a transaction's lifecycle stage.
type State int

const (
	// StateInactive is the state of a freshly constructed transaction:
	// not yet visible to the rest of the filesystem.
	StateInactive State = iota
	// StateActive is a transaction that has been Activated: visible in
	// the fs's list of live transactions and allowed to mutate its sets.
	StateActive
	// StateComplete is a transaction that committed successfully.
	StateComplete
	// StateFailed is a transaction that was rolled back, either because
	// a core operation marked it failed or because Fail was called
	// directly.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OpenFile is the subset of a pkg/files file handle that a transaction
// needs in order to run cross-transaction conflict detection at commit
// (spec.md §4.7's "open handles ... that have been used"). pkg/files
// implements it; txn never otherwise touches file handle internals.
type OpenFile interface {
	// UsedByTransaction reports the handle's used_by_tr flag: whether
	// the owning transaction has actually read or written through it.
	UsedByTransaction() bool

	// CommittedBlockNum is the file entry's block number as of the last
	// commit this handle observed.
	CommittedBlockNum() blockmac.BlockNum
}

// Transaction is an in-memory batch of block allocations, frees, and file
// mutations. The zero value is not usable; construct with New.
type Transaction struct {
	id    uuid.UUID
	state State
	err   error

	tmpAllocated *blockrange.Set
	allocated    *blockrange.Set
	freed        *blockrange.Set

	// Keyed respectively by path hash, by old (pre-transaction) block
	// number, and by old block number (spec.md §3).
	filesAdded   *blocktree.Tree
	filesUpdated *blocktree.Tree
	filesRemoved *blocktree.Tree

	openFiles []OpenFile

	cursor    blockmac.BlockNum
	tmpCursor blockmac.BlockNum

	merging      bool
	minFreeBlock blockmac.BlockNum
	newFreeSet   *blockrange.Set
}

// New constructs an inactive transaction over freshly allocated (empty)
// block sets and file trees. Every *blocktree.Tree argument must be
// empty and configured for the key widths this package's doc comments
// name; callers are expected to build them the same way for every
// transaction (same device, same allocator-queue-backed Allocator).
func New(tmpAllocated, allocated, freed *blockrange.Set, filesAdded, filesUpdated, filesRemoved *blocktree.Tree) (*Transaction, error) {
	if tmpAllocated == nil || allocated == nil || freed == nil ||
		filesAdded == nil || filesUpdated == nil || filesRemoved == nil {
		return nil, ErrInvalidInput
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("txn: new transaction id: %w", err)
	}

	return &Transaction{
		id:           id,
		state:        StateInactive,
		tmpAllocated: tmpAllocated,
		allocated:    allocated,
		freed:        freed,
		filesAdded:   filesAdded,
		filesUpdated: filesUpdated,
		filesRemoved: filesRemoved,
	}, nil
}

// ID returns the transaction's session identifier, for logging only.
func (tr *Transaction) ID() uuid.UUID { return tr.id }

// State returns the transaction's current lifecycle stage.
func (tr *Transaction) State() State { return tr.state }

// Failed reports whether the transaction has been marked failed, either
// via MarkFailed or Fail.
func (tr *Transaction) Failed() bool { return tr.state == StateFailed }

// Err returns the error that first caused this transaction to fail, if
// any.
func (tr *Transaction) Err() error { return tr.err }

// Activate transitions an inactive transaction to active, making it
// eligible to mutate its block sets and file trees. It is the only
// transition into StateActive.
func (tr *Transaction) Activate() error {
	if tr.state != StateInactive {
		return fmt.Errorf("txn: activate from state %s: %w", tr.state, ErrInvalidState)
	}

	tr.state = StateActive

	return nil
}

// EnsureActive returns ErrInvalidState if the transaction is not active,
// the pattern every core per-block operation uses before touching
// transaction state (spec.md §7 "Propagation policy").
func (tr *Transaction) EnsureActive() error {
	if tr.Failed() {
		if tr.err != nil {
			return fmt.Errorf("txn: operation on failed transaction: %w: %w", ErrInvalidState, tr.err)
		}

		return fmt.Errorf("txn: operation on failed transaction: %w", ErrInvalidState)
	}

	if tr.state != StateActive {
		return fmt.Errorf("txn: operation on %s transaction: %w", tr.state, ErrInvalidState)
	}

	return nil
}

// MarkFailed records err as the reason this transaction failed and
// transitions it to StateFailed, unless it already failed (first error
// wins). Per spec.md §7, once failed, EnsureActive causes subsequent core
// operations to early-return without side effects.
func (tr *Transaction) MarkFailed(err error) {
	if tr.state == StateFailed {
		return
	}

	tr.state = StateFailed
	tr.err = err
}

// Fail transitions an active transaction to failed directly, for callers
// (like the client session layer) ending a transaction by explicit
// request rather than because a core operation hit an error.
func (tr *Transaction) Fail() error {
	if tr.state != StateActive {
		return fmt.Errorf("txn: fail from state %s: %w", tr.state, ErrInvalidState)
	}

	tr.state = StateFailed

	return nil
}

// Complete transitions an active transaction to complete. Callers must
// have already applied the transaction's effects (file tree merge,
// superblock write) successfully before calling this — Complete itself
// does not touch any other package's state.
func (tr *Transaction) Complete() error {
	if tr.state != StateActive {
		return fmt.Errorf("txn: complete from state %s: %w", tr.state, ErrInvalidState)
	}

	tr.state = StateComplete

	return nil
}

// TmpAllocated, Allocated, and Freed expose the transaction's block sets
// to callers (e.g. pkg/superblock, merging Freed into the committed free
// set during commit).
func (tr *Transaction) TmpAllocated() *blockrange.Set { return tr.tmpAllocated }
func (tr *Transaction) Allocated() *blockrange.Set    { return tr.allocated }
func (tr *Transaction) Freed() *blockrange.Set        { return tr.freed }

// FilesAdded, FilesUpdated, and FilesRemoved expose the transaction's
// pending file-tree mutations.
func (tr *Transaction) FilesAdded() *blocktree.Tree   { return tr.filesAdded }
func (tr *Transaction) FilesUpdated() *blocktree.Tree { return tr.filesUpdated }
func (tr *Transaction) FilesRemoved() *blocktree.Tree { return tr.filesRemoved }

// TrackOpenFile registers f as belonging to this transaction's open-file
// list, so cross-transaction conflict detection (spec.md §4.7) can
// inspect it at another transaction's commit time.
func (tr *Transaction) TrackOpenFile(f OpenFile) {
	tr.openFiles = append(tr.openFiles, f)
}

// OpenFiles returns the transaction's tracked open file handles.
func (tr *Transaction) OpenFiles() []OpenFile {
	return tr.openFiles
}

// AllocationCursor implements blockalloc.Transaction: the block number
// after the last one AddAllocated handed to this transaction in the
// requested class, so the allocator's free-block scan resumes instead of
// rescanning from the filesystem's minimum allocatable block every time
// (spec's last_free_block / last_tmp_free_block).
func (tr *Transaction) AllocationCursor(isTmp bool) blockmac.BlockNum {
	if isTmp {
		return tr.tmpCursor
	}

	return tr.cursor
}

// AddAllocated implements blockalloc.Transaction (spec.md §4.5
// add_allocated). Temporary allocations go to tmp_allocated; permanent
// ones go to allocated and, while a free-set merge is in progress via
// BeginMerge, are removed from the in-progress new free set if they fall
// below the merge frontier.
func (tr *Transaction) AddAllocated(block blockmac.BlockNum, isTmp bool) error {
	if isTmp {
		if err := tr.tmpAllocated.AddBlock(uint64(block)); err != nil {
			return fmt.Errorf("txn: add allocated (tmp): %w", err)
		}

		if block+1 > tr.tmpCursor {
			tr.tmpCursor = block + 1
		}

		return nil
	}

	if err := tr.allocated.AddBlock(uint64(block)); err != nil {
		return fmt.Errorf("txn: add allocated: %w", err)
	}

	if block+1 > tr.cursor {
		tr.cursor = block + 1
	}

	if tr.merging && block < tr.minFreeBlock {
		if err := tr.newFreeSet.RemoveBlock(uint64(block)); err != nil {
			return fmt.Errorf("txn: add allocated (merge frontier): %w", err)
		}
	}

	return nil
}

// AddFreed implements blockalloc.Transaction (spec.md §4.5 add_free).
// Temporary frees are simply removed from tmp_allocated. Persistent
// frees of a block this same transaction allocated cancel out (removed
// from allocated, and — during a merge — added to the new free set
// immediately); any other persistent free is recorded in freed, to be
// folded into the committed free set at commit.
func (tr *Transaction) AddFreed(block blockmac.BlockNum, isTmp bool) error {
	if isTmp {
		if err := tr.tmpAllocated.RemoveBlock(uint64(block)); err != nil {
			return fmt.Errorf("txn: add freed (tmp): %w", err)
		}

		return nil
	}

	ownAllocation, err := tr.allocated.BlockInSet(uint64(block))
	if err != nil {
		return fmt.Errorf("txn: add freed: check own allocation: %w", err)
	}

	if ownAllocation {
		if err := tr.allocated.RemoveBlock(uint64(block)); err != nil {
			return fmt.Errorf("txn: add freed: remove own allocation: %w", err)
		}

		if tr.merging {
			if err := tr.newFreeSet.AddBlock(uint64(block)); err != nil {
				return fmt.Errorf("txn: add freed (merge frontier): %w", err)
			}
		}

		return nil
	}

	if err := tr.freed.AddBlock(uint64(block)); err != nil {
		return fmt.Errorf("txn: add freed: %w", err)
	}

	return nil
}

// BeginMerge configures the merge-frontier behavior AddAllocated and
// AddFreed use while the commit orchestrator (pkg/superblock) is folding
// this transaction's freed/allocated blocks into a fresh copy of the
// committed free set. minFreeBlock is the merge frontier: blocks below it
// have already been visited by the merge and must be reflected into
// newFreeSet directly rather than left for a later pass.
func (tr *Transaction) BeginMerge(newFreeSet *blockrange.Set, minFreeBlock blockmac.BlockNum) error {
	if newFreeSet == nil {
		return ErrInvalidInput
	}

	tr.merging = true
	tr.newFreeSet = newFreeSet
	tr.minFreeBlock = minFreeBlock

	return nil
}

// EndMerge clears the merge-frontier state BeginMerge configured.
func (tr *Transaction) EndMerge() {
	tr.merging = false
	tr.newFreeSet = nil
	tr.minFreeBlock = 0
}
