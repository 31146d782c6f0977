// Package blockalloc coordinates per-transaction block allocation and
// freeing against a single committed free set through a reentrancy-safe
// queue (spec.md §4.5). It implements blocktree.Allocator, so a Queue can
// be injected directly wherever pkg/blocktree or pkg/blockrange need to
// allocate or free blocks for their own node relocation.
//
// The queue exists to solve one problem: allocating a block can itself
// require a B+ tree update (inserting into the free set's tree, or into a
// file's block map), and that tree update can in turn need to allocate or
// free blocks of its own (a node split, a CoW relocation). Without
// deferral, this recurses arbitrarily. Buffering every allocation/free as
// an intent and only applying it to the owning transaction's in-memory
// sets once the outermost call finishes flushing breaks the recursion:
// nested calls just enqueue and return, and the one top-level call that
// found the queue empty on entry is the only one that ever drains it.
package blockalloc

import (
	"fmt"

	"github.com/calvinalkan/trustystore/pkg/blockcache"
	"github.com/calvinalkan/trustystore/pkg/blockmac"
	"github.com/calvinalkan/trustystore/pkg/blockrange"
)

// Transaction is the subset of transaction bookkeeping the queue needs in
// order to apply a drained entry. pkg/txn implements it; blockalloc never
// looks at tmp_allocated/allocated/freed directly, it only defers to this
// interface so the two packages don't import each other.
type Transaction interface {
	// AddAllocated records that block now belongs to this transaction.
	AddAllocated(block blockmac.BlockNum, isTmp bool) error

	// AddFreed records that block no longer belongs to this transaction
	// (and, for persistent blocks it did not itself allocate, becomes a
	// candidate for the next committed free set).
	AddFreed(block blockmac.BlockNum, isTmp bool) error

	// AllocationCursor returns where the next free-block scan for this
	// transaction should resume (spec's last_free_block /
	// last_tmp_free_block): the block after the last one this
	// transaction was handed, so repeated allocations don't rescan
	// already-claimed ranges from the start every time.
	AllocationCursor(isTmp bool) blockmac.BlockNum
}

// LiveSets lets find_free_block skip blocks some other live transaction
// has already claimed but not yet committed. Optional: a nil LiveSets
// behaves as if no other transaction held anything.
type LiveSets interface {
	// Claimed reports whether block is currently allocated (permanently
	// or temporarily) by some live transaction.
	Claimed(block blockmac.BlockNum) bool
}

type queueEntry struct {
	tr      Transaction
	block   blockmac.BlockNum
	isTmp   bool
	isFree  bool
	removed bool
}

// Queue is the bounded, reentrancy-safe allocation/free queue. The zero
// value is not usable; construct with NewQueue.
type Queue struct {
	entries  []queueEntry // ring buffer, capacity fixed at construction
	head     int
	count    int
	flushing bool

	freeSet      *blockrange.Set
	minBlock     blockmac.BlockNum
	reservedFree uint64
	live         LiveSets
}

// NewQueue builds a queue over freeSet, the committed free set. minBlock
// is the first allocatable block number (spec's min_block_num: blocks
// below it — superblock slots and similar reserved regions — are never
// handed out). reservedFree is the floor below which the free set must
// not fall (spec's reserved_count); find_free_block refuses to hand out a
// block that would breach it. capacity bounds the ring buffer and must be
// large enough to absorb every nested allocation a single tree update can
// produce; live may be nil.
func NewQueue(freeSet *blockrange.Set, minBlock blockmac.BlockNum, reservedFree uint64, capacity int, live LiveSets) (*Queue, error) {
	if freeSet == nil || capacity <= 0 {
		return nil, ErrInvalidInput
	}

	return &Queue{
		entries:      make([]queueEntry, capacity),
		freeSet:      freeSet,
		minBlock:     minBlock,
		reservedFree: reservedFree,
		live:         live,
	}, nil
}

func (q *Queue) capacity() int { return len(q.entries) }

func (q *Queue) at(i int) *queueEntry { return &q.entries[(q.head+i)%q.capacity()] }

// findQueued returns the index (0-based from head) of the live (not
// removed) queue entry for block, if any.
func (q *Queue) findQueued(block blockmac.BlockNum) (int, bool) {
	for i := 0; i < q.count; i++ {
		e := q.at(i)
		if !e.removed && e.block == block {
			return i, true
		}
	}

	return 0, false
}

func (q *Queue) push(e queueEntry) error {
	if q.count == q.capacity() {
		return ErrQueueFull
	}

	q.entries[(q.head+q.count)%q.capacity()] = e
	q.count++

	return nil
}

func (q *Queue) pop() queueEntry {
	e := q.entries[q.head]
	q.head = (q.head + 1) % q.capacity()
	q.count--

	return e
}

// findFreeBlock walks the committed free set looking for a block not
// already spoken for: not below minBlock, not claimed by another live
// transaction, and not already sitting in the queue awaiting allocation.
// It resumes from tr's own cursor (spec's last_free_block /
// last_tmp_free_block) when that is further along than minBlock, so a
// transaction doing many allocations in a row doesn't rescan blocks it
// has already passed.
func (q *Queue) findFreeBlock(tr Transaction, isTmp bool) (blockmac.BlockNum, error) {
	from := uint64(q.minBlock)
	if cursor := uint64(tr.AllocationCursor(isTmp)); cursor > from {
		from = cursor
	}

	for {
		block, found, err := q.freeSet.FindNextBlock(from)
		if err != nil {
			return 0, fmt.Errorf("blockalloc: find free block: %w", err)
		}

		if !found {
			return 0, ErrOutOfSpace
		}

		candidate := blockmac.BlockNum(block)

		if q.live != nil && q.live.Claimed(candidate) {
			from = block + 1
			continue
		}

		if idx, queued := q.findQueued(candidate); queued && !q.at(idx).isFree {
			from = block + 1
			continue
		}

		if q.remainingFree() <= q.reservedFree {
			return 0, ErrOutOfSpace
		}

		return candidate, nil
	}
}

// remainingFree sums the committed free set's ranges from minBlock onward
// and subtracts every block presently in flight (queued for allocation).
// It is not an exact count: blocks claimed by other live transactions are
// not subtracted, so it can exceed the number of blocks actually left.
func (q *Queue) remainingFree() uint64 {
	inFlight := uint64(0)

	for i := 0; i < q.count; i++ {
		e := q.at(i)
		if !e.removed && !e.isFree {
			inFlight++
		}
	}

	r, _, err := q.freeSet.FindNextRange(uint64(q.minBlock))
	if err != nil || r.Empty() {
		return 0
	}

	total := uint64(0)

	for {
		total += r.Len()

		next, found, err := q.freeSet.FindNextRange(r.End)
		if err != nil || !found {
			break
		}

		r = next
	}

	if total <= inFlight {
		return 0
	}

	return total - inFlight
}

// enqueue buffers entry, applying cancel-in-queue: an opposite-direction
// entry already queued for the same block is marked removed rather than
// leaving both to apply.
func (q *Queue) enqueue(entry queueEntry) error {
	if idx, found := q.findQueued(entry.block); found {
		existing := q.at(idx)
		if existing.isFree != entry.isFree {
			existing.removed = true
			return nil
		}
	}

	return q.push(entry)
}

// flush drains the queue strictly FIFO, applying each surviving entry to
// its owning transaction. It must only ever run for the single top-level
// call that found the queue empty on entry; Allocate/Free enforce that by
// checking q.flushing before calling it.
func (q *Queue) flush() error {
	q.flushing = true
	defer func() { q.flushing = false }()

	limit := q.capacity()*q.capacity() + 1

	for iterations := 0; q.count > 0; iterations++ {
		if iterations > limit {
			return fmt.Errorf("blockalloc: queue flush exceeded loop limit %d", limit)
		}

		e := q.pop()
		if e.removed {
			continue
		}

		var err error
		if e.isFree {
			err = e.tr.AddFreed(e.block, e.isTmp)
		} else {
			err = e.tr.AddAllocated(e.block, e.isTmp)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// AllocateFor finds a free block, enqueues it as an allocation intent for
// tr, and flushes immediately unless this call is nested inside an
// already-flushing outer call (in which case the outer call will flush on
// its way out).
func (q *Queue) AllocateFor(tr Transaction, isTmp bool) (blockmac.BlockNum, error) {
	wasEmpty := q.count == 0

	block, err := q.findFreeBlock(tr, isTmp)
	if err != nil {
		return 0, err
	}

	if err := q.enqueue(queueEntry{tr: tr, block: block, isTmp: isTmp, isFree: false}); err != nil {
		return 0, err
	}

	if wasEmpty && !q.flushing {
		if err := q.flush(); err != nil {
			return 0, err
		}
	}

	return block, nil
}

// FreeFor enqueues block as a free intent for tr, flushing under the same
// rule as AllocateFor.
func (q *Queue) FreeFor(tr Transaction, block blockmac.BlockNum, isTmp bool) error {
	wasEmpty := q.count == 0

	if err := q.enqueue(queueEntry{tr: tr, block: block, isTmp: isTmp, isFree: true}); err != nil {
		return err
	}

	if wasEmpty && !q.flushing {
		return q.flush()
	}

	return nil
}

// Alloc implements blocktree.Allocator (and blockrange's own tree
// plumbing) by type-asserting owner to Transaction.
func (q *Queue) Alloc(owner blockcache.Owner, isTmp bool) (blockmac.BlockNum, error) {
	tr, ok := owner.(Transaction)
	if !ok {
		return 0, ErrNotTransaction
	}

	return q.AllocateFor(tr, isTmp)
}

// Free implements blocktree.Allocator. Blocks freed through this path are
// always treated as permanent (is_tmp=false); tree code that needs to
// free a temporary block uses FreeFor directly.
func (q *Queue) Free(owner blockcache.Owner, block blockmac.BlockNum) error {
	tr, ok := owner.(Transaction)
	if !ok {
		return ErrNotTransaction
	}

	return q.FreeFor(tr, block, false)
}
