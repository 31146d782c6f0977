package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/calvinalkan/trustystore/internal/walaudit"
	"github.com/calvinalkan/trustystore/pkg/blockalloc"
	"github.com/calvinalkan/trustystore/pkg/blockmac"
	"github.com/calvinalkan/trustystore/pkg/blockrange"
	"github.com/calvinalkan/trustystore/pkg/blocktree"
	"github.com/calvinalkan/trustystore/pkg/txn"
)

// Commit implements spec.md §4.7/§4.8's transaction_complete: every other
// live transaction tr conflicts with is marked failed, tr's file changes
// are folded into a fresh catalog view, its allocated/freed block ranges
// are merged into a fresh copy of the committed free set, the whole
// commit's dirty blocks are flushed, and the superblock is advanced to
// point at the new roots. Only once that superblock write succeeds does
// the engine swap in the new catalog and rebuild its allocator queue
// around the new free set and propagate the commit to other live
// transactions' open handles.
func (e *Engine) Commit(tr *txn.Transaction) error {
	if err := e.ensureOpen(); err != nil {
		return fmt.Errorf("engine: commit: %w", err)
	}

	if err := tr.EnsureActive(); err != nil {
		return fmt.Errorf("engine: commit: %w", err)
	}

	for _, other := range e.liveTxns {
		if other == tr || other.Failed() {
			continue
		}

		conflicts, err := tr.ConflictsWith(other)
		if err != nil {
			return fmt.Errorf("engine: commit: %w", err)
		}

		if len(conflicts) > 0 {
			other.MarkFailed(fmt.Errorf("%w: %v", ErrConflict, conflicts))
		}
	}

	newCatalog, err := e.store.MergeCatalog(tr)
	if err != nil {
		tr.MarkFailed(err)
		return fmt.Errorf("engine: commit: %w", err)
	}

	newFreeSet, err := e.newCommittedFreeSet(tr)
	if err != nil {
		tr.MarkFailed(err)
		return fmt.Errorf("engine: commit: %w", err)
	}

	if err := e.freeSet.CopyInto(newFreeSet); err != nil {
		tr.MarkFailed(err)
		return fmt.Errorf("engine: commit: %w", err)
	}

	if err := mergeFreeSets(tr, newFreeSet); err != nil {
		tr.MarkFailed(err)
		return fmt.Errorf("engine: commit: %w", err)
	}

	newFreeCount, err := totalFree(newFreeSet)
	if err != nil {
		tr.MarkFailed(err)
		return fmt.Errorf("engine: commit: %w", err)
	}

	if err := e.cache.CleanTransaction(tr); err != nil {
		tr.MarkFailed(err)
		return fmt.Errorf("engine: commit: %w", err)
	}

	if owner, ok := e.bookkeepingOwners[tr]; ok {
		if err := e.cache.CleanTransaction(owner); err != nil {
			tr.MarkFailed(err)
			return fmt.Errorf("engine: commit: %w", err)
		}
	}

	newFreeRoot := newFreeSet.Tree().Root()

	if err := e.super.Commit(tr, newFreeRoot, newFreeCount, newCatalog.Root()); err != nil {
		tr.MarkFailed(err)
		return fmt.Errorf("engine: commit: %w", err)
	}

	e.store.Catalog = newCatalog
	e.freeSet = newFreeSet

	newQueue, err := blockalloc.NewQueue(newFreeSet, e.minBlock, e.super.ReservedCount(), e.queueCapacity, e)
	if err != nil {
		return fmt.Errorf("engine: commit: rebuild allocator: %w", err)
	}

	e.alloc = newQueue
	e.store.Alloc = newQueue

	if err := e.store.PropagateCommit(tr, e.liveTxns); err != nil {
		return fmt.Errorf("engine: commit: propagate: %w", err)
	}

	if err := tr.Complete(); err != nil {
		return fmt.Errorf("engine: commit: %w", err)
	}

	e.removeLiveTxn(tr)

	e.recordAudit(newFreeRoot, newCatalog.Root(), newFreeCount)

	return nil
}

// recordAudit appends a best-effort row to the optional audit log. It runs
// after Commit has already fully succeeded, so a recording failure is
// logged and otherwise ignored — it can never unwind a completed commit.
func (e *Engine) recordAudit(freeRoot, filesRoot blockmac.Envelope, freeCount uint64) {
	if e.auditLog == nil {
		return
	}

	e.commitSeq++

	entry := walaudit.Entry{
		Version:     e.commitSeq,
		FreeRoot:    uint64(freeRoot.Block),
		FilesRoot:   uint64(filesRoot.Block),
		FreeCount:   freeCount,
		CommittedAt: time.Now().Unix(),
	}

	if err := e.auditLog.Record(context.Background(), entry); err != nil {
		e.log.Warn().Err(err).Msg("engine: commit audit record failed")
	}
}

// newCommittedFreeSet builds an empty free-set tree for CopyInto to fill
// in as the merge's destination. It is built with tr itself as owner
// (not a separate bootstrap identity): any node split or relocation the
// merge's CopyInto/RemoveRange/AddRange calls trigger allocates or frees
// blocks through e.alloc, which — since tr is the owner — routes straight
// back into tr.AddAllocated/AddFreed, and from there (because Commit
// keeps tr in merging mode for the duration) into newSet itself via the
// merge-frontier side channel BeginMerge configures.
func (e *Engine) newCommittedFreeSet(tr *txn.Transaction) (*blockrange.Set, error) {
	tree, err := blocktree.New(e.cache, e.mainDev, e.alloc, e.codec, 8, 8, false, tr, blockmac.Envelope{})
	if err != nil {
		return nil, fmt.Errorf("engine: new committed free set: %w", err)
	}

	return blockrange.NewSet(tree), nil
}

// rangeBeforeOrInfinite orders two ranges the way the original engine's
// block_range_before does: an empty b is treated as infinitely far away,
// so a is "before" it whenever a itself is non-empty. This answers a
// different question than blockrange.Range.Before (which orders two
// ranges already known to be disjoint within the same ascending scan) —
// it exists so mergeFreeSets can walk two independent range scans
// (allocated, freed) in lockstep and always advance through whichever
// side still has ranges left.
func rangeBeforeOrInfinite(a, b blockrange.Range) bool {
	return !a.Empty() && (b.Empty() || a.Start < b.Start)
}

// mergeFreeSets folds tr's allocated (now in use, so removed from the
// free set) and freed (now available, so added back) ranges into newSet,
// mirroring the original engine's transaction_merge_free_sets: the two
// range scans are walked in lockstep, always acting on whichever range
// starts first, advancing the merge frontier via BeginMerge right before
// each mutating call so any allocation the mutation itself triggers is
// folded into newSet too, until both scans are exhausted.
func mergeFreeSets(tr *txn.Transaction, newSet *blockrange.Set) error {
	defer tr.EndMerge()

	next := uint64(1)

	for {
		deleteRange, deleteFound, err := tr.Allocated().FindNextRange(next)
		if err != nil {
			return fmt.Errorf("engine: merge free sets: %w", err)
		}

		if !deleteFound {
			deleteRange = blockrange.Range{}
		}

		addRange, addFound, err := tr.Freed().FindNextRange(next)
		if err != nil {
			return fmt.Errorf("engine: merge free sets: %w", err)
		}

		if !addFound {
			addRange = blockrange.Range{}
		}

		switch {
		case rangeBeforeOrInfinite(deleteRange, addRange):
			if err := tr.BeginMerge(newSet, blockmac.BlockNum(deleteRange.End)); err != nil {
				return fmt.Errorf("engine: merge free sets: %w", err)
			}

			if err := newSet.RemoveRange(deleteRange); err != nil {
				return fmt.Errorf("engine: merge free sets: %w", err)
			}

			next = deleteRange.End
		case !addRange.Empty():
			if err := tr.BeginMerge(newSet, blockmac.BlockNum(addRange.End)); err != nil {
				return fmt.Errorf("engine: merge free sets: %w", err)
			}

			if err := newSet.AddRange(addRange); err != nil {
				return fmt.Errorf("engine: merge free sets: %w", err)
			}

			next = addRange.End
		default:
			return nil
		}
	}
}
