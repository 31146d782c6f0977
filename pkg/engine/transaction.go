package engine

import (
	"fmt"

	"github.com/calvinalkan/trustystore/pkg/blockmac"
	"github.com/calvinalkan/trustystore/pkg/blockrange"
	"github.com/calvinalkan/trustystore/pkg/blockcache"
	"github.com/calvinalkan/trustystore/pkg/blocktree"
	"github.com/calvinalkan/trustystore/pkg/files"
	"github.com/calvinalkan/trustystore/pkg/txn"
)

const entryEnvelopeSize = blockmac.MaxNumSize + blockmac.MaxMACSize

// Begin starts a new transaction, visible immediately to conflict
// detection and to the allocator's Claimed check (spec.md §4.5/§4.7).
func (e *Engine) Begin() (*txn.Transaction, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, fmt.Errorf("engine: begin: %w", err)
	}

	owner, err := newTransactionOwner()
	if err != nil {
		return nil, fmt.Errorf("engine: begin: %w", err)
	}

	tmpAllocated, err := e.newRangeSet(owner)
	if err != nil {
		return nil, fmt.Errorf("engine: begin: %w", err)
	}

	allocated, err := e.newRangeSet(owner)
	if err != nil {
		return nil, fmt.Errorf("engine: begin: %w", err)
	}

	freed, err := e.newRangeSet(owner)
	if err != nil {
		return nil, fmt.Errorf("engine: begin: %w", err)
	}

	filesAdded, err := e.newFilesTree(owner)
	if err != nil {
		return nil, fmt.Errorf("engine: begin: %w", err)
	}

	filesUpdated, err := e.newFilesTree(owner)
	if err != nil {
		return nil, fmt.Errorf("engine: begin: %w", err)
	}

	filesRemoved, err := e.newFilesTree(owner)
	if err != nil {
		return nil, fmt.Errorf("engine: begin: %w", err)
	}

	tr, err := txn.New(tmpAllocated, allocated, freed, filesAdded, filesUpdated, filesRemoved)
	if err != nil {
		return nil, fmt.Errorf("engine: begin: %w", err)
	}

	if err := tr.Activate(); err != nil {
		return nil, fmt.Errorf("engine: begin: %w", err)
	}

	e.liveTxns = append(e.liveTxns, tr)

	if e.bookkeepingOwners == nil {
		e.bookkeepingOwners = make(map[*txn.Transaction]string)
	}

	e.bookkeepingOwners[tr] = owner

	return tr, nil
}

func (e *Engine) newRangeSet(owner blockcache.Owner) (*blockrange.Set, error) {
	tree, err := blocktree.New(e.cache, e.mainDev, e.alloc, e.codec, 8, 8, false, owner, blockmac.Envelope{})
	if err != nil {
		return nil, err
	}

	return blockrange.NewSet(tree), nil
}

func (e *Engine) newFilesTree(owner blockcache.Owner) (*blocktree.Tree, error) {
	return blocktree.New(e.cache, e.mainDev, e.alloc, e.codec, 8, entryEnvelopeSize, false, owner, blockmac.Envelope{})
}

// Open implements spec.md §4.7's open(tr, path, create_mode).
func (e *Engine) Open(tr *txn.Transaction, path string, mode files.CreateMode) (*files.File, error) {
	if err := e.ensureOpen(); err != nil {
		return nil, fmt.Errorf("engine: open %q: %w", path, err)
	}

	return files.Open(e.store, tr, path, mode)
}

// Delete implements spec.md §4.7's delete(tr, path).
func (e *Engine) Delete(tr *txn.Transaction, path string) (bool, error) {
	if err := e.ensureOpen(); err != nil {
		return false, fmt.Errorf("engine: delete %q: %w", path, err)
	}

	return files.Delete(e.store, tr, path)
}

// Discard rolls tr back: every dirty block it touched is dropped without
// flushing (blockcache.DiscardAll), its open handles are restored to
// their last-committed state, and it is removed from the live list.
func (e *Engine) Discard(tr *txn.Transaction) error {
	if err := e.ensureOpen(); err != nil {
		return fmt.Errorf("engine: discard: %w", err)
	}

	for _, of := range tr.OpenFiles() {
		if f, ok := of.(*files.File); ok {
			f.ApplyFailure()
		}
	}

	if err := e.cache.DiscardTransaction(tr, blockcache.DiscardAll); err != nil {
		return fmt.Errorf("engine: discard: %w", err)
	}

	if owner, ok := e.bookkeepingOwners[tr]; ok {
		if err := e.cache.DiscardTransaction(owner, blockcache.DiscardAll); err != nil {
			return fmt.Errorf("engine: discard: %w", err)
		}
	}

	tr.MarkFailed(ErrDiscarded)
	e.removeLiveTxn(tr)

	return nil
}

func (e *Engine) removeLiveTxn(tr *txn.Transaction) {
	delete(e.bookkeepingOwners, tr)

	for i, live := range e.liveTxns {
		if live == tr {
			e.liveTxns = append(e.liveTxns[:i], e.liveTxns[i+1:]...)
			return
		}
	}
}
