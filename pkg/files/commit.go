package files

import (
	"fmt"

	"github.com/calvinalkan/trustystore/pkg/blockmac"
	"github.com/calvinalkan/trustystore/pkg/blocktree"
	"github.com/calvinalkan/trustystore/pkg/crypto"
	"github.com/calvinalkan/trustystore/pkg/txn"
)

// MergeCatalog builds a fresh copy-on-write view of the catalog with tr's
// files_added/files_updated/files_removed folded in, mirroring the
// original engine's file_transaction_complete: updates are applied first
// (rewriting a hash slot's envelope in place), then removals, then
// additions. Every pass needs the affected file's path, which isn't the
// tree's key for updates/removals (those are keyed by the file's old
// committed block number, for conflict detection's benefit) — so each
// pass re-reads the relevant file entry block to recover it, exactly as
// the original does.
//
// MergeCatalog never mutates s.Catalog itself; the caller (pkg/engine)
// only swaps it in once the rest of the commit — the free-set merge and
// the superblock write — has also succeeded.
func (s *Store) MergeCatalog(tr *txn.Transaction) (*blocktree.Tree, error) {
	newCatalog, err := s.blockMapTree(tr, s.Catalog.Root())
	if err != nil {
		return nil, fmt.Errorf("files: merge catalog: open new view: %w", err)
	}

	if err := applyUpdates(s, tr, newCatalog); err != nil {
		return nil, err
	}

	if err := applyRemovals(s, tr, newCatalog); err != nil {
		return nil, err
	}

	if err := applyAdditions(tr, newCatalog); err != nil {
		return nil, err
	}

	return newCatalog, nil
}

func applyUpdates(s *Store, tr *txn.Transaction, newCatalog *blocktree.Tree) error {
	var iterErr error

	err := tr.FilesUpdated().Ascend(1, func(_ uint64, data []byte) bool {
		newEnv := decodeEnvelope(data)

		_, _, path, rerr := s.readEntry(newEnv)
		if rerr != nil {
			iterErr = rerr
			return false
		}

		hash := crypto.PathHash(path, s.PathHashBits)

		if uerr := newCatalog.Update(hash, hash, data); uerr != nil {
			iterErr = uerr
			return false
		}

		return true
	})
	if err != nil {
		return fmt.Errorf("files: merge catalog: apply updates: %w", err)
	}

	if iterErr != nil {
		return fmt.Errorf("files: merge catalog: apply updates: %w", iterErr)
	}

	return nil
}

func applyRemovals(s *Store, tr *txn.Transaction, newCatalog *blocktree.Tree) error {
	var iterErr error

	err := tr.FilesRemoved().Ascend(1, func(_ uint64, data []byte) bool {
		env := decodeEnvelope(data)

		_, _, path, rerr := s.readEntry(env)
		if rerr != nil {
			iterErr = rerr
			return false
		}

		hash := crypto.PathHash(path, s.PathHashBits)

		if rerr := newCatalog.Remove(hash); rerr != nil {
			iterErr = rerr
			return false
		}

		return true
	})
	if err != nil {
		return fmt.Errorf("files: merge catalog: apply removals: %w", err)
	}

	if iterErr != nil {
		return fmt.Errorf("files: merge catalog: apply removals: %w", iterErr)
	}

	return nil
}

func applyAdditions(tr *txn.Transaction, newCatalog *blocktree.Tree) error {
	var iterErr error

	err := tr.FilesAdded().Ascend(1, func(hash uint64, data []byte) bool {
		if ierr := newCatalog.Insert(hash, data); ierr != nil {
			iterErr = ierr
			return false
		}

		return true
	})
	if err != nil {
		return fmt.Errorf("files: merge catalog: apply additions: %w", err)
	}

	if iterErr != nil {
		return fmt.Errorf("files: merge catalog: apply additions: %w", iterErr)
	}

	return nil
}

// PropagateCommit updates every other live transaction's open handle that
// referenced a file tr's commit just replaced (a files_updated entry);
// handles on files tr removed are left unchanged. This mirrors
// spec.md §4.7: "all open handles referencing the same committed file are
// updated to to_commit_block_mac/to_commit_size." A handle belonging to a
// transaction already marked failed (e.g. by conflict detection earlier in
// this same commit) is skipped; it is about to be discarded anyway.
func (s *Store) PropagateCommit(tr *txn.Transaction, others []*txn.Transaction) error {
	updates := make(map[uint64]updatedEntry)

	var iterErr error

	if err := tr.FilesUpdated().Ascend(1, func(key uint64, data []byte) bool {
		env := decodeEnvelope(data)

		_, size, _, rerr := s.readEntry(env)
		if rerr != nil {
			iterErr = rerr
			return false
		}

		updates[key] = updatedEntry{env: env, size: size}

		return true
	}); err != nil {
		return fmt.Errorf("files: propagate commit: %w", err)
	}

	if iterErr != nil {
		return fmt.Errorf("files: propagate commit: %w", iterErr)
	}

	for _, other := range others {
		if other == tr || other.Failed() {
			continue
		}

		for _, of := range other.OpenFiles() {
			f, ok := of.(*File)
			if !ok || f.closed {
				continue
			}

			if u, found := updates[uint64(f.committedBlockMAC.Block)]; found {
				f.ApplyCommit(u.env, u.size)
			}
		}
	}

	return nil
}

type updatedEntry struct {
	env  blockmac.Envelope
	size uint64
}
