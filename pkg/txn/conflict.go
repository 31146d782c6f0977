package txn

import (
	"fmt"

	"github.com/calvinalkan/trustystore/pkg/blockmac"
	"github.com/calvinalkan/trustystore/pkg/blockrange"
)

// Conflict describes one reason committing tr would invalidate another
// live transaction (spec.md §4.7 "Cross-transaction conflict detection").
type Conflict struct {
	Reason string
	Block  blockmac.BlockNum
	Range  blockrange.Range
}

func (c Conflict) String() string {
	if c.Range != (blockrange.Range{}) {
		return fmt.Sprintf("%s (range %d-%d)", c.Reason, c.Range.Start, c.Range.End)
	}

	return fmt.Sprintf("%s (block %d)", c.Reason, c.Block)
}

// ConflictsWith reports every reason committing tr would invalidate
// other, a distinct live transaction, per spec.md §4.7:
//   - both transactions added a file at the same path hash;
//   - their freed sets overlap (the same block is being freed twice);
//   - other holds an open, used file handle whose committed file pointer
//     tr's commit is about to replace (in files_updated) or remove (in
//     files_removed).
//
// It does not itself decide what to do about a conflict (spec.md says
// the *other* transaction fails) — that orchestration belongs to whatever
// owns the live-transaction list (pkg/engine), since only it can call
// Fail on the loser.
func (tr *Transaction) ConflictsWith(other *Transaction) ([]Conflict, error) {
	if other == tr {
		return nil, nil
	}

	var conflicts []Conflict

	dup, err := tr.duplicateAddedPaths(other)
	if err != nil {
		return nil, err
	}

	conflicts = append(conflicts, dup...)

	if ov, found, err := overlap(tr.freed, other.freed); err != nil {
		return nil, err
	} else if found {
		conflicts = append(conflicts, Conflict{Reason: "overlapping freed block ranges", Range: ov})
	}

	for _, f := range other.openFiles {
		if !f.UsedByTransaction() {
			continue
		}

		block := f.CommittedBlockNum()

		replaced, err := tr.replacesFile(block)
		if err != nil {
			return nil, err
		}

		if replaced {
			conflicts = append(conflicts, Conflict{
				Reason: "open handle in other transaction references a file being replaced",
				Block:  block,
			})
		}
	}

	return conflicts, nil
}

// duplicateAddedPaths reports path hashes present in both tr's and
// other's files_added trees.
func (tr *Transaction) duplicateAddedPaths(other *Transaction) ([]Conflict, error) {
	var conflicts []Conflict
	var iterErr error

	err := tr.filesAdded.Ascend(1, func(k uint64, _ []byte) bool {
		_, found, err := other.filesAdded.Get(k)
		if err != nil {
			iterErr = err
			return false
		}

		if found {
			conflicts = append(conflicts, Conflict{Reason: "duplicate path in files_added", Block: blockmac.BlockNum(k)})
		}

		return true
	})
	if err != nil {
		return nil, err
	}

	if iterErr != nil {
		return nil, iterErr
	}

	return conflicts, nil
}

// replacesFile reports whether tr's pending commit updates or removes the
// file currently at committedBlock.
func (tr *Transaction) replacesFile(committedBlock blockmac.BlockNum) (bool, error) {
	_, found, err := tr.filesUpdated.Get(uint64(committedBlock))
	if err != nil {
		return false, err
	}

	if found {
		return true, nil
	}

	_, found, err = tr.filesRemoved.Get(uint64(committedBlock))

	return found, err
}

// overlap reports the first overlapping range shared between two block
// range sets, scanning a's ranges and checking each against b.
func overlap(a, b *blockrange.Set) (blockrange.Range, bool, error) {
	from := uint64(0)

	for {
		r, found, err := a.FindNextRange(from)
		if err != nil {
			return blockrange.Range{}, false, err
		}

		if !found {
			return blockrange.Range{}, false, nil
		}

		ov, err := b.Overlap(r)
		if err != nil {
			return blockrange.Range{}, false, err
		}

		if !ov.Empty() {
			return ov, true, nil
		}

		from = r.End
	}
}
