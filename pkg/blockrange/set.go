package blockrange

import (
	"encoding/binary"

	"github.com/calvinalkan/trustystore/pkg/blocktree"
)

// Set is a collection of non-overlapping, non-adjacent block ranges,
// stored as a blocktree keyed by each range's Start and valued by its End
// (spec.md §6). Adjacent or overlapping ranges are always coalesced on
// insert, so the tree never holds two entries that Range.Adjacent or
// Range.Overlaps each other.
//
// A Set may additionally carry one "initial range": a single contiguous
// range that predates the tree entirely, used by a freshly formatted
// filesystem to represent "every block from 0 to N is free" without
// populating a tree one entry at a time. AddRange transparently coalesces
// into it when a new range touches it.
type Set struct {
	tree     *blocktree.Tree
	initial  Range
	updating bool
}

// NewSet wraps an existing (possibly empty) tree as a block range set.
// The tree must be configured with an 8-byte key and an 8-byte data entry
// (a packed uint64 End value).
func NewSet(tree *blocktree.Tree) *Set {
	return &Set{tree: tree}
}

// Tree returns the underlying tree, so callers can persist its root.
func (s *Set) Tree() *blocktree.Tree { return s.tree }

// InitialRange returns the set's configured initial range, if any.
func (s *Set) InitialRange() Range { return s.initial }

// AddInitialRange configures the set's pre-tree initial range. It fails if
// one is already set.
func (s *Set) AddInitialRange(r Range) error {
	if r.Empty() {
		return nil
	}

	if !s.initial.Empty() {
		return ErrInitialRangeSet
	}

	s.initial = r

	return nil
}

func decodeEnd(data []byte) uint64 { return binary.LittleEndian.Uint64(data) }

func encodeEnd(end uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, end)

	return buf
}

func (s *Set) containingRange(block uint64) (Range, bool, error) {
	k, data, found, err := s.tree.Find(block, true)
	if err != nil {
		return Range{}, false, err
	}

	if !found {
		return Range{}, false, nil
	}

	r := Range{k, decodeEnd(data)}
	if r.Contains(block) {
		return r, true, nil
	}

	return Range{}, false, nil
}

// BlockInSet reports whether block belongs to the set.
func (s *Set) BlockInSet(block uint64) (bool, error) {
	if s.initial.Contains(block) {
		return true, nil
	}

	_, found, err := s.containingRange(block)

	return found, err
}

// RangeInSet reports whether all of r is covered by a single stored range
// or the initial range.
func (s *Set) RangeInSet(r Range) (bool, error) {
	if r.Empty() {
		return true, nil
	}

	if !s.initial.Empty() && r.IsSubRangeOf(s.initial) {
		return true, nil
	}

	cr, found, err := s.containingRange(r.Start)
	if err != nil {
		return false, err
	}

	return found && r.End <= cr.End, nil
}

// Overlap returns the first block range shared between r and the set, if
// any.
func (s *Set) Overlap(r Range) (Range, error) {
	if r.Empty() {
		return Range{}, nil
	}

	if !s.initial.Empty() {
		if ov, ok := r.Intersect(s.initial); ok {
			return ov, nil
		}
	}

	if cr, found, err := s.containingRange(r.Start); err != nil {
		return Range{}, err
	} else if found {
		if ov, ok := r.Intersect(cr); ok {
			return ov, nil
		}
	}

	var result Range

	err := s.tree.Ascend(r.Start, func(k uint64, data []byte) bool {
		if k >= r.End {
			return false
		}

		cand := Range{k, decodeEnd(data)}
		if ov, ok := r.Intersect(cand); ok {
			result = ov
			return false
		}

		return true
	})
	if err != nil {
		return Range{}, err
	}

	return result, nil
}

// RangeNotInSet reports whether r shares no blocks at all with the set.
func (s *Set) RangeNotInSet(r Range) (bool, error) {
	ov, err := s.Overlap(r)
	if err != nil {
		return false, err
	}

	return ov.Empty(), nil
}

// FindNextRange returns the set's stored or initial range with the
// smallest Start >= from, or the range containing from if from already
// falls inside one.
func (s *Set) FindNextRange(from uint64) (Range, bool, error) {
	var candidates []Range

	if !s.initial.Empty() {
		if s.initial.Contains(from) {
			return s.initial, true, nil
		}

		if from < s.initial.Start {
			candidates = append(candidates, s.initial)
		}
	}

	if cr, found, err := s.containingRange(from); err != nil {
		return Range{}, false, err
	} else if found {
		return cr, true, nil
	}

	var next Range
	var found bool

	if err := s.tree.Ascend(from, func(k uint64, data []byte) bool {
		next = Range{k, decodeEnd(data)}
		found = true
		return false
	}); err != nil {
		return Range{}, false, err
	}

	if found {
		candidates = append(candidates, next)
	}

	if len(candidates) == 0 {
		return Range{}, false, nil
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Start < best.Start {
			best = c
		}
	}

	return best, true, nil
}

// FindNextBlock returns the smallest block >= from that belongs to the
// set.
func (s *Set) FindNextBlock(from uint64) (uint64, bool, error) {
	r, found, err := s.FindNextRange(from)
	if err != nil || !found {
		return 0, found, err
	}

	if r.Contains(from) {
		return from, true, nil
	}

	return r.Start, true, nil
}

// AddRange inserts r into the set, coalescing it with any range it
// overlaps or touches (including the initial range).
func (s *Set) AddRange(r Range) error {
	if r.Empty() {
		return nil
	}

	if s.updating {
		return ErrReentrant
	}

	s.updating = true
	defer func() { s.updating = false }()

	if !s.initial.Empty() {
		if _, ok := r.Intersect(s.initial); ok || r.Adjacent(s.initial) {
			s.initial = r.union(s.initial)
			return nil
		}
	}

	merged := r

	var toRemove []uint64
	var skipKey uint64
	var hasSkip bool

	if leftKey, data, found, err := s.tree.Find(r.Start, true); err != nil {
		return err
	} else if found {
		cr := Range{leftKey, decodeEnd(data)}
		if cr.End >= r.Start {
			merged = merged.union(cr)
			toRemove = append(toRemove, leftKey)
			skipKey, hasSkip = leftKey, true
		}
	}

	if err := s.tree.Ascend(r.Start, func(k uint64, data []byte) bool {
		if hasSkip && k == skipKey {
			return true
		}

		if k > merged.End {
			return false
		}

		cand := Range{k, decodeEnd(data)}
		merged = merged.union(cand)
		toRemove = append(toRemove, k)

		return true
	}); err != nil {
		return err
	}

	for _, k := range toRemove {
		if err := s.tree.Remove(k); err != nil {
			return err
		}
	}

	return s.tree.Insert(merged.Start, encodeEnd(merged.End))
}

// RemoveRange removes r from the set, splitting or shrinking whatever
// stored ranges (or the initial range) overlap it.
func (s *Set) RemoveRange(r Range) error {
	if r.Empty() {
		return nil
	}

	if s.updating {
		return ErrReentrant
	}

	s.updating = true
	defer func() { s.updating = false }()

	if !s.initial.Empty() {
		if ov, ok := r.Intersect(s.initial); ok {
			before := Range{s.initial.Start, ov.Start}
			after := Range{ov.End, s.initial.End}
			s.initial = Range{}

			if !before.Empty() {
				if err := s.tree.Insert(before.Start, encodeEnd(before.End)); err != nil {
					return err
				}
			}

			if !after.Empty() {
				if err := s.tree.Insert(after.Start, encodeEnd(after.End)); err != nil {
					return err
				}
			}
		}
	}

	if leftKey, data, found, err := s.tree.Find(r.Start, true); err != nil {
		return err
	} else if found {
		cr := Range{leftKey, decodeEnd(data)}
		if ov, ok := r.Intersect(cr); ok {
			if err := s.tree.Remove(leftKey); err != nil {
				return err
			}

			before := Range{cr.Start, ov.Start}
			after := Range{ov.End, cr.End}

			if !before.Empty() {
				if err := s.tree.Insert(before.Start, encodeEnd(before.End)); err != nil {
					return err
				}
			}

			if !after.Empty() {
				if err := s.tree.Insert(after.Start, encodeEnd(after.End)); err != nil {
					return err
				}
			}
		}
	}

	var toRemove []uint64
	var toInsert []Range

	if err := s.tree.Ascend(r.Start, func(k uint64, data []byte) bool {
		if k >= r.End {
			return false
		}

		cand := Range{k, decodeEnd(data)}

		ov, ok := r.Intersect(cand)
		if !ok {
			return true
		}

		toRemove = append(toRemove, k)

		after := Range{ov.End, cand.End}
		if !after.Empty() {
			toInsert = append(toInsert, after)
		}

		return true
	}); err != nil {
		return err
	}

	for _, k := range toRemove {
		if err := s.tree.Remove(k); err != nil {
			return err
		}
	}

	for _, nr := range toInsert {
		if err := s.tree.Insert(nr.Start, encodeEnd(nr.End)); err != nil {
			return err
		}
	}

	return nil
}

// AddBlock adds a single block to the set.
func (s *Set) AddBlock(block uint64) error {
	return s.AddRange(Range{block, block + 1})
}

// RemoveBlock removes a single block from the set.
func (s *Set) RemoveBlock(block uint64) error {
	return s.RemoveRange(Range{block, block + 1})
}

// CopyInto duplicates every range (and the initial range) of s into dst,
// which must be backed by an empty tree. Unlike the underlying
// copy-on-write tree's own root sharing, this produces a fully independent
// set of entries rather than structurally sharing blocks — blocktree's
// Allocator has no reference counting, so two sets sharing tree nodes could
// not safely free them independently. Transaction-level snapshot isolation
// is the txn package's concern, not Set's.
func (s *Set) CopyInto(dst *Set) error {
	if !s.initial.Empty() {
		if err := dst.AddInitialRange(s.initial); err != nil {
			return err
		}
	}

	var copyErr error

	if err := s.tree.Ascend(1, func(k uint64, data []byte) bool {
		if err := dst.tree.Insert(k, append([]byte(nil), data...)); err != nil {
			copyErr = err
			return false
		}

		return true
	}); err != nil {
		return err
	}

	return copyErr
}
