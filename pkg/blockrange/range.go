// Package blockrange implements half-open block ranges and a
// non-overlapping, non-adjacent set of them, layered over pkg/blocktree
// (spec.md §6). It is grounded on the interval-set idiom in
// other_examples' conuredb btree-storage.go.go (a keyed B-tree storing
// interval boundaries) generalized from disk offsets to block ranges.
package blockrange

// Range is a half-open block interval [Start, End). Start == End (or
// Start > End) denotes the empty range.
type Range struct {
	Start, End uint64
}

// Empty reports whether r contains no blocks.
func (r Range) Empty() bool { return r.Start >= r.End }

// Len returns the number of blocks in r.
func (r Range) Len() uint64 {
	if r.Empty() {
		return 0
	}

	return r.End - r.Start
}

// Contains reports whether block falls within r.
func (r Range) Contains(block uint64) bool {
	return !r.Empty() && block >= r.Start && block < r.End
}

// Overlaps reports whether r and other share any block.
func (r Range) Overlaps(other Range) bool {
	_, ok := r.Intersect(other)
	return ok
}

// Adjacent reports whether r and other touch at a boundary without
// overlapping (e.g. [0,4) and [4,9)).
func (r Range) Adjacent(other Range) bool {
	if r.Empty() || other.Empty() {
		return false
	}

	return r.End == other.Start || other.End == r.Start
}

// Before reports whether r ends at or before other begins.
func (r Range) Before(other Range) bool {
	return r.End <= other.Start
}

// IsSubRangeOf reports whether r is fully contained in other.
func (r Range) IsSubRangeOf(other Range) bool {
	if r.Empty() {
		return true
	}

	return !other.Empty() && r.Start >= other.Start && r.End <= other.End
}

// Eq reports whether r and other describe the same interval, treating all
// empty ranges as equal.
func (r Range) Eq(other Range) bool {
	if r.Empty() && other.Empty() {
		return true
	}

	return r.Start == other.Start && r.End == other.End
}

// Intersect returns the overlapping sub-range of r and other, if any.
func (r Range) Intersect(other Range) (Range, bool) {
	start := r.Start
	if other.Start > start {
		start = other.Start
	}

	end := r.End
	if other.End < end {
		end = other.End
	}

	if start >= end {
		return Range{}, false
	}

	return Range{start, end}, true
}

// union returns the smallest range spanning both r and other. Callers must
// only use it when r and other overlap or are adjacent; otherwise the
// result silently spans the gap between them too.
func (r Range) union(other Range) Range {
	if r.Empty() {
		return other
	}

	if other.Empty() {
		return r
	}

	start := r.Start
	if other.Start < start {
		start = other.Start
	}

	end := r.End
	if other.End > end {
		end = other.End
	}

	return Range{start, end}
}

// Clear returns the empty range.
func Clear() Range { return Range{} }
