package blocktree

import (
	"fmt"
	"io"

	"github.com/calvinalkan/trustystore/pkg/blockmac"
)

// Check walks the whole tree and validates its structural invariants:
// strictly increasing keys per node, every leaf at the same depth, every
// subtree's keys bounded by its parent's separators, and (besides the
// root) every node at least half full. It returns the first violation
// found, wrapped in ErrCorrupt.
func (t *Tree) Check() error {
	if t.root.Zero() {
		return nil
	}

	depth, err := t.checkNode(t.root, 0, nil, nil, true)
	if err != nil {
		return err
	}

	_ = depth

	return nil
}

func (t *Tree) checkNode(env blockmac.Envelope, level int, lo, hi *uint64, isRoot bool) (int, error) {
	n, err := t.readNode(env)
	if err != nil {
		return 0, err
	}

	count := n.count()

	if !isRoot {
		min := t.minLeaf()
		if !n.leaf {
			min = t.minInternal()
		}

		if count < min {
			return 0, fmt.Errorf("%w: node below minimum occupancy (%d < %d)", ErrCorrupt, count, min)
		}
	} else if count == 0 && !n.leaf {
		return 0, fmt.Errorf("%w: non-leaf root has no keys", ErrCorrupt)
	}

	var prev uint64
	for i := 0; i < count; i++ {
		k := n.keys[i]
		if k == 0 {
			return 0, fmt.Errorf("%w: reserved key 0 used at slot %d", ErrCorrupt, i)
		}

		if i > 0 && k <= prev {
			return 0, fmt.Errorf("%w: keys not strictly increasing", ErrCorrupt)
		}

		if lo != nil && k < *lo {
			return 0, fmt.Errorf("%w: key %d below subtree lower bound %d", ErrCorrupt, k, *lo)
		}

		if hi != nil && k >= *hi {
			return 0, fmt.Errorf("%w: key %d at or above subtree upper bound %d", ErrCorrupt, k, *hi)
		}

		prev = k
	}

	if n.leaf {
		return level, nil
	}

	var childDepth = -1

	for i := 0; i <= count; i++ {
		var childLo, childHi *uint64
		if i > 0 {
			childLo = &n.keys[i-1]
		} else {
			childLo = lo
		}

		if i < count {
			childHi = &n.keys[i]
		} else {
			childHi = hi
		}

		d, err := t.checkNode(n.children[i], level+1, childLo, childHi, false)
		if err != nil {
			return 0, err
		}

		if childDepth == -1 {
			childDepth = d
		} else if d != childDepth {
			return 0, fmt.Errorf("%w: leaves at unequal depth (%d vs %d)", ErrCorrupt, childDepth, d)
		}
	}

	return childDepth, nil
}

// Dump writes a human-readable, indented tree of the node structure to w,
// for debugging failing tests.
func (t *Tree) Dump(w io.Writer) error {
	if t.root.Zero() {
		fmt.Fprintln(w, "(empty)")
		return nil
	}

	return t.dumpNode(w, t.root, 0)
}

func (t *Tree) dumpNode(w io.Writer, env blockmac.Envelope, depth int) error {
	n, err := t.readNode(env)
	if err != nil {
		return err
	}

	indent := ""
	for i := 0; i < depth; i++ {
		indent += "  "
	}

	count := n.count()

	if n.leaf {
		fmt.Fprintf(w, "%sleaf block=%d keys=%v\n", indent, env.Block, n.keys[:count])
		return nil
	}

	fmt.Fprintf(w, "%sinternal block=%d keys=%v\n", indent, env.Block, n.keys[:count])

	for i := 0; i <= count; i++ {
		if err := t.dumpNode(w, n.children[i], depth+1); err != nil {
			return err
		}
	}

	return nil
}
