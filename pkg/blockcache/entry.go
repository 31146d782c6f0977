package blockcache

import (
	"github.com/calvinalkan/trustystore/pkg/blockdev"
	"github.com/calvinalkan/trustystore/pkg/blockmac"
	"github.com/calvinalkan/trustystore/pkg/crypto"
)

// entry is one pool slot. The pool is fixed-size and entries are never
// freed — a slot is reset in place and reused by acquire. data is
// allocated once, at cache construction, and kept for the entry's entire
// lifetime: data[:crypto.IVSize] is the block's IV, data[crypto.IVSize:]
// is ciphertext or plaintext client payload depending on encrypted.
type entry struct {
	dev   blockdev.Device
	block blockmac.BlockNum
	data  []byte
	mac   crypto.MAC

	encrypted bool // data currently holds ciphertext, not plaintext
	loaded    bool // data holds this block's real content (read or cleared)
	valid     bool // slot has been used at least once (false = never touched)

	dirty      bool
	dirtyRef   bool // exclusive-mutation marker: refs must be exactly 1 while set
	dirtyMAC   bool // MAC recomputation owed before this entry may be flushed
	dirtyTmp   bool // discardable on commit, never part of the persisted state
	dirtyOwner Owner

	// macParent, when set, is where PutDirty's caller wants the entry's
	// recomputed block_mac written back once encryption completes — a
	// pointer into the parent node/pointer holding this block's reference,
	// e.g. a blocktree node's child-entry slot.
	macParent *blockmac.Envelope

	refs int

	// LRU doubly-linked list, intrusive via pool index. -1 is the sentinel.
	prev, next int32
}

// weight implements the eviction class weighting from spec.md §4.2: clean
// entries are the cheapest to evict (nothing to flush), dirty-persistent
// entries are next, and dirty-temp entries (live scratch data for an
// in-progress tree operation) are the most expensive to lose.
func (e *entry) weight() int {
	switch {
	case !e.dirty:
		return 4
	case e.dirtyTmp:
		return 1
	default:
		return 2
	}
}
