// Package blockmap is a file's block index: a blocktree mapping each
// logical block offset within a file to the block_mac of the physical
// block holding its data (spec.md §7). It is a thin wrapper — the
// interesting behavior all lives in pkg/blocktree — grounded on that
// package's own generic keyed-entry shape.
package blockmap

import (
	"github.com/calvinalkan/trustystore/pkg/blockcache"
	"github.com/calvinalkan/trustystore/pkg/blockmac"
	"github.com/calvinalkan/trustystore/pkg/blocktree"
)

// entrySize is the packed width of a blockmac.Envelope at the engine's
// maximum widths; Map stores values at this fixed width regardless of a
// particular device's configured num_size/mac_size, since a file's blocks
// may span devices with different widths over the file's lifetime.
const entrySize = blockmac.MaxNumSize + blockmac.MaxMACSize

// Map is a file's logical-block-offset-to-block_mac index. The zero value
// is not usable; construct with New.
type Map struct {
	tree *blocktree.Tree
}

// New wraps tree as a block map. tree must be configured with an 8-byte
// key and an entrySize-byte data entry.
func New(tree *blocktree.Tree) *Map {
	return &Map{tree: tree}
}

// Tree returns the underlying tree, so callers can persist its root.
func (m *Map) Tree() *blocktree.Tree { return m.tree }

// toKey maps a zero-based file block index to the tree key space, which
// reserves 0 to mean "empty slot".
func toKey(fileBlockIndex uint64) uint64 { return fileBlockIndex + 1 }

func encodeEnvelope(env blockmac.Envelope) []byte {
	buf := make([]byte, entrySize)
	putUint64(buf[:blockmac.MaxNumSize], uint64(env.Block))
	copy(buf[blockmac.MaxNumSize:], env.MAC[:])

	return buf
}

func decodeEnvelope(buf []byte) blockmac.Envelope {
	var env blockmac.Envelope
	env.Block = blockmac.BlockNum(getUint64(buf[:blockmac.MaxNumSize]))
	copy(env.MAC[:], buf[blockmac.MaxNumSize:])

	return env
}

func putUint64(dst []byte, v uint64) {
	for i := range dst {
		dst[i] = byte(v >> (8 * i))
	}
}

func getUint64(src []byte) uint64 {
	var v uint64
	for i, b := range src {
		v |= uint64(b) << (8 * i)
	}

	return v
}

// Get returns the block_mac stored for fileBlockIndex.
func (m *Map) Get(fileBlockIndex uint64) (blockmac.Envelope, bool, error) {
	data, found, err := m.tree.Get(toKey(fileBlockIndex))
	if err != nil || !found {
		return blockmac.Envelope{}, found, err
	}

	return decodeEnvelope(data), true, nil
}

// Set records env as the block backing fileBlockIndex, inserting a new
// entry or overwriting an existing one.
func (m *Map) Set(fileBlockIndex uint64, env blockmac.Envelope) error {
	_, found, err := m.tree.Get(toKey(fileBlockIndex))
	if err != nil {
		return err
	}

	data := encodeEnvelope(env)

	if found {
		return m.tree.Update(toKey(fileBlockIndex), toKey(fileBlockIndex), data)
	}

	return m.tree.Insert(toKey(fileBlockIndex), data)
}

// Free removes the entry for fileBlockIndex. It is a no-op if absent.
func (m *Map) Free(fileBlockIndex uint64) error {
	err := m.tree.Remove(toKey(fileBlockIndex))
	if err == blocktree.ErrNotFound {
		return nil
	}

	return err
}

// Truncate removes every entry at or beyond fromBlockIndex, shrinking the
// map to cover only [0, fromBlockIndex).
func (m *Map) Truncate(fromBlockIndex uint64) error {
	var toRemove []uint64

	if err := m.tree.Ascend(toKey(fromBlockIndex), func(k uint64, _ []byte) bool {
		toRemove = append(toRemove, k)
		return true
	}); err != nil {
		return err
	}

	for _, k := range toRemove {
		if err := m.tree.Remove(k); err != nil {
			return err
		}
	}

	return nil
}

// Owner re-exports blockcache.Owner so callers constructing the underlying
// tree don't need to import blockcache solely for this type.
type Owner = blockcache.Owner
