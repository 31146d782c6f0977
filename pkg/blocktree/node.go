package blocktree

import (
	"encoding/binary"

	"github.com/calvinalkan/trustystore/pkg/blockmac"
)

// node is the decoded, in-memory form of one tree block. On disk (the
// cache entry's plaintext payload, per spec.md §3) a node is laid out as:
// an 8-byte leaf flag, then maxKeys packed keys, then either maxKeys+1
// packed child block_macs (internal) or maxKeys fixed-width data entries
// (leaf). Key 0 denotes an empty slot, so used keys occupy a left-packed,
// strictly increasing prefix; count is derived by scanning for the first
// zero key rather than stored separately.
type node struct {
	leaf     bool
	keys     []uint64
	children []blockmac.Envelope // internal only, len == maxInternal+1
	data     [][]byte            // leaf only, each len == dataSize
}

func (n *node) count() int {
	for i, k := range n.keys {
		if k == 0 {
			return i
		}
	}

	return len(n.keys)
}

const nodeHeaderSize = 8

func maxKeysFor(blockSize, keySize, perChildOrData int, extraChild bool) int {
	avail := blockSize - nodeHeaderSize
	if extraChild {
		// internal: n*keySize + (n+1)*perChildOrData <= avail
		n := (avail - perChildOrData) / (keySize + perChildOrData)
		if n < 0 {
			return 0
		}

		return n
	}

	return avail / (keySize + perChildOrData)
}

func putUint(dst []byte, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	copy(dst, tmp[:len(dst)])
}

func getUint(src []byte) uint64 {
	var tmp [8]byte
	copy(tmp[:], src)

	return binary.LittleEndian.Uint64(tmp[:])
}

// encode writes n into buf using t's configured widths. buf must be at
// least t.blockSize bytes (the cache payload region).
func (t *Tree) encode(buf []byte, n *node) {
	leafFlag := uint64(0)
	if n.leaf {
		leafFlag = 1
	}

	binary.LittleEndian.PutUint64(buf[:nodeHeaderSize], leafFlag)

	off := nodeHeaderSize
	maxKeys := t.maxInternal
	if n.leaf {
		maxKeys = t.maxLeaf
	}

	for i := 0; i < maxKeys; i++ {
		var k uint64
		if i < len(n.keys) {
			k = n.keys[i]
		}

		putUint(buf[off:off+t.keySize], k)
		off += t.keySize
	}

	if n.leaf {
		for i := 0; i < maxKeys; i++ {
			dst := buf[off : off+t.dataSize]
			if i < len(n.data) && n.data[i] != nil {
				copy(dst, n.data[i])
			} else {
				for j := range dst {
					dst[j] = 0
				}
			}

			off += t.dataSize
		}

		return
	}

	childSize := t.childCodec.Size()
	for i := 0; i < maxKeys+1; i++ {
		var env blockmac.Envelope
		if i < len(n.children) {
			env = n.children[i]
		}

		_ = t.childCodec.Encode(buf[off:off+childSize], env)
		off += childSize
	}
}

func (t *Tree) decode(buf []byte) *node {
	leafFlag := binary.LittleEndian.Uint64(buf[:nodeHeaderSize])

	n := &node{leaf: leafFlag != 0}

	off := nodeHeaderSize
	maxKeys := t.maxInternal
	if n.leaf {
		maxKeys = t.maxLeaf
	}

	n.keys = make([]uint64, maxKeys)
	for i := 0; i < maxKeys; i++ {
		n.keys[i] = getUint(buf[off : off+t.keySize])
		off += t.keySize
	}

	if n.leaf {
		n.data = make([][]byte, maxKeys)
		for i := 0; i < maxKeys; i++ {
			d := make([]byte, t.dataSize)
			copy(d, buf[off:off+t.dataSize])
			n.data[i] = d
			off += t.dataSize
		}

		return n
	}

	childSize := t.childCodec.Size()
	n.children = make([]blockmac.Envelope, maxKeys+1)
	for i := 0; i < maxKeys+1; i++ {
		env, _ := t.childCodec.Decode(buf[off : off+childSize])
		n.children[i] = env
		off += childSize
	}

	return n
}
