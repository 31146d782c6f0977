// Package blocktree implements the engine's copy-on-write B+ tree: the
// generic, keyed index that backs every higher-level catalog in the
// system (the block map, block sets, and the allocator's own free lists)
// over a single block_mac-addressed root (spec.md §5).
//
// Node layout and mutation follow the CoW relocation idiom in
// other_examples' muscle tree (internal/tree/node.go): a node is read,
// decoded into a plain struct, mutated in memory, then re-encoded and
// written back — either in place or, when copy-on-write is enabled, under
// a freshly allocated block, with the old block handed back to the
// allocator. Parent pointers are repaired bottom-up as part of the same
// walk that found the mutation site, never via a second pass.
package blocktree

import (
	"github.com/calvinalkan/trustystore/pkg/blockcache"
	"github.com/calvinalkan/trustystore/pkg/blockdev"
	"github.com/calvinalkan/trustystore/pkg/blockmac"
	"github.com/calvinalkan/trustystore/pkg/crypto"
)

// Key is the tree's key type: an opaque uint64, never 0 (0 marks an empty
// slot in the on-disk node layout).
type Key = uint64

// Allocator is the block source a Tree draws new nodes from and returns
// freed ones to. It is injected rather than imported directly: blockalloc
// itself is built on blockrange, which is built on blocktree, so a direct
// import would cycle.
type Allocator interface {
	Alloc(owner blockcache.Owner, isTmp bool) (blockmac.BlockNum, error)
	Free(owner blockcache.Owner, block blockmac.BlockNum) error
}

// Tree is a copy-on-write B+ tree rooted at a single block_mac. The zero
// value is not usable; construct with New.
type Tree struct {
	cache *blockcache.Cache
	dev   blockdev.Device
	alloc Allocator

	childCodec blockmac.Codec
	keySize    int
	dataSize   int
	blockSize  int // usable payload size (device block size minus the IV header)

	maxLeaf     int
	maxInternal int

	copyOnWrite bool
	owner       blockcache.Owner

	root        blockmac.Envelope
	rootChanged bool
}

// New constructs a Tree over an existing (possibly empty) root. A zero
// root.Block means an empty tree; the first Insert allocates the first
// leaf.
func New(
	cache *blockcache.Cache,
	dev blockdev.Device,
	alloc Allocator,
	childCodec blockmac.Codec,
	keySize, dataSize int,
	copyOnWrite bool,
	owner blockcache.Owner,
	root blockmac.Envelope,
) (*Tree, error) {
	payload := dev.Info().BlockSize - crypto.IVSize

	maxLeaf := maxKeysFor(payload, keySize, dataSize, false)
	maxInternal := maxKeysFor(payload, keySize, childCodec.Size(), true)

	if maxLeaf <= 4 || maxInternal <= 4 {
		return nil, ErrInvalidInput
	}

	return &Tree{
		cache:       cache,
		dev:         dev,
		alloc:       alloc,
		childCodec:  childCodec,
		keySize:     keySize,
		dataSize:    dataSize,
		blockSize:   payload,
		maxLeaf:     maxLeaf,
		maxInternal: maxInternal,
		copyOnWrite: copyOnWrite,
		owner:       owner,
		root:        root,
	}, nil
}

// Root returns the tree's current root envelope, for the caller to persist
// into its own parent structure (a block map entry, a superblock slot, ...).
func (t *Tree) Root() blockmac.Envelope { return t.root }

// RootChanged reports whether the root envelope changed since the last
// call to ClearRootChanged.
func (t *Tree) RootChanged() bool { return t.rootChanged }

// ClearRootChanged resets the dirty flag on the root envelope once the
// caller has persisted the new value returned by Root.
func (t *Tree) ClearRootChanged() { t.rootChanged = false }

// step is one level of a root-to-leaf walk: the node found there, the
// envelope it was read from (so a relocate can be detected), and, for an
// internal node, which child index the walk descended through.
type step struct {
	env      blockmac.Envelope
	n        *node
	childIdx int
}

type overflow struct {
	key uint64
	env blockmac.Envelope
}

func internalSearch(n *node, key uint64) int {
	count := n.count()

	i := 0
	for i < count && key >= n.keys[i] {
		i++
	}

	return i
}

// leafSearch returns the slot for key in a leaf. With keyIsMax, it instead
// returns the slot of the largest key <= key (found=false if none exists).
func leafSearch(n *node, key uint64, keyIsMax bool) (idx int, found bool) {
	count := n.count()

	lo := 0
	for lo < count && n.keys[lo] < key {
		lo++
	}

	if lo < count && n.keys[lo] == key {
		return lo, true
	}

	if keyIsMax {
		if lo == 0 {
			return 0, false
		}

		return lo - 1, true
	}

	return lo, false
}

func (t *Tree) readNode(env blockmac.Envelope) (*node, error) {
	ref, err := t.cache.Get(t.dev, env)
	if err != nil {
		return nil, err
	}

	n := t.decode(ref.Data())
	t.cache.Put(ref)

	return n, nil
}

func (t *Tree) walk(key uint64, keyIsMax bool) (path []step, idx int, found bool, err error) {
	env := t.root

	for {
		n, err := t.readNode(env)
		if err != nil {
			return nil, 0, false, err
		}

		if n.leaf {
			idx, found := leafSearch(n, key, keyIsMax)
			path = append(path, step{env: env, n: n})

			return path, idx, found, nil
		}

		ci := internalSearch(n, key)
		path = append(path, step{env: env, n: n, childIdx: ci})
		env = n.children[ci]
	}
}

// writeNode persists n, which used to live at oldEnv (the zero envelope
// for a brand new node). In copy-on-write mode every write relocates to a
// freshly allocated block, freeing oldEnv; otherwise it overwrites oldEnv
// in place. Either way the entry's MAC changes, so the returned envelope
// always differs from oldEnv even when the block number does not.
func (t *Tree) writeNode(oldEnv blockmac.Envelope, n *node, isTmp bool) (blockmac.Envelope, error) {
	if oldEnv.Zero() || t.copyOnWrite {
		block, err := t.alloc.Alloc(t.owner, isTmp)
		if err != nil {
			return blockmac.Envelope{}, err
		}

		ref, err := t.cache.GetWriteNoRead(t.dev, block, t.owner, isTmp)
		if err != nil {
			return blockmac.Envelope{}, err
		}

		t.encode(ref.Data(), n)

		var env blockmac.Envelope
		if err := t.cache.PutDirty(ref, &env); err != nil {
			return blockmac.Envelope{}, err
		}

		if !oldEnv.Zero() {
			if err := t.alloc.Free(t.owner, oldEnv.Block); err != nil {
				return blockmac.Envelope{}, err
			}
		}

		return env, nil
	}

	ref, err := t.cache.GetWrite(t.dev, oldEnv, t.owner, isTmp)
	if err != nil {
		return blockmac.Envelope{}, err
	}

	t.encode(ref.Data(), n)

	var env blockmac.Envelope
	if err := t.cache.PutDirty(ref, &env); err != nil {
		return blockmac.Envelope{}, err
	}

	return env, nil
}

func insertLeafSlot(n *node, idx int, key uint64, data []byte) {
	count := n.count()
	for i := count; i > idx; i-- {
		n.keys[i] = n.keys[i-1]
		n.data[i] = n.data[i-1]
	}

	n.keys[idx] = key
	n.data[idx] = append([]byte(nil), data...)
}

func removeLeafSlot(n *node, idx int) {
	count := n.count()
	for i := idx; i < count-1; i++ {
		n.keys[i] = n.keys[i+1]
		n.data[i] = n.data[i+1]
	}

	n.keys[count-1] = 0
	n.data[count-1] = nil
}

func insertInternalSlot(n *node, pos int, key uint64, env blockmac.Envelope) {
	count := n.count()
	for i := count; i > pos; i-- {
		n.keys[i] = n.keys[i-1]
	}

	n.keys[pos] = key

	for i := count + 1; i > pos+1; i-- {
		n.children[i] = n.children[i-1]
	}

	n.children[pos+1] = env
}

// removeInternalSlot removes the separator at keyIdx along with the child
// it separates from its left neighbor (children[keyIdx+1]).
func removeInternalSlot(n *node, keyIdx int) {
	count := n.count()
	for i := keyIdx; i < count-1; i++ {
		n.keys[i] = n.keys[i+1]
	}

	n.keys[count-1] = 0

	for i := keyIdx + 1; i < count; i++ {
		n.children[i] = n.children[i+1]
	}

	n.children[count] = blockmac.Envelope{}
}

func newLeaf(maxLeaf int) *node {
	return &node{leaf: true, keys: make([]uint64, maxLeaf), data: make([][]byte, maxLeaf)}
}

func newInternal(maxInternal int) *node {
	return &node{keys: make([]uint64, maxInternal), children: make([]blockmac.Envelope, maxInternal+1)}
}

// Get returns the data stored under key.
func (t *Tree) Get(key uint64) (data []byte, found bool, err error) {
	if key == 0 {
		return nil, false, ErrInvalidKey
	}

	if t.root.Zero() {
		return nil, false, nil
	}

	path, idx, found, err := t.walk(key, false)
	if err != nil {
		return nil, false, err
	}

	if !found {
		return nil, false, nil
	}

	leaf := path[len(path)-1].n

	return leaf.data[idx], true, nil
}

// Find is Get generalized to keyIsMax: with keyIsMax set it returns the
// entry for the largest key <= key instead of requiring an exact match.
func (t *Tree) Find(key uint64, keyIsMax bool) (foundKey uint64, data []byte, found bool, err error) {
	if t.root.Zero() {
		return 0, nil, false, nil
	}

	path, idx, found, err := t.walk(key, keyIsMax)
	if err != nil {
		return 0, nil, false, err
	}

	if !found {
		return 0, nil, false, nil
	}

	leaf := path[len(path)-1].n

	return leaf.keys[idx], leaf.data[idx], true, nil
}

// Insert adds key -> data. It returns ErrExists if key is already present.
func (t *Tree) Insert(key uint64, data []byte) error {
	if key == 0 {
		return ErrInvalidKey
	}

	if len(data) != t.dataSize {
		return ErrInvalidInput
	}

	if t.root.Zero() {
		leaf := newLeaf(t.maxLeaf)
		leaf.keys[0] = key
		leaf.data[0] = append([]byte(nil), data...)

		env, err := t.writeNode(blockmac.Envelope{}, leaf, false)
		if err != nil {
			return err
		}

		t.root = env
		t.rootChanged = true

		return nil
	}

	path, idx, found, err := t.walk(key, false)
	if err != nil {
		return err
	}

	if found {
		return ErrExists
	}

	last := len(path) - 1
	n := path[last].n

	if n.count() < t.maxLeaf {
		insertLeafSlot(n, idx, key, data)
		return t.propagate(path, last, nil)
	}

	return t.splitLeafAndInsert(path, idx, key, data)
}

func (t *Tree) splitLeafAndInsert(path []step, idx int, key uint64, data []byte) error {
	last := len(path) - 1
	leafStep := &path[last]
	n := leafStep.n

	virtKeys := make([]uint64, t.maxLeaf+1)
	virtData := make([][]byte, t.maxLeaf+1)

	copy(virtKeys[:idx], n.keys[:idx])
	copy(virtData[:idx], n.data[:idx])
	virtKeys[idx] = key
	virtData[idx] = append([]byte(nil), data...)
	copy(virtKeys[idx+1:], n.keys[idx:t.maxLeaf])
	copy(virtData[idx+1:], n.data[idx:t.maxLeaf])

	mid := (t.maxLeaf + 1) / 2

	left := newLeaf(t.maxLeaf)
	copy(left.keys, virtKeys[:mid])
	copy(left.data, virtData[:mid])

	right := newLeaf(t.maxLeaf)
	copy(right.keys, virtKeys[mid:])
	copy(right.data, virtData[mid:])

	leftEnv, err := t.writeNode(leafStep.env, left, false)
	if err != nil {
		return err
	}

	rightEnv, err := t.writeNode(blockmac.Envelope{}, right, false)
	if err != nil {
		return err
	}

	if last == 0 {
		root := newInternal(t.maxInternal)
		root.keys[0] = right.keys[0]
		root.children[0] = leftEnv
		root.children[1] = rightEnv

		rootEnv, err := t.writeNode(blockmac.Envelope{}, root, false)
		if err != nil {
			return err
		}

		t.root = rootEnv
		t.rootChanged = true

		return nil
	}

	parent := &path[last-1]
	if leftEnv != leafStep.env {
		parent.n.children[parent.childIdx] = leftEnv
	}

	return t.propagate(path, last-1, &overflow{key: right.keys[0], env: rightEnv})
}

func (t *Tree) splitInternal(n *node, pos int, key uint64, env blockmac.Envelope) (*overflow, error) {
	count := n.count()

	virtKeys := make([]uint64, count+1)
	copy(virtKeys[:pos], n.keys[:pos])
	virtKeys[pos] = key
	copy(virtKeys[pos+1:], n.keys[pos:count])

	virtChildren := make([]blockmac.Envelope, count+2)
	copy(virtChildren[:pos+1], n.children[:pos+1])
	virtChildren[pos+1] = env
	copy(virtChildren[pos+2:], n.children[pos+1:count+1])

	mid := (len(virtKeys)) / 2
	sepKey := virtKeys[mid]

	for i := range n.keys {
		n.keys[i] = 0
	}

	for i := range n.children {
		n.children[i] = blockmac.Envelope{}
	}

	copy(n.keys, virtKeys[:mid])
	copy(n.children, virtChildren[:mid+1])

	right := newInternal(t.maxInternal)
	copy(right.keys, virtKeys[mid+1:])
	copy(right.children, virtChildren[mid+1:])

	rightEnv, err := t.writeNode(blockmac.Envelope{}, right, false)
	if err != nil {
		return nil, err
	}

	return &overflow{key: sepKey, env: rightEnv}, nil
}

// propagate writes back path[level] (inserting ov into it first, splitting
// it further if it is already full), then repairs or continues propagating
// into path[level-1], all the way up to a possible new root.
func (t *Tree) propagate(path []step, level int, ov *overflow) error {
	step := &path[level]

	if ov != nil {
		pos := step.childIdx
		if step.n.count() < t.maxInternal {
			insertInternalSlot(step.n, pos, ov.key, ov.env)
			ov = nil
		} else {
			newOv, err := t.splitInternal(step.n, pos, ov.key, ov.env)
			if err != nil {
				return err
			}

			ov = newOv
		}
	}

	newEnv, err := t.writeNode(step.env, step.n, false)
	if err != nil {
		return err
	}

	if level == 0 {
		if ov != nil {
			root := newInternal(t.maxInternal)
			root.keys[0] = ov.key
			root.children[0] = newEnv
			root.children[1] = ov.env

			rootEnv, err := t.writeNode(blockmac.Envelope{}, root, false)
			if err != nil {
				return err
			}

			t.root = rootEnv
			t.rootChanged = true

			return nil
		}

		if newEnv != step.env {
			t.root = newEnv
			t.rootChanged = true
		}

		return nil
	}

	parent := &path[level-1]
	if newEnv != step.env {
		parent.n.children[parent.childIdx] = newEnv
	}

	return t.propagate(path, level-1, ov)
}

// Remove deletes key. It returns ErrNotFound if key is absent.
func (t *Tree) Remove(key uint64) error {
	if key == 0 {
		return ErrInvalidKey
	}

	if t.root.Zero() {
		return ErrNotFound
	}

	path, idx, found, err := t.walk(key, false)
	if err != nil {
		return err
	}

	if !found {
		return ErrNotFound
	}

	last := len(path) - 1
	removeLeafSlot(path[last].n, idx)

	return t.rebalanceLeaf(path, last)
}

// Update changes the data stored under oldKey, optionally moving it to
// newKey. A same-key update overwrites the leaf slot in place; a
// key-changing update removes then reinserts, trading an extra tree
// descent for not needing a dedicated in-place key relocation path.
func (t *Tree) Update(oldKey, newKey Key, data []byte) error {
	if oldKey == 0 || newKey == 0 {
		return ErrInvalidKey
	}

	if len(data) != t.dataSize {
		return ErrInvalidInput
	}

	if oldKey != newKey {
		if err := t.Remove(oldKey); err != nil {
			return err
		}

		return t.Insert(newKey, data)
	}

	path, idx, found, err := t.walk(oldKey, false)
	if err != nil {
		return err
	}

	if !found {
		return ErrNotFound
	}

	last := len(path) - 1
	path[last].n.data[idx] = append([]byte(nil), data...)

	return t.propagate(path, last, nil)
}

// Ascend calls fn for every key >= start, in increasing order, stopping
// early if fn returns false. Used by blockrange.Set to scan neighboring
// entries when merging or splitting ranges.
func (t *Tree) Ascend(start uint64, fn func(key uint64, data []byte) bool) error {
	if t.root.Zero() {
		return nil
	}

	_, err := t.ascend(t.root, start, fn)

	return err
}

func (t *Tree) ascend(env blockmac.Envelope, start uint64, fn func(uint64, []byte) bool) (bool, error) {
	n, err := t.readNode(env)
	if err != nil {
		return false, err
	}

	count := n.count()

	if n.leaf {
		for i := 0; i < count; i++ {
			if n.keys[i] < start {
				continue
			}

			if !fn(n.keys[i], n.data[i]) {
				return false, nil
			}
		}

		return true, nil
	}

	for i := 0; i <= count; i++ {
		if i < count && n.keys[i] <= start {
			continue
		}

		cont, err := t.ascend(n.children[i], start, fn)
		if err != nil {
			return false, err
		}

		if !cont {
			return false, nil
		}
	}

	return true, nil
}

func (t *Tree) minLeaf() int     { return t.maxLeaf / 2 }
func (t *Tree) minInternal() int { return t.maxInternal / 2 }

func (t *Tree) fetchSibling(pn *node, idx int) (*node, error) {
	return t.readNode(pn.children[idx])
}

func (t *Tree) rebalanceLeaf(path []step, level int) error {
	step := &path[level]
	n := step.n
	count := n.count()

	if level == 0 {
		if count == 0 {
			t.root = blockmac.Envelope{}
			t.rootChanged = true

			if !step.env.Zero() {
				return t.alloc.Free(t.owner, step.env.Block)
			}

			return nil
		}

		newEnv, err := t.writeNode(step.env, n, false)
		if err != nil {
			return err
		}

		if newEnv != step.env {
			t.root = newEnv
			t.rootChanged = true
		}

		return nil
	}

	if count >= t.minLeaf() {
		return t.propagate(path, level, nil)
	}

	parent := &path[level-1]
	pn := parent.n
	myIdx := parent.childIdx

	useLeft := myIdx > 0

	siblingIdx := myIdx + 1
	if useLeft {
		siblingIdx = myIdx - 1
	}

	sib, err := t.fetchSibling(pn, siblingIdx)
	if err != nil {
		return err
	}

	sibEnv := pn.children[siblingIdx]
	sibCount := sib.count()

	if sibCount > t.minLeaf() {
		if useLeft {
			borrowKey := sib.keys[sibCount-1]
			borrowData := sib.data[sibCount-1]
			sib.keys[sibCount-1] = 0
			sib.data[sibCount-1] = nil

			insertLeafSlot(n, 0, borrowKey, borrowData)
			pn.keys[myIdx-1] = n.keys[0]
		} else {
			borrowKey := sib.keys[0]
			borrowData := sib.data[0]
			removeLeafSlot(sib, 0)

			insertLeafSlot(n, n.count(), borrowKey, borrowData)
			pn.keys[myIdx] = sib.keys[0]
		}

		newSibEnv, err := t.writeNode(sibEnv, sib, false)
		if err != nil {
			return err
		}

		pn.children[siblingIdx] = newSibEnv

		return t.propagate(path, level, nil)
	}

	var left, right *node
	var leftIdx, sepIdx int
	var rightEnv blockmac.Envelope

	if useLeft {
		left, right = sib, n
		leftIdx, sepIdx = siblingIdx, myIdx-1
		rightEnv = step.env
	} else {
		left, right = n, sib
		leftIdx, sepIdx = myIdx, myIdx
		rightEnv = sibEnv
	}

	lc := left.count()
	rc := right.count()

	for i := 0; i < rc; i++ {
		left.keys[lc+i] = right.keys[i]
		left.data[lc+i] = right.data[i]
	}

	newLeftEnv, err := t.writeNode(pn.children[leftIdx], left, false)
	if err != nil {
		return err
	}

	if err := t.alloc.Free(t.owner, rightEnv.Block); err != nil {
		return err
	}

	pn.children[leftIdx] = newLeftEnv
	removeInternalSlot(pn, sepIdx)

	return t.rebalanceInternal(path, level-1)
}

func (t *Tree) rebalanceInternal(path []step, level int) error {
	step := &path[level]
	n := step.n
	count := n.count()

	if level == 0 {
		if count == 0 {
			newRoot := n.children[0]

			if err := t.alloc.Free(t.owner, step.env.Block); err != nil {
				return err
			}

			t.root = newRoot
			t.rootChanged = true

			return nil
		}

		newEnv, err := t.writeNode(step.env, n, false)
		if err != nil {
			return err
		}

		if newEnv != step.env {
			t.root = newEnv
			t.rootChanged = true
		}

		return nil
	}

	if count >= t.minInternal() {
		return t.propagate(path, level, nil)
	}

	parent := &path[level-1]
	pn := parent.n
	myIdx := parent.childIdx

	useLeft := myIdx > 0

	siblingIdx := myIdx + 1
	if useLeft {
		siblingIdx = myIdx - 1
	}

	sib, err := t.fetchSibling(pn, siblingIdx)
	if err != nil {
		return err
	}

	sibEnv := pn.children[siblingIdx]
	sibCount := sib.count()

	if sibCount > t.minInternal() {
		if useLeft {
			sepIdx := myIdx - 1
			borrowKey := pn.keys[sepIdx]
			borrowChild := sib.children[sibCount]
			newSep := sib.keys[sibCount-1]

			insertInternalSlot(n, 0, borrowKey, n.children[0])
			n.children[0] = borrowChild

			sib.keys[sibCount-1] = 0
			sib.children[sibCount] = blockmac.Envelope{}

			pn.keys[sepIdx] = newSep
		} else {
			sepIdx := myIdx
			borrowKey := pn.keys[sepIdx]
			borrowChild := sib.children[0]
			newSep := sib.keys[0]

			nc := n.count()
			n.keys[nc] = borrowKey
			n.children[nc+1] = borrowChild

			removeInternalSlot(sib, 0)

			pn.keys[sepIdx] = newSep
		}

		newSibEnv, err := t.writeNode(sibEnv, sib, false)
		if err != nil {
			return err
		}

		pn.children[siblingIdx] = newSibEnv

		return t.propagate(path, level, nil)
	}

	var left, right *node
	var leftIdx, sepIdx int
	var rightEnv blockmac.Envelope

	if useLeft {
		left, right = sib, n
		leftIdx, sepIdx = siblingIdx, myIdx-1
		rightEnv = step.env
	} else {
		left, right = n, sib
		leftIdx, sepIdx = myIdx, myIdx
		rightEnv = sibEnv
	}

	lc := left.count()
	rc := right.count()

	left.keys[lc] = pn.keys[sepIdx]
	for i := 0; i < rc; i++ {
		left.keys[lc+1+i] = right.keys[i]
	}

	for i := 0; i <= rc; i++ {
		left.children[lc+1+i] = right.children[i]
	}

	newLeftEnv, err := t.writeNode(pn.children[leftIdx], left, false)
	if err != nil {
		return err
	}

	if err := t.alloc.Free(t.owner, rightEnv.Block); err != nil {
		return err
	}

	pn.children[leftIdx] = newLeftEnv
	removeInternalSlot(pn, sepIdx)

	return t.rebalanceInternal(path, level-1)
}
