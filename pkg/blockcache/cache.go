// Package blockcache is the engine's single encrypted block cache: a
// fixed-size pool of entries shared by every mounted device, mediating all
// I/O with MAC verification, lazy decryption, and copy-on-write dirtying
// (spec.md §4.2).
//
// Unlike the prose spec, a single Cache is not hardwired to a particular
// "main" and "super" device: every method takes the blockdev.Device to
// operate against explicitly. The spec's get_super/get_cleared_super are
// just Get/GetCleared called with the super device — callers (pkg/engine)
// decide which device a block number belongs to. This collapses the
// spec's duplicated get_*/get_*_super surface into one set of methods
// without changing behavior.
package blockcache

import (
	"github.com/calvinalkan/trustystore/pkg/blockdev"
	"github.com/calvinalkan/trustystore/pkg/blockmac"
	"github.com/calvinalkan/trustystore/pkg/crypto"
)

// Owner identifies the transaction a dirty entry belongs to. Callers pass
// a comparable handle (typically a *txn.Transaction pointer); blockcache
// never dereferences it.
type Owner any

// DiscardMode selects discard_transaction's two modes.
type DiscardMode int

const (
	// DiscardAll drops every dirty entry owned by the transaction.
	DiscardAll DiscardMode = iota
	// DiscardTmpOnly drops only dirty-temp entries; finding a dirty,
	// non-temp entry owned by the transaction is an assertion failure.
	DiscardTmpOnly
)

type devBlockKey struct {
	dev   blockdev.Device
	block blockmac.BlockNum
}

// Cache is the fixed-size pool described in spec.md §4.2. The zero value
// is not usable; construct with New.
type Cache struct {
	key       crypto.Key
	blockSize int

	entries []entry
	index   map[devBlockKey]int32

	lruHead, lruTail int32 // -1 = empty; head is most-recently-used

	hooks Hooks
}

// New builds a cache with the given pool size, all entries sized for
// blockSize. Every device this cache is used against must report the same
// BlockSize.
func New(key crypto.Key, poolSize, blockSize int, hooks Hooks) (*Cache, error) {
	if poolSize <= 0 {
		return nil, ErrAssertion
	}

	if blockSize <= 0 {
		return nil, ErrAssertion
	}

	entries := make([]entry, poolSize)
	for i := range entries {
		entries[i].data = make([]byte, blockSize)
		entries[i].prev = int32(i - 1)
		entries[i].next = int32(i + 1)
	}

	entries[poolSize-1].next = -1

	return &Cache{
		key:       key,
		blockSize: blockSize,
		entries:   entries,
		index:     make(map[devBlockKey]int32, poolSize),
		lruHead:   0,
		lruTail:   int32(poolSize - 1),
		hooks:     hooks,
	}, nil
}

// Ref pins one cache entry. Every acquiring call returns a *Ref; callers
// must release it via Put or one of the PutDirty*/DiscardDirty variants.
type Ref struct {
	c   *Cache
	idx int32
}

// Data returns the entry's plaintext payload (everything after the
// embedded IV). Valid only between acquiring the ref and releasing it.
func (r *Ref) Data() []byte {
	return r.c.entries[r.idx].data[crypto.IVSize:]
}

// IV returns the block's current initialization vector.
func (r *Ref) IV() [crypto.IVSize]byte {
	var iv [crypto.IVSize]byte
	copy(iv[:], r.c.entries[r.idx].data[:crypto.IVSize])

	return iv
}

// Block returns the block number this ref is pinned to.
func (r *Ref) Block() blockmac.BlockNum {
	return r.c.entries[r.idx].block
}

// MAC returns the entry's last-computed MAC (meaningful once the entry has
// been loaded or encrypted at least once).
func (r *Ref) MAC() crypto.MAC {
	return r.c.entries[r.idx].mac
}

// --- LRU list maintenance ---

func (c *Cache) unlink(i int32) {
	e := &c.entries[i]
	if e.prev != -1 {
		c.entries[e.prev].next = e.next
	} else {
		c.lruHead = e.next
	}

	if e.next != -1 {
		c.entries[e.next].prev = e.prev
	} else {
		c.lruTail = e.prev
	}

	e.prev, e.next = -1, -1
}

func (c *Cache) pushFront(i int32) {
	e := &c.entries[i]
	e.prev = -1
	e.next = c.lruHead

	if c.lruHead != -1 {
		c.entries[c.lruHead].prev = i
	}

	c.lruHead = i
	if c.lruTail == -1 {
		c.lruTail = i
	}
}

func (c *Cache) touch(i int32) {
	c.unlink(i)
	c.pushFront(i)
}

// pickVictim scans the LRU list from the most-recently-used end, scoring
// every unreferenced entry as (distance from head) * class weight, and
// returns the entry with the highest score: the oldest, cheapest-to-evict
// candidate (spec.md §4.2). A never-used (invalid) slot is picked
// immediately, matching the spec's "scores infinite" shortcut.
func (c *Cache) pickVictim() (int32, error) {
	best := int32(-1)
	bestScore := int64(-1)

	pos := int64(1)
	for i := c.lruHead; i != -1; i, pos = c.entries[i].next, pos+1 {
		e := &c.entries[i]
		if e.refs != 0 {
			continue
		}

		if !e.valid {
			return i, nil
		}

		score := pos * int64(e.weight())
		if score > bestScore {
			bestScore = score
			best = i
		}
	}

	if best == -1 {
		return -1, ErrPoolExhausted
	}

	return best, nil
}

func (c *Cache) resetEntry(e *entry, dev blockdev.Device, block blockmac.BlockNum) {
	e.dev = dev
	e.block = block
	e.mac = crypto.MAC{}
	e.encrypted = false
	e.loaded = false
	e.valid = true
	e.dirty = false
	e.dirtyRef = false
	e.dirtyMAC = false
	e.dirtyTmp = false
	e.dirtyOwner = nil
	e.macParent = nil
	e.refs = 0
}

// acquire returns the pool index backing (dev, block), creating it via
// eviction if necessary, and increments its refcount.
func (c *Cache) acquire(dev blockdev.Device, block blockmac.BlockNum) (int32, error) {
	if dev.Info().BlockSize != c.blockSize {
		return -1, ErrBlockSizeMismatch
	}

	key := devBlockKey{dev, block}

	if idx, ok := c.index[key]; ok {
		c.entries[idx].refs++
		c.touch(idx)
		c.hooks.hit()

		return idx, nil
	}

	idx, err := c.pickVictim()
	if err != nil {
		return -1, err
	}

	e := &c.entries[idx]

	if e.valid {
		if e.dirty {
			if err := c.flushEntry(e.dev, e); err != nil {
				return -1, err
			}
		}

		delete(c.index, devBlockKey{e.dev, e.block})
		c.hooks.evict()
	}

	c.resetEntry(e, dev, block)
	c.index[key] = idx
	e.refs = 1
	c.touch(idx)
	c.hooks.miss()

	return idx, nil
}

// release decrements an entry's refcount, immediately encrypting it (per
// spec.md §4.2: "dirty, refcount drops to 0 and dirty_mac set → immediately
// encrypt") when that drops it to zero with a MAC recomputation owed.
func (c *Cache) release(idx int32) {
	e := &c.entries[idx]
	e.refs--

	if e.refs == 0 && e.dirtyMAC {
		c.encryptEntry(e.dev, e)
	}
}

// loadEntry is load_entry from spec.md §4.2. It is idempotent: calling it
// again on an already-decrypted entry reuses the last-computed MAC instead
// of recomputing it over plaintext.
func (c *Cache) loadEntry(dev blockdev.Device, e *entry, expected *blockmac.Envelope) error {
	if !e.loaded {
		var data []byte
		var failed bool

		dev.StartRead(e.block, func(d []byte, f bool) { data, failed = d, f })

		if err := dev.WaitForIO(); err != nil {
			return err
		}

		if failed {
			return ErrIO
		}

		copy(e.data, data)
		e.loaded = true
		e.encrypted = true
		e.mac = crypto.Mac(c.key, e.data)
	}

	if e.encrypted {
		e.mac = crypto.Mac(c.key, e.data)
	}

	if expected != nil {
		var want crypto.MAC
		copy(want[:], expected.MAC[:])

		if !crypto.MacEqual(e.mac, want, dev.Info().MACSize) {
			return ErrMACMismatch
		}
	}

	if e.encrypted {
		var iv crypto.IV
		copy(iv[:], e.data[:crypto.IVSize])

		if err := crypto.Decrypt(c.key, e.data[crypto.IVSize:], iv); err != nil {
			return err
		}

		e.encrypted = false
	}

	return nil
}

// encryptEntry re-encrypts a dirty entry's plaintext in place, ahead of a
// flush. Per spec.md §4.2, when the entry's MAC was not already flagged as
// owed recomputation (dirtyMAC), the freshly computed MAC must match the
// one already stored — on a full-width MAC, a mismatch here means content
// changed without the caller going through PutDirty, a programming error,
// not a runtime fault.
func (c *Cache) encryptEntry(dev blockdev.Device, e *entry) {
	if e.encrypted {
		return
	}

	wasDirtyMAC := e.dirtyMAC

	var iv crypto.IV
	copy(iv[:], e.data[:crypto.IVSize])

	_ = crypto.Encrypt(c.key, e.data[crypto.IVSize:], iv)
	newMAC := crypto.Mac(c.key, e.data)

	if !wasDirtyMAC && dev.Info().MACSize == blockmac.MaxMACSize {
		if !crypto.MacEqual(e.mac, newMAC, blockmac.MaxMACSize) {
			panic("blockcache: dirty entry's ciphertext changed without dirty_mac set")
		}
	}

	e.mac = newMAC
	e.encrypted = true

	if wasDirtyMAC {
		e.dirtyMAC = false

		if e.macParent != nil {
			*e.macParent = blockmac.FromMAC(e.block, newMAC)
		}
	}
}

func (c *Cache) flushEntry(dev blockdev.Device, e *entry) error {
	c.encryptEntry(dev, e)

	var failed bool
	dev.StartWrite(e.block, e.data, func(f bool) { failed = f })

	if err := dev.WaitForIO(); err != nil {
		return err
	}

	if failed {
		return ErrIO
	}

	return nil
}

// clearDirty drops an entry's dirty state without flushing it and forces a
// reload from the device on next access, since any in-place mutation to a
// persistent dirty entry's plaintext is otherwise unrecoverable.
func (c *Cache) clearDirty(e *entry) {
	e.dirty = false
	e.dirtyRef = false
	e.dirtyMAC = false
	e.dirtyTmp = false
	e.dirtyOwner = nil
	e.macParent = nil
	e.loaded = false
	e.encrypted = false
}

// finalizeClean marks an entry clean after a successful flush, decrypting
// its just-encrypted buffer back to the canonical cached-plaintext form.
func (c *Cache) finalizeClean(e *entry) {
	e.dirty = false
	e.dirtyRef = false
	e.dirtyMAC = false
	e.dirtyTmp = false
	e.dirtyOwner = nil
	e.macParent = nil

	var iv crypto.IV
	copy(iv[:], e.data[:crypto.IVSize])
	_ = crypto.Decrypt(c.key, e.data[crypto.IVSize:], iv)
	e.encrypted = false
}

// GetNoRead acquires block without requiring it to be loaded; the returned
// ref's content is whatever the slot previously held until a read or
// GetCleared establishes real content.
func (c *Cache) GetNoRead(dev blockdev.Device, block blockmac.BlockNum) (*Ref, error) {
	idx, err := c.acquire(dev, block)
	if err != nil {
		return nil, err
	}

	return &Ref{c, idx}, nil
}

// Get loads and verifies block against bm's MAC, the spec's get(block_mac,
// iv) — the loaded IV is available via (*Ref).IV.
func (c *Cache) Get(dev blockdev.Device, bm blockmac.Envelope) (*Ref, error) {
	idx, err := c.acquire(dev, bm.Block)
	if err != nil {
		return nil, err
	}

	if err := c.loadEntry(dev, &c.entries[idx], &bm); err != nil {
		c.entries[idx].refs--
		return nil, err
	}

	return &Ref{c, idx}, nil
}

// GetUnverified loads block with no expected MAC to check against — the
// spec's get_super, used for the root of trust itself, whose authenticity
// comes from the tamper-detecting device, not a parent-held block_mac.
func (c *Cache) GetUnverified(dev blockdev.Device, block blockmac.BlockNum) (*Ref, error) {
	idx, err := c.acquire(dev, block)
	if err != nil {
		return nil, err
	}

	if err := c.loadEntry(dev, &c.entries[idx], nil); err != nil {
		c.entries[idx].refs--
		return nil, err
	}

	return &Ref{c, idx}, nil
}

// GetCleared acquires a freshly allocated block with its payload zeroed,
// skipping a read entirely — the spec's get_cleared (and, against the
// super device, get_cleared_super).
func (c *Cache) GetCleared(dev blockdev.Device, block blockmac.BlockNum) (*Ref, error) {
	idx, err := c.acquire(dev, block)
	if err != nil {
		return nil, err
	}

	e := &c.entries[idx]
	for i := range e.data {
		e.data[i] = 0
	}

	e.loaded = true
	e.encrypted = false
	e.mac = crypto.MAC{}

	return &Ref{c, idx}, nil
}

// GetWriteNoRead acquires block for exclusive mutation without reading its
// prior content, marking it dirty under owner.
func (c *Cache) GetWriteNoRead(dev blockdev.Device, block blockmac.BlockNum, owner Owner, isTmp bool) (*Ref, error) {
	idx, err := c.acquire(dev, block)
	if err != nil {
		return nil, err
	}

	e := &c.entries[idx]
	if e.refs != 1 {
		c.release(idx)
		return nil, ErrBusy
	}

	if !e.loaded {
		e.loaded = true
		e.encrypted = false
	} else if e.encrypted {
		var iv crypto.IV
		copy(iv[:], e.data[:crypto.IVSize])

		if err := crypto.Decrypt(c.key, e.data[crypto.IVSize:], iv); err != nil {
			c.release(idx)
			return nil, err
		}

		e.encrypted = false
	}

	e.dirty = true
	e.dirtyRef = true
	e.dirtyTmp = isTmp
	e.dirtyOwner = owner

	return &Ref{c, idx}, nil
}

// GetWrite loads and verifies block against bm, then marks it dirty under
// owner for in-place mutation of its existing content.
func (c *Cache) GetWrite(dev blockdev.Device, bm blockmac.Envelope, owner Owner, isTmp bool) (*Ref, error) {
	idx, err := c.acquire(dev, bm.Block)
	if err != nil {
		return nil, err
	}

	e := &c.entries[idx]
	if e.refs != 1 {
		c.release(idx)
		return nil, ErrBusy
	}

	if err := c.loadEntry(dev, e, &bm); err != nil {
		c.release(idx)
		return nil, err
	}

	e.dirty = true
	e.dirtyRef = true
	e.dirtyTmp = isTmp
	e.dirtyOwner = owner

	return &Ref{c, idx}, nil
}

// GetCopy loads src, copies its plaintext into newBlock, and marks the copy
// dirty under owner — the CoW relocation primitive used when a tree node's
// block is shared with a previously committed state.
func (c *Cache) GetCopy(dev blockdev.Device, src blockmac.Envelope, newBlock blockmac.BlockNum, owner Owner, isTmp bool) (*Ref, error) {
	srcIdx, err := c.acquire(dev, src.Block)
	if err != nil {
		return nil, err
	}

	if err := c.loadEntry(dev, &c.entries[srcIdx], &src); err != nil {
		c.release(srcIdx)
		return nil, err
	}

	payload := append([]byte(nil), c.entries[srcIdx].data...)
	c.release(srcIdx)

	dstIdx, err := c.acquire(dev, newBlock)
	if err != nil {
		return nil, err
	}

	e := &c.entries[dstIdx]
	copy(e.data, payload)
	e.loaded = true
	e.encrypted = false
	e.dirty = true
	e.dirtyRef = true
	e.dirtyTmp = isTmp
	e.dirtyOwner = owner

	return &Ref{c, dstIdx}, nil
}

// Move relabels an already-pinned entry to a new block number in place,
// without copying its bytes, and marks it dirty under owner. It requires
// ref to be the entry's only reference. If newBlock is already cached, the
// existing mapping is invalidated first (it must be unreferenced and
// either clean or dirty under the same owner).
func (c *Cache) Move(ref *Ref, newBlock blockmac.BlockNum, owner Owner, isTmp bool) (*Ref, error) {
	e := &c.entries[ref.idx]
	if e.refs != 1 {
		return nil, ErrBusy
	}

	newKey := devBlockKey{e.dev, newBlock}

	if destIdx, ok := c.index[newKey]; ok && destIdx != ref.idx {
		dest := &c.entries[destIdx]
		if dest.refs != 0 {
			return nil, ErrExists
		}

		if dest.dirty && dest.dirtyOwner != owner {
			return nil, ErrExists
		}

		delete(c.index, newKey)
		dest.valid = false
	}

	delete(c.index, devBlockKey{e.dev, e.block})
	e.block = newBlock
	c.index[newKey] = ref.idx

	e.dirty = true
	e.dirtyRef = true
	e.dirtyTmp = isTmp
	e.dirtyOwner = owner

	return ref, nil
}

// Put releases a clean (or already-settled dirty) ref.
func (c *Cache) Put(ref *Ref) {
	c.release(ref.idx)
}

// PutDirty generates a fresh IV for a dirty entry, flags its MAC as owed
// recomputation, and releases the ref. If parent is non-nil, it is
// overwritten with the entry's new block_mac once encryption happens
// (immediately, if this release drops refcount to zero).
func (c *Cache) PutDirty(ref *Ref, parent *blockmac.Envelope) error {
	e := &c.entries[ref.idx]
	if !e.dirty {
		return ErrNotDirty
	}

	if e.refs != 1 {
		return ErrBusy
	}

	iv, err := crypto.GenerateIV()
	if err != nil {
		return err
	}

	copy(e.data[:crypto.IVSize], iv[:])
	e.encrypted = false
	e.dirtyMAC = true
	e.dirtyRef = false
	e.macParent = parent

	c.release(ref.idx)

	return nil
}

// PutDirtyNoMAC is PutDirty without a parent to notify — the resulting MAC
// is still recomputed before flush, but nobody needs it handed back.
func (c *Cache) PutDirtyNoMAC(ref *Ref) error {
	return c.PutDirty(ref, nil)
}

// PutDirtyDiscard releases a dirty ref and abandons its mutation entirely,
// without ever flushing it.
func (c *Cache) PutDirtyDiscard(ref *Ref) error {
	e := &c.entries[ref.idx]
	if !e.dirty {
		return ErrNotDirty
	}

	c.clearDirty(e)
	e.refs--

	return nil
}

// DiscardDirty is PutDirtyDiscard for a dirty entry whose ref was never
// passed through PutDirty.
func (c *Cache) DiscardDirty(ref *Ref) error {
	return c.PutDirtyDiscard(ref)
}

// DiscardDirtyByBlock discards a dirty entry addressed by (dev, block)
// when the caller holds no live ref to it (e.g. cleanup by block number
// during transaction failure). It is a no-op if nothing is cached there,
// and fails if the entry is still referenced.
func (c *Cache) DiscardDirtyByBlock(dev blockdev.Device, block blockmac.BlockNum) error {
	idx, ok := c.index[devBlockKey{dev, block}]
	if !ok {
		return nil
	}

	e := &c.entries[idx]
	if !e.dirty {
		return nil
	}

	if e.refs != 0 {
		return ErrBusy
	}

	c.clearDirty(e)

	return nil
}

// IsClean reports whether (dev, block) is not dirty in the cache. A block not
// currently cached is trivially clean.
func (c *Cache) IsClean(dev blockdev.Device, block blockmac.BlockNum) bool {
	idx, ok := c.index[devBlockKey{dev, block}]
	if !ok {
		return true
	}

	return !c.entries[idx].dirty
}

// CleanTransaction flushes every persistent (non-temp) dirty entry owned by
// owner: encrypting, writing, and awaiting all of them, grouped per device
// to respect each device's FIFO completion order.
func (c *Cache) CleanTransaction(owner Owner) error {
	type pending struct {
		e      *entry
		failed *bool
	}

	var pendings []pending
	counts := make(map[blockdev.Device]int)

	for i := range c.entries {
		e := &c.entries[i]
		if !e.valid || !e.dirty || e.dirtyTmp || e.dirtyOwner != owner {
			continue
		}

		c.encryptEntry(e.dev, e)

		failed := new(bool)
		e.dev.StartWrite(e.block, e.data, func(f bool) { *failed = f })
		pendings = append(pendings, pending{e, failed})
		counts[e.dev]++
	}

	for dev, n := range counts {
		for i := 0; i < n; i++ {
			if err := dev.WaitForIO(); err != nil {
				return err
			}
		}
	}

	var firstErr error

	for _, p := range pendings {
		if *p.failed {
			if firstErr == nil {
				firstErr = ErrIO
			}

			continue
		}

		c.finalizeClean(p.e)
	}

	return firstErr
}

// DiscardTransaction drops dirty state for every entry owned by owner
// without flushing it. In DiscardTmpOnly mode, finding a dirty, non-temp
// entry owned by owner is an assertion failure: callers are expected to
// have already run CleanTransaction to flush persistent dirty data before
// discarding the transaction's now-unneeded temp scratch blocks.
func (c *Cache) DiscardTransaction(owner Owner, mode DiscardMode) error {
	for i := range c.entries {
		e := &c.entries[i]
		if !e.valid || !e.dirty || e.dirtyOwner != owner {
			continue
		}

		if mode == DiscardTmpOnly && !e.dirtyTmp {
			return ErrAssertion
		}

		c.clearDirty(e)
	}

	return nil
}
