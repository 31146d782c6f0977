// Package files composes the block cache, block tree, and block map into
// named, sized, writable files (spec.md §4.7): a global catalog keyed by
// path hash, per-transaction added/updated/removed overlays, and
// transaction-scoped handles that CoW their file entry and content blocks
// on every mutation.
package files

import (
	"fmt"

	"github.com/calvinalkan/trustystore/pkg/blockcache"
	"github.com/calvinalkan/trustystore/pkg/blockdev"
	"github.com/calvinalkan/trustystore/pkg/blockmac"
	"github.com/calvinalkan/trustystore/pkg/blockmap"
	"github.com/calvinalkan/trustystore/pkg/blocktree"
	"github.com/calvinalkan/trustystore/pkg/crypto"
	"github.com/calvinalkan/trustystore/pkg/txn"
)

// CreateMode mirrors spec.md §6's open flags.
type CreateMode int

const (
	// NoCreate fails with ErrNotFound if the path is absent.
	NoCreate CreateMode = iota
	// Create creates the path if absent, otherwise opens the existing file.
	Create
	// CreateExclusive fails with ErrExists if the path is already present,
	// committed or added earlier in the same transaction.
	CreateExclusive
)

// blockMapKeySize and blockMapDataSize configure every per-file block-map
// tree: an 8-byte file-block index and a fixed-width packed block_mac,
// matching pkg/blockmap's own convention.
const (
	blockMapKeySize  = 8
	blockMapDataSize = envelopeSize
)

// Store holds the filesystem-wide dependencies file operations share: the
// device and cache every transaction reads and writes through, the
// allocator queue, the block-mac codec the mounted filesystem was
// configured with, and the live catalog (spec.md's fs.files, a path-hash
// keyed tree of packed file-entry block_macs). pkg/superblock/pkg/engine
// construct one Store per mount and swap Catalog for the fresh CoW copy a
// commit produces.
type Store struct {
	Dev          blockdev.Device
	Cache        *blockcache.Cache
	Alloc        blocktree.Allocator
	Codec        blockmac.Codec
	PathHashBits uint
	Catalog      *blocktree.Tree
}

func (s *Store) payloadSize() uint64 {
	return uint64(s.Dev.Info().BlockSize - crypto.IVSize)
}

func (s *Store) blockMapTree(owner blockcache.Owner, root blockmac.Envelope) (*blocktree.Tree, error) {
	return blocktree.New(s.Cache, s.Dev, s.Alloc, s.Codec, blockMapKeySize, blockMapDataSize, true, owner, root)
}

func (s *Store) readEntry(env blockmac.Envelope) (blockmac.Envelope, uint64, string, error) {
	ref, err := s.Cache.Get(s.Dev, env)
	if err != nil {
		return blockmac.Envelope{}, 0, "", err
	}
	defer s.Cache.Put(ref)

	return decodeFileEntry(ref.Data())
}

// freeFileEntry frees every data block reachable from env's block-map plus
// the entry block itself. It does not free the block-map tree's own
// internal node blocks — pkg/blocktree has no "free every node" walk, and
// those nodes already self-manage their own block lifecycle through
// copy-on-write as the tree is mutated; a standing tree rooted at env that
// is never touched again leaks its node blocks until a future fsck-style
// sweep is added (tracked, not solved, here).
func (s *Store) freeFileEntry(owner blockcache.Owner, env blockmac.Envelope) error {
	root, _, _, err := s.readEntry(env)
	if err != nil {
		return err
	}

	if !root.Zero() {
		tree, err := s.blockMapTree(owner, root)
		if err != nil {
			return err
		}

		var blocks []blockmac.BlockNum

		if err := tree.Ascend(1, func(_ uint64, data []byte) bool {
			blocks = append(blocks, decodeEnvelope(data).Block)
			return true
		}); err != nil {
			return err
		}

		for _, b := range blocks {
			if err := s.Alloc.Free(owner, b); err != nil {
				return err
			}
		}
	}

	return s.Alloc.Free(owner, env.Block)
}

// File is a transaction-scoped handle on an open file (spec.md §3 "File
// handle"). The zero value is not usable; obtain one with Open.
type File struct {
	store *Store
	tr    *txn.Transaction

	path string
	hash uint64

	isNew  bool // lives only in tr.FilesAdded() so far, never committed
	closed bool

	// committedBlockMAC/committedSize are the file entry's block_mac/size
	// as of the last commit this handle observed (spec's committed_block_mac).
	// Both are zero for a file this transaction created.
	committedBlockMAC blockmac.Envelope
	committedSize     uint64

	// blockMAC/size/blockMapRoot are this handle's current view: possibly
	// CoW'd within the owning transaction, not yet committed (spec's
	// current block_mac / size).
	blockMAC     blockmac.Envelope
	size         uint64
	blockMapRoot blockmac.Envelope

	// toCommitBlockMAC/toCommitSize mirror blockMAC/size once a mutation
	// lands; ApplyCommit/ApplyFailure (driven by whatever owns the live
	// transaction list, per spec.md §4.7) propagate them into
	// committedBlockMAC/committedSize or roll back to the pre-transaction
	// values.
	toCommitBlockMAC blockmac.Envelope
	toCommitSize     uint64

	usedByTr bool
}

// UsedByTransaction implements txn.OpenFile. A closed handle can no longer
// observe stale state through future reads, so it stops participating in
// cross-transaction conflict detection once closed.
func (f *File) UsedByTransaction() bool { return f.usedByTr && !f.closed }

// CommittedBlockNum implements txn.OpenFile.
func (f *File) CommittedBlockNum() blockmac.BlockNum { return f.committedBlockMAC.Block }

func checkActive(tr *txn.Transaction) error {
	if err := tr.EnsureActive(); err != nil {
		if tr.Failed() {
			return ErrTransact
		}

		return err
	}

	return nil
}

// Open implements spec.md §4.7's open(tr, path, create_mode).
func Open(store *Store, tr *txn.Transaction, path string, mode CreateMode) (*File, error) {
	if err := checkActive(tr); err != nil {
		return nil, fmt.Errorf("files: open %q: %w", path, err)
	}

	if err := ValidatePath(path); err != nil {
		return nil, fmt.Errorf("files: open %q: %w", path, err)
	}

	hash := crypto.PathHash(path, store.PathHashBits)

	for _, of := range tr.OpenFiles() {
		if existing, ok := of.(*File); ok && existing.hash == hash && !existing.closed {
			return nil, fmt.Errorf("files: open %q: %w", path, ErrAlreadyOpen)
		}
	}

	if data, found, err := tr.FilesAdded().Get(hash); err != nil {
		return nil, fmt.Errorf("files: open %q: %w", path, err)
	} else if found {
		if mode == CreateExclusive {
			return nil, fmt.Errorf("files: open %q: %w", path, ErrExists)
		}

		return store.openAdded(tr, path, hash, decodeEnvelope(data))
	}

	data, found, err := store.Catalog.Get(hash)
	if err != nil {
		return nil, fmt.Errorf("files: open %q: %w", path, err)
	}

	if found {
		committedEnv := decodeEnvelope(data)

		_, removed, err := tr.FilesRemoved().Get(uint64(committedEnv.Block))
		if err != nil {
			return nil, fmt.Errorf("files: open %q: %w", path, err)
		}

		if !removed {
			if mode == CreateExclusive {
				return nil, fmt.Errorf("files: open %q: %w", path, ErrExists)
			}

			return store.openCommitted(tr, path, hash, committedEnv)
		}
	}

	if mode == NoCreate {
		return nil, fmt.Errorf("files: open %q: %w", path, ErrNotFound)
	}

	return store.createFile(tr, path, hash)
}

func (s *Store) openAdded(tr *txn.Transaction, path string, hash uint64, env blockmac.Envelope) (*File, error) {
	root, size, _, err := s.readEntry(env)
	if err != nil {
		return nil, fmt.Errorf("files: open %q: %w", path, err)
	}

	f := &File{
		store: s, tr: tr, path: path, hash: hash, isNew: true,
		blockMAC: env, size: size, blockMapRoot: root,
	}
	tr.TrackOpenFile(f)

	return f, nil
}

func (s *Store) openCommitted(tr *txn.Transaction, path string, hash uint64, committedEnv blockmac.Envelope) (*File, error) {
	committedRoot, committedSize, _, err := s.readEntry(committedEnv)
	if err != nil {
		return nil, fmt.Errorf("files: open %q: %w", path, err)
	}

	currentEnv, currentRoot, currentSize := committedEnv, committedRoot, committedSize

	if data, updated, err := tr.FilesUpdated().Get(uint64(committedEnv.Block)); err != nil {
		return nil, fmt.Errorf("files: open %q: %w", path, err)
	} else if updated {
		currentEnv = decodeEnvelope(data)

		currentRoot, currentSize, _, err = s.readEntry(currentEnv)
		if err != nil {
			return nil, fmt.Errorf("files: open %q: %w", path, err)
		}
	}

	f := &File{
		store: s, tr: tr, path: path, hash: hash,
		committedBlockMAC: committedEnv, committedSize: committedSize,
		blockMAC: currentEnv, size: currentSize, blockMapRoot: currentRoot,
	}
	tr.TrackOpenFile(f)

	return f, nil
}

func (s *Store) createFile(tr *txn.Transaction, path string, hash uint64) (*File, error) {
	block, err := s.Alloc.Alloc(tr, false)
	if err != nil {
		return nil, fmt.Errorf("files: create %q: %w", path, err)
	}

	ref, err := s.Cache.GetWriteNoRead(s.Dev, block, tr, false)
	if err != nil {
		return nil, fmt.Errorf("files: create %q: %w", path, err)
	}

	buf := ref.Data()
	clear(buf)
	encodeFileEntry(buf, blockmac.Envelope{}, 0, path)

	var env blockmac.Envelope
	if err := s.Cache.PutDirty(ref, &env); err != nil {
		return nil, fmt.Errorf("files: create %q: %w", path, err)
	}

	if err := tr.FilesAdded().Insert(hash, encodeEnvelope(env)); err != nil {
		return nil, fmt.Errorf("files: create %q: %w", path, err)
	}

	f := &File{store: s, tr: tr, path: path, hash: hash, isNew: true, blockMAC: env}
	tr.TrackOpenFile(f)

	return f, nil
}

// Close implements spec.md §6's close(handle). It is idempotent.
func (f *File) Close() error {
	f.closed = true
	return nil
}

func (f *File) ensureUsable() error {
	if f.closed {
		return fmt.Errorf("files: handle closed: %w", ErrNotFound)
	}

	return checkActive(f.tr)
}

func (f *File) fail(err error) error {
	f.tr.MarkFailed(err)
	return err
}

// GetSize implements spec.md §6's get_size(handle).
func (f *File) GetSize() (uint64, error) {
	if err := f.ensureUsable(); err != nil {
		return 0, err
	}

	return f.size, nil
}

// SetSize implements spec.md §6's set_size(handle, size): only shrinking is
// supported.
func (f *File) SetSize(size uint64) error {
	if err := f.ensureUsable(); err != nil {
		return err
	}

	if size > f.size {
		return fmt.Errorf("files: set_size %d > %d: %w", size, f.size, ErrNotValid)
	}

	if size == f.size {
		return nil
	}

	if err := f.truncateBlocks(size); err != nil {
		return f.fail(err)
	}

	f.size = size
	f.usedByTr = true

	if err := f.commitEntry(); err != nil {
		return f.fail(err)
	}

	return nil
}

func (f *File) truncateBlocks(newSize uint64) error {
	payload := f.store.payloadSize()

	fromIndex := newSize / payload
	if newSize%payload != 0 {
		fromIndex++
	}

	tree, err := f.store.blockMapTree(f.tr, f.blockMapRoot)
	if err != nil {
		return err
	}

	bm := blockmap.New(tree)

	var toFree []blockmac.BlockNum

	if err := tree.Ascend(fromIndex+1, func(_ uint64, data []byte) bool {
		toFree = append(toFree, decodeEnvelope(data).Block)
		return true
	}); err != nil {
		return err
	}

	for _, b := range toFree {
		if err := f.store.Alloc.Free(f.tr, b); err != nil {
			return err
		}
	}

	if err := bm.Truncate(fromIndex); err != nil {
		return err
	}

	f.blockMapRoot = tree.Root()

	return nil
}

// Read implements spec.md §6's read(handle, offset, size): offset must be
// at most the current size; returns up to size bytes, fewer at EOF.
// File blocks with no map entry (sparse holes left by a prior SetSize
// growth — which this engine does not support — or never written) read as
// zero.
func (f *File) Read(offset, size uint64) ([]byte, error) {
	if err := f.ensureUsable(); err != nil {
		return nil, err
	}

	if !f.isNew && !f.committedBlockMAC.Zero() {
		_, removed, err := f.tr.FilesRemoved().Get(uint64(f.committedBlockMAC.Block))
		if err != nil {
			return nil, f.fail(err)
		}

		if removed {
			return nil, f.fail(fmt.Errorf("files: read %q: deleted in this transaction: %w", f.path, ErrNotFound))
		}
	}

	if offset > f.size {
		return nil, fmt.Errorf("files: read offset %d > size %d: %w", offset, f.size, ErrNotValid)
	}

	if remaining := f.size - offset; size > remaining {
		size = remaining
	}

	f.usedByTr = true

	if size == 0 {
		return []byte{}, nil
	}

	tree, err := f.store.blockMapTree(f.tr, f.blockMapRoot)
	if err != nil {
		return nil, f.fail(err)
	}

	bm := blockmap.New(tree)
	payload := f.store.payloadSize()

	out := make([]byte, 0, size)
	pos := offset

	for uint64(len(out)) < size {
		blockIdx := pos / payload
		within := pos % payload

		n := payload - within
		if want := size - uint64(len(out)); n > want {
			n = want
		}

		env, found, err := bm.Get(blockIdx)
		if err != nil {
			return nil, f.fail(err)
		}

		if !found {
			out = append(out, make([]byte, n)...)
		} else {
			ref, err := f.store.Cache.Get(f.store.Dev, env)
			if err != nil {
				return nil, f.fail(err)
			}

			out = append(out, ref.Data()[within:within+n]...)
			f.store.Cache.Put(ref)
		}

		pos += n
	}

	return out, nil
}

// Write implements spec.md §6's write(handle, offset, data): offset must be
// at most the current size; extends size if writing past the end. Every
// touched block is copy-on-write relocated via blockcache.GetCopy (or
// freshly allocated for a hole), so a concurrent transaction's still-open
// handle keeps reading the pre-write content until this transaction
// commits.
func (f *File) Write(offset uint64, data []byte) error {
	if err := f.ensureUsable(); err != nil {
		return err
	}

	if offset > f.size {
		return fmt.Errorf("files: write offset %d > size %d: %w", offset, f.size, ErrNotValid)
	}

	f.usedByTr = true

	if len(data) == 0 {
		return nil
	}

	tree, err := f.store.blockMapTree(f.tr, f.blockMapRoot)
	if err != nil {
		return f.fail(err)
	}

	bm := blockmap.New(tree)
	payload := f.store.payloadSize()

	pos := offset
	written := 0

	for written < len(data) {
		blockIdx := pos / payload
		within := pos % payload

		n := payload - within
		if want := uint64(len(data) - written); n > want {
			n = want
		}

		env, found, err := bm.Get(blockIdx)
		if err != nil {
			return f.fail(err)
		}

		var ref *blockcache.Ref

		if found {
			newBlock, err := f.store.Alloc.Alloc(f.tr, false)
			if err != nil {
				return f.fail(err)
			}

			ref, err = f.store.Cache.GetCopy(f.store.Dev, env, newBlock, f.tr, false)
			if err != nil {
				return f.fail(err)
			}
		} else {
			newBlock, err := f.store.Alloc.Alloc(f.tr, false)
			if err != nil {
				return f.fail(err)
			}

			ref, err = f.store.Cache.GetWriteNoRead(f.store.Dev, newBlock, f.tr, false)
			if err != nil {
				return f.fail(err)
			}

			clear(ref.Data())
		}

		copy(ref.Data()[within:within+n], data[written:written+int(n)])

		var newEnv blockmac.Envelope
		if err := f.store.Cache.PutDirty(ref, &newEnv); err != nil {
			return f.fail(err)
		}

		if err := bm.Set(blockIdx, newEnv); err != nil {
			return f.fail(err)
		}

		if found {
			if err := f.store.Alloc.Free(f.tr, env.Block); err != nil {
				return f.fail(err)
			}
		}

		pos += n
		written += int(n)
	}

	if pos > f.size {
		f.size = pos
	}

	f.blockMapRoot = tree.Root()

	if err := f.commitEntry(); err != nil {
		return f.fail(err)
	}

	return nil
}

// commitEntry CoW-rewrites the file entry block with the handle's current
// blockMapRoot/size, recording the new entry in tr.FilesAdded() (for a file
// this transaction created) or tr.FilesUpdated() keyed by the file's
// original committed block number (spec.md §4.7's "transactional invariants
// on files"), and frees the handle's previous entry block.
func (f *File) commitEntry() error {
	newBlock, err := f.store.Alloc.Alloc(f.tr, false)
	if err != nil {
		return err
	}

	ref, err := f.store.Cache.GetWriteNoRead(f.store.Dev, newBlock, f.tr, false)
	if err != nil {
		return err
	}

	buf := ref.Data()
	clear(buf)
	encodeFileEntry(buf, f.blockMapRoot, f.size, f.path)

	var newEnv blockmac.Envelope
	if err := f.store.Cache.PutDirty(ref, &newEnv); err != nil {
		return err
	}

	packed := encodeEnvelope(newEnv)

	if f.isNew {
		if err := f.tr.FilesAdded().Update(f.hash, f.hash, packed); err != nil {
			return err
		}
	} else {
		key := uint64(f.committedBlockMAC.Block)

		if _, found, err := f.tr.FilesUpdated().Get(key); err != nil {
			return err
		} else if found {
			if err := f.tr.FilesUpdated().Update(key, key, packed); err != nil {
				return err
			}
		} else if err := f.tr.FilesUpdated().Insert(key, packed); err != nil {
			return err
		}
	}

	if oldBlock := f.blockMAC.Block; oldBlock != 0 {
		if err := f.store.Alloc.Free(f.tr, oldBlock); err != nil {
			return err
		}
	}

	f.blockMAC = newEnv
	f.toCommitBlockMAC = newEnv
	f.toCommitSize = f.size

	return nil
}

// ApplyCommit propagates a successful transaction's final file state into a
// handle, for every OTHER live transaction's still-open handle on the file
// that transaction just committed (spec.md §4.7: "all open handles
// referencing the same committed file are updated to to_commit_block_mac/
// to_commit_size"). Called by whatever owns the live-transaction list
// (pkg/engine), which is the only layer that can see every live
// transaction's open files at once.
func (f *File) ApplyCommit(newBlockMAC blockmac.Envelope, newSize uint64) {
	f.committedBlockMAC = newBlockMAC
	f.committedSize = newSize
	f.blockMAC = newBlockMAC
	f.size = newSize
	f.isNew = false
}

// ApplyFailure restores a handle to its last-committed state after the
// transaction that held it failed (spec.md §4.7's "on failure, they are
// restored to committed_block_mac/committed size").
func (f *File) ApplyFailure() {
	f.blockMAC = f.committedBlockMAC
	f.size = f.committedSize
	f.toCommitBlockMAC = blockmac.Envelope{}
	f.toCommitSize = 0
}

// Delete implements spec.md §4.7's delete(tr, path): returns whether path
// was found.
func Delete(store *Store, tr *txn.Transaction, path string) (bool, error) {
	if err := checkActive(tr); err != nil {
		return false, fmt.Errorf("files: delete %q: %w", path, err)
	}

	if err := ValidatePath(path); err != nil {
		return false, fmt.Errorf("files: delete %q: %w", path, err)
	}

	hash := crypto.PathHash(path, store.PathHashBits)

	if data, found, err := tr.FilesAdded().Get(hash); err != nil {
		tr.MarkFailed(err)
		return false, fmt.Errorf("files: delete %q: %w", path, err)
	} else if found {
		env := decodeEnvelope(data)

		if err := store.freeFileEntry(tr, env); err != nil {
			tr.MarkFailed(err)
			return false, fmt.Errorf("files: delete %q: %w", path, err)
		}

		if err := tr.FilesAdded().Remove(hash); err != nil {
			tr.MarkFailed(err)
			return false, fmt.Errorf("files: delete %q: %w", path, err)
		}

		return true, nil
	}

	data, found, err := store.Catalog.Get(hash)
	if err != nil {
		tr.MarkFailed(err)
		return false, fmt.Errorf("files: delete %q: %w", path, err)
	}

	if !found {
		return false, nil
	}

	committedEnv := decodeEnvelope(data)
	key := uint64(committedEnv.Block)

	if _, removed, err := tr.FilesRemoved().Get(key); err != nil {
		tr.MarkFailed(err)
		return false, fmt.Errorf("files: delete %q: %w", path, err)
	} else if removed {
		return false, nil
	}

	// Cancel any pending copy-forward for this file: the updated entry it
	// points at is superseded by the deletion, so its blocks are freed too.
	if updData, updated, err := tr.FilesUpdated().Get(key); err != nil {
		tr.MarkFailed(err)
		return false, fmt.Errorf("files: delete %q: %w", path, err)
	} else if updated {
		if err := store.freeFileEntry(tr, decodeEnvelope(updData)); err != nil {
			tr.MarkFailed(err)
			return false, fmt.Errorf("files: delete %q: %w", path, err)
		}

		if err := tr.FilesUpdated().Remove(key); err != nil {
			tr.MarkFailed(err)
			return false, fmt.Errorf("files: delete %q: %w", path, err)
		}
	}

	if err := tr.FilesRemoved().Insert(key, encodeEnvelope(committedEnv)); err != nil {
		tr.MarkFailed(err)
		return false, fmt.Errorf("files: delete %q: %w", path, err)
	}

	return true, nil
}
