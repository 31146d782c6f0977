// Package engine ties block cache, allocator, transaction, superblock,
// and file-store packages together into one mountable filesystem
// (spec.md §9's "Engine"): the single entry point a caller drives to
// begin transactions, open and delete files, and commit or discard.
// Nothing here runs concurrently with itself — like the teacher's
// lock-guarded WAL writer, every exported method expects its caller to
// serialize calls against one *Engine.
package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/calvinalkan/trustystore/internal/walaudit"
	"github.com/calvinalkan/trustystore/pkg/blockalloc"
	"github.com/calvinalkan/trustystore/pkg/blockcache"
	"github.com/calvinalkan/trustystore/pkg/blockdev"
	"github.com/calvinalkan/trustystore/pkg/blockmac"
	"github.com/calvinalkan/trustystore/pkg/blockrange"
	"github.com/calvinalkan/trustystore/pkg/blocktree"
	"github.com/calvinalkan/trustystore/pkg/crypto"
	"github.com/calvinalkan/trustystore/pkg/files"
	"github.com/calvinalkan/trustystore/pkg/superblock"
	"github.com/calvinalkan/trustystore/pkg/telemetry"
	"github.com/calvinalkan/trustystore/pkg/txn"
)

// DefaultMinBlockNum is the first block number Mount reserves for
// filesystem use on a freshly provisioned device: blocks 0 and 1 are
// superblock.Slot0/Slot1 on the super device, and block 0 is otherwise a
// convenient sentinel for "no block" (blockmac.Envelope.Zero), so a fresh
// free set starts past both.
const DefaultMinBlockNum = blockmac.BlockNum(2)

// Defaults for Options fields left zero.
const (
	defaultCachePoolSize = 1024
	defaultQueueCapacity = 64
	defaultPathHashBits  = 48
)

// Options configures Mount. Zero CachePoolSize, QueueCapacity and
// PathHashBits default to 1024, 64 and 48; a zero MinBlockNum defaults to
// DefaultMinBlockNum, and a nil Metrics to a freshly constructed set.
// Logger is used as given, so a zero Logger writes nothing.
type Options struct {
	CachePoolSize int
	QueueCapacity int
	PathHashBits  uint
	MinBlockNum   blockmac.BlockNum

	// AllowReformat permits mounting a super device whose persisted
	// fs_version is newer than this build supports, treating it as
	// fresh rather than refusing to mount (spec.md §8 scenario 6).
	AllowReformat bool

	Metrics *telemetry.Metrics
	Logger  zerolog.Logger

	// AuditLog, if set, receives one best-effort record per successful
	// Commit (spec.md §9's supplemental commit history). A failure to
	// record is logged and otherwise ignored — it is never consulted by
	// Mount or Commit and can never fail either.
	AuditLog *walaudit.Log
}

// Engine is a mounted filesystem: the block cache pool, allocator queue,
// mounted superblock, file store, and the list of transactions currently
// live against it. Construct with Mount.
type Engine struct {
	mainDev  blockdev.Device
	superDev blockdev.Device
	cache    *blockcache.Cache
	codec    blockmac.Codec
	super    *superblock.State
	alloc    *blockalloc.Queue
	store    *files.Store
	freeSet  *blockrange.Set

	minBlock      blockmac.BlockNum
	reservedFree  uint64
	queueCapacity int

	liveTxns []*txn.Transaction

	// bookkeepingOwners maps a live transaction to the separate
	// blockcache.Owner identity its own tmp_allocated/allocated/freed/
	// files_added/files_updated/files_removed trees were built under
	// (assigned before the *txn.Transaction itself existed — see
	// newTransactionOwner). Every file-content and entry block a
	// transaction touches is owned by the *txn.Transaction pointer
	// itself (pkg/files' own convention), so Commit and Discard must
	// clean or discard both identities to catch node blocks either set
	// of trees grew into.
	bookkeepingOwners map[*txn.Transaction]string

	metrics   *telemetry.Metrics
	log       zerolog.Logger
	auditLog  *walaudit.Log
	commitSeq uint64

	closed bool
}

// Claimed implements blockalloc.LiveSets: a block is claimed if any
// currently-live transaction has it in its allocated or tmp_allocated
// set (spec.md §4.5's find_free_block skipping other transactions'
// pending allocations). Lookup errors are treated defensively as "not
// claimed" — LiveSets has no error return, and a false negative here only
// risks a rare double-offer that Alloc's own bookkeeping still rejects.
func (e *Engine) Claimed(block blockmac.BlockNum) bool {
	for _, tr := range e.liveTxns {
		if in, err := tr.Allocated().BlockInSet(uint64(block)); err == nil && in {
			return true
		}

		if in, err := tr.TmpAllocated().BlockInSet(uint64(block)); err == nil && in {
			return true
		}
	}

	return false
}

// Mount opens mainDev and superDev as one filesystem: both devices must
// report the same block size (a single Cache serves both), the
// superblock is loaded or found fresh, and a fresh mount is bootstrapped
// with an empty free set covering [MinBlockNum, BlockCount) and an empty
// catalog before Mount returns.
func Mount(mainDev, superDev blockdev.Device, key crypto.Key, opts Options) (*Engine, error) {
	if mainDev == nil || superDev == nil {
		return nil, fmt.Errorf("engine: mount: %w", ErrInvalidInput)
	}

	mainInfo, superInfo := mainDev.Info(), superDev.Info()
	if mainInfo.BlockSize != superInfo.BlockSize {
		return nil, fmt.Errorf("engine: mount: main block size %d, super block size %d: %w",
			mainInfo.BlockSize, superInfo.BlockSize, ErrGeometryMismatch)
	}

	minBlock := opts.MinBlockNum
	if minBlock == 0 {
		minBlock = DefaultMinBlockNum
	}

	cachePoolSize := opts.CachePoolSize
	if cachePoolSize == 0 {
		cachePoolSize = defaultCachePoolSize
	}

	queueCapacity := opts.QueueCapacity
	if queueCapacity == 0 {
		queueCapacity = defaultQueueCapacity
	}

	pathHashBits := opts.PathHashBits
	if pathHashBits == 0 {
		pathHashBits = defaultPathHashBits
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	cache, err := blockcache.New(key, cachePoolSize, mainInfo.BlockSize, metrics.CacheHooks())
	if err != nil {
		return nil, fmt.Errorf("engine: mount: %w", err)
	}

	codec, err := blockmac.NewCodec(mainInfo.NumSize, mainInfo.MACSize)
	if err != nil {
		return nil, fmt.Errorf("engine: mount: %w", err)
	}

	geom := superblock.Geometry{
		BlockSize: mainInfo.BlockSize, BlockNumSize: mainInfo.NumSize, MACSize: mainInfo.MACSize,
		BlockCount: mainInfo.BlockCount, MinBlockNum: minBlock,
	}

	super, err := superblock.Mount(superDev, cache, geom, superblock.MountOptions{AllowReformat: opts.AllowReformat})
	if err != nil {
		return nil, fmt.Errorf("engine: mount: %w", err)
	}

	e := &Engine{
		mainDev: mainDev, superDev: superDev, cache: cache, codec: codec, super: super,
		minBlock: minBlock, reservedFree: super.ReservedCount(), queueCapacity: queueCapacity,
		metrics: metrics, log: opts.Logger, auditLog: opts.AuditLog,
	}

	const bootstrapOwner = "engine-bootstrap"

	freeSetTree, err := blocktree.New(cache, mainDev, bootstrapAllocator{}, codec, 8, 8, false, bootstrapOwner, blockmac.Envelope{})
	if err != nil {
		return nil, fmt.Errorf("engine: mount: bootstrap free set tree: %w", err)
	}

	freeSet := blockrange.NewSet(freeSetTree)

	catalogTree, err := blocktree.New(cache, mainDev, bootstrapAllocator{}, codec, 8,
		blockmac.MaxNumSize+blockmac.MaxMACSize, true, bootstrapOwner, blockmac.Envelope{})
	if err != nil {
		return nil, fmt.Errorf("engine: mount: bootstrap catalog tree: %w", err)
	}

	if super.Fresh() {
		if err := freeSet.AddInitialRange(blockrange.Range{Start: uint64(minBlock), End: mainInfo.BlockCount}); err != nil {
			return nil, fmt.Errorf("engine: mount: seed free set: %w", err)
		}

		freeCount, err := totalFree(freeSet)
		if err != nil {
			return nil, fmt.Errorf("engine: mount: count free blocks: %w", err)
		}

		if err := cache.CleanTransaction(bootstrapOwner); err != nil {
			return nil, fmt.Errorf("engine: mount: flush bootstrap: %w", err)
		}

		if err := super.Commit(bootstrapOwner, freeSetTree.Root(), freeCount, catalogTree.Root()); err != nil {
			return nil, fmt.Errorf("engine: mount: initial commit: %w", err)
		}
	} else {
		freeSetTree, err = blocktree.New(cache, mainDev, bootstrapAllocator{}, codec, 8, 8, false, bootstrapOwner, super.Free)
		if err != nil {
			return nil, fmt.Errorf("engine: mount: open free set tree: %w", err)
		}

		freeSet = blockrange.NewSet(freeSetTree)

		catalogTree, err = blocktree.New(cache, mainDev, bootstrapAllocator{}, codec, 8,
			blockmac.MaxNumSize+blockmac.MaxMACSize, true, bootstrapOwner, super.Files)
		if err != nil {
			return nil, fmt.Errorf("engine: mount: open catalog tree: %w", err)
		}
	}

	alloc, err := blockalloc.NewQueue(freeSet, minBlock, super.ReservedCount(), queueCapacity, e)
	if err != nil {
		return nil, fmt.Errorf("engine: mount: %w", err)
	}

	e.alloc = alloc
	e.freeSet = freeSet
	e.store = &files.Store{
		Dev: mainDev, Cache: cache, Alloc: alloc, Codec: codec,
		PathHashBits: pathHashBits, Catalog: catalogTree,
	}

	return e, nil
}

// bootstrapAllocator is the blocktree.Allocator used only while Mount
// builds the free set and catalog tree roots themselves: those trees
// cannot be allocated through the engine's own Queue, which needs a
// free set to allocate from in the first place.
type bootstrapAllocator struct{}

func (bootstrapAllocator) Alloc(blockcache.Owner, bool) (blockmac.BlockNum, error) {
	return 0, fmt.Errorf("engine: bootstrap allocator: %w", ErrUnimplemented)
}

func (bootstrapAllocator) Free(blockcache.Owner, blockmac.BlockNum) error {
	return nil
}

// totalFree sums the lengths of every range in set, for the
// newFreeCount argument superblock.Commit requires.
func totalFree(set *blockrange.Set) (uint64, error) {
	var total uint64

	next := uint64(1)

	for next != 0 {
		r, found, err := set.FindNextRange(next)
		if err != nil {
			return 0, fmt.Errorf("engine: total free: %w", err)
		}

		if !found {
			break
		}

		total += r.End - r.Start
		next = r.End
	}

	return total, nil
}

// FreeBlocks reports the free set's current span total and the
// filesystem's reserved floor, for diagnostics and cmd/trustyctl status
// output (SPEC_FULL.md §10).
func (e *Engine) FreeBlocks() (free, reserved uint64, err error) {
	free, err = totalFree(e.freeSet)
	if err != nil {
		return 0, 0, err
	}

	return free, e.reservedFree, nil
}

// Close releases no resources of its own (the underlying devices are the
// caller's to close) but marks the engine unusable for further calls.
func (e *Engine) Close() error {
	e.closed = true
	return nil
}

func (e *Engine) ensureOpen() error {
	if e.closed {
		return ErrClosed
	}

	return nil
}

// newTransactionOwner mints a per-transaction opaque identity usable as
// a blockcache.Owner before the *txn.Transaction it will belong to
// exists yet, matching pkg/txn's own test-harness convention of building
// a transaction's six backing trees under one fixed owner before calling
// txn.New.
func newTransactionOwner() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("engine: new transaction owner: %w", err)
	}

	return "txn-" + id.String(), nil
}
