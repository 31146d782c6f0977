// Package superblock implements the versioned, dual-slot root of trust
// described in spec.md §4.8: two candidate slots on the super device, the
// newer of which (by 2-bit modular version comparison) wins at load, and a
// commit sequence that always writes to the other slot before advancing
// in-memory state.
package superblock

import (
	"encoding/binary"
	"fmt"

	"github.com/calvinalkan/trustystore/pkg/blockcache"
	"github.com/calvinalkan/trustystore/pkg/blockdev"
	"github.com/calvinalkan/trustystore/pkg/blockmac"
)

// SupportedFSVersion is the highest fs_version this build understands.
const SupportedFSVersion = 1

// Slot0 and Slot1 are the two fixed block numbers the superblock occupies
// on the super device.
const (
	Slot0 = blockmac.BlockNum(0)
	Slot1 = blockmac.BlockNum(1)
)

const magic = "trustys\x00"

// envelopeSize is the packed width of a blockmac.Envelope at the engine's
// maximum widths, matching pkg/files' and pkg/blockmap's own convention:
// the superblock's free/files roots stay a uniform size regardless of a
// particular device's configured num_size/mac_size.
const envelopeSize = blockmac.MaxNumSize + blockmac.MaxMACSize

// Field offsets within a superblock block's usable payload (after the IV
// the block-cache layer strips). Unlisted bytes are reserved and must
// round-trip as zero.
const (
	offMagic        = 0
	offFlags        = offMagic + 8
	offFSVersion    = offFlags + 1
	offBlockSize    = offFSVersion + 4
	offBlockNumSize = offBlockSize + 4
	offMACSize      = offBlockNumSize + 4
	offBlockCount   = offMACSize + 4
	offFree         = offBlockCount + 8
	offFreeCount    = offFree + envelopeSize
	offFiles        = offFreeCount + 8
	offFlags2       = offFiles + envelopeSize
	fixedSize       = offFlags2 + 1
)

const versionMask = 0x3

// Superblock is the decoded contents of one slot.
type Superblock struct {
	Version      uint8 // low 2 bits of flags
	FSVersion    uint32
	BlockSize    int
	BlockNumSize int
	MACSize      int
	BlockCount   uint64
	Free         blockmac.Envelope
	FreeCount    uint64
	Files        blockmac.Envelope
}

func encode(buf []byte, sb Superblock) {
	copy(buf[offMagic:], magic)

	flags := sb.Version & versionMask
	buf[offFlags] = flags
	buf[offFlags2] = flags

	binary.LittleEndian.PutUint32(buf[offFSVersion:], sb.FSVersion)
	binary.LittleEndian.PutUint32(buf[offBlockSize:], uint32(sb.BlockSize))
	binary.LittleEndian.PutUint32(buf[offBlockNumSize:], uint32(sb.BlockNumSize))
	binary.LittleEndian.PutUint32(buf[offMACSize:], uint32(sb.MACSize))
	binary.LittleEndian.PutUint64(buf[offBlockCount:], sb.BlockCount)

	putEnvelope(buf[offFree:offFree+envelopeSize], sb.Free)
	binary.LittleEndian.PutUint64(buf[offFreeCount:], sb.FreeCount)
	putEnvelope(buf[offFiles:offFiles+envelopeSize], sb.Files)
}

// decode parses a slot's payload. ok is false whenever the content does not
// look like a valid superblock at all (bad magic or flags/flags2
// mismatch) — the caller treats that slot as empty/absent, per spec.md
// §4.8's load rule, rather than an error.
func decode(buf []byte) (sb Superblock, ok bool) {
	if len(buf) < fixedSize {
		return Superblock{}, false
	}

	if string(buf[offMagic:offMagic+8]) != magic {
		return Superblock{}, false
	}

	flags := buf[offFlags]
	if buf[offFlags2] != flags {
		return Superblock{}, false
	}

	sb.Version = flags & versionMask
	sb.FSVersion = binary.LittleEndian.Uint32(buf[offFSVersion:])
	sb.BlockSize = int(binary.LittleEndian.Uint32(buf[offBlockSize:]))
	sb.BlockNumSize = int(binary.LittleEndian.Uint32(buf[offBlockNumSize:]))
	sb.MACSize = int(binary.LittleEndian.Uint32(buf[offMACSize:]))
	sb.BlockCount = binary.LittleEndian.Uint64(buf[offBlockCount:])
	sb.Free = getEnvelope(buf[offFree : offFree+envelopeSize])
	sb.FreeCount = binary.LittleEndian.Uint64(buf[offFreeCount:])
	sb.Files = getEnvelope(buf[offFiles : offFiles+envelopeSize])

	return sb, true
}

func putEnvelope(dst []byte, env blockmac.Envelope) {
	binary.LittleEndian.PutUint64(dst[:blockmac.MaxNumSize], uint64(env.Block))
	copy(dst[blockmac.MaxNumSize:], env.MAC[:])
}

func getEnvelope(src []byte) blockmac.Envelope {
	var env blockmac.Envelope
	env.Block = blockmac.BlockNum(binary.LittleEndian.Uint64(src[:blockmac.MaxNumSize]))
	copy(env.MAC[:], src[blockmac.MaxNumSize:])

	return env
}

// newer reports whether b is strictly newer than a under the 2-bit modular
// version arithmetic of spec.md §4.8 (delta 1 ⇒ new, delta 3 ⇒ old). Since
// slot 0 only ever holds even versions and slot 1 only ever holds odd
// versions, the delta between two genuinely competing slots is always odd
// — the delta-2 "equally far either way" case this formula leaves
// undefined never arises in practice.
func newer(a, b uint8) bool {
	delta := (b - a) & versionMask
	return delta == 1
}

// MountOptions configures Mount's handling of a superblock whose
// fs_version this build does not recognize.
type MountOptions struct {
	// AllowReformat permits Mount to proceed (treating the device as
	// fresh) even when the newest valid slot carries a future fs_version,
	// the "clear flag" of spec.md §8 scenario 6 / SPEC_FULL.md §10's
	// AllowReformat option.
	AllowReformat bool
}

// Geometry is the device configuration a fresh or freshly-mounted
// filesystem is expected to match.
type Geometry struct {
	BlockSize    int
	BlockNumSize int
	MACSize      int
	BlockCount   uint64
	MinBlockNum  blockmac.BlockNum
}

// State is the mounted superblock: the currently-active slot's contents
// plus the bookkeeping Commit needs to write the next one.
type State struct {
	dev   blockdev.Device
	cache *blockcache.Cache
	geom  Geometry

	Version   uint8
	FSVersion uint32
	Free      blockmac.Envelope
	FreeCount uint64
	Files     blockmac.Envelope

	curSlot blockmac.BlockNum
}

// Fresh reports whether Mount found no valid persisted superblock — the
// caller must build an empty free set covering [MinBlockNum, BlockCount)
// and an empty files tree, then Commit those roots, before the mount is
// usable for any other operation.
func (s *State) Fresh() bool { return s.Free.Zero() && s.Files.Zero() && s.FreeCount == 0 }

// Geometry returns the geometry this mount was opened with.
func (s *State) Geometry() Geometry { return s.geom }

// ReservedCount is reserved_count from spec.md §4.8: approximately 5/8 of
// block_count, a floor under which a commit is refused.
func (s *State) ReservedCount() uint64 {
	return (s.geom.BlockCount * 5) / 8
}

func loadSlot(dev blockdev.Device, cache *blockcache.Cache, slot blockmac.BlockNum) (Superblock, bool, error) {
	ref, err := cache.GetUnverified(dev, slot)
	if err != nil {
		return Superblock{}, false, fmt.Errorf("superblock: read slot %d: %w", slot, err)
	}
	defer cache.Put(ref)

	sb, ok := decode(ref.Data())

	return sb, ok, nil
}

// Mount loads the superblock per spec.md §4.8's load rule: read both
// slots, prefer the newer valid one, and if neither is valid treat the
// device as freshly provisioned (State.Fresh reports true). A valid slot
// whose geometry disagrees with geom, or whose fs_version exceeds
// SupportedFSVersion without MountOptions.AllowReformat, fails the mount.
func Mount(dev blockdev.Device, cache *blockcache.Cache, geom Geometry, opts MountOptions) (*State, error) {
	sb0, ok0, err := loadSlot(dev, cache, Slot0)
	if err != nil {
		return nil, err
	}

	sb1, ok1, err := loadSlot(dev, cache, Slot1)
	if err != nil {
		return nil, err
	}

	var (
		chosen  Superblock
		slot    blockmac.BlockNum
		found   bool
	)

	switch {
	case ok0 && ok1:
		if newer(sb0.Version, sb1.Version) {
			chosen, slot = sb1, Slot1
		} else {
			chosen, slot = sb0, Slot0
		}

		found = true
	case ok0:
		chosen, slot, found = sb0, Slot0, true
	case ok1:
		chosen, slot, found = sb1, Slot1, true
	}

	if !found {
		return &State{dev: dev, cache: cache, geom: geom, curSlot: Slot1}, nil
	}

	if chosen.FSVersion > SupportedFSVersion && !opts.AllowReformat {
		return nil, fmt.Errorf("superblock: fs_version %d > supported %d: %w", chosen.FSVersion, SupportedFSVersion, ErrFutureVersion)
	}

	if chosen.FSVersion > SupportedFSVersion && opts.AllowReformat {
		return &State{dev: dev, cache: cache, geom: geom, curSlot: Slot1}, nil
	}

	if chosen.BlockSize != geom.BlockSize || chosen.BlockNumSize != geom.BlockNumSize ||
		chosen.MACSize != geom.MACSize || chosen.BlockCount != geom.BlockCount {
		return nil, fmt.Errorf("superblock: slot %d: %w", slot, ErrInconsistent)
	}

	return &State{
		dev: dev, cache: cache, geom: geom, curSlot: slot,
		Version: chosen.Version, FSVersion: chosen.FSVersion,
		Free: chosen.Free, FreeCount: chosen.FreeCount, Files: chosen.Files,
	}, nil
}

// Commit implements spec.md §4.8's update_super_block(tr, new_free_root,
// new_files_root): writes a new superblock version to the slot opposite
// the currently active one, flushes it, and only on success advances the
// in-memory version/free/files state. The caller must have already
// flushed every other dirty block the transaction produced (content,
// trees, free/files roots themselves) before calling Commit — this method
// only ever touches the superblock's own block.
//
// A write failure here is, per spec.md §7, not safely retryable: the
// caller must reload the whole mount from disk rather than attempt
// another commit.
func (s *State) Commit(owner blockcache.Owner, newFree blockmac.Envelope, newFreeCount uint64, newFiles blockmac.Envelope) error {
	if newFreeCount < s.ReservedCount() {
		return fmt.Errorf("superblock: free count %d below reserved %d: %w", newFreeCount, s.ReservedCount(), ErrReservedSpace)
	}

	nextVersion := (s.Version + 1) & versionMask
	slot := blockmac.BlockNum(uint64(nextVersion) & 1)

	sb := Superblock{
		Version: nextVersion, FSVersion: s.FSVersion,
		BlockSize: s.geom.BlockSize, BlockNumSize: s.geom.BlockNumSize, MACSize: s.geom.MACSize,
		BlockCount: s.geom.BlockCount,
		Free:       newFree, FreeCount: newFreeCount, Files: newFiles,
	}

	ref, err := s.cache.GetWriteNoRead(s.dev, slot, owner, false)
	if err != nil {
		return fmt.Errorf("superblock: commit: %w", err)
	}

	buf := ref.Data()
	clear(buf)
	encode(buf, sb)

	if err := s.cache.PutDirtyNoMAC(ref); err != nil {
		return fmt.Errorf("superblock: commit: %w", err)
	}

	if err := s.cache.CleanTransaction(owner); err != nil {
		return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
	}

	s.Version = nextVersion
	s.Free = newFree
	s.FreeCount = newFreeCount
	s.Files = newFiles
	s.curSlot = slot

	return nil
}
