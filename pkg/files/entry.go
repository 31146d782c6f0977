package files

import (
	"github.com/calvinalkan/trustystore/pkg/blockmac"
)

// envelopeSize is the packed width of a blockmac.Envelope at the engine's
// maximum widths — the same fixed width pkg/blockmap and pkg/txn's file
// trees use, so a catalog entry stays a uniform size regardless of a
// particular device's configured num_size/mac_size.
const envelopeSize = blockmac.MaxNumSize + blockmac.MaxMACSize

func encodeEnvelope(env blockmac.Envelope) []byte {
	buf := make([]byte, envelopeSize)
	putUintLE(buf[:blockmac.MaxNumSize], uint64(env.Block))
	copy(buf[blockmac.MaxNumSize:], env.MAC[:])

	return buf
}

func decodeEnvelope(buf []byte) blockmac.Envelope {
	var env blockmac.Envelope
	env.Block = blockmac.BlockNum(getUintLE(buf[:blockmac.MaxNumSize]))
	copy(env.MAC[:], buf[blockmac.MaxNumSize:])

	return env
}

func putUintLE(dst []byte, v uint64) {
	for i := range dst {
		dst[i] = byte(v >> (8 * i))
	}
}

func getUintLE(src []byte) uint64 {
	var v uint64
	for i, b := range src {
		v |= uint64(b) << (8 * i)
	}

	return v
}

// fileEntryMagic tags a file-entry block so a stray read against the wrong
// block can be rejected instead of silently decoded as garbage.
const fileEntryMagic = "trustyf\x00"

// File entry layout within a block's usable payload (spec.md §3 "File
// entry"): magic(8) || block_map_root(envelopeSize) || size(8) ||
// path_len(2) || path(path_len). The IV precedes this payload at the
// block-cache layer and is never part of it.
const (
	entryMagicOffset    = 0
	entryRootOffset     = entryMagicOffset + 8
	entrySizeOffset     = entryRootOffset + envelopeSize
	entryPathLenOffset  = entrySizeOffset + 8
	entryPathOffset     = entryPathLenOffset + 2
	entryFixedHeaderLen = entryPathOffset
)

// encodeFileEntry renders a file entry into buf, which must be at least
// entryFixedHeaderLen+len(path) bytes (the device's usable payload easily
// covers this for any MaxPathLen path). Bytes beyond the encoded entry are
// left as buf already holds them; callers zero buf first for a fresh block.
func encodeFileEntry(buf []byte, blockMapRoot blockmac.Envelope, size uint64, path string) {
	copy(buf[entryMagicOffset:], fileEntryMagic)
	copy(buf[entryRootOffset:], encodeEnvelope(blockMapRoot))
	putUintLE(buf[entrySizeOffset:entrySizeOffset+8], size)

	pathLen := uint16(len(path))
	buf[entryPathLenOffset] = byte(pathLen)
	buf[entryPathLenOffset+1] = byte(pathLen >> 8)
	copy(buf[entryPathOffset:], path)
}

// decodeFileEntry parses a file entry out of a block's usable payload.
func decodeFileEntry(buf []byte) (blockMapRoot blockmac.Envelope, size uint64, path string, err error) {
	if len(buf) < entryFixedHeaderLen {
		return blockmac.Envelope{}, 0, "", ErrCorrupt
	}

	if string(buf[entryMagicOffset:entryMagicOffset+8]) != fileEntryMagic {
		return blockmac.Envelope{}, 0, "", ErrCorrupt
	}

	blockMapRoot = decodeEnvelope(buf[entryRootOffset : entryRootOffset+envelopeSize])
	size = getUintLE(buf[entrySizeOffset : entrySizeOffset+8])

	pathLen := int(buf[entryPathLenOffset]) | int(buf[entryPathLenOffset+1])<<8
	if pathLen > MaxPathLen || entryPathOffset+pathLen > len(buf) {
		return blockmac.Envelope{}, 0, "", ErrCorrupt
	}

	path = string(buf[entryPathOffset : entryPathOffset+pathLen])

	return blockMapRoot, size, path, nil
}
