// Package blockmac packs and unpacks (block_number, mac) pairs using
// filesystem-configured widths.
//
// On disk, a block_mac is only as wide as the mounted filesystem's
// block_num_size and mac_size require. In memory it is always carried as
// the fixed-size Envelope, which is large enough for the maximum of both
// (8-byte block number, 16-byte MAC), so callers never need to know the
// configured widths to pass one around.
//
// The packing scheme mirrors the fixed-header-plus-checked-fields layout
// used by the cache file format this engine's block cache descends from:
// fields are placed at constant offsets sized to the widest case, and
// callers needing the compact on-disk form slice off only the configured
// prefix of each field.
package blockmac

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/calvinalkan/trustystore/pkg/crypto"
)

// BlockNum identifies a physical block on a device. 0 is reserved to mean
// "invalid / no block".
type BlockNum uint64

// Invalid is the reserved "no block" value.
const Invalid BlockNum = 0

// MaxNumSize and MaxMACSize bound the on-disk widths a device may declare.
const (
	MaxNumSize = 8
	MinNumSize = 2
	MaxMACSize = 16
)

// Envelope is the fixed-size, in-memory carrier for a block_mac. It is
// always BlockNum plus a full crypto.MAC truncated to MaxMACSize, regardless
// of the configured on-disk widths.
type Envelope struct {
	Block BlockNum
	MAC   [MaxMACSize]byte
}

// Zero reports whether the envelope is the unset (block 0) value.
func (e Envelope) Zero() bool {
	return e.Block == Invalid
}

// Codec packs and unpacks Envelopes at a filesystem's configured widths.
type Codec struct {
	numSize int
	macSize int
}

// NewCodec validates the configured widths and returns a Codec.
//
// numSize must be in [MinNumSize, MaxNumSize]; macSize must be in [1,
// MaxMACSize]. A tamper-detecting device's declared mac_size may be as
// short as 2 bytes (external tamper detection backs it); a
// non-tamper-detecting device must use the full MaxMACSize.
func NewCodec(numSize, macSize int) (Codec, error) {
	if numSize < MinNumSize || numSize > MaxNumSize {
		return Codec{}, fmt.Errorf("blockmac: num_size %d out of range [%d,%d]", numSize, MinNumSize, MaxNumSize)
	}

	if macSize < 1 || macSize > MaxMACSize {
		return Codec{}, fmt.Errorf("blockmac: mac_size %d out of range [1,%d]", macSize, MaxMACSize)
	}

	return Codec{numSize: numSize, macSize: macSize}, nil
}

// Size returns the packed on-disk width in bytes.
func (c Codec) Size() int {
	return c.numSize + c.macSize
}

// NumSize and MACSize report the codec's configured widths.
func (c Codec) NumSize() int { return c.numSize }
func (c Codec) MACSize() int { return c.macSize }

// ErrShort is returned when a destination/source buffer is narrower than
// Codec.Size().
var ErrShort = errors.New("blockmac: buffer too short")

// Encode packs env into dst using the codec's configured widths. dst must
// be at least Size() bytes.
func (c Codec) Encode(dst []byte, env Envelope) error {
	if len(dst) < c.Size() {
		return ErrShort
	}

	putUintN(dst[:c.numSize], uint64(env.Block))
	copy(dst[c.numSize:c.numSize+c.macSize], env.MAC[:c.macSize])

	return nil
}

// Decode unpacks an Envelope from src using the codec's configured widths.
// Bytes beyond macSize in the returned Envelope's MAC field are zero.
func (c Codec) Decode(src []byte) (Envelope, error) {
	if len(src) < c.Size() {
		return Envelope{}, ErrShort
	}

	var env Envelope
	env.Block = BlockNum(getUintN(src[:c.numSize]))
	copy(env.MAC[:c.macSize], src[c.numSize:c.numSize+c.macSize])

	return env, nil
}

// FromMAC builds an Envelope from a block number and a full-width crypto
// MAC, keeping only as many MAC bytes as the codec will ever encode (the
// rest is harmless padding carried in memory).
func FromMAC(block BlockNum, mac crypto.MAC) Envelope {
	var env Envelope
	env.Block = block
	copy(env.MAC[:], mac[:MaxMACSize])

	return env
}

func putUintN(dst []byte, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	copy(dst, tmp[:len(dst)])
}

func getUintN(src []byte) uint64 {
	var tmp [8]byte
	copy(tmp[:], src)

	return binary.LittleEndian.Uint64(tmp[:])
}
