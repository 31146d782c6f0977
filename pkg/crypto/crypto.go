// Package crypto provides the primitive operations the storage engine needs
// to keep block contents confidential and tamper-evident: AES-CTR
// encryption, HMAC-SHA256 authentication, IV generation, and the path-hash
// function used to key the files directory.
//
// Every block written to the main device is MAC'd over its ciphertext
// (including the embedded IV) so a MAC check never requires decrypting
// first. Callers are responsible for the dirty/clean lifecycle around these
// calls; this package is stateless.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

// KeySize is the width of the symmetric key, in bytes.
const KeySize = 32

// IVSize is the width of the initialization vector prepended to every
// ciphertext block, in bytes.
const IVSize = 16

// MACSize is the full-width MAC produced by Mac. Devices may store a
// truncated prefix of it; see blockmac.Codec.
const MACSize = 32

// aesKeySize is the AES key width actually used for encryption. The engine
// key is wider (KeySize) because the same key also seeds the HMAC; only the
// first aesKeySize bytes of it drive AES-CTR.
const aesKeySize = 16

// Key is the 32-byte symmetric key used for the lifetime of a mounted
// filesystem. The first 16 bytes key AES-128-CTR; the full 32 bytes key
// HMAC-SHA256.
type Key [KeySize]byte

// IV is a 16-byte initialization vector, freshly generated for every
// block rewrite and stored in cleartext at the start of the ciphertext.
type IV [IVSize]byte

// MAC is a full-width HMAC-SHA256 authentication tag. Truncation to a
// device's configured width happens in blockmac, not here.
type MAC [MACSize]byte

var (
	// ErrShortBuffer is returned when a caller-supplied buffer is too small
	// for the requested operation.
	ErrShortBuffer = errors.New("crypto: short buffer")
)

// Encrypt AES-128-CTR-encrypts buf in place using key and iv. len(buf) need
// not be a multiple of the AES block size: CTR mode is a stream cipher.
func Encrypt(key Key, buf []byte, iv IV) error {
	return xorCTR(key, buf, iv)
}

// Decrypt is symmetric to Encrypt: CTR mode's keystream doesn't depend on
// the plaintext, so encryption and decryption are the same operation.
func Decrypt(key Key, buf []byte, iv IV) error {
	return xorCTR(key, buf, iv)
}

func xorCTR(key Key, buf []byte, iv IV) error {
	block, err := aes.NewCipher(key[:aesKeySize])
	if err != nil {
		return fmt.Errorf("crypto: new aes cipher: %w", err)
	}

	stream := cipher.NewCTR(block, iv[:])
	stream.XORKeyStream(buf, buf)

	return nil
}

// Mac computes HMAC-SHA256(key, buf). Callers MAC ciphertext, including the
// embedded IV, never plaintext.
func Mac(key Key, buf []byte) MAC {
	h := hmac.New(sha256.New, key[:])
	h.Write(buf)

	var out MAC
	copy(out[:], h.Sum(nil))

	return out
}

// MacEqual does a constant-time comparison of two MAC prefixes of width n.
// n must be <= MACSize; callers pass the device's configured MAC width.
func MacEqual(a, b MAC, n int) bool {
	if n < 0 || n > MACSize {
		n = MACSize
	}

	return subtle.ConstantTimeCompare(a[:n], b[:n]) == 1
}

// GenerateIV fills iv with cryptographically secure random bytes.
func GenerateIV() (IV, error) {
	var iv IV

	_, err := rand.Read(iv[:])
	if err != nil {
		return IV{}, fmt.Errorf("crypto: generate iv: %w", err)
	}

	return iv, nil
}

// PathHash derives a non-zero B+ tree key from a file path: the first 8
// bytes of SHA-1(s) interpreted little-endian, masked down to numBits bits,
// with a zero result bumped to 1 (0 is reserved by the block tree to mean
// "empty slot").
func PathHash(s string, numBits uint) uint64 {
	sum := sha1.Sum([]byte(s))

	h := binary.LittleEndian.Uint64(sum[:8])
	if numBits < 64 {
		h &= (uint64(1) << numBits) - 1
	}

	if h == 0 {
		return 1
	}

	return h
}
