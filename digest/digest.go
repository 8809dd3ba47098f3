// Package digest computes the content address used to key both cache
// tiers and the on-disk filename derived from it.
package digest

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
)

// Size is the length in bytes of a digest.
const Size = sha1.Size // 20

// Digest is the content address of a cache key.
type Digest [Size]byte

// Sum returns the SHA-1 digest of key.
func Sum(key []byte) Digest {
	return Digest(sha1.Sum(key))
}

// BucketHash returns the first 4 bytes of d interpreted as a
// little-endian uint32. The historical C implementation installed this as
// the Berkeley DB hash function to avoid a second hash pass on every
// access. internal/smalldb does not use it: its rows are keyed by the full
// 20-byte digest.
func (d Digest) BucketHash() uint32 {
	return binary.LittleEndian.Uint32(d[:4])
}

const hexDigits = "0123456789abcdef"

// lowNibbleFirst writes two hex characters for b with the low nibble first,
// a format wart of the original encoder (see spec §9) preserved here for
// on-disk compatibility within this module's own cache directories.
func lowNibbleFirst(b byte, dst []byte) {
	dst[0] = hexDigits[b&0x0f]
	dst[1] = hexDigits[b>>4]
}

// Path returns the two-level directory and basename for the permanent
// on-disk location of d: a 2-character subdirectory (the hex of d[0]) and
// a 38-character basename (the hex of d[1:20]), both using the
// low-nibble-first hex encoding.
func (d Digest) Path() (dir, base string) {
	var buf [2 * Size]byte
	for i, b := range d {
		lowNibbleFirst(b, buf[i*2:i*2+2])
	}
	return string(buf[:2]), string(buf[2:])
}

// TempBase returns the 47-character temporary basename used while publishing
// a large-value file: the permanent 38-char basename plus a "." separator
// and 8 hex characters mixing a random value with pid, ported from fs.c's
// sha1_filename(..., pid).
func (d Digest) TempBase(pid int) (string, error) {
	_, base := d.Path()

	var r [4]byte
	if _, err := rand.Read(r[:]); err != nil {
		return "", err
	}
	tmp := binary.LittleEndian.Uint32(r[:])
	tmp = (tmp << 1) ^ uint32(pid)

	var mix [4]byte
	binary.LittleEndian.PutUint32(mix[:], tmp)

	var suffix [8]byte
	for i, b := range mix {
		lowNibbleFirst(b, suffix[i*2:i*2+2])
	}

	return base + "." + string(suffix[:]), nil
}
