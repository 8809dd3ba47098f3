// Package keybuilder builds cache keys from a file's name, size, and
// modification time — the external collaborator the cache engine itself
// never constructs but that every caller needs, so it ships alongside the
// engine rather than being left as an exercise.
//
// The historical collaborator (original_source/key.c's hdrcache_key)
// trimmed an RPM filename's ".rpm" suffix and packed size+mtime into 8
// base64 characters tailored to RPM's own basename conventions. Key drops
// the RPM-specific trimming and base64 packing — this cache no longer has
// an RPM reader on the other end of it — but keeps the same idea: fold
// size and mtime into the key so two files with the same name but
// different contents never collide.
package keybuilder

import (
	"encoding/binary"
)

// Key returns the cache key for a file named name with the given size and
// modification time: name, a NUL separator, then size and unix mtime as
// little-endian uint32s. Truncation to 32 bits matches the historical
// collaborator's own fixed-width packing and is a documented limitation,
// not a bug: files larger than 4GiB or with a mtime beyond 2106 alias
// within the size/mtime suffix, though not across distinct names.
func Key(name string, size int64, mtimeUnix int64) []byte {
	key := make([]byte, 0, len(name)+1+8)
	key = append(key, name...)
	key = append(key, 0)

	var suffix [8]byte
	binary.LittleEndian.PutUint32(suffix[0:4], uint32(size))
	binary.LittleEndian.PutUint32(suffix[4:8], uint32(mtimeUnix))
	return append(key, suffix[:]...)
}
