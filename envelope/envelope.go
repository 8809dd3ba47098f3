// Package envelope implements the fixed 8-byte header that wraps every
// value stored in either cache tier, plus the compression codecs that may
// be layered underneath it.
package envelope

import (
	"encoding/binary"
	"math"

	"golang.org/x/xerrors"
)

type compressFlag uint16

const (
	flagCompressedA compressFlag = 1 << 0 // legacy snappy, read-only
	flagCompressedB compressFlag = 1 << 1 // zstd, read/write
	knownFlags                   = flagCompressedA | flagCompressedB
)

// HeaderSize is the size in bytes of the fixed envelope header.
const HeaderSize = 8

// MinCompressible is the smallest payload size Wrap will attempt to
// compress. The historical codec documented values below this as
// incompressible and always stored them verbatim.
const MinCompressible = 18

// ErrCorrupt indicates an envelope that is too small, carries an unknown
// flag bit, or whose payload fails to decompress. It is always logged by
// the caller, never treated as a normal cache miss without a diagnostic.
var ErrCorrupt = xerrors.New("envelope: corrupt")

// ErrStale indicates an envelope written by a codec this build can
// recognize but no longer supports decoding (legacy Snappy). Treated as a
// miss, same as ErrCorrupt, but reported with a distinct message.
var ErrStale = xerrors.New("envelope: stale codec")

// Wrap packages value into an envelope, choosing a compression codec (or
// none) and stamping mtime/atime to now.
func Wrap(value []byte, now uint16) []byte {
	payload := value
	flag := compressFlag(0)

	if len(value) >= MinCompressible {
		if compressed, ok := tryZstd(value); ok {
			payload = compressed
			flag = flagCompressedB
		}
	}

	env := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(env[0:2], uint16(flag))
	binary.LittleEndian.PutUint16(env[2:4], now)
	binary.LittleEndian.PutUint16(env[4:6], now)
	// env[6:8] (pad) left zero.
	copy(env[HeaderSize:], payload)
	return env
}

// Header reports the mtime/atime day-indices stored in env without
// touching the payload. It is used by the cleaner, which only ever needs
// the header.
func Header(env []byte) (mtime, atime uint16, ok bool) {
	if len(env) < HeaderSize {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint16(env[2:4]), binary.LittleEndian.Uint16(env[4:6]), true
}

// Unwrap validates env and returns the decoded value. newATime is the
// day-index the caller should persist back if touched is true (the stored
// atime lags now). The returned value, if non-empty, has spare capacity for
// exactly one more byte, already zeroed, so callers needing a NUL-terminated
// buffer (e.g. for passing into a C API) can safely reslice to len+1.
func Unwrap(env []byte, now uint16) (value []byte, newATime uint16, touched bool, err error) {
	if len(env) < HeaderSize {
		return nil, 0, false, xerrors.Errorf("envelope too small (%d bytes): %w", len(env), ErrCorrupt)
	}

	flag := compressFlag(binary.LittleEndian.Uint16(env[0:2]))
	atime := binary.LittleEndian.Uint16(env[4:6])
	payload := env[HeaderSize:]

	if flag&^knownFlags != 0 {
		return nil, 0, false, xerrors.Errorf("unknown flag bits %#x: %w", flag&^knownFlags, ErrCorrupt)
	}
	if flag&flagCompressedA != 0 {
		return nil, 0, false, ErrStale
	}

	switch {
	case flag&flagCompressedB != 0:
		decoded, derr := decodeZstd(payload)
		if derr != nil {
			return nil, 0, false, xerrors.Errorf("zstd decode: %v: %w", derr, ErrCorrupt)
		}
		if len(decoded) < MinCompressible || len(decoded) > math.MaxInt32 {
			return nil, 0, false, xerrors.Errorf("decompressed size %d out of range: %w", len(decoded), ErrCorrupt)
		}
		value = decoded
	default:
		value = payload
	}

	if len(value) > 0 {
		value = nulTerminated(value)
	} else {
		value = nil
	}

	touched = atime < now
	newATime = now
	return value, newATime, touched, nil
}

// nulTerminated copies v into a buffer one byte larger than len(v), leaving
// the trailing byte zero, and returns the len(v)-long slice into it.
func nulTerminated(v []byte) []byte {
	buf := make([]byte, len(v)+1)
	copy(buf, v)
	return buf[:len(v)]
}
