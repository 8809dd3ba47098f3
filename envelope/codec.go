package envelope

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstd is the only codec this build ever writes (flagCompressedB). Legacy
// Snappy (flagCompressedA) is recognized on read only, as ErrStale, and
// never invoked by this package — see envelope_test.go for the fixture that
// exercises the detection path.

var (
	encOnce sync.Once
	enc     *zstd.Encoder

	decOnce sync.Once
	dec     *zstd.Decoder
)

func zstdEncoder() *zstd.Encoder {
	encOnce.Do(func() {
		// SpeedDefault mirrors the historical codec's fixed compression
		// level: fast enough to run inside the critical section, not
		// tuned for ratio.
		e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(err) // only returns an error for invalid options
		}
		enc = e
	})
	return enc
}

func zstdDecoder() *zstd.Decoder {
	decOnce.Do(func() {
		d, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
		if err != nil {
			panic(err)
		}
		dec = d
	})
	return dec
}

// tryZstd compresses value and reports whether the result is strictly
// smaller, matching the historical "compression failed or yielded >= input
// size" verbatim-fallback rule.
func tryZstd(value []byte) (compressed []byte, ok bool) {
	out := zstdEncoder().EncodeAll(value, make([]byte, 0, len(value)))
	if len(out) >= len(value) {
		return nil, false
	}
	return out, true
}

func decodeZstd(payload []byte) ([]byte, error) {
	return zstdDecoder().DecodeAll(payload, nil)
}
