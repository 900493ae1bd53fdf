package snapshot

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

// MaxBodySize bounds the decompressed size of a snapshot body.
const MaxBodySize = 1 << 20

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func codecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1),
		)
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(MaxBodySize),
		)
	})
	return zstdEnc, zstdDec, zstdErr
}

// compress returns body compressed, or body itself if no encoder is available.
func compress(body []byte) []byte {
	enc, _, err := codecs()
	if err != nil {
		return body
	}
	return enc.EncodeAll(body, make([]byte, 0, len(body)))
}

func decompress(body []byte) ([]byte, error) {
	_, dec, err := codecs()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(body, nil)
}
