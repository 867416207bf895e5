package meshenc

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the algorithm applied to the encoded body. The
// value is written into every chunk header, so the numbers are fixed.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses the configuration name of an algorithm.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown mesh compression: %q", name)
	}
}

// zstdDecoder is shared by all Decode calls; DecodeAll is safe for
// concurrent use.
var zstdDecoder *zstd.Decoder

func init() {
	var err error
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic("meshenc: zstd decoder initialization failed: " + err.Error())
	}
}

// compressLZ4 returns the block-compressed body, or the input unchanged
// with CompressionNone when LZ4 cannot make it smaller.
func compressLZ4(data []byte) ([]byte, Compression, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return data, CompressionNone, nil
	}
	return destination[:written], CompressionLZ4, nil
}

func decompress(body []byte, tag Compression, rawSize int) ([]byte, error) {
	switch tag {
	case CompressionNone:
		if len(body) != rawSize {
			return nil, fmt.Errorf("%w: stored body is %d bytes, header says %d", ErrCorruptChunk, len(body), rawSize)
		}
		return body, nil

	case CompressionLZ4:
		destination := make([]byte, rawSize)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != rawSize {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, want %d", ErrCorruptChunk, read, rawSize)
		}
		return destination, nil

	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(body, make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != rawSize {
			return nil, fmt.Errorf("%w: zstd produced %d bytes, want %d", ErrCorruptChunk, len(out), rawSize)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("%w: unsupported compression %v", ErrCorruptChunk, tag)
	}
}
