package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// ErrCorruptPayload is returned when a transformed payload cannot be reversed.
var ErrCorruptPayload = errors.New("corrupt payload")

// Transform encodes one sample payload before it is placed in a frame.
// Image codecs plug in here; the streaming path does not care which one.
type Transform interface {
	Name() string
	Encode(data []byte) ([]byte, error)
}

// Passthrough sends payloads unchanged.
type Passthrough struct{}

func (Passthrough) Name() string                       { return "raw" }
func (Passthrough) Encode(data []byte) ([]byte, error) { return data, nil }

const (
	lz4Stored     = 0x00
	lz4Compressed = 0x01
	lz4HeaderSize = 5
)

// LZ4 block-compresses a payload. Output layout:
//
//	[1] mode (0 = stored, 1 = lz4 block)
//	[4] uncompressed length, big-endian
//	[n] body
type LZ4 struct{}

func (LZ4) Name() string { return "lz4" }

func (LZ4) Encode(data []byte) ([]byte, error) {
	out := make([]byte, lz4HeaderSize+lz4.CompressBlockBound(len(data)))
	binary.BigEndian.PutUint32(out[1:5], uint32(len(data)))

	var c lz4.Compressor
	written, err := c.CompressBlock(data, out[lz4HeaderSize:])
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		out[0] = lz4Stored
		return append(out[:lz4HeaderSize:lz4HeaderSize], data...), nil
	}
	out[0] = lz4Compressed
	return out[:lz4HeaderSize+written], nil
}

// DecodeLZ4 reverses LZ4.Encode.
func DecodeLZ4(data []byte) ([]byte, error) {
	if len(data) < lz4HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptPayload, len(data))
	}
	size := int(binary.BigEndian.Uint32(data[1:5]))
	body := data[lz4HeaderSize:]

	switch data[0] {
	case lz4Stored:
		if len(body) != size {
			return nil, fmt.Errorf("%w: stored length %d, header says %d", ErrCorruptPayload, len(body), size)
		}
		return body, nil
	case lz4Compressed:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
		if n != size {
			return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrCorruptPayload, n, size)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown mode 0x%02x", ErrCorruptPayload, data[0])
	}
}

// TransformByName resolves a configured transform.
func TransformByName(name string) (Transform, error) {
	switch name {
	case "", "raw":
		return Passthrough{}, nil
	case "lz4":
		return LZ4{}, nil
	default:
		return nil, fmt.Errorf("unknown payload transform: %q", name)
	}
}
