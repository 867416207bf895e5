package meshenc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Chunk header layout (big-endian):
//
//	0..1   magic "MC"
//	2      format version
//	3      compression tag
//	4..5   chunk sequence number
//	6..7   total chunk count
//	8..11  uncompressed body length
//	12..19 first 8 bytes of the blake3 digest of the compressed body
const (
	chunkHeaderSize = 20
	chunkVersion    = 1
	digestSize      = 8
	maxChunks       = math.MaxUint16
)

var chunkMagic = [2]byte{'M', 'C'}

// Config controls how geometry is quantized, compressed and split.
type Config struct {
	// Quantization is the grid step in mesh units (meters).
	Quantization float32
	Compression  Compression
	// Level is the zstd compression level (1-22), ignored otherwise.
	Level int
	// ChunkSize is the maximum payload carried by a single chunk.
	ChunkSize int
}

// DefaultConfig quantizes to 1 mm and compresses with zstd level 3 into
// 16 KiB chunks.
func DefaultConfig() Config {
	return Config{
		Quantization: 0.001,
		Compression:  CompressionZstd,
		Level:        3,
		ChunkSize:    16 * 1024,
	}
}

// Encoder is safe for concurrent use. Output depends only on the input
// geometry and the Config.
type Encoder struct {
	cfg  Config
	zenc *zstd.Encoder
}

// NewEncoder validates cfg and prepares the compressor.
func NewEncoder(cfg Config) (*Encoder, error) {
	if !(cfg.Quantization > 0) {
		return nil, fmt.Errorf("mesh quantization must be positive, got %v", cfg.Quantization)
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("mesh chunk size must be positive, got %d", cfg.ChunkSize)
	}

	e := &Encoder{cfg: cfg}
	switch cfg.Compression {
	case CompressionNone, CompressionLZ4:
	case CompressionZstd:
		zenc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(cfg.Level)),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		e.zenc = zenc
	default:
		return nil, fmt.Errorf("unsupported mesh compression: %v", cfg.Compression)
	}
	return e, nil
}

// Config returns the encoder configuration.
func (e *Encoder) Config() Config { return e.cfg }

// Close releases compressor resources.
func (e *Encoder) Close() error {
	if e.zenc != nil {
		return e.zenc.Close()
	}
	return nil
}

// Encode converts m into chunks. An empty mesh yields no chunks and no
// error; a mesh without faces is encoded like any other.
func (e *Encoder) Encode(m Mesh) ([]Chunk, error) {
	if m.Empty() {
		return nil, nil
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	raw, err := e.serialize(m)
	if err != nil {
		return nil, err
	}

	body, tag, err := e.compress(raw)
	if err != nil {
		return nil, err
	}
	return split(body, tag, len(raw), e.cfg.ChunkSize)
}

func (e *Encoder) compress(raw []byte) ([]byte, Compression, error) {
	switch e.cfg.Compression {
	case CompressionLZ4:
		return compressLZ4(raw)
	case CompressionZstd:
		return e.zenc.EncodeAll(raw, nil), CompressionZstd, nil
	default:
		return raw, CompressionNone, nil
	}
}

// serialize writes the quantized, delta-encoded body:
// vertex count, index count, grid step, then one varint per coordinate
// delta and one varint per index delta.
func (e *Encoder) serialize(m Mesh) ([]byte, error) {
	step := float64(e.cfg.Quantization)

	var buf bytes.Buffer
	buf.Grow(12 + len(m.Vertices)*2 + len(m.Indices)*2)

	var header [12]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(m.VertexCount()))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(m.Indices)))
	binary.LittleEndian.PutUint32(header[8:12], math.Float32bits(e.cfg.Quantization))
	buf.Write(header[:])

	var scratch [binary.MaxVarintLen64]byte
	var prev [3]int64
	for i, v := range m.Vertices {
		scaled := math.Round(float64(v) / step)
		if math.IsNaN(scaled) || scaled > math.MaxInt32 || scaled < math.MinInt32 {
			return nil, fmt.Errorf("%w: coordinate %v does not fit the quantization grid", ErrInvalidGeometry, v)
		}
		q := int64(scaled)
		n := binary.PutVarint(scratch[:], q-prev[i%3])
		buf.Write(scratch[:n])
		prev[i%3] = q
	}

	var prevIndex int64
	for _, idx := range m.Indices {
		n := binary.PutVarint(scratch[:], int64(idx)-prevIndex)
		buf.Write(scratch[:n])
		prevIndex = int64(idx)
	}
	return buf.Bytes(), nil
}

func split(body []byte, tag Compression, rawSize, chunkSize int) ([]Chunk, error) {
	total := (len(body) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	if total > maxChunks {
		return nil, fmt.Errorf("mesh needs %d chunks, limit is %d", total, maxChunks)
	}

	sum := blake3.Sum256(body)
	chunks := make([]Chunk, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * chunkSize
		end := min(start+chunkSize, len(body))
		part := body[start:end]

		c := make(Chunk, chunkHeaderSize+len(part))
		copy(c[0:2], chunkMagic[:])
		c[2] = chunkVersion
		c[3] = byte(tag)
		binary.BigEndian.PutUint16(c[4:6], uint16(seq))
		binary.BigEndian.PutUint16(c[6:8], uint16(total))
		binary.BigEndian.PutUint32(c[8:12], uint32(rawSize))
		copy(c[12:20], sum[:digestSize])
		copy(c[chunkHeaderSize:], part)
		chunks = append(chunks, c)
	}
	return chunks, nil
}

type chunkHeader struct {
	tag     Compression
	seq     int
	total   int
	rawSize int
	digest  [digestSize]byte
}

func parseHeader(c Chunk) (chunkHeader, error) {
	if len(c) < chunkHeaderSize {
		return chunkHeader{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorruptChunk, len(c))
	}
	if c[0] != chunkMagic[0] || c[1] != chunkMagic[1] || c[2] != chunkVersion {
		return chunkHeader{}, fmt.Errorf("%w: bad magic or version", ErrCorruptChunk)
	}
	h := chunkHeader{
		tag:     Compression(c[3]),
		seq:     int(binary.BigEndian.Uint16(c[4:6])),
		total:   int(binary.BigEndian.Uint16(c[6:8])),
		rawSize: int(binary.BigEndian.Uint32(c[8:12])),
	}
	copy(h.digest[:], c[12:20])
	if h.total == 0 || h.seq >= h.total {
		return chunkHeader{}, fmt.Errorf("%w: sequence %d of %d", ErrCorruptChunk, h.seq, h.total)
	}
	return h, nil
}

// Decode reassembles and decodes a chunk set produced by Encode. Chunks
// may arrive in any order. An empty set decodes to an empty mesh.
func Decode(chunks []Chunk) (Mesh, error) {
	if len(chunks) == 0 {
		return Mesh{}, nil
	}

	headers := make([]chunkHeader, len(chunks))
	for i, c := range chunks {
		h, err := parseHeader(c)
		if err != nil {
			return Mesh{}, err
		}
		headers[i] = h
	}

	first := headers[0]
	if len(chunks) != first.total {
		return Mesh{}, fmt.Errorf("%w: have %d of %d chunks", ErrIncompleteSet, len(chunks), first.total)
	}

	order := make([]int, len(chunks))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return headers[order[a]].seq < headers[order[b]].seq })

	var body []byte
	for pos, i := range order {
		h := headers[i]
		if h.seq != pos || h.total != first.total || h.tag != first.tag ||
			h.rawSize != first.rawSize || h.digest != first.digest {
			return Mesh{}, fmt.Errorf("%w: chunk %d does not belong to this set", ErrIncompleteSet, h.seq)
		}
		body = append(body, chunks[i][chunkHeaderSize:]...)
	}

	sum := blake3.Sum256(body)
	if !bytes.Equal(sum[:digestSize], first.digest[:]) {
		return Mesh{}, ErrDigestMismatch
	}

	raw, err := decompress(body, first.tag, first.rawSize)
	if err != nil {
		return Mesh{}, err
	}
	return deserialize(raw)
}

func deserialize(raw []byte) (Mesh, error) {
	if len(raw) < 12 {
		return Mesh{}, fmt.Errorf("%w: body too short", ErrCorruptChunk)
	}
	vertexCount := int(binary.LittleEndian.Uint32(raw[0:4]))
	indexCount := int(binary.LittleEndian.Uint32(raw[4:8]))
	step := float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[8:12])))

	r := bytes.NewReader(raw[12:])
	// every varint takes at least one byte
	if vertexCount*3+indexCount > r.Len() {
		return Mesh{}, fmt.Errorf("%w: counts exceed body size", ErrCorruptChunk)
	}

	m := Mesh{
		Vertices: make([]float32, vertexCount*3),
		Indices:  make([]uint32, indexCount),
	}

	var prev [3]int64
	for i := range m.Vertices {
		delta, err := binary.ReadVarint(r)
		if err != nil {
			return Mesh{}, fmt.Errorf("%w: vertex %d: %v", ErrCorruptChunk, i/3, err)
		}
		prev[i%3] += delta
		m.Vertices[i] = float32(float64(prev[i%3]) * step)
	}

	var prevIndex int64
	for i := range m.Indices {
		delta, err := binary.ReadVarint(r)
		if err != nil {
			return Mesh{}, fmt.Errorf("%w: index %d: %v", ErrCorruptChunk, i, err)
		}
		prevIndex += delta
		if prevIndex < 0 || prevIndex >= int64(vertexCount) {
			return Mesh{}, fmt.Errorf("%w: index %d out of range", ErrCorruptChunk, prevIndex)
		}
		m.Indices[i] = uint32(prevIndex)
	}
	return m, nil
}
