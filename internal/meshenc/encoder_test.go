package meshenc

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEncoder(t *testing.T, cfg Config) *Encoder {
	t.Helper()
	enc, err := NewEncoder(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { enc.Close() })
	return enc
}

// grid builds an n x n vertex floor with two triangles per cell.
func grid(n int) Mesh {
	var m Mesh
	for z := 0; z < n; z++ {
		for x := 0; x < n; x++ {
			m.Vertices = append(m.Vertices, float32(x)*0.05, 0, float32(z)*0.05)
		}
	}
	for z := 0; z < n-1; z++ {
		for x := 0; x < n-1; x++ {
			i := uint32(z*n + x)
			m.Indices = append(m.Indices, i, i+1, i+uint32(n), i+1, i+uint32(n)+1, i+uint32(n))
		}
	}
	return m
}

func allConfigs() map[string]Config {
	zstdCfg := DefaultConfig()
	lz4Cfg := DefaultConfig()
	lz4Cfg.Compression = CompressionLZ4
	noneCfg := DefaultConfig()
	noneCfg.Compression = CompressionNone
	small := DefaultConfig()
	small.ChunkSize = 64
	return map[string]Config{"zstd": zstdCfg, "lz4": lz4Cfg, "none": noneCfg, "small chunks": small}
}

func TestEncodeEmptyMesh(t *testing.T) {
	for name, cfg := range allConfigs() {
		t.Run(name, func(t *testing.T) {
			chunks, err := newEncoder(t, cfg).Encode(Mesh{})
			require.NoError(t, err)
			assert.Empty(t, chunks)

			m, err := Decode(chunks)
			require.NoError(t, err)
			assert.True(t, m.Empty())
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	m := grid(40)
	for name, cfg := range allConfigs() {
		t.Run(name, func(t *testing.T) {
			first, err := newEncoder(t, cfg).Encode(m)
			require.NoError(t, err)
			// a fresh encoder with the same config must agree too
			second, err := newEncoder(t, cfg).Encode(m)
			require.NoError(t, err)

			require.Equal(t, len(first), len(second))
			for i := range first {
				assert.True(t, bytes.Equal(first[i], second[i]), "chunk %d differs", i)
			}
		})
	}
}

func TestEncodeDecodeWithinQuantization(t *testing.T) {
	m := grid(30)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := range m.Vertices {
		m.Vertices[i] += float32(rng.Float64()-0.5) * 0.01
	}

	for name, cfg := range allConfigs() {
		t.Run(name, func(t *testing.T) {
			chunks, err := newEncoder(t, cfg).Encode(m)
			require.NoError(t, err)
			require.NotEmpty(t, chunks)
			for _, c := range chunks {
				assert.LessOrEqual(t, len(c), chunkHeaderSize+cfg.ChunkSize)
			}

			got, err := Decode(chunks)
			require.NoError(t, err)
			assert.Equal(t, m.Indices, got.Indices)
			require.Len(t, got.Vertices, len(m.Vertices))
			for i := range m.Vertices {
				assert.InDelta(t, m.Vertices[i], got.Vertices[i], float64(cfg.Quantization)/2+1e-6)
			}
		})
	}
}

func TestEncodeZeroFaces(t *testing.T) {
	m := Mesh{Vertices: []float32{0, 0, 0, 1, 1, 1}}
	chunks, err := newEncoder(t, DefaultConfig()).Encode(m)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	got, err := Decode(chunks)
	require.NoError(t, err)
	assert.Equal(t, 2, got.VertexCount())
	assert.Zero(t, got.FaceCount())
}

func TestDecodeOutOfOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 32
	chunks, err := newEncoder(t, cfg).Encode(grid(20))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	shuffled := append([]Chunk(nil), chunks...)
	rand.New(rand.NewPCG(3, 4)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	got, err := Decode(shuffled)
	require.NoError(t, err)
	assert.Equal(t, grid(20).Indices, got.Indices)
}

func TestDecodeDetectsDamage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 32
	chunks, err := newEncoder(t, cfg).Encode(grid(20))
	require.NoError(t, err)

	_, err = Decode(chunks[1:])
	require.ErrorIs(t, err, ErrIncompleteSet)

	damaged := append([]Chunk(nil), chunks...)
	damaged[0] = append(Chunk(nil), chunks[0]...)
	damaged[0][len(damaged[0])-1] ^= 0xFF
	_, err = Decode(damaged)
	require.ErrorIs(t, err, ErrDigestMismatch)

	_, err = Decode([]Chunk{{1, 2, 3}})
	require.ErrorIs(t, err, ErrCorruptChunk)
}

func TestEncodeRejectsInvalidGeometry(t *testing.T) {
	enc := newEncoder(t, DefaultConfig())

	_, err := enc.Encode(Mesh{Vertices: []float32{1, 2}})
	require.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = enc.Encode(Mesh{Vertices: []float32{0, 0, 0}, Indices: []uint32{0, 0, 1}})
	require.ErrorIs(t, err, ErrInvalidGeometry)

	_, err = enc.Encode(Mesh{Vertices: []float32{1e12, 0, 0}})
	require.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestNewEncoderValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quantization = 0
	_, err := NewEncoder(cfg)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.ChunkSize = 0
	_, err = NewEncoder(cfg)
	require.Error(t, err)

	cfg = DefaultConfig()
	cfg.Compression = Compression(9)
	_, err = NewEncoder(cfg)
	require.Error(t, err)
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseCompression("draco")
	require.Error(t, err)
}
