// Package meshenc turns captured mesh geometry into an ordered sequence of
// self-describing binary chunks, and back.
//
// Vertices are quantized onto a fixed grid, vertex coordinates and triangle
// indices are delta-encoded, the resulting body is compressed as a whole and
// then cut into chunks of at most Config.ChunkSize bytes. Every chunk carries
// a header so that a receiver can reassemble and verify the set without any
// out-of-band metadata.
package meshenc

import (
	"errors"
	"fmt"
)

var (
	ErrCorruptChunk    = errors.New("corrupt mesh chunk")
	ErrIncompleteSet   = errors.New("incomplete mesh chunk set")
	ErrDigestMismatch  = errors.New("mesh chunk digest mismatch")
	ErrInvalidGeometry = errors.New("invalid mesh geometry")
)

// Mesh is raw triangle geometry: Vertices holds x, y, z triples and Indices
// holds vertex indices, three per face.
type Mesh struct {
	Vertices []float32
	Indices  []uint32
}

// VertexCount is the number of xyz triples.
func (m Mesh) VertexCount() int { return len(m.Vertices) / 3 }

// FaceCount is the number of triangles.
func (m Mesh) FaceCount() int { return len(m.Indices) / 3 }

// Empty reports whether the mesh has neither vertices nor faces.
func (m Mesh) Empty() bool { return len(m.Vertices) == 0 && len(m.Indices) == 0 }

func (m Mesh) validate() error {
	if len(m.Vertices)%3 != 0 {
		return fmt.Errorf("%w: %d coordinates is not a multiple of 3", ErrInvalidGeometry, len(m.Vertices))
	}
	if len(m.Indices)%3 != 0 {
		return fmt.Errorf("%w: %d indices is not a multiple of 3", ErrInvalidGeometry, len(m.Indices))
	}
	n := uint32(m.VertexCount())
	for _, idx := range m.Indices {
		if idx >= n {
			return fmt.Errorf("%w: index %d out of range (%d vertices)", ErrInvalidGeometry, idx, n)
		}
	}
	return nil
}

// Chunk is one opaque, independently transmittable piece of an encoded mesh.
type Chunk []byte
