package sensor

import "github.com/1ureka/sensorlink/internal/meshenc"

// Source is the capture backend consumed by the session. Implementations
// must not block: when no new sample is available they return false.
type Source interface {
	TryAcquireSample(m Modality) (Sample, bool)
}

// MeshSource is implemented by sources that can hand out raw geometry for
// the mesh modality. The session encodes it with meshenc before sending.
type MeshSource interface {
	TryAcquireMesh() (meshenc.Mesh, bool)
}
