package sensor

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/1ureka/sensorlink/internal/meshenc"
)

// Synthetic is a deterministic Source that fabricates plausible samples for
// every modality. It backs the CLI when no real capture backend is attached.
type Synthetic struct {
	opts Options
	now  func() time.Time

	mu    sync.Mutex
	count uint64
}

// NewSynthetic creates a synthetic source producing samples shaped by opts.
func NewSynthetic(opts Options, now func() time.Time) *Synthetic {
	if now == nil {
		now = time.Now
	}
	return &Synthetic{opts: opts.Clone(), now: now}
}

// TryAcquireSample always has a sample ready for configured modalities.
func (s *Synthetic) TryAcquireSample(m Modality) (Sample, bool) {
	opt, ok := s.opts[m]
	if !ok || m == Mesh {
		return Sample{}, false
	}

	s.mu.Lock()
	s.count++
	n := s.count
	s.mu.Unlock()

	var data []byte
	switch m {
	case Color:
		data = gradient(opt.Width, opt.Height, 3, byte(n))
	case Depth:
		data = gradient(opt.Width, opt.Height, 2, byte(n))
	case IMU:
		// accel xyz + gyro xyz, float32 LE
		data = floats(0, 0, -9.81, 0.01*float32(n%7), 0, 0)
	case Planes:
		// center xyz, extent xz
		data = floats(0, -1.2, -0.5, 2, 3)
	case Audio:
		data = sine(opt.SampleRate/100, float64(n))
	default:
		return Sample{}, false
	}
	return Sample{Modality: m, Captured: s.now(), Data: data}, true
}

// TryAcquireMesh returns a unit quad on the floor.
func (s *Synthetic) TryAcquireMesh() (meshenc.Mesh, bool) {
	if opt, ok := s.opts[Mesh]; !ok || !opt.Enabled {
		return meshenc.Mesh{}, false
	}
	return meshenc.Mesh{
		Vertices: []float32{
			0, 0, 0,
			1, 0, 0,
			1, 0, 1,
			0, 0, 1,
		},
		Indices: []uint32{0, 1, 2, 0, 2, 3},
	}, true
}

func gradient(w, h, channels int, seed byte) []byte {
	if w <= 0 || h <= 0 {
		return nil
	}
	buf := make([]byte, w*h*channels)
	for i := range buf {
		buf[i] = byte(i/channels) + seed
	}
	return buf
}

func floats(values ...float32) []byte {
	buf := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func sine(samples int, phase float64) []byte {
	if samples <= 0 {
		samples = 160
	}
	values := make([]float32, samples)
	for i := range values {
		values[i] = float32(0.25 * math.Sin(2*math.Pi*440*(phase+float64(i))/16000))
	}
	return floats(values...)
}
