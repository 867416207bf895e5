package buffer

import (
	"fmt"

	"github.com/1ureka/sensorlink/internal/sensor"
)

// Set holds one buffer per configured modality. The set itself is immutable
// after construction; the buffers inside carry their own locks.
type Set struct {
	buffers map[sensor.Modality]*Buffer
}

// NewSet builds a buffer for every modality in opts. Disabled modalities
// still get a (disabled) buffer so they can be toggled later.
func NewSet(opts sensor.Options) (*Set, error) {
	s := &Set{buffers: make(map[sensor.Modality]*Buffer, len(opts))}
	for _, m := range opts.Modalities() {
		opt := opts[m]
		policy, err := ParsePolicy(opt.Policy)
		if err != nil {
			return nil, fmt.Errorf("%s buffer: %w", m, err)
		}
		b, err := New(m, opt.Capacity, policy, opt.Interval())
		if err != nil {
			return nil, err
		}
		b.SetEnabled(opt.Enabled)
		s.buffers[m] = b
	}
	return s, nil
}

// Get returns the buffer for m.
func (s *Set) Get(m sensor.Modality) (*Buffer, bool) {
	b, ok := s.buffers[m]
	return b, ok
}

// Push routes a sample to its modality's buffer. Samples for unknown
// modalities are dropped.
func (s *Set) Push(sample sensor.Sample) bool {
	b, ok := s.buffers[sample.Modality]
	if !ok {
		return false
	}
	b.Push(sample)
	return true
}

// Enabled returns the currently enabled modalities in canonical order.
func (s *Set) Enabled() []sensor.Modality {
	var out []sensor.Modality
	for _, m := range sensor.All() {
		if b, ok := s.buffers[m]; ok && b.Enabled() {
			out = append(out, m)
		}
	}
	return out
}
