// Package audio converts captured float PCM into the 16-bit PCM stream sent
// to the server. A Processor is owned by exactly one streaming session.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("audio processor closed")

// Processor accumulates PCM between streaming ticks.
type Processor struct {
	sampleRate int
	channels   int

	mu      sync.Mutex
	pending []byte
	closed  bool
	frames  uint64
}

// NewProcessor creates a processor for interleaved float32 input.
func NewProcessor(sampleRate, channels int) (*Processor, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid audio sample rate %d", sampleRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid audio channel count %d", channels)
	}
	return &Processor{sampleRate: sampleRate, channels: channels}, nil
}

func (p *Processor) SampleRate() int { return p.sampleRate }
func (p *Processor) Channels() int   { return p.channels }

// Write converts little-endian float32 samples to int16, clamping to
// [-1, 1]. Trailing bytes that do not form a whole sample are ignored.
func (p *Processor) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	n := len(data) / 4
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		if v != v { // NaN
			v = 0
		}
		v = max(-1, min(1, v))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*math.MaxInt16)))
	}
	p.pending = append(p.pending, out...)
	p.frames += uint64(n / p.channels)
	return nil
}

// Flush returns and clears the accumulated int16 PCM.
func (p *Processor) Flush() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending
	p.pending = nil
	return out
}

// Frames is the number of sample frames processed since creation.
func (p *Processor) Frames() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

// Close drops pending audio. It is safe to call more than once.
func (p *Processor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.pending = nil
	return nil
}
