// Package buffer implements the per-modality sample accumulators that sit
// between the capture callbacks and the streaming tick.
package buffer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/sensorlink/internal/sensor"
)

// ErrInvalidCapacity is returned when a buffer is configured with a
// capacity that is not a positive integer.
var ErrInvalidCapacity = errors.New("buffer capacity must be positive")

// ErrInvalidPolicy is returned for a missing or unknown eviction policy.
var ErrInvalidPolicy = errors.New("unknown buffer policy")

// Policy selects how a buffer discards samples.
type Policy uint8

const (
	// Ring keeps the newest Capacity samples; Drain leaves them in place.
	Ring Policy = iota + 1
	// SendThenClear keeps up to Capacity samples; Drain empties the buffer.
	SendThenClear
)

func (p Policy) String() string {
	switch p {
	case Ring:
		return sensor.PolicyRing
	case SendThenClear:
		return sensor.PolicySendThenClear
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// ParsePolicy converts a configured policy name.
func ParsePolicy(name string) (Policy, error) {
	switch name {
	case sensor.PolicyRing:
		return Ring, nil
	case sensor.PolicySendThenClear:
		return SendThenClear, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPolicy, name)
	}
}

// Buffer accumulates samples of a single modality. It is safe for one
// capture goroutine and one streaming goroutine to use it concurrently.
type Buffer struct {
	modality sensor.Modality
	interval time.Duration

	mu      sync.Mutex
	policy  Policy
	enabled bool
	samples []sensor.Sample // circular, len == capacity
	head    int             // index of the oldest sample
	count   int
}

// New creates an enabled buffer. The policy is mandatory; there is no
// default eviction discipline.
func New(m sensor.Modality, capacity int, policy Policy, intervalHint time.Duration) (*Buffer, error) {
	if err := validate(capacity, policy); err != nil {
		return nil, fmt.Errorf("%s buffer: %w", m, err)
	}
	return &Buffer{
		modality: m,
		interval: intervalHint,
		policy:   policy,
		enabled:  true,
		samples:  make([]sensor.Sample, capacity),
	}, nil
}

func validate(capacity int, policy Policy) error {
	if capacity <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if policy != Ring && policy != SendThenClear {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, policy)
	}
	return nil
}

// Configure changes capacity and policy. When shrinking, the newest samples
// are kept.
func (b *Buffer) Configure(capacity int, policy Policy) error {
	if err := validate(capacity, policy); err != nil {
		return fmt.Errorf("%s buffer: %w", b.modality, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.snapshotLocked()
	if len(kept) > capacity {
		kept = kept[len(kept)-capacity:]
	}
	b.samples = make([]sensor.Sample, capacity)
	copy(b.samples, kept)
	b.head = 0
	b.count = len(kept)
	b.policy = policy
	return nil
}

// SetEnabled toggles the buffer. Disabling does not discard pending samples.
func (b *Buffer) SetEnabled(enabled bool) {
	b.mu.Lock()
	b.enabled = enabled
	b.mu.Unlock()
}

func (b *Buffer) Enabled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled
}

// Push appends a sample, evicting the oldest one when full. It is a no-op
// on a disabled buffer.
func (b *Buffer) Push(s sensor.Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.enabled {
		return
	}

	capacity := len(b.samples)
	if b.count < capacity {
		b.samples[(b.head+b.count)%capacity] = s
		b.count++
		return
	}
	b.samples[b.head] = s
	b.head = (b.head + 1) % capacity
}

// Drain returns the pending samples in arrival order. Under SendThenClear
// the buffer is emptied; under Ring it is left intact.
func (b *Buffer) Drain() []sensor.Sample {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := b.snapshotLocked()
	if b.policy == SendThenClear {
		clear(b.samples)
		b.head = 0
		b.count = 0
	}
	return out
}

func (b *Buffer) snapshotLocked() []sensor.Sample {
	if b.count == 0 {
		return nil
	}
	out := make([]sensor.Sample, b.count)
	for i := range out {
		out[i] = b.samples[(b.head+i)%len(b.samples)]
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

func (b *Buffer) Policy() Policy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.policy
}

func (b *Buffer) Modality() sensor.Modality { return b.modality }

// IntervalHint is the expected time between samples, zero if unknown.
func (b *Buffer) IntervalHint() time.Duration { return b.interval }
