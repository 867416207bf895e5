// Package sensor defines the captured data model shared by the buffers, the
// encoders and the session: modality names, samples, per-modality capture
// options and the capture-source collaborator.
package sensor

import (
	"fmt"
	"sort"
	"time"
)

// Modality names a category of captured sensor data.
type Modality string

const (
	Color  Modality = "color"
	Depth  Modality = "depth"
	IMU    Modality = "imu"
	Planes Modality = "planes"
	Mesh   Modality = "mesh"
	Audio  Modality = "audio"
)

var all = []Modality{Color, Depth, IMU, Planes, Mesh, Audio}

// All returns every known modality in canonical order.
func All() []Modality {
	out := make([]Modality, len(all))
	copy(out, all)
	return out
}

// Parse validates a modality name.
func Parse(name string) (Modality, error) {
	for _, m := range all {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown modality: %q", name)
}

// Sample is one captured unit of a modality.
type Sample struct {
	Modality Modality
	Captured time.Time
	Data     []byte
}

// Buffer eviction policies, see buffer.ParsePolicy.
const (
	PolicyRing          = "ring"
	PolicySendThenClear = "send-then-clear"
)

// ModalityOptions are the capture parameters negotiated with the server for a
// single modality.
type ModalityOptions struct {
	Enabled    bool   `mapstructure:"enabled" toml:"enabled" json:"enabled"`
	Width      int    `mapstructure:"width" toml:"width,omitempty" json:"width,omitempty"`
	Height     int    `mapstructure:"height" toml:"height,omitempty" json:"height,omitempty"`
	SampleRate int    `mapstructure:"sample_rate" toml:"sample_rate,omitempty" json:"sample_rate,omitempty"`
	Capacity   int    `mapstructure:"capacity" toml:"capacity" json:"-"`
	Policy     string `mapstructure:"policy" toml:"policy" json:"-"`
}

// Interval returns the sampling interval hint derived from SampleRate.
func (o ModalityOptions) Interval() time.Duration {
	if o.SampleRate <= 0 {
		return 0
	}
	return time.Second / time.Duration(o.SampleRate)
}

// Options maps each modality to its capture parameters. The session manager
// owns its Options and only hands out clones.
type Options map[Modality]ModalityOptions

// Clone returns an independent copy.
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for m, opt := range o {
		out[m] = opt
	}
	return out
}

// Enabled returns the enabled modalities in canonical order.
func (o Options) Enabled() []Modality {
	var out []Modality
	for _, m := range all {
		if opt, ok := o[m]; ok && opt.Enabled {
			out = append(out, m)
		}
	}
	return out
}

// Modalities returns every configured modality, enabled or not, sorted by name.
func (o Options) Modalities() []Modality {
	out := make([]Modality, 0, len(o))
	for m := range o {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultOptions returns the capture parameters used when nothing else is
// configured. IMU and audio accumulate between ticks; the image modalities
// only ever need the latest sample.
func DefaultOptions() Options {
	return Options{
		Color:  {Enabled: true, Width: 640, Height: 480, SampleRate: 30, Capacity: 1, Policy: PolicyRing},
		Depth:  {Enabled: false, Width: 256, Height: 192, SampleRate: 30, Capacity: 1, Policy: PolicyRing},
		IMU:    {Enabled: false, SampleRate: 100, Capacity: 64, Policy: PolicySendThenClear},
		Planes: {Enabled: false, SampleRate: 1, Capacity: 1, Policy: PolicyRing},
		Mesh:   {Enabled: false, SampleRate: 1, Capacity: 1, Policy: PolicyRing},
		Audio:  {Enabled: false, SampleRate: 16000, Capacity: 32, Policy: PolicySendThenClear},
	}
}
