package session

import (
	"time"

	"github.com/1ureka/sensorlink/internal/codec"
	"github.com/1ureka/sensorlink/internal/sensor"
)

// Frame is one timestamped bundle of samples, sent as a single network
// unit. Entries hold the encoded payloads per modality in arrival order;
// mesh entries are encoder chunks.
type Frame struct {
	Session   string                       `cbor:"session"`
	Seq       uint64                       `cbor:"seq"`
	Timestamp int64                        `cbor:"ts"` // corrected wall clock, Unix milliseconds
	Degraded  bool                         `cbor:"degraded,omitempty"`
	Entries   map[sensor.Modality][][]byte `cbor:"entries"`
}

// Time returns the frame timestamp.
func (f Frame) Time() time.Time { return time.UnixMilli(f.Timestamp) }

// EncodeFrame returns the deterministic CBOR wire form of f.
func EncodeFrame(f Frame) ([]byte, error) {
	return codec.Marshal(f)
}

// DecodeFrame parses a frame produced by EncodeFrame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := codec.Unmarshal(data, &f)
	return f, err
}
