package timesync

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Probe wire format: a single 48-byte datagram in both directions.
const (
	ProbeSize = 48

	// probeHeader is LI=0, VN=3, Mode=3 (client).
	probeHeader byte = 0x1B

	transmitSecondsOffset  = 40
	transmitFractionOffset = 44

	// ntpEpochOffset is the number of seconds between 1900-01-01 and the
	// Unix epoch.
	ntpEpochOffset = 2208988800
)

// Timestamp is the 64-bit fixed-point transmit time carried in a reply:
// whole seconds since 1900-01-01 plus a 32-bit binary fraction.
type Timestamp struct {
	Seconds  uint32
	Fraction uint32
}

// NewProbe builds an outgoing request datagram.
func NewProbe() []byte {
	buf := make([]byte, ProbeSize)
	buf[0] = probeHeader
	return buf
}

// ParseReply validates a reply datagram and extracts its transmit
// timestamp. Anything that is not exactly ProbeSize bytes, or that carries
// an all-zero transmit time, is rejected with ErrMalformedReply.
func ParseReply(data []byte) (Timestamp, error) {
	if len(data) != ProbeSize {
		return Timestamp{}, fmt.Errorf("%w: %d bytes (want %d)", ErrMalformedReply, len(data), ProbeSize)
	}
	ts := Timestamp{
		Seconds:  binary.BigEndian.Uint32(data[transmitSecondsOffset : transmitSecondsOffset+4]),
		Fraction: binary.BigEndian.Uint32(data[transmitFractionOffset : transmitFractionOffset+4]),
	}
	if ts.Seconds == 0 && ts.Fraction == 0 {
		return Timestamp{}, fmt.Errorf("%w: empty transmit timestamp", ErrMalformedReply)
	}
	return ts, nil
}

// EncodeReply writes ts into a reply datagram. Used by the test time server.
func EncodeReply(ts Timestamp) []byte {
	buf := make([]byte, ProbeSize)
	buf[0] = 0x1C // LI=0, VN=3, Mode=4 (server)
	binary.BigEndian.PutUint32(buf[transmitSecondsOffset:], ts.Seconds)
	binary.BigEndian.PutUint32(buf[transmitFractionOffset:], ts.Fraction)
	return buf
}

// Millis converts the timestamp to milliseconds since 1900-01-01,
// truncating the fractional part toward zero.
func (ts Timestamp) Millis() int64 {
	return int64(ts.Seconds)*1000 + int64((uint64(ts.Fraction)*1000)>>32)
}

// Time converts the timestamp to a wall-clock time with millisecond
// precision.
func (ts Timestamp) Time() time.Time {
	return time.UnixMilli(ts.Millis() - ntpEpochOffset*1000)
}

// TimestampOf is the inverse of Time, for times after 1900.
func TimestampOf(t time.Time) Timestamp {
	secs := t.Unix() + ntpEpochOffset
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return Timestamp{Seconds: uint32(secs), Fraction: uint32(frac)}
}
