package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide frame/traffic counter.
var Stats = &stats{}

type stats struct {
	FramesSent   atomic.Int64 // frames handed to the transport successfully
	FramesFailed atomic.Int64 // frames whose send failed
	BytesSent    atomic.Int64 // cumulative frame bytes written
	BytesRecv    atomic.Int64 // cumulative frame bytes received (collection server)
}

func (s *stats) AddFrame()     { s.FramesSent.Add(1) }
func (s *stats) AddFailure()   { s.FramesFailed.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FramesSent, FramesFailed, BytesSent, BytesRecv int64
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		FramesSent:   s.FramesSent.Load(),
		FramesFailed: s.FramesFailed.Load(),
		BytesSent:    s.BytesSent.Load(),
		BytesRecv:    s.BytesRecv.Load(),
	}
}

// StartStatsReporter launches a goroutine that logs streaming statistics
// every interval while there is traffic. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if line, ok := formatStats(prev, cur, interval); ok {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats describes the change between two snapshots. It reports false
// when nothing happened in the interval.
func formatStats(prev, cur Snapshot, interval time.Duration) (string, bool) {
	secs := interval.Seconds()
	frames := cur.FramesSent - prev.FramesSent
	failed := cur.FramesFailed - prev.FramesFailed
	out := float64(cur.BytesSent-prev.BytesSent) / secs
	in := float64(cur.BytesRecv-prev.BytesRecv) / secs

	if frames == 0 && failed == 0 && out == 0 && in == 0 {
		return "", false
	}

	return fmt.Sprintf("Frames: %4.1f/s | Failed: %2d | Out: %s/s | In: %s/s",
		float64(frames)/secs,
		failed,
		formatBytes(out),
		formatBytes(in),
	), true
}
