package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/sensorlink/internal/util"
)

const (
	highWaterMark  = 1024 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 256 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 16          // outgoing frame channel capacity
)

var errSenderStopped = errors.New("data channel sender stopped")

// outbound is one queued frame and the slot its send result is reported to.
type outbound struct {
	data   []byte
	result chan error
}

// sender is a goroutine-based frame writer that serializes all writes to a
// single DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan outbound
	drainSignal chan struct{}
	stopped     chan struct{}
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled or a send
// fails.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan outbound, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		stopped:     make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	defer close(s.stopped)

	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case out := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					out.result <- ctx.Err()
					return
				}
			}

			if err := dc.Send(out.data); err != nil {
				util.LogError("data channel send failed (%d bytes): %v", len(out.data), err)
				out.result <- fmt.Errorf("data channel send: %w", err)
				return
			}
			out.result <- nil

		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a frame and waits for the writer to report the outcome.
func (s *sender) send(ctx context.Context, data []byte) error {
	out := outbound{data: data, result: make(chan error, 1)}

	select {
	case s.inbox <- out:
	case <-s.stopped:
		return errSenderStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.result:
		return err
	case <-s.stopped:
		// the loop may have reported just before stopping
		select {
		case err := <-out.result:
			return err
		default:
			return errSenderStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
