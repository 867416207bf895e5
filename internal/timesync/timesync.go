// Package timesync estimates network time by exchanging 48-byte probes with
// a time server and exposes a drift-free corrected clock.
package timesync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/1ureka/sensorlink/internal/util"
)

var (
	ErrTimeout            = errors.New("time probe timed out")
	ErrMalformedReply     = errors.New("malformed time probe reply")
	ErrNetworkUnreachable = errors.New("time server unreachable")
)

// DefaultTimeout is the per-attempt reply deadline and the retry backoff.
const DefaultTimeout = 3 * time.Second

// Estimate is the result of one successful probe exchange. It is replaced
// as a whole, never field by field.
type Estimate struct {
	Offset        time.Duration // Reference minus the local wall clock at receipt
	Reference     time.Time     // server time carried by the reply
	EstablishedAt time.Time     // local receipt time, carries the monotonic reading
	Synchronized  bool
}

// Synchronizer runs the probe protocol against a single server.
type Synchronizer struct {
	server  string
	timeout time.Duration
	now     func() time.Time

	estimate atomic.Pointer[Estimate]
	attempts atomic.Int64
}

// New creates a synchronizer for server ("host:port"). A non-positive
// timeout selects DefaultTimeout.
func New(server string, timeout time.Duration) *Synchronizer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Synchronizer{server: server, timeout: timeout, now: time.Now}
}

// Now returns the corrected time. Before the first successful exchange it
// is the unsynchronized local clock.
func (s *Synchronizer) Now() time.Time {
	e := s.estimate.Load()
	if e == nil {
		return s.now()
	}
	return e.Reference.Add(s.now().Sub(e.EstablishedAt))
}

func (s *Synchronizer) IsSynchronized() bool {
	return s.estimate.Load() != nil
}

// Estimate returns the current estimate, or a zero value before sync.
func (s *Synchronizer) Estimate() Estimate {
	if e := s.estimate.Load(); e != nil {
		return *e
	}
	return Estimate{}
}

// Attempts reports how many probe exchanges have been tried.
func (s *Synchronizer) Attempts() int64 { return s.attempts.Load() }

// Synchronize keeps probing until one exchange succeeds or ctx is done.
// Failed attempts are retried after a backoff equal to the timeout.
func (s *Synchronizer) Synchronize(ctx context.Context) error {
	for {
		err := s.probe(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("synchronize: %w", ctx.Err())
		}
		util.LogDebug("time probe to %s failed: %v", s.server, err)

		timer := time.NewTimer(s.timeout)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("synchronize: %w", ctx.Err())
		}
	}
}

// Run synchronizes once and then again every interval until ctx is
// cancelled. With interval <= 0 it returns after the first success.
func (s *Synchronizer) Run(ctx context.Context, interval time.Duration) error {
	for {
		if err := s.Synchronize(ctx); err != nil {
			return err
		}
		e := s.Estimate()
		util.LogInfo("clock synchronized with %s (offset %v)", s.server, e.Offset)

		if interval <= 0 {
			return nil
		}
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// probe performs a single exchange. The socket never outlives the call,
// and is closed immediately when ctx is cancelled.
func (s *Synchronizer) probe(ctx context.Context) error {
	s.attempts.Add(1)

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", s.server)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(s.timeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}
	if _, err := conn.Write(NewProbe()); err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}

	buf := make([]byte, 2*ProbeSize)
	n, err := conn.Read(buf)
	received := s.now()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return ErrTimeout
		}
		return fmt.Errorf("%w: %v", ErrNetworkUnreachable, err)
	}

	ts, err := ParseReply(buf[:n])
	if err != nil {
		return err
	}

	reference := ts.Time()
	s.estimate.Store(&Estimate{
		Offset:        reference.Sub(received.Round(0)),
		Reference:     reference,
		EstablishedAt: received,
		Synchronized:  true,
	})
	return nil
}
