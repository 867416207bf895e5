package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/sensorlink/internal/buffer"
	"github.com/1ureka/sensorlink/internal/codec"
	"github.com/1ureka/sensorlink/internal/meshenc"
	"github.com/1ureka/sensorlink/internal/sensor"
	"github.com/1ureka/sensorlink/internal/transport"
	"github.com/1ureka/sensorlink/internal/util"
)

func init() {
	util.SetLogOutput(io.Discard)
}

// ──────────────────────────────────────────────────────────────────────────────
// Fakes
// ──────────────────────────────────────────────────────────────────────────────

type fakeConn struct {
	id          string
	registerErr error
	joinErr     error
	closeErr    error
	block       bool // Register/Join wait for cancellation
	entered     chan struct{}

	sendBlock   chan struct{}
	sendEntered chan struct{}

	mu      sync.Mutex
	sendErr error
	sent    [][]byte
	closed  bool
	request transport.RegisterRequest
	joined  string
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, entered: make(chan struct{})}
}

func (c *fakeConn) wait(ctx context.Context) error {
	close(c.entered)
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (c *fakeConn) Register(ctx context.Context, req transport.RegisterRequest) (string, error) {
	c.mu.Lock()
	c.request = req
	c.mu.Unlock()
	if err := c.wait(ctx); err != nil {
		return "", err
	}
	if c.registerErr != nil {
		return "", c.registerErr
	}
	return c.id, nil
}

func (c *fakeConn) Join(ctx context.Context, id string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if c.joinErr != nil {
		return c.joinErr
	}
	c.mu.Lock()
	c.joined = id
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Send(ctx context.Context, data []byte) error {
	if c.sendEntered != nil {
		c.sendEntered <- struct{}{}
	}
	if c.sendBlock != nil {
		<-c.sendBlock
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *fakeConn) setSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) frames(t *testing.T) []Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, 0, len(c.sent))
	for _, data := range c.sent {
		f, err := DecodeFrame(data)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	addrs []string
	err   error
}

func (d *fakeDialer) dial(ctx context.Context, addr string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addrs = append(d.addrs, addr)
	if d.err != nil {
		return nil, d.err
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more connections")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

type fakeSource struct {
	mu      sync.Mutex
	queue   map[sensor.Modality][]sensor.Sample
	calls   int
	mesh    meshenc.Mesh
	hasMesh bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{queue: make(map[sensor.Modality][]sensor.Sample)}
}

func (s *fakeSource) add(m sensor.Modality, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue[m] = append(s.queue[m], sensor.Sample{Modality: m, Captured: time.Now(), Data: data})
}

func (s *fakeSource) TryAcquireSample(m sensor.Modality) (sensor.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	q := s.queue[m]
	if len(q) == 0 {
		return sensor.Sample{}, false
	}
	s.queue[m] = q[1:]
	return q[0], true
}

func (s *fakeSource) TryAcquireMesh() (meshenc.Mesh, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasMesh {
		return meshenc.Mesh{}, false
	}
	s.hasMesh = false
	return s.mesh, true
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time       { return c.t }
func (c fixedClock) IsSynchronized() bool { return true }

func colorOnly() sensor.Options {
	return sensor.Options{
		sensor.Color: {Enabled: true, Width: 4, Height: 2, SampleRate: 30, Capacity: 1, Policy: sensor.PolicyRing},
		sensor.Depth: {Enabled: false, Width: 4, Height: 2, SampleRate: 30, Capacity: 1, Policy: sensor.PolicyRing},
	}
}

func newTestManager(t *testing.T, d *fakeDialer, src *fakeSource, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Dialer:  d.dial,
		Source:  src,
		Address: "server:8500",
		Options: colorOnly(),
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// ──────────────────────────────────────────────────────────────────────────────
// Connect / join
// ──────────────────────────────────────────────────────────────────────────────

func TestConnectStreamOneFrame(t *testing.T) {
	conn := newFakeConn("abc123")
	d := &fakeDialer{conns: []*fakeConn{conn}}
	src := newFakeSource()
	m := newTestManager(t, d, src)

	require.NoError(t, m.Connect(context.Background(), "server:8500", colorOnly()))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, "abc123", m.SessionID())
	assert.Equal(t, []string{"server:8500"}, d.addrs)

	req := conn.request
	assert.Equal(t, m.DeviceID(), req.DeviceID)
	assert.True(t, req.Options[sensor.Color].Enabled)
	assert.False(t, req.Options[sensor.Depth].Enabled)

	require.NoError(t, m.StartStreaming())
	assert.Equal(t, Streaming, m.State())

	src.add(sensor.Color, []byte{1, 2, 3})
	require.NoError(t, m.Tick(context.Background()))

	frames := conn.frames(t)
	require.Len(t, frames, 1)
	f := frames[0]
	assert.Equal(t, "abc123", f.Session)
	require.Contains(t, f.Entries, sensor.Color)
	assert.NotContains(t, f.Entries, sensor.Depth)
	assert.Equal(t, [][]byte{{1, 2, 3}}, f.Entries[sensor.Color])
	assert.False(t, f.Time().Before(time.Now().Add(-time.Second)))
	assert.True(t, f.Degraded)
}

func TestRegistrationSnapshotIsIndependent(t *testing.T) {
	conn := newFakeConn("abc123")
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}}, newFakeSource())

	opts := colorOnly()
	require.NoError(t, m.Connect(context.Background(), "server:8500", opts))

	opts[sensor.Color] = sensor.ModalityOptions{Enabled: false}
	conn.request.Options[sensor.Depth] = sensor.ModalityOptions{Enabled: true}

	assert.Equal(t, []sensor.Modality{sensor.Color}, m.EnabledModalities())
}

func TestSecondConnectCancelsFirst(t *testing.T) {
	first := newFakeConn("first")
	first.block = true
	second := newFakeConn("second")
	d := &fakeDialer{conns: []*fakeConn{first, second}}
	m := newTestManager(t, d, newFakeSource())

	a1 := m.ConnectAsync(context.Background(), "server:8500", colorOnly())
	<-first.entered
	assert.Equal(t, Connecting, m.State())
	assert.Same(t, a1, m.CurrentAttempt())

	require.NoError(t, m.Connect(context.Background(), "server:8500", colorOnly()))

	select {
	case <-a1.Done():
	default:
		t.Fatal("first attempt still running after second connect returned")
	}
	require.ErrorIs(t, a1.Err(), ErrCancelled)
	assert.Equal(t, "connection attempt cancelled", Describe(a1.Err()))
	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, "second", m.SessionID())
	assert.NotSame(t, a1, m.CurrentAttempt())
}

func TestCancelAttempt(t *testing.T) {
	conn := newFakeConn("never")
	conn.block = true
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}}, newFakeSource())

	a := m.ConnectAsync(context.Background(), "server:8500", colorOnly())
	<-conn.entered
	assert.Nil(t, a.Err())

	a.Cancel()
	require.ErrorIs(t, a.Wait(), ErrCancelled)
	assert.True(t, conn.isClosed())
	assert.Equal(t, Disconnected, m.State())
	assert.Empty(t, m.SessionID())
	assert.Nil(t, m.LastError())
}

func TestDisconnectCancelsInFlightAttempt(t *testing.T) {
	conn := newFakeConn("never")
	conn.block = true
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}}, newFakeSource())

	a := m.ConnectAsync(context.Background(), "server:8500", colorOnly())
	<-conn.entered

	m.Disconnect()
	require.ErrorIs(t, a.Err(), ErrCancelled)
	assert.True(t, conn.isClosed())
	assert.Equal(t, Disconnected, m.State())
}

func TestConnectFailures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*fakeDialer)
		join  bool
		want  error
		cause string
	}{
		{
			name:  "unreachable",
			setup: func(d *fakeDialer) { d.err = errors.New("dial tcp: connection refused") },
			want:  ErrTransportFailure,
			cause: "could not reach server",
		},
		{
			name: "rejected",
			setup: func(d *fakeDialer) {
				c := newFakeConn("")
				c.registerErr = transport.ErrRejected
				d.conns = []*fakeConn{c}
			},
			want:  ErrRegistrationRejected,
			cause: "server rejected session",
		},
		{
			name: "unknown id",
			setup: func(d *fakeDialer) {
				c := newFakeConn("")
				c.joinErr = transport.ErrUnknownSession
				d.conns = []*fakeConn{c}
			},
			join:  true,
			want:  ErrUnknownSessionID,
			cause: "unknown session id",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDialer{}
			tc.setup(d)
			var conn *fakeConn
			if len(d.conns) > 0 {
				conn = d.conns[0]
			}
			m := newTestManager(t, d, newFakeSource())

			var err error
			if tc.join {
				err = m.JoinSession(context.Background(), "zzz")
			} else {
				err = m.Connect(context.Background(), "server:8500", colorOnly())
			}
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, tc.cause, Describe(err))
			assert.Equal(t, Disconnected, m.State())
			assert.Empty(t, m.SessionID())
			require.ErrorIs(t, m.LastError(), tc.want)
			if conn != nil {
				assert.True(t, conn.isClosed())
			}
		})
	}
}

func TestJoinSession(t *testing.T) {
	conn := newFakeConn("")
	d := &fakeDialer{conns: []*fakeConn{conn}}
	m := newTestManager(t, d, newFakeSource())

	require.NoError(t, m.JoinSession(context.Background(), "abc123"))
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, "abc123", m.SessionID())
	assert.Equal(t, "abc123", conn.joined)
	assert.Equal(t, []string{"server:8500"}, d.addrs)
}

func TestJoinEmptyID(t *testing.T) {
	m := newTestManager(t, &fakeDialer{}, newFakeSource())
	err := m.JoinSession(context.Background(), "")
	require.ErrorIs(t, err, ErrUnknownSessionID)
}

func TestNewManagerRejectsBadBuffers(t *testing.T) {
	_, err := NewManager(Config{
		Source:  newFakeSource(),
		Options: sensor.Options{sensor.IMU: {Enabled: true, Capacity: 0, Policy: sensor.PolicyRing}},
	})
	require.Error(t, err)

	_, err = NewManager(Config{
		Source:  newFakeSource(),
		Options: sensor.Options{sensor.IMU: {Enabled: true, Capacity: 4}},
	})
	require.Error(t, err)

	_, err = NewManager(Config{})
	require.Error(t, err)
}

// ──────────────────────────────────────────────────────────────────────────────
// Streaming
// ──────────────────────────────────────────────────────────────────────────────

func TestStartStreamingFromDisconnected(t *testing.T) {
	src := newFakeSource()
	d := &fakeDialer{}
	m := newTestManager(t, d, src)

	err := m.StartStreaming()
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, Disconnected, m.State())

	require.NoError(t, m.Tick(context.Background()))
	assert.Zero(t, src.calls)
	assert.Empty(t, d.addrs)
}

func TestStopStreaming(t *testing.T) {
	conn := newFakeConn("abc123")
	src := newFakeSource()
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}}, src)

	require.NoError(t, m.Connect(context.Background(), "server:8500", colorOnly()))
	require.ErrorIs(t, m.StopStreaming(), ErrInvalidState)

	require.NoError(t, m.StartStreaming())
	require.ErrorIs(t, m.StartStreaming(), ErrInvalidState)
	require.NoError(t, m.StopStreaming())
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, "abc123", m.SessionID())

	src.add(sensor.Color, []byte{9})
	require.NoError(t, m.Tick(context.Background()))
	assert.Empty(t, conn.frames(t))
}

func TestFailureThreshold(t *testing.T) {
	conn := newFakeConn("abc123")
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}}, newFakeSource(), func(c *Config) {
		c.FailureThreshold = 2
	})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "server:8500", colorOnly()))
	require.NoError(t, m.StartStreaming())
	require.True(t, m.Push(sensor.Sample{Modality: sensor.Color, Data: []byte{1}}))

	conn.setSendErr(errors.New("broken pipe"))
	require.NoError(t, m.Tick(ctx))
	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, Streaming, m.State())

	err := m.Tick(ctx)
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, Failed, m.State())
	assert.Empty(t, m.SessionID())
	assert.True(t, conn.isClosed())
	require.ErrorIs(t, m.LastError(), ErrTransportFailure)

	require.NoError(t, m.Tick(ctx))
	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())
	assert.Nil(t, m.LastError())
}

func TestFailureCountResetsOnSuccess(t *testing.T) {
	conn := newFakeConn("abc123")
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}}, newFakeSource(), func(c *Config) {
		c.FailureThreshold = 1
	})
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "server:8500", colorOnly()))
	require.NoError(t, m.StartStreaming())
	m.Push(sensor.Sample{Modality: sensor.Color, Data: []byte{1}})

	for i := 0; i < 3; i++ {
		conn.setSendErr(errors.New("timeout"))
		require.NoError(t, m.Tick(ctx))
		conn.setSendErr(nil)
		require.NoError(t, m.Tick(ctx))
	}
	assert.Equal(t, Streaming, m.State())
	assert.Len(t, conn.frames(t), 3)
}

func TestDisconnectIgnoresCloseError(t *testing.T) {
	conn := newFakeConn("abc123")
	conn.closeErr = errors.New("already closed")
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}}, newFakeSource())

	require.NoError(t, m.Connect(context.Background(), "server:8500", colorOnly()))
	require.NoError(t, m.StartStreaming())

	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())
	assert.Empty(t, m.SessionID())
	assert.True(t, conn.isClosed())
	assert.False(t, m.Push(sensor.Sample{Modality: sensor.Color}))
}

func TestBufferPolicies(t *testing.T) {
	opts := colorOnly()
	opts[sensor.IMU] = sensor.ModalityOptions{Enabled: true, SampleRate: 100, Capacity: 8, Policy: sensor.PolicySendThenClear}

	conn := newFakeConn("abc123")
	src := newFakeSource()
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}}, src)
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "server:8500", opts))
	require.NoError(t, m.StartStreaming())

	src.add(sensor.Color, []byte{1})
	for i := byte(0); i < 3; i++ {
		m.Push(sensor.Sample{Modality: sensor.IMU, Data: []byte{i}})
	}
	require.NoError(t, m.Tick(ctx))
	require.NoError(t, m.Tick(ctx))

	frames := conn.frames(t)
	require.Len(t, frames, 2)
	assert.Equal(t, [][]byte{{0}, {1}, {2}}, frames[0].Entries[sensor.IMU])
	assert.NotContains(t, frames[1].Entries, sensor.IMU)
	// ring buffers keep their latest sample between ticks
	assert.Equal(t, [][]byte{{1}}, frames[1].Entries[sensor.Color])
	assert.Equal(t, frames[0].Seq+1, frames[1].Seq)
}

func TestTickWithoutSamplesSendsNothing(t *testing.T) {
	conn := newFakeConn("abc123")
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}}, newFakeSource())

	require.NoError(t, m.Connect(context.Background(), "server:8500", colorOnly()))
	require.NoError(t, m.StartStreaming())
	require.NoError(t, m.Tick(context.Background()))
	assert.Empty(t, conn.frames(t))
}

func TestSynchronizedTimestamp(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	conn := newFakeConn("abc123")
	src := newFakeSource()
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}}, src, func(c *Config) {
		c.Clock = fixedClock{t: at}
	})

	require.NoError(t, m.Connect(context.Background(), "server:8500", colorOnly()))
	require.NoError(t, m.StartStreaming())
	src.add(sensor.Color, []byte{1})
	require.NoError(t, m.Tick(context.Background()))

	frames := conn.frames(t)
	require.Len(t, frames, 1)
	assert.Equal(t, at.UnixMilli(), frames[0].Timestamp)
	assert.False(t, frames[0].Degraded)
}

func TestEncodedModalities(t *testing.T) {
	opts := sensor.Options{
		sensor.Depth: {Enabled: true, Width: 64, Height: 64, Capacity: 1, Policy: sensor.PolicyRing},
		sensor.Mesh:  {Enabled: true, Capacity: 1, Policy: sensor.PolicyRing},
		sensor.Audio: {Enabled: true, SampleRate: 16000, Capacity: 4, Policy: sensor.PolicySendThenClear},
	}
	conn := newFakeConn("abc123")
	src := newFakeSource()
	src.mesh = meshenc.Mesh{
		Vertices: []float32{0, 0, 0, 1, 0, 0, 1, 0, 1, 0, 0, 1},
		Indices:  []uint32{0, 1, 2, 0, 2, 3},
	}
	src.hasMesh = true
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}}, src)

	require.NoError(t, m.Connect(context.Background(), "server:8500", opts))
	require.NoError(t, m.StartStreaming())

	depth := make([]byte, 64*64*2)
	src.add(sensor.Depth, depth)
	// two float32 samples: 0.5 and -1
	src.add(sensor.Audio, []byte{0x00, 0x00, 0x00, 0x3F, 0x00, 0x00, 0x80, 0xBF})
	require.NoError(t, m.Tick(context.Background()))

	frames := conn.frames(t)
	require.Len(t, frames, 1)
	e := frames[0].Entries

	require.Len(t, e[sensor.Depth], 1)
	assert.Less(t, len(e[sensor.Depth][0]), len(depth))
	raw, err := codec.DecodeLZ4(e[sensor.Depth][0])
	require.NoError(t, err)
	assert.Equal(t, depth, raw)

	require.NotEmpty(t, e[sensor.Mesh])
	chunks := make([]meshenc.Chunk, len(e[sensor.Mesh]))
	for i, c := range e[sensor.Mesh] {
		chunks[i] = c
	}
	mesh, err := meshenc.Decode(chunks)
	require.NoError(t, err)
	assert.Equal(t, 4, mesh.VertexCount())
	assert.Equal(t, src.mesh.Indices, mesh.Indices)

	require.Len(t, e[sensor.Audio], 1)
	assert.Equal(t, []byte{0xFF, 0x3F, 0x01, 0x80}, e[sensor.Audio][0])
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	conn := newFakeConn("abc123")
	m := newTestManager(t, &fakeDialer{conns: []*fakeConn{conn}}, newFakeSource())
	ctx := context.Background()

	require.NoError(t, m.Connect(ctx, "server:8500", colorOnly()))
	require.NoError(t, m.StartStreaming())
	m.Push(sensor.Sample{Modality: sensor.Color, Data: []byte{1}})

	conn.sendEntered = make(chan struct{}, 1)
	conn.sendBlock = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- m.Tick(ctx) }()
	<-conn.sendEntered

	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, int64(1), m.SkippedTicks())

	close(conn.sendBlock)
	require.NoError(t, <-done)
	assert.Len(t, conn.frames(t), 1)
}

func TestConnectRejectsInvalidOptions(t *testing.T) {
	cases := map[string]sensor.Options{
		"missing policy": {
			sensor.Color: {Enabled: true},
			sensor.Depth: {Enabled: false},
		},
		"zero capacity": {
			sensor.Color: {Enabled: true, Capacity: 0, Policy: sensor.PolicyRing},
		},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			conn := newFakeConn("abc123")
			d := &fakeDialer{conns: []*fakeConn{conn}}
			m := newTestManager(t, d, newFakeSource())
			require.NoError(t, m.Connect(context.Background(), "server:8500", colorOnly()))

			err := m.Connect(context.Background(), "server:8500", opts)
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrTransportFailure)
			assert.True(t, errors.Is(err, buffer.ErrInvalidPolicy) || errors.Is(err, buffer.ErrInvalidCapacity))
			assert.Equal(t, "invalid modality configuration", Describe(err))

			// the established session is left alone
			assert.Equal(t, Connected, m.State())
			assert.Equal(t, "abc123", m.SessionID())
			assert.NoError(t, m.LastError())
			assert.Equal(t, []string{"server:8500"}, d.addrs)
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "", Describe(nil))
	assert.Equal(t, "boom", Describe(errors.New("boom")))
	assert.Equal(t, "operation not allowed right now", Describe(ErrInvalidState))
}
