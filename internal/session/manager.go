// Package session owns the client's connection lifecycle: connecting to or
// joining a session on the collection server, and producing one frame per
// externally driven streaming tick.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/sensorlink/internal/audio"
	"github.com/1ureka/sensorlink/internal/buffer"
	"github.com/1ureka/sensorlink/internal/codec"
	"github.com/1ureka/sensorlink/internal/meshenc"
	"github.com/1ureka/sensorlink/internal/sensor"
	"github.com/1ureka/sensorlink/internal/transport"
	"github.com/1ureka/sensorlink/internal/util"
)

const (
	DefaultFailureThreshold = 5
	DefaultSendTimeout      = 2 * time.Second
)

// Conn is the transport a session streams over.
type Conn interface {
	Register(ctx context.Context, req transport.RegisterRequest) (string, error)
	Join(ctx context.Context, id string) error
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens a Conn to a server address.
type Dialer func(ctx context.Context, addr string) (Conn, error)

// TransportDialer dials the WebSocket transport.
func TransportDialer(opts transport.Options) Dialer {
	return func(ctx context.Context, addr string) (Conn, error) {
		conn, err := transport.Dial(ctx, addr, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Clock supplies frame timestamps. *timesync.Synchronizer implements it.
type Clock interface {
	Now() time.Time
	IsSynchronized() bool
}

type localClock struct{}

func (localClock) Now() time.Time       { return time.Now() }
func (localClock) IsSynchronized() bool { return false }

// Config wires the manager's collaborators.
type Config struct {
	Dialer Dialer
	Source sensor.Source
	Clock  Clock

	// Address is used by JoinSession before any Connect.
	Address string
	// Options are the capture parameters used by JoinSession.
	Options  sensor.Options
	DeviceID string

	Mesh       meshenc.Config
	Transforms map[sensor.Modality]codec.Transform

	// FailureThreshold is the number of consecutive failed sends tolerated
	// while streaming; one more forces the session to Failed.
	FailureThreshold int
	SendTimeout      time.Duration
	AudioChannels    int
}

// Manager is the root of the client. All methods are safe for concurrent use.
type Manager struct {
	dialer     Dialer
	source     sensor.Source
	clock      Clock
	deviceID   string
	encoder    *meshenc.Encoder
	transforms map[sensor.Modality]codec.Transform
	threshold  int
	timeout    time.Duration
	channels   int

	attemptMu sync.Mutex // serializes attempt start and Disconnect
	current   *Attempt

	tickMu  sync.Mutex // held for the duration of a tick
	skipped atomic.Int64

	mu         sync.Mutex
	state      State
	address    string
	options    sensor.Options
	sessionID  string
	conn       Conn
	buffers    *buffer.Set
	processor  *audio.Processor
	generation uint64
	failures   int
	seq        uint64
	lastErr    error
}

// NewManager validates cfg and returns a disconnected manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Source == nil {
		return nil, errors.New("session: capture source is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = TransportDialer(transport.Options{})
	}
	if cfg.Clock == nil {
		cfg.Clock = localClock{}
	}
	if cfg.Options == nil {
		cfg.Options = sensor.DefaultOptions()
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if cfg.Mesh == (meshenc.Config{}) {
		cfg.Mesh = meshenc.DefaultConfig()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.AudioChannels <= 0 {
		cfg.AudioChannels = 1
	}

	// fail on bad buffer settings now rather than at connect time
	if _, err := buffer.NewSet(cfg.Options); err != nil {
		return nil, err
	}

	encoder, err := meshenc.NewEncoder(cfg.Mesh)
	if err != nil {
		return nil, err
	}

	transforms := map[sensor.Modality]codec.Transform{sensor.Depth: codec.LZ4{}}
	for m, t := range cfg.Transforms {
		transforms[m] = t
	}

	return &Manager{
		dialer:     cfg.Dialer,
		source:     cfg.Source,
		clock:      cfg.Clock,
		deviceID:   cfg.DeviceID,
		encoder:    encoder,
		transforms: transforms,
		threshold:  cfg.FailureThreshold,
		timeout:    cfg.SendTimeout,
		channels:   cfg.AudioChannels,
		address:    cfg.Address,
		options:    cfg.Options.Clone(),
	}, nil
}

// DeviceID identifies this client in registration requests.
func (m *Manager) DeviceID() string { return m.deviceID }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID returns the current session id, or "" when there is none.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Options returns a copy of the capture parameters of the current session.
func (m *Manager) Options() sensor.Options {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options.Clone()
}

// EnabledModalities lists the modalities streamed by the current session.
func (m *Manager) EnabledModalities() []sensor.Modality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options.Enabled()
}

// LastError is the error that last moved the session to Failed.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// CurrentAttempt returns the most recent connect/join attempt, or nil.
func (m *Manager) CurrentAttempt() *Attempt {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()
	return m.current
}

// SkippedTicks counts ticks dropped because the previous one was still running.
func (m *Manager) SkippedTicks() int64 { return m.skipped.Load() }

// Connect registers a new session with the server at addr and blocks until
// the attempt finishes.
func (m *Manager) Connect(ctx context.Context, addr string, opts sensor.Options) error {
	return m.ConnectAsync(ctx, addr, opts).Wait()
}

// ConnectAsync starts a connect attempt. Any attempt already in flight is
// cancelled and awaited first.
//
// Options that cannot build the modality buffers are rejected up front: the
// returned attempt is already finished with the buffer error, and neither the
// state nor the attempt in flight is touched.
func (m *Manager) ConnectAsync(ctx context.Context, addr string, opts sensor.Options) *Attempt {
	opts = opts.Clone()
	if _, err := buffer.NewSet(opts); err != nil {
		a := newAttempt("connect", func() {})
		a.finish(err)
		return a
	}
	return m.begin(ctx, "connect", func(ctx context.Context) error {
		return m.establish(ctx, addr, "", opts)
	})
}

// JoinSession attaches to an existing session id on the configured server.
func (m *Manager) JoinSession(ctx context.Context, id string) error {
	return m.JoinSessionAsync(ctx, id).Wait()
}

func (m *Manager) JoinSessionAsync(ctx context.Context, id string) *Attempt {
	m.mu.Lock()
	addr, opts := m.address, m.options.Clone()
	m.mu.Unlock()

	return m.begin(ctx, "join", func(ctx context.Context) error {
		if id == "" {
			return m.fail(ctx, nil, fmt.Errorf("%w: empty id", ErrUnknownSessionID))
		}
		return m.establish(ctx, addr, id, opts)
	})
}

func (m *Manager) begin(parent context.Context, kind string, run func(context.Context) error) *Attempt {
	m.attemptMu.Lock()
	defer m.attemptMu.Unlock()

	if prev := m.current; prev != nil {
		prev.Cancel()
		<-prev.Done()
	}

	ctx, cancel := context.WithCancel(parent)
	a := newAttempt(kind, cancel)
	m.current = a

	go func() {
		a.finish(run(ctx))
	}()
	return a
}

// establish runs one connect (join == "") or join attempt.
func (m *Manager) establish(ctx context.Context, addr, join string, opts sensor.Options) error {
	m.mu.Lock()
	m.releaseLocked()
	m.address = addr
	m.lastErr = nil
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	buffers, err := buffer.NewSet(opts)
	if err != nil {
		return m.fail(ctx, nil, err)
	}

	conn, err := m.dialer(ctx, addr)
	if err != nil {
		return m.fail(ctx, nil, err)
	}

	id := join
	if join == "" {
		id, err = conn.Register(ctx, transport.RegisterRequest{
			DeviceID: m.deviceID,
			Options:  opts.Clone(),
		})
	} else {
		err = conn.Join(ctx, join)
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		return m.fail(ctx, conn, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.conn = conn
	m.sessionID = id
	m.options = opts
	m.buffers = buffers
	m.generation++
	m.setStateLocked(Connected)

	util.LogSuccess("session %s ready (%s)", id, addr)
	return nil
}

// fail releases a half-built attempt and passes through Failed to
// Disconnected. A cancelled attempt goes straight to Disconnected.
func (m *Manager) fail(ctx context.Context, conn Conn, err error) error {
	if conn != nil {
		if cerr := conn.Close(); cerr != nil {
			util.LogDebug("closing abandoned connection: %v", cerr)
		}
	}

	err = classify(ctx, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if !errors.Is(err, ErrCancelled) {
		m.setStateLocked(Failed)
		m.lastErr = err
		util.LogError("%s: %v", Describe(err), err)
	}
	m.setStateLocked(Disconnected)
	return err
}

// StartStreaming begins per-tick frame production. Only valid when Connected.
func (m *Manager) StartStreaming() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Connected {
		return fmt.Errorf("%w: cannot start streaming while %s", ErrInvalidState, m.state)
	}

	if opt, ok := m.options[sensor.Audio]; ok && opt.Enabled {
		proc, err := audio.NewProcessor(opt.SampleRate, m.channels)
		if err != nil {
			return err
		}
		m.processor = proc
		util.LogDebug("audio: %d Hz, %d channel(s)", proc.SampleRate(), proc.Channels())
	}

	m.failures = 0
	m.setStateLocked(Streaming)
	return nil
}

// StopStreaming halts frame production and keeps the session.
func (m *Manager) StopStreaming() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Streaming {
		return fmt.Errorf("%w: cannot stop streaming while %s", ErrInvalidState, m.state)
	}
	m.closeProcessorLocked()
	m.setStateLocked(Connected)
	return nil
}

// Disconnect cancels any in-flight attempt, releases the session and
// always ends in Disconnected. Close errors are logged, not returned.
func (m *Manager) Disconnect() {
	m.attemptMu.Lock()
	if prev := m.current; prev != nil {
		prev.Cancel()
		<-prev.Done()
	}
	m.attemptMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
	m.lastErr = nil
	m.setStateLocked(Disconnected)
}

// Close disconnects and frees the mesh encoder. The manager is unusable afterwards.
func (m *Manager) Close() error {
	m.Disconnect()
	return m.encoder.Close()
}

// Push hands a sample from a capture callback to its buffer. It reports
// false when there is no session or the modality is not enabled.
func (m *Manager) Push(sample sensor.Sample) bool {
	m.mu.Lock()
	buffers := m.buffers
	m.mu.Unlock()

	if buffers == nil {
		return false
	}
	return buffers.Push(sample)
}

// releaseLocked drops the current session's resources.
func (m *Manager) releaseLocked() {
	m.closeProcessorLocked()
	if m.conn != nil {
		if err := m.conn.Close(); err != nil {
			util.LogWarning("closing session %s: %v", m.sessionID, err)
		}
	}
	m.conn = nil
	m.buffers = nil
	m.sessionID = ""
	m.failures = 0
	m.generation++
}

func (m *Manager) closeProcessorLocked() {
	if m.processor != nil {
		_ = m.processor.Close()
		m.processor = nil
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state != s {
		util.LogDebug("session state %s -> %s", m.state, s)
	}
	m.state = s
}
