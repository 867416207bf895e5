package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/sensorlink/internal/util"
)

var (
	ErrRejected       = errors.New("session rejected by server")
	ErrUnknownSession = errors.New("unknown session id")
	ErrClosed         = errors.New("connection closed")
)

const (
	writeTimeout            = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultNegotiateTimeout = 15 * time.Second
)

// Options configures a client connection.
type Options struct {
	// DataChannel moves frames onto a WebRTC DataChannel after registration.
	// The WebSocket is used when negotiation fails.
	DataChannel      bool
	ICEServers       []string
	HandshakeTimeout time.Duration
	NegotiateTimeout time.Duration
}

// Conn is the device's connection to a collection server: a WebSocket
// control channel that also carries binary frames, optionally upgraded to
// a WebRTC DataChannel for frames.
type Conn struct {
	ws   *websocket.Conn
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex // gorilla/websocket allows one concurrent writer
	reqMu   sync.Mutex // one outstanding request at a time
	replies chan message

	done    chan struct{}
	readErr error // set before done is closed

	mu      sync.Mutex
	peer    *dataChannel
	session string

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the collection server at addr, which may be a bare
// host:port or a ws/wss/http/https URL.
func Dial(ctx context.Context, addr string, opts Options) (*Conn, error) {
	u, err := NormalizeURL(addr)
	if err != nil {
		return nil, err
	}

	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.NegotiateTimeout <= 0 {
		opts.NegotiateTimeout = defaultNegotiateTimeout
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u, err)
	}

	cCtx, cCancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:      ws,
		opts:    opts,
		ctx:     cCtx,
		cancel:  cCancel,
		replies: make(chan message, 1),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	util.LogDebug("connected to %s", u)
	return c, nil
}

// NormalizeURL turns a server address into the WebSocket endpoint URL.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty server address")
	}
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid server address: %s", raw)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in server address", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

// Session returns the id of the registered or joined session, if any.
func (c *Conn) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Done is closed once the server side of the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Register asks the server to create a session and returns its id.
func (c *Conn) Register(ctx context.Context, req RegisterRequest) (string, error) {
	reply, err := c.request(ctx, message{
		Type:    msgTypeRegister,
		Device:  req.DeviceID,
		Options: req.Options.Clone(),
		Meta:    req.Meta,
	}, msgTypeRegistered)
	if err != nil {
		return "", err
	}
	if reply.Session == "" {
		return "", fmt.Errorf("%w: empty session id", ErrRejected)
	}

	c.setSession(reply.Session)
	c.maybeNegotiate(ctx)
	return reply.Session, nil
}

// Join attaches this connection to an existing session.
func (c *Conn) Join(ctx context.Context, id string) error {
	if _, err := c.request(ctx, message{Type: msgTypeJoin, Session: id}, msgTypeJoined); err != nil {
		return err
	}

	c.setSession(id)
	c.maybeNegotiate(ctx)
	return nil
}

// Send transmits one encoded frame.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if peer := c.readyPeer(); peer != nil {
		if err := peer.Send(ctx, data); err != nil {
			return err
		}
		util.Stats.AddSent(len(data))
		return nil
	}

	select {
	case <-c.done:
		return c.closedError()
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}

	util.Stats.AddSent(len(data))
	return nil
}

// Close says goodbye to the server and releases the connection. Errors
// during the goodbye are ignored; Close is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		peer := c.peer
		c.peer = nil
		c.mu.Unlock()
		if peer != nil {
			_ = peer.Close()
		}

		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteJSON(message{Type: msgTypeBye})
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()

		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *Conn) setSession(id string) {
	c.mu.Lock()
	c.session = id
	c.mu.Unlock()
}

func (c *Conn) closedError() error {
	if c.readErr != nil {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

func (c *Conn) writeJSON(msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(msg)
}

// request sends msg and waits for the matching reply.
func (c *Conn) request(ctx context.Context, msg message, want messageType) (message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	// drop a late reply left over from an abandoned request
	select {
	case <-c.replies:
	default:
	}

	if err := c.writeJSON(msg); err != nil {
		return message{}, fmt.Errorf("send %s: %w", msg.Type, err)
	}

	select {
	case reply := <-c.replies:
		if reply.Type == msgTypeError {
			return message{}, replyError(reply)
		}
		if reply.Type != want {
			return message{}, fmt.Errorf("unexpected %q reply to %s", reply.Type, msg.Type)
		}
		return reply, nil
	case <-c.done:
		return message{}, c.closedError()
	case <-ctx.Done():
		return message{}, ctx.Err()
	}
}

func replyError(reply message) error {
	switch reply.Code {
	case codeRejected:
		if reply.Reason != "" {
			return fmt.Errorf("%w: %s", ErrRejected, reply.Reason)
		}
		return ErrRejected
	case codeUnknownSession:
		return ErrUnknownSession
	default:
		return fmt.Errorf("server error %q: %s", reply.Code, reply.Reason)
	}
}

// readLoop is the only reader of the WebSocket.
func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			util.LogWarning("malformed control message: %v", err)
			continue
		}

		switch msg.Type {
		case msgTypeRegistered, msgTypeJoined, msgTypeError:
			select {
			case c.replies <- msg:
			default:
				util.LogDebug("dropping unsolicited %s message", msg.Type)
			}

		case msgTypeAnswer:
			if peer := c.currentPeer(); peer != nil {
				if err := peer.acceptAnswer(msg.SDP); err != nil {
					util.LogWarning("failed to apply data channel answer: %v", err)
				}
			}

		case msgTypeCandidate:
			if peer := c.currentPeer(); peer != nil {
				if err := peer.addCandidate(msg.Candidate); err != nil {
					util.LogDebug("failed to add ICE candidate: %v", err)
				}
			}

		case msgTypeBye:
			util.LogDebug("server said goodbye")
		}
	}
}

func (c *Conn) currentPeer() *dataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Conn) readyPeer() *dataChannel {
	peer := c.currentPeer()
	if peer == nil {
		return nil
	}
	select {
	case <-peer.Done():
		return nil
	default:
	}
	select {
	case <-peer.Ready():
		return peer
	default:
		return nil
	}
}

func (c *Conn) maybeNegotiate(ctx context.Context) {
	if !c.opts.DataChannel {
		return
	}
	if err := c.negotiate(ctx); err != nil {
		util.LogWarning("data channel unavailable, sending frames over WebSocket: %v", err)
	}
}

// negotiate offers a frame DataChannel and waits until it opens.
func (c *Conn) negotiate(ctx context.Context) error {
	iceServers := c.opts.ICEServers
	if iceServers == nil {
		iceServers = DefaultICEServers
	}

	peer, err := newDataChannel(c.ctx, iceServers)
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}
	peer.onCandidate(c.writeJSON)

	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()

	fail := func(err error) error {
		c.mu.Lock()
		if c.peer == peer {
			c.peer = nil
		}
		c.mu.Unlock()
		_ = peer.Close()
		return err
	}

	sdp, err := peer.createOffer()
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	if err := c.writeJSON(message{Type: msgTypeOffer, SDP: sdp}); err != nil {
		return fail(fmt.Errorf("send offer: %w", err))
	}

	timer := time.NewTimer(c.opts.NegotiateTimeout)
	defer timer.Stop()

	select {
	case <-peer.Ready():
		util.LogInfo("frame data channel established")
		return nil
	case <-timer.C:
		return fail(fmt.Errorf("timed out waiting for data channel (peer connection %s)", peer.ConnectionState()))
	case <-c.done:
		return fail(c.closedError())
	case <-ctx.Done():
		return fail(ctx.Err())
	}
}
