package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/1ureka/sensorlink/internal/sensor"
	"github.com/1ureka/sensorlink/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame is one binary frame received by the Server.
type Frame struct {
	Session  string
	Data     []byte
	Received time.Time
}

// ServerOptions configures the development collection server.
type ServerOptions struct {
	// Accept decides whether a registration is allowed; nil accepts all.
	Accept func(RegisterRequest) error
	// OnFrame receives every frame of every session. It must not block for long.
	OnFrame    func(Frame)
	ICEServers []string
}

// SessionInfo describes a session known to the Server.
type SessionInfo struct {
	ID       string         `json:"id"`
	DeviceID string         `json:"device,omitempty"`
	Options  sensor.Options `json:"options,omitempty"`
	Frames   int64          `json:"frames"`
	Created  time.Time      `json:"created"`
}

// Server is a minimal collection server: it registers and joins sessions
// and hands received frames to OnFrame. It backs `sensorlink serve` and
// the client tests.
type Server struct {
	opts ServerOptions

	mu       sync.Mutex
	sessions map[string]*SessionInfo
	conns    map[*websocket.Conn]struct{}

	listener net.Listener
	httpSrv  *http.Server
}

func NewServer(opts ServerOptions) *Server {
	return &Server{
		opts:     opts,
		sessions: make(map[string]*SessionInfo),
		conns:    make(map[*websocket.Conn]struct{}),
	}
}

// CreateSession registers a session id ahead of time, so devices can join it.
func (s *Server) CreateSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		s.sessions[id] = &SessionInfo{ID: id, Created: time.Now()}
	}
}

// Session returns a snapshot of a known session.
func (s *Server) Session(id string) (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	out := *info
	out.Options = info.Options.Clone()
	return out, true
}

// Sessions lists known session ids, sorted.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handler serves the device WebSocket at /ws and a small JSON view of
// the known sessions under /sessions.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleCreateSession).Methods(http.MethodPut)
	return r
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Sessions())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, ok := s.Session(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	s.CreateSession(id)
	info, _ := s.Session(id)
	writeJSON(w, http.StatusCreated, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.LogDebug("write response: %v", err)
	}
}

// Start listens on addr (":0" picks a free port) and returns the bound address.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start collection server: %w", err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogError("collection server stopped: %v", err)
		}
	}()

	return listener.Addr().String(), nil
}

// Close stops accepting connections and drops the live ones.
func (s *Server) Close() error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	s.serveConn(r.Context(), conn)
}

// serveConn handles one device connection until it leaves.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	var (
		writeMu sync.Mutex
		current string
		peer    *dataChannel
		early   []string // candidates trickled ahead of their offer
	)

	send := func(msg message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(msg)
	}

	defer func() {
		if peer != nil {
			_ = peer.Close()
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if current != "" && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				util.LogDebug("session %s: connection lost: %v", current, err)
			}
			return
		}

		if mt == websocket.BinaryMessage {
			if current == "" {
				util.LogDebug("dropping frame from unregistered connection")
				continue
			}
			s.deliver(current, data)
			continue
		}

		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = send(message{Type: msgTypeError, Code: codeBadRequest, Reason: err.Error()})
			continue
		}

		switch msg.Type {
		case msgTypeRegister:
			req := RegisterRequest{DeviceID: msg.Device, Options: msg.Options, Meta: msg.Meta}
			if s.opts.Accept != nil {
				if err := s.opts.Accept(req); err != nil {
					_ = send(message{Type: msgTypeError, Code: codeRejected, Reason: err.Error()})
					continue
				}
			}
			current = s.register(req)
			util.LogInfo("session %s registered by device %s", current, msg.Device)
			_ = send(message{Type: msgTypeRegistered, Session: current})

		case msgTypeJoin:
			if _, ok := s.Session(msg.Session); !ok {
				_ = send(message{Type: msgTypeError, Code: codeUnknownSession})
				continue
			}
			current = msg.Session
			util.LogInfo("device joined session %s", current)
			_ = send(message{Type: msgTypeJoined, Session: current})

		case msgTypeOffer:
			if current == "" {
				_ = send(message{Type: msgTypeError, Code: codeBadRequest, Reason: "offer before registration"})
				continue
			}
			if peer != nil {
				_ = peer.Close()
			}
			peer, err = s.answerOffer(ctx, current, msg.SDP, send)
			if err != nil {
				util.LogWarning("session %s: data channel negotiation failed: %v", current, err)
				_ = send(message{Type: msgTypeError, Code: codeBadRequest, Reason: err.Error()})
				early = nil
				continue
			}
			for _, c := range early {
				if err := peer.addCandidate(c); err != nil {
					util.LogDebug("session %s: failed to add ICE candidate: %v", current, err)
				}
			}
			early = nil

		case msgTypeCandidate:
			if peer == nil {
				if current != "" {
					early = append(early, msg.Candidate)
				}
				continue
			}
			if err := peer.addCandidate(msg.Candidate); err != nil {
				util.LogDebug("session %s: failed to add ICE candidate: %v", current, err)
			}

		case msgTypeBye:
			return
		}
	}
}

func (s *Server) answerOffer(ctx context.Context, id, sdp string, send func(message) error) (*dataChannel, error) {
	peer, err := newDataChannel(ctx, s.opts.ICEServers)
	if err != nil {
		return nil, err
	}
	peer.onCandidate(send)
	peer.OnFrame(func(data []byte) { s.deliver(id, data) })

	answer, err := peer.answer(sdp)
	if err != nil {
		_ = peer.Close()
		return nil, err
	}
	if err := send(message{Type: msgTypeAnswer, SDP: answer}); err != nil {
		_ = peer.Close()
		return nil, err
	}
	return peer, nil
}

func (s *Server) register(req RegisterRequest) string {
	id := newSessionID()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = &SessionInfo{
		ID:       id,
		DeviceID: req.DeviceID,
		Options:  req.Options.Clone(),
		Created:  time.Now(),
	}
	return id
}

func (s *Server) deliver(id string, data []byte) {
	s.mu.Lock()
	if info, ok := s.sessions[id]; ok {
		info.Frames++
	}
	s.mu.Unlock()

	util.Stats.AddRecv(len(data))
	if s.opts.OnFrame != nil {
		s.opts.OnFrame(Frame{Session: id, Data: data, Received: time.Now()})
	}
}

// newSessionID returns a short random id suitable for typing or a QR code.
func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
