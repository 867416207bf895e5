package transport

import (
	"github.com/1ureka/sensorlink/internal/sensor"
)

// messageType identifies a control message on the WebSocket.
type messageType string

const (
	msgTypeRegister   messageType = "register"
	msgTypeRegistered messageType = "registered"
	msgTypeJoin       messageType = "join"
	msgTypeJoined     messageType = "joined"
	msgTypeError      messageType = "error"
	msgTypeOffer      messageType = "offer"
	msgTypeAnswer     messageType = "answer"
	msgTypeCandidate  messageType = "candidate"
	msgTypeBye        messageType = "bye"
)

// Error codes carried by msgTypeError.
const (
	codeRejected       = "rejected"
	codeUnknownSession = "unknown_session"
	codeBadRequest     = "bad_request"
)

// message is the JSON structure exchanged over the control channel. Frames
// travel as binary WebSocket messages (or on the data channel) and never
// use this envelope.
type message struct {
	Type      messageType       `json:"type"`
	Session   string            `json:"session,omitempty"`
	Device    string            `json:"device,omitempty"`
	Options   sensor.Options    `json:"options,omitempty"`
	Code      string            `json:"code,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	SDP       string            `json:"sdp,omitempty"`
	Candidate string            `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
	Meta      map[string]string `json:"meta,omitempty"`
}

// RegisterRequest asks the server for a new session. Options is a snapshot;
// the caller keeps ownership of its own copy.
type RegisterRequest struct {
	DeviceID string
	Options  sensor.Options
	Meta     map[string]string
}
