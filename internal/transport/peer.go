package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultICEServers are used when Options.ICEServers is empty.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection configured with the given STUN
// servers. An empty list means host candidates only.
func newPeerConnection(iceServers []string) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return webrtc.NewPeerConnection(config)
}

// newFrameChannel creates the pre-negotiated frame DataChannel. Both sides
// create it with ID 0, so neither relies on OnDataChannel. Frames are
// timestamped, so ordering is left on to keep the server side simple.
func newFrameChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("frames", &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
	})
}
