package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/sensorlink/internal/util"
)

// dataChannel wraps a single PeerConnection + frame DataChannel pair.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state is recorded but does not
// drive open/close decisions.
type dataChannel struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	pcState   webrtc.PeerConnectionState
	remoteSet bool
	pending   []webrtc.ICECandidateInit // trickled before the remote description
}

func newDataChannel(ctx context.Context, iceServers []string) (*dataChannel, error) {
	pc, err := newPeerConnection(iceServers)
	if err != nil {
		return nil, err
	}

	dc, err := newFrameChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	dcCtx, dcCancel := context.WithCancel(ctx)

	d := &dataChannel{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        dcCtx,
		cancel:     dcCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(d.openSignal) })
	})

	dc.OnClose(func() {
		util.LogDebug("frame data channel closed")
		dcCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("peer connection state: %s", state.String())
		d.mu.Lock()
		d.pcState = state
		d.mu.Unlock()
	})

	d.sender = newSender(dcCtx, dc, d.openSignal)

	return d, nil
}

// Ready is closed once the DataChannel is open.
func (d *dataChannel) Ready() <-chan struct{} { return d.openSignal }

// Done is closed when the DataChannel closes or its parent context ends.
func (d *dataChannel) Done() <-chan struct{} { return d.ctx.Done() }

func (d *dataChannel) Close() error {
	d.cancel()
	return errors.Join(d.dc.Close(), d.pc.Close())
}

func (d *dataChannel) ConnectionState() webrtc.PeerConnectionState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pcState
}

func (d *dataChannel) Send(ctx context.Context, data []byte) error {
	return d.sender.send(ctx, data)
}

// OnFrame registers a callback for every inbound DataChannel message.
func (d *dataChannel) OnFrame(fn func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

// onCandidate forwards gathered local candidates through send.
func (d *dataChannel) onCandidate(send func(message) error) {
	d.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		// best-effort, like every trickled candidate
		_ = send(message{Type: msgTypeCandidate, Candidate: string(data)})
	})
}

func (d *dataChannel) createOffer() (string, error) {
	offer, err := d.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := d.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// answer applies a remote offer and returns the local answer SDP.
func (d *dataChannel) answer(sdp string) (string, error) {
	if err := d.setRemote(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	}); err != nil {
		return "", err
	}
	answer, err := d.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := d.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (d *dataChannel) acceptAnswer(sdp string) error {
	return d.setRemote(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: sdp,
	})
}

// setRemote applies the remote description, then any candidates that
// arrived ahead of it.
func (d *dataChannel) setRemote(desc webrtc.SessionDescription) error {
	if err := d.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	d.mu.Lock()
	d.remoteSet = true
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()

	var errs []error
	for _, c := range pending {
		errs = append(errs, d.pc.AddICECandidate(c))
	}
	return errors.Join(errs...)
}

// addCandidate applies a trickled remote candidate, holding it back until
// the remote description is known.
func (d *dataChannel) addCandidate(raw string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &init); err != nil {
		return err
	}

	d.mu.Lock()
	if !d.remoteSet {
		d.pending = append(d.pending, init)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	return d.pc.AddICECandidate(init)
}
