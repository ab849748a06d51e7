// Package transport backs each peer link with a pion PeerConnection.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/util"
)

const rtpBufferSize = 1500

// Transport wraps one PeerConnection. Every transceiver is sendrecv so the
// outbound track can be swapped later without renegotiating.
//
// Its lifetime is bounded by the context passed to New: cancelling it
// closes the connection.
type Transport struct {
	pc  *webrtc.PeerConnection
	log util.Logger

	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
	onState func(webrtc.PeerConnectionState)
}

var _ peer.Conn = (*Transport)(nil)

// New creates a Transport on api. remoteID only tags log lines.
func New(ctx context.Context, api *webrtc.API, iceServers []string, remoteID string) (*Transport, error) {
	pc, err := api.NewPeerConnection(configuration(iceServers))
	if err != nil {
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)
	t := &Transport{
		pc:      pc,
		log:     util.For("transport").With(remoteID),
		ctx:     tCtx,
		cancel:  tCancel,
		pcState: webrtc.PeerConnectionStateNew,
	}
	t.stop = context.AfterFunc(tCtx, func() { _ = pc.Close() })

	// Record state, then forward to the link.
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.log.Debug("peer connection state", "state", state.String())
		t.mu.Lock()
		t.pcState = state
		fn := t.onState
		t.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done is closed once the Transport is closed or its context ends.
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts the PeerConnection down. The state handler sees Closed
// before Close returns.
func (t *Transport) Close() error {
	t.stop()
	t.cancel()
	return t.pc.Close()
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

func (t *Transport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddTransceiver adds a sendrecv transceiver. Without a track pion sends
// from a silent placeholder until ReplaceTrack is called.
func (t *Transport) AddTransceiver(kind webrtc.RTPCodecType, track webrtc.TrackLocal) (peer.Sender, error) {
	init := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv}

	var (
		tr  *webrtc.RTPTransceiver
		err error
	)
	if track != nil {
		tr, err = t.pc.AddTransceiverFromTrack(track, init)
	} else {
		tr, err = t.pc.AddTransceiverFromKind(kind, init)
	}
	if err != nil {
		return nil, err
	}

	sender := tr.Sender()
	if sender == nil {
		return nil, errors.New("transport: transceiver has no sender")
	}
	go t.drainRTCP(sender)
	return sender, nil
}

// drainRTCP reads incoming RTCP so interceptors (NACK, reports) run.
func (t *Transport) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, rtpBufferSize)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// OnTrack reports every inbound track. Video tracks get an immediate
// keyframe request; the periodic one comes from the PLI interceptor.
func (t *Transport) OnTrack(fn func(kind webrtc.RTPCodecType, streamID string)) {
	t.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.log.Info("remote track", "kind", track.Kind().String(), "codec", track.Codec().MimeType)

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			err := t.pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				t.log.Debug("failed to send PLI", "err", err)
			}
		}

		fn(track.Kind(), track.StreamID())
		go t.drainRTP(track)
	})
}

// drainRTP consumes inbound media. Playback is not this package's concern.
func (t *Transport) drainRTP(track *webrtc.TrackRemote) {
	buf := make([]byte, rtpBufferSize)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP and starts gathering.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback for each gathered local candidate.
// The end-of-gathering marker is swallowed.
func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// Factory returns a peer.ConnFactory creating Transports on api, all
// bounded by ctx.
func Factory(ctx context.Context, api *webrtc.API, iceServers []string) peer.ConnFactory {
	return func(remoteID string) (peer.Conn, error) {
		return New(ctx, api, iceServers, remoteID)
	}
}
