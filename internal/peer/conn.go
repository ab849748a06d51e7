// Package peer owns the mesh: one link per remote participant, each backed
// by its own peer connection, negotiated through the signaling relay.
package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/signaling"
)

// Sender feeds one outbound transceiver.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// Conn is the peer connection behind a link. transport.Transport is the
// real implementation; peertest provides an in-memory one.
//
// Handlers may be called from any goroutine. Close may invoke the state
// handler synchronously.
type Conn interface {
	// AddTransceiver adds a sendrecv transceiver of kind. track may be nil,
	// in which case nothing is sent until ReplaceTrack.
	AddTransceiver(kind webrtc.RTPCodecType, track webrtc.TrackLocal) (Sender, error)

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate is not called for the end-of-gathering marker.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnTrack(fn func(kind webrtc.RTPCodecType, streamID string))
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))

	Close() error
}

// ConnFactory creates the connection for a new link to remoteID.
type ConnFactory func(remoteID string) (Conn, error)

// Signaler carries negotiation messages to a remote participant.
// signaling.Client satisfies it.
type Signaler interface {
	Send(to string, msg signaling.Message)
}

// LocalTracks are attached to every new link. Either may be nil.
type LocalTracks struct {
	Video webrtc.TrackLocal
	Audio webrtc.TrackLocal
}
