package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/util"
)

// Role decides which side of a link sends the offer.
type Role int

const (
	Initiator Role = iota + 1
	Responder
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// State is a link's position in Created → Negotiating → Connected → Closed.
type State int

const (
	StateCreated State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

var stateNames = []string{"created", "negotiating", "connected", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// LinkInfo is a read-only view of one link.
type LinkInfo struct {
	RemoteID       string
	Role           Role
	State          State
	HasRemoteMedia bool
	OutboundVideo  webrtc.TrackLocal
}

// Event reports a connection-driven transition. Closed events carry
// ErrLinkFailed when the connection failed rather than closed.
type Event struct {
	RemoteID string
	State    State
	Err      error
}

type link struct {
	remoteID string
	role     Role
	state    State
	conn     Conn
	log      util.Logger

	video, audio Sender
	outbound     webrtc.TrackLocal

	remoteSet bool
	pending   []webrtc.ICECandidateInit // remote candidates awaiting the remote description

	// Local candidates are held back until our offer or answer has been
	// sent, so the remote side never sees a candidate for a link it does
	// not know yet.
	announced bool
	outbox    []webrtc.ICECandidateInit

	hasRemoteMedia bool
}

func (l *link) info() LinkInfo {
	return LinkInfo{
		RemoteID:       l.remoteID,
		Role:           l.role,
		State:          l.state,
		HasRemoteMedia: l.hasRemoteMedia,
		OutboundVideo:  l.outbound,
	}
}

// negotiating moves a fresh link into Negotiating. A Connected link that
// renegotiates keeps reporting Connected.
func (l *link) negotiating() {
	if l.state == StateCreated {
		l.state = StateNegotiating
	}
}

// applyRemote sets the remote description and flushes candidates that
// arrived before it.
func (l *link) applyRemote(sdp webrtc.SessionDescription) error {
	if err := l.conn.SetRemoteDescription(sdp); err != nil {
		return err
	}
	l.remoteSet = true

	for _, c := range l.pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.log.Warn("failed to add buffered candidate", "err", err)
		}
	}
	l.pending = nil
	return nil
}

func (l *link) addCandidate(c webrtc.ICECandidateInit) error {
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		return nil
	}
	return l.conn.AddICECandidate(c)
}
