package peer

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/1ureka/meshcall/internal/signaling"
	"github.com/1ureka/meshcall/internal/telemetry"
	"github.com/1ureka/meshcall/internal/util"
)

var (
	ErrUnknownPeer    = errors.New("peer: unknown remote participant")
	ErrInvalidSDP     = errors.New("peer: invalid session description")
	ErrRegistryClosed = errors.New("peer: registry shut down")
	ErrLinkFailed     = errors.New("peer: connection failed")
)

// Registry holds at most one link per remote participant.
//
// Negotiation calls on a Conn are made with mu held; Close never is, since
// it can fire the state handler synchronously.
type Registry struct {
	factory  ConnFactory
	signaler Signaler
	metrics  *telemetry.Metrics
	log      util.Logger

	mu       sync.Mutex
	links    map[string]*link
	shutdown bool
	onEvent  func(Event)
}

// NewRegistry creates an empty registry. metrics may be nil.
func NewRegistry(factory ConnFactory, signaler Signaler, metrics *telemetry.Metrics) *Registry {
	return &Registry{
		factory:  factory,
		signaler: signaler,
		metrics:  metrics,
		log:      util.For("peer"),
		links:    make(map[string]*link),
	}
}

// OnEvent registers the handler for connection-driven transitions,
// replacing any earlier one.
func (r *Registry) OnEvent(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = fn
}

// EnsurePeer returns the link to remoteID, creating it if needed. A second
// call for the same id returns the existing link unchanged, whatever role
// it asks for. A new initiator link sends its offer right away.
func (r *Registry) EnsurePeer(remoteID string, role Role, local LocalTracks) (LinkInfo, error) {
	r.mu.Lock()
	if l, ok := r.links[remoteID]; ok {
		info := l.info()
		r.mu.Unlock()
		return info, nil
	}

	l, err := r.createLocked(remoteID, role, local)
	if err != nil {
		r.mu.Unlock()
		return LinkInfo{}, err
	}

	var offer webrtc.SessionDescription
	if role == Initiator {
		l.negotiating()
		offer, err = r.offerLocked(l)
		if err != nil {
			delete(r.links, remoteID)
			r.updateMetricsLocked()
			r.mu.Unlock()
			l.conn.Close()
			return LinkInfo{}, err
		}
	}
	info := l.info()
	r.mu.Unlock()

	if role == Initiator {
		r.signaler.Send(remoteID, signaling.Offer{SDP: offer})
		r.announce(remoteID, l)
	}
	return info, nil
}

// Signal applies a negotiation message from a remote participant. An
// offer from an unknown participant creates a responder link.
func (r *Registry) Signal(from string, msg signaling.Message, local LocalTracks) error {
	switch m := msg.(type) {
	case signaling.Offer:
		return r.handleOffer(from, m.SDP, local)
	case signaling.Answer:
		return r.handleAnswer(from, m.SDP)
	case signaling.ICECandidate:
		return r.handleCandidate(from, m.Candidate)
	default:
		return fmt.Errorf("peer: not a negotiation message: %s", msg.Kind())
	}
}

func (r *Registry) handleOffer(from string, offer webrtc.SessionDescription, local LocalTracks) error {
	if err := validateSDP(offer, webrtc.SDPTypeOffer); err != nil {
		return err
	}

	r.mu.Lock()
	l, ok := r.links[from]
	if !ok {
		var err error
		if l, err = r.createLocked(from, Responder, local); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	l.negotiating()

	answer, err := func() (webrtc.SessionDescription, error) {
		if err := l.applyRemote(offer); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("failed to apply offer: %w", err)
		}
		answer, err := l.conn.CreateAnswer()
		if err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
		}
		if err := l.conn.SetLocalDescription(answer); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("failed to set answer: %w", err)
		}
		return answer, nil
	}()
	if err != nil && !ok {
		delete(r.links, from)
		r.updateMetricsLocked()
	}
	r.mu.Unlock()
	if err != nil {
		if !ok {
			r.closeConn(l)
		}
		return err
	}

	r.signaler.Send(from, signaling.Answer{SDP: answer})
	r.announce(from, l)
	return nil
}

func (r *Registry) handleAnswer(from string, answer webrtc.SessionDescription) error {
	if err := validateSDP(answer, webrtc.SDPTypeAnswer); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[from]
	if !ok {
		return fmt.Errorf("%w: answer from %s", ErrUnknownPeer, from)
	}
	if err := l.applyRemote(answer); err != nil {
		return fmt.Errorf("failed to apply answer: %w", err)
	}
	return nil
}

func (r *Registry) handleCandidate(from string, c webrtc.ICECandidateInit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.links[from]
	if !ok {
		return fmt.Errorf("%w: candidate from %s", ErrUnknownPeer, from)
	}
	if err := l.addCandidate(c); err != nil {
		return fmt.Errorf("failed to add candidate: %w", err)
	}
	return nil
}

// ReplaceOutboundVideo swaps the outbound video on every link without
// renegotiating. It returns the links where the swap failed; those keep
// their previous track and do not affect the others.
func (r *Registry) ReplaceOutboundVideo(track webrtc.TrackLocal) map[string]error {
	type target struct {
		link   *link
		sender Sender
	}

	r.mu.Lock()
	targets := lo.MapToSlice(r.links, func(_ string, l *link) target {
		return target{link: l, sender: l.video}
	})
	r.mu.Unlock()

	failed := make(map[string]error)
	var ok []*link
	for _, t := range targets {
		if err := t.sender.ReplaceTrack(track); err != nil {
			failed[t.link.remoteID] = err
			r.metrics.ReplaceFailed()
			t.link.log.Warn("failed to replace outbound video", "err", err)
			continue
		}
		ok = append(ok, t.link)
	}

	r.mu.Lock()
	for _, l := range ok {
		l.outbound = track
	}
	r.mu.Unlock()

	r.log.Debug("replaced outbound video", "links", len(targets), "failed", len(failed))
	return failed
}

// Close tears down the link to remoteID without emitting an event. It
// reports whether a link existed.
func (r *Registry) Close(remoteID string) bool {
	r.mu.Lock()
	l, ok := r.links[remoteID]
	if ok {
		delete(r.links, remoteID)
		r.updateMetricsLocked()
	}
	r.mu.Unlock()

	if ok {
		r.closeConn(l)
	}
	return ok
}

// CloseAll tears down every link in any state. The registry stays usable.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	links := lo.Values(r.links)
	r.links = make(map[string]*link)
	r.updateMetricsLocked()
	r.mu.Unlock()

	for _, l := range links {
		r.closeConn(l)
	}
}

// Shutdown closes every link and refuses new ones.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
	r.CloseAll()
}

// Links returns a snapshot of every link.
func (r *Registry) Links() []LinkInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	links := lo.MapToSlice(r.links, func(_ string, l *link) LinkInfo { return l.info() })
	slices.SortFunc(links, func(a, b LinkInfo) int { return strings.Compare(a.RemoteID, b.RemoteID) })
	return links
}

// Link returns the link to remoteID, if any.
func (r *Registry) Link(remoteID string) (LinkInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[remoteID]
	if !ok {
		return LinkInfo{}, false
	}
	return l.info(), true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// createLocked builds a link with one video and one audio transceiver, so
// later track swaps never need a new transceiver.
func (r *Registry) createLocked(remoteID string, role Role, local LocalTracks) (*link, error) {
	if r.shutdown {
		return nil, ErrRegistryClosed
	}

	conn, err := r.factory(remoteID)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection to %s: %w", remoteID, err)
	}

	l := &link{
		remoteID: remoteID,
		role:     role,
		state:    StateCreated,
		conn:     conn,
		log:      r.log.With(remoteID),
		outbound: local.Video,
	}

	if l.video, err = conn.AddTransceiver(webrtc.RTPCodecTypeVideo, local.Video); err == nil {
		l.audio, err = conn.AddTransceiver(webrtc.RTPCodecTypeAudio, local.Audio)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to add transceivers for %s: %w", remoteID, err)
	}

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		r.localCandidate(remoteID, conn, c)
	})
	conn.OnTrack(func(kind webrtc.RTPCodecType, streamID string) {
		r.markRemoteMedia(remoteID, conn, kind)
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		r.handleState(remoteID, conn, s)
	})

	r.links[remoteID] = l
	r.updateMetricsLocked()
	l.log.Info("link created", "role", role)
	return l, nil
}

func (r *Registry) offerLocked(l *link) (webrtc.SessionDescription, error) {
	offer, err := l.conn.CreateOffer()
	if err != nil {
		return offer, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		return offer, fmt.Errorf("failed to set offer: %w", err)
	}
	return offer, nil
}

// announce marks l's description as sent and flushes the candidates
// gathered before that.
func (r *Registry) announce(remoteID string, l *link) {
	r.mu.Lock()
	if r.links[remoteID] != l {
		r.mu.Unlock()
		return
	}
	l.announced = true
	out := l.outbox
	l.outbox = nil
	r.mu.Unlock()

	for _, c := range out {
		r.signaler.Send(remoteID, signaling.ICECandidate{Candidate: c})
	}
}

func (r *Registry) localCandidate(remoteID string, conn Conn, c webrtc.ICECandidateInit) {
	r.mu.Lock()
	l, ok := r.links[remoteID]
	if !ok || l.conn != conn {
		r.mu.Unlock()
		return
	}
	if !l.announced {
		l.outbox = append(l.outbox, c)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.signaler.Send(remoteID, signaling.ICECandidate{Candidate: c})
}

func (r *Registry) markRemoteMedia(remoteID string, conn Conn, kind webrtc.RTPCodecType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.links[remoteID]; ok && l.conn == conn {
		l.hasRemoteMedia = true
		l.log.Debug("remote track", "kind", kind)
	}
}

// handleState maps connection states onto the link state machine. Events
// from a connection that is no longer registered are ignored, so Close and
// CloseAll never produce events.
func (r *Registry) handleState(remoteID string, conn Conn, s webrtc.PeerConnectionState) {
	r.mu.Lock()
	l, ok := r.links[remoteID]
	if !ok || l.conn != conn {
		r.mu.Unlock()
		return
	}

	var (
		ev     *Event
		remove bool
	)
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if l.state != StateConnected {
			l.state = StateConnected
			ev = &Event{RemoteID: remoteID, State: StateConnected}
		}
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		l.state = StateClosed
		delete(r.links, remoteID)
		remove = true
		ev = &Event{RemoteID: remoteID, State: StateClosed}
		if s == webrtc.PeerConnectionStateFailed {
			ev.Err = ErrLinkFailed
		}
	case webrtc.PeerConnectionStateDisconnected:
		l.log.Warn("connection interrupted")
	}
	r.updateMetricsLocked()
	fn := r.onEvent
	r.mu.Unlock()

	if ev != nil {
		l.log.Info("link state changed", "state", ev.State, "err", ev.Err)
	}
	if remove {
		r.closeConn(l)
	}
	if ev != nil && fn != nil {
		fn(*ev)
	}
}

func (r *Registry) closeConn(l *link) {
	if err := l.conn.Close(); err != nil {
		l.log.Debug("close returned error", "err", err)
	}
}

var linkStates = []string{
	StateCreated.String(), StateNegotiating.String(), StateConnected.String(),
}

func (r *Registry) updateMetricsLocked() {
	counts := lo.CountValuesBy(lo.Values(r.links), func(l *link) string { return l.state.String() })
	r.metrics.SetLinks(counts, linkStates...)
}

// validateSDP checks that a remote description has the expected type and
// parses as SDP before it reaches the connection.
func validateSDP(desc webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc.Type != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidSDP, want, desc.Type)
	}
	var parsed sdp.SessionDescription
	if err := parsed.UnmarshalString(desc.SDP); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}
	if len(parsed.MediaDescriptions) == 0 {
		return fmt.Errorf("%w: no media sections", ErrInvalidSDP)
	}
	return nil
}
