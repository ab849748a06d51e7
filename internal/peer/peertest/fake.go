// Package peertest provides an in-memory peer.Conn for tests. Connections
// produce parseable SDP, emit one local candidate per local description and
// report Connected once both descriptions are set. No media flows.
package peertest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/signaling"
)

var (
	ErrNoRemoteDescription = errors.New("peertest: remote description not set")
	ErrClosed              = errors.New("peertest: connection closed")
)

// Sender records the track fed to one transceiver.
type Sender struct {
	mu    sync.Mutex
	kind  webrtc.RTPCodecType
	track webrtc.TrackLocal
	err   error
}

func (s *Sender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.track = track
	return nil
}

// Track returns the track currently sent.
func (s *Sender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// Conn is a fake peer connection.
type Conn struct {
	RemoteID string

	mu         sync.Mutex
	senders    []*Sender
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	offers     int
	answers    int
	state      webrtc.PeerConnectionState
	replaceErr error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(webrtc.RTPCodecType, string)
	onState func(webrtc.PeerConnectionState)

	closed atomic.Bool
	wg     sync.WaitGroup
}

var _ peer.Conn = (*Conn)(nil)

func newConn(remoteID string, replaceErr error) *Conn {
	return &Conn{RemoteID: remoteID, state: webrtc.PeerConnectionStateNew, replaceErr: replaceErr}
}

func (c *Conn) AddTransceiver(kind webrtc.RTPCodecType, track webrtc.TrackLocal) (peer.Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, ErrClosed
	}
	s := &Sender{kind: kind, track: track}
	if kind == webrtc.RTPCodecTypeVideo {
		s.err = c.replaceErr
	}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	if c.closed.Load() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: FakeSDP()}, nil
}

func (c *Conn) CreateAnswer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if c.remote == nil || c.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, ErrNoRemoteDescription
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: FakeSDP()}, nil
}

func (c *Conn) SetLocalDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	c.local = &desc
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		c.offers++
	case webrtc.SDPTypeAnswer:
		c.answers++
	}
	c.mu.Unlock()

	c.async(func() {
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:1 1 udp 2130706431 127.0.0.1 %d typ host", 50000+len(c.RemoteID))})
		}
	})
	c.maybeConnect()
	return nil
}

func (c *Conn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrClosed
	}
	c.remote = &desc
	c.mu.Unlock()

	c.async(func() {
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(webrtc.RTPCodecTypeVideo, "stream-"+c.RemoteID)
		}
	})
	c.maybeConnect()
	return nil
}

func (c *Conn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if c.remote == nil {
		return ErrNoRemoteDescription
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Conn) OnTrack(fn func(kind webrtc.RTPCodecType, streamID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = fn
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// Close moves the connection to Closed and, like pion, reports it
// synchronously.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.setState(webrtc.PeerConnectionStateClosed)
	return nil
}

// Fail simulates an ICE/DTLS failure.
func (c *Conn) Fail() {
	if c.closed.Load() {
		return
	}
	c.setState(webrtc.PeerConnectionStateFailed)
}

// Wait blocks until every asynchronous callback has run.
func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) Closed() bool { return c.closed.Load() }

func (c *Conn) State() webrtc.PeerConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Offers and Answers count local descriptions of each type.
func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Conn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers
}

// RemoteCandidates returns candidates added after the remote description.
func (c *Conn) RemoteCandidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

// Sender returns the first transceiver of kind.
func (c *Conn) Sender(kind webrtc.RTPCodecType) *Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.senders {
		if s.kind == kind {
			return s
		}
	}
	return nil
}

func (c *Conn) maybeConnect() {
	c.mu.Lock()
	ready := c.local != nil && c.remote != nil && c.state == webrtc.PeerConnectionStateNew
	if ready {
		c.state = webrtc.PeerConnectionStateConnecting
	}
	c.mu.Unlock()

	if ready {
		c.async(func() { c.setState(webrtc.PeerConnectionStateConnected) })
	}
}

func (c *Conn) setState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	if c.state == webrtc.PeerConnectionStateClosed ||
		(c.closed.Load() && s != webrtc.PeerConnectionStateClosed) {
		c.mu.Unlock()
		return
	}
	c.state = s
	fn := c.onState
	c.mu.Unlock()

	if fn != nil {
		fn(s)
	}
}

func (c *Conn) async(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if !c.closed.Load() {
			fn()
		}
	}()
}

// FakeSDP returns a minimal JSEP description with one video and one audio
// section.
func FakeSDP() string {
	desc, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		panic(err)
	}
	desc.WithMedia(sdp.NewJSEPMediaDescription("video", nil).WithCodec(96, "VP8", 90000, 0, ""))
	desc.WithMedia(sdp.NewJSEPMediaDescription("audio", nil).WithCodec(111, "opus", 48000, 2, "minptime=10;useinbandfec=1"))
	out, err := desc.Marshal()
	if err != nil {
		panic(err)
	}
	return string(out)
}

// ---------------------------------------------------------------------------
// Factory
// ---------------------------------------------------------------------------

// Factory creates Conns and remembers every one it made.
type Factory struct {
	mu         sync.Mutex
	conns      map[string][]*Conn
	replaceErr map[string]error
	createErr  error
}

func NewFactory() *Factory {
	return &Factory{conns: make(map[string][]*Conn), replaceErr: make(map[string]error)}
}

// New is a peer.ConnFactory.
func (f *Factory) New(remoteID string) (peer.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	c := newConn(remoteID, f.replaceErr[remoteID])
	f.conns[remoteID] = append(f.conns[remoteID], c)
	return c, nil
}

// FailReplace makes video replacement fail on links to remoteID created
// from now on.
func (f *Factory) FailReplace(remoteID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaceErr[remoteID] = err
}

// FailCreate makes every later New call fail.
func (f *Factory) FailCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

// Conn returns the latest connection made for remoteID, or nil.
func (f *Factory) Conn(remoteID string) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.conns[remoteID]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Created counts connections made for remoteID.
func (f *Factory) Created(remoteID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[remoteID])
}

// All returns every connection made, in no particular order.
func (f *Factory) All() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Conn
	for _, list := range f.conns {
		out = append(out, list...)
	}
	return out
}

// ---------------------------------------------------------------------------
// Signaler
// ---------------------------------------------------------------------------

// Sent is one recorded outbound message.
type Sent struct {
	To      string
	Message signaling.Message
}

// Recorder is a peer.Signaler that keeps everything sent through it.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

func (r *Recorder) Send(to string, msg signaling.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{To: to, Message: msg})
}

// Sent returns every message of kind k, or all messages when k is empty.
func (r *Recorder) Sent(k signaling.Kind) []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Sent
	for _, s := range r.sent {
		if k == "" || s.Message.Kind() == k {
			out = append(out, s)
		}
	}
	return out
}
