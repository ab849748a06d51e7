// Package session is the top-level call state machine. A Coordinator joins
// one session through the relay, keeps the roster and the replicated log,
// and drives the peer registry and the local media controller.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshcall/internal/media"
	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/replog"
	"github.com/1ureka/meshcall/internal/signaling"
	"github.com/1ureka/meshcall/internal/telemetry"
	"github.com/1ureka/meshcall/internal/util"
)

var (
	ErrNotJoined        = errors.New("session: not joined")
	ErrAlreadyJoined    = errors.New("session: join already started")
	ErrLeft             = errors.New("session: session is over")
	ErrSignalingLost    = errors.New("session: signaling lost")
	ErrMediaUnavailable = errors.New("session: local media unavailable")
	ErrInvalidIdentity  = errors.New("session: invalid identity")
)

// Signaling is the relay connection. *signaling.Client satisfies it.
type Signaling interface {
	Connect(ctx context.Context, sessionID string, id signaling.Identity) (*signaling.RosterSnapshot, error)
	Send(to string, msg signaling.Message)
	OnEnvelope(fn func(signaling.Envelope))
	OnStatus(fn func(signaling.StatusEvent))
	Disconnect() error
}

// Media is the local media controller. *media.Controller satisfies it.
type Media interface {
	AcquireLocal(ctx context.Context, want media.Constraints) (media.LocalTracks, error)
	ToggleVideo() bool
	ToggleAudio() bool
	StartScreenShare(ctx context.Context) (*media.Track, error)
	StopScreenShare(ctx context.Context)
	OnScreenShareEnded(fn func())
	SetReplacer(r media.VideoReplacer)
	Outbound() (video, audio webrtc.TrackLocal)
	State() media.State
	StopAll()
}

// Peers is the peer connection registry. *peer.Registry satisfies it.
type Peers interface {
	EnsurePeer(remoteID string, role peer.Role, local peer.LocalTracks) (peer.LinkInfo, error)
	Signal(from string, msg signaling.Message, local peer.LocalTracks) error
	ReplaceOutboundVideo(track webrtc.TrackLocal) map[string]error
	Close(remoteID string) bool
	CloseAll()
	Shutdown()
	Links() []peer.LinkInfo
	OnEvent(fn func(peer.Event))
}

// Options tune a Coordinator.
type Options struct {
	// PeerSetupDelay is how long to wait after user-joined before offering
	// to the newcomer, so it can finish its own setup first.
	PeerSetupDelay time.Duration
	Constraints    media.Constraints
	Metrics        *telemetry.Metrics
}

// Coordinator is one session instance. Roster, local state, log and timers
// are owned by a single event-loop goroutine; every public method and every
// callback from the collaborators runs there.
type Coordinator struct {
	sig     Signaling
	media   Media
	peers   Peers
	opts    Options
	log     util.Logger
	metrics *telemetry.Metrics

	loop   *mailbox
	events *notifier

	// Readable from any goroutine.
	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}

	// Loop-owned.
	sessionID  string
	local      LocalState
	roster     *roster
	replog     *replog.Log
	dispatch   *signaling.Dispatcher
	timers     map[string]*time.Timer
	early      []signaling.Envelope
	teardownFn sync.Once
}

// New wires the collaborators together. Nothing happens until Join.
func New(sig Signaling, m Media, p Peers, opts Options) *Coordinator {
	c := &Coordinator{
		sig:     sig,
		media:   m,
		peers:   p,
		opts:    opts,
		log:     util.For("session"),
		metrics: opts.Metrics,
		loop:    newMailbox(),
		events:  newNotifier(),
		done:    make(chan struct{}),
		roster:  newRoster(),
		replog:  replog.New(opts.Metrics),
		timers:  make(map[string]*time.Timer),
	}
	c.dispatch = c.newDispatcher()

	m.SetReplacer(p)
	m.OnScreenShareEnded(func() { c.loop.post(c.screenShareEnded) })
	p.OnEvent(func(ev peer.Event) { c.loop.post(func() { c.handlePeerEvent(ev) }) })
	sig.OnEnvelope(func(env signaling.Envelope) { c.loop.post(func() { c.handleEnvelope(env) }) })
	sig.OnStatus(func(ev signaling.StatusEvent) { c.loop.post(func() { c.handleStatus(ev) }) })

	go c.loop.run()
	return c
}

// do runs fn on the event loop and waits for it. It fails with ErrLeft
// once the loop has stopped.
func (c *Coordinator) do(fn func()) error {
	ran := make(chan struct{})
	if !c.loop.post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrLeft
	}
	<-ran
	return nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Join acquires local media, connects to the relay and hydrates the roster
// and log from the snapshot. It blocks for those two steps only. Every
// member already present offers to us after seeing our user-joined, so
// Join itself sends no offers.
//
// Both a total media failure (no microphone) and a relay failure are
// terminal: the coordinator ends in Failed with every resource released.
func (c *Coordinator) Join(ctx context.Context, sessionID string, id signaling.Identity) error {
	if err := signaling.ValidateIdentity(id); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	var err error
	if e := c.do(func() {
		if c.state != StateIdle {
			err = ErrAlreadyJoined
			return
		}
		c.sessionID = sessionID
		c.local = LocalState{ParticipantID: id.ParticipantID, DisplayName: id.DisplayName, Role: id.Role}
		c.setState(StateJoining, nil)
	}); e != nil {
		return e
	}
	if err != nil {
		return err
	}

	if _, err := c.media.AcquireLocal(ctx, c.opts.Constraints); err != nil {
		err = fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
		if e := c.do(func() {
			if c.state != StateJoining {
				c.media.StopAll()
				err = ErrLeft
				return
			}
			c.fail(err)
		}); e != nil {
			c.media.StopAll()
			return e
		}
		return err
	}

	snap, err := c.sig.Connect(ctx, sessionID, id)

	var result error
	if e := c.do(func() {
		if c.state != StateJoining {
			// Left while connecting; Leave already tore everything down.
			c.media.StopAll()
			result = ErrLeft
			return
		}
		if err != nil {
			c.fail(err)
			result = err
			return
		}
		c.hydrate(snap)
		c.setState(StateJoined, nil)
		c.log.Info("joined session", "session", sessionID, "self", snap.Self, "participants", c.roster.len())

		early := c.early
		c.early = nil
		for _, env := range early {
			c.handleEnvelope(env)
		}
	}); e != nil {
		c.media.StopAll()
		return e
	}
	return result
}

// hydrate rebuilds roster, log and links from a join snapshot and
// announces the local media state.
func (c *Coordinator) hydrate(snap *signaling.RosterSnapshot) {
	c.cancelTimers()
	c.local.ID = snap.Self
	c.local.IsHost = snap.IsHost
	c.local.applyMedia(c.media.State())

	c.roster.reset(snap.Self, snap.Participants)
	c.replog.Hydrate(snap.ChatLog, snap.WhiteboardLog)
	c.updateMetrics()

	// Existing members will offer; have a responder ready for each.
	tracks := c.localTracks()
	for _, id := range c.roster.ids() {
		if _, err := c.peers.EnsurePeer(id, peer.Responder, tracks); err != nil {
			c.log.Warn("failed to prepare link", "remote", id, "err", err)
		}
	}

	c.sig.Send("", c.local.update())
}

// Leave stops local media, closes every link and disconnects from the
// relay, in that order. It is legal from Joining and Joined, including
// while links are still negotiating. Leaving twice is a no-op.
func (c *Coordinator) Leave() error {
	var err error
	if e := c.do(func() {
		switch c.state {
		case StateIdle:
			err = ErrNotJoined
		case StateJoining, StateJoined:
			c.leave()
		}
	}); e != nil {
		return nil
	}
	return err
}

func (c *Coordinator) leave() {
	c.setState(StateLeaving, nil)
	c.log.Info("leaving session", "session", c.sessionID)

	c.media.StopAll()
	c.peers.Shutdown()
	c.sig.Send("", signaling.Leave{})
	if err := c.sig.Disconnect(); err != nil {
		c.log.Debug("disconnect", "err", err)
	}

	c.reset()
	c.setState(StateLeft, nil)
	c.stop()
}

// fail releases every resource and enters Failed. Runs on the loop.
func (c *Coordinator) fail(cause error) {
	c.media.StopAll()
	c.peers.Shutdown()
	c.sig.Disconnect()

	c.reset()
	c.setState(StateFailed, cause)
	c.log.Error("session failed", "session", c.sessionID, "err", cause)
	c.stop()
}

func (c *Coordinator) reset() {
	c.cancelTimers()
	c.roster.clear()
	c.early = nil
	c.metrics.SetParticipants(0)
}

// stop ends the event loop after the work already queued.
func (c *Coordinator) stop() {
	c.teardownFn.Do(func() {
		c.loop.close()
		c.events.close()
		close(c.done)
	})
}

// Close leaves if needed and stops the coordinator. An Idle coordinator
// just stops.
func (c *Coordinator) Close() error {
	c.do(func() {
		switch c.state {
		case StateIdle:
			c.setState(StateLeft, nil)
			c.stop()
		case StateJoining, StateJoined:
			c.leave()
		}
	})
	return nil
}

func (c *Coordinator) setState(s State, err error) {
	c.mu.Lock()
	prev := c.state
	c.state, c.err = s, err
	c.mu.Unlock()

	if prev != s {
		c.log.Debug("state", "from", prev, "to", s)
		c.events.publish(Event{Kind: EventStateChanged, State: s, Err: err})
	}
}

// State is safe to call from any goroutine.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the cause of Failed, or nil.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the coordinator reaches Left or Failed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Subscribe registers fn for every later Event. Events are delivered in
// order on a dedicated goroutine.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.events.subscribe(fn)
}

// ---------------------------------------------------------------------------
// Local actions
// ---------------------------------------------------------------------------

// joined runs fn on the loop if the session is Joined.
func (c *Coordinator) joined(fn func()) error {
	var err error
	if e := c.do(func() {
		if c.state != StateJoined {
			err = ErrNotJoined
			return
		}
		fn()
	}); e != nil {
		return ErrLeft
	}
	return err
}

func (c *Coordinator) ToggleVideo() (bool, error) {
	var on bool
	err := c.joined(func() {
		on = c.media.ToggleVideo()
		c.announceMedia()
	})
	return on, err
}

func (c *Coordinator) ToggleAudio() (bool, error) {
	var on bool
	err := c.joined(func() {
		on = c.media.ToggleAudio()
		c.announceMedia()
	})
	return on, err
}

// ShareScreen swaps the outbound video on every link for a screen
// capture. Links that fail the swap are logged and keep their camera.
func (c *Coordinator) ShareScreen(ctx context.Context) error {
	if err := c.joined(func() {}); err != nil {
		return err
	}
	if _, err := c.media.StartScreenShare(ctx); err != nil {
		return err
	}
	return c.joined(c.announceMedia)
}

// StopScreenShare puts the camera back, or no video if it cannot be
// reopened.
func (c *Coordinator) StopScreenShare(ctx context.Context) error {
	if err := c.joined(func() {}); err != nil {
		return err
	}
	c.media.StopScreenShare(ctx)
	return c.joined(c.announceMedia)
}

func (c *Coordinator) screenShareEnded() {
	if c.state != StateJoined {
		return
	}
	c.announceMedia()
	c.events.publish(Event{Kind: EventScreenShareEnded})
}

func (c *Coordinator) announceMedia() {
	c.local.applyMedia(c.media.State())
	c.sig.Send("", c.local.update())
}

// SendChat shows msg locally right away and broadcasts it. The relay's
// echo confirms it in place.
func (c *Coordinator) SendChat(text string) (signaling.ChatMessage, error) {
	if text == "" {
		return signaling.ChatMessage{}, errors.New("session: empty chat message")
	}
	var msg signaling.ChatMessage
	err := c.joined(func() {
		msg = signaling.ChatMessage{
			ID:        newID(),
			Author:    c.local.DisplayName,
			Text:      text,
			Timestamp: time.Now().UTC(),
		}
		c.replog.AppendLocalChat(msg)
		c.sig.Send("", msg)
		c.events.publish(Event{Kind: EventChat, Chat: msg})
	})
	return msg, err
}

// Draw broadcasts a stroke or erase. It is applied locally when the relay
// echoes it, like everyone else's.
func (c *Coordinator) Draw(op signaling.WhiteboardOp) error {
	if op.Kind != signaling.OpStroke && op.Kind != signaling.OpErase {
		return fmt.Errorf("session: cannot draw a %q operation", op.Kind)
	}
	return c.joined(func() {
		if op.ID == "" {
			op.ID = newID()
		}
		op.Seq = 0
		c.sig.Send("", signaling.WhiteboardUpdate{Op: op})
	})
}

// ClearWhiteboard broadcasts a clear. It is logged like any other op.
func (c *Coordinator) ClearWhiteboard() error {
	return c.joined(func() {
		c.sig.Send("", signaling.WhiteboardClear{ID: newID()})
	})
}

// ---------------------------------------------------------------------------
// Read-only projections
// ---------------------------------------------------------------------------

// Roster returns remote participants in arrival order.
func (c *Coordinator) Roster() []Participant {
	var out []Participant
	c.do(func() { out = c.roster.list() })
	return out
}

func (c *Coordinator) Participant(id string) (Participant, bool) {
	var (
		p  Participant
		ok bool
	)
	c.do(func() {
		var ptr *Participant
		if ptr, ok = c.roster.get(id); ok {
			p = *ptr
		}
	})
	return p, ok
}

func (c *Coordinator) Local() LocalState {
	var l LocalState
	c.do(func() { l = c.local })
	return l
}

// Chat returns the transcript, pending local messages last.
func (c *Coordinator) Chat() []signaling.ChatMessage {
	var out []signaling.ChatMessage
	c.do(func() { out = c.replog.Chat() })
	return out
}

// Whiteboard returns every logged operation in replay order.
func (c *Coordinator) Whiteboard() []signaling.WhiteboardOp {
	var out []signaling.WhiteboardOp
	c.do(func() { out = c.replog.Ops() })
	return out
}

// Links returns the registry's view of every link.
func (c *Coordinator) Links() []peer.LinkInfo {
	return c.peers.Links()
}

func (c *Coordinator) localTracks() peer.LocalTracks {
	video, audio := c.media.Outbound()
	return peer.LocalTracks{Video: video, Audio: audio}
}

func (c *Coordinator) cancelTimers() {
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}
