package session_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/meshcall/internal/media"
	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/peer/peertest"
	"github.com/1ureka/meshcall/internal/relay"
	"github.com/1ureka/meshcall/internal/session"
	"github.com/1ureka/meshcall/internal/signaling"
)

const (
	roomID  = "lecture-1"
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// startRelay returns the relay's URL and a function that takes it down.
func startRelay(t *testing.T) (string, func()) {
	t.Helper()
	s := relay.NewServer(relay.Options{ChatRate: 100, ChatBurst: 100})
	ts := httptest.NewServer(s.Handler())

	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			s.Close()
			ts.Close()
		})
	}
	t.Cleanup(shutdown)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", shutdown
}

// stubCapturer hands out silent tracks; no samples are ever written.
type stubCapturer struct {
	noCamera bool
	noMic    bool
}

func (s stubCapturer) Camera(context.Context) (*media.Track, error) {
	if s.noCamera {
		return nil, media.ErrDeviceUnavailable
	}
	return media.NewTrack(media.SourceCamera, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8})
}

func (s stubCapturer) Microphone(context.Context) (*media.Track, error) {
	if s.noMic {
		return nil, media.ErrDeviceUnavailable
	}
	return media.NewTrack(media.SourceMicrophone, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus})
}

func (s stubCapturer) Screen(context.Context) (*media.Track, error) {
	return media.NewTrack(media.SourceScreen, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8})
}

// severableDial dials the relay for real and can cut every connection it
// made.
type severableDial struct {
	mu    sync.Mutex
	conns []signaling.Conn
}

func (d *severableDial) dial(ctx context.Context, url string) (signaling.Conn, error) {
	conn, err := signaling.DialWebSocket(ctx, url)
	if err == nil {
		d.mu.Lock()
		d.conns = append(d.conns, conn)
		d.mu.Unlock()
	}
	return conn, err
}

func (d *severableDial) sever() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.Close()
	}
	d.conns = nil
}

type member struct {
	*session.Coordinator
	name     string
	identity signaling.Identity
	client   *signaling.Client
	peers    *peer.Registry
	conns    *peertest.Factory
	media    *media.Controller
	dial     *severableDial
	events   chan session.Event
}

type memberOption func(*memberConfig)

type memberConfig struct {
	capturer media.Capturer
	setup    time.Duration
}

func withCapturer(c media.Capturer) memberOption {
	return func(cfg *memberConfig) { cfg.capturer = c }
}

func withSetupDelay(d time.Duration) memberOption {
	return func(cfg *memberConfig) { cfg.setup = d }
}

func newMember(t *testing.T, url, name string, opts ...memberOption) *member {
	t.Helper()
	cfg := memberConfig{capturer: stubCapturer{}, setup: tick}
	for _, o := range opts {
		o(&cfg)
	}

	dial := &severableDial{}
	client := signaling.NewClient(signaling.Options{
		URL:               url,
		Dial:              dial.dial,
		DialTimeout:       time.Second,
		ReconnectAttempts: 2,
		ReconnectDelay:    tick,
	})
	conns := peertest.NewFactory()
	peers := peer.NewRegistry(conns.New, client, nil)
	ctrl := media.NewController(cfg.capturer)

	m := &member{
		Coordinator: session.New(client, ctrl, peers, session.Options{
			PeerSetupDelay: cfg.setup,
			Constraints:    media.Constraints{Video: true, Audio: true},
		}),
		name:     name,
		identity: signaling.Identity{ParticipantID: "user-" + name, DisplayName: name, Role: "student"},
		client:   client,
		peers:    peers,
		conns:    conns,
		media:    ctrl,
		dial:     dial,
		events:   make(chan session.Event, 256),
	}
	m.Subscribe(func(ev session.Event) {
		select {
		case m.events <- ev:
		default:
		}
	})
	t.Cleanup(func() { m.Close() })
	return m
}

func (m *member) join(t *testing.T) {
	t.Helper()
	require.NoError(t, m.Join(context.Background(), roomID, m.identity))
	require.Equal(t, session.StateJoined, m.State())
}

func (m *member) id() string {
	return m.Local().ID
}

func (m *member) link(remote string) (peer.LinkInfo, bool) {
	for _, l := range m.Links() {
		if l.RemoteID == remote {
			return l, true
		}
	}
	return peer.LinkInfo{}, false
}

// connectedTo reports whether m has exactly the given links, all Connected.
func (m *member) connectedTo(remotes ...*member) bool {
	links := m.Links()
	if len(links) != len(remotes) {
		return false
	}
	for _, r := range remotes {
		l, ok := m.link(r.id())
		if !ok || l.State != peer.StateConnected {
			return false
		}
	}
	return true
}

func (m *member) waitEvent(t *testing.T, kind session.EventKind) session.Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-m.events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("%s: no %s event", m.name, kind)
			return session.Event{}
		}
	}
}

func chatTexts(msgs []signaling.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestTwoParticipantScenario(t *testing.T) {
	url, _ := startRelay(t)

	p1 := newMember(t, url, "p1")
	p1.join(t)
	assert.Empty(t, p1.Roster())
	assert.Empty(t, p1.Chat())
	assert.True(t, p1.Local().IsHost)

	p2 := newMember(t, url, "p2")
	p2.join(t)
	require.Len(t, p2.Roster(), 1)
	assert.Equal(t, p1.id(), p2.Roster()[0].ID)
	assert.Equal(t, "p1", p2.Roster()[0].DisplayName)
	assert.False(t, p2.Local().IsHost)

	joined := p1.waitEvent(t, session.EventParticipantJoined)
	assert.Equal(t, p2.id(), joined.Participant.ID)

	require.Eventually(t, func() bool {
		return p1.connectedTo(p2) && p2.connectedTo(p1)
	}, waitFor, tick)

	l1, _ := p1.link(p2.id())
	l2, _ := p2.link(p1.id())
	assert.Equal(t, peer.Initiator, l1.Role)
	assert.Equal(t, peer.Responder, l2.Role)
	assert.Equal(t, 1, p1.conns.Conn(p2.id()).Offers())
	assert.Zero(t, p2.conns.Conn(p1.id()).Offers(), "the newcomer never offers")
	assert.Equal(t, 1, p2.conns.Conn(p1.id()).Answers())

	_, err := p1.SendChat("hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(p2.Chat()) == 1 && len(p1.Chat()) == 1 && p1.Chat()[0].Seq != 0
	}, waitFor, tick)
	assert.Equal(t, p1.Chat(), p2.Chat())
	assert.Equal(t, []string{"hi"}, chatTexts(p2.Chat()))
	assert.Equal(t, "p1", p2.Chat()[0].Author)
}

func TestInitiatorSymmetry(t *testing.T) {
	url, _ := startRelay(t)

	members := []*member{newMember(t, url, "a"), newMember(t, url, "b"), newMember(t, url, "c")}
	for _, m := range members {
		m.join(t)
	}

	require.Eventually(t, func() bool {
		return members[0].connectedTo(members[1], members[2]) &&
			members[1].connectedTo(members[0], members[2]) &&
			members[2].connectedTo(members[0], members[1])
	}, waitFor, tick)

	for i, a := range members {
		for _, b := range members[i+1:] {
			ab, _ := a.link(b.id())
			ba, _ := b.link(a.id())
			assert.NotEqual(t, ab.Role, ba.Role, "%s/%s", a.name, b.name)

			offers := a.conns.Conn(b.id()).Offers() + b.conns.Conn(a.id()).Offers()
			assert.Equal(t, 1, offers, "exactly one offer between %s and %s", a.name, b.name)
			assert.Equal(t, 1, a.conns.Created(b.id()))
			assert.Equal(t, 1, b.conns.Created(a.id()))
		}
	}
}

func TestParticipantUpdateKeepsLink(t *testing.T) {
	url, _ := startRelay(t)
	p1, p2 := newMember(t, url, "p1"), newMember(t, url, "p2")
	p1.join(t)
	p2.join(t)
	require.Eventually(t, func() bool { return p1.connectedTo(p2) && p2.connectedTo(p1) }, waitFor, tick)

	on, err := p2.ToggleVideo()
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, p2.Local().VideoEnabled)

	require.Eventually(t, func() bool {
		p, ok := p1.Participant(p2.id())
		return ok && !p.VideoEnabled && p.AudioEnabled
	}, waitFor, tick)

	on, err = p2.ToggleAudio()
	require.NoError(t, err)
	assert.False(t, on)
	require.Eventually(t, func() bool {
		p, _ := p1.Participant(p2.id())
		return !p.AudioEnabled
	}, waitFor, tick)

	assert.Equal(t, 1, p1.conns.Created(p2.id()), "state changes never recreate the link")
	l, _ := p1.link(p2.id())
	assert.Equal(t, peer.StateConnected, l.State)
}

func TestLateJoinerSeesMediaState(t *testing.T) {
	url, _ := startRelay(t)
	p1 := newMember(t, url, "p1")
	p1.join(t)
	_, err := p1.ToggleAudio()
	require.NoError(t, err)

	// The relay handles p1's frames in order, so once the chat echo is back
	// the update is stored.
	_, err = p1.SendChat("sync")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		chat := p1.Chat()
		return len(chat) == 1 && chat[0].Seq != 0
	}, waitFor, tick)

	p2 := newMember(t, url, "p2")
	p2.join(t)
	require.Len(t, p2.Roster(), 1)
	assert.False(t, p2.Roster()[0].AudioEnabled)
	assert.True(t, p2.Roster()[0].VideoEnabled)
	assert.Equal(t, []string{"sync"}, chatTexts(p2.Chat()))
}

func TestScreenShareReplacesTrackOnEveryLink(t *testing.T) {
	url, _ := startRelay(t)
	p1, p2, p3 := newMember(t, url, "p1"), newMember(t, url, "p2"), newMember(t, url, "p3")
	p1.join(t)
	p2.join(t)
	p3.join(t)
	require.Eventually(t, func() bool { return p1.connectedTo(p2, p3) }, waitFor, tick)

	require.NoError(t, p1.ShareScreen(context.Background()))
	screen := p1.media.ActiveVideoTrack()
	require.NotNil(t, screen)
	assert.Equal(t, media.SourceScreen, screen.Source())

	for _, remote := range []*member{p2, p3} {
		sender := p1.conns.Conn(remote.id()).Sender(webrtc.RTPCodecTypeVideo)
		assert.Equal(t, webrtc.TrackLocal(screen), sender.Track())
		l, _ := p1.link(remote.id())
		assert.Equal(t, webrtc.TrackLocal(screen), l.OutboundVideo)
		assert.Equal(t, peer.StateConnected, l.State)
	}
	assert.True(t, p1.Local().ScreenSharing)

	require.Eventually(t, func() bool {
		p, _ := p2.Participant(p1.id())
		return p.ScreenSharing
	}, waitFor, tick)

	require.NoError(t, p1.StopScreenShare(context.Background()))
	cam := p1.media.ActiveVideoTrack()
	require.NotNil(t, cam)
	assert.Equal(t, media.SourceCamera, cam.Source())
	assert.True(t, screen.Stopped())

	require.Eventually(t, func() bool {
		p, _ := p3.Participant(p1.id())
		return !p.ScreenSharing
	}, waitFor, tick)
}

func TestScreenShareEndedBySource(t *testing.T) {
	url, _ := startRelay(t)
	p1, p2 := newMember(t, url, "p1"), newMember(t, url, "p2")
	p1.join(t)
	p2.join(t)

	require.NoError(t, p1.ShareScreen(context.Background()))
	p1.media.ActiveVideoTrack().End()

	p1.waitEvent(t, session.EventScreenShareEnded)
	assert.False(t, p1.Local().ScreenSharing)
	assert.Equal(t, media.SourceCamera, p1.media.ActiveVideoTrack().Source())

	require.Eventually(t, func() bool {
		p, ok := p2.Participant(p1.id())
		return ok && !p.ScreenSharing
	}, waitFor, tick)
}

func TestWhiteboardConverges(t *testing.T) {
	url, _ := startRelay(t)
	p1, p2 := newMember(t, url, "p1"), newMember(t, url, "p2")
	p1.join(t)
	p2.join(t)

	stroke := signaling.WhiteboardOp{
		Kind:   signaling.OpStroke,
		Points: []signaling.Point{{X: 1, Y: 1}, {X: 10, Y: 10}},
		Style:  signaling.Style{Color: "#ff0000", Width: 2},
	}
	require.NoError(t, p1.Draw(stroke))
	require.NoError(t, p2.ClearWhiteboard())
	require.NoError(t, p2.Draw(stroke))

	require.Eventually(t, func() bool {
		return len(p1.Whiteboard()) == 3 && len(p2.Whiteboard()) == 3
	}, waitFor, tick)
	assert.Equal(t, p1.Whiteboard(), p2.Whiteboard())

	// A late joiner replays the same log.
	p3 := newMember(t, url, "p3")
	p3.join(t)
	assert.Equal(t, p1.Whiteboard(), p3.Whiteboard())

	assert.Error(t, p1.Draw(signaling.WhiteboardOp{Kind: signaling.OpClear}))
}

func TestLeaveMidNegotiation(t *testing.T) {
	url, _ := startRelay(t)
	p1 := newMember(t, url, "p1")
	p1.join(t)

	// Two bare clients that never answer keep p1's links negotiating.
	var watchers []chan signaling.Envelope
	for _, name := range []string{"p2", "p3"} {
		client := signaling.NewClient(signaling.Options{URL: url})
		envs := make(chan signaling.Envelope, 64)
		client.OnEnvelope(func(env signaling.Envelope) { envs <- env })
		t.Cleanup(func() { client.Disconnect() })
		_, err := client.Connect(context.Background(), roomID, signaling.Identity{ParticipantID: "user-" + name, DisplayName: name, Role: "student"})
		require.NoError(t, err)
		watchers = append(watchers, envs)
	}

	require.Eventually(t, func() bool {
		links := p1.Links()
		if len(links) != 2 {
			return false
		}
		for _, l := range links {
			if l.State != peer.StateNegotiating {
				return false
			}
		}
		return true
	}, waitFor, tick)

	require.NoError(t, p1.Leave())
	assert.Equal(t, session.StateLeft, p1.State())
	assert.Zero(t, p1.peers.Len())
	assert.Nil(t, p1.media.ActiveVideoTrack())
	for _, c := range p1.conns.All() {
		assert.True(t, c.Closed())
	}

	select {
	case <-p1.Done():
	case <-time.After(waitFor):
		t.Fatal("coordinator did not stop")
	}

	// The others see p1 go.
	for _, envs := range watchers {
		deadline := time.After(waitFor)
	wait:
		for {
			select {
			case env := <-envs:
				if left, ok := env.Message.(signaling.UserLeft); ok {
					assert.NotEmpty(t, left.SocketID)
					break wait
				}
			case <-deadline:
				t.Fatal("no user-left for the departed member")
			}
		}
	}

	assert.NoError(t, p1.Leave(), "leaving twice is a no-op")
	_, err := p1.SendChat("too late")
	assert.ErrorIs(t, err, session.ErrLeft)
}

// stallingRelay accepts a socket, reads the join and never answers it.
func stallingRelay(t *testing.T) (string, <-chan struct{}) {
	t.Helper()
	joined := make(chan struct{}, 1)
	var upgrader websocket.Upgrader
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		select {
		case joined <- struct{}{}:
		default:
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", joined
}

func TestLeaveWhileJoining(t *testing.T) {
	url, joined := stallingRelay(t)
	p1 := newMember(t, url, "p1")

	joinErr := make(chan error, 1)
	go func() { joinErr <- p1.Join(context.Background(), roomID, p1.identity) }()

	select {
	case <-joined:
	case <-time.After(waitFor):
		t.Fatal("join never reached the relay")
	}
	require.Equal(t, session.StateJoining, p1.State())
	require.NotNil(t, p1.media.ActiveVideoTrack(), "media is acquired before connecting")

	require.NoError(t, p1.Leave())

	select {
	case err := <-joinErr:
		assert.ErrorIs(t, err, session.ErrLeft)
	case <-time.After(waitFor):
		t.Fatal("Join still blocked after Leave")
	}
	assert.Equal(t, session.StateLeft, p1.State())
	assert.Zero(t, p1.peers.Len())
	assert.Nil(t, p1.media.ActiveVideoTrack())
	assert.Empty(t, p1.conns.All())
}

func TestLinkFailureKeepsParticipant(t *testing.T) {
	url, _ := startRelay(t)
	p1, p2 := newMember(t, url, "p1"), newMember(t, url, "p2")
	p1.join(t)
	p2.join(t)
	require.Eventually(t, func() bool { return p1.connectedTo(p2) }, waitFor, tick)

	p1.conns.Conn(p2.id()).Fail()

	ev := p1.waitEvent(t, session.EventLinkChanged)
	for ev.LinkState != peer.StateClosed {
		ev = p1.waitEvent(t, session.EventLinkChanged)
	}
	assert.Equal(t, p2.id(), ev.Participant.ID)

	p, ok := p1.Participant(p2.id())
	require.True(t, ok, "a broken link is not a departure")
	assert.True(t, p.LinkBroken)
	assert.Empty(t, p1.Links())
	assert.Equal(t, session.StateJoined, p1.State())
}

func TestReconnectRebuildsSession(t *testing.T) {
	url, _ := startRelay(t)
	p1, p2 := newMember(t, url, "p1"), newMember(t, url, "p2")
	p1.join(t)
	p2.join(t)
	require.Eventually(t, func() bool { return p1.connectedTo(p2) && p2.connectedTo(p1) }, waitFor, tick)
	oldID := p2.id()

	p2.dial.sever()
	p2.waitEvent(t, session.EventReconnected)

	newID := p2.id()
	require.NotEqual(t, oldID, newID)

	require.Eventually(t, func() bool {
		r := p1.Roster()
		return len(r) == 1 && r[0].ID == newID && p1.connectedTo(p2) && p2.connectedTo(p1)
	}, waitFor, tick)

	assert.Equal(t, session.StateJoined, p2.State())
	l, _ := p2.link(p1.id())
	assert.Equal(t, peer.Responder, l.Role)
}

func TestSignalingLossIsTerminal(t *testing.T) {
	url, shutdown := startRelay(t)
	p1 := newMember(t, url, "p1")
	p1.join(t)
	require.NotNil(t, p1.media.ActiveVideoTrack())

	shutdown()

	select {
	case <-p1.Done():
	case <-time.After(waitFor):
		t.Fatal("coordinator did not give up")
	}
	assert.Equal(t, session.StateFailed, p1.State())
	assert.ErrorIs(t, p1.Err(), session.ErrSignalingLost)
	assert.ErrorIs(t, p1.Err(), signaling.ErrDisconnected)
	assert.Nil(t, p1.media.ActiveVideoTrack())
	assert.Zero(t, p1.peers.Len())
}

func TestJoinErrors(t *testing.T) {
	url, _ := startRelay(t)

	t.Run("invalid identity", func(t *testing.T) {
		m := newMember(t, url, "x")
		err := m.Join(context.Background(), roomID, signaling.Identity{})
		assert.ErrorIs(t, err, session.ErrInvalidIdentity)
		assert.Equal(t, session.StateIdle, m.State())
	})

	t.Run("no microphone", func(t *testing.T) {
		m := newMember(t, url, "mute", withCapturer(stubCapturer{noMic: true}))
		err := m.Join(context.Background(), roomID, m.identity)
		assert.ErrorIs(t, err, session.ErrMediaUnavailable)
		assert.ErrorIs(t, err, media.ErrNoDeviceAccess)
		assert.Equal(t, session.StateFailed, m.State())
		assert.ErrorIs(t, m.Err(), session.ErrMediaUnavailable)
		assert.Nil(t, m.media.ActiveVideoTrack(), "camera released")
		select {
		case <-m.Done():
		case <-time.After(waitFor):
			t.Fatal("coordinator did not stop")
		}
		assert.NoError(t, m.Leave(), "nothing left to leave")
	})

	t.Run("no camera joins audio only", func(t *testing.T) {
		m := newMember(t, url, "blind", withCapturer(stubCapturer{noCamera: true}))
		m.join(t)
		local := m.Local()
		assert.False(t, local.VideoEnabled)
		assert.True(t, local.AudioEnabled)
		require.NoError(t, m.Leave())
	})

	t.Run("relay unreachable", func(t *testing.T) {
		deadURL, shutdown := startRelay(t)
		shutdown()
		m := newMember(t, deadURL, "lost")
		err := m.Join(context.Background(), roomID, m.identity)
		assert.ErrorIs(t, err, signaling.ErrUnreachable)
		assert.Equal(t, session.StateFailed, m.State())
		assert.Nil(t, m.media.ActiveVideoTrack())
	})

	t.Run("join twice", func(t *testing.T) {
		m := newMember(t, url, "twice")
		m.join(t)
		assert.ErrorIs(t, m.Join(context.Background(), roomID, m.identity), session.ErrAlreadyJoined)
	})

	t.Run("actions before join", func(t *testing.T) {
		m := newMember(t, url, "early")
		_, err := m.ToggleVideo()
		assert.ErrorIs(t, err, session.ErrNotJoined)
		_, err = m.SendChat("hello")
		assert.ErrorIs(t, err, session.ErrNotJoined)
		assert.ErrorIs(t, m.ShareScreen(context.Background()), session.ErrNotJoined)
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "joined", session.StateJoined.String())
	assert.True(t, session.StateFailed.Terminal())
	assert.False(t, session.StateLeaving.Terminal())
	assert.Equal(t, "participant-joined", session.EventParticipantJoined.String())
	assert.True(t, errors.Is(errors.Join(session.ErrSignalingLost), session.ErrSignalingLost))
}
