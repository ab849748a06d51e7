package relay

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/meshcall/internal/signaling"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func startRelay(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	s := NewServer(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

type testConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, url string) *testConn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) send(to string, msg signaling.Message) {
	c.t.Helper()
	frame, err := signaling.Encode(signaling.Envelope{To: to, Message: msg})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *testConn) recv() signaling.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	env, err := signaling.Decode(data)
	require.NoError(c.t, err)
	return env
}

func join(t *testing.T, url, session, name string) (*testConn, signaling.JoinAck) {
	t.Helper()
	c := dial(t, url)
	c.send("", signaling.Join{SessionID: session, Identity: signaling.Identity{
		ParticipantID: "user-" + name, DisplayName: name, Role: "student",
	}})
	env := c.recv()
	ack, ok := env.Message.(signaling.JoinAck)
	require.True(t, ok, "expected join-ack, got %T", env.Message)
	return c, ack
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestJoinFanOut(t *testing.T) {
	_, url := startRelay(t, Options{})

	a, ackA := join(t, url, "s1", "alice")
	assert.True(t, ackA.IsHost)
	assert.Empty(t, ackA.Participants)
	assert.NotEmpty(t, ackA.Self)

	b, ackB := join(t, url, "s1", "bob")
	assert.False(t, ackB.IsHost)
	require.Len(t, ackB.Participants, 1)
	assert.Equal(t, ackA.Self, ackB.Participants[0].SocketID)
	assert.Equal(t, "alice", ackB.Participants[0].UserName)

	env := a.recv()
	joined, ok := env.Message.(signaling.UserJoined)
	require.True(t, ok)
	assert.Equal(t, ackB.Self, joined.SocketID)
	assert.Equal(t, "bob", joined.UserName)

	b.send("", signaling.Leave{})
	env = a.recv()
	left, ok := env.Message.(signaling.UserLeft)
	require.True(t, ok)
	assert.Equal(t, ackB.Self, left.SocketID)
}

func TestPointToPointForwarding(t *testing.T) {
	_, url := startRelay(t, Options{})

	a, ackA := join(t, url, "s1", "alice")
	b, ackB := join(t, url, "s1", "bob")
	c, _ := join(t, url, "s1", "carol")
	a.recv() // user-joined bob
	a.recv() // user-joined carol
	b.recv() // user-joined carol

	offer := signaling.Offer{SDP: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}}
	a.send(ackB.Self, offer)

	env := b.recv()
	assert.Equal(t, ackA.Self, env.From, "relay tags the sender")
	assert.Equal(t, offer, env.Message)

	// carol must not have seen it: the next thing she gets is a chat.
	a.send("", signaling.ChatMessage{ID: "m1", Text: "hi"})
	env = c.recv()
	assert.IsType(t, signaling.ChatMessage{}, env.Message)
}

func TestSequencedLogAndEcho(t *testing.T) {
	_, url := startRelay(t, Options{})

	a, _ := join(t, url, "s1", "alice")
	a.send("", signaling.ChatMessage{ID: "m1", Text: "first"})
	a.send("", signaling.WhiteboardUpdate{Op: signaling.WhiteboardOp{
		ID: "op1", Kind: signaling.OpStroke, Points: []signaling.Point{{X: 1, Y: 1}, {X: 2, Y: 2}},
	}})
	a.send("", signaling.WhiteboardClear{ID: "op2"})

	chat := a.recv().Message.(signaling.ChatMessage)
	assert.Equal(t, uint64(1), chat.Seq)
	assert.Equal(t, "alice", chat.Author, "author defaults to the display name")

	update := a.recv().Message.(signaling.WhiteboardUpdate)
	assert.Equal(t, uint64(2), update.Op.Seq)

	clear := a.recv().Message.(signaling.WhiteboardClear)
	assert.Equal(t, uint64(3), clear.Seq)

	_, ack := join(t, url, "s1", "bob")
	require.Len(t, ack.ChatLog, 1)
	assert.Equal(t, "first", ack.ChatLog[0].Text)
	require.Len(t, ack.WhiteboardLog, 2)
	assert.Equal(t, signaling.OpStroke, ack.WhiteboardLog[0].Kind)
	assert.Equal(t, signaling.OpClear, ack.WhiteboardLog[1].Kind)
	assert.Equal(t, uint64(3), ack.WhiteboardLog[1].Seq)
}

func TestParticipantStateInSnapshot(t *testing.T) {
	_, url := startRelay(t, Options{})

	a, ackA := join(t, url, "s1", "alice")
	a.send("", signaling.ParticipantUpdated{Video: false, Audio: true, Screen: true})
	// The echo of a later chat proves the update was processed.
	a.send("", signaling.ChatMessage{ID: "sync", Text: "."})
	a.recv()

	_, ackB := join(t, url, "s1", "bob")
	require.Len(t, ackB.Participants, 1)
	p := ackB.Participants[0]
	assert.Equal(t, ackA.Self, p.SocketID)
	assert.True(t, p.Audio)
	assert.True(t, p.Screen)
	assert.False(t, p.Video)
}

func TestRejectWhenFull(t *testing.T) {
	_, url := startRelay(t, Options{MaxParticipants: 2})

	join(t, url, "s1", "alice")
	join(t, url, "s1", "bob")

	c := dial(t, url)
	c.send("", signaling.Join{SessionID: "s1", Identity: signaling.Identity{
		ParticipantID: "user-carol", DisplayName: "carol", Role: "student",
	}})
	rejected, ok := c.recv().Message.(signaling.JoinRejected)
	require.True(t, ok)
	assert.Equal(t, ErrRoomFull.Error(), rejected.Reason)

	// Other sessions are unaffected.
	join(t, url, "s2", "carol")
}

func TestRejectWithoutJoin(t *testing.T) {
	_, url := startRelay(t, Options{})

	c := dial(t, url)
	c.send("", signaling.ChatMessage{ID: "m1", Text: "too early"})
	_, ok := c.recv().Message.(signaling.JoinRejected)
	assert.True(t, ok)
}

func TestStaleSocketEvictedOnRejoin(t *testing.T) {
	s, url := startRelay(t, Options{})

	a, _ := join(t, url, "s1", "alice")
	b, ackB1 := join(t, url, "s1", "bob")
	a.recv() // user-joined bob

	// bob rejoins on a fresh socket while the old one is still open.
	_, ackB2 := join(t, url, "s1", "bob")
	assert.NotEqual(t, ackB1.Self, ackB2.Self)
	require.Len(t, ackB2.Participants, 1, "only alice remains besides the new socket")
	assert.Equal(t, "alice", ackB2.Participants[0].UserName)

	left := a.recv().Message.(signaling.UserLeft)
	assert.Equal(t, ackB1.Self, left.SocketID)
	joined := a.recv().Message.(signaling.UserJoined)
	assert.Equal(t, ackB2.Self, joined.SocketID)

	// The stale socket is closed by the relay.
	require.NoError(t, b.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := b.conn.ReadMessage()
	assert.Error(t, err)

	assert.Eventually(t, func() bool { return s.Members("s1") == 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestMalformedFrameIsDropped(t *testing.T) {
	_, url := startRelay(t, Options{})

	a, _ := join(t, url, "s1", "alice")
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"no-such-kind"}`)))
	require.NoError(t, a.conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))

	a.send("", signaling.ChatMessage{ID: "m1", Text: "still here"})
	chat := a.recv().Message.(signaling.ChatMessage)
	assert.Equal(t, "still here", chat.Text)
}

func TestRoomClosesWhenEmpty(t *testing.T) {
	s, url := startRelay(t, Options{})

	a, _ := join(t, url, "s1", "alice")
	a.send("", signaling.ChatMessage{ID: "m1", Text: "hello"})
	a.recv()
	a.send("", signaling.Leave{})

	assert.Eventually(t, func() bool { return s.Members("s1") == 0 }, 5*time.Second, 10*time.Millisecond)

	_, ack := join(t, url, "s1", "bob")
	assert.Empty(t, ack.ChatLog, "a new room starts with an empty log")
	assert.True(t, ack.IsHost)
}

func TestChatOverRateIsDelayedNotDropped(t *testing.T) {
	_, url := startRelay(t, Options{ChatRate: 20, ChatBurst: 1})

	a, _ := join(t, url, "s1", "alice")
	b, _ := join(t, url, "s1", "bob")
	a.recv() // user-joined bob

	start := time.Now()
	for i, text := range []string{"one", "two", "three", "four"} {
		a.send("", signaling.ChatMessage{ID: fmt.Sprintf("m%d", i), Text: text})
	}

	for _, c := range []*testConn{a, b} {
		for i := range 4 {
			chat, ok := c.recv().Message.(signaling.ChatMessage)
			require.True(t, ok)
			assert.Equal(t, uint64(i+1), chat.Seq)
		}
	}
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "entries past the burst are paced")
}

func TestWhiteboardOverRateIsDelayedNotDropped(t *testing.T) {
	_, url := startRelay(t, Options{ChatRate: 20, ChatBurst: 1})

	a, _ := join(t, url, "s1", "alice")
	for i := range 3 {
		a.send("", signaling.WhiteboardUpdate{Op: signaling.WhiteboardOp{
			ID: fmt.Sprintf("op%d", i), Kind: signaling.OpStroke, Points: []signaling.Point{{X: 1, Y: 1}},
		}})
	}
	a.send("", signaling.WhiteboardClear{ID: "wipe"})

	for i := range 3 {
		update, ok := a.recv().Message.(signaling.WhiteboardUpdate)
		require.True(t, ok)
		assert.Equal(t, uint64(i+1), update.Op.Seq)
	}
	clear, ok := a.recv().Message.(signaling.WhiteboardClear)
	require.True(t, ok)
	assert.Equal(t, uint64(4), clear.Seq)

	_, ack := join(t, url, "s1", "bob")
	assert.Len(t, ack.WhiteboardLog, 4)
}

func TestAlreadySequencedIDIsNotLoggedTwice(t *testing.T) {
	_, url := startRelay(t, Options{})

	a, _ := join(t, url, "s1", "alice")
	a.send("", signaling.ChatMessage{ID: "m1", Text: "hi"})
	a.send("", signaling.ChatMessage{ID: "m1", Text: "hi"})
	a.send("", signaling.WhiteboardClear{ID: "w1"})
	a.send("", signaling.WhiteboardClear{ID: "w1"})
	a.send("", signaling.ChatMessage{ID: "m2", Text: "after"})

	first := a.recv().Message.(signaling.ChatMessage)
	assert.Equal(t, uint64(1), first.Seq)
	clear := a.recv().Message.(signaling.WhiteboardClear)
	assert.Equal(t, uint64(2), clear.Seq)
	next := a.recv().Message.(signaling.ChatMessage)
	assert.Equal(t, "m2", next.ID)
	assert.Equal(t, uint64(3), next.Seq, "no seq is spent on a duplicate")

	_, ack := join(t, url, "s1", "bob")
	assert.Len(t, ack.ChatLog, 2)
	assert.Len(t, ack.WhiteboardLog, 1)
}
