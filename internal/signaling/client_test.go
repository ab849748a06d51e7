package signaling_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/meshcall/internal/relay"
	"github.com/1ureka/meshcall/internal/signaling"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func startRelay(t *testing.T, opts relay.Options) string {
	t.Helper()
	s := relay.NewServer(opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func identity(name string) signaling.Identity {
	return signaling.Identity{ParticipantID: "id-" + name, DisplayName: name, Role: "student"}
}

// recordingDial wraps the real dialer so tests can sever live connections
// and make later dials fail.
type recordingDial struct {
	mu    sync.Mutex
	conns []signaling.Conn
	fail  atomic.Bool
}

func (d *recordingDial) dial(ctx context.Context, url string) (signaling.Conn, error) {
	if d.fail.Load() {
		return nil, errors.New("connection refused")
	}
	conn, err := signaling.DialWebSocket(ctx, url)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *recordingDial) sever() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.Close()
	}
	d.conns = nil
}

func newClient(t *testing.T, opts signaling.Options) (*signaling.Client, chan signaling.Envelope, chan signaling.StatusEvent) {
	t.Helper()
	c := signaling.NewClient(opts)
	envs := make(chan signaling.Envelope, 64)
	statuses := make(chan signaling.StatusEvent, 64)
	c.OnEnvelope(func(env signaling.Envelope) { envs <- env })
	c.OnStatus(func(ev signaling.StatusEvent) { statuses <- ev })
	t.Cleanup(func() { c.Disconnect() })
	return c, envs, statuses
}

func nextStatus(t *testing.T, ch chan signaling.StatusEvent) signaling.StatusEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for status event")
		return signaling.StatusEvent{}
	}
}

func nextEnvelope(t *testing.T, ch chan signaling.Envelope) signaling.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return signaling.Envelope{}
	}
}

// silentConn accepts writes and never answers.
type silentConn struct {
	closed chan struct{}
	once   sync.Once
}

func (s *silentConn) ReadMessage() (int, []byte, error) {
	<-s.closed
	return 0, nil, errors.New("closed")
}
func (s *silentConn) WriteMessage(int, []byte) error { return nil }
func (s *silentConn) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestConnectReturnsSnapshot(t *testing.T) {
	url := startRelay(t, relay.Options{})
	ctx := context.Background()

	a, envsA, _ := newClient(t, signaling.Options{URL: url})
	snapA, err := a.Connect(ctx, "s1", identity("ana"))
	require.NoError(t, err)
	assert.True(t, snapA.IsHost)
	assert.Empty(t, snapA.Participants)

	b, _, _ := newClient(t, signaling.Options{URL: url})
	snapB, err := b.Connect(ctx, "s1", identity("bo"))
	require.NoError(t, err)
	require.Len(t, snapB.Participants, 1)
	assert.Equal(t, snapA.Self, snapB.Participants[0].SocketID)

	env := nextEnvelope(t, envsA)
	joined, ok := env.Message.(signaling.UserJoined)
	require.True(t, ok)
	assert.Equal(t, snapB.Self, joined.SocketID)
	assert.Equal(t, "bo", joined.UserName)
}

func TestConnectTwiceFails(t *testing.T) {
	url := startRelay(t, relay.Options{})

	c, _, _ := newClient(t, signaling.Options{URL: url})
	_, err := c.Connect(context.Background(), "s1", identity("ana"))
	require.NoError(t, err)

	_, err = c.Connect(context.Background(), "s1", identity("ana"))
	assert.Error(t, err)
}

func TestConnectInvalidIdentity(t *testing.T) {
	c, _, _ := newClient(t, signaling.Options{URL: "ws://127.0.0.1:1/ws"})
	_, err := c.Connect(context.Background(), "s1", signaling.Identity{ParticipantID: "x"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, signaling.ErrUnreachable)
}

func TestConnectRejected(t *testing.T) {
	url := startRelay(t, relay.Options{MaxParticipants: 1})

	a, _, _ := newClient(t, signaling.Options{URL: url})
	_, err := a.Connect(context.Background(), "s1", identity("ana"))
	require.NoError(t, err)

	b, _, _ := newClient(t, signaling.Options{URL: url})
	_, err = b.Connect(context.Background(), "s1", identity("bo"))

	var rej *signaling.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, relay.ErrRoomFull.Error(), rej.Reason)
}

func TestConnectUnreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ts.Close()

	c, _, _ := newClient(t, signaling.Options{URL: url, DialTimeout: time.Second})
	_, err := c.Connect(context.Background(), "s1", identity("ana"))
	assert.ErrorIs(t, err, signaling.ErrUnreachable)
}

func TestConnectJoinTimeout(t *testing.T) {
	dial := func(context.Context, string) (signaling.Conn, error) {
		return &silentConn{closed: make(chan struct{})}, nil
	}

	c, _, _ := newClient(t, signaling.Options{URL: "ws://relay", Dial: dial, JoinTimeout: 50 * time.Millisecond})
	_, err := c.Connect(context.Background(), "s1", identity("ana"))
	assert.ErrorIs(t, err, signaling.ErrUnreachable)
}

func TestDisconnectAbortsPendingConnect(t *testing.T) {
	dial := func(context.Context, string) (signaling.Conn, error) {
		return &silentConn{closed: make(chan struct{})}, nil
	}
	c, _, _ := newClient(t, signaling.Options{URL: "ws://relay", Dial: dial})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background(), "s1", identity("ana"))
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Disconnect())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, signaling.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
}

func TestReconnectDeliversFreshSnapshot(t *testing.T) {
	url := startRelay(t, relay.Options{})
	d := &recordingDial{}

	c, _, statuses := newClient(t, signaling.Options{
		URL:               url,
		Dial:              d.dial,
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
	})
	first, err := c.Connect(context.Background(), "s1", identity("ana"))
	require.NoError(t, err)

	d.sever()

	ev := nextStatus(t, statuses)
	assert.Equal(t, signaling.StatusReconnecting, ev.Status)
	assert.Equal(t, 1, ev.Attempt)

	ev = nextStatus(t, statuses)
	require.Equal(t, signaling.StatusReconnected, ev.Status)
	require.NotNil(t, ev.Snapshot)
	assert.NotEqual(t, first.Self, ev.Snapshot.Self, "a new socket gets a new id")
	assert.Empty(t, ev.Snapshot.Participants, "the stale socket is not in the roster")

	// The client is usable again.
	c.Send("", signaling.ChatMessage{ID: "m1", Text: "back"})
}

func TestReconnectExhaustedIsTerminal(t *testing.T) {
	url := startRelay(t, relay.Options{})
	d := &recordingDial{}

	c, _, statuses := newClient(t, signaling.Options{
		URL:               url,
		Dial:              d.dial,
		ReconnectAttempts: 2,
		ReconnectDelay:    10 * time.Millisecond,
	})
	_, err := c.Connect(context.Background(), "s1", identity("ana"))
	require.NoError(t, err)

	d.fail.Store(true)
	d.sever()

	for attempt := 1; attempt <= 2; attempt++ {
		ev := nextStatus(t, statuses)
		assert.Equal(t, signaling.StatusReconnecting, ev.Status)
		assert.Equal(t, attempt, ev.Attempt)
	}

	ev := nextStatus(t, statuses)
	assert.Equal(t, signaling.StatusDisconnected, ev.Status)
	assert.ErrorIs(t, ev.Err, signaling.ErrDisconnected)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after giving up")
	}

	// No further events, and sends are dropped quietly.
	c.Send("", signaling.ChatMessage{ID: "m1", Text: "lost"})
	select {
	case ev := <-statuses:
		t.Fatalf("unexpected status after terminal disconnect: %v", ev.Status)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	url := startRelay(t, relay.Options{})

	c, _, statuses := newClient(t, signaling.Options{URL: url, ReconnectAttempts: 3, ReconnectDelay: 10 * time.Millisecond})
	_, err := c.Connect(context.Background(), "s1", identity("ana"))
	require.NoError(t, err)

	require.NoError(t, c.Disconnect())
	assert.NoError(t, c.Disconnect())
	<-c.Done()

	// A deliberate disconnect never triggers reconnection.
	select {
	case ev := <-statuses:
		t.Fatalf("unexpected status after Disconnect: %v", ev.Status)
	case <-time.After(50 * time.Millisecond):
	}
}
