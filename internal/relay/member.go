package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/meshcall/internal/signaling"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
	maxFrameSize   = 1 << 20
)

// member is one connected socket in a room. Outgoing frames are queued on
// send and written by writePump, so room locks are never held across I/O.
type member struct {
	id       string
	identity signaling.Identity
	conn     *websocket.Conn
	limiter  *rate.Limiter

	state signaling.ParticipantUpdated // guarded by the room lock

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context // cancelled by close
	cancel context.CancelFunc
}

func newMember(id string, identity signaling.Identity, conn *websocket.Conn, limiter *rate.Limiter) *member {
	ctx, cancel := context.WithCancel(context.Background())
	return &member{
		id:       id,
		identity: identity,
		conn:     conn,
		limiter:  limiter,
		state:    signaling.ParticipantUpdated{SocketID: id},
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *member) info() signaling.ParticipantInfo {
	return signaling.ParticipantInfo{
		SocketID: m.id,
		UserID:   m.identity.ParticipantID,
		UserName: m.identity.DisplayName,
		UserRole: m.identity.Role,
		Video:    m.state.Video,
		Audio:    m.state.Audio,
		Screen:   m.state.Screen,
	}
}

// trySend queues a frame without blocking. A member whose queue is full is
// too slow to keep up and is disconnected.
func (m *member) trySend(frame []byte) bool {
	select {
	case m.send <- frame:
		return true
	case <-m.done:
		return false
	default:
		m.close()
		return false
	}
}

// writePump is the only writer on conn once the member is admitted.
func (m *member) writePump() {
	for {
		select {
		case frame := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				m.close()
				m.conn.Close()
				return
			}
		case <-m.done:
			_ = m.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			m.conn.Close()
			return
		}
	}
}

// close asks writePump to say goodbye and close the socket; the read loop
// then exits and the member leaves its room.
func (m *member) close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.cancel()
	})
}

// pace holds m's next chat or whiteboard entry until its limiter allows
// it. Entries over the rate are delayed, never dropped, so the sender's
// own log still converges with everyone else's. It reports false once m
// is closed.
func (m *member) pace() bool {
	return m.limiter.Wait(m.ctx) == nil
}
