// Package relay is a thin signaling relay: join fan-out, point-to-point
// forwarding and a sequenced chat/whiteboard log per session. It exists for
// development and tests; clients only depend on its envelope contract.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/1ureka/meshcall/internal/signaling"
	"github.com/1ureka/meshcall/internal/telemetry"
	"github.com/1ureka/meshcall/internal/util"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const joinWait = 10 * time.Second

// Options configures a Server. Zero values fall back to defaults.
type Options struct {
	MaxParticipants int
	ChatRate        float64 // chat/whiteboard envelopes per second per member
	ChatBurst       int
	Metrics         *telemetry.Metrics
}

// Server hosts any number of rooms, keyed by session id.
type Server struct {
	opts Options
	log  util.Logger

	mu       sync.Mutex
	rooms    map[string]*room
	listener net.Listener
	srv      *http.Server
}

// NewServer creates a relay. Call Start, or mount Handler yourself.
func NewServer(opts Options) *Server {
	if opts.MaxParticipants <= 0 {
		opts.MaxParticipants = 8
	}
	if opts.ChatRate <= 0 {
		opts.ChatRate = 5
	}
	if opts.ChatBurst <= 0 {
		opts.ChatBurst = 10
	}
	return &Server{
		opts:  opts,
		log:   util.For("relay"),
		rooms: make(map[string]*room),
	}
}

// Handler routes /ws to the relay and /healthz to a liveness probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// Start begins listening on addr (":0" picks a free port) and returns the
// bound address.
func (s *Server) Start(addr string) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start relay: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("relay stopped", "err", err)
		}
	}()

	s.log.Info("relay listening", "addr", listener.Addr().String())
	return listener.Addr().String(), nil
}

// Close stops accepting connections and disconnects every member.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.srv
	rooms := make([]*room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = srv.Shutdown(ctx)
	}
	for _, r := range rooms {
		r.mu.Lock()
		for _, m := range r.members {
			m.close()
		}
		r.mu.Unlock()
	}
	return err
}

// Members returns how many sockets are in sessionID's room.
func (s *Server) Members(sessionID string) int {
	s.mu.Lock()
	r, ok := s.rooms[sessionID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return r.size()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameSize)

	join, err := readJoin(conn)
	if err != nil {
		s.log.Warn("rejecting connection", "remote", r.RemoteAddr, "err", err)
		reject(conn, err.Error())
		return
	}

	m := newMember(uuid.NewString(), join.Identity, conn,
		rate.NewLimiter(rate.Limit(s.opts.ChatRate), s.opts.ChatBurst))

	rm, stale, err := s.admit(join.SessionID, m)
	if stale != nil {
		s.log.Info("evicting stale socket", "session", join.SessionID, "socket", stale.id)
		stale.close()
	}
	if err != nil {
		s.log.Warn("rejecting join", "session", join.SessionID, "name", join.DisplayName, "err", err)
		reject(conn, err.Error())
		m.close()
		return
	}
	s.opts.Metrics.RelayMemberJoined()

	go m.writePump()
	s.readPump(rm, m)

	m.close()
	if rm.leave(m) {
		s.dropIfEmpty(rm)
	}
	s.opts.Metrics.RelayMemberLeft()
}

// readJoin waits for the mandatory first frame.
func readJoin(conn *websocket.Conn) (signaling.Join, error) {
	_ = conn.SetReadDeadline(time.Now().Add(joinWait))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return signaling.Join{}, err
	}
	env, err := signaling.Decode(data)
	if err != nil {
		return signaling.Join{}, err
	}
	join, ok := env.Message.(signaling.Join)
	if !ok {
		return signaling.Join{}, fmt.Errorf("expected join, got %s", env.Message.Kind())
	}
	return join, nil
}

// reject answers with join-rejected and closes; only used before the
// member's writePump exists.
func reject(conn *websocket.Conn, reason string) {
	if frame, err := signaling.Encode(signaling.Envelope{Message: signaling.JoinRejected{Reason: reason}}); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	conn.Close()
}

func (s *Server) admit(sessionID string, m *member) (*room, *member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rm, ok := s.rooms[sessionID]
	if !ok {
		rm = newRoom(sessionID)
		s.rooms[sessionID] = rm
		s.opts.Metrics.SetRelayRooms(len(s.rooms))
	}

	stale, err := rm.admit(m, s.opts.MaxParticipants)
	if err != nil && rm.size() == 0 {
		delete(s.rooms, sessionID)
		s.opts.Metrics.SetRelayRooms(len(s.rooms))
	}
	return rm, stale, err
}

func (s *Server) dropIfEmpty(rm *room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rooms[rm.id] == rm && rm.size() == 0 {
		delete(s.rooms, rm.id)
		s.opts.Metrics.SetRelayRooms(len(s.rooms))
		s.log.Info("room closed", "session", rm.id)
	}
}

// readPump handles everything m sends after joining until it leaves or
// its socket fails.
func (s *Server) readPump(rm *room, m *member) {
	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := signaling.Decode(data)
		if err != nil {
			s.opts.Metrics.Dropped("malformed")
			rm.log.Warn("dropping frame", "socket", m.id, "err", err)
			continue
		}

		switch msg := env.Message.(type) {
		case signaling.Offer, signaling.Answer, signaling.ICECandidate:
			if !rm.forward(m, env.To, msg) {
				s.opts.Metrics.Dropped("unknown_target")
				rm.log.Debug("dropping message for unknown target", "kind", msg.Kind(), "to", env.To)
			}

		case signaling.ParticipantUpdated:
			rm.update(m, msg)

		case signaling.ChatMessage:
			if !m.pace() {
				return
			}
			s.unlessDuplicate(rm, m, msg.ID, rm.appendChat(m, msg))

		case signaling.WhiteboardUpdate:
			if !m.pace() {
				return
			}
			s.unlessDuplicate(rm, m, msg.Op.ID, rm.appendOp(m, msg.Op))

		case signaling.WhiteboardClear:
			if !m.pace() {
				return
			}
			s.unlessDuplicate(rm, m, msg.ID, rm.appendOp(m, msg.AsOp()))

		case signaling.Leave:
			return

		default:
			s.opts.Metrics.Dropped("unexpected")
			rm.log.Warn("dropping unexpected message", "socket", m.id, "kind", msg.Kind())
		}
	}
}

// unlessDuplicate counts an entry the room refused because its id was
// already sequenced.
func (s *Server) unlessDuplicate(rm *room, m *member, id string, ok bool) {
	if !ok {
		s.opts.Metrics.Dropped("duplicate")
		rm.log.Debug("dropping already sequenced entry", "socket", m.id, "id", id)
	}
}
