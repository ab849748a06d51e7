package signaling

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/meshcall/internal/util"
)

// sender serializes outgoing envelopes onto one connection.
type sender struct {
	conn Conn
	mu   sync.Mutex
}

// send encodes env and writes it as a single text frame, guarded by a mutex.
func (s *sender) send(env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}

	util.Stats.AddEnvelopeSent()
	return nil
}

// sendJoin issues the join request for sessionID.
func (s *sender) sendJoin(sessionID string, id Identity) error {
	return s.send(Envelope{Message: Join{SessionID: sessionID, Identity: id}})
}

// sendClose writes a normal-closure control frame. Errors are ignored:
// the connection is being torn down anyway.
func (s *sender) sendClose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"))
}
