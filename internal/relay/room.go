package relay

import (
	"errors"
	"sync"

	"github.com/samber/lo"

	"github.com/1ureka/meshcall/internal/signaling"
	"github.com/1ureka/meshcall/internal/util"
)

var ErrRoomFull = errors.New("session full")

// room is one session on the relay: its members in join order and the
// sequenced chat/whiteboard log handed to late joiners.
type room struct {
	id  string
	log util.Logger

	mu      sync.Mutex
	members map[string]*member
	order   []string
	host    string
	seq     uint64
	chat    []signaling.ChatMessage
	board   []signaling.WhiteboardOp
	logged  map[string]struct{} // chat and op ids already sequenced
}

func newRoom(id string) *room {
	return &room{
		id:      id,
		log:     util.For("relay").With(id),
		members: make(map[string]*member),
		logged:  make(map[string]struct{}),
	}
}

func (r *room) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// admit adds m and queues its join-ack ahead of any other frame, then
// announces it to everyone else. A member with the same participant id
// is a stale socket from before a reconnect: it is removed and returned
// so the caller can close it.
func (r *room) admit(m *member, max int) (stale *member, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.order {
		if old := r.members[id]; old.identity.ParticipantID == m.identity.ParticipantID {
			stale = old
			r.removeLocked(old)
			break
		}
	}

	if len(r.members) >= max {
		return stale, ErrRoomFull
	}

	if len(r.members) == 0 {
		r.host = m.id
	}

	ack := signaling.JoinAck{
		Self: m.id,
		Participants: lo.Map(r.order, func(id string, _ int) signaling.ParticipantInfo {
			return r.members[id].info()
		}),
		ChatLog:       append([]signaling.ChatMessage(nil), r.chat...),
		WhiteboardLog: append([]signaling.WhiteboardOp(nil), r.board...),
		IsHost:        r.host == m.id,
	}

	r.members[m.id] = m
	r.order = append(r.order, m.id)

	r.sendLocked(m, signaling.Envelope{To: m.id, Message: ack})
	r.broadcastLocked(m.id, signaling.Envelope{From: m.id, Message: signaling.UserJoined{
		SocketID: m.id,
		UserID:   m.identity.ParticipantID,
		UserName: m.identity.DisplayName,
		UserRole: m.identity.Role,
	}})

	r.log.Info("member joined", "socket", m.id, "name", m.identity.DisplayName, "members", len(r.members))
	return stale, nil
}

// leave removes m if it is still a member. It reports whether the room is
// now empty.
func (r *room) leave(m *member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[m.id] == m {
		r.removeLocked(m)
		r.log.Info("member left", "socket", m.id, "members", len(r.members))
	}
	return len(r.members) == 0
}

func (r *room) removeLocked(m *member) {
	delete(r.members, m.id)
	r.order = lo.Without(r.order, m.id)
	if r.host == m.id && len(r.order) > 0 {
		r.host = r.order[0]
	}
	r.broadcastLocked(m.id, signaling.Envelope{From: m.id, Message: signaling.UserLeft{SocketID: m.id}})
}

// forward relays a point-to-point message, tagging it with the sender.
func (r *room) forward(from *member, to string, msg signaling.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.members[to]
	if !ok {
		return false
	}
	return r.sendLocked(target, signaling.Envelope{From: from.id, To: to, Message: msg})
}

// update stores from's media state for later snapshots and tells the others.
func (r *room) update(from *member, msg signaling.ParticipantUpdated) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg.SocketID = from.id
	from.state = msg
	r.broadcastLocked(from.id, signaling.Envelope{From: from.id, Message: msg})
}

// appendChat sequences a chat message and echoes it to every member,
// including the sender. An id that is already in the log is not
// sequenced again and appendChat reports false.
func (r *room) appendChat(from *member, msg signaling.ChatMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.logged[msg.ID]; dup {
		return false
	}
	r.logged[msg.ID] = struct{}{}
	r.seq++
	msg.Seq = r.seq
	if msg.Author == "" {
		msg.Author = from.identity.DisplayName
	}
	r.chat = append(r.chat, msg)
	r.broadcastLocked("", signaling.Envelope{From: from.id, Message: msg})
	return true
}

// appendOp sequences a whiteboard operation (clears included) and echoes it
// to every member. Like appendChat it skips ids already in the log.
func (r *room) appendOp(from *member, op signaling.WhiteboardOp) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.logged[op.ID]; dup {
		return false
	}
	r.logged[op.ID] = struct{}{}
	r.seq++
	op.Seq = r.seq
	r.board = append(r.board, op)

	var msg signaling.Message = signaling.WhiteboardUpdate{Op: op}
	if op.Kind == signaling.OpClear {
		msg = signaling.WhiteboardClear{ID: op.ID, Seq: op.Seq}
	}
	r.broadcastLocked("", signaling.Envelope{From: from.id, Message: msg})
	return true
}

// broadcastLocked sends env to every member except the one with id skip.
func (r *room) broadcastLocked(skip string, env signaling.Envelope) {
	frame, err := signaling.Encode(env)
	if err != nil {
		r.log.Error("failed to encode broadcast", "kind", env.Message.Kind(), "err", err)
		return
	}
	for _, id := range r.order {
		if id != skip {
			r.members[id].trySend(frame)
		}
	}
}

func (r *room) sendLocked(m *member, env signaling.Envelope) bool {
	frame, err := signaling.Encode(env)
	if err != nil {
		r.log.Error("failed to encode envelope", "kind", env.Message.Kind(), "err", err)
		return false
	}
	return m.trySend(frame)
}
