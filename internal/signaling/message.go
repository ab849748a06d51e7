// Package signaling implements the relay envelope contract and the client
// that keeps one persistent WebSocket connection to the relay.
package signaling

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Kind identifies the variant carried by an envelope.
type Kind string

const (
	KindJoin               Kind = "join"
	KindJoinAck            Kind = "join-ack"
	KindJoinRejected       Kind = "join-rejected"
	KindUserJoined         Kind = "user-joined"
	KindUserLeft           Kind = "user-left"
	KindOffer              Kind = "offer"
	KindAnswer             Kind = "answer"
	KindICECandidate       Kind = "ice-candidate"
	KindParticipantUpdated Kind = "participant-updated"
	KindChatMessage        Kind = "chat-message"
	KindWhiteboardUpdate   Kind = "whiteboard-update"
	KindWhiteboardClear    Kind = "whiteboard-clear"
	KindLeave              Kind = "leave"
)

// Message is the closed set of envelope payloads. Only types in this
// package implement it.
type Message interface {
	Kind() Kind
	message()
}

// Envelope is one relay frame. An empty To means broadcast; From is set by
// the relay on delivery and ignored on send.
type Envelope struct {
	From    string
	To      string
	Message Message
}

// Identity is supplied by the auth provider before Connect is called.
type Identity struct {
	ParticipantID string `json:"participantId" validate:"required,max=128"`
	DisplayName   string `json:"displayName" validate:"required,max=64"`
	Role          string `json:"role" validate:"required,max=32"`
}

// ParticipantInfo is one roster entry in a join snapshot.
type ParticipantInfo struct {
	SocketID string `json:"socketId" validate:"required"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	UserRole string `json:"userRole"`
	Video    bool   `json:"video"`
	Audio    bool   `json:"audio"`
	Screen   bool   `json:"screen"`
}

// OpKind is the kind of a whiteboard operation.
type OpKind string

const (
	OpStroke OpKind = "stroke"
	OpErase  OpKind = "erase"
	OpClear  OpKind = "clear"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Style struct {
	Color string  `json:"color,omitempty"`
	Width float64 `json:"width,omitempty"`
}

// WhiteboardOp is one draw operation. Seq is assigned by the relay.
type WhiteboardOp struct {
	ID     string  `json:"id" validate:"required"`
	Kind   OpKind  `json:"kind" validate:"oneof=stroke erase clear"`
	Points []Point `json:"points,omitempty"`
	Style  Style   `json:"style"`
	Seq    uint64  `json:"seq,omitempty"`
}

type Join struct {
	SessionID string `json:"sessionId" validate:"required"`
	Identity
}

type JoinAck struct {
	Self          string            `json:"self" validate:"required"`
	Participants  []ParticipantInfo `json:"participants" validate:"dive"`
	ChatLog       []ChatMessage     `json:"chatLog"`
	WhiteboardLog []WhiteboardOp    `json:"whiteboardLog"`
	IsHost        bool              `json:"isHost"`
}

type JoinRejected struct {
	Reason string `json:"reason"`
}

type UserJoined struct {
	SocketID string `json:"socketId" validate:"required"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	UserRole string `json:"userRole"`
}

type UserLeft struct {
	SocketID string `json:"socketId" validate:"required"`
}

type Offer struct {
	SDP webrtc.SessionDescription `json:"offer"`
}

type Answer struct {
	SDP webrtc.SessionDescription `json:"answer"`
}

type ICECandidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ParticipantUpdated is a broadcast patch of one participant's media state.
type ParticipantUpdated struct {
	SocketID string `json:"socketId"`
	Video    bool   `json:"video"`
	Audio    bool   `json:"audio"`
	Screen   bool   `json:"screen"`
}

// ChatMessage carries a client-generated ID so the sender can match the
// relay's echo against its locally shown copy.
type ChatMessage struct {
	ID        string    `json:"id" validate:"required"`
	Author    string    `json:"author"`
	Text      string    `json:"text" validate:"max=4096"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq,omitempty"`
}

type WhiteboardUpdate struct {
	Op WhiteboardOp `json:"op"`
}

type WhiteboardClear struct {
	ID  string `json:"id" validate:"required"`
	Seq uint64 `json:"seq,omitempty"`
}

type Leave struct{}

func (Join) Kind() Kind               { return KindJoin }
func (JoinAck) Kind() Kind            { return KindJoinAck }
func (JoinRejected) Kind() Kind       { return KindJoinRejected }
func (UserJoined) Kind() Kind         { return KindUserJoined }
func (UserLeft) Kind() Kind           { return KindUserLeft }
func (Offer) Kind() Kind              { return KindOffer }
func (Answer) Kind() Kind             { return KindAnswer }
func (ICECandidate) Kind() Kind       { return KindICECandidate }
func (ParticipantUpdated) Kind() Kind { return KindParticipantUpdated }
func (ChatMessage) Kind() Kind        { return KindChatMessage }
func (WhiteboardUpdate) Kind() Kind   { return KindWhiteboardUpdate }
func (WhiteboardClear) Kind() Kind    { return KindWhiteboardClear }
func (Leave) Kind() Kind              { return KindLeave }

func (Join) message()               {}
func (JoinAck) message()            {}
func (JoinRejected) message()       {}
func (UserJoined) message()         {}
func (UserLeft) message()           {}
func (Offer) message()              {}
func (Answer) message()             {}
func (ICECandidate) message()       {}
func (ParticipantUpdated) message() {}
func (ChatMessage) message()        {}
func (WhiteboardUpdate) message()   {}
func (WhiteboardClear) message()    {}
func (Leave) message()              {}

// AsOp returns the clear as a whiteboard operation so it can be logged
// alongside strokes.
func (c WhiteboardClear) AsOp() WhiteboardOp {
	return WhiteboardOp{ID: c.ID, Kind: OpClear, Seq: c.Seq}
}

// RosterSnapshot is the relay's answer to a join.
type RosterSnapshot struct {
	Self          string
	Participants  []ParticipantInfo
	ChatLog       []ChatMessage
	WhiteboardLog []WhiteboardOp
	IsHost        bool
}

func snapshotFromAck(ack JoinAck) *RosterSnapshot {
	return &RosterSnapshot{
		Self:          ack.Self,
		Participants:  ack.Participants,
		ChatLog:       ack.ChatLog,
		WhiteboardLog: ack.WhiteboardLog,
		IsHost:        ack.IsHost,
	}
}
