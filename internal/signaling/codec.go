package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownKind = errors.New("signaling: unknown envelope kind")
	ErrMalformed   = errors.New("signaling: malformed envelope")
)

// wireEnvelope is the JSON frame exchanged with the relay.
type wireEnvelope struct {
	Type    Kind            `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var validate = validator.New()

// decoders maps every kind to the payload type it carries.
var decoders = map[Kind]func(json.RawMessage) (Message, error){
	KindJoin:               decodeAs[Join],
	KindJoinAck:            decodeAs[JoinAck],
	KindJoinRejected:       decodeAs[JoinRejected],
	KindUserJoined:         decodeAs[UserJoined],
	KindUserLeft:           decodeAs[UserLeft],
	KindOffer:              decodeAs[Offer],
	KindAnswer:             decodeAs[Answer],
	KindICECandidate:       decodeAs[ICECandidate],
	KindParticipantUpdated: decodeAs[ParticipantUpdated],
	KindChatMessage:        decodeAs[ChatMessage],
	KindWhiteboardUpdate:   decodeAs[WhiteboardUpdate],
	KindWhiteboardClear:    decodeAs[WhiteboardClear],
	KindLeave:              decodeAs[Leave],
}

func decodeAs[T Message](raw json.RawMessage) (Message, error) {
	var m T
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	}
	if err := validate.Struct(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Encode serializes an envelope into a relay frame.
func Encode(env Envelope) ([]byte, error) {
	if env.Message == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	payload, err := json.Marshal(env.Message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return json.Marshal(wireEnvelope{
		Type:    env.Message.Kind(),
		From:    env.From,
		To:      env.To,
		Payload: payload,
	})
}

// Decode parses and validates a relay frame. Unknown kinds return
// ErrUnknownKind; anything else that does not fit returns ErrMalformed.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	decode, ok := decoders[w.Type]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}

	msg, err := decode(w.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrMalformed, w.Type, err)
	}

	return Envelope{From: w.From, To: w.To, Message: msg}, nil
}

// ValidateIdentity reports whether id can be used to join.
func ValidateIdentity(id Identity) error {
	return validate.Struct(id)
}
