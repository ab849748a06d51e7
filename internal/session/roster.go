package session

import (
	"slices"

	"github.com/samber/lo"

	"github.com/1ureka/meshcall/internal/media"
	"github.com/1ureka/meshcall/internal/signaling"
)

// Participant is one remote member of the session as the local side sees
// it. LinkBroken marks a member whose media link failed but who has not
// left.
type Participant struct {
	ID            string // relay socket id
	UserID        string
	DisplayName   string
	Role          string
	VideoEnabled  bool
	AudioEnabled  bool
	ScreenSharing bool
	LinkBroken    bool
}

// LocalState is the local user, kept apart from the roster.
type LocalState struct {
	ID            string // socket id assigned by the relay
	ParticipantID string
	DisplayName   string
	Role          string
	IsHost        bool
	VideoEnabled  bool
	AudioEnabled  bool
	ScreenSharing bool
}

func (l *LocalState) applyMedia(s media.State) {
	l.VideoEnabled = s.VideoEnabled
	l.AudioEnabled = s.AudioEnabled
	l.ScreenSharing = s.ScreenSharing
}

func (l LocalState) update() signaling.ParticipantUpdated {
	return signaling.ParticipantUpdated{
		SocketID: l.ID,
		Video:    l.VideoEnabled,
		Audio:    l.AudioEnabled,
		Screen:   l.ScreenSharing,
	}
}

// roster holds one Participant per socket id in arrival order. The local
// user is never in it.
type roster struct {
	byID  map[string]*Participant
	order []string
}

func newRoster() *roster {
	return &roster{byID: make(map[string]*Participant)}
}

// reset replaces the roster with a join snapshot, skipping self.
func (r *roster) reset(self string, infos []signaling.ParticipantInfo) {
	r.byID = make(map[string]*Participant, len(infos))
	r.order = r.order[:0]
	for _, info := range infos {
		if info.SocketID == self {
			continue
		}
		r.add(&Participant{
			ID:            info.SocketID,
			UserID:        info.UserID,
			DisplayName:   info.UserName,
			Role:          info.UserRole,
			VideoEnabled:  info.Video,
			AudioEnabled:  info.Audio,
			ScreenSharing: info.Screen,
		})
	}
}

// add inserts p unless its id is already present. It reports whether p
// was inserted.
func (r *roster) add(p *Participant) bool {
	if _, ok := r.byID[p.ID]; ok {
		return false
	}
	r.byID[p.ID] = p
	r.order = append(r.order, p.ID)
	return true
}

func (r *roster) remove(id string) (Participant, bool) {
	p, ok := r.byID[id]
	if !ok {
		return Participant{}, false
	}
	delete(r.byID, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	return *p, true
}

func (r *roster) get(id string) (*Participant, bool) {
	p, ok := r.byID[id]
	return p, ok
}

func (r *roster) ids() []string {
	return slices.Clone(r.order)
}

func (r *roster) len() int {
	return len(r.order)
}

// list returns copies in arrival order.
func (r *roster) list() []Participant {
	return lo.Map(r.order, func(id string, _ int) Participant {
		return *r.byID[id]
	})
}

func (r *roster) clear() {
	r.byID = make(map[string]*Participant)
	r.order = nil
}
