package session

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/replog"
	"github.com/1ureka/meshcall/internal/signaling"
)

func newID() string {
	return uuid.NewString()
}

// newDispatcher maps every inbound kind to its handler. Handlers run on the
// event loop only.
func (c *Coordinator) newDispatcher() *signaling.Dispatcher {
	d := signaling.NewDispatcher()
	signaling.On(d, c.onUserJoined)
	signaling.On(d, c.onUserLeft)
	signaling.On(d, c.onParticipantUpdated)
	signaling.On(d, c.onChat)
	signaling.On(d, c.onWhiteboardUpdate)
	signaling.On(d, c.onWhiteboardClear)
	d.Handle(signaling.KindOffer, c.onNegotiation)
	d.Handle(signaling.KindAnswer, c.onNegotiation)
	d.Handle(signaling.KindICECandidate, c.onNegotiation)
	d.Fallback(func(env signaling.Envelope) {
		c.log.Warn("unexpected envelope dropped", "kind", env.Message.Kind(), "from", env.From)
		c.metrics.Dropped("unexpected")
	})
	return d
}

func (c *Coordinator) handleEnvelope(env signaling.Envelope) {
	switch c.state {
	case StateJoining:
		// The snapshot is not applied yet; replay after it.
		c.early = append(c.early, env)
		return
	case StateJoined:
		c.dispatch.Dispatch(env)
	default:
		c.log.Debug("envelope ignored", "state", c.state, "kind", env.Message.Kind())
	}
}

func (c *Coordinator) onUserJoined(_ string, m signaling.UserJoined) {
	if m.SocketID == c.local.ID {
		return
	}
	p := &Participant{ID: m.SocketID, UserID: m.UserID, DisplayName: m.UserName, Role: m.UserRole}
	if !c.roster.add(p) {
		c.log.Debug("duplicate user-joined", "remote", m.SocketID)
		return
	}
	c.updateMetrics()
	c.log.Info("participant joined", "remote", m.SocketID, "name", m.UserName)
	c.events.publish(Event{Kind: EventParticipantJoined, Participant: *p})

	// We saw the arrival, so we initiate.
	id := m.SocketID
	c.timers[id] = time.AfterFunc(c.opts.PeerSetupDelay, func() {
		c.loop.post(func() { c.offerTo(id) })
	})
}

func (c *Coordinator) offerTo(id string) {
	delete(c.timers, id)
	if c.state != StateJoined {
		return
	}
	if _, ok := c.roster.get(id); !ok {
		return
	}
	if _, err := c.peers.EnsurePeer(id, peer.Initiator, c.localTracks()); err != nil {
		c.log.Warn("failed to offer", "remote", id, "err", err)
		c.markLink(id, peer.StateClosed)
	}
}

func (c *Coordinator) onUserLeft(_ string, m signaling.UserLeft) {
	if t, ok := c.timers[m.SocketID]; ok {
		t.Stop()
		delete(c.timers, m.SocketID)
	}
	c.peers.Close(m.SocketID)

	p, ok := c.roster.remove(m.SocketID)
	if !ok {
		return
	}
	c.updateMetrics()
	c.log.Info("participant left", "remote", m.SocketID, "name", p.DisplayName)
	c.events.publish(Event{Kind: EventParticipantLeft, Participant: p})
}

// onParticipantUpdated patches media flags only; the link is untouched.
func (c *Coordinator) onParticipantUpdated(from string, m signaling.ParticipantUpdated) {
	id := m.SocketID
	if id == "" {
		id = from
	}
	p, ok := c.roster.get(id)
	if !ok {
		c.log.Debug("update for unknown participant", "remote", id)
		return
	}
	p.VideoEnabled, p.AudioEnabled, p.ScreenSharing = m.Video, m.Audio, m.Screen
	c.events.publish(Event{Kind: EventParticipantUpdated, Participant: *p})
}

func (c *Coordinator) onNegotiation(from string, msg signaling.Message) {
	if err := c.peers.Signal(from, msg, c.localTracks()); err != nil {
		if errors.Is(err, peer.ErrUnknownPeer) || errors.Is(err, peer.ErrInvalidSDP) {
			c.metrics.Dropped(string(msg.Kind()))
		}
		c.log.Warn("negotiation message rejected", "kind", msg.Kind(), "from", from, "err", err)
	}
}

func (c *Coordinator) onChat(_ string, m signaling.ChatMessage) {
	c.publishEntries(c.replog.ApplyChat(m))
}

func (c *Coordinator) onWhiteboardUpdate(_ string, m signaling.WhiteboardUpdate) {
	c.publishEntries(c.replog.ApplyOp(m.Op))
}

func (c *Coordinator) onWhiteboardClear(_ string, m signaling.WhiteboardClear) {
	c.publishEntries(c.replog.ApplyOp(m.AsOp()))
}

func (c *Coordinator) publishEntries(entries []replog.Entry) {
	for _, e := range entries {
		if e.Chat != nil {
			c.events.publish(Event{Kind: EventChat, Chat: *e.Chat})
		} else {
			c.events.publish(Event{Kind: EventWhiteboard, Op: *e.Op})
		}
	}
}

// handlePeerEvent keeps the participant on a link failure: only user-left
// removes someone.
func (c *Coordinator) handlePeerEvent(ev peer.Event) {
	if c.state != StateJoined {
		return
	}
	if ev.Err != nil {
		c.log.Warn("link lost", "remote", ev.RemoteID, "err", ev.Err)
	}
	c.markLink(ev.RemoteID, ev.State)
}

func (c *Coordinator) markLink(id string, s peer.State) {
	p, ok := c.roster.get(id)
	if !ok {
		return
	}
	p.LinkBroken = s == peer.StateClosed
	c.events.publish(Event{Kind: EventLinkChanged, Participant: *p, LinkState: s})
}

func (c *Coordinator) handleStatus(ev signaling.StatusEvent) {
	if c.state != StateJoined {
		return
	}
	switch ev.Status {
	case signaling.StatusReconnecting:
		c.log.Warn("relay connection lost, reconnecting", "attempt", ev.Attempt)
		c.metrics.ReconnectAttempt()
		c.events.publish(Event{Kind: EventReconnecting, Attempt: ev.Attempt})

	case signaling.StatusReconnected:
		c.rejoined(ev.Snapshot)
		c.events.publish(Event{Kind: EventReconnected, Attempt: ev.Attempt})

	case signaling.StatusDisconnected:
		c.fail(errors.Join(ErrSignalingLost, ev.Err))
	}
}

// rejoined starts over from the new snapshot. Our socket id changed, so
// every old link is stale: drop them all and let the others offer again.
func (c *Coordinator) rejoined(snap *signaling.RosterSnapshot) {
	if snap == nil {
		return
	}
	c.peers.CloseAll()
	c.hydrate(snap)
	for _, msg := range c.replog.Pending() {
		c.sig.Send("", msg)
	}
	c.log.Info("rejoined session", "self", snap.Self, "participants", c.roster.len(), "resent", len(c.replog.Pending()))
}

func (c *Coordinator) updateMetrics() {
	c.metrics.SetParticipants(c.roster.len() + 1)
}
