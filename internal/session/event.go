package session

import (
	"fmt"
	"sync"

	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/signaling"
)

// State is the coordinator's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	StateLeaving
	StateLeft
	StateFailed
)

var stateNames = []string{"idle", "joining", "joined", "leaving", "left", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateLeft || s == StateFailed
}

// EventKind tells subscribers what changed.
type EventKind int

const (
	EventStateChanged EventKind = iota + 1
	EventParticipantJoined
	EventParticipantLeft
	EventParticipantUpdated
	EventLinkChanged
	EventChat
	EventWhiteboard
	EventScreenShareEnded
	EventReconnecting
	EventReconnected
)

var eventNames = map[EventKind]string{
	EventStateChanged:       "state-changed",
	EventParticipantJoined:  "participant-joined",
	EventParticipantLeft:    "participant-left",
	EventParticipantUpdated: "participant-updated",
	EventLinkChanged:        "link-changed",
	EventChat:               "chat",
	EventWhiteboard:         "whiteboard",
	EventScreenShareEnded:   "screen-share-ended",
	EventReconnecting:       "reconnecting",
	EventReconnected:        "reconnected",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one observable change. Only the fields relevant to Kind are
// set.
type Event struct {
	Kind        EventKind
	State       State
	Participant Participant
	LinkState   peer.State
	Chat        signaling.ChatMessage
	Op          signaling.WhiteboardOp
	Attempt     int
	Err         error
}

// notifier delivers events to subscribers, in order, on its own
// goroutine, so a subscriber may call back into the Coordinator.
type notifier struct {
	mu   sync.Mutex
	subs []func(Event)
	box  *mailbox
}

func newNotifier() *notifier {
	n := &notifier{box: newMailbox()}
	go n.box.run()
	return n
}

func (n *notifier) subscribe(fn func(Event)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

func (n *notifier) publish(ev Event) {
	n.box.post(func() {
		n.mu.Lock()
		subs := n.subs
		n.mu.Unlock()
		for _, fn := range subs {
			fn(ev)
		}
	})
}

// close stops delivery after the events already queued.
func (n *notifier) close() {
	n.box.close()
}

// ---------------------------------------------------------------------------
// mailbox is an unbounded FIFO of closures drained by one goroutine. post
// never blocks, so it is safe from any goroutine, the draining one
// included.
// ---------------------------------------------------------------------------

type mailbox struct {
	mu      sync.Mutex
	queue   []func()
	closing bool
	wake    chan struct{}
	done    chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// post queues fn. It reports false once the mailbox is closing.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// close lets run finish what is queued and return.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	defer close(m.done)
	for range m.wake {
		for {
			m.mu.Lock()
			if len(m.queue) == 0 {
				closing := m.closing
				m.mu.Unlock()
				if closing {
					return
				}
				break
			}
			fn := m.queue[0]
			m.queue[0] = nil
			m.queue = m.queue[1:]
			m.mu.Unlock()

			fn()
		}
	}
}
