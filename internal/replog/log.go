// Package replog keeps the session's chat transcript and whiteboard
// operations in relay order, so every participant folds the same sequence.
package replog

import (
	"container/heap"
	"slices"

	"github.com/1ureka/meshcall/internal/signaling"
	"github.com/1ureka/meshcall/internal/telemetry"
	"github.com/1ureka/meshcall/internal/util"
)

// Entry is one sequenced log entry. Exactly one of Chat and Op is set.
type Entry struct {
	Seq  uint64
	Chat *signaling.ChatMessage
	Op   *signaling.WhiteboardOp
}

func (e Entry) id() string {
	if e.Chat != nil {
		return e.Chat.ID
	}
	return e.Op.ID
}

func (e Entry) kind() string {
	if e.Chat != nil {
		return string(signaling.KindChatMessage)
	}
	return string(e.Op.Kind)
}

// Log is the replicated chat and whiteboard log of one session. It is not
// safe for concurrent use; the session's event loop owns it.
//
// Relay sequence numbers are contiguous per room, so entries are delivered
// strictly in seq order: anything at or below the last delivered seq is a
// duplicate, anything beyond the next expected seq waits until the gap is
// filled. Entries without a seq are delivered on arrival.
type Log struct {
	chat    []signaling.ChatMessage
	ops     []signaling.WhiteboardOp
	pending []signaling.ChatMessage // local chat not yet echoed by the relay
	ids     map[string]struct{}

	next uint64
	held entryHeap

	metrics *telemetry.Metrics
	log     util.Logger
}

func New(metrics *telemetry.Metrics) *Log {
	return &Log{
		ids:     make(map[string]struct{}),
		next:    1,
		metrics: metrics,
		log:     util.For("replog"),
	}
}

// Hydrate replaces the log with a join snapshot. Ops are kept in snapshot
// order. Pending local chat that the snapshot already contains is dropped;
// the rest stays pending.
func (l *Log) Hydrate(chat []signaling.ChatMessage, ops []signaling.WhiteboardOp) {
	l.chat = slices.Clone(chat)
	l.ops = slices.Clone(ops)
	l.ids = make(map[string]struct{}, len(chat)+len(ops))
	l.held = nil

	var last uint64
	for _, m := range chat {
		l.ids[m.ID] = struct{}{}
		last = max(last, m.Seq)
	}
	for _, op := range ops {
		l.ids[op.ID] = struct{}{}
		last = max(last, op.Seq)
	}
	l.next = last + 1

	l.pending = slices.DeleteFunc(l.pending, func(m signaling.ChatMessage) bool {
		_, acked := l.ids[m.ID]
		return acked
	})
}

// AppendLocalChat shows msg immediately, before the relay echoes it. The
// echo replaces it instead of adding a second copy.
func (l *Log) AppendLocalChat(msg signaling.ChatMessage) bool {
	if _, ok := l.ids[msg.ID]; ok {
		return false
	}
	if slices.ContainsFunc(l.pending, func(m signaling.ChatMessage) bool { return m.ID == msg.ID }) {
		return false
	}
	msg.Seq = 0
	l.pending = append(l.pending, msg)
	return true
}

// ApplyChat takes a chat message from the relay and returns the entries it
// made deliverable, in order.
func (l *Log) ApplyChat(msg signaling.ChatMessage) []Entry {
	return l.feed(Entry{Seq: msg.Seq, Chat: &msg})
}

// ApplyOp takes a whiteboard operation (clears included) from the relay.
func (l *Log) ApplyOp(op signaling.WhiteboardOp) []Entry {
	return l.feed(Entry{Seq: op.Seq, Op: &op})
}

func (l *Log) feed(e Entry) []Entry {
	if e.Seq == 0 {
		if _, dup := l.ids[e.id()]; dup {
			l.duplicate(e)
			return nil
		}
		l.commit(e)
		return []Entry{e}
	}

	if e.Seq < l.next {
		l.duplicate(e)
		return nil
	}

	if e.Seq > l.next {
		// Future entry: hold it until the gap closes.
		heap.Push(&l.held, e)
		return nil
	}

	// e.Seq == l.next: deliver it and drain consecutive held entries.
	result := l.deliver(e, nil)
	for l.held.Len() > 0 && l.held[0].Seq <= l.next {
		h := heap.Pop(&l.held).(Entry)
		if h.Seq < l.next {
			continue
		}
		result = l.deliver(h, result)
	}
	return result
}

// deliver consumes e's seq. An id already in the log still takes up its
// seq but adds nothing, so later entries are not stuck behind it.
func (l *Log) deliver(e Entry, out []Entry) []Entry {
	l.next = e.Seq + 1
	if _, dup := l.ids[e.id()]; dup {
		l.duplicate(e)
		return out
	}
	l.commit(e)
	return append(out, e)
}

func (l *Log) commit(e Entry) {
	l.ids[e.id()] = struct{}{}
	if e.Seq >= l.next {
		l.next = e.Seq + 1
	}

	if e.Chat != nil {
		l.chat = append(l.chat, *e.Chat)
		l.pending = slices.DeleteFunc(l.pending, func(m signaling.ChatMessage) bool { return m.ID == e.Chat.ID })
	} else {
		l.ops = append(l.ops, *e.Op)
	}
	l.metrics.LogEntry(e.kind())
}

func (l *Log) duplicate(e Entry) {
	l.log.Debug("duplicate log entry ignored", "id", e.id(), "seq", e.Seq, "next", l.next)
}

// Chat returns the confirmed transcript followed by pending local messages.
func (l *Log) Chat() []signaling.ChatMessage {
	out := make([]signaling.ChatMessage, 0, len(l.chat)+len(l.pending))
	out = append(out, l.chat...)
	return append(out, l.pending...)
}

// Ops returns the confirmed whiteboard operations in replay order.
func (l *Log) Ops() []signaling.WhiteboardOp {
	return slices.Clone(l.ops)
}

// Pending returns local chat the relay has not echoed yet.
func (l *Log) Pending() []signaling.ChatMessage {
	return slices.Clone(l.pending)
}

// Entries returns every confirmed entry ordered by seq.
func (l *Log) Entries() []Entry {
	out := make([]Entry, 0, len(l.chat)+len(l.ops))
	for i := range l.chat {
		out = append(out, Entry{Seq: l.chat[i].Seq, Chat: &l.chat[i]})
	}
	for i := range l.ops {
		out = append(out, Entry{Seq: l.ops[i].Seq, Op: &l.ops[i]})
	}
	slices.SortStableFunc(out, func(a, b Entry) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return out
}

// Len counts confirmed entries.
func (l *Log) Len() int {
	return len(l.chat) + len(l.ops)
}

// Visible returns the operations drawn since the last clear.
func Visible(ops []signaling.WhiteboardOp) []signaling.WhiteboardOp {
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].Kind == signaling.OpClear {
			return ops[i+1:]
		}
	}
	return ops
}

// ---------------------------------------------------------------------------
// entryHeap implements a min-heap sorted by Seq.
// ---------------------------------------------------------------------------

type entryHeap []Entry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].Seq < h[j].Seq }
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(Entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = Entry{}
	*h = old[:n-1]
	return item
}
