package signaling

import "sync"

// Handler handles one decoded envelope payload sent by from.
type Handler func(from string, msg Message)

// Dispatcher routes envelopes to one handler per kind. Registering a kind
// twice replaces the earlier handler, so wiring is idempotent.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
	fallback func(Envelope)
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[Kind]Handler)}
}

// Handle registers h for kind k.
func (d *Dispatcher) Handle(k Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[k] = h
}

// Fallback registers fn for envelopes whose kind has no handler.
func (d *Dispatcher) Fallback(fn func(Envelope)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = fn
}

// Dispatch calls the handler for env's kind. It reports whether a handler
// (not the fallback) was found.
func (d *Dispatcher) Dispatch(env Envelope) bool {
	if env.Message == nil {
		return false
	}

	d.mu.RLock()
	h, ok := d.handlers[env.Message.Kind()]
	fallback := d.fallback
	d.mu.RUnlock()

	if !ok {
		if fallback != nil {
			fallback(env)
		}
		return false
	}
	h(env.From, env.Message)
	return true
}

// On registers a typed handler for the kind of T.
func On[T Message](d *Dispatcher, h func(from string, msg T)) {
	var zero T
	d.Handle(zero.Kind(), func(from string, msg Message) {
		if m, ok := msg.(T); ok {
			h(from, m)
		}
	})
}
