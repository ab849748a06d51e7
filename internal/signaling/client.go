package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/1ureka/meshcall/internal/util"
)

var (
	ErrUnreachable  = errors.New("signaling: relay unreachable")
	ErrClosed       = errors.New("signaling: client closed")
	ErrDisconnected = errors.New("signaling: relay connection lost")
)

// RejectedError is returned by Connect when the relay refuses the join.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "signaling: join rejected: " + e.Reason
}

// Status is a connection lifecycle notification.
type Status int

const (
	StatusReconnecting Status = iota + 1
	StatusReconnected
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusReconnecting:
		return "reconnecting"
	case StatusReconnected:
		return "reconnected"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// StatusEvent reports reconnection progress. Snapshot is set for
// StatusReconnected; Err is set for StatusDisconnected, which is terminal.
type StatusEvent struct {
	Status   Status
	Attempt  int
	Snapshot *RosterSnapshot
	Err      error
}

// Options configures a Client.
type Options struct {
	URL  string
	Dial DialFunc // defaults to DialWebSocket

	DialTimeout time.Duration // per dial attempt; 0 means no limit
	JoinTimeout time.Duration // wait for join-ack; 0 means wait on ctx only

	ReconnectAttempts int
	ReconnectDelay    time.Duration // attempt n waits n*ReconnectDelay
}

// Client keeps one persistent connection to the relay. Connect blocks for
// the join round trip; everything after that is delivered through the
// OnEnvelope and OnStatus callbacks, in arrival order, from one goroutine.
type Client struct {
	opts Options
	log  util.Logger

	mu         sync.Mutex
	conn       Conn
	dialing    Conn
	sender     *sender
	sessionID  string
	identity   Identity
	started    bool
	closed     bool
	closeCh    chan struct{}
	onEnvelope func(Envelope)
	onStatus   func(StatusEvent)
}

// NewClient creates a client. No connection is made until Connect.
func NewClient(opts Options) *Client {
	if opts.Dial == nil {
		opts.Dial = DialWebSocket
	}
	return &Client{
		opts:    opts,
		log:     util.For("signaling"),
		closeCh: make(chan struct{}),
	}
}

// OnEnvelope registers the single envelope handler, replacing any earlier one.
func (c *Client) OnEnvelope(fn func(Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnvelope = fn
}

// OnStatus registers the single status handler, replacing any earlier one.
func (c *Client) OnStatus(fn func(StatusEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = fn
}

// Connect dials the relay, joins sessionID as id and returns the initial
// roster. Transport failures wrap ErrUnreachable; a refusal is a
// *RejectedError.
func (c *Client) Connect(ctx context.Context, sessionID string, id Identity) (*RosterSnapshot, error) {
	if err := ValidateIdentity(id); err != nil {
		return nil, fmt.Errorf("signaling: invalid identity: %w", err)
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return nil, ErrClosed
	case c.started:
		c.mu.Unlock()
		return nil, errors.New("signaling: already connected")
	}
	c.started = true
	c.sessionID = sessionID
	c.identity = id
	c.mu.Unlock()

	conn, snap, early, err := c.join(ctx)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return nil, err
	}

	if !c.attach(conn) {
		return nil, ErrClosed
	}

	c.log.Info("joined session", "session", sessionID, "self", snap.Self, "participants", len(snap.Participants))
	go c.run(conn, early)
	return snap, nil
}

// Send writes msg for to (empty means broadcast). It never waits for the
// relay's reply; failures are logged and the envelope is dropped.
func (c *Client) Send(to string, msg Message) {
	c.mu.Lock()
	s := c.sender
	c.mu.Unlock()

	if s == nil {
		c.log.Debug("dropping envelope while not connected", "kind", msg.Kind(), "to", to)
		return
	}
	if err := s.send(Envelope{To: to, Message: msg}); err != nil {
		c.log.Warn("failed to send envelope", "kind", msg.Kind(), "to", to, "err", err)
	}
}

// Disconnect closes the connection and stops any reconnection. It also
// aborts a Connect that is still waiting. Safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	conn, dialing, s := c.conn, c.dialing, c.sender
	c.conn, c.dialing, c.sender = nil, nil, nil
	c.mu.Unlock()

	var errs []error
	if s != nil {
		s.sendClose()
	}
	if conn != nil {
		errs = append(errs, conn.Close())
	}
	if dialing != nil {
		errs = append(errs, dialing.Close())
	}
	return errors.Join(errs...)
}

// Done is closed once the client is disconnected, by the caller or after
// reconnection gave up.
func (c *Client) Done() <-chan struct{} {
	return c.closeCh
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// join dials, sends the join and waits for the relay's verdict. Envelopes
// that arrive before the verdict are returned so they can be delivered
// after it.
func (c *Client) join(ctx context.Context) (Conn, *RosterSnapshot, []Envelope, error) {
	dialCtx := ctx
	if c.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.opts.DialTimeout)
		defer cancel()
	}

	conn, err := c.opts.Dial(dialCtx, c.opts.URL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, nil, ctx.Err()
		}
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return nil, nil, nil, ErrClosed
	}
	c.dialing = conn
	sessionID, id := c.sessionID, c.identity
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.dialing == conn {
			c.dialing = nil
		}
		c.mu.Unlock()
	}()

	s := &sender{conn: conn}
	if err := s.sendJoin(sessionID, id); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	waitCtx := ctx
	if c.opts.JoinTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.opts.JoinTimeout)
		defer cancel()
	}

	type verdict struct {
		snap  *RosterSnapshot
		early []Envelope
		err   error
	}
	ch := make(chan verdict, 1)

	go func() {
		r := &receiver{conn: conn, log: c.log}
		var early []Envelope
		for {
			env, err := r.next()
			if err != nil {
				ch <- verdict{err: err}
				return
			}
			switch m := env.Message.(type) {
			case JoinAck:
				ch <- verdict{snap: snapshotFromAck(m), early: early}
				return
			case JoinRejected:
				ch <- verdict{err: &RejectedError{Reason: m.Reason}}
				return
			default:
				early = append(early, env)
			}
		}
	}()

	select {
	case v := <-ch:
		if v.err != nil {
			conn.Close()
			var rej *RejectedError
			switch {
			case errors.As(v.err, &rej):
				return nil, nil, nil, rej
			case c.isClosed():
				return nil, nil, nil, ErrClosed
			default:
				return nil, nil, nil, fmt.Errorf("%w: %v", ErrUnreachable, v.err)
			}
		}
		return conn, v.snap, v.early, nil

	case <-waitCtx.Done():
		conn.Close()
		<-ch
		if c.isClosed() {
			return nil, nil, nil, ErrClosed
		}
		if ctx.Err() != nil {
			return nil, nil, nil, ctx.Err()
		}
		return nil, nil, nil, fmt.Errorf("%w: no reply to join within %s", ErrUnreachable, c.opts.JoinTimeout)
	}
}

// attach makes conn the live connection unless the client was closed
// meanwhile.
func (c *Client) attach(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return false
	}
	c.conn = conn
	c.sender = &sender{conn: conn}
	return true
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// run is the single reader goroutine. It outlives individual connections:
// when one fails it reconnects and keeps delivering.
func (c *Client) run(conn Conn, early []Envelope) {
	for {
		for _, env := range early {
			c.deliver(env)
		}

		err := (&receiver{conn: conn, log: c.log}).watch(c.deliver)
		if c.isClosed() {
			return
		}
		c.log.Warn("relay connection lost", "err", err)

		conn, early, err = c.reconnect(conn)
		if errors.Is(err, ErrClosed) {
			return
		}
		if err != nil {
			c.terminate(err)
			return
		}
	}
}

// reconnect retries the join with linear backoff. It gives up after
// ReconnectAttempts tries or on a rejection.
func (c *Client) reconnect(dead Conn) (Conn, []Envelope, error) {
	c.mu.Lock()
	if c.conn == dead {
		c.conn, c.sender = nil, nil
	}
	c.mu.Unlock()
	dead.Close()

	lastErr := ErrDisconnected
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		c.emit(StatusEvent{Status: StatusReconnecting, Attempt: attempt})

		select {
		case <-time.After(time.Duration(attempt) * c.opts.ReconnectDelay):
		case <-c.closeCh:
			return nil, nil, ErrClosed
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-c.closeCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, snap, early, err := c.join(ctx)
		cancel()

		if err == nil {
			if !c.attach(conn) {
				return nil, nil, ErrClosed
			}
			c.log.Info("rejoined session", "attempt", attempt, "self", snap.Self)
			c.emit(StatusEvent{Status: StatusReconnected, Attempt: attempt, Snapshot: snap})
			return conn, early, nil
		}
		if errors.Is(err, ErrClosed) || c.isClosed() {
			return nil, nil, ErrClosed
		}

		c.log.Warn("reconnect attempt failed", "attempt", attempt, "err", err)
		lastErr = err

		var rej *RejectedError
		if errors.As(err, &rej) {
			break
		}
	}
	return nil, nil, lastErr
}

// terminate gives up on the relay for good and reports it exactly once.
func (c *Client) terminate(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.closeCh)
	c.mu.Unlock()

	err := fmt.Errorf("%w: %v", ErrDisconnected, cause)
	c.log.Error("giving up on relay", "attempts", c.opts.ReconnectAttempts, "err", cause)
	c.emit(StatusEvent{Status: StatusDisconnected, Err: err})
}

func (c *Client) deliver(env Envelope) {
	c.mu.Lock()
	fn := c.onEnvelope
	c.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

func (c *Client) emit(ev StatusEvent) {
	c.mu.Lock()
	fn := c.onStatus
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
