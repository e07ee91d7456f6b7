package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holesch/not-my-board/internal/core"
)

// Keep-alive defaults from §4.2.
const (
	DefaultIdleTimeout = 20 * time.Second
	DefaultDeadTimeout = 60 * time.Second
)

// pingMethod is the notification method used for keep-alive frames.
// JSON-RPC has no built-in ping; any frame resets the dead timer, so a
// trivial notification suffices.
const pingMethod = "rpc.ping"

var (
	// ErrClosed is returned by Call/Notify once the Conn has been closed.
	ErrClosed = errors.New("rpc: connection closed")
	// ErrCancelled is returned by Call when ctx is done before the
	// response arrives; a Close during the call yields ErrClosed instead.
	ErrCancelled = errors.New("rpc: call cancelled")
)

// Conn is one duplex control channel: it multiplexes locally
// initiated calls, remotely initiated calls dispatched to a
// Dispatcher, and notifications in both directions, over a Transport.
// One Conn serves exactly one Session (§3).
type Conn struct {
	transport Transport
	dispatch  *Dispatcher
	log       *slog.Logger

	idleTimeout time.Duration
	deadTimeout time.Duration

	sign int64 // +1 if this side originates positive IDs, -1 otherwise

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan response
	closed   bool
	closeErr error

	lastSend time.Time

	done chan struct{}
}

type response struct {
	result json.RawMessage
	err    *Error
}

// Option configures a Conn.
type Option func(*Conn)

// WithIdleTimeout overrides the keep-alive ping interval.
func WithIdleTimeout(d time.Duration) Option { return func(c *Conn) { c.idleTimeout = d } }

// WithDeadTimeout overrides the no-traffic connection-death deadline.
func WithDeadTimeout(d time.Duration) Option { return func(c *Conn) { c.deadTimeout = d } }

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option { return func(c *Conn) { c.log = log } }

// NewConn wraps transport as a Conn. originator selects this side's ID
// sign: pass true for the peer that initiated the underlying
// connection (exporter/agent dialing the hub, or the CLI dialing the
// agent), false for the accepting peer (the hub, or the agent's IPC
// server), so the two ID spaces never collide (§4.2).
func NewConn(transport Transport, dispatch *Dispatcher, originator bool, opts ...Option) *Conn {
	sign := int64(-1)
	if originator {
		sign = 1
	}
	c := &Conn{
		transport:   transport,
		dispatch:    dispatch,
		log:         slog.Default().With("component", "rpc"),
		idleTimeout: DefaultIdleTimeout,
		deadTimeout: DefaultDeadTimeout,
		sign:        sign,
		pending:     make(map[int64]chan response),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Serve runs the read loop and keep-alive timers. It blocks until ctx
// is cancelled, the transport fails, or Close is called, and always
// returns a non-nil error describing why it stopped (context.Canceled
// counts as a clean stop).
func (c *Conn) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(ctx) }()

	ticker := time.NewTicker(c.idleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			c.failPending(err)
			return err
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastSend) >= c.idleTimeout
			c.mu.Unlock()
			if idle {
				if err := c.Notify(pingMethod, nil); err != nil {
					c.failPending(err)
					return err
				}
			}
		}
	}
}

// readLoop reads frames until the transport errors or ctx is done. It
// resets the read deadline to deadTimeout before every read so that
// deadTimeout of total silence closes the channel (§4.2).
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		if err := c.transport.SetReadDeadline(time.Now().Add(c.deadTimeout)); err != nil {
			return err
		}
		data, err := c.transport.ReadMessage()
		if err != nil {
			return err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("%w: malformed frame: %v", errProtocol, err)
		}

		switch {
		case msg.isResponse():
			c.deliver(*msg.ID, response{result: msg.Result, err: msg.Error})
		case msg.isRequest():
			go c.handleRequest(ctx, msg)
		case msg.isNotification():
			if msg.Method == pingMethod {
				continue
			}
			if h, ok := c.dispatch.notifications[msg.Method]; ok {
				h(ctx, c, msg.Params)
			}
		default:
			return fmt.Errorf("%w: empty frame", errProtocol)
		}
	}
}

var errProtocol = errors.New("protocol")

func (c *Conn) handleRequest(ctx context.Context, msg Message) {
	h, ok := c.dispatch.methods[msg.Method]
	if !ok {
		c.respondError(*msg.ID, &Error{Code: "ProtocolError", Message: "unknown method " + msg.Method})
		return
	}

	result, err := h(ctx, c, msg.Params)
	if err != nil {
		c.respondError(*msg.ID, toWireError(err))
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		c.respondError(*msg.ID, &Error{Code: "ProtocolError", Message: "failed to marshal result"})
		return
	}
	c.send(Message{ID: msg.ID, Result: raw})
}

func (c *Conn) respondError(id int64, wireErr *Error) {
	c.send(Message{ID: &id, Error: wireErr})
}

func (c *Conn) deliver(id int64, resp response) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Conn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]chan response)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- response{err: &Error{Code: "ProtocolError", Message: err.Error()}}
	}
}

// Call issues a request and blocks for the response, ctx cancellation,
// or Close. Params is marshalled to JSON; nil is encoded as "null".
func (c *Conn) Call(ctx context.Context, method string, params any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	id, ch := c.newCall()
	msg := Message{ID: &id, Method: method, Params: raw}
	if err := c.send(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case resp := <-ch:
		if resp.err != nil {
			return resp.err
		}
		if out == nil || len(resp.result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.result, out)
	case <-ctx.Done():
		return ErrCancelled
	case <-c.done:
		return ErrClosed
	}
}

func (c *Conn) newCall() (int64, chan response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID * c.sign
	ch := make(chan response, 1)
	c.pending[id] = ch
	return id, ch
}

// Notify sends a one-way notification; there is no response to wait for.
func (c *Conn) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return c.send(Message{Method: method, Params: raw})
}

func (c *Conn) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.lastSend = time.Now()
	c.mu.Unlock()

	return c.transport.WriteMessage(data)
}

// Close tears down the transport and fails every in-flight local call.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.transport.Close()
}

// toWireError converts a Go error into a wire Error. A *core.DomainError
// carries its taxonomy code across verbatim; an already-built *Error
// passes through; anything else maps to ProtocolError so internal Go
// error types never leak across the boundary (§7).
func toWireError(err error) *Error {
	var wireErr *Error
	if errors.As(err, &wireErr) {
		return wireErr
	}
	var domainErr *core.DomainError
	if errors.As(err, &domainErr) {
		return &Error{Code: string(domainErr.Code), Message: domainErr.Message}
	}
	return &Error{Code: "ProtocolError", Message: err.Error()}
}

// NewError constructs a wire Error with an explicit taxonomy code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}
