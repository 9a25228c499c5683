package cmdsock

import (
	"bufio"
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// State is the position of a client in its connection and receive cycle.
type State int32

const (
	// StateIdle is the state of a client that was never started.
	StateIdle State = iota
	// StateConnecting is the state while the connect is in flight.
	StateConnecting
	// StateAwaitingHeader is the state while waiting for a frame header.
	StateAwaitingHeader
	// StateAwaitingBody is the state while reading a frame body.
	StateAwaitingBody
	// StateClosed is terminal: the connection ended or never came up.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingHeader:
		return "awaiting_header"
	case StateAwaitingBody:
		return "awaiting_body"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// State returns the current state of the client.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// advance moves to s unless the client is already closed.
func (c *Client) advance(s State) {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// receiveLoop reads frames until the connection fails or ctx ends. Header and
// body reads strictly alternate. Any read failure, including a stream that
// ends inside a header or a body, is returned and ends the connection; a
// frame that fails to decode is skipped.
func (c *Client) receiveLoop(ctx context.Context, conn net.Conn, buf []byte) error {
	reader := bufio.NewReader(conn)
	var header [HeaderSize]byte

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.advance(StateAwaitingHeader)
		c.setReadDeadline(conn, c.opts.idleTimeout)
		if err := readHeader(reader, header[:]); err != nil {
			return c.readError(ctx, err, "read header")
		}

		length, err := DecodeHeader(header[:])
		if err != nil {
			return err
		}
		if err = ValidateLength(length, len(buf)); err != nil {
			c.logger.Warn("rejecting frame", "addr", conn.RemoteAddr(), "length", length, "error", err)
			return err
		}

		c.advance(StateAwaitingBody)
		c.setReadDeadline(conn, c.opts.readTimeout)
		body, err := readBody(reader, buf[:length])
		if err != nil {
			return c.readError(ctx, err, "read body")
		}

		c.metrics.frameReceived(len(body))
		c.deliver(body)
	}
}

func (c *Client) readError(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return errors.WithMessage(err, op)
}

func (c *Client) setReadDeadline(conn net.Conn, d time.Duration) {
	var deadline time.Time
	if d > 0 {
		deadline = time.Now().Add(d)
	}
	_ = conn.SetReadDeadline(deadline)
}

// deliver decodes a complete frame body and queues its notifications. body
// aliases the receive buffer, so every consumer gets its own copy. A frame
// that fails to decode still raises the message-received notification.
func (c *Client) deliver(body []byte) {
	payload := clone(body)

	msg, err := c.decode(payload)
	switch {
	case err != nil:
		c.logger.Debug("decode error", "length", len(payload), "error", err)
		c.metrics.dispatched(resultDecodeError)
	default:
		key := RouteKey(msg)
		if h, ok := c.registry.lookup(key); ok {
			ev := &Event{Client: c, Message: msg, Payload: payload}
			c.events.post(func() { h(ev) })
			c.metrics.dispatched(resultHandled)
		} else {
			c.logger.Debug("no handler", "key", key.String())
			c.metrics.dispatched(resultUnhandled)
		}
	}

	if cb := c.opts.onMessageReceived; cb != nil {
		received := clone(body)
		c.events.post(func() { cb(c, received) })
	}
}

// decode runs the codec and turns a codec panic into an error.
func (c *Client) decode(payload []byte) (msg Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.WithMessagef(ErrCodecPanic, "%v", r)
		}
	}()
	return c.opts.codec.Decode(payload)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
