package cmdsock

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Default peer configuration values.
const (
	// defaultSendQueue is the default size of the outgoing frame queue.
	defaultSendQueue = 1
	// defaultMaxFrameSize is the default largest accepted body (1MB).
	defaultMaxFrameSize = 1024 * 1024
	defaultHeartbeat    = 30 * time.Second
)

// Conn is the accepting side of a framed connection. It reads frames on one
// goroutine and writes queued frames on another.
type Conn struct {
	rawConn *net.TCPConn
	reader  *bufio.Reader
	buf     []byte
	logger  Logger

	opts connOptions

	sendMsg chan []byte
	closed  atomic.Bool
	closing chan struct{}
}

// NewConn wraps an accepted TCP connection.
// Returns an error if the frame handler is missing.
func NewConn(conn *net.TCPConn, opt ...ConnOption) (*Conn, error) {
	var opts connOptions
	for _, o := range opt {
		o(&opts)
	}

	if err := checkConnOptions(&opts); err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// checkConnOptions validates and sets default values for peer options.
func checkConnOptions(opts *connOptions) error {
	if opts.onFrame == nil {
		return ErrInvalidOnFrame
	}

	if opts.sendQueue <= 0 {
		opts.sendQueue = defaultSendQueue
	}

	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = defaultMaxFrameSize
	}

	if opts.heartbeat <= 0 {
		opts.heartbeat = defaultHeartbeat
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

func newConnWithOptions(c *net.TCPConn, opts connOptions) *Conn {
	return &Conn{
		rawConn: c,
		reader:  bufio.NewReader(c),
		buf:     make([]byte, opts.maxFrameSize),
		logger:  opts.logger,
		opts:    opts,
		sendMsg: make(chan []byte, opts.sendQueue),
		closing: make(chan struct{}),
	}
}

// Run starts the read and write loops and blocks until one of them fails,
// ctx is canceled or Close is called. The connection is closed when Run
// returns; after Close, Run returns nil.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("peer connection established", "addr", c.Addr())

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	// Unblock the read loop once either loop has stopped or Close was called.
	group.Go(func() error {
		select {
		case <-child.Done():
		case <-c.closing:
		}
		_ = c.rawConn.Close()
		return nil
	})

	err := group.Wait()
	if c.IsClosed() {
		err = nil
	}
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("peer connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("peer connection closed", "addr", c.Addr())
	}

	return err
}

// Close closes the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.closing)
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Write frames payload and queues it without blocking.
// Returns ErrBufferFull when the queue is full.
func (c *Conn) Write(payload []byte) error {
	frame, err := c.frame(payload)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- frame:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking frames payload and waits until it is queued or ctx ends.
func (c *Conn) WriteBlocking(ctx context.Context, payload []byte) error {
	frame, err := c.frame(payload)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout frames payload and waits up to timeout for room in the queue.
func (c *Conn) WriteTimeout(payload []byte, timeout time.Duration) error {
	frame, err := c.frame(payload)
	if err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.sendMsg <- frame:
		return nil
	case <-timer.C:
		return ErrBufferFull
	}
}

func (c *Conn) frame(payload []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}
	return Encode(payload, len(payload))
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// readLoop reads frames and hands each body to the frame handler. The body
// is only valid during the callback.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.heartbeat * 2))

			// A failed read leaves the stream at an unknown offset, so it
			// always ends the connection.
			body, err := ReadFrame(c.reader, c.buf)
			if err != nil {
				c.logger.Debug("read error", "addr", c.Addr(), "error", err)
				return err
			}

			if err = c.opts.onFrame(c, body); err != nil {
				return err
			}
		}
	}
}

// writeLoop sends queued frames until ctx ends or a write fails.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-c.sendMsg:
			if err := c.write(frame); err != nil {
				return err
			}
		}
	}
}

// write sends a frame with a deadline. The error is returned only if onError
// asks to disconnect.
func (c *Conn) write(frame []byte) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.heartbeat * 2))

	_, err := c.rawConn.Write(frame)
	if err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.rawConn.Close()
}
