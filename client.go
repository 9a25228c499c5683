// Package cmdsock provides a TCP client that exchanges length-prefixed frames
// with a server and dispatches decoded messages to handlers registered per
// (extension, command) pair.
//
// Every frame on the wire is a 4-byte little-endian length followed by that
// many payload bytes. Connection events and messages are reported through
// callbacks that run on a dedicated notification goroutine, in the order the
// underlying frames arrived.
package cmdsock

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Reasons attached to send-failed notifications.
const (
	ReasonConnectFailed = "remote server not responding"
	ReasonSendFailed    = "send message failed"
)

// Default configuration values.
const (
	// defaultBufferSize is the default receive buffer size (16KB).
	defaultBufferSize   = 16 * 1024
	defaultDialTimeout  = 10 * time.Second
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Client maintains one framed TCP connection to a server.
type Client struct {
	opts     options
	logger   Logger
	metrics  *Metrics
	registry *Registry
	events   *dispatcher
	writes   *dispatcher // SendAsync frames, written in call order

	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc
	buffer []byte

	state    atomic.Int32
	running  atomic.Bool
	disposed atomic.Bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

// NewClient creates a client. A codec is required.
//
// The client owns background goroutines from creation; call Dispose when it
// is no longer needed, even if it was never started or is already closed.
func NewClient(opt ...Option) (*Client, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	return &Client{
		opts:     opts,
		logger:   opts.logger,
		metrics:  opts.metrics,
		registry: NewRegistry(),
		events:   newDispatcher(opts.logger),
		writes:   newDispatcher(opts.logger),
		buffer:   make([]byte, opts.bufferSize),
	}, nil
}

// checkOptions validates and sets default values for client options.
func checkOptions(opts *options) error {
	if opts.codec == nil {
		return ErrInvalidCodec
	}

	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.dialTimeout <= 0 {
		opts.dialTimeout = defaultDialTimeout
	}

	if opts.readTimeout <= 0 {
		opts.readTimeout = defaultReadTimeout
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.metrics == nil {
		opts.metrics = NewMetrics(nil, "")
	}

	return nil
}

// AddHandler registers h for messages of the given extension and command.
// A later registration for the same pair replaces the earlier one.
//
// Messages route by command name when they carry a non-blank name and by
// command id otherwise, so a handler registered with CommandID(5) never
// receives a message that names its command, and vice versa.
func (c *Client) AddHandler(extension string, cmd Command, h Handler) error {
	if c.disposed.Load() {
		return ErrClientDisposed
	}
	return c.registry.Register(extension, cmd, h)
}

// RemoveHandler unregisters the handler for (extension, cmd).
func (c *Client) RemoveHandler(extension string, cmd Command) bool {
	return c.registry.Remove(extension, cmd)
}

// Resolve returns the handler registered for (extension, cmd).
func (c *Client) Resolve(extension string, cmd Command) (Handler, bool) {
	return c.registry.Resolve(extension, cmd)
}

// SetBufferSize replaces the receive buffer. Bodies larger than size are
// rejected. The buffer cannot be resized while a connection is in progress.
func (c *Client) SetBufferSize(size int) error {
	if size <= 0 {
		return errors.WithMessagef(ErrInvalidLength, "buffer size %d", size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateConnecting, StateAwaitingHeader, StateAwaitingBody:
		return ErrBufferInUse
	}
	c.buffer = make([]byte, size)
	return nil
}

// Start connects to address:port in the background and returns immediately.
// The outcome is reported through the connected notification, or through
// send-failed followed by disconnected.
func (c *Client) Start(address string, port int) error {
	return c.StartContext(context.Background(), address, port)
}

// StartContext is like Start; canceling ctx aborts the connect or closes the
// established connection.
func (c *Client) StartContext(ctx context.Context, address string, port int) error {
	c.mu.Lock()
	if c.disposed.Load() {
		c.mu.Unlock()
		return ErrClientDisposed
	}
	if c.State() != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.setState(StateConnecting)
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	c.mu.Unlock()

	addr := net.JoinHostPort(address, strconv.Itoa(port))
	go func() {
		defer c.wg.Done()
		c.connect(ctx, addr)
	}()
	return nil
}

// connect dials addr and, on success, runs the receive loop until the
// connection ends.
func (c *Client) connect(ctx context.Context, addr string) {
	dialer := net.Dialer{Timeout: c.opts.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err == nil && c.disposed.Load() {
		conn.Close()
		err = ErrClientDisposed
	}
	if err != nil {
		c.logger.Warn("connect failed", "addr", addr, "error", err)
		c.setState(StateClosed)
		c.sendFailed(errors.WithMessagef(err, "connect %s", addr), ReasonConnectFailed)
		c.notify(c.opts.onDisconnected)
		return
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	c.mu.Lock()
	c.conn = conn
	buf := c.buffer
	c.running.Store(true)
	c.advance(StateAwaitingHeader)
	c.mu.Unlock()

	c.metrics.setConnected(true)
	c.logger.Info("connection established", "addr", conn.RemoteAddr())
	c.logger.Debug("connection options", "addr", conn.RemoteAddr(),
		"buffer_size", len(buf),
		"read_timeout", c.opts.readTimeout,
		"idle_timeout", c.opts.idleTimeout,
		"write_timeout", c.opts.writeTimeout)
	c.notify(c.opts.onConnected)

	c.run(ctx, conn, buf)
}

// run drives the receive loop and tears the connection down when it stops.
func (c *Client) run(ctx context.Context, conn net.Conn, buf []byte) {
	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return c.receiveLoop(child, conn, buf)
	})

	// Unblock a pending read when the context ends.
	group.Go(func() error {
		<-child.Done()
		_ = conn.Close()
		return nil
	})

	err := group.Wait()
	if closed, _ := c.teardown(); closed {
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Info("connection closed with error", "addr", conn.RemoteAddr(), "error", err)
		} else {
			c.logger.Info("connection closed", "addr", conn.RemoteAddr())
		}
	}
}

// Close ends an established connection and raises the disconnected
// notification. It is a no-op unless the client is connected.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !c.running.Load() {
		return nil
	}

	closed, err := c.teardown()
	if closed {
		c.logger.Info("connection closed", "addr", conn.RemoteAddr())
	}
	return err
}

// teardown moves a running client to StateClosed exactly once. It reports
// whether this call performed the transition.
func (c *Client) teardown() (bool, error) {
	if !c.running.CompareAndSwap(true, false) {
		return false, nil
	}

	c.setState(StateClosed)
	c.metrics.setConnected(false)
	c.notify(c.opts.onDisconnected)

	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return true, err
		}
	}
	return true, nil
}

// Dispose closes the connection, waits for the connection goroutines to exit
// and drops all handlers. Notifications already queued still run; later ones
// are discarded. Safe to call multiple times, including from a callback.
func (c *Client) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}

	_ = c.Close()

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.wg.Wait()
	c.registry.Reset()
	c.writes.stop()
	c.events.stop()
}

// Send writes payload[:length] as one frame and returns when the write has
// completed or failed. Failures are reported through the send-failed
// notification.
func (c *Client) Send(payload []byte, length int) {
	frame, err := Encode(payload, length)
	if err != nil {
		c.sendFailed(err, ReasonSendFailed)
		return
	}
	c.write(frame)
}

// SendAsync is like Send but returns immediately. Frames queued by SendAsync
// reach the wire in call order. payload may be reused once SendAsync returns.
func (c *Client) SendAsync(payload []byte, length int) {
	frame, err := Encode(payload, length)
	if err != nil {
		c.sendFailed(err, ReasonSendFailed)
		return
	}
	if !c.writes.post(func() { c.write(frame) }) {
		c.sendFailed(ErrClientDisposed, ReasonSendFailed)
	}
}

// write sends an encoded frame. Writes are serialized so frames never interleave.
func (c *Client) write(frame []byte) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !c.running.Load() {
		c.sendFailed(ErrNotConnected, ReasonSendFailed)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	if _, err := conn.Write(frame); err != nil {
		c.logger.Debug("write error", "addr", conn.RemoteAddr(), "error", err)
		c.sendFailed(errors.WithMessage(err, "write frame"), ReasonSendFailed)
		return
	}
	c.metrics.framesSent.Inc()
}

// Addr returns the remote address of the connection, or nil before connect.
func (c *Client) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.RemoteAddr()
}

// IsRunning reports whether the connection is established.
func (c *Client) IsRunning() bool {
	return c.running.Load()
}

func (c *Client) sendFailed(err error, reason string) {
	c.metrics.sendFailures.Inc()
	cb := c.opts.onSendFailed
	if cb == nil {
		return
	}
	c.events.post(func() { cb(c, err, reason) })
}

func (c *Client) notify(cb func(*Client)) {
	if cb == nil {
		return
	}
	c.events.post(func() { cb(c) })
}
