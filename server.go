package cmdsock

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// FrameHandler handles frames received by a Server.
type FrameHandler interface {
	// ServeFrame is called for each frame body received on c. The body is
	// only valid during the call. A non-nil error closes c.
	ServeFrame(c *Conn, body []byte) error
}

// FrameHandlerFunc adapts a function to the FrameHandler interface.
type FrameHandlerFunc func(c *Conn, body []byte) error

// ServeFrame calls f(c, body).
func (f FrameHandlerFunc) ServeFrame(c *Conn, body []byte) error {
	return f(c, body)
}

// EchoHandler writes every received frame back to its sender.
var EchoHandler FrameHandler = FrameHandlerFunc(func(c *Conn, body []byte) error {
	return c.WriteTimeout(body, time.Second)
})

// Server accepts framed connections. It is the peer a Client talks to.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	connOpts        []ConnOption

	mu          sync.Mutex
	shutdown    bool
	conns       map[*Conn]struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
	shutdownNow chan struct{} // closed by Close to bypass the shutdown timeout
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server and its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server waits up to this duration for
// open connections to finish before closing them. Default is 0 (immediate).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerConnOption applies opts to every accepted connection.
func ServerConnOption(opts ...ConnOption) ServerOption {
	return func(s *Server) {
		s.connOpts = append(s.connOpts, opts...)
	}
}

// NewServer creates a server bound to addr.
func NewServer(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.WithMessagef(err, "listen %s", addr)
	}

	s := &Server{
		listener:    listener,
		logger:      defaultLogger(),
		conns:       make(map[*Conn]struct{}),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve accepts connections and runs handler for their frames. It blocks
// until ctx is canceled or accepting fails. On return every connection it
// started has been closed.
func (s *Server) Serve(ctx context.Context, handler FrameHandler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Unblock Accept.
		_ = s.listener.SetDeadline(time.Now())
	}()

	defer s.drain()

	// Connections outlive ctx until drain closes them.
	connCtx := context.WithoutCancel(ctx)

	for {
		raw, err := s.listener.AcceptTCP()
		if err != nil {
			if s.isShutdown() {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		_ = raw.SetNoDelay(true)

		opts := append([]ConnOption{ConnLoggerOption(s.logger)}, s.connOpts...)
		opts = append(opts, OnFrameOption(handler.ServeFrame))
		conn, err := NewConn(raw, opts...)
		if err != nil {
			raw.Close()
			return err
		}

		s.track(conn)
		go func() {
			defer s.untrack(conn)
			_ = conn.Run(connCtx)
		}()
	}
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
	s.wg.Add(1)
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// drain waits up to the shutdown timeout for connections to finish, then
// closes the rest. Close bypasses the wait.
func (s *Server) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if s.shutdownTimeout > 0 {
		s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
		timer := time.NewTimer(s.shutdownTimeout)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
		case <-s.shutdownNow:
			s.logger.Debug("shutdown timeout bypassed via Close()")
		}
	}

	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	<-done
}

// Close stops accepting connections and closes the listener.
// If a shutdown timeout is in progress, Close bypasses the rest of it.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.shutdownNow) })

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}
