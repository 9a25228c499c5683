package cmdsock

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

func nopFrame(*Conn, []byte) error { return nil }

// runConn starts c.Run and returns a channel receiving its result.
func runConn(c *Conn) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- c.Run(context.Background())
	}()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to return")
		return nil
	}
}

func TestNewConn(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn, OnFrameOption(nopFrame))
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if conn.rawConn != serverConn {
		t.Error("rawConn not set correctly")
	}
	if len(conn.buf) != defaultMaxFrameSize {
		t.Errorf("buffer = %d, want %d", len(conn.buf), defaultMaxFrameSize)
	}
}

func TestNewConn_MissingOnFrame(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	if _, err := NewConn(serverConn); err != ErrInvalidOnFrame {
		t.Errorf("expected ErrInvalidOnFrame, got %v", err)
	}
}

func TestNewConn_WithAllOptions(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	logger := newMockLogger()
	conn, err := NewConn(serverConn,
		OnFrameOption(nopFrame),
		OnErrorOption(func(error) ErrorAction { return Continue }),
		SendQueueOption(10),
		MaxFrameSizeOption(2048),
		HeartbeatOption(time.Minute),
		ConnLoggerOption(logger),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if cap(conn.sendMsg) != 10 {
		t.Errorf("send queue = %d, want 10", cap(conn.sendMsg))
	}
	if len(conn.buf) != 2048 {
		t.Errorf("buffer = %d, want 2048", len(conn.buf))
	}
	if conn.opts.heartbeat != time.Minute {
		t.Errorf("heartbeat = %v, want %v", conn.opts.heartbeat, time.Minute)
	}
	if conn.logger != logger {
		t.Error("logger not set correctly")
	}
}

func TestCheckConnOptions_DefaultValues(t *testing.T) {
	opts := &connOptions{onFrame: nopFrame}

	if err := checkConnOptions(opts); err != nil {
		t.Fatalf("checkConnOptions failed: %v", err)
	}

	if opts.sendQueue != defaultSendQueue {
		t.Errorf("sendQueue = %d, want %d", opts.sendQueue, defaultSendQueue)
	}
	if opts.maxFrameSize != defaultMaxFrameSize {
		t.Errorf("maxFrameSize = %d, want %d", opts.maxFrameSize, defaultMaxFrameSize)
	}
	if opts.heartbeat != defaultHeartbeat {
		t.Errorf("heartbeat = %v, want %v", opts.heartbeat, defaultHeartbeat)
	}
	if opts.onError == nil || opts.onError(errors.New("x")) != Disconnect {
		t.Error("default onError should disconnect")
	}
	if opts.logger == nil {
		t.Error("logger should default")
	}
}

func TestConn_Addr(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, OnFrameOption(nopFrame))

	if conn.Addr().String() != clientConn.LocalAddr().String() {
		t.Errorf("Addr = %v, want %v", conn.Addr(), clientConn.LocalAddr())
	}
}

func TestConn_Write(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, OnFrameOption(nopFrame))

	if err := conn.Write([]byte("one")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Run is not draining the queue, so the second frame does not fit.
	if err := conn.Write([]byte("two")); err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}

	frame := <-conn.sendMsg
	if len(frame) != HeaderSize+3 || string(frame[HeaderSize:]) != "one" {
		t.Errorf("unexpected frame %q", frame)
	}
}

func TestConn_WriteBlocking(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, OnFrameOption(nopFrame))
	_ = conn.Write([]byte("fill"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := conn.WriteBlocking(ctx, []byte("wait")); err != context.DeadlineExceeded {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}

	<-conn.sendMsg
	if err := conn.WriteBlocking(context.Background(), []byte("room")); err != nil {
		t.Errorf("WriteBlocking failed: %v", err)
	}
}

func TestConn_WriteTimeout(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, OnFrameOption(nopFrame))
	_ = conn.Write([]byte("fill"))

	start := time.Now()
	if err := conn.WriteTimeout([]byte("late"), 50*time.Millisecond); err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("WriteTimeout returned before its timeout")
	}
}

func TestConn_WriteAfterClose(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, OnFrameOption(nopFrame))
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if err := conn.Write([]byte("x")); err != ErrConnectionClosed {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	if !conn.IsClosed() {
		t.Error("IsClosed should be true")
	}
}

func TestConn_Run_Echo(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, OnFrameOption(func(c *Conn, body []byte) error {
		return c.WriteTimeout(body, time.Second)
	}))
	done := runConn(conn)

	reader := bufio.NewReader(clientConn)
	buf := make([]byte, 64)
	for _, msg := range []string{"hello", "", "world"} {
		if err := WriteFrame(clientConn, []byte(msg)); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
		_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
		body, err := ReadFrame(reader, buf)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if string(body) != msg {
			t.Errorf("echo = %q, want %q", body, msg)
		}
	}

	conn.Close()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run after Close = %v, want nil", err)
	}
}

func TestConn_Run_PeerClosed(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	conn, _ := NewConn(serverConn, OnFrameOption(nopFrame))
	done := runConn(conn)

	clientConn.Close()
	if err := waitRun(t, done); err == nil {
		t.Error("expected an error when the peer closes")
	}
	if !conn.IsClosed() {
		t.Error("connection should be closed after Run")
	}
}

func TestConn_Run_FrameTooLarge(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	called := false
	conn, _ := NewConn(serverConn,
		OnFrameOption(func(*Conn, []byte) error { called = true; return nil }),
		MaxFrameSizeOption(4),
	)
	done := runConn(conn)

	if err := WriteFrame(clientConn, []byte("too long")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	if err := waitRun(t, done); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
	if called {
		t.Error("frame handler should not run for a rejected frame")
	}
}

func TestConn_Run_FrameHandlerError(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	errStop := errors.New("stop")
	conn, _ := NewConn(serverConn, OnFrameOption(func(*Conn, []byte) error { return errStop }))
	done := runConn(conn)

	_ = WriteFrame(clientConn, []byte("x"))

	if err := waitRun(t, done); err != errStop {
		t.Errorf("expected errStop, got %v", err)
	}
}

func TestConn_Run_ContextCanceled(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, _ := NewConn(serverConn, OnFrameOption(nopFrame))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- conn.Run(ctx)
	}()

	cancel()
	err := waitRun(t, done)
	if err == nil {
		t.Error("expected an error after cancel")
	}
	if !conn.IsClosed() {
		t.Error("connection should be closed after Run")
	}
}

func TestConn_Write_ErrorContinue(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	clientConn.Close()

	errs := make(chan error, 1)
	conn, _ := NewConn(serverConn,
		OnFrameOption(nopFrame),
		OnErrorOption(func(err error) ErrorAction {
			select {
			case errs <- err:
			default:
			}
			return Continue
		}),
	)

	// Writing to a closed socket fails; Continue keeps the loop alive.
	serverConn.Close()
	if err := conn.write([]byte("x")); err != nil {
		t.Errorf("write with Continue = %v, want nil", err)
	}

	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Error("onError was not called")
	}
}

func TestConn_Write_ErrorDisconnect(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	clientConn.Close()

	conn, _ := NewConn(serverConn, OnFrameOption(nopFrame))

	serverConn.Close()
	if err := conn.write([]byte("x")); err == nil {
		t.Error("write with the default onError should return the error")
	}
}
