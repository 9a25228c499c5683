package cmdsock

import (
	"time"
)

// options holds the configuration for a client.
type options struct {
	codec   Codec
	logger  Logger
	metrics *Metrics

	onConnected       func(*Client)
	onDisconnected    func(*Client)
	onSendFailed      func(c *Client, err error, reason string)
	onMessageReceived func(c *Client, payload []byte)

	bufferSize   int           // receive buffer size, the largest accepted body
	dialTimeout  time.Duration // bound on connect
	readTimeout  time.Duration // bound on reading a body once its header arrived
	idleTimeout  time.Duration // bound on waiting for a header, 0 waits forever
	writeTimeout time.Duration // bound on a single frame write
}

// Option is a function that configures client options.
type Option func(*options)

// CodecOption sets the payload codec. Required.
func CodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// LoggerOption sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption sets the metrics the client records into.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// BufferSizeOption sets the receive buffer size.
// Frames with a larger body are rejected and close the connection.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// DialTimeoutOption bounds how long Start waits for the connection.
func DialTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = d
	}
}

// ReadTimeoutOption bounds how long a frame body may take to arrive
// once its header has been read.
func ReadTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.readTimeout = d
	}
}

// IdleTimeoutOption bounds how long the client waits for the next header.
// Zero, the default, waits indefinitely.
func IdleTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WriteTimeoutOption bounds a single frame write.
func WriteTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// OnConnectedOption sets the callback raised after the connection is established.
func OnConnectedOption(cb func(*Client)) Option {
	return func(o *options) {
		o.onConnected = cb
	}
}

// OnDisconnectedOption sets the callback raised when the connection ends or
// could not be established.
func OnDisconnectedOption(cb func(*Client)) Option {
	return func(o *options) {
		o.onDisconnected = cb
	}
}

// OnSendFailedOption sets the callback raised when a connect or a send fails.
func OnSendFailedOption(cb func(c *Client, err error, reason string)) Option {
	return func(o *options) {
		o.onSendFailed = cb
	}
}

// OnMessageReceivedOption sets the callback raised for every complete frame.
// The payload is a private copy and may be retained.
func OnMessageReceivedOption(cb func(c *Client, payload []byte)) Option {
	return func(o *options) {
		o.onMessageReceived = cb
	}
}

// ErrorAction defines the action a peer connection takes after a write error.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// connOptions holds the configuration for a peer connection.
type connOptions struct {
	logger Logger

	// onFrame is called with each frame body; a non-nil error closes the connection.
	onFrame func(c *Conn, body []byte) error
	// onError is called when a write fails.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	sendQueue    int           // size of the outgoing frame queue
	maxFrameSize int           // largest accepted frame body
	heartbeat    time.Duration // heartbeat interval for read/write deadlines
}

// ConnOption is a function that configures peer connection options.
type ConnOption func(*connOptions)

// OnFrameOption sets the frame handler. Required.
// The body passed to the handler is only valid during the call.
func OnFrameOption(cb func(c *Conn, body []byte) error) ConnOption {
	return func(o *connOptions) {
		o.onFrame = cb
	}
}

// OnErrorOption sets the write error callback.
// Return Disconnect to close the connection, or Continue to drop the frame.
func OnErrorOption(cb func(error) ErrorAction) ConnOption {
	return func(o *connOptions) {
		o.onError = cb
	}
}

// SendQueueOption sets the number of frames that can wait to be written.
func SendQueueOption(size int) ConnOption {
	return func(o *connOptions) {
		o.sendQueue = size
	}
}

// MaxFrameSizeOption sets the largest frame body a peer connection accepts.
func MaxFrameSizeOption(size int) ConnOption {
	return func(o *connOptions) {
		o.maxFrameSize = size
	}
}

// HeartbeatOption sets the heartbeat interval.
// This determines the read/write deadline timeout (heartbeat * 2).
func HeartbeatOption(heartbeat time.Duration) ConnOption {
	return func(o *connOptions) {
		o.heartbeat = heartbeat
	}
}

// ConnLoggerOption sets the logger of a peer connection.
func ConnLoggerOption(logger Logger) ConnOption {
	return func(o *connOptions) {
		o.logger = logger
	}
}
