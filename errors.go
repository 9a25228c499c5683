package cmdsock

import "errors"

// Errors returned by the framing functions.
var (
	// ErrInvalidLength is returned when a length is negative or exceeds the payload.
	ErrInvalidLength = errors.New("invalid frame length")
	// ErrFrameTooLarge is returned when a frame exceeds the receive buffer or the wire limit.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrNegativeLength is returned when a received header decodes to a negative length.
	ErrNegativeLength = errors.New("negative frame length")
	// ErrShortHeader is returned when fewer than HeaderSize bytes are available for a header.
	ErrShortHeader = errors.New("short frame header")
	// ErrShortBody is returned when the stream ends before the full body is read.
	ErrShortBody = errors.New("short frame body")
)

// Errors returned by client operations.
var (
	// ErrInvalidCodec is returned when no codec is provided.
	ErrInvalidCodec = errors.New("invalid codec")
	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("client already started")
	// ErrClientDisposed is returned when using a disposed client.
	ErrClientDisposed = errors.New("client disposed")
	// ErrBufferInUse is returned when resizing the receive buffer while connected.
	ErrBufferInUse = errors.New("receive buffer in use")
	// ErrNotConnected is reported when sending without an established connection.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidHandler is returned when registering a nil handler.
	ErrInvalidHandler = errors.New("invalid handler callback")
)

// Errors reported for frames that cannot be decoded.
var (
	// ErrMissingExtension is returned by CBORCodec for an envelope without an extension.
	ErrMissingExtension = errors.New("missing extension")
	// ErrCodecPanic is reported when a Codec panics while decoding.
	ErrCodecPanic = errors.New("codec panic")
)

// Errors returned by peer connection operations.
var (
	// ErrInvalidOnFrame is returned when no frame handler is provided.
	ErrInvalidOnFrame = errors.New("invalid on frame callback")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the send queue cannot accept more frames.
	// The peer is not consuming frames fast enough; use WriteBlocking or
	// WriteTimeout to wait for room.
	ErrBufferFull = errors.New("send buffer full")
)
