package cmdsock

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// HeaderSize is the size of the length prefix that precedes every frame.
const HeaderSize = 4

// byteOrder is the wire byte order of the length prefix. Both peers must use it.
var byteOrder = binary.LittleEndian

// Encode builds a frame from the first length bytes of payload.
// The result is exactly length+HeaderSize bytes long.
func Encode(payload []byte, length int) ([]byte, error) {
	if length < 0 || length > len(payload) {
		return nil, errors.WithMessagef(ErrInvalidLength, "length %d, payload %d", length, len(payload))
	}
	if int64(length) > math.MaxInt32 {
		return nil, errors.WithMessagef(ErrFrameTooLarge, "length %d", length)
	}

	frame := make([]byte, HeaderSize+length)
	byteOrder.PutUint32(frame, uint32(length))
	copy(frame[HeaderSize:], payload[:length])
	return frame, nil
}

// DecodeHeader interprets a 4-byte header as a signed body length.
// The value is not range checked; see ValidateLength.
func DecodeHeader(header []byte) (int32, error) {
	if len(header) != HeaderSize {
		return 0, errors.WithMessagef(ErrShortHeader, "got %d bytes", len(header))
	}
	return int32(byteOrder.Uint32(header)), nil
}

// ValidateLength rejects body lengths that are negative or larger than max.
func ValidateLength(length int32, max int) error {
	if length < 0 {
		return errors.WithMessagef(ErrNegativeLength, "length %d", length)
	}
	if int64(length) > int64(max) {
		return errors.WithMessagef(ErrFrameTooLarge, "length %d exceeds %d", length, max)
	}
	return nil
}

// ReadFrame reads one frame from r into buf and returns the body.
// The returned slice aliases buf and is only valid until the next call.
// Bodies longer than len(buf) are rejected before any body byte is read.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var header [HeaderSize]byte
	if err := readHeader(r, header[:]); err != nil {
		return nil, err
	}

	length, err := DecodeHeader(header[:])
	if err != nil {
		return nil, err
	}
	if err = ValidateLength(length, len(buf)); err != nil {
		return nil, err
	}

	return readBody(r, buf[:length])
}

// WriteFrame writes payload to w as a single frame.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := Encode(payload, len(payload))
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// readHeader accumulates exactly HeaderSize bytes. A stream that ends inside a
// header yields ErrShortHeader; a clean EOF before any byte is returned as io.EOF.
func readHeader(r io.Reader, header []byte) error {
	_, err := io.ReadFull(r, header)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.WithMessage(ErrShortHeader, err.Error())
	}
	return err
}

func readBody(r io.Reader, body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.WithMessage(ErrShortBody, err.Error())
		}
		return nil, err
	}
	return body, nil
}
