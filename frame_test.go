package cmdsock

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/pkg/errors"
)

func TestEncode(t *testing.T) {
	payload := []byte("hello world")

	frame, err := Encode(payload, 5)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if len(frame) != 5+HeaderSize {
		t.Fatalf("frame length = %d, want %d", len(frame), 5+HeaderSize)
	}
	if got := binary.LittleEndian.Uint32(frame); got != 5 {
		t.Errorf("header = %d, want 5", got)
	}
	if string(frame[HeaderSize:]) != "hello" {
		t.Errorf("body = %q, want %q", frame[HeaderSize:], "hello")
	}
}

func TestEncode_LittleEndianHeader(t *testing.T) {
	payload := make([]byte, 0x0102)

	frame, err := Encode(payload, len(payload))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	want := []byte{0x02, 0x01, 0x00, 0x00}
	if !bytes.Equal(frame[:HeaderSize], want) {
		t.Errorf("header = %v, want %v", frame[:HeaderSize], want)
	}
}

func TestEncode_InvalidLength(t *testing.T) {
	payload := []byte("abc")

	for _, length := range []int{-1, 4} {
		_, err := Encode(payload, length)
		if !errors.Is(err, ErrInvalidLength) {
			t.Errorf("Encode(%d) error = %v, want ErrInvalidLength", length, err)
		}
	}
}

func TestEncode_Empty(t *testing.T) {
	frame, err := Encode(nil, 0)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(frame, []byte{0, 0, 0, 0}) {
		t.Errorf("frame = %v, want zero header only", frame)
	}
}

func TestDecodeHeader(t *testing.T) {
	length, err := DecodeHeader([]byte{0x05, 0, 0, 0})
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if length != 5 {
		t.Errorf("length = %d, want 5", length)
	}

	// the codec itself does not reject negative values
	length, err = DecodeHeader([]byte{0xff, 0xff, 0xff, 0xff})
	if err != nil {
		t.Fatalf("DecodeHeader failed: %v", err)
	}
	if length != -1 {
		t.Errorf("length = %d, want -1", length)
	}

	if _, err = DecodeHeader([]byte{1, 2}); !errors.Is(err, ErrShortHeader) {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}
}

func TestValidateLength(t *testing.T) {
	tests := []struct {
		name   string
		length int32
		max    int
		want   error
	}{
		{"zero", 0, 10, nil},
		{"at limit", 10, 10, nil},
		{"over limit", 11, 10, ErrFrameTooLarge},
		{"negative", -1, 10, ErrNegativeLength},
		{"max int32", math.MaxInt32, 1024, ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLength(tt.length, tt.max)
			if tt.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReadFrame_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xab}, 4096),
	}

	for _, p := range payloads {
		for _, length := range []int{0, len(p) / 2, len(p)} {
			frame, err := Encode(p, length)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			buf := make([]byte, 8192)
			body, err := ReadFrame(bytes.NewReader(frame), buf)
			if err != nil {
				t.Fatalf("ReadFrame failed: %v", err)
			}
			if !bytes.Equal(body, p[:length]) {
				t.Errorf("body mismatch for length %d", length)
			}
		}
	}
}

func TestReadFrame_Sequence(t *testing.T) {
	var stream bytes.Buffer
	for _, s := range []string{"one", "two", "three"} {
		if err := WriteFrame(&stream, []byte(s)); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	buf := make([]byte, 64)
	for _, want := range []string{"one", "two", "three"} {
		body, err := ReadFrame(&stream, buf)
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if string(body) != want {
			t.Errorf("body = %q, want %q", body, want)
		}
	}

	if _, err := ReadFrame(&stream, buf); err != io.EOF {
		t.Errorf("expected io.EOF at end of stream, got %v", err)
	}
}

// oneByteReader returns at most one byte per Read, like a slow TCP peer.
type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestReadFrame_FragmentedHeader(t *testing.T) {
	frame, _ := Encode([]byte("fragmented"), 10)

	body, err := ReadFrame(oneByteReader{bytes.NewReader(frame)}, make([]byte, 32))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if string(body) != "fragmented" {
		t.Errorf("body = %q", body)
	}
}

func TestReadFrame_ShortHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 0}), make([]byte, 8))
	if !errors.Is(err, ErrShortHeader) {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrame_ShortBody(t *testing.T) {
	frame, _ := Encode([]byte("hello"), 5)

	_, err := ReadFrame(bytes.NewReader(frame[:HeaderSize+2]), make([]byte, 8))
	if !errors.Is(err, ErrShortBody) {
		t.Errorf("expected ErrShortBody, got %v", err)
	}
}

func TestReadFrame_TooLarge(t *testing.T) {
	frame, _ := Encode([]byte("hello"), 5)

	_, err := ReadFrame(bytes.NewReader(frame), make([]byte, 4))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrame_NegativeLength(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0xff, 0xff, 0xff, 0xff}), make([]byte, 4))
	if !errors.Is(err, ErrNegativeLength) {
		t.Errorf("expected ErrNegativeLength, got %v", err)
	}
}
