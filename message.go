package cmdsock

import (
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Message is the routing identity decoded from a frame body.
// When CommandName is non-blank it takes precedence over CommandID.
type Message struct {
	Extension   string
	CommandID   int
	CommandName string

	// Body is the application payload carried by the message, if the codec
	// separates it from the routing fields.
	Body []byte
}

// Command returns the command used to route the message.
func (m Message) Command() Command {
	if strings.TrimSpace(m.CommandName) != "" {
		return CommandName(m.CommandName)
	}
	return CommandID(m.CommandID)
}

// Codec turns a complete frame body into a Message.
// Applications implement this interface to plug in their own payload format.
//
// Decode is called once per frame from the receive goroutine with a private
// copy of the frame body, which the returned Message may retain.
type Codec interface {
	Decode(payload []byte) (Message, error)
}

// CodecFunc adapts a function to the Codec interface.
type CodecFunc func(payload []byte) (Message, error)

// Decode calls f(payload).
func (f CodecFunc) Decode(payload []byte) (Message, error) {
	return f(payload)
}

// Envelope is the CBOR representation used by CBORCodec.
type Envelope struct {
	Extension   string `cbor:"ext"`
	CommandID   int    `cbor:"cmd_id,omitempty"`
	CommandName string `cbor:"cmd_name,omitempty"`
	Body        []byte `cbor:"body,omitempty"`
}

// CBORCodec decodes frame bodies holding a CBOR Envelope.
type CBORCodec struct {
	dec cbor.DecMode
}

// NewCBORCodec returns a CBORCodec with the default decoding limits
// and no tolerance for duplicate map keys.
func NewCBORCodec() (*CBORCodec, error) {
	dec, err := cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		return nil, errors.WithMessage(err, "cbor decode mode")
	}
	return &CBORCodec{dec: dec}, nil
}

// Decode implements Codec.
func (c *CBORCodec) Decode(payload []byte) (Message, error) {
	var env Envelope
	if err := c.dec.Unmarshal(payload, &env); err != nil {
		return Message{}, errors.WithMessage(err, "decode envelope")
	}
	if env.Extension == "" {
		return Message{}, errors.WithMessage(ErrMissingExtension, "decode envelope")
	}

	return Message{
		Extension:   env.Extension,
		CommandID:   env.CommandID,
		CommandName: env.CommandName,
		Body:        env.Body,
	}, nil
}

// Encode serializes an envelope for sending with Client.Send.
func (c *CBORCodec) Encode(env Envelope) ([]byte, error) {
	data, err := cbor.Marshal(env)
	if err != nil {
		return nil, errors.WithMessage(err, "encode envelope")
	}
	return data, nil
}
