package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxMessageLength is the largest length-prefix value a Decoder will accept.
// A real PIECE block tops out well under 32KiB; anything approaching this
// bound on the wire is a misbehaving or hostile peer, not a slow one.
const MaxMessageLength = 200_000

// ErrMessageTooLarge is returned when a peer's length prefix exceeds
// MaxMessageLength.
var ErrMessageTooLarge = errors.New("protocol: message exceeds maximum length")

// ErrMalformedFrame is returned when a frame decodes cleanly off the wire
// (a well-formed length prefix within range) but its id/payload combination
// violates the wire contract: an unknown message id, or a fixed-size
// message carrying the wrong payload length.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Decoder incrementally parses a stream of length-prefixed frames out of
// whatever bytes arrive off the wire, without assuming a full frame is
// already buffered. Feed lets the caller hand over bytes as they arrive
// (e.g. from a single bufio.Reader.Read) and Take drains zero or more
// complete frames plus the residue of an incomplete one, which is kept for
// the next Feed rather than treated as an error.
//
// A Decoder is not safe for concurrent use; it is meant to be owned by a
// single read loop.
type Decoder struct {
	buf bytes.Buffer
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly read bytes to the Decoder's internal buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf.Write(b)
}

// Take drains every complete frame currently buffered and returns them in
// arrival order. A keep-alive frame (length prefix 0) surfaces as a nil
// *Message, matching ReadMessage's convention. If the buffered bytes end in
// a partial frame, that residue is left in place for a subsequent Feed —
// this is not reported as an error.
//
// Take returns ErrMessageTooLarge (and stops decoding, leaving the buffer
// as-is) the moment it sees a length prefix over MaxMessageLength, since at
// that point the stream can no longer be trusted to be framed correctly. It
// returns ErrMalformedFrame, wrapping the underlying id/length violation, for
// a well-sized frame whose id is unknown or whose fixed-size payload has the
// wrong length.
func (d *Decoder) Take() ([]*Message, error) {
	var out []*Message

	for {
		raw := d.buf.Bytes()
		if len(raw) < 4 {
			return out, nil
		}

		length := binary.BigEndian.Uint32(raw[0:4])
		if length > MaxMessageLength {
			return out, ErrMessageTooLarge
		}

		frameLen := 4 + int(length)
		if len(raw) < frameLen {
			return out, nil // incomplete frame: wait for more bytes.
		}

		if length == 0 {
			out = append(out, nil) // keep-alive
		} else {
			m := &Message{
				ID:      MessageID(raw[4]),
				Payload: append([]byte(nil), raw[5:frameLen]...),
			}
			if err := m.ValidatePayloadSize(); err != nil {
				return out, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
			}
			out = append(out, m)
		}

		d.buf.Next(frameLen)
	}
}
