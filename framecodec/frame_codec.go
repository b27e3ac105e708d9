// Package framecodec implements the fixed-header wire format shared by the
// server and client: a 6-byte big-endian header (payload length, reserved
// flags, command) followed by the raw payload.
package framecodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the fixed frame header in bytes.
	HeaderSize = 6

	// MaxPayloadSize is the largest payload a single frame may carry. The
	// length field is 16 bits wide and the header is budgeted out of it.
	MaxPayloadSize = 0xFFFF - HeaderSize
)

// Header is the decoded fixed part of a frame. Length counts payload bytes
// only; the header itself is never included.
type Header struct {
	Length  uint16
	Flags   uint16
	Command uint16
}

// Frame is one complete protocol message.
type Frame struct {
	Command uint16
	Flags   uint16
	Payload []byte
}

// FrameError reports a malformed, truncated, or oversized frame.
type FrameError struct {
	Reason string
	Err    error
}

// Error implements error.
func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame error: %s: %v", e.Reason, e.Err)
	}

	return "frame error: " + e.Reason
}

// Unwrap returns the underlying cause, if any.
func (e *FrameError) Unwrap() error {
	return e.Err
}

// Encode builds a frame for command carrying payload. Flags are always 0.
//
// Parameters:
//   - command: The command id written to the header
//   - payload: The raw payload bytes; may be empty
//
// Returns:
//   - The encoded header followed by the payload
//   - A *FrameError if payload exceeds MaxPayloadSize
func Encode(command uint16, payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), command, payload)
}

// AppendFrame appends the encoding of a frame to dst and returns the extended
// slice.
func AppendFrame(dst []byte, command uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return dst, &FrameError{Reason: fmt.Sprintf("payload of %d bytes exceeds %d", len(payload), MaxPayloadSize)}
	}

	dst = binary.BigEndian.AppendUint16(dst, uint16(len(payload)))
	dst = binary.BigEndian.AppendUint16(dst, 0)
	dst = binary.BigEndian.AppendUint16(dst, command)
	return append(dst, payload...), nil
}

// DecodeHeader parses the first HeaderSize bytes of b.
//
// Parameters:
//   - b: At least HeaderSize bytes; extra bytes are ignored
//
// Returns:
//   - The decoded header
//   - A *FrameError if fewer than HeaderSize bytes are supplied
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, &FrameError{Reason: fmt.Sprintf("short header: got %d of %d bytes", len(b), HeaderSize)}
	}

	return Header{
		Length:  binary.BigEndian.Uint16(b[0:2]),
		Flags:   binary.BigEndian.Uint16(b[2:4]),
		Command: binary.BigEndian.Uint16(b[4:6]),
	}, nil
}

// Decoder reads consecutive frames from a byte stream. It reassembles frames
// regardless of how the stream is chunked: frame N+1 is never touched before
// frame N's payload has been fully consumed. A Decoder is not safe for
// concurrent use.
type Decoder struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next reads the next frame.
//
// Returns:
//   - The decoded frame
//   - io.EOF if the stream ended cleanly on a frame boundary
//   - A *FrameError if the stream ended inside a frame or the header is invalid
//   - Any other read error as returned by the underlying reader
func (d *Decoder) Next() (Frame, error) {
	n, err := io.ReadFull(d.r, d.header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Frame{}, io.EOF
		}

		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, &FrameError{Reason: fmt.Sprintf("truncated header after %d bytes", n), Err: err}
		}

		return Frame{}, err
	}

	h, err := DecodeHeader(d.header[:])
	if err != nil {
		return Frame{}, err
	}

	if h.Flags != 0 {
		return Frame{}, &FrameError{Reason: fmt.Sprintf("reserved flags set: %#04x", h.Flags)}
	}

	if h.Length > MaxPayloadSize {
		return Frame{}, &FrameError{Reason: fmt.Sprintf("declared length %d exceeds %d", h.Length, MaxPayloadSize)}
	}

	payload := make([]byte, h.Length)
	if n, err := io.ReadFull(d.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, &FrameError{
				Reason: fmt.Sprintf("truncated payload: got %d of %d bytes", n, h.Length),
				Err:    io.ErrUnexpectedEOF,
			}
		}

		return Frame{}, err
	}

	return Frame{Command: h.Command, Flags: h.Flags, Payload: payload}, nil
}
