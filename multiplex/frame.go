package multiplex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// FrameType identifies a multiplex frame.
type FrameType uint8

const (
	FrameProtocolVersion FrameType = 0
	FrameOpenChannel     FrameType = 1
	FrameCloseChannel    FrameType = 2
	FrameReadRequest     FrameType = 3
	FrameWrite           FrameType = 4
)

const (
	// HeaderSize is type (1) + length (2) + channel id (16).
	HeaderSize = 19
	// MaxPayloadSize is the largest payload a u16 length can describe.
	MaxPayloadSize = 0xFFFF

	versionPayloadSize     = 4
	readRequestPayloadSize = 2
)

var (
	// ErrInvalidFrame is returned when a frame is malformed.
	ErrInvalidFrame = errors.New("multiplex: invalid frame")
	// ErrFrameTooLarge is returned when a payload exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("multiplex: frame payload exceeds maximum size")
)

func (t FrameType) String() string {
	switch t {
	case FrameProtocolVersion:
		return "protocol_version"
	case FrameOpenChannel:
		return "open_channel"
	case FrameCloseChannel:
		return "close_channel"
	case FrameReadRequest:
		return "read_request"
	case FrameWrite:
		return "write"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Frame is one unit on the multiplexed socket.
type Frame struct {
	Type    FrameType
	Channel uuid.UUID
	Payload []byte
}

// Encode serializes the frame to bytes.
func (f Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(f.Payload)))
	copy(buf[3:HeaderSize], f.Channel[:])
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// WriteFrame encodes and writes one frame.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := f.Encode()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	return nil
}

// ReadFrame reads and validates one frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{Type: FrameType(header[0])}
	copy(f.Channel[:], header[3:HeaderSize])

	length := binary.BigEndian.Uint16(header[1:3])
	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
	}

	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) validate() error {
	switch f.Type {
	case FrameProtocolVersion:
		if len(f.Payload) != versionPayloadSize {
			return fmt.Errorf("%w: version payload of %d bytes", ErrInvalidFrame, len(f.Payload))
		}
	case FrameReadRequest:
		if len(f.Payload) != readRequestPayloadSize {
			return fmt.Errorf("%w: read request payload of %d bytes", ErrInvalidFrame, len(f.Payload))
		}
	case FrameOpenChannel, FrameCloseChannel, FrameWrite:
	default:
		return fmt.Errorf("%w: type %d", ErrInvalidFrame, uint8(f.Type))
	}
	return nil
}

func versionFrame(minVersion, maxVersion uint16) Frame {
	payload := make([]byte, versionPayloadSize)
	binary.BigEndian.PutUint16(payload[0:2], minVersion)
	binary.BigEndian.PutUint16(payload[2:4], maxVersion)
	return Frame{Type: FrameProtocolVersion, Payload: payload}
}

func parseVersion(f Frame) (minVersion, maxVersion uint16) {
	return binary.BigEndian.Uint16(f.Payload[0:2]), binary.BigEndian.Uint16(f.Payload[2:4])
}

func readRequestFrame(id uuid.UUID, n uint16) Frame {
	payload := make([]byte, readRequestPayloadSize)
	binary.BigEndian.PutUint16(payload, n)
	return Frame{Type: FrameReadRequest, Channel: id, Payload: payload}
}

func parseReadRequest(f Frame) uint16 {
	return binary.BigEndian.Uint16(f.Payload)
}
