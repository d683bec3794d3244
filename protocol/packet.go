package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	// ProtocolVersion is the protocol version this implementation speaks.
	ProtocolVersion = 8
	// MinProtocolVersion is the oldest peer protocol version accepted.
	MinProtocolVersion = 7

	// ControlPrefix marks packet types reserved for connection control.
	ControlPrefix = "peerlink."

	// TypeIdentity announces a device.
	TypeIdentity = ControlPrefix + "identity"
	// TypePair carries pairing requests, accepts and unpairs.
	TypePair = ControlPrefix + "pair"

	// MaxLineSize bounds one encoded packet line.
	MaxLineSize = 4 * 1024 * 1024

	// PayloadSizeUnknown marks a payload read until EOF.
	PayloadSizeUnknown = -1
)

var (
	// ErrMissingType indicates a packet without a type.
	ErrMissingType = errors.New("protocol: packet type is required")
	// ErrMissingTransferInfo indicates a payload without side-channel details.
	ErrMissingTransferInfo = errors.New("protocol: payload without transfer info")
	// ErrLineTooLong indicates an encoded packet exceeds MaxLineSize.
	ErrLineTooLong = errors.New("protocol: packet line too long")
)

// Payload is the binary stream attached to a packet.
type Payload struct {
	Reader io.ReadCloser
	// Size is the number of bytes in Reader, or PayloadSizeUnknown.
	Size int64
}

// Close releases the payload stream.
func (p *Payload) Close() error {
	if p == nil || p.Reader == nil {
		return nil
	}
	return p.Reader.Close()
}

// Packet is the unit of communication between two devices.
type Packet struct {
	ID   int64
	Type string
	Body map[string]any

	Payload             *Payload
	PayloadTransferInfo map[string]any
}

// NewPacket returns an empty packet of the given type stamped with the current time.
func NewPacket(packetType string) *Packet {
	return &Packet{
		ID:   time.Now().UnixMilli(),
		Type: packetType,
		Body: make(map[string]any),
	}
}

// IsControl reports whether the packet type is reserved for connection control.
func (p *Packet) IsControl() bool {
	return strings.HasPrefix(p.Type, ControlPrefix)
}

// HasPayload reports whether the packet carries or announces a payload.
func (p *Packet) HasPayload() bool {
	return p.Payload != nil && p.Payload.Size != 0
}

// PayloadSize returns the announced payload size, or 0 without a payload.
func (p *Packet) PayloadSize() int64 {
	if p.Payload == nil {
		return 0
	}
	return p.Payload.Size
}

// Set stores a body field and returns the packet for chaining.
func (p *Packet) Set(key string, value any) *Packet {
	if p.Body == nil {
		p.Body = make(map[string]any)
	}
	p.Body[key] = value
	return p
}

// Has reports whether the body contains key.
func (p *Packet) Has(key string) bool {
	_, ok := p.Body[key]
	return ok
}

// String returns a string body field or def.
func (p *Packet) String(key, def string) string {
	if v, ok := p.Body[key].(string); ok {
		return v
	}
	return def
}

// Bool returns a boolean body field or def.
func (p *Packet) Bool(key string, def bool) bool {
	if v, ok := p.Body[key].(bool); ok {
		return v
	}
	return def
}

// Int returns an integer body field or def.
func (p *Packet) Int(key string, def int64) int64 {
	if v, ok := toInt64(p.Body[key]); ok {
		return v
	}
	return def
}

// StringList returns a list-of-strings body field, skipping non-string entries.
func (p *Packet) StringList(key string) []string {
	return toStringList(p.Body[key])
}

// TransferString returns a string payloadTransferInfo field or def.
func (p *Packet) TransferString(key, def string) string {
	if v, ok := p.PayloadTransferInfo[key].(string); ok {
		return v
	}
	return def
}

// TransferInt returns an integer payloadTransferInfo field or def.
func (p *Packet) TransferInt(key string, def int64) int64 {
	if v, ok := toInt64(p.PayloadTransferInfo[key]); ok {
		return v
	}
	return def
}

type wirePacket struct {
	ID                  json.Number    `json:"id"`
	Type                string         `json:"type"`
	Body                map[string]any `json:"body"`
	PayloadSize         int64          `json:"payloadSize,omitempty"`
	PayloadTransferInfo map[string]any `json:"payloadTransferInfo,omitempty"`
}

// Marshal encodes the packet as one newline-terminated JSON line.
func (p *Packet) Marshal() ([]byte, error) {
	if p.Type == "" {
		return nil, ErrMissingType
	}

	body := p.Body
	if body == nil {
		body = map[string]any{}
	}

	wire := wirePacket{
		ID:   json.Number(strconv.FormatInt(p.ID, 10)),
		Type: p.Type,
		Body: body,
	}
	if p.HasPayload() {
		if len(p.PayloadTransferInfo) == 0 {
			return nil, ErrMissingTransferInfo
		}
		wire.PayloadSize = p.Payload.Size
		wire.PayloadTransferInfo = p.PayloadTransferInfo
	}

	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal packet %q: %w", p.Type, err)
	}
	if len(raw)+1 > MaxLineSize {
		return nil, ErrLineTooLong
	}
	return append(raw, '\n'), nil
}

// Unmarshal decodes one JSON line into a packet.
//
// The returned packet's Payload, when announced, has a nil Reader; the link
// that decoded it attaches the stream.
func Unmarshal(line []byte) (*Packet, error) {
	line = bytes.TrimSpace(line)
	if len(line) > MaxLineSize {
		return nil, ErrLineTooLong
	}

	decoder := json.NewDecoder(bytes.NewReader(line))
	decoder.UseNumber()

	var wire wirePacket
	if err := decoder.Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	if wire.Type == "" {
		return nil, ErrMissingType
	}

	id, err := wire.ID.Int64()
	if err != nil && wire.ID != "" {
		// Older peers sent floating point timestamps.
		if f, ferr := wire.ID.Float64(); ferr == nil {
			id = int64(f)
		}
	}

	packet := &Packet{
		ID:   id,
		Type: wire.Type,
		Body: wire.Body,
	}
	if packet.Body == nil {
		packet.Body = make(map[string]any)
	}
	if wire.PayloadSize != 0 {
		if len(wire.PayloadTransferInfo) == 0 {
			return nil, ErrMissingTransferInfo
		}
		packet.Payload = &Payload{Size: wire.PayloadSize}
		packet.PayloadTransferInfo = wire.PayloadTransferInfo
	}

	return packet, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return int64(f), true
		}
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

func toStringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
